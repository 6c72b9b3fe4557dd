package options

import (
	"errors"
	"sync"
	"testing"

	"github.com/coldbell/options/backend/internal/runtime"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

type listedSeries struct {
	h          *harness
	seller     solana.PrivateKey
	optionMint solana.PublicKey
	underlying solana.PublicKey
}

func newListedSeries(t *testing.T, supply uint64) *listedSeries {
	h := newHarness(t)
	seller := h.wallet()
	underlying := h.underlyingMint(supply+10, seller)
	optionMint := h.createSeries(seller, underlying, callArgs(supply, 10))
	h.createHolder(seller, optionMint)
	return &listedSeries{h: h, seller: seller, optionMint: optionMint, underlying: underlying}
}

func TestListTopsUpAdditively(t *testing.T) {
	s := newListedSeries(t, 2_000)
	h := s.h

	for i, want := range []uint64{400, 800, 1_200, 1_600} {
		require.NoError(t, s.h.list(s.seller, s.optionMint, 400, 7), "list #%d", i+1)
		listing := h.listing(s.optionMint, s.seller.PublicKey(), 7)
		require.Equal(t, want, listing.Amount)
		require.Equal(t, uint64(7), listing.Price)
		require.Equal(t, s.seller.PublicKey(), listing.Owner)
		require.Equal(t, s.underlying, listing.UnderlyingMint)
		require.Equal(t, s.optionMint, listing.OptionMint)
	}

	holder, _, err := h.deriver.HolderAccount(s.optionMint)
	require.NoError(t, err)
	require.Equal(t, uint64(1_600), h.tokenAccountBalance(holder))
	require.Equal(t, uint64(400), h.tokenBalance(s.seller.PublicKey(), s.optionMint))
}

func TestListingsArePriceScoped(t *testing.T) {
	s := newListedSeries(t, 1_000)

	require.NoError(t, s.h.list(s.seller, s.optionMint, 100, 5))
	require.NoError(t, s.h.list(s.seller, s.optionMint, 200, 6))

	require.Equal(t, uint64(100), s.h.listing(s.optionMint, s.seller.PublicKey(), 5).Amount)
	require.Equal(t, uint64(200), s.h.listing(s.optionMint, s.seller.PublicKey(), 6).Amount)
}

func TestListFailures(t *testing.T) {
	s := newListedSeries(t, 1_000)
	h := s.h

	require.ErrorIs(t, h.list(s.seller, s.optionMint, 1_001, 5), ErrInsufficientBalance)
	require.ErrorIs(t, h.list(s.seller, s.optionMint, 0, 5), ErrInvalidAmount)
	require.ErrorIs(t, h.list(s.seller, s.optionMint, 10, 0), ErrInvalidAmount)

	stranger := h.wallet()
	require.ErrorIs(t, h.list(stranger, s.optionMint, 10, 5), ErrInvalidAccount)

	// Series without a holder account.
	bare := h.createSeries(s.seller, s.underlying, callArgs(1, 10))
	require.ErrorIs(t, h.list(s.seller, bare, 1, 5), ErrHolderAccountMissing)

	locked := callArgs(1, 10)
	locked.Resellable = false
	mint := h.createSeries(s.seller, s.underlying, locked)
	h.createHolder(s.seller, mint)
	require.ErrorIs(t, h.list(s.seller, mint, 1, 5), ErrNotResellable)

	h.setNow(int64(callArgs(1, 1).EndTime))
	require.ErrorIs(t, h.list(s.seller, s.optionMint, 10, 5), ErrOptionExpired)
}

func TestListRejectsWrongListingAddress(t *testing.T) {
	s := newListedSeries(t, 1_000)
	h := s.h

	accounts, err := h.builder.ListAccountsFor(s.seller.PublicKey(), s.optionMint, 5)
	require.NoError(t, err)
	accounts.Listing, _, err = h.deriver.Listing(s.optionMint, s.seller.PublicKey(), 6)
	require.NoError(t, err)
	ix, err := NewListInstruction(DefaultProgramID, accounts, ListArgs{Amount: 10, Price: 5})
	require.NoError(t, err)
	require.ErrorIs(t, h.exec([]solana.Instruction{ix}, s.seller), ErrAddressMismatch)

	accounts, err = h.builder.ListAccountsFor(s.seller.PublicKey(), s.optionMint, 5)
	require.NoError(t, err)
	accounts.ProgramHolderAccount = solana.NewWallet().PublicKey()
	ix, err = NewListInstruction(DefaultProgramID, accounts, ListArgs{Amount: 10, Price: 5})
	require.NoError(t, err)
	require.ErrorIs(t, h.exec([]solana.Instruction{ix}, s.seller), ErrAddressMismatch)
}

func TestBuySequence(t *testing.T) {
	s := newListedSeries(t, 1_000)
	h := s.h
	require.NoError(t, h.list(s.seller, s.optionMint, 400, 30))

	buyer := h.wallet()
	sellerLamports := h.lamports(s.seller.PublicKey())
	for i, want := range []uint64{1, 2, 3} {
		require.NoError(t, h.buy(buyer, s.optionMint, s.seller.PublicKey(), 30, 1), "buy #%d", i+1)
		require.Equal(t, want, h.tokenBalance(buyer.PublicKey(), s.optionMint))
		require.Equal(t, 400-want, h.listing(s.optionMint, s.seller.PublicKey(), 30).Amount)
	}
	require.Equal(t, walletFunding-90, h.lamports(buyer.PublicKey()))
	require.Equal(t, sellerLamports+90, h.lamports(s.seller.PublicKey()))
}

func TestBuyMoreThanListedLeavesStateUnchanged(t *testing.T) {
	s := newListedSeries(t, 1_000)
	h := s.h
	require.NoError(t, h.list(s.seller, s.optionMint, 5, 30))

	buyer := h.wallet()
	err := h.buy(buyer, s.optionMint, s.seller.PublicKey(), 30, 6)
	require.ErrorIs(t, err, ErrInsufficientListed)

	require.Equal(t, uint64(5), h.listing(s.optionMint, s.seller.PublicKey(), 30).Amount)
	require.Zero(t, h.tokenBalance(buyer.PublicKey(), s.optionMint))
	require.Equal(t, walletFunding, h.lamports(buyer.PublicKey()))
}

func TestBuyFailures(t *testing.T) {
	s := newListedSeries(t, 1_000)
	h := s.h
	require.NoError(t, h.list(s.seller, s.optionMint, 100, walletFunding/2))

	poor := h.wallet()
	require.ErrorIs(t, h.buy(poor, s.optionMint, s.seller.PublicKey(), walletFunding/2, 3), ErrInsufficientBalance)
	require.ErrorIs(t, h.buy(poor, s.optionMint, s.seller.PublicKey(), walletFunding/2, 0), ErrInvalidAmount)
	// No listing exists at this price.
	require.ErrorIs(t, h.buy(poor, s.optionMint, s.seller.PublicKey(), 1, 1), ErrInvalidAccount)

	h.setNow(int64(callArgs(1, 1).EndTime) + 1)
	require.ErrorIs(t, h.buy(poor, s.optionMint, s.seller.PublicKey(), walletFunding/2, 1), ErrOptionExpired)
	require.Equal(t, uint64(100), h.listing(s.optionMint, s.seller.PublicKey(), walletFunding/2).Amount)
}

func TestBuyRejectsForeignHolderAccount(t *testing.T) {
	s := newListedSeries(t, 1_000)
	h := s.h
	require.NoError(t, h.list(s.seller, s.optionMint, 10, 3))

	buyer := h.wallet()
	accounts, err := h.builder.BuyAccountsFor(buyer.PublicKey(), s.optionMint, s.seller.PublicKey(), 3)
	require.NoError(t, err)
	accounts.UserHolderAccount = solana.NewWallet().PublicKey()
	ix, err := NewBuyInstruction(DefaultProgramID, accounts, BuyArgs{Price: 3, Amount: 1})
	require.NoError(t, err)
	require.ErrorIs(t, h.exec([]solana.Instruction{ix}, buyer), ErrAddressMismatch)
}

func TestConcurrentBuysNeverOversell(t *testing.T) {
	s := newListedSeries(t, 1_000)
	h := s.h
	const listed = 10
	require.NoError(t, h.list(s.seller, s.optionMint, listed, 2))

	buyers := make([]solana.PrivateKey, 24)
	for i := range buyers {
		buyers[i] = h.wallet()
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		filled   int
		rejected int
	)
	for _, buyer := range buyers {
		wg.Add(1)
		go func(buyer solana.PrivateKey) {
			defer wg.Done()
			ix, err := h.builder.Buy(buyer.PublicKey(), s.optionMint, s.seller.PublicKey(), 2, 1)
			if err != nil {
				panic(err)
			}
			for {
				_, err = h.rt.Execute(h.ctx, []solana.Instruction{ix}, buyer)
				if runtime.IsConflict(err) || errors.Is(err, runtime.ErrAlreadyProcessed) {
					continue
				}
				break
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				filled++
			case errors.Is(err, ErrInsufficientListed):
				rejected++
			default:
				panic(err)
			}
		}(buyer)
	}
	wg.Wait()

	require.Equal(t, listed, filled)
	require.Equal(t, len(buyers)-listed, rejected)
	require.Zero(t, h.listing(s.optionMint, s.seller.PublicKey(), 2).Amount)

	var total uint64
	for _, buyer := range buyers {
		total += h.tokenBalance(buyer.PublicKey(), s.optionMint)
	}
	require.Equal(t, uint64(listed), total)
}

func TestCloseListingReturnsRemainder(t *testing.T) {
	s := newListedSeries(t, 1_000)
	h := s.h
	require.NoError(t, h.list(s.seller, s.optionMint, 300, 4))
	buyer := h.wallet()
	require.NoError(t, h.buy(buyer, s.optionMint, s.seller.PublicKey(), 4, 120))

	ix, err := h.builder.CloseListing(s.seller.PublicKey(), s.optionMint, 4)
	require.NoError(t, err)
	h.mustExec([]solana.Instruction{ix}, s.seller)

	require.Zero(t, h.listing(s.optionMint, s.seller.PublicKey(), 4).Amount)
	require.Equal(t, uint64(880), h.tokenBalance(s.seller.PublicKey(), s.optionMint))
	require.ErrorIs(t, h.buy(buyer, s.optionMint, s.seller.PublicKey(), 4, 1), ErrInsufficientListed)

	// Another wallet has no listing at this key.
	ix, err = h.builder.CloseListing(buyer.PublicKey(), s.optionMint, 4)
	require.NoError(t, err)
	require.ErrorIs(t, h.exec([]solana.Instruction{ix}, buyer), ErrInvalidAccount)

	// Relisting at the same price reuses the zeroed listing.
	require.NoError(t, h.list(s.seller, s.optionMint, 50, 4))
	require.Equal(t, uint64(50), h.listing(s.optionMint, s.seller.PublicKey(), 4).Amount)
}

func TestCloseListingAfterSeriesEnds(t *testing.T) {
	s := newListedSeries(t, 100)
	h := s.h
	require.NoError(t, h.list(s.seller, s.optionMint, 60, 2))

	h.setNow(int64(h.series(s.optionMint).EndTime) + 1)
	buyer := h.wallet()
	ix, err := h.builder.CloseListing(buyer.PublicKey(), s.optionMint, 2)
	require.NoError(t, err)
	require.ErrorIs(t, h.exec([]solana.Instruction{ix}, buyer), ErrInvalidAccount)

	ix, err = h.builder.CloseListing(s.seller.PublicKey(), s.optionMint, 2)
	require.NoError(t, err)
	h.mustExec([]solana.Instruction{ix}, s.seller)
	require.Zero(t, h.listing(s.optionMint, s.seller.PublicKey(), 2).Amount)
	require.Equal(t, uint64(100), h.tokenBalance(s.seller.PublicKey(), s.optionMint))
}
