package options

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coldbell/options/backend/internal/ledger"
	"github.com/coldbell/options/backend/internal/pda"
	"github.com/coldbell/options/backend/internal/runtime"
	"github.com/coldbell/options/backend/internal/token"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

const (
	startTime     int64  = 1_700_000_000
	walletFunding uint64 = 1_000_000_000
)

type harness struct {
	t       *testing.T
	ctx     context.Context
	store   *ledger.MemoryStore
	rt      *runtime.Runtime
	deriver *pda.Deriver
	builder *Builder
	admin   solana.PrivateKey
	now     atomic.Int64
}

func newHarness(t *testing.T) *harness {
	h := newUninitializedHarness(t)
	ix, err := h.builder.Initialize(h.admin.PublicKey())
	require.NoError(t, err)
	h.mustExec([]solana.Instruction{ix}, h.admin)
	return h
}

func newUninitializedHarness(t *testing.T) *harness {
	t.Helper()
	deriver, err := pda.NewDeriver(DefaultProgramID, 128)
	require.NoError(t, err)

	h := &harness{
		t:       t,
		ctx:     context.Background(),
		store:   ledger.NewMemoryStore(),
		deriver: deriver,
		builder: NewBuilder(deriver),
	}
	h.now.Store(startTime)
	h.rt, err = runtime.New(h.store, runtime.Config{
		FaucetEnabled: true,
		Now:           func() time.Time { return time.Unix(h.now.Load(), 0) },
	}, token.Program{}, NewProgram(deriver, nil))
	require.NoError(t, err)
	h.admin = h.wallet()
	return h
}

func (h *harness) setNow(ts int64) {
	h.now.Store(ts)
}

func (h *harness) exec(ixs []solana.Instruction, signers ...solana.PrivateKey) error {
	_, err := h.rt.Execute(h.ctx, ixs, signers...)
	return err
}

func (h *harness) mustExec(ixs []solana.Instruction, signers ...solana.PrivateKey) {
	h.t.Helper()
	require.NoError(h.t, h.exec(ixs, signers...))
}

func (h *harness) wallet() solana.PrivateKey {
	h.t.Helper()
	key := solana.NewWallet().PrivateKey
	_, err := h.rt.Airdrop(h.ctx, key.PublicKey(), walletFunding)
	require.NoError(h.t, err)
	return key
}

// underlyingMint creates a fresh asset and funds each holder's associated
// account with amount.
func (h *harness) underlyingMint(amount uint64, holders ...solana.PrivateKey) solana.PublicKey {
	h.t.Helper()
	mint := solana.NewWallet().PrivateKey
	ixs := []solana.Instruction{
		token.NewInitializeMintInstruction(h.admin.PublicKey(), mint.PublicKey(), h.admin.PublicKey(), 9),
	}
	for _, holder := range holders {
		create, ata, err := token.NewCreateAssociatedAccountInstruction(h.admin.PublicKey(), holder.PublicKey(), mint.PublicKey())
		require.NoError(h.t, err)
		ixs = append(ixs, create, token.NewMintToInstruction(mint.PublicKey(), ata, h.admin.PublicKey(), amount))
	}
	h.mustExec(ixs, h.admin, mint)
	return mint.PublicKey()
}

func (h *harness) createSeries(creator solana.PrivateKey, underlying solana.PublicKey, args CreateArgs) solana.PublicKey {
	h.t.Helper()
	optionMint := solana.NewWallet().PrivateKey
	ix, err := h.builder.Create(creator.PublicKey(), underlying, optionMint.PublicKey(), args)
	require.NoError(h.t, err)
	h.mustExec([]solana.Instruction{ix}, creator, optionMint)
	return optionMint.PublicKey()
}

func (h *harness) createHolder(payer solana.PrivateKey, optionMint solana.PublicKey) {
	h.t.Helper()
	ix, err := h.builder.CreateHolderAccount(payer.PublicKey(), optionMint)
	require.NoError(h.t, err)
	h.mustExec([]solana.Instruction{ix}, payer)
}

func (h *harness) list(owner solana.PrivateKey, optionMint solana.PublicKey, amount, price uint64) error {
	ix, err := h.builder.List(owner.PublicKey(), optionMint, amount, price)
	require.NoError(h.t, err)
	return h.exec([]solana.Instruction{ix}, owner)
}

func (h *harness) buy(buyer solana.PrivateKey, optionMint, owner solana.PublicKey, price, amount uint64) error {
	ix, err := h.builder.Buy(buyer.PublicKey(), optionMint, owner, price, amount)
	require.NoError(h.t, err)
	return h.exec([]solana.Instruction{ix}, buyer)
}

func (h *harness) exercise(holder solana.PrivateKey, optionMint solana.PublicKey, amount uint64) error {
	series := h.series(optionMint)
	ix, err := h.builder.Exercise(holder.PublicKey(), optionMint, series.UnderlyingMint, series.Creator, amount)
	require.NoError(h.t, err)
	return h.exec([]solana.Instruction{ix}, holder)
}

func (h *harness) claim(signer solana.PrivateKey, optionMint solana.PublicKey) error {
	series := h.series(optionMint)
	ix, err := h.builder.Claim(signer.PublicKey(), optionMint, series.UnderlyingMint)
	require.NoError(h.t, err)
	return h.exec([]solana.Instruction{ix}, signer)
}

func (h *harness) tokenBalance(wallet, mint solana.PublicKey) uint64 {
	h.t.Helper()
	ata, err := token.AssociatedAddress(wallet, mint)
	require.NoError(h.t, err)
	return h.tokenAccountBalance(ata)
}

func (h *harness) tokenAccountBalance(key solana.PublicKey) uint64 {
	h.t.Helper()
	acct, err := h.store.Get(h.ctx, key)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return 0
	}
	require.NoError(h.t, err)
	state, err := token.DecodeAccount(acct.Data)
	require.NoError(h.t, err)
	return state.Amount
}

func (h *harness) mintSupply(mint solana.PublicKey) uint64 {
	h.t.Helper()
	acct, err := h.store.Get(h.ctx, mint)
	require.NoError(h.t, err)
	state, err := token.DecodeMint(acct.Data)
	require.NoError(h.t, err)
	return state.Supply
}

func (h *harness) lamports(key solana.PublicKey) uint64 {
	h.t.Helper()
	acct, err := h.store.Get(h.ctx, key)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return 0
	}
	require.NoError(h.t, err)
	return acct.Lamports
}

func (h *harness) series(optionMint solana.PublicKey) *OptionData {
	h.t.Helper()
	key, _, err := h.deriver.OptionData(optionMint)
	require.NoError(h.t, err)
	acct, err := h.store.Get(h.ctx, key)
	require.NoError(h.t, err)
	out, err := DecodeOptionData(acct.Data)
	require.NoError(h.t, err)
	return out
}

func (h *harness) listing(optionMint, owner solana.PublicKey, price uint64) *Listing {
	h.t.Helper()
	key, _, err := h.deriver.Listing(optionMint, owner, price)
	require.NoError(h.t, err)
	acct, err := h.store.Get(h.ctx, key)
	require.NoError(h.t, err)
	out, err := DecodeListing(acct.Data)
	require.NoError(h.t, err)
	return out
}

func (h *harness) escrowBalance(underlying solana.PublicKey) uint64 {
	h.t.Helper()
	key, _, err := h.deriver.UnderlyingEscrow(underlying)
	require.NoError(h.t, err)
	return h.tokenAccountBalance(key)
}

func callArgs(amount, strike uint64) CreateArgs {
	return CreateArgs{
		EndTime:     uint64(startTime + 3600),
		StrikePrice: strike,
		Amount:      amount,
		Call:        true,
		Resellable:  true,
	}
}
