package options

import (
	"testing"

	"github.com/coldbell/options/backend/internal/ledger"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

func TestInitializeTwiceFails(t *testing.T) {
	h := newHarness(t)

	ix, err := h.builder.Initialize(h.admin.PublicKey())
	require.NoError(t, err)
	err = h.exec([]solana.Instruction{ix}, h.admin)
	require.ErrorIs(t, err, ErrAlreadyInitialized)

	perr, ok := AsError(err)
	require.True(t, ok)
	require.Equal(t, uint32(6000), perr.Code)
	require.Equal(t, "AlreadyInitialized", perr.Name)
}

func TestCreateRequiresInitialize(t *testing.T) {
	h := newUninitializedHarness(t)
	creator := h.wallet()
	underlying := h.underlyingMint(1_000, creator)

	optionMint := solana.NewWallet().PrivateKey
	ix, err := h.builder.Create(creator.PublicKey(), underlying, optionMint.PublicKey(), callArgs(100, 5))
	require.NoError(t, err)
	require.ErrorIs(t, h.exec([]solana.Instruction{ix}, creator, optionMint), ErrNotInitialized)
}

func TestCreateCallSeries(t *testing.T) {
	h := newHarness(t)
	creator := h.wallet()
	underlying := h.underlyingMint(5_000, creator)

	args := callArgs(1_600, 25)
	optionMint := h.createSeries(creator, underlying, args)

	series := h.series(optionMint)
	require.Equal(t, creator.PublicKey(), series.Creator)
	require.Equal(t, underlying, series.UnderlyingMint)
	require.Equal(t, args.EndTime, series.EndTime)
	require.Equal(t, uint64(25), series.StrikePrice)
	require.Equal(t, uint64(1_600), series.AmountUnexercised)
	require.True(t, series.Call)
	require.True(t, series.Resellable)

	require.Equal(t, uint64(1_600), h.tokenBalance(creator.PublicKey(), optionMint))
	require.Equal(t, uint64(1_600), h.mintSupply(optionMint))
	require.Equal(t, uint64(3_400), h.tokenBalance(creator.PublicKey(), underlying))
	require.Equal(t, uint64(1_600), h.escrowBalance(underlying))
}

func TestCreateSharesEscrowPerUnderlying(t *testing.T) {
	h := newHarness(t)
	alice := h.wallet()
	bob := h.wallet()
	underlying := h.underlyingMint(1_000, alice, bob)

	first := h.createSeries(alice, underlying, callArgs(300, 10))
	second := h.createSeries(bob, underlying, callArgs(200, 12))

	require.Equal(t, uint64(500), h.escrowBalance(underlying))
	require.Equal(t, uint64(300), h.series(first).AmountUnexercised)
	require.Equal(t, uint64(200), h.series(second).AmountUnexercised)
}

func TestCreatePutLocksLamports(t *testing.T) {
	h := newHarness(t)
	creator := h.wallet()
	underlying := h.underlyingMint(0, creator)

	args := callArgs(100, 1_000)
	args.Call = false
	optionMint := h.createSeries(creator, underlying, args)

	vault, _, err := h.deriver.PutCollateral(optionMint)
	require.NoError(t, err)
	require.Equal(t, uint64(100_000), h.lamports(vault))
	require.Equal(t, walletFunding-100_000, h.lamports(creator.PublicKey()))
	require.Zero(t, h.escrowBalance(underlying))
	require.Equal(t, uint64(100), h.tokenBalance(creator.PublicKey(), optionMint))
}

func TestCreateRejectsExpiryNotInFuture(t *testing.T) {
	for _, endTime := range []uint64{uint64(startTime), uint64(startTime - 1), 0} {
		h := newHarness(t)
		creator := h.wallet()
		underlying := h.underlyingMint(1_000, creator)

		optionMint := solana.NewWallet().PrivateKey
		args := callArgs(100, 5)
		args.EndTime = endTime
		ix, err := h.builder.Create(creator.PublicKey(), underlying, optionMint.PublicKey(), args)
		require.NoError(t, err)
		require.ErrorIs(t, h.exec([]solana.Instruction{ix}, creator, optionMint), ErrInvalidExpiry)

		optionData, _, err := h.deriver.OptionData(optionMint.PublicKey())
		require.NoError(t, err)
		_, err = h.store.Get(h.ctx, optionData)
		require.ErrorIs(t, err, ledger.ErrAccountNotFound)
		require.Equal(t, uint64(1_000), h.tokenBalance(creator.PublicKey(), underlying))
	}
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	creator := h.wallet()
	underlying := h.underlyingMint(50, creator)

	cases := []struct {
		name   string
		mutate func(args *CreateArgs)
		want   error
	}{
		{"insufficient collateral", func(args *CreateArgs) { args.Amount = 51 }, ErrInsufficientBalance},
		{"zero amount", func(args *CreateArgs) { args.Amount = 0 }, ErrInvalidAmount},
		{"zero strike", func(args *CreateArgs) { args.StrikePrice = 0 }, ErrInvalidAmount},
		{"put collateral overflow", func(args *CreateArgs) {
			args.Call = false
			args.StrikePrice = 1 << 63
			args.Amount = 4
		}, ErrArithmeticOverflow},
		{"put without lamports", func(args *CreateArgs) {
			args.Call = false
			args.StrikePrice = walletFunding
			args.Amount = 2
		}, ErrInsufficientBalance},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			args := callArgs(10, 5)
			tc.mutate(&args)
			optionMint := solana.NewWallet().PrivateKey
			ix, err := h.builder.Create(creator.PublicKey(), underlying, optionMint.PublicKey(), args)
			require.NoError(t, err)
			require.ErrorIs(t, h.exec([]solana.Instruction{ix}, creator, optionMint), tc.want)
		})
	}
	require.Equal(t, uint64(50), h.tokenBalance(creator.PublicKey(), underlying))
}

func TestCreateRejectsMismatchedAddresses(t *testing.T) {
	h := newHarness(t)
	creator := h.wallet()
	underlying := h.underlyingMint(1_000, creator)
	optionMint := solana.NewWallet().PrivateKey

	accounts, err := h.builder.CreateAccountsFor(creator.PublicKey(), underlying, optionMint.PublicKey())
	require.NoError(t, err)
	accounts.OptionDataAccount = solana.NewWallet().PublicKey()
	ix, err := NewCreateInstruction(DefaultProgramID, accounts, callArgs(10, 5))
	require.NoError(t, err)
	require.ErrorIs(t, h.exec([]solana.Instruction{ix}, creator, optionMint), ErrAddressMismatch)

	accounts, err = h.builder.CreateAccountsFor(creator.PublicKey(), underlying, optionMint.PublicKey())
	require.NoError(t, err)
	otherEscrow, _, err := h.deriver.UnderlyingEscrow(solana.NewWallet().PublicKey())
	require.NoError(t, err)
	accounts.UnderlyingTokenAccount = otherEscrow
	ix, err = NewCreateInstruction(DefaultProgramID, accounts, callArgs(10, 5))
	require.NoError(t, err)
	require.ErrorIs(t, h.exec([]solana.Instruction{ix}, creator, optionMint), ErrAddressMismatch)
}

func TestCreateHolderAccountTwice(t *testing.T) {
	h := newHarness(t)
	creator := h.wallet()
	underlying := h.underlyingMint(1_000, creator)
	optionMint := h.createSeries(creator, underlying, callArgs(100, 5))

	h.createHolder(creator, optionMint)
	ix, err := h.builder.CreateHolderAccount(creator.PublicKey(), optionMint)
	require.NoError(t, err)
	require.ErrorIs(t, h.exec([]solana.Instruction{ix}, creator), ErrAlreadyInitialized)
}

func TestUnknownInstruction(t *testing.T) {
	h := newHarness(t)
	ix := solana.NewInstruction(DefaultProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(h.admin.PublicKey(), true, true),
	}, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	require.ErrorIs(t, h.exec([]solana.Instruction{ix}, h.admin), ErrUnknownInstruction)
}
