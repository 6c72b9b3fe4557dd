package options

import (
	"fmt"

	"github.com/coldbell/options/backend/internal/runtime"
	"github.com/coldbell/options/backend/internal/token"
	"github.com/gagliardetto/solana-go"
)

// exercise settles amount options before expiry.
//
// Call: the holder pays strike * amount lamports to the creator and receives
// amount underlying from escrow. Put: the holder delivers amount underlying to
// the creator and receives strike * amount lamports from the series vault.
// Either way the presented option tokens are burned.
func (p *Program) exercise(ic *runtime.InvokeContext, accounts []*solana.AccountMeta, raw []byte) error {
	ctx := ic.Context()
	var args ExerciseArgs
	if err := decodeArgs(raw, &args); err != nil {
		return err
	}
	var (
		signer             = accounts[0]
		optionMint         = accounts[1]
		userOption         = accounts[2]
		optionDataMeta     = accounts[3]
		escrowMeta         = accounts[4]
		creator            = accounts[5]
		creatorTokenMeta   = accounts[6]
		userUnderlyingMeta = accounts[7]
		authorityMeta      = accounts[8]
		putCollateralMeta  = accounts[9]
	)
	if err := requireSigner(signer); err != nil {
		return err
	}
	if args.Amount == 0 {
		return fmt.Errorf("%w: amount 0", ErrInvalidAmount)
	}

	authority, err := p.requireInitialized(ctx, ic.Txn)
	if err != nil {
		return err
	}
	if err := expectAddress("program_authority", authorityMeta, authority); err != nil {
		return err
	}
	optionDataKey, _, err := p.deriver.OptionData(optionMint.PublicKey)
	if err != nil {
		return err
	}
	if err := expectAddress("option_data_account", optionDataMeta, optionDataKey); err != nil {
		return err
	}
	putCollateral, _, err := p.deriver.PutCollateral(optionMint.PublicKey)
	if err != nil {
		return err
	}
	if err := expectAddress("put_collateral", putCollateralMeta, putCollateral); err != nil {
		return err
	}

	seriesAcct, series, err := p.loadOptionData(ctx, ic.Txn, optionDataKey)
	if err != nil {
		return err
	}
	if !creator.PublicKey.Equals(series.Creator) {
		return fmt.Errorf("%w: creator is %s", ErrUnauthorized, series.Creator)
	}
	escrow, _, err := p.deriver.UnderlyingEscrow(series.UnderlyingMint)
	if err != nil {
		return err
	}
	if err := expectAddress("underlying_token_account", escrowMeta, escrow); err != nil {
		return err
	}
	if series.Expired(ic.Now()) {
		return fmt.Errorf("%w: ended at %d", ErrOptionExpired, series.EndTime)
	}
	if args.Amount > series.AmountUnexercised {
		return fmt.Errorf("%w: requested %d, unexercised %d", ErrInsufficientUnexercised, args.Amount, series.AmountUnexercised)
	}

	creatorToken, err := token.EnsureAssociatedAccount(ctx, ic.Txn, series.Creator, series.UnderlyingMint, creatorTokenMeta.PublicKey)
	if err != nil {
		return err
	}
	userUnderlying, err := token.EnsureAssociatedAccount(ctx, ic.Txn, signer.PublicKey, series.UnderlyingMint, userUnderlyingMeta.PublicKey)
	if err != nil {
		return err
	}

	notional, err := checkedMul(series.StrikePrice, args.Amount)
	if err != nil {
		return err
	}
	if err := token.Burn(ctx, ic.Txn, userOption.PublicKey, optionMint.PublicKey, signer.PublicKey, args.Amount); err != nil {
		return err
	}
	if series.Call {
		if err := ic.Txn.TransferLamports(ctx, signer.PublicKey, series.Creator, notional); err != nil {
			return err
		}
		if err := token.Transfer(ctx, ic.Txn, escrow, userUnderlying, authority, args.Amount); err != nil {
			return err
		}
	} else {
		if err := token.Transfer(ctx, ic.Txn, userUnderlying, creatorToken, signer.PublicKey, args.Amount); err != nil {
			return err
		}
		if err := payoutFromVault(ctx, ic.Txn, putCollateral, signer.PublicKey, notional); err != nil {
			return err
		}
	}

	series.AmountUnexercised -= args.Amount
	if err := p.storeOptionData(ctx, ic.Txn, seriesAcct, series); err != nil {
		return err
	}

	ic.Emit(runtime.ChannelOptions, "option.exercised", map[string]any{
		"option_mint":        optionMint.PublicKey.String(),
		"holder":             signer.PublicKey.String(),
		"amount":             args.Amount,
		"lamports":           notional,
		"call":               series.Call,
		"amount_unexercised": series.AmountUnexercised,
	})
	return nil
}

// claim returns the unexercised collateral to the creator once the series
// has expired and zeroes amount_unexercised.
func (p *Program) claim(ic *runtime.InvokeContext, accounts []*solana.AccountMeta, _ []byte) error {
	ctx := ic.Context()
	var (
		signer             = accounts[0]
		optionMint         = accounts[1]
		optionDataMeta     = accounts[2]
		escrowMeta         = accounts[3]
		userUnderlyingMeta = accounts[4]
		authorityMeta      = accounts[5]
		putCollateralMeta  = accounts[6]
	)
	if err := requireSigner(signer); err != nil {
		return err
	}
	authority, err := p.requireInitialized(ctx, ic.Txn)
	if err != nil {
		return err
	}
	if err := expectAddress("program_authority", authorityMeta, authority); err != nil {
		return err
	}
	optionDataKey, _, err := p.deriver.OptionData(optionMint.PublicKey)
	if err != nil {
		return err
	}
	if err := expectAddress("option_data_account", optionDataMeta, optionDataKey); err != nil {
		return err
	}
	putCollateral, _, err := p.deriver.PutCollateral(optionMint.PublicKey)
	if err != nil {
		return err
	}
	if err := expectAddress("put_collateral", putCollateralMeta, putCollateral); err != nil {
		return err
	}

	seriesAcct, series, err := p.loadOptionData(ctx, ic.Txn, optionDataKey)
	if err != nil {
		return err
	}
	if !signer.PublicKey.Equals(series.Creator) {
		return fmt.Errorf("%w: creator is %s", ErrUnauthorized, series.Creator)
	}
	escrow, _, err := p.deriver.UnderlyingEscrow(series.UnderlyingMint)
	if err != nil {
		return err
	}
	if err := expectAddress("underlying_token_account", escrowMeta, escrow); err != nil {
		return err
	}
	if !series.Expired(ic.Now()) {
		return fmt.Errorf("%w: ends at %d", ErrNotYetExpired, series.EndTime)
	}
	remaining := series.AmountUnexercised
	if remaining == 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyClaimed, optionMint.PublicKey)
	}

	var lamports uint64
	if series.Call {
		userUnderlying, err := token.EnsureAssociatedAccount(ctx, ic.Txn, signer.PublicKey, series.UnderlyingMint, userUnderlyingMeta.PublicKey)
		if err != nil {
			return err
		}
		if err := token.Transfer(ctx, ic.Txn, escrow, userUnderlying, authority, remaining); err != nil {
			return err
		}
	} else {
		if lamports, err = checkedMul(remaining, series.StrikePrice); err != nil {
			return err
		}
		if err := payoutFromVault(ctx, ic.Txn, putCollateral, signer.PublicKey, lamports); err != nil {
			return err
		}
	}

	series.AmountUnexercised = 0
	if err := p.storeOptionData(ctx, ic.Txn, seriesAcct, series); err != nil {
		return err
	}

	ic.Emit(runtime.ChannelOptions, "option.claimed", map[string]any{
		"option_mint": optionMint.PublicKey.String(),
		"creator":     signer.PublicKey.String(),
		"amount":      remaining,
		"lamports":    lamports,
		"call":        series.Call,
	})
	return nil
}
