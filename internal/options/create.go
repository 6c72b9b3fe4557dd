package options

import (
	"bytes"
	"context"
	"fmt"

	"github.com/coldbell/options/backend/internal/ledger"
	"github.com/coldbell/options/backend/internal/runtime"
	"github.com/coldbell/options/backend/internal/token"
	"github.com/gagliardetto/solana-go"
)

// OptionMintDecimals is the precision of every option mint. One raw option
// unit is backed by one raw underlying unit.
const OptionMintDecimals uint8 = 6

func (p *Program) create(ic *runtime.InvokeContext, accounts []*solana.AccountMeta, raw []byte) error {
	ctx := ic.Context()
	var args CreateArgs
	if err := decodeArgs(raw, &args); err != nil {
		return err
	}
	var (
		signer            = accounts[0]
		underlyingMint    = accounts[1]
		userUnderlying    = accounts[2]
		escrowMeta        = accounts[3]
		optionMint        = accounts[4]
		userOptionMeta    = accounts[5]
		optionDataMeta    = accounts[6]
		authorityMeta     = accounts[7]
		putCollateralMeta = accounts[8]
	)
	if err := requireSigner(signer); err != nil {
		return err
	}
	if err := requireSigner(optionMint); err != nil {
		return err
	}

	authority, err := p.requireInitialized(ctx, ic.Txn)
	if err != nil {
		return err
	}
	if err := expectAddress("program_authority", authorityMeta, authority); err != nil {
		return err
	}
	escrow, _, err := p.deriver.UnderlyingEscrow(underlyingMint.PublicKey)
	if err != nil {
		return err
	}
	if err := expectAddress("underlying_token_account", escrowMeta, escrow); err != nil {
		return err
	}
	optionData, _, err := p.deriver.OptionData(optionMint.PublicKey)
	if err != nil {
		return err
	}
	if err := expectAddress("option_data_account", optionDataMeta, optionData); err != nil {
		return err
	}
	putCollateral, _, err := p.deriver.PutCollateral(optionMint.PublicKey)
	if err != nil {
		return err
	}
	if err := expectAddress("put_collateral", putCollateralMeta, putCollateral); err != nil {
		return err
	}
	userOption, err := token.AssociatedAddress(signer.PublicKey, optionMint.PublicKey)
	if err != nil {
		return err
	}
	if err := expectAddress("user_option_token_account", userOptionMeta, userOption); err != nil {
		return err
	}

	if args.Amount == 0 || args.StrikePrice == 0 {
		return fmt.Errorf("%w: amount %d, strike price %d", ErrInvalidAmount, args.Amount, args.StrikePrice)
	}
	if now := ic.Now(); now >= 0 && args.EndTime <= uint64(now) {
		return fmt.Errorf("%w: end time %d is not after %d", ErrInvalidExpiry, args.EndTime, now)
	}
	if _, err := token.GetMint(ctx, ic.Txn, underlyingMint.PublicKey); err != nil {
		return fmt.Errorf("%w: underlying mint: %w", ErrInvalidAccount, err)
	}

	if args.Call {
		if err := p.lockCallCollateral(ctx, ic.Txn, signer.PublicKey, userUnderlying.PublicKey, escrow, underlyingMint.PublicKey, authority, args.Amount); err != nil {
			return err
		}
	} else {
		if err := p.lockPutCollateral(ctx, ic.Txn, signer.PublicKey, putCollateral, args.StrikePrice, args.Amount); err != nil {
			return err
		}
	}

	if err := token.InitializeMint(ctx, ic.Txn, optionMint.PublicKey, authority, OptionMintDecimals); err != nil {
		return err
	}
	if _, err := token.CreateAssociatedAccount(ctx, ic.Txn, signer.PublicKey, optionMint.PublicKey); err != nil {
		return err
	}
	if err := token.MintTo(ctx, ic.Txn, optionMint.PublicKey, userOption, authority, args.Amount); err != nil {
		return err
	}

	series := &OptionData{
		Creator:           signer.PublicKey,
		UnderlyingMint:    underlyingMint.PublicKey,
		EndTime:           args.EndTime,
		StrikePrice:       args.StrikePrice,
		AmountUnexercised: args.Amount,
		Call:              args.Call,
		Resellable:        args.Resellable,
	}
	data, err := EncodeOptionData(series)
	if err != nil {
		return err
	}
	if err := ic.Txn.Create(ctx, &ledger.Account{Key: optionData, Owner: p.ProgramID(), Data: data}); err != nil {
		return err
	}

	ic.Emit(runtime.ChannelOptions, "option.created", map[string]any{
		"option_mint":  optionMint.PublicKey.String(),
		"option_data":  optionData.String(),
		"creator":      signer.PublicKey.String(),
		"underlying":   underlyingMint.PublicKey.String(),
		"end_time":     args.EndTime,
		"strike_price": args.StrikePrice,
		"amount":       args.Amount,
		"call":         args.Call,
		"resellable":   args.Resellable,
	})
	return nil
}

// lockCallCollateral moves the underlying into the shared per-mint escrow,
// opening the escrow on first use.
func (p *Program) lockCallCollateral(
	ctx context.Context,
	txn *ledger.Txn,
	signer, source, escrow, underlyingMint, authority solana.PublicKey,
	amount uint64,
) error {
	initialized, err := txn.Initialized(ctx, escrow)
	if err != nil {
		return err
	}
	if initialized {
		state, err := token.GetAccount(ctx, txn, escrow)
		if err != nil {
			return fmt.Errorf("%w: underlying escrow: %w", ErrInvalidAccount, err)
		}
		if !state.Mint.Equals(underlyingMint) || !state.Owner.Equals(authority) {
			return fmt.Errorf("%w: underlying escrow %s is not program custody", ErrInvalidAccount, escrow)
		}
	} else if err := token.InitializeAccount(ctx, txn, escrow, underlyingMint, authority); err != nil {
		return err
	}
	return token.Transfer(ctx, txn, source, escrow, signer, amount)
}

// lockPutCollateral deposits strike * amount lamports into the series vault.
func (p *Program) lockPutCollateral(ctx context.Context, txn *ledger.Txn, signer, vault solana.PublicKey, strike, amount uint64) error {
	total, err := checkedMul(strike, amount)
	if err != nil {
		return err
	}
	initialized, err := txn.Initialized(ctx, vault)
	if err != nil {
		return err
	}
	if initialized {
		acct, err := txn.Get(ctx, vault)
		if err != nil {
			return err
		}
		if !acct.Owner.Equals(p.ProgramID()) || !bytes.HasPrefix(acct.Data, putCollateralDiscriminator[:]) {
			return fmt.Errorf("%w: put collateral %s is not program owned", ErrInvalidAccount, vault)
		}
	} else {
		data, err := encodeWithDiscriminator(putCollateralDiscriminator, nil)
		if err != nil {
			return err
		}
		if err := txn.Create(ctx, &ledger.Account{Key: vault, Owner: p.ProgramID(), Data: data}); err != nil {
			return err
		}
	}
	return txn.TransferLamports(ctx, signer, vault, total)
}
