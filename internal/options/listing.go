package options

import (
	"fmt"

	"github.com/coldbell/options/backend/internal/ledger"
	"github.com/coldbell/options/backend/internal/runtime"
	"github.com/coldbell/options/backend/internal/token"
	"github.com/gagliardetto/solana-go"
)

// list moves option tokens into program custody and creates or tops up the
// listing at (option mint, signer, price).
func (p *Program) list(ic *runtime.InvokeContext, accounts []*solana.AccountMeta, raw []byte) error {
	ctx := ic.Context()
	var args ListArgs
	if err := decodeArgs(raw, &args); err != nil {
		return err
	}
	var (
		signer         = accounts[0]
		optionMint     = accounts[1]
		userOption     = accounts[2]
		optionDataMeta = accounts[3]
		holderMeta     = accounts[4]
		listingMeta    = accounts[5]
		authorityMeta  = accounts[6]
	)
	if err := requireSigner(signer); err != nil {
		return err
	}
	if args.Amount == 0 || args.Price == 0 {
		return fmt.Errorf("%w: amount %d, price %d", ErrInvalidAmount, args.Amount, args.Price)
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
	holder, _, err := p.deriver.HolderAccount(optionMint.PublicKey)
	if err != nil {
		return err
	}
	if err := expectAddress("program_holder_account", holderMeta, holder); err != nil {
		return err
	}
	listingKey, _, err := p.deriver.Listing(optionMint.PublicKey, signer.PublicKey, args.Price)
	if err != nil {
		return err
	}
	if err := expectAddress("listing", listingMeta, listingKey); err != nil {
		return err
	}

	_, series, err := p.loadOptionData(ctx, ic.Txn, optionDataKey)
	if err != nil {
		return err
	}
	if !series.Resellable {
		return fmt.Errorf("%w: %s", ErrNotResellable, optionMint.PublicKey)
	}
	if series.Expired(ic.Now()) {
		return fmt.Errorf("%w: ended at %d", ErrOptionExpired, series.EndTime)
	}
	holderReady, err := ic.Txn.Initialized(ctx, holder)
	if err != nil {
		return err
	}
	if !holderReady {
		return fmt.Errorf("%w: %s", ErrHolderAccountMissing, holder)
	}
	custody, err := token.GetAccount(ctx, ic.Txn, holder)
	if err != nil {
		return fmt.Errorf("%w: holder account: %w", ErrInvalidAccount, err)
	}
	if !custody.Mint.Equals(optionMint.PublicKey) || !custody.Owner.Equals(authority) {
		return fmt.Errorf("%w: holder account %s is not program custody", ErrInvalidAccount, holder)
	}

	if err := token.Transfer(ctx, ic.Txn, userOption.PublicKey, holder, signer.PublicKey, args.Amount); err != nil {
		return err
	}

	existing, err := ic.Txn.Initialized(ctx, listingKey)
	if err != nil {
		return err
	}
	var listing *Listing
	if existing {
		var acct *ledger.Account
		acct, listing, err = p.loadListing(ctx, ic.Txn, listingKey)
		if err != nil {
			return err
		}
		if !listing.Owner.Equals(signer.PublicKey) ||
			!listing.OptionMint.Equals(optionMint.PublicKey) ||
			!listing.UnderlyingMint.Equals(series.UnderlyingMint) ||
			listing.Price != args.Price {
			return fmt.Errorf("%w: listing %s does not match its key", ErrInvalidAccount, listingKey)
		}
		if listing.Amount, err = checkedAdd(listing.Amount, args.Amount); err != nil {
			return err
		}
		if err := p.storeListing(ctx, ic.Txn, acct, listing); err != nil {
			return err
		}
	} else {
		listing = &Listing{
			UnderlyingMint: series.UnderlyingMint,
			OptionMint:     optionMint.PublicKey,
			Owner:          signer.PublicKey,
			Amount:         args.Amount,
			Price:          args.Price,
		}
		data, err := EncodeListing(listing)
		if err != nil {
			return err
		}
		if err := ic.Txn.Create(ctx, &ledger.Account{Key: listingKey, Owner: p.ProgramID(), Data: data}); err != nil {
			return err
		}
	}

	ic.Emit(runtime.ChannelListings, "listing.updated", listingEvent(listingKey, listing))
	return nil
}

// buy settles a purchase atomically: lamports to the seller, option tokens
// out of custody to the buyer, listing decremented.
func (p *Program) buy(ic *runtime.InvokeContext, accounts []*solana.AccountMeta, raw []byte) error {
	ctx := ic.Context()
	var args BuyArgs
	if err := decodeArgs(raw, &args); err != nil {
		return err
	}
	var (
		signer         = accounts[0]
		optionMint     = accounts[1]
		owner          = accounts[2]
		listingMeta    = accounts[3]
		holderMeta     = accounts[4]
		userHolderMeta = accounts[5]
		optionDataMeta = accounts[6]
		authorityMeta  = accounts[7]
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
	listingKey, _, err := p.deriver.Listing(optionMint.PublicKey, owner.PublicKey, args.Price)
	if err != nil {
		return err
	}
	if err := expectAddress("listing", listingMeta, listingKey); err != nil {
		return err
	}
	holder, _, err := p.deriver.HolderAccount(optionMint.PublicKey)
	if err != nil {
		return err
	}
	if err := expectAddress("program_holder_account", holderMeta, holder); err != nil {
		return err
	}
	optionDataKey, _, err := p.deriver.OptionData(optionMint.PublicKey)
	if err != nil {
		return err
	}
	if err := expectAddress("option_data_account", optionDataMeta, optionDataKey); err != nil {
		return err
	}

	listingAcct, listing, err := p.loadListing(ctx, ic.Txn, listingKey)
	if err != nil {
		return err
	}
	if !listing.Owner.Equals(owner.PublicKey) || !listing.OptionMint.Equals(optionMint.PublicKey) || listing.Price != args.Price {
		return fmt.Errorf("%w: listing %s does not match its key", ErrInvalidAccount, listingKey)
	}
	_, series, err := p.loadOptionData(ctx, ic.Txn, optionDataKey)
	if err != nil {
		return err
	}
	if series.Expired(ic.Now()) {
		return fmt.Errorf("%w: ended at %d", ErrOptionExpired, series.EndTime)
	}
	if args.Amount > listing.Amount {
		return fmt.Errorf("%w: requested %d, listed %d", ErrInsufficientListed, args.Amount, listing.Amount)
	}

	cost, err := checkedMul(listing.Price, args.Amount)
	if err != nil {
		return err
	}
	if err := ic.Txn.TransferLamports(ctx, signer.PublicKey, owner.PublicKey, cost); err != nil {
		return err
	}
	userHolder, err := token.EnsureAssociatedAccount(ctx, ic.Txn, signer.PublicKey, optionMint.PublicKey, userHolderMeta.PublicKey)
	if err != nil {
		return err
	}
	if err := token.Transfer(ctx, ic.Txn, holder, userHolder, authority, args.Amount); err != nil {
		return err
	}
	listing.Amount -= args.Amount
	if err := p.storeListing(ctx, ic.Txn, listingAcct, listing); err != nil {
		return err
	}

	ic.Emit(runtime.ChannelListings, "listing.filled", map[string]any{
		"listing":   listingKey.String(),
		"buyer":     signer.PublicKey.String(),
		"seller":    owner.PublicKey.String(),
		"amount":    args.Amount,
		"price":     args.Price,
		"lamports":  cost,
		"remaining": listing.Amount,
	})
	return nil
}

// closeListing returns the unsold remainder to the owner. The zeroed listing
// stays on the ledger. Only the owner may close, at any time: it is not
// gated on the series having ended.
func (p *Program) closeListing(ic *runtime.InvokeContext, accounts []*solana.AccountMeta, raw []byte) error {
	ctx := ic.Context()
	var args CloseListingArgs
	if err := decodeArgs(raw, &args); err != nil {
		return err
	}
	var (
		signer         = accounts[0]
		optionMint     = accounts[1]
		listingMeta    = accounts[2]
		holderMeta     = accounts[3]
		ownerTokenMeta = accounts[4]
		authorityMeta  = accounts[5]
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
	listingKey, _, err := p.deriver.Listing(optionMint.PublicKey, signer.PublicKey, args.Price)
	if err != nil {
		return err
	}
	if err := expectAddress("listing", listingMeta, listingKey); err != nil {
		return err
	}
	holder, _, err := p.deriver.HolderAccount(optionMint.PublicKey)
	if err != nil {
		return err
	}
	if err := expectAddress("program_holder_account", holderMeta, holder); err != nil {
		return err
	}

	listingAcct, listing, err := p.loadListing(ctx, ic.Txn, listingKey)
	if err != nil {
		return err
	}
	if !listing.Owner.Equals(signer.PublicKey) {
		return fmt.Errorf("%w: listing owned by %s", ErrUnauthorized, listing.Owner)
	}
	returned := listing.Amount
	if returned > 0 {
		ownerToken, err := token.EnsureAssociatedAccount(ctx, ic.Txn, signer.PublicKey, optionMint.PublicKey, ownerTokenMeta.PublicKey)
		if err != nil {
			return err
		}
		if err := token.Transfer(ctx, ic.Txn, holder, ownerToken, authority, returned); err != nil {
			return err
		}
		listing.Amount = 0
		if err := p.storeListing(ctx, ic.Txn, listingAcct, listing); err != nil {
			return err
		}
	}

	ic.Emit(runtime.ChannelListings, "listing.closed", map[string]any{
		"listing":  listingKey.String(),
		"owner":    signer.PublicKey.String(),
		"returned": returned,
	})
	return nil
}

func listingEvent(key solana.PublicKey, l *Listing) map[string]any {
	return map[string]any{
		"listing":         key.String(),
		"option_mint":     l.OptionMint.String(),
		"underlying_mint": l.UnderlyingMint.String(),
		"owner":           l.Owner.String(),
		"amount":          l.Amount,
		"price":           l.Price,
	}
}
