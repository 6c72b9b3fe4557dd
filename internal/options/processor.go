// Package options is the option settlement program: it mints collateralised
// option series, runs a fixed-price listing book and settles exercise and
// post-expiry claims against escrowed collateral.
package options

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/bits"

	"github.com/coldbell/options/backend/internal/ledger"
	"github.com/coldbell/options/backend/internal/pda"
	"github.com/coldbell/options/backend/internal/runtime"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

type Program struct {
	deriver *pda.Deriver
	logger  *slog.Logger
}

func NewProgram(deriver *pda.Deriver, logger *slog.Logger) *Program {
	if logger == nil {
		logger = slog.Default()
	}
	return &Program{deriver: deriver, logger: logger}
}

func (p *Program) ProgramID() solana.PublicKey {
	return p.deriver.ProgramID()
}

func (p *Program) Deriver() *pda.Deriver {
	return p.deriver
}

type handler func(ic *runtime.InvokeContext, accounts []*solana.AccountMeta, args []byte) error

func (p *Program) Process(ic *runtime.InvokeContext, ix *runtime.Instruction) error {
	if len(ix.Data) < 8 {
		return ErrUnknownInstruction
	}
	var disc [8]byte
	copy(disc[:], ix.Data[:8])

	var (
		name    string
		fn      handler
		minKeys int
	)
	switch disc {
	case initializeDisc:
		name, fn, minKeys = "initialize", p.initialize, 2
	case createDisc:
		name, fn, minKeys = "create", p.create, 9
	case createHolderAccountDisc:
		name, fn, minKeys = "create_holder_account", p.createHolderAccount, 4
	case listDisc:
		name, fn, minKeys = "list", p.list, 7
	case buyDisc:
		name, fn, minKeys = "buy", p.buy, 8
	case exerciseDisc:
		name, fn, minKeys = "exercise", p.exercise, 10
	case claimDisc:
		name, fn, minKeys = "claim", p.claim, 7
	case closeListingDisc:
		name, fn, minKeys = "close_listing", p.closeListing, 6
	default:
		return fmt.Errorf("%w: discriminator %x", ErrUnknownInstruction, disc)
	}
	if err := ix.RequireAccounts(minKeys); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAccount, err)
	}
	if err := fn(ic, ix.Accounts, ix.Data[8:]); err != nil {
		p.logger.Debug("instruction failed", "instruction", name, "signature", ic.Signature, "err", err)
		return classify(err)
	}
	return nil
}

func decodeArgs(raw []byte, v any) error {
	if err := bin.NewBorshDecoder(raw).Decode(v); err != nil {
		return fmt.Errorf("%w: decode args: %v", ErrInvalidAccount, err)
	}
	return nil
}

func requireSigner(meta *solana.AccountMeta) error {
	if !meta.IsSigner {
		return fmt.Errorf("%w: %s", ErrMissingSignature, meta.PublicKey)
	}
	return nil
}

func expectAddress(name string, meta *solana.AccountMeta, want solana.PublicKey) error {
	if !meta.PublicKey.Equals(want) {
		return fmt.Errorf("%w: %s is %s, expected %s", ErrAddressMismatch, name, meta.PublicKey, want)
	}
	return nil
}

func checkedMul(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, fmt.Errorf("%w: %d * %d", ErrArithmeticOverflow, a, b)
	}
	return lo, nil
}

func checkedAdd(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, fmt.Errorf("%w: %d + %d", ErrArithmeticOverflow, a, b)
	}
	return sum, nil
}

func (p *Program) requireInitialized(ctx context.Context, txn *ledger.Txn) (solana.PublicKey, error) {
	authority, _, err := p.deriver.Authority()
	if err != nil {
		return solana.PublicKey{}, err
	}
	acct, err := txn.Get(ctx, authority)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %w", ErrNotInitialized, err)
	}
	if !acct.Owner.Equals(p.ProgramID()) || !bytes.HasPrefix(acct.Data, programAuthorityDiscriminator[:]) {
		return solana.PublicKey{}, fmt.Errorf("%w: authority account is not program owned", ErrNotInitialized)
	}
	return authority, nil
}

func (p *Program) loadOptionData(ctx context.Context, txn *ledger.Txn, key solana.PublicKey) (*ledger.Account, *OptionData, error) {
	acct, err := txn.Get(ctx, key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: option data %s: %w", ErrInvalidAccount, key, err)
	}
	if !acct.Owner.Equals(p.ProgramID()) {
		return nil, nil, fmt.Errorf("%w: option data %s not program owned", ErrInvalidAccount, key)
	}
	data, err := DecodeOptionData(acct.Data)
	if err != nil {
		return nil, nil, err
	}
	return acct, data, nil
}

func (p *Program) storeOptionData(ctx context.Context, txn *ledger.Txn, acct *ledger.Account, data *OptionData) error {
	raw, err := EncodeOptionData(data)
	if err != nil {
		return err
	}
	acct.Data = raw
	return txn.Put(ctx, acct)
}

func (p *Program) loadListing(ctx context.Context, txn *ledger.Txn, key solana.PublicKey) (*ledger.Account, *Listing, error) {
	acct, err := txn.Get(ctx, key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: listing %s: %w", ErrInvalidAccount, key, err)
	}
	if !acct.Owner.Equals(p.ProgramID()) {
		return nil, nil, fmt.Errorf("%w: listing %s not program owned", ErrInvalidAccount, key)
	}
	listing, err := DecodeListing(acct.Data)
	if err != nil {
		return nil, nil, err
	}
	return acct, listing, nil
}

func (p *Program) storeListing(ctx context.Context, txn *ledger.Txn, acct *ledger.Account, listing *Listing) error {
	raw, err := EncodeListing(listing)
	if err != nil {
		return err
	}
	acct.Data = raw
	return txn.Put(ctx, acct)
}

// payoutFromVault moves lamports out of a program-owned put collateral vault.
func payoutFromVault(ctx context.Context, txn *ledger.Txn, vault, to solana.PublicKey, lamports uint64) error {
	if err := txn.TransferLamports(ctx, vault, to, lamports); err != nil {
		return fmt.Errorf("put collateral vault: %w", err)
	}
	return nil
}
