package token

import (
	"context"
	"fmt"
	"math/bits"

	"github.com/coldbell/options/backend/internal/ledger"
	"github.com/gagliardetto/solana-go"
)

func loadOwned(ctx context.Context, txn *ledger.Txn, key solana.PublicKey) (*ledger.Account, error) {
	acct, err := txn.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !acct.Owner.Equals(ProgramID) {
		return nil, fmt.Errorf("%w: %s", ErrNotTokenAccount, key)
	}
	return acct, nil
}

func GetMint(ctx context.Context, txn *ledger.Txn, key solana.PublicKey) (*Mint, error) {
	acct, err := loadOwned(ctx, txn, key)
	if err != nil {
		return nil, err
	}
	mint, err := DecodeMint(acct.Data)
	if err != nil {
		return nil, fmt.Errorf("mint %s: %w", key, err)
	}
	if !mint.IsInitialized {
		return nil, fmt.Errorf("%w: %s", ErrUninitializedMint, key)
	}
	return mint, nil
}

func GetAccount(ctx context.Context, txn *ledger.Txn, key solana.PublicKey) (*Account, error) {
	acct, err := loadOwned(ctx, txn, key)
	if err != nil {
		return nil, err
	}
	out, err := DecodeAccount(acct.Data)
	if err != nil {
		return nil, fmt.Errorf("token account %s: %w", key, err)
	}
	return out, nil
}

func putMint(ctx context.Context, txn *ledger.Txn, key solana.PublicKey, mint *Mint) error {
	acct, err := txn.Get(ctx, key)
	if err != nil {
		return err
	}
	if acct.Data, err = EncodeMint(mint); err != nil {
		return err
	}
	return txn.Put(ctx, acct)
}

func putAccount(ctx context.Context, txn *ledger.Txn, key solana.PublicKey, state *Account) error {
	acct, err := txn.Get(ctx, key)
	if err != nil {
		return err
	}
	if acct.Data, err = EncodeAccount(state); err != nil {
		return err
	}
	return txn.Put(ctx, acct)
}

func InitializeMint(ctx context.Context, txn *ledger.Txn, key, authority solana.PublicKey, decimals uint8) error {
	initialized, err := txn.Initialized(ctx, key)
	if err != nil {
		return err
	}
	if initialized {
		return fmt.Errorf("%w: %s", ErrMintAlreadyInitialized, key)
	}
	data, err := EncodeMint(&Mint{MintAuthority: authority, Decimals: decimals, IsInitialized: true})
	if err != nil {
		return err
	}
	return txn.Create(ctx, &ledger.Account{Key: key, Owner: ProgramID, Data: data})
}

// InitializeAccount creates a token account at an arbitrary address, which is
// how program-controlled custody accounts are made.
func InitializeAccount(ctx context.Context, txn *ledger.Txn, key, mint, owner solana.PublicKey) error {
	if _, err := GetMint(ctx, txn, mint); err != nil {
		return err
	}
	initialized, err := txn.Initialized(ctx, key)
	if err != nil {
		return err
	}
	if initialized {
		return fmt.Errorf("%w: %s", ErrAccountAlreadyInitialized, key)
	}
	data, err := EncodeAccount(&Account{Mint: mint, Owner: owner})
	if err != nil {
		return err
	}
	return txn.Create(ctx, &ledger.Account{Key: key, Owner: ProgramID, Data: data})
}

func CreateAssociatedAccount(ctx context.Context, txn *ledger.Txn, wallet, mint solana.PublicKey) (solana.PublicKey, error) {
	addr, err := AssociatedAddress(wallet, mint)
	if err != nil {
		return solana.PublicKey{}, err
	}
	if err := InitializeAccount(ctx, txn, addr, mint, wallet); err != nil {
		return solana.PublicKey{}, err
	}
	return addr, nil
}

// EnsureAssociatedAccount returns the associated account of wallet for mint,
// creating it when missing. expected, when non-zero, must equal the derived
// address.
func EnsureAssociatedAccount(ctx context.Context, txn *ledger.Txn, wallet, mint, expected solana.PublicKey) (solana.PublicKey, error) {
	addr, err := AssociatedAddress(wallet, mint)
	if err != nil {
		return solana.PublicKey{}, err
	}
	if !expected.IsZero() && !expected.Equals(addr) {
		return solana.PublicKey{}, fmt.Errorf("%w: got %s, want %s", ErrAddressMismatch, expected, addr)
	}
	initialized, err := txn.Initialized(ctx, addr)
	if err != nil {
		return solana.PublicKey{}, err
	}
	if !initialized {
		return addr, InitializeAccount(ctx, txn, addr, mint, wallet)
	}
	existing, err := GetAccount(ctx, txn, addr)
	if err != nil {
		return solana.PublicKey{}, err
	}
	if !existing.Mint.Equals(mint) {
		return solana.PublicKey{}, fmt.Errorf("%w: %s", ErrMintMismatch, addr)
	}
	if !existing.Owner.Equals(wallet) {
		return solana.PublicKey{}, fmt.Errorf("%w: %s", ErrOwnerMismatch, addr)
	}
	return addr, nil
}

func MintTo(ctx context.Context, txn *ledger.Txn, mintKey, dest, authority solana.PublicKey, amount uint64) error {
	mint, err := GetMint(ctx, txn, mintKey)
	if err != nil {
		return err
	}
	if !mint.MintAuthority.Equals(authority) {
		return fmt.Errorf("%w: %s", ErrMintAuthorityMismatch, mintKey)
	}
	account, err := GetAccount(ctx, txn, dest)
	if err != nil {
		return err
	}
	if !account.Mint.Equals(mintKey) {
		return fmt.Errorf("%w: %s", ErrMintMismatch, dest)
	}

	supply, carry := bits.Add64(mint.Supply, amount, 0)
	if carry != 0 {
		return fmt.Errorf("%w: mint %s", ErrOverflow, mintKey)
	}
	balance, carry := bits.Add64(account.Amount, amount, 0)
	if carry != 0 {
		return fmt.Errorf("%w: account %s", ErrOverflow, dest)
	}
	mint.Supply = supply
	account.Amount = balance
	if err := putMint(ctx, txn, mintKey, mint); err != nil {
		return err
	}
	return putAccount(ctx, txn, dest, account)
}

// Transfer moves amount between two accounts of the same mint. authority
// must be the owner of source.
func Transfer(ctx context.Context, txn *ledger.Txn, source, dest, authority solana.PublicKey, amount uint64) error {
	from, err := GetAccount(ctx, txn, source)
	if err != nil {
		return err
	}
	if !from.Owner.Equals(authority) {
		return fmt.Errorf("%w: %s is not owned by %s", ErrOwnerMismatch, source, authority)
	}
	to, err := GetAccount(ctx, txn, dest)
	if err != nil {
		return err
	}
	if !from.Mint.Equals(to.Mint) {
		return fmt.Errorf("%w: %s -> %s", ErrMintMismatch, source, dest)
	}
	if from.Amount < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientFunds, source, from.Amount, amount)
	}
	if source.Equals(dest) {
		return nil
	}
	balance, carry := bits.Add64(to.Amount, amount, 0)
	if carry != 0 {
		return fmt.Errorf("%w: account %s", ErrOverflow, dest)
	}
	from.Amount -= amount
	to.Amount = balance
	if err := putAccount(ctx, txn, source, from); err != nil {
		return err
	}
	return putAccount(ctx, txn, dest, to)
}

func Burn(ctx context.Context, txn *ledger.Txn, source, mintKey, authority solana.PublicKey, amount uint64) error {
	account, err := GetAccount(ctx, txn, source)
	if err != nil {
		return err
	}
	if !account.Owner.Equals(authority) {
		return fmt.Errorf("%w: %s is not owned by %s", ErrOwnerMismatch, source, authority)
	}
	if !account.Mint.Equals(mintKey) {
		return fmt.Errorf("%w: %s", ErrMintMismatch, source)
	}
	mint, err := GetMint(ctx, txn, mintKey)
	if err != nil {
		return err
	}
	if account.Amount < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientFunds, source, account.Amount, amount)
	}
	account.Amount -= amount
	mint.Supply -= amount
	if err := putAccount(ctx, txn, source, account); err != nil {
		return err
	}
	return putMint(ctx, txn, mintKey, mint)
}
