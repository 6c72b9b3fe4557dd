// Package ledger holds versioned accounts keyed by address and commits
// multi-account changes all-or-nothing with optimistic version checks.
package ledger

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrAccountExists        = errors.New("account already exists")
	ErrAccountConflict      = errors.New("account modified by a concurrent transaction")
	ErrInsufficientLamports = errors.New("insufficient lamports")
	ErrLamportOverflow      = errors.New("lamport balance overflow")
	ErrStoreClosed          = errors.New("store is closed")
)

// Account is one addressable record. Version is 0 only for accounts that do
// not exist yet; every committed write bumps it by one.
type Account struct {
	Key      solana.PublicKey `json:"key"`
	Owner    solana.PublicKey `json:"owner"`
	Lamports uint64           `json:"lamports"`
	Data     []byte           `json:"data"`
	Version  uint64           `json:"version"`
}

func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	out := *a
	if a.Data != nil {
		out.Data = make([]byte, len(a.Data))
		copy(out.Data, a.Data)
	}
	return &out
}

// Blank reports whether the account holds nothing but lamports: system owned
// with no data. Anyone can produce one at any address by transferring to it.
func (a *Account) Blank() bool {
	return a != nil && a.Owner.Equals(solana.SystemProgramID) && len(a.Data) == 0
}

// Write replaces an account whose committed version is still ExpectedVersion.
// ExpectedVersion 0 means the account must not exist yet.
type Write struct {
	Account         *Account
	ExpectedVersion uint64
}

// Store is a ledger backend. Apply must reject the whole change set with
// ErrAccountConflict if any observed version moved since it was read.
type Store interface {
	Get(ctx context.Context, key solana.PublicKey) (*Account, error)
	Apply(ctx context.Context, observed map[solana.PublicKey]uint64, writes []Write) error
	ScanOwner(ctx context.Context, owner solana.PublicKey) ([]*Account, error)
	Close() error
}
