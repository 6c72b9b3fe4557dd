package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/bits"

	"github.com/gagliardetto/solana-go"
)

type trackedEntry struct {
	base    uint64
	current *Account
	dirty   bool
}

// Txn is a copy-on-write view over a Store. Reads record the version they
// observed; Commit hands the observed set and the dirty accounts to the store
// in one call so a stale read aborts the whole transaction.
type Txn struct {
	store   Store
	entries map[solana.PublicKey]*trackedEntry
	order   []solana.PublicKey
}

func NewTxn(store Store) *Txn {
	return &Txn{
		store:   store,
		entries: make(map[solana.PublicKey]*trackedEntry),
	}
}

func (t *Txn) load(ctx context.Context, key solana.PublicKey) (*trackedEntry, error) {
	if entry, ok := t.entries[key]; ok {
		return entry, nil
	}
	acct, err := t.store.Get(ctx, key)
	switch {
	case errors.Is(err, ErrAccountNotFound):
		acct = nil
	case err != nil:
		return nil, fmt.Errorf("read account %s: %w", key, err)
	}
	entry := &trackedEntry{current: acct}
	if acct != nil {
		entry.base = acct.Version
	}
	t.entries[key] = entry
	t.order = append(t.order, key)
	return entry, nil
}

// Get returns a private copy of the account; callers persist changes with Put.
func (t *Txn) Get(ctx context.Context, key solana.PublicKey) (*Account, error) {
	entry, err := t.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if entry.current == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, key)
	}
	return entry.current.Clone(), nil
}

// Initialized reports whether key holds an account with an owner other than
// the system program or with data. Blank accounts do not count.
func (t *Txn) Initialized(ctx context.Context, key solana.PublicKey) (bool, error) {
	entry, err := t.load(ctx, key)
	if err != nil {
		return false, err
	}
	return entry.current != nil && !entry.current.Blank(), nil
}

// Create writes a new account. A blank account already at the key is adopted:
// its lamports are added to acct and it takes acct's owner and data.
func (t *Txn) Create(ctx context.Context, acct *Account) error {
	entry, err := t.load(ctx, acct.Key)
	if err != nil {
		return err
	}
	next := acct.Clone()
	if entry.current != nil {
		if !entry.current.Blank() {
			return fmt.Errorf("%w: %s", ErrAccountExists, acct.Key)
		}
		sum, carry := bits.Add64(next.Lamports, entry.current.Lamports, 0)
		if carry != 0 {
			return fmt.Errorf("%w: %s", ErrLamportOverflow, acct.Key)
		}
		next.Lamports = sum
	}
	entry.current = next
	entry.dirty = true
	return nil
}

func (t *Txn) Put(ctx context.Context, acct *Account) error {
	entry, err := t.load(ctx, acct.Key)
	if err != nil {
		return err
	}
	if entry.current == nil {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, acct.Key)
	}
	entry.current = acct.Clone()
	entry.dirty = true
	return nil
}

// Lamports reads a wallet balance; missing wallets hold zero.
func (t *Txn) Lamports(ctx context.Context, key solana.PublicKey) (uint64, error) {
	entry, err := t.load(ctx, key)
	if err != nil {
		return 0, err
	}
	if entry.current == nil {
		return 0, nil
	}
	return entry.current.Lamports, nil
}

// TransferLamports moves native balance and creates a system-owned account
// for a recipient that does not exist yet.
func (t *Txn) TransferLamports(ctx context.Context, from, to solana.PublicKey, amount uint64) error {
	if amount == 0 {
		return nil
	}
	if from.Equals(to) {
		balance, err := t.Lamports(ctx, from)
		if err != nil {
			return err
		}
		if balance < amount {
			return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientLamports, from, balance, amount)
		}
		return nil
	}
	if err := t.Debit(ctx, from, amount); err != nil {
		return err
	}
	return t.Credit(ctx, to, amount)
}

func (t *Txn) Debit(ctx context.Context, key solana.PublicKey, amount uint64) error {
	entry, err := t.load(ctx, key)
	if err != nil {
		return err
	}
	if entry.current == nil || entry.current.Lamports < amount {
		have := uint64(0)
		if entry.current != nil {
			have = entry.current.Lamports
		}
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientLamports, key, have, amount)
	}
	next := entry.current.Clone()
	next.Lamports -= amount
	entry.current = next
	entry.dirty = true
	return nil
}

func (t *Txn) Credit(ctx context.Context, key solana.PublicKey, amount uint64) error {
	entry, err := t.load(ctx, key)
	if err != nil {
		return err
	}
	next := entry.current.Clone()
	if next == nil {
		next = &Account{Key: key, Owner: solana.SystemProgramID}
	}
	sum, carry := bits.Add64(next.Lamports, amount, 0)
	if carry != 0 {
		return fmt.Errorf("%w: %s", ErrLamportOverflow, key)
	}
	next.Lamports = sum
	entry.current = next
	entry.dirty = true
	return nil
}

// Written returns the accounts this transaction changed, in first-touch order.
func (t *Txn) Written() []*Account {
	out := make([]*Account, 0, len(t.order))
	for _, key := range t.order {
		entry := t.entries[key]
		if entry.dirty && entry.current != nil {
			out = append(out, entry.current.Clone())
		}
	}
	return out
}

func (t *Txn) Commit(ctx context.Context) error {
	observed := make(map[solana.PublicKey]uint64, len(t.entries))
	writes := make([]Write, 0, len(t.entries))
	for _, key := range t.order {
		entry := t.entries[key]
		observed[key] = entry.base
		if !entry.dirty || entry.current == nil {
			continue
		}
		next := entry.current.Clone()
		next.Version = entry.base + 1
		writes = append(writes, Write{Account: next, ExpectedVersion: entry.base})
	}
	if len(writes) == 0 {
		return nil
	}
	return t.store.Apply(ctx, observed, writes)
}
