package ledger

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gagliardetto/solana-go"
)

type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[solana.PublicKey]*Account
	closed   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[solana.PublicKey]*Account)}
}

func (m *MemoryStore) Get(_ context.Context, key solana.PublicKey) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	acct, ok := m.accounts[key]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return acct.Clone(), nil
}

func (m *MemoryStore) Apply(_ context.Context, observed map[solana.PublicKey]uint64, writes []Write) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}

	for key, version := range observed {
		if m.versionLocked(key) != version {
			return fmt.Errorf("%w: %s", ErrAccountConflict, key)
		}
	}
	for _, w := range writes {
		if m.versionLocked(w.Account.Key) != w.ExpectedVersion {
			return fmt.Errorf("%w: %s", ErrAccountConflict, w.Account.Key)
		}
	}
	for _, w := range writes {
		m.accounts[w.Account.Key] = w.Account.Clone()
	}
	return nil
}

func (m *MemoryStore) versionLocked(key solana.PublicKey) uint64 {
	if acct, ok := m.accounts[key]; ok {
		return acct.Version
	}
	return 0
}

func (m *MemoryStore) ScanOwner(_ context.Context, owner solana.PublicKey) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	out := make([]*Account, 0)
	for _, acct := range m.accounts {
		if acct.Owner.Equals(owner) {
			out = append(out, acct.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Key[:], out[j].Key[:]) < 0
	})
	return out, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
