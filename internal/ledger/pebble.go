package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/gagliardetto/solana-go"
)

var accountKeyPrefix = []byte("acct/")

// PebbleStore keeps accounts in an embedded pebble database. Pebble has no
// multi-key transactions, so the version check and the batch commit run under
// one process-wide lock.
type PebbleStore struct {
	mu sync.Mutex
	db *pebble.DB
}

func OpenPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %q: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func pebbleKey(key solana.PublicKey) []byte {
	out := make([]byte, 0, len(accountKeyPrefix)+solana.PublicKeyLength)
	out = append(out, accountKeyPrefix...)
	return append(out, key[:]...)
}

func (p *PebbleStore) Get(_ context.Context, key solana.PublicKey) (*Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil, ErrStoreClosed
	}
	return p.getLocked(key)
}

func (p *PebbleStore) getLocked(key solana.PublicKey) (*Account, error) {
	val, closer, err := p.db.Get(pebbleKey(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	defer closer.Close()

	raw := make([]byte, len(val))
	copy(raw, val)
	return decodeAccount(key, raw)
}

func (p *PebbleStore) version(key solana.PublicKey) (uint64, error) {
	acct, err := p.getLocked(key)
	if errors.Is(err, ErrAccountNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return acct.Version, nil
}

func (p *PebbleStore) Apply(_ context.Context, observed map[solana.PublicKey]uint64, writes []Write) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return ErrStoreClosed
	}

	for key, want := range observed {
		got, err := p.version(key)
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("%w: %s", ErrAccountConflict, key)
		}
	}

	batch := p.db.NewBatch()
	defer batch.Close()

	for _, w := range writes {
		got, err := p.version(w.Account.Key)
		if err != nil {
			return err
		}
		if got != w.ExpectedVersion {
			return fmt.Errorf("%w: %s", ErrAccountConflict, w.Account.Key)
		}
		raw, err := encodeAccount(w.Account)
		if err != nil {
			return err
		}
		if err := batch.Set(pebbleKey(w.Account.Key), raw, nil); err != nil {
			return err
		}
	}

	return batch.Commit(pebble.Sync)
}

func (p *PebbleStore) ScanOwner(_ context.Context, owner solana.PublicKey) ([]*Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil, ErrStoreClosed
	}
	upper := append([]byte{}, accountKeyPrefix...)
	upper[len(upper)-1]++

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: accountKeyPrefix,
		UpperBound: upper,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make([]*Account, 0)
	for iter.First(); iter.Valid(); iter.Next() {
		rawKey := iter.Key()
		if len(rawKey) != len(accountKeyPrefix)+solana.PublicKeyLength {
			continue
		}
		key := solana.PublicKeyFromBytes(rawKey[len(accountKeyPrefix):])
		raw := make([]byte, len(iter.Value()))
		copy(raw, iter.Value())
		acct, err := decodeAccount(key, raw)
		if err != nil {
			return nil, err
		}
		if acct.Owner.Equals(owner) {
			out = append(out, acct)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PebbleStore) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}
