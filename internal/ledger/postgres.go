package ledger

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore keeps accounts in one table. Conflicts surface as zero-row
// conditional updates inside a single SQL transaction.
type PostgresStore struct {
	db *DB
}

type DB struct {
	raw *sql.DB
}

type Tx struct {
	raw *sql.Tx
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.raw.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{raw: tx}, nil
}

func (db *DB) Close() error {
	return db.raw.Close()
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) Commit() error {
	return tx.raw.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.raw.Rollback()
}

func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				// SQL escape: two single quotes inside a string literal.
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}

		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{db: &DB{raw: db}}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS ledger_accounts (
			pubkey TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			lamports TEXT NOT NULL,
			data BYTEA NOT NULL,
			version BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_accounts_owner ON ledger_accounts(owner);`,
	}
	for _, query := range ddl {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var (
		pubkey, owner, lamports string
		data                    []byte
		version                 int64
	)
	if err := row.Scan(&pubkey, &owner, &lamports, &data, &version); err != nil {
		return nil, err
	}
	key, err := solana.PublicKeyFromBase58(pubkey)
	if err != nil {
		return nil, fmt.Errorf("parse pubkey %q: %w", pubkey, err)
	}
	ownerKey, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return nil, fmt.Errorf("parse owner %q: %w", owner, err)
	}
	balance, err := strconv.ParseUint(lamports, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse lamports %q: %w", lamports, err)
	}
	return &Account{
		Key:      key,
		Owner:    ownerKey,
		Lamports: balance,
		Data:     data,
		Version:  uint64(version),
	}, nil
}

func (s *PostgresStore) Get(ctx context.Context, key solana.PublicKey) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pubkey, owner, lamports, data, version
		FROM ledger_accounts
		WHERE pubkey = ?
	`, key.String())
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", key, err)
	}
	return acct, nil
}

func (s *PostgresStore) Apply(ctx context.Context, observed map[solana.PublicKey]uint64, writes []Write) error {
	written := make(map[solana.PublicKey]struct{}, len(writes))
	for _, w := range writes {
		written[w.Account.Key] = struct{}{}
	}

	// Lock rows in a fixed order so concurrent commits cannot deadlock.
	readOnly := make([]solana.PublicKey, 0, len(observed))
	for key := range observed {
		if _, ok := written[key]; !ok {
			readOnly = append(readOnly, key)
		}
	}
	sort.Slice(readOnly, func(i, j int) bool {
		return bytes.Compare(readOnly[i][:], readOnly[j][:]) < 0
	})
	ordered := append([]Write(nil), writes...)
	sort.Slice(ordered, func(i, j int) bool {
		return bytes.Compare(ordered[i].Account.Key[:], ordered[j].Account.Key[:]) < 0
	})

	now := time.Now().Unix()
	return s.WithTx(ctx, func(tx *Tx) error {
		for _, key := range readOnly {
			var version int64
			err := tx.QueryRowContext(ctx, `
				SELECT version FROM ledger_accounts WHERE pubkey = ? FOR SHARE
			`, key.String()).Scan(&version)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				version = 0
			case err != nil:
				return fmt.Errorf("read version %s: %w", key, err)
			}
			if uint64(version) != observed[key] {
				return fmt.Errorf("%w: %s", ErrAccountConflict, key)
			}
		}

		for _, w := range ordered {
			acct := w.Account
			data := acct.Data
			if data == nil {
				data = []byte{}
			}
			var (
				res sql.Result
				err error
			)
			if w.ExpectedVersion == 0 {
				res, err = tx.ExecContext(ctx, `
					INSERT INTO ledger_accounts (pubkey, owner, lamports, data, version, updated_at)
					VALUES (?, ?, ?, ?, ?, ?)
					ON CONFLICT (pubkey) DO NOTHING
				`, acct.Key.String(), acct.Owner.String(), strconv.FormatUint(acct.Lamports, 10), data, int64(acct.Version), now)
			} else {
				res, err = tx.ExecContext(ctx, `
					UPDATE ledger_accounts
					SET owner = ?, lamports = ?, data = ?, version = ?, updated_at = ?
					WHERE pubkey = ? AND version = ?
				`, acct.Owner.String(), strconv.FormatUint(acct.Lamports, 10), data, int64(acct.Version), now,
					acct.Key.String(), int64(w.ExpectedVersion))
			}
			if err != nil {
				return fmt.Errorf("write account %s: %w", acct.Key, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n != 1 {
				return fmt.Errorf("%w: %s", ErrAccountConflict, acct.Key)
			}
		}
		return nil
	})
}

func (s *PostgresStore) ScanOwner(ctx context.Context, owner solana.PublicKey) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pubkey, owner, lamports, data, version
		FROM ledger_accounts
		WHERE owner = ?
		ORDER BY pubkey
	`, owner.String())
	if err != nil {
		return nil, fmt.Errorf("scan owner %s: %w", owner, err)
	}
	defer rows.Close()

	out := make([]*Account, 0)
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
