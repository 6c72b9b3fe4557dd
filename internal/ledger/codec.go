package ledger

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// storedAccount is the on-disk layout shared by the embedded backends.
type storedAccount struct {
	Owner    solana.PublicKey
	Lamports uint64
	Version  uint64
	Data     []byte
}

func encodeAccount(acct *Account) ([]byte, error) {
	var buf bytes.Buffer
	enc := bin.NewBorshEncoder(&buf)
	if err := enc.Encode(storedAccount{
		Owner:    acct.Owner,
		Lamports: acct.Lamports,
		Version:  acct.Version,
		Data:     acct.Data,
	}); err != nil {
		return nil, fmt.Errorf("encode account %s: %w", acct.Key, err)
	}
	return buf.Bytes(), nil
}

func decodeAccount(key solana.PublicKey, raw []byte) (*Account, error) {
	var stored storedAccount
	if err := bin.NewBorshDecoder(raw).Decode(&stored); err != nil {
		return nil, fmt.Errorf("decode account %s: %w", key, err)
	}
	return &Account{
		Key:      key,
		Owner:    stored.Owner,
		Lamports: stored.Lamports,
		Version:  stored.Version,
		Data:     stored.Data,
	}, nil
}
