// Package token is a minimal SPL-token style ledger: mints, token accounts,
// associated accounts, and the authority checks around moving balances.
package token

import (
	"bytes"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	ErrInvalidAccountData        = errors.New("invalid token account data")
	ErrNotTokenAccount           = errors.New("account is not owned by the token program")
	ErrMintAlreadyInitialized    = errors.New("mint already initialized")
	ErrAccountAlreadyInitialized = errors.New("token account already initialized")
	ErrUninitializedMint         = errors.New("mint is not initialized")
	ErrMintMismatch              = errors.New("token account mint mismatch")
	ErrOwnerMismatch             = errors.New("token account owner mismatch")
	ErrMintAuthorityMismatch     = errors.New("mint authority mismatch")
	ErrInsufficientFunds         = errors.New("insufficient token funds")
	ErrOverflow                  = errors.New("token amount overflow")
	ErrAddressMismatch           = errors.New("associated token address mismatch")
)

const (
	kindMint    uint8 = 1
	kindAccount uint8 = 2
)

// ProgramID owns every mint and token account.
var ProgramID = solana.TokenProgramID

type Mint struct {
	MintAuthority solana.PublicKey `json:"mint_authority"`
	Supply        uint64           `json:"supply"`
	Decimals      uint8            `json:"decimals"`
	IsInitialized bool             `json:"is_initialized"`
}

type Account struct {
	Mint   solana.PublicKey `json:"mint"`
	Owner  solana.PublicKey `json:"owner"`
	Amount uint64           `json:"amount"`
}

func encode(kind uint8, v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(kind)
	if err := bin.NewBorshEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func EncodeMint(m *Mint) ([]byte, error) {
	return encode(kindMint, m)
}

func EncodeAccount(a *Account) ([]byte, error) {
	return encode(kindAccount, a)
}

func DecodeMint(data []byte) (*Mint, error) {
	if len(data) == 0 || data[0] != kindMint {
		return nil, fmt.Errorf("%w: not a mint", ErrInvalidAccountData)
	}
	var out Mint
	if err := bin.NewBorshDecoder(data[1:]).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAccountData, err)
	}
	return &out, nil
}

func DecodeAccount(data []byte) (*Account, error) {
	if len(data) == 0 || data[0] != kindAccount {
		return nil, fmt.Errorf("%w: not a token account", ErrInvalidAccountData)
	}
	var out Account
	if err := bin.NewBorshDecoder(data[1:]).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAccountData, err)
	}
	return &out, nil
}

// AssociatedAddress is the canonical token account of wallet for mint.
func AssociatedAddress(wallet, mint solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindAssociatedTokenAddress(wallet, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive associated token address: %w", err)
	}
	return addr, nil
}
