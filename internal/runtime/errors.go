package runtime

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrBlockhashNotFound     = errors.New("blockhash not found")
	ErrAlreadyProcessed      = errors.New("transaction already processed")
	ErrSignatureVerification = errors.New("signature verification failed")
	ErrProgramNotFound       = errors.New("program not found")
	ErrNotEnoughAccountKeys  = errors.New("not enough account keys")
	ErrReadonlyWrite         = errors.New("instruction modified a read-only account")
	ErrMalformedTransaction  = errors.New("malformed transaction")
	ErrFaucetDisabled        = errors.New("airdrop is disabled")
	ErrAirdropAmount         = errors.New("airdrop amount out of range")
)

// InstructionError pins a program failure to the instruction that raised it.
type InstructionError struct {
	Index   int
	Program solana.PublicKey
	Err     error
}

func (e *InstructionError) Error() string {
	return fmt.Sprintf("instruction %d (%s): %v", e.Index, e.Program, e.Err)
}

func (e *InstructionError) Unwrap() error {
	return e.Err
}
