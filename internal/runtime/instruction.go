package runtime

import (
	"context"
	"fmt"

	"github.com/coldbell/options/backend/internal/ledger"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

type Clock struct {
	Slot          uint64 `json:"slot"`
	UnixTimestamp int64  `json:"unix_timestamp"`
}

// Instruction is one resolved instruction of a verified transaction. Signer
// flags on Accounts are backed by checked signatures.
type Instruction struct {
	ProgramID solana.PublicKey
	Accounts  []*solana.AccountMeta
	Data      []byte
}

func (ix *Instruction) Account(i int) (*solana.AccountMeta, error) {
	if i < 0 || i >= len(ix.Accounts) {
		return nil, fmt.Errorf("%w: need index %d, have %d", ErrNotEnoughAccountKeys, i, len(ix.Accounts))
	}
	return ix.Accounts[i], nil
}

func (ix *Instruction) RequireAccounts(n int) error {
	if len(ix.Accounts) < n {
		return fmt.Errorf("%w: need %d, have %d", ErrNotEnoughAccountKeys, n, len(ix.Accounts))
	}
	return nil
}

type Program interface {
	ProgramID() solana.PublicKey
	Process(ic *InvokeContext, ix *Instruction) error
}

// InvokeContext is what a program sees while its instruction runs. Every
// program in one transaction shares the same ledger transaction.
type InvokeContext struct {
	ctx       context.Context
	Txn       *ledger.Txn
	Clock     Clock
	Signature solana.Signature
	events    []Event
}

func (ic *InvokeContext) Context() context.Context {
	return ic.ctx
}

func (ic *InvokeContext) Now() int64 {
	return ic.Clock.UnixTimestamp
}

// Emit queues an event; it is published only if the transaction commits.
func (ic *InvokeContext) Emit(channel, kind string, data any) {
	ic.events = append(ic.events, Event{
		ID:        uuid.NewString(),
		Channel:   channel,
		Type:      kind,
		Slot:      ic.Clock.Slot,
		Signature: ic.Signature.String(),
		Data:      data,
		Timestamp: ic.Clock.UnixTimestamp,
	})
}
