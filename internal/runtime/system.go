package runtime

import (
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

// Only the transfer instruction of the native system program is supported.
const systemTransferTag uint32 = 2

var (
	ErrUnsupportedSystemInstruction = errors.New("unsupported system instruction")
	ErrMissingRequiredSignature     = errors.New("missing required signature")
)

type SystemProgram struct{}

func (SystemProgram) ProgramID() solana.PublicKey {
	return solana.SystemProgramID
}

func (SystemProgram) Process(ic *InvokeContext, ix *Instruction) error {
	dec := bin.NewBinDecoder(ix.Data)
	tag, err := dec.ReadUint32(bin.LE)
	if err != nil {
		return fmt.Errorf("decode system instruction: %w", err)
	}
	if tag != systemTransferTag {
		return fmt.Errorf("%w: %d", ErrUnsupportedSystemInstruction, tag)
	}
	lamports, err := dec.ReadUint64(bin.LE)
	if err != nil {
		return fmt.Errorf("decode transfer lamports: %w", err)
	}
	if err := ix.RequireAccounts(2); err != nil {
		return err
	}
	from, to := ix.Accounts[0], ix.Accounts[1]
	if !from.IsSigner {
		return fmt.Errorf("%w: %s", ErrMissingRequiredSignature, from.PublicKey)
	}
	if err := ic.Txn.TransferLamports(ic.Context(), from.PublicKey, to.PublicKey, lamports); err != nil {
		return err
	}
	ic.Emit(ChannelTransactions, "system.transfer", map[string]any{
		"from":     from.PublicKey.String(),
		"to":       to.PublicKey.String(),
		"lamports": lamports,
	})
	return nil
}

// NewTransferInstruction moves native lamports between wallets.
func NewTransferInstruction(from, to solana.PublicKey, lamports uint64) solana.Instruction {
	return system.NewTransferInstruction(lamports, from, to).Build()
}
