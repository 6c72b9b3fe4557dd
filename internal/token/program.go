package token

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/coldbell/options/backend/internal/runtime"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

const (
	InstructionInitializeMint uint8 = iota
	InstructionCreateAssociatedAccount
	InstructionMintTo
	InstructionTransfer
	InstructionBurn
)

var (
	ErrUnknownInstruction       = errors.New("unknown token instruction")
	ErrMissingRequiredSignature = errors.New("missing required signature")
)

type initializeMintArgs struct {
	Decimals      uint8
	MintAuthority solana.PublicKey
}

type amountArgs struct {
	Amount uint64
}

// Program executes token instructions on behalf of wallets. Programs that
// hold custody call the package functions directly instead.
type Program struct{}

func (Program) ProgramID() solana.PublicKey {
	return ProgramID
}

func (Program) Process(ic *runtime.InvokeContext, ix *runtime.Instruction) error {
	if len(ix.Data) == 0 {
		return ErrUnknownInstruction
	}
	ctx := ic.Context()
	args := ix.Data[1:]

	switch ix.Data[0] {
	case InstructionInitializeMint:
		// payer, mint
		if err := ix.RequireAccounts(2); err != nil {
			return err
		}
		var in initializeMintArgs
		if err := bin.NewBorshDecoder(args).Decode(&in); err != nil {
			return fmt.Errorf("decode initialize_mint: %w", err)
		}
		mint := ix.Accounts[1]
		if !mint.IsSigner {
			return fmt.Errorf("%w: mint %s", ErrMissingRequiredSignature, mint.PublicKey)
		}
		return InitializeMint(ctx, ic.Txn, mint.PublicKey, in.MintAuthority, in.Decimals)

	case InstructionCreateAssociatedAccount:
		// payer, associated account, wallet, mint
		if err := ix.RequireAccounts(4); err != nil {
			return err
		}
		_, err := EnsureAssociatedAccount(ctx, ic.Txn, ix.Accounts[2].PublicKey, ix.Accounts[3].PublicKey, ix.Accounts[1].PublicKey)
		return err

	case InstructionMintTo:
		// mint, destination, authority
		if err := ix.RequireAccounts(3); err != nil {
			return err
		}
		var in amountArgs
		if err := bin.NewBorshDecoder(args).Decode(&in); err != nil {
			return fmt.Errorf("decode mint_to: %w", err)
		}
		authority := ix.Accounts[2]
		if !authority.IsSigner {
			return fmt.Errorf("%w: %s", ErrMissingRequiredSignature, authority.PublicKey)
		}
		return MintTo(ctx, ic.Txn, ix.Accounts[0].PublicKey, ix.Accounts[1].PublicKey, authority.PublicKey, in.Amount)

	case InstructionTransfer:
		// source, destination, authority
		if err := ix.RequireAccounts(3); err != nil {
			return err
		}
		var in amountArgs
		if err := bin.NewBorshDecoder(args).Decode(&in); err != nil {
			return fmt.Errorf("decode transfer: %w", err)
		}
		authority := ix.Accounts[2]
		if !authority.IsSigner {
			return fmt.Errorf("%w: %s", ErrMissingRequiredSignature, authority.PublicKey)
		}
		return Transfer(ctx, ic.Txn, ix.Accounts[0].PublicKey, ix.Accounts[1].PublicKey, authority.PublicKey, in.Amount)

	case InstructionBurn:
		// source, mint, authority
		if err := ix.RequireAccounts(3); err != nil {
			return err
		}
		var in amountArgs
		if err := bin.NewBorshDecoder(args).Decode(&in); err != nil {
			return fmt.Errorf("decode burn: %w", err)
		}
		authority := ix.Accounts[2]
		if !authority.IsSigner {
			return fmt.Errorf("%w: %s", ErrMissingRequiredSignature, authority.PublicKey)
		}
		return Burn(ctx, ic.Txn, ix.Accounts[0].PublicKey, ix.Accounts[1].PublicKey, authority.PublicKey, in.Amount)
	}
	return fmt.Errorf("%w: %d", ErrUnknownInstruction, ix.Data[0])
}

func encodeInstruction(tag uint8, args any) []byte {
	var buf bytes.Buffer
	buf.WriteByte(tag)
	if args != nil {
		if err := bin.NewBorshEncoder(&buf).Encode(args); err != nil {
			panic(fmt.Sprintf("encode token instruction %d: %v", tag, err))
		}
	}
	return buf.Bytes()
}

func NewInitializeMintInstruction(payer, mint, authority solana.PublicKey, decimals uint8) solana.Instruction {
	return solana.NewInstruction(ProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(mint, true, true),
	}, encodeInstruction(InstructionInitializeMint, initializeMintArgs{Decimals: decimals, MintAuthority: authority}))
}

func NewCreateAssociatedAccountInstruction(payer, wallet, mint solana.PublicKey) (solana.Instruction, solana.PublicKey, error) {
	ata, err := AssociatedAddress(wallet, mint)
	if err != nil {
		return nil, solana.PublicKey{}, err
	}
	return solana.NewInstruction(ProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(ata, true, false),
		solana.NewAccountMeta(wallet, false, false),
		solana.NewAccountMeta(mint, false, false),
	}, encodeInstruction(InstructionCreateAssociatedAccount, nil)), ata, nil
}

func NewMintToInstruction(mint, dest, authority solana.PublicKey, amount uint64) solana.Instruction {
	return solana.NewInstruction(ProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(mint, true, false),
		solana.NewAccountMeta(dest, true, false),
		solana.NewAccountMeta(authority, false, true),
	}, encodeInstruction(InstructionMintTo, amountArgs{Amount: amount}))
}

func NewTransferInstruction(source, dest, authority solana.PublicKey, amount uint64) solana.Instruction {
	return solana.NewInstruction(ProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(source, true, false),
		solana.NewAccountMeta(dest, true, false),
		solana.NewAccountMeta(authority, false, true),
	}, encodeInstruction(InstructionTransfer, amountArgs{Amount: amount}))
}

func NewBurnInstruction(source, mint, authority solana.PublicKey, amount uint64) solana.Instruction {
	return solana.NewInstruction(ProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(source, true, false),
		solana.NewAccountMeta(mint, true, false),
		solana.NewAccountMeta(authority, false, true),
	}, encodeInstruction(InstructionBurn, amountArgs{Amount: amount}))
}
