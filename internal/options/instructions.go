package options

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/coldbell/options/backend/internal/pda"
	"github.com/coldbell/options/backend/internal/token"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// DefaultProgramID is the address the options program is deployed under
// unless configured otherwise.
var DefaultProgramID = solana.MustPublicKeyFromBase58("BfrkttNPsNutRR3PKtsh8N2cN3EhkqXJWRwG5RSMU8AK")

var (
	initializeDisc          = anchorInstructionDiscriminator("initialize")
	createDisc              = anchorInstructionDiscriminator("create")
	createHolderAccountDisc = anchorInstructionDiscriminator("create_holder_account")
	listDisc                = anchorInstructionDiscriminator("list")
	buyDisc                 = anchorInstructionDiscriminator("buy")
	exerciseDisc            = anchorInstructionDiscriminator("exercise")
	claimDisc               = anchorInstructionDiscriminator("claim")
	closeListingDisc        = anchorInstructionDiscriminator("close_listing")
)

func anchorInstructionDiscriminator(ixName string) [8]byte {
	hash := sha256.Sum256([]byte("global:" + ixName))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

type CreateArgs struct {
	EndTime     uint64
	StrikePrice uint64
	Amount      uint64
	Call        bool
	Resellable  bool
}

type ListArgs struct {
	Amount uint64
	Price  uint64
}

type BuyArgs struct {
	Price  uint64
	Amount uint64
}

type ExerciseArgs struct {
	Amount uint64
}

type CloseListingArgs struct {
	Price uint64
}

func instructionData(disc [8]byte, args any) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(disc[:])
	if args != nil {
		if err := bin.NewBorshEncoder(&buf).Encode(args); err != nil {
			return nil, fmt.Errorf("encode instruction args: %w", err)
		}
	}
	return buf.Bytes(), nil
}

type InitializeAccounts struct {
	Signer           solana.PublicKey
	ProgramAuthority solana.PublicKey
}

type CreateAccounts struct {
	Signer                     solana.PublicKey
	UnderlyingMint             solana.PublicKey
	UserUnderlyingTokenAccount solana.PublicKey
	UnderlyingTokenAccount     solana.PublicKey
	OptionMint                 solana.PublicKey
	UserOptionTokenAccount     solana.PublicKey
	OptionDataAccount          solana.PublicKey
	ProgramAuthority           solana.PublicKey
	PutCollateral              solana.PublicKey
}

type CreateHolderAccountAccounts struct {
	Signer               solana.PublicKey
	OptionMint           solana.PublicKey
	ProgramAuthority     solana.PublicKey
	ProgramHolderAccount solana.PublicKey
}

type ListAccounts struct {
	Signer                 solana.PublicKey
	OptionMint             solana.PublicKey
	UserOptionTokenAccount solana.PublicKey
	OptionDataAccount      solana.PublicKey
	ProgramHolderAccount   solana.PublicKey
	Listing                solana.PublicKey
	ProgramAuthority       solana.PublicKey
}

type BuyAccounts struct {
	Signer               solana.PublicKey
	OptionMint           solana.PublicKey
	Owner                solana.PublicKey
	Listing              solana.PublicKey
	ProgramHolderAccount solana.PublicKey
	UserHolderAccount    solana.PublicKey
	OptionDataAccount    solana.PublicKey
	ProgramAuthority     solana.PublicKey
}

type ExerciseAccounts struct {
	Signer                     solana.PublicKey
	OptionMint                 solana.PublicKey
	UserOptionTokenAccount     solana.PublicKey
	OptionDataAccount          solana.PublicKey
	UnderlyingTokenAccount     solana.PublicKey
	Creator                    solana.PublicKey
	CreatorTokenAccount        solana.PublicKey
	UserUnderlyingTokenAccount solana.PublicKey
	ProgramAuthority           solana.PublicKey
	PutCollateral              solana.PublicKey
}

type ClaimAccounts struct {
	Signer                 solana.PublicKey
	OptionMint             solana.PublicKey
	OptionDataAccount      solana.PublicKey
	UnderlyingTokenAccount solana.PublicKey
	UserUnderlyingAccount  solana.PublicKey
	ProgramAuthority       solana.PublicKey
	PutCollateral          solana.PublicKey
}

type CloseListingAccounts struct {
	Signer               solana.PublicKey
	OptionMint           solana.PublicKey
	Listing              solana.PublicKey
	ProgramHolderAccount solana.PublicKey
	OwnerTokenAccount    solana.PublicKey
	ProgramAuthority     solana.PublicKey
}

func NewInitializeInstruction(programID solana.PublicKey, accounts InitializeAccounts) (solana.Instruction, error) {
	data, err := instructionData(initializeDisc, nil)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Signer, true, true),
		solana.NewAccountMeta(accounts.ProgramAuthority, true, false),
	}, data), nil
}

func NewCreateInstruction(programID solana.PublicKey, accounts CreateAccounts, args CreateArgs) (solana.Instruction, error) {
	data, err := instructionData(createDisc, args)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Signer, true, true),
		solana.NewAccountMeta(accounts.UnderlyingMint, false, false),
		solana.NewAccountMeta(accounts.UserUnderlyingTokenAccount, true, false),
		solana.NewAccountMeta(accounts.UnderlyingTokenAccount, true, false),
		solana.NewAccountMeta(accounts.OptionMint, true, true),
		solana.NewAccountMeta(accounts.UserOptionTokenAccount, true, false),
		solana.NewAccountMeta(accounts.OptionDataAccount, true, false),
		solana.NewAccountMeta(accounts.ProgramAuthority, false, false),
		solana.NewAccountMeta(accounts.PutCollateral, true, false),
	}, data), nil
}

func NewCreateHolderAccountInstruction(programID solana.PublicKey, accounts CreateHolderAccountAccounts) (solana.Instruction, error) {
	data, err := instructionData(createHolderAccountDisc, nil)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Signer, true, true),
		solana.NewAccountMeta(accounts.OptionMint, false, false),
		solana.NewAccountMeta(accounts.ProgramAuthority, false, false),
		solana.NewAccountMeta(accounts.ProgramHolderAccount, true, false),
	}, data), nil
}

func NewListInstruction(programID solana.PublicKey, accounts ListAccounts, args ListArgs) (solana.Instruction, error) {
	data, err := instructionData(listDisc, args)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Signer, true, true),
		solana.NewAccountMeta(accounts.OptionMint, false, false),
		solana.NewAccountMeta(accounts.UserOptionTokenAccount, true, false),
		solana.NewAccountMeta(accounts.OptionDataAccount, false, false),
		solana.NewAccountMeta(accounts.ProgramHolderAccount, true, false),
		solana.NewAccountMeta(accounts.Listing, true, false),
		solana.NewAccountMeta(accounts.ProgramAuthority, false, false),
	}, data), nil
}

func NewBuyInstruction(programID solana.PublicKey, accounts BuyAccounts, args BuyArgs) (solana.Instruction, error) {
	data, err := instructionData(buyDisc, args)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Signer, true, true),
		solana.NewAccountMeta(accounts.OptionMint, false, false),
		solana.NewAccountMeta(accounts.Owner, true, false),
		solana.NewAccountMeta(accounts.Listing, true, false),
		solana.NewAccountMeta(accounts.ProgramHolderAccount, true, false),
		solana.NewAccountMeta(accounts.UserHolderAccount, true, false),
		solana.NewAccountMeta(accounts.OptionDataAccount, false, false),
		solana.NewAccountMeta(accounts.ProgramAuthority, false, false),
	}, data), nil
}

func NewExerciseInstruction(programID solana.PublicKey, accounts ExerciseAccounts, args ExerciseArgs) (solana.Instruction, error) {
	data, err := instructionData(exerciseDisc, args)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Signer, true, true),
		solana.NewAccountMeta(accounts.OptionMint, true, false),
		solana.NewAccountMeta(accounts.UserOptionTokenAccount, true, false),
		solana.NewAccountMeta(accounts.OptionDataAccount, true, false),
		solana.NewAccountMeta(accounts.UnderlyingTokenAccount, true, false),
		solana.NewAccountMeta(accounts.Creator, true, false),
		solana.NewAccountMeta(accounts.CreatorTokenAccount, true, false),
		solana.NewAccountMeta(accounts.UserUnderlyingTokenAccount, true, false),
		solana.NewAccountMeta(accounts.ProgramAuthority, false, false),
		solana.NewAccountMeta(accounts.PutCollateral, true, false),
	}, data), nil
}

func NewClaimInstruction(programID solana.PublicKey, accounts ClaimAccounts) (solana.Instruction, error) {
	data, err := instructionData(claimDisc, nil)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Signer, true, true),
		solana.NewAccountMeta(accounts.OptionMint, false, false),
		solana.NewAccountMeta(accounts.OptionDataAccount, true, false),
		solana.NewAccountMeta(accounts.UnderlyingTokenAccount, true, false),
		solana.NewAccountMeta(accounts.UserUnderlyingAccount, true, false),
		solana.NewAccountMeta(accounts.ProgramAuthority, false, false),
		solana.NewAccountMeta(accounts.PutCollateral, true, false),
	}, data), nil
}

func NewCloseListingInstruction(programID solana.PublicKey, accounts CloseListingAccounts, args CloseListingArgs) (solana.Instruction, error) {
	data, err := instructionData(closeListingDisc, args)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Signer, true, true),
		solana.NewAccountMeta(accounts.OptionMint, false, false),
		solana.NewAccountMeta(accounts.Listing, true, false),
		solana.NewAccountMeta(accounts.ProgramHolderAccount, true, false),
		solana.NewAccountMeta(accounts.OwnerTokenAccount, true, false),
		solana.NewAccountMeta(accounts.ProgramAuthority, false, false),
	}, data), nil
}

// Builder fills in every derived account of an instruction so callers only
// name wallets, mints and arguments.
type Builder struct {
	deriver *pda.Deriver
}

func NewBuilder(deriver *pda.Deriver) *Builder {
	return &Builder{deriver: deriver}
}

func (b *Builder) ProgramID() solana.PublicKey {
	return b.deriver.ProgramID()
}

func (b *Builder) Initialize(signer solana.PublicKey) (solana.Instruction, error) {
	authority, _, err := b.deriver.Authority()
	if err != nil {
		return nil, err
	}
	return NewInitializeInstruction(b.ProgramID(), InitializeAccounts{Signer: signer, ProgramAuthority: authority})
}

// CreateAccountsFor resolves the accounts of a create call. The caller's
// underlying balance is assumed to live in its associated token account.
func (b *Builder) CreateAccountsFor(signer, underlyingMint, optionMint solana.PublicKey) (CreateAccounts, error) {
	var out CreateAccounts
	userUnderlying, err := token.AssociatedAddress(signer, underlyingMint)
	if err != nil {
		return out, err
	}
	escrow, _, err := b.deriver.UnderlyingEscrow(underlyingMint)
	if err != nil {
		return out, err
	}
	userOption, err := token.AssociatedAddress(signer, optionMint)
	if err != nil {
		return out, err
	}
	optionData, _, err := b.deriver.OptionData(optionMint)
	if err != nil {
		return out, err
	}
	authority, _, err := b.deriver.Authority()
	if err != nil {
		return out, err
	}
	putCollateral, _, err := b.deriver.PutCollateral(optionMint)
	if err != nil {
		return out, err
	}
	return CreateAccounts{
		Signer:                     signer,
		UnderlyingMint:             underlyingMint,
		UserUnderlyingTokenAccount: userUnderlying,
		UnderlyingTokenAccount:     escrow,
		OptionMint:                 optionMint,
		UserOptionTokenAccount:     userOption,
		OptionDataAccount:          optionData,
		ProgramAuthority:           authority,
		PutCollateral:              putCollateral,
	}, nil
}

func (b *Builder) Create(signer, underlyingMint, optionMint solana.PublicKey, args CreateArgs) (solana.Instruction, error) {
	accounts, err := b.CreateAccountsFor(signer, underlyingMint, optionMint)
	if err != nil {
		return nil, err
	}
	return NewCreateInstruction(b.ProgramID(), accounts, args)
}

func (b *Builder) CreateHolderAccount(signer, optionMint solana.PublicKey) (solana.Instruction, error) {
	authority, _, err := b.deriver.Authority()
	if err != nil {
		return nil, err
	}
	holder, _, err := b.deriver.HolderAccount(optionMint)
	if err != nil {
		return nil, err
	}
	return NewCreateHolderAccountInstruction(b.ProgramID(), CreateHolderAccountAccounts{
		Signer:               signer,
		OptionMint:           optionMint,
		ProgramAuthority:     authority,
		ProgramHolderAccount: holder,
	})
}

func (b *Builder) ListAccountsFor(signer, optionMint solana.PublicKey, price uint64) (ListAccounts, error) {
	var out ListAccounts
	userOption, err := token.AssociatedAddress(signer, optionMint)
	if err != nil {
		return out, err
	}
	optionData, _, err := b.deriver.OptionData(optionMint)
	if err != nil {
		return out, err
	}
	holder, _, err := b.deriver.HolderAccount(optionMint)
	if err != nil {
		return out, err
	}
	listing, _, err := b.deriver.Listing(optionMint, signer, price)
	if err != nil {
		return out, err
	}
	authority, _, err := b.deriver.Authority()
	if err != nil {
		return out, err
	}
	return ListAccounts{
		Signer:                 signer,
		OptionMint:             optionMint,
		UserOptionTokenAccount: userOption,
		OptionDataAccount:      optionData,
		ProgramHolderAccount:   holder,
		Listing:                listing,
		ProgramAuthority:       authority,
	}, nil
}

func (b *Builder) List(signer, optionMint solana.PublicKey, amount, price uint64) (solana.Instruction, error) {
	accounts, err := b.ListAccountsFor(signer, optionMint, price)
	if err != nil {
		return nil, err
	}
	return NewListInstruction(b.ProgramID(), accounts, ListArgs{Amount: amount, Price: price})
}

func (b *Builder) BuyAccountsFor(signer, optionMint, owner solana.PublicKey, price uint64) (BuyAccounts, error) {
	var out BuyAccounts
	listing, _, err := b.deriver.Listing(optionMint, owner, price)
	if err != nil {
		return out, err
	}
	holder, _, err := b.deriver.HolderAccount(optionMint)
	if err != nil {
		return out, err
	}
	userHolder, err := token.AssociatedAddress(signer, optionMint)
	if err != nil {
		return out, err
	}
	optionData, _, err := b.deriver.OptionData(optionMint)
	if err != nil {
		return out, err
	}
	authority, _, err := b.deriver.Authority()
	if err != nil {
		return out, err
	}
	return BuyAccounts{
		Signer:               signer,
		OptionMint:           optionMint,
		Owner:                owner,
		Listing:              listing,
		ProgramHolderAccount: holder,
		UserHolderAccount:    userHolder,
		OptionDataAccount:    optionData,
		ProgramAuthority:     authority,
	}, nil
}

func (b *Builder) Buy(signer, optionMint, owner solana.PublicKey, price, amount uint64) (solana.Instruction, error) {
	accounts, err := b.BuyAccountsFor(signer, optionMint, owner, price)
	if err != nil {
		return nil, err
	}
	return NewBuyInstruction(b.ProgramID(), accounts, BuyArgs{Price: price, Amount: amount})
}

// ExerciseAccountsFor needs the series creator and underlying mint, which
// callers read from the OptionData account.
func (b *Builder) ExerciseAccountsFor(signer, optionMint, underlyingMint, creator solana.PublicKey) (ExerciseAccounts, error) {
	var out ExerciseAccounts
	userOption, err := token.AssociatedAddress(signer, optionMint)
	if err != nil {
		return out, err
	}
	optionData, _, err := b.deriver.OptionData(optionMint)
	if err != nil {
		return out, err
	}
	escrow, _, err := b.deriver.UnderlyingEscrow(underlyingMint)
	if err != nil {
		return out, err
	}
	creatorToken, err := token.AssociatedAddress(creator, underlyingMint)
	if err != nil {
		return out, err
	}
	userUnderlying, err := token.AssociatedAddress(signer, underlyingMint)
	if err != nil {
		return out, err
	}
	authority, _, err := b.deriver.Authority()
	if err != nil {
		return out, err
	}
	putCollateral, _, err := b.deriver.PutCollateral(optionMint)
	if err != nil {
		return out, err
	}
	return ExerciseAccounts{
		Signer:                     signer,
		OptionMint:                 optionMint,
		UserOptionTokenAccount:     userOption,
		OptionDataAccount:          optionData,
		UnderlyingTokenAccount:     escrow,
		Creator:                    creator,
		CreatorTokenAccount:        creatorToken,
		UserUnderlyingTokenAccount: userUnderlying,
		ProgramAuthority:           authority,
		PutCollateral:              putCollateral,
	}, nil
}

func (b *Builder) Exercise(signer, optionMint, underlyingMint, creator solana.PublicKey, amount uint64) (solana.Instruction, error) {
	accounts, err := b.ExerciseAccountsFor(signer, optionMint, underlyingMint, creator)
	if err != nil {
		return nil, err
	}
	return NewExerciseInstruction(b.ProgramID(), accounts, ExerciseArgs{Amount: amount})
}

func (b *Builder) ClaimAccountsFor(signer, optionMint, underlyingMint solana.PublicKey) (ClaimAccounts, error) {
	var out ClaimAccounts
	optionData, _, err := b.deriver.OptionData(optionMint)
	if err != nil {
		return out, err
	}
	escrow, _, err := b.deriver.UnderlyingEscrow(underlyingMint)
	if err != nil {
		return out, err
	}
	userUnderlying, err := token.AssociatedAddress(signer, underlyingMint)
	if err != nil {
		return out, err
	}
	authority, _, err := b.deriver.Authority()
	if err != nil {
		return out, err
	}
	putCollateral, _, err := b.deriver.PutCollateral(optionMint)
	if err != nil {
		return out, err
	}
	return ClaimAccounts{
		Signer:                 signer,
		OptionMint:             optionMint,
		OptionDataAccount:      optionData,
		UnderlyingTokenAccount: escrow,
		UserUnderlyingAccount:  userUnderlying,
		ProgramAuthority:       authority,
		PutCollateral:          putCollateral,
	}, nil
}

func (b *Builder) Claim(signer, optionMint, underlyingMint solana.PublicKey) (solana.Instruction, error) {
	accounts, err := b.ClaimAccountsFor(signer, optionMint, underlyingMint)
	if err != nil {
		return nil, err
	}
	return NewClaimInstruction(b.ProgramID(), accounts)
}

func (b *Builder) CloseListing(signer, optionMint solana.PublicKey, price uint64) (solana.Instruction, error) {
	listing, _, err := b.deriver.Listing(optionMint, signer, price)
	if err != nil {
		return nil, err
	}
	holder, _, err := b.deriver.HolderAccount(optionMint)
	if err != nil {
		return nil, err
	}
	ownerToken, err := token.AssociatedAddress(signer, optionMint)
	if err != nil {
		return nil, err
	}
	authority, _, err := b.deriver.Authority()
	if err != nil {
		return nil, err
	}
	return NewCloseListingInstruction(b.ProgramID(), CloseListingAccounts{
		Signer:               signer,
		OptionMint:           optionMint,
		Listing:              listing,
		ProgramHolderAccount: holder,
		OwnerTokenAccount:    ownerToken,
		ProgramAuthority:     authority,
	}, CloseListingArgs{Price: price})
}
