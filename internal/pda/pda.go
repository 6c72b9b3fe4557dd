package pda

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	SeedAuthority       = "auth"
	SeedUnderlyingToken = "underlying_token"
	SeedOptionData      = "option_data_account"
	SeedHolderAccount   = "holder_account"
	SeedListing         = "listing"
	SeedPutCollateral   = "put_collateral"
)

func DeriveAuthorityPDA(programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(SeedAuthority)}, programID)
}

func DeriveUnderlyingEscrowPDA(programID, underlyingMint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(SeedUnderlyingToken), underlyingMint.Bytes()}, programID)
}

func DeriveOptionDataPDA(programID, optionMint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(SeedOptionData), optionMint.Bytes()}, programID)
}

func DeriveHolderAccountPDA(programID, optionMint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(SeedHolderAccount), optionMint.Bytes()}, programID)
}

// DeriveListingPDA keys a sell order by series, seller and unit price, so a
// seller holds at most one listing per price.
func DeriveListingPDA(programID, optionMint, owner solana.PublicKey, price uint64) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress(
		[][]byte{[]byte(SeedListing), optionMint.Bytes(), owner.Bytes(), U64BEToBytes(price)},
		programID,
	)
}

func DerivePutCollateralPDA(programID, optionMint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(SeedPutCollateral), optionMint.Bytes()}, programID)
}

func U64BEToBytes(value uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, value)
	return buf
}

type derived struct {
	key  solana.PublicKey
	bump uint8
}

// Deriver memoises derivations for one program. FindProgramAddress walks bump
// seeds with a sha256 per attempt, and handlers re-derive the same handful of
// addresses on every instruction.
type Deriver struct {
	programID solana.PublicKey
	cache     *lru.Cache[string, derived]
}

func NewDeriver(programID solana.PublicKey, cacheSize int) (*Deriver, error) {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, err := lru.New[string, derived](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create pda cache: %w", err)
	}
	return &Deriver{programID: programID, cache: cache}, nil
}

func (d *Deriver) ProgramID() solana.PublicKey {
	return d.programID
}

func (d *Deriver) Authority() (solana.PublicKey, uint8, error) {
	return d.memo(SeedAuthority, func() (solana.PublicKey, uint8, error) {
		return DeriveAuthorityPDA(d.programID)
	})
}

func (d *Deriver) UnderlyingEscrow(underlyingMint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return d.memo(SeedUnderlyingToken+"/"+underlyingMint.String(), func() (solana.PublicKey, uint8, error) {
		return DeriveUnderlyingEscrowPDA(d.programID, underlyingMint)
	})
}

func (d *Deriver) OptionData(optionMint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return d.memo(SeedOptionData+"/"+optionMint.String(), func() (solana.PublicKey, uint8, error) {
		return DeriveOptionDataPDA(d.programID, optionMint)
	})
}

func (d *Deriver) HolderAccount(optionMint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return d.memo(SeedHolderAccount+"/"+optionMint.String(), func() (solana.PublicKey, uint8, error) {
		return DeriveHolderAccountPDA(d.programID, optionMint)
	})
}

func (d *Deriver) Listing(optionMint, owner solana.PublicKey, price uint64) (solana.PublicKey, uint8, error) {
	key := fmt.Sprintf("%s/%s/%s/%d", SeedListing, optionMint, owner, price)
	return d.memo(key, func() (solana.PublicKey, uint8, error) {
		return DeriveListingPDA(d.programID, optionMint, owner, price)
	})
}

func (d *Deriver) PutCollateral(optionMint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return d.memo(SeedPutCollateral+"/"+optionMint.String(), func() (solana.PublicKey, uint8, error) {
		return DerivePutCollateralPDA(d.programID, optionMint)
	})
}

func (d *Deriver) memo(key string, derive func() (solana.PublicKey, uint8, error)) (solana.PublicKey, uint8, error) {
	if hit, ok := d.cache.Get(key); ok {
		return hit.key, hit.bump, nil
	}
	pk, bump, err := derive()
	if err != nil {
		return solana.PublicKey{}, 0, err
	}
	d.cache.Add(key, derived{key: pk, bump: bump})
	return pk, bump, nil
}

func MustDeriveListingPDA(programID, optionMint, owner solana.PublicKey, price uint64) solana.PublicKey {
	pk, _, err := DeriveListingPDA(programID, optionMint, owner, price)
	if err != nil {
		panic(fmt.Errorf("derive listing PDA: %w", err))
	}
	return pk
}
