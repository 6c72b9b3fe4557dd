package options

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	programAuthorityDiscriminator = anchorAccountDiscriminator("ProgramAuthority")
	optionDataDiscriminator       = anchorAccountDiscriminator("OptionDataAccount")
	listingDiscriminator          = anchorAccountDiscriminator("Listing")
	putCollateralDiscriminator    = anchorAccountDiscriminator("PutCollateral")
)

func anchorAccountDiscriminator(name string) [8]byte {
	hash := sha256.Sum256([]byte("account:" + name))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

// OptionData describes one option series. AmountUnexercised is fixed at
// creation and only ever decreases.
//
// AmountUnexercised is the series supply: created amount minus exercised
// minus claimed, and it always equals the collateral still locked for the
// series. The option mint's token supply can exceed it after claim, when
// claim zeroes AmountUnexercised and releases the collateral; tokens still
// outstanding at that point are void and can no longer be exercised.
type OptionData struct {
	Creator           solana.PublicKey `json:"creator"`
	UnderlyingMint    solana.PublicKey `json:"underlying_mint"`
	EndTime           uint64           `json:"end_time"`
	StrikePrice       uint64           `json:"strike_price"`
	AmountUnexercised uint64           `json:"amount_unexercised"`
	Call              bool             `json:"call"`
	Resellable        bool             `json:"resellable"`
}

type Listing struct {
	UnderlyingMint solana.PublicKey `json:"underlying_mint"`
	OptionMint     solana.PublicKey `json:"option_mint"`
	Owner          solana.PublicKey `json:"owner"`
	Amount         uint64           `json:"amount"`
	Price          uint64           `json:"price"`
}

func encodeWithDiscriminator(disc [8]byte, v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(disc[:])
	if v != nil {
		if err := bin.NewBorshEncoder(&buf).Encode(v); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeWithDiscriminator(disc [8]byte, data []byte, v any) error {
	if len(data) < 8 || !bytes.Equal(data[:8], disc[:]) {
		return fmt.Errorf("%w: discriminator mismatch", ErrInvalidAccount)
	}
	if err := bin.NewBorshDecoder(data[8:]).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAccount, err)
	}
	return nil
}

func EncodeOptionData(v *OptionData) ([]byte, error) {
	return encodeWithDiscriminator(optionDataDiscriminator, v)
}

func DecodeOptionData(data []byte) (*OptionData, error) {
	var out OptionData
	if err := decodeWithDiscriminator(optionDataDiscriminator, data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func EncodeListing(v *Listing) ([]byte, error) {
	return encodeWithDiscriminator(listingDiscriminator, v)
}

func DecodeListing(data []byte) (*Listing, error) {
	var out Listing
	if err := decodeWithDiscriminator(listingDiscriminator, data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// IsOptionData reports whether raw account data carries the OptionData
// discriminator. The keeper uses it to filter program accounts.
func IsOptionData(data []byte) bool {
	return len(data) >= 8 && bytes.Equal(data[:8], optionDataDiscriminator[:])
}

func IsListing(data []byte) bool {
	return len(data) >= 8 && bytes.Equal(data[:8], listingDiscriminator[:])
}

// Expired reports whether the series can no longer be exercised at now.
func (o *OptionData) Expired(now int64) bool {
	return now >= 0 && uint64(now) >= o.EndTime
}
