package apiserver

import "github.com/coldbell/options/backend/internal/runtime"

type listResponse[T any] struct {
	Items []T `json:"items"`
}

type HealthResponse struct {
	OK   bool   `json:"ok"`
	Slot uint64 `json:"slot"`
}

type BlockhashResponse struct {
	Blockhash string `json:"blockhash"`
	Slot      uint64 `json:"slot"`
}

// TransactionRequest carries a signed wire-format transaction, base64 encoded.
type TransactionRequest struct {
	Transaction string `json:"transaction"`
}

type AirdropRequest struct {
	Pubkey   string `json:"pubkey"`
	Lamports uint64 `json:"lamports"`
}

type ReceiptResponse struct {
	Signature string          `json:"signature"`
	Slot      uint64          `json:"slot"`
	Events    []runtime.Event `json:"events,omitempty"`
}

type ErrorResponse struct {
	Error       string `json:"error"`
	Code        uint32 `json:"code,omitempty"`
	Name        string `json:"name,omitempty"`
	Instruction *int   `json:"instruction,omitempty"`
}

type AccountResponse struct {
	Pubkey   string `json:"pubkey"`
	Owner    string `json:"owner"`
	Lamports uint64 `json:"lamports"`
	Data     []byte `json:"data"`
	Version  uint64 `json:"version"`
}

type OptionResponse struct {
	OptionMint        string `json:"option_mint"`
	OptionData        string `json:"option_data"`
	Creator           string `json:"creator"`
	UnderlyingMint    string `json:"underlying_mint"`
	EndTime           uint64 `json:"end_time"`
	StrikePrice       uint64 `json:"strike_price"`
	AmountUnexercised uint64 `json:"amount_unexercised"`
	Call              bool   `json:"call"`
	Resellable        bool   `json:"resellable"`
	Expired           bool   `json:"expired"`
}

type ListingResponse struct {
	Listing        string `json:"listing"`
	UnderlyingMint string `json:"underlying_mint"`
	OptionMint     string `json:"option_mint"`
	Owner          string `json:"owner"`
	Amount         uint64 `json:"amount"`
	Price          uint64 `json:"price"`
}

type TokenAccountResponse struct {
	Pubkey string `json:"pubkey"`
	Mint   string `json:"mint"`
	Owner  string `json:"owner"`
	Amount uint64 `json:"amount"`
}

// Error names for failures raised outside the options program.
const (
	ErrNameAccountConflict       = "AccountConflict"
	ErrNameBlockhashNotFound     = "BlockhashNotFound"
	ErrNameAlreadyProcessed      = "AlreadyProcessed"
	ErrNameSignatureVerification = "SignatureVerificationFailed"
	ErrNameMalformedTransaction  = "MalformedTransaction"
	ErrNameFaucetDisabled        = "FaucetDisabled"
	ErrNameInvalidAirdrop        = "InvalidAirdrop"
)
