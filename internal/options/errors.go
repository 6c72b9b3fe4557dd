package options

import (
	"errors"
	"fmt"

	"github.com/coldbell/options/backend/internal/ledger"
	"github.com/coldbell/options/backend/internal/token"
)

// Error is a program failure with a stable numeric code. Codes start at 6000
// like Anchor custom errors so clients can switch on them.
type Error struct {
	Code uint32 `json:"code"`
	Name string `json:"name"`
	Msg  string `json:"msg"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Name, e.Code, e.Msg)
}

func newError(code uint32, name, msg string) *Error {
	return &Error{Code: code, Name: name, Msg: msg}
}

var (
	ErrAlreadyInitialized      = newError(6000, "AlreadyInitialized", "account already initialized")
	ErrInvalidExpiry           = newError(6001, "InvalidExpiry", "end time must be in the future")
	ErrInsufficientBalance     = newError(6002, "InsufficientBalance", "insufficient balance")
	ErrInsufficientListed      = newError(6003, "InsufficientListed", "listing does not hold enough option tokens")
	ErrOptionExpired           = newError(6004, "OptionExpired", "option expired")
	ErrInsufficientUnexercised = newError(6005, "InsufficientUnexercised", "amount exceeds unexercised supply")
	ErrNotYetExpired           = newError(6006, "NotYetExpired", "option not expired")
	ErrAddressMismatch         = newError(6007, "AddressMismatch", "account address does not match its derivation")
	ErrUnauthorized            = newError(6008, "Unauthorized", "signer is not allowed to perform this action")
	ErrAlreadyClaimed          = newError(6009, "AlreadyClaimed", "collateral already claimed")
	ErrNotInitialized          = newError(6010, "NotInitialized", "program authority not initialized")
	ErrInvalidAmount           = newError(6011, "InvalidAmount", "amount must be positive")
	ErrInvalidAccount          = newError(6012, "InvalidAccount", "invalid account")
	ErrNotResellable           = newError(6013, "NotResellable", "option series is not resellable")
	ErrHolderAccountMissing    = newError(6014, "HolderAccountMissing", "program holder account does not exist")
	ErrArithmeticOverflow      = newError(6015, "ArithmeticOverflow", "arithmetic overflow")
	ErrMissingSignature        = newError(6016, "MissingSignature", "missing required signature")
	ErrUnknownInstruction      = newError(6017, "UnknownInstruction", "unknown instruction")
)

// AsError extracts the program error from a wrapped chain.
func AsError(err error) (*Error, bool) {
	var perr *Error
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}

// classify maps token and ledger failures onto program error codes while
// keeping the original error in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}
	var code *Error
	switch {
	case errors.Is(err, ledger.ErrAccountConflict):
		return err
	case errors.Is(err, token.ErrInsufficientFunds), errors.Is(err, ledger.ErrInsufficientLamports):
		code = ErrInsufficientBalance
	case errors.Is(err, token.ErrOwnerMismatch), errors.Is(err, token.ErrMintAuthorityMismatch):
		code = ErrUnauthorized
	case errors.Is(err, token.ErrAddressMismatch):
		code = ErrAddressMismatch
	case errors.Is(err, token.ErrOverflow), errors.Is(err, ledger.ErrLamportOverflow):
		code = ErrArithmeticOverflow
	case errors.Is(err, token.ErrMintAlreadyInitialized),
		errors.Is(err, token.ErrAccountAlreadyInitialized),
		errors.Is(err, ledger.ErrAccountExists):
		code = ErrAlreadyInitialized
	case errors.Is(err, token.ErrMintMismatch),
		errors.Is(err, token.ErrNotTokenAccount),
		errors.Is(err, token.ErrInvalidAccountData),
		errors.Is(err, token.ErrUninitializedMint),
		errors.Is(err, ledger.ErrAccountNotFound):
		code = ErrInvalidAccount
	default:
		return err
	}
	return fmt.Errorf("%w: %w", code, err)
}
