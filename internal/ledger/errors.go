package ledger

import "errors"

// Every mutating operation either fully applies or returns one of these and
// leaves no trace. Callers match with errors.Is.
var (
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInvalidPrice      = errors.New("price must be positive")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNotFound          = errors.New("order not found")
	ErrAlreadyFulfilled  = errors.New("order already fulfilled")
	ErrNoCounterparty    = errors.New("no matching counterparty")
	ErrSettlementFailed  = errors.New("settlement failed")
)
