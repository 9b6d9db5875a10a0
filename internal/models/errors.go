package models

import "errors"

// Error kinds surfaced by the trading core. Callers match these with
// errors.Is; storage errors are never passed through raw.
var (
	// ErrValidation - malformed input, no state change
	ErrValidation = errors.New("validation error")
	// ErrInsufficientFunds - reservation denied, no state change
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInsufficientLiquidity - market order cannot fill against the current book
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	// ErrSlippageExceeded - partial commit: executed trades stand, remainder released
	ErrSlippageExceeded = errors.New("slippage exceeded")
	// ErrOrderNotFound - unknown order or not owned by the caller
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderNotCancellable - order already filled, cancelled or rejected
	ErrOrderNotCancellable = errors.New("order not cancellable")
	// ErrInternalInconsistency - invariant violation, fatal to the operation
	ErrInternalInconsistency = errors.New("internal inconsistency")
)
