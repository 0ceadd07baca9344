package deposit

import "errors"

// The error taxonomy exposed to callers. Transports match with errors.Is so
// clients can tell retryable conditions (ErrPaused,
// ErrDisputeWindowNotElapsed) apart from permanent ones (ErrUnauthorized,
// ErrInvalidState, ErrAlreadyExists) and from bad input.
var (
	ErrInvalidState            = errors.New("deposit: operation invalid for current state")
	ErrAlreadyExists           = errors.New("deposit: escrow already exists")
	ErrInvalidAmount           = errors.New("deposit: amount must be positive")
	ErrRefundExceedsDeposit    = errors.New("deposit: proposed refund exceeds deposit")
	ErrArrayLengthMismatch     = errors.New("deposit: violation codes and penalties length mismatch")
	ErrUnauthorized            = errors.New("deposit: caller not authorized")
	ErrPaused                  = errors.New("deposit: module paused")
	ErrNoProposal              = errors.New("deposit: no outcome proposal recorded")
	ErrDisputeWindowNotElapsed = errors.New("deposit: dispute window not elapsed")
	ErrTransferFailed          = errors.New("deposit: ledger transfer failed")
	ErrReentrantCall           = errors.New("deposit: reentrant call rejected")
	ErrInvalidDisputeWindow    = errors.New("deposit: dispute window must be positive")
)

var (
	errNilState        = errors.New("deposit engine: state not configured")
	errNilLedger       = errors.New("deposit engine: ledger not configured")
	errNilFeeRecipient = errors.New("deposit engine: fee recipient not configured")
)
