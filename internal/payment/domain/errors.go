package domain

import "errors"

// Business rule violations. These are expected outcomes that callers
// branch on, not failures to escalate.
var (
	ErrInvalidTransition   = errors.New("illegal status transition")
	ErrAmountNotPositive   = errors.New("payment amount must be positive")
	ErrMissingReference    = errors.New("payment requires a consultation or subscription reference")
	ErrAmbiguousReference  = errors.New("payment must reference exactly one of consultation or subscription")
	ErrInvalidMethod       = errors.New("unknown payment method")
	ErrNotPending          = errors.New("payment is not pending")
	ErrNotSucceeded        = errors.New("payment is not succeeded")
	ErrRefundExceedsAmount = errors.New("cumulative refunds would exceed payment amount")
	ErrRefundNotPositive   = errors.New("refund amount must be positive")
)
