// Package gateway integrates with the external payment service provider
// that holds the card/SBP rails for the marketplace.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Gateway-side payment statuses as reported by the provider API.
const (
	StatusPending           = "pending"
	StatusWaitingForCapture = "waiting_for_capture"
	StatusSucceeded         = "succeeded"
	StatusCanceled          = "canceled"
)

// ErrDeclined indicates the provider rejected the operation outright
// (invalid card, insufficient funds, fraud block). Not retryable.
var ErrDeclined = errors.New("gateway: operation declined")

// ErrNotFound indicates the provider has no record of the payment.
var ErrNotFound = errors.New("gateway: payment not found")

// RetryableError wraps transient provider failures (5xx, timeouts,
// rate limits) so callers can distinguish them from declines.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("gateway: transient failure: %v", e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient gateway failure.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// CreatePaymentRequest is the request to register a payment with the provider.
type CreatePaymentRequest struct {
	AmountMinor    int64
	Currency       string
	Description    string
	ReturnURL      string
	IdempotencyKey string
	Capture        bool
	Metadata       map[string]string
}

// Payment is the provider's view of a payment.
type Payment struct {
	ID              string
	Status          string
	AmountMinor     int64
	Currency        string
	ConfirmationURL string
	PaymentMethod   string
	CancelReason    string
	CreatedAt       time.Time
	CapturedAt      *time.Time
}

// CreateRefundRequest is the request to refund a captured payment.
type CreateRefundRequest struct {
	PaymentID      string
	AmountMinor    int64
	Currency       string
	Reason         string
	IdempotencyKey string
}

// Refund is the provider's view of a refund.
type Refund struct {
	ID          string
	PaymentID   string
	Status      string
	AmountMinor int64
	CreatedAt   time.Time
}

// Client is the provider API surface the payment service depends on.
type Client interface {
	// CreatePayment registers a new payment and returns the provider's
	// payment record including the user confirmation URL.
	CreatePayment(ctx context.Context, req *CreatePaymentRequest) (*Payment, error)

	// CapturePayment captures a payment in waiting_for_capture for the
	// given amount.
	CapturePayment(ctx context.Context, paymentID string, amountMinor int64, currency string) (*Payment, error)

	// CancelPayment cancels an uncaptured payment.
	CancelPayment(ctx context.Context, paymentID string) (*Payment, error)

	// CreateRefund refunds part or all of a captured payment.
	CreateRefund(ctx context.Context, req *CreateRefundRequest) (*Refund, error)

	// GetPayment fetches the provider's current view of a payment.
	GetPayment(ctx context.Context, paymentID string) (*Payment, error)
}
