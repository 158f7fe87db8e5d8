// Package domain contains the payment aggregate and its state machine.
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"legalmarket/internal/common/money"
)

// CommissionRate is the platform's share of every payment. The rounding
// remainder of the split stays with the platform.
var CommissionRate = decimal.RequireFromString("0.10")

// PendingTimeout is how long a payment may stay PENDING before the expiry
// sweep cancels it.
const PendingTimeout = 15 * time.Minute

// Payment is the aggregate root for a monetary transaction. All mutations
// go through its methods; fields are exported for the store only.
type Payment struct {
	ID             string
	UserID         string
	ConsultationID string
	SubscriptionID string
	Amount         money.Money
	Status         Status
	Method         Method
	Description    string

	GatewayPaymentID string
	ConfirmationURL  string
	IdempotencyKey   string

	RefundedAmount money.Money
	FailureReason  string
	ConflictCount  int

	Metadata map[string]string

	// Version is the optimistic-concurrency counter bumped on every save.
	Version int

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
	CanceledAt  *time.Time
	RefundedAt  *time.Time

	events []Event
}

// NewPayment is the business creation path. The payment starts PENDING and
// records a PaymentCreated event.
func NewPayment(id, userID string, amount money.Money, description, consultationID, subscriptionID, idempotencyKey string, metadata map[string]string) (*Payment, error) {
	if id == "" {
		return nil, fmt.Errorf("id is required")
	}
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if !amount.IsPositive() {
		return nil, ErrAmountNotPositive
	}
	if consultationID == "" && subscriptionID == "" {
		return nil, ErrMissingReference
	}
	if consultationID != "" && subscriptionID != "" {
		return nil, ErrAmbiguousReference
	}

	now := time.Now().UTC()
	p := &Payment{
		ID:             id,
		UserID:         userID,
		ConsultationID: consultationID,
		SubscriptionID: subscriptionID,
		Amount:         amount,
		Status:         StatusPending,
		Description:    description,
		IdempotencyKey: idempotencyKey,
		RefundedAmount: money.Zero(amount.Currency()),
		Metadata:       metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if p.Metadata == nil {
		p.Metadata = make(map[string]string)
	}

	p.record(PaymentCreated{eventBase: p.base(now), Description: description})
	return p, nil
}

// RehydrateParams carries stored fields back into an aggregate.
type RehydrateParams struct {
	ID               string
	UserID           string
	ConsultationID   string
	SubscriptionID   string
	Amount           money.Money
	Status           Status
	Method           Method
	Description      string
	GatewayPaymentID string
	ConfirmationURL  string
	IdempotencyKey   string
	RefundedAmount   money.Money
	FailureReason    string
	ConflictCount    int
	Metadata         map[string]string
	Version          int
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
	CanceledAt       *time.Time
	RefundedAt       *time.Time
}

// Rehydrate reconstructs a payment from storage without re-running the
// business creation rules. No events are recorded.
func Rehydrate(p RehydrateParams) (*Payment, error) {
	if !p.Status.Valid() {
		return nil, fmt.Errorf("rehydrate payment %s: unknown status %q", p.ID, p.Status)
	}
	payment := &Payment{
		ID:               p.ID,
		UserID:           p.UserID,
		ConsultationID:   p.ConsultationID,
		SubscriptionID:   p.SubscriptionID,
		Amount:           p.Amount,
		Status:           p.Status,
		Method:           p.Method,
		Description:      p.Description,
		GatewayPaymentID: p.GatewayPaymentID,
		ConfirmationURL:  p.ConfirmationURL,
		IdempotencyKey:   p.IdempotencyKey,
		RefundedAmount:   p.RefundedAmount,
		FailureReason:    p.FailureReason,
		ConflictCount:    p.ConflictCount,
		Metadata:         p.Metadata,
		Version:          p.Version,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
		CompletedAt:      p.CompletedAt,
		CanceledAt:       p.CanceledAt,
		RefundedAt:       p.RefundedAt,
	}
	if payment.Metadata == nil {
		payment.Metadata = make(map[string]string)
	}
	return payment, nil
}

// SetGatewayDetails records the gateway-side payment id and confirmation
// URL. Only legal while PENDING.
func (p *Payment) SetGatewayDetails(gatewayPaymentID, confirmationURL string) error {
	if p.Status != StatusPending {
		return fmt.Errorf("%w: set gateway details in %s", ErrNotPending, p.Status)
	}
	p.GatewayPaymentID = gatewayPaymentID
	p.ConfirmationURL = confirmationURL
	p.touch()
	return nil
}

// MarkWaitingForCapture moves PENDING -> WAITING_FOR_CAPTURE
func (p *Payment) MarkWaitingForCapture() error {
	if !p.Status.CanTransitionTo(StatusWaitingForCapture) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, StatusWaitingForCapture)
	}
	p.Status = StatusWaitingForCapture
	p.touch()
	return nil
}

// Complete moves the payment to SUCCEEDED, recording the settlement method
// and completion time. A second completion attempt is rejected; absorbing
// duplicate gateway notifications is the reconciler's job.
func (p *Payment) Complete(method Method) error {
	if !method.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}
	if !p.Status.CanTransitionTo(StatusSucceeded) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, StatusSucceeded)
	}
	now := time.Now().UTC()
	p.Status = StatusSucceeded
	p.Method = method
	p.CompletedAt = &now
	p.UpdatedAt = now

	p.record(PaymentCompleted{eventBase: p.base(now), Method: method})
	return nil
}

// Fail moves the payment to FAILED with an optional reason
func (p *Payment) Fail(reason string) error {
	if !p.Status.CanTransitionTo(StatusFailed) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, StatusFailed)
	}
	now := time.Now().UTC()
	p.Status = StatusFailed
	p.FailureReason = reason
	p.UpdatedAt = now

	p.record(PaymentFailed{eventBase: p.base(now), Reason: reason})
	return nil
}

// Cancel moves the payment to CANCELED. Legal from PENDING or
// WAITING_FOR_CAPTURE only.
func (p *Payment) Cancel() error {
	if !p.Status.CanTransitionTo(StatusCanceled) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, StatusCanceled)
	}
	now := time.Now().UTC()
	p.Status = StatusCanceled
	p.CanceledAt = &now
	p.UpdatedAt = now

	p.record(PaymentCanceled{eventBase: p.base(now)})
	return nil
}

// Refund applies a refund to a SUCCEEDED payment. Cumulative refunds are
// monotonic and may never exceed the payment amount; when they equal it
// exactly the payment becomes REFUNDED. A PaymentRefunded event is
// recorded for partial and final refunds alike.
func (p *Payment) Refund(refundID string, amount money.Money, reason string) error {
	if p.Status != StatusSucceeded {
		return fmt.Errorf("%w: refund in %s", ErrNotSucceeded, p.Status)
	}
	if !amount.IsPositive() {
		return ErrRefundNotPositive
	}

	total, err := p.RefundedAmount.Add(amount)
	if err != nil {
		return err
	}
	exceeds, err := total.GreaterThan(p.Amount)
	if err != nil {
		return err
	}
	if exceeds {
		return fmt.Errorf("%w: %s + %s > %s", ErrRefundExceedsAmount, p.RefundedAmount, amount, p.Amount)
	}

	now := time.Now().UTC()
	p.RefundedAmount = total
	p.UpdatedAt = now

	fully, err := total.Equal(p.Amount)
	if err != nil {
		return err
	}
	if fully {
		p.Status = StatusRefunded
		p.RefundedAt = &now
	}

	p.record(PaymentRefunded{
		eventBase:     p.base(now),
		RefundID:      refundID,
		RefundAmount:  amount,
		TotalRefunded: total,
		FullyRefunded: fully,
		Reason:        reason,
	})
	return nil
}

// RecordConflict counts a reconciliation conflict for manual review
func (p *Payment) RecordConflict() {
	p.ConflictCount++
	p.touch()
}

// PlatformCommission is the platform's share of the payment, rounded
// half-up at minor-unit precision.
func (p *Payment) PlatformCommission() money.Money {
	c, err := p.Amount.Percent(CommissionRate)
	if err != nil {
		// CommissionRate is a compile-time constant inside [0,1]
		panic(err)
	}
	return c
}

// LawyerPayout is the lawyer's share: amount minus commission, so payout
// plus commission always reconstructs the amount exactly.
func (p *Payment) LawyerPayout() money.Money {
	payout, err := p.Amount.Sub(p.PlatformCommission())
	if err != nil {
		panic(err)
	}
	return payout
}

// IsExpired reports whether the payment is PENDING and older than the
// pending timeout. Used by the expiry sweep, never by the reconciler.
func (p *Payment) IsExpired(now time.Time) bool {
	return p.Status == StatusPending && now.Sub(p.CreatedAt) > PendingTimeout
}

// RemainingRefundable is the amount still available for refund
func (p *Payment) RemainingRefundable() money.Money {
	rest, err := p.Amount.Sub(p.RefundedAmount)
	if err != nil {
		return money.Zero(p.Amount.Currency())
	}
	return rest
}

// Events returns the events recorded since the last ClearEvents
func (p *Payment) Events() []Event {
	return p.events
}

// ClearEvents drops recorded events. Called by the publishing layer after
// the events have been delivered.
func (p *Payment) ClearEvents() {
	p.events = nil
}

func (p *Payment) record(e Event) {
	p.events = append(p.events, e)
}

func (p *Payment) base(at time.Time) eventBase {
	return eventBase{
		PaymentID:      p.ID,
		UserID:         p.UserID,
		ConsultationID: p.ConsultationID,
		SubscriptionID: p.SubscriptionID,
		Amount:         p.Amount,
		At:             at,
	}
}

func (p *Payment) touch() {
	p.UpdatedAt = time.Now().UTC()
}

// Refund is an audit-trail row for a single refund against a payment.
type Refund struct {
	ID              string      `json:"id"`
	PaymentID       string      `json:"payment_id"`
	IdempotencyKey  string      `json:"idempotency_key"`
	GatewayRefundID string      `json:"gateway_refund_id,omitempty"`
	Amount          money.Money `json:"amount"`
	Reason          string      `json:"reason,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}
