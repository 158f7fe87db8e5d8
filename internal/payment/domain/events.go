package domain

import (
	"time"

	"legalmarket/internal/common/money"
)

// Event types emitted by the payment aggregate
const (
	EventPaymentCreated   = "payment.created"
	EventPaymentCompleted = "payment.completed"
	EventPaymentFailed    = "payment.failed"
	EventPaymentCanceled  = "payment.canceled"
	EventPaymentRefunded  = "payment.refunded"
)

// Event is a domain event recorded by the aggregate and drained by the
// caller after persistence.
type Event interface {
	EventType() string
	OccurredAt() time.Time
}

type eventBase struct {
	PaymentID      string      `json:"payment_id"`
	UserID         string      `json:"user_id"`
	ConsultationID string      `json:"consultation_id,omitempty"`
	SubscriptionID string      `json:"subscription_id,omitempty"`
	Amount         money.Money `json:"amount"`
	At             time.Time   `json:"occurred_at"`
}

func (e eventBase) OccurredAt() time.Time { return e.At }

// PaymentCreated is emitted when a payment enters the system
type PaymentCreated struct {
	eventBase
	Description string `json:"description,omitempty"`
}

// EventType implements Event
func (PaymentCreated) EventType() string { return EventPaymentCreated }

// PaymentCompleted is emitted when a payment reaches SUCCEEDED
type PaymentCompleted struct {
	eventBase
	Method Method `json:"method"`
}

// EventType implements Event
func (PaymentCompleted) EventType() string { return EventPaymentCompleted }

// PaymentFailed is emitted when a payment reaches FAILED
type PaymentFailed struct {
	eventBase
	Reason string `json:"reason,omitempty"`
}

// EventType implements Event
func (PaymentFailed) EventType() string { return EventPaymentFailed }

// PaymentCanceled is emitted when a payment reaches CANCELED
type PaymentCanceled struct {
	eventBase
}

// EventType implements Event
func (PaymentCanceled) EventType() string { return EventPaymentCanceled }

// PaymentRefunded is emitted for every refund, partial or final
type PaymentRefunded struct {
	eventBase
	RefundID      string      `json:"refund_id"`
	RefundAmount  money.Money `json:"refund_amount"`
	TotalRefunded money.Money `json:"total_refunded"`
	FullyRefunded bool        `json:"fully_refunded"`
	Reason        string      `json:"reason,omitempty"`
}

// EventType implements Event
func (PaymentRefunded) EventType() string { return EventPaymentRefunded }
