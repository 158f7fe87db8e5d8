// Package events defines the envelope that carries domain events to
// collaborator subsystems over the broker.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// NATS subjects for payment events. Subjects are "payments." + event type.
const (
	SubjectPrefix = "payments."

	SubjectPaymentCreated   = "payments.payment.created"
	SubjectPaymentCompleted = "payments.payment.completed"
	SubjectPaymentFailed    = "payments.payment.failed"
	SubjectPaymentRefunded  = "payments.payment.refunded"
)

// Envelope wraps every published event with common metadata
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	AggregateID   string          `json:"aggregate_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Data          json.RawMessage `json:"data"`
}

// NewEnvelope creates an envelope around a payload
func NewEnvelope(eventType, aggregateID, correlationID string, data any) (*Envelope, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:            ulid.Make().String(),
		Type:          eventType,
		CorrelationID: correlationID,
		AggregateID:   aggregateID,
		OccurredAt:    time.Now().UTC(),
		Data:          payload,
	}, nil
}

// DecodeData decodes the payload into v
func (e *Envelope) DecodeData(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Subject returns the broker subject for the envelope's event type
func (e *Envelope) Subject() string {
	return SubjectPrefix + e.Type
}

// Publisher publishes envelopes to a message broker
type Publisher interface {
	Publish(ctx context.Context, env *Envelope) error
}
