// Package reconciler applies gateway webhook notifications to payment
// aggregates. Notifications arrive at-least-once and out of order; the
// reconciler absorbs both without double-applying a state change.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"legalmarket/internal/common/database"
	"legalmarket/internal/common/events"
	"legalmarket/internal/common/middleware"
	"legalmarket/internal/common/money"
	"legalmarket/internal/payment/domain"
)

// Gateway event types delivered over the webhook.
const (
	EventPaymentWaitingForCapture = "payment.waiting_for_capture"
	EventPaymentSucceeded         = "payment.succeeded"
	EventPaymentCanceled          = "payment.canceled"
	EventRefundSucceeded          = "refund.succeeded"
)

// Outcome classifies how a notification was handled. All outcomes are
// acknowledged to the gateway; only infrastructure errors are not.
type Outcome string

const (
	// OutcomeApplied means the notification changed payment state.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the notification was already applied, by
	// event id or by the payment already holding the reported state.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeUnmatched means no payment matches the gateway payment id.
	OutcomeUnmatched Outcome = "unmatched"
	// OutcomeConflict means the reported transition is illegal for the
	// payment's current state; it is counted for manual review.
	OutcomeConflict Outcome = "conflict"
)

// GatewayEvent is a parsed webhook notification. For refund events the
// gateway refund id carries the dedup identity and AmountMinor the
// refunded amount.
type GatewayEvent struct {
	EventID          string
	Type             string
	GatewayPaymentID string
	GatewayRefundID  string
	AmountMinor      int64
	Currency         string
	Method           string
	CancelReason     string
	OccurredAt       time.Time
}

// Store is the persistence surface the reconciler needs.
type Store interface {
	GetByGatewayID(ctx context.Context, gatewayPaymentID string) (*domain.Payment, error)
	Save(ctx context.Context, p *domain.Payment) error
	SaveWithRefund(ctx context.Context, p *domain.Payment, r *domain.Refund) error
	GetRefundByGatewayID(ctx context.Context, gatewayRefundID string) (*domain.Refund, error)
	WasEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType, gatewayPaymentID string) error
}

// JobEnqueuer schedules the payout notification after a completion.
type JobEnqueuer interface {
	EnqueuePayout(ctx context.Context, paymentID string) error
}

// Reconciler applies gateway notifications to payments.
type Reconciler struct {
	store     Store
	publisher events.Publisher
	jobs      JobEnqueuer
	logger    *slog.Logger
}

// New creates a reconciler. jobs may be nil in tests.
func New(store Store, publisher events.Publisher, jobs JobEnqueuer, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:     store,
		publisher: publisher,
		jobs:      jobs,
		logger:    logger,
	}
}

const maxSaveAttempts = 3

// Process applies one gateway notification. A non-nil error means
// infrastructure failed and the gateway should redeliver; every Outcome
// is a successful acknowledgment.
func (r *Reconciler) Process(ctx context.Context, event *GatewayEvent) (Outcome, error) {
	if event.EventID != "" {
		seen, err := r.store.WasEventProcessed(ctx, event.EventID)
		if err != nil {
			return "", fmt.Errorf("event dedup check: %w", err)
		}
		if seen {
			r.logger.Info("webhook event replayed", "event_id", event.EventID)
			return OutcomeDuplicate, nil
		}
	}

	var outcome Outcome
	err := database.RetryOnConflict(ctx, maxSaveAttempts, func() error {
		var err error
		outcome, err = r.apply(ctx, event)
		return err
	})
	if err != nil {
		return "", err
	}

	if event.EventID != "" {
		if err := r.store.MarkEventProcessed(ctx, event.EventID, event.Type, event.GatewayPaymentID); err != nil {
			return "", err
		}
	}

	r.logger.Info("webhook event processed",
		"event_id", event.EventID,
		"event_type", event.Type,
		"gateway_payment_id", event.GatewayPaymentID,
		"outcome", outcome,
	)
	return outcome, nil
}

func (r *Reconciler) apply(ctx context.Context, event *GatewayEvent) (Outcome, error) {
	p, err := r.store.GetByGatewayID(ctx, event.GatewayPaymentID)
	if err != nil {
		if database.IsNotFound(err) {
			r.logger.Warn("webhook for unknown payment",
				"gateway_payment_id", event.GatewayPaymentID,
				"event_type", event.Type,
			)
			return OutcomeUnmatched, nil
		}
		return "", fmt.Errorf("load payment: %w", err)
	}

	if event.Type == EventRefundSucceeded {
		return r.applyRefund(ctx, p, event)
	}

	target, applyFn := r.transition(p, event)
	if target == "" {
		r.logger.Warn("webhook with unknown event type", "event_type", event.Type)
		return OutcomeUnmatched, nil
	}

	// A payment already in the reported state means this notification,
	// or an equivalent one, was applied before.
	if p.Status == target {
		return OutcomeDuplicate, nil
	}

	// A straggler capture notification behind an already-settled payment
	// is stale ordering, not a discrepancy.
	if target == domain.StatusWaitingForCapture &&
		(p.Status == domain.StatusSucceeded || p.Status == domain.StatusRefunded) {
		return OutcomeDuplicate, nil
	}

	if !p.Status.CanTransitionTo(target) {
		p.RecordConflict()
		if err := r.store.Save(ctx, p); err != nil {
			return "", fmt.Errorf("save conflict count: %w", err)
		}
		r.logger.Warn("webhook transition conflict",
			"payment_id", p.ID,
			"current_status", p.Status,
			"reported_status", target,
			"conflict_count", p.ConflictCount,
		)
		return OutcomeConflict, nil
	}

	if err := applyFn(); err != nil {
		return "", fmt.Errorf("apply %s: %w", event.Type, err)
	}
	if err := r.store.Save(ctx, p); err != nil {
		return "", fmt.Errorf("save payment: %w", err)
	}

	r.publishEvents(ctx, p)

	if r.jobs != nil && p.Status.IsSucceeded() {
		if err := r.jobs.EnqueuePayout(ctx, p.ID); err != nil {
			r.logger.Error("enqueue payout job", "payment_id", p.ID, "error", err)
		}
	}
	return OutcomeApplied, nil
}

// applyRefund applies a gateway-side refund. Refunds accumulate rather
// than transition, so they dedupe on the gateway refund id instead of
// the target-status check: each unseen refund id is applied once, and
// the refund row and the aggregate are written in one transaction.
func (r *Reconciler) applyRefund(ctx context.Context, p *domain.Payment, event *GatewayEvent) (Outcome, error) {
	if event.GatewayRefundID != "" {
		if _, err := r.store.GetRefundByGatewayID(ctx, event.GatewayRefundID); err == nil {
			return OutcomeDuplicate, nil
		} else if !database.IsNotFound(err) {
			return "", fmt.Errorf("refund dedup check: %w", err)
		}
	}

	currency := money.Currency(event.Currency)
	if currency == "" {
		currency = p.Amount.Currency()
	}
	amount, err := money.FromMinorUnits(event.AmountMinor, currency)
	if err != nil {
		return "", fmt.Errorf("refund amount: %w", err)
	}

	refundID := ulid.Make().String()
	if err := p.Refund(refundID, amount, "reported by gateway"); err != nil {
		p.RecordConflict()
		if saveErr := r.store.Save(ctx, p); saveErr != nil {
			return "", fmt.Errorf("save conflict count: %w", saveErr)
		}
		r.logger.Warn("gateway refund does not fit payment state",
			"payment_id", p.ID,
			"current_status", p.Status,
			"gateway_refund_id", event.GatewayRefundID,
			"error", err,
		)
		return OutcomeConflict, nil
	}

	key := event.GatewayRefundID
	if key == "" {
		key = refundID
	}
	refund := &domain.Refund{
		ID:              refundID,
		PaymentID:       p.ID,
		IdempotencyKey:  key,
		GatewayRefundID: event.GatewayRefundID,
		Amount:          amount,
		Reason:          "reported by gateway",
		CreatedAt:       time.Now().UTC(),
	}
	if err := r.store.SaveWithRefund(ctx, p, refund); err != nil {
		return "", fmt.Errorf("save refund: %w", err)
	}

	r.publishEvents(ctx, p)
	return OutcomeApplied, nil
}

// transition maps an event type to the target status and the aggregate
// mutation that reaches it.
func (r *Reconciler) transition(p *domain.Payment, event *GatewayEvent) (domain.Status, func() error) {
	switch event.Type {
	case EventPaymentWaitingForCapture:
		return domain.StatusWaitingForCapture, p.MarkWaitingForCapture

	case EventPaymentSucceeded:
		method := domain.Method(event.Method)
		if !method.Valid() {
			method = domain.MethodBankCard
		}
		return domain.StatusSucceeded, func() error { return p.Complete(method) }

	case EventPaymentCanceled:
		// The gateway distinguishes expiry from decline in the cancel
		// reason; both land in FAILED with the reason preserved, unless
		// the cancellation was requested by us.
		if event.CancelReason == "canceled_by_merchant" {
			return domain.StatusCanceled, p.Cancel
		}
		return domain.StatusFailed, func() error { return p.Fail(event.CancelReason) }

	default:
		return "", nil
	}
}

func (r *Reconciler) publishEvents(ctx context.Context, p *domain.Payment) {
	if r.publisher == nil {
		return
	}

	correlationID := middleware.GetCorrelationID(ctx)
	for _, e := range p.Events() {
		env, err := events.NewEnvelope(e.EventType(), p.ID, correlationID, e)
		if err != nil {
			r.logger.Error("build event envelope", "event_type", e.EventType(), "error", err)
			continue
		}
		if err := r.publisher.Publish(ctx, env); err != nil {
			r.logger.Error("publish event",
				"event_type", e.EventType(),
				"payment_id", p.ID,
				"error", err,
			)
		}
	}
	p.ClearEvents()
}
