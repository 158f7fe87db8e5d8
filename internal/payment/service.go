// Package payment implements the payment command handlers: create,
// capture, cancel and refund.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"legalmarket/internal/common/database"
	"legalmarket/internal/common/events"
	"legalmarket/internal/common/middleware"
	"legalmarket/internal/common/money"
	"legalmarket/internal/gateway"
	"legalmarket/internal/payment/domain"
)

// ErrNotFound indicates the payment does not exist.
var ErrNotFound = errors.New("payment not found")

// ErrRefundInProgress indicates another refund with a different key is
// racing this one; the client should retry.
var ErrRefundInProgress = errors.New("refund in progress, retry")

// Store is the persistence surface the service needs.
type Store interface {
	Create(ctx context.Context, p *domain.Payment) error
	Get(ctx context.Context, id string) (*domain.Payment, error)
	GetByIdempotencyKey(ctx context.Context, userID, key string) (*domain.Payment, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*domain.Payment, error)
	Save(ctx context.Context, p *domain.Payment) error
	SaveWithRefund(ctx context.Context, p *domain.Payment, r *domain.Refund) error
	GetRefundByKey(ctx context.Context, paymentID, key string) (*domain.Refund, error)
	ListRefunds(ctx context.Context, paymentID string) ([]*domain.Refund, error)
}

// JobEnqueuer schedules asynchronous follow-up work for a payment.
type JobEnqueuer interface {
	EnqueueVerify(ctx context.Context, paymentID string, delay time.Duration) error
	EnqueuePayout(ctx context.Context, paymentID string) error
}

// Service executes payment commands against the gateway and the store.
type Service struct {
	store     Store
	gateway   gateway.Client
	publisher events.Publisher
	jobs      JobEnqueuer
	logger    *slog.Logger
}

// NewService creates a payment service. jobs may be nil in tests.
func NewService(store Store, gw gateway.Client, publisher events.Publisher, jobs JobEnqueuer, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		gateway:   gw,
		publisher: publisher,
		jobs:      jobs,
		logger:    logger,
	}
}

// verifyDelay is how long after creation the gateway status check runs
// when no webhook has arrived.
const verifyDelay = 5 * time.Minute

// maxRefundAttempts bounds reload-and-reapply retries when the refund
// write races another writer.
const maxRefundAttempts = 3

// CreateCommand is the request to create a payment.
type CreateCommand struct {
	UserID         string
	Amount         money.Money
	Description    string
	ConsultationID string
	SubscriptionID string
	ReturnURL      string
	IdempotencyKey string
	Metadata       map[string]string
}

// Create registers a payment with the gateway and persists it. When the
// gateway declines, the payment is persisted as FAILED so the attempt is
// auditable. A transient gateway failure also persists the payment: the
// gateway may have accepted the create before the failure, so the
// attempt must never be silently lost. Repeat calls with the same
// idempotency key return the original payment.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*domain.Payment, error) {
	if cmd.IdempotencyKey != "" {
		existing, err := s.store.GetByIdempotencyKey(ctx, cmd.UserID, cmd.IdempotencyKey)
		if err == nil {
			if existing.Status == domain.StatusPending && existing.GatewayPaymentID == "" {
				// The first attempt lost the gateway response. Reusing the
				// payment id as the gateway idempotence key means this call
				// returns the original gateway payment instead of minting a
				// second charge.
				return s.repairGatewayCreate(ctx, existing, cmd.ReturnURL)
			}
			s.logger.Info("payment create replayed",
				"payment_id", existing.ID,
				"idempotency_key", cmd.IdempotencyKey,
			)
			return existing, nil
		}
		if !database.IsNotFound(err) {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	p, err := domain.NewPayment(
		ulid.Make().String(),
		cmd.UserID, cmd.Amount, cmd.Description,
		cmd.ConsultationID, cmd.SubscriptionID,
		cmd.IdempotencyKey, cmd.Metadata,
	)
	if err != nil {
		return nil, err
	}

	gwPayment, gwErr := s.gateway.CreatePayment(ctx, &gateway.CreatePaymentRequest{
		AmountMinor:    cmd.Amount.MinorUnits(),
		Currency:       string(cmd.Amount.Currency()),
		Description:    cmd.Description,
		ReturnURL:      cmd.ReturnURL,
		IdempotencyKey: p.ID,
		Capture:        false,
		Metadata:       map[string]string{"payment_id": p.ID},
	})
	switch {
	case gwErr == nil:
		if err := p.SetGatewayDetails(gwPayment.ID, gwPayment.ConfirmationURL); err != nil {
			return nil, err
		}

	case errors.Is(gwErr, gateway.ErrDeclined):
		if err := p.Fail(gwErr.Error()); err != nil {
			return nil, err
		}

	default:
		// A timeout does not mean failure: the gateway may hold an
		// authorized payment it never told us about. Persist PENDING and
		// let the replay above, the verify job or the expiry sweep
		// converge it.
		s.logger.Warn("gateway create failed, persisting pending payment",
			"payment_id", p.ID,
			"error", gwErr,
		)
	}

	if err := s.store.Create(ctx, p); err != nil {
		if database.IsUniqueViolation(err) || errors.Is(err, database.ErrConflict) {
			// Concurrent create with the same key won the race.
			if cmd.IdempotencyKey != "" {
				if existing, lookupErr := s.store.GetByIdempotencyKey(ctx, cmd.UserID, cmd.IdempotencyKey); lookupErr == nil {
					return existing, nil
				}
			}
		}
		return nil, fmt.Errorf("persist payment: %w", err)
	}

	s.publishEvents(ctx, p)

	if s.jobs != nil && p.Status == domain.StatusPending {
		if err := s.jobs.EnqueueVerify(ctx, p.ID, verifyDelay); err != nil {
			s.logger.Error("enqueue verify job", "payment_id", p.ID, "error", err)
		}
	}

	s.logger.Info("payment created",
		"payment_id", p.ID,
		"user_id", p.UserID,
		"amount", p.Amount.String(),
		"status", p.Status,
	)

	if gwErr != nil {
		return p, fmt.Errorf("gateway create: %w", gwErr)
	}
	return p, nil
}

// repairGatewayCreate retries the gateway registration for a pending
// payment whose first attempt lost the gateway response. The gateway
// dedupes on the payment id, so a charge it already accepted is returned
// rather than created again.
func (s *Service) repairGatewayCreate(ctx context.Context, p *domain.Payment, returnURL string) (*domain.Payment, error) {
	gwPayment, gwErr := s.gateway.CreatePayment(ctx, &gateway.CreatePaymentRequest{
		AmountMinor:    p.Amount.MinorUnits(),
		Currency:       string(p.Amount.Currency()),
		Description:    p.Description,
		ReturnURL:      returnURL,
		IdempotencyKey: p.ID,
		Capture:        false,
		Metadata:       map[string]string{"payment_id": p.ID},
	})
	switch {
	case gwErr == nil:
		if err := p.SetGatewayDetails(gwPayment.ID, gwPayment.ConfirmationURL); err != nil {
			return nil, err
		}

	case errors.Is(gwErr, gateway.ErrDeclined):
		if err := p.Fail(gwErr.Error()); err != nil {
			return nil, err
		}

	default:
		return p, fmt.Errorf("gateway create: %w", gwErr)
	}

	if err := s.store.Save(ctx, p); err != nil {
		if errors.Is(err, database.ErrConflict) {
			// A webhook got there first; the stored state is fresher.
			return s.get(ctx, p.ID)
		}
		return nil, fmt.Errorf("save payment: %w", err)
	}

	s.publishEvents(ctx, p)

	s.logger.Info("gateway registration repaired",
		"payment_id", p.ID,
		"status", p.Status,
	)
	if gwErr != nil {
		return p, fmt.Errorf("gateway create: %w", gwErr)
	}
	return p, nil
}

// Capture captures a payment awaiting capture and completes it.
// Capturing an already-succeeded payment is a no-op success, so a
// retried capture cannot fail spuriously.
func (s *Service) Capture(ctx context.Context, paymentID string) (*domain.Payment, error) {
	p, err := s.get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status.IsSucceeded() {
		return p, nil
	}
	if p.Status != domain.StatusWaitingForCapture {
		return nil, fmt.Errorf("%w: capture in %s", domain.ErrInvalidTransition, p.Status)
	}

	gwPayment, err := s.gateway.CapturePayment(ctx, p.GatewayPaymentID, p.Amount.MinorUnits(), string(p.Amount.Currency()))
	if err != nil {
		return nil, fmt.Errorf("gateway capture: %w", err)
	}

	method := domain.Method(gwPayment.PaymentMethod)
	if !method.Valid() {
		method = domain.MethodBankCard
	}
	if err := p.Complete(method); err != nil {
		return nil, err
	}
	if err := s.store.Save(ctx, p); err != nil {
		return nil, fmt.Errorf("save payment: %w", err)
	}

	s.publishEvents(ctx, p)

	if s.jobs != nil {
		if err := s.jobs.EnqueuePayout(ctx, p.ID); err != nil {
			s.logger.Error("enqueue payout job", "payment_id", p.ID, "error", err)
		}
	}

	s.logger.Info("payment captured", "payment_id", p.ID, "method", method)
	return p, nil
}

// Cancel cancels a payment that has not been captured.
func (s *Service) Cancel(ctx context.Context, paymentID string) (*domain.Payment, error) {
	p, err := s.get(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	if err := p.Cancel(); err != nil {
		return nil, err
	}

	if p.GatewayPaymentID != "" {
		if _, err := s.gateway.CancelPayment(ctx, p.GatewayPaymentID); err != nil && !errors.Is(err, gateway.ErrNotFound) {
			return nil, fmt.Errorf("gateway cancel: %w", err)
		}
	}

	if err := s.store.Save(ctx, p); err != nil {
		return nil, fmt.Errorf("save payment: %w", err)
	}

	s.logger.Info("payment canceled", "payment_id", p.ID)
	return p, nil
}

// RefundCommand is the request to refund a succeeded payment.
type RefundCommand struct {
	PaymentID      string
	Amount         money.Money
	Reason         string
	IdempotencyKey string
}

// Refund refunds part or all of a succeeded payment. The idempotency key
// is required: replaying a key returns the original refund without
// touching the gateway again.
func (s *Service) Refund(ctx context.Context, cmd RefundCommand) (*domain.Refund, error) {
	if cmd.IdempotencyKey == "" {
		return nil, fmt.Errorf("idempotency key is required")
	}

	existing, err := s.store.GetRefundByKey(ctx, cmd.PaymentID, cmd.IdempotencyKey)
	if err == nil {
		s.logger.Info("refund replayed",
			"refund_id", existing.ID,
			"idempotency_key", cmd.IdempotencyKey,
		)
		return existing, nil
	}
	if !database.IsNotFound(err) {
		return nil, fmt.Errorf("refund lookup: %w", err)
	}

	p, err := s.get(ctx, cmd.PaymentID)
	if err != nil {
		return nil, err
	}

	refundID := ulid.Make().String()

	// Apply to the aggregate first so domain rules reject the refund
	// before any gateway money moves.
	if err := p.Refund(refundID, cmd.Amount, cmd.Reason); err != nil {
		return nil, err
	}

	// The client key is also the gateway idempotence key, so the gateway
	// dedupes this refund even if we crash before persisting it.
	gwRefund, err := s.gateway.CreateRefund(ctx, &gateway.CreateRefundRequest{
		PaymentID:      p.GatewayPaymentID,
		AmountMinor:    cmd.Amount.MinorUnits(),
		Currency:       string(cmd.Amount.Currency()),
		Reason:         cmd.Reason,
		IdempotencyKey: cmd.IdempotencyKey,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway refund: %w", err)
	}

	refund := &domain.Refund{
		ID:              refundID,
		PaymentID:       p.ID,
		IdempotencyKey:  cmd.IdempotencyKey,
		GatewayRefundID: gwRefund.ID,
		Amount:          cmd.Amount,
		Reason:          cmd.Reason,
		CreatedAt:       time.Now().UTC(),
	}

	// The money already moved at the gateway, so the refund row and the
	// aggregate go down in one transaction. On a version race the
	// aggregate is reloaded and the refund reapplied before retrying.
	var replayed *domain.Refund
	err = database.RetryOnConflict(ctx, maxRefundAttempts, func() error {
		saveErr := s.store.SaveWithRefund(ctx, p, refund)
		if saveErr == nil || !errors.Is(saveErr, database.ErrConflict) {
			return saveErr
		}

		if existing, lookupErr := s.store.GetRefundByKey(ctx, cmd.PaymentID, cmd.IdempotencyKey); lookupErr == nil {
			replayed = existing
			return nil
		} else if !database.IsNotFound(lookupErr) {
			return lookupErr
		}

		fresh, getErr := s.get(ctx, cmd.PaymentID)
		if getErr != nil {
			return getErr
		}
		if applyErr := fresh.Refund(refundID, cmd.Amount, cmd.Reason); applyErr != nil {
			return applyErr
		}
		p = fresh
		return saveErr
	})
	if err != nil {
		if errors.Is(err, database.ErrConflict) {
			return nil, fmt.Errorf("%w: %v", ErrRefundInProgress, err)
		}
		return nil, err
	}
	if replayed != nil {
		s.logger.Info("refund replayed",
			"refund_id", replayed.ID,
			"idempotency_key", cmd.IdempotencyKey,
		)
		return replayed, nil
	}

	s.publishEvents(ctx, p)

	s.logger.Info("payment refunded",
		"payment_id", p.ID,
		"refund_id", refundID,
		"amount", cmd.Amount.String(),
		"total_refunded", p.RefundedAmount.String(),
		"status", p.Status,
	)
	return refund, nil
}

// Get retrieves a payment by id.
func (s *Service) Get(ctx context.Context, paymentID string) (*domain.Payment, error) {
	return s.get(ctx, paymentID)
}

// ListByUser returns a page of a user's payments.
func (s *Service) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*domain.Payment, error) {
	return s.store.ListByUser(ctx, userID, limit, offset)
}

// ListRefunds returns the refund history for a payment.
func (s *Service) ListRefunds(ctx context.Context, paymentID string) ([]*domain.Refund, error) {
	if _, err := s.get(ctx, paymentID); err != nil {
		return nil, err
	}
	return s.store.ListRefunds(ctx, paymentID)
}

func (s *Service) get(ctx context.Context, paymentID string) (*domain.Payment, error) {
	p, err := s.store.Get(ctx, paymentID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

// publishEvents drains the aggregate's recorded events after a successful
// save. Publish failures are logged, never surfaced: the state change is
// already durable.
func (s *Service) publishEvents(ctx context.Context, p *domain.Payment) {
	if s.publisher == nil {
		return
	}

	correlationID := middleware.GetCorrelationID(ctx)
	for _, e := range p.Events() {
		env, err := events.NewEnvelope(e.EventType(), p.ID, correlationID, e)
		if err != nil {
			s.logger.Error("build event envelope", "event_type", e.EventType(), "error", err)
			continue
		}
		if err := s.publisher.Publish(ctx, env); err != nil {
			s.logger.Error("publish event",
				"event_type", e.EventType(),
				"payment_id", p.ID,
				"error", err,
			)
		}
	}
	p.ClearEvents()
}
