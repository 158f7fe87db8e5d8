package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"legalmarket/internal/common/database"
	"legalmarket/internal/common/events"
	"legalmarket/internal/common/money"
	"legalmarket/internal/gateway"
	"legalmarket/internal/payment/domain"
	"legalmarket/internal/payment/reconciler"
)

// Config holds runner configuration.
type Config struct {
	Workers       int           `envconfig:"JOBS_WORKERS" default:"3"`
	PollInterval  time.Duration `envconfig:"JOBS_POLL_INTERVAL" default:"5s"`
	JobTimeout    time.Duration `envconfig:"JOBS_TIMEOUT" default:"30s"`
	SweepInterval time.Duration `envconfig:"JOBS_SWEEP_INTERVAL" default:"1m"`
}

// PaymentStore is the payment persistence surface the runner needs.
type PaymentStore interface {
	Get(ctx context.Context, id string) (*domain.Payment, error)
	ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Payment, error)
	Save(ctx context.Context, p *domain.Payment) error
}

// errStillPending reschedules a verify_status job whose payment has not
// moved at the gateway yet.
var errStillPending = errors.New("payment still pending at gateway")

// Runner drives the job workers and the expiry sweep.
type Runner struct {
	config     Config
	store      *Store
	payments   PaymentStore
	gateway    gateway.Client
	reconciler *reconciler.Reconciler
	publisher  events.Publisher
	logger     *slog.Logger
}

// NewRunner creates a job runner.
func NewRunner(cfg Config, store *Store, payments PaymentStore, gw gateway.Client, rec *reconciler.Reconciler, publisher events.Publisher, logger *slog.Logger) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	return &Runner{
		config:     cfg,
		store:      store,
		payments:   payments,
		gateway:    gw,
		reconciler: rec,
		publisher:  publisher,
		logger:     logger,
	}
}

// Run starts the worker pool and the expiry sweep and blocks until ctx
// is canceled.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for i := 0; i < r.config.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r.workerLoop(ctx, worker)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.sweepLoop(ctx)
	}()

	r.logger.Info("job runner started", "workers", r.config.Workers)
	wg.Wait()
	r.logger.Info("job runner stopped")
}

func (r *Runner) workerLoop(ctx context.Context, worker int) {
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		// Drain runnable jobs, then wait for the next tick.
		for {
			job, err := r.store.Claim(ctx)
			if err != nil {
				if !database.IsNotFound(err) && ctx.Err() == nil {
					r.logger.Error("claim job", "worker", worker, "error", err)
				}
				break
			}
			r.runJob(ctx, job)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) runJob(ctx context.Context, job *Job) {
	jobCtx, cancel := context.WithTimeout(ctx, r.config.JobTimeout)
	defer cancel()

	var err error
	switch job.Kind {
	case KindVerifyStatus:
		err = r.verifyStatus(jobCtx, job)
	case KindPayoutTrigger:
		err = r.payoutTrigger(jobCtx, job)
	default:
		err = fmt.Errorf("unknown job kind %q", job.Kind)
	}

	if err != nil {
		r.logger.Warn("job attempt failed",
			"job_id", job.ID,
			"kind", job.Kind,
			"payment_id", job.PaymentID,
			"attempt", job.Attempts,
			"error", err,
		)
		if markErr := r.store.MarkFailed(ctx, job, err); markErr != nil {
			r.logger.Error("mark job failed", "job_id", job.ID, "error", markErr)
		}
		return
	}

	if err := r.store.MarkDone(ctx, job.ID); err != nil {
		r.logger.Error("mark job done", "job_id", job.ID, "error", err)
	}
}

// verifyStatus polls the gateway for a payment that stopped getting
// webhooks and converges local state through the reconciler's rules.
func (r *Runner) verifyStatus(ctx context.Context, job *Job) error {
	p, err := r.payments.Get(ctx, job.PaymentID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("load payment: %w", err)
	}

	if p.Status.IsTerminal() || p.GatewayPaymentID == "" {
		return nil
	}

	gwPayment, err := r.gateway.GetPayment(ctx, p.GatewayPaymentID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("gateway status: %w", err)
	}

	var eventType string
	switch gwPayment.Status {
	case gateway.StatusWaitingForCapture:
		eventType = reconciler.EventPaymentWaitingForCapture
	case gateway.StatusSucceeded:
		eventType = reconciler.EventPaymentSucceeded
	case gateway.StatusCanceled:
		eventType = reconciler.EventPaymentCanceled
	case gateway.StatusPending:
		return errStillPending
	default:
		return fmt.Errorf("unexpected gateway status %q", gwPayment.Status)
	}

	if p.Status == domain.StatusWaitingForCapture && eventType == reconciler.EventPaymentWaitingForCapture {
		return errStillPending
	}

	_, err = r.reconciler.Process(ctx, &reconciler.GatewayEvent{
		Type:             eventType,
		GatewayPaymentID: p.GatewayPaymentID,
		Method:           gwPayment.PaymentMethod,
		CancelReason:     gwPayment.CancelReason,
		OccurredAt:       time.Now().UTC(),
	})
	return err
}

// payoutSplit is the payload of the payout notification published when a
// payment completes: the lawyer's share plus the platform commission
// always reconstructs the payment amount exactly.
type payoutSplit struct {
	PaymentID      string      `json:"payment_id"`
	UserID         string      `json:"user_id"`
	ConsultationID string      `json:"consultation_id,omitempty"`
	SubscriptionID string      `json:"subscription_id,omitempty"`
	Amount         money.Money `json:"amount"`
	LawyerPayout   money.Money `json:"lawyer_payout"`
	Commission     money.Money `json:"platform_commission"`
}

// payoutTrigger publishes the payout notification for a succeeded
// payment. The payout transfer itself is the billing collaborator's job.
func (r *Runner) payoutTrigger(ctx context.Context, job *Job) error {
	p, err := r.payments.Get(ctx, job.PaymentID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("load payment: %w", err)
	}

	if !p.Status.IsSucceeded() {
		// Payment moved on (refund, manual intervention): nothing to pay out.
		return nil
	}

	env, err := events.NewEnvelope("payout.requested", p.ID, "", payoutSplit{
		PaymentID:      p.ID,
		UserID:         p.UserID,
		ConsultationID: p.ConsultationID,
		SubscriptionID: p.SubscriptionID,
		Amount:         p.Amount,
		LawyerPayout:   p.LawyerPayout(),
		Commission:     p.PlatformCommission(),
	})
	if err != nil {
		return fmt.Errorf("build payout event: %w", err)
	}
	if err := r.publisher.Publish(ctx, env); err != nil {
		return fmt.Errorf("publish payout event: %w", err)
	}

	r.logger.Info("payout requested",
		"payment_id", p.ID,
		"lawyer_payout", p.LawyerPayout().String(),
		"commission", p.PlatformCommission().String(),
	)
	return nil
}

func (r *Runner) publishEvents(ctx context.Context, p *domain.Payment) {
	if r.publisher == nil {
		return
	}

	for _, e := range p.Events() {
		env, err := events.NewEnvelope(e.EventType(), p.ID, "", e)
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

const sweepBatchSize = 100

func (r *Runner) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.sweepExpired(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("expiry sweep", "error", err)
			}
		}
	}
}

// sweepExpired cancels payments that sat in PENDING past the timeout.
// A save conflict means a webhook moved the payment while we swept; the
// webhook wins and the payment is skipped.
func (r *Runner) sweepExpired(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-domain.PendingTimeout)
	payments, err := r.payments.ListPendingOlderThan(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return fmt.Errorf("list expired: %w", err)
	}

	for _, p := range payments {
		if err := p.Cancel(); err != nil {
			continue
		}

		if err := r.payments.Save(ctx, p); err != nil {
			if errors.Is(err, database.ErrConflict) {
				r.logger.Info("expiry sweep lost race", "payment_id", p.ID)
				continue
			}
			return fmt.Errorf("save expired payment %s: %w", p.ID, err)
		}

		r.publishEvents(ctx, p)

		if p.GatewayPaymentID != "" {
			if _, err := r.gateway.CancelPayment(ctx, p.GatewayPaymentID); err != nil && !errors.Is(err, gateway.ErrNotFound) {
				r.logger.Warn("gateway cancel after expiry", "payment_id", p.ID, "error", err)
			}
		}

		r.logger.Info("expired payment canceled", "payment_id", p.ID)
	}
	return nil
}
