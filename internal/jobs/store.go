// Package jobs runs the asynchronous payment work: status verification,
// pending-payment expiry and payout notification.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"

	"legalmarket/internal/common/database"
)

// Job kinds.
const (
	KindVerifyStatus  = "verify_status"
	KindPayoutTrigger = "payout_trigger"
)

// Job statuses.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// DefaultMaxAttempts bounds retries per job before it is parked as failed.
const DefaultMaxAttempts = 5

// RunningLease is how long a claimed job may stay running before other
// workers treat its owner as crashed and reclaim it. Must exceed the
// runner's job timeout.
const RunningLease = 5 * time.Minute

// staleRunningCutoff returns the updated_at bound below which a running
// job is reclaimable.
func staleRunningCutoff(now time.Time) time.Time {
	return now.Add(-RunningLease)
}

// Job is one unit of asynchronous work tied to a payment.
type Job struct {
	ID          string
	Kind        string
	PaymentID   string
	Payload     json.RawMessage
	Status      string
	Attempts    int
	MaxAttempts int
	RunAt       time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Store persists jobs in Postgres.
type Store struct {
	db *database.DB
}

// NewStore creates a job store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// Enqueue schedules a job. delay defers the first run.
func (s *Store) Enqueue(ctx context.Context, kind, paymentID string, payload any, delay time.Duration) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	now := time.Now().UTC()
	job := &Job{
		ID:          ulid.Make().String(),
		Kind:        kind,
		PaymentID:   paymentID,
		Payload:     raw,
		Status:      StatusPending,
		MaxAttempts: DefaultMaxAttempts,
		RunAt:       now.Add(delay),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	query := `
		INSERT INTO payment_jobs (
			id, kind, payment_id, payload, status,
			attempts, max_attempts, run_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = s.db.Exec(ctx, query,
		job.ID, job.Kind, job.PaymentID, job.Payload, job.Status,
		job.Attempts, job.MaxAttempts, job.RunAt, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// EnqueueVerify schedules a status verification for a payment after delay.
func (s *Store) EnqueueVerify(ctx context.Context, paymentID string, delay time.Duration) error {
	_, err := s.Enqueue(ctx, KindVerifyStatus, paymentID, nil, delay)
	return err
}

// EnqueuePayout schedules the payout notification for a succeeded payment.
func (s *Store) EnqueuePayout(ctx context.Context, paymentID string) error {
	_, err := s.Enqueue(ctx, KindPayoutTrigger, paymentID, nil, 0)
	return err
}

// Claim picks the next runnable job, marking it running. The SKIP LOCKED
// select keeps concurrent workers off the same row. Running jobs whose
// lease expired are reclaimed, so a crashed worker cannot strand them.
// Returns database.ErrNotFound when no job is due.
func (s *Store) Claim(ctx context.Context) (*Job, error) {
	var job Job

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		query := `
			SELECT id, kind, payment_id, payload, status,
				   attempts, max_attempts, run_at, last_error, created_at, updated_at
			FROM payment_jobs
			WHERE (status = $1 AND run_at <= $2)
			   OR (status = $3 AND updated_at <= $4)
			ORDER BY run_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`

		now := time.Now().UTC()
		var lastError *string
		err := tx.QueryRow(ctx, query, StatusPending, now, StatusRunning, staleRunningCutoff(now)).Scan(
			&job.ID, &job.Kind, &job.PaymentID, &job.Payload, &job.Status,
			&job.Attempts, &job.MaxAttempts, &job.RunAt, &lastError,
			&job.CreatedAt, &job.UpdatedAt,
		)
		if err != nil {
			if err == pgx.ErrNoRows {
				return database.ErrNotFound
			}
			return fmt.Errorf("select job: %w", err)
		}
		if lastError != nil {
			job.LastError = *lastError
		}

		job.Status = StatusRunning
		job.Attempts++
		_, err = tx.Exec(ctx,
			`UPDATE payment_jobs SET status = $2, attempts = $3, updated_at = $4 WHERE id = $1`,
			job.ID, job.Status, job.Attempts, time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("mark job running: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// MarkDone finishes a job successfully.
func (s *Store) MarkDone(ctx context.Context, jobID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE payment_jobs SET status = $2, updated_at = $3 WHERE id = $1`,
		jobID, StatusDone, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("mark job done: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt. While attempts remain the job is
// rescheduled with exponential backoff; otherwise it is parked as failed.
func (s *Store) MarkFailed(ctx context.Context, job *Job, jobErr error) error {
	now := time.Now().UTC()

	if job.Attempts >= job.MaxAttempts {
		_, err := s.db.Exec(ctx,
			`UPDATE payment_jobs SET status = $2, last_error = $3, updated_at = $4 WHERE id = $1`,
			job.ID, StatusFailed, jobErr.Error(), now,
		)
		if err != nil {
			return fmt.Errorf("park failed job: %w", err)
		}
		return nil
	}

	runAt := now.Add(Backoff(job.Attempts))
	_, err := s.db.Exec(ctx,
		`UPDATE payment_jobs SET status = $2, last_error = $3, run_at = $4, updated_at = $5 WHERE id = $1`,
		job.ID, StatusPending, jobErr.Error(), runAt, now,
	)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	return nil
}

// Backoff returns the delay before retry n (1-based): 30s, 1m, 2m, 4m...
// capped at 10 minutes.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := 30 * time.Second << (attempt - 1)
	if d > 10*time.Minute {
		return 10 * time.Minute
	}
	return d
}
