// Package store persists payment aggregates in Postgres.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"legalmarket/internal/common/database"
	"legalmarket/internal/common/money"
	"legalmarket/internal/payment/domain"
)

// execer is satisfied by both the pool and a pgx transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore persists payments, refunds and processed webhook events.
type PostgresStore struct {
	db *database.DB
}

// New creates a payment store backed by db.
func New(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `
	id, user_id, consultation_id, subscription_id,
	amount::text, currency, status, method, description,
	gateway_payment_id, confirmation_url, idempotency_key,
	refunded_amount::text, failure_reason, conflict_count,
	metadata, version,
	created_at, updated_at, completed_at, canceled_at, refunded_at
`

// Create inserts a new payment at version 1.
func (s *PostgresStore) Create(ctx context.Context, p *domain.Payment) error {
	query := `
		INSERT INTO payments (
			id, user_id, consultation_id, subscription_id,
			amount, currency, status, method, description,
			gateway_payment_id, confirmation_url, idempotency_key,
			refunded_amount, failure_reason, conflict_count,
			metadata, version,
			created_at, updated_at, completed_at, canceled_at, refunded_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22
		)
	`

	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	p.Version = 1
	_, err = s.db.Exec(ctx, query,
		p.ID, p.UserID,
		nullable(p.ConsultationID), nullable(p.SubscriptionID),
		p.Amount.Amount().String(), string(p.Amount.Currency()),
		string(p.Status), nullable(string(p.Method)), p.Description,
		nullable(p.GatewayPaymentID), nullable(p.ConfirmationURL), nullable(p.IdempotencyKey),
		p.RefundedAmount.Amount().String(), nullable(p.FailureReason), p.ConflictCount,
		metadata, p.Version,
		p.CreatedAt, p.UpdatedAt, p.CompletedAt, p.CanceledAt, p.RefundedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("payment %s: %w", p.ID, database.ErrConflict)
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// Get retrieves a payment by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	return s.scanPayment(s.db.QueryRow(ctx, query, id))
}

// GetByGatewayID retrieves a payment by the gateway-side payment id.
func (s *PostgresStore) GetByGatewayID(ctx context.Context, gatewayPaymentID string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE gateway_payment_id = $1`
	return s.scanPayment(s.db.QueryRow(ctx, query, gatewayPaymentID))
}

// GetByIdempotencyKey retrieves a user's payment created under the given
// client idempotency key.
func (s *PostgresStore) GetByIdempotencyKey(ctx context.Context, userID, key string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE user_id = $1 AND idempotency_key = $2`
	return s.scanPayment(s.db.QueryRow(ctx, query, userID, key))
}

// ListByUser returns a page of the user's payments, newest first.
func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + `
		FROM payments
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := s.db.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var payments []*domain.Payment
	for rows.Next() {
		p, err := s.scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// ListPendingOlderThan returns PENDING payments created before cutoff,
// bounded by limit. Used by the expiry sweep.
func (s *PostgresStore) ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + `
		FROM payments
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3`

	rows, err := s.db.Query(ctx, query, string(domain.StatusPending), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending payments: %w", err)
	}
	defer rows.Close()

	var payments []*domain.Payment
	for rows.Next() {
		p, err := s.scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// Save writes a payment back guarded by its version. Returns
// database.ErrConflict when another writer got there first.
func (s *PostgresStore) Save(ctx context.Context, p *domain.Payment) error {
	if err := saveTx(ctx, s.db, p); err != nil {
		return err
	}
	p.Version++
	return nil
}

func saveTx(ctx context.Context, ex execer, p *domain.Payment) error {
	query := `
		UPDATE payments SET
			status = $2, method = $3,
			gateway_payment_id = $4, confirmation_url = $5,
			refunded_amount = $6, failure_reason = $7, conflict_count = $8,
			metadata = $9, version = version + 1,
			updated_at = $10, completed_at = $11, canceled_at = $12, refunded_at = $13
		WHERE id = $1 AND version = $14
	`

	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tag, err := ex.Exec(ctx, query,
		p.ID,
		string(p.Status), nullable(string(p.Method)),
		nullable(p.GatewayPaymentID), nullable(p.ConfirmationURL),
		p.RefundedAmount.Amount().String(), nullable(p.FailureReason), p.ConflictCount,
		metadata,
		p.UpdatedAt, p.CompletedAt, p.CanceledAt, p.RefundedAt,
		p.Version,
	)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payment %s version %d: %w", p.ID, p.Version, database.ErrConflict)
	}
	return nil
}

// createRefundTx records a refund audit row.
func createRefundTx(ctx context.Context, ex execer, r *domain.Refund) error {
	query := `
		INSERT INTO payment_refunds (
			id, payment_id, idempotency_key, gateway_refund_id,
			amount, currency, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := ex.Exec(ctx, query,
		r.ID, r.PaymentID, r.IdempotencyKey, nullable(r.GatewayRefundID),
		r.Amount.Amount().String(), string(r.Amount.Currency()),
		nullable(r.Reason), r.CreatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("refund %s: %w", r.ID, database.ErrConflict)
		}
		return fmt.Errorf("insert refund: %w", err)
	}
	return nil
}

// SaveWithRefund writes the refund row and the updated payment in a
// single transaction, so the aggregate's refunded amount and the audit
// row can never diverge. Returns database.ErrConflict on a version race
// or a duplicate refund key; neither write sticks in that case.
func (s *PostgresStore) SaveWithRefund(ctx context.Context, p *domain.Payment, r *domain.Refund) error {
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := createRefundTx(ctx, tx, r); err != nil {
			return err
		}
		return saveTx(ctx, tx, p)
	})
	if err != nil {
		return err
	}
	p.Version++
	return nil
}

// GetRefundByKey retrieves a refund by payment id and client idempotency key.
func (s *PostgresStore) GetRefundByKey(ctx context.Context, paymentID, key string) (*domain.Refund, error) {
	query := `
		SELECT id, payment_id, idempotency_key, gateway_refund_id,
			   amount::text, currency, reason, created_at
		FROM payment_refunds
		WHERE payment_id = $1 AND idempotency_key = $2
	`

	var (
		r               domain.Refund
		gatewayRefundID *string
		amountStr       string
		currency        string
		reason          *string
	)
	err := s.db.QueryRow(ctx, query, paymentID, key).Scan(
		&r.ID, &r.PaymentID, &r.IdempotencyKey, &gatewayRefundID,
		&amountStr, &currency, &reason, &r.CreatedAt,
	)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("get refund: %w", err)
	}

	r.Amount, err = money.Restore(amountStr, money.Currency(currency))
	if err != nil {
		return nil, fmt.Errorf("refund %s amount: %w", r.ID, err)
	}
	if gatewayRefundID != nil {
		r.GatewayRefundID = *gatewayRefundID
	}
	if reason != nil {
		r.Reason = *reason
	}
	return &r, nil
}

// GetRefundByGatewayID retrieves a refund by the gateway-side refund id.
func (s *PostgresStore) GetRefundByGatewayID(ctx context.Context, gatewayRefundID string) (*domain.Refund, error) {
	query := `
		SELECT id, payment_id, idempotency_key, gateway_refund_id,
			   amount::text, currency, reason, created_at
		FROM payment_refunds
		WHERE gateway_refund_id = $1
	`

	var (
		r         domain.Refund
		gwID      *string
		amountStr string
		currency  string
		reason    *string
	)
	err := s.db.QueryRow(ctx, query, gatewayRefundID).Scan(
		&r.ID, &r.PaymentID, &r.IdempotencyKey, &gwID,
		&amountStr, &currency, &reason, &r.CreatedAt,
	)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("get refund: %w", err)
	}

	r.Amount, err = money.Restore(amountStr, money.Currency(currency))
	if err != nil {
		return nil, fmt.Errorf("refund %s amount: %w", r.ID, err)
	}
	if gwID != nil {
		r.GatewayRefundID = *gwID
	}
	if reason != nil {
		r.Reason = *reason
	}
	return &r, nil
}

// ListRefunds returns the refund history for a payment, oldest first.
func (s *PostgresStore) ListRefunds(ctx context.Context, paymentID string) ([]*domain.Refund, error) {
	query := `
		SELECT id, payment_id, idempotency_key, gateway_refund_id,
			   amount::text, currency, reason, created_at
		FROM payment_refunds
		WHERE payment_id = $1
		ORDER BY created_at
	`

	rows, err := s.db.Query(ctx, query, paymentID)
	if err != nil {
		return nil, fmt.Errorf("list refunds: %w", err)
	}
	defer rows.Close()

	var refunds []*domain.Refund
	for rows.Next() {
		var (
			r               domain.Refund
			gatewayRefundID *string
			amountStr       string
			currency        string
			reason          *string
		)
		if err := rows.Scan(
			&r.ID, &r.PaymentID, &r.IdempotencyKey, &gatewayRefundID,
			&amountStr, &currency, &reason, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan refund: %w", err)
		}
		r.Amount, err = money.Restore(amountStr, money.Currency(currency))
		if err != nil {
			return nil, fmt.Errorf("refund %s amount: %w", r.ID, err)
		}
		if gatewayRefundID != nil {
			r.GatewayRefundID = *gatewayRefundID
		}
		if reason != nil {
			r.Reason = *reason
		}
		refunds = append(refunds, &r)
	}
	return refunds, rows.Err()
}

// WasEventProcessed reports whether a gateway event id has already been
// applied.
func (s *PostgresStore) WasEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM gateway_webhook_events WHERE event_id = $1)`,
		eventID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check webhook event: %w", err)
	}
	return exists, nil
}

// MarkEventProcessed records a gateway event id so replays are absorbed.
// Inserting an already-recorded id is not an error.
func (s *PostgresStore) MarkEventProcessed(ctx context.Context, eventID, eventType, gatewayPaymentID string) error {
	query := `
		INSERT INTO gateway_webhook_events (event_id, event_type, gateway_payment_id, processed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING
	`
	_, err := s.db.Exec(ctx, query, eventID, eventType, nullable(gatewayPaymentID), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark webhook event: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) scanPayment(row rowScanner) (*domain.Payment, error) {
	var (
		p                domain.RehydrateParams
		consultationID   *string
		subscriptionID   *string
		amountStr        string
		currency         string
		status           string
		method           *string
		gatewayPaymentID *string
		confirmationURL  *string
		idempotencyKey   *string
		refundedStr      string
		failureReason    *string
		metadata         []byte
	)

	err := row.Scan(
		&p.ID, &p.UserID, &consultationID, &subscriptionID,
		&amountStr, &currency, &status, &method, &p.Description,
		&gatewayPaymentID, &confirmationURL, &idempotencyKey,
		&refundedStr, &failureReason, &p.ConflictCount,
		&metadata, &p.Version,
		&p.CreatedAt, &p.UpdatedAt, &p.CompletedAt, &p.CanceledAt, &p.RefundedAt,
	)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}

	p.Amount, err = money.Restore(amountStr, money.Currency(currency))
	if err != nil {
		return nil, fmt.Errorf("payment %s amount: %w", p.ID, err)
	}
	p.RefundedAmount, err = money.Restore(refundedStr, money.Currency(currency))
	if err != nil {
		return nil, fmt.Errorf("payment %s refunded amount: %w", p.ID, err)
	}

	p.Status = domain.Status(status)
	if consultationID != nil {
		p.ConsultationID = *consultationID
	}
	if subscriptionID != nil {
		p.SubscriptionID = *subscriptionID
	}
	if method != nil {
		p.Method = domain.Method(*method)
	}
	if gatewayPaymentID != nil {
		p.GatewayPaymentID = *gatewayPaymentID
	}
	if confirmationURL != nil {
		p.ConfirmationURL = *confirmationURL
	}
	if idempotencyKey != nil {
		p.IdempotencyKey = *idempotencyKey
	}
	if failureReason != nil {
		p.FailureReason = *failureReason
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return nil, fmt.Errorf("payment %s metadata: %w", p.ID, err)
		}
	}

	return domain.Rehydrate(p)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
