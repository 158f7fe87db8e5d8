package payment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"legalmarket/internal/common/database"
	"legalmarket/internal/common/events"
	"legalmarket/internal/common/money"
	"legalmarket/internal/gateway"
	"legalmarket/internal/payment/domain"
)

// Fakes

type fakeStore struct {
	payments        map[string]*domain.Payment
	refunds         map[string]*domain.Refund
	saves           int
	failSave        error
	refundConflicts int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		payments: make(map[string]*domain.Payment),
		refunds:  make(map[string]*domain.Refund),
	}
}

func (s *fakeStore) Create(_ context.Context, p *domain.Payment) error {
	if _, ok := s.payments[p.ID]; ok {
		return database.ErrConflict
	}
	for _, existing := range s.payments {
		if p.IdempotencyKey != "" && existing.UserID == p.UserID && existing.IdempotencyKey == p.IdempotencyKey {
			return database.ErrConflict
		}
	}
	p.Version = 1
	s.payments[p.ID] = p
	return nil
}

// Reads hand out copies, like rows scanned from the database, so a
// mutation only sticks once it is saved back.
func (s *fakeStore) Get(_ context.Context, id string) (*domain.Payment, error) {
	p, ok := s.payments[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *fakeStore) GetByIdempotencyKey(_ context.Context, userID, key string) (*domain.Payment, error) {
	for _, p := range s.payments {
		if p.UserID == userID && p.IdempotencyKey == key {
			cp := *p
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *fakeStore) ListByUser(_ context.Context, userID string, _, _ int) ([]*domain.Payment, error) {
	var out []*domain.Payment
	for _, p := range s.payments {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeStore) Save(_ context.Context, p *domain.Payment) error {
	if s.failSave != nil {
		return s.failSave
	}
	s.saves++
	p.Version++
	s.payments[p.ID] = p
	return nil
}

func (s *fakeStore) SaveWithRefund(_ context.Context, p *domain.Payment, r *domain.Refund) error {
	if s.refundConflicts > 0 {
		s.refundConflicts--
		return database.ErrConflict
	}
	key := r.PaymentID + "/" + r.IdempotencyKey
	if _, ok := s.refunds[key]; ok {
		return database.ErrConflict
	}
	s.refunds[key] = r
	s.saves++
	p.Version++
	s.payments[p.ID] = p
	return nil
}

func (s *fakeStore) GetRefundByKey(_ context.Context, paymentID, key string) (*domain.Refund, error) {
	r, ok := s.refunds[paymentID+"/"+key]
	if !ok {
		return nil, database.ErrNotFound
	}
	return r, nil
}

func (s *fakeStore) ListRefunds(_ context.Context, paymentID string) ([]*domain.Refund, error) {
	var out []*domain.Refund
	for _, r := range s.refunds {
		if r.PaymentID == paymentID {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeGateway struct {
	createErr   error
	refundErr   error
	created     int
	captured    int
	canceled    int
	refunded    int
	lastCreate  *gateway.CreatePaymentRequest
	lastRefund  *gateway.CreateRefundRequest
	captureResp *gateway.Payment
}

func (g *fakeGateway) CreatePayment(_ context.Context, req *gateway.CreatePaymentRequest) (*gateway.Payment, error) {
	g.created++
	g.lastCreate = req
	if g.createErr != nil {
		return nil, g.createErr
	}
	return &gateway.Payment{
		ID:              "gw_" + req.IdempotencyKey,
		Status:          gateway.StatusPending,
		AmountMinor:     req.AmountMinor,
		Currency:        req.Currency,
		ConfirmationURL: "https://pay.example/confirm",
	}, nil
}

func (g *fakeGateway) CapturePayment(_ context.Context, paymentID string, amountMinor int64, currency string) (*gateway.Payment, error) {
	g.captured++
	if g.captureResp != nil {
		return g.captureResp, nil
	}
	return &gateway.Payment{
		ID:            paymentID,
		Status:        gateway.StatusSucceeded,
		AmountMinor:   amountMinor,
		Currency:      currency,
		PaymentMethod: "bank_card",
	}, nil
}

func (g *fakeGateway) CancelPayment(_ context.Context, paymentID string) (*gateway.Payment, error) {
	g.canceled++
	return &gateway.Payment{ID: paymentID, Status: gateway.StatusCanceled}, nil
}

func (g *fakeGateway) CreateRefund(_ context.Context, req *gateway.CreateRefundRequest) (*gateway.Refund, error) {
	g.refunded++
	g.lastRefund = req
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	return &gateway.Refund{
		ID:          "gwref_" + req.IdempotencyKey,
		PaymentID:   req.PaymentID,
		Status:      "succeeded",
		AmountMinor: req.AmountMinor,
		CreatedAt:   time.Now(),
	}, nil
}

func (g *fakeGateway) GetPayment(_ context.Context, paymentID string) (*gateway.Payment, error) {
	return &gateway.Payment{ID: paymentID, Status: gateway.StatusPending}, nil
}

type fakePublisher struct {
	published []*events.Envelope
}

func (p *fakePublisher) Publish(_ context.Context, env *events.Envelope) error {
	p.published = append(p.published, env)
	return nil
}

func (p *fakePublisher) types() []string {
	out := make([]string, 0, len(p.published))
	for _, env := range p.published {
		out = append(out, env.Type)
	}
	return out
}

type fakeEnqueuer struct {
	verifies []string
	payouts  []string
}

func (e *fakeEnqueuer) EnqueueVerify(_ context.Context, paymentID string, _ time.Duration) error {
	e.verifies = append(e.verifies, paymentID)
	return nil
}

func (e *fakeEnqueuer) EnqueuePayout(_ context.Context, paymentID string) error {
	e.payouts = append(e.payouts, paymentID)
	return nil
}

type fixture struct {
	service   *Service
	store     *fakeStore
	gateway   *fakeGateway
	publisher *fakePublisher
	enqueuer  *fakeEnqueuer
}

func newFixture() *fixture {
	f := &fixture{
		store:     newFakeStore(),
		gateway:   &fakeGateway{},
		publisher: &fakePublisher{},
		enqueuer:  &fakeEnqueuer{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.service = NewService(f.store, f.gateway, f.publisher, f.enqueuer, logger)
	return f
}

func rub(t *testing.T, s string) money.Money {
	t.Helper()
	m, err := money.NewFromString(s, money.RUB)
	require.NoError(t, err)
	return m
}

func createCmd(t *testing.T, amount string) CreateCommand {
	return CreateCommand{
		UserID:         "user_1",
		Amount:         rub(t, amount),
		Description:    "legal consultation",
		ConsultationID: "cons_1",
		IdempotencyKey: "idem_1",
	}
}

// Tests

func TestCreate(t *testing.T) {
	t.Run("registers with gateway and persists pending", func(t *testing.T) {
		f := newFixture()

		p, err := f.service.Create(context.Background(), createCmd(t, "1500.00"))
		require.NoError(t, err)

		assert.Equal(t, domain.StatusPending, p.Status)
		assert.NotEmpty(t, p.GatewayPaymentID)
		assert.Equal(t, "https://pay.example/confirm", p.ConfirmationURL)
		assert.Equal(t, 1, f.gateway.created)

		assert.Equal(t, []string{domain.EventPaymentCreated}, f.publisher.types())
		assert.Equal(t, []string{p.ID}, f.enqueuer.verifies)
		assert.Empty(t, p.Events(), "events drained after publish")
	})

	t.Run("replays idempotency key without a second gateway call", func(t *testing.T) {
		f := newFixture()

		first, err := f.service.Create(context.Background(), createCmd(t, "1500.00"))
		require.NoError(t, err)

		second, err := f.service.Create(context.Background(), createCmd(t, "1500.00"))
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, 1, f.gateway.created)
	})

	t.Run("persists failed payment on gateway decline", func(t *testing.T) {
		f := newFixture()
		f.gateway.createErr = fmt.Errorf("%w: card_expired", gateway.ErrDeclined)

		p, err := f.service.Create(context.Background(), createCmd(t, "1500.00"))
		require.Error(t, err)
		assert.ErrorIs(t, err, gateway.ErrDeclined)

		require.NotNil(t, p)
		assert.Equal(t, domain.StatusFailed, p.Status)
		assert.Contains(t, p.FailureReason, "card_expired")

		stored, getErr := f.store.Get(context.Background(), p.ID)
		require.NoError(t, getErr)
		assert.Equal(t, domain.StatusFailed, stored.Status)

		assert.Contains(t, f.publisher.types(), domain.EventPaymentFailed)
		assert.Empty(t, f.enqueuer.verifies, "no verify job for a dead payment")
	})

	t.Run("persists pending payment on transient gateway failure", func(t *testing.T) {
		f := newFixture()
		f.gateway.createErr = &gateway.RetryableError{Err: errors.New("timeout")}

		p, err := f.service.Create(context.Background(), createCmd(t, "1500.00"))
		require.Error(t, err)

		// The gateway may have accepted the create before the timeout, so
		// the attempt is never lost.
		require.NotNil(t, p)
		assert.Equal(t, domain.StatusPending, p.Status)
		assert.Empty(t, p.GatewayPaymentID)

		stored, getErr := f.store.Get(context.Background(), p.ID)
		require.NoError(t, getErr)
		assert.Equal(t, domain.StatusPending, stored.Status)
		assert.Equal(t, []string{p.ID}, f.enqueuer.verifies)
	})

	t.Run("retry after transient failure repairs the gateway registration", func(t *testing.T) {
		f := newFixture()
		f.gateway.createErr = &gateway.RetryableError{Err: errors.New("timeout")}

		first, err := f.service.Create(context.Background(), createCmd(t, "1500.00"))
		require.Error(t, err)
		require.NotNil(t, first)

		f.gateway.createErr = nil
		second, err := f.service.Create(context.Background(), createCmd(t, "1500.00"))
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID, "same payment, not a second charge")
		assert.Equal(t, first.ID, f.gateway.lastCreate.IdempotencyKey, "gateway key reused")
		assert.Equal(t, "gw_"+first.ID, second.GatewayPaymentID)

		stored, getErr := f.store.Get(context.Background(), first.ID)
		require.NoError(t, getErr)
		assert.Equal(t, second.GatewayPaymentID, stored.GatewayPaymentID)
	})

	t.Run("passes the return url to the gateway", func(t *testing.T) {
		f := newFixture()
		cmd := createCmd(t, "1500.00")
		cmd.ReturnURL = "https://legalmarket.example/payments/done"

		_, err := f.service.Create(context.Background(), cmd)
		require.NoError(t, err)
		assert.Equal(t, cmd.ReturnURL, f.gateway.lastCreate.ReturnURL)
	})
}

func TestCapture(t *testing.T) {
	setup := func(t *testing.T) (*fixture, *domain.Payment) {
		f := newFixture()
		p, err := f.service.Create(context.Background(), createCmd(t, "1000.00"))
		require.NoError(t, err)
		require.NoError(t, p.MarkWaitingForCapture())
		require.NoError(t, f.store.Save(context.Background(), p))
		f.publisher.published = nil
		return f, p
	}

	t.Run("completes the payment", func(t *testing.T) {
		f, p := setup(t)

		got, err := f.service.Capture(context.Background(), p.ID)
		require.NoError(t, err)

		assert.Equal(t, domain.StatusSucceeded, got.Status)
		assert.Equal(t, domain.MethodBankCard, got.Method)
		assert.Equal(t, 1, f.gateway.captured)
		assert.Equal(t, []string{domain.EventPaymentCompleted}, f.publisher.types())
		assert.Equal(t, []string{p.ID}, f.enqueuer.payouts)
	})

	t.Run("capture of a succeeded payment is a no-op success", func(t *testing.T) {
		f, p := setup(t)

		_, err := f.service.Capture(context.Background(), p.ID)
		require.NoError(t, err)

		got, err := f.service.Capture(context.Background(), p.ID)
		require.NoError(t, err)

		assert.Equal(t, domain.StatusSucceeded, got.Status)
		assert.Equal(t, 1, f.gateway.captured, "gateway touched once")
		assert.Len(t, f.enqueuer.payouts, 1, "payout enqueued once")
	})

	t.Run("rejects a payment that is not awaiting capture", func(t *testing.T) {
		f := newFixture()
		p, err := f.service.Create(context.Background(), createCmd(t, "1000.00"))
		require.NoError(t, err)

		_, err = f.service.Capture(context.Background(), p.ID)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
		assert.Zero(t, f.gateway.captured)
	})

	t.Run("unknown payment", func(t *testing.T) {
		f := newFixture()
		_, err := f.service.Capture(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCancel(t *testing.T) {
	f := newFixture()
	p, err := f.service.Create(context.Background(), createCmd(t, "1000.00"))
	require.NoError(t, err)

	got, err := f.service.Cancel(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, got.Status)
	assert.Equal(t, 1, f.gateway.canceled)

	_, err = f.service.Cancel(context.Background(), p.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestRefund(t *testing.T) {
	succeeded := func(t *testing.T) (*fixture, *domain.Payment) {
		f := newFixture()
		p, err := f.service.Create(context.Background(), createCmd(t, "1000.00"))
		require.NoError(t, err)
		require.NoError(t, p.Complete(domain.MethodBankCard))
		p.ClearEvents()
		require.NoError(t, f.store.Save(context.Background(), p))
		f.publisher.published = nil
		return f, p
	}

	t.Run("refunds through the gateway and persists", func(t *testing.T) {
		f, p := succeeded(t)

		refund, err := f.service.Refund(context.Background(), RefundCommand{
			PaymentID:      p.ID,
			Amount:         rub(t, "400.00"),
			Reason:         "client complaint",
			IdempotencyKey: "rkey_1",
		})
		require.NoError(t, err)

		assert.Equal(t, p.ID, refund.PaymentID)
		assert.NotEmpty(t, refund.GatewayRefundID)
		assert.Equal(t, int64(40000), f.gateway.lastRefund.AmountMinor)

		stored, getErr := f.store.Get(context.Background(), p.ID)
		require.NoError(t, getErr)
		assert.Equal(t, "400.00 RUB", stored.RefundedAmount.String())
		assert.Equal(t, domain.StatusSucceeded, stored.Status)

		assert.Equal(t, []string{domain.EventPaymentRefunded}, f.publisher.types())
	})

	t.Run("full refund flips status", func(t *testing.T) {
		f, p := succeeded(t)

		_, err := f.service.Refund(context.Background(), RefundCommand{
			PaymentID:      p.ID,
			Amount:         rub(t, "1000.00"),
			IdempotencyKey: "rkey_1",
		})
		require.NoError(t, err)

		stored, getErr := f.store.Get(context.Background(), p.ID)
		require.NoError(t, getErr)
		assert.Equal(t, domain.StatusRefunded, stored.Status)
	})

	t.Run("save conflict reloads and reapplies the refund", func(t *testing.T) {
		f, p := succeeded(t)
		f.store.refundConflicts = 1

		refund, err := f.service.Refund(context.Background(), RefundCommand{
			PaymentID:      p.ID,
			Amount:         rub(t, "400.00"),
			IdempotencyKey: "rkey_1",
		})
		require.NoError(t, err)
		assert.Equal(t, 1, f.gateway.refunded, "gateway touched once")

		stored, getErr := f.store.Get(context.Background(), p.ID)
		require.NoError(t, getErr)
		assert.Equal(t, "400.00 RUB", stored.RefundedAmount.String())
		assert.Equal(t, domain.StatusSucceeded, stored.Status)

		refunds, listErr := f.store.ListRefunds(context.Background(), p.ID)
		require.NoError(t, listErr)
		require.Len(t, refunds, 1)
		assert.Equal(t, refund.ID, refunds[0].ID)
	})

	t.Run("replayed key returns original refund", func(t *testing.T) {
		f, p := succeeded(t)

		cmd := RefundCommand{PaymentID: p.ID, Amount: rub(t, "400.00"), IdempotencyKey: "rkey_1"}
		first, err := f.service.Refund(context.Background(), cmd)
		require.NoError(t, err)

		second, err := f.service.Refund(context.Background(), cmd)
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, 1, f.gateway.refunded, "gateway touched once")
	})

	t.Run("requires idempotency key", func(t *testing.T) {
		f, p := succeeded(t)
		_, err := f.service.Refund(context.Background(), RefundCommand{
			PaymentID: p.ID,
			Amount:    rub(t, "100.00"),
		})
		assert.Error(t, err)
		assert.Equal(t, 0, f.gateway.refunded)
	})

	t.Run("over-refund rejected before the gateway", func(t *testing.T) {
		f, p := succeeded(t)

		_, err := f.service.Refund(context.Background(), RefundCommand{
			PaymentID:      p.ID,
			Amount:         rub(t, "1000.01"),
			IdempotencyKey: "rkey_1",
		})
		assert.ErrorIs(t, err, domain.ErrRefundExceedsAmount)
		assert.Equal(t, 0, f.gateway.refunded)
	})

	t.Run("refund of a pending payment rejected", func(t *testing.T) {
		f := newFixture()
		p, err := f.service.Create(context.Background(), createCmd(t, "1000.00"))
		require.NoError(t, err)

		_, err = f.service.Refund(context.Background(), RefundCommand{
			PaymentID:      p.ID,
			Amount:         rub(t, "100.00"),
			IdempotencyKey: "rkey_1",
		})
		assert.ErrorIs(t, err, domain.ErrNotSucceeded)
	})
}
