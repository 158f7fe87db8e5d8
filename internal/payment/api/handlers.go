// Package api exposes the payment HTTP surface: commands, queries and
// the gateway webhook endpoint.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"legalmarket/internal/common/api"
	"legalmarket/internal/common/middleware"
	"legalmarket/internal/common/money"
	"legalmarket/internal/gateway"
	"legalmarket/internal/payment"
	"legalmarket/internal/payment/domain"
	"legalmarket/internal/payment/reconciler"
)

// Handler holds the payment HTTP handlers.
type Handler struct {
	service    *payment.Service
	reconciler *reconciler.Reconciler
	logger     *slog.Logger
}

// NewHandler creates a payment API handler.
func NewHandler(service *payment.Service, rec *reconciler.Reconciler, logger *slog.Logger) *Handler {
	return &Handler{
		service:    service,
		reconciler: rec,
		logger:     logger,
	}
}

// Routes mounts the payment routes on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/payments", func(r chi.Router) {
		r.Post("/", h.createPayment)
		r.Get("/", h.listPayments)
		r.Route("/{paymentID}", func(r chi.Router) {
			r.Get("/", h.getPayment)
			r.Post("/capture", h.capturePayment)
			r.Post("/cancel", h.cancelPayment)
			r.Post("/refunds", h.refundPayment)
			r.Get("/refunds", h.listRefunds)
		})
	})
}

// WebhookRoutes mounts the gateway webhook endpoint on r. Kept off the
// authenticated API tree.
func (h *Handler) WebhookRoutes(r chi.Router) {
	r.Post("/gateway", h.gatewayWebhook)
}

type createPaymentRequest struct {
	Amount         string            `json:"amount" validate:"required"`
	Currency       string            `json:"currency"`
	Description    string            `json:"description" validate:"required,max=512"`
	ConsultationID string            `json:"consultation_id"`
	SubscriptionID string            `json:"subscription_id"`
	ReturnURL      string            `json:"return_url" validate:"omitempty,url"`
	Metadata       map[string]string `json:"metadata"`
}

type paymentResponse struct {
	ID              string            `json:"id"`
	UserID          string            `json:"user_id"`
	ConsultationID  string            `json:"consultation_id,omitempty"`
	SubscriptionID  string            `json:"subscription_id,omitempty"`
	Amount          money.Money       `json:"amount"`
	Status          domain.Status     `json:"status"`
	Method          domain.Method     `json:"method,omitempty"`
	Description     string            `json:"description"`
	ConfirmationURL string            `json:"confirmation_url,omitempty"`
	RefundedAmount  money.Money       `json:"refunded_amount"`
	FailureReason   string            `json:"failure_reason,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	CanceledAt      *time.Time        `json:"canceled_at,omitempty"`
	RefundedAt      *time.Time        `json:"refunded_at,omitempty"`
}

func toPaymentResponse(p *domain.Payment) paymentResponse {
	return paymentResponse{
		ID:              p.ID,
		UserID:          p.UserID,
		ConsultationID:  p.ConsultationID,
		SubscriptionID:  p.SubscriptionID,
		Amount:          p.Amount,
		Status:          p.Status,
		Method:          p.Method,
		Description:     p.Description,
		ConfirmationURL: p.ConfirmationURL,
		RefundedAmount:  p.RefundedAmount,
		FailureReason:   p.FailureReason,
		Metadata:        p.Metadata,
		CreatedAt:       p.CreatedAt,
		CompletedAt:     p.CompletedAt,
		CanceledAt:      p.CanceledAt,
		RefundedAt:      p.RefundedAt,
	}
}

func (h *Handler) createPayment(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		api.WriteError(w, http.StatusUnauthorized, api.ErrCodeUnauthorized, "missing user identity")
		return
	}

	var req createPaymentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	currency := money.Currency(req.Currency)
	if req.Currency == "" {
		currency = money.RUB
	}
	amount, err := money.NewFromString(req.Amount, currency)
	if err != nil {
		api.BadRequest(w, err.Error())
		return
	}

	p, err := h.service.Create(r.Context(), payment.CreateCommand{
		UserID:         userID,
		Amount:         amount,
		Description:    req.Description,
		ConsultationID: req.ConsultationID,
		SubscriptionID: req.SubscriptionID,
		ReturnURL:      req.ReturnURL,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Metadata:       req.Metadata,
	})
	if err != nil {
		// A declined payment is still persisted and returned.
		if p != nil && errors.Is(err, gateway.ErrDeclined) {
			api.WriteData(w, http.StatusUnprocessableEntity, toPaymentResponse(p))
			return
		}
		h.writeServiceError(w, err)
		return
	}

	api.WriteData(w, http.StatusCreated, toPaymentResponse(p))
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.Get(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, toPaymentResponse(p))
}

func (h *Handler) listPayments(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		api.WriteError(w, http.StatusUnauthorized, api.ErrCodeUnauthorized, "missing user identity")
		return
	}

	page := api.GetPaginationParams(r, 20, 100)
	payments, err := h.service.ListByUser(r.Context(), userID, page.Limit, page.Offset)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	out := make([]paymentResponse, 0, len(payments))
	for _, p := range payments {
		out = append(out, toPaymentResponse(p))
	}
	api.WriteData(w, http.StatusOK, out)
}

func (h *Handler) capturePayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.Capture(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, toPaymentResponse(p))
}

func (h *Handler) cancelPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.Cancel(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, toPaymentResponse(p))
}

type refundRequest struct {
	Amount string `json:"amount" validate:"required"`
	Reason string `json:"reason" validate:"max=512"`
}

type refundResponse struct {
	ID        string      `json:"id"`
	PaymentID string      `json:"payment_id"`
	Amount    money.Money `json:"amount"`
	Reason    string      `json:"reason,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

func (h *Handler) refundPayment(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		api.BadRequest(w, "Idempotency-Key header is required")
		return
	}

	paymentID := chi.URLParam(r, "paymentID")
	p, err := h.service.Get(r.Context(), paymentID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	amount, err := money.NewFromString(req.Amount, p.Amount.Currency())
	if err != nil {
		api.BadRequest(w, err.Error())
		return
	}

	refund, err := h.service.Refund(r.Context(), payment.RefundCommand{
		PaymentID:      paymentID,
		Amount:         amount,
		Reason:         req.Reason,
		IdempotencyKey: key,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	api.WriteData(w, http.StatusCreated, refundResponse{
		ID:        refund.ID,
		PaymentID: refund.PaymentID,
		Amount:    refund.Amount,
		Reason:    refund.Reason,
		CreatedAt: refund.CreatedAt,
	})
}

func (h *Handler) listRefunds(w http.ResponseWriter, r *http.Request) {
	refunds, err := h.service.ListRefunds(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	out := make([]refundResponse, 0, len(refunds))
	for _, ref := range refunds {
		out = append(out, refundResponse{
			ID:        ref.ID,
			PaymentID: ref.PaymentID,
			Amount:    ref.Amount,
			Reason:    ref.Reason,
			CreatedAt: ref.CreatedAt,
		})
	}
	api.WriteData(w, http.StatusOK, out)
}

// webhookPayload is the gateway's notification body. For payment events
// the object is the payment; for refund events it is the refund, with
// payment_id pointing back at the payment.
type webhookPayload struct {
	ID     string `json:"id"`
	Event  string `json:"event"`
	Object struct {
		ID        string `json:"id"`
		PaymentID string `json:"payment_id"`
		Status    string `json:"status"`
		Amount    struct {
			Value    string `json:"value"`
			Currency string `json:"currency"`
		} `json:"amount"`
		PaymentMethod *struct {
			Type string `json:"type"`
		} `json:"payment_method"`
		CancellationDetails *struct {
			Reason string `json:"reason"`
		} `json:"cancellation_details"`
		CreatedAt time.Time `json:"created_at"`
	} `json:"object"`
}

// gatewayWebhook ingests a gateway notification. Every processed or
// absorbed notification is answered 200 so the gateway stops
// redelivering; only infrastructure failures return 500.
func (h *Handler) gatewayWebhook(w http.ResponseWriter, r *http.Request) {
	var payload webhookPayload
	if err := api.DecodeAndValidate(r, &payload); err != nil {
		// Malformed bodies are acknowledged: redelivery cannot fix them.
		h.logger.Warn("malformed webhook payload", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	event := &reconciler.GatewayEvent{
		EventID:          payload.ID,
		Type:             payload.Event,
		GatewayPaymentID: payload.Object.ID,
		OccurredAt:       payload.Object.CreatedAt,
	}
	if payload.Object.PaymentID != "" {
		// Refund notification: the object is the refund itself.
		event.GatewayPaymentID = payload.Object.PaymentID
		event.GatewayRefundID = payload.Object.ID
	}
	if payload.Object.Amount.Value != "" {
		if amount, err := money.Restore(payload.Object.Amount.Value, money.Currency(payload.Object.Amount.Currency)); err == nil {
			event.AmountMinor = amount.MinorUnits()
			event.Currency = payload.Object.Amount.Currency
		} else {
			h.logger.Warn("unparseable webhook amount",
				"event_id", payload.ID,
				"value", payload.Object.Amount.Value,
				"error", err,
			)
		}
	}
	if payload.Object.PaymentMethod != nil {
		event.Method = payload.Object.PaymentMethod.Type
	}
	if payload.Object.CancellationDetails != nil {
		event.CancelReason = payload.Object.CancellationDetails.Reason
	}

	outcome, err := h.reconciler.Process(r.Context(), event)
	if err != nil {
		h.logger.Error("webhook processing failed",
			"event_id", payload.ID,
			"error", err,
		)
		api.InternalError(w, "webhook processing failed")
		return
	}

	api.WriteJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, payment.ErrNotFound):
		api.NotFound(w, "payment not found")

	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrNotPending),
		errors.Is(err, domain.ErrNotSucceeded):
		api.Conflict(w, err.Error())

	case errors.Is(err, payment.ErrRefundInProgress):
		api.Conflict(w, err.Error())

	case errors.Is(err, domain.ErrRefundExceedsAmount),
		errors.Is(err, domain.ErrRefundNotPositive),
		errors.Is(err, domain.ErrAmountNotPositive),
		errors.Is(err, domain.ErrMissingReference),
		errors.Is(err, domain.ErrAmbiguousReference):
		api.UnprocessableEntity(w, err.Error())

	case errors.Is(err, gateway.ErrDeclined):
		api.UnprocessableEntity(w, err.Error())

	case gateway.IsRetryable(err):
		api.WriteError(w, http.StatusBadGateway, api.ErrCodeUnavailable, "payment provider unavailable, retry")

	default:
		h.logger.Error("request failed", "error", err)
		api.InternalError(w, "internal error")
	}
}
