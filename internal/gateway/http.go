package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds provider API configuration.
type Config struct {
	BaseURL   string        `envconfig:"GATEWAY_BASE_URL" default:"https://api.payprovider.example"`
	ShopID    string        `envconfig:"GATEWAY_SHOP_ID" required:"true"`
	SecretKey string        `envconfig:"GATEWAY_SECRET_KEY" required:"true"`
	ReturnURL string        `envconfig:"GATEWAY_RETURN_URL" required:"true"`
	Timeout   time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"30s"`
}

// HTTPClient is the HTTP implementation of Client.
type HTTPClient struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPClient creates a provider client from config.
func NewHTTPClient(cfg Config, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

var _ Client = (*HTTPClient)(nil)

type apiAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type apiPayment struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	Amount       apiAmount  `json:"amount"`
	Description  string     `json:"description"`
	CreatedAt    time.Time  `json:"created_at"`
	CapturedAt   *time.Time `json:"captured_at,omitempty"`
	Confirmation *struct {
		ConfirmationURL string `json:"confirmation_url"`
	} `json:"confirmation,omitempty"`
	PaymentMethod *struct {
		Type string `json:"type"`
	} `json:"payment_method,omitempty"`
	CancellationDetails *struct {
		Reason string `json:"reason"`
	} `json:"cancellation_details,omitempty"`
}

type apiRefund struct {
	ID        string    `json:"id"`
	PaymentID string    `json:"payment_id"`
	Status    string    `json:"status"`
	Amount    apiAmount `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

type apiError struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	Description string `json:"description"`
}

// CreatePayment registers a payment with the provider.
func (c *HTTPClient) CreatePayment(ctx context.Context, req *CreatePaymentRequest) (*Payment, error) {
	c.logger.Info("creating gateway payment",
		"amount_minor", req.AmountMinor,
		"currency", req.Currency,
	)

	returnURL := req.ReturnURL
	if returnURL == "" {
		returnURL = c.config.ReturnURL
	}

	body := map[string]any{
		"amount": apiAmount{
			Value:    minorToValue(req.AmountMinor),
			Currency: req.Currency,
		},
		"description": req.Description,
		"capture":     req.Capture,
		"confirmation": map[string]string{
			"type":       "redirect",
			"return_url": returnURL,
		},
	}
	if len(req.Metadata) > 0 {
		body["metadata"] = req.Metadata
	}

	var resp apiPayment
	if err := c.do(ctx, http.MethodPost, "/v3/payments", req.IdempotencyKey, body, &resp); err != nil {
		return nil, err
	}
	return fromAPIPayment(&resp), nil
}

// CapturePayment captures a payment awaiting capture.
func (c *HTTPClient) CapturePayment(ctx context.Context, paymentID string, amountMinor int64, currency string) (*Payment, error) {
	body := map[string]any{
		"amount": apiAmount{
			Value:    minorToValue(amountMinor),
			Currency: currency,
		},
	}

	var resp apiPayment
	path := "/v3/payments/" + paymentID + "/capture"
	if err := c.do(ctx, http.MethodPost, path, "", body, &resp); err != nil {
		return nil, err
	}
	return fromAPIPayment(&resp), nil
}

// CancelPayment cancels an uncaptured payment.
func (c *HTTPClient) CancelPayment(ctx context.Context, paymentID string) (*Payment, error) {
	var resp apiPayment
	path := "/v3/payments/" + paymentID + "/cancel"
	if err := c.do(ctx, http.MethodPost, path, "", map[string]any{}, &resp); err != nil {
		return nil, err
	}
	return fromAPIPayment(&resp), nil
}

// CreateRefund refunds a captured payment.
func (c *HTTPClient) CreateRefund(ctx context.Context, req *CreateRefundRequest) (*Refund, error) {
	c.logger.Info("creating gateway refund",
		"payment_id", req.PaymentID,
		"amount_minor", req.AmountMinor,
	)

	body := map[string]any{
		"payment_id": req.PaymentID,
		"amount": apiAmount{
			Value:    minorToValue(req.AmountMinor),
			Currency: req.Currency,
		},
	}
	if req.Reason != "" {
		body["description"] = req.Reason
	}

	var resp apiRefund
	if err := c.do(ctx, http.MethodPost, "/v3/refunds", req.IdempotencyKey, body, &resp); err != nil {
		return nil, err
	}

	return &Refund{
		ID:          resp.ID,
		PaymentID:   resp.PaymentID,
		Status:      resp.Status,
		AmountMinor: valueToMinor(resp.Amount.Value),
		CreatedAt:   resp.CreatedAt,
	}, nil
}

// GetPayment fetches the provider's view of a payment.
func (c *HTTPClient) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	var resp apiPayment
	if err := c.do(ctx, http.MethodGet, "/v3/payments/"+paymentID, "", nil, &resp); err != nil {
		return nil, err
	}
	return fromAPIPayment(&resp), nil
}

func (c *HTTPClient) do(ctx context.Context, method, path, idempotencyKey string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	httpReq.SetBasicAuth(c.config.ShopID, c.config.SecretKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotence-Key", idempotencyKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &RetryableError{Err: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return &RetryableError{Err: err}
	}

	switch {
	case httpResp.StatusCode == http.StatusNotFound:
		return ErrNotFound

	case httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500:
		return &RetryableError{Err: fmt.Errorf("status=%d body=%s", httpResp.StatusCode, string(respBody))}

	case httpResp.StatusCode >= 400:
		var apiErr apiError
		if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Code != "" {
			return fmt.Errorf("%w: code=%s description=%s", ErrDeclined, apiErr.Code, apiErr.Description)
		}
		return fmt.Errorf("%w: status=%d body=%s", ErrDeclined, httpResp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func fromAPIPayment(p *apiPayment) *Payment {
	out := &Payment{
		ID:          p.ID,
		Status:      p.Status,
		AmountMinor: valueToMinor(p.Amount.Value),
		Currency:    p.Amount.Currency,
		CreatedAt:   p.CreatedAt,
		CapturedAt:  p.CapturedAt,
	}
	if p.Confirmation != nil {
		out.ConfirmationURL = p.Confirmation.ConfirmationURL
	}
	if p.PaymentMethod != nil {
		out.PaymentMethod = p.PaymentMethod.Type
	}
	if p.CancellationDetails != nil {
		out.CancelReason = p.CancellationDetails.Reason
	}
	return out
}

// minorToValue renders minor units as the provider's "1500.00" decimal string.
func minorToValue(minor int64) string {
	return fmt.Sprintf("%d.%02d", minor/100, minor%100)
}

// valueToMinor parses the provider's decimal string into minor units.
func valueToMinor(value string) int64 {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return 0
	}
	return d.Shift(2).Round(0).IntPart()
}
