package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinorConversion(t *testing.T) {
	tests := []struct {
		minor int64
		value string
	}{
		{150000, "1500.00"},
		{100, "1.00"},
		{99999, "999.99"},
		{5, "0.05"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.value, minorToValue(tt.minor))
		assert.Equal(t, tt.minor, valueToMinor(tt.value))
	}

	assert.Equal(t, int64(0), valueToMinor("not-a-number"))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*HTTPClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewHTTPClient(Config{
		BaseURL:   srv.URL,
		ShopID:    "shop_1",
		SecretKey: "secret",
		ReturnURL: "https://market.example/return",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return client, srv
}

func TestCreatePayment(t *testing.T) {
	t.Run("sends idempotence key and parses response", func(t *testing.T) {
		var gotKey string
		var gotBody map[string]any

		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			gotKey = r.Header.Get("Idempotence-Key")
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

			json.NewEncoder(w).Encode(map[string]any{
				"id":     "gw_1",
				"status": "pending",
				"amount": map[string]string{"value": "1500.00", "currency": "RUB"},
				"confirmation": map[string]string{
					"confirmation_url": "https://pay.example/confirm/gw_1",
				},
			})
		})

		p, err := client.CreatePayment(context.Background(), &CreatePaymentRequest{
			AmountMinor:    150000,
			Currency:       "RUB",
			Description:    "consultation",
			IdempotencyKey: "key_1",
		})
		require.NoError(t, err)

		assert.Equal(t, "key_1", gotKey)
		assert.Equal(t, "gw_1", p.ID)
		assert.Equal(t, int64(150000), p.AmountMinor)
		assert.Equal(t, "https://pay.example/confirm/gw_1", p.ConfirmationURL)

		amount := gotBody["amount"].(map[string]any)
		assert.Equal(t, "1500.00", amount["value"])
	})

	t.Run("4xx is a decline", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{
				"type": "error", "code": "invalid_card", "description": "card expired",
			})
		})

		_, err := client.CreatePayment(context.Background(), &CreatePaymentRequest{AmountMinor: 100, Currency: "RUB"})
		assert.ErrorIs(t, err, ErrDeclined)
		assert.False(t, IsRetryable(err))
	})

	t.Run("5xx is retryable", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})

		_, err := client.CreatePayment(context.Background(), &CreatePaymentRequest{AmountMinor: 100, Currency: "RUB"})
		assert.True(t, IsRetryable(err))
	})

	t.Run("404 maps to ErrNotFound", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})

		_, err := client.GetPayment(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
