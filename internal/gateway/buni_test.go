package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvn-cpu/mikrotikv2/internal/station"
)

func buniTestServer(t *testing.T, pushStatus int, pushBody, statusBody map[string]any) (*httptest.Server, *int) {
	t.Helper()
	tokenCalls := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-1", "expires_in": 3600})
	})
	mux.HandleFunc("/payments/stk-push", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(pushStatus)
		json.NewEncoder(w).Encode(pushBody)
	})
	mux.HandleFunc("/payments/stk-push/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(statusBody)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &tokenCalls
}

func TestBuniClient_StartPushAccepted(t *testing.T) {
	t.Parallel()

	srv, tokenCalls := buniTestServer(t, http.StatusOK,
		map[string]any{"CheckoutRequestID": "ws_CO_1", "ResponseCode": "0"},
		map[string]any{"ResultCode": "0"},
	)

	c := NewBuniClient(BuniConfig{BaseURL: srv.URL, ClientID: "id", ClientSecret: "secret"}, nil)
	dest := station.PaymentDestination{Type: station.DestinationPaybill, AccountNumber: "522522"}

	ref, err := c.StartPush(context.Background(), 50, "0712345678", dest, "TXN1")
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_1", ref)

	// Second call reuses the cached token.
	_, err = c.StartPush(context.Background(), 50, "0712345678", dest, "TXN2")
	require.NoError(t, err)
	assert.Equal(t, 1, *tokenCalls)
}

func TestBuniClient_StartPushRejected(t *testing.T) {
	t.Parallel()

	srv, _ := buniTestServer(t, http.StatusOK,
		map[string]any{"ResponseCode": "1", "ResponseDescription": "insufficient funds"},
		nil,
	)

	c := NewBuniClient(BuniConfig{BaseURL: srv.URL}, nil)
	dest := station.PaymentDestination{Type: station.DestinationTill, AccountNumber: "8800"}

	_, err := c.StartPush(context.Background(), 50, "0712345678", dest, "TXN1")
	assert.ErrorIs(t, err, ErrRejected)
}

func TestBuniClient_QueryStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body map[string]any
		want Outcome
	}{
		{"completed", map[string]any{"ResultCode": "0"}, OutcomeSuccess},
		{"pending", map[string]any{"Status": "pending"}, OutcomePending},
		{"failed", map[string]any{"ResultCode": "1032", "Status": "cancelled"}, OutcomeFailure},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv, _ := buniTestServer(t, http.StatusOK, nil, tt.body)
			c := NewBuniClient(BuniConfig{BaseURL: srv.URL}, nil)

			out, err := c.QueryStatus(context.Background(), "ws_CO_1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestFormatPhone(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "254712345678", FormatPhone("0712345678"))
	assert.Equal(t, "254712345678", FormatPhone("+254712345678"))
	assert.Equal(t, "254712345678", FormatPhone("712345678"))
	assert.Equal(t, "254712345678", FormatPhone("254712345678"))
}
