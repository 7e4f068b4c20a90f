package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"auxite/internal/config"
	"auxite/internal/logging"
	"auxite/internal/model"
	"auxite/internal/ratelimit"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, limiter *ratelimit.Limiter) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(config.APIConfig{BaseURL: srv.URL, AuthToken: "tok", UserAgent: "test-agent"}, limiter, logging.Discard(), nil)
}

func TestRequest_Success(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		assert.Equal(t, "0xabc", r.URL.Query().Get("address"))
		_, _ = io.WriteString(w, `{"success":true,"value":42}`)
	}, nil)

	resp := c.Request(context.Background(), Call{Endpoint: "/api/thing", Query: map[string]string{"address": "0xabc"}})
	require.True(t, resp.Success)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"success":true,"value":42}`, string(resp.Data))
}

func TestRequest_FailurePaths(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"error field", http.StatusBadRequest, `{"success":false,"error":"Quote expired"}`, "Quote expired"},
		{"status fallback", http.StatusBadGateway, `<html>bad gateway</html>`, "HTTP 502"},
		{"empty body", http.StatusInternalServerError, ``, "HTTP 500"},
		{"2xx with success false", http.StatusOK, `{"success":false,"error":"Insufficient balance"}`, "Insufficient balance"},
		{"2xx with invalid json", http.StatusOK, `{"success":`, "invalid JSON response"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}, nil)

			resp := c.Request(context.Background(), Call{Endpoint: "/api/x"})
			assert.False(t, resp.Success)
			assert.Equal(t, tc.wantErr, resp.Error)
			assert.Equal(t, tc.status, resp.Status)
		})
	}
}

func TestRequest_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := srv.URL
	srv.Close()

	c := New(config.APIConfig{BaseURL: base}, nil, logging.Discard(), nil)
	resp := c.Request(context.Background(), Call{Endpoint: "/api/x"})
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
	assert.Equal(t, 0, resp.Status)
}

func TestRequest_RateLimitedNeverHitsNetwork(t *testing.T) {
	var hits atomic.Int32
	limiter := ratelimit.New(map[ratelimit.Category]ratelimit.Limit{
		ratelimit.Withdraw: {MaxRequests: 1, Window: time.Minute},
	}, nil)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, `{"success":true}`)
	}, limiter)

	call := Call{Method: http.MethodPost, Endpoint: WithdrawPath, Category: ratelimit.Withdraw}
	require.True(t, c.Request(context.Background(), call).Success)

	resp := c.Request(context.Background(), call)
	assert.False(t, resp.Success)
	assert.True(t, resp.RateLimited)
	assert.Equal(t, 60*time.Second, resp.RetryAfter)
	assert.Equal(t, int32(1), hits.Load())

	var rejected *ratelimit.RejectedError
	require.True(t, errors.As(resp.Err(call), &rejected))
	assert.Equal(t, ratelimit.Withdraw, rejected.Category)
}

func TestRequestQuote(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, QuotePath, r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "sell", body["type"])
		assert.Equal(t, "AUXG", body["metal"])
		assert.Equal(t, 5.0, body["grams"])
		_, _ = io.WriteString(w, `{"success":true,"quote":{"id":"q-1","type":"sell","metal":"AUXG","grams":5,
			"pricePerGram":"85.10","totalUSD":425.5,"totalAUXM":425.5,"createdAt":1700000000000,"expiresAt":1700000030000}}`)
	}, nil)

	q, err := c.RequestQuote(context.Background(), QuoteRequest{Type: model.Sell, Metal: model.Gold, Grams: decimal.NewFromInt(5), Address: "0xabc"})
	require.NoError(t, err)
	assert.Equal(t, "q-1", q.ID)
	assert.True(t, q.PricePerGram.Equal(decimal.RequireFromString("85.10")))
	assert.Equal(t, int64(1700000030000), q.ExpiresAtMS)
}

func TestRequestQuote_BackendError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"success":false,"error":"Price feed unavailable"}`)
	}, nil)

	_, err := c.RequestQuote(context.Background(), QuoteRequest{Type: model.Buy, Metal: model.Gold, Grams: decimal.NewFromInt(1)})
	var be *BackendError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, http.StatusServiceUnavailable, be.Status)
	assert.Equal(t, "Price feed unavailable", be.Message)
}

func TestGetBalance(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, BalancePath, r.URL.Path)
		_, _ = io.WriteString(w, `{"success":true,"balances":{"usd":100,"auxm":50,"bonusAuxm":10,"auxg":5}}`)
	}, nil)

	b, err := c.GetBalance(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.True(t, b.Get(model.TotalAUXM).Equal(decimal.NewFromInt(60)))
	assert.True(t, b.Get(model.AUXG).Equal(decimal.NewFromInt(5)))
}

func TestWithdraw_Requires2FAOnFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"success":false,"requires2FA":true,"error":"Invalid 2FA code"}`)
	}, nil)

	res, err := c.Withdraw(context.Background(), WithdrawRequest{Coin: "USDT", Amount: decimal.NewFromInt(10), TwoFactorCode: "000000"})
	require.Error(t, err)
	assert.True(t, res.Requires2FA)
}

func TestExecuteTrade(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "q-1", body["quoteId"])
		_, _ = io.WriteString(w, `{"success":true,"transaction":{"id":"tx-9","type":"sell","metal":"AUXG","grams":5,"status":"completed"},
			"newBalance":{"auxg":5,"auxm":425.5}}`)
	}, nil)

	res, err := c.ExecuteTrade(context.Background(), "q-1", "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "tx-9", res.Transaction.ID)
	assert.True(t, res.NewBalance.Get(model.AUXM).Equal(decimal.RequireFromString("425.5")))
}
