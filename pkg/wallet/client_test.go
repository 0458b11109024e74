package wallet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payReq() PayRequest {
	return PayRequest{
		RequestID: "pay_env_abc",
		Payment: PaymentFields{
			Invoice:        "lnbc2500n1...",
			MaxAmountMsats: 250_000,
			Host:           "provider.example",
		},
	}
}

func TestPayBolt11Success(t *testing.T) {
	var gotAuth string
	var gotReq PayRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		require.Equal(t, "/pay-bolt11", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"receipt": map[string]interface{}{
				"receiptId":           "wr_1",
				"canonicalJsonSha256": "ab12",
				"preimageSha256":      "cd34",
				"paidAtMs":            1767265200000,
			},
			"payment": map[string]interface{}{"amount_msats": 250000, "status": "settled"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret-token")
	resp, err := c.PayBolt11(context.Background(), payReq())
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, "pay_env_abc", gotReq.RequestID)
	assert.Equal(t, "lnbc2500n1...", gotReq.Payment.Invoice)
	assert.Equal(t, "wr_1", resp.Receipt.ReceiptID)
	assert.Equal(t, int64(250000), resp.Payment.AmountMsats)
}

func TestPayBolt11RetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(PayResponse{})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t")
	_, err := c.PayBolt11(context.Background(), payReq())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPayBolt11NoRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "invoice already paid", http.StatusConflict)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t")
	_, err := c.PayBolt11(context.Background(), payReq())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPayBolt11UnavailableAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t")
	_, err := c.PayBolt11(context.Background(), payReq())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestPayBolt11RequiresRequestID(t *testing.T) {
	c := NewClient("http://unused.example", "t")
	req := payReq()
	req.RequestID = ""
	_, err := c.PayBolt11(context.Background(), req)
	assert.Error(t, err)
}
