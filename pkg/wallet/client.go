// Package wallet consumes the external wallet/liquidity payment capability:
// "pay this bolt11 invoice, return a receipt, idempotent by request id".
//
// The endpoint's idempotency by request_id is the outer layer of the
// settlement service's exactly-once guarantee, so retrying a call here with
// the same request id is always safe.
package wallet

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// ErrUnavailable wraps transport failures and 5xx responses. Callers must
// treat it as "unknown outcome" and retry with the same request id, never as a
// failed payment.
var ErrUnavailable = errors.New("wallet: payment capability unavailable")

// PaymentFields is the bolt11 payment request body.
type PaymentFields struct {
	Invoice        string `json:"invoice"`
	MaxAmountMsats int64  `json:"max_amount_msats"`
	Host           string `json:"host,omitempty"`
}

// PayRequest is the body of POST /pay-bolt11.
type PayRequest struct {
	RequestID string        `json:"request_id"`
	Payment   PaymentFields `json:"payment"`
}

// Receipt is the wallet-side payment proof.
type Receipt struct {
	ReceiptID           string `json:"receiptId"`
	CanonicalJSONSHA256 string `json:"canonicalJsonSha256"`
	PreimageSHA256      string `json:"preimageSha256"`
	PaidAtMs            int64  `json:"paidAtMs"`
}

// PayResponse is a successful /pay-bolt11 response.
type PayResponse struct {
	Receipt Receipt `json:"receipt"`
	Payment struct {
		AmountMsats int64  `json:"amount_msats"`
		FeeMsats    int64  `json:"fee_msats"`
		Status      string `json:"status"`
	} `json:"payment"`
}

// Payer is the capability surface the settlement service consumes.
type Payer interface {
	PayBolt11(ctx context.Context, req PayRequest) (*PayResponse, error)
}

// Client is an HTTP Payer with bounded retries and client-side pacing.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
}

// NewClient creates a wallet client. token is sent as a bearer credential.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(10), 10),
		maxRetries: 3,
	}
}

// WithHTTPClient overrides the underlying http client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// WithRateLimit caps outbound calls per second.
func (c *Client) WithRateLimit(perSecond float64, burst int) *Client {
	c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	return c
}

// PayBolt11 posts the payment request. Transport errors and 5xx responses are
// retried with exponential backoff and jitter; 4xx responses are returned as
// terminal errors without retry. The request id makes retries idempotent on
// the wallet side.
func (c *Client) PayBolt11(ctx context.Context, req PayRequest) (*PayResponse, error) {
	if req.RequestID == "" {
		return nil, fmt.Errorf("wallet: request id is required")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("wallet: marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * 100 * time.Millisecond
			if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
				backoff += time.Duration(n.Int64()) * time.Millisecond
			}
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			case <-time.After(backoff):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		resp, err := c.doOnce(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !errors.Is(err, ErrUnavailable) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, body []byte) (*PayResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/pay-bolt11", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("wallet: create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		var out PayResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("wallet: decode response: %w", err)
		}
		return &out, nil
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("wallet: payment rejected: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
}
