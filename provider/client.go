package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const IdempotencyKeyHeader = "Idempotency-Key"

// Client calls the payment provider's mutating endpoints. Every call carries an
// idempotency key, so repeating a call with the same key has at most one effect.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

func NewClient(baseURL, apiKey string, ratePerSec int) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("provider base url is empty")
	}
	if ratePerSec <= 0 {
		ratePerSec = 20
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
	}, nil
}

type RefundRequest struct {
	TenantId   string          `json:"tenant_id"`
	PaymentRef string          `json:"payment_ref"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Reason     string          `json:"reason,omitempty"`
}

type RefundResponse struct {
	RefundId string `json:"refund_id"`
	Status   string `json:"status"`
	// AlreadyApplied is set when the provider answered 409 for a key it has seen.
	AlreadyApplied bool `json:"-"`
}

// APIError is a non-2xx answer other than 409.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider api error %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the same request may succeed later.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// Refund issues (or re-issues) the refund identified by idempotencyKey.
func (c *Client) Refund(ctx context.Context, idempotencyKey string, req RefundRequest) (*RefundResponse, error) {
	if strings.TrimSpace(idempotencyKey) == "" {
		return nil, errors.New("idempotency key is required")
	}
	var out RefundResponse
	status, err := c.post(ctx, "/v1/refunds", idempotencyKey, req, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusConflict {
		out.AlreadyApplied = true
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path, idempotencyKey string, in, out any) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(IdempotencyKeyHeader, idempotencyKey)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300, resp.StatusCode == http.StatusConflict:
		if len(bytes.TrimSpace(body)) > 0 && out != nil {
			// A 409 body may not be the success shape; the key is what matters.
			if err := json.Unmarshal(body, out); err != nil && resp.StatusCode != http.StatusConflict {
				return resp.StatusCode, err
			}
		}
		return resp.StatusCode, nil
	default:
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
}
