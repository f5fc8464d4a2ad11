package x402

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

	"github.com/tollgate/tollgate/internal/circuitbreaker"
	"github.com/tollgate/tollgate/internal/retry"
	"github.com/tollgate/tollgate/internal/traces"
)

const (
	// DefaultFacilitatorTimeout bounds a single verify or settle call.
	DefaultFacilitatorTimeout = 30 * time.Second

	maxFacilitatorResponse = 1 * 1024 * 1024 // 1MB

	verifyAttempts  = 3
	verifyRetryBase = 100 * time.Millisecond

	breakerThreshold = 5
	breakerCooldown  = 15 * time.Second
)

// Facilitator verifies and settles payments. Satisfied by Client; tests
// substitute their own.
type Facilitator interface {
	Verify(ctx context.Context, payload *PaymentPayload, terms PaymentTerms) (*VerifyResponse, error)
	Settle(ctx context.Context, payload *PaymentPayload, terms PaymentTerms) (*SettleResponse, error)
}

// Client talks to a facilitator service over HTTP. Transient transport
// failures on verify are retried with backoff; settle is sent exactly
// once because captures are not idempotent. A circuit breaker per
// endpoint fails fast while the facilitator is down.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.Breaker
}

// NewClient creates a facilitator client for the given base URL.
// Pass timeout=0 to use DefaultFacilitatorTimeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = DefaultFacilitatorTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(breakerThreshold, breakerCooldown),
	}
}

// facilitatorRequest is the body for both /verify and /settle.
type facilitatorRequest struct {
	Payload *PaymentPayload `json:"payload"`
	Price   string          `json:"price"`
	Asset   string          `json:"asset"`
	Network string          `json:"network"`
	PayTo   string          `json:"payTo,omitempty"`
}

// Verify asks the facilitator whether the payment payload is valid for
// the given terms. Transport failures, non-2xx statuses and unparseable
// bodies all surface as errors, never as a valid payment.
func (c *Client) Verify(ctx context.Context, payload *PaymentPayload, terms PaymentTerms) (*VerifyResponse, error) {
	ctx, span := traces.StartSpan(ctx, "facilitator.verify", traces.Network(terms.Network))
	defer span.End()

	if !c.breaker.Allow("verify") {
		return nil, fmt.Errorf("%w: circuit open", ErrFacilitatorUnavailable)
	}

	var resp VerifyResponse
	// Verification is read-only on the facilitator side, safe to retry.
	err := retry.Do(ctx, verifyAttempts, verifyRetryBase, func() error {
		err := c.post(ctx, "/verify", payload, terms, &resp)
		if errors.Is(err, ErrFacilitatorBadResponse) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		c.breaker.RecordFailure("verify")
		return nil, err
	}
	c.breaker.RecordSuccess("verify")
	return &resp, nil
}

// Settle asks the facilitator to capture a previously verified payment.
func (c *Client) Settle(ctx context.Context, payload *PaymentPayload, terms PaymentTerms) (*SettleResponse, error) {
	ctx, span := traces.StartSpan(ctx, "facilitator.settle", traces.Network(terms.Network))
	defer span.End()

	if !c.breaker.Allow("settle") {
		return nil, fmt.Errorf("%w: circuit open", ErrFacilitatorUnavailable)
	}

	var resp SettleResponse
	if err := c.post(ctx, "/settle", payload, terms, &resp); err != nil {
		c.breaker.RecordFailure("settle")
		return nil, err
	}
	c.breaker.RecordSuccess("settle")
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, payload *PaymentPayload, terms PaymentTerms, out interface{}) error {
	body, err := json.Marshal(facilitatorRequest{
		Payload: payload,
		Price:   terms.Price,
		Asset:   terms.Asset,
		Network: terms.Network,
		PayTo:   terms.PayTo,
	})
	if err != nil {
		return fmt.Errorf("marshal facilitator request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create facilitator request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFacilitatorUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxFacilitatorResponse))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrFacilitatorUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s returned HTTP %d", ErrFacilitatorBadResponse, path, resp.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrFacilitatorBadResponse, path, err)
	}
	return nil
}
