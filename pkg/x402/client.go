package x402

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Signer produces a signed payment payload for the given terms. How the
// signature is made (local key, remote signer, hardware wallet) is the
// caller's business.
type Signer func(ctx context.Context, terms Terms) (*PaymentPayload, error)

// Client wraps http.Client with automatic 402 payment handling: when a
// request is refused with payment terms, the signer is asked for a
// payload and the request is replayed with the Payment-Signature header.
type Client struct {
	httpClient *http.Client
	signer     Signer

	// Configuration
	MaxRetries int    // Max payment retries per request (default: 1)
	AutoPay    bool   // Automatically pay 402s (default: true)
	MaxPayment string // Max payment amount (default: unlimited)

	// OnPayment is called before each payment attempt.
	OnPayment func(terms Terms)
}

// NewClient creates an x402-enabled HTTP client around the given signer.
func NewClient(signer Signer) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		signer:     signer,
		MaxRetries: 1,
		AutoPay:    true,
	}
}

// Do performs an HTTP request with automatic 402 payment handling.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.DoContext(req.Context(), req)
}

// DoContext performs an HTTP request with context and automatic 402
// handling.
func (c *Client) DoContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	// Buffer the body in case the request has to be replayed with payment.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		_ = req.Body.Close()
	}

	req = req.WithContext(ctx)

	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}

		// Not a 402 - return response as-is
		if resp.StatusCode != http.StatusPaymentRequired {
			return resp, nil
		}

		// Don't auto-pay if disabled
		if !c.AutoPay {
			return resp, nil
		}

		refusal, err := ParsePaymentRequired(resp)
		_ = resp.Body.Close()
		if err != nil {
			return nil, err
		}
		if len(refusal.Accepts) == 0 {
			return nil, fmt.Errorf("402 without payment terms: %w", refusal)
		}
		terms := refusal.Accepts[0]

		if c.MaxPayment != "" {
			if err := c.checkPaymentLimit(terms.Price); err != nil {
				return nil, err
			}
		}

		if c.OnPayment != nil {
			c.OnPayment(terms)
		}

		payload, err := c.signer(ctx, terms)
		if err != nil {
			return nil, fmt.Errorf("sign payment: %w", err)
		}
		header, err := payload.EncodeHeader()
		if err != nil {
			return nil, err
		}
		req.Header.Set(HeaderPayment, header)
	}

	return nil, fmt.Errorf("payment retries exceeded")
}

// Get performs a GET request with automatic 402 handling.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// checkPaymentLimit verifies the payment doesn't exceed max.
func (c *Client) checkPaymentLimit(price string) error {
	maxAmount, err := strconv.ParseFloat(c.MaxPayment, 64)
	if err != nil {
		return fmt.Errorf("invalid max payment %q: %w", c.MaxPayment, err)
	}
	reqAmount, err := strconv.ParseFloat(price, 64)
	if err != nil {
		return fmt.Errorf("invalid price %q: %w", price, err)
	}
	if reqAmount > maxAmount {
		return fmt.Errorf("payment %s exceeds max %s", price, c.MaxPayment)
	}
	return nil
}
