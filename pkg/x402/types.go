// Package x402 implements the client side of the gateway's payment
// protocol: parsing 402 refusals, building the Payment-Signature header
// and reading settlement metadata from responses.
package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Header names used by the gateway.
const (
	HeaderPayment         = "Payment-Signature"
	HeaderPaymentResponse = "Payment-Response"
)

// Terms is one acceptable way to pay, taken from a 402 response.
type Terms struct {
	Price       string `json:"price"`
	Asset       string `json:"asset"`
	Network     string `json:"network"`
	PayTo       string `json:"payTo,omitempty"`
	Description string `json:"description,omitempty"`
}

// PaymentRequired is the body of a 402 refusal.
type PaymentRequired struct {
	Code    string  `json:"error"`
	Message string  `json:"message"`
	Accepts []Terms `json:"accepts"`
}

func (e *PaymentRequired) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Authorization is the EIP-3009-style transfer authorization carried in
// the payment payload.
type Authorization struct {
	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
	Value       string `json:"value,omitempty"`
	ValidAfter  string `json:"validAfter,omitempty"`
	ValidBefore string `json:"validBefore,omitempty"`
	Nonce       string `json:"nonce,omitempty"`
}

// ExactPayload is the scheme-specific inner payload.
type ExactPayload struct {
	Signature     string         `json:"signature,omitempty"`
	Authorization *Authorization `json:"authorization,omitempty"`
}

// PaymentPayload is the envelope serialized into the Payment-Signature
// header.
type PaymentPayload struct {
	X402Version int           `json:"x402Version,omitempty"`
	Scheme      string        `json:"scheme,omitempty"`
	Network     string        `json:"network,omitempty"`
	Payload     *ExactPayload `json:"payload,omitempty"`
}

// EncodeHeader serializes the payload into Payment-Signature header form.
func (p *PaymentPayload) EncodeHeader() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Settlement is the settlement metadata attached to a freshly paid
// response via the Payment-Response header.
type Settlement struct {
	Success     bool   `json:"success"`
	Payer       string `json:"payer,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
}

// ParsePaymentRequired extracts the refusal body from a 402 response.
// The response body is consumed.
func ParsePaymentRequired(resp *http.Response) (*PaymentRequired, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("not a 402 response: got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read 402 body: %w", err)
	}

	var pr PaymentRequired
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, fmt.Errorf("parse 402 body: %w", err)
	}
	return &pr, nil
}

// ParseSettlement reads the Payment-Response header from a response.
// Returns nil without error when the header is absent, which means the
// request rode an existing paid session.
func ParseSettlement(resp *http.Response) (*Settlement, error) {
	header := resp.Header.Get(HeaderPaymentResponse)
	if header == "" {
		return nil, nil
	}

	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("decode settlement header: %w", err)
	}
	var s Settlement
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse settlement header: %w", err)
	}
	return &s, nil
}
