// Package x402 implements the x402 payment protocol surface of the
// gateway: the wire payload carried in the Payment-Signature header and
// the client for the external facilitator's verify/settle operations.
package x402

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Header names recognized by the gateway.
const (
	HeaderPayment         = "Payment-Signature"
	HeaderPaymentResponse = "Payment-Response"
)

// Errors
var (
	ErrMalformedPayment       = errors.New("x402: malformed payment header")
	ErrFacilitatorUnavailable = errors.New("x402: facilitator unavailable")
	ErrFacilitatorBadResponse = errors.New("x402: facilitator returned unusable response")
)

// Authorization is the EIP-3009-style transfer authorization nested in
// modern payment payloads.
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

// PaymentPayload is the decoded Payment-Signature envelope. Clients have
// historically shipped three shapes, so the payer address may live at
// payload.authorization.from, at the top-level "from", or at "payer".
type PaymentPayload struct {
	X402Version int           `json:"x402Version,omitempty"`
	Scheme      string        `json:"scheme,omitempty"`
	Network     string        `json:"network,omitempty"`
	Payload     *ExactPayload `json:"payload,omitempty"`
	From        string        `json:"from,omitempty"`
	Payer       string        `json:"payer,omitempty"`
}

// PayerAddress returns the payer address from the first populated of the
// three known locations, in priority order. Empty string when none is set.
func (p *PaymentPayload) PayerAddress() string {
	if p == nil {
		return ""
	}
	if p.Payload != nil && p.Payload.Authorization != nil && p.Payload.Authorization.From != "" {
		return p.Payload.Authorization.From
	}
	if p.From != "" {
		return p.From
	}
	return p.Payer
}

// PaymentTerms describes what a route charges. Returned in 402 bodies
// and forwarded to the facilitator alongside the payload.
type PaymentTerms struct {
	Price       string `json:"price"`
	Asset       string `json:"asset"`
	Network     string `json:"network"`
	PayTo       string `json:"payTo,omitempty"`
	Description string `json:"description,omitempty"`
}

// VerifyResponse is the facilitator's answer to POST /verify.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	Payer         string `json:"payer,omitempty"`
	InvalidReason string `json:"invalidReason,omitempty"`
}

// SettleResponse is the facilitator's answer to POST /settle.
type SettleResponse struct {
	Success     bool   `json:"success"`
	Payer       string `json:"payer,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// DecodePayment decodes a base64-encoded JSON payment envelope. The
// caller decides whether a failure is fatal: identity extraction swallows
// it, payment verification surfaces it as ErrMalformedPayment.
func DecodePayment(header string) (*PaymentPayload, error) {
	if header == "" {
		return nil, fmt.Errorf("%w: empty header", ErrMalformedPayment)
	}
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayment, err)
	}
	var payload PaymentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayment, err)
	}
	return &payload, nil
}

// EncodePayment serializes a payload back into header form. Used by
// tests and SDK-side callers.
func EncodePayment(p *PaymentPayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// EncodeSettlement serializes settlement metadata for the
// Payment-Response header.
func EncodeSettlement(s *SettleResponse) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal settlement: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeSettlement parses a Payment-Response header value.
func DecodeSettlement(header string) (*SettleResponse, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("decode settlement header: %w", err)
	}
	var s SettleResponse
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse settlement header: %w", err)
	}
	return &s, nil
}
