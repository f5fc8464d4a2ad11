package x402

import (
	"encoding/base64"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePaymentRequired(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusPaymentRequired,
		Body: io.NopCloser(strings.NewReader(
			`{"error":"payment_required","message":"pay up","accepts":[{"price":"0.01","asset":"USDC","network":"base-sepolia"}]}`,
		)),
	}

	pr, err := ParsePaymentRequired(resp)
	require.NoError(t, err)
	assert.Equal(t, "payment_required", pr.Code)
	require.Len(t, pr.Accepts, 1)
	assert.Equal(t, "0.01", pr.Accepts[0].Price)
	assert.Equal(t, "payment_required: pay up", pr.Error())
}

func TestParsePaymentRequired_NotA402(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("{}"))}
	_, err := ParsePaymentRequired(resp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a 402")
}

func TestEncodeHeader(t *testing.T) {
	payload := &PaymentPayload{
		Scheme:  "exact",
		Network: "base-sepolia",
		Payload: &ExactPayload{
			Signature:     "0xsig",
			Authorization: &Authorization{From: "0xbuyer", Value: "1000"},
		},
	}

	header, err := payload.EncodeHeader()
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(header)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"from":"0xbuyer"`)
	assert.Contains(t, string(raw), `"scheme":"exact"`)
}

func TestParseSettlement_BadHeader(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	resp.Header.Set(HeaderPaymentResponse, "%%%not-base64%%%")
	_, err := ParseSettlement(resp)
	require.Error(t, err)
}
