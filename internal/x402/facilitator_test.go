package x402

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTerms() PaymentTerms {
	return PaymentTerms{
		Price:   "0.001",
		Asset:   "USDC",
		Network: "base-sepolia",
		PayTo:   "0x1111111111111111111111111111111111111111",
	}
}

func testPayload() *PaymentPayload {
	return &PaymentPayload{
		Scheme:  "exact",
		Network: "base-sepolia",
		Payload: &ExactPayload{
			Authorization: &Authorization{From: "0xPayer"},
		},
	}
}

func TestClient_Verify(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(VerifyResponse{IsValid: true, Payer: "0xpayer"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	resp, err := client.Verify(context.Background(), testPayload(), testTerms())
	require.NoError(t, err)

	assert.Equal(t, "/verify", gotPath)
	assert.True(t, resp.IsValid)
	assert.Equal(t, "0xpayer", resp.Payer)

	// Terms travel alongside the payload
	assert.Equal(t, "0.001", gotBody["price"])
	assert.Equal(t, "USDC", gotBody["asset"])
	assert.Equal(t, "base-sepolia", gotBody["network"])
	assert.NotNil(t, gotBody["payload"])
}

func TestClient_Settle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/settle", r.URL.Path)
		json.NewEncoder(w).Encode(SettleResponse{
			Success:     true,
			Payer:       "0xpayer",
			Transaction: "0xtx",
			Network:     "base-sepolia",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	resp, err := client.Settle(context.Background(), testPayload(), testTerms())
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "0xtx", resp.Transaction)
}

func TestClient_Non2xxIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)

	_, err := client.Verify(context.Background(), testPayload(), testTerms())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFacilitatorBadResponse))

	_, err = client.Settle(context.Background(), testPayload(), testTerms())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFacilitatorBadResponse))
}

func TestClient_MalformedJSONIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("definitely not json"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	_, err := client.Verify(context.Background(), testPayload(), testTerms())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFacilitatorBadResponse))
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listens anymore

	client := NewClient(srv.URL, time.Second)
	_, err := client.Verify(context.Background(), testPayload(), testTerms())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFacilitatorUnavailable))
}

func TestClient_RetriesTransientVerifyFailures(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			// Drop the connection mid-request to simulate a flaky network.
			conn, _, err := w.(http.Hijacker).Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		json.NewEncoder(w).Encode(VerifyResponse{IsValid: true, Payer: "0xpayer"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	resp, err := client.Verify(context.Background(), testPayload(), testTerms())
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
	assert.Equal(t, 3, calls)
}

func TestClient_BadResponseIsNotRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	_, err := client.Verify(context.Background(), testPayload(), testTerms())
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestClient_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	for i := 0; i < 5; i++ {
		_, err := client.Verify(context.Background(), testPayload(), testTerms())
		require.Error(t, err)
	}
	require.Equal(t, 5, calls)

	// Circuit is open now: the facilitator is not contacted at all.
	_, err := client.Verify(context.Background(), testPayload(), testTerms())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFacilitatorUnavailable))
	assert.Equal(t, 5, calls)
}

func TestClient_ContextCancelled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer func() {
		close(block)
		srv.Close()
	}()

	client := NewClient(srv.URL, 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Settle(ctx, testPayload(), testTerms())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFacilitatorUnavailable))
}
