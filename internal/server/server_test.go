package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tollgate/tollgate/internal/config"
	"github.com/tollgate/tollgate/internal/gateway"
	"github.com/tollgate/tollgate/internal/x402"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeFacilitator struct {
	verifyErr error
}

func (f *fakeFacilitator) Verify(_ context.Context, _ *x402.PaymentPayload, _ x402.PaymentTerms) (*x402.VerifyResponse, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return &x402.VerifyResponse{IsValid: true, Payer: "0xpayer"}, nil
}

func (f *fakeFacilitator) Settle(_ context.Context, _ *x402.PaymentPayload, _ x402.PaymentTerms) (*x402.SettleResponse, error) {
	return &x402.SettleResponse{Success: true, Payer: "0xpayer", Transaction: "0xtx", Network: "base-sepolia"}, nil
}

func testConfig(t *testing.T, upstreamURL string) *config.Config {
	t.Helper()
	return &config.Config{
		Port:           "0",
		Env:            "development",
		LogLevel:       "error",
		FacilitatorURL: "http://localhost:1",
		DefaultPrice:   "0.001",
		DefaultAsset:   "USDC",
		DefaultNetwork: "base-sepolia",
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
		Gateway: &config.GatewayFile{
			Upstreams: map[string]string{"api": upstreamURL},
			Routes: []gateway.Route{
				{Method: "GET", Path: "/api/data", Upstream: "api", Price: "0.01"},
			},
		},
	}
}

func newTestServer(t *testing.T, fac x402.Facilitator) *Server {
	t.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":"ok"}`))
	}))
	t.Cleanup(upstream.Close)

	srv, err := New(testConfig(t, upstream.URL), WithFacilitator(fac))
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown() })
	return srv
}

func TestServer_Healthz(t *testing.T) {
	srv := newTestServer(t, &fakeFacilitator{})

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status string `json:"status"`
		Checks []struct {
			Name    string `json:"name"`
			Healthy bool   `json:"healthy"`
		} `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	require.Len(t, body.Checks, 1)
	assert.Equal(t, "sessions", body.Checks[0].Name)
	assert.True(t, body.Checks[0].Healthy)
}

func TestServer_ReadyzBeforeRun(t *testing.T) {
	srv := newTestServer(t, &fakeFacilitator{})

	// Run has not been called, so the server is not ready yet
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest("GET", "/readyz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeFacilitator{})

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tollgate_")
}

func TestServer_RequestIDHeader(t *testing.T) {
	srv := newTestServer(t, &fakeFacilitator{})

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	// a caller-provided ID is echoed back unchanged
	r := httptest.NewRequest("GET", "/healthz", nil)
	r.Header.Set("X-Request-ID", "abc-123")
	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, r)
	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))
}

func TestServer_GatedRouteEndToEnd(t *testing.T) {
	srv := newTestServer(t, &fakeFacilitator{})

	// unpaid request is refused with the terms
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest("GET", "/api/data", nil))
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	var refusal struct {
		Accepts []x402.PaymentTerms `json:"accepts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &refusal))
	require.Len(t, refusal.Accepts, 1)
	assert.Equal(t, "0.01", refusal.Accepts[0].Price)

	// paid request flows through to the upstream
	header, err := x402.EncodePayment(&x402.PaymentPayload{
		Scheme:  "exact",
		Network: "base-sepolia",
		Payload: &x402.ExactPayload{
			Authorization: &x402.Authorization{From: "0xpayer"},
		},
	})
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/api/data", nil)
	r.Header.Set(x402.HeaderPayment, header)
	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":"ok"}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get(x402.HeaderPaymentResponse))
}

func TestServer_FacilitatorErrorSurfacesAs502(t *testing.T) {
	srv := newTestServer(t, &fakeFacilitator{verifyErr: errors.New("connection refused")})

	header, err := x402.EncodePayment(&x402.PaymentPayload{
		Payload: &x402.ExactPayload{Authorization: &x402.Authorization{From: "0xpayer"}},
	})
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/api/data", nil)
	r.Header.Set(x402.HeaderPayment, header)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, r)

	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestNew_RejectsBadRouteTable(t *testing.T) {
	cfg := testConfig(t, "http://localhost:9000")
	cfg.Gateway.Routes = append(cfg.Gateway.Routes, gateway.Route{
		Method: "GET", Path: "/api/data", Upstream: "api",
	})

	_, err := New(cfg, WithFacilitator(&fakeFacilitator{}))
	require.ErrorIs(t, err, gateway.ErrDuplicateRoute)
}

func TestNew_RejectsBadRedisURL(t *testing.T) {
	cfg := testConfig(t, "http://localhost:9000")
	cfg.RedisURL = "not-a-redis-url"

	_, err := New(cfg, WithFacilitator(&fakeFacilitator{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_URL")
}
