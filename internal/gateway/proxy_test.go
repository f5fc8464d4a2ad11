package gateway

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tollgate/tollgate/internal/x402"
)

func TestNewProxy_RejectsBadUpstreams(t *testing.T) {
	_, err := NewProxy(map[string]string{"api": "://nope"}, 0)
	require.Error(t, err)

	_, err = NewProxy(map[string]string{"api": "just-a-host"}, 0)
	require.Error(t, err)
}

func TestProxy_ForwardRelaysRequestAndResponse(t *testing.T) {
	var got *http.Request
	var gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(r.Context())
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	p, err := NewProxy(map[string]string{"api": upstream.URL}, time.Second)
	require.NoError(t, err)

	route := &Route{Method: "POST", Path: "/v1/data", Upstream: "api"}
	r := httptest.NewRequest("POST", "/v1/data?limit=5", strings.NewReader("hello"))
	r.Header.Set("Content-Type", "text/plain")
	r.Header.Set("X-Custom", "kept")
	r.Header.Set(x402.HeaderPayment, "c2VjcmV0") // must be stripped
	w := httptest.NewRecorder()

	require.NoError(t, p.Forward(w, r, route, ""))

	// request side
	assert.Equal(t, "/v1/data", got.URL.Path)
	assert.Equal(t, "limit=5", got.URL.RawQuery)
	assert.Equal(t, "kept", got.Header.Get("X-Custom"))
	assert.Empty(t, got.Header.Get(x402.HeaderPayment))
	assert.NotEmpty(t, got.Header.Get("X-Forwarded-For"))
	assert.Equal(t, "hello", gotBody)

	// response side
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "yes", w.Header().Get("X-Upstream"))
	assert.Equal(t, `{"ok":true}`, w.Body.String())
	assert.Empty(t, w.Header().Get(x402.HeaderPaymentResponse))
}

func TestProxy_ForwardedForHandlesIPv6(t *testing.T) {
	var got http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer upstream.Close()

	p, err := NewProxy(map[string]string{"api": upstream.URL}, time.Second)
	require.NoError(t, err)
	route := &Route{Method: "GET", Path: "/x", Upstream: "api"}

	r := httptest.NewRequest("GET", "/x", nil)
	r.RemoteAddr = "[::1]:51234"
	require.NoError(t, p.Forward(httptest.NewRecorder(), r, route, ""))
	assert.Equal(t, "::1", got.Get("X-Forwarded-For"))

	// existing chain is appended to, not replaced
	r = httptest.NewRequest("GET", "/x", nil)
	r.RemoteAddr = "[2001:db8::2]:443"
	r.Header.Set("X-Forwarded-For", "1.2.3.4")
	require.NoError(t, p.Forward(httptest.NewRecorder(), r, route, ""))
	assert.Equal(t, "1.2.3.4, 2001:db8::2", got.Get("X-Forwarded-For"))
}

func TestProxy_ForwardAttachesSettlementHeader(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	p, err := NewProxy(map[string]string{"api": upstream.URL}, time.Second)
	require.NoError(t, err)

	route := &Route{Method: "GET", Path: "/paid", Upstream: "api"}
	r := httptest.NewRequest("GET", "/paid", nil)
	w := httptest.NewRecorder()

	require.NoError(t, p.Forward(w, r, route, "c2V0dGxlZA=="))
	assert.Equal(t, "c2V0dGxlZA==", w.Header().Get(x402.HeaderPaymentResponse))
}

func TestProxy_ForwardUnknownUpstream(t *testing.T) {
	p, err := NewProxy(map[string]string{}, time.Second)
	require.NoError(t, err)

	route := &Route{Method: "GET", Path: "/x", Upstream: "ghost"}
	err = p.Forward(httptest.NewRecorder(), httptest.NewRequest("GET", "/x", nil), route, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownUpstream))
}

func TestProxy_ForwardUpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close() // listener gone

	p, err := NewProxy(map[string]string{"api": upstream.URL}, time.Second)
	require.NoError(t, err)

	route := &Route{Method: "GET", Path: "/x", Upstream: "api"}
	err = p.Forward(httptest.NewRecorder(), httptest.NewRequest("GET", "/x", nil), route, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUpstreamUnavailable))
}

func TestProxy_UpstreamStatusIsRelayedNotRetried(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "teapot", http.StatusTeapot)
	}))
	defer upstream.Close()

	p, err := NewProxy(map[string]string{"api": upstream.URL}, time.Second)
	require.NoError(t, err)

	route := &Route{Method: "GET", Path: "/x", Upstream: "api"}
	w := httptest.NewRecorder()
	require.NoError(t, p.Forward(w, httptest.NewRequest("GET", "/x", nil), route, ""))
	assert.Equal(t, http.StatusTeapot, w.Code)
}
