package gateway

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tollgate/tollgate/internal/traces"
	"github.com/tollgate/tollgate/internal/x402"
)

// hop-by-hop headers per RFC 9110 §7.6.1; never forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Proxy forwards admitted requests to configured upstreams and relays
// the response back. It does no retrying; an unreachable upstream is the
// caller's 502.
type Proxy struct {
	upstreams map[string]*url.URL
	client    *http.Client
}

// NewProxy creates a proxy over the named upstream base URLs.
// Pass timeout=0 to use DefaultUpstreamTimeout.
func NewProxy(upstreams map[string]string, timeout time.Duration) (*Proxy, error) {
	if timeout == 0 {
		timeout = DefaultUpstreamTimeout
	}
	parsed := make(map[string]*url.URL, len(upstreams))
	for name, base := range upstreams {
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("upstream %q: parse base URL: %w", name, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("upstream %q: base URL %q needs scheme and host", name, base)
		}
		parsed[name] = u
	}
	return &Proxy{
		upstreams: parsed,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

// Forward relays the inbound request to the route's upstream and writes
// the upstream response to w. The Payment-Signature header is stripped;
// settlementHeader, when non-empty, is attached as Payment-Response so
// callers can tell a fresh settlement from session reuse.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, route *Route, settlementHeader string) error {
	base, ok := p.upstreams[route.Upstream]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownUpstream, route.Upstream)
	}

	ctx, span := traces.StartSpan(r.Context(), "gateway.proxy",
		traces.RouteKey(route.RouteKey()),
		traces.Upstream(route.Upstream),
	)
	defer span.End()

	target := *base
	target.Path = strings.TrimRight(base.Path, "/") + r.URL.Path
	target.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), r.Body)
	if err != nil {
		return fmt.Errorf("create upstream request: %w", err)
	}

	copyHeaders(req.Header, r.Header)
	req.Header.Del(x402.HeaderPayment)
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host != "" {
		prior := r.Header.Get("X-Forwarded-For")
		if prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+host)
		} else {
			req.Header.Set("X-Forwarded-For", host)
		}
	}
	req.Header.Set("X-Forwarded-Host", r.Host)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	if settlementHeader != "" {
		w.Header().Set(x402.HeaderPaymentResponse, settlementHeader)
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		// Status already went out; the relay is interrupted, not retried.
		return fmt.Errorf("relay upstream body: %w", err)
	}
	return nil
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		if isHopByHop(name) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}
