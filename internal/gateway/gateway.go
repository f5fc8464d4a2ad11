// Package gateway implements the payment-enforcing admission pipeline.
//
// Flow per inbound request:
//  1. Route match → effective pricing (nested over legacy fields)
//  2. Sliding-window rate limit keyed by payer or client IP → 429
//  3. Time-priced routes: active paid session → skip payment
//  4. Otherwise: decode Payment-Signature, facilitator verify + settle → 402 on failure
//  5. Proxy to the configured upstream, attaching Payment-Response only
//     when this request actually settled a payment
package gateway

import (
	"encoding/json"
	"errors"
	"time"
)

// Errors
var (
	ErrUpstreamUnavailable = errors.New("gateway: upstream unavailable")
	ErrUnknownUpstream     = errors.New("gateway: route references unknown upstream")
	ErrDuplicateRoute      = errors.New("gateway: duplicate route key")
)

// Pricing models.
const (
	ModelRequest = "request"
	ModelTime    = "time"
)

// Constants
const (
	// DefaultSweepInterval is how often the in-memory stores purge
	// expired state.
	DefaultSweepInterval = 60 * time.Second

	// rateLimitStaleAfter is the minimum idle time before a rate-limit
	// key is evicted; keys checked under a longer window keep that
	// window as their bound instead.
	rateLimitStaleAfter = time.Hour

	DefaultUpstreamTimeout = 30 * time.Second
)

// Pricing is the nested pricing descriptor on a route.
type Pricing struct {
	Model    string          `json:"model,omitempty"` // "request" (default) or "time"
	Price    string          `json:"price,omitempty"`
	Duration string          `json:"duration,omitempty"` // required when Model == "time"
	Match    json.RawMessage `json:"match,omitempty"`
	Fallback string          `json:"fallback,omitempty"`
}

// Route maps an HTTP method+path to an upstream and its pricing. The
// legacy top-level pricing fields predate the nested Pricing block and
// are still honored when the nested field is absent.
type Route struct {
	Key       string           `json:"key,omitempty"` // defaults to "METHOD /path"
	Method    string           `json:"method"`
	Path      string           `json:"path"`
	Upstream  string           `json:"upstream"`
	Pricing   *Pricing         `json:"pricing,omitempty"`
	Price     string           `json:"price,omitempty"`
	Match     json.RawMessage  `json:"match,omitempty"`
	Fallback  string           `json:"fallback,omitempty"`
	RateLimit *RateLimitConfig `json:"rateLimit,omitempty"`
}

// RouteKey returns the unique key identifying this route in rate-limit
// and session keys.
func (r *Route) RouteKey() string {
	if r.Key != "" {
		return r.Key
	}
	return r.Method + " " + r.Path
}

// EffectivePricing is the merged pricing descriptor produced by
// ResolvePricing.
type EffectivePricing struct {
	Model    string
	Price    string
	Duration string
	Match    json.RawMessage
	Fallback string
}

// RateLimitConfig is a per-route or global rate-limit setting.
type RateLimitConfig struct {
	Requests int    `json:"requests"`
	Window   string `json:"window"`
}

// RateLimitResult is the outcome of a single Check call.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	Limit     int
	// Reset is the time until the oldest counted request leaves the
	// window when denied. On the allow path it reports the full window
	// width rather than time-to-next-denial; callers rely on that.
	Reset time.Duration
}
