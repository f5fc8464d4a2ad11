package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"github.com/tollgate/tollgate/internal/duration"
	"github.com/tollgate/tollgate/internal/traces"
	"github.com/tollgate/tollgate/internal/x402"
)

// Defaults carries gateway-wide fallbacks applied when a route does not
// override them.
type Defaults struct {
	Terms     x402.PaymentTerms // asset/network/payTo and fallback price
	RateLimit *RateLimitConfig  // nil disables rate limiting by default
}

// compiledRoute is a Route with its pricing, payment terms and rate
// limit resolved and parsed once at construction.
type compiledRoute struct {
	route      *Route
	pricing    EffectivePricing
	terms      x402.PaymentTerms
	sessionTTL time.Duration // > 0 iff pricing model is "time"
	limit      int           // 0 = rate limiting disabled for this route
	window     time.Duration
}

// Service is the admission pipeline. It owns no long-lived state itself;
// the rate limiter and session store own their maps exclusively and the
// service only calls their public operations.
type Service struct {
	routes   []*compiledRoute
	sessions SessionStore
	limits   RateLimitStore
	fac      x402.Facilitator
	proxy    *Proxy
	logger   *slog.Logger
}

// NewService compiles the route table and wires the pipeline. Route keys
// must be unique; a "time" route must carry a parseable duration and any
// effective rate limit must have requests > 0 and a parseable window —
// all rejected here rather than at request time.
func NewService(routes []Route, sessions SessionStore, limits RateLimitStore, fac x402.Facilitator, proxy *Proxy, defaults Defaults, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		sessions: sessions,
		limits:   limits,
		fac:      fac,
		proxy:    proxy,
		logger:   logger,
	}

	seen := make(map[string]bool, len(routes))
	for i := range routes {
		route := &routes[i]
		key := route.RouteKey()
		if seen[key] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateRoute, key)
		}
		seen[key] = true

		cr := &compiledRoute{
			route:   route,
			pricing: ResolvePricing(route),
		}

		if cr.pricing.Model == ModelTime {
			ttl, err := duration.Parse(cr.pricing.Duration)
			if err != nil {
				return nil, fmt.Errorf("route %q: session duration: %w", key, err)
			}
			cr.sessionTTL = ttl
		}

		rl := route.RateLimit
		if rl == nil {
			rl = defaults.RateLimit
		}
		if rl != nil {
			if rl.Requests <= 0 {
				return nil, fmt.Errorf("route %q: rate limit requests must be > 0, got %d", key, rl.Requests)
			}
			window, err := duration.Parse(rl.Window)
			if err != nil {
				return nil, fmt.Errorf("route %q: rate limit window: %w", key, err)
			}
			cr.limit = rl.Requests
			cr.window = window
		}

		cr.terms = defaults.Terms
		if cr.pricing.Price != "" {
			cr.terms.Price = cr.pricing.Price
		}
		if cr.terms.Description == "" {
			cr.terms.Description = key
		}

		s.routes = append(s.routes, cr)
	}

	return s, nil
}

// Register installs one handler per configured route. Unmatched requests
// fall through to the router's own not-found handling; they are not
// gated by this pipeline.
func (s *Service) Register(r gin.IRouter) {
	for _, cr := range s.routes {
		r.Handle(cr.route.Method, cr.route.Path, s.handle(cr))
	}
}

// handle runs the admission state machine for one route: rate limit,
// session reuse, payment verify+settle, proxy.
func (s *Service) handle(cr *compiledRoute) gin.HandlerFunc {
	routeKey := cr.route.RouteKey()

	return func(c *gin.Context) {
		start := time.Now()
		ctx := c.Request.Context()

		if cr.limit > 0 {
			identity := ExtractIdentity(c.Request)
			result, err := s.limits.Check(ctx, routeKey+":"+identity, cr.limit, cr.window)
			if err != nil {
				gwAdmissions.WithLabelValues("store_error").Inc()
				s.logger.Error("rate limit check failed", "route", routeKey, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{
					"error":   "rate_limit_unavailable",
					"message": "Rate limit state could not be read.",
				})
				return
			}

			c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			c.Header("X-RateLimit-Reset", strconv.FormatInt(result.Reset.Milliseconds(), 10))

			if !result.Allowed {
				gwRateLimitDenials.Inc()
				gwAdmissions.WithLabelValues("rate_limited").Inc()
				retryAfter := int64(result.Reset.Seconds()) + 1
				c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
				c.JSON(http.StatusTooManyRequests, gin.H{
					"error":     "rate_limit_exceeded",
					"limit":     result.Limit,
					"remaining": result.Remaining,
					"resetMs":   result.Reset.Milliseconds(),
				})
				return
			}
		}

		if cr.sessionTTL > 0 {
			// The candidate payer comes from the not-yet-verified header;
			// a forged payer only reaches the session lookup, actual
			// access still requires a paid session to exist.
			if payer := candidatePayer(c.Request); payer != "" {
				_, active, err := s.sessions.Get(ctx, SessionKey(routeKey, payer))
				if err != nil {
					// A broken session store forces re-payment, never a free pass.
					s.logger.Warn("session lookup failed, requiring payment", "route", routeKey, "error", err)
				} else if active {
					gwSessionReuse.Inc()
					s.forward(c, cr, "", start)
					return
				}
			}
		}

		header := c.GetHeader(x402.HeaderPayment)
		if header == "" {
			gwAdmissions.WithLabelValues("payment_required").Inc()
			s.paymentRequired(c, cr, "payment_required", "Payment is required for this route.")
			return
		}

		payload, err := x402.DecodePayment(header)
		if err != nil {
			gwAdmissions.WithLabelValues("malformed_payment").Inc()
			s.paymentRequired(c, cr, "malformed_payment_header", "The payment header could not be decoded.")
			return
		}

		verify, err := s.fac.Verify(ctx, payload, cr.terms)
		if err != nil {
			gwAdmissions.WithLabelValues("facilitator_error").Inc()
			s.logger.Error("facilitator verify failed", "route", routeKey, "error", err)
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "facilitator_unavailable",
				"message": "Payment could not be verified.",
			})
			return
		}
		if !verify.IsValid {
			gwAdmissions.WithLabelValues("invalid_payment").Inc()
			s.paymentRequired(c, cr, "invalid_payment", verify.InvalidReason)
			return
		}

		settle, err := s.fac.Settle(ctx, payload, cr.terms)
		if err != nil {
			gwAdmissions.WithLabelValues("facilitator_error").Inc()
			s.logger.Error("facilitator settle failed", "route", routeKey, "error", err)
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "facilitator_unavailable",
				"message": "Payment was verified but could not be settled.",
			})
			return
		}
		if !settle.Success {
			// Authorized but not captured. Surfaced distinctly so the
			// caller knows this was not a success.
			gwAdmissions.WithLabelValues("settlement_failed").Inc()
			s.logger.Warn("settlement failed", "route", routeKey, "reason", settle.ErrorReason)
			s.paymentRequired(c, cr, "settlement_failed", settle.ErrorReason)
			return
		}

		gwSettlements.Inc()

		payer := settle.Payer
		if payer == "" {
			payer = verify.Payer
		}
		if payer == "" {
			payer = payload.PayerAddress()
		}
		if payer != "" {
			trace.SpanFromContext(ctx).SetAttributes(traces.Payer(payer))
		}

		// Only write the session while the caller is still connected; an
		// abandoned request must not leave a paid session behind.
		if cr.sessionTTL > 0 && payer != "" && ctx.Err() == nil {
			expiry := time.Now().Add(cr.sessionTTL)
			if err := s.sessions.Set(ctx, SessionKey(routeKey, payer), expiry); err != nil {
				s.logger.Warn("session write failed", "route", routeKey, "error", err)
			} else {
				gwSessionsWritten.Inc()
				s.logger.Info("paid session created",
					"route", routeKey,
					"payer", payer,
					"expiresAt", expiry,
				)
			}
		}

		settlementHeader, err := x402.EncodeSettlement(settle)
		if err != nil {
			s.logger.Warn("encode settlement header failed", "route", routeKey, "error", err)
		}

		s.forward(c, cr, settlementHeader, start)
	}
}

// forward proxies an admitted request and records the outcome.
func (s *Service) forward(c *gin.Context, cr *compiledRoute, settlementHeader string, start time.Time) {
	if err := s.proxy.Forward(c.Writer, c.Request, cr.route, settlementHeader); err != nil {
		gwAdmissions.WithLabelValues("upstream_error").Inc()
		s.logger.Error("upstream proxy failed", "route", cr.route.RouteKey(), "error", err)
		if !c.Writer.Written() {
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "upstream_unavailable",
				"message": "The upstream service did not respond.",
			})
		}
		return
	}
	gwAdmissions.WithLabelValues("proxied").Inc()
	gwProxyLatency.Observe(time.Since(start).Seconds())
}

// paymentRequired answers 402 with the route's terms so the caller knows
// what to pay.
func (s *Service) paymentRequired(c *gin.Context, cr *compiledRoute, code, message string) {
	c.JSON(http.StatusPaymentRequired, gin.H{
		"error":   code,
		"message": message,
		"accepts": []x402.PaymentTerms{cr.terms},
	})
}

// candidatePayer extracts the payer address from the payment header
// without verifying it. Decode failures return "" — verification, not
// identity, decides whether the payment is honored.
func candidatePayer(r *http.Request) string {
	header := r.Header.Get(x402.HeaderPayment)
	if header == "" {
		return ""
	}
	payload, err := x402.DecodePayment(header)
	if err != nil {
		return ""
	}
	return payload.PayerAddress()
}
