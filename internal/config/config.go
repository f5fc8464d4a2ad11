// Package config handles gateway configuration: process settings from
// environment variables and the route table from a JSON file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/tollgate/tollgate/internal/duration"
	"github.com/tollgate/tollgate/internal/gateway"
	"github.com/tollgate/tollgate/internal/x402"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Collaborators
	FacilitatorURL string
	RedisURL       string // optional; in-memory stores when empty
	OTLPEndpoint   string // optional; tracing disabled when empty

	// Route table
	RoutesFile string
	Gateway    *GatewayFile

	// Payment defaults applied when a route does not override them
	DefaultPrice   string
	DefaultAsset   string
	DefaultNetwork string
	PayTo          string

	// Background sweeps for the in-memory stores
	SessionSweepInterval   time.Duration
	RateLimitSweepInterval time.Duration

	// Server-wide protective limiter (token bucket per client IP)
	RateLimitRPS   int
	RateLimitBurst int
}

// GatewayFile is the JSON route table.
type GatewayFile struct {
	Upstreams map[string]string        `json:"upstreams"`
	Routes    []gateway.Route          `json:"routes"`
	RateLimit *gateway.RateLimitConfig `json:"rateLimit,omitempty"` // global default, route-level overrides win
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultPrice          = "0.001"
	DefaultAsset          = "USDC"
	DefaultNetwork        = "base-sepolia"
	DefaultRoutesFile     = "routes.json"
	DefaultRateLimitRPS   = 100
	DefaultRateLimitBurst = 20
)

// Load reads configuration from environment variables and the routes
// file. It loads .env first if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", DefaultPort),
		Env:            getEnv("ENV", DefaultEnv),
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		FacilitatorURL: os.Getenv("FACILITATOR_URL"), // Required, no default
		RedisURL:       os.Getenv("REDIS_URL"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RoutesFile:     getEnv("ROUTES_FILE", DefaultRoutesFile),
		DefaultPrice:   getEnv("DEFAULT_PRICE", DefaultPrice),
		DefaultAsset:   getEnv("DEFAULT_ASSET", DefaultAsset),
		DefaultNetwork: getEnv("DEFAULT_NETWORK", DefaultNetwork),
		PayTo:          os.Getenv("PAY_TO"),
		RateLimitRPS:   getEnvInt("RATE_LIMIT_RPS", DefaultRateLimitRPS),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", DefaultRateLimitBurst),
	}

	var err error
	if cfg.SessionSweepInterval, err = getEnvDuration("SESSION_SWEEP_INTERVAL"); err != nil {
		return nil, err
	}
	if cfg.RateLimitSweepInterval, err = getEnvDuration("RATELIMIT_SWEEP_INTERVAL"); err != nil {
		return nil, err
	}

	cfg.Gateway, err = LoadGatewayFile(cfg.RoutesFile)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadGatewayFile reads and validates the JSON route table.
func LoadGatewayFile(path string) (*GatewayFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes file: %w", err)
	}

	var gf GatewayFile
	if err := json.Unmarshal(raw, &gf); err != nil {
		return nil, fmt.Errorf("parse routes file %s: %w", path, err)
	}

	if err := gf.Validate(); err != nil {
		return nil, fmt.Errorf("routes file %s: %w", path, err)
	}
	return &gf, nil
}

// Validate checks the route table for the errors that should kill the
// process at startup rather than a request at runtime: duplicate route
// keys, routes pointing at unknown upstreams, unparseable durations and
// non-positive rate limits.
func (g *GatewayFile) Validate() error {
	if len(g.Routes) == 0 {
		return fmt.Errorf("no routes configured")
	}

	if g.RateLimit != nil {
		if err := validateRateLimit(g.RateLimit); err != nil {
			return fmt.Errorf("default rate limit: %w", err)
		}
	}

	seen := make(map[string]bool, len(g.Routes))
	for i := range g.Routes {
		route := &g.Routes[i]
		key := route.RouteKey()

		if route.Method == "" || route.Path == "" {
			return fmt.Errorf("route %q: method and path are required", key)
		}
		if seen[key] {
			return fmt.Errorf("route %q: duplicate route key", key)
		}
		seen[key] = true

		if _, ok := g.Upstreams[route.Upstream]; !ok {
			return fmt.Errorf("route %q: unknown upstream %q", key, route.Upstream)
		}

		pricing := gateway.ResolvePricing(route)
		if pricing.Model != gateway.ModelRequest && pricing.Model != gateway.ModelTime {
			return fmt.Errorf("route %q: unknown pricing model %q", key, pricing.Model)
		}
		if pricing.Model == gateway.ModelTime {
			if _, err := duration.Parse(pricing.Duration); err != nil {
				return fmt.Errorf("route %q: %w", key, err)
			}
		}

		if route.RateLimit != nil {
			if err := validateRateLimit(route.RateLimit); err != nil {
				return fmt.Errorf("route %q: %w", key, err)
			}
		}
	}

	return nil
}

func validateRateLimit(rl *gateway.RateLimitConfig) error {
	if rl.Requests <= 0 {
		return fmt.Errorf("rate limit requests must be > 0, got %d", rl.Requests)
	}
	if _, err := duration.Parse(rl.Window); err != nil {
		return err
	}
	return nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.FacilitatorURL == "" {
		return fmt.Errorf("FACILITATOR_URL is required")
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be > 0")
	}
	return nil
}

// DefaultTerms builds the gateway-wide payment terms fallback.
func (c *Config) DefaultTerms() x402.PaymentTerms {
	return x402.PaymentTerms{
		Price:   c.DefaultPrice,
		Asset:   c.DefaultAsset,
		Network: c.DefaultNetwork,
		PayTo:   c.PayTo,
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration reads a compact duration string ("60s", "5m"). Zero
// when unset; the stores apply their own default sweep interval.
func getEnvDuration(key string) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return 0, nil
	}
	d, err := duration.Parse(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
