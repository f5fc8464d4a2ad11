package gateway

import (
	"context"
	"sync"
	"time"
)

// RateLimitStore admits or denies a request under a sliding window.
// MemoryRateLimit is the single-process implementation; RedisRateLimit
// is the distributed one. Any implementation satisfying this contract is
// substitutable without pipeline changes.
type RateLimitStore interface {
	Check(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error)
	Close()
}

// rateLimitEntry holds one key's request timestamps oldest-first plus
// the window it was last checked under, so the sweep can tell idle from
// merely old-but-in-window.
type rateLimitEntry struct {
	window time.Duration
	hits   []time.Time
}

// MemoryRateLimit is an in-memory sliding-window rate limiter. Each key
// holds its request timestamps oldest-first, so window eviction is a
// prefix trim, never a full scan.
type MemoryRateLimit struct {
	mu   sync.Mutex
	keys map[string]*rateLimitEntry

	stop      chan struct{}
	closeOnce sync.Once
}

// NewMemoryRateLimit creates an in-memory rate limiter. A background
// sweep deletes idle keys; sweepInterval <= 0 falls back to
// DefaultSweepInterval.
func NewMemoryRateLimit(sweepInterval time.Duration) *MemoryRateLimit {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	m := &MemoryRateLimit{
		keys: make(map[string]*rateLimitEntry),
		stop: make(chan struct{}),
	}
	go m.sweepLoop(sweepInterval)
	return m
}

// Check evicts timestamps that left the window, then admits or denies.
// The evict-count-append sequence runs under one lock so two concurrent
// requests can never both take the last slot.
func (m *MemoryRateLimit) Check(_ context.Context, key string, limit int, window time.Duration) (RateLimitResult, error) {
	now := time.Now()
	cutoff := now.Add(-window)

	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.keys[key]
	if e == nil {
		e = &rateLimitEntry{}
		m.keys[key] = e
	}
	e.window = window

	trim := 0
	for trim < len(e.hits) && e.hits[trim].Before(cutoff) {
		trim++
	}
	e.hits = e.hits[trim:]

	if len(e.hits) >= limit {
		reset := e.hits[0].Add(window).Sub(now)
		if reset < 0 {
			reset = 0
		}
		return RateLimitResult{Allowed: false, Remaining: 0, Limit: limit, Reset: reset}, nil
	}

	e.hits = append(e.hits, now)
	return RateLimitResult{
		Allowed:   true,
		Remaining: limit - len(e.hits),
		Limit:     limit,
		Reset:     window,
	}, nil
}

// Close halts the background sweep. Safe to call more than once.
func (m *MemoryRateLimit) Close() {
	m.closeOnce.Do(func() { close(m.stop) })
}

func (m *MemoryRateLimit) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stop:
			return
		}
	}
}

// sweep deletes keys whose newest timestamp is past their staleness
// bound. The bound is the key's own window when that exceeds
// rateLimitStaleAfter, so entries still inside a long window are never
// evicted.
func (m *MemoryRateLimit) sweep() {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, e := range m.keys {
		cutoff := now.Add(-rateLimitStale(e.window))
		if len(e.hits) == 0 || e.hits[len(e.hits)-1].Before(cutoff) {
			delete(m.keys, key)
		}
	}
}

// rateLimitStale returns how long a key with the given window may sit
// idle before eviction, never shorter than the window itself.
func rateLimitStale(window time.Duration) time.Duration {
	if window > rateLimitStaleAfter {
		return window
	}
	return rateLimitStaleAfter
}

// size returns the number of tracked keys. Test hook.
func (m *MemoryRateLimit) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}
