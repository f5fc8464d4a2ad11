package gateway

import (
	"context"
	"strings"
	"sync"
	"time"
)

// SessionStore caches paid-until expiries for time-priced routes.
// Implementations must treat a read of an expired entry as a miss and
// evict it, independent of any background sweep.
type SessionStore interface {
	Get(ctx context.Context, key string) (time.Time, bool, error)
	Set(ctx context.Context, key string, expiresAt time.Time) error
	Close()
}

// SessionKey builds the session cache key for a route and payer. Every
// caller must go through this — the pipeline and the stores constructing
// keys differently would silently break session reuse.
func SessionKey(routeKey, payer string) string {
	return routeKey + ":" + strings.ToLower(payer)
}

// MemorySessionStore is the in-memory session cache. A background sweep
// purges expired entries so memory stays bounded even without reads.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]time.Time

	stop      chan struct{}
	closeOnce sync.Once
}

// NewMemorySessionStore creates an in-memory session store. A
// non-positive sweepInterval falls back to DefaultSweepInterval.
func NewMemorySessionStore(sweepInterval time.Duration) *MemorySessionStore {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	s := &MemorySessionStore{
		sessions: make(map[string]time.Time),
		stop:     make(chan struct{}),
	}
	go s.sweepLoop(sweepInterval)
	return s
}

// Get returns the stored expiry if it is still in the future. An expired
// entry is deleted on read and reported as a miss.
func (s *MemorySessionStore) Get(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.sessions[key]
	if !ok {
		return time.Time{}, false, nil
	}
	if !expiry.After(time.Now()) {
		delete(s.sessions, key)
		return time.Time{}, false, nil
	}
	return expiry, true, nil
}

// Set overwrites any existing entry. A new payment always resets the
// session, never merges with the old expiry.
func (s *MemorySessionStore) Set(_ context.Context, key string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[key] = expiresAt
	return nil
}

// Close halts the background sweep. Safe to call more than once.
func (s *MemorySessionStore) Close() {
	s.closeOnce.Do(func() { close(s.stop) })
}

func (s *MemorySessionStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *MemorySessionStore) sweep() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, expiry := range s.sessions {
		if !expiry.After(now) {
			delete(s.sessions, key)
		}
	}
}

// size returns the number of cached sessions. Test hook.
func (s *MemorySessionStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
