// Package security provides security features shared by the OAuth and RPC
// surfaces: per-IP rate limiting, request IDs, response headers, client IP
// extraction, and audit logging.
package security

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// defaultMaxEntries bounds how many distinct identifiers are tracked before
// cleanup starts evicting stale ones. Prevents unbounded memory growth from
// address churn.
const defaultMaxEntries = 10000

// rateLimiterEntry tracks a limiter and its last access time
type rateLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter provides per-identifier token-bucket rate limiting.
type RateLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*rateLimiterEntry
	rate       rate.Limit
	burst      int
	maxEntries int
	logger     *slog.Logger

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// NewRateLimiter creates a rate limiter allowing requestsPerSecond sustained
// requests with the given burst per identifier, with automatic cleanup of
// idle entries. A non-positive rate disables limiting (Allow always true).
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}

	rl := &RateLimiter{
		limiters:        make(map[string]*rateLimiterEntry),
		rate:            rate.Limit(requestsPerSecond),
		burst:           burst,
		maxEntries:      defaultMaxEntries,
		logger:          logger,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}

	go rl.cleanupLoop()
	return rl
}

// Allow reports whether a request from the given identifier is allowed.
func (rl *RateLimiter) Allow(identifier string) bool {
	if rl.rate <= 0 {
		return true
	}

	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.limiters[identifier]
	if !ok {
		if len(rl.limiters) >= rl.maxEntries {
			rl.evictOldestLocked()
		}
		entry = &rateLimiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[identifier] = entry
	}
	entry.lastAccess = now

	return entry.limiter.Allow()
}

// evictOldestLocked removes the least recently used entry. Caller holds mu.
func (rl *RateLimiter) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, entry := range rl.limiters {
		if oldestID == "" || entry.lastAccess.Before(oldest) {
			oldestID = id
			oldest = entry.lastAccess
		}
	}
	if oldestID != "" {
		delete(rl.limiters, oldestID)
	}
}

// Stop halts the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanup removes entries idle longer than the cleanup interval.
func (rl *RateLimiter) cleanup() {
	cutoff := time.Now().Add(-rl.cleanupInterval)

	rl.mu.Lock()
	removed := 0
	for id, entry := range rl.limiters {
		if entry.lastAccess.Before(cutoff) {
			delete(rl.limiters, id)
			removed++
		}
	}
	remaining := len(rl.limiters)
	rl.mu.Unlock()

	if removed > 0 {
		rl.logger.Debug("Rate limiter cleanup", "removed", removed, "remaining", remaining)
	}
}
