package studio

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures a per-session token bucket.
type RateLimitConfig struct {
	// Window and MaxMessages define the steady-state rate.
	Window      time.Duration
	MaxMessages int
	// Burst is the bucket capacity.
	Burst int
	// IdleTTL is how long an untouched bucket is kept.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig allows 100 messages per second with bursts of 20.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Window:      time.Second,
		MaxMessages: 100,
		Burst:       20,
		IdleTTL:     5 * time.Minute,
	}
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter holds one token bucket per session id. Buckets are created on
// first use and start full. It is safe for concurrent use.
type RateLimiter struct {
	cfg   RateLimitConfig
	limit rate.Limit
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewRateLimiter returns a limiter. Zero fields in cfg take the values of
// DefaultRateLimitConfig.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	def := DefaultRateLimitConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = def.MaxMessages
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	return &RateLimiter{
		cfg:     cfg,
		limit:   rate.Limit(float64(cfg.MaxMessages) / cfg.Window.Seconds()),
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow consumes one token from the session's bucket and reports whether one
// was available.
func (r *RateLimiter) Allow(sessionID string) bool {
	now := r.now()
	r.mu.Lock()
	b := r.bucketLocked(sessionID, now)
	b.lastSeen = now
	r.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

// Tokens returns the tokens currently available to the session.
func (r *RateLimiter) Tokens(sessionID string) float64 {
	now := r.now()
	r.mu.Lock()
	b, ok := r.buckets[sessionID]
	r.mu.Unlock()
	if !ok {
		return float64(r.cfg.Burst)
	}
	return b.lim.TokensAt(now)
}

// Remove drops the session's bucket.
func (r *RateLimiter) Remove(sessionID string) {
	r.mu.Lock()
	delete(r.buckets, sessionID)
	r.mu.Unlock()
}

// Len returns the number of tracked buckets.
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}

// Purge drops buckets idle for longer than IdleTTL and returns how many were
// removed.
func (r *RateLimiter) Purge() int {
	cutoff := r.now().Add(-r.cfg.IdleTTL)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, b := range r.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(r.buckets, id)
			n++
		}
	}
	return n
}

// Run purges idle buckets every interval until ctx is cancelled.
func (r *RateLimiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Purge()
		}
	}
}

func (r *RateLimiter) bucketLocked(sessionID string, now time.Time) *bucket {
	b, ok := r.buckets[sessionID]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(r.limit, r.cfg.Burst), lastSeen: now}
		r.buckets[sessionID] = b
	}
	return b
}
