package session

import (
	"context"
	"log/slog"
	"time"

	studio "github.com/KostasNoreika/claude-studio-sub000"
)

// Reaper defaults.
const (
	DefaultReapInterval = 5 * time.Minute
	DefaultIdleTimeout  = 30 * time.Minute

	// DefaultExpireTimeout bounds one expiry, graceful stop included.
	DefaultExpireTimeout = 20 * time.Second
)

// Reaper stops sessions that have been idle longer than the timeout.
type Reaper struct {
	reg      *Registry
	interval time.Duration
	timeout  time.Duration
	expire   time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

func ReapInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) { r.interval = d }
}

func IdleTimeout(d time.Duration) ReaperOption {
	return func(r *Reaper) { r.timeout = d }
}

// ExpireTimeout bounds each expiry made by a sweep.
func ExpireTimeout(d time.Duration) ReaperOption {
	return func(r *Reaper) { r.expire = d }
}

func ReaperLogger(l *slog.Logger) ReaperOption {
	return func(r *Reaper) { r.logger = l }
}

func NewReaper(reg *Registry, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		reg:      reg,
		interval: DefaultReapInterval,
		timeout:  DefaultIdleTimeout,
		expire:   DefaultExpireTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = studio.NopLogger()
	}
	return r
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep expires every idle session and returns how many were stopped
// cleanly. Sessions in the middle of creating or stopping are left alone.
// Each expiry is bounded by the expire timeout.
func (r *Reaper) Sweep(ctx context.Context) int {
	now := r.now()
	n := 0
	for _, s := range r.reg.Sessions() {
		if s.Status == studio.StatusCreating || s.Status == studio.StatusStopping {
			continue
		}
		if !s.Idle(now, r.timeout) {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		ectx, cancel := context.WithTimeout(ctx, r.expire)
		err := r.reg.Expire(ectx, s.ID)
		cancel()
		if err != nil {
			r.logger.Warn("expire idle session", "session_id", s.ID, "error", err)
			continue
		}
		r.logger.Info("expired idle session", "session_id", s.ID, "idle", now.Sub(s.LastActivity))
		n++
	}
	return n
}
