// Package router dispatches decoded client frames for a bound session under
// a per-session rate limit.
package router

import (
	"context"
	"log/slog"

	studio "github.com/KostasNoreika/claude-studio-sub000"
	"github.com/KostasNoreika/claude-studio-sub000/protocol"
)

// Target receives routed operations. *session.Registry implements it.
type Target interface {
	Input(ctx context.Context, sessionID string, data []byte) error
	Resize(ctx context.Context, sessionID string, rows, cols uint) error
	Touch(sessionID string) bool
}

// Router dispatches inbound frames. It is safe for concurrent use.
type Router struct {
	target    Target
	limiter   *studio.RateLimiter
	sanitizer Sanitizer
	logger    *slog.Logger
	recorder  studio.Recorder
}

// Option configures a Router.
type Option func(*Router)

// WithSanitizer replaces the console sanitizer. Default: NewBasicSanitizer().
func WithSanitizer(s Sanitizer) Option {
	return func(r *Router) { r.sanitizer = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

func WithRecorder(rec studio.Recorder) Option {
	return func(r *Router) { r.recorder = rec }
}

// New returns a Router. limiter is shared with whoever purges idle buckets.
func New(target Target, limiter *studio.RateLimiter, opts ...Option) *Router {
	r := &Router{
		target:    target,
		limiter:   limiter,
		sanitizer: NewBasicSanitizer(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = studio.NopLogger()
	}
	if r.recorder == nil {
		r.recorder = studio.NopRecorder()
	}
	return r
}

// Route dispatches one frame for sessionID and returns the frame to send
// back, if any. Failures are answered with an error frame; Route never asks
// the caller to close the connection.
func (r *Router) Route(ctx context.Context, sessionID string, msg protocol.Inbound) protocol.Outbound {
	typ := protocol.TypeOf(msg)
	if !r.limiter.Allow(sessionID) {
		r.recorder.MessageRejected(ctx, "rate_limited")
		r.logger.Debug("message rate limited", "session_id", sessionID, "type", typ)
		return protocol.ErrorFrom(studio.NewRateLimitError(sessionID))
	}
	r.logger.Debug("routing message", "session_id", sessionID, "type", typ)

	switch m := msg.(type) {
	case *protocol.TerminalInput:
		if err := r.target.Input(ctx, sessionID, []byte(m.Data)); err != nil {
			return protocol.ErrorFrom(err)
		}
		return nil

	case *protocol.TerminalResize:
		if err := r.target.Resize(ctx, sessionID, m.Rows, m.Cols); err != nil {
			return protocol.ErrorFrom(err)
		}
		return nil

	case *protocol.Heartbeat:
		r.target.Touch(sessionID)
		return nil

	case *protocol.Console:
		// Console telemetry never produces error frames.
		clean, err := r.sanitizer.Sanitize(m)
		if err != nil {
			r.recorder.MessageRejected(ctx, "console_rejected")
			r.logger.Debug("console message dropped", "session_id", sessionID, "error", err)
			return nil
		}
		return clean

	case *protocol.SessionCreate, *protocol.SessionReconnect, *protocol.SessionStop:
		r.recorder.MessageRejected(ctx, "misrouted")
		return protocol.ErrorFrom(studio.NewProtocolError(typ + " is handled by the connection, not routed"))

	default:
		r.recorder.MessageRejected(ctx, "unknown_type")
		return protocol.ErrorFrom(studio.NewProtocolError("unknown message type: " + typ))
	}
}
