// Package sandbox manages the lifecycle of hardened per-session containers on
// a Docker-compatible engine.
package sandbox

import (
	"log/slog"
	"time"

	studio "github.com/KostasNoreika/claude-studio-sub000"
	"github.com/KostasNoreika/claude-studio-sub000/watcher"
)

// Config holds the manager-wide container defaults.
type Config struct {
	Image string
	// AllowedRoots lists the directories workspaces must live under.
	AllowedRoots []string
	// Memory is the memory limit in bytes.
	Memory         int64
	CPUShares      int64
	ReadOnlyRootfs bool
	TTY            bool
	// Command is the entry command. It idles until input arrives on stdin.
	Command []string
	// PreviewPort is the container port published for live preview, or 0.
	PreviewPort int

	StopTimeout    time.Duration
	HealthInterval time.Duration
	// CallTimeout bounds each engine call made by background sweeps.
	CallTimeout time.Duration

	Retry   studio.RetryPolicy
	Breaker studio.BreakerConfig
}

// DefaultConfig returns the hardened defaults.
func DefaultConfig() Config {
	return Config{
		Image:          "ubuntu:24.04",
		Memory:         1 << 30,
		CPUShares:      512,
		ReadOnlyRootfs: true,
		TTY:            true,
		Command:        []string{"/bin/sh"},
		StopTimeout:    10 * time.Second,
		HealthInterval: 30 * time.Second,
		CallTimeout:    10 * time.Second,
		Retry:          studio.DefaultRetryPolicy(),
		Breaker:        studio.DefaultBreakerConfig(),
	}
}

// SessionConfig describes one session to create.
type SessionConfig struct {
	WorkspacePath string
	ProjectName   string
	// Per-session overrides; zero values keep the manager defaults.
	Memory         int64
	CPUShares      int64
	ReadOnlyRootfs *bool
}

// Watcher is a running file watch over a workspace.
type Watcher interface {
	Events() <-chan watcher.Event
	Close() error
}

// WatcherFactory starts a watch rooted at path.
type WatcherFactory func(path string) (Watcher, error)

// ChangeFunc receives batches of changed files for a session.
type ChangeFunc func(sessionID string, ev watcher.Event)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger. Default: discard.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithBreaker replaces the manager's circuit breaker. Use it to share one
// breaker between managers talking to the same engine.
func WithBreaker(cb *studio.CircuitBreaker) Option {
	return func(m *Manager) { m.breaker = cb }
}

// WithWatcher starts a file watcher for every running session and forwards
// its change batches to onChange.
func WithWatcher(factory WatcherFactory, onChange ChangeFunc) Option {
	return func(m *Manager) {
		m.watchers = factory
		m.onChange = onChange
	}
}

// WithTracer sets the tracer for lifecycle spans.
func WithTracer(t studio.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// WithRecorder sets the recorder for engine calls and session events.
func WithRecorder(r studio.Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithClock overrides time.Now for session timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}
