package studio

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the state of a CircuitBreaker.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig holds the thresholds of a CircuitBreaker.
type BreakerConfig struct {
	// FailureThreshold failures inside MonitoringWindow open the breaker.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before admitting a probe.
	ResetTimeout time.Duration
	// SuccessThreshold consecutive half-open successes close the breaker.
	SuccessThreshold int
	MonitoringWindow time.Duration
}

// DefaultBreakerConfig is the configuration of the container engine gate.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 2,
		MonitoringWindow: 60 * time.Second,
	}
}

// BreakerStats is a point-in-time view of a CircuitBreaker.
type BreakerStats struct {
	State                BreakerState
	Failures             int
	ConsecutiveSuccesses int
	NextAttempt          time.Time
	TotalCalls           int64
	TotalFailures        int64
	TotalSuccesses       int64
	TotalRejected        int64
}

// CircuitBreaker fails fast after repeated failures of the operations it
// gates. It is safe for concurrent use.
type CircuitBreaker struct {
	name          string
	cfg           BreakerConfig
	logger        *slog.Logger
	recorder      Recorder
	onStateChange func(from, to BreakerState)
	isFailure     func(error) bool
	now           func() time.Time

	mu          sync.Mutex
	state       BreakerState
	failures    []time.Time
	successes   int
	nextAttempt time.Time
	probing     bool
	stats       BreakerStats
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// BreakerLogger sets the logger used for state transitions.
func BreakerLogger(l *slog.Logger) BreakerOption {
	return func(cb *CircuitBreaker) { cb.logger = l }
}

// BreakerRecorder reports state transitions to r.
func BreakerRecorder(r Recorder) BreakerOption {
	return func(cb *CircuitBreaker) { cb.recorder = r }
}

// BreakerOnStateChange registers a callback invoked after every transition.
// It runs outside the breaker's lock.
func BreakerOnStateChange(fn func(from, to BreakerState)) BreakerOption {
	return func(cb *CircuitBreaker) { cb.onStateChange = fn }
}

// BreakerFailureFilter sets which errors count as failures. Errors for which
// fn returns false are passed through and treated as successful calls.
func BreakerFailureFilter(fn func(error) bool) BreakerOption {
	return func(cb *CircuitBreaker) { cb.isFailure = fn }
}

// NewCircuitBreaker returns a closed breaker. Zero fields in cfg take the
// values of DefaultBreakerConfig.
func NewCircuitBreaker(name string, cfg BreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.MonitoringWindow <= 0 {
		cfg.MonitoringWindow = def.MonitoringWindow
	}
	cb := &CircuitBreaker{
		name:      name,
		cfg:       cfg,
		isFailure: func(error) bool { return true },
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	if cb.logger == nil {
		cb.logger = nopLogger
	}
	if cb.recorder == nil {
		cb.recorder = nopRecorder{}
	}
	return cb
}

// Name returns the breaker's name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current state without side effects. An OPEN breaker whose
// reset timeout has elapsed still reports OPEN until the next call.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s := cb.stats
	s.State = cb.state
	s.Failures = len(cb.prune(cb.now()))
	s.ConsecutiveSuccesses = cb.successes
	s.NextAttempt = cb.nextAttempt
	return s
}

// Reset forces the breaker closed and clears its failure window.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.toClosed()
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}

// Execute runs fn through cb. While cb is open, fn is not invoked and a
// CodeCircuitOpen error is returned.
func Execute[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.admit(); err != nil {
		return zero, err
	}
	completed := false
	defer func() {
		if !completed {
			cb.record(errCallPanicked)
		}
	}()
	result, err := fn(ctx)
	completed = true
	cb.record(err)
	return result, err
}

// errCallPanicked is recorded as the outcome of a call whose fn panicked.
var errCallPanicked = errors.New("circuit breaker: call panicked")

// admit decides whether a call may proceed, moving OPEN to HALF_OPEN once the
// reset timeout has passed. Half-open admits one probe at a time.
func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	now := cb.now()
	cb.stats.TotalCalls++

	var transition bool
	switch cb.state {
	case StateOpen:
		if now.Before(cb.nextAttempt) {
			cb.stats.TotalRejected++
			cb.mu.Unlock()
			return NewCircuitOpenError(cb.name)
		}
		cb.state = StateHalfOpen
		cb.successes = 0
		cb.probing = true
		transition = true
	case StateHalfOpen:
		if cb.probing {
			cb.stats.TotalRejected++
			cb.mu.Unlock()
			return NewCircuitOpenError(cb.name)
		}
		cb.probing = true
	}
	cb.mu.Unlock()

	if transition {
		cb.notify(StateOpen, StateHalfOpen)
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	if err != nil && !cb.isFailure(err) {
		err = nil
	}

	cb.mu.Lock()
	now := cb.now()
	from := cb.state
	cb.probing = false

	if err == nil {
		cb.stats.TotalSuccesses++
		switch cb.state {
		case StateHalfOpen:
			cb.successes++
			if cb.successes >= cb.cfg.SuccessThreshold {
				cb.toClosed()
			}
		case StateClosed:
			cb.failures = cb.failures[:0]
		}
	} else {
		cb.stats.TotalFailures++
		cb.failures = append(cb.prune(now), now)
		switch cb.state {
		case StateHalfOpen:
			cb.toOpen(now)
		case StateClosed:
			if len(cb.failures) >= cb.cfg.FailureThreshold {
				cb.toOpen(now)
			}
		}
	}
	to := cb.state
	cb.mu.Unlock()

	if from != to {
		cb.notify(from, to)
	}
}

// prune drops failures older than the monitoring window. Caller holds mu.
func (cb *CircuitBreaker) prune(now time.Time) []time.Time {
	cutoff := now.Add(-cb.cfg.MonitoringWindow)
	i := 0
	for i < len(cb.failures) && cb.failures[i].Before(cutoff) {
		i++
	}
	cb.failures = cb.failures[i:]
	return cb.failures
}

func (cb *CircuitBreaker) toOpen(now time.Time) {
	cb.state = StateOpen
	cb.successes = 0
	cb.nextAttempt = now.Add(cb.cfg.ResetTimeout)
}

func (cb *CircuitBreaker) toClosed() {
	cb.state = StateClosed
	cb.failures = nil
	cb.successes = 0
	cb.probing = false
	cb.nextAttempt = time.Time{}
}

func (cb *CircuitBreaker) notify(from, to BreakerState) {
	if from == to {
		return
	}
	cb.logger.Info("circuit breaker state change",
		"breaker", cb.name,
		"from", from.String(),
		"to", to.String())
	cb.recorder.BreakerTransition(context.Background(), cb.name, from, to)
	if cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}
