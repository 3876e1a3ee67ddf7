package studio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var errEngine = errors.New("connection refused")

func newTestBreaker(clock *fakeClock, opts ...BreakerOption) *CircuitBreaker {
	cb := NewCircuitBreaker("docker", DefaultBreakerConfig(), opts...)
	cb.now = clock.Now
	return cb
}

func fail(cb *CircuitBreaker) error {
	_, err := Execute(context.Background(), cb, func(context.Context) (struct{}, error) {
		return struct{}{}, errEngine
	})
	return err
}

func succeed(cb *CircuitBreaker) error {
	_, err := Execute(context.Background(), cb, func(context.Context) (struct{}, error) {
		return struct{}{}, nil
	})
	return err
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)

	for i := 0; i < 5; i++ {
		if err := fail(cb); !errors.Is(err, errEngine) {
			t.Fatalf("call %d: got %v, want engine error", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want OPEN", cb.State())
	}

	invoked := false
	_, err := Execute(context.Background(), cb, func(context.Context) (int, error) {
		invoked = true
		return 0, nil
	})
	if invoked {
		t.Error("operation must not run while OPEN")
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("got %v, want circuit open", err)
	}
	if !IsRetryable(err) {
		t.Error("circuit open error should be retryable")
	}
}

func TestBreaker_HalfOpenThenClosed(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	for i := 0; i < 5; i++ {
		_ = fail(cb)
	}

	clock.Advance(29 * time.Second)
	if err := succeed(cb); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("before reset timeout: got %v, want circuit open", err)
	}

	clock.Advance(time.Second)
	if err := succeed(cb); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %s, want HALF_OPEN after one success", cb.State())
	}
	if err := succeed(cb); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %s, want CLOSED", cb.State())
	}
	if s := cb.Stats(); s.Failures != 0 || s.ConsecutiveSuccesses != 0 {
		t.Errorf("counters not reset: %+v", s)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	for i := 0; i < 5; i++ {
		_ = fail(cb)
	}
	clock.Advance(30 * time.Second)

	if err := fail(cb); !errors.Is(err, errEngine) {
		t.Fatalf("probe should reach operation, got %v", err)
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want OPEN", cb.State())
	}
	if got, want := cb.Stats().NextAttempt, clock.Now().Add(30*time.Second); !got.Equal(want) {
		t.Errorf("next attempt = %v, want %v", got, want)
	}
}

func TestBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	for i := 0; i < 5; i++ {
		_ = fail(cb)
	}
	clock.Advance(30 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := Execute(context.Background(), cb, func(context.Context) (int, error) {
			close(started)
			<-release
			return 1, nil
		})
		done <- err
	}()
	<-started

	if err := succeed(cb); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("concurrent call during probe: got %v, want circuit open", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe: %v", err)
	}
}

func TestBreaker_PanicReleasesHalfOpen(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	for i := 0; i < 5; i++ {
		_ = fail(cb)
	}
	clock.Advance(30 * time.Second)

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected the panic to propagate")
			}
		}()
		Execute(context.Background(), cb, func(context.Context) (int, error) {
			panic("boom")
		})
	}()
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want OPEN after a panicking call", cb.State())
	}

	clock.Advance(30 * time.Second)
	if err := succeed(cb); err != nil {
		t.Fatalf("call after reset timeout: %v", err)
	}
}

func TestBreaker_FailuresOutsideWindowArePruned(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	for i := 0; i < 4; i++ {
		_ = fail(cb)
	}
	clock.Advance(61 * time.Second)
	_ = fail(cb)
	if cb.State() != StateClosed {
		t.Fatalf("state = %s, want CLOSED", cb.State())
	}
	if got := cb.Stats().Failures; got != 1 {
		t.Errorf("failures = %d, want 1", got)
	}
}

func TestBreaker_SuccessResetsWindow(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	for i := 0; i < 4; i++ {
		_ = fail(cb)
	}
	_ = succeed(cb)
	for i := 0; i < 4; i++ {
		_ = fail(cb)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %s, want CLOSED", cb.State())
	}
}

func TestBreaker_FailureFilter(t *testing.T) {
	clock := newFakeClock()
	notFound := errors.New("No such container: abc")
	cb := newTestBreaker(clock, BreakerFailureFilter(func(err error) bool {
		return !errors.Is(err, notFound)
	}))
	for i := 0; i < 10; i++ {
		_, err := Execute(context.Background(), cb, func(context.Context) (int, error) {
			return 0, notFound
		})
		if !errors.Is(err, notFound) {
			t.Fatalf("filtered error must pass through, got %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %s, want CLOSED", cb.State())
	}
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	cb := newTestBreaker(clock, BreakerOnStateChange(func(from, to BreakerState) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}))
	for i := 0; i < 5; i++ {
		_ = fail(cb)
	}
	clock.Advance(30 * time.Second)
	_ = succeed(cb)
	_ = succeed(cb)

	want := []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}
	if len(transitions) != len(want) {
		t.Fatalf("got %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestBreaker_StatsCounters(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	for i := 0; i < 5; i++ {
		_ = fail(cb)
	}
	_ = succeed(cb)

	s := cb.Stats()
	if s.TotalCalls != 6 || s.TotalFailures != 5 || s.TotalRejected != 1 || s.TotalSuccesses != 0 {
		t.Errorf("unexpected stats: %+v", s)
	}
	cb.Reset()
	if cb.State() != StateClosed {
		t.Errorf("state after Reset = %s", cb.State())
	}
}
