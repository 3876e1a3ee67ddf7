package studio

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"syscall"
	"time"
)

// RetryPolicy configures Retry. The zero value retries nothing.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt, so the
	// operation runs at most MaxRetries+1 times.
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	// IsRetryable classifies errors. Nil means IsTransient.
	IsRetryable func(error) bool
	// Name labels log lines.
	Name   string
	Logger *slog.Logger

	// sleep waits for d or until ctx is done. Overridden in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy is used around individual container engine calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2,
	}
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// policy's retries are exhausted. The last error is returned unchanged.
//
// Delays are InitialDelay, InitialDelay*BackoffMultiplier, ..., each capped at
// MaxDelay. No jitter is applied.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	logger := p.Logger
	if logger == nil {
		logger = nopLogger
	}
	classify := p.IsRetryable
	if classify == nil {
		classify = IsTransient
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}

	delay := p.InitialDelay
	for attempt := 0; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if attempt >= p.MaxRetries || !classify(err) {
			if attempt > 0 {
				logger.Error("all retry attempts exhausted",
					"op", p.Name,
					"attempts", attempt+1,
					"error", err)
			}
			return zero, err
		}

		wait := delay
		if p.MaxDelay > 0 && wait > p.MaxDelay {
			wait = p.MaxDelay
		}
		logger.Warn("retrying transient error",
			"op", p.Name,
			"attempt", attempt+1,
			"max_retries", p.MaxRetries,
			"delay", wait,
			"error", err)
		if err := sleep(ctx, wait); err != nil {
			return zero, err
		}
		delay = time.Duration(float64(delay) * mult)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// transientMarkers are substrings of engine and socket errors that indicate
// a condition likely to clear on its own.
var transientMarkers = []string{
	"connection refused",
	"econnrefused",
	"timeout",
	"timed out",
	"etimedout",
	"temporarily unavailable",
	"connection reset",
	"econnreset",
	"broken pipe",
	"epipe",
	"socket hang up",
}

// IsTransient is the default retry classifier. It accepts connection
// refused/reset, broken pipe, timeouts, and *Error values marked retryable.
// Everything else, including "no such image" and validation failures, is
// permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.EAGAIN) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
