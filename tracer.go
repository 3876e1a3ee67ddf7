package studio

import (
	"context"
	"time"
)

// Tracer creates spans around session lifecycle operations.
// The observer package provides an OTEL-backed implementation via TracerFrom.
// When no Tracer is configured, a no-op tracer is used.
type Tracer interface {
	// Start creates a new span with the given name and optional attributes.
	// Callers must call Span.End() when the operation completes.
	Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span)
}

// Span represents a traced operation.
type Span interface {
	SetAttr(attrs ...SpanAttr)
	Event(name string, attrs ...SpanAttr)
	// Error records an error on the span and marks it as failed.
	Error(err error)
	// End completes the span. Must be called exactly once.
	End()
}

// SpanAttr is a key-value attribute attached to a span or event.
type SpanAttr struct {
	Key   string
	Value any
}

// StringAttr creates a string-typed span attribute.
func StringAttr(k, v string) SpanAttr {
	return SpanAttr{Key: k, Value: v}
}

// IntAttr creates an int-typed span attribute.
func IntAttr(k string, v int) SpanAttr {
	return SpanAttr{Key: k, Value: v}
}

// BoolAttr creates a bool-typed span attribute.
func BoolAttr(k string, v bool) SpanAttr {
	return SpanAttr{Key: k, Value: v}
}

// Recorder receives operational measurements. The observer package provides
// an OTEL-backed implementation via NewRecorder().
type Recorder interface {
	// EngineCall records one container engine call and its outcome.
	EngineCall(ctx context.Context, op string, d time.Duration, err error)
	BreakerTransition(ctx context.Context, name string, from, to BreakerState)
	// SessionEvent records a lifecycle event such as "created" or "crashed".
	SessionEvent(ctx context.Context, event string)
	// MessageRejected records an inbound frame that was not dispatched.
	MessageRejected(ctx context.Context, reason string)
}

// NopTracer returns a Tracer whose spans do nothing.
func NopTracer() Tracer { return nopTracer{} }

// NopRecorder returns a Recorder that discards everything.
func NopRecorder() Recorder { return nopRecorder{} }

type nopTracer struct{}

func (nopTracer) Start(ctx context.Context, _ string, _ ...SpanAttr) (context.Context, Span) {
	return ctx, nopSpan{}
}

type nopSpan struct{}

func (nopSpan) SetAttr(...SpanAttr)        {}
func (nopSpan) Event(string, ...SpanAttr) {}
func (nopSpan) Error(error)               {}
func (nopSpan) End()                      {}

type nopRecorder struct{}

func (nopRecorder) EngineCall(context.Context, string, time.Duration, error)                {}
func (nopRecorder) BreakerTransition(context.Context, string, BreakerState, BreakerState) {}
func (nopRecorder) SessionEvent(context.Context, string)                                  {}
func (nopRecorder) MessageRejected(context.Context, string)                               {}
