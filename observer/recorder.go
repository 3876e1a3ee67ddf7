package observer

import (
	"context"
	"time"

	studio "github.com/KostasNoreika/claude-studio-sub000"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
)

// otelRecorder implements studio.Recorder with OTEL metrics and logs.
type otelRecorder struct {
	inst *Instruments
}

// NewRecorder returns a studio.Recorder that reports through inst.
func NewRecorder(inst *Instruments) studio.Recorder {
	return &otelRecorder{inst: inst}
}

func (r *otelRecorder) EngineCall(ctx context.Context, op string, d time.Duration, err error) {
	status := "ok"
	attrs := []attribute.KeyValue{AttrEngineOp.String(op)}
	if err != nil {
		status = "error"
		code := "UNKNOWN"
		if e, ok := studio.AsError(err); ok {
			code = string(e.Code)
		}
		attrs = append(attrs, AttrErrorCode.String(code))
	}
	attrs = append(attrs, AttrEngineStatus.String(status))

	r.inst.EngineCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
	r.inst.EngineDuration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(
		AttrEngineOp.String(op),
	))
}

func (r *otelRecorder) BreakerTransition(ctx context.Context, name string, from, to studio.BreakerState) {
	r.inst.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		AttrBreakerName.String(name),
		AttrBreakerFrom.String(from.String()),
		AttrBreakerTo.String(to.String()),
	))

	severity := otellog.SeverityInfo
	if to == studio.StateOpen {
		severity = otellog.SeverityWarn
	}
	var rec otellog.Record
	rec.SetTimestamp(time.Now())
	rec.SetSeverity(severity)
	rec.SetBody(otellog.StringValue("circuit breaker transition"))
	rec.AddAttributes(
		otellog.String("breaker.name", name),
		otellog.String("breaker.from", from.String()),
		otellog.String("breaker.to", to.String()),
	)
	r.inst.Logger.Emit(ctx, rec)
}

func (r *otelRecorder) SessionEvent(ctx context.Context, event string) {
	r.inst.SessionEvents.Add(ctx, 1, metric.WithAttributes(AttrSessionEvent.String(event)))
}

func (r *otelRecorder) MessageRejected(ctx context.Context, reason string) {
	r.inst.MessagesRejected.Add(ctx, 1, metric.WithAttributes(AttrRejectReason.String(reason)))
}

var _ studio.Recorder = (*otelRecorder)(nil)
