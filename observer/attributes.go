package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for spans and metrics.
var (
	AttrEngineOp     = attribute.Key("engine.op")
	AttrEngineStatus = attribute.Key("engine.status")
	AttrErrorCode    = attribute.Key("error.code")

	AttrBreakerName = attribute.Key("breaker.name")
	AttrBreakerFrom = attribute.Key("breaker.from")
	AttrBreakerTo   = attribute.Key("breaker.to")

	AttrSessionEvent = attribute.Key("session.event")
	AttrRejectReason = attribute.Key("message.reject_reason")
)
