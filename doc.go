// Package studio is the core of a browser terminal service that runs one
// hardened container per session.
//
// It holds the pieces shared by every layer: the Session record, the error
// taxonomy sent to clients, retry with exponential backoff, the circuit
// breaker that gates container engine calls, and the per-session token
// bucket rate limiter.
//
// # Layout
//
//	sandbox   container lifecycle over the Docker Engine API
//	session   client attachment, reconnection and idle reaping
//	router    dispatch of inbound terminal frames
//	protocol  JSON wire frames
//	gateway   WebSocket transport
//	watcher   workspace file watching for live preview
//	observer  OpenTelemetry Tracer and Recorder
//
// # Engine calls
//
// Every container engine call runs inside the breaker, and each attempt the
// breaker admits is retried only for transient failures:
//
//	cb := studio.NewCircuitBreaker("container-engine", studio.DefaultBreakerConfig())
//	info, err := studio.Execute(ctx, cb, func(ctx context.Context) (container.InspectResponse, error) {
//		return studio.Retry(ctx, studio.DefaultRetryPolicy(), func(ctx context.Context) (container.InspectResponse, error) {
//			return cli.ContainerInspect(ctx, id)
//		})
//	})
//
// Errors that cross a component boundary are *Error values. Use UserMessage
// for anything shown to a client; Error() may contain engine output.
package studio
