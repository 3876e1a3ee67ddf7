package studio

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a failure category. Codes are sent to clients in the
// `code` field of error frames.
type ErrorCode string

const (
	CodeContainerCreation ErrorCode = "CONTAINER_CREATION_FAILED"
	CodeContainerNotFound ErrorCode = "CONTAINER_NOT_FOUND"
	CodeEngineUnavailable ErrorCode = "ENGINE_UNAVAILABLE"
	CodeStreamAttach      ErrorCode = "STREAM_ATTACH_FAILED"
	CodeExecution         ErrorCode = "EXECUTION_FAILED"
	CodeInvalidState      ErrorCode = "INVALID_STATE"
	CodeSessionNotFound   ErrorCode = "SESSION_NOT_FOUND"
	CodeValidation        ErrorCode = "VALIDATION_FAILED"
	CodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	CodeRateLimited       ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeProtocol          ErrorCode = "PROTOCOL_ERROR"
)

// Error is the single error type that crosses component boundaries.
// Message is diagnostic and may contain engine output; UserMessage is safe to
// show to a client.
type Error struct {
	Code        ErrorCode
	Status      int
	Message     string
	UserMessage string
	Retryable   bool
	Context     map[string]any
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so callers can write
// errors.Is(err, &studio.Error{Code: studio.CodeSessionNotFound}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// With returns a copy of e with the key/value added to its context.
func (e *Error) With(key string, value any) *Error {
	cp := *e
	cp.Context = make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		cp.Context[k] = v
	}
	cp.Context[key] = value
	return &cp
}

// Sentinels for errors.Is checks.
var (
	ErrSessionNotFound   = &Error{Code: CodeSessionNotFound}
	ErrContainerNotFound = &Error{Code: CodeContainerNotFound}
	ErrCircuitOpen       = &Error{Code: CodeCircuitOpen}
	ErrValidation        = &Error{Code: CodeValidation}
	ErrInvalidState      = &Error{Code: CodeInvalidState}
	ErrRateLimited       = &Error{Code: CodeRateLimited}
)

func NewCreationError(msg string, cause error) *Error {
	return &Error{
		Code:        CodeContainerCreation,
		Status:      http.StatusInternalServerError,
		Message:     msg,
		UserMessage: "Failed to create the sandbox container. Please try again.",
		Err:         cause,
	}
}

func NewContainerNotFoundError(containerID string, cause error) *Error {
	return &Error{
		Code:        CodeContainerNotFound,
		Status:      http.StatusNotFound,
		Message:     "container not found: " + containerID,
		UserMessage: "The sandbox container is no longer running. Start a new session.",
		Context:     map[string]any{"containerId": containerID},
		Err:         cause,
	}
}

func NewEngineUnavailableError(msg string, cause error) *Error {
	return &Error{
		Code:        CodeEngineUnavailable,
		Status:      http.StatusServiceUnavailable,
		Message:     msg,
		UserMessage: "The container engine is temporarily unavailable. Please retry shortly.",
		Retryable:   true,
		Err:         cause,
	}
}

func NewStreamAttachError(containerID string, cause error) *Error {
	return &Error{
		Code:        CodeStreamAttach,
		Status:      http.StatusInternalServerError,
		Message:     "attach streams to " + containerID,
		UserMessage: "Could not connect to the sandbox terminal.",
		Context:     map[string]any{"containerId": containerID},
		Err:         cause,
	}
}

// NewExecutionError reports a failed engine operation. Timeouts are
// retryable.
func NewExecutionError(msg string, timeout bool, cause error) *Error {
	user := "The operation failed inside the sandbox."
	if timeout {
		user = "The operation timed out. Please retry."
	}
	return &Error{
		Code:        CodeExecution,
		Status:      http.StatusInternalServerError,
		Message:     msg,
		UserMessage: user,
		Retryable:   timeout,
		Err:         cause,
	}
}

func NewInvalidStateError(msg string, cause error) *Error {
	return &Error{
		Code:        CodeInvalidState,
		Status:      http.StatusConflict,
		Message:     msg,
		UserMessage: "The session is not in a state that allows this operation.",
		Err:         cause,
	}
}

func NewSessionNotFoundError(sessionID string) *Error {
	return &Error{
		Code:        CodeSessionNotFound,
		Status:      http.StatusNotFound,
		Message:     "session not found: " + sessionID,
		UserMessage: "Session not found. Start a new session.",
		Context:     map[string]any{"sessionId": sessionID},
	}
}

func NewValidationError(msg string) *Error {
	return &Error{
		Code:        CodeValidation,
		Status:      http.StatusBadRequest,
		Message:     msg,
		UserMessage: "Invalid request: " + msg,
	}
}

func NewCircuitOpenError(name string) *Error {
	return &Error{
		Code:        CodeCircuitOpen,
		Status:      http.StatusServiceUnavailable,
		Message:     "circuit breaker open: " + name,
		UserMessage: "The container engine is recovering from errors. Please retry shortly.",
		Retryable:   true,
	}
}

func NewRateLimitError(sessionID string) *Error {
	return &Error{
		Code:        CodeRateLimited,
		Status:      http.StatusTooManyRequests,
		Message:     "rate limit exceeded for session " + sessionID,
		UserMessage: "Rate limit exceeded. Slow down.",
	}
}

func NewProtocolError(msg string) *Error {
	return &Error{
		Code:        CodeProtocol,
		Status:      http.StatusBadRequest,
		Message:     msg,
		UserMessage: msg,
	}
}

// AsError extracts the *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable reports whether err carries a retryable *Error.
func IsRetryable(err error) bool {
	e, ok := AsError(err)
	return ok && e.Retryable
}

// UserMessage returns the client-safe message for err. Errors outside the
// taxonomy never leak their text.
func UserMessage(err error) string {
	if e, ok := AsError(err); ok && e.UserMessage != "" {
		return e.UserMessage
	}
	return "An internal error occurred."
}

// StatusOf returns the HTTP-style status of err, or 500.
func StatusOf(err error) int {
	if e, ok := AsError(err); ok && e.Status != 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}
