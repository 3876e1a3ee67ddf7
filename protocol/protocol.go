// Package protocol defines the JSON frames exchanged with browser clients.
// Every frame is an object with a "type" discriminator and an ISO-8601
// "timestamp".
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	studio "github.com/KostasNoreika/claude-studio-sub000"
)

// Inbound frame types.
const (
	TypeTerminalInput    = "terminal:input"
	TypeTerminalResize   = "terminal:resize"
	TypeHeartbeat        = "heartbeat"
	TypeSessionCreate    = "session:create"
	TypeSessionReconnect = "session:reconnect"
	TypeSessionStop      = "session:stop"
)

// Outbound frame types.
const (
	TypeConnected      = "connected"
	TypeTerminalOutput = "terminal:output"
	TypeError          = "error"
	TypePreviewReload  = "preview:reload"
	TypeSessionStopped = "session:stopped"
)

// ConsolePrefix starts every console frame type, e.g. "console:log".
const ConsolePrefix = "console:"

// TimeFormat is ISO-8601 in UTC with millisecond precision.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// Timestamp is a frame timestamp in TimeFormat.
type Timestamp string

// NewTimestamp formats t in UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp(t.UTC().Format(TimeFormat))
}

// Time parses the timestamp. Invalid or empty values give the zero time.
func (t Timestamp) Time() time.Time {
	if t == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339Nano, string(t))
	if err != nil {
		return time.Time{}
	}
	return parsed
}

// Header is embedded in every frame.
type Header struct {
	Type      string    `json:"type"`
	Timestamp Timestamp `json:"timestamp"`
}

func (h Header) header() Header { return h }

// Inbound is a frame sent by the client. The set of implementations is
// closed; switch on the concrete type.
type Inbound interface {
	header() Header
	inbound()
}

// Outbound is a frame sent to the client.
type Outbound interface {
	header() Header
	outbound()
	stamp(typ string, ts Timestamp)
}

type TerminalInput struct {
	Header
	Data string `json:"data"`
}

type TerminalResize struct {
	Header
	Cols uint `json:"cols"`
	Rows uint `json:"rows"`
}

type Heartbeat struct {
	Header
}

type SessionCreate struct {
	Header
	WorkspacePath string `json:"workspacePath"`
	ProjectName   string `json:"projectName,omitempty"`
}

type SessionReconnect struct {
	Header
	SessionID string `json:"sessionId"`
}

type SessionStop struct {
	Header
}

// Console is browser console telemetry. It travels in both directions:
// inbound raw, outbound after sanitizing.
type Console struct {
	Header
	Level string            `json:"level"`
	Args  []json.RawMessage `json:"args"`
	URL   string            `json:"url,omitempty"`
}

// Unknown is an inbound frame whose type is not recognized. It is decoded
// rather than rejected so the caller can answer with an error frame.
type Unknown struct {
	Header
}

type Connected struct {
	Header
	SessionID   string `json:"sessionId"`
	PreviewPort string `json:"previewPort,omitempty"`
}

type TerminalOutput struct {
	Header
	Data string `json:"data"`
	// Stream is "stderr" for standard error and empty for standard output.
	Stream string `json:"stream,omitempty"`
}

// Error is a client-facing error. Message is always safe to show.
type Error struct {
	Header
	Message   string         `json:"message"`
	Code      string         `json:"code,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

type PreviewReload struct {
	Header
	Files []string `json:"files"`
}

type SessionStopped struct {
	Header
	SessionID string `json:"sessionId"`
}

func (*TerminalInput) inbound()    {}
func (*TerminalResize) inbound()   {}
func (*Heartbeat) inbound()        {}
func (*SessionCreate) inbound()    {}
func (*SessionReconnect) inbound() {}
func (*SessionStop) inbound()      {}
func (*Console) inbound()          {}
func (*Unknown) inbound()          {}

func (*Connected) outbound()      {}
func (*TerminalOutput) outbound() {}
func (*Error) outbound()          {}
func (*Console) outbound()        {}
func (*PreviewReload) outbound()  {}
func (*SessionStopped) outbound() {}

func (h *Header) stamp(typ string, ts Timestamp) {
	if h.Type == "" {
		h.Type = typ
	}
	if h.Timestamp == "" {
		h.Timestamp = ts
	}
}

// ErrorFrom builds an error frame from err using only its user-safe parts.
func ErrorFrom(err error) *Error {
	e := &Error{Message: studio.UserMessage(err)}
	if se, ok := studio.AsError(err); ok {
		e.Code = string(se.Code)
		e.Retryable = se.Retryable
		e.Context = se.Context
	}
	return e
}

// TypeOf returns the frame's type field.
func TypeOf(m Inbound) string { return m.header().Type }

// ErrMalformed wraps every Decode failure.
var ErrMalformed = errors.New("malformed frame")

// Decode parses one inbound frame. Unrecognized types decode to *Unknown.
func Decode(data []byte) (Inbound, error) {
	var peek Header
	if err := json.Unmarshal(data, &peek); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if peek.Type == "" {
		return nil, fmt.Errorf("%w: missing type field", ErrMalformed)
	}

	var msg Inbound
	switch {
	case peek.Type == TypeTerminalInput:
		msg = &TerminalInput{}
	case peek.Type == TypeTerminalResize:
		msg = &TerminalResize{}
	case peek.Type == TypeHeartbeat:
		msg = &Heartbeat{}
	case peek.Type == TypeSessionCreate:
		msg = &SessionCreate{}
	case peek.Type == TypeSessionReconnect:
		msg = &SessionReconnect{}
	case peek.Type == TypeSessionStop:
		msg = &SessionStop{}
	case strings.HasPrefix(peek.Type, ConsolePrefix):
		msg = &Console{}
	default:
		return &Unknown{Header: peek}, nil
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, peek.Type, err)
	}
	if err := validate(msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, peek.Type, err)
	}
	return msg, nil
}

func validate(m Inbound) error {
	switch m := m.(type) {
	case *SessionCreate:
		if m.WorkspacePath == "" {
			return errors.New("workspacePath is required")
		}
	case *SessionReconnect:
		if m.SessionID == "" {
			return errors.New("sessionId is required")
		}
	case *TerminalResize:
		if m.Cols == 0 || m.Rows == 0 {
			return errors.New("cols and rows must be positive")
		}
	}
	return nil
}

// Encode serializes m, filling in its type and a timestamp for now when
// they are unset.
func Encode(m Outbound, now time.Time) ([]byte, error) {
	m.stamp(outboundType(m), NewTimestamp(now))
	return json.Marshal(m)
}

func outboundType(m Outbound) string {
	switch m := m.(type) {
	case *Connected:
		return TypeConnected
	case *TerminalOutput:
		return TypeTerminalOutput
	case *Error:
		return TypeError
	case *PreviewReload:
		return TypePreviewReload
	case *SessionStopped:
		return TypeSessionStopped
	case *Console:
		if m.Level != "" {
			return ConsolePrefix + m.Level
		}
		return ConsolePrefix + "log"
	}
	return ""
}
