package router

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	studio "github.com/KostasNoreika/claude-studio-sub000"
	"github.com/KostasNoreika/claude-studio-sub000/protocol"
)

type stubTarget struct {
	mu      sync.Mutex
	inputs  []string
	touches int
	rows    uint
	cols    uint
	err     error
}

func (s *stubTarget) Input(_ context.Context, _ string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.inputs = append(s.inputs, string(data))
	return nil
}

func (s *stubTarget) Resize(_ context.Context, _ string, rows, cols uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows, s.cols = rows, cols
	return s.err
}

func (s *stubTarget) Touch(string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touches++
	return true
}

type countingRecorder struct {
	studio.Recorder
	mu       sync.Mutex
	rejected map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{Recorder: studio.NopRecorder(), rejected: make(map[string]int)}
}

func (c *countingRecorder) MessageRejected(_ context.Context, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected[reason]++
}

// slowLimiter never refills within a test.
func slowLimiter() *studio.RateLimiter {
	return studio.NewRateLimiter(studio.RateLimitConfig{Window: time.Hour, MaxMessages: 1, Burst: 20})
}

func decode(t *testing.T, s string) protocol.Inbound {
	t.Helper()
	msg, err := protocol.Decode([]byte(s))
	if err != nil {
		t.Fatalf("Decode(%s): %v", s, err)
	}
	return msg
}

func TestRouteTerminalInput(t *testing.T) {
	target := &stubTarget{}
	r := New(target, slowLimiter())

	reply := r.Route(context.Background(), "s1", decode(t, `{"type":"terminal:input","data":"ls\n"}`))
	if reply != nil {
		t.Fatalf("reply = %+v, want nil", reply)
	}
	if len(target.inputs) != 1 || target.inputs[0] != "ls\n" {
		t.Errorf("inputs = %q, want [\"ls\\n\"]", target.inputs)
	}
}

func TestRouteHeartbeatOnlyTouches(t *testing.T) {
	target := &stubTarget{}
	r := New(target, slowLimiter())

	if reply := r.Route(context.Background(), "s1", decode(t, `{"type":"heartbeat"}`)); reply != nil {
		t.Fatalf("reply = %+v, want nil", reply)
	}
	if target.touches != 1 || len(target.inputs) != 0 {
		t.Errorf("touches = %d, inputs = %d", target.touches, len(target.inputs))
	}
}

func TestRouteResize(t *testing.T) {
	target := &stubTarget{}
	r := New(target, slowLimiter())

	r.Route(context.Background(), "s1", decode(t, `{"type":"terminal:resize","cols":120,"rows":40}`))
	if target.rows != 40 || target.cols != 120 {
		t.Errorf("size = %dx%d, want 40x120", target.rows, target.cols)
	}
}

func TestRouteRateLimit(t *testing.T) {
	target := &stubTarget{}
	rec := newCountingRecorder()
	r := New(target, slowLimiter(), WithRecorder(rec))
	msg := decode(t, `{"type":"terminal:input","data":"x"}`)

	for i := range 20 {
		if reply := r.Route(context.Background(), "s1", msg); reply != nil {
			t.Fatalf("message %d rejected: %+v", i+1, reply)
		}
	}
	reply := r.Route(context.Background(), "s1", msg)
	e, ok := reply.(*protocol.Error)
	if !ok {
		t.Fatalf("21st reply = %T, want *protocol.Error", reply)
	}
	if e.Code != string(studio.CodeRateLimited) || e.Retryable {
		t.Errorf("error frame = %+v", e)
	}
	if len(target.inputs) != 20 {
		t.Errorf("dispatched = %d, want 20", len(target.inputs))
	}
	if rec.rejected["rate_limited"] != 1 {
		t.Errorf("rejected = %v", rec.rejected)
	}

	// Other sessions have their own bucket.
	if reply := r.Route(context.Background(), "s2", msg); reply != nil {
		t.Errorf("s2 reply = %+v, want nil", reply)
	}
}

func TestRouteUnknownType(t *testing.T) {
	r := New(&stubTarget{}, slowLimiter())
	reply := r.Route(context.Background(), "s1", decode(t, `{"type":"file:upload"}`))
	e, ok := reply.(*protocol.Error)
	if !ok {
		t.Fatalf("reply = %T, want *protocol.Error", reply)
	}
	if e.Code != string(studio.CodeProtocol) {
		t.Errorf("Code = %q, want %q", e.Code, studio.CodeProtocol)
	}
	if !strings.Contains(e.Message, "file:upload") {
		t.Errorf("Message = %q", e.Message)
	}
}

func TestRouteSessionFramesAreNotRouted(t *testing.T) {
	r := New(&stubTarget{}, slowLimiter())
	reply := r.Route(context.Background(), "s1", decode(t, `{"type":"session:reconnect","sessionId":"x"}`))
	if e, ok := reply.(*protocol.Error); !ok || e.Code != string(studio.CodeProtocol) {
		t.Errorf("reply = %+v, want protocol error", reply)
	}
}

func TestRouteTargetErrorIsSafe(t *testing.T) {
	target := &stubTarget{err: studio.NewSessionNotFoundError("s1")}
	r := New(target, slowLimiter())

	reply := r.Route(context.Background(), "s1", decode(t, `{"type":"terminal:input","data":"x"}`))
	e, ok := reply.(*protocol.Error)
	if !ok || e.Code != string(studio.CodeSessionNotFound) {
		t.Fatalf("reply = %+v", reply)
	}

	target.err = errors.New("write /proc/1234/fd/0: broken pipe")
	reply = r.Route(context.Background(), "s1", decode(t, `{"type":"terminal:input","data":"x"}`))
	e = reply.(*protocol.Error)
	if strings.Contains(e.Message, "proc") {
		t.Errorf("Message leaks diagnostics: %q", e.Message)
	}
}

func TestRouteConsole(t *testing.T) {
	rec := newCountingRecorder()
	r := New(&stubTarget{}, slowLimiter(), WithRecorder(rec))

	reply := r.Route(context.Background(), "s1",
		decode(t, `{"type":"console:warn","level":"warn","args":["a\u0007b",{"k":1}],"url":"https://user:pw@example.com/x"}`))
	c, ok := reply.(*protocol.Console)
	if !ok {
		t.Fatalf("reply = %T, want *protocol.Console", reply)
	}
	if c.Type != "console:warn" {
		t.Errorf("Type = %q", c.Type)
	}
	var first string
	if err := json.Unmarshal(c.Args[0], &first); err != nil || first != "ab" {
		t.Errorf("arg[0] = %s, want \"ab\"", c.Args[0])
	}
	if c.URL != "https://example.com/x" {
		t.Errorf("URL = %q", c.URL)
	}

	// Rejected console frames are dropped silently.
	reply = r.Route(context.Background(), "s1", decode(t, `{"type":"console:exec","level":"exec","args":[]}`))
	if reply != nil {
		t.Errorf("reply = %+v, want nil", reply)
	}
	if rec.rejected["console_rejected"] != 1 {
		t.Errorf("rejected = %v", rec.rejected)
	}
}

func TestBasicSanitizerLimits(t *testing.T) {
	s := BasicSanitizer{MaxArgs: 2, MaxArgLen: 5}
	in := &protocol.Console{
		Level: "log",
		Args: []json.RawMessage{
			json.RawMessage(`"abcdefgh"`),
			json.RawMessage(`[1,2,3,4,5,6]`),
			json.RawMessage(`"dropped"`),
		},
		URL: "javascript:alert(1)",
	}
	out, err := s.Sanitize(in)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Args) != 2 {
		t.Fatalf("args = %d, want 2", len(out.Args))
	}
	var first, second string
	json.Unmarshal(out.Args[0], &first)
	json.Unmarshal(out.Args[1], &second)
	if first != "abcde"+truncatedMark {
		t.Errorf("arg[0] = %q", first)
	}
	if second != truncatedMark {
		t.Errorf("arg[1] = %q", second)
	}
	if out.URL != "" {
		t.Errorf("URL = %q, want dropped", out.URL)
	}
}
