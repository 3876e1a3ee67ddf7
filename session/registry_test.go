package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/pkg/stdcopy"

	studio "github.com/KostasNoreika/claude-studio-sub000"
	"github.com/KostasNoreika/claude-studio-sub000/protocol"
	"github.com/KostasNoreika/claude-studio-sub000/router"
	"github.com/KostasNoreika/claude-studio-sub000/sandbox"
	"github.com/KostasNoreika/claude-studio-sub000/sandbox/sandboxtest"
)

type recordingSink struct {
	mu     sync.Mutex
	frames []protocol.Outbound
	output strings.Builder
}

func (s *recordingSink) Send(msg protocol.Outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, msg)
	if out, ok := msg.(*protocol.TerminalOutput); ok {
		s.output.WriteString(out.Data)
	}
	return nil
}

func (s *recordingSink) Output() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output.String()
}

func (s *recordingSink) Frames() []protocol.Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Outbound(nil), s.frames...)
}

func (s *recordingSink) waitOutput(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(s.Output(), want) {
		if time.Now().After(deadline) {
			t.Fatalf("output = %q, want it to contain %q", s.Output(), want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	eng     *sandboxtest.Engine
	mgr     *sandbox.Manager
	reg     *Registry
	limiter *studio.RateLimiter
	clock   *clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		eng:     sandboxtest.New(),
		limiter: studio.NewRateLimiter(studio.DefaultRateLimitConfig()),
		clock:   &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
	}
	cfg := sandbox.DefaultConfig()
	cfg.AllowedRoots = []string{"/opt/dev"}
	cfg.Retry = studio.RetryPolicy{}
	h.mgr = sandbox.New(h.eng, cfg, sandbox.WithClock(h.clock.Now))
	h.reg = NewRegistry(h.mgr, h.limiter)
	return h
}

func (h *harness) create(t *testing.T, path string, sink Sink) studio.Session {
	t.Helper()
	s, err := h.reg.Create(context.Background(), sandbox.SessionConfig{WorkspacePath: path}, sink)
	if err != nil {
		t.Fatalf("Create(%q): %v", path, err)
	}
	return s
}

func TestEndToEndInputAndCrash(t *testing.T) {
	h := newHarness(t)
	rt := router.New(h.reg, h.limiter)
	sink := &recordingSink{}

	s := h.create(t, "/opt/dev/x", sink)
	if s.Status != studio.StatusRunning || s.ContainerID == "" {
		t.Fatalf("session = %+v, want running with container", s)
	}

	msg, err := protocol.Decode([]byte(`{"type":"terminal:input","data":"ls\n"}`))
	if err != nil {
		t.Fatal(err)
	}
	if reply := rt.Route(context.Background(), s.ID, msg); reply != nil {
		t.Fatalf("Route reply = %+v", reply)
	}
	if !h.eng.WaitInput(s.ContainerID, "ls\n", 2*time.Second) {
		t.Fatalf("stdin = %q, want %q", h.eng.Input(s.ContainerID), "ls\n")
	}
	if got := h.eng.Input(s.ContainerID); got != "ls\n" {
		t.Errorf("stdin = %q, want exactly %q", got, "ls\n")
	}

	h.eng.SetRunning(s.ContainerID, false)
	h.mgr.CheckHealth(context.Background())

	got, ok := h.mgr.Session(s.ID)
	if !ok {
		t.Fatal("session removed by health sweep")
	}
	if got.Status != studio.StatusError {
		t.Errorf("Status = %q, want error", got.Status)
	}
	if !strings.Contains(got.LastError, "crashed") {
		t.Errorf("LastError = %q, want it to contain \"crashed\"", got.LastError)
	}
}

func TestOutputReachesSink(t *testing.T) {
	h := newHarness(t)
	sink := &recordingSink{}
	s := h.create(t, "/opt/dev/x", sink)

	if err := h.eng.Emit(s.ContainerID, stdcopy.Stdout, "hello\r\n"); err != nil {
		t.Fatal(err)
	}
	sink.waitOutput(t, "hello\r\n")
}

func TestReattachSwitchesSink(t *testing.T) {
	h := newHarness(t)
	oldSink := &recordingSink{}
	s := h.create(t, "/opt/dev/x", oldSink)

	h.eng.Emit(s.ContainerID, stdcopy.Stdout, "before")
	oldSink.waitOutput(t, "before")

	newSink := &recordingSink{}
	got, err := h.reg.Reattach(context.Background(), s.ID, newSink)
	if err != nil {
		t.Fatalf("Reattach: %v", err)
	}
	if got.ID != s.ID || got.ContainerID != s.ContainerID {
		t.Errorf("reattached session = %+v", got)
	}

	h.eng.Emit(s.ContainerID, stdcopy.Stdout, "after")
	newSink.waitOutput(t, "after")
	if strings.Contains(oldSink.Output(), "after") {
		t.Errorf("old sink received output after reattach: %q", oldSink.Output())
	}
	if strings.Contains(newSink.Output(), "before") {
		t.Errorf("new sink received output from before reattach: %q", newSink.Output())
	}

	frames := oldSink.Frames()
	last, ok := frames[len(frames)-1].(*protocol.Error)
	if !ok || last.Code != string(studio.CodeInvalidState) {
		t.Errorf("old sink's last frame = %#v, want an invalid state error", frames[len(frames)-1])
	}
	if h.reg.AttachedTo(s.ID, oldSink) || !h.reg.AttachedTo(s.ID, newSink) {
		t.Error("AttachedTo does not reflect the new sink")
	}

	// A late detach from the old connection must not unbind the new one.
	h.reg.Detach(s.ID, oldSink)
	if !h.reg.Attached(s.ID) {
		t.Error("stale Detach removed the current attachment")
	}
}

func TestReattachUnknownSession(t *testing.T) {
	h := newHarness(t)
	_, err := h.reg.Reattach(context.Background(), "missing", &recordingSink{})
	if !errors.Is(err, studio.ErrSessionNotFound) {
		t.Errorf("err = %v, want session not found", err)
	}
}

func TestReattachDeadContainerDropsSession(t *testing.T) {
	h := newHarness(t)
	s := h.create(t, "/opt/dev/x", &recordingSink{})

	h.eng.SetRunning(s.ContainerID, false)
	_, err := h.reg.Reattach(context.Background(), s.ID, &recordingSink{})
	if !errors.Is(err, studio.ErrContainerNotFound) {
		t.Fatalf("err = %v, want container not found", err)
	}
	if _, ok := h.mgr.Session(s.ID); ok {
		t.Error("stale session was not dropped")
	}
	if h.reg.Attached(s.ID) {
		t.Error("stale session still attached")
	}
}

func TestReattachAfterCrashSeesError(t *testing.T) {
	h := newHarness(t)
	s := h.create(t, "/opt/dev/x", &recordingSink{})

	h.eng.SetRunning(s.ContainerID, false)
	h.mgr.CheckHealth(context.Background())

	_, err := h.reg.Reattach(context.Background(), s.ID, &recordingSink{})
	e, ok := studio.AsError(err)
	if !ok || e.Code != studio.CodeContainerNotFound {
		t.Fatalf("err = %v, want container not found", err)
	}
	if !strings.Contains(e.Context["reason"].(string), "crashed") {
		t.Errorf("reason = %v", e.Context["reason"])
	}
}

func TestDetachKeepsContainer(t *testing.T) {
	h := newHarness(t)
	sink := &recordingSink{}
	s := h.create(t, "/opt/dev/x", sink)

	h.reg.Detach(s.ID, &recordingSink{})
	if !h.reg.Attached(s.ID) {
		t.Fatal("Detach with a foreign sink removed the attachment")
	}

	h.reg.Detach(s.ID, sink)
	if h.reg.Attached(s.ID) {
		t.Error("still attached after Detach")
	}
	if c, ok := h.eng.Container(s.ContainerID); !ok || !c.Running {
		t.Error("container stopped by Detach")
	}
	if got, _ := h.mgr.Session(s.ID); got.Status != studio.StatusRunning {
		t.Errorf("Status = %q, want running", got.Status)
	}

	// Detach twice is harmless.
	h.reg.Detach(s.ID, sink)
}

func TestInputWithoutAttachmentIsDropped(t *testing.T) {
	h := newHarness(t)
	sink := &recordingSink{}
	s := h.create(t, "/opt/dev/x", sink)
	h.reg.Detach(s.ID, sink)

	if err := h.reg.Input(context.Background(), s.ID, []byte("ls\n")); err != nil {
		t.Errorf("Input = %v, want nil", err)
	}
	if got := h.eng.Input(s.ContainerID); got != "" {
		t.Errorf("stdin = %q, want empty", got)
	}
}

func TestInputUnknownSession(t *testing.T) {
	h := newHarness(t)
	err := h.reg.Input(context.Background(), "missing", []byte("x"))
	if !errors.Is(err, studio.ErrSessionNotFound) {
		t.Errorf("err = %v, want session not found", err)
	}
}

func TestRemove(t *testing.T) {
	h := newHarness(t)
	s := h.create(t, "/opt/dev/x", &recordingSink{})
	h.limiter.Allow(s.ID)

	if err := h.reg.Remove(context.Background(), s.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := h.mgr.Session(s.ID); ok {
		t.Error("session still registered")
	}
	if h.reg.Attached(s.ID) {
		t.Error("still attached")
	}
	if h.limiter.Len() != 0 {
		t.Errorf("limiter buckets = %d, want 0", h.limiter.Len())
	}
	if err := h.reg.Remove(context.Background(), s.ID); err != nil {
		t.Errorf("second Remove: %v", err)
	}
}

func TestReload(t *testing.T) {
	h := newHarness(t)
	sink := &recordingSink{}
	s := h.create(t, "/opt/dev/x", sink)

	h.reg.Reload(s.ID, []string{"index.html"})
	var found bool
	for _, f := range sink.Frames() {
		if r, ok := f.(*protocol.PreviewReload); ok && len(r.Files) == 1 && r.Files[0] == "index.html" {
			found = true
		}
	}
	if !found {
		t.Errorf("frames = %v, want preview:reload", sink.Frames())
	}
	h.reg.Reload("missing", []string{"x"})
}

func TestSplitUTF8(t *testing.T) {
	euro := []byte("€") // e2 82 ac
	tests := []struct {
		name         string
		in           []byte
		wantComplete string
		wantRest     []byte
	}{
		{"ascii", []byte("abc"), "abc", nil},
		{"complete multibyte", append([]byte("a"), euro...), "a€", nil},
		{"split after one byte", append([]byte("a"), euro[:1]...), "a", euro[:1]},
		{"split after two bytes", append([]byte("a"), euro[:2]...), "a", euro[:2]},
		{"empty", nil, "", nil},
	}
	for _, tt := range tests {
		complete, rest := splitUTF8(tt.in)
		if string(complete) != tt.wantComplete || string(rest) != string(tt.wantRest) {
			t.Errorf("%s: got (%q, %q), want (%q, %q)", tt.name, complete, rest, tt.wantComplete, tt.wantRest)
		}
	}
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	var k keyedMutex
	unlock := k.Lock("a")
	done := make(chan struct{})
	go func() {
		u := k.Lock("a")
		u()
		close(done)
	}()
	unlock()
	<-done
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.locks) != 0 {
		t.Errorf("locks = %d, want 0", len(k.locks))
	}
}
