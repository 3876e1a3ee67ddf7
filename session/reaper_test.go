package session

import (
	"context"
	"errors"
	"testing"
	"time"

	studio "github.com/KostasNoreika/claude-studio-sub000"
	"github.com/KostasNoreika/claude-studio-sub000/protocol"
	"github.com/KostasNoreika/claude-studio-sub000/sandbox"
)

var errEngineBusy = errors.New("device or resource busy")

func TestReaperSweep(t *testing.T) {
	h := newHarness(t)
	idleSink := &recordingSink{}
	idle := h.create(t, "/opt/dev/idle", idleSink)
	active := h.create(t, "/opt/dev/active", &recordingSink{})
	h.limiter.Allow(idle.ID)

	h.clock.Advance(31 * time.Minute)
	h.reg.Touch(active.ID)

	r := NewReaper(h.reg)
	r.now = h.clock.Now
	if n := r.Sweep(context.Background()); n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}

	if _, ok := h.mgr.Session(idle.ID); ok {
		t.Error("idle session still registered")
	}
	if _, ok := h.eng.Container(idle.ContainerID); ok {
		t.Error("idle container still exists")
	}
	if h.limiter.Len() != 0 {
		t.Errorf("limiter buckets = %d, want 0", h.limiter.Len())
	}
	var notified bool
	for _, f := range idleSink.Frames() {
		if s, ok := f.(*protocol.SessionStopped); ok && s.SessionID == idle.ID {
			notified = true
		}
	}
	if !notified {
		t.Error("idle client not told the session stopped")
	}

	got, ok := h.mgr.Session(active.ID)
	if !ok || got.Status != studio.StatusRunning {
		t.Errorf("active session = %+v, %v; want untouched", got, ok)
	}
	if !h.reg.Attached(active.ID) {
		t.Error("active session detached")
	}
}

func TestReaperExpiresErrorRows(t *testing.T) {
	h := newHarness(t)
	s := h.create(t, "/opt/dev/x", &recordingSink{})
	h.eng.SetRunning(s.ContainerID, false)
	h.mgr.CheckHealth(context.Background())

	h.clock.Advance(time.Hour)
	r := NewReaper(h.reg, IdleTimeout(30*time.Minute))
	r.now = h.clock.Now
	r.Sweep(context.Background())

	if _, ok := h.mgr.Session(s.ID); ok {
		t.Error("crashed session not reaped")
	}
}

func TestReaperDropsBookkeepingWhenStopFails(t *testing.T) {
	h := newHarness(t)
	s := h.create(t, "/opt/dev/x", &recordingSink{})
	h.eng.FailAlways("stop", errEngineBusy)

	h.clock.Advance(time.Hour)
	r := NewReaper(h.reg)
	r.now = h.clock.Now
	if n := r.Sweep(context.Background()); n != 0 {
		t.Errorf("expired = %d, want 0 for a failed stop", n)
	}

	if _, ok := h.mgr.Session(s.ID); ok {
		t.Error("session kept after failed stop")
	}
}

// stallingLifecycle never finishes a stop before its context ends.
type stallingLifecycle struct {
	*sandbox.Manager
}

func (l stallingLifecycle) StopSession(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestReaperBoundsEachExpiry(t *testing.T) {
	h := newHarness(t)
	s := h.create(t, "/opt/dev/x", &recordingSink{})
	reg := NewRegistry(stallingLifecycle{h.mgr}, h.limiter)

	h.clock.Advance(time.Hour)
	r := NewReaper(reg, ExpireTimeout(10*time.Millisecond))
	r.now = h.clock.Now

	done := make(chan int, 1)
	go func() { done <- r.Sweep(context.Background()) }()
	select {
	case n := <-done:
		if n != 0 {
			t.Errorf("expired = %d, want 0 for a timed out stop", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweep not bounded by the expire timeout")
	}
	if _, ok := h.mgr.Session(s.ID); ok {
		t.Error("session kept after timed out stop")
	}
}

func TestReaperRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	r := NewReaper(h.reg, ReapInterval(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
