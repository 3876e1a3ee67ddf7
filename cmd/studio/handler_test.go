package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	studio "github.com/KostasNoreika/claude-studio-sub000"
	"github.com/KostasNoreika/claude-studio-sub000/internal/config"
	"github.com/KostasNoreika/claude-studio-sub000/protocol"
	"github.com/KostasNoreika/claude-studio-sub000/sandbox"
	"github.com/KostasNoreika/claude-studio-sub000/sandbox/sandboxtest"
	"github.com/KostasNoreika/claude-studio-sub000/session"
)

type discardSink struct{}

func (discardSink) Send(protocol.Outbound) error { return nil }

func newAdmin(t *testing.T) (*sandboxtest.Engine, *session.Registry, http.Handler) {
	t.Helper()
	eng := sandboxtest.New()
	cfg := sandbox.DefaultConfig()
	cfg.AllowedRoots = []string{"/opt/dev"}
	cfg.Retry = studio.RetryPolicy{}
	mgr := sandbox.New(eng, cfg)
	reg := session.NewRegistry(mgr, studio.NewRateLimiter(studio.DefaultRateLimitConfig()))
	mux := http.NewServeMux()
	registerAdmin(mux, mgr, reg)
	return eng, reg, mux
}

func TestHealthEndpoint(t *testing.T) {
	eng, _, h := newAdmin(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body.Engine || body.Breaker != "CLOSED" {
		t.Errorf("body = %+v", body)
	}

	eng.FailAlways(sandboxtest.OpPing, errors.New("connection refused"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestSessionsEndpoints(t *testing.T) {
	_, reg, h := newAdmin(t)
	s, err := reg.Create(context.Background(), sandbox.SessionConfig{WorkspacePath: "/opt/dev/app"}, discardSink{})
	if err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	var list []studio.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != s.ID {
		t.Fatalf("sessions = %+v", list)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/sessions/"+s.ID, nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/sessions/unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("delete unknown status = %d, want 404", rec.Code)
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := newLogger(config.LogConfig{Level: "debug", Format: "text"}); err != nil {
		t.Errorf("text logger: %v", err)
	}
	if _, err := newLogger(config.LogConfig{Level: "info"}); err != nil {
		t.Errorf("default format: %v", err)
	}
	if _, err := newLogger(config.LogConfig{Level: "loud"}); err == nil {
		t.Error("expected an error for an unknown level")
	}
	if _, err := newLogger(config.LogConfig{Level: "info", Format: "xml"}); err == nil {
		t.Error("expected an error for an unknown format")
	}
}
