package main

import (
	"encoding/json"
	"net/http"

	studio "github.com/KostasNoreika/claude-studio-sub000"
	"github.com/KostasNoreika/claude-studio-sub000/sandbox"
	"github.com/KostasNoreika/claude-studio-sub000/session"
)

// healthResponse is the JSON body returned by GET /health.
type healthResponse struct {
	Status   string `json:"status"`
	Engine   bool   `json:"engine"`
	Breaker  string `json:"breaker"`
	Sessions int    `json:"sessions"`
}

func registerAdmin(mux *http.ServeMux, mgr *sandbox.Manager, reg *session.Registry) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		handleHealth(mgr, w, r)
	})
	mux.HandleFunc("GET /sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, reg.Sessions())
	})
	mux.HandleFunc("DELETE /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		handleDeleteSession(reg, w, r)
	})
}

func handleHealth(mgr *sandbox.Manager, w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:   "ok",
		Engine:   mgr.HealthCheck(r.Context()),
		Breaker:  mgr.Breaker().State().String(),
		Sessions: len(mgr.Sessions()),
	}
	code := http.StatusOK
	if !resp.Engine {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func handleDeleteSession(reg *session.Registry, w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := reg.Remove(r.Context(), id); err != nil {
		writeError(w, studio.StatusOf(err), studio.UserMessage(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
