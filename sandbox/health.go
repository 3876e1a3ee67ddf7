package sandbox

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"golang.org/x/sync/errgroup"

	studio "github.com/KostasNoreika/claude-studio-sub000"
)

// cleanupParallelism bounds concurrent removals during orphan cleanup.
const cleanupParallelism = 4

// RunHealthMonitor runs CheckHealth every HealthInterval until ctx is done.
func (m *Manager) RunHealthMonitor(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.CheckHealth(ctx)
		}
	}
}

// CheckHealth probes every running session's container and marks the ones
// that are no longer running as crashed. Crashed sessions stay in the table
// with StatusError so a reconnect sees the failure. The sweep is skipped while
// the circuit breaker is open.
func (m *Manager) CheckHealth(ctx context.Context) {
	m.pruneTombstones()

	if m.breaker.State() == studio.StateOpen {
		m.logger.Debug("health sweep skipped, engine circuit open")
		return
	}

	type target struct{ sessionID, containerID string }
	var targets []target
	m.mu.Lock()
	for id, e := range m.sessions {
		if e.session.Status == studio.StatusRunning && e.session.ContainerID != "" {
			targets = append(targets, target{id, e.session.ContainerID})
		}
	}
	m.mu.Unlock()

	for _, t := range targets {
		if ctx.Err() != nil {
			return
		}
		running, known := m.probe(ctx, t.containerID)
		if running || !known {
			continue
		}
		m.markCrashed(ctx, t.sessionID, t.containerID)
	}
}

func (m *Manager) markCrashed(ctx context.Context, sessionID, containerID string) {
	var w Watcher
	ok := false
	m.mu.Lock()
	if e, found := m.sessions[sessionID]; found &&
		e.session.Status == studio.StatusRunning &&
		e.session.ContainerID == containerID {
		e.session.Status = studio.StatusError
		e.session.LastError = crashedMessage
		w = e.watch
		e.watch = nil
		ok = true
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if w != nil {
		w.Close()
	}
	m.recorder.SessionEvent(ctx, "crashed")
	m.logger.Warn(crashedMessage, "session_id", sessionID, "container_id", containerID)
}

func (m *Manager) pruneTombstones() {
	cutoff := m.now().Add(-tombstoneTTL)
	m.mu.Lock()
	for id, at := range m.tombstones {
		if at.Before(cutoff) {
			delete(m.tombstones, id)
		}
	}
	m.mu.Unlock()
}

// CleanupOrphans force-removes every container carrying the management label
// that does not belong to a session of this manager, and returns how many
// were removed. It is meant to run once at startup to reclaim containers left
// by a previous process.
func (m *Manager) CleanupOrphans(ctx context.Context) (int, error) {
	list, err := engineCall(ctx, m, "list", true, func(ctx context.Context) ([]container.Summary, error) {
		return m.engine.ContainerList(ctx, container.ListOptions{
			All:     true,
			Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
		})
	})
	if err != nil {
		return 0, classify(err, "", func(cause error) *studio.Error {
			return studio.NewEngineUnavailableError("list managed containers", cause)
		})
	}

	owned := make(map[string]bool)
	m.mu.Lock()
	for _, e := range m.sessions {
		if e.session.ContainerID != "" {
			owned[e.session.ContainerID] = true
		}
	}
	m.mu.Unlock()

	var removed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cleanupParallelism)
	for _, c := range list {
		if owned[c.ID] {
			continue
		}
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, m.cfg.CallTimeout)
			defer cancel()
			_, err := engineCall(cctx, m, "remove", true, func(ctx context.Context) (struct{}, error) {
				return struct{}{}, m.engine.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true})
			})
			if err != nil && !isGone(err) {
				m.logger.Warn("orphan cleanup failed",
					"container_id", c.ID,
					"session_id", c.Labels[LabelSession],
					"error", err)
				return nil
			}
			removed.Add(1)
			return nil
		})
	}
	g.Wait()

	n := int(removed.Load())
	if n > 0 {
		m.logger.Info("removed orphaned containers", "count", n)
	}
	return n, nil
}
