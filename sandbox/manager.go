package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"

	studio "github.com/KostasNoreika/claude-studio-sub000"
)

// tombstoneTTL is how long a stopped session id keeps answering stop calls
// with success.
const tombstoneTTL = 5 * time.Minute

const crashedMessage = "container crashed or stopped unexpectedly"

// Manager creates, supervises and tears down one container per session.
// All exported methods are safe for concurrent use.
type Manager struct {
	engine   Engine
	cfg      Config
	breaker  *studio.CircuitBreaker
	logger   *slog.Logger
	tracer   studio.Tracer
	recorder studio.Recorder
	watchers WatcherFactory
	onChange ChangeFunc
	now      func() time.Time

	mu         sync.Mutex
	sessions   map[string]*entry
	tombstones map[string]time.Time
}

type entry struct {
	session studio.Session
	watch   Watcher
}

// New returns a Manager using engine. Zero fields in cfg take the values of
// DefaultConfig, except Retry: a zero policy disables retries.
func New(engine Engine, cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.Image == "" {
		cfg.Image = def.Image
	}
	if cfg.Memory <= 0 {
		cfg.Memory = def.Memory
	}
	if cfg.CPUShares <= 0 {
		cfg.CPUShares = def.CPUShares
	}
	if len(cfg.Command) == 0 {
		cfg.Command = def.Command
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}

	m := &Manager{
		engine:     engine,
		cfg:        cfg,
		now:        time.Now,
		sessions:   make(map[string]*entry),
		tombstones: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = studio.NopLogger()
	}
	if m.tracer == nil {
		m.tracer = studio.NopTracer()
	}
	if m.recorder == nil {
		m.recorder = studio.NopRecorder()
	}
	if m.breaker == nil {
		m.breaker = studio.NewCircuitBreaker("container-engine", cfg.Breaker,
			studio.BreakerLogger(m.logger),
			studio.BreakerRecorder(m.recorder),
			studio.BreakerFailureFilter(isEngineFault))
	}
	return m
}

// Breaker returns the circuit breaker guarding engine calls.
func (m *Manager) Breaker() *studio.CircuitBreaker { return m.breaker }

// CreateSession validates sc, creates and starts a hardened container and
// returns the running session. Validation failures make no engine calls. Any
// later failure leaves the session in StatusError so it can be inspected.
func (m *Manager) CreateSession(ctx context.Context, sc SessionConfig) (studio.Session, error) {
	if err := validateWorkspace(sc.WorkspacePath, m.cfg.AllowedRoots); err != nil {
		return studio.Session{}, studio.NewValidationError(err.Error()).With("workspace_path", sc.WorkspacePath)
	}

	now := m.now()
	id := studio.NewID()
	m.mu.Lock()
	for _, e := range m.sessions {
		if e.session.WorkspacePath == sc.WorkspacePath && live(e.session.Status) {
			m.mu.Unlock()
			return studio.Session{}, studio.NewValidationError("workspace is already bound to another session").
				With("workspace_path", sc.WorkspacePath)
		}
	}
	m.sessions[id] = &entry{session: studio.Session{
		ID:            id,
		ProjectName:   sc.ProjectName,
		WorkspacePath: sc.WorkspacePath,
		Status:        studio.StatusCreating,
		CreatedAt:     now,
		LastActivity:  now,
	}}
	m.mu.Unlock()

	ctx, span := m.tracer.Start(ctx, "sandbox.create",
		studio.StringAttr("session_id", id),
		studio.StringAttr("project", sc.ProjectName))
	defer span.End()

	logger := m.logger.With("session_id", id)
	cc, hc := buildSpec(m.cfg, id, sc)

	resp, err := engineCall(ctx, m, "create", true, func(ctx context.Context) (container.CreateResponse, error) {
		return m.engine.ContainerCreate(ctx, cc, hc, nil, nil, containerName(id))
	})
	if err != nil {
		return studio.Session{}, m.failCreate(ctx, span, logger, id, "create container", "", err)
	}
	containerID := resp.ID
	logger = logger.With("container_id", containerID)
	if !m.claim(id, func(s *studio.Session) { s.ContainerID = containerID }) {
		// Stopped while the container was being created; nothing else owns it.
		m.forceRemove(ctx, logger, containerID)
		return studio.Session{}, stoppedDuringCreate(id)
	}

	_, err = engineCall(ctx, m, "start", true, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.engine.ContainerStart(ctx, containerID, container.StartOptions{})
	})
	if err != nil {
		return studio.Session{}, m.failCreate(ctx, span, logger, id, "start container", containerID, err)
	}

	var hostPort string
	if m.cfg.PreviewPort > 0 {
		info, err := engineCall(ctx, m, "inspect", true, func(ctx context.Context) (container.InspectResponse, error) {
			return m.engine.ContainerInspect(ctx, containerID)
		})
		if err != nil {
			logger.Warn("preview port lookup failed", "error", err)
		} else {
			hostPort = hostPreviewPort(info, m.cfg.PreviewPort)
		}
	}

	var snap studio.Session
	ok := m.claim(id, func(s *studio.Session) {
		s.Status = studio.StatusRunning
		s.PreviewPort = hostPort
		snap = *s
	})
	if !ok {
		// Stopped while starting.
		m.forceRemove(ctx, logger, containerID)
		return studio.Session{}, stoppedDuringCreate(id)
	}
	m.startWatch(id, sc.WorkspacePath)

	span.SetAttr(studio.StringAttr("container_id", containerID))
	m.recorder.SessionEvent(ctx, "created")
	logger.Info("session created", "workspace", sc.WorkspacePath, "preview_port", hostPort)
	return snap, nil
}

// failCreate records a creation failure on the session row and returns the
// typed creation error. The row is kept.
func (m *Manager) failCreate(ctx context.Context, span studio.Span, logger *slog.Logger, id, step, containerID string, err error) error {
	err = classify(err, containerID, func(cause error) *studio.Error {
		return studio.NewCreationError(step, cause)
	})
	cerr, _ := studio.AsError(err)
	if cerr.Code != studio.CodeContainerCreation {
		cause := cerr
		cerr = studio.NewCreationError(step, cause)
		// Engine outages and an open breaker stay retryable for the client.
		cerr.Retryable = cause.Retryable
		if cause.Code == studio.CodeCircuitOpen {
			cerr.UserMessage = cause.UserMessage
		}
	}
	cerr = cerr.With("session_id", id)

	m.update(id, func(s *studio.Session) {
		s.Status = studio.StatusError
		s.LastError = cerr.UserMessage
	})
	span.Error(cerr)
	m.recorder.SessionEvent(ctx, "create_failed")
	logger.Error("session creation failed", "op", step, "error", err)
	return cerr
}

// StopSession stops the session's container and removes the session. A stop
// on a session that was already stopped, or whose container is already gone,
// succeeds. Other failures leave the session in StatusError.
func (m *Manager) StopSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		_, recent := m.tombstones[sessionID]
		m.mu.Unlock()
		if recent {
			return nil
		}
		return studio.NewSessionNotFoundError(sessionID)
	}
	if e.session.Status == studio.StatusStopping {
		m.mu.Unlock()
		return nil
	}
	e.session.Status = studio.StatusStopping
	containerID := e.session.ContainerID
	w := e.watch
	e.watch = nil
	m.mu.Unlock()

	ctx, span := m.tracer.Start(ctx, "sandbox.stop",
		studio.StringAttr("session_id", sessionID),
		studio.StringAttr("container_id", containerID))
	defer span.End()
	logger := m.logger.With("session_id", sessionID, "container_id", containerID)

	if w != nil {
		if err := w.Close(); err != nil {
			logger.Warn("close watcher", "error", err)
		}
	}

	if containerID != "" {
		timeout := int(m.cfg.StopTimeout / time.Second)
		_, err := engineCall(ctx, m, "stop", true, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, m.engine.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
		})
		if err != nil && !isGone(err) {
			err = classify(err, containerID, func(cause error) *studio.Error {
				return studio.NewInvalidStateError("failed to stop container", cause)
			})
			serr := studio.NewInvalidStateError("failed to stop container", err).
				With("session_id", sessionID).
				With("container_id", containerID)
			m.update(sessionID, func(s *studio.Session) {
				s.Status = studio.StatusError
				s.LastError = serr.UserMessage
			})
			span.Error(serr)
			logger.Error("stop failed", "error", err)
			return serr
		}
		m.forceRemove(ctx, logger, containerID)
	}

	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.tombstones[sessionID] = m.now()
	m.mu.Unlock()

	m.recorder.SessionEvent(ctx, "stopped")
	logger.Info("session stopped")
	return nil
}

// forceRemove reclaims containers that auto-remove will not, such as ones that
// were created but never started.
func (m *Manager) forceRemove(ctx context.Context, logger *slog.Logger, containerID string) {
	_, err := engineCall(ctx, m, "remove", false, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.engine.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	})
	if err != nil && !isGone(err) {
		logger.Debug("force remove failed", "error", err)
	}
}

// Forget drops a session's bookkeeping without any engine call.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
		m.tombstones[sessionID] = m.now()
	}
	m.mu.Unlock()
	if ok && e.watch != nil {
		e.watch.Close()
	}
}

// AttachStreams attaches to a running container's stdio. It fails with a
// container-not-found error when the container is not running.
func (m *Manager) AttachStreams(ctx context.Context, containerID string) (*Streams, error) {
	ctx, span := m.tracer.Start(ctx, "sandbox.attach", studio.StringAttr("container_id", containerID))
	defer span.End()

	info, err := engineCall(ctx, m, "inspect", true, func(ctx context.Context) (container.InspectResponse, error) {
		return m.engine.ContainerInspect(ctx, containerID)
	})
	if err != nil {
		err = classify(err, containerID, func(cause error) *studio.Error {
			return studio.NewStreamAttachError(containerID, cause)
		})
		span.Error(err)
		return nil, err
	}
	if info.State == nil || !info.State.Running {
		err := studio.NewContainerNotFoundError(containerID, nil)
		span.Error(err)
		return nil, err
	}

	resp, err := engineCall(ctx, m, "attach", true, func(ctx context.Context) (types.HijackedResponse, error) {
		return m.engine.ContainerAttach(ctx, containerID, container.AttachOptions{
			Stream: true,
			Stdin:  true,
			Stdout: true,
			Stderr: true,
		})
	})
	if err != nil {
		err = classify(err, containerID, func(cause error) *studio.Error {
			return studio.NewStreamAttachError(containerID, cause)
		})
		span.Error(err)
		return nil, err
	}
	tty := m.cfg.TTY
	if info.Config != nil {
		tty = info.Config.Tty
	}
	return newStreams(resp, tty), nil
}

// WriteInput writes data to sink. A nil sink means the session has no
// attachment; the input is dropped with a warning.
func (m *Manager) WriteInput(containerID string, data []byte, sink io.Writer) error {
	if sink == nil {
		m.logger.Warn("dropping input for detached session", "container_id", containerID, "bytes", len(data))
		return nil
	}
	if _, err := sink.Write(data); err != nil {
		return studio.NewExecutionError("write to container stdin", false, err).With("container_id", containerID)
	}
	return nil
}

// SendSignal delivers signal to the container's main process. An empty signal
// means SIGINT. Engine errors are returned classified, never swallowed.
func (m *Manager) SendSignal(ctx context.Context, containerID, signal string) error {
	if signal == "" {
		signal = "SIGINT"
	}
	_, err := engineCall(ctx, m, "kill", false, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.engine.ContainerKill(ctx, containerID, signal)
	})
	return classify(err, containerID, func(cause error) *studio.Error {
		return studio.NewExecutionError("send signal "+signal, false, cause)
	})
}

// Resize sets the container's terminal size. It is a no-op without a TTY.
func (m *Manager) Resize(ctx context.Context, containerID string, rows, cols uint) error {
	if !m.cfg.TTY || rows == 0 || cols == 0 {
		return nil
	}
	_, err := engineCall(ctx, m, "resize", false, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.engine.ContainerResize(ctx, containerID, container.ResizeOptions{Height: rows, Width: cols})
	})
	return classify(err, containerID, func(cause error) *studio.Error {
		return studio.NewExecutionError("resize terminal", false, cause)
	})
}

// IsRunning reports whether the container is running. Any error counts as
// not running.
func (m *Manager) IsRunning(ctx context.Context, containerID string) bool {
	running, _ := m.probe(ctx, containerID)
	return running
}

// probe inspects a container. known is false when the answer is unknown
// because the engine could not be asked.
func (m *Manager) probe(ctx context.Context, containerID string) (running, known bool) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	info, err := engineCall(ctx, m, "inspect", false, func(ctx context.Context) (container.InspectResponse, error) {
		return m.engine.ContainerInspect(ctx, containerID)
	})
	if err != nil {
		return false, !isEngineFault(err)
	}
	return info.State != nil && info.State.Running, true
}

// HealthCheck pings the engine through the circuit breaker.
func (m *Manager) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	_, err := engineCall(ctx, m, "ping", false, func(ctx context.Context) (struct{}, error) {
		_, err := m.engine.Ping(ctx)
		return struct{}{}, err
	})
	if err != nil {
		m.logger.Warn("engine health check failed", "error", err)
		return false
	}
	return true
}

// Session returns a snapshot of one session.
func (m *Manager) Session(sessionID string) (studio.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return studio.Session{}, false
	}
	return e.session, true
}

// Sessions returns snapshots of all tracked sessions, oldest first.
func (m *Manager) Sessions() []studio.Session {
	m.mu.Lock()
	out := make([]studio.Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.session)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Touch records activity on a session. It reports whether the session exists.
func (m *Manager) Touch(sessionID string) bool {
	now := m.now()
	return m.update(sessionID, func(s *studio.Session) { s.LastActivity = now })
}

// PreviewPort returns the host port bound to the session's preview port.
func (m *Manager) PreviewPort(sessionID string) (string, error) {
	s, ok := m.Session(sessionID)
	if !ok {
		return "", studio.NewSessionNotFoundError(sessionID)
	}
	if s.PreviewPort == "" {
		return "", studio.NewInvalidStateError("session has no preview port", nil).With("session_id", sessionID)
	}
	return s.PreviewPort, nil
}

// update applies fn to the session under the lock. It reports whether the
// session still exists.
func (m *Manager) update(sessionID string, fn func(*studio.Session)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	fn(&e.session)
	return true
}

// claim applies fn to a session that is still being created. It reports
// false once a stop has taken the session over or removed it.
func (m *Manager) claim(sessionID string, fn func(*studio.Session)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok || e.session.Status != studio.StatusCreating {
		return false
	}
	fn(&e.session)
	return true
}

func stoppedDuringCreate(sessionID string) error {
	return studio.NewInvalidStateError("session was stopped during creation", nil).With("session_id", sessionID)
}

func (m *Manager) startWatch(sessionID, path string) {
	if m.watchers == nil {
		return
	}
	w, err := m.watchers(path)
	if err != nil {
		m.logger.Warn("file watcher unavailable", "session_id", sessionID, "error", err)
		return
	}
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok || e.session.Status != studio.StatusRunning {
		m.mu.Unlock()
		w.Close()
		return
	}
	e.watch = w
	m.mu.Unlock()

	go func() {
		for ev := range w.Events() {
			if m.onChange != nil {
				m.onChange(sessionID, ev)
			}
		}
	}()
}

func live(s studio.Status) bool {
	return s == studio.StatusCreating || s == studio.StatusRunning || s == studio.StatusStopping
}

func containerName(sessionID string) string {
	return fmt.Sprintf("claude-studio-%s", sessionID)
}

// engineCall runs one engine operation through the circuit breaker, wrapped
// in the retry policy when retry is set. Each attempt is reported to the
// recorder. The returned error is raw unless the breaker rejected the call.
func engineCall[T any](ctx context.Context, m *Manager, op string, retry bool, fn func(context.Context) (T, error)) (T, error) {
	attempt := func(ctx context.Context) (T, error) {
		start := time.Now()
		v, err := fn(ctx)
		m.recorder.EngineCall(ctx, op, time.Since(start), err)
		return v, err
	}
	guarded := attempt
	if retry {
		p := m.cfg.Retry
		p.Name = op
		if p.Logger == nil {
			p.Logger = m.logger
		}
		guarded = func(ctx context.Context) (T, error) {
			return studio.Retry(ctx, p, attempt)
		}
	}
	return studio.Execute(ctx, m.breaker, guarded)
}
