// Package session binds client connections to sandbox sessions and
// implements reattachment and idle reaping.
package session

import (
	"context"
	"io"
	"log/slog"
	"sync"

	studio "github.com/KostasNoreika/claude-studio-sub000"
	"github.com/KostasNoreika/claude-studio-sub000/protocol"
	"github.com/KostasNoreika/claude-studio-sub000/sandbox"
)

// Lifecycle is the container lifecycle the registry drives.
// *sandbox.Manager implements it.
type Lifecycle interface {
	CreateSession(ctx context.Context, sc sandbox.SessionConfig) (studio.Session, error)
	StopSession(ctx context.Context, sessionID string) error
	AttachStreams(ctx context.Context, containerID string) (*sandbox.Streams, error)
	WriteInput(containerID string, data []byte, sink io.Writer) error
	Resize(ctx context.Context, containerID string, rows, cols uint) error
	IsRunning(ctx context.Context, containerID string) bool
	Session(sessionID string) (studio.Session, bool)
	Sessions() []studio.Session
	Touch(sessionID string) bool
	Forget(sessionID string)
}

var _ Lifecycle = (*sandbox.Manager)(nil)

// Sink receives frames for one client connection.
type Sink interface {
	Send(msg protocol.Outbound) error
}

// attachment is the single live binding between a session's container
// streams and a client sink.
type attachment struct {
	sink    Sink
	streams *sandbox.Streams
	pumps   sync.WaitGroup
}

// Registry tracks which sink each session's output goes to. At most one sink
// is attached per session; attaching a new one first detaches the old one.
type Registry struct {
	lc       Lifecycle
	limiter  *studio.RateLimiter
	logger   *slog.Logger
	recorder studio.Recorder

	locks keyedMutex

	mu       sync.Mutex
	attached map[string]*attachment
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func WithRecorder(rec studio.Recorder) Option {
	return func(r *Registry) { r.recorder = rec }
}

// NewRegistry returns a registry over lc. limiter is the router's limiter;
// its bucket for a session is dropped when the session goes away.
func NewRegistry(lc Lifecycle, limiter *studio.RateLimiter, opts ...Option) *Registry {
	r := &Registry{
		lc:       lc,
		limiter:  limiter,
		attached: make(map[string]*attachment),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = studio.NopLogger()
	}
	if r.recorder == nil {
		r.recorder = studio.NopRecorder()
	}
	return r
}

// Create starts a new session and attaches sink to it. If the container
// starts but attaching fails, the session is returned together with the
// error so the client can reconnect later.
func (r *Registry) Create(ctx context.Context, sc sandbox.SessionConfig, sink Sink) (studio.Session, error) {
	s, err := r.lc.CreateSession(ctx, sc)
	if err != nil {
		return studio.Session{}, err
	}
	unlock := r.locks.Lock(s.ID)
	defer unlock()

	if err := r.attach(ctx, s, sink); err != nil {
		return s, err
	}
	return s, nil
}

// Reattach binds sink to an existing session. It fails with
// session-not-found when the session is unknown, and with
// container-not-found when its container is no longer running, in which
// case the stale session is dropped. Any previous sink is detached before
// the new one is attached.
func (r *Registry) Reattach(ctx context.Context, sessionID string, sink Sink) (studio.Session, error) {
	unlock := r.locks.Lock(sessionID)
	defer unlock()

	s, ok := r.lc.Session(sessionID)
	if !ok {
		return studio.Session{}, studio.NewSessionNotFoundError(sessionID)
	}
	switch s.Status {
	case studio.StatusCreating, studio.StatusStopping:
		return studio.Session{}, studio.NewInvalidStateError("session is "+string(s.Status), nil).
			With("session_id", sessionID)
	}
	if s.Status != studio.StatusRunning || s.ContainerID == "" || !r.lc.IsRunning(ctx, s.ContainerID) {
		r.drop(ctx, sessionID)
		return studio.Session{}, studio.NewContainerNotFoundError(s.ContainerID, nil).
			With("session_id", sessionID).
			With("reason", s.LastError)
	}

	r.mu.Lock()
	var prev Sink
	if att, ok := r.attached[sessionID]; ok && att.sink != sink {
		prev = att.sink
	}
	r.mu.Unlock()
	r.detach(sessionID)
	if prev != nil {
		prev.Send(protocol.ErrorFrom(NewSupersededError(sessionID)))
	}
	if err := r.attach(ctx, s, sink); err != nil {
		return studio.Session{}, err
	}
	r.lc.Touch(sessionID)
	r.recorder.SessionEvent(ctx, "reattached")
	r.logger.Info("session reattached", "session_id", sessionID, "container_id", s.ContainerID)
	s, _ = r.lc.Session(sessionID)
	return s, nil
}

// Detach unbinds sink from the session, leaving the container running. It
// does nothing if sink is not the session's current sink.
func (r *Registry) Detach(sessionID string, sink Sink) {
	unlock := r.locks.Lock(sessionID)
	defer unlock()

	r.mu.Lock()
	att, ok := r.attached[sessionID]
	current := ok && att.sink == sink
	r.mu.Unlock()
	if !current {
		return
	}
	r.detach(sessionID)
	r.logger.Debug("session detached", "session_id", sessionID)
}

// Remove detaches, stops the container and drops all bookkeeping for the
// session. On a failed stop the session stays inspectable in error state.
func (r *Registry) Remove(ctx context.Context, sessionID string) error {
	unlock := r.locks.Lock(sessionID)
	defer unlock()

	r.detach(sessionID)
	if err := r.lc.StopSession(ctx, sessionID); err != nil {
		return err
	}
	r.limiter.Remove(sessionID)
	return nil
}

// Expire removes an idle session. The attached client, if any, is told the
// session stopped. Bookkeeping is dropped even if the container could not be
// stopped; orphan cleanup reclaims it on the next start.
func (r *Registry) Expire(ctx context.Context, sessionID string) error {
	unlock := r.locks.Lock(sessionID)
	defer unlock()

	r.mu.Lock()
	att := r.attached[sessionID]
	r.mu.Unlock()
	if att != nil {
		att.sink.Send(&protocol.SessionStopped{SessionID: sessionID})
	}
	r.detach(sessionID)

	err := r.lc.StopSession(ctx, sessionID)
	if err != nil {
		r.lc.Forget(sessionID)
	}
	r.limiter.Remove(sessionID)
	r.recorder.SessionEvent(ctx, "expired")
	return err
}

// Input writes data to the session's container stdin and records activity.
// Input for a session without an attachment is dropped.
func (r *Registry) Input(ctx context.Context, sessionID string, data []byte) error {
	s, ok := r.lc.Session(sessionID)
	if !ok {
		return studio.NewSessionNotFoundError(sessionID)
	}
	if s.Status != studio.StatusRunning {
		return studio.NewInvalidStateError("session is "+string(s.Status), nil).With("session_id", sessionID)
	}

	var stdin io.Writer
	r.mu.Lock()
	if att, ok := r.attached[sessionID]; ok {
		stdin = att.streams.Stdin
	}
	r.mu.Unlock()

	r.lc.Touch(sessionID)
	return r.lc.WriteInput(s.ContainerID, data, stdin)
}

// Resize forwards a terminal size change to the session's container.
func (r *Registry) Resize(ctx context.Context, sessionID string, rows, cols uint) error {
	s, ok := r.lc.Session(sessionID)
	if !ok {
		return studio.NewSessionNotFoundError(sessionID)
	}
	return r.lc.Resize(ctx, s.ContainerID, rows, cols)
}

// Touch records activity on the session.
func (r *Registry) Touch(sessionID string) bool {
	return r.lc.Touch(sessionID)
}

// Reload tells the session's client that files changed.
func (r *Registry) Reload(sessionID string, files []string) {
	r.mu.Lock()
	att, ok := r.attached[sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := att.sink.Send(&protocol.PreviewReload{Files: files}); err != nil {
		r.logger.Debug("reload not delivered", "session_id", sessionID, "error", err)
	}
}

// AttachedTo reports whether sink is the session's current sink.
func (r *Registry) AttachedTo(sessionID string, sink Sink) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	att, ok := r.attached[sessionID]
	return ok && att.sink == sink
}

// NewSupersededError is sent to a sink whose session was reattached from
// another connection.
func NewSupersededError(sessionID string) *studio.Error {
	e := studio.NewInvalidStateError("session attached from another connection", nil).With("sessionId", sessionID)
	e.UserMessage = "This session was opened from another connection."
	return e
}

// Attached reports whether a sink is attached to the session.
func (r *Registry) Attached(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.attached[sessionID]
	return ok
}

// Sessions returns snapshots of all sessions.
func (r *Registry) Sessions() []studio.Session {
	return r.lc.Sessions()
}

// attach opens the container streams and starts the output pumps. The caller
// holds the session lock and has detached any previous sink.
func (r *Registry) attach(ctx context.Context, s studio.Session, sink Sink) error {
	streams, err := r.lc.AttachStreams(ctx, s.ContainerID)
	if err != nil {
		return err
	}
	att := &attachment{sink: sink, streams: streams}
	att.pumps.Add(2)
	go r.pump(att, streams.Stdout, "")
	go r.pump(att, streams.Stderr, "stderr")

	r.mu.Lock()
	r.attached[s.ID] = att
	r.mu.Unlock()
	return nil
}

// detach closes the session's streams and waits for its pumps, so nothing
// reaches the old sink afterwards. It is safe to call with no attachment.
func (r *Registry) detach(sessionID string) {
	r.mu.Lock()
	att, ok := r.attached[sessionID]
	delete(r.attached, sessionID)
	r.mu.Unlock()
	if !ok {
		return
	}
	att.streams.Close()
	att.pumps.Wait()
}

// drop removes a session whose container is gone.
func (r *Registry) drop(ctx context.Context, sessionID string) {
	r.detach(sessionID)
	if err := r.lc.StopSession(ctx, sessionID); err != nil {
		r.logger.Warn("dropping stale session", "session_id", sessionID, "error", err)
		r.lc.Forget(sessionID)
	}
	r.limiter.Remove(sessionID)
}

// keyedMutex serializes operations per session id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
