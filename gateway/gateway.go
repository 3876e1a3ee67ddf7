// Package gateway serves the WebSocket endpoint that binds browser
// connections to sandbox sessions.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	studio "github.com/KostasNoreika/claude-studio-sub000"
	"github.com/KostasNoreika/claude-studio-sub000/protocol"
	"github.com/KostasNoreika/claude-studio-sub000/router"
	"github.com/KostasNoreika/claude-studio-sub000/sandbox"
	"github.com/KostasNoreika/claude-studio-sub000/session"
)

// Path is where the handler is mounted.
const Path = "/ws"

// Handler defaults.
const (
	DefaultSendQueue    = 256
	DefaultWriteTimeout = 10 * time.Second
	DefaultPingInterval = 30 * time.Second
	DefaultReadLimit    = 1 << 20
)

var errConnClosed = errors.New("connection closed")

// Handler upgrades requests to WebSocket connections and drives the session
// protocol over them.
type Handler struct {
	reg      *session.Registry
	router   *router.Router
	logger   *slog.Logger
	recorder studio.Recorder
	now      func() time.Time

	origins      []string
	sendQueue    int
	writeTimeout time.Duration
	pingInterval time.Duration
	readLimit    int64
}

// Option configures a Handler.
type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

func WithRecorder(rec studio.Recorder) Option {
	return func(h *Handler) { h.recorder = rec }
}

// WithOriginPatterns sets the host patterns allowed to open cross-origin
// connections. Same-origin requests are always accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) { h.origins = patterns }
}

func WithSendQueue(n int) Option {
	return func(h *Handler) { h.sendQueue = n }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(h *Handler) { h.writeTimeout = d }
}

func WithPingInterval(d time.Duration) Option {
	return func(h *Handler) { h.pingInterval = d }
}

func WithReadLimit(n int64) Option {
	return func(h *Handler) { h.readLimit = n }
}

// New returns a handler that creates and reattaches sessions through reg and
// dispatches bound traffic through rt.
func New(reg *session.Registry, rt *router.Router, opts ...Option) *Handler {
	h := &Handler{
		reg:          reg,
		router:       rt,
		now:          time.Now,
		sendQueue:    DefaultSendQueue,
		writeTimeout: DefaultWriteTimeout,
		pingInterval: DefaultPingInterval,
		readLimit:    DefaultReadLimit,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = studio.NopLogger()
	}
	if h.recorder == nil {
		h.recorder = studio.NopRecorder()
	}
	return h
}

// conn is one client connection. It is the session.Sink for whichever
// session it is bound to.
type conn struct {
	ws     *websocket.Conn
	now    func() time.Time
	send   chan []byte
	closed chan struct{}
	once   sync.Once

	mu        sync.Mutex
	sessionID string
}

// Send queues msg for the write pump. It blocks while the queue is full and
// fails once the connection is closed.
func (c *conn) Send(msg protocol.Outbound) error {
	data, err := protocol.Encode(msg, c.now())
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return errConnClosed
	}
}

func (c *conn) shutdown() {
	c.once.Do(func() { close(c.closed) })
}

func (c *conn) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *conn) bind(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

var _ session.Sink = (*conn)(nil)

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Warn("websocket accept", "error", err)
		return
	}
	ws.SetReadLimit(h.readLimit)

	c := &conn{
		ws:     ws,
		now:    h.now,
		send:   make(chan []byte, h.sendQueue),
		closed: make(chan struct{}),
	}
	h.logger.Debug("client connected", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.writePump(c)
	go h.pingLoop(ctx, c)

	h.readLoop(ctx, c)

	c.shutdown()
	if id := c.session(); id != "" {
		h.reg.Detach(id, c)
	}
	ws.Close(websocket.StatusNormalClosure, "")
	h.logger.Debug("client disconnected", "remote", r.RemoteAddr, "session_id", c.session())
}

func (h *Handler) writePump(c *conn) {
	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), h.writeTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.logger.Debug("websocket write", "error", err)
				c.shutdown()
				c.ws.Close(websocket.StatusGoingAway, "write failed")
				return
			}
		}
	}
}

func (h *Handler) pingLoop(ctx context.Context, c *conn) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				h.logger.Debug("websocket ping failed", "error", err)
				c.ws.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, c *conn) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 {
				h.logger.Debug("websocket read", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			h.recorder.MessageRejected(ctx, "binary")
			c.Send(protocol.ErrorFrom(studio.NewProtocolError("binary frames are not supported")))
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			h.recorder.MessageRejected(ctx, "malformed")
			h.logger.Debug("malformed frame", "error", err)
			c.Send(protocol.ErrorFrom(studio.NewProtocolError("malformed message")))
			continue
		}
		h.handle(ctx, c, msg)
	}
}

func (h *Handler) handle(ctx context.Context, c *conn, msg protocol.Inbound) {
	switch m := msg.(type) {
	case *protocol.SessionCreate:
		h.create(ctx, c, m)
	case *protocol.SessionReconnect:
		h.reconnect(ctx, c, m)
	case *protocol.SessionStop:
		h.stop(ctx, c)
	default:
		id, ok := h.owned(ctx, c)
		if !ok {
			return
		}
		if reply := h.router.Route(ctx, id, msg); reply != nil {
			c.Send(reply)
		}
	}
}

func (h *Handler) create(ctx context.Context, c *conn, m *protocol.SessionCreate) {
	h.unbind(c, "")
	s, err := h.reg.Create(ctx, sandbox.SessionConfig{
		WorkspacePath: m.WorkspacePath,
		ProjectName:   m.ProjectName,
	}, c)
	if err != nil {
		h.logger.Warn("session create failed", "workspace", m.WorkspacePath, "error", err)
		frame := protocol.ErrorFrom(err)
		if s.ID != "" {
			frame.Context = withSessionID(frame.Context, s.ID)
		}
		c.Send(frame)
		return
	}
	c.bind(s.ID)
	c.Send(&protocol.Connected{SessionID: s.ID, PreviewPort: s.PreviewPort})
}

func (h *Handler) reconnect(ctx context.Context, c *conn, m *protocol.SessionReconnect) {
	h.unbind(c, m.SessionID)
	s, err := h.reg.Reattach(ctx, m.SessionID, c)
	if err != nil {
		c.bind("")
		h.logger.Info("reconnect refused", "session_id", m.SessionID, "error", err)
		c.Send(protocol.ErrorFrom(err))
		return
	}
	c.bind(s.ID)
	c.Send(&protocol.Connected{SessionID: s.ID, PreviewPort: s.PreviewPort})
}

func (h *Handler) stop(ctx context.Context, c *conn) {
	id, ok := h.owned(ctx, c)
	if !ok {
		return
	}
	if err := h.reg.Remove(ctx, id); err != nil {
		h.logger.Warn("session stop failed", "session_id", id, "error", err)
		c.Send(protocol.ErrorFrom(err))
		return
	}
	c.bind("")
	c.Send(&protocol.SessionStopped{SessionID: id})
}

// owned returns the session c is bound to if c is still its attached sink.
// Otherwise c is unbound and told why.
func (h *Handler) owned(ctx context.Context, c *conn) (string, bool) {
	id := c.session()
	if id == "" {
		h.recorder.MessageRejected(ctx, "unbound")
		c.Send(protocol.ErrorFrom(studio.NewSessionNotFoundError("")))
		return "", false
	}
	if h.reg.AttachedTo(id, c) {
		return id, true
	}
	c.bind("")
	if h.reg.Attached(id) {
		h.recorder.MessageRejected(ctx, "superseded")
		c.Send(protocol.ErrorFrom(session.NewSupersededError(id)))
	} else {
		h.recorder.MessageRejected(ctx, "unbound")
		c.Send(protocol.ErrorFrom(studio.NewSessionNotFoundError(id)))
	}
	return "", false
}

// unbind detaches c from its current session unless that session is next.
func (h *Handler) unbind(c *conn, next string) {
	if old := c.session(); old != "" && old != next {
		h.reg.Detach(old, c)
		c.bind("")
	}
}

func withSessionID(ctx map[string]any, id string) map[string]any {
	out := make(map[string]any, len(ctx)+1)
	for k, v := range ctx {
		out[k] = v
	}
	out["sessionId"] = id
	return out
}
