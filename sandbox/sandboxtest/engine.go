// Package sandboxtest provides an in-memory container engine for tests.
package sandboxtest

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Operation names used by Fail, Calls and CallCount.
const (
	OpCreate  = "create"
	OpStart   = "start"
	OpStop    = "stop"
	OpKill    = "kill"
	OpRemove  = "remove"
	OpInspect = "inspect"
	OpList    = "list"
	OpAttach  = "attach"
	OpResize  = "resize"
	OpPing    = "ping"
)

// Container is a snapshot of a fake container.
type Container struct {
	ID         string
	Name       string
	Config     *container.Config
	HostConfig *container.HostConfig
	Running    bool
	Started    bool
	Signals    []string
	Rows, Cols uint
}

type fakeContainer struct {
	Container
	input    strings.Builder
	attached []net.Conn
}

// Engine is an in-memory implementation of the sandbox engine interface.
// Containers exist only in the map; attachments are net.Pipe pairs.
type Engine struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	failures   map[string][]error
	sticky     map[string]error
	calls      []string
	seq        int
}

// New returns an empty engine.
func New() *Engine {
	return &Engine{
		containers: make(map[string]*fakeContainer),
		failures:   make(map[string][]error),
		sticky:     make(map[string]error),
	}
}

// Fail queues errs to be returned by the next calls of op, one per call.
func (e *Engine) Fail(op string, errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[op] = append(e.failures[op], errs...)
}

// FailAlways makes every call of op return err until cleared with a nil err.
func (e *Engine) FailAlways(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.sticky, op)
		return
	}
	e.sticky[op] = err
}

// Calls returns the operations invoked so far, in order.
func (e *Engine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

// CallCount returns how many times op was invoked.
func (e *Engine) CallCount(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		if c == op {
			n++
		}
	}
	return n
}

// Container returns a snapshot of the container with id.
func (e *Engine) Container(id string) (Container, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[id]
	if !ok {
		return Container{}, false
	}
	snap := c.Container
	snap.Signals = append([]string(nil), c.Signals...)
	return snap, true
}

// Len returns the number of existing containers.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.containers)
}

// AddContainer registers a running container with labels, as if created by
// an earlier process.
func (e *Engine) AddContainer(labels map[string]string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID()
	e.containers[id] = &fakeContainer{Container: Container{
		ID:         id,
		Config:     &container.Config{Labels: labels},
		HostConfig: &container.HostConfig{},
		Running:    true,
		Started:    true,
	}}
	return id
}

// SetRunning changes a container's state without removing it, as when its
// process exits on its own.
func (e *Engine) SetRunning(id string, running bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.containers[id]; ok {
		c.Running = running
	}
}

// Input returns everything written to the container's stdin so far.
func (e *Engine) Input(id string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.containers[id]; ok {
		return c.input.String()
	}
	return ""
}

// WaitInput polls until the container's stdin has received want.
func (e *Engine) WaitInput(id, want string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if strings.Contains(e.Input(id), want) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// Attachments returns the number of open attachments to the container.
func (e *Engine) Attachments(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.containers[id]; ok {
		return len(c.attached)
	}
	return 0
}

// Emit writes data to every attachment of the container on stream
// (stdcopy.Stdout or stdcopy.Stderr). Without a TTY the data is framed the
// way the engine multiplexes it. Emit blocks until the attachments read it.
func (e *Engine) Emit(id string, stream stdcopy.StdType, data string) error {
	e.mu.Lock()
	c, ok := e.containers[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("no such container: %s", id)
	}
	conns := append([]net.Conn(nil), c.attached...)
	tty := c.Config != nil && c.Config.Tty
	e.mu.Unlock()

	for _, conn := range conns {
		var err error
		if tty {
			_, err = conn.Write([]byte(data))
		} else {
			_, err = stdcopy.NewStdWriter(conn, stream).Write([]byte(data))
		}
		if err != nil {
			e.detach(id, conn)
		}
	}
	return nil
}

func (e *Engine) ContainerCreate(_ context.Context, cfg *container.Config, hc *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	if err := e.enter(OpCreate); err != nil {
		return container.CreateResponse{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID()
	e.containers[id] = &fakeContainer{Container: Container{
		ID:         id,
		Name:       name,
		Config:     cfg,
		HostConfig: hc,
	}}
	return container.CreateResponse{ID: id}, nil
}

func (e *Engine) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	if err := e.enter(OpStart); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[id]
	if !ok {
		return notFound(id)
	}
	c.Running = true
	c.Started = true
	return nil
}

func (e *Engine) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	if err := e.enter(OpStop); err != nil {
		return err
	}
	e.mu.Lock()
	c, ok := e.containers[id]
	if !ok {
		e.mu.Unlock()
		return notFound(id)
	}
	c.Running = false
	var conns []net.Conn
	if c.Started && c.HostConfig != nil && c.HostConfig.AutoRemove {
		conns = c.attached
		delete(e.containers, id)
	}
	e.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
	return nil
}

func (e *Engine) ContainerKill(_ context.Context, id, signal string) error {
	if err := e.enter(OpKill); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[id]
	if !ok {
		return notFound(id)
	}
	if !c.Running {
		return fmt.Errorf("container %s is not running: %w", id, cerrdefs.ErrConflict)
	}
	c.Signals = append(c.Signals, signal)
	return nil
}

func (e *Engine) ContainerRemove(_ context.Context, id string, opts container.RemoveOptions) error {
	if err := e.enter(OpRemove); err != nil {
		return err
	}
	e.mu.Lock()
	c, ok := e.containers[id]
	if !ok {
		e.mu.Unlock()
		return notFound(id)
	}
	if c.Running && !opts.Force {
		e.mu.Unlock()
		return fmt.Errorf("cannot remove running container %s: %w", id, cerrdefs.ErrConflict)
	}
	conns := c.attached
	delete(e.containers, id)
	e.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
	return nil
}

func (e *Engine) ContainerInspect(_ context.Context, id string) (container.InspectResponse, error) {
	if err := e.enter(OpInspect); err != nil {
		return container.InspectResponse{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[id]
	if !ok {
		return container.InspectResponse{}, notFound(id)
	}
	info := container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:         c.ID,
			Name:       "/" + c.Name,
			State:      &container.State{Running: c.Running},
			HostConfig: c.HostConfig,
		},
		Config:          c.Config,
		NetworkSettings: &container.NetworkSettings{},
	}
	if c.Running && c.Config != nil && len(c.Config.ExposedPorts) > 0 {
		ports := nat.PortMap{}
		host := 49152
		for p := range c.Config.ExposedPorts {
			ports[p] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(host)}}
			host++
		}
		info.NetworkSettings.Ports = ports
	}
	return info, nil
}

func (e *Engine) ContainerList(_ context.Context, opts container.ListOptions) ([]container.Summary, error) {
	if err := e.enter(OpList); err != nil {
		return nil, err
	}
	wantLabels := opts.Filters.Get("label")
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []container.Summary
	for _, c := range e.containers {
		if !opts.All && !c.Running {
			continue
		}
		var labels map[string]string
		if c.Config != nil {
			labels = c.Config.Labels
		}
		if !matchLabels(labels, wantLabels) {
			continue
		}
		out = append(out, container.Summary{ID: c.ID, Names: []string{"/" + c.Name}, Labels: labels})
	}
	return out, nil
}

func (e *Engine) ContainerAttach(_ context.Context, id string, _ container.AttachOptions) (types.HijackedResponse, error) {
	if err := e.enter(OpAttach); err != nil {
		return types.HijackedResponse{}, err
	}
	e.mu.Lock()
	c, ok := e.containers[id]
	if !ok {
		e.mu.Unlock()
		return types.HijackedResponse{}, notFound(id)
	}
	client, server := net.Pipe()
	c.attached = append(c.attached, server)
	e.mu.Unlock()

	go e.readInput(id, server)
	return types.HijackedResponse{Conn: client, Reader: bufio.NewReader(client)}, nil
}

func (e *Engine) ContainerResize(_ context.Context, id string, opts container.ResizeOptions) error {
	if err := e.enter(OpResize); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[id]
	if !ok {
		return notFound(id)
	}
	c.Rows, c.Cols = opts.Height, opts.Width
	return nil
}

func (e *Engine) Ping(context.Context) (types.Ping, error) {
	if err := e.enter(OpPing); err != nil {
		return types.Ping{}, err
	}
	return types.Ping{APIVersion: "1.47", OSType: "linux"}, nil
}

// enter records the call and returns an injected error, if any.
func (e *Engine) enter(op string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, op)
	if err, ok := e.sticky[op]; ok {
		return err
	}
	if q := e.failures[op]; len(q) > 0 {
		e.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (e *Engine) nextID() string {
	e.seq++
	return fmt.Sprintf("%064x", e.seq)
}

func (e *Engine) readInput(id string, conn net.Conn) {
	defer e.detach(id, conn)
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			e.mu.Lock()
			if c, ok := e.containers[id]; ok {
				c.input.Write(buf[:n])
			}
			e.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (e *Engine) detach(id string, conn net.Conn) {
	conn.Close()
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[id]
	if !ok {
		return
	}
	for i, a := range c.attached {
		if a == conn {
			c.attached = append(c.attached[:i], c.attached[i+1:]...)
			return
		}
	}
}

func matchLabels(labels map[string]string, want []string) bool {
	for _, w := range want {
		k, v, hasValue := strings.Cut(w, "=")
		got, ok := labels[k]
		if !ok || hasValue && got != v {
			return false
		}
	}
	return true
}

func notFound(id string) error {
	return fmt.Errorf("No such container: %s: %w", id, cerrdefs.ErrNotFound)
}
