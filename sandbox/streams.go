package sandbox

import (
	"io"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/stdcopy"
)

// Streams is an attachment to a container's stdio. The engine multiplexes
// all three streams on one hijacked connection; Streams presents them as
// independent handles.
type Streams struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader

	resp       types.HijackedResponse
	outR, errR *io.PipeReader
	once       sync.Once
	done       chan struct{}
}

// newStreams starts demultiplexing resp. With a TTY the engine sends raw
// bytes and Stderr never yields data.
func newStreams(resp types.HijackedResponse, tty bool) *Streams {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	s := &Streams{
		Stdin:  &stdinWriter{resp: resp},
		Stdout: outR,
		Stderr: errR,
		resp:   resp,
		outR:   outR,
		errR:   errR,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		var err error
		if tty {
			_, err = io.Copy(outW, resp.Reader)
		} else {
			_, err = stdcopy.StdCopy(outW, errW, resp.Reader)
		}
		outW.CloseWithError(err)
		errW.CloseWithError(err)
	}()
	return s
}

// Close tears down the attachment. Readers of Stdout and Stderr observe EOF
// or an error. The container keeps running.
func (s *Streams) Close() error {
	s.once.Do(func() {
		s.resp.Close()
		// Unblock the demux goroutine if nobody is reading.
		s.outR.Close()
		s.errR.Close()
	})
	<-s.done
	return nil
}

// Done is closed once the engine side of the attachment has ended.
func (s *Streams) Done() <-chan struct{} { return s.done }

type stdinWriter struct {
	resp types.HijackedResponse
}

func (w *stdinWriter) Write(p []byte) (int, error) {
	return w.resp.Conn.Write(p)
}

// Close half-closes the connection so the container sees EOF on stdin.
func (w *stdinWriter) Close() error {
	return w.resp.CloseWrite()
}
