package session

import (
	"io"
	"unicode/utf8"

	"github.com/KostasNoreika/claude-studio-sub000/protocol"
)

const pumpBufferSize = 32 << 10

// pump forwards one output stream to the attachment's sink until the stream
// ends. Multi-byte characters split across reads are held back until
// complete.
func (r *Registry) pump(att *attachment, src io.Reader, stream string) {
	defer att.pumps.Done()

	buf := make([]byte, pumpBufferSize)
	var carry []byte
	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			var complete []byte
			complete, carry = splitUTF8(chunk)
			carry = append([]byte(nil), carry...)
			if len(complete) > 0 {
				if serr := att.sink.Send(&protocol.TerminalOutput{Data: string(complete), Stream: stream}); serr != nil {
					r.logger.Debug("output not delivered", "error", serr)
				}
			}
		}
		if err != nil {
			if len(carry) > 0 {
				att.sink.Send(&protocol.TerminalOutput{Data: string(carry), Stream: stream})
			}
			return
		}
	}
}

// splitUTF8 splits b before a trailing incomplete UTF-8 sequence.
func splitUTF8(b []byte) (complete, rest []byte) {
	// A rune is at most utf8.UTFMax bytes, so only the tail needs checking.
	for i := 1; i <= utf8.UTFMax && i <= len(b); i++ {
		c := b[len(b)-i]
		if !utf8.RuneStart(c) {
			continue
		}
		if utf8.FullRune(b[len(b)-i:]) {
			return b, nil
		}
		return b[:len(b)-i], b[len(b)-i:]
	}
	return b, nil
}
