package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/KostasNoreika/claude-studio-sub000/protocol"
)

// Sanitizer cleans inbound console telemetry before it is forwarded. A
// non-nil error drops the frame.
type Sanitizer interface {
	Sanitize(c *protocol.Console) (*protocol.Console, error)
}

// SanitizerFunc adapts a function to Sanitizer.
type SanitizerFunc func(c *protocol.Console) (*protocol.Console, error)

func (f SanitizerFunc) Sanitize(c *protocol.Console) (*protocol.Console, error) { return f(c) }

var consoleLevels = map[string]bool{
	"log":   true,
	"info":  true,
	"warn":  true,
	"error": true,
	"debug": true,
}

// BasicSanitizer bounds argument count and size, strips control characters
// from string arguments and keeps only http(s) page URLs.
type BasicSanitizer struct {
	MaxArgs   int
	MaxArgLen int
}

const truncatedMark = "…[truncated]"

// NewBasicSanitizer returns a sanitizer with 20 arguments of at most 2000
// characters each.
func NewBasicSanitizer() BasicSanitizer {
	return BasicSanitizer{MaxArgs: 20, MaxArgLen: 2000}
}

func (s BasicSanitizer) Sanitize(c *protocol.Console) (*protocol.Console, error) {
	level := c.Level
	if level == "" {
		level = strings.TrimPrefix(c.Type, protocol.ConsolePrefix)
	}
	if !consoleLevels[level] {
		return nil, fmt.Errorf("unsupported console level %q", level)
	}

	args := c.Args
	if s.MaxArgs > 0 && len(args) > s.MaxArgs {
		args = args[:s.MaxArgs]
	}
	out := &protocol.Console{
		Header: protocol.Header{Type: protocol.ConsolePrefix + level, Timestamp: c.Timestamp},
		Level:  level,
		Args:   make([]json.RawMessage, 0, len(args)),
	}
	for _, arg := range args {
		clean, err := s.arg(arg)
		if err != nil {
			return nil, err
		}
		out.Args = append(out.Args, clean)
	}
	if c.URL != "" {
		if u, err := url.Parse(c.URL); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
			u.User = nil
			out.URL = u.String()
		}
	}
	return out, nil
}

func (s BasicSanitizer) arg(raw json.RawMessage) (json.RawMessage, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return json.Marshal(s.clip(stripControl(str)))
	}
	if !json.Valid(raw) {
		return nil, errors.New("console argument is not valid JSON")
	}
	if s.MaxArgLen > 0 && len(raw) > s.MaxArgLen {
		return json.Marshal(truncatedMark)
	}
	return raw, nil
}

func (s BasicSanitizer) clip(str string) string {
	if s.MaxArgLen <= 0 || utf8.RuneCountInString(str) <= s.MaxArgLen {
		return str
	}
	runes := []rune(str)
	return string(runes[:s.MaxArgLen]) + truncatedMark
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
