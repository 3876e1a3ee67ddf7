// Package watcher reports batches of changed files under a workspace
// directory.
package watcher

import (
	"errors"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for more changes before
// emitting a batch.
const DefaultDebounce = 300 * time.Millisecond

// DefaultIgnore lists directory names that are never watched.
var DefaultIgnore = []string{".git", "node_modules"}

// Event is one debounced batch of changes.
type Event struct {
	Root string
	// Files are slash-separated paths relative to Root, sorted and unique.
	Files []string
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period before a batch is emitted.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithIgnore replaces the ignored directory names.
func WithIgnore(names ...string) Option {
	return func(w *Watcher) {
		w.ignore = make(map[string]bool, len(names))
		for _, n := range names {
			w.ignore[n] = true
		}
	}
}

// WithLogger sets the logger for watch errors.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// Watcher watches a directory tree recursively. New subdirectories are added
// as they appear.
type Watcher struct {
	root     string
	fsw      *fsnotify.Watcher
	debounce time.Duration
	ignore   map[string]bool
	logger   *slog.Logger

	events  chan Event
	pending map[string]struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// New starts watching root.
func New(root string, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:     filepath.Clean(root),
		fsw:      fsw,
		debounce: DefaultDebounce,
		events:   make(chan Event, 1),
		pending:  make(map[string]struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	WithIgnore(DefaultIgnore...)(w)
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.New(slog.DiscardHandler)
	}

	if err := w.addTree(w.root, false); err != nil {
		fsw.Close()
		return nil, err
	}
	go w.loop()
	return w, nil
}

// Events returns the batch channel. It is closed after Close.
func (w *Watcher) Events() <-chan Event { return w.events }

// Close stops the watch and waits for the event loop to exit.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.fsw.Close()
		<-w.done
	})
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)
	defer close(w.events)

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	var fire <-chan time.Time

	for {
		select {
		case <-w.stop:
			timer.Stop()
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.handle(ev) {
				continue
			}
			if fire == nil {
				timer.Reset(w.debounce)
				fire = timer.C
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watch error", "root", w.root, "error", err)

		case <-fire:
			fire = nil
			batch := w.flush()
			if len(batch.Files) == 0 {
				continue
			}
			select {
			case w.events <- batch:
			case <-w.stop:
				return
			}
		}
	}
}

// handle records ev and reports whether anything became pending.
func (w *Watcher) handle(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	rel, ok := w.rel(ev.Name)
	if !ok {
		return false
	}
	w.pending[rel] = struct{}{}
	if ev.Has(fsnotify.Create) {
		// Files created inside a new directory before its watch was added
		// are picked up by the walk.
		if err := w.addTree(ev.Name, true); err != nil && !errors.Is(err, fs.ErrNotExist) {
			w.logger.Warn("watch new directory", "path", ev.Name, "error", err)
		}
	}
	return true
}

// addTree watches dir and its subdirectories. With record set, files found
// are marked pending.
func (w *Watcher) addTree(dir string, record bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if path != w.root && w.ignore[d.Name()] {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			if record {
				if rel, ok := w.rel(path); ok {
					w.pending[rel] = struct{}{}
				}
			}
			return nil
		}
		return w.fsw.Add(path)
	})
}

// rel returns the slash path of name relative to the root, or false when it
// is outside the root or inside an ignored directory.
func (w *Watcher) rel(name string) (string, bool) {
	rel, err := filepath.Rel(w.root, name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	for _, part := range strings.Split(rel, "/") {
		if w.ignore[part] {
			return "", false
		}
	}
	return rel, true
}

func (w *Watcher) flush() Event {
	files := make([]string, 0, len(w.pending))
	for f := range w.pending {
		files = append(files, f)
	}
	clear(w.pending)
	sort.Strings(files)
	return Event{Root: w.root, Files: files}
}
