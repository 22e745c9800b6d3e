// Package watch turns edits of Go sources under the workspace into
// source-changed events. Rapid saves of one file are coalesced into a single
// event once the file has been quiet for the debounce window.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"hotforge/internal/artifact"
	"hotforge/internal/bus"
	"hotforge/internal/logging"
)

// Change operations reported in artifact.SourceChange.Op.
const (
	OpCreate = "create"
	OpWrite  = "write"
	OpDelete = "delete"
)

// Stats tracks watcher activity.
type Stats struct {
	Created   int
	Modified  int
	Deleted   int
	Emitted   int
	Errors    int
	LastPath  string
	LastEvent time.Time
}

type pending struct {
	op   string
	seen time.Time
}

// Watcher watches a workspace tree. Directories whose name starts with "."
// or "_" are skipped, like the go tool skips them.
type Watcher struct {
	mu       sync.Mutex
	bus      *bus.Bus
	root     string
	debounce time.Duration
	fsw      *fsnotify.Watcher
	pending  map[string]pending
	stats    Stats
	running  bool
	ready    chan struct{}
	now      func() time.Time
}

// New creates a watcher rooted at root.
func New(b *bus.Bus, root string, debounce time.Duration) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		bus:      b,
		root:     abs,
		debounce: debounce,
		fsw:      fsw,
		pending:  make(map[string]pending),
		ready:    make(chan struct{}),
		now:      time.Now,
	}, nil
}

// Ready is closed once the initial directory tree is being watched.
func (w *Watcher) Ready() <-chan struct{} { return w.ready }

// Run watches until ctx is done, then releases the underlying watcher. It
// may be called once.
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("watcher already running")
	}
	w.running = true
	w.mu.Unlock()
	defer w.fsw.Close()

	if err := w.addTree(w.root, false); err != nil {
		close(w.ready)
		return err
	}
	close(w.ready)
	logging.Watch("watching %s (debounce %s)", w.root, w.debounce)

	tick := w.debounce / 2
	if tick > 100*time.Millisecond {
		tick = 100 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Watch("watcher stopped")
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			logging.WatchWarn("watch error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-ticker.C:
			w.flush()
		}
	}
}

// Stats returns a snapshot of the counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// addTree watches dir and its subdirectories. When queue is set, Go files
// already present are queued, covering files written before the watch on a
// new directory was in place.
func (w *Watcher) addTree(dir string, queue bool) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			logging.WatchDebug("skipping %s: %v", p, err)
			return nil
		}
		if d.IsDir() {
			if p != w.root && skipDir(d.Name()) {
				return filepath.SkipDir
			}
			if err := w.fsw.Add(p); err != nil {
				logging.WatchWarn("cannot watch %s: %v", p, err)
			}
			return nil
		}
		if queue && relevant(p) {
			w.mark(p, OpCreate)
		}
		return nil
	})
}

func (w *Watcher) handle(ev fsnotify.Event) {
	switch {
	case ev.Op.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !skipDir(filepath.Base(ev.Name)) {
				if err := w.addTree(ev.Name, true); err != nil {
					logging.WatchWarn("cannot watch new directory %s: %v", ev.Name, err)
				}
			}
			return
		}
		if relevant(ev.Name) {
			w.mark(ev.Name, OpCreate)
		}
	case ev.Op.Has(fsnotify.Write):
		if relevant(ev.Name) {
			w.mark(ev.Name, OpWrite)
		}
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		if relevant(ev.Name) {
			w.mark(ev.Name, OpDelete)
		}
	}
}

func (w *Watcher) mark(p, op string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	prev, ok := w.pending[p]
	switch {
	case !ok:
	case op == OpDelete:
	case prev.op == OpCreate:
		// created and then written inside one window is still a create
		op = OpCreate
	}
	w.pending[p] = pending{op: op, seen: w.now()}

	switch op {
	case OpCreate:
		w.stats.Created++
	case OpWrite:
		w.stats.Modified++
	case OpDelete:
		w.stats.Deleted++
	}
	w.stats.LastPath = p
	w.stats.LastEvent = w.now()
}

// flush emits every change that has been quiet for the debounce window.
func (w *Watcher) flush() {
	now := w.now()
	var ready []artifact.SourceChange

	w.mu.Lock()
	for p, pe := range w.pending {
		if now.Sub(pe.seen) < w.debounce {
			continue
		}
		delete(w.pending, p)
		rel, err := filepath.Rel(w.root, p)
		if err != nil {
			continue
		}
		op := pe.op
		if op != OpDelete {
			if _, err := os.Stat(p); err != nil {
				op = OpDelete
			}
		}
		ready = append(ready, artifact.SourceChange{Path: filepath.ToSlash(rel), Op: op})
	}
	w.stats.Emitted += len(ready)
	w.mu.Unlock()

	for _, c := range ready {
		logging.WatchDebug("%s %s", c.Op, c.Path)
		w.bus.Emit(bus.SourceChanged, c)
	}
}

func relevant(p string) bool {
	return strings.HasSuffix(p, ".go") && !strings.HasSuffix(p, "_test.go")
}

func skipDir(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") || name == "testdata"
}
