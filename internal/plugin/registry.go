package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"

	"hotforge/internal/logging"
)

// Record is the registry entry for one loaded path.
type Record struct {
	Path     string    `json:"path"`
	Key      string    `json:"key"`
	LoadedAt time.Time `json:"loadedAt"`
	Module   *Module   `json:"-"`
}

// Registry maps resolved source paths to their live module. There is at
// most one live module per path.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// Install shuts down the module currently held for m.Path, installs m, and
// starts it with emit. If Start fails the path is left empty. Hooks run
// without the registry lock held, so they may emit into handlers that read
// the registry.
func (r *Registry) Install(ctx context.Context, m *Module, emit EmitFunc) (replaced bool, err error) {
	r.mu.Lock()
	prev, replaced := r.records[m.Path]
	delete(r.records, m.Path)
	r.mu.Unlock()

	if replaced {
		if err := prev.Module.Shutdown(ctx); err != nil {
			logging.PluginWarn("shutdown of %s before replace failed: %v", prev.Key, err)
		}
	}

	if err := m.Start(ctx, emit); err != nil {
		_ = m.Shutdown(ctx)
		return replaced, fmt.Errorf("start %s: %w", m.Path, err)
	}

	r.mu.Lock()
	stale, raced := r.records[m.Path]
	r.records[m.Path] = &Record{Path: m.Path, Key: m.Key, LoadedAt: m.LoadedAt, Module: m}
	r.mu.Unlock()
	if raced {
		if err := stale.Module.Shutdown(ctx); err != nil {
			logging.PluginWarn("shutdown of %s after concurrent install failed: %v", stale.Key, err)
		}
	}
	logging.Plugin("installed %s (replaced=%v)", m.Key, replaced || raced)
	return replaced || raced, nil
}

// Unload shuts down and removes the module for path. Unknown paths are a
// no-op and report false.
func (r *Registry) Unload(ctx context.Context, path string) (bool, error) {
	r.mu.Lock()
	rec, ok := r.records[path]
	if ok {
		delete(r.records, path)
	}
	r.mu.Unlock()

	if !ok {
		return false, nil
	}
	if err := rec.Module.Shutdown(ctx); err != nil {
		return true, fmt.Errorf("unload %s: %w", path, err)
	}
	logging.Plugin("unloaded %s", rec.Key)
	return true, nil
}

// Get returns the record for path.
func (r *Registry) Get(path string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[path]
	return rec, ok
}

// List returns the records sorted by path.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Paths returns the loaded paths, sorted.
func (r *Registry) Paths() []string {
	list := r.List()
	out := make([]string, len(list))
	for i, rec := range list {
		out[i] = rec.Path
	}
	return out
}

// Close shuts down every module and empties the registry.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	records := r.records
	r.records = make(map[string]*Record)
	r.mu.Unlock()

	var errs error
	for _, rec := range records {
		errs = multierr.Append(errs, rec.Module.Shutdown(ctx))
	}
	return errs
}
