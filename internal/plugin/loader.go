package plugin

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"hotforge/internal/artifact"
	"hotforge/internal/logging"
)

// EmitFunc is the bus entry point handed to a module's Start hook.
type EmitFunc = func(string, map[string]any) bool

// HandleFunc is the exported Handle entry point of a module.
type HandleFunc func(map[string]any) (map[string]any, error)

// Module is a live handle to one evaluated source file.
type Module struct {
	Path       string
	Key        string
	Hash       string
	LoadedAt   time.Time
	Descriptor *Descriptor

	start    func(func(string, map[string]any) bool) error
	shutdown func() error
	selfTest func() error
	handle   func(map[string]any) (map[string]any, error)

	mu      sync.Mutex
	stopped bool
}

// HasHandle reports whether the module exports Handle.
func (m *Module) HasHandle() bool { return m.handle != nil }

// HasSelfTest reports whether the module exports SelfTest.
func (m *Module) HasSelfTest() bool { return m.selfTest != nil }

// Handler returns a panic-safe wrapper around Handle, or nil.
func (m *Module) Handler() HandleFunc {
	if m.handle == nil {
		return nil
	}
	fn := m.handle
	name := m.Descriptor.Name
	return func(in map[string]any) (out map[string]any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("module %s: Handle panicked: %v", name, r)
			}
		}()
		return fn(in)
	}
}

// Start runs the Start hook, if any.
func (m *Module) Start(ctx context.Context, emit EmitFunc) error {
	if m.start == nil {
		return nil
	}
	return invoke(ctx, m.Descriptor.Name+".Start", func() error { return m.start(emit) })
}

// SelfTest runs the SelfTest hook. Modules without one pass.
func (m *Module) SelfTest(ctx context.Context) error {
	if m.selfTest == nil {
		return nil
	}
	return invoke(ctx, m.Descriptor.Name+".SelfTest", m.selfTest)
}

// Shutdown runs the Shutdown hook once. Later calls are no-ops.
func (m *Module) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.mu.Unlock()

	if m.shutdown == nil {
		return nil
	}
	return invoke(ctx, m.Descriptor.Name+".Shutdown", m.shutdown)
}

// invoke calls into interpreted code under ctx. A hung call leaks its
// goroutine; the interpreter offers no way to preempt it.
func invoke(ctx context.Context, what string, fn func() error) error {
	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("%s panicked: %v", what, r)
			}
		}()
		errCh <- fn()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s: %w", what, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s timed out: %w", what, ctx.Err())
	}
}

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	// GoPath is the interpreter GOPATH used to resolve non-stdlib imports.
	GoPath string
}

// Loader evaluates module sources with yaegi. Each Load uses a fresh
// interpreter and a fresh read of the file, so edits are always picked up.
type Loader struct {
	goPath string
	seq    atomic.Uint64
	now    func() time.Time
}

// NewLoader creates a loader.
func NewLoader(opts LoaderOptions) *Loader {
	return &Loader{goPath: opts.GoPath, now: time.Now}
}

// GoPath returns the interpreter GOPATH.
func (l *Loader) GoPath() string { return l.goPath }

// Load evaluates the file at path and binds its well-known symbols. The
// returned module is not started.
func (l *Loader) Load(ctx context.Context, path string) (*Module, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read module: %w", err)
	}
	return l.LoadSource(ctx, path, string(src))
}

// LoadSource evaluates source as if it were read from path.
func (l *Loader) LoadSource(ctx context.Context, path, source string) (*Module, error) {
	pkg, err := packageName(path, source)
	if err != nil {
		return nil, err
	}

	hash := artifact.HashSource(source)
	key := fmt.Sprintf("%s#%d-%s", path, l.seq.Add(1), hash[:12])
	logging.PluginDebug("loading %s (key=%s package=%s)", path, key, pkg)

	i := interp.New(interp.Options{GoPath: l.goPath})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib: %w", err)
	}

	if err := invoke(ctx, "evaluate "+filepath.Base(path), func() error {
		_, err := i.Eval(source)
		return err
	}); err != nil {
		return nil, err
	}

	m := &Module{Path: path, Key: key, Hash: hash, LoadedAt: l.now()}

	descFn, err := lookup[func() map[string]any](i, pkg, SymbolDescriptor)
	if err != nil {
		return nil, err
	}
	if descFn == nil {
		return nil, fmt.Errorf("%s: entry symbol %s not exported", path, SymbolDescriptor)
	}
	var raw map[string]any
	if err := invoke(ctx, SymbolDescriptor, func() error {
		raw = descFn()
		return nil
	}); err != nil {
		return nil, err
	}
	if m.Descriptor, err = ParseDescriptor(raw); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if m.start, err = lookup[func(func(string, map[string]any) bool) error](i, pkg, SymbolStart); err != nil {
		return nil, err
	}
	if m.shutdown, err = lookup[func() error](i, pkg, SymbolShutdown); err != nil {
		return nil, err
	}
	if m.selfTest, err = lookup[func() error](i, pkg, SymbolSelfTest); err != nil {
		return nil, err
	}
	if m.handle, err = lookup[func(map[string]any) (map[string]any, error)](i, pkg, SymbolHandle); err != nil {
		return nil, err
	}

	logging.Plugin("loaded %s as %s %s@%s", path, m.Descriptor.Kind, m.Descriptor.Name, m.Descriptor.Version)
	return m, nil
}

// lookup resolves pkg.name. A missing symbol yields the zero value and no
// error; a symbol with the wrong signature is an error.
func lookup[F any](i *interp.Interpreter, pkg, name string) (F, error) {
	var zero F
	v, err := i.Eval(pkg + "." + name)
	if err != nil || !v.IsValid() {
		return zero, nil
	}
	if v.Kind() != reflect.Func {
		return zero, fmt.Errorf("%s is not a function", name)
	}
	fn, ok := v.Interface().(F)
	if !ok {
		return zero, fmt.Errorf("%s has incorrect signature (expected %T, got %s)", name, zero, v.Type())
	}
	return fn, nil
}

func packageName(path, source string) (string, error) {
	f, err := parser.ParseFile(token.NewFileSet(), path, source, parser.PackageClauseOnly)
	if err != nil {
		return "", fmt.Errorf("parse package clause: %w", err)
	}
	return f.Name.Name, nil
}

var (
	stdlibOnce    sync.Once
	stdlibImports map[string]bool
)

// stdlibPackages returns the import paths known to the interpreter's
// stdlib symbol table. Keys look like "net/http/http".
func stdlibPackages() map[string]bool {
	stdlibOnce.Do(func() {
		stdlibImports = make(map[string]bool, len(stdlib.Symbols))
		for key := range stdlib.Symbols {
			if idx := strings.LastIndex(key, "/"); idx > 0 {
				stdlibImports[key[:idx]] = true
			}
		}
	})
	return stdlibImports
}

// Available reports whether import path spec can be resolved by a fresh
// interpreter: either it is in the stdlib symbol table or its source lives
// under the interpreter GOPATH.
func (l *Loader) Available(spec string) bool {
	if stdlibPackages()[spec] {
		return true
	}
	if l.goPath == "" {
		return false
	}
	info, err := os.Stat(filepath.Join(l.goPath, "src", filepath.FromSlash(spec)))
	return err == nil && info.IsDir()
}
