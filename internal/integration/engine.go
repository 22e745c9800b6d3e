// Package integration takes generated artifacts through dependency
// resolution, validation and hot-load into the running process, then
// announces what the loaded module offers.
//
// A single worker goroutine drains a bounded FIFO queue, so at most one
// artifact mutates the live module registry at any time.
package integration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"hotforge/internal/artifact"
	"hotforge/internal/bus"
	"hotforge/internal/config"
	"hotforge/internal/logging"
	"hotforge/internal/plugin"
	"hotforge/internal/supervisor"
	"hotforge/internal/synth"
)

// Loader is the hot-load surface the engine drives.
type Loader interface {
	Resolver
	LoadSource(ctx context.Context, path, source string) (*plugin.Module, error)
}

// CapabilityScanner extracts capabilities from source when a module
// declares none.
type CapabilityScanner interface {
	Analyze(ctx context.Context, src synth.Source) (*synth.Analysis, error)
}

// Options configures an Engine. Zero values get working defaults.
type Options struct {
	Workspace  string
	QueueSize  int
	Timeouts   config.StageTimeouts
	Loader     Loader
	Registry   *plugin.Registry
	Installer  Installer
	Checker    Checker
	Safety     *SafetyChecker
	Supervisor supervisor.Supervisor
	Scanner    CapabilityScanner
}

// OptionsFromConfig builds engine options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config, sup supervisor.Supervisor, scanner CapabilityScanner) (Options, error) {
	ws, err := cfg.WorkspaceRoot()
	if err != nil {
		return Options{}, fmt.Errorf("resolve workspace: %w", err)
	}
	gopath := cfg.ResolvePath(cfg.Integration.GoPath)
	return Options{
		Workspace: ws,
		QueueSize: cfg.Integration.QueueSize,
		Timeouts:  cfg.Integration.Timeouts(),
		Loader:    plugin.NewLoader(plugin.LoaderOptions{GoPath: gopath}),
		Registry:  plugin.NewRegistry(),
		Installer: ExecInstaller{
			Command: cfg.Integration.InstallCommand,
			Dir:     ws,
			GoPath:  gopath,
		},
		Checker:    NewChecker(cfg.Integration),
		Safety:     NewSafetyChecker(cfg.Integration),
		Supervisor: sup,
		Scanner:    scanner,
	}, nil
}

// Status is a snapshot of the engine.
type Status struct {
	Running   bool     `json:"running"`
	Queued    int      `json:"queued"`
	InFlight  string   `json:"inFlight,omitempty"`
	Completed int64    `json:"completed"`
	Failed    int64    `json:"failed"`
	Loaded    []string `json:"loaded"`
}

// SelfTestResult is the outcome of TestIntegration.
type SelfTestResult struct {
	Path          string `json:"path"`
	Syntax        bool   `json:"syntax"`
	Load          bool   `json:"load"`
	Functionality bool   `json:"functionality"`
	Error         string `json:"error,omitempty"`
}

// Passed reports whether every check succeeded.
func (r SelfTestResult) Passed() bool { return r.Syntax && r.Load && r.Functionality }

// Engine is the integration engine.
type Engine struct {
	bus   *bus.Bus
	opts  Options
	queue chan *artifact.Artifact
	now   func() time.Time

	mu        sync.Mutex
	running   bool
	stopped   bool
	inFlight  string
	completed int64
	failed    int64
	subs      []bus.Subscription

	// mutate serialises every change to the live registry.
	mutate sync.Mutex
}

// New creates an engine. It does nothing until Run is called.
func New(b *bus.Bus, opts Options) *Engine {
	if opts.QueueSize <= 0 {
		opts.QueueSize = config.DefaultIntegrationConfig().QueueSize
	}
	if opts.Timeouts == (config.StageTimeouts{}) {
		opts.Timeouts = config.DefaultIntegrationConfig().Timeouts()
	}
	if opts.Workspace == "" {
		opts.Workspace = "."
	}
	if abs, err := filepath.Abs(opts.Workspace); err == nil {
		opts.Workspace = abs
	}
	if opts.Loader == nil {
		opts.Loader = plugin.NewLoader(plugin.LoaderOptions{})
	}
	if opts.Registry == nil {
		opts.Registry = plugin.NewRegistry()
	}
	if opts.Checker == nil {
		opts.Checker = ParseChecker{}
	}
	if opts.Safety == nil {
		opts.Safety = NewSafetyChecker(config.DefaultIntegrationConfig())
	}
	if opts.Supervisor == nil {
		opts.Supervisor = supervisor.Noop{}
	}
	return &Engine{
		bus:   b,
		opts:  opts,
		queue: make(chan *artifact.Artifact, opts.QueueSize),
		now:   time.Now,
	}
}

// Registry exposes the live module registry.
func (e *Engine) Registry() *plugin.Registry { return e.opts.Registry }

// Attach subscribes the engine to the events that carry new artifacts.
func (e *Engine) Attach() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.subs) > 0 {
		return
	}
	e.subs = append(e.subs,
		e.bus.Subscribe("integration", bus.GenerateComplete, e.onArtifact),
		e.bus.Subscribe("integration", bus.ModifyComplete, e.onArtifact),
	)
}

// Detach removes the engine's subscriptions.
func (e *Engine) Detach() {
	e.mu.Lock()
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()
	for _, s := range subs {
		e.bus.Unsubscribe(s)
	}
}

func (e *Engine) onArtifact(ev bus.Event) {
	var a *artifact.Artifact
	switch p := ev.Payload.(type) {
	case *artifact.Artifact:
		a = p
	case artifact.Modified:
		a = p.Artifact
	case *artifact.Modified:
		a = p.Artifact
	}
	if a == nil {
		logging.IntegrationWarn("%s carried no artifact (%T)", ev.Name, ev.Payload)
		return
	}
	// Failures are reported through integration-failed.
	_ = e.QueueIntegration(a)
}

// QueueIntegration enqueues a copy of a without blocking.
func (e *Engine) QueueIntegration(a *artifact.Artifact) error {
	if a == nil {
		return stageErr(StageQueued, KindRequestValidation, errors.New("nil artifact"))
	}
	a = a.Clone()

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		err := stageErr(StageQueued, KindStopped, nil)
		e.fail(a, err)
		return err
	}
	select {
	case e.queue <- a:
		depth := len(e.queue)
		e.mu.Unlock()
		logging.IntegrationDebug("queued %s (%s), depth=%d", a.ID, a.Path, depth)
		return nil
	default:
		e.mu.Unlock()
		err := stageErr(StageQueued, KindQueueFull, fmt.Errorf("capacity %d", cap(e.queue)))
		e.fail(a, err)
		return err
	}
}

// Run is the single worker loop. It returns when ctx is done, after
// failing whatever is still queued and shutting down every loaded module.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running || e.stopped {
		e.mu.Unlock()
		return errors.New("integration engine already started")
	}
	e.running = true
	e.mu.Unlock()

	logging.Integration("integration worker started (queue=%d)", cap(e.queue))
	for {
		select {
		case <-ctx.Done():
			e.stop()
			return nil
		case a := <-e.queue:
			if ctx.Err() != nil {
				e.fail(a, stageErr(StageQueued, KindStopped, ctx.Err()))
				continue
			}
			e.integrate(ctx, a)
		}
	}
}

func (e *Engine) stop() {
	e.mu.Lock()
	e.stopped = true
	e.running = false
	e.mu.Unlock()

	drained := 0
drain:
	for {
		select {
		case a := <-e.queue:
			drained++
			e.fail(a, stageErr(StageQueued, KindStopped, nil))
		default:
			break drain
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.opts.Timeouts.Reload)
	defer cancel()
	e.mutate.Lock()
	err := e.opts.Registry.Close(ctx)
	e.mutate.Unlock()
	if err != nil {
		logging.IntegrationWarn("module shutdown on stop: %v", err)
	}
	logging.Integration("integration worker stopped (%d queued artifacts failed)", drained)
}

func (e *Engine) integrate(ctx context.Context, a *artifact.Artifact) {
	e.mutate.Lock()
	defer e.mutate.Unlock()

	e.setInFlight(a.ID)
	defer e.setInFlight("")

	start := e.now()
	e.bus.Emit(bus.IntegrationStarted, StartedPayload{ArtifactID: a.ID, Path: a.Path})

	info, err := e.pipeline(ctx, a)
	if err != nil {
		e.fail(a, err)
		return
	}

	a.Status = artifact.StatusIntegrated
	a.Error = ""
	a.UpdatedAt = e.now()
	e.mu.Lock()
	e.completed++
	e.mu.Unlock()

	logging.Integration("integrated %s as %s (%s) in %v", a.Path, info.Name, info.Kind, time.Since(start))
	e.bus.Emit(bus.IntegrationCompleted, CompletedPayload{Artifact: a.Clone(), Module: info})
}

// pipeline runs every stage for one artifact.
func (e *Engine) pipeline(ctx context.Context, a *artifact.Artifact) (ModuleInfo, error) {
	info := ModuleInfo{ID: a.Path}

	rel, abs, err := e.resolve(a.Path)
	if err != nil {
		return info, stageErr(StageQueued, KindRequestValidation, err)
	}
	info.ID = rel

	// An artifact that was never written is loaded from its own source,
	// whatever an older file at the same path holds.
	source := a.Source
	onDisk := false
	if a.Persisted() {
		data, readErr := os.ReadFile(abs)
		onDisk = readErr == nil
		if onDisk {
			source = string(data)
		} else if source == "" {
			return info, stageErr(StageQueued, KindRequestValidation, fmt.Errorf("no source for %s: %w", rel, readErr))
		}
	} else if source == "" {
		return info, stageErr(StageQueued, KindRequestValidation, fmt.Errorf("no source for unwritten artifact %s", rel))
	}

	// Dependency analysis
	e.stage(a, StageDependencyAnalysis)
	deps, err := AnalyzeDependencies(source, e.opts.Loader)
	if err != nil {
		return info, stageErr(StageDependencyAnalysis, KindSyntax, err)
	}
	info.Dependencies = deps

	// Dependency install
	if len(deps.Missing) > 0 {
		e.stage(a, StageDependencyInstall)
		if err := e.install(ctx, deps.Missing); err != nil {
			return info, stageErr(StageDependencyInstall, KindDependencyResolution, err)
		}
		info.Dependencies.Missing = nil
	}

	// Syntax validation
	e.stage(a, StageSyntaxValidation)
	if err := e.validate(ctx, abs, source, onDisk); err != nil {
		return info, stageErr(StageSyntaxValidation, KindSyntax, err)
	}

	// Hot load
	e.stage(a, StageHotLoad)
	lctx, cancel := withTimeout(ctx, e.opts.Timeouts.Load)
	m, err := e.opts.Loader.LoadSource(lctx, abs, source)
	cancel()
	if err != nil {
		return info, stageErr(StageHotLoad, KindHotLoad, err)
	}
	plan, err := e.plan(ctx, rel, m, source)
	if err != nil {
		return info, stageErr(StageCapabilityRegistration, KindRegistration, err)
	}
	ictx, cancel := withTimeout(ctx, e.opts.Timeouts.Load)
	replaced, err := e.opts.Registry.Install(ictx, m, e.bus.EmitFunc())
	cancel()
	if err != nil {
		return info, stageErr(StageHotLoad, KindHotLoad, err)
	}
	info.Key = m.Key
	info.Name = m.Descriptor.Name
	info.Kind = string(m.Descriptor.Kind)
	info.Version = m.Descriptor.Version
	info.Capabilities = plan.capabilities
	info.Replaced = replaced

	// Capability registration
	e.stage(a, StageCapabilityRegistration)
	rctx, cancel := withTimeout(ctx, e.opts.Timeouts.Register)
	info.Health = e.register(rctx, rel, m, plan)
	cancel()

	// Supervisor reload
	if artifact.IsCritical(rel) {
		e.stage(a, StageSupervisorReload)
		info.Reloaded = e.reload(ctx, rel)
	}
	return info, nil
}

func (e *Engine) install(ctx context.Context, missing []string) error {
	if e.opts.Installer == nil {
		return fmt.Errorf("unresolved dependencies and no installer: %s", strings.Join(missing, ", "))
	}
	ictx, cancel := withTimeout(ctx, e.opts.Timeouts.Install)
	defer cancel()
	if err := e.opts.Installer.Install(ictx, missing); err != nil {
		return err
	}
	var still []string
	for _, spec := range missing {
		if !e.opts.Loader.Available(spec) {
			still = append(still, spec)
		}
	}
	if len(still) > 0 {
		return fmt.Errorf("still unresolved after install: %s", strings.Join(still, ", "))
	}
	return nil
}

func (e *Engine) validate(ctx context.Context, abs, source string, onDisk bool) error {
	vctx, cancel := withTimeout(ctx, e.opts.Timeouts.Validate)
	defer cancel()

	checker := e.opts.Checker
	if _, ok := checker.(CommandChecker); ok && !onDisk {
		checker = ParseChecker{}
	}
	if err := checker.Check(vctx, abs, source); err != nil {
		return err
	}
	violations, err := e.opts.Safety.Check(abs, source)
	for _, v := range violations {
		if !v.Blocking {
			logging.IntegrationWarn("%s: %s", v.Location, v.Description)
		}
	}
	return err
}

// registration is what CapabilityRegistration will announce.
type registration struct {
	area         artifact.Area
	capabilities []string
	endpoint     *EndpointRegistration
	handler      *HandlerRegistration
	extension    *ExtensionRegistration
}

// plan checks the module against its area before it is installed.
func (e *Engine) plan(ctx context.Context, rel string, m *plugin.Module, source string) (*registration, error) {
	d := m.Descriptor
	area := artifact.AreaOf(rel)
	if want := plugin.KindForArea(area); d.Kind != want {
		return nil, fmt.Errorf("%s is in the %s area but declares kind %q (want %q)", rel, area, d.Kind, want)
	}

	r := &registration{area: area, capabilities: d.CapabilityNames()}
	if len(r.capabilities) == 0 {
		r.capabilities = e.scan(ctx, source)
	}

	switch area {
	case artifact.AreaInterface:
		if !m.HasHandle() {
			return nil, fmt.Errorf("endpoint %s does not export %s", d.Name, plugin.SymbolHandle)
		}
		ep := &EndpointRegistration{ModuleID: rel, Path: "/" + artifact.Stem(rel), Method: "GET", Handler: m.Handler()}
		if d.Endpoint != nil {
			if d.Endpoint.Path != "" {
				ep.Path = d.Endpoint.Path
			}
			if d.Endpoint.Method != "" {
				ep.Method = strings.ToUpper(d.Endpoint.Method)
			}
			ep.Middleware = append([]string(nil), d.Endpoint.Middleware...)
		}
		r.endpoint = ep
	case artifact.AreaHandler:
		if !m.HasHandle() {
			return nil, fmt.Errorf("handler %s does not export %s", d.Name, plugin.SymbolHandle)
		}
		events := append([]string(nil), d.Handles...)
		if len(events) == 0 {
			events = []string{artifact.Stem(rel)}
		}
		r.handler = &HandlerRegistration{ModuleID: rel, Events: events, Handler: m.Handler()}
	case artifact.AreaExtension:
		r.extension = &ExtensionRegistration{ModuleID: rel, Name: d.Name, Capabilities: r.capabilities}
	}
	return r, nil
}

// scan falls back to static analysis for capability discovery.
func (e *Engine) scan(ctx context.Context, source string) []string {
	if e.opts.Scanner == nil {
		return nil
	}
	a, err := e.opts.Scanner.Analyze(ctx, synth.Source{Language: synth.LanguageGo, Text: source})
	if err != nil {
		logging.IntegrationWarn("capability scan failed: %v", err)
		return nil
	}
	var out []string
	for _, op := range a.Patterns.Operations {
		if plugin.IsWellKnown(op) {
			continue
		}
		out = append(out, plugin.Capability{Kind: plugin.CapabilityOperation, Name: op}.String())
	}
	for _, ev := range a.Patterns.Emits {
		out = append(out, plugin.Capability{Kind: plugin.CapabilityEmits, Name: ev}.String())
	}
	return out
}

// register announces the module and returns its health.
func (e *Engine) register(ctx context.Context, rel string, m *plugin.Module, r *registration) string {
	switch {
	case r.endpoint != nil:
		e.bus.Emit(bus.EndpointRegister, *r.endpoint)
	case r.handler != nil:
		e.bus.Emit(bus.HandlerRegister, *r.handler)
	case r.extension != nil:
		e.bus.Emit(bus.ExtensionRegister, *r.extension)
	}

	health := HealthHealthy
	if err := m.SelfTest(ctx); err != nil {
		health = HealthDegraded
		logging.IntegrationWarn("self-test of %s failed: %v", rel, err)
	}
	e.bus.Emit(bus.ModuleRegister, ModuleRegistration{
		ID:     rel,
		Name:   m.Descriptor.Name,
		Kind:   string(m.Descriptor.Kind),
		Status: "active",
		Health: health,
	})
	return health
}

// reload asks the supervisor to restart the host. Unsupervised or
// unreachable supervisors make this a no-op.
func (e *Engine) reload(ctx context.Context, rel string) bool {
	sctx, cancel := withTimeout(ctx, e.opts.Timeouts.Reload)
	defer cancel()

	sup := e.opts.Supervisor
	ok, err := sup.Supervised(sctx)
	if err != nil {
		logging.IntegrationWarn("supervisor %s unreachable, skipping reload for %s: %v", sup.Name(), rel, err)
		return false
	}
	if !ok {
		logging.IntegrationDebug("not supervised by %s, skipping reload for %s", sup.Name(), rel)
		return false
	}
	if err := sup.Reload(sctx); err != nil {
		logging.IntegrationError("%v", stageErr(StageSupervisorReload, KindSupervisor, err))
		return false
	}
	return true
}

func (e *Engine) fail(a *artifact.Artifact, err error) {
	stage, kind := StageFailed, KindHotLoad
	var se *StageError
	if errors.As(err, &se) {
		stage, kind = se.Stage, se.Kind
	}

	a.Status = artifact.StatusFailed
	a.Error = err.Error()
	a.UpdatedAt = e.now()
	e.mu.Lock()
	e.failed++
	e.mu.Unlock()

	logging.Get(logging.CategoryIntegration).StructuredLog("error", "integration failed", map[string]interface{}{
		"artifact": a.ID,
		"path":     a.Path,
		"stage":    stage.String(),
		"kind":     kind.String(),
		"error":    err.Error(),
	})
	e.bus.Emit(bus.IntegrationFailed, FailedPayload{
		Artifact: a.Clone(),
		Stage:    stage.String(),
		Kind:     kind.String(),
		Error:    err.Error(),
	})
}

func (e *Engine) stage(a *artifact.Artifact, s Stage) {
	logging.IntegrationDebug("%s: %s", a.Path, s)
	e.bus.Emit(bus.IntegrationStage, StagePayload{ArtifactID: a.ID, Path: a.Path, Stage: s.String()})
}

func (e *Engine) setInFlight(id string) {
	e.mu.Lock()
	e.inFlight = id
	e.mu.Unlock()
}

// resolve validates a workspace-relative artifact path.
func (e *Engine) resolve(p string) (rel, abs string, err error) {
	if strings.TrimSpace(p) == "" {
		return "", "", errors.New("artifact has no path")
	}
	rel = path.Clean(filepath.ToSlash(p))
	if path.IsAbs(rel) || filepath.IsAbs(p) || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", "", fmt.Errorf("path %q escapes the workspace", p)
	}
	return rel, filepath.Join(e.opts.Workspace, filepath.FromSlash(rel)), nil
}

// UnloadModule shuts down and removes the module loaded from rel. Unknown
// paths are a no-op. It must not be called from a handler of an event the
// engine emits while integrating.
func (e *Engine) UnloadModule(ctx context.Context, rel string) error {
	rel, abs, err := e.resolve(rel)
	if err != nil {
		return stageErr(StageQueued, KindRequestValidation, err)
	}

	e.mutate.Lock()
	unloaded, err := e.opts.Registry.Unload(ctx, abs)
	e.mutate.Unlock()

	if !unloaded {
		logging.IntegrationDebug("unload %s: not loaded", rel)
		return nil
	}
	e.bus.Emit(bus.ModuleUnregister, ModuleUnregistration{ID: rel})
	if err != nil {
		return err
	}
	logging.Integration("unloaded %s", rel)
	return nil
}

// TestIntegration validates, loads and self-tests rel in isolation. The
// loaded module is never installed and is shut down afterwards.
func (e *Engine) TestIntegration(ctx context.Context, rel string) SelfTestResult {
	res := SelfTestResult{Path: rel}
	rel, abs, err := e.resolve(rel)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Path = rel

	data, err := os.ReadFile(abs)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	source := string(data)

	if err := e.validate(ctx, abs, source, true); err != nil {
		res.Error = err.Error()
		return res
	}
	res.Syntax = true

	lctx, cancel := withTimeout(ctx, e.opts.Timeouts.Load)
	defer cancel()
	m, err := e.opts.Loader.LoadSource(lctx, abs, source)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Load = true
	defer func() {
		if err := m.Shutdown(lctx); err != nil {
			logging.IntegrationWarn("self-test shutdown for %s: %v", rel, err)
		}
	}()

	if err := m.SelfTest(lctx); err != nil {
		res.Error = err.Error()
		return res
	}
	res.Functionality = true
	return res
}

// Status returns a snapshot of the engine.
func (e *Engine) Status() Status {
	e.mu.Lock()
	s := Status{
		Running:   e.running,
		Queued:    len(e.queue),
		InFlight:  e.inFlight,
		Completed: e.completed,
		Failed:    e.failed,
	}
	e.mu.Unlock()

	for _, p := range e.opts.Registry.Paths() {
		if rel, err := filepath.Rel(e.opts.Workspace, p); err == nil {
			p = filepath.ToSlash(rel)
		}
		s.Loaded = append(s.Loaded, p)
	}
	return s
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
