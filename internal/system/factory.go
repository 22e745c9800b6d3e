// Package system wires every hotforge subsystem onto one bus. Boot builds
// the stack for a workspace and Run drives its long-running parts.
package system

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"hotforge/internal/artifact"
	"hotforge/internal/bus"
	"hotforge/internal/config"
	"hotforge/internal/coordinator"
	"hotforge/internal/host"
	"hotforge/internal/integration"
	"hotforge/internal/logging"
	"hotforge/internal/store"
	"hotforge/internal/supervisor"
	"hotforge/internal/synth"
	"hotforge/internal/watch"
)

// Forge is a fully wired hotforge instance.
type Forge struct {
	Config      *config.Config
	Workspace   string
	Bus         *bus.Bus
	Stage       *synth.TemplateStage
	Coordinator *coordinator.Coordinator
	Engine      *integration.Engine
	Host        *host.Host
	Supervisor  supervisor.Supervisor
	Journal     *store.Journal // nil when the store is disabled
	Watcher     *watch.Watcher // nil when watching is disabled

	// Listening receives the HTTP address once the host is serving.
	Listening chan string

	unloads chan string
	subs    []bus.Subscription
}

// BootOptions overrides parts of the stack, mostly for tests.
type BootOptions struct {
	Supervisor supervisor.Supervisor
	Runner     supervisor.Runner
}

// Boot builds the stack described by cfg. Nothing runs until Run.
func Boot(cfg *config.Config, o BootOptions) (*Forge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ws, err := cfg.WorkspaceRoot()
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}

	f := &Forge{
		Config:    cfg,
		Workspace: ws,
		Bus:       bus.New(bus.Options{HistorySize: cfg.Events.HistorySize, OutboxSize: cfg.Events.OutboxSize}),
		Stage:     synth.NewTemplateStage(),
		Listening: make(chan string, 1),
		unloads:   make(chan string, 64),
	}

	f.Supervisor = o.Supervisor
	if f.Supervisor == nil {
		run := o.Runner
		if run == nil {
			run = supervisor.ExecRunner
		}
		f.Supervisor = supervisor.New(cfg.Supervisor, run)
	}

	if cfg.Store.Enabled {
		path := cfg.Store.DatabasePath
		if path != ":memory:" {
			path = cfg.ResolvePath(path)
		}
		j, err := store.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		f.Journal = j
		j.Attach(f.Bus)
	}

	copts, err := coordinator.OptionsFromConfig(cfg)
	if err != nil {
		f.Close()
		return nil, err
	}
	f.Coordinator = coordinator.New(f.Bus, f.Stage, copts)

	eopts, err := integration.OptionsFromConfig(cfg, f.Supervisor, f.Stage)
	if err != nil {
		f.Close()
		return nil, err
	}
	f.Engine = integration.New(f.Bus, eopts)

	f.Host = host.New(f.Bus)

	if cfg.Watch.Enabled {
		w, err := watch.New(f.Bus, ws, cfg.GetWatchDebounce())
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("create watcher: %w", err)
		}
		f.Watcher = w
	}

	// Order matters: the host must see registrations emitted by the engine,
	// and the engine must see artifacts emitted by the coordinator.
	f.Host.Attach()
	f.Engine.Attach()
	f.Coordinator.Attach()
	f.subs = append(f.subs, f.Bus.Subscribe("system", bus.SourceChanged, f.onSourceChanged))

	logging.Boot("hotforge booted (workspace=%s supervisor=%s store=%v watch=%v http=%v)",
		ws, f.Supervisor.Name(), f.Journal != nil, f.Watcher != nil, cfg.HTTP.Enabled)
	return f, nil
}

// Run drives the integration worker, the watcher and the HTTP host until
// ctx is done or one of them fails.
func (f *Forge) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return f.Engine.Run(gctx) })
	g.Go(func() error { return f.runUnloads(gctx) })
	if f.Watcher != nil {
		g.Go(func() error { return f.Watcher.Run(gctx) })
	}
	if f.Config.HTTP.Enabled {
		g.Go(func() error { return f.Host.Serve(gctx, f.Config.HTTP.Addr, f.Listening) })
	}
	return g.Wait()
}

// Close detaches every subsystem and closes the journal.
func (f *Forge) Close() error {
	if f == nil {
		return nil
	}
	for _, s := range f.subs {
		f.Bus.Unsubscribe(s)
	}
	f.subs = nil
	if f.Coordinator != nil {
		f.Coordinator.Detach()
	}
	if f.Engine != nil {
		f.Engine.Detach()
	}
	if f.Host != nil {
		f.Host.Detach()
	}

	var err error
	if f.Journal != nil {
		err = multierr.Append(err, f.Journal.Close())
		f.Journal = nil
	}
	return err
}

// onSourceChanged queues unloads for deleted files. Creates and writes are
// adopted by the coordinator. The unload runs on its own goroutine because
// this handler may be delivered by the integration worker mid-pipeline.
func (f *Forge) onSourceChanged(ev bus.Event) {
	c, ok := ev.Payload.(artifact.SourceChange)
	if !ok || c.Op != watch.OpDelete {
		return
	}
	select {
	case f.unloads <- c.Path:
	default:
		logging.BootWarn("unload queue full, %s stays loaded", c.Path)
	}
}

func (f *Forge) runUnloads(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case rel := <-f.unloads:
			if err := f.Engine.UnloadModule(ctx, rel); err != nil {
				logging.BootWarn("unload %s: %v", rel, err)
			}
		}
	}
}
