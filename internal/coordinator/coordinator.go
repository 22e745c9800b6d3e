// Package coordinator turns triggers into synthesis calls and owns every
// artifact produced in this process.
//
// Triggers are explicit requests (method calls or *-request events), goal
// completions, detected system needs and external edits to workspace files.
// The coordinator never calls the integration engine directly: it announces
// artifacts with generate-complete and modify-complete and tracks their fate
// through integration-completed and integration-failed.
package coordinator

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"hotforge/internal/artifact"
	"hotforge/internal/bus"
	"hotforge/internal/config"
	"hotforge/internal/integration"
	"hotforge/internal/logging"
	"hotforge/internal/synth"
)

// ValidationError reports a malformed trigger.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// Options configures a Coordinator.
type Options struct {
	Workspace       string
	GeneratedDir    string
	ExtensionDir    string
	DefaultLanguage string
	DefaultType     string

	Now   func() time.Time
	NewID func() string
}

// OptionsFromConfig builds coordinator options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	ws, err := cfg.WorkspaceRoot()
	if err != nil {
		return Options{}, fmt.Errorf("resolve workspace: %w", err)
	}
	return Options{
		Workspace:       ws,
		GeneratedDir:    cfg.Generation.GeneratedDir,
		ExtensionDir:    cfg.Generation.ExtensionDir,
		DefaultLanguage: cfg.Generation.DefaultLanguage,
		DefaultType:     cfg.Generation.DefaultType,
	}, nil
}

// Summary is a compact view of one artifact.
type Summary struct {
	ID        string          `json:"id"`
	Purpose   string          `json:"purpose"`
	Path      string          `json:"path"`
	Status    artifact.Status `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
}

// Status is the coordinator's summary.
type Status struct {
	Total      int       `json:"totalProjects"`
	Active     int       `json:"activeGenerations"`
	Pending    int       `json:"pending"`
	Integrated int       `json:"integrated"`
	Failed     int       `json:"failed"`
	Recent     []Summary `json:"recentProjects"`
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	bus   *bus.Bus
	stage synth.Stage
	opts  Options

	mu       sync.Mutex
	history  []*artifact.Artifact
	active   map[string]*artifact.Artifact
	lastHash map[string]string // rel path -> hash of the last content we saw or wrote
	subs     []bus.Subscription
}

// New creates a coordinator. Call Attach to subscribe it to the bus.
func New(b *bus.Bus, stage synth.Stage, opts Options) *Coordinator {
	def := config.DefaultConfig().Generation
	if opts.Workspace == "" {
		opts.Workspace = "."
	}
	if abs, err := filepath.Abs(opts.Workspace); err == nil {
		opts.Workspace = abs
	}
	if opts.GeneratedDir == "" {
		opts.GeneratedDir = def.GeneratedDir
	}
	if opts.ExtensionDir == "" {
		opts.ExtensionDir = def.ExtensionDir
	}
	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = def.DefaultLanguage
	}
	if opts.DefaultType == "" {
		opts.DefaultType = def.DefaultType
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Coordinator{
		bus:      b,
		stage:    stage,
		opts:     opts,
		active:   make(map[string]*artifact.Artifact),
		lastHash: make(map[string]string),
	}
}

// Workspace returns the absolute workspace root.
func (c *Coordinator) Workspace() string { return c.opts.Workspace }

// track appends a to the history and active set.
func (c *Coordinator) track(a *artifact.Artifact) {
	c.mu.Lock()
	c.history = append(c.history, a)
	c.active[a.ID] = a
	c.lastHash[a.Path] = a.Hash()
	c.mu.Unlock()
}

// Artifact returns a copy of the artifact with id.
func (c *Coordinator) Artifact(id string) (*artifact.Artifact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.active[id]
	return a.Clone(), ok
}

// History returns copies of every artifact, oldest first.
func (c *Coordinator) History() []*artifact.Artifact {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*artifact.Artifact, len(c.history))
	for i, a := range c.history {
		out[i] = a.Clone()
	}
	return out
}

// latest returns the newest artifact for rel. Caller holds c.mu.
func (c *Coordinator) latest(rel string) *artifact.Artifact {
	for i := len(c.history) - 1; i >= 0; i-- {
		if c.history[i].Path == rel {
			return c.history[i]
		}
	}
	return nil
}

// Status summarises the artifacts seen so far.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{Total: len(c.history), Active: len(c.active)}
	for _, a := range c.history {
		switch a.Status {
		case artifact.StatusPending:
			s.Pending++
		case artifact.StatusIntegrated:
			s.Integrated++
		case artifact.StatusFailed:
			s.Failed++
		}
	}
	start := len(c.history) - 5
	if start < 0 {
		start = 0
	}
	for _, a := range c.history[start:] {
		s.Recent = append(s.Recent, Summary{
			ID: a.ID, Purpose: a.Purpose, Path: a.Path, Status: a.Status, Timestamp: a.CreatedAt,
		})
	}
	return s
}

// resolve validates a workspace-relative path.
func (c *Coordinator) resolve(p string) (rel, abs string, err error) {
	if strings.TrimSpace(p) == "" {
		return "", "", &ValidationError{Field: "path", Reason: "empty"}
	}
	rel = path.Clean(filepath.ToSlash(p))
	if path.IsAbs(rel) || filepath.IsAbs(p) || rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", "", &ValidationError{Field: "path", Reason: fmt.Sprintf("%q escapes the workspace", p)}
	}
	return rel, filepath.Join(c.opts.Workspace, filepath.FromSlash(rel)), nil
}

// =============================================================================
// BUS WIRING
// =============================================================================

const owner = "coordinator"

// Attach subscribes the coordinator to its triggers and announces the code
// goals it can act on.
func (c *Coordinator) Attach() {
	c.mu.Lock()
	if len(c.subs) > 0 {
		c.mu.Unlock()
		return
	}
	c.subs = []bus.Subscription{
		c.bus.Subscribe(owner, bus.GenerateRequest, c.onGenerateRequest),
		c.bus.Subscribe(owner, bus.ModifyRequest, c.onModifyRequest),
		c.bus.Subscribe(owner, bus.DebugRequest, c.onDebugRequest),
		c.bus.Subscribe(owner, bus.GoalAchieved, c.onGoalAchieved),
		c.bus.Subscribe(owner, bus.SystemNeed, c.onSystemNeed),
		c.bus.Subscribe(owner, bus.SourceChanged, c.onSourceChanged),
		c.bus.Subscribe(owner, bus.IntegrationCompleted, c.onIntegrated),
		c.bus.Subscribe(owner, bus.IntegrationFailed, c.onIntegrated),
	}
	c.mu.Unlock()

	for _, g := range CodeGoals() {
		c.bus.Emit(bus.GoalRegister, g)
	}
	logging.Coordinator("coordinator attached, %d code goals registered", len(CodeGoals()))
}

// Detach removes every subscription.
func (c *Coordinator) Detach() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, s := range subs {
		c.bus.Unsubscribe(s)
	}
}

// onIntegrated records the integration outcome on the artifact.
func (c *Coordinator) onIntegrated(ev bus.Event) {
	var (
		id     string
		status artifact.Status
		errMsg string
	)
	switch p := ev.Payload.(type) {
	case integration.CompletedPayload:
		if p.Artifact == nil {
			return
		}
		id, status = p.Artifact.ID, artifact.StatusIntegrated
	case integration.FailedPayload:
		if p.Artifact == nil {
			return
		}
		id, status, errMsg = p.Artifact.ID, artifact.StatusFailed, p.Error
	default:
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.active[id]
	if !ok {
		return
	}
	a.Status = status
	a.Error = errMsg
	a.UpdatedAt = c.opts.Now()
}
