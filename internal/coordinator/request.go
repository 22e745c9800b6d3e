package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"hotforge/internal/artifact"
	"hotforge/internal/bus"
	"hotforge/internal/logging"
	"hotforge/internal/plugin"
	"hotforge/internal/synth"
)

// acceptedTypes are the artifact types a request may name.
var acceptedTypes = map[string]bool{
	"module":    true,
	"service":   true,
	"handler":   true,
	"endpoint":  true,
	"extension": true,
}

// =============================================================================
// GENERATION
// =============================================================================

// RequestGeneration synthesizes one artifact for req. Exactly one of
// generate-complete or generate-failed is emitted per call.
func (c *Coordinator) RequestGeneration(ctx context.Context, req artifact.Request) (*artifact.Artifact, error) {
	a, err := c.generate(ctx, req)
	if err != nil {
		logging.CoordinatorError("generation for %q failed: %v", req.Purpose, err)
		c.bus.Emit(bus.GenerateFailed, GenerateFailedPayload{Request: req, Error: err.Error()})
		return nil, err
	}
	logging.Coordinator("generated %s for %q at %s", a.ID, a.Purpose, a.Path)
	c.bus.Emit(bus.GenerateComplete, a.Clone())
	return a.Clone(), nil
}

func (c *Coordinator) generate(ctx context.Context, req artifact.Request) (*artifact.Artifact, error) {
	req, err := c.normalize(req)
	if err != nil {
		return nil, err
	}
	rel, abs, err := c.resolve(req.Path)
	if err != nil {
		return nil, err
	}

	gen, err := c.stage.Generate(ctx, synth.Spec{
		Name:         artifact.Slug(req.Purpose),
		Purpose:      req.Purpose,
		Type:         req.Type,
		Kind:         plugin.KindForArea(artifact.AreaOf(rel)),
		Language:     req.Language,
		Requirements: req.Requirements,
	})
	if err != nil {
		return nil, fmt.Errorf("synthesize %q: %w", req.Purpose, err)
	}

	now := c.opts.Now()
	a := &artifact.Artifact{
		ID:        c.opts.NewID(),
		Purpose:   req.Purpose,
		Type:      req.Type,
		Path:      rel,
		Source:    gen.Source,
		Status:    artifact.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  gen.Metadata,
	}
	if req.Persist() {
		if err := writeFile(abs, a.Source); err != nil {
			return nil, err
		}
	} else {
		md := make(map[string]string, len(gen.Metadata)+1)
		for k, v := range gen.Metadata {
			md[k] = v
		}
		md[artifact.MetaPersisted] = "false"
		a.Metadata = md
	}
	c.track(a)
	return a, nil
}

// normalize fills defaults and validates req.
func (c *Coordinator) normalize(req artifact.Request) (artifact.Request, error) {
	req.Purpose = strings.TrimSpace(req.Purpose)
	if req.Purpose == "" {
		return req, &ValidationError{Field: "purpose", Reason: "empty"}
	}
	if artifact.Slug(req.Purpose) == "" {
		return req, &ValidationError{Field: "purpose", Reason: fmt.Sprintf("%q has no usable characters", req.Purpose)}
	}
	if req.Type == "" {
		req.Type = c.opts.DefaultType
	}
	req.Type = strings.ToLower(req.Type)
	if !acceptedTypes[req.Type] {
		return req, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown type %q", req.Type)}
	}
	if req.Language == "" {
		req.Language = c.opts.DefaultLanguage
	}
	if !strings.EqualFold(req.Language, synth.LanguageGo) {
		return req, &ValidationError{Field: "language", Reason: fmt.Sprintf("only %s is synthesized, got %q", synth.LanguageGo, req.Language)}
	}
	req.Language = synth.LanguageGo
	if req.Path == "" {
		req.Path = c.defaultPath(req)
	}
	return req, nil
}

// defaultPath is <area>/<slug>-<unixmilli>.go.
func (c *Coordinator) defaultPath(req artifact.Request) string {
	dir := c.opts.GeneratedDir
	if req.Type == "extension" || strings.Contains(strings.ToLower(req.Purpose), "extension") {
		dir = c.opts.ExtensionDir
	}
	name := fmt.Sprintf("%s-%d.go", artifact.Slug(req.Purpose), c.opts.Now().UnixMilli())
	return path.Join(filepath.ToSlash(dir), name)
}

// writeFile creates the parent directories and writes source.
func writeFile(abs, source string) error {
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(abs), err)
	}
	if err := os.WriteFile(abs, []byte(source), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", abs, err)
	}
	return nil
}

// =============================================================================
// MODIFICATION
// =============================================================================

// RequestModification applies mods to the file at rel, writes it back and
// emits modify-complete. Failures emit modify-failed.
func (c *Coordinator) RequestModification(ctx context.Context, rel string, mods []synth.Modification) (*artifact.Modified, error) {
	m, err := c.modify(ctx, rel, mods)
	if err != nil {
		logging.CoordinatorError("modification of %s failed: %v", rel, err)
		c.bus.Emit(bus.ModifyFailed, ModifyFailedPayload{Path: rel, Modifications: mods, Error: err.Error()})
		return nil, err
	}
	logging.Coordinator("modified %s: %s", m.Path, strings.Join(m.Applied, ", "))
	c.bus.Emit(bus.ModifyComplete, *m)
	return m, nil
}

func (c *Coordinator) modify(ctx context.Context, p string, mods []synth.Modification) (*artifact.Modified, error) {
	if len(mods) == 0 {
		return nil, &ValidationError{Field: "modifications", Reason: "empty"}
	}
	rel, abs, err := c.resolve(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	res, err := c.stage.Modify(ctx, string(data), mods)
	if err != nil {
		return nil, fmt.Errorf("modify %s: %w", rel, err)
	}
	if err := writeFile(abs, res.Source); err != nil {
		return nil, err
	}

	now := c.opts.Now()
	c.mu.Lock()
	a := c.latest(rel)
	if a == nil {
		a = &artifact.Artifact{
			ID:        c.opts.NewID(),
			Purpose:   artifact.Stem(rel),
			Type:      c.opts.DefaultType,
			Path:      rel,
			CreatedAt: now,
		}
		c.history = append(c.history, a)
		c.active[a.ID] = a
	}
	a.Source = res.Source
	a.Status = artifact.StatusPending
	a.Error = ""
	a.UpdatedAt = now
	c.lastHash[rel] = a.Hash()
	snapshot := a.Clone()
	c.mu.Unlock()

	return &artifact.Modified{
		Path:     rel,
		Applied:  append([]string(nil), res.Applied...),
		Artifact: snapshot,
	}, nil
}

// =============================================================================
// DEBUGGING AND TESTS
// =============================================================================

// RequestDebugging diagnoses req.Error. With AutoFix the most confident fix
// is applied through RequestModification.
func (c *Coordinator) RequestDebugging(ctx context.Context, req DebugRequest) (*DebugResult, error) {
	res, err := c.debug(ctx, req)
	if err != nil {
		logging.CoordinatorError("debugging %q failed: %v", req.Error, err)
		c.bus.Emit(bus.DebugFailed, DebugFailedPayload{Request: req, Error: err.Error()})
		return nil, err
	}
	c.bus.Emit(bus.DebugComplete, *res)
	return res, nil
}

func (c *Coordinator) debug(ctx context.Context, req DebugRequest) (*DebugResult, error) {
	if strings.TrimSpace(req.Error) == "" {
		return nil, &ValidationError{Field: "error", Reason: "empty"}
	}
	failure := synth.Failure{Error: req.Error, Operation: req.Operation}
	if req.Path != "" {
		rel, abs, err := c.resolve(req.Path)
		if err != nil {
			return nil, err
		}
		failure.Path = rel
		if data, err := os.ReadFile(abs); err == nil {
			failure.Source = string(data)
		}
	}

	diag, err := c.stage.Diagnose(ctx, failure)
	if err != nil {
		return nil, fmt.Errorf("diagnose: %w", err)
	}
	res := &DebugResult{Request: req, Diagnosis: diag}
	if !req.AutoFix || len(diag.Fixes) == 0 {
		return res, nil
	}
	if failure.Path == "" {
		return nil, &ValidationError{Field: "path", Reason: "auto-fix needs the module path"}
	}
	fix := diag.Fixes[0]
	logging.CoordinatorDebug("auto-fixing %s: %s (confidence %.2f)", failure.Path, fix.Description, fix.Confidence)
	m, err := c.RequestModification(ctx, failure.Path, []synth.Modification{fix.Modification})
	if err != nil {
		return nil, fmt.Errorf("apply fix %q: %w", fix.Description, err)
	}
	res.Applied = m.Applied
	return res, nil
}

// RequestTests writes <stem>_test.go beside the module at rel and emits
// tests-generated.
func (c *Coordinator) RequestTests(ctx context.Context, rel string) (*TestsGenerated, error) {
	rel, abs, err := c.resolve(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	suite, err := c.stage.GenerateTests(ctx, synth.TestSpec{ModulePath: rel, Source: string(data)})
	if err != nil {
		return nil, fmt.Errorf("generate tests for %s: %w", rel, err)
	}

	testRel := path.Join(path.Dir(rel), artifact.Stem(rel)+"_test.go")
	if err := writeFile(filepath.Join(c.opts.Workspace, filepath.FromSlash(testRel)), suite.Source); err != nil {
		return nil, err
	}
	out := &TestsGenerated{Module: rel, TestFile: testRel, Methods: suite.Methods}
	logging.Coordinator("generated %d tests for %s in %s", len(out.Methods), rel, testRel)
	c.bus.Emit(bus.TestsGenerated, *out)
	return out, nil
}

// =============================================================================
// BUS HANDLERS
// =============================================================================

func (c *Coordinator) onGenerateRequest(ev bus.Event) {
	var req artifact.Request
	switch p := ev.Payload.(type) {
	case artifact.Request:
		req = p
	case *artifact.Request:
		if p == nil {
			return
		}
		req = *p
	default:
		c.bus.Emit(bus.GenerateFailed, GenerateFailedPayload{Error: fmt.Sprintf("unsupported payload %T", ev.Payload)})
		return
	}
	_, _ = c.RequestGeneration(context.Background(), req)
}

func (c *Coordinator) onModifyRequest(ev bus.Event) {
	req, ok := ev.Payload.(ModifyRequest)
	if !ok {
		logging.CoordinatorError("modify-request with unsupported payload %T", ev.Payload)
		return
	}
	_, _ = c.RequestModification(context.Background(), req.Path, req.Modifications)
}

func (c *Coordinator) onDebugRequest(ev bus.Event) {
	req, ok := ev.Payload.(DebugRequest)
	if !ok {
		logging.CoordinatorError("debug-request with unsupported payload %T", ev.Payload)
		return
	}
	_, _ = c.RequestDebugging(context.Background(), req)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
