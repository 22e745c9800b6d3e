package integration

import (
	"bytes"
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"hotforge/internal/config"
)

// Checker validates that a source is syntactically sound.
type Checker interface {
	Check(ctx context.Context, path, source string) error
}

// ParseChecker parses the source in process with go/parser.
type ParseChecker struct{}

func (ParseChecker) Check(ctx context.Context, path, source string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := parser.ParseFile(token.NewFileSet(), path, source, parser.AllErrors); err != nil {
		return err
	}
	return nil
}

// CommandChecker runs gofmt -e -l on the on-disk file.
type CommandChecker struct {
	Binary string
}

func (c CommandChecker) Check(ctx context.Context, path, _ string) error {
	bin := c.Binary
	if bin == "" {
		bin = "gofmt"
	}
	cmd := exec.CommandContext(ctx, bin, "-e", "-l", path)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s", msg)
		}
		return err
	}
	return nil
}

// NewChecker picks the checker for a validation mode.
func NewChecker(cfg config.IntegrationConfig) Checker {
	if cfg.ValidationMode == config.ValidationGofmt {
		return CommandChecker{Binary: cfg.GofmtBinary}
	}
	return ParseChecker{}
}

// =============================================================================
// SAFETY CHECKER
// =============================================================================
// Rejects modules that reach for capabilities the host did not grant. This
// is a policy gate, not a sandbox.

// SafetyViolation describes one policy hit.
type SafetyViolation struct {
	Location    string `json:"location"`
	Description string `json:"description"`
	Blocking    bool   `json:"blocking"`
}

// SafetyChecker validates module imports and calls against policy.
type SafetyChecker struct {
	forbiddenImports []string
	forbiddenCalls   []*regexp.Regexp
	suspiciousCalls  []*regexp.Regexp
}

// NewSafetyChecker builds the policy from the integration config.
func NewSafetyChecker(cfg config.IntegrationConfig) *SafetyChecker {
	sc := &SafetyChecker{
		forbiddenImports: []string{
			"unsafe",
			"syscall",
			"runtime/cgo",
			"plugin",
			"debug/",
		},
	}
	if !cfg.AllowExec {
		sc.forbiddenImports = append(sc.forbiddenImports, "os/exec")
	}
	if !cfg.AllowNetworking {
		sc.forbiddenImports = append(sc.forbiddenImports, "net", "net/http", "net/rpc", "crypto/tls")
	}
	sc.forbiddenCalls = []*regexp.Regexp{
		regexp.MustCompile(`\bos\.(Exit|RemoveAll)\b`),
		regexp.MustCompile(`\bunsafe\.Pointer\b`),
	}
	sc.suspiciousCalls = []*regexp.Regexp{
		regexp.MustCompile(`\bos\.(Setenv|Chdir|Chmod|Rename)\b`),
	}
	return sc
}

// Check returns every violation found; blocking ones fail validation.
func (sc *SafetyChecker) Check(path, source string) ([]SafetyViolation, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, path, source, parser.ImportsOnly)
	if err != nil {
		return nil, err
	}

	var violations []SafetyViolation
	for _, imp := range f.Imports {
		p, _ := strconv.Unquote(imp.Path.Value)
		if p == "C" {
			violations = append(violations, SafetyViolation{
				Location:    fset.Position(imp.Pos()).String(),
				Description: "cgo is not supported by the interpreter",
				Blocking:    true,
			})
			continue
		}
		for _, forbidden := range sc.forbiddenImports {
			if p == forbidden || (strings.HasSuffix(forbidden, "/") && strings.HasPrefix(p, forbidden)) {
				violations = append(violations, SafetyViolation{
					Location:    fset.Position(imp.Pos()).String(),
					Description: fmt.Sprintf("forbidden import: %s", p),
					Blocking:    true,
				})
			}
		}
	}
	for i, line := range strings.Split(source, "\n") {
		for _, pattern := range sc.forbiddenCalls {
			if m := pattern.FindString(line); m != "" {
				violations = append(violations, SafetyViolation{
					Location:    fmt.Sprintf("%s:%d", path, i+1),
					Description: fmt.Sprintf("forbidden call: %s", m),
					Blocking:    true,
				})
			}
		}
		for _, pattern := range sc.suspiciousCalls {
			if m := pattern.FindString(line); m != "" {
				violations = append(violations, SafetyViolation{
					Location:    fmt.Sprintf("%s:%d", path, i+1),
					Description: fmt.Sprintf("suspicious call: %s", m),
				})
			}
		}
	}

	var blocking []string
	for _, v := range violations {
		if v.Blocking {
			blocking = append(blocking, v.Description)
		}
	}
	if len(blocking) > 0 {
		return violations, fmt.Errorf("safety policy: %s", strings.Join(blocking, "; "))
	}
	return violations, nil
}
