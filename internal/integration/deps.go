package integration

import (
	"bytes"
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"hotforge/internal/logging"
)

// RequireDirective declares an extra dependency inside a module source:
//
//	//forge:require example.com/widgets
const RequireDirective = "//forge:require"

// DependencySet is the outcome of dependency analysis.
type DependencySet struct {
	Required []string `json:"required"`
	Missing  []string `json:"missing"`
}

// Resolver reports whether an import path can be resolved by the loader.
type Resolver interface {
	Available(spec string) bool
}

// Installer makes missing import paths resolvable.
type Installer interface {
	Install(ctx context.Context, specs []string) error
}

// isRelative reports specifiers that name files rather than packages.
func isRelative(spec string) bool {
	return spec == "." || spec == ".." ||
		strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../") || strings.HasPrefix(spec, "/")
}

// RequiredImports returns the sorted, deduplicated import paths and
// require directives of a Go source. Relative specifiers are dropped.
func RequiredImports(source string) ([]string, error) {
	f, err := parser.ParseFile(token.NewFileSet(), "module.go", source, parser.ImportsOnly|parser.ParseComments)
	if err != nil {
		return nil, fmt.Errorf("parse imports: %w", err)
	}

	seen := make(map[string]bool)
	add := func(spec string) {
		spec = strings.TrimSpace(spec)
		if spec == "" || isRelative(spec) || seen[spec] {
			return
		}
		seen[spec] = true
	}
	for _, imp := range f.Imports {
		p, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			continue
		}
		add(p)
	}
	for _, group := range f.Comments {
		for _, c := range group.List {
			if rest, ok := strings.CutPrefix(c.Text, RequireDirective); ok {
				for _, spec := range strings.Fields(rest) {
					add(spec)
				}
			}
		}
	}

	out := make([]string, 0, len(seen))
	for spec := range seen {
		out = append(out, spec)
	}
	sort.Strings(out)
	return out, nil
}

// AnalyzeDependencies computes the required set and which members the
// resolver cannot resolve.
func AnalyzeDependencies(source string, r Resolver) (DependencySet, error) {
	required, err := RequiredImports(source)
	if err != nil {
		return DependencySet{}, err
	}
	set := DependencySet{Required: required}
	for _, spec := range required {
		if !r.Available(spec) {
			set.Missing = append(set.Missing, spec)
		}
	}
	return set, nil
}

// ExecInstaller runs Command followed by the missing specifiers.
type ExecInstaller struct {
	Command []string
	Dir     string
	GoPath  string
}

// Install runs the configured command under ctx.
func (e ExecInstaller) Install(ctx context.Context, specs []string) error {
	if len(e.Command) == 0 {
		return fmt.Errorf("no install command configured")
	}
	args := append(append([]string(nil), e.Command[1:]...), specs...)
	cmd := exec.CommandContext(ctx, e.Command[0], args...)
	cmd.Dir = e.Dir
	cmd.Env = os.Environ()
	if e.GoPath != "" {
		cmd.Env = append(cmd.Env, "GOPATH="+e.GoPath)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	logging.IntegrationDebug("installing %v with %v", specs, e.Command)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", strings.Join(e.Command, " "), err, strings.TrimSpace(out.String()))
	}
	return nil
}
