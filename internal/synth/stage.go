// Package synth turns a generation specification into Go source and offers
// the analysis, rewrite and diagnosis operations the coordinator builds on.
//
// Every operation is pure: no file system, no clock, no network. The same
// input always yields the same output.
package synth

import (
	"context"
	"strings"
	"unicode"

	"hotforge/internal/plugin"
)

// Stage is the synthesis strategy seen by the coordinator.
type Stage interface {
	Analyze(ctx context.Context, src Source) (*Analysis, error)
	Optimize(ctx context.Context, source string, octx OptimizeContext) (*Optimization, error)
	Generate(ctx context.Context, spec Spec) (*Generation, error)
	Modify(ctx context.Context, source string, mods []Modification) (*ModifyResult, error)
	Diagnose(ctx context.Context, failure Failure) (*Diagnosis, error)
	GenerateTests(ctx context.Context, spec TestSpec) (*TestSuite, error)
}

// LanguageGo is the only language Generate accepts.
const LanguageGo = "go"

// Source is text to analyze.
type Source struct {
	Language string
	Text     string
}

// Analysis is the result of Analyze.
type Analysis struct {
	Language string   `json:"language"`
	Patterns Patterns `json:"patterns"`
	Stats    Stats    `json:"stats"`
}

// Patterns lists the constructs found in a source.
type Patterns struct {
	Functions  []string `json:"functions"`
	Operations []string `json:"operations"` // exported functions
	Emits      []string `json:"emits"`      // literal event names passed to emit
	Imports    []string `json:"imports"`
}

// Stats are size and complexity measures.
type Stats struct {
	Lines      int `json:"lines"`
	Nodes      int `json:"nodes"`
	Branches   int `json:"branches"`
	Cyclomatic int `json:"cyclomatic"`
	MaxNesting int `json:"maxNesting"`
}

// OptimizeContext carries what Optimize may take into account.
type OptimizeContext struct {
	Language    string
	Analysis    *Analysis
	Constraints []string
}

// Optimization is the result of Optimize.
type Optimization struct {
	Source       string   `json:"source"`
	Improvements []string `json:"improvements"`
}

// Spec describes one module to generate.
type Spec struct {
	Name         string // descriptor name, usually the purpose slug
	Purpose      string
	Type         string
	Kind         plugin.Kind
	Language     string
	Package      string // defaults to main
	Operation    string // primary exported operation, derived from Name when empty
	Endpoint     *plugin.EndpointSpec
	Handles      []string
	Dependencies []string
	Requirements map[string]string
}

// Generation is the result of Generate.
type Generation struct {
	Source   string            `json:"source"`
	Metadata map[string]string `json:"metadata"`
}

// OperationName turns a purpose or slug into an exported Go identifier.
// "data-processor" becomes "DataProcessor".
func OperationName(purpose string) string {
	var b strings.Builder
	upper := true
	for _, r := range purpose {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if b.Len() == 0 && unicode.IsDigit(r) {
				b.WriteString("Op")
			}
			if upper {
				b.WriteRune(unicode.ToUpper(r))
				upper = false
			} else {
				b.WriteRune(r)
			}
		default:
			upper = true
		}
	}
	if b.Len() == 0 {
		return "Run"
	}
	return b.String()
}

func isExported(name string) bool {
	for _, r := range name {
		return unicode.IsUpper(r)
	}
	return false
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
