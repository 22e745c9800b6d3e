package synth

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Failure describes an error observed in a loaded module.
type Failure struct {
	Error     string
	Path      string
	Operation string
	Source    string
}

// Fix is one candidate repair.
type Fix struct {
	Description  string       `json:"description"`
	Confidence   float64      `json:"confidence"` // 0.0 - 1.0
	Modification Modification `json:"modification"`
}

// Diagnosis is the result of Diagnose.
type Diagnosis struct {
	Suggestions []string `json:"suggestions"`
	Fixes       []Fix    `json:"fixes"` // best first
}

// diagnosisRule maps an error pattern to suggestions and a fix builder.
type diagnosisRule struct {
	pattern    *regexp.Regexp
	suggestion string
	fix        func(f Failure, match []string) *Fix
}

var diagnosisRules = []diagnosisRule{
	{
		pattern:    regexp.MustCompile(`assignment to entry in nil map`),
		suggestion: "initialise map parameters before writing to them",
		fix:        guardFix(0.8),
	},
	{
		pattern:    regexp.MustCompile(`(?i)nil pointer dereference|invalid memory address`),
		suggestion: "check inputs for nil before use",
		fix:        guardFix(0.6),
	},
	{
		pattern:    regexp.MustCompile(`undefined: ([A-Za-z_][A-Za-z0-9_]*)`),
		suggestion: "a referenced identifier is not declared or imported",
		fix: func(f Failure, m []string) *Fix {
			if path, ok := knownPackages[m[1]]; ok {
				return &Fix{
					Description:  fmt.Sprintf("import %q", path),
					Confidence:   0.9,
					Modification: Modification{Type: ModAddImport, Import: path},
				}
			}
			if !isExported(m[1]) {
				return nil
			}
			return &Fix{
				Description:  fmt.Sprintf("add a stub for %s", m[1]),
				Confidence:   0.5,
				Modification: Modification{Type: ModAddOperation, Name: m[1]},
			}
		},
	},
	{
		pattern:    regexp.MustCompile(`index out of range`),
		suggestion: "bound slice and array accesses by their length",
		fix:        nil,
	},
	{
		pattern:    regexp.MustCompile(`(?i)deadline exceeded|timed out`),
		suggestion: "the operation took longer than its stage budget; reduce work per call or raise the timeout",
		fix:        nil,
	},
	{
		pattern:    regexp.MustCompile(`(?i)imported and not used|not used`),
		suggestion: "remove unused imports and variables",
		fix: func(Failure, []string) *Fix {
			return &Fix{
				Description:  "normalise the source",
				Confidence:   0.3,
				Modification: Modification{Type: ModOptimize},
			}
		},
	},
}

// knownPackages resolves common package names for missing-import fixes.
var knownPackages = map[string]string{
	"fmt":     "fmt",
	"strings": "strings",
	"strconv": "strconv",
	"errors":  "errors",
	"time":    "time",
	"sort":    "sort",
	"sync":    "sync",
	"json":    "encoding/json",
	"math":    "math",
	"bytes":   "bytes",
	"regexp":  "regexp",
}

func guardFix(confidence float64) func(Failure, []string) *Fix {
	return func(f Failure, _ []string) *Fix {
		if f.Operation == "" {
			return nil
		}
		return &Fix{
			Description:  fmt.Sprintf("guard %s against nil inputs", f.Operation),
			Confidence:   confidence,
			Modification: Modification{Type: ModGuardOperation, Name: f.Operation},
		}
	}
}

// Diagnose matches the failure against the rule table.
func (s *TemplateStage) Diagnose(ctx context.Context, failure Failure) (*Diagnosis, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	msg := strings.TrimSpace(failure.Error)
	if msg == "" {
		return nil, fmt.Errorf("diagnose: empty error")
	}

	d := &Diagnosis{}
	for _, rule := range diagnosisRules {
		m := rule.pattern.FindStringSubmatch(msg)
		if m == nil {
			continue
		}
		d.Suggestions = append(d.Suggestions, rule.suggestion)
		if rule.fix == nil {
			continue
		}
		if fix := rule.fix(failure, m); fix != nil {
			d.Fixes = append(d.Fixes, *fix)
		}
	}
	if len(d.Suggestions) == 0 {
		d.Suggestions = append(d.Suggestions, "no known pattern matched; inspect the module self-test output")
	}
	sort.SliceStable(d.Fixes, func(i, j int) bool { return d.Fixes[i].Confidence > d.Fixes[j].Confidence })
	return d, nil
}
