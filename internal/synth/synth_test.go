package synth

import (
	"context"
	"go/parser"
	"go/token"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hotforge/internal/plugin"
)

var _ Stage = (*TemplateStage)(nil)

func mustParse(t *testing.T, src string) {
	t.Helper()
	_, err := parser.ParseFile(token.NewFileSet(), "gen.go", src, parser.ParseComments)
	require.NoError(t, err, src)
}

func TestOperationName(t *testing.T) {
	tests := map[string]string{
		"data-processor":        "DataProcessor",
		"performance optimizer": "PerformanceOptimizer",
		"404-handler":           "Op404Handler",
		"":                      "Run",
		"---":                   "Run",
	}
	for in, want := range tests {
		assert.Equal(t, want, OperationName(in), in)
	}
}

func TestGenerate_IsDeterministic(t *testing.T) {
	s := NewTemplateStage()
	spec := Spec{
		Name:         "data-processor",
		Purpose:      "data processor",
		Kind:         plugin.KindModule,
		Requirements: map[string]string{"b": "2", "a": "1"},
		Dependencies: []string{"strings", "fmt"},
	}
	first, err := s.Generate(context.Background(), spec)
	require.NoError(t, err)
	second, err := s.Generate(context.Background(), spec)
	require.NoError(t, err)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("generation differs (-first +second):\n%s", diff)
	}
	mustParse(t, first.Source)
	assert.Contains(t, first.Source, "func DataProcessor(input map[string]any)")
	assert.Contains(t, first.Source, "//forge:require fmt\n//forge:require strings")
	assert.Less(t, strings.Index(first.Source, `"a": "1"`), strings.Index(first.Source, `"b": "2"`))
	assert.Equal(t, "template", first.Metadata["strategy"])
}

func TestGenerate_PerKind(t *testing.T) {
	s := NewTemplateStage()
	tests := []struct {
		name string
		spec Spec
		want []string
	}{
		{
			name: "endpoint defaults route from name",
			spec: Spec{Name: "users", Kind: plugin.KindEndpoint},
			want: []string{`"kind":     "endpoint"`, `"path":       "/users"`, `"method":     "GET"`, `"route", "name": "GET /users"`},
		},
		{
			name: "endpoint keeps declared middleware",
			spec: Spec{Name: "orders", Kind: plugin.KindEndpoint, Endpoint: &plugin.EndpointSpec{Path: "/api/orders", Method: "post", Middleware: []string{"logging", "recover"}}},
			want: []string{`"/api/orders"`, `"POST"`, `[]string{"logging", "recover"}`},
		},
		{
			name: "handler lists events",
			spec: Spec{Name: "billing", Kind: plugin.KindHandler, Handles: []string{"invoice-created"}},
			want: []string{`"handles": []string{"invoice-created"}`, `{"kind": "consumes", "name": "invoice-created"}`},
		},
		{
			name: "extension",
			spec: Spec{Name: "memory", Kind: plugin.KindExtension},
			want: []string{`"kind":     "extension"`, `{"kind": "emits", "name": "memory-processed"}`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen, err := s.Generate(context.Background(), tt.spec)
			require.NoError(t, err)
			mustParse(t, gen.Source)
			for _, w := range tt.want {
				assert.Contains(t, gen.Source, w)
			}
		})
	}
}

func TestGenerate_RejectsOtherLanguages(t *testing.T) {
	_, err := NewTemplateStage().Generate(context.Background(), Spec{Name: "x", Language: "javascript"})
	assert.Error(t, err)
}

func TestGenerate_AvoidsWellKnownSymbols(t *testing.T) {
	gen, err := NewTemplateStage().Generate(context.Background(), Spec{Name: "handle"})
	require.NoError(t, err)
	assert.Contains(t, gen.Source, "func HandleOp(")
	mustParse(t, gen.Source)
}

func TestAnalyze_Go(t *testing.T) {
	s := NewTemplateStage()
	gen, err := s.Generate(context.Background(), Spec{Name: "data-processor"})
	require.NoError(t, err)

	a, err := s.Analyze(context.Background(), Source{Language: "go", Text: gen.Source})
	require.NoError(t, err)
	assert.Equal(t, []string{"fmt", "sync"}, a.Patterns.Imports)
	assert.Equal(t, []string{"data-processor-processed"}, a.Patterns.Emits)
	assert.Contains(t, a.Patterns.Operations, "DataProcessor")
	assert.Contains(t, a.Patterns.Functions, "Descriptor")
	assert.Greater(t, a.Stats.Branches, 0)
	assert.Equal(t, 1+a.Stats.Branches, a.Stats.Cyclomatic)
	assert.GreaterOrEqual(t, a.Stats.MaxNesting, 2)
	assert.Greater(t, a.Stats.Lines, 10)
}

func TestAnalyze_JavaScriptAndPython(t *testing.T) {
	s := NewTemplateStage()

	js := `import { bus } from './bus.js';
export function process(x) {
	if (x && x.ok) { bus.emit('processed', x); }
	return x;
}
function helper() {}
`
	a, err := s.Analyze(context.Background(), Source{Language: "javascript", Text: js})
	require.NoError(t, err)
	assert.Equal(t, []string{"process", "helper"}, a.Patterns.Functions)
	assert.Equal(t, []string{"process"}, a.Patterns.Operations)
	assert.Equal(t, []string{"processed"}, a.Patterns.Emits)
	assert.Equal(t, []string{"./bus.js"}, a.Patterns.Imports)
	assert.Equal(t, 3, a.Stats.Cyclomatic)

	py := `import os
from collections import deque

def run(x):
    if x:
        emit("ran", x)

def _private():
    pass
`
	a, err = s.Analyze(context.Background(), Source{Language: "python", Text: py})
	require.NoError(t, err)
	assert.Equal(t, []string{"run"}, a.Patterns.Operations)
	assert.Equal(t, []string{"ran"}, a.Patterns.Emits)
	assert.Equal(t, []string{"collections", "os"}, a.Patterns.Imports)
}

func TestAnalyze_UnknownLanguage(t *testing.T) {
	_, err := NewTemplateStage().Analyze(context.Background(), Source{Language: "cobol", Text: "x"})
	assert.Error(t, err)
	assert.Equal(t, []string{"go", "javascript", "python"}, Languages())
}

func TestOptimize(t *testing.T) {
	src := "package main\n\nimport (\n\t\"sync\"\n\t\"fmt\"\n)\n\nvar _ = fmt.Sprint   \nvar _ sync.Mutex\n"
	opt, err := NewTemplateStage().Optimize(context.Background(), src, OptimizeContext{Language: "go"})
	require.NoError(t, err)
	assert.Equal(t, []string{ImprovementTrailingSpace, ImprovementImports, ImprovementFormat}, opt.Improvements)
	assert.Less(t, strings.Index(opt.Source, `"fmt"`), strings.Index(opt.Source, `"sync"`))

	again, err := NewTemplateStage().Optimize(context.Background(), opt.Source, OptimizeContext{})
	require.NoError(t, err)
	assert.Empty(t, again.Improvements, "optimize is idempotent")

	js, err := NewTemplateStage().Optimize(context.Background(), "let x = 1  ", OptimizeContext{Language: "javascript"})
	require.NoError(t, err)
	assert.Equal(t, "let x = 1  ", js.Source)
}

func TestModify(t *testing.T) {
	s := NewTemplateStage()
	gen, err := s.Generate(context.Background(), Spec{Name: "worker"})
	require.NoError(t, err)

	res, err := s.Modify(context.Background(), gen.Source, []Modification{
		{Type: ModAddImport, Import: "strings"},
		{Type: ModAddField, Name: "prefix", FieldType: "string", Code: `"job-"`},
		{Type: ModAddOperation, Code: "func Label(input map[string]any) (map[string]any, error) {\n\treturn map[string]any{\"label\": strings.ToUpper(prefix)}, nil\n}"},
		{Type: ModModifyOperation, Name: "Label", Code: "return map[string]any{\"label\": strings.TrimSuffix(prefix, \"-\")}, nil"},
		{Type: ModGuardOperation, Name: "Label"},
		{Type: ModOptimize},
	})
	require.NoError(t, err)
	mustParse(t, res.Source)
	require.Len(t, res.Applied, 6)
	assert.Equal(t, "add-import strings", res.Applied[0])
	assert.Contains(t, res.Source, `var prefix string = "job-"`)
	assert.Contains(t, res.Source, `strings.TrimSuffix(prefix, "-")`)
	assert.NotContains(t, res.Source, "strings.ToUpper(prefix)")
	assert.Contains(t, res.Source, "if input == nil {\n\t\tinput = map[string]any{}\n\t}\n\treturn map[string]any{\"label\"")
}

func TestModify_GuardKeepsBodyAdjacent(t *testing.T) {
	src := "package m\n\nfunc F(in map[string]any) map[string]any { return in }\n"
	res, err := NewTemplateStage().Modify(context.Background(), src, []Modification{{Type: ModGuardOperation, Name: "F"}})
	require.NoError(t, err)
	assert.Contains(t, res.Source, "{\n\tif in == nil {\n\t\tin = map[string]any{}\n\t}\n\treturn in\n}")
}

func TestModify_Errors(t *testing.T) {
	s := NewTemplateStage()
	gen, err := s.Generate(context.Background(), Spec{Name: "worker"})
	require.NoError(t, err)

	tests := []struct {
		name string
		mod  Modification
	}{
		{"unknown type", Modification{Type: "rename"}},
		{"missing operation", Modification{Type: ModModifyOperation, Name: "Nope", Code: "return nil, nil"}},
		{"duplicate operation", Modification{Type: ModAddOperation, Name: "Worker"}},
		{"duplicate field", Modification{Type: ModAddField, Name: "calls"}},
		{"bad statements", Modification{Type: ModModifyOperation, Name: "Worker", Code: "return (("}},
		{"nothing to guard", Modification{Type: ModGuardOperation, Name: "SelfTest"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Modify(context.Background(), gen.Source, []Modification{tt.mod})
			assert.Error(t, err)
		})
	}

	_, err = s.Modify(context.Background(), gen.Source, nil)
	assert.Error(t, err)

	res, err := s.Modify(context.Background(), gen.Source, []Modification{{Type: ModAddImport, Import: "fmt"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"add-import fmt (already present)"}, res.Applied)
}

func TestDiagnose(t *testing.T) {
	s := NewTemplateStage()

	d, err := s.Diagnose(context.Background(), Failure{Error: "panic: assignment to entry in nil map", Operation: "Process"})
	require.NoError(t, err)
	require.Len(t, d.Fixes, 1)
	assert.Equal(t, Modification{Type: ModGuardOperation, Name: "Process"}, d.Fixes[0].Modification)

	d, err = s.Diagnose(context.Background(), Failure{Error: "1:20: undefined: strings"})
	require.NoError(t, err)
	require.NotEmpty(t, d.Fixes)
	assert.Equal(t, Modification{Type: ModAddImport, Import: "strings"}, d.Fixes[0].Modification)

	d, err = s.Diagnose(context.Background(), Failure{Error: "undefined: Normalize; x declared and not used"})
	require.NoError(t, err)
	require.Len(t, d.Fixes, 2)
	assert.Equal(t, ModAddOperation, d.Fixes[0].Modification.Type, "fixes are ranked by confidence")
	assert.Equal(t, ModOptimize, d.Fixes[1].Modification.Type)

	d, err = s.Diagnose(context.Background(), Failure{Error: "something odd"})
	require.NoError(t, err)
	assert.Empty(t, d.Fixes)
	assert.Len(t, d.Suggestions, 1)

	_, err = s.Diagnose(context.Background(), Failure{})
	assert.Error(t, err)
}

func TestGenerateTests(t *testing.T) {
	s := NewTemplateStage()
	gen, err := s.Generate(context.Background(), Spec{Name: "data-processor"})
	require.NoError(t, err)

	suite, err := s.GenerateTests(context.Background(), TestSpec{ModulePath: "generated/dp.go", Source: gen.Source})
	require.NoError(t, err)
	mustParse(t, suite.Source)
	assert.Equal(t, []string{"Descriptor", "DataProcessor", "Handle", "SelfTest"}, suite.Methods)
	assert.Contains(t, suite.Source, "func TestDataProcessor(t *testing.T)")
	assert.Contains(t, suite.Source, "func TestSelfTest(t *testing.T)")

	_, err = s.GenerateTests(context.Background(), TestSpec{ModulePath: "x.go", Source: "package main\n"})
	assert.Error(t, err)
}
