package synth

import (
	"bytes"
	"context"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/token"
	"sort"

	"hotforge/internal/plugin"
)

const testTemplate = `package {{.Package}}

import "testing"

func TestDescriptor(t *testing.T) {
	d := Descriptor()
	if d["contract"] != {{quote .Contract}} {
		t.Fatalf("contract = %v", d["contract"])
	}
	if name, _ := d["name"].(string); name == "" {
		t.Fatal("descriptor has no name")
	}
}
{{range .Operations}}
func Test{{.}}(t *testing.T) {
	if _, err := {{.}}(map[string]any{}); err != nil {
		t.Fatalf("{{.}}: %v", err)
	}
	if _, err := {{.}}(nil); err != nil {
		t.Fatalf("{{.}}(nil): %v", err)
	}
}
{{end}}
{{- if .SelfTest}}
func TestSelfTest(t *testing.T) {
	if err := SelfTest(); err != nil {
		t.Fatal(err)
	}
}
{{end}}`

// TestSpec identifies the module to generate tests for.
type TestSpec struct {
	ModulePath string
	Source     string
}

// TestSuite is the result of GenerateTests.
type TestSuite struct {
	Source  string   `json:"source"`
	Methods []string `json:"methods"`
}

// GenerateTests writes a go test file exercising the descriptor and every
// exported operation with the handler signature.
func (s *TemplateStage) GenerateTests(ctx context.Context, spec TestSpec) (*TestSuite, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	f, err := parser.ParseFile(token.NewFileSet(), spec.ModulePath, spec.Source, 0)
	if err != nil {
		return nil, fmt.Errorf("generate tests: parse %s: %w", spec.ModulePath, err)
	}

	data := struct {
		Package    string
		Contract   string
		Operations []string
		SelfTest   bool
	}{Package: f.Name.Name, Contract: plugin.ContractVersion}

	hasDescriptor := false
	for _, d := range f.Decls {
		fn, ok := d.(*ast.FuncDecl)
		if !ok || fn.Recv != nil || !fn.Name.IsExported() {
			continue
		}
		switch fn.Name.Name {
		case plugin.SymbolDescriptor:
			hasDescriptor = true
		case plugin.SymbolSelfTest:
			data.SelfTest = true
		case plugin.SymbolStart, plugin.SymbolShutdown:
		default:
			if isHandlerSignature(fn.Type) {
				data.Operations = append(data.Operations, fn.Name.Name)
			}
		}
	}
	if !hasDescriptor {
		return nil, fmt.Errorf("generate tests: %s does not export %s", spec.ModulePath, plugin.SymbolDescriptor)
	}
	sort.Strings(data.Operations)

	var buf bytes.Buffer
	if err := s.tests.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("generate tests: %w", err)
	}
	out, err := format.Source(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("generate tests: rendered source does not parse: %w", err)
	}

	methods := append([]string{plugin.SymbolDescriptor}, data.Operations...)
	if data.SelfTest {
		methods = append(methods, plugin.SymbolSelfTest)
	}
	return &TestSuite{Source: string(out), Methods: methods}, nil
}

// isHandlerSignature matches func(map[string]any) (map[string]any, error).
func isHandlerSignature(ft *ast.FuncType) bool {
	if ft.Params == nil || len(ft.Params.List) != 1 || len(ft.Params.List[0].Names) > 1 {
		return false
	}
	if _, ok := ft.Params.List[0].Type.(*ast.MapType); !ok {
		return false
	}
	if ft.Results == nil || len(ft.Results.List) != 2 {
		return false
	}
	if _, ok := ft.Results.List[0].Type.(*ast.MapType); !ok {
		return false
	}
	id, ok := ft.Results.List[1].Type.(*ast.Ident)
	return ok && id.Name == "error"
}
