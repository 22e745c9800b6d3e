package synth

import (
	"bytes"
	"context"
	"fmt"
	"go/format"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"hotforge/internal/logging"
	"hotforge/internal/plugin"
)

// =============================================================================
// MODULE TEMPLATES
// =============================================================================

// Every generated module follows the loader contract: Descriptor is always
// exported, Start keeps the injected emit function, Shutdown drops it,
// SelfTest exercises the primary operation, and Handle forwards to it.

const moduleTemplate = `// Code generated by hotforge for "{{.Purpose}}".
{{- range .Dependencies}}
//forge:require {{.}}
{{- end}}

package {{.Package}}

import (
	"fmt"
	"sync"
)

var (
	mu     sync.Mutex
	emitFn func(string, map[string]any) bool
	calls  int
)
{{if .Requirements}}
var requirements = map[string]string{
{{- range $k, $v := .Requirements}}
	{{quote $k}}: {{quote $v}},
{{- end}}
}
{{end}}
// Descriptor declares {{.Name}} to the loader.
func Descriptor() map[string]any {
	return map[string]any{
		"contract": {{quote .Contract}},
		"name":     {{quote .Name}},
		"version":  "0.1.0",
		"kind":     {{quote .Kind}},
		"capabilities": []map[string]any{
			{"kind": "operation", "name": {{quote .Operation}}},
			{"kind": "emits", "name": {{quote .Event}}},
{{- if .Endpoint}}
			{"kind": "route", "name": {{quote .Route}}},
{{- end}}
{{- range .Handles}}
			{"kind": "consumes", "name": {{quote .}}},
{{- end}}
		},
{{- if .Endpoint}}
		"endpoint": map[string]any{
			"path":       {{quote .Endpoint.Path}},
			"method":     {{quote .Endpoint.Method}},
			"middleware": []string{ {{- range $i, $m := .Endpoint.Middleware}}{{if $i}}, {{end}}{{quote $m}}{{end -}} },
		},
{{- end}}
{{- if .Handles}}
		"handles": []string{ {{- range $i, $h := .Handles}}{{if $i}}, {{end}}{{quote $h}}{{end -}} },
{{- end}}
	}
}

// Start keeps the bus emitter for later use.
func Start(emit func(string, map[string]any) bool) error {
	mu.Lock()
	defer mu.Unlock()
	emitFn = emit
	return nil
}

// Shutdown releases the bus emitter.
func Shutdown() error {
	mu.Lock()
	defer mu.Unlock()
	emitFn = nil
	return nil
}

// {{.Operation}} is the primary operation of {{.Name}}.
func {{.Operation}}(input map[string]any) (map[string]any, error) {
	if input == nil {
		input = map[string]any{}
	}
	mu.Lock()
	calls++
	n := calls
	emit := emitFn
	mu.Unlock()

	out := map[string]any{
		"module": {{quote .Name}},
		"calls":  n,
		"input":  input,
{{- if .Requirements}}
		"requirements": len(requirements),
{{- end}}
	}
	if emit != nil {
		emit({{quote .Event}}, map[string]any{"module": {{quote .Name}}, "calls": n})
	}
	return out, nil
}

// Handle is the entry point used by the host.
func Handle(input map[string]any) (map[string]any, error) {
	return {{.Operation}}(input)
}

// SelfTest runs {{.Operation}} once and checks the reply.
func SelfTest() error {
	out, err := {{.Operation}}(map[string]any{"selfTest": true})
	if err != nil {
		return err
	}
	if out["module"] != {{quote .Name}} {
		return fmt.Errorf({{quote (printf "%s: unexpected self-test reply %%v" .Name)}}, out)
	}
	return nil
}
`

// TemplateStage is the deterministic template-driven Stage.
type TemplateStage struct {
	module *template.Template
	tests  *template.Template
}

// NewTemplateStage parses the built-in templates.
func NewTemplateStage() *TemplateStage {
	funcs := template.FuncMap{"quote": func(v any) string { return strconv.Quote(fmt.Sprint(v)) }}
	return &TemplateStage{
		module: template.Must(template.New("module").Funcs(funcs).Parse(moduleTemplate)),
		tests:  template.Must(template.New("tests").Funcs(funcs).Parse(testTemplate)),
	}
}

type moduleData struct {
	Spec
	Contract string
	Event    string
	Route    string
}

// Generate renders the module template for spec.
func (s *TemplateStage) Generate(ctx context.Context, spec Spec) (*Generation, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	spec, err := normalizeSpec(spec)
	if err != nil {
		return nil, err
	}

	data := moduleData{
		Spec:     spec,
		Contract: plugin.ContractVersion,
		Event:    spec.Name + "-processed",
	}
	if spec.Endpoint != nil {
		data.Route = spec.Endpoint.Method + " " + spec.Endpoint.Path
	}

	var buf bytes.Buffer
	if err := s.module.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("generate %s: %w", spec.Name, err)
	}
	src, err := format.Source(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("generate %s: rendered source does not parse: %w", spec.Name, err)
	}

	logging.SynthDebug("generated %s (%s, %d bytes)", spec.Name, spec.Kind, len(src))
	return &Generation{
		Source: string(src),
		Metadata: map[string]string{
			"name":      spec.Name,
			"kind":      string(spec.Kind),
			"operation": spec.Operation,
			"language":  spec.Language,
			"strategy":  "template",
			"contract":  plugin.ContractVersion,
		},
	}, nil
}

// normalizeSpec fills defaults and rejects what the templates cannot express.
func normalizeSpec(spec Spec) (Spec, error) {
	if spec.Language == "" {
		spec.Language = LanguageGo
	}
	if !strings.EqualFold(spec.Language, LanguageGo) {
		return spec, fmt.Errorf("generate: unsupported language %q", spec.Language)
	}
	spec.Language = LanguageGo
	spec.Purpose = strings.Join(strings.Fields(spec.Purpose), " ")
	spec.Name = strings.Join(strings.Fields(spec.Name), "-")
	if spec.Name == "" {
		spec.Name = strings.ToLower(OperationName(spec.Purpose))
	}
	if spec.Package == "" {
		spec.Package = "main"
	}
	if spec.Operation == "" {
		spec.Operation = OperationName(spec.Name)
	}
	switch spec.Operation {
	case plugin.SymbolDescriptor, plugin.SymbolStart, plugin.SymbolShutdown, plugin.SymbolSelfTest, plugin.SymbolHandle:
		spec.Operation += "Op"
	}
	if spec.Kind == "" {
		spec.Kind = plugin.KindModule
	}
	if spec.Kind == plugin.KindEndpoint {
		ep := plugin.EndpointSpec{Path: "/" + spec.Name, Method: "GET"}
		if spec.Endpoint != nil {
			ep = *spec.Endpoint
		}
		if ep.Path == "" {
			ep.Path = "/" + spec.Name
		}
		if ep.Method == "" {
			ep.Method = "GET"
		}
		ep.Method = strings.ToUpper(ep.Method)
		spec.Endpoint = &ep
	} else {
		spec.Endpoint = nil
	}
	if spec.Kind != plugin.KindHandler {
		spec.Handles = nil
	} else if len(spec.Handles) == 0 {
		spec.Handles = []string{spec.Name}
	}
	deps := append([]string(nil), spec.Dependencies...)
	sort.Strings(deps)
	spec.Dependencies = deps
	return spec, nil
}
