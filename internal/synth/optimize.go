package synth

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"strings"

	"golang.org/x/tools/imports"
)

// Improvement names reported by Optimize.
const (
	ImprovementTrailingSpace = "trim-trailing-whitespace"
	ImprovementImports       = "group-imports"
	ImprovementFormat        = "gofmt"
)

// Optimize normalises Go source. Other languages are returned unchanged.
func (s *TemplateStage) Optimize(ctx context.Context, source string, octx OptimizeContext) (*Optimization, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	lang := strings.ToLower(octx.Language)
	if lang != "" && lang != LanguageGo {
		return &Optimization{Source: source}, nil
	}
	return optimizeGo(source)
}

func optimizeGo(source string) (*Optimization, error) {
	var improvements []string

	lines := strings.Split(source, "\n")
	trimmed := false
	for i, l := range lines {
		if t := strings.TrimRight(l, " \t\r"); t != l {
			lines[i] = t
			trimmed = true
		}
	}
	text := strings.Join(lines, "\n")
	if trimmed {
		improvements = append(improvements, ImprovementTrailingSpace)
	}

	before := importOrder(text)
	out, err := imports.Process("module.go", []byte(text), &imports.Options{
		Comments:   true,
		TabIndent:  true,
		TabWidth:   8,
		FormatOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("optimize: %w", err)
	}
	result := string(out)

	if importOrder(result) != before {
		improvements = append(improvements, ImprovementImports)
	}
	if result != text {
		improvements = append(improvements, ImprovementFormat)
	}
	return &Optimization{Source: result, Improvements: improvements}, nil
}

// importOrder renders the import paths in source order.
func importOrder(source string) string {
	f, err := parser.ParseFile(token.NewFileSet(), "", source, parser.ImportsOnly)
	if err != nil {
		return ""
	}
	paths := make([]string, len(f.Imports))
	for i, imp := range f.Imports {
		paths[i] = imp.Path.Value
	}
	return strings.Join(paths, ",")
}
