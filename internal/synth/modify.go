package synth

import (
	"bytes"
	"context"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/token"
	"strings"

	"golang.org/x/tools/go/ast/astutil"
)

// ModificationType names one kind of source rewrite.
type ModificationType string

const (
	ModAddOperation    ModificationType = "add-operation"
	ModAddField        ModificationType = "add-field"
	ModAddImport       ModificationType = "add-import"
	ModModifyOperation ModificationType = "modify-operation"
	ModGuardOperation  ModificationType = "guard-operation"
	ModOptimize        ModificationType = "optimize"
)

// Modification is one requested rewrite.
//
// Name is the operation or field to touch (or the import alias). Code is a
// full declaration for add-operation, a statement list for modify-operation
// and guard-operation, and the initial value for add-field.
type Modification struct {
	Type      ModificationType `json:"type" yaml:"type"`
	Name      string           `json:"name,omitempty" yaml:"name,omitempty"`
	Code      string           `json:"code,omitempty" yaml:"code,omitempty"`
	FieldType string           `json:"fieldType,omitempty" yaml:"field_type,omitempty"`
	Import    string           `json:"import,omitempty" yaml:"import,omitempty"`
}

// String describes the modification for logs and results.
func (m Modification) String() string {
	switch m.Type {
	case ModAddImport:
		return fmt.Sprintf("%s %s", m.Type, m.Import)
	case ModOptimize:
		return string(m.Type)
	default:
		return fmt.Sprintf("%s %s", m.Type, m.Name)
	}
}

// ModifyResult is the result of Modify.
type ModifyResult struct {
	Source  string   `json:"source"`
	Applied []string `json:"applied"`
}

// Modify applies mods in order. It is all or nothing: the first failing
// modification aborts and the original source is untouched.
func (s *TemplateStage) Modify(ctx context.Context, source string, mods []Modification) (*ModifyResult, error) {
	if len(mods) == 0 {
		return nil, fmt.Errorf("modify: no modifications")
	}
	cur := source
	res := &ModifyResult{}
	for i, m := range mods {
		if err := ctxErr(ctx); err != nil {
			return nil, err
		}
		next, note, err := apply(cur, m)
		if err != nil {
			return nil, fmt.Errorf("modify[%d] %s: %w", i, m, err)
		}
		cur = next
		res.Applied = append(res.Applied, note)
	}
	out, err := format.Source([]byte(cur))
	if err != nil {
		return nil, fmt.Errorf("modify: result does not format: %w", err)
	}
	res.Source = string(out)
	return res, nil
}

func apply(src string, m Modification) (string, string, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "module.go", src, parser.ParseComments)
	if err != nil {
		return "", "", fmt.Errorf("parse: %w", err)
	}
	tf := fset.File(f.Pos())

	switch m.Type {
	case ModAddOperation:
		return addOperation(src, f, m)

	case ModAddField:
		if m.Name == "" {
			return "", "", fmt.Errorf("field name is required")
		}
		if declared(f, m.Name) {
			return "", "", fmt.Errorf("%s is already declared", m.Name)
		}
		typ := m.FieldType
		if typ == "" && m.Code == "" {
			typ = "any"
		}
		decl := "var " + m.Name
		if typ != "" {
			decl += " " + typ
		}
		if m.Code != "" {
			decl += " = " + m.Code
		}
		at := tf.Offset(f.Name.End())
		for _, d := range f.Decls {
			if gd, ok := d.(*ast.GenDecl); ok && gd.Tok == token.IMPORT {
				at = tf.Offset(gd.End())
			}
		}
		return src[:at] + "\n\n" + decl + "\n" + src[at:], m.String(), nil

	case ModAddImport:
		if m.Import == "" {
			return "", "", fmt.Errorf("import path is required")
		}
		if !astutil.AddNamedImport(fset, f, m.Name, m.Import) {
			return src, m.String() + " (already present)", nil
		}
		var buf bytes.Buffer
		if err := format.Node(&buf, fset, f); err != nil {
			return "", "", err
		}
		return buf.String(), m.String(), nil

	case ModModifyOperation:
		fn := findFunc(f, m.Name)
		if fn == nil || fn.Body == nil {
			return "", "", fmt.Errorf("operation %q not found", m.Name)
		}
		if err := checkStatements(m.Code); err != nil {
			return "", "", err
		}
		lb, rb := tf.Offset(fn.Body.Lbrace), tf.Offset(fn.Body.Rbrace)
		return src[:lb+1] + "\n" + m.Code + "\n" + src[rb:], m.String(), nil

	case ModGuardOperation:
		fn := findFunc(f, m.Name)
		if fn == nil || fn.Body == nil {
			return "", "", fmt.Errorf("operation %q not found", m.Name)
		}
		guard := m.Code
		if guard == "" {
			guard = defaultGuard(src, tf, fn)
		}
		if guard == "" {
			return "", "", fmt.Errorf("operation %q has no map parameters to guard and no guard code was given", m.Name)
		}
		if err := checkStatements(guard); err != nil {
			return "", "", err
		}
		lb := tf.Offset(fn.Body.Lbrace)
		body := strings.TrimLeft(src[lb+1:], "\n")
		return src[:lb+1] + "\n" + strings.TrimRight(guard, "\n") + "\n" + body, m.String(), nil

	case ModOptimize:
		opt, err := optimizeGo(src)
		if err != nil {
			return "", "", err
		}
		note := m.String()
		if len(opt.Improvements) > 0 {
			note += " (" + strings.Join(opt.Improvements, ", ") + ")"
		}
		return opt.Source, note, nil

	default:
		return "", "", fmt.Errorf("unknown modification type %q", m.Type)
	}
}

func addOperation(src string, f *ast.File, m Modification) (string, string, error) {
	code := strings.TrimSpace(m.Code)
	if code == "" {
		if m.Name == "" {
			return "", "", fmt.Errorf("operation name or code is required")
		}
		code = fmt.Sprintf("// %s was added by modification.\nfunc %s(input map[string]any) (map[string]any, error) {\n\treturn input, nil\n}", m.Name, m.Name)
	}
	decl, err := parser.ParseFile(token.NewFileSet(), "op.go", "package p\n\n"+code, parser.ParseComments)
	if err != nil {
		return "", "", fmt.Errorf("operation code: %w", err)
	}
	added := 0
	for _, d := range decl.Decls {
		fn, ok := d.(*ast.FuncDecl)
		if !ok {
			continue
		}
		added++
		if fn.Recv == nil && findFunc(f, fn.Name.Name) != nil {
			return "", "", fmt.Errorf("operation %s already exists", fn.Name.Name)
		}
	}
	if added == 0 {
		return "", "", fmt.Errorf("operation code declares no function")
	}
	return strings.TrimRight(src, "\n") + "\n\n" + code + "\n", m.String(), nil
}

func findFunc(f *ast.File, name string) *ast.FuncDecl {
	for _, d := range f.Decls {
		if fn, ok := d.(*ast.FuncDecl); ok && fn.Recv == nil && fn.Name.Name == name {
			return fn
		}
	}
	return nil
}

func declared(f *ast.File, name string) bool {
	if findFunc(f, name) != nil {
		return true
	}
	for _, d := range f.Decls {
		gd, ok := d.(*ast.GenDecl)
		if !ok {
			continue
		}
		for _, spec := range gd.Specs {
			switch sp := spec.(type) {
			case *ast.ValueSpec:
				for _, n := range sp.Names {
					if n.Name == name {
						return true
					}
				}
			case *ast.TypeSpec:
				if sp.Name.Name == name {
					return true
				}
			}
		}
	}
	return false
}

// defaultGuard initialises every nil map parameter of fn.
func defaultGuard(src string, tf *token.File, fn *ast.FuncDecl) string {
	var b strings.Builder
	for _, field := range fn.Type.Params.List {
		if _, ok := field.Type.(*ast.MapType); !ok {
			continue
		}
		typ := src[tf.Offset(field.Type.Pos()):tf.Offset(field.Type.End())]
		for _, name := range field.Names {
			if name.Name == "_" {
				continue
			}
			fmt.Fprintf(&b, "if %s == nil {\n%s = %s{}\n}\n", name.Name, name.Name, typ)
		}
	}
	return b.String()
}

func checkStatements(code string) error {
	if strings.TrimSpace(code) == "" {
		return fmt.Errorf("code is required")
	}
	if _, err := parser.ParseFile(token.NewFileSet(), "stmts.go", "package p\nfunc _() {\n"+code+"\n}\n", 0); err != nil {
		return fmt.Errorf("code is not a statement list: %w", err)
	}
	return nil
}
