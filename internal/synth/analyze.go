package synth

import (
	"context"
	"fmt"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"

	"hotforge/internal/logging"
)

// grammar holds the node types Analyze cares about for one language.
type grammar struct {
	language  func() *sitter.Language
	functions map[string]bool
	branches  map[string]bool
	blocks    map[string]bool
	calls     map[string]bool
	exported  func(n *sitter.Node, name string) bool
	imports   func(n *sitter.Node, text func(*sitter.Node) string) []string
}

func set(types ...string) map[string]bool {
	m := make(map[string]bool, len(types))
	for _, t := range types {
		m[t] = true
	}
	return m
}

var grammars = map[string]grammar{
	"go": {
		language:  golang.GetLanguage,
		functions: set("function_declaration", "method_declaration"),
		branches:  set("if_statement", "for_statement", "expression_case", "type_case", "communication_case"),
		blocks:    set("block"),
		calls:     set("call_expression"),
		exported:  func(_ *sitter.Node, name string) bool { return isExported(name) },
		imports: func(n *sitter.Node, text func(*sitter.Node) string) []string {
			if n.Type() != "import_spec" {
				return nil
			}
			if p := n.ChildByFieldName("path"); p != nil {
				return []string{unquote(text(p))}
			}
			return nil
		},
	},
	"javascript": {
		language:  javascript.GetLanguage,
		functions: set("function_declaration", "method_definition", "generator_function_declaration"),
		branches:  set("if_statement", "for_statement", "for_in_statement", "while_statement", "do_statement", "switch_case", "catch_clause", "ternary_expression"),
		blocks:    set("statement_block"),
		calls:     set("call_expression"),
		exported: func(n *sitter.Node, _ string) bool {
			for p := n.Parent(); p != nil; p = p.Parent() {
				if p.Type() == "export_statement" {
					return true
				}
			}
			return false
		},
		imports: func(n *sitter.Node, text func(*sitter.Node) string) []string {
			if n.Type() != "import_statement" {
				return nil
			}
			if s := n.ChildByFieldName("source"); s != nil {
				return []string{unquote(text(s))}
			}
			return nil
		},
	},
	"python": {
		language:  python.GetLanguage,
		functions: set("function_definition"),
		branches:  set("if_statement", "elif_clause", "for_statement", "while_statement", "except_clause", "conditional_expression"),
		blocks:    set("block"),
		calls:     set("call"),
		exported:  func(_ *sitter.Node, name string) bool { return !strings.HasPrefix(name, "_") },
		imports: func(n *sitter.Node, text func(*sitter.Node) string) []string {
			switch n.Type() {
			case "import_statement":
				var out []string
				for i := 0; i < int(n.NamedChildCount()); i++ {
					c := n.NamedChild(i)
					if c.Type() == "dotted_name" {
						out = append(out, text(c))
					} else if c.Type() == "aliased_import" {
						if name := c.ChildByFieldName("name"); name != nil {
							out = append(out, text(name))
						}
					}
				}
				return out
			case "import_from_statement":
				if m := n.ChildByFieldName("module_name"); m != nil {
					return []string{text(m)}
				}
			}
			return nil
		},
	},
}

// Languages lists what Analyze understands.
func Languages() []string {
	out := make([]string, 0, len(grammars))
	for k := range grammars {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Analyze parses src with tree-sitter and reports patterns and stats.
func (s *TemplateStage) Analyze(ctx context.Context, src Source) (*Analysis, error) {
	lang := strings.ToLower(strings.TrimSpace(src.Language))
	if lang == "" {
		lang = LanguageGo
	}
	g, ok := grammars[lang]
	if !ok {
		return nil, fmt.Errorf("analyze: unsupported language %q", src.Language)
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(g.language())

	content := []byte(src.Text)
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("analyze: parse %s: %w", lang, err)
	}
	defer tree.Close()

	text := func(n *sitter.Node) string { return n.Content(content) }
	a := &Analysis{Language: lang}
	a.Stats.Lines = countLines(src.Text)

	seenEmit := map[string]bool{}
	seenImport := map[string]bool{}
	logicalOps := 0

	var walk func(n *sitter.Node, depth int)
	walk = func(n *sitter.Node, depth int) {
		a.Stats.Nodes++
		t := n.Type()

		if g.blocks[t] {
			depth++
			if depth > a.Stats.MaxNesting {
				a.Stats.MaxNesting = depth
			}
		}
		if g.branches[t] {
			a.Stats.Branches++
		}
		if t == "&&" || t == "||" || t == "and" || t == "or" {
			logicalOps++
		}

		if g.functions[t] {
			if name := n.ChildByFieldName("name"); name != nil {
				fn := text(name)
				a.Patterns.Functions = append(a.Patterns.Functions, fn)
				if g.exported(n, fn) && !(t == "method_declaration" && lang == LanguageGo) {
					a.Patterns.Operations = append(a.Patterns.Operations, fn)
				}
			}
		}
		if g.calls[t] {
			if ev, ok := emittedEvent(n, text); ok && !seenEmit[ev] {
				seenEmit[ev] = true
				a.Patterns.Emits = append(a.Patterns.Emits, ev)
			}
		}
		for _, imp := range g.imports(n, text) {
			if imp != "" && !seenImport[imp] {
				seenImport[imp] = true
				a.Patterns.Imports = append(a.Patterns.Imports, imp)
			}
		}

		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i), depth)
		}
	}
	walk(tree.RootNode(), 0)

	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	a.Stats.Cyclomatic = 1 + a.Stats.Branches + logicalOps
	sort.Strings(a.Patterns.Emits)
	sort.Strings(a.Patterns.Imports)
	logging.SynthDebug("analyzed %s source: %d functions, %d emits, cyclomatic=%d",
		lang, len(a.Patterns.Functions), len(a.Patterns.Emits), a.Stats.Cyclomatic)
	return a, nil
}

// emittedEvent recognises emit("name", ...) and x.emit("name", ...) calls.
func emittedEvent(call *sitter.Node, text func(*sitter.Node) string) (string, bool) {
	fn := call.ChildByFieldName("function")
	args := call.ChildByFieldName("arguments")
	if fn == nil || args == nil || args.NamedChildCount() == 0 {
		return "", false
	}
	callee := text(fn)
	if idx := strings.LastIndexAny(callee, "."); idx >= 0 {
		callee = callee[idx+1:]
	}
	switch strings.ToLower(callee) {
	case "emit", "emitfn", "publish":
	default:
		return "", false
	}
	first := args.NamedChild(0)
	switch first.Type() {
	case "interpreted_string_literal", "raw_string_literal", "string":
		if ev := unquote(text(first)); ev != "" {
			return ev, true
		}
	}
	return "", false
}

func unquote(s string) string {
	return strings.Trim(s, "\"'`")
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}
