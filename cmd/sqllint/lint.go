package main

import (
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	sqlKeywordPattern = regexp.MustCompile(`(?i)\b(select|insert|update|delete|with)\b`)
	uuidMarkerPattern = regexp.MustCompile(`^--sql [0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
)

type violation struct {
	file    string
	name    string
	line    int
	message string
}

type markerUse struct {
	file string
	name string
	line int
}

type linter struct {
	violations []violation
	markers    map[string][]markerUse
}

func newLinter() *linter {
	return &linter{markers: make(map[string][]markerUse)}
}

func (l *linter) lintFile(path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return l.lintSource(path, src)
}

// lintSource inspects every const and var value. Concatenated queries are
// judged by their left-most string literal, which must carry the marker.
func (l *linter) lintSource(path string, src []byte) error {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, src, parser.ParseComments)
	if err != nil {
		return err
	}
	ast.Inspect(file, func(n ast.Node) bool {
		vs, ok := n.(*ast.ValueSpec)
		if !ok {
			return true
		}
		for i, value := range vs.Values {
			name := joinNames(vs.Names)
			if i < len(vs.Names) && vs.Names[i] != nil {
				name = vs.Names[i].Name
			}
			l.checkValue(fset, path, name, value)
		}
		return true
	})
	return nil
}

func (l *linter) checkValue(fset *token.FileSet, path, name string, value ast.Expr) {
	lit := leftmostLiteral(value)
	if lit == nil {
		return
	}
	head, err := unquote(lit.Value)
	if err != nil {
		return
	}
	// Fragments such as column lists are spliced into marked queries.
	if !sqlKeywordPattern.MatchString(head) && !strings.HasPrefix(strings.TrimSpace(head), "--sql") {
		return
	}
	pos := fset.Position(lit.Pos())
	marker := firstLine(head)
	if !uuidMarkerPattern.MatchString(marker) {
		l.violations = append(l.violations, violation{
			file:    path,
			line:    pos.Line,
			name:    name,
			message: "missing or invalid --sql <uuid> marker",
		})
		return
	}
	l.markers[marker] = append(l.markers[marker], markerUse{file: path, name: name, line: pos.Line})
}

// finish reports markers shared by more than one query.
func (l *linter) finish() []violation {
	out := append([]violation(nil), l.violations...)
	for marker, uses := range l.markers {
		if len(uses) < 2 {
			continue
		}
		for _, u := range uses[1:] {
			out = append(out, violation{
				file:    u.file,
				line:    u.line,
				name:    u.name,
				message: "duplicate marker " + strings.TrimPrefix(marker, "--sql ") + " (first used by " + uses[0].name + ")",
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].file != out[j].file {
			return out[i].file < out[j].file
		}
		return out[i].line < out[j].line
	})
	return out
}

// leftmostLiteral returns the first string literal of a concatenation.
func leftmostLiteral(expr ast.Expr) *ast.BasicLit {
	switch e := expr.(type) {
	case *ast.BasicLit:
		if e.Kind == token.STRING {
			return e
		}
	case *ast.ParenExpr:
		return leftmostLiteral(e.X)
	case *ast.BinaryExpr:
		if e.Op == token.ADD {
			return leftmostLiteral(e.X)
		}
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimLeft(s, "\n\r \t")
	if idx := strings.IndexAny(s, "\n\r"); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return strings.TrimSpace(s)
}

func unquote(v string) (string, error) {
	if len(v) == 0 {
		return v, nil
	}
	if v[0] == '`' {
		return v[1 : len(v)-1], nil
	}
	return strconv.Unquote(v)
}

func joinNames(idents []*ast.Ident) string {
	parts := make([]string, 0, len(idents))
	for _, ident := range idents {
		if ident == nil {
			continue
		}
		parts = append(parts, ident.Name)
	}
	return strings.Join(parts, ",")
}
