package validate

import (
	"context"
	"go/parser"
	"go/scanner"
	"go/token"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/bash"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/blackcoderx/forge/pkg/model"
)

var (
	bashLanguage       = bash.GetLanguage
	pythonLanguage     = python.GetLanguage
	javascriptLanguage = javascript.GetLanguage
	goLanguage         = golang.GetLanguage
)

// treeSitterChecker parses with the given grammar and reports the first
// ERROR or MISSING node. Parsers are not safe for concurrent use, so each
// call gets its own.
func treeSitterChecker(language func() *sitter.Language) Checker {
	return func(ctx context.Context, src []byte) Result {
		p := sitter.NewParser()
		defer p.Close()
		p.SetLanguage(language())

		tree, err := p.ParseCtx(ctx, nil, src)
		if err != nil {
			return Result{Status: model.Unverified, Reason: "parse interrupted: " + err.Error()}
		}
		defer tree.Close()

		root := tree.RootNode()
		if !root.HasError() {
			return valid()
		}
		bad := firstError(root)
		if bad == nil {
			return invalidAt(0, 0, "syntax error")
		}
		pt := bad.StartPoint()
		line, col := int(pt.Row)+1, int(pt.Column)+1
		if bad.IsMissing() {
			return invalidAt(line, col, "missing %s", bad.Type())
		}
		return invalidAt(line, col, "unexpected %s", snippet(bad.Content(src)))
	}
}

// firstError returns the earliest ERROR or MISSING node under n.
func firstError(n *sitter.Node) *sitter.Node {
	if n.IsError() || n.IsMissing() {
		return n
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		if child == nil || !child.HasError() && !child.IsMissing() {
			continue
		}
		if found := firstError(child); found != nil {
			return found
		}
	}
	return nil
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 40 {
		s = s[:40] + "..."
	}
	if s == "" {
		return "end of input"
	}
	return "'" + s + "'"
}

// checkGo runs the tree-sitter grammar and then go/parser, which reports
// errors the grammar accepts. Sources without a package clause are checked
// as a list of declarations.
func checkGo(ctx context.Context, src []byte) Result {
	if res := treeSitterChecker(goLanguage)(ctx, src); res.Status != model.Valid {
		return res
	}

	text := string(src)
	offset := 0
	if !hasPackageClause(text) {
		text = "package snippet\n" + text
		offset = 1
	}
	_, err := parser.ParseFile(token.NewFileSet(), "generated.go", text, parser.AllErrors)
	if err == nil {
		return valid()
	}
	if list, ok := err.(scanner.ErrorList); ok && len(list) > 0 {
		first := list[0]
		return invalidAt(first.Pos.Line-offset, first.Pos.Column, "%s", first.Msg)
	}
	return Result{Status: model.Invalid, Reason: err.Error()}
}

func hasPackageClause(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		return strings.HasPrefix(line, "package ")
	}
	return false
}
