package validate

import "github.com/blackcoderx/forge/pkg/model"

var closers = map[rune]rune{')': '(', ']': '[', '}': '{'}

// Structural checks that brackets balance outside string literals and that
// every string literal is closed. It returns Invalid on the first mismatch and
// Unverified otherwise. Double and back quotes may span lines. A single quote
// ends at the newline, since it is as often an apostrophe in a comment as a
// string delimiter.
func Structural(source string) Result {
	type open struct {
		r         rune
		line, col int
	}
	var stack []open
	var quote rune
	var quoteAt open
	escaped := false
	line, col := 1, 0

	for _, r := range source {
		col++
		if r == '\n' {
			line, col = line+1, 0
		}
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case r == '\\' && quote != '`':
				escaped = true
			case r == quote:
				quote = 0
			case r == '\n' && quote == '\'':
				quote = 0
			}
			continue
		}
		switch r {
		case '"', '\'', '`':
			quote = r
			quoteAt = open{r, line, col}
		case '(', '[', '{':
			stack = append(stack, open{r, line, col})
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1].r != closers[r] {
				return invalidAt(line, col, "unbalanced %q", r)
			}
			stack = stack[:len(stack)-1]
		}
	}
	if quote != 0 {
		return invalidAt(quoteAt.line, quoteAt.col, "unterminated %c string", quote)
	}
	if len(stack) > 0 {
		top := stack[len(stack)-1]
		return invalidAt(top.line, top.col, "unclosed %q", top.r)
	}
	return Result{Status: model.Unverified}
}
