// Package lang holds the per-language rules used by code synthesis: how a
// literal is quoted, how an environment variable is read, and how pieces of a
// string are joined into one expression.
package lang

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// Part is one piece of a string expression: literal text or a variable reference.
type Part struct {
	Text string

	// Env is the environment variable read at runtime. Empty for literal parts.
	Env        string
	Default    string
	HasDefault bool

	// JSONEscape marks a reference that sits inside a JSON string literal.
	JSONEscape bool
}

// IsRef reports whether p reads an environment variable.
func (p Part) IsRef() bool { return p.Env != "" }

// Dialect renders expressions for one target language.
type Dialect interface {
	// Name is the language key used by the registry (curl, python, ...).
	Name() string
	// Quote renders s as a string literal.
	Quote(s string) string
	// Ref renders a runtime lookup of an environment variable.
	Ref(p Part) string
	// Concat joins already-rendered expressions into one string expression.
	Concat(exprs []string) string
}

var dialects = map[string]Dialect{}

// Register adds d to the capability table. It panics on duplicates.
func Register(d Dialect) {
	if _, dup := dialects[d.Name()]; dup {
		panic(fmt.Sprintf("lang: dialect %q registered twice", d.Name()))
	}
	dialects[d.Name()] = d
}

// Lookup returns the dialect for language.
func Lookup(language string) (Dialect, bool) {
	d, ok := dialects[language]
	return d, ok
}

// Names returns every registered language, sorted.
func Names() []string {
	names := make([]string, 0, len(dialects))
	for name := range dialects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register(Curl{})
	Register(Python{})
	Register(JavaScript{})
	Register(Go{})
}

// Expr renders parts as one expression. Adjacent literals are merged first.
func Expr(d Dialect, parts []Part) string {
	merged := mergeLiterals(parts)
	if len(merged) == 0 {
		return d.Quote("")
	}
	exprs := make([]string, 0, len(merged))
	for _, p := range merged {
		if p.IsRef() {
			exprs = append(exprs, d.Ref(p))
		} else {
			exprs = append(exprs, d.Quote(p.Text))
		}
	}
	if len(exprs) == 1 {
		return exprs[0]
	}
	return d.Concat(exprs)
}

func mergeLiterals(parts []Part) []Part {
	var out []Part
	for _, p := range parts {
		if !p.IsRef() && p.Text == "" {
			continue
		}
		if n := len(out); n > 0 && !p.IsRef() && !out[n-1].IsRef() {
			out[n-1].Text += p.Text
			continue
		}
		out = append(out, p)
	}
	return out
}

// EnvName converts a variable name to an UPPER_SNAKE environment variable name.
// baseUrl becomes BASE_URL and api-key becomes API_KEY.
func EnvName(name string) string {
	var sb strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		switch {
		case unicode.IsUpper(r):
			if i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]) ||
				(i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(runes[i-1]))) {
				sb.WriteByte('_')
			}
			sb.WriteRune(r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(unicode.ToUpper(r))
		default:
			sb.WriteByte('_')
		}
	}
	out := sb.String()
	if out == "" || unicode.IsDigit(rune(out[0])) {
		out = "_" + out
	}
	return out
}
