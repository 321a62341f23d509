package registry

import (
	"encoding/json"
	"strings"
	"text/template"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Funcs returns the helpers available to every template, with extra merged on top.
func Funcs(extra template.FuncMap) template.FuncMap {
	fm := template.FuncMap{
		"indent": indent,
		"join":   strings.Join,
		"lower":  strings.ToLower,
		"upper":  strings.ToUpper,
		"title":  Title,
		"camel":  Camel,
		"snake":  Snake,
		"json":   toJSON,
		"oneline": func(s string) string {
			return strings.Join(strings.Fields(s), " ")
		},
	}
	for k, v := range extra {
		fm[k] = v
	}
	return fm
}

// indent prefixes every non-empty line of s after the first with n spaces.
func indent(n int, s string) string {
	pad := strings.Repeat(" ", n)
	lines := strings.Split(s, "\n")
	for i := 1; i < len(lines); i++ {
		if lines[i] != "" {
			lines[i] = pad + lines[i]
		}
	}
	return strings.Join(lines, "\n")
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// words splits s on anything that is not a letter or digit and on lower-to-upper case changes.
func words(s string) []string {
	var out []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			out = append(out, string(cur))
			cur = cur[:0]
		}
	}
	runes := []rune(s)
	for i, r := range runes {
		switch {
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			flush()
		case unicode.IsUpper(r) && i > 0 && unicode.IsLower(runes[i-1]):
			flush()
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return out
}

// titleCaser returns a fresh caser; a Caser must not be shared between goroutines.
func titleCaser() cases.Caser { return cases.Title(language.English) }

// Title renders s as space separated title-cased words.
func Title(s string) string {
	return titleCaser().String(strings.Join(words(s), " "))
}

// Camel renders s as a lowerCamelCase identifier. Empty input gives "request".
func Camel(s string) string {
	ws := words(s)
	if len(ws) == 0 {
		return "request"
	}
	caser := titleCaser()
	var sb strings.Builder
	sb.WriteString(strings.ToLower(ws[0]))
	for _, w := range ws[1:] {
		sb.WriteString(caser.String(strings.ToLower(w)))
	}
	return identifier(sb.String())
}

// Snake renders s as a snake_case identifier. Empty input gives "request".
func Snake(s string) string {
	ws := words(s)
	if len(ws) == 0 {
		return "request"
	}
	for i := range ws {
		ws[i] = strings.ToLower(ws[i])
	}
	return identifier(strings.Join(ws, "_"))
}

func identifier(s string) string {
	if s == "" || unicode.IsDigit([]rune(s)[0]) {
		return "r" + s
	}
	return s
}
