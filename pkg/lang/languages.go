package lang

import (
	"strconv"
	"strings"
)

// Curl renders POSIX shell words for curl scripts.
type Curl struct{}

func (Curl) Name() string { return "curl" }

// Quote wraps s in single quotes; embedded quotes become '\''.
func (Curl) Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Ref reads the variable inside double quotes. Defaults are applied by a
// preamble line (see Preamble) so they never need shell escaping here.
func (Curl) Ref(p Part) string {
	return `"${` + p.Env + `}"`
}

// Concat places shell words next to each other, which the shell joins.
func (Curl) Concat(exprs []string) string { return strings.Join(exprs, "") }

// Preamble returns the line that applies a default to env when it is unset or empty.
func (c Curl) Preamble(env, def string) string {
	return `[ -n "${` + env + `:-}" ] || ` + env + "=" + c.Quote(def)
}

// Python renders Python 3 expressions.
type Python struct{}

func (Python) Name() string { return "python" }

func (Python) Quote(s string) string { return doubleQuoted(s, false) }

func (p Python) Ref(part Part) string {
	expr := `os.environ[` + p.Quote(part.Env) + `]`
	if part.HasDefault {
		expr = `os.environ.get(` + p.Quote(part.Env) + `, ` + p.Quote(part.Default) + `)`
	}
	if part.JSONEscape {
		expr = `json.dumps(` + expr + `)[1:-1]`
	}
	return expr
}

func (Python) Concat(exprs []string) string { return strings.Join(exprs, " + ") }

// JavaScript renders Node.js (18+) expressions.
type JavaScript struct{}

func (JavaScript) Name() string { return "javascript" }

func (JavaScript) Quote(s string) string { return doubleQuoted(s, true) }

func (j JavaScript) Ref(part Part) string {
	expr := `process.env[` + j.Quote(part.Env) + `]`
	if part.HasDefault {
		expr = `(process.env[` + j.Quote(part.Env) + `] ?? ` + j.Quote(part.Default) + `)`
	}
	if part.JSONEscape {
		expr = `JSON.stringify(String(` + expr + `)).slice(1, -1)`
	}
	return expr
}

func (JavaScript) Concat(exprs []string) string { return strings.Join(exprs, " + ") }

// Go renders Go expressions. References call the getenv and jsonEscape
// helpers that the go templates declare.
type Go struct{}

func (Go) Name() string { return "go" }

func (Go) Quote(s string) string {
	return strconv.Quote(s)
}

func (g Go) Ref(part Part) string {
	expr := `getenv(` + g.Quote(part.Env) + `, ` + g.Quote(part.Default) + `)`
	if part.JSONEscape {
		expr = `jsonEscape(` + expr + `)`
	}
	return expr
}

func (Go) Concat(exprs []string) string { return strings.Join(exprs, " + ") }

// doubleQuoted renders a double-quoted literal valid in Python and JavaScript.
func doubleQuoted(s string, js bool) string {
	var sb strings.Builder
	sb.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			if r < 0x20 || r == 0x7f || (js && (r == 0x2028 || r == 0x2029)) {
				sb.WriteString(`\u` + leftPad(strconv.FormatInt(int64(r), 16), 4))
				continue
			}
			sb.WriteRune(r)
		}
	}
	sb.WriteByte('"')
	return sb.String()
}

func leftPad(s string, n int) string {
	for len(s) < n {
		s = "0" + s
	}
	return s
}
