package harness

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// The curl sandbox parses the script with mvdan.cc/sh and runs it in-process.
// Builtins (printf, echo, test, set, exit) are the interpreter's own. Every
// other command goes through execCommand, which understands curl and base64
// and refuses the rest; no process is ever started and no file is opened.
// Command substitution never runs: it is replaced by stubToken, which stands
// in for the OAuth2 token fetch.

const stubToken = "sandbox-token"

// errOpenDenied is returned for every redirect and source.
var errOpenDenied = errors.New("file access is not available in sandbox")

// shellError reports a script that exited with a non-zero status.
type shellError struct {
	status uint8
	stderr string
}

func (e *shellError) Error() string {
	if e.stderr == "" {
		return fmt.Sprintf("script exited with status %d", e.status)
	}
	return fmt.Sprintf("script exited with status %d: %s", e.status, e.stderr)
}

// shellSandbox records the curl invocations of one run. Pipeline stages run
// concurrently, so calls is guarded.
type shellSandbox struct {
	mu    sync.Mutex
	calls []Call
}

// runShell is the curl sandbox.
func runShell(ctx context.Context, source string, env map[string]string) ([]Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := syntax.NewParser().Parse(strings.NewReader(source), "script")
	if err != nil {
		return nil, err
	}
	if err := restrict(file); err != nil {
		return nil, err
	}

	sb := &shellSandbox{}
	stderr := &lockedBuffer{}
	runner, err := interp.New(
		interp.Env(expand.ListEnviron(environ(env)...)),
		interp.StdIO(strings.NewReader(""), io.Discard, stderr),
		// errexit, nounset and noglob, whatever the script sets
		interp.Params("-e", "-u", "-f"),
		interp.ExecHandlers(sb.execCommand),
		interp.OpenHandler(func(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
			return nil, fmt.Errorf("%s: %w", path, errOpenDenied)
		}),
	)
	if err != nil {
		return nil, err
	}

	err = runner.Run(ctx, file)
	sb.mu.Lock()
	calls := sb.calls
	sb.mu.Unlock()
	if status, ok := interp.IsExitStatus(err); ok {
		return calls, &shellError{status: status, stderr: strings.TrimSpace(stderr.String())}
	}
	return calls, err
}

// environ turns env into sorted NAME=value pairs.
func environ(env map[string]string) []string {
	pairs := make([]string, 0, len(env))
	for k, v := range env {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return pairs
}

// restrict rejects constructs generated scripts never use and stubs out
// command substitutions.
func restrict(file *syntax.File) error {
	var err error
	syntax.Walk(file, func(node syntax.Node) bool {
		if err != nil {
			return false
		}
		switch n := node.(type) {
		case *syntax.Stmt:
			if n.Background || n.Coprocess {
				err = unsupported(n, "background commands")
			}
		case *syntax.Subshell:
			err = unsupported(n, "subshells")
		case *syntax.FuncDecl:
			err = unsupported(n, "functions")
		case *syntax.ProcSubst:
			err = unsupported(n, "process substitution")
		case *syntax.Word:
			n.Parts, err = stubSubst(n.Parts)
		case *syntax.DblQuoted:
			n.Parts, err = stubSubst(n.Parts)
		}
		return err == nil
	})
	return err
}

func stubSubst(parts []syntax.WordPart) ([]syntax.WordPart, error) {
	for i, p := range parts {
		cs, ok := p.(*syntax.CmdSubst)
		if !ok {
			continue
		}
		if cs.Backquotes {
			return nil, unsupported(cs, "backquote substitution")
		}
		parts[i] = &syntax.Lit{ValuePos: cs.Pos(), ValueEnd: cs.End(), Value: stubToken}
	}
	return parts, nil
}

func unsupported(n syntax.Node, what string) error {
	return fmt.Errorf("line %d: %s are not supported in sandbox", n.Pos().Line(), what)
}

// execCommand replaces process execution. A returned error that is not an
// exit status stops the script.
func (sb *shellSandbox) execCommand(interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(ctx context.Context, args []string) error {
		hc := interp.HandlerCtx(ctx)
		switch args[0] {
		case "base64":
			return base64Command(hc, args[1:])
		case "curl":
			stdin := func() ([]byte, error) { return readStdin(hc) }
			call, err := parseCurl(args[1:], stdin)
			if err != nil {
				return err
			}
			sb.mu.Lock()
			sb.calls = append(sb.calls, *call)
			sb.mu.Unlock()
			return nil
		default:
			return fmt.Errorf("%s: command not available in sandbox", args[0])
		}
	}
}

func base64Command(hc interp.HandlerContext, args []string) error {
	decode := false
	for _, a := range args {
		switch a {
		case "-d", "--decode", "-D":
			decode = true
		default:
			return fmt.Errorf("base64: unsupported option %s", a)
		}
	}
	in, err := readStdin(hc)
	if err != nil {
		return err
	}
	if !decode {
		_, err := io.WriteString(hc.Stdout, base64.StdEncoding.EncodeToString(in)+"\n")
		return err
	}
	out, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(in)))
	if err != nil {
		return fmt.Errorf("base64: invalid input")
	}
	_, err = hc.Stdout.Write(out)
	return err
}

func readStdin(hc interp.HandlerContext) ([]byte, error) {
	if hc.Stdin == nil {
		return nil, nil
	}
	return io.ReadAll(hc.Stdin)
}

// lockedBuffer collects stderr from concurrently running pipeline stages.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
