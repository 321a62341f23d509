package harness

import (
	"bytes"
	"context"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/token"
	"io"
	"net/http"
	"path"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// stubTokenResponse answers every captured call, so OAuth2 token fetches
// decode a usable access token.
const stubTokenResponse = `{"access_token":"` + stubToken + `","token_type":"bearer","expires_in":3600}`

// allowedImports is the standard library surface generated Go programs may use.
var allowedImports = map[string]bool{
	"bytes":           true,
	"context":         true,
	"encoding/base64": true,
	"encoding/json":   true,
	"errors":          true,
	"fmt":             true,
	"io":              true,
	"net/http":        true,
	"net/url":         true,
	"os":              true,
	"strconv":         true,
	"strings":         true,
	"time":            true,
}

// net/http symbols that cannot open a connection or a listener on their own.
var allowedHTTP = map[string]bool{
	"Client":                true,
	"Cookie":                true,
	"Header":                true,
	"NewRequest":            true,
	"NewRequestWithContext": true,
	"Request":               true,
	"Response":              true,
	"RoundTripper":          true,
	"StatusText":            true,
}

// os symbols generated programs need; the environment is virtualized by the interpreter.
var allowedOS = map[string]bool{
	"Environ":   true,
	"Getenv":    true,
	"LookupEnv": true,
	"Stderr":    true,
	"Stdout":    true,
}

// exitCode is raised by the sandboxed os.Exit.
type exitCode int

// goSandbox interprets a generated Go program with yaegi. The program's main
// is disabled and its run() error function is called directly, with the HTTP
// transport replaced by one that records requests instead of sending them.
type goSandbox struct{}

func (goSandbox) Run(ctx context.Context, source string, env map[string]string) ([]Call, error) {
	prog, err := prepareGo(source)
	if err != nil {
		return nil, err
	}

	capture := &captureTransport{ctx: ctx}
	var stdout, stderr bytes.Buffer
	i := interp.New(interp.Options{
		Env:    envList(env),
		Stdin:  strings.NewReader(""),
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if err := i.Use(sandboxSymbols()); err != nil {
		return nil, fmt.Errorf("failed to load symbols: %w", err)
	}
	// applied after the stdlib fixups the first Use triggers
	if err := i.Use(capture.overrides()); err != nil {
		return nil, fmt.Errorf("failed to load symbols: %w", err)
	}

	if _, err := i.EvalWithContext(ctx, prog); err != nil {
		return nil, fmt.Errorf("evaluation failed: %w", err)
	}
	v, err := i.Eval("main.run")
	if err != nil {
		return nil, fmt.Errorf("run function not found: %w", err)
	}
	run, ok := v.Interface().(func() error)
	if !ok {
		return nil, fmt.Errorf("run has incorrect signature (expected: func() error)")
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				if code, ok := r.(exitCode); ok {
					done <- fmt.Errorf("program exited with status %d", int(code))
					return
				}
				done <- fmt.Errorf("program panicked: %v", r)
			}
		}()
		done <- run()
	}()

	select {
	case err := <-done:
		if err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return capture.Calls(), fmt.Errorf("%w: %s", err, msg)
			}
			return capture.Calls(), err
		}
		return capture.Calls(), nil
	case <-ctx.Done():
		return capture.Calls(), ctx.Err()
	}
}

// prepareGo checks a generated program and returns it with main disabled.
func prepareGo(source string) (string, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "main.go", source, parser.ParseComments)
	if err != nil {
		return "", fmt.Errorf("parse failed: %w", err)
	}
	if file.Name.Name != "main" {
		return "", fmt.Errorf("package %s is not runnable (need package main)", file.Name.Name)
	}

	var forbidden []string
	for _, imp := range file.Imports {
		p, _ := strconv.Unquote(imp.Path.Value)
		if !allowedImports[p] {
			forbidden = append(forbidden, p)
		}
	}
	if len(forbidden) > 0 {
		return "", fmt.Errorf("forbidden imports: %s", strings.Join(forbidden, ", "))
	}
	if err := checkClients(file); err != nil {
		return "", err
	}

	// main is renamed rather than removed so the imports it uses stay used
	hasRun := false
	for _, d := range file.Decls {
		fn, ok := d.(*ast.FuncDecl)
		if !ok || fn.Recv != nil {
			continue
		}
		switch fn.Name.Name {
		case "main":
			fn.Name.Name = "sandboxMain"
		case "run":
			hasRun = isRunSignature(fn.Type)
		}
	}
	if !hasRun {
		return "", fmt.Errorf("program has no func run() error")
	}

	var buf bytes.Buffer
	if err := format.Node(&buf, fset, file); err != nil {
		return "", fmt.Errorf("format failed: %w", err)
	}
	return buf.String(), nil
}

func isRunSignature(ft *ast.FuncType) bool {
	if ft.Params != nil && len(ft.Params.List) > 0 {
		return false
	}
	if ft.Results == nil || len(ft.Results.List) != 1 || len(ft.Results.List[0].Names) > 1 {
		return false
	}
	id, ok := ft.Results.List[0].Type.(*ast.Ident)
	return ok && id.Name == "error"
}

// checkClients rejects http.Client values that would fall back to the real
// default transport: every http.Client must be a composite literal with a
// Transport field, or appear behind a pointer type.
func checkClients(file *ast.File) error {
	allowed := map[ast.Expr]bool{}
	ast.Inspect(file, func(n ast.Node) bool {
		switch n := n.(type) {
		case *ast.StarExpr:
			allowed[n.X] = true
		case *ast.CompositeLit:
			for _, elt := range n.Elts {
				if kv, ok := elt.(*ast.KeyValueExpr); ok {
					if id, ok := kv.Key.(*ast.Ident); ok && id.Name == "Transport" {
						allowed[n.Type] = true
					}
				}
			}
		}
		return true
	})

	bad := false
	ast.Inspect(file, func(n ast.Node) bool {
		if bad {
			return false
		}
		if sel, ok := n.(*ast.SelectorExpr); ok {
			if pkg, ok := sel.X.(*ast.Ident); ok && pkg.Name == "http" && sel.Sel.Name == "Client" && !allowed[sel] {
				bad = true
			}
		}
		return true
	})
	if bad {
		return fmt.Errorf("http.Client without an explicit Transport is not allowed")
	}
	return nil
}

// sandboxSymbols is the filtered standard library exposed to programs.
func sandboxSymbols() interp.Exports {
	out := interp.Exports{}
	for p := range allowedImports {
		k := p + "/" + path.Base(p)
		syms, ok := stdlib.Symbols[k]
		if !ok {
			continue
		}
		filtered := make(map[string]reflect.Value, len(syms))
		for name, v := range syms {
			switch p {
			case "net/http":
				if !allowedHTTP[name] && !strings.HasPrefix(name, "Method") && !strings.HasPrefix(name, "Status") {
					continue
				}
			case "os":
				if !allowedOS[name] {
					continue
				}
			}
			filtered[name] = v
		}
		out[k] = filtered
	}
	return out
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// captureTransport records requests and answers each with stubTokenResponse.
type captureTransport struct {
	ctx   context.Context
	mu    sync.Mutex
	calls []Call
}

func (t *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.ctx.Err(); err != nil {
		return nil, err
	}
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		body = b
	}
	t.mu.Lock()
	t.calls = append(t.calls, Call{
		Method: req.Method,
		URL:    req.URL.String(),
		Header: req.Header.Clone(),
		Body:   body,
	})
	t.mu.Unlock()

	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"application/json"}},
		Body:          io.NopCloser(strings.NewReader(stubTokenResponse)),
		ContentLength: int64(len(stubTokenResponse)),
		Request:       req,
	}, nil
}

// Calls returns a copy of the recorded requests.
func (t *captureTransport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

func (t *captureTransport) overrides() interp.Exports {
	var rt http.RoundTripper = t
	client := &http.Client{Transport: t}
	return interp.Exports{
		"net/http/http": {
			"DefaultTransport": reflect.ValueOf(&rt).Elem(),
			"DefaultClient":    reflect.ValueOf(&client).Elem(),
			"Get":              reflect.ValueOf(client.Get),
			"Head":             reflect.ValueOf(client.Head),
			"Post":             reflect.ValueOf(client.Post),
			"PostForm":         reflect.ValueOf(client.PostForm),
		},
		"os/os": {
			"Exit": reflect.ValueOf(func(code int) { panic(exitCode(code)) }),
		},
	}
}
