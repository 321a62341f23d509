// Package harness replays generated implementations in a sandbox and checks
// that the request they send matches the request the builder produces for the
// same definition.
package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blackcoderx/forge/pkg/builder"
	"github.com/blackcoderx/forge/pkg/lang"
	"github.com/blackcoderx/forge/pkg/logging"
	"github.com/blackcoderx/forge/pkg/model"
	"github.com/blackcoderx/forge/pkg/registry"
	"github.com/blackcoderx/forge/pkg/variables"
)

// DefaultTimeout bounds one sandbox run.
const DefaultTimeout = 10 * time.Second

// ErrNoSandbox is wrapped by SandboxError for languages that cannot be replayed.
var ErrNoSandbox = errors.New("no sandbox for language")

// SandboxError reports that generated code could not be run to completion.
type SandboxError struct {
	Language string
	Err      error
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("sandbox %s: %v", e.Language, e.Err)
}

func (e *SandboxError) Unwrap() error { return e.Err }

// Sandbox runs source with env as its environment and returns the HTTP calls it made.
type Sandbox interface {
	Run(ctx context.Context, source string, env map[string]string) ([]Call, error)
}

// SandboxFunc adapts a function to Sandbox.
type SandboxFunc func(ctx context.Context, source string, env map[string]string) ([]Call, error)

func (f SandboxFunc) Run(ctx context.Context, source string, env map[string]string) ([]Call, error) {
	return f(ctx, source, env)
}

// Report is the outcome of one replay.
type Report struct {
	Status     model.HarnessStatus `json:"status"`
	Mismatches []Mismatch          `json:"mismatches,omitempty"`
	Diff       string              `json:"diff,omitempty"`
	Reason     string              `json:"reason,omitempty"`
	Captured   *Call               `json:"-"`
}

// Options configures a Harness.
type Options struct {
	Timeout time.Duration
	Logger  *zap.Logger
}

// Harness verifies implementations.
type Harness struct {
	reg     *registry.Registry
	timeout time.Duration
	log     *zap.Logger

	mu        sync.RWMutex
	sandboxes map[string]Sandbox
}

// New returns a Harness with the curl and go sandboxes registered. reg supplies
// template defaults; it may be nil.
func New(reg *registry.Registry, opts Options) *Harness {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	h := &Harness{
		reg:       reg,
		timeout:   opts.Timeout,
		log:       logging.OrNop(opts.Logger),
		sandboxes: map[string]Sandbox{},
	}
	h.Register("curl", SandboxFunc(runShell))
	h.Register("go", goSandbox{})
	return h
}

// Register installs (or replaces) the sandbox for language.
func (h *Harness) Register(language string, sb Sandbox) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sandboxes[language] = sb
}

// Languages returns the languages with a sandbox.
func (h *Harness) Languages() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.sandboxes))
	for l := range h.sandboxes {
		out = append(out, l)
	}
	return out
}

func (h *Harness) sandbox(language string) (Sandbox, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sb, ok := h.sandboxes[language]
	return sb, ok
}

// Verify replays impl and compares the last request it sends with
// builder.Build(def, r). A SandboxError comes back together with a failing
// report; other errors mean nothing could be verified.
func (h *Harness) Verify(ctx context.Context, impl *model.Implementation, def *model.RequestDefinition, r *variables.Resolver) (*Report, error) {
	if impl == nil || def == nil {
		return nil, errors.New("verify: implementation and definition are required")
	}
	language := impl.Key.Language

	sb, ok := h.sandbox(language)
	if !ok {
		serr := &SandboxError{Language: language, Err: ErrNoSandbox}
		return &Report{Status: model.HarnessFail, Reason: serr.Error()}, serr
	}

	r = r.WithDefaults(def.Defaults)
	if h.reg != nil {
		if tmpl, err := h.reg.Lookup(language, impl.Key.Component); err == nil {
			r = r.WithDefaults(tmpl.Defaults)
		}
	}

	want, err := builder.Build(def, r)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	calls, runErr := sb.Run(runCtx, impl.Source, environment(def, r))
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(runErr, context.DeadlineExceeded) {
			runErr = fmt.Errorf("timed out after %s", h.timeout)
		}
		serr := &SandboxError{Language: language, Err: errors.New(variables.RedactValues(runErr.Error(), want.Secrets))}
		h.log.Info("sandbox run failed",
			zap.String("implementation", impl.Key.String()),
			zap.Error(serr))
		return &Report{Status: model.HarnessFail, Reason: serr.Error()}, serr
	}

	report := &Report{Status: model.HarnessPass}
	if len(calls) == 0 {
		report.Status = model.HarnessFail
		report.Reason = "implementation sent no request"
	} else {
		got := calls[len(calls)-1]
		report.Captured = &got
		report.Mismatches, report.Diff = compare(want, got)
		if len(report.Mismatches) > 0 {
			report.Status = model.HarnessFail
			report.Reason = fmt.Sprintf("%d field(s) differ", len(report.Mismatches))
		}
	}
	redactReport(report, want.Secrets)

	h.log.Debug("verified implementation",
		zap.String("implementation", impl.Key.String()),
		zap.String("status", string(report.Status)),
		zap.Int("calls", len(calls)),
		zap.Duration("elapsed", time.Since(start)))
	return report, nil
}

func redactReport(report *Report, secrets []string) {
	if len(secrets) == 0 {
		return
	}
	for i := range report.Mismatches {
		m := &report.Mismatches[i]
		m.Expected = variables.RedactValues(m.Expected, secrets)
		m.Actual = variables.RedactValues(m.Actual, secrets)
	}
	report.Diff = variables.RedactValues(report.Diff, secrets)
}

// environment maps every variable the definition can reach to the
// environment name reference-mode code reads it from.
func environment(def *model.RequestDefinition, r *variables.Resolver) map[string]string {
	names := r.Names()
	for _, text := range definitionTexts(def) {
		names = append(names, variables.Placeholders(text)...)
	}

	env := make(map[string]string, len(names))
	for _, name := range names {
		value, err := r.Resolve(name)
		if err != nil {
			continue
		}
		if sys, ok := strings.CutPrefix(name, "env:"); ok {
			env[sys] = value
			continue
		}
		env[lang.EnvName(name)] = value
	}
	return env
}

func definitionTexts(def *model.RequestDefinition) []string {
	texts := []string{def.URL, def.Body.Content}
	for _, h := range def.Headers {
		texts = append(texts, h.Value)
	}
	for _, q := range def.Query {
		texts = append(texts, q.Value)
	}
	for _, p := range def.Body.Form {
		texts = append(texts, p.Value)
	}
	if def.Body.JSON != nil {
		if b, err := builder.MarshalJSON(def.Body.JSON); err == nil {
			texts = append(texts, string(b))
		}
	}
	a := def.Auth
	for _, v := range []string{a.TokenVar, a.UsernameVar, a.PasswordVar, a.KeyVar, a.ClientIDVar, a.ClientSecretVar} {
		if v != "" {
			texts = append(texts, "{{"+v+"}}")
		}
	}
	return texts
}
