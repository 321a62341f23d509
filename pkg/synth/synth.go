// Package synth renders RequestDefinitions into source code through the
// template registry.
package synth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/blackcoderx/forge/pkg/lang"
	"github.com/blackcoderx/forge/pkg/logging"
	"github.com/blackcoderx/forge/pkg/model"
	"github.com/blackcoderx/forge/pkg/registry"
	"github.com/blackcoderx/forge/pkg/variables"
)

// ErrUnsupportedLanguage is returned for a language with a template but no dialect.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// SynthesisError reports why code could not be generated.
type SynthesisError struct {
	Field           string
	MissingVariable string
	Err             error
}

func (e *SynthesisError) Error() string {
	if e.MissingVariable != "" {
		return fmt.Sprintf("failed to synthesize: %s: missing variable %q", e.Field, e.MissingVariable)
	}
	return fmt.Sprintf("failed to synthesize: %s: %v", e.Field, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

func resolutionFailure(field string, err error) error {
	serr := &SynthesisError{Field: field, Err: err}
	var rerr *variables.ResolutionError
	if errors.As(err, &rerr) && errors.Is(err, variables.ErrVariableNotFound) {
		serr.MissingVariable = rerr.Name
	}
	return serr
}

// Result is generated source plus the metadata needed to store it.
type Result struct {
	Source          string
	Digest          string
	TemplateVersion string
	// Env lists the environment variables the source reads (reference mode).
	Env []EnvVar
}

// Synthesizer renders definitions with templates from a registry.
type Synthesizer struct {
	reg *registry.Registry
	log *zap.Logger
}

// New returns a Synthesizer backed by reg.
func New(reg *registry.Registry, logger *zap.Logger) *Synthesizer {
	return &Synthesizer{reg: reg, log: logging.OrNop(logger)}
}

// Synthesize renders def for (language, component). Output depends only on its
// inputs: the same definition, resolver values and template set always produce
// the same bytes.
func (s *Synthesizer) Synthesize(def *model.RequestDefinition, language, component string, mode model.Mode, r *variables.Resolver) (*Result, error) {
	if def == nil {
		return nil, &SynthesisError{Field: "definition", Err: errors.New("definition is nil")}
	}
	tmpl, err := s.reg.Lookup(language, component)
	if err != nil {
		return nil, err
	}
	d, ok := lang.Lookup(language)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, language)
	}
	if err := checkRequires(def, tmpl.Requires); err != nil {
		return nil, err
	}

	// definition defaults win over template defaults
	r = r.WithDefaults(def.Defaults).WithDefaults(tmpl.Defaults)

	view, err := buildView(def, d, mode, r)
	if err != nil {
		return nil, err
	}
	view.Component = component

	source, err := tmpl.Render(view)
	if err != nil {
		return nil, err
	}
	source = strings.TrimLeft(source, "\n")
	source = strings.TrimRight(source, "\n") + "\n"
	sum := sha256.Sum256([]byte(source))

	s.log.Debug("synthesized implementation",
		zap.String("request", def.ID),
		zap.String("language", language),
		zap.String("component", component),
		zap.String("mode", string(mode)),
		zap.Int("bytes", len(source)))

	return &Result{
		Source:          source,
		Digest:          hex.EncodeToString(sum[:]),
		TemplateVersion: tmpl.Version,
		Env:             view.Env,
	}, nil
}

// checkRequires verifies that def carries every field the template needs.
func checkRequires(def *model.RequestDefinition, requires []string) error {
	for _, field := range requires {
		var present bool
		switch field {
		case "method":
			present = def.Method != ""
		case "url":
			present = def.URL != ""
		case "headers":
			present = slices.ContainsFunc(def.Headers, model.Header.Enabled)
		case "query":
			present = slices.ContainsFunc(def.Query, model.QueryParam.Enabled)
		case "body":
			present = !def.Body.IsEmpty()
		case "auth":
			present = def.Auth.Kind != "" && def.Auth.Kind != model.AuthNone
		default:
			present = true
		}
		if !present {
			return &SynthesisError{Field: field, Err: fmt.Errorf("template requires %s", field)}
		}
	}
	return nil
}
