// Package variables resolves {{name}} placeholders across layered scopes.
//
// Precedence, highest first: request-local overrides, the selected (local)
// environment, the collection environment, the global environment, and finally
// declared defaults. Values are evaluated recursively; a name that appears twice
// in one resolution chain is a circular reference.
package variables

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/blackcoderx/forge/pkg/model"
)

// Mask replaces secret values in logs and error messages.
const Mask = "******"

// systemPrefix marks a placeholder that reads the process environment.
const systemPrefix = "env:"

// varPattern matches {{VAR_NAME}} or {{env:VAR_NAME}}.
var varPattern = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

var (
	// ErrVariableNotFound is returned when no scope binds a name.
	ErrVariableNotFound = errors.New("variable not found")
	// ErrCircularReference is returned when a value refers back to itself.
	ErrCircularReference = errors.New("circular variable reference")
)

// ResolutionError reports a missing or circular variable.
type ResolutionError struct {
	Name  string
	Chain []string // resolution path that led to Name
	Err   error    // ErrVariableNotFound or ErrCircularReference
}

func (e *ResolutionError) Error() string {
	if errors.Is(e.Err, ErrCircularReference) {
		return fmt.Sprintf("circular variable reference %q (%s)", e.Name, strings.Join(append(e.Chain, e.Name), " -> "))
	}
	return fmt.Sprintf("variable %q not found", e.Name)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Chain is the scope stack for one call. Any layer may be nil.
type Chain struct {
	Overrides  map[string]string
	Local      *model.Environment
	Collection *model.Environment
	Global     *model.Environment
	Defaults   map[string]string

	// System looks up {{env:NAME}} placeholders. Nil disables them.
	System func(name string) (string, bool)
}

// Resolver evaluates placeholders against a Chain. It never mutates the chain
// and is safe for concurrent use.
type Resolver struct {
	chain Chain
}

// New creates a resolver over chain.
func New(chain Chain) *Resolver {
	return &Resolver{chain: chain}
}

// WithDefaults returns a resolver whose lowest layer also includes defaults.
// Existing defaults win over the new ones.
func (r *Resolver) WithDefaults(defaults map[string]string) *Resolver {
	if len(defaults) == 0 {
		return r
	}
	merged := make(map[string]string, len(r.chain.Defaults)+len(defaults))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range r.chain.Defaults {
		merged[k] = v
	}
	chain := r.chain
	chain.Defaults = merged
	return &Resolver{chain: chain}
}

// WithOverrides returns a resolver with additional request-local overrides.
func (r *Resolver) WithOverrides(overrides map[string]string) *Resolver {
	if len(overrides) == 0 {
		return r
	}
	merged := make(map[string]string, len(r.chain.Overrides)+len(overrides))
	for k, v := range r.chain.Overrides {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	chain := r.chain
	chain.Overrides = merged
	return &Resolver{chain: chain}
}

// raw returns the unevaluated value of name from the highest scope that binds it.
func (r *Resolver) raw(name string) (string, bool) {
	if strings.HasPrefix(name, systemPrefix) {
		if r.chain.System == nil {
			return "", false
		}
		return r.chain.System(strings.TrimPrefix(name, systemPrefix))
	}
	if v, ok := r.chain.Overrides[name]; ok {
		return v, true
	}
	for _, env := range []*model.Environment{r.chain.Local, r.chain.Collection, r.chain.Global} {
		if v, ok := env.Lookup(name); ok {
			return v.Value, true
		}
	}
	if v, ok := r.chain.Defaults[name]; ok {
		return v, true
	}
	return "", false
}

// Has reports whether name is bound at any scope or has a default.
func (r *Resolver) Has(name string) bool {
	_, ok := r.raw(name)
	return ok
}

// Default returns the declared default for name, if any.
func (r *Resolver) Default(name string) (string, bool) {
	v, ok := r.chain.Defaults[name]
	return v, ok
}

// Resolve returns the fully evaluated value of name.
func (r *Resolver) Resolve(name string) (string, error) {
	return r.resolve(strings.TrimSpace(name), nil)
}

func (r *Resolver) resolve(name string, path []string) (string, error) {
	for _, seen := range path {
		if seen == name {
			return "", &ResolutionError{Name: name, Chain: append([]string(nil), path...), Err: ErrCircularReference}
		}
	}
	value, ok := r.raw(name)
	if !ok {
		return "", &ResolutionError{Name: name, Chain: append([]string(nil), path...), Err: ErrVariableNotFound}
	}
	return r.expand(value, append(path, name))
}

// Expand substitutes every placeholder in text.
func (r *Resolver) Expand(text string) (string, error) {
	return r.expand(text, nil)
}

func (r *Resolver) expand(text string, path []string) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	var firstErr error
	out := varPattern.ReplaceAllStringFunc(text, func(match string) string {
		if firstErr != nil {
			return match
		}
		name := strings.TrimSpace(match[2 : len(match)-2])
		value, err := r.resolve(name, path)
		if err != nil {
			firstErr = err
			return match
		}
		return value
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// IsSecret reports whether name is flagged secret at the scope that supplies it.
func (r *Resolver) IsSecret(name string) bool {
	if _, ok := r.chain.Overrides[name]; ok {
		// overrides inherit the secret flag of the variable they shadow
		for _, env := range []*model.Environment{r.chain.Local, r.chain.Collection, r.chain.Global} {
			if v, ok := env.Lookup(name); ok && v.Secret {
				return true
			}
		}
		return false
	}
	for _, env := range []*model.Environment{r.chain.Local, r.chain.Collection, r.chain.Global} {
		if v, ok := env.Lookup(name); ok {
			return v.Secret
		}
	}
	return false
}

// Secrets returns the evaluated values of every secret variable in the chain,
// longest first so that redaction never leaves a partial secret behind.
func (r *Resolver) Secrets() []string {
	seen := make(map[string]bool)
	var values []string
	for _, env := range []*model.Environment{r.chain.Local, r.chain.Collection, r.chain.Global} {
		if env == nil {
			continue
		}
		for name, v := range env.Variables {
			if !v.Secret || seen[name] {
				continue
			}
			seen[name] = true
			value, err := r.Resolve(name)
			if err != nil || value == "" {
				continue
			}
			values = append(values, value)
		}
	}
	sort.Slice(values, func(i, j int) bool {
		if len(values[i]) != len(values[j]) {
			return len(values[i]) > len(values[j])
		}
		return values[i] < values[j]
	})
	return values
}

// Redact replaces every secret value in text with Mask.
func (r *Resolver) Redact(text string) string {
	return RedactValues(text, r.Secrets())
}

// RedactValues replaces each of secrets in text with Mask.
func RedactValues(text string, secrets []string) string {
	for _, s := range secrets {
		if s == "" {
			continue
		}
		text = strings.ReplaceAll(text, s, Mask)
	}
	return text
}

// Names returns every name bound in the chain (overrides, environments, defaults), sorted.
func (r *Resolver) Names() []string {
	set := make(map[string]bool)
	for k := range r.chain.Overrides {
		set[k] = true
	}
	for _, env := range []*model.Environment{r.chain.Local, r.chain.Collection, r.chain.Global} {
		if env == nil {
			continue
		}
		for k := range env.Variables {
			set[k] = true
		}
	}
	for k := range r.chain.Defaults {
		set[k] = true
	}
	names := make([]string, 0, len(set))
	for k := range set {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Snapshot evaluates every bound name. Names that fail to resolve are skipped.
func (r *Resolver) Snapshot() map[string]string {
	out := make(map[string]string)
	for _, name := range r.Names() {
		if v, err := r.Resolve(name); err == nil {
			out[name] = v
		}
	}
	return out
}

// Placeholders returns the distinct placeholder names in text, in order of appearance.
func Placeholders(text string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, m := range varPattern.FindAllStringSubmatch(text, -1) {
		name := strings.TrimSpace(m[1])
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

// Segment is either a literal run of text or a variable reference.
type Segment struct {
	Literal string
	Var     string
}

// IsVar reports whether the segment is a variable reference.
func (s Segment) IsVar() bool { return s.Var != "" }

// Split breaks text into literal and variable segments. Adjacent literals are merged.
func Split(text string) []Segment {
	var segs []Segment
	last := 0
	for _, loc := range varPattern.FindAllStringSubmatchIndex(text, -1) {
		if loc[0] > last {
			segs = append(segs, Segment{Literal: text[last:loc[0]]})
		}
		segs = append(segs, Segment{Var: strings.TrimSpace(text[loc[2]:loc[3]])})
		last = loc[1]
	}
	if last < len(text) {
		segs = append(segs, Segment{Literal: text[last:]})
	}
	return segs
}
