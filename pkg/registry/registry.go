// Package registry loads code templates and serves them by (language, component).
//
// Lookups read an immutable Set through an atomic pointer. Reload builds a
// complete replacement Set and swaps it in one step, so readers see either the
// old set or the new one and never a mix.
package registry

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"text/template"

	"github.com/blang/semver"
	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/blackcoderx/forge/pkg/logging"
)

//go:embed templates
var embedded embed.FS

var (
	// ErrTemplateNotFound is returned when no template exists for a (language, component) pair.
	ErrTemplateNotFound = errors.New("template not found")
	// ErrRegistryCorrupt is returned when a template set cannot be loaded.
	ErrRegistryCorrupt = errors.New("template registry corrupt")
)

// TemplateError reports a template file that failed to parse or render.
type TemplateError struct {
	Language  string
	Component string
	File      string
	Err       error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template %s/%s (%s): %v", e.Language, e.Component, e.File, e.Err)
}

func (e *TemplateError) Unwrap() error { return e.Err }

// Template is one parsed language template. It is immutable.
type Template struct {
	Language    string
	Component   string
	File        string
	Description string
	Requires    []string
	Defaults    map[string]string
	// Version is the version of the set the template was loaded from.
	Version string

	tmpl *template.Template
}

// Render executes the template with data.
func (t *Template) Render(data any) (string, error) {
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", &TemplateError{Language: t.Language, Component: t.Component, File: t.File, Err: err}
	}
	return buf.String(), nil
}

type key struct{ language, component string }

// Set is an immutable, fully loaded template set.
type Set struct {
	Version   semver.Version
	Source    string
	templates map[key]*Template
	orphans   []string
}

// Templates returns every template, sorted by language then component.
func (s *Set) Templates() []*Template {
	out := make([]*Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Language != out[j].Language {
			return out[i].Language < out[j].Language
		}
		return out[i].Component < out[j].Component
	})
	return out
}

// Orphans returns template files present in the set but not named by the manifest.
func (s *Set) Orphans() []string { return s.orphans }

// Source provides the files of a template set.
type Source interface {
	Name() string
	FS() (fs.FS, error)
}

// EmbeddedSource serves the template set compiled into the binary.
type EmbeddedSource struct{}

func (EmbeddedSource) Name() string { return "embedded" }

func (EmbeddedSource) FS() (fs.FS, error) { return fs.Sub(embedded, "templates") }

// DirSource serves a template set from a directory.
type DirSource struct{ Dir string }

func (d DirSource) Name() string { return d.Dir }

func (d DirSource) FS() (fs.FS, error) {
	info, err := os.Stat(d.Dir)
	if err != nil {
		return nil, fmt.Errorf("template directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("template directory %s is not a directory", d.Dir)
	}
	return os.DirFS(d.Dir), nil
}

// Registry serves templates from the current Set.
type Registry struct {
	source Source
	funcs  template.FuncMap
	log    *zap.Logger
	cur    atomic.Pointer[Set]
}

// New loads the initial set from src. A nil src uses the embedded set.
func New(src Source, funcs template.FuncMap, logger *zap.Logger) (*Registry, error) {
	if src == nil {
		src = EmbeddedSource{}
	}
	r := &Registry{source: src, funcs: funcs, log: logging.OrNop(logger)}
	set, err := Load(src, funcs)
	if err != nil {
		return nil, err
	}
	r.swap(set)
	return r, nil
}

func (r *Registry) swap(set *Set) {
	r.cur.Store(set)
	for _, o := range set.orphans {
		r.log.Warn("template file not referenced by manifest", zap.String("file", o), zap.String("source", set.Source))
	}
	r.log.Info("template set loaded",
		zap.String("source", set.Source),
		zap.String("version", set.Version.String()),
		zap.Int("templates", len(set.templates)))
}

// Current returns the active set.
func (r *Registry) Current() *Set { return r.cur.Load() }

// Lookup returns the template for (language, component).
func (r *Registry) Lookup(language, component string) (*Template, error) {
	set := r.cur.Load()
	t, ok := set.templates[key{language, component}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrTemplateNotFound, language, component)
	}
	return t, nil
}

// Languages returns the languages that have at least one template.
func (r *Registry) Languages() []string {
	seen := map[string]bool{}
	var out []string
	for k := range r.cur.Load().templates {
		if !seen[k.language] {
			seen[k.language] = true
			out = append(out, k.language)
		}
	}
	sort.Strings(out)
	return out
}

// Reload rebuilds the set from the source and swaps it in. On failure the
// current set stays active and the error wraps ErrRegistryCorrupt.
func (r *Registry) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	set, err := Load(r.source, r.funcs)
	if err != nil {
		r.log.Error("template reload failed, keeping current set", zap.Error(err))
		return err
	}
	r.swap(set)
	return nil
}

// Load reads, validates and parses every template of src.
func Load(src Source, funcs template.FuncMap) (*Set, error) {
	fsys, err := src.FS()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryCorrupt, err)
	}
	set, err := LoadFS(fsys, funcs)
	if err != nil {
		return nil, err
	}
	set.Source = src.Name()
	return set, nil
}

// LoadFS loads a template set from fsys.
func LoadFS(fsys fs.FS, funcs template.FuncMap) (*Set, error) {
	data, err := fs.ReadFile(fsys, ManifestFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryCorrupt, err)
	}
	manifest, version, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryCorrupt, err)
	}

	set := &Set{Version: version, templates: make(map[key]*Template, len(manifest.Templates))}
	referenced := make(map[string]bool, len(manifest.Templates))
	for _, entry := range manifest.Templates {
		referenced[entry.File] = true
		text, err := fs.ReadFile(fsys, entry.File)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRegistryCorrupt, &TemplateError{
				Language: entry.Language, Component: entry.Component, File: entry.File, Err: err,
			})
		}
		tmpl, err := template.New(entry.File).
			Option("missingkey=error").
			Funcs(Funcs(funcs)).
			Parse(string(text))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRegistryCorrupt, &TemplateError{
				Language: entry.Language, Component: entry.Component, File: entry.File, Err: err,
			})
		}
		set.templates[key{entry.Language, entry.Component}] = &Template{
			Language:    entry.Language,
			Component:   entry.Component,
			File:        entry.File,
			Description: entry.Description,
			Requires:    append([]string(nil), entry.Requires...),
			Defaults:    copyMap(entry.Defaults),
			Version:     version.String(),
			tmpl:        tmpl,
		}
	}

	files, err := doublestar.Glob(fsys, "**/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryCorrupt, err)
	}
	for _, f := range files {
		if !referenced[f] {
			set.orphans = append(set.orphans, f)
		}
	}
	sort.Strings(set.orphans)
	return set, nil
}

func copyMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// IsTemplateError reports whether err carries a *TemplateError.
func IsTemplateError(err error) bool {
	var te *TemplateError
	return errors.As(err, &te)
}

func (t *Template) String() string {
	parts := []string{t.Language + "/" + t.Component}
	if t.Description != "" {
		parts = append(parts, t.Description)
	}
	return strings.Join(parts, " - ")
}
