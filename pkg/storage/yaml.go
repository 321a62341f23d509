package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/blackcoderx/forge/pkg/model"
)

// Workspace reads and writes request definitions and environments under a
// .forge directory:
//
//	requests/**/<id>.yaml
//	environments/<name>.yaml           local scope
//	environments/global.yaml           global scope
//	environments/collections/<id>.yaml collection scope
type Workspace struct {
	Dir string
}

// NewWorkspace returns a Workspace rooted at dir.
func NewWorkspace(dir string) *Workspace {
	return &Workspace{Dir: dir}
}

// RequestsDir returns the requests directory path.
func (w *Workspace) RequestsDir() string {
	return filepath.Join(w.Dir, "requests")
}

// EnvironmentsDir returns the environments directory path.
func (w *Workspace) EnvironmentsDir() string {
	return filepath.Join(w.Dir, "environments")
}

// SaveRequest writes def to requests/<id>.yaml and returns the file path.
func (w *Workspace) SaveRequest(def *model.RequestDefinition) (string, error) {
	if def.ID == "" {
		return "", fmt.Errorf("request id is required")
	}
	filePath, err := withinDir(w.RequestsDir(), def.ID+".yaml")
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := yaml.Marshal(def)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	return filePath, nil
}

// LoadRequest loads a request definition from a YAML file.
func LoadRequest(filePath string) (*model.RequestDefinition, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("request file %s: %w", filePath, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var def model.RequestDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse YAML %s: %w", filePath, err)
	}
	if def.Revision == 0 {
		def.Revision = 1
	}
	if err := validateDefinition(&def); err != nil {
		return nil, fmt.Errorf("invalid request %s: %w", filePath, err)
	}
	return &def, nil
}

// ListRequests lists request files relative to the requests directory.
func (w *Workspace) ListRequests() ([]string, error) {
	dir := w.RequestsDir()
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	files, err := doublestar.Glob(os.DirFS(dir), "**/*.{yaml,yml}")
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// GetRequestDefinition looks up requests/<id>.yaml first and otherwise scans
// every request file for a matching id field. A file without an id takes its
// path (minus extension) as id.
func (w *Workspace) GetRequestDefinition(ctx context.Context, id string) (*model.RequestDefinition, error) {
	for _, ext := range []string{".yaml", ".yml"} {
		p, err := withinDir(w.RequestsDir(), id+ext)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(p); err == nil {
			def, err := LoadRequest(p)
			if err != nil {
				return nil, err
			}
			if def.ID == "" {
				def.ID = id
			}
			return def, nil
		}
	}

	files, err := w.ListRequests()
	if err != nil {
		return nil, err
	}
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		def, err := LoadRequest(filepath.Join(w.RequestsDir(), rel))
		if err != nil {
			continue
		}
		if def.ID == "" {
			def.ID = strings.TrimSuffix(strings.TrimSuffix(filepath.ToSlash(rel), ".yaml"), ".yml")
		}
		if def.ID == id {
			return def, nil
		}
	}
	return nil, fmt.Errorf("request %q: %w", id, ErrNotFound)
}

var validBodyKinds = map[model.BodyKind]bool{
	"": true, model.BodyNone: true, model.BodyRaw: true, model.BodyJSON: true, model.BodyForm: true, model.BodyBinary: true,
}

var validAuthKinds = map[model.AuthKind]bool{
	"": true, model.AuthNone: true, model.AuthBearer: true, model.AuthBasic: true, model.AuthAPIKey: true, model.AuthOAuth2: true,
}

func validateDefinition(def *model.RequestDefinition) error {
	if strings.TrimSpace(def.URL) == "" {
		return fmt.Errorf("url is required")
	}
	if !validBodyKinds[def.Body.Kind] {
		return fmt.Errorf("unknown body kind %q", def.Body.Kind)
	}
	if !validAuthKinds[def.Auth.Kind] {
		return fmt.Errorf("unknown auth kind %q", def.Auth.Kind)
	}
	for i, h := range def.Headers {
		if strings.TrimSpace(h.Name) == "" {
			return fmt.Errorf("header %d has no name", i)
		}
	}
	for i, a := range def.Assertions {
		if a.Field == "" || a.Operator == "" {
			return fmt.Errorf("assertion %d needs field and operator", i)
		}
	}
	return nil
}
