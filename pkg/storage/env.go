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

	"gopkg.in/yaml.v3"

	"github.com/blackcoderx/forge/pkg/model"
)

// GlobalEnvironment is the file name (without extension) of the global scope.
const GlobalEnvironment = "global"

// environment header keys; every other top-level key of a flat file is a variable.
var envHeaderKeys = map[string]bool{
	"id": true, "name": true, "scope": true, "collection": true, "variables": true, "insecure_skip_verify": true,
}

// LoadEnvironment loads an environment from a YAML file. Two layouts are
// accepted: a document with a `variables` map, and a flat `NAME: value` map.
func LoadEnvironment(filePath string) (*model.Environment, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("environment file %s: %w", filePath, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read environment file: %w", err)
	}

	var env model.Environment
	if err := yaml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse environment YAML: %w", err)
	}
	if env.Variables == nil {
		var flat map[string]model.Variable
		var raw map[string]yaml.Node
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse environment YAML: %w", err)
		}
		flat = make(map[string]model.Variable, len(raw))
		for name, node := range raw {
			if envHeaderKeys[name] {
				continue
			}
			var v model.Variable
			if err := node.Decode(&v); err != nil {
				return nil, fmt.Errorf("variable %s: %w", name, err)
			}
			flat[name] = v
		}
		env.Variables = flat
	}

	base := strings.TrimSuffix(strings.TrimSuffix(filepath.Base(filePath), ".yaml"), ".yml")
	if env.ID == "" {
		env.ID = base
	}
	if env.Name == "" {
		env.Name = env.ID
	}
	return &env, nil
}

// SaveEnvironment writes env to the file matching its scope.
func (w *Workspace) SaveEnvironment(env *model.Environment) error {
	filePath, err := w.environmentPath(env.Scope, env.ID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	data, err := yaml.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal environment: %w", err)
	}
	return os.WriteFile(filePath, data, 0o644)
}

// ListEnvironments lists the local environment names.
func (w *Workspace) ListEnvironments() ([]string, error) {
	envDir := w.EnvironmentsDir()
	entries, err := os.ReadDir(envDir)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read environments directory: %w", err)
	}

	envs := []string{}
	for _, entry := range entries {
		if entry.IsDir() || !(strings.HasSuffix(entry.Name(), ".yaml") || strings.HasSuffix(entry.Name(), ".yml")) {
			continue
		}
		name := strings.TrimSuffix(strings.TrimSuffix(entry.Name(), ".yaml"), ".yml")
		if name != GlobalEnvironment {
			envs = append(envs, name)
		}
	}
	sort.Strings(envs)
	return envs, nil
}

// GetEnvironment loads the environment for scope. The scope stored on the
// returned environment always matches the requested one.
func (w *Workspace) GetEnvironment(ctx context.Context, scope model.Scope, id string) (*model.Environment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filePath, err := w.environmentPath(scope, id)
	if err != nil {
		return nil, err
	}
	env, err := LoadEnvironment(filePath)
	if errors.Is(err, ErrNotFound) {
		// .yml fallback
		alt := strings.TrimSuffix(filePath, ".yaml") + ".yml"
		env, err = LoadEnvironment(alt)
	}
	if err != nil {
		return nil, err
	}
	env.Scope = scope
	if scope == model.ScopeCollection {
		env.CollectionID = id
	}
	return env, nil
}

func (w *Workspace) environmentPath(scope model.Scope, id string) (string, error) {
	switch scope {
	case model.ScopeGlobal:
		return filepath.Join(w.EnvironmentsDir(), GlobalEnvironment+".yaml"), nil
	case model.ScopeCollection:
		if id == "" {
			return "", fmt.Errorf("collection environment needs a collection id")
		}
		return withinDir(filepath.Join(w.EnvironmentsDir(), "collections"), id+".yaml")
	case model.ScopeLocal, "":
		if id == "" {
			return "", fmt.Errorf("local environment needs a name")
		}
		if id == GlobalEnvironment {
			return "", fmt.Errorf("%q is reserved for the global environment", id)
		}
		return withinDir(w.EnvironmentsDir(), id+".yaml")
	default:
		return "", fmt.Errorf("unknown environment scope %q", scope)
	}
}
