// Package workspace creates the .forge folder layout used by the CLI and server.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/blackcoderx/forge/pkg/model"
	"github.com/blackcoderx/forge/pkg/storage"
)

// Options are the answers collected by `forge init`.
type Options struct {
	Environment string // local environment created next to global.yaml
	BaseURL     string // seeded as baseUrl in that environment
	StoreDriver string // memory, sqlite or redis
	Example     bool   // write requests/example.yaml
}

// Result lists what Init created. Existing files are never overwritten.
type Result struct {
	Created []string
	Existed bool
}

// Init creates dir with requests/, environments/ and a config.yaml. It is
// safe to run again: missing pieces are added, existing files left alone.
func Init(dir string, opts Options) (*Result, error) {
	if opts.Environment == "" {
		opts.Environment = "dev"
	}
	if opts.Environment == storage.GlobalEnvironment {
		return nil, fmt.Errorf("%q is reserved for the global environment", opts.Environment)
	}
	if opts.StoreDriver == "" {
		opts.StoreDriver = "sqlite"
	}

	res := &Result{}
	if _, err := os.Stat(dir); err == nil {
		res.Existed = true
	}

	ws := storage.NewWorkspace(dir)
	for _, d := range []string{dir, ws.RequestsDir(), ws.EnvironmentsDir()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", d, err)
		}
	}

	cfg := map[string]any{
		"environment": opts.Environment,
		"log_level":   "info",
		"log_format":  "console",
		"store":       map[string]any{"driver": opts.StoreDriver},
	}
	if err := writeYAML(filepath.Join(dir, "config.yaml"), cfg, res); err != nil {
		return nil, err
	}

	local := map[string]any{"baseUrl": opts.BaseURL}
	if opts.BaseURL == "" {
		local = map[string]any{"baseUrl": "http://localhost:3000"}
	}
	if err := writeYAML(filepath.Join(ws.EnvironmentsDir(), opts.Environment+".yaml"), local, res); err != nil {
		return nil, err
	}
	if err := writeYAML(filepath.Join(ws.EnvironmentsDir(), storage.GlobalEnvironment+".yaml"), map[string]any{}, res); err != nil {
		return nil, err
	}

	if opts.Example {
		if err := writeYAML(filepath.Join(ws.RequestsDir(), "example.yaml"), exampleRequest(), res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func exampleRequest() *model.RequestDefinition {
	return &model.RequestDefinition{
		ID:       "example",
		Revision: 1,
		Name:     "Health check",
		Method:   "GET",
		URL:      "{{baseUrl}}/health",
		Headers:  []model.Header{{Name: "Accept", Value: "application/json"}},
		Assertions: []model.Assertion{
			{Field: "status", Operator: "lessThan", Expected: "400"},
		},
	}
}

// writeYAML writes v to path unless the file already exists.
func writeYAML(path string, v any, res *Result) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	res.Created = append(res.Created, path)
	return nil
}
