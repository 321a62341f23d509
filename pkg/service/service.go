// Package service wires the execute and generate pipelines together and
// exposes the caller operations used by the HTTP server and the CLI.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blackcoderx/forge/pkg/analytics"
	"github.com/blackcoderx/forge/pkg/assert"
	"github.com/blackcoderx/forge/pkg/harness"
	"github.com/blackcoderx/forge/pkg/httpclient"
	"github.com/blackcoderx/forge/pkg/logging"
	"github.com/blackcoderx/forge/pkg/model"
	"github.com/blackcoderx/forge/pkg/registry"
	"github.com/blackcoderx/forge/pkg/storage"
	"github.com/blackcoderx/forge/pkg/synth"
	"github.com/blackcoderx/forge/pkg/validate"
	"github.com/blackcoderx/forge/pkg/variables"
)

var (
	// ErrInvalidInput is returned for malformed caller input.
	ErrInvalidInput = errors.New("invalid input")
	// ErrConflict is returned when optimistic saves keep losing to concurrent writers.
	ErrConflict = errors.New("implementation changed concurrently, retries exhausted")
)

// DefaultMaxRetries bounds the compare-and-swap loop.
const DefaultMaxRetries = 5

// Config holds the collaborators of a Service. Definitions, Environments,
// Implementations, Results and Registry are required.
type Config struct {
	Definitions     storage.DefinitionSource
	Environments    storage.EnvironmentSource
	Implementations storage.ImplementationStore
	Results         storage.ResultStore
	Registry        *registry.Registry

	Client    *httpclient.Client
	Recorder  *analytics.Recorder
	Validator *validate.Validator
	Harness   *harness.Harness

	// Environment is the local environment used when a call names none.
	Environment string
	// AllowSystemEnv enables {{env:NAME}} placeholders.
	AllowSystemEnv bool
	// Retention bounds how far back Warm replays stored results.
	Retention  time.Duration
	MaxRetries int

	Now    func() time.Time
	Logger *zap.Logger
}

// Service runs the caller operations. It holds no per-call state and is safe
// for concurrent use.
type Service struct {
	defs     storage.DefinitionSource
	envs     storage.EnvironmentSource
	impls    storage.ImplementationStore
	results  storage.ResultStore
	reg      *registry.Registry
	client   *httpclient.Client
	recorder *analytics.Recorder
	eval     *assert.Evaluator
	synth    *synth.Synthesizer
	valid    *validate.Validator
	harness  *harness.Harness

	environment    string
	allowSystemEnv bool
	retention      time.Duration
	maxRetries     int
	now            func() time.Time
	log            *zap.Logger
}

// New builds a Service, creating default collaborators for the optional fields.
func New(cfg Config) (*Service, error) {
	if cfg.Definitions == nil || cfg.Environments == nil || cfg.Implementations == nil || cfg.Results == nil {
		return nil, errors.New("service: definition, environment, implementation and result stores are required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("service: template registry is required")
	}
	log := logging.OrNop(cfg.Logger)
	if cfg.Client == nil {
		cfg.Client = httpclient.New(httpclient.Options{Logger: log})
	}
	if cfg.Recorder == nil {
		cfg.Recorder = analytics.NewRecorder(analytics.Options{Logger: log})
	}
	if cfg.Validator == nil {
		cfg.Validator = validate.New(log)
	}
	if cfg.Harness == nil {
		cfg.Harness = harness.New(cfg.Registry, harness.Options{Logger: log})
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		defs:           cfg.Definitions,
		envs:           cfg.Environments,
		impls:          cfg.Implementations,
		results:        cfg.Results,
		reg:            cfg.Registry,
		client:         cfg.Client,
		recorder:       cfg.Recorder,
		eval:           assert.New(log),
		synth:          synth.New(cfg.Registry, log),
		valid:          cfg.Validator,
		harness:        cfg.Harness,
		environment:    cfg.Environment,
		allowSystemEnv: cfg.AllowSystemEnv,
		retention:      cfg.Retention,
		maxRetries:     cfg.MaxRetries,
		now:            cfg.Now,
		log:            log,
	}, nil
}

// Registry returns the template registry.
func (s *Service) Registry() *registry.Registry { return s.reg }

// Recorder returns the analytics recorder.
func (s *Service) Recorder() *analytics.Recorder { return s.recorder }

func correlationID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

// resolver assembles the variable chain for def: overrides, the named local
// environment, the definition's collection environment, then global. Missing
// global and collection environments are treated as empty; a missing local
// environment is an error only when the caller named it explicitly.
func (s *Service) resolver(ctx context.Context, def *model.RequestDefinition, envName string, overrides map[string]string) (*variables.Resolver, *model.Environment, error) {
	explicit := envName != ""
	if !explicit {
		envName = s.environment
	}

	local, err := s.envs.GetEnvironment(ctx, model.ScopeLocal, envName)
	if err != nil && (explicit || !errors.Is(err, storage.ErrNotFound)) {
		return nil, nil, fmt.Errorf("environment %q: %w", envName, err)
	}

	var collection *model.Environment
	if def.CollectionID != "" {
		collection, err = s.envs.GetEnvironment(ctx, model.ScopeCollection, def.CollectionID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, nil, fmt.Errorf("collection environment %q: %w", def.CollectionID, err)
		}
	}

	global, err := s.envs.GetEnvironment(ctx, model.ScopeGlobal, "")
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, nil, fmt.Errorf("global environment: %w", err)
	}

	chain := variables.Chain{
		Overrides:  overrides,
		Local:      local,
		Collection: collection,
		Global:     global,
		Defaults:   def.Defaults,
	}
	if s.allowSystemEnv {
		chain.System = os.LookupEnv
	}
	return variables.New(chain), local, nil
}

func (s *Service) definition(ctx context.Context, requestID string) (*model.RequestDefinition, error) {
	if requestID == "" {
		return nil, fmt.Errorf("%w: request id is required", ErrInvalidInput)
	}
	def, err := s.defs.GetRequestDefinition(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("request %q: %w", requestID, err)
	}
	return def, nil
}
