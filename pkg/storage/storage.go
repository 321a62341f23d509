// Package storage holds the data-layer adapters: the YAML workspace that
// supplies request definitions and environments, and the implementation and
// execution-result stores (memory, SQLite, Redis).
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/blackcoderx/forge/pkg/config"
	"github.com/blackcoderx/forge/pkg/model"
)

var (
	// ErrNotFound is returned when a definition, environment or implementation does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned by CompareAndSwap when the stored version moved.
	ErrVersionConflict = errors.New("version conflict")
	// ErrStoreUnavailable wraps connectivity failures. Callers treat it as fatal.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// DefinitionSource supplies saved request definitions.
type DefinitionSource interface {
	GetRequestDefinition(ctx context.Context, id string) (*model.RequestDefinition, error)
}

// EnvironmentSource supplies environments by scope. id is the environment
// name for local scope, the collection id for collection scope, and ignored
// for global scope.
type EnvironmentSource interface {
	GetEnvironment(ctx context.Context, scope model.Scope, id string) (*model.Environment, error)
}

// ImplementationStore persists generated implementations with optimistic versioning.
type ImplementationStore interface {
	// Get returns the current implementation for key or ErrNotFound.
	Get(ctx context.Context, key model.ImplementationKey) (*model.Implementation, error)
	// CompareAndSwap stores impl if the current version equals expected (0 when
	// none exists yet). The stored copy gets Version expected+1 and Supersedes
	// expected. A moved version returns ErrVersionConflict.
	CompareAndSwap(ctx context.Context, expected int64, impl *model.Implementation) (*model.Implementation, error)
}

// ResultStore keeps the append-only execution history.
type ResultStore interface {
	AppendExecutionResult(ctx context.Context, res model.ExecutionResult) error
	// ListExecutionResults returns results at or after since, oldest first. An
	// empty requestID lists every request.
	ListExecutionResults(ctx context.Context, requestID string, since time.Time) ([]model.ExecutionResult, error)
}

// Store is a backend that provides both stores.
type Store interface {
	ImplementationStore
	ResultStore
	Close() error
}

// Open connects the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.SQLitePath, logger)
	case "redis":
		return OpenRedis(ctx, RedisOptions{Addr: cfg.RedisAddr, DB: cfg.RedisDB}, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// next returns the copy of impl that CompareAndSwap stores.
func next(expected int64, impl *model.Implementation) *model.Implementation {
	out := *impl
	out.Version = expected + 1
	out.Supersedes = expected
	return &out
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}
