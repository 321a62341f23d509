package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/blackcoderx/forge/pkg/logging"
	"github.com/blackcoderx/forge/pkg/model"
)

// SQLiteStore persists implementations and results in a SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	path string
	log  *zap.Logger
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:" opens
// a private in-memory database.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStore, error) {
	log := logging.OrNop(logger).With(zap.String("component", "sqlite"))

	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, unavailable("open database", err)
	}
	// one writer keeps CAS updates serialized and the in-memory database shared
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: path, log: log}
	if err := s.initialize(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", zap.String("path", path))
	return s, nil
}

func (s *SQLiteStore) initialize(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping database", err)
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return unavailable("create schema", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key model.ImplementationKey) (*model.Implementation, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM implementations WHERE request_id = ? AND language = ? AND component = ?`,
		key.RequestID, key.Language, key.Component).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("implementation %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, s.fail(ctx, "get implementation", err)
	}
	var impl model.Implementation
	if err := json.Unmarshal([]byte(data), &impl); err != nil {
		return nil, fmt.Errorf("failed to decode implementation %s: %w", key, err)
	}
	return &impl, nil
}

func (s *SQLiteStore) CompareAndSwap(ctx context.Context, expected int64, impl *model.Implementation) (*model.Implementation, error) {
	stored := next(expected, impl)
	data, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to encode implementation: %w", err)
	}
	k := impl.Key

	var res sql.Result
	if expected == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO implementations (request_id, language, component, version, supersedes, data)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (request_id, language, component) DO NOTHING`,
			k.RequestID, k.Language, k.Component, stored.Version, stored.Supersedes, string(data))
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE implementations
			 SET version = ?, supersedes = ?, data = ?, updated_at = CURRENT_TIMESTAMP
			 WHERE request_id = ? AND language = ? AND component = ? AND version = ?`,
			stored.Version, stored.Supersedes, string(data), k.RequestID, k.Language, k.Component, expected)
	}
	if err != nil {
		return nil, s.fail(ctx, "save implementation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, s.fail(ctx, "save implementation", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("implementation %s, expected version %d: %w", k, expected, ErrVersionConflict)
	}
	return stored, nil
}

func (s *SQLiteStore) AppendExecutionResult(ctx context.Context, r model.ExecutionResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO execution_results (id, request_id, ts, data) VALUES (?, ?, ?, ?)`,
		r.ID, r.RequestID, r.Timestamp.UnixNano(), string(data))
	if err != nil {
		return s.fail(ctx, "append result", err)
	}
	return nil
}

func (s *SQLiteStore) ListExecutionResults(ctx context.Context, requestID string, since time.Time) ([]model.ExecutionResult, error) {
	var sinceNanos int64
	if !since.IsZero() {
		sinceNanos = since.UnixNano()
	}
	query := `SELECT data FROM execution_results WHERE ts >= ? ORDER BY ts, rowid`
	args := []any{sinceNanos}
	if requestID != "" {
		query = `SELECT data FROM execution_results WHERE request_id = ? AND ts >= ? ORDER BY ts, rowid`
		args = []any{requestID, sinceNanos}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.fail(ctx, "list results", err)
	}
	defer rows.Close()

	var out []model.ExecutionResult
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, s.fail(ctx, "list results", err)
		}
		var r model.ExecutionResult
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("failed to decode result: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(ctx, "list results", err)
	}
	return out, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// fail keeps context errors as they are and reports everything else as unavailability.
func (s *SQLiteStore) fail(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	s.log.Error("sqlite operation failed", zap.String("op", op), zap.Error(err))
	return unavailable(op, err)
}
