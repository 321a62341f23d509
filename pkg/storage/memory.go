package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blackcoderx/forge/pkg/model"
)

// MemoryStore keeps implementations and results in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	impls   map[model.ImplementationKey]model.Implementation
	results []model.ExecutionResult
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{impls: make(map[model.ImplementationKey]model.Implementation)}
}

func (s *MemoryStore) Get(ctx context.Context, key model.ImplementationKey) (*model.Implementation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	impl, ok := s.impls[key]
	if !ok {
		return nil, fmt.Errorf("implementation %s: %w", key, ErrNotFound)
	}
	return &impl, nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, expected int64, impl *model.Implementation) (*model.Implementation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var current int64
	if cur, ok := s.impls[impl.Key]; ok {
		current = cur.Version
	}
	if current != expected {
		return nil, fmt.Errorf("implementation %s at version %d, expected %d: %w", impl.Key, current, expected, ErrVersionConflict)
	}
	stored := next(expected, impl)
	s.impls[impl.Key] = *stored
	return stored, nil
}

func (s *MemoryStore) AppendExecutionResult(ctx context.Context, res model.ExecutionResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, res)
	return nil
}

func (s *MemoryStore) ListExecutionResults(ctx context.Context, requestID string, since time.Time) ([]model.ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ExecutionResult
	for _, r := range s.results {
		if requestID != "" && r.RequestID != requestID {
			continue
		}
		if r.Timestamp.Before(since) {
			continue
		}
		out = append(out, r)
	}
	sortResults(out)
	return out, nil
}

func sortResults(rs []model.ExecutionResult) {
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].Timestamp.Before(rs[j].Timestamp) })
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
