package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/blackcoderx/forge/pkg/model"
)

// GetAnalytics returns the rollup for requestID over [start, end). A zero end
// means now and a zero start means one window before end.
func (s *Service) GetAnalytics(ctx context.Context, requestID string, start, end time.Time) (model.Rollup, error) {
	if err := ctx.Err(); err != nil {
		return model.Rollup{}, err
	}
	if requestID == "" {
		return model.Rollup{}, fmt.Errorf("%w: request id is required", ErrInvalidInput)
	}
	if end.IsZero() {
		end = s.now()
	}
	if start.IsZero() {
		start = end.Add(-s.recorder.Window())
	}
	if !end.After(start) {
		return model.Rollup{}, fmt.Errorf("%w: end must be after start", ErrInvalidInput)
	}
	return s.recorder.Query(requestID, start, end), nil
}

// Warm replays stored results into the recorder so rollups survive restarts.
// Only results inside the retention period are replayed.
func (s *Service) Warm(ctx context.Context) (int, error) {
	var since time.Time
	if s.retention > 0 {
		since = s.now().Add(-s.retention)
	}
	results, err := s.results.ListExecutionResults(ctx, "", since)
	if err != nil {
		return 0, fmt.Errorf("failed to load results: %w", err)
	}
	s.recorder.Replay(results)
	s.log.Info("analytics warmed", zap.Int("results", len(results)))
	return len(results), nil
}

// ReloadTemplates swaps in a freshly loaded template set. On failure the
// current set stays active.
func (s *Service) ReloadTemplates(ctx context.Context) error {
	return s.reg.Reload(ctx)
}
