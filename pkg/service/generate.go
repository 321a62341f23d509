package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/blackcoderx/forge/pkg/harness"
	"github.com/blackcoderx/forge/pkg/model"
	"github.com/blackcoderx/forge/pkg/storage"
)

// GenerateInput selects what to synthesize.
type GenerateInput struct {
	RequestID     string            `json:"-"`
	Language      string            `json:"-"`
	Component     string            `json:"-"`
	Mode          model.Mode        `json:"mode,omitempty"`
	Environment   string            `json:"environment,omitempty"`
	Overrides     map[string]string `json:"overrides,omitempty"`
	CorrelationID string            `json:"-"`
}

// GenerateOutput is the saved implementation.
type GenerateOutput struct {
	Source          string                 `json:"source"`
	Mode            model.Mode             `json:"mode"`
	Validation      model.ValidationStatus `json:"validation"`
	Reason          string                 `json:"reason,omitempty"`
	Version         int64                  `json:"version"`
	Supersedes      int64                  `json:"supersedes,omitempty"`
	Digest          string                 `json:"digest"`
	TemplateVersion string                 `json:"template_version"`
	CorrelationID   string                 `json:"correlation_id"`
}

// GenerateImplementation synthesizes source for a saved request, validates it
// and stores it as the next version of its implementation key. A failed
// validation is recorded on the implementation, not returned as an error.
func (s *Service) GenerateImplementation(ctx context.Context, in GenerateInput) (*GenerateOutput, error) {
	cid := correlationID(in.CorrelationID)
	if in.Language == "" || in.Component == "" {
		return nil, fmt.Errorf("%w: language and component are required", ErrInvalidInput)
	}
	mode, err := model.ParseMode(string(in.Mode))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	def, err := s.definition(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	r, _, err := s.resolver(ctx, def, in.Environment, in.Overrides)
	if err != nil {
		return nil, err
	}

	res, err := s.synth.Synthesize(def, in.Language, in.Component, mode, r)
	if err != nil {
		return nil, err
	}
	check := s.valid.Validate(ctx, res.Source, in.Language)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := model.ImplementationKey{RequestID: def.ID, Language: in.Language, Component: in.Component}
	saved, err := s.swap(ctx, key, func(*model.Implementation) (*model.Implementation, error) {
		return &model.Implementation{
			Key:              key,
			Source:           res.Source,
			Mode:             mode,
			Digest:           res.Digest,
			Validation:       check.Status,
			ValidationReason: check.Reason,
			TestStatus:       model.Untested,
			RequestRevision:  def.Revision,
			TemplateVersion:  res.TemplateVersion,
			GeneratedAt:      s.now(),
		}, nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("implementation saved",
		zap.String("key", key.String()),
		zap.Int64("version", saved.Version),
		zap.String("validation", string(saved.Validation)),
		zap.String("correlation_id", cid))

	return &GenerateOutput{
		Source:          saved.Source,
		Mode:            saved.Mode,
		Validation:      saved.Validation,
		Reason:          saved.ValidationReason,
		Version:         saved.Version,
		Supersedes:      saved.Supersedes,
		Digest:          saved.Digest,
		TemplateVersion: saved.TemplateVersion,
		CorrelationID:   cid,
	}, nil
}

// errSkip aborts a swap without writing.
var errSkip = errors.New("skip")

// swap runs the optimistic save loop: read the current version, compute the
// replacement, compare-and-swap, and start over on conflict.
func (s *Service) swap(ctx context.Context, key model.ImplementationKey, compute func(cur *model.Implementation) (*model.Implementation, error)) (*model.Implementation, error) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		cur, err := s.impls.Get(ctx, key)
		var expected int64
		switch {
		case err == nil:
			expected = cur.Version
		case errors.Is(err, storage.ErrNotFound):
			cur = nil
		default:
			return nil, err
		}

		impl, err := compute(cur)
		if err != nil {
			return nil, err
		}
		saved, err := s.impls.CompareAndSwap(ctx, expected, impl)
		if err == nil {
			return saved, nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return nil, err
		}
		s.log.Debug("implementation save conflict, retrying",
			zap.String("key", key.String()), zap.Int64("expected", expected), zap.Int("attempt", attempt+1))
	}
	return nil, fmt.Errorf("%s: %w", key, ErrConflict)
}

// TestInput selects the implementation to replay.
type TestInput struct {
	RequestID     string            `json:"-"`
	Language      string            `json:"-"`
	Component     string            `json:"-"`
	Environment   string            `json:"environment,omitempty"`
	Overrides     map[string]string `json:"overrides,omitempty"`
	CorrelationID string            `json:"-"`
}

// TestOutput is the harness verdict.
type TestOutput struct {
	TestStatus    model.HarnessStatus `json:"test_status"`
	Mismatches    []harness.Mismatch  `json:"mismatches,omitempty"`
	Diff          string              `json:"diff,omitempty"`
	Reason        string              `json:"reason,omitempty"`
	Version       int64               `json:"version"`
	Persisted     bool                `json:"persisted"`
	CorrelationID string              `json:"correlation_id"`
}

// TestImplementation replays the stored implementation in its sandbox and
// compares the captured call with the request built from the definition. The
// verdict is saved on the implementation unless it was regenerated meanwhile.
func (s *Service) TestImplementation(ctx context.Context, in TestInput) (*TestOutput, error) {
	cid := correlationID(in.CorrelationID)
	if in.Language == "" || in.Component == "" {
		return nil, fmt.Errorf("%w: language and component are required", ErrInvalidInput)
	}
	def, err := s.definition(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	key := model.ImplementationKey{RequestID: def.ID, Language: in.Language, Component: in.Component}
	impl, err := s.impls.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("implementation %s: %w", key, err)
	}
	r, _, err := s.resolver(ctx, def, in.Environment, in.Overrides)
	if err != nil {
		return nil, err
	}

	report, err := s.harness.Verify(ctx, impl, def, r)
	var serr *harness.SandboxError
	if err != nil && !errors.As(err, &serr) {
		return nil, err
	}

	out := &TestOutput{
		TestStatus:    report.Status,
		Mismatches:    report.Mismatches,
		Diff:          report.Diff,
		Reason:        report.Reason,
		Version:       impl.Version,
		CorrelationID: cid,
	}

	saved, err := s.swap(ctx, key, func(cur *model.Implementation) (*model.Implementation, error) {
		if cur == nil || cur.Digest != impl.Digest {
			return nil, errSkip
		}
		next := *cur
		next.TestStatus = report.Status
		return &next, nil
	})
	switch {
	case errors.Is(err, errSkip):
		s.log.Info("implementation changed during test, verdict not saved", zap.String("key", key.String()))
	case err != nil:
		return nil, err
	default:
		out.Version = saved.Version
		out.Persisted = true
	}

	s.log.Info("implementation tested",
		zap.String("key", key.String()),
		zap.String("status", string(report.Status)),
		zap.String("correlation_id", cid))
	return out, nil
}
