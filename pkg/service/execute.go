package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blackcoderx/forge/pkg/builder"
	"github.com/blackcoderx/forge/pkg/httpclient"
	"github.com/blackcoderx/forge/pkg/model"
	"github.com/blackcoderx/forge/pkg/variables"
)

// ExecuteInput selects the request to run and how to resolve it.
type ExecuteInput struct {
	RequestID     string            `json:"-"`
	Overrides     map[string]string `json:"overrides,omitempty"`
	Environment   string            `json:"environment,omitempty"`
	Timeout       time.Duration     `json:"-"`
	CorrelationID string            `json:"-"`
}

// ExecuteOutput is the outcome of one execution. Network failures are data:
// ErrorKind and Error are set and there is no status code.
type ExecuteOutput struct {
	ResultID      string                  `json:"result_id"`
	CorrelationID string                  `json:"correlation_id"`
	StatusCode    int                     `json:"status_code,omitempty"`
	Headers       http.Header             `json:"headers,omitempty"`
	Body          string                  `json:"body,omitempty"`
	Truncated     bool                    `json:"truncated,omitempty"`
	LatencyMs     int64                   `json:"latency_ms"`
	Size          int64                   `json:"size"`
	Assertions    []model.AssertionResult `json:"assertions"`
	TestStatus    model.TestStatus        `json:"test_status"`
	ErrorKind     string                  `json:"error_kind,omitempty"`
	Error         string                  `json:"error,omitempty"`
	// Summary is an error message pulled out of a failed response body.
	Summary string `json:"summary,omitempty"`
}

// Failed reports whether the execution counts as a failure in analytics.
func (o *ExecuteOutput) Failed() bool {
	return !o.result().Succeeded()
}

func (o *ExecuteOutput) result() model.ExecutionResult {
	return model.ExecutionResult{StatusCode: o.StatusCode, ErrorKind: o.ErrorKind, TestStatus: o.TestStatus}
}

// ExecuteRequest resolves, builds and sends a saved request, evaluates its
// assertions and records the result. Variable and build errors are returned
// before any network activity; network errors are recorded and returned as data.
func (s *Service) ExecuteRequest(ctx context.Context, in ExecuteInput) (*ExecuteOutput, error) {
	cid := correlationID(in.CorrelationID)
	def, err := s.definition(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	call, err := s.prepare(ctx, def, in.Environment, in.Overrides)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, call, in.Timeout, cid)
}

// preparedCall is a built request ready to be sent any number of times.
type preparedCall struct {
	def *model.RequestDefinition
	req *model.ResolvedRequest
	r   *variables.Resolver
}

func (s *Service) prepare(ctx context.Context, def *model.RequestDefinition, envName string, overrides map[string]string) (*preparedCall, error) {
	r, local, err := s.resolver(ctx, def, envName, overrides)
	if err != nil {
		return nil, err
	}
	req, err := builder.Build(def, r)
	if err != nil {
		return nil, err
	}
	if local != nil {
		req.InsecureSkipVerify = local.InsecureSkipVerify
	}
	return &preparedCall{def: def, req: req, r: r}, nil
}

func (s *Service) execute(ctx context.Context, call *preparedCall, timeout time.Duration, cid string) (*ExecuteOutput, error) {
	log := s.log.With(zap.String("request", call.def.ID), zap.String("correlation_id", cid))

	res := model.ExecutionResult{
		ID:            uuid.NewString(),
		RequestID:     call.def.ID,
		CorrelationID: cid,
		Timestamp:     s.now(),
	}
	out := &ExecuteOutput{ResultID: res.ID, CorrelationID: cid}

	resp, err := s.client.Execute(ctx, call.req, timeout)
	if err != nil {
		var nerr *httpclient.NetworkError
		if !errors.As(err, &nerr) {
			return nil, err
		}
		res.ErrorKind = string(nerr.Kind)
		res.TestStatus = model.TestError
		out.ErrorKind = res.ErrorKind
		out.Error = variables.RedactValues(nerr.Error(), call.req.Secrets)
		out.TestStatus = res.TestStatus
		out.Assertions = []model.AssertionResult{}
	} else {
		report := s.eval.Evaluate(call.def.Assertions, resp, call.r)
		res.StatusCode = resp.StatusCode
		res.LatencyMs = resp.Latency.Milliseconds()
		res.Size = resp.Size
		res.Assertions = report.Results
		res.TestStatus = report.Status

		out.StatusCode = resp.StatusCode
		out.Headers = resp.Headers
		out.Body = string(resp.Body)
		out.Truncated = resp.Truncated
		out.LatencyMs = res.LatencyMs
		out.Size = resp.Size
		out.Assertions = report.Results
		out.TestStatus = report.Status
		if resp.StatusCode >= 400 {
			if sum := httpclient.Summarize(resp.Body); !sum.Empty() {
				out.Summary = variables.RedactValues(strings.TrimSpace(sum.String()), call.req.Secrets)
			}
		}
	}

	s.recorder.Record(res)
	// a cancelled call is still recorded
	if err := s.results.AppendExecutionResult(context.WithoutCancel(ctx), res); err != nil {
		return nil, fmt.Errorf("failed to record result: %w", err)
	}

	log.Info("request executed",
		zap.Int("status", res.StatusCode),
		zap.String("error_kind", res.ErrorKind),
		zap.Int64("latency_ms", res.LatencyMs),
		zap.String("test_status", string(res.TestStatus)))
	return out, nil
}
