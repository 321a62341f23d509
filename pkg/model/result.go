package model

import (
	"net/http"
	"time"
)

// RawResponse is the captured outcome of one HTTP exchange.
type RawResponse struct {
	StatusCode int
	Status     string
	Headers    http.Header
	Body       []byte
	Size       int64 // bytes read from the wire, including any truncated tail
	Truncated  bool
	Latency    time.Duration
}

// TestStatus is the overall outcome of an execution's assertions.
type TestStatus string

const (
	TestPass         TestStatus = "pass"
	TestFail         TestStatus = "fail"
	TestNoAssertions TestStatus = "no-assertions"
	TestError        TestStatus = "error"
)

// Outcome is the result of a single assertion.
type Outcome string

const (
	OutcomePass  Outcome = "pass"
	OutcomeFail  Outcome = "fail"
	OutcomeError Outcome = "error"
)

// AssertionResult reports one evaluated assertion.
type AssertionResult struct {
	Field    string  `json:"field"`
	Operator string  `json:"operator"`
	Expected any     `json:"expected"`
	Actual   any     `json:"actual,omitempty"`
	Passed   bool    `json:"passed"`
	Outcome  Outcome `json:"outcome"`
	Reason   string  `json:"reason,omitempty"`
}

// ExecutionResult is an append-only record of one execution.
type ExecutionResult struct {
	ID            string            `json:"id"`
	RequestID     string            `json:"request_id"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	StatusCode    int               `json:"status_code,omitempty"`
	ErrorKind     string            `json:"error_kind,omitempty"` // set when no response was received
	LatencyMs     int64             `json:"latency_ms"`
	Size          int64             `json:"size"`
	Assertions    []AssertionResult `json:"assertions,omitempty"`
	TestStatus    TestStatus        `json:"test_status"`
}

// Succeeded reports whether the result counts as a success in analytics.
func (r ExecutionResult) Succeeded() bool {
	if r.ErrorKind != "" {
		return false
	}
	switch r.TestStatus {
	case TestPass:
		return true
	case TestNoAssertions:
		return r.StatusCode > 0 && r.StatusCode < 400
	default:
		return false
	}
}

// Rollup is a time-bucketed aggregate for one request.
type Rollup struct {
	RequestID    string    `json:"request_id"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Count        int64     `json:"count"`
	SuccessCount int64     `json:"success_count"`
	FailureCount int64     `json:"failure_count"`
	SuccessRate  float64   `json:"success_rate"`
	P50          float64   `json:"p50_ms"`
	P95          float64   `json:"p95_ms"`
	P99          float64   `json:"p99_ms"`
}
