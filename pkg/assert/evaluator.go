// Package assert evaluates declarative assertions against captured responses.
//
// Every assertion is evaluated; a failing or erroring entry never stops the
// ones after it.
package assert

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/ohler55/ojg/jp"
	"go.uber.org/zap"

	"github.com/blackcoderx/forge/pkg/logging"
	"github.com/blackcoderx/forge/pkg/model"
	"github.com/blackcoderx/forge/pkg/variables"
)

// Operators understood by the evaluator.
const (
	OpEquals      = "equals"
	OpNotEquals   = "notEquals"
	OpContains    = "contains"
	OpMatches     = "matches"
	OpGreaterThan = "greaterThan"
	OpLessThan    = "lessThan"
	OpExists      = "exists"
	OpSatisfies   = "satisfies"
)

// Report is the outcome of evaluating a list of assertions.
type Report struct {
	Results []model.AssertionResult `json:"results"`
	Passed  int                     `json:"passed"`
	Failed  int                     `json:"failed"`
	Errored int                     `json:"errored"`
	Status  model.TestStatus        `json:"status"`
}

// Evaluator runs assertions. Compiled satisfies expressions are cached.
type Evaluator struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
	log      *zap.Logger
}

// New creates an Evaluator.
func New(logger *zap.Logger) *Evaluator {
	return &Evaluator{
		programs: make(map[string]*vm.Program),
		log:      logging.OrNop(logger),
	}
}

// missing marks a field or path that produced no value.
type missing struct{}

// response caches the parsed body across assertions.
type response struct {
	raw    *model.RawResponse
	parsed any
	tried  bool
	err    error
}

func (r *response) decode() (any, error) {
	if !r.tried {
		r.tried = true
		if err := json.Unmarshal(r.raw.Body, &r.parsed); err != nil {
			r.err = fmt.Errorf("body is not valid JSON: %w", err)
		}
	}
	return r.parsed, r.err
}

// Evaluate runs every assertion against resp. Expected values are resolved
// with r when it is non-nil.
func (e *Evaluator) Evaluate(assertions []model.Assertion, resp *model.RawResponse, r *variables.Resolver) Report {
	report := Report{Results: make([]model.AssertionResult, 0, len(assertions))}
	if len(assertions) == 0 {
		report.Status = model.TestNoAssertions
		return report
	}

	state := &response{raw: resp}
	for _, a := range assertions {
		res := e.evaluate(a, state, r)
		switch res.Outcome {
		case model.OutcomePass:
			report.Passed++
		case model.OutcomeFail:
			report.Failed++
		default:
			report.Errored++
		}
		report.Results = append(report.Results, res)
	}

	if report.Passed == len(assertions) {
		report.Status = model.TestPass
	} else {
		report.Status = model.TestFail
	}
	e.log.Debug("assertions evaluated",
		zap.Int("passed", report.Passed),
		zap.Int("failed", report.Failed),
		zap.Int("errored", report.Errored))
	return report
}

func (e *Evaluator) evaluate(a model.Assertion, state *response, r *variables.Resolver) model.AssertionResult {
	res := model.AssertionResult{Field: a.Field, Operator: a.Operator, Expected: a.Expected}

	expectedText := a.Expected
	if r != nil {
		resolved, err := r.Expand(a.Expected)
		if err != nil {
			return errored(res, fmt.Sprintf("cannot resolve expected value: %v", err))
		}
		expectedText = resolved
	}
	expected := coerce(expectedText)
	res.Expected = expected
	shown := expectedText
	if r != nil {
		for _, name := range variables.Placeholders(a.Expected) {
			if r.IsSecret(name) {
				res.Expected = variables.Mask
				shown = variables.Mask
				break
			}
		}
	}

	actual, err := extract(a.Field, state)
	if err != nil {
		return errored(res, err.Error())
	}
	if _, none := actual.(missing); !none {
		res.Actual = actual
	}

	var passed bool
	switch a.Operator {
	case OpEquals:
		passed = equal(actual, expected, expectedText)
	case OpNotEquals:
		passed = !equal(actual, expected, expectedText)
	case OpContains:
		passed = contains(actual, expected, expectedText)
	case OpMatches:
		re, err := regexp.Compile(expectedText)
		if err != nil {
			return errored(res, fmt.Sprintf("invalid pattern %q: %v", expectedText, err))
		}
		passed = !isMissing(actual) && re.MatchString(stringify(actual))
	case OpGreaterThan, OpLessThan:
		if isMissing(actual) {
			break
		}
		got, ok1 := number(actual)
		want, ok2 := number(expected)
		if !ok1 || !ok2 {
			return errored(res, fmt.Sprintf("%s needs numeric operands, got %v and %v", a.Operator, describe(actual), shown))
		}
		if a.Operator == OpGreaterThan {
			passed = got > want
		} else {
			passed = got < want
		}
	case OpExists:
		want := true
		if b, ok := expected.(bool); ok {
			want = b
		}
		passed = !isMissing(actual) == want
	case OpSatisfies:
		ok, err := e.satisfies(expectedText, actual, state.raw)
		if err != nil {
			return errored(res, err.Error())
		}
		passed = ok
	default:
		return errored(res, fmt.Sprintf("unknown operator %q", a.Operator))
	}

	res.Passed = passed
	if passed {
		res.Outcome = model.OutcomePass
		return res
	}
	res.Outcome = model.OutcomeFail
	res.Reason = fmt.Sprintf("expected %s %s %s, got %s", a.Field, a.Operator, short(shown), short(describe(actual)))
	return res
}

func errored(res model.AssertionResult, reason string) model.AssertionResult {
	res.Outcome = model.OutcomeError
	res.Passed = false
	res.Reason = reason
	return res
}

// extract returns the value of field from the response.
func extract(field string, state *response) (any, error) {
	resp := state.raw
	switch {
	case field == "status":
		return float64(resp.StatusCode), nil
	case field == "body":
		return string(resp.Body), nil
	case field == "latency":
		return float64(resp.Latency.Microseconds()) / 1000, nil
	case field == "size":
		return float64(resp.Size), nil
	case strings.HasPrefix(field, "header."):
		name := strings.TrimPrefix(field, "header.")
		values := resp.Headers.Values(name)
		if len(values) == 0 {
			return missing{}, nil
		}
		return strings.Join(values, ", "), nil
	case strings.HasPrefix(field, "$"), strings.HasPrefix(field, "body.$"):
		path, err := jp.ParseString(strings.TrimPrefix(field, "body."))
		if err != nil {
			return nil, fmt.Errorf("invalid JSON path %q: %w", field, err)
		}
		data, err := state.decode()
		if err != nil {
			return nil, err
		}
		results := path.Get(data)
		switch len(results) {
		case 0:
			return missing{}, nil
		case 1:
			return results[0], nil
		default:
			return results, nil
		}
	default:
		return nil, fmt.Errorf("unknown field %q (use status, header.<Name>, body, $.path, latency or size)", field)
	}
}

// coerce parses text as a JSON literal, falling back to the raw string.
func coerce(text string) any {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return text
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
		return v
	}
	return text
}

func isMissing(v any) bool {
	_, ok := v.(missing)
	return ok
}

func equal(actual, expected any, expectedText string) bool {
	if isMissing(actual) {
		return false
	}
	if s, ok := actual.(string); ok {
		return s == expectedText
	}
	if a, ok := number(actual); ok {
		if b, ok := number(expected); ok {
			return a == b
		}
		return false
	}
	return reflect.DeepEqual(normalize(actual), normalize(expected))
}

func contains(actual, expected any, expectedText string) bool {
	switch v := actual.(type) {
	case string:
		return strings.Contains(v, expectedText)
	case []any:
		for _, item := range v {
			if equal(item, expected, expectedText) {
				return true
			}
		}
		return false
	case map[string]any:
		_, ok := v[expectedText]
		return ok
	default:
		return false
	}
}

// number converts numeric values (and numeric strings) to float64.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil && !math.IsNaN(f)
	default:
		return 0, false
	}
}

// normalize converts ints to float64 so values from different decoders compare equal.
func normalize(v any) any {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalize(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = normalize(item)
		}
		return out
	default:
		return v
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func describe(v any) string {
	if isMissing(v) {
		return "<missing>"
	}
	return stringify(v)
}

// short truncates s to at most 200 bytes without splitting a rune.
func short(s string) string {
	const limit = 200
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// satisfies evaluates a boolean expression over actual, status, headers, latency and size.
func (e *Evaluator) satisfies(expression string, actual any, resp *model.RawResponse) (bool, error) {
	if isMissing(actual) {
		actual = nil
	}
	headers := make(map[string]any, len(resp.Headers))
	for k := range resp.Headers {
		headers[k] = resp.Headers.Get(k)
	}
	env := map[string]any{
		"actual":  actual,
		"status":  resp.StatusCode,
		"latency": float64(resp.Latency.Microseconds()) / 1000,
		"size":    resp.Size,
		"headers": headers,
	}

	program, err := e.compile(expression, env)
	if err != nil {
		return false, fmt.Errorf("compile %q: %w", expression, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", expression, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, want bool", expression, out)
	}
	return b, nil
}

func (e *Evaluator) compile(expression string, env map[string]any) (*vm.Program, error) {
	key := expression + "\x00" + envSignature(env)

	e.mu.RLock()
	if p, ok := e.programs[key]; ok {
		e.mu.RUnlock()
		return p, nil
	}
	e.mu.RUnlock()

	p, err := expr.Compile(expression, expr.Env(env), expr.AsBool())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if existing, ok := e.programs[key]; ok {
		e.mu.Unlock()
		return existing, nil
	}
	e.programs[key] = p
	e.mu.Unlock()
	return p, nil
}

// envSignature keys the program cache by the dynamic types in env.
func envSignature(env map[string]any) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte(':')
		sb.WriteString(fmt.Sprintf("%T", env[k]))
		sb.WriteByte(';')
	}
	return sb.String()
}
