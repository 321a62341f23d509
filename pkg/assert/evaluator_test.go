package assert

import (
	"net/http"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackcoderx/forge/pkg/model"
	"github.com/blackcoderx/forge/pkg/variables"
)

func sampleResponse(status int) *model.RawResponse {
	body := []byte(`{"id": 42, "name": "Ada", "tags": ["admin", "ops"], "profile": {"active": true, "score": 9.5}, "deleted": null}`)
	return &model.RawResponse{
		StatusCode: status,
		Headers:    http.Header{"Content-Type": []string{"application/json; charset=utf-8"}, "X-Count": []string{"5"}},
		Body:       body,
		Size:       int64(len(body)),
		Latency:    120 * time.Millisecond,
	}
}

func TestEvaluate_NoShortCircuit(t *testing.T) {
	e := New(nil)
	report := e.Evaluate([]model.Assertion{
		{Field: "status", Operator: OpEquals, Expected: "200"},
		{Field: "$.name", Operator: OpEquals, Expected: "Grace"},
		{Field: "header.Content-Type", Operator: OpContains, Expected: "json"},
	}, sampleResponse(200), nil)

	assert.Equal(t, 2, report.Passed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 0, report.Errored)
	assert.Equal(t, model.TestFail, report.Status)
	require.Len(t, report.Results, 3)

	failed := report.Results[1]
	assert.Equal(t, model.OutcomeFail, failed.Outcome)
	assert.Equal(t, "$.name", failed.Field)
	assert.Equal(t, "Grace", failed.Expected)
	assert.Equal(t, "Ada", failed.Actual)
	assert.Contains(t, failed.Reason, "Grace")
	assert.Contains(t, failed.Reason, "Ada")
}

func TestEvaluate_ServerErrorFailsStatusCheck(t *testing.T) {
	report := New(nil).Evaluate([]model.Assertion{
		{Field: "status", Operator: OpEquals, Expected: "200"},
	}, sampleResponse(500), nil)

	assert.Equal(t, model.TestFail, report.Status)
	assert.Equal(t, float64(500), report.Results[0].Actual)
	assert.Equal(t, float64(200), report.Results[0].Expected)
}

func TestEvaluate_NoAssertions(t *testing.T) {
	report := New(nil).Evaluate(nil, sampleResponse(200), nil)
	assert.Equal(t, model.TestNoAssertions, report.Status)
	assert.Empty(t, report.Results)
}

func TestEvaluate_MalformedPathIsError(t *testing.T) {
	report := New(nil).Evaluate([]model.Assertion{
		{Field: "$.tags[", Operator: OpEquals, Expected: "x"},
		{Field: "status", Operator: OpEquals, Expected: "200"},
	}, sampleResponse(200), nil)

	assert.Equal(t, model.OutcomeError, report.Results[0].Outcome)
	assert.Equal(t, model.OutcomePass, report.Results[1].Outcome)
	assert.Equal(t, 1, report.Errored)
	assert.Equal(t, model.TestFail, report.Status)
}

func TestEvaluate_Operators(t *testing.T) {
	tests := []struct {
		name      string
		assertion model.Assertion
		outcome   model.Outcome
	}{
		{"status equals", model.Assertion{Field: "status", Operator: OpEquals, Expected: "200"}, model.OutcomePass},
		{"status not equals", model.Assertion{Field: "status", Operator: OpNotEquals, Expected: "404"}, model.OutcomePass},
		{"json number", model.Assertion{Field: "$.id", Operator: OpEquals, Expected: "42"}, model.OutcomePass},
		{"body prefix path", model.Assertion{Field: "body.$.profile.active", Operator: OpEquals, Expected: "true"}, model.OutcomePass},
		{"array contains", model.Assertion{Field: "$.tags", Operator: OpContains, Expected: "ops"}, model.OutcomePass},
		{"object contains key", model.Assertion{Field: "$.profile", Operator: OpContains, Expected: "score"}, model.OutcomePass},
		{"body contains", model.Assertion{Field: "body", Operator: OpContains, Expected: `"name"`}, model.OutcomePass},
		{"matches", model.Assertion{Field: "$.name", Operator: OpMatches, Expected: "^A.a$"}, model.OutcomePass},
		{"bad pattern", model.Assertion{Field: "$.name", Operator: OpMatches, Expected: "("}, model.OutcomeError},
		{"greater than", model.Assertion{Field: "$.profile.score", Operator: OpGreaterThan, Expected: "9"}, model.OutcomePass},
		{"header numeric", model.Assertion{Field: "header.X-Count", Operator: OpLessThan, Expected: "10"}, model.OutcomePass},
		{"latency", model.Assertion{Field: "latency", Operator: OpLessThan, Expected: "500"}, model.OutcomePass},
		{"size", model.Assertion{Field: "size", Operator: OpGreaterThan, Expected: "10"}, model.OutcomePass},
		{"non numeric compare", model.Assertion{Field: "$.name", Operator: OpGreaterThan, Expected: "1"}, model.OutcomeError},
		{"exists", model.Assertion{Field: "$.profile.active", Operator: OpExists}, model.OutcomePass},
		{"not exists", model.Assertion{Field: "$.missing", Operator: OpExists, Expected: "false"}, model.OutcomePass},
		{"missing header", model.Assertion{Field: "header.X-Nope", Operator: OpEquals, Expected: "x"}, model.OutcomeFail},
		{"satisfies", model.Assertion{Field: "status", Operator: OpSatisfies, Expected: "actual >= 200 && actual < 300"}, model.OutcomePass},
		{"satisfies not bool", model.Assertion{Field: "status", Operator: OpSatisfies, Expected: "actual + 1"}, model.OutcomeError},
		{"unknown field", model.Assertion{Field: "cookies", Operator: OpEquals, Expected: "x"}, model.OutcomeError},
		{"unknown operator", model.Assertion{Field: "status", Operator: "between", Expected: "x"}, model.OutcomeError},
	}

	e := New(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := e.Evaluate([]model.Assertion{tt.assertion}, sampleResponse(200), nil)
			require.Len(t, report.Results, 1)
			assert.Equal(t, tt.outcome, report.Results[0].Outcome, report.Results[0].Reason)
		})
	}
}

func TestEvaluate_NonJSONBody(t *testing.T) {
	resp := &model.RawResponse{StatusCode: 200, Body: []byte("<html>")}
	report := New(nil).Evaluate([]model.Assertion{{Field: "$.id", Operator: OpExists}}, resp, nil)
	assert.Equal(t, model.OutcomeError, report.Results[0].Outcome)
}

func TestEvaluate_ResolvesExpected(t *testing.T) {
	local := &model.Environment{Variables: map[string]model.Variable{
		"expectedName": {Value: "Ada"},
		"apiKey":       {Value: "Ada", Secret: true},
	}}
	r := variables.New(variables.Chain{Local: local})

	report := New(nil).Evaluate([]model.Assertion{
		{Field: "$.name", Operator: OpEquals, Expected: "{{expectedName}}"},
		{Field: "$.name", Operator: OpEquals, Expected: "{{apiKey}}"},
		{Field: "$.name", Operator: OpEquals, Expected: "{{nope}}"},
	}, sampleResponse(200), r)

	assert.Equal(t, model.OutcomePass, report.Results[0].Outcome)
	assert.Equal(t, "Ada", report.Results[0].Expected)
	assert.Equal(t, variables.Mask, report.Results[1].Expected)
	assert.Equal(t, model.OutcomeError, report.Results[2].Outcome)
}

func TestShort_KeepsRunesWhole(t *testing.T) {
	// byte 200 falls inside a two-byte rune
	s := "a" + strings.Repeat("é", 150)
	got := short(s)
	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.LessOrEqual(t, len(got), 200+len("..."))
	assert.Equal(t, "a"+strings.Repeat("é", 99)+"...", got)

	assert.Equal(t, "short", short("short"))
}

func TestEvaluate_LongMultibyteReason(t *testing.T) {
	body := []byte(`{"name": "a` + strings.Repeat("日本", 80) + `"}`)
	resp := &model.RawResponse{StatusCode: 200, Body: body, Size: int64(len(body))}
	report := New(nil).Evaluate([]model.Assertion{{Field: "$.name", Operator: OpEquals, Expected: "x"}}, resp, nil)

	require.Len(t, report.Results, 1)
	assert.Equal(t, model.OutcomeFail, report.Results[0].Outcome)
	assert.True(t, utf8.ValidString(report.Results[0].Reason))
}
