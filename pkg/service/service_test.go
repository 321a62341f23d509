package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackcoderx/forge/pkg/builder"
	"github.com/blackcoderx/forge/pkg/harness"
	"github.com/blackcoderx/forge/pkg/model"
	"github.com/blackcoderx/forge/pkg/registry"
	"github.com/blackcoderx/forge/pkg/storage"
	"github.com/blackcoderx/forge/pkg/variables"
)

type fixture struct {
	svc   *Service
	ws    *storage.Workspace
	store *storage.MemoryStore
	hits  *atomic.Int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/users":
			if r.Header.Get("Authorization") != "Bearer s3cret" {
				w.WriteHeader(http.StatusUnauthorized)
				fmt.Fprint(w, `{"error":"bad token"}`)
				return
			}
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id":1,"name":"Ada"}`)
		default:
			fmt.Fprint(w, `{"ok":true}`)
		}
	}))
	t.Cleanup(srv.Close)

	ws := storage.NewWorkspace(t.TempDir())
	writeEnv(t, ws, "dev.yaml", fmt.Sprintf("baseUrl: %s\ntoken:\n  value: s3cret\n  secret: true\n", srv.URL))
	writeEnv(t, ws, "global.yaml", "name: Ada\n")

	_, err := ws.SaveRequest(createUser())
	require.NoError(t, err)
	_, err = ws.SaveRequest(&model.RequestDefinition{ID: "ping", Method: "GET", URL: "{{baseUrl}}/ping"})
	require.NoError(t, err)

	reg, err := registry.New(nil, nil, nil)
	require.NoError(t, err)
	store := storage.NewMemoryStore()
	svc, err := New(Config{
		Definitions:     ws,
		Environments:    ws,
		Implementations: store,
		Results:         store,
		Registry:        reg,
		MaxRetries:      20,
	})
	require.NoError(t, err)
	return &fixture{svc: svc, ws: ws, store: store, hits: &hits}
}

func writeEnv(t *testing.T, ws *storage.Workspace, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(ws.EnvironmentsDir(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws.EnvironmentsDir(), name), []byte(content), 0o644))
}

func createUser() *model.RequestDefinition {
	return &model.RequestDefinition{
		ID:      "create-user",
		Method:  "POST",
		URL:     "{{baseUrl}}/users",
		Headers: []model.Header{{Name: "Accept", Value: "application/json"}},
		Body:    model.Body{Kind: model.BodyJSON, JSON: map[string]any{"name": "{{name}}"}},
		Auth:    model.Auth{Kind: model.AuthBearer, TokenVar: "token"},
		Assertions: []model.Assertion{
			{Field: "status", Operator: "equals", Expected: "201"},
			{Field: "$.name", Operator: "equals", Expected: "{{name}}"},
		},
	}
}

func TestExecuteRequest_Pass(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.svc.ExecuteRequest(ctx, ExecuteInput{RequestID: "create-user", CorrelationID: "corr-1"})
	require.NoError(t, err)
	assert.Equal(t, "corr-1", out.CorrelationID)
	assert.Equal(t, http.StatusCreated, out.StatusCode)
	assert.Equal(t, model.TestPass, out.TestStatus)
	assert.Len(t, out.Assertions, 2)
	assert.False(t, out.Failed())

	stored, err := f.store.ListExecutionResults(ctx, "create-user", time.Time{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, out.ResultID, stored[0].ID)
	assert.Equal(t, "corr-1", stored[0].CorrelationID)

	rollup, err := f.svc.GetAnalytics(ctx, "create-user", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, rollup.Count)
	assert.EqualValues(t, 1, rollup.SuccessRate)
}

func TestExecuteRequest_OverridesAndFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.svc.ExecuteRequest(ctx, ExecuteInput{RequestID: "create-user", Overrides: map[string]string{"token": "wrong"}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, out.StatusCode)
	assert.Equal(t, model.TestFail, out.TestStatus)
	assert.Equal(t, "Message: bad token", out.Summary)
	assert.NotEmpty(t, out.CorrelationID)

	rollup, err := f.svc.GetAnalytics(ctx, "create-user", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, rollup.FailureCount)
}

func TestExecuteRequest_NetworkErrorIsRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	out, err := f.svc.ExecuteRequest(ctx, ExecuteInput{
		RequestID: "create-user",
		Overrides: map[string]string{"baseUrl": dead.URL},
	})
	require.NoError(t, err)
	assert.Equal(t, "connection_refused", out.ErrorKind)
	assert.Equal(t, model.TestError, out.TestStatus)
	assert.Zero(t, out.StatusCode)
	assert.NotContains(t, out.Error, "s3cret")

	stored, err := f.store.ListExecutionResults(ctx, "create-user", time.Time{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "connection_refused", stored[0].ErrorKind)
}

func TestExecuteRequest_ErrorsBeforeNetwork(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ws.SaveRequest(&model.RequestDefinition{ID: "needs-id", URL: "{{baseUrl}}/users/{{userId}}"})
	require.NoError(t, err)

	_, err = f.svc.ExecuteRequest(ctx, ExecuteInput{RequestID: "needs-id"})
	var berr *builder.BuildError
	require.ErrorAs(t, err, &berr)
	assert.ErrorIs(t, err, variables.ErrVariableNotFound)

	_, err = f.svc.ExecuteRequest(ctx, ExecuteInput{RequestID: "missing"})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.svc.ExecuteRequest(ctx, ExecuteInput{RequestID: "ping", Environment: "prod"})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.svc.ExecuteRequest(ctx, ExecuteInput{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Zero(t, f.hits.Load())
	stored, err := f.store.ListExecutionResults(ctx, "", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestGenerateImplementation_Versions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.GenerateImplementation(ctx, GenerateInput{RequestID: "create-user", Language: "curl", Component: "full"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, first.Version)
	assert.Equal(t, model.ModeReference, first.Mode)
	assert.Equal(t, model.Valid, first.Validation)
	assert.NotContains(t, first.Source, "s3cret")

	second, err := f.svc.GenerateImplementation(ctx, GenerateInput{RequestID: "create-user", Language: "curl", Component: "full"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, second.Version)
	assert.EqualValues(t, 1, second.Supersedes)
	assert.Equal(t, first.Source, second.Source)
	assert.Equal(t, first.Digest, second.Digest)

	literal, err := f.svc.GenerateImplementation(ctx, GenerateInput{RequestID: "create-user", Language: "python", Component: "snippet", Mode: model.ModeLiteral})
	require.NoError(t, err)
	assert.Contains(t, literal.Source, "s3cret")
	assert.EqualValues(t, 1, literal.Version)
}

func TestGenerateImplementation_Invalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.GenerateImplementation(ctx, GenerateInput{RequestID: "create-user", Language: "curl"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.GenerateImplementation(ctx, GenerateInput{RequestID: "create-user", Language: "curl", Component: "full", Mode: "fancy"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.GenerateImplementation(ctx, GenerateInput{RequestID: "create-user", Language: "cobol", Component: "full"})
	assert.ErrorIs(t, err, registry.ErrTemplateNotFound)
}

func TestGenerateImplementation_ConcurrentSaves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const writers = 6
	versions := make([]int64, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.svc.GenerateImplementation(ctx, GenerateInput{RequestID: "ping", Language: "go", Component: "snippet"})
			if assert.NoError(t, err) {
				versions[i] = out.Version
			}
		}()
	}
	wg.Wait()

	seen := map[int64]bool{}
	for _, v := range versions {
		seen[v] = true
	}
	assert.Len(t, seen, writers)

	got, err := f.store.Get(ctx, model.ImplementationKey{RequestID: "ping", Language: "go", Component: "snippet"})
	require.NoError(t, err)
	assert.EqualValues(t, writers, got.Version)
}

func TestTestImplementation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := model.ImplementationKey{RequestID: "create-user", Language: "curl", Component: "full"}

	_, err := f.svc.TestImplementation(ctx, TestInput{RequestID: "create-user", Language: "curl", Component: "full"})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.svc.GenerateImplementation(ctx, GenerateInput{RequestID: "create-user", Language: "curl", Component: "full"})
	require.NoError(t, err)

	out, err := f.svc.TestImplementation(ctx, TestInput{RequestID: "create-user", Language: "curl", Component: "full"})
	require.NoError(t, err)
	assert.Equal(t, model.HarnessPass, out.TestStatus, out.Reason)
	assert.True(t, out.Persisted)
	assert.EqualValues(t, 2, out.Version)

	stored, err := f.store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, model.HarnessPass, stored.TestStatus)
	assert.Zero(t, f.hits.Load(), "harness must not reach the network")
}

func TestTestImplementation_NoSandbox(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.GenerateImplementation(ctx, GenerateInput{RequestID: "ping", Language: "python", Component: "full"})
	require.NoError(t, err)

	out, err := f.svc.TestImplementation(ctx, TestInput{RequestID: "ping", Language: "python", Component: "full"})
	require.NoError(t, err)
	assert.Equal(t, model.HarnessFail, out.TestStatus)
	assert.Contains(t, out.Reason, "no sandbox")
	assert.True(t, out.Persisted)
}

func TestTestImplementation_StaleVerdictNotSaved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := model.ImplementationKey{RequestID: "ping", Language: "curl", Component: "snippet"}

	_, err := f.svc.GenerateImplementation(ctx, GenerateInput{RequestID: "ping", Language: "curl", Component: "snippet"})
	require.NoError(t, err)

	// regenerate with different source while the harness is running
	f.svc.harness.Register("curl", harness.SandboxFunc(func(context.Context, string, map[string]string) ([]harness.Call, error) {
		cur, err := f.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		next := *cur
		next.Source += "# edited\n"
		next.Digest = "other"
		_, err = f.store.CompareAndSwap(ctx, cur.Version, &next)
		return nil, err
	}))

	out, err := f.svc.TestImplementation(ctx, TestInput{RequestID: "ping", Language: "curl", Component: "snippet"})
	require.NoError(t, err)
	assert.False(t, out.Persisted)

	stored, err := f.store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, model.Untested, stored.TestStatus)
}

func TestGetAnalytics_InvalidRange(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	_, err := f.svc.GetAnalytics(context.Background(), "ping", now, now.Add(-time.Hour))
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.GetAnalytics(context.Background(), "", time.Time{}, time.Time{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestWarm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.svc.ExecuteRequest(ctx, ExecuteInput{RequestID: "ping"})
		require.NoError(t, err)
	}

	fresh, err := New(Config{
		Definitions:     f.ws,
		Environments:    f.ws,
		Implementations: f.store,
		Results:         f.store,
		Registry:        f.svc.Registry(),
		Retention:       time.Hour,
	})
	require.NoError(t, err)
	n, err := fresh.Warm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	rollup, err := fresh.GetAnalytics(ctx, "ping", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, rollup.Count)
}

func TestBench(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Bench(ctx, BenchInput{RequestID: "ping"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	res, err := f.svc.Bench(ctx, BenchInput{RequestID: "ping", Duration: 300 * time.Millisecond, RPS: 40, Users: 3, RampUp: 50 * time.Millisecond})
	require.NoError(t, err)
	require.Positive(t, res.Total)
	assert.Equal(t, res.Total, res.Succeeded)
	assert.Equal(t, res.Total, res.StatusCodes[http.StatusOK])
	assert.Equal(t, res.Total, f.hits.Load())
	assert.LessOrEqual(t, res.P50, res.P99)

	rollup, err := f.svc.GetAnalytics(ctx, "ping", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, res.Total, rollup.Count)
}

func TestBench_Cancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.svc.Bench(ctx, BenchInput{RequestID: "ping", Duration: time.Second, RPS: 10, Users: 1})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestReloadTemplates(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.ReloadTemplates(context.Background()))
}
