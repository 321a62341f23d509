package harness

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/blackcoderx/forge/pkg/model"
	"github.com/blackcoderx/forge/pkg/registry"
	"github.com/blackcoderx/forge/pkg/synth"
	"github.com/blackcoderx/forge/pkg/variables"
)

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(nil, nil, nil)
	require.NoError(t, err)
	return reg
}

func testResolver() *variables.Resolver {
	return variables.New(variables.Chain{
		Local: &model.Environment{Variables: map[string]model.Variable{
			"baseUrl": {Value: "https://api.example.com"},
			"name":    {Value: "Ada"},
			"token":   {Value: "s3cret", Secret: true},
		}},
	})
}

func createUser() *model.RequestDefinition {
	return &model.RequestDefinition{
		ID:     "create-user",
		Name:   "Create user",
		Method: "post",
		URL:    "{{baseUrl}}/users",
		Headers: []model.Header{
			{Name: "Accept", Value: "application/json"},
			{Name: "X-Debug", Value: "1", Disabled: true},
		},
		Query:    []model.QueryParam{{Name: "page", Value: "{{page}}"}},
		Body:     model.Body{Kind: model.BodyJSON, JSON: map[string]any{"name": "{{name}}", "admin": false}},
		Auth:     model.Auth{Kind: model.AuthBearer, TokenVar: "token"},
		Defaults: map[string]string{"page": "1"},
	}
}

func generate(t *testing.T, reg *registry.Registry, def *model.RequestDefinition, language, component string, mode model.Mode, r *variables.Resolver) *model.Implementation {
	t.Helper()
	res, err := synth.New(reg, nil).Synthesize(def, language, component, mode, r)
	require.NoError(t, err)
	return &model.Implementation{
		Key:    model.ImplementationKey{RequestID: def.ID, Language: language, Component: component},
		Source: res.Source,
		Mode:   mode,
		Digest: res.Digest,
	}
}

func TestVerify_GeneratedCurlPasses(t *testing.T) {
	defer goleak.VerifyNone(t)
	reg := newRegistry(t)
	h := New(reg, Options{})

	for _, component := range []string{"full", "snippet"} {
		for _, mode := range []model.Mode{model.ModeLiteral, model.ModeReference} {
			t.Run(component+"/"+string(mode), func(t *testing.T) {
				impl := generate(t, reg, createUser(), "curl", component, mode, testResolver())
				report, err := h.Verify(context.Background(), impl, createUser(), testResolver())
				require.NoError(t, err)
				assert.Equal(t, model.HarnessPass, report.Status, "mismatches: %v\n%s", report.Mismatches, impl.Source)
				require.NotNil(t, report.Captured)
				assert.Equal(t, "POST", report.Captured.Method)
				assert.Equal(t, "https://api.example.com/users?page=1", report.Captured.URL)
			})
		}
	}
}

func TestVerify_CurlBodiesAndAuth(t *testing.T) {
	reg := newRegistry(t)
	h := New(reg, Options{})
	r := variables.New(variables.Chain{Overrides: map[string]string{
		"user": "alice", "pass": "pw", "key": "k1", "id": "cid", "secret": "csec",
	}})

	defs := map[string]model.RequestDefinition{
		"form": {ID: "login", Method: "POST", URL: "https://x.test/login",
			Body: model.Body{Kind: model.BodyForm, Form: []model.Pair{{Name: "user", Value: "{{user}}"}, {Name: "q", Value: "a b&c"}}}},
		"binary": {ID: "blob", Method: "PUT", URL: "https://x.test/blob",
			Body: model.Body{Kind: model.BodyBinary, Content: "aGVsbG8="}},
		"basic": {ID: "me", URL: "https://x.test/me",
			Auth: model.Auth{Kind: model.AuthBasic, UsernameVar: "user", PasswordVar: "pass"}},
		"api key": {ID: "items", URL: "https://x.test/items",
			Auth: model.Auth{Kind: model.AuthAPIKey, KeyVar: "key", KeyIn: "query", KeyName: "api_key"}},
		"oauth2": {ID: "items", URL: "https://x.test/items",
			Auth: model.Auth{Kind: model.AuthOAuth2, TokenURL: "https://auth.test/token", ClientIDVar: "id", ClientSecretVar: "secret", Scopes: []string{"read"}}},
		"raw with quote": {ID: "echo", Method: "POST", URL: "https://x.test/echo",
			Body: model.Body{Kind: model.BodyRaw, Content: "it's {{user}}", ContentType: "text/plain"}},
	}
	for name, def := range defs {
		for _, mode := range []model.Mode{model.ModeLiteral, model.ModeReference} {
			t.Run(name+"/"+string(mode), func(t *testing.T) {
				impl := generate(t, reg, &def, "curl", "full", mode, r)
				report, err := h.Verify(context.Background(), impl, &def, r)
				require.NoError(t, err)
				assert.Equal(t, model.HarnessPass, report.Status, "mismatches: %v\n%s", report.Mismatches, impl.Source)
			})
		}
	}
}

func TestVerify_GeneratedGoPasses(t *testing.T) {
	reg := newRegistry(t)
	h := New(reg, Options{})

	for _, mode := range []model.Mode{model.ModeLiteral, model.ModeReference} {
		t.Run(string(mode), func(t *testing.T) {
			impl := generate(t, reg, createUser(), "go", "full", mode, testResolver())
			report, err := h.Verify(context.Background(), impl, createUser(), testResolver())
			require.NoError(t, err)
			assert.Equal(t, model.HarnessPass, report.Status, "mismatches: %v", report.Mismatches)
		})
	}
}

func TestVerify_MismatchDiff(t *testing.T) {
	reg := newRegistry(t)
	impl := generate(t, reg, createUser(), "curl", "full", model.ModeLiteral, testResolver())
	impl.Source = strings.Replace(impl.Source, `"name":"Ada"`, `"name":"Bob"`, 1)
	impl.Source = strings.Replace(impl.Source, "Bearer s3cret", "Bearer wrong", 1)

	report, err := New(reg, Options{}).Verify(context.Background(), impl, createUser(), testResolver())
	require.NoError(t, err)
	assert.Equal(t, model.HarnessFail, report.Status)

	var fields []string
	for _, m := range report.Mismatches {
		fields = append(fields, m.Field)
	}
	assert.Empty(t, cmp.Diff([]string{"header.Authorization", "body"}, fields))
	assert.Contains(t, report.Diff, `-  "name": "Ada"`)
	assert.Contains(t, report.Diff, `+  "name": "Bob"`)
	for _, m := range report.Mismatches {
		assert.NotContains(t, m.Expected, "s3cret")
	}
}

func TestVerify_NoSandbox(t *testing.T) {
	reg := newRegistry(t)
	impl := generate(t, reg, createUser(), "python", "full", model.ModeLiteral, testResolver())

	report, err := New(reg, Options{}).Verify(context.Background(), impl, createUser(), testResolver())
	var serr *SandboxError
	require.ErrorAs(t, err, &serr)
	assert.ErrorIs(t, err, ErrNoSandbox)
	assert.Equal(t, "python", serr.Language)
	assert.Equal(t, model.HarnessFail, report.Status)
}

func TestVerify_ScriptFailure(t *testing.T) {
	def := &model.RequestDefinition{ID: "ping", URL: "https://x.test/ping"}
	tests := map[string]string{
		"unbound variable": "set -u\ncurl \"${MISSING}\"\n",
		"unknown command":  "rm -rf /tmp/x\n",
		"file upload":      "curl -F 'a=@/etc/passwd' https://x.test/ping\n",
	}
	h := New(nil, Options{})
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			impl := &model.Implementation{Key: model.ImplementationKey{RequestID: "ping", Language: "curl", Component: "full"}, Source: src}
			report, err := h.Verify(context.Background(), impl, def, variables.New(variables.Chain{}))
			var serr *SandboxError
			require.ErrorAs(t, err, &serr)
			assert.Equal(t, model.HarnessFail, report.Status)
			assert.NotEmpty(t, report.Reason)
		})
	}
}

func TestVerify_NoRequestSent(t *testing.T) {
	def := &model.RequestDefinition{ID: "ping", URL: "https://x.test/ping"}
	impl := &model.Implementation{Key: model.ImplementationKey{Language: "curl"}, Source: "echo hello\n"}
	report, err := New(nil, Options{}).Verify(context.Background(), impl, def, variables.New(variables.Chain{}))
	require.NoError(t, err)
	assert.Equal(t, model.HarnessFail, report.Status)
	assert.Equal(t, "implementation sent no request", report.Reason)
}

func TestVerify_Cancelled(t *testing.T) {
	def := &model.RequestDefinition{ID: "ping", URL: "https://x.test/ping"}
	impl := &model.Implementation{Key: model.ImplementationKey{Language: "curl"}, Source: "curl https://x.test/ping\n"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(nil, Options{}).Verify(ctx, impl, def, variables.New(variables.Chain{}))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVerify_CustomSandbox(t *testing.T) {
	def := &model.RequestDefinition{ID: "ping", Method: "DELETE", URL: "https://x.test/ping"}
	h := New(nil, Options{})
	h.Register("python", SandboxFunc(func(ctx context.Context, source string, env map[string]string) ([]Call, error) {
		return []Call{{Method: "DELETE", URL: "https://x.test/ping"}}, nil
	}))
	impl := &model.Implementation{Key: model.ImplementationKey{Language: "python"}, Source: "pass"}
	report, err := h.Verify(context.Background(), impl, def, variables.New(variables.Chain{}))
	require.NoError(t, err)
	assert.Equal(t, model.HarnessPass, report.Status)
}

func TestEnvironment(t *testing.T) {
	r := variables.New(variables.Chain{
		Overrides: map[string]string{"baseUrl": "https://a.test"},
		System:    func(name string) (string, bool) { return "/home/ada", name == "HOME" },
	})
	def := &model.RequestDefinition{URL: "{{baseUrl}}/{{env:HOME}}"}
	env := environment(def, r)
	assert.Equal(t, map[string]string{"BASE_URL": "https://a.test", "HOME": "/home/ada"}, env)
}
