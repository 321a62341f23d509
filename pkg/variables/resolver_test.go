package variables

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackcoderx/forge/pkg/model"
)

func env(scope model.Scope, vars map[string]string) *model.Environment {
	e := &model.Environment{ID: string(scope), Scope: scope, Variables: map[string]model.Variable{}}
	for k, v := range vars {
		e.Variables[k] = model.Variable{Value: v}
	}
	return e
}

func TestResolve_Precedence(t *testing.T) {
	r := New(Chain{
		Overrides:  map[string]string{"o": "override"},
		Local:      env(model.ScopeLocal, map[string]string{"o": "local", "l": "local"}),
		Collection: env(model.ScopeCollection, map[string]string{"baseUrl": "https://collection", "l": "collection"}),
		Global:     env(model.ScopeGlobal, map[string]string{"baseUrl": "https://global", "g": "global"}),
		Defaults:   map[string]string{"g": "default", "d": "default"},
	})

	tests := []struct {
		name     string
		expected string
	}{
		{"o", "override"},
		{"l", "local"},
		{"baseUrl", "https://collection"},
		{"g", "global"},
		{"d", "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestExpand_Recursive(t *testing.T) {
	r := New(Chain{
		Local: env(model.ScopeLocal, map[string]string{
			"host":    "api.example.com",
			"baseUrl": "https://{{host}}/v1",
			"userId":  "42",
		}),
	})

	got, err := r.Expand("{{baseUrl}}/users/{{ userId }}")
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/v1/users/42", got)
}

func TestExpand_Missing(t *testing.T) {
	r := New(Chain{})

	_, err := r.Expand("/users/{{userId}}")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrVariableNotFound))

	var rerr *ResolutionError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "userId", rerr.Name)
}

func TestExpand_Circular(t *testing.T) {
	r := New(Chain{
		Local: env(model.ScopeLocal, map[string]string{"a": "{{b}}", "b": "x{{a}}"}),
	})

	_, err := r.Expand("{{a}}")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCircularReference))

	var rerr *ResolutionError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "a", rerr.Name)
	assert.Equal(t, []string{"a", "b"}, rerr.Chain)
	assert.Contains(t, err.Error(), "a -> b -> a")
}

func TestExpand_SelfReference(t *testing.T) {
	r := New(Chain{Local: env(model.ScopeLocal, map[string]string{"a": "{{a}}"})})
	_, err := r.Expand("{{a}}")
	assert.True(t, errors.Is(err, ErrCircularReference))
}

func TestExpand_RepeatedNameIsNotCycle(t *testing.T) {
	r := New(Chain{Local: env(model.ScopeLocal, map[string]string{"id": "7", "pair": "{{id}}-{{id}}"})})
	got, err := r.Expand("{{pair}}")
	require.NoError(t, err)
	assert.Equal(t, "7-7", got)
}

func TestSystemEnv(t *testing.T) {
	system := func(name string) (string, bool) {
		if name == "HOME" {
			return "/home/forge", true
		}
		return "", false
	}

	r := New(Chain{System: system})
	got, err := r.Expand("{{env:HOME}}/x")
	require.NoError(t, err)
	assert.Equal(t, "/home/forge/x", got)

	_, err = New(Chain{}).Expand("{{env:HOME}}")
	assert.True(t, errors.Is(err, ErrVariableNotFound))
}

func TestSecretsAndRedact(t *testing.T) {
	local := env(model.ScopeLocal, map[string]string{"user": "alice"})
	local.Variables["token"] = model.Variable{Value: "s3cr3t-token", Secret: true}
	r := New(Chain{Local: local})

	assert.True(t, r.IsSecret("token"))
	assert.False(t, r.IsSecret("user"))
	assert.Equal(t, []string{"s3cr3t-token"}, r.Secrets())
	assert.Equal(t, "Authorization: Bearer ******", r.Redact("Authorization: Bearer s3cr3t-token"))
}

func TestOverrideKeepsSecretFlag(t *testing.T) {
	local := &model.Environment{Variables: map[string]model.Variable{"token": {Value: "a", Secret: true}}}
	r := New(Chain{Local: local}).WithOverrides(map[string]string{"token": "b"})
	assert.True(t, r.IsSecret("token"))

	got, err := r.Resolve("token")
	require.NoError(t, err)
	assert.Equal(t, "b", got)
}

func TestWithDefaults(t *testing.T) {
	r := New(Chain{Defaults: map[string]string{"page": "1"}}).WithDefaults(map[string]string{"page": "9", "size": "20"})
	page, _ := r.Resolve("page")
	size, _ := r.Resolve("size")
	assert.Equal(t, "1", page)
	assert.Equal(t, "20", size)
	d, ok := r.Default("size")
	assert.True(t, ok)
	assert.Equal(t, "20", d)
}

func TestSplit(t *testing.T) {
	segs := Split("{{baseUrl}}/users/{{ id }}?x=1")
	require.Len(t, segs, 4)
	assert.Equal(t, Segment{Var: "baseUrl"}, segs[0])
	assert.Equal(t, Segment{Literal: "/users/"}, segs[1])
	assert.Equal(t, Segment{Var: "id"}, segs[2])
	assert.Equal(t, Segment{Literal: "?x=1"}, segs[3])

	assert.Equal(t, []Segment{{Literal: "plain"}}, Split("plain"))
	assert.Empty(t, Split(""))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, Placeholders("{{a}} {{b}} {{a}}"))
	assert.Nil(t, Placeholders("none"))
}
