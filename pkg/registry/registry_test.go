package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testManifest = `version: "%s"
templates:
  - language: curl
    component: full
    file: curl/full.tmpl
    requires: [url]
    defaults:
      page: "1"
`

func writeSet(t *testing.T, dir, version, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "curl"), 0o755))
	manifest := []byte(fmtManifest(version))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), manifest, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "curl", "full.tmpl"), []byte(body), 0o644))
}

func fmtManifest(version string) string {
	return fmt.Sprintf(testManifest, version)
}

func TestEmbeddedSet(t *testing.T) {
	reg, err := New(nil, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"curl", "go", "javascript", "python"}, reg.Languages())
	for _, lang := range reg.Languages() {
		for _, comp := range []string{"full", "snippet"} {
			tmpl, err := reg.Lookup(lang, comp)
			require.NoError(t, err, "%s/%s", lang, comp)
			assert.Equal(t, lang, tmpl.Language)
			assert.Equal(t, reg.Current().Version.String(), tmpl.Version)
		}
	}
	assert.Empty(t, reg.Current().Orphans())
}

func TestLookup_NotFound(t *testing.T) {
	reg, err := New(nil, nil, nil)
	require.NoError(t, err)

	_, err = reg.Lookup("cobol", "full")
	assert.ErrorIs(t, err, ErrTemplateNotFound)

	_, err = reg.Lookup("curl", "sdk")
	assert.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestRender_MissingKeyFails(t *testing.T) {
	fsys := fstest.MapFS{
		ManifestFile:     {Data: []byte(fmtManifest("1.0.0"))},
		"curl/full.tmpl": {Data: []byte(`curl {{.URL}}`)},
	}
	set, err := LoadFS(fsys, nil)
	require.NoError(t, err)

	tmpl := set.templates[key{"curl", "full"}]
	require.NotNil(t, tmpl)
	assert.Equal(t, map[string]string{"page": "1"}, tmpl.Defaults)

	out, err := tmpl.Render(map[string]string{"URL": "'https://x'"})
	require.NoError(t, err)
	assert.Equal(t, "curl 'https://x'", out)

	_, err = tmpl.Render(map[string]string{})
	var te *TemplateError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "curl/full.tmpl", te.File)
}

func TestReload_KeepsOldSetOnFailure(t *testing.T) {
	dir := t.TempDir()
	writeSet(t, dir, "1.0.0", "v1 {{.URL}}")

	reg, err := New(DirSource{Dir: dir}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", reg.Current().Version.String())

	// broken template syntax
	writeSet(t, dir, "1.1.0", "v2 {{.URL")
	err = reg.Reload(context.Background())
	require.ErrorIs(t, err, ErrRegistryCorrupt)
	assert.True(t, IsTemplateError(err))
	assert.Equal(t, "1.0.0", reg.Current().Version.String())

	tmpl, err := reg.Lookup("curl", "full")
	require.NoError(t, err)
	out, err := tmpl.Render(map[string]string{"URL": "u"})
	require.NoError(t, err)
	assert.Equal(t, "v1 u", out)

	writeSet(t, dir, "1.1.0", "v2 {{.URL}}")
	require.NoError(t, reg.Reload(context.Background()))
	assert.Equal(t, "1.1.0", reg.Current().Version.String())
}

func TestReload_Cancelled(t *testing.T) {
	reg, err := New(nil, nil, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, reg.Reload(ctx), context.Canceled)
}

func TestLoad_InvalidManifest(t *testing.T) {
	tests := map[string]string{
		"missing file":    "version: \"1.0.0\"\ntemplates:\n  - language: curl\n    component: full\n",
		"bad language":    "version: \"1.0.0\"\ntemplates:\n  - language: Curl!\n    component: full\n    file: a.tmpl\n",
		"bad requires":    "version: \"1.0.0\"\ntemplates:\n  - language: curl\n    component: full\n    file: a.tmpl\n    requires: [cookies]\n",
		"no templates":    "version: \"1.0.0\"\ntemplates: []\n",
		"numeric version": "version: 1.0\ntemplates:\n  - language: curl\n    component: full\n    file: a.tmpl\n",
		"not semver":      "version: \"banana\"\ntemplates:\n  - language: curl\n    component: full\n    file: a.tmpl\n",
		"duplicate":       "version: \"1.0.0\"\ntemplates:\n  - language: curl\n    component: full\n    file: a.tmpl\n  - language: curl\n    component: full\n    file: b.tmpl\n",
		"empty":           "",
	}
	for name, manifest := range tests {
		t.Run(name, func(t *testing.T) {
			fsys := fstest.MapFS{
				ManifestFile: {Data: []byte(manifest)},
				"a.tmpl":     {Data: []byte("a")},
				"b.tmpl":     {Data: []byte("b")},
			}
			_, err := LoadFS(fsys, nil)
			assert.ErrorIs(t, err, ErrRegistryCorrupt)
		})
	}
}

func TestLoad_MissingTemplateFile(t *testing.T) {
	fsys := fstest.MapFS{ManifestFile: {Data: []byte(fmtManifest("1.0.0"))}}
	_, err := LoadFS(fsys, nil)
	require.ErrorIs(t, err, ErrRegistryCorrupt)
	assert.True(t, IsTemplateError(err))
}

func TestLoad_Orphans(t *testing.T) {
	fsys := fstest.MapFS{
		ManifestFile:         {Data: []byte(fmtManifest("1.0.0"))},
		"curl/full.tmpl":     {Data: []byte("x")},
		"curl/extra.tmpl":    {Data: []byte("y")},
		"ruby/nested/a.tmpl": {Data: []byte("z")},
		"README.md":          {Data: []byte("not a template")},
	}
	set, err := LoadFS(fsys, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"curl/extra.tmpl", "ruby/nested/a.tmpl"}, set.Orphans())
}

func TestDirSource_Missing(t *testing.T) {
	_, err := New(DirSource{Dir: filepath.Join(t.TempDir(), "nope")}, nil, nil)
	assert.ErrorIs(t, err, ErrRegistryCorrupt)
}

func TestConcurrentLookupDuringReload(t *testing.T) {
	reg, err := New(nil, nil, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_, err := reg.Lookup("python", "full")
				assert.NoError(t, err)
			}
		}()
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, reg.Reload(context.Background()))
	}
	wg.Wait()
}

func TestFuncs(t *testing.T) {
	assert.Equal(t, "getUserById", Camel("get user by id"))
	assert.Equal(t, "listOrders", Camel("List-Orders"))
	assert.Equal(t, "request", Camel("!!!"))
	assert.Equal(t, "r2faCheck", Camel("2fa check"))
	assert.Equal(t, "get_user", Snake("Get User"))
	assert.Equal(t, "create_order_item", Snake("createOrderItem"))
	assert.Equal(t, "List Orders", Title("list-orders"))
	assert.Equal(t, "a\n  b\n\n  c", indent(2, "a\nb\n\nc"))

	fm := Funcs(map[string]any{"upper": func(s string) string { return "X" }})
	assert.Contains(t, fm, "camel")
	assert.Equal(t, "X", fm["upper"].(func(string) string)("a"))
}
