package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knothic/anvil/core"
	"github.com/knothic/anvil/sandbox"
)

func newTestRegistry(t *testing.T, requireConsent bool) (*Registry, *sandbox.Resolver) {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.Consent.Require = requireConsent

	sb, err := sandbox.New(t.TempDir())
	require.NoError(t, err)

	return Builtins(cfg, sb, nil), sb
}

func invoke(t *testing.T, r *Registry, name string, input map[string]interface{}, token *core.ConsentToken) (map[string]interface{}, error) {
	t.Helper()
	cap, err := r.Resolve(name)
	require.NoError(t, err)
	return cap.Fn(context.Background(), input, token)
}

func TestFsWriteThenReadRoundTrip(t *testing.T) {
	r, _ := newTestRegistry(t, false)

	out, err := invoke(t, r, "fs.write", map[string]interface{}{
		"path":    "demo/a.txt",
		"content": "hi",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out["bytes"])

	out, err = invoke(t, r, "fs.read", map[string]interface{}{"path": "demo/a.txt"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hi", out["content"])
	assert.Equal(t, 2, out["bytes"])
}

func TestFsWriteRejectsEscape(t *testing.T) {
	r, sb := newTestRegistry(t, false)

	_, err := invoke(t, r, "fs.write", map[string]interface{}{
		"path":    "../escape.txt",
		"content": "nope",
	}, nil)
	assert.ErrorIs(t, err, core.ErrPathEscape)

	// Nothing was created outside the root.
	_, statErr := os.Stat(filepath.Join(filepath.Dir(sb.Root()), "escape.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestFsWriteOverwriteFlag(t *testing.T) {
	r, _ := newTestRegistry(t, false)

	_, err := invoke(t, r, "fs.write", map[string]interface{}{
		"path": "a.txt", "content": "one",
	}, nil)
	require.NoError(t, err)

	_, err = invoke(t, r, "fs.write", map[string]interface{}{
		"path": "a.txt", "content": "two", "overwrite": false,
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing to overwrite")

	out, err := invoke(t, r, "fs.read", map[string]interface{}{"path": "a.txt"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "one", out["content"])
}

func TestFsReadMissingFile(t *testing.T) {
	r, _ := newTestRegistry(t, false)

	_, err := invoke(t, r, "fs.read", map[string]interface{}{"path": "absent.txt"}, nil)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestFsDelete(t *testing.T) {
	r, _ := newTestRegistry(t, false)

	_, err := invoke(t, r, "fs.write", map[string]interface{}{"path": "dir/f.txt", "content": "x"}, nil)
	require.NoError(t, err)

	// Non-recursive delete of a non-empty directory fails.
	_, err = invoke(t, r, "fs.delete", map[string]interface{}{"path": "dir"}, nil)
	require.Error(t, err)

	out, err := invoke(t, r, "fs.delete", map[string]interface{}{"path": "dir", "recursive": true}, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out["deleted"])

	_, err = invoke(t, r, "fs.read", map[string]interface{}{"path": "dir/f.txt"}, nil)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestFsDeleteRefusesRoot(t *testing.T) {
	r, _ := newTestRegistry(t, false)

	_, err := invoke(t, r, "fs.delete", map[string]interface{}{"path": "/", "recursive": true}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sandbox root")
}

func TestFsList(t *testing.T) {
	r, _ := newTestRegistry(t, false)

	for _, f := range []string{"a.txt", "b.txt"} {
		_, err := invoke(t, r, "fs.write", map[string]interface{}{"path": "d/" + f, "content": "x"}, nil)
		require.NoError(t, err)
	}

	out, err := invoke(t, r, "fs.list", map[string]interface{}{"path": "d"}, nil)
	require.NoError(t, err)
	entries := out["entries"].([]map[string]interface{})
	require.Len(t, entries, 2)
	assert.Equal(t, false, entries[0]["is_dir"])
}

func TestFsGlob(t *testing.T) {
	r, _ := newTestRegistry(t, false)

	for _, f := range []string{"x/one.go", "x/two.txt", "three.go"} {
		_, err := invoke(t, r, "fs.write", map[string]interface{}{"path": f, "content": "x"}, nil)
		require.NoError(t, err)
	}

	out, err := invoke(t, r, "fs.glob", map[string]interface{}{"pattern": "*.go"}, nil)
	require.NoError(t, err)
	matches := out["matches"].([]string)
	assert.Len(t, matches, 2)
}

func TestFsSearch(t *testing.T) {
	r, _ := newTestRegistry(t, false)

	content := "alpha\nbeta match\ngamma\ndelta match\n"
	_, err := invoke(t, r, "fs.write", map[string]interface{}{"path": "log.txt", "content": content}, nil)
	require.NoError(t, err)

	out, err := invoke(t, r, "fs.search", map[string]interface{}{
		"pattern": "match$",
		"path":    "log.txt",
	}, nil)
	require.NoError(t, err)
	matches := out["matches"].([]map[string]interface{})
	require.Len(t, matches, 2)
	assert.Equal(t, 2, matches[0]["line"])
	assert.Equal(t, "beta match", matches[0]["text"])
}

func TestFsSearchRejectsBadPattern(t *testing.T) {
	r, _ := newTestRegistry(t, false)

	_, err := invoke(t, r, "fs.search", map[string]interface{}{
		"pattern": "([",
		"path":    "whatever.txt",
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid pattern")
}

func TestConsentEnforcement(t *testing.T) {
	r, _ := newTestRegistry(t, true)

	// No token at all.
	_, err := invoke(t, r, "fs.write", map[string]interface{}{"path": "a.txt", "content": "x"}, nil)
	assert.ErrorIs(t, err, core.ErrConsentRequired)

	// Token without the needed scope.
	token := core.NewConsentToken("user", ScopeReadFS)
	_, err = invoke(t, r, "fs.write", map[string]interface{}{"path": "a.txt", "content": "x"}, token)
	assert.ErrorIs(t, err, core.ErrConsentDenied)

	// Scoped token.
	token = core.NewConsentToken("user", ScopeWriteFS)
	_, err = invoke(t, r, "fs.write", map[string]interface{}{"path": "a.txt", "content": "x"}, token)
	assert.NoError(t, err)

	// Wildcard token.
	_, err = invoke(t, r, "fs.read", map[string]interface{}{"path": "a.txt"}, core.AllScopes())
	assert.NoError(t, err)
}

func TestResolveUnknownCapability(t *testing.T) {
	r, _ := newTestRegistry(t, false)

	_, err := r.Resolve("fs.teleport")
	assert.ErrorIs(t, err, core.ErrUnknownCapability)
}

func TestCatalogFiltersByScope(t *testing.T) {
	r, _ := newTestRegistry(t, true)

	all := r.Catalog(nil)
	assert.Len(t, all, 11)

	readOnly := r.Catalog([]string{ScopeReadFS, ScopeListFS})
	names := make(map[string]bool)
	for _, info := range readOnly {
		names[info.Name] = true
	}
	assert.True(t, names["fs.read"])
	assert.True(t, names["fs.list"])
	assert.True(t, names["fs.glob"])
	assert.False(t, names["fs.write"])
	assert.False(t, names["shell.run"])

	wildcard := r.Catalog([]string{core.ScopeAll})
	assert.Len(t, wildcard, 11)
}
