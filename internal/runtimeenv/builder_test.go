package runtimeenv

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"simple":        "simple",
		"with.dots-ok_": "with.dots-ok_",
		"a b/c":         "a_b_c",
		"über":          "_ber",
		"x:y@z":         "x_y_z",
	}
	for in, want := range cases {
		assert.Equal(t, want, Sanitize(in), "input %q", in)
	}
}

func TestBuildShared(t *testing.T) {
	b := NewBuilder(t.TempDir())
	re, err := b.Build(Request{Cwd: "/work", Env: map[string]string{"FOO": "bar"}})
	require.NoError(t, err)

	assert.Equal(t, IsolationShared, re.Isolation.Level)
	assert.Equal(t, ModeSubprocess, re.Isolation.Mode)
	assert.Empty(t, re.Isolation.HomeDir)
	assert.Equal(t, "bar", re.Env["FOO"])
	_, hasHome := re.Env["HOME"]
	assert.False(t, hasHome, "shared isolation must not export HOME")
}

func TestBuildNamespaced(t *testing.T) {
	base := t.TempDir()
	b := NewBuilder(base)

	re, err := b.Build(Request{
		CredentialNamespace: "team a",
		IsolationLevel:      IsolationNamespaced,
	})
	require.NoError(t, err)

	root := filepath.Join(base, "team_a")
	assert.Equal(t, filepath.Join(root, "home"), re.Isolation.HomeDir)
	assert.Equal(t, filepath.Join(root, "config"), re.Env["XDG_CONFIG_HOME"])
	assert.Equal(t, filepath.Join(root, "state"), re.Env["XDG_STATE_HOME"])
	assert.Equal(t, filepath.Join(root, "cache"), re.Env["XDG_CACHE_HOME"])
	assert.Equal(t, re.Isolation.HomeDir, re.Env["HOME"])

	for _, sub := range []string{"home", "config", "state", "cache"} {
		info, err := os.Stat(filepath.Join(root, sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestBuildEphemeral(t *testing.T) {
	base := t.TempDir()
	b := NewBuilder(base)

	_, err := b.Build(Request{IsolationLevel: IsolationEphemeral})
	assert.Error(t, err, "ephemeral requires a session id")

	re, err := b.Build(Request{
		CredentialNamespace: "ns",
		IsolationLevel:      IsolationEphemeral,
		SessionID:           "sess1",
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "ns", "session-sess1", "home"), re.Isolation.HomeDir)

	require.NoError(t, b.Cleanup("ns", "sess1"))
	_, err = os.Stat(filepath.Join(base, "ns", "session-sess1"))
	assert.True(t, os.IsNotExist(err))
}

func TestBuildRejectsUnknownLevels(t *testing.T) {
	b := NewBuilder(t.TempDir())
	_, err := b.Build(Request{IsolationLevel: "container"})
	assert.Error(t, err)
	_, err = b.Build(Request{IsolationMode: "vm"})
	assert.Error(t, err)
}
