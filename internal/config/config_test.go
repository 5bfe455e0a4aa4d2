package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyOverride_KnownKeys(t *testing.T) {
	c := Default()
	require.NoError(t, c.ApplyOverride("socket_path=/tmp/fb.sock"))
	require.NoError(t, c.ApplyOverride("cache_dir=/tmp/fb-cache"))
	require.NoError(t, c.ApplyOverride("env_allow=PATH, HOME ,CC"))
	require.NoError(t, c.ApplyOverride("clean_cache=true"))

	assert.Equal(t, "/tmp/fb.sock", c.SocketPath)
	assert.Equal(t, "/tmp/fb-cache", c.CacheDir)
	assert.Equal(t, []string{"PATH", "HOME", "CC"}, c.EnvAllow)
	assert.True(t, c.CleanCache)
}

func TestApplyOverride_PolicyVersion(t *testing.T) {
	c := Default()
	require.NoError(t, c.ApplyOverride("policy_version=v2"))
	assert.Equal(t, "v2", c.PolicyVersion)
}

func TestApplyOverride_MissingEquals(t *testing.T) {
	c := Default()
	err := c.ApplyOverride("socket_path")
	assert.Error(t, err)
}

func TestApplyOverride_UnknownKey(t *testing.T) {
	c := Default()
	err := c.ApplyOverride("bogus=1")
	assert.Error(t, err)
}

func TestApplyOverride_InvalidBool(t *testing.T) {
	c := Default()
	err := c.ApplyOverride("clean_cache=maybe")
	assert.Error(t, err)
}

func TestLoadFile_MergesOverBase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "firebuild.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
socket_path = "/tmp/from-file.sock"
cache_dir = "/tmp/from-file-cache"
`), 0o644))

	base := Default()
	cfg, err := LoadFile(base, path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/from-file.sock", cfg.SocketPath)
	assert.Equal(t, "/tmp/from-file-cache", cfg.CacheDir)
	assert.Equal(t, base.EnvAllow, cfg.EnvAllow)
}

func TestLoadFile_MissingFile(t *testing.T) {
	base := Default()
	_, err := LoadFile(base, "/nonexistent/firebuild.toml")
	assert.Error(t, err)
}

func TestApplyEnv_OnlyFillsUnset(t *testing.T) {
	t.Setenv("FB_SOCKET", "/tmp/env.sock")
	t.Setenv("FIREBUILD_CACHE_DIR", "/tmp/env-cache")

	c := Default()
	c.ApplyEnv()
	assert.Equal(t, "/tmp/env.sock", c.SocketPath)
	assert.Equal(t, "/tmp/env-cache", c.CacheDir)

	c2 := Default()
	c2.SocketPath = "/tmp/explicit.sock"
	c2.ApplyEnv()
	assert.Equal(t, "/tmp/explicit.sock", c2.SocketPath)
}

func TestValidate(t *testing.T) {
	c := Default()
	assert.Error(t, c.Validate())

	c.SocketPath = "/tmp/fb.sock"
	assert.Error(t, c.Validate())

	c.CacheDir = "/tmp/fb-cache"
	assert.NoError(t, c.Validate())
}

func TestEnvAllowed_DenyWinsOverAllow(t *testing.T) {
	c := Default()
	c.EnvAllow = []string{"SECRET"}
	c.EnvDeny = []string{"SECRET"}

	assert.False(t, c.EnvAllowed("SECRET"))
	assert.True(t, c.EnvAllowed("PATH"))
	assert.False(t, c.EnvAllowed("UNKNOWN_VAR"))
}

func TestInjectedEnv_AppendsWhenAbsent(t *testing.T) {
	base := []string{"PATH=/usr/bin", "HOME=/root"}
	out := InjectedEnv(base, "/opt/firebuild/libfbintercept.so", "LD_PRELOAD")
	assert.Contains(t, out, "LD_PRELOAD=/opt/firebuild/libfbintercept.so")
}

func TestInjectedEnv_ExtendsExisting(t *testing.T) {
	base := []string{"LD_LIBRARY_PATH=/usr/lib", "HOME=/root"}
	out := InjectedEnv(base, "/opt/firebuild", "LD_LIBRARY_PATH")
	assert.Contains(t, out, "LD_LIBRARY_PATH=/usr/lib:/opt/firebuild")
}
