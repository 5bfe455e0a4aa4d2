package cacher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveSharedLibs_MissingExecutable(t *testing.T) {
	_, _, ok := ResolveSharedLibs("/nonexistent/binary", "")
	assert.False(t, ok)
}

func TestResolveSharedLibs_NonELFExecutable(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "build.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho hi\n"), 0o755))

	execHash, libHashes, ok := ResolveSharedLibs(script, "")
	require.True(t, ok)
	assert.False(t, execHash.IsZero())
	assert.Empty(t, libHashes)
}

func TestResolveSharedLibs_RecompiledBinaryChangesHash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cc")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o755))
	h1, _, ok1 := ResolveSharedLibs(path, "")
	require.True(t, ok1)

	require.NoError(t, os.WriteFile(path, []byte("v2-recompiled"), 0o755))
	h2, _, ok2 := ResolveSharedLibs(path, "")
	require.True(t, ok2)

	assert.NotEqual(t, h1, h2, "a recompiled binary at the same path must not fingerprint identically")
}

func TestLdLibraryPathDirs(t *testing.T) {
	assert.Equal(t, []string{"/a", "/b"}, ldLibraryPathDirs("/a:/b"))
	assert.Nil(t, ldLibraryPathDirs(""))
	assert.Equal(t, []string{"/a"}, ldLibraryPathDirs("/a::"))
}

func TestResolveLib_SearchesDirsInOrder(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir2, "libfoo.so"), []byte("x"), 0o644))

	path, found := resolveLib("libfoo.so", []string{dir1, dir2})
	require.True(t, found)
	assert.Equal(t, filepath.Join(dir2, "libfoo.so"), path)
}

func TestResolveLib_NotFound(t *testing.T) {
	_, found := resolveLib("libmissing.so", []string{t.TempDir()})
	assert.False(t, found)
}

func TestResolveLib_AbsolutePath(t *testing.T) {
	dir := t.TempDir()
	abs := filepath.Join(dir, "libbar.so")
	require.NoError(t, os.WriteFile(abs, []byte("x"), 0o644))

	path, found := resolveLib(abs, nil)
	require.True(t, found)
	assert.Equal(t, abs, path)
}
