// Package testutil provides fixtures shared across package test suites:
// a throwaway on-disk cache and a baseline Config, so each package's
// _test.go files don't each reinvent temp-dir plumbing. Grounded on the
// teacher's table-driven test style throughout linux/, spec/, container/,
// generalized into one shared setup helper the way a larger test suite
// factors out its common fixtures.
package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/firebuild-go/firebuild/internal/cacher"
	"github.com/firebuild-go/firebuild/internal/config"
	"github.com/firebuild-go/firebuild/internal/store"
)

// NewCacher builds a Cacher backed by fresh temp-dir blob/object stores,
// torn down automatically with t's temp dir.
func NewCacher(t *testing.T) *cacher.Cacher {
	t.Helper()
	blobs, err := store.NewBlobStore(t.TempDir())
	require.NoError(t, err)
	objects, err := store.NewObjectStore(t.TempDir())
	require.NoError(t, err)
	return cacher.New(blobs, objects)
}

// NewConfig returns config.Default() with SocketPath/CacheDir pointed at
// t's temp dir, satisfying Validate() without touching a shared path.
func NewConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	cfg.SocketPath = dir + "/firebuild.sock"
	cfg.CacheDir = dir + "/cache"
	return cfg
}
