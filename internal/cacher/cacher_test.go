package cacher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firebuild-go/firebuild/internal/fbhash"
	"github.com/firebuild-go/firebuild/internal/fileusage"
	"github.com/firebuild-go/firebuild/internal/store"
)

func newCacher(t *testing.T) *Cacher {
	t.Helper()
	blobs, err := store.NewBlobStore(t.TempDir())
	require.NoError(t, err)
	objects, err := store.NewObjectStore(t.TempDir())
	require.NoError(t, err)
	return New(blobs, objects)
}

func TestStoreThenLookup_InputsMatch(t *testing.T) {
	c := newCacher(t)
	fp := fbhash.FromBytes([]byte("fingerprint"))

	readHash := fbhash.FromBytes([]byte("old content"))
	usages := map[string]*fileusage.FileUsage{
		"/in.txt": {InitialState: fileusage.IsReg, InitialHash: readHash, InitialHashKnown: true},
	}
	record := NewRecord(usages, nil, 0, nil)

	_, err := c.Store(fp, record, nil)
	require.NoError(t, err)

	verify := func(path string) (fbhash.Hash, error) { return readHash, nil }
	got, _, ok, err := c.Lookup(fp, verify)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(0), got.ExitStatus)
}

func TestLookup_StaleInputSkipsEntry(t *testing.T) {
	c := newCacher(t)
	fp := fbhash.FromBytes([]byte("fingerprint-2"))

	readHash := fbhash.FromBytes([]byte("recorded"))
	usages := map[string]*fileusage.FileUsage{
		"/in.txt": {InitialState: fileusage.IsReg, InitialHash: readHash, InitialHashKnown: true},
	}
	record := NewRecord(usages, nil, 0, nil)
	_, err := c.Store(fp, record, nil)
	require.NoError(t, err)

	changedHash := fbhash.FromBytes([]byte("changed"))
	verify := func(path string) (fbhash.Hash, error) { return changedHash, nil }
	_, _, ok, err := c.Lookup(fp, verify)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLookup_NoEntries_ReturnsNotOk(t *testing.T) {
	c := newCacher(t)
	fp := fbhash.FromBytes([]byte("never-seen"))
	_, _, ok, err := c.Lookup(fp, func(string) (fbhash.Hash, error) { return fbhash.Hash{}, nil })
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreAndApplyFile_RoundTrips(t *testing.T) {
	c := newCacher(t)
	fp := fbhash.FromBytes([]byte("fingerprint-3"))

	content := []byte("compiled output")
	finalHash := fbhash.FromBytes(content)
	usages := map[string]*fileusage.FileUsage{
		"/out.o": {InitialState: fileusage.NotExist, Written: true},
	}
	record := NewRecord(usages, map[string]fbhash.Hash{"/out.o": finalHash}, 0, nil)

	_, err := c.Store(fp, record, map[string][]byte{finalHash.String(): content})
	require.NoError(t, err)

	data, ok, err := c.ApplyFile(record, "/out.o")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, content, data)
}

func TestApplyFile_NotWritten_ReturnsNotOk(t *testing.T) {
	c := newCacher(t)
	record := NewRecord(map[string]*fileusage.FileUsage{
		"/in.txt": {InitialState: fileusage.IsReg},
	}, nil, 0, nil)

	_, ok, err := c.ApplyFile(record, "/in.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreAndApplyPipe_RoundTrips(t *testing.T) {
	c := newCacher(t)
	fp := fbhash.FromBytes([]byte("fingerprint-4"))

	pipeBytes := []byte("stdout from producer")
	record := NewRecord(nil, nil, 0, map[int64][]byte{42: pipeBytes})

	pipeHash := fbhash.FromBytes(pipeBytes)
	_, err := c.Store(fp, record, map[string][]byte{pipeHash.String(): pipeBytes})
	require.NoError(t, err)

	got, ok, err := c.ApplyPipe(record, 42)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pipeBytes, got)
}

func TestApplyPipe_UnknownID(t *testing.T) {
	c := newCacher(t)
	record := NewRecord(nil, nil, 0, map[int64][]byte{1: []byte("x")})
	_, ok, err := c.ApplyPipe(record, 99)
	require.NoError(t, err)
	assert.False(t, ok)
}
