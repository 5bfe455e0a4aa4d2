package fbhash

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromBytes_Deterministic(t *testing.T) {
	b := []byte("hello\n")
	h1 := FromBytes(b)
	h2 := FromBytes(b)
	assert.Equal(t, h1, h2, "hash must be deterministic")
	assert.NotEqual(t, h1, FromBytes([]byte("hello")), "different content must hash differently")
}

func TestASCIIRoundTrip(t *testing.T) {
	h := FromBytes([]byte("round trip me"))
	ascii := h.ToASCII()
	assert.Len(t, ascii, ASCIILen)

	decoded, err := FromASCII(ascii)
	require.NoError(t, err)
	assert.Equal(t, h, decoded)
}

func TestFromASCII_InvalidLength(t *testing.T) {
	_, err := FromASCII("short")
	assert.Error(t, err)
}

func TestFromFile_RegularFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello\n"), 0644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	h, isDir, err := FromFile(f)
	require.NoError(t, err)
	assert.False(t, isDir)
	assert.Equal(t, FromBytes([]byte("hello\n")), h)
}

func TestFromFile_EmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.txt")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	h, isDir, err := FromFile(f)
	require.NoError(t, err)
	assert.False(t, isDir)
	assert.Equal(t, FromBytes(nil), h)
}

func TestFromFile_LargeFile_UsesMmapPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.bin")
	data := make([]byte, mmapThreshold+1024)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(path, data, 0644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	h, isDir, err := FromFile(f)
	require.NoError(t, err)
	assert.False(t, isDir)
	assert.Equal(t, FromBytes(data), h)
}

func TestFromFile_Directory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), nil, 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "c"), 0755))

	f, err := os.Open(dir)
	require.NoError(t, err)
	defer f.Close()

	h, isDir, err := FromFile(f)
	require.NoError(t, err)
	assert.True(t, isDir)
	assert.Equal(t, FromBytes([]byte("a\x00b\x00c\x00")), h)
}

func TestShardPrefix(t *testing.T) {
	h := FromBytes([]byte("shard me"))
	first, firstTwo := h.ShardPrefix()
	ascii := h.ToASCII()
	assert.Equal(t, ascii[:1], first)
	assert.Equal(t, ascii[:2], firstTwo)
}

func TestIsZero(t *testing.T) {
	var h Hash
	assert.True(t, h.IsZero())
	assert.False(t, FromBytes([]byte("x")).IsZero())
}
