package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firebuild-go/firebuild/internal/fbhash"
)

func TestObjectStore_StoreAndLoad(t *testing.T) {
	os2, err := NewObjectStore(t.TempDir())
	require.NoError(t, err)

	fp := fbhash.FromBytes([]byte("fingerprint-1"))
	record := []byte(`{"exit_status":0}`)

	subkey, err := os2.Store(fp, record)
	require.NoError(t, err)

	got, err := os2.Load(fp, subkey)
	require.NoError(t, err)
	assert.Equal(t, record, got)
}

func TestObjectStore_MultipleSubkeysPerFingerprint(t *testing.T) {
	os2, err := NewObjectStore(t.TempDir())
	require.NoError(t, err)

	fp := fbhash.FromBytes([]byte("fingerprint-2"))
	k1, err := os2.Store(fp, []byte("record-a"))
	require.NoError(t, err)
	k2, err := os2.Store(fp, []byte("record-b"))
	require.NoError(t, err)

	subs, err := os2.Subkeys(fp)
	require.NoError(t, err)
	assert.ElementsMatch(t, []fbhash.Hash{k1, k2}, subs)
}

func TestObjectStore_Subkeys_UnknownFingerprint(t *testing.T) {
	os2, err := NewObjectStore(t.TempDir())
	require.NoError(t, err)

	subs, err := os2.Subkeys(fbhash.FromBytes([]byte("never-stored")))
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestObjectStore_WriteDebugDump_NotCountedAsSubkey(t *testing.T) {
	os2, err := NewObjectStore(t.TempDir())
	require.NoError(t, err)

	fp := fbhash.FromBytes([]byte("fingerprint-3"))
	_, err = os2.Store(fp, []byte("record"))
	require.NoError(t, err)
	require.NoError(t, os2.WriteDebugDump(fp, []byte("human readable")))

	subs, err := os2.Subkeys(fp)
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}
