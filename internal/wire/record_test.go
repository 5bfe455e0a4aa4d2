package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_ScalarFields_RoundTrip(t *testing.T) {
	r := &Record{}
	r.SetInt64(1, 42)
	r.SetString(2, "hello")
	r.SetBytes(3, []byte{1, 2, 3})

	decoded, err := DecodeRecord(r.Encode())
	require.NoError(t, err)

	f1, ok := decoded.Get(1)
	require.True(t, ok)
	assert.Equal(t, int64(42), f1.Int64)

	f2, ok := decoded.Get(2)
	require.True(t, ok)
	assert.Equal(t, "hello", f2.Str)

	f3, ok := decoded.Get(3)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, f3.Bytes)
}

func TestRecord_NestedRecord_RoundTrip(t *testing.T) {
	inner := &Record{}
	inner.SetString(1, "nested")

	outer := &Record{}
	outer.SetRecord(5, inner)

	decoded, err := DecodeRecord(outer.Encode())
	require.NoError(t, err)

	f, ok := decoded.Get(5)
	require.True(t, ok)
	require.NotNil(t, f.Rec)
	inner2, ok := f.Rec.Get(1)
	require.True(t, ok)
	assert.Equal(t, "nested", inner2.Str)
}

func TestRecord_StringArray_RoundTrip(t *testing.T) {
	r := &Record{}
	r.SetStringArray(1, []string{"a.out", "-o", "a.out"})

	decoded, err := DecodeRecord(r.Encode())
	require.NoError(t, err)

	f, ok := decoded.Get(1)
	require.True(t, ok)
	assert.Equal(t, []string{"a.out", "-o", "a.out"}, f.ArrStr)
}

func TestRecord_Encode_FieldOrderIsTagSorted(t *testing.T) {
	r := &Record{}
	r.SetInt64(5, 1)
	r.SetInt64(1, 2)
	r.SetInt64(3, 3)

	a := r.Encode()

	r2 := &Record{}
	r2.SetInt64(1, 2)
	r2.SetInt64(3, 3)
	r2.SetInt64(5, 1)
	b := r2.Encode()

	assert.Equal(t, a, b, "encoding must not depend on Set call order")
}

func TestDecodeRecord_TruncatedPayload(t *testing.T) {
	r := &Record{}
	r.SetString(1, "hello")
	enc := r.Encode()

	_, err := DecodeRecord(enc[:len(enc)-2])
	assert.Error(t, err)
}

func TestRecord_DebugJSON_Deterministic(t *testing.T) {
	r := &Record{}
	r.SetInt64(2, 7)
	r.SetString(1, "argv0")

	j1, err := r.DebugJSON()
	require.NoError(t, err)
	j2, err := r.DebugJSON()
	require.NoError(t, err)
	assert.Equal(t, j1, j2)
	assert.Contains(t, string(j1), `"001"`)
}

func TestRecord_Get_MissingTag(t *testing.T) {
	r := &Record{}
	_, ok := r.Get(9)
	assert.False(t, ok)
}
