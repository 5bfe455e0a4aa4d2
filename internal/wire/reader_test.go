package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader_PartialMessage_NotYetReady(t *testing.T) {
	msg := Encode(TagClose, 1, []byte("payload"))
	var r Reader
	r.Feed(msg[:len(msg)-2])

	_, ok, err := r.Next()
	require.NoError(t, err)
	assert.False(t, ok)

	r.Feed(msg[len(msg)-2:])
	decoded, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), decoded.Payload)
}

func TestReader_MultipleMessagesInOneFeed(t *testing.T) {
	msg1 := Encode(TagOpen, 1, []byte("one"))
	msg2 := Encode(TagClose, 2, []byte("two"))

	var r Reader
	r.Feed(append(append([]byte{}, msg1...), msg2...))

	first, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TagOpen, first.Header.Tag)

	second, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TagClose, second.Header.Tag)

	_, ok, err = r.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReader_RetainsPartialTail(t *testing.T) {
	msg1 := Encode(TagOpen, 1, []byte("complete"))
	msg2 := Encode(TagClose, 2, []byte("partial"))

	var r Reader
	r.Feed(append(append([]byte{}, msg1...), msg2[:3]...))

	_, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 3, r.Pending())
}
