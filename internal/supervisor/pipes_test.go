package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/firebuild-go/firebuild/internal/wire"
)

// TestHandlePipeFds_DoesNotCloseTheRealReaderFd guards against a fd-
// ownership bug: sendFD must dup the pipe's reader fd before wrapping it
// in an os.File, since os.File.Close() closes the underlying fd number
// and the pipe keeps writing to that same fd afterward.
func TestHandlePipeFds_DoesNotCloseTheRealReaderFd(t *testing.T) {
	s := newDispatchTestServer(t)
	connFd, peerFd := socketpairConn(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fds[0]); unix.Close(fds[1]) })
	pipeReaderFd := fds[0]

	p := s.pipes.Create(pipeReaderFd)

	s.handlePipeFds(connFd, 9, pipeRequestMsg{ReaderFd: int(p.ID)})

	msg := readOneMessage(t, peerFd)
	assert.Equal(t, wire.TagAck, msg.Header.Tag)
	assert.Equal(t, uint16(9), msg.Header.AckID)

	// The original reader fd must still be usable: writing into the
	// pipe's own write end should not fail with EBADF.
	n, err := unix.Write(fds[1], []byte("still alive"))
	require.NoError(t, err)
	assert.Equal(t, len("still alive"), n)
}
