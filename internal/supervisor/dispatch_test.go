package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/firebuild-go/firebuild/internal/fbpath"
	"github.com/firebuild-go/firebuild/internal/proctree"
	"github.com/firebuild-go/firebuild/internal/wire"
	"github.com/firebuild-go/firebuild/testutil"
)

// socketpairConn returns two connected, blocking AF_UNIX socket fds for
// driving dispatch() against a real fd (writeNow issues a genuine
// unix.Write), closed automatically when the test ends.
func socketpairConn(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func readOneMessage(t *testing.T, fd int) wire.Message {
	t.Helper()
	buf := make([]byte, 4096)
	n, err := unix.Read(fd, buf)
	require.NoError(t, err)

	r := &wire.Reader{}
	r.Feed(buf[:n])
	msg, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	return msg
}

func newDispatchTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := testutil.NewConfig(t)
	cache := testutil.NewCacher(t)
	pool := fbpath.NewPool(nil)
	return NewServer(cfg, proctree.NewTree(), pool, cache, nil)
}

func TestHandleScprocQuery_RootCacheMiss_SendsGoAhead(t *testing.T) {
	s := newDispatchTestServer(t)
	connFd, peerFd := socketpairConn(t)

	q := scprocQuery{
		Pid:        1234,
		Ppid:       s.ownPid,
		Wd:         "/build",
		Argv:       []string{"gcc", "-c", "foo.c"},
		Executable: "/usr/bin/gcc",
		Env:        map[string]string{"PATH": "/usr/bin"},
	}
	s.handleScprocQuery(connFd, 7, q)

	msg := readOneMessage(t, peerFd)
	assert.Equal(t, wire.TagScprocResp, msg.Header.Tag)
	assert.Equal(t, uint16(7), msg.Header.AckID)

	rec, err := wire.DecodeRecord(msg.Payload)
	require.NoError(t, err)
	shortcut, ok := rec.Get(fieldShortcut.u8())
	require.True(t, ok)
	assert.Equal(t, int64(0), shortcut.Int64)

	proc := s.tree.ByPid(1234)
	require.NotNil(t, proc)
	assert.Equal(t, proctree.StateRunning, proc.State)
	assert.Equal(t, "/usr/bin/gcc", proc.Exec.Executable)
}

func TestHandleScprocQuery_UnknownParent_Rejected(t *testing.T) {
	s := newDispatchTestServer(t)
	connFd, peerFd := socketpairConn(t)
	_ = peerFd

	q := scprocQuery{Pid: 999, Ppid: 111111}
	s.handleScprocQuery(connFd, 3, q)

	assert.Nil(t, s.tree.ByPid(999))
}

func TestAckConn_WritesAckRecord(t *testing.T) {
	s := newDispatchTestServer(t)
	connFd, peerFd := socketpairConn(t)

	s.ackConn(connFd, 42)

	msg := readOneMessage(t, peerFd)
	assert.Equal(t, wire.TagAck, msg.Header.Tag)
	assert.Equal(t, uint16(42), msg.Header.AckID)
}
