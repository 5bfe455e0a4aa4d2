package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firebuild-go/firebuild/internal/proctree"
	"github.com/firebuild-go/firebuild/internal/wire"
)

func newPosixSpawnCaller(t *testing.T, s *Server, pid int, connFd int) *proctree.Process {
	t.Helper()
	root := proctree.NewRootExeced(s.tree.NextFbPid(), pid, "/build", []string{"make"})
	root.Exec.CanShortcut = true
	s.tree.Insert(root, connFd)
	return root
}

func TestHandlePosixSpawn_SetsPendingFlag(t *testing.T) {
	s := newDispatchTestServer(t)
	connFd, _ := socketpairConn(t)
	newPosixSpawnCaller(t, s, 500, connFd)

	s.handlePosixSpawn(connFd, 0, posixSpawnMsg{})

	assert.True(t, s.corr.posixSpawnPending[500])
}

func TestHandlePosixSpawnParent_ClearsPendingAndSynthesizesChild(t *testing.T) {
	s := newDispatchTestServer(t)
	connFd, peerFd := socketpairConn(t)
	newPosixSpawnCaller(t, s, 500, connFd)
	s.corr.posixSpawnPending[500] = true

	s.handlePosixSpawnParent(connFd, 9, posixSpawnMsg{ChildPid: 501})

	assert.False(t, s.corr.posixSpawnPending[500])
	child := s.tree.ByPid(501)
	require.NotNil(t, child)
	assert.Equal(t, proctree.KindForked, child.Kind)

	msg := readOneMessage(t, peerFd)
	assert.Equal(t, uint16(9), msg.Header.AckID)
}

func TestHandlePosixSpawnParent_ReplaysOpenFileAction(t *testing.T) {
	s := newDispatchTestServer(t)
	connFd, _ := socketpairConn(t)
	newPosixSpawnCaller(t, s, 500, connFd)
	s.corr.posixSpawnPending[500] = true

	s.handlePosixSpawnParent(connFd, 1, posixSpawnMsg{
		ChildPid: 501,
		FileActions: []fileAction{
			{Kind: fileActionOpen, Path: "/build/out.log", Fd: 3, Flags: 1 /* O_WRONLY */},
		},
	})

	child := s.tree.ByPid(501)
	require.NotNil(t, child)
	f := child.FDs.Get(3)
	require.NotNil(t, f)
	assert.Equal(t, "/build/out.log", f.OFD.Path.Path)
}

func TestHandlePosixSpawnParent_ReplaysDup2AndChdir(t *testing.T) {
	s := newDispatchTestServer(t)
	connFd, _ := socketpairConn(t)
	newPosixSpawnCaller(t, s, 500, connFd)
	s.corr.posixSpawnPending[500] = true

	s.handlePosixSpawnParent(connFd, 1, posixSpawnMsg{
		ChildPid: 501,
		FileActions: []fileAction{
			{Kind: fileActionOpen, Path: "/build/out.log", Fd: 3, Flags: 1},
			{Kind: fileActionDup2, Fd: 3, Fd2: 1},
			{Kind: fileActionChdir, Path: "/build/sub"},
		},
	})

	child := s.tree.ByPid(501)
	require.NotNil(t, child)
	dupped := child.FDs.Get(1)
	require.NotNil(t, dupped)
	assert.Same(t, child.FDs.Get(3).OFD, dupped.OFD)
	assert.Equal(t, "/build/sub", child.Wd)
}

func TestHandlePosixSpawnParent_ReleasesQueuedScprocQuery(t *testing.T) {
	s := newDispatchTestServer(t)
	connFd, _ := socketpairConn(t)
	newPosixSpawnCaller(t, s, 500, connFd)

	childConnFd, childPeerFd := socketpairConn(t)
	q := scprocQuery{Pid: 501, Ppid: 500, Wd: "/build", Argv: []string{"cc1"}, Executable: "/usr/bin/cc1"}

	s.corr.posixSpawnPending[500] = true
	_, how := s.resolveParent(q)
	assert.Equal(t, queuedBehindPosixSpawnParent, how)
	s.corr.queuedPosixSpawnChild[500] = pendingScprocQuery{connFd: childConnFd, ackID: 42, msg: q}

	s.handlePosixSpawnParent(connFd, 1, posixSpawnMsg{
		ChildPid: 501,
		FileActions: []fileAction{
			{Kind: fileActionOpen, Path: "/build/out.log", Fd: 3, Flags: 1 /* O_WRONLY */},
		},
	})

	assert.NotContains(t, s.corr.queuedPosixSpawnChild, 500)
	msg := readOneMessage(t, childPeerFd)
	assert.Equal(t, wire.TagScprocResp, msg.Header.Tag)
	assert.Equal(t, uint16(42), msg.Header.AckID)

	// The released exec must be a child of the SAME synthesized
	// ForkedProcess that file_actions were replayed onto, not a freshly
	// re-synthesized one that would silently discard them.
	execed := s.tree.ByPid(501)
	require.NotNil(t, execed)
	require.Equal(t, proctree.KindExeced, execed.Kind)
	f := execed.FDs.Get(3)
	require.NotNil(t, f, "fd 3 opened by posix_spawn file_actions must survive into the exec'd process")
	assert.Equal(t, "/build/out.log", f.OFD.Path.Path)
}

func TestHandlePosixSpawnFailed_ClearsPendingOnly(t *testing.T) {
	s := newDispatchTestServer(t)
	connFd, _ := socketpairConn(t)
	proc := newPosixSpawnCaller(t, s, 500, connFd)
	s.corr.posixSpawnPending[500] = true

	s.handlePosixSpawnFailed(proc)

	assert.False(t, s.corr.posixSpawnPending[500])
	assert.True(t, proc.Exec.CanShortcut, "a failed posix_spawn must not disable the caller's own shortcutting")
}
