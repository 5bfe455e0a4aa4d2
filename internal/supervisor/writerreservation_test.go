package supervisor

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/firebuild-go/firebuild/internal/proctree"
)

func TestPreOpenThenClose_ReleasesWriterReservation(t *testing.T) {
	s := newDispatchTestServer(t)
	connFd, _ := socketpairConn(t)
	proc := proctree.NewRootExeced(s.tree.NextFbPid(), 100, "/build", []string{"cc"})
	s.tree.Insert(proc, connFd)

	s.handlePreOpen(proc, fileOpMsg{Path: "/build/out.o"})
	s.handleOpen(proc, fileOpMsg{Path: "/build/out.o", Fd: 3, Flags: syscall.O_WRONLY | syscall.O_CREAT})

	name := s.pool.Get("/build/out.o")
	assert.True(t, name.BeginWrite(), "reservation from pre_open/open must still be held while the fd is open")
	name.EndWrite()

	s.handleClose(proc, fileOpMsg{Fd: 3})

	assert.False(t, name.BeginWrite(), "closing the writing fd must release the reservation")
	name.EndWrite()
}

func TestPreOpenThenFailedOpen_ReleasesWriterReservationImmediately(t *testing.T) {
	s := newDispatchTestServer(t)
	connFd, _ := socketpairConn(t)
	proc := proctree.NewRootExeced(s.tree.NextFbPid(), 100, "/build", []string{"cc"})
	s.tree.Insert(proc, connFd)

	s.handlePreOpen(proc, fileOpMsg{Path: "/build/out.o"})
	s.handleOpen(proc, fileOpMsg{Path: "/build/out.o", Fd: 3, Flags: syscall.O_WRONLY, Errno: int(syscall.EACCES)})

	name := s.pool.Get("/build/out.o")
	assert.False(t, name.BeginWrite(), "a failed open must not leave the path permanently reserved")
	name.EndWrite()
}

func TestPreOpenThenProcessTerminates_ReleasesWriterReservation(t *testing.T) {
	s := newDispatchTestServer(t)
	connFd, _ := socketpairConn(t)
	proc := proctree.NewRootExeced(s.tree.NextFbPid(), 100, "/build", []string{"cc"})
	s.tree.Insert(proc, connFd)

	s.handlePreOpen(proc, fileOpMsg{Path: "/build/out.o"})
	s.handleOpen(proc, fileOpMsg{Path: "/build/out.o", Fd: 3, Flags: syscall.O_WRONLY | syscall.O_CREAT})

	proc.Terminate(0, 0, 0)

	name := s.pool.Get("/build/out.o")
	assert.False(t, name.BeginWrite(), "exiting without an explicit close must still release the reservation")
	name.EndWrite()
}

func TestSecondWriterWhilePreOpenOutstanding_DisablesShortcutting(t *testing.T) {
	s := newDispatchTestServer(t)
	connFd1, _ := socketpairConn(t)
	connFd2, _ := socketpairConn(t)
	a := proctree.NewRootExeced(s.tree.NextFbPid(), 100, "/build", []string{"cc"})
	b := proctree.NewRootExeced(s.tree.NextFbPid(), 101, "/build", []string{"cc"})
	a.Exec.CanShortcut = true
	b.Exec.CanShortcut = true
	s.tree.Insert(a, connFd1)
	s.tree.Insert(b, connFd2)

	s.handlePreOpen(a, fileOpMsg{Path: "/build/out.o"})
	s.handleOpen(a, fileOpMsg{Path: "/build/out.o", Fd: 3, Flags: syscall.O_WRONLY | syscall.O_CREAT})

	s.handlePreOpen(b, fileOpMsg{Path: "/build/out.o"})

	assert.False(t, b.Exec.CanShortcut, "a second writer racing an outstanding reservation must disable shortcutting")
}
