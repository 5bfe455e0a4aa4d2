package supervisor

import (
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/firebuild-go/firebuild/errors"
	"github.com/firebuild-go/firebuild/internal/proctree"
	"github.com/firebuild-go/firebuild/logging"
)

// maxEpollEvents bounds one epoll_wait batch; the loop simply calls
// epoll_wait again immediately if more are pending.
const maxEpollEvents = 64

const readChunk = 64 * 1024

// Listen opens the UNIX-domain listening socket at s.cfg.SocketPath and
// creates the epoll instance, but does not yet accept connections — call
// Run to drive the event loop (spec.md §4.9 "suspension only at
// epoll_wait").
func (s *Server) Listen() error {
	_ = os.Remove(s.cfg.SocketPath)

	lfd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return errors.Wrap(err, errors.ErrResource, "supervisor.Listen: socket")
	}
	addr := &unix.SockaddrUnix{Name: s.cfg.SocketPath}
	if err := unix.Bind(lfd, addr); err != nil {
		unix.Close(lfd)
		return errors.WrapWithPath(err, errors.ErrResource, "supervisor.Listen: bind", s.cfg.SocketPath)
	}
	if err := unix.Listen(lfd, 256); err != nil {
		unix.Close(lfd)
		return errors.Wrap(err, errors.ErrResource, "supervisor.Listen: listen")
	}

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		unix.Close(lfd)
		return errors.Wrap(err, errors.ErrResource, "supervisor.Listen: epoll_create1")
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, lfd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(lfd)}); err != nil {
		unix.Close(lfd)
		unix.Close(epfd)
		return errors.Wrap(err, errors.ErrResource, "supervisor.Listen: epoll_ctl")
	}

	s.listenFd = lfd
	s.epfd = epfd
	return nil
}

// Run drives the event loop until the root process finalizes (spec.md §5
// "the loop exits once the supervised command's top-level process and
// everything it spawned has reached FINALIZED"). Every handler invoked
// from here runs to completion without blocking; the only suspension
// point is the epoll_wait call itself.
func (s *Server) Run() error {
	events := make([]unix.EpollEvent, maxEpollEvents)
	for {
		if root := s.tree.Root(); root != nil && root.State == proctree.StateFinalized {
			return nil
		}

		n, err := unix.EpollWait(s.epfd, events, s.nextTimeoutMs())
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return errors.Wrap(err, errors.ErrResource, "supervisor.Run: epoll_wait")
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)
			switch {
			case fd == s.listenFd:
				s.acceptLoop()
			case ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0:
				s.closeConnection(fd)
			default:
				if ev.Events&unix.EPOLLIN != 0 {
					s.readConn(fd)
				}
				if ev.Events&unix.EPOLLOUT != 0 {
					s.flushConn(fd)
				}
			}
		}

		s.drainPipes()
	}
}

// nextTimeoutMs returns 0 (non-blocking poll) when any pipe has bytes
// worth draining without a writer event, else -1 (block indefinitely);
// kept as its own call so a future priority/idle policy has one place to
// change, per spec.md §5's "cooperative, not preemptive" scheduling note.
func (s *Server) nextTimeoutMs() int {
	for _, p := range s.pipes.All() {
		if len(p.PendingBytes()) > 0 {
			return 0
		}
	}
	return -1
}

func (s *Server) acceptLoop() {
	for {
		connFd, _, err := unix.Accept4(s.listenFd, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			s.log.Warn("accept4 failed", "err", err)
			return
		}
		if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, connFd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(connFd)}); err != nil {
			logging.WithConnection(s.log, connFd).Warn("epoll_ctl add failed", "err", err)
			unix.Close(connFd)
			continue
		}
		s.connections[connFd] = &connection{fd: connFd}
	}
}

func (s *Server) readConn(connFd int) {
	conn, ok := s.connections[connFd]
	if !ok {
		return
	}
	buf := make([]byte, readChunk)
	for {
		n, err := unix.Read(connFd, buf)
		if n > 0 {
			conn.reader.Feed(buf[:n])
		}
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			s.closeConnection(connFd)
			return
		}
		if n == 0 {
			s.closeConnection(connFd)
			return
		}
		if n < len(buf) {
			break
		}
	}

	for {
		msg, ok, err := conn.reader.Next()
		if err != nil {
			logging.WithConnection(s.log, connFd).Warn("malformed message, closing connection", "err", err)
			s.closeConnection(connFd)
			return
		}
		if !ok {
			return
		}
		s.dispatch(connFd, msg)
	}
}

func (s *Server) flushConn(connFd int) {
	wq, ok := s.writeQueues[connFd]
	if !ok || len(wq.pending()) == 0 {
		s.disarmWritable(connFd)
		return
	}
	n, err := unix.Write(connFd, wq.pending())
	if n > 0 {
		wq.markFlushed(n)
	}
	if err != nil && err != unix.EAGAIN {
		s.closeConnection(connFd)
		return
	}
	if len(wq.pending()) == 0 {
		s.disarmWritable(connFd)
	}
}

// writeNow is the common tail of queueWrite: try an immediate write, and
// only arm EPOLLOUT (and keep the remainder queued) if the kernel socket
// buffer is full.
func (s *Server) writeNow(connFd int, data []byte) {
	n, err := unix.Write(connFd, data)
	if err != nil {
		if err == unix.EAGAIN {
			n = 0
		} else {
			s.closeConnection(connFd)
			return
		}
	}
	if n < len(data) {
		s.queueRemainder(connFd, data[n:])
	}
}

func (s *Server) queueRemainder(connFd int, rest []byte) {
	wq, ok := s.writeQueues[connFd]
	if !ok {
		wq = &writeQueue{}
		s.writeQueues[connFd] = wq
	}
	alreadyArmed := len(wq.pending()) > 0
	wq.push(rest)
	if !alreadyArmed {
		s.armWritable(connFd)
	}
}

func (s *Server) armWritable(connFd int) {
	unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, connFd, &unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLOUT, Fd: int32(connFd)})
}

func (s *Server) disarmWritable(connFd int) {
	unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, connFd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(connFd)})
}

func (s *Server) closeConnection(connFd int) {
	unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, connFd, nil)
	unix.Close(connFd)
	delete(s.connections, connFd)
	delete(s.writeQueues, connFd)
	s.tree.Finished(connFd)
}

// drainPipes pulls whatever bytes are currently sitting in each pipe's
// writer-side kernel fds and flushes the forward buffer to the reader fd,
// per spec.md §4.5's per-tick pipe service.
func (s *Server) drainPipes() {
	for _, p := range s.pipes.All() {
		p.Drain(func(writerFd int) []byte {
			buf := make([]byte, readChunk)
			n, err := unix.Read(writerFd, buf)
			if n <= 0 || err != nil {
				return nil
			}
			return buf[:n]
		})

		pending := p.PendingBytes()
		if len(pending) == 0 {
			continue
		}
		n, err := unix.Write(p.ReaderFd, pending)
		if n > 0 {
			p.MarkFlushed(n)
		}
		if err != nil && err != unix.EAGAIN {
			s.log.Debug("pipe reader fd write failed", "pipe_id", p.ID, "err", err)
		}
	}
}

// sendFD delivers an ancillary file descriptor (a reopened pipe end) to
// connFd over SCM_RIGHTS, adapted from utils/console.go's
// SendConsoleToSocket: the only difference is the destination is an
// already-accepted connection fd rather than a freshly dialed socket.
func (s *Server) sendFD(connFd int, payload []byte, f *os.File) error {
	rights := unix.UnixRights(int(f.Fd()))
	return unix.Sendmsg(connFd, payload, rights, nil, 0)
}

// dialAndSendFD delivers a fd to a not-yet-accepted peer identified by
// socket path, mirroring SendConsoleToSocket exactly where the
// destination is external to the event loop. Nothing in the supervisor
// or its tests calls it; the pipe_fds reply goes through sendFD.
func dialAndSendFD(socketPath string, payload []byte, f *os.File) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return errors.WrapWithPath(err, errors.ErrResource, "supervisor.dialAndSendFD", socketPath)
	}
	defer conn.Close()

	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return errors.New(errors.ErrResource, "supervisor.dialAndSendFD: not a unix connection")
	}
	file, err := unixConn.File()
	if err != nil {
		return errors.Wrap(err, errors.ErrResource, "supervisor.dialAndSendFD: unixconn.File")
	}
	defer file.Close()

	rights := unix.UnixRights(int(f.Fd()))
	return unix.Sendmsg(int(file.Fd()), payload, rights, nil, 0)
}
