// Package supervisor implements the single-threaded, epoll-driven event
// loop and MessageProcessor dispatch described in spec.md §4.9-§4.10: it
// owns every connection from an intercepted process, decodes wire
// messages, drives the proctree/fd/pipenet/cacher packages, and replies
// over the same connections. Grounded on
// original_source/src/firebuild/message_processor.cc's handler list and
// parent-resolution precedence.
package supervisor

import (
	"log/slog"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/firebuild-go/firebuild/internal/cacher"
	"github.com/firebuild-go/firebuild/internal/config"
	"github.com/firebuild-go/firebuild/internal/fbhash"
	"github.com/firebuild-go/firebuild/internal/fbpath"
	"github.com/firebuild-go/firebuild/internal/fd"
	"github.com/firebuild-go/firebuild/internal/fileusage"
	"github.com/firebuild-go/firebuild/internal/proctree"
	"github.com/firebuild-go/firebuild/internal/wire"
	"github.com/firebuild-go/firebuild/logging"
)

// Server owns the whole supervised-build state: the process graph, the fd
// tables reachable through it, the pipe registry, the path pool, and the
// cache. None of its methods take a lock — the event loop that calls them
// is the sole serializer (spec.md §4.9/§5).
type Server struct {
	cfg   config.Config
	tree  *proctree.Tree
	corr  *correlationTables
	pipes *pipeRegistry
	pool  *fbpath.Pool
	cache *cacher.Cacher
	log   *slog.Logger

	ownPid    int
	nextOfdID int64

	connections map[int]*connection
	writeQueues map[int]*writeQueue

	// pendingWrite: process fb_pid -> the path reserved by its most
	// recent pre_open not yet matched to the open() that follows it.
	// Syscalls are synchronous per-process, so at most one can be
	// outstanding at a time.
	pendingWrite map[int64]*fbpath.Name

	epfd     int
	listenFd int
}

// NewServer constructs a Server ready to dispatch messages; the epoll
// plumbing (listener, epoll fd) is added by Listen/Run in loop.go.
func NewServer(cfg config.Config, tree *proctree.Tree, pool *fbpath.Pool, cache *cacher.Cacher, log *slog.Logger) *Server {
	if log == nil {
		log = logging.Default()
	}
	return &Server{
		cfg:         cfg,
		tree:        tree,
		corr:        newCorrelationTables(),
		pipes:       newPipeRegistry(),
		pool:        pool,
		cache:       cache,
		log:         log,
		ownPid:       os.Getpid(),
		connections:  make(map[int]*connection),
		writeQueues:  make(map[int]*writeQueue),
		pendingWrite: make(map[int64]*fbpath.Name),
	}
}

func (s *Server) nextOfd() int64 {
	s.nextOfdID++
	return s.nextOfdID
}

// dispatch decodes one fully-received message and routes it by tag, per
// spec.md §4.10's "single switch over tag".
func (s *Server) dispatch(connFd int, msg wire.Message) {
	var rec *wire.Record
	if len(msg.Payload) > 0 {
		var err error
		rec, err = wire.DecodeRecord(msg.Payload)
		if err != nil {
			logging.WithConnection(s.log, connFd).Warn("malformed message, closing connection", "tag", msg.Header.Tag, "err", err)
			s.closeConnection(connFd)
			return
		}
	} else {
		rec = &wire.Record{}
	}

	ackID := msg.Header.AckID

	switch msg.Header.Tag {
	case wire.TagScprocQuery:
		s.handleScprocQuery(connFd, ackID, decodeScprocQuery(rec))
		return // scproc_query always replies with scproc_resp, not a bare ack

	case wire.TagForkChild:
		s.handleForkChild(connFd, ackID, decodeForkMsg(rec))
		return // ack sent by completeFork once both halves arrive

	case wire.TagForkParent:
		s.handleForkParent(connFd, ackID, decodeForkMsg(rec))
		return

	case wire.TagWait, wire.TagSystemRet, wire.TagPclose:
		s.handleWaitLike(connFd, ackID, decodeWaitMsg(rec))
		return // ack may be deferred to finalization

	case wire.TagPopen:
		s.handlePopenHalf(connFd, ackID, decodePopenMsg(rec))
		return

	case wire.TagPopenParent:
		s.handlePopenHalf(connFd, ackID, decodePopenMsg(rec))
		return

	case wire.TagPosixSpawn:
		s.handlePosixSpawn(connFd, ackID, decodePosixSpawnMsg(rec))

	case wire.TagPosixSpawnParent:
		s.handlePosixSpawnParent(connFd, ackID, decodePosixSpawnMsg(rec))
		return // ack sent once file_actions replay and any queued child release complete

	case wire.TagPosixSpawnFailed:
		s.handlePosixSpawnFailed(s.procFor(connFd))

	case wire.TagOpen:
		s.handleOpen(s.procFor(connFd), decodeFileOpMsg(rec))

	case wire.TagClose:
		s.handleClose(s.procFor(connFd), decodeFileOpMsg(rec))

	case wire.TagDup3, wire.TagFcntl:
		s.handleDup3(s.procFor(connFd), decodeFileOpMsg(rec))

	case wire.TagIoctl:
		s.handleIoctl(s.procFor(connFd), decodeFileOpMsg(rec))

	case wire.TagRename:
		s.handleRename(s.procFor(connFd), decodeFileOpMsg(rec))

	case wire.TagMkdir:
		s.handleMkdir(s.procFor(connFd), decodeFileOpMsg(rec))

	case wire.TagRmdir, wire.TagUnlink:
		s.handleRemove(s.procFor(connFd), decodeFileOpMsg(rec))

	case wire.TagChdir, wire.TagFchdir:
		s.handleChdir(s.procFor(connFd), decodeFileOpMsg(rec))

	case wire.TagClosefrom, wire.TagCloseRange:
		s.handleClosefrom(s.procFor(connFd), decodeFileOpMsg(rec))

	case wire.TagReadFromInherited, wire.TagWriteToInherited, wire.TagSeekInInherited:
		s.handleInheritedAccess(s.procFor(connFd), decodeFileOpMsg(rec))

	case wire.TagPreOpen:
		s.handlePreOpen(s.procFor(connFd), decodeFileOpMsg(rec))

	case wire.TagPipeRequest:
		s.handlePipeRequest(s.procFor(connFd), decodePipeRequestMsg(rec))

	case wire.TagPipeFds:
		s.handlePipeFds(connFd, ackID, decodePipeRequestMsg(rec))
		return // reply carries the ancillary fd instead of a bare ack

	case wire.TagUtime, wire.TagLink, wire.TagSymlink, wire.TagClone, wire.TagGetrandom, wire.TagSyscall:
		s.handleDisable(s.procFor(connFd), decodeDisableMsg(rec))

	default:
		s.log.Debug("unhandled tag, acking without action", "tag", msg.Header.Tag)
	}

	s.ackConn(connFd, ackID)
}

// procFor returns the process currently bound to connFd, or nil if this
// connection's scproc_query hasn't been processed yet (a protocol
// violation the caller should treat as a no-op rather than a crash).
func (s *Server) procFor(connFd int) *proctree.Process {
	return s.tree.BySock(connFd)
}

func (s *Server) sendRecord(connFd int, tag wire.Tag, ackID uint16, rec *wire.Record) {
	s.queueWrite(connFd, wire.Encode(tag, ackID, rec.Encode()))
}

func (s *Server) ackConn(connFd int, ackID uint16) {
	if ackID == 0 {
		return
	}
	s.queueWrite(connFd, wire.EncodeAck(ackID))
}

// --- scproc_query / parent resolution -------------------------------------

func (s *Server) handleScprocQuery(connFd int, ackID uint16, q scprocQuery) {
	parent, how := s.resolveParent(q)

	var proc *proctree.Process
	switch how {
	case resolvedRoot:
		proc = proctree.NewRootExeced(s.tree.NextFbPid(), q.Pid, q.Wd, q.Argv)
		proc.Exec.Executable = q.Executable
		proc.Exec.Env = q.Env
		s.tree.Insert(proc, connFd)

	case resolvedExec:
		proc = proctree.NewExecedChild(s.tree.NextFbPid(), parent, q.Wd, q.Argv, q.Executable, q.Env)
		s.tree.Insert(proc, connFd)

	case resolvedForkedFromParent:
		// A posix_spawn_parent or completePopen may already have
		// synthesized (and, for posix_spawn, replayed file_actions onto)
		// the expected child under this exact pid; resolve from that one
		// instead of minting a second placeholder that would discard its
		// state, per spec.md §4.10 "resolve from expected_child".
		forked := s.tree.ByPid(q.Pid)
		if forked == nil || forked.Kind != proctree.KindForked {
			forked = s.synthesizeForkedChild(parent, q.Pid)
		}
		proc = proctree.NewExecedChild(s.tree.NextFbPid(), forked, q.Wd, q.Argv, q.Executable, q.Env)
		s.tree.Insert(proc, connFd)

	case queuedPriorNotTerminated:
		s.corr.queuedExecChild[q.Pid] = pendingScprocQuery{connFd: connFd, ackID: ackID, msg: q}
		return

	case queuedBehindPosixSpawnParent:
		s.corr.queuedPosixSpawnChild[q.Ppid] = pendingScprocQuery{connFd: connFd, ackID: ackID, msg: q}
		return

	case rejected:
		logging.WithPID(s.log, q.Pid).Info("dont_intercept: no known parent for scproc_query", "ppid", q.Ppid)
		return
	}

	s.finishScprocQuery(connFd, ackID, proc)
}

func (s *Server) finishScprocQuery(connFd int, ackID uint16, proc *proctree.Process) {
	shortcut, exitStatus := s.attemptShortcut(proc)
	if shortcut {
		proc.Terminate(exitStatus, 0, 0)
		s.finalizeAndFlushAcks(proc)
		s.sendRecord(connFd, wire.TagScprocResp, ackID, scprocResp{Shortcut: true, ExitStatus: exitStatus}.encode())
		return
	}

	s.sendRecord(connFd, wire.TagScprocResp, ackID, scprocResp{
		Shortcut:  false,
		ReopenFds: proc.OutgoingPipeIDs,
	}.encode())

	// A queued same-pid exec (decision table row 2) can now proceed:
	// this scproc_query's process hasn't terminated yet, so nothing to
	// release here; released from handleWaitLike/finalizeAndFlushAcks
	// once it does.
}

func (s *Server) finalizeAndFlushAcks(proc *proctree.Process) {
	finalized := s.tree.TryFinalize(proc)
	for _, fp := range finalized {
		s.storeShortcutRecord(fp)
		for _, ack := range s.corr.takeFinalizedAcks(fp.FbPid) {
			s.ackConn(ack.connFd, ack.ackID)
		}
		if q, ok := s.corr.queuedExecChild[fp.Pid]; ok {
			delete(s.corr.queuedExecChild, fp.Pid)
			s.handleScprocQuery(q.connFd, q.ackID, q.msg)
		}
	}
}

// storeShortcutRecord persists fp's observed effects into the cache once
// it finalizes, per spec.md §4.7 "store(proc)". Only an ExecedProcess
// that actually ran (not one already replayed from a cache hit) and that
// still has shortcutting enabled is worth storing: a shortcutted replay
// never populates FileUsages/pipe output, and a disabled process's
// effects aren't known to be reproducible.
func (s *Server) storeShortcutRecord(fp *proctree.Process) {
	if fp.Kind != proctree.KindExeced || fp.Exec == nil {
		return
	}
	ex := fp.Exec
	if !ex.FingerprintKnown || !ex.CanShortcut || ex.Shortcutted {
		return
	}

	finalHashes := make(map[string]fbhash.Hash)
	blobs := make(map[string][]byte)
	for path, u := range ex.FileUsages {
		if !u.Written {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		h := fbhash.FromBytes(data)
		finalHashes[path] = h
		blobs[h.String()] = data
	}

	pipeContent := make(map[int64][]byte)
	for _, pipeID := range fp.OutgoingPipeIDs {
		p := s.pipes.Get(pipeID)
		if p == nil {
			continue
		}
		for _, r := range p.Recorders() {
			if r.ExecFbPid == fp.FbPid {
				pipeContent[pipeID] = r.Bytes()
			}
		}
	}
	for _, data := range pipeContent {
		h := fbhash.FromBytes(data)
		blobs[h.String()] = data
	}

	record := cacher.NewRecord(ex.FileUsages, finalHashes, fp.ExitStatus, pipeContent)
	if _, err := s.cache.Store(ex.Fingerprint, record, blobs); err != nil {
		log := logging.WithFbPid(s.log, fp.FbPid)
		log = logging.WithFingerprint(log, ex.Fingerprint.String())
		log.Warn("cache store failed", "err", err)
	}
}

// --- fork_child / fork_parent two-phase handshake -------------------------

func (s *Server) handleForkChild(connFd int, ackID uint16, m forkMsg) {
	if parentHalf, ok := s.corr.queuedForkParent[m.Pid]; ok {
		delete(s.corr.queuedForkParent, m.Pid)
		s.completeFork(m, connFd, ackID, parentHalf.connFd, parentHalf.ackID)
		return
	}
	s.corr.queuedForkChild[m.Pid] = pendingForkHalf{connFd: connFd, ackID: ackID, msg: m}
}

func (s *Server) handleForkParent(connFd int, ackID uint16, m forkMsg) {
	if childHalf, ok := s.corr.queuedForkChild[m.Pid]; ok {
		delete(s.corr.queuedForkChild, m.Pid)
		s.completeFork(m, childHalf.connFd, childHalf.ackID, connFd, ackID)
		return
	}
	s.corr.queuedForkParent[m.Pid] = pendingForkHalf{connFd: connFd, ackID: ackID, msg: m}
}

func (s *Server) completeFork(m forkMsg, childConnFd int, childAck uint16, parentConnFd int, parentAck uint16) {
	parent := s.tree.ByPid(m.Ppid)
	if parent == nil {
		s.log.Warn("fork completed for unknown parent pid", "ppid", m.Ppid, "pid", m.Pid)
		return
	}
	child := proctree.NewForkedChild(s.tree.NextFbPid(), parent, m.Pid)
	s.tree.Insert(child, childConnFd)
	s.ackConn(childConnFd, childAck)
	s.ackConn(parentConnFd, parentAck)
}

// --- wait / system_ret / pclose --------------------------------------------

func (s *Server) handleWaitLike(connFd int, ackID uint16, m waitMsg) {
	child := s.tree.ByPid(m.ChildPid)
	if child == nil {
		s.ackConn(connFd, ackID)
		return
	}
	child.Terminate(m.ExitStatus, m.UTimeU, m.STimeU)
	child.BeenWaitedFor = true

	if child.CanFinalize() {
		s.finalizeAndFlushAcks(child)
		s.ackConn(connFd, ackID)
		return
	}
	s.corr.deferAck(child, connFd, ackID)
}

// --- popen / popen_parent two-phase handshake ------------------------------

func (s *Server) handlePopenHalf(connFd int, ackID uint16, m popenMsg) {
	if other, ok := s.corr.pendingPopen[m.ParentPid]; ok {
		delete(s.corr.pendingPopen, m.ParentPid)
		s.completePopen(m, connFd, ackID, other)
		return
	}
	s.corr.pendingPopen[m.ParentPid] = pendingPopenHalf{connFd: connFd, ackID: ackID, msg: m}
}

func (s *Server) completePopen(m popenMsg, connFd int, ackID uint16, other pendingPopenHalf) {
	parent := s.tree.ByPid(m.ParentPid)
	if parent == nil {
		parent = s.tree.ByPid(other.msg.ParentPid)
	}
	if parent == nil {
		s.log.Warn("popen completed for unknown parent pid", "parent_pid", m.ParentPid)
		s.ackConn(connFd, ackID)
		s.ackConn(other.connFd, other.ackID)
		return
	}
	childPid := m.ChildPid
	if childPid == 0 {
		childPid = other.msg.ChildPid
	}
	s.synthesizeForkedChild(parent, childPid)
	s.ackConn(connFd, ackID)
	s.ackConn(other.connFd, other.ackID)
}

// --- posix_spawn / posix_spawn_parent / posix_spawn_failed -----------------
//
// Unlike fork_child/fork_parent or popen/popen_parent, both posix_spawn
// and posix_spawn_parent arrive on the CALLING process's own connection
// (original_source/src/firebuild/message_processor.cc's posix_spawn/
// posix_spawn_parent handlers): posix_spawn marks the window between the
// call and the kernel handing back a real child pid, posix_spawn_parent
// closes that window once the child pid and its file_actions are known.

func (s *Server) handlePosixSpawn(connFd int, ackID uint16, m posixSpawnMsg) {
	proc := s.procFor(connFd)
	if proc == nil {
		return
	}
	s.corr.posixSpawnPending[proc.Pid] = true
}

func (s *Server) handlePosixSpawnParent(connFd int, ackID uint16, m posixSpawnMsg) {
	parent := s.procFor(connFd)
	if parent == nil {
		s.ackConn(connFd, ackID)
		return
	}

	// The intermediate ForkedProcess representing the gap between
	// posix_spawn() and the child's own exec: file_actions run inside
	// the kernel/libc posix_spawn implementation itself, never observed
	// through the regular open/close/dup3 messages, so they must be
	// replayed here instead.
	forked := s.synthesizeForkedChild(parent, m.ChildPid)
	s.replayFileActions(forked, m.FileActions)

	delete(s.corr.posixSpawnPending, parent.Pid)
	s.ackConn(connFd, ackID)

	if q, ok := s.corr.queuedPosixSpawnChild[parent.Pid]; ok {
		delete(s.corr.queuedPosixSpawnChild, parent.Pid)
		s.handleScprocQuery(q.connFd, q.ackID, q.msg)
	}
}

// handlePosixSpawnFailed clears the pending flag for a posix_spawn() call
// that never produced a child at all — no ForkedProcess was created, so
// there's nothing to disable shortcutting for (original_source's
// posix_spawn_failed handler likewise only reverts its own pre-open
// bookkeeping, never the caller's CanShortcut).
func (s *Server) handlePosixSpawnFailed(proc *proctree.Process) {
	if proc == nil {
		return
	}
	delete(s.corr.posixSpawnPending, proc.Pid)
}

// replayFileActions applies a posix_spawn_file_actions_t list onto
// child's fd table in order, the same translations handleOpen/
// handleClose/handleDup3/handleChdir apply to directly-observed
// syscalls.
func (s *Server) replayFileActions(child *proctree.Process, actions []fileAction) {
	for _, a := range actions {
		switch a.Kind {
		case fileActionOpen:
			name := s.pool.Get(a.Path)
			var update fileusage.FileUsage
			ok := update.UpdateFromOpenParams(name.Path, fileusage.ActionOpen, a.Flags, 0, true, s.statHashLookup)
			child.RecordFileUsage(name.Path, update, s.tree.Dedup)
			if !ok {
				child.DisableShortcuttingBubbleUp("unsupported posix_spawn file_action open for " + name.Path)
				continue
			}
			kind := fd.KindRegular
			if update.InitialState == fileusage.IsDir {
				kind = fd.KindDirectory
			}
			child.FDs.HandleOpen(a.Fd, &fd.OpenFileDescription{
				ID:          s.nextOfd(),
				Kind:        kind,
				Path:        name,
				OpenerFbPid: child.FbPid,
				AccessMode:  a.Flags & (syscall.O_RDONLY | syscall.O_WRONLY | syscall.O_RDWR),
				Append:      a.Flags&syscall.O_APPEND != 0,
			}, false)

		case fileActionClose:
			ofd, known := child.FDs.HandleClose(a.Fd)
			if !known {
				child.DisableShortcuttingBubbleUp("posix_spawn file_actions close of unknown fd")
				continue
			}
			releaseWriterIfLast(ofd)

		case fileActionCloseRange:
			for _, ofd := range child.FDs.HandleClosefrom(a.Fd) {
				releaseWriterIfLast(ofd)
			}

		case fileActionDup2:
			child.FDs.HandleDup3(a.Fd, a.Fd2, 0, false)

		case fileActionChdir, fileActionFchdir:
			child.Chdir(s.pool.Get(a.Path).Path)
		}
	}
}

// --- fd-table / FileUsage translations -------------------------------------

func (s *Server) handleOpen(proc *proctree.Process, m fileOpMsg) {
	if proc == nil {
		return
	}
	name := s.pool.Get(m.Path)

	reserved := s.pendingWrite[proc.FbPid] == name
	if reserved {
		delete(s.pendingWrite, proc.FbPid)
	}

	var update fileusage.FileUsage
	ok := update.UpdateFromOpenParams(name.Path, fileusage.ActionOpen, m.Flags, syscall.Errno(m.Errno), m.DoRead, s.statHashLookup)
	proc.RecordFileUsage(name.Path, update, s.tree.Dedup)
	if !ok {
		proc.DisableShortcuttingBubbleUp("unsupported open outcome for " + name.Path)
		if reserved {
			name.EndWrite()
		}
		return
	}
	if m.Errno != 0 {
		// The open() that was supposed to consume this reservation never
		// produced an fd, so nothing will ever close to release it.
		if reserved {
			name.EndWrite()
		}
		return
	}

	kind := fd.KindRegular
	if update.InitialState == fileusage.IsDir {
		kind = fd.KindDirectory
	}
	ofd := &fd.OpenFileDescription{
		ID:          s.nextOfd(),
		Kind:        kind,
		Path:        name,
		OpenerFbPid: proc.FbPid,
		AccessMode:  m.Flags & (syscall.O_RDONLY | syscall.O_WRONLY | syscall.O_RDWR),
		Append:      m.Flags&syscall.O_APPEND != 0,
	}
	if reserved {
		ofd.WriterName = name
	}
	proc.FDs.HandleOpen(m.Fd, ofd, m.Cloexec)
}

func (s *Server) handleClose(proc *proctree.Process, m fileOpMsg) {
	if proc == nil {
		return
	}
	ofd, known := proc.FDs.HandleClose(m.Fd)
	if !known {
		proc.DisableShortcuttingBubbleUp("close of unknown fd (observational loss)")
		return
	}
	releaseWriterIfLast(ofd)
}

// releaseWriterIfLast unwinds ofd's pre_open writer reservation once its
// last referencing fd has closed (RefCount dropped to 0 by the caller's
// HandleClose/HandleClosefrom already having run).
func releaseWriterIfLast(ofd *fd.OpenFileDescription) {
	if ofd == nil || ofd.WriterName == nil || ofd.RefCount() > 0 {
		return
	}
	ofd.WriterName.EndWrite()
	ofd.WriterName = nil
}

func (s *Server) handleDup3(proc *proctree.Process, m fileOpMsg) {
	if proc == nil {
		return
	}
	proc.FDs.HandleDup3(m.Fd, m.Fd2, m.Flags, m.Cloexec)
}

func (s *Server) handleIoctl(proc *proctree.Process, m fileOpMsg) {
	if proc == nil {
		return
	}
	cmd := fd.IoctlClearCloexec
	if m.Cloexec {
		cmd = fd.IoctlSetCloexec
	}
	proc.FDs.HandleIoctl(m.Fd, cmd)
}

func (s *Server) handleRename(proc *proctree.Process, m fileOpMsg) {
	if proc == nil {
		return
	}
	oldName := s.pool.Get(m.Path)
	newName := s.pool.Get(m.Path2)
	proc.RecordFileUsage(oldName.Path, fileusage.FileUsage{InitialState: fileusage.IsReg, Written: true}, s.tree.Dedup)
	proc.RecordFileUsage(newName.Path, fileusage.FileUsage{Written: true}, s.tree.Dedup)
}

func (s *Server) handleMkdir(proc *proctree.Process, m fileOpMsg) {
	if proc == nil {
		return
	}
	name := s.pool.Get(m.Path)
	var update fileusage.FileUsage
	ok := update.UpdateFromOpenParams(name.Path, fileusage.ActionMkdir, 0, syscall.Errno(m.Errno), true, s.statHashLookup)
	proc.RecordFileUsage(name.Path, update, s.tree.Dedup)
	if !ok {
		proc.DisableShortcuttingBubbleUp("unsupported mkdir outcome for " + name.Path)
	}
}

func (s *Server) handleRemove(proc *proctree.Process, m fileOpMsg) {
	if proc == nil {
		return
	}
	name := s.pool.Get(m.Path)
	proc.RecordFileUsage(name.Path, fileusage.FileUsage{Written: true}, s.tree.Dedup)
}

func (s *Server) handleChdir(proc *proctree.Process, m fileOpMsg) {
	if proc == nil {
		return
	}
	proc.Chdir(s.pool.Get(m.Path).Path)
}

func (s *Server) handleClosefrom(proc *proctree.Process, m fileOpMsg) {
	if proc == nil {
		return
	}
	for _, ofd := range proc.FDs.HandleClosefrom(m.Fd) {
		releaseWriterIfLast(ofd)
	}
}

func (s *Server) handleInheritedAccess(proc *proctree.Process, m fileOpMsg) {
	if proc == nil {
		return
	}
	f := proc.FDs.Get(m.Fd)
	if f == nil {
		return
	}
	// Only the exec points between proc and the fd's opener are tainted:
	// the opener's own exec point already observed (or will observe) this
	// fd's content directly, so disabling it too would be redundant, and
	// disabling anything above it would over-disable the rest of the
	// build for an access fully explained by one inherited fd.
	stop := s.tree.ByFbPid(f.OFD.OpenerFbPid).ExecPoint()
	proc.DisableShortcuttingUpTo("accessed an inherited fd not opened by this exec point", stop)
}

func (s *Server) handlePreOpen(proc *proctree.Process, m fileOpMsg) {
	if proc == nil {
		return
	}
	name := s.pool.Get(m.Path)
	if raced := name.BeginWrite(); raced {
		proc.DisableShortcuttingBubbleUp("concurrent writer race on " + name.Path)
	}
	s.pendingWrite[proc.FbPid] = name
}

func (s *Server) handlePipeRequest(proc *proctree.Process, m pipeRequestMsg) {
	if proc == nil {
		return
	}
	p := s.pipes.Create(m.ReaderFd)
	p.AddWriter(proc.FbPid, m.WriterFd)
	proc.OutgoingPipeIDs = append(proc.OutgoingPipeIDs, p.ID)
	if ep := proc.ExecPoint(); ep != nil {
		p.AttachRecorder(ep.FbPid)
	}

	proc.FDs.HandleOpen(m.ReaderFd, &fd.OpenFileDescription{
		ID: s.nextOfd(), Kind: fd.KindPipeRead, PipeID: p.ID, OpenerFbPid: proc.FbPid,
	}, false)
	proc.FDs.HandleOpen(m.WriterFd, &fd.OpenFileDescription{
		ID: s.nextOfd(), Kind: fd.KindPipeWrite, PipeID: p.ID, OpenerFbPid: proc.FbPid,
	}, false)
}

// handlePipeFds answers a pipe_fds request (a process wants to read an
// existing pipe's reader end directly, rather than via an inherited dup)
// by handing over the real reader fd as SCM_RIGHTS ancillary data instead
// of a path — pipes have no filesystem name to reopen by.
func (s *Server) handlePipeFds(connFd int, ackID uint16, m pipeRequestMsg) {
	p := s.pipes.Get(int64(m.ReaderFd))
	if p == nil {
		s.ackConn(connFd, ackID)
		return
	}
	// Dup before wrapping in os.File: os.File.Close() closes the
	// underlying fd number, and p.ReaderFd is the pipe's one real reader
	// end, still needed by drainPipes after this reply is sent.
	dup, err := unix.Dup(p.ReaderFd)
	if err != nil {
		logging.WithConnection(s.log, connFd).Warn("pipe_fds dup failed", "err", err)
		s.ackConn(connFd, ackID)
		return
	}
	f := os.NewFile(uintptr(dup), "pipe")
	defer f.Close()
	if err := s.sendFD(connFd, wire.EncodeAck(ackID), f); err != nil {
		logging.WithConnection(s.log, connFd).Warn("pipe_fds sendmsg failed", "err", err)
	}
}

func (s *Server) handleDisable(proc *proctree.Process, m disableMsg) {
	if proc == nil {
		return
	}
	reason := m.Reason
	if reason == "" {
		reason = "unsupported syscall observed"
	}
	proc.DisableShortcuttingBubbleUp(reason)
}

// --- hashing helpers --------------------------------------------------------

// statHashLookup satisfies fileusage.HashLookup: open, fstat, and hash a
// path's current content in one syscall sequence.
func (s *Server) statHashLookup(path string) (fbhash.Hash, bool, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return fbhash.Hash{}, false, 0, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return fbhash.Hash{}, false, 0, err
	}
	h, isDir, err := fbhash.FromFile(f)
	if err != nil {
		return fbhash.Hash{}, false, 0, err
	}
	return h, isDir, fi.Size(), nil
}

// verifyHash satisfies cacher.HashLookup for Cacher.Lookup's
// input-verification pass.
func (s *Server) verifyHash(path string) (fbhash.Hash, error) {
	h, _, _, err := s.statHashLookup(path)
	return h, err
}

// --- shortcutting -----------------------------------------------------------

// attemptShortcut fingerprints proc (if eligible) and, on a cache hit,
// replays its recorded effects (spec.md §4.7 "lookup(proc)" /
// "apply(proc, record)").
func (s *Server) attemptShortcut(proc *proctree.Process) (shortcut bool, exitStatus int) {
	if proc.Exec == nil || !proc.Exec.CanShortcut {
		return false, 0
	}

	input := cacher.FingerprintInput{
		Executable: proc.Exec.Executable,
		Argv:       proc.Exec.Argv,
		Env:        proc.Exec.Env,
		EnvAllowed:    s.cfg.EnvAllowed,
		PolicyVersion: s.cfg.PolicyVersion,
		Wd:            proc.Wd,
	}
	if execHash, libHashes, ok := cacher.ResolveSharedLibs(proc.Exec.Executable, proc.Exec.Env["LD_LIBRARY_PATH"]); ok {
		input.ExecutableHash = execHash
		input.SharedLibHashes = libHashes
	}
	for _, n := range proc.FDs.Snapshot() {
		f := proc.FDs.Get(n)
		if f == nil {
			continue
		}
		input.InheritedFDs = append(input.InheritedFDs, s.fdDescriptorFor(n, f))
	}

	fp, ok := cacher.Fingerprint(input)
	if !ok {
		return false, 0
	}
	proc.Exec.Fingerprint = fp
	proc.Exec.FingerprintKnown = true

	record, _, found, err := s.cache.Lookup(fp, s.verifyHash)
	if err != nil || !found {
		return false, 0
	}

	for path := range record.FileUsages {
		data, written, err := s.cache.ApplyFile(record, path)
		if err != nil {
			return false, 0
		}
		if !written {
			continue
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return false, 0
		}
	}
	for _, pipeID := range proc.OutgoingPipeIDs {
		data, ok, err := s.cache.ApplyPipe(record, pipeID)
		if err != nil || !ok {
			continue
		}
		if p := s.pipes.Get(pipeID); p != nil {
			p.Write(proc.FbPid, data)
		}
	}
	proc.Exec.Shortcutted = true
	return true, int(record.ExitStatus)
}

func (s *Server) fdDescriptorFor(num int, f *fd.FileFD) cacher.FDDescriptor {
	d := cacher.FDDescriptor{Num: num, Fingerprintable: true}
	switch f.OFD.Kind {
	case fd.KindRegular:
		d.Tag = cacher.FDTagReg
		if f.OFD.Path != nil {
			if h, _, _, err := s.statHashLookup(f.OFD.Path.Path); err == nil {
				d.Hash = h
				d.HashKnown = true
			}
		}
	case fd.KindDirectory:
		d.Tag = cacher.FDTagDir
	case fd.KindPipeRead:
		d.Tag = cacher.FDTagPipeIn
	case fd.KindPipeWrite:
		d.Tag = cacher.FDTagPipeOut
	case fd.KindTTY:
		d.Tag = cacher.FDTagTTY
	default:
		d.Tag = cacher.FDTagOther
	}
	return d
}

// queueWrite attempts an immediate, non-blocking write and only buffers
// (arming EPOLLOUT) whatever the kernel socket didn't accept — see
// writeNow in loop.go. If wq already has bytes pending from an earlier
// partial write, new data must queue behind them to preserve ordering
// rather than racing ahead via a fresh direct write.
func (s *Server) queueWrite(connFd int, data []byte) {
	if wq, ok := s.writeQueues[connFd]; ok && len(wq.pending()) > 0 {
		s.queueRemainder(connFd, data)
		return
	}
	s.writeNow(connFd, data)
}
