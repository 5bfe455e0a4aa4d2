package supervisor

import "github.com/firebuild-go/firebuild/internal/wire"

// Field tags shared across the message schemas below. Each message type
// only uses the subset relevant to it; unused tags are simply absent from
// the wire.Record, matching spec.md §4.9's "tagged, self-describing"
// payload model.
const (
	fieldPid fieldTag = iota + 1
	fieldPpid
	fieldWd
	fieldArgv
	fieldExecutable
	fieldEnvKeys
	fieldEnvVals
	fieldPath
	fieldPath2
	fieldFlags
	fieldErrno
	fieldFd
	fieldFd2
	fieldExitStatus
	fieldUTimeU
	fieldSTimeU
	fieldReopenFds
	fieldShortcut
	fieldCloexec
	fieldDoRead
	fieldReason
	fieldExpectedChildPid
	fieldChildPid
	fieldFileActions
	fieldActionKind
)

// fieldTag is a uint8 tag into a wire.Record, kept as its own type so a
// bare int can't be passed where a field tag is expected.
type fieldTag uint8

func (t fieldTag) u8() uint8 { return uint8(t) }

// scprocQuery is the payload of TagScprocQuery: a freshly exec'd process
// signing in.
type scprocQuery struct {
	Pid        int
	Ppid       int
	Wd         string
	Argv       []string
	Executable string
	Env        map[string]string
}

func decodeScprocQuery(r *wire.Record) scprocQuery {
	q := scprocQuery{Env: map[string]string{}}
	if f, ok := r.Get(fieldPid.u8()); ok {
		q.Pid = int(f.Int64)
	}
	if f, ok := r.Get(fieldPpid.u8()); ok {
		q.Ppid = int(f.Int64)
	}
	if f, ok := r.Get(fieldWd.u8()); ok {
		q.Wd = f.Str
	}
	if f, ok := r.Get(fieldArgv.u8()); ok {
		q.Argv = f.ArrStr
	}
	if f, ok := r.Get(fieldExecutable.u8()); ok {
		q.Executable = f.Str
	}
	keys, hasKeys := r.Get(fieldEnvKeys.u8())
	vals, hasVals := r.Get(fieldEnvVals.u8())
	if hasKeys && hasVals {
		for i, k := range keys.ArrStr {
			if i < len(vals.ArrStr) {
				q.Env[k] = vals.ArrStr[i]
			}
		}
	}
	return q
}

// scprocResp is the payload of TagScprocResp, the supervisor's reply to a
// scprocQuery: either a shortcut (replay, no new work needed) or a
// go-ahead carrying the fds that must be reopened against the
// re-plumbed pipes.
type scprocResp struct {
	Shortcut   bool
	ExitStatus int
	ReopenFds  []int64
}

func (r scprocResp) encode() *wire.Record {
	rec := &wire.Record{}
	shortcut := int64(0)
	if r.Shortcut {
		shortcut = 1
	}
	rec.SetInt64(fieldShortcut.u8(), shortcut)
	rec.SetInt64(fieldExitStatus.u8(), int64(r.ExitStatus))
	rec.Fields = append(rec.Fields, wire.Field{
		FieldTag: fieldReopenFds.u8(),
		Kind:     wire.KindArray,
		ArrKind:  wire.KindInt64,
		ArrI64:   r.ReopenFds,
	})
	return rec
}

// forkMsg is the shared payload shape of TagForkChild and TagForkParent:
// the two halves of one fork() observation, correlated by Pid/Ppid.
type forkMsg struct {
	Pid  int
	Ppid int
}

func decodeForkMsg(r *wire.Record) forkMsg {
	var m forkMsg
	if f, ok := r.Get(fieldPid.u8()); ok {
		m.Pid = int(f.Int64)
	}
	if f, ok := r.Get(fieldPpid.u8()); ok {
		m.Ppid = int(f.Int64)
	}
	return m
}

// waitMsg is the payload of TagWait/TagSystemRet/TagPclose: a parent
// observing a child's exit.
type waitMsg struct {
	ChildPid   int
	ExitStatus int
	UTimeU     int64
	STimeU     int64
}

func decodeWaitMsg(r *wire.Record) waitMsg {
	var m waitMsg
	if f, ok := r.Get(fieldPid.u8()); ok {
		m.ChildPid = int(f.Int64)
	}
	if f, ok := r.Get(fieldExitStatus.u8()); ok {
		m.ExitStatus = int(f.Int64)
	}
	if f, ok := r.Get(fieldUTimeU.u8()); ok {
		m.UTimeU = f.Int64
	}
	if f, ok := r.Get(fieldSTimeU.u8()); ok {
		m.STimeU = f.Int64
	}
	return m
}

// popenMsg is the payload of TagPopen/TagPopenParent: popen()'s
// synthesized ForkedProcess, correlated on the parent's expected child pid
// placeholder since popen's child pid isn't known to the parent side
// until the forked side signs in.
type popenMsg struct {
	ParentPid int
	ChildPid  int
	Mode      string
}

func decodePopenMsg(r *wire.Record) popenMsg {
	var m popenMsg
	if f, ok := r.Get(fieldPid.u8()); ok {
		m.ChildPid = int(f.Int64)
	}
	if f, ok := r.Get(fieldPpid.u8()); ok {
		m.ParentPid = int(f.Int64)
	}
	if f, ok := r.Get(fieldWd.u8()); ok {
		m.Mode = f.Str
	}
	return m
}

// fileActionKind enumerates the posix_spawn_file_actions_t entry kinds
// replayed onto a spawned child's fd table before its exec, per spec.md
// §4.10 "replay the requested file_actions onto a synthetic
// ForkedProcess's fd table".
type fileActionKind int

const (
	fileActionOpen fileActionKind = iota
	fileActionClose
	fileActionCloseRange
	fileActionDup2
	fileActionChdir
	fileActionFchdir
)

// fileAction is one file_actions entry, shaped to cover every kind above;
// only the fields relevant to Kind are meaningful.
type fileAction struct {
	Kind  fileActionKind
	Path  string
	Fd    int
	Fd2   int
	Flags int
}

func decodeFileAction(r *wire.Record) fileAction {
	var a fileAction
	if f, ok := r.Get(fieldActionKind.u8()); ok {
		a.Kind = fileActionKind(f.Int64)
	}
	if f, ok := r.Get(fieldPath.u8()); ok {
		a.Path = f.Str
	}
	if f, ok := r.Get(fieldFd.u8()); ok {
		a.Fd = int(f.Int64)
	}
	if f, ok := r.Get(fieldFd2.u8()); ok {
		a.Fd2 = int(f.Int64)
	}
	if f, ok := r.Get(fieldFlags.u8()); ok {
		a.Flags = int(f.Int64)
	}
	return a
}

// posixSpawnMsg is the payload of TagPosixSpawn and TagPosixSpawnParent.
// Both are sent on the calling (parent) process's own connection, never
// a new one — unlike fork_child/fork_parent or popen/popen_parent, there
// is no separate child-side message to correlate against here, so the
// handler identifies the parent via the connection itself
// (Server.procFor), not a wire field. TagPosixSpawn carries no
// FileActions (it only marks the pending window); TagPosixSpawnParent
// carries the now-known ChildPid and the definitive FileActions list.
type posixSpawnMsg struct {
	ChildPid    int
	FileActions []fileAction
}

func decodePosixSpawnMsg(r *wire.Record) posixSpawnMsg {
	var m posixSpawnMsg
	if f, ok := r.Get(fieldChildPid.u8()); ok {
		m.ChildPid = int(f.Int64)
	}
	if f, ok := r.Get(fieldFileActions.u8()); ok && f.Kind == wire.KindArray && f.ArrKind == wire.KindRecord {
		m.FileActions = make([]fileAction, len(f.ArrRec))
		for i, rec := range f.ArrRec {
			m.FileActions[i] = decodeFileAction(rec)
		}
	}
	return m
}

// fileOpMsg covers open/close/dup3/rename/mkdir/rmdir/unlink/chdir: the
// common shape of "a path-or-fd-affecting syscall was observed".
type fileOpMsg struct {
	Path    string
	Path2   string
	Fd      int
	Fd2     int
	Flags   int
	Errno   int
	Cloexec bool
	DoRead  bool
}

func decodeFileOpMsg(r *wire.Record) fileOpMsg {
	var m fileOpMsg
	if f, ok := r.Get(fieldPath.u8()); ok {
		m.Path = f.Str
	}
	if f, ok := r.Get(fieldPath2.u8()); ok {
		m.Path2 = f.Str
	}
	if f, ok := r.Get(fieldFd.u8()); ok {
		m.Fd = int(f.Int64)
	}
	if f, ok := r.Get(fieldFd2.u8()); ok {
		m.Fd2 = int(f.Int64)
	}
	if f, ok := r.Get(fieldFlags.u8()); ok {
		m.Flags = int(f.Int64)
	}
	if f, ok := r.Get(fieldErrno.u8()); ok {
		m.Errno = int(f.Int64)
	}
	if f, ok := r.Get(fieldCloexec.u8()); ok {
		m.Cloexec = f.Int64 != 0
	}
	if f, ok := r.Get(fieldDoRead.u8()); ok {
		m.DoRead = f.Int64 != 0
	}
	return m
}

// disableMsg covers utime/link/symlink/clone/getrandom/syscall: messages
// whose only supervisor-relevant effect is "this can't be shortcut".
type disableMsg struct {
	Reason string
}

func decodeDisableMsg(r *wire.Record) disableMsg {
	var m disableMsg
	if f, ok := r.Get(fieldReason.u8()); ok {
		m.Reason = f.Str
	}
	return m
}

// pipeRequestMsg is the payload of TagPipeRequest: the interceptor asks
// the supervisor to create a supervisor-owned Pipe and wire its ends into
// the process's fd table.
type pipeRequestMsg struct {
	ReaderFd int
	WriterFd int
}

func decodePipeRequestMsg(r *wire.Record) pipeRequestMsg {
	var m pipeRequestMsg
	if f, ok := r.Get(fieldFd.u8()); ok {
		m.ReaderFd = int(f.Int64)
	}
	if f, ok := r.Get(fieldFd2.u8()); ok {
		m.WriterFd = int(f.Int64)
	}
	return m
}
