// Package fd models the kernel's file-descriptor / open-file-description
// table for one intercepted process, including dup/close/cloexec/popen
// lifetime. See spec.md §4.4.
//
// A Table is owned exclusively by the single-threaded supervisor event
// loop (spec.md §4.9/§5); none of its methods take a lock, the same way
// the teacher's per-container state is guarded only by the caller's
// discipline rather than internal synchronization for hot paths.
package fd

import (
	"github.com/firebuild-go/firebuild/internal/fbpath"
)

// Kind distinguishes what an OpenFileDescription refers to.
type Kind int

const (
	KindRegular Kind = iota
	KindDirectory
	KindPipeRead
	KindPipeWrite
	KindTTY
	KindOther
)

// OpenFileDescription models the kernel's open-file-description / vnode:
// the object multiple FileFDs may share via dup.
type OpenFileDescription struct {
	// ID is a stable arena identity for this OFD (for debug/report use).
	ID int64
	// Kind classifies the underlying resource.
	Kind Kind
	// Path is set for KindRegular/KindDirectory; nil for pipes.
	Path *fbpath.Name
	// PipeID references the owning Pipe by its pipenet arena index,
	// for KindPipeRead/KindPipeWrite. 0 means "not a pipe". Kept as a
	// plain int64 rather than a pointer to pipenet.Pipe to avoid a
	// supervisor ⇄ pipenet import cycle; pipenet looks the Pipe up by
	// this id in its own arena.
	PipeID int64
	// OpenerFbPid is the supervisor-assigned id of the process that
	// first opened this OFD. Reads/writes through a dup'd copy by a
	// descendant still attribute to this opener (spec.md §4.4 point 4).
	OpenerFbPid int64
	// AccessMode is one of O_RDONLY/O_WRONLY/O_RDWR.
	AccessMode int
	// Append mirrors O_APPEND on the underlying description (shared
	// across all fds referencing it, unlike CLOEXEC which is per-fd).
	Append bool

	// WriterName is set when this OFD was opened under an outstanding
	// pre_open writer reservation (fbpath.Name.BeginWrite). The
	// reservation is released via WriterName.EndWrite() once this OFD's
	// last fd closes or its owning process terminates; nil once released.
	WriterName *fbpath.Name

	refCount int
}

func (o *OpenFileDescription) addRef()  { o.refCount++ }
func (o *OpenFileDescription) release() { o.refCount-- }

// RefCount reports how many FileFDs across the table currently
// reference this OFD (test/debug use).
func (o *OpenFileDescription) RefCount() int { return o.refCount }

// FileFD is one entry in a process's fd table.
type FileFD struct {
	Num          int
	OFD          *OpenFileDescription
	CloseOnExec  bool
	CloseOnPopen bool
	NonBlock     bool
}

// Table is a per-process sparse fd table.
type Table struct {
	entries map[int]*FileFD
}

// NewTable returns an empty fd table.
func NewTable() *Table {
	return &Table{entries: make(map[int]*FileFD)}
}

// Get returns the FileFD at fd, or nil if the supervisor doesn't believe
// it's open.
func (t *Table) Get(fdNum int) *FileFD {
	return t.entries[fdNum]
}

// Len reports how many fds are currently tracked.
func (t *Table) Len() int { return len(t.entries) }

// HandleOpen installs a freshly-opened fd referencing a new
// OpenFileDescription with refcount 1.
func (t *Table) HandleOpen(fdNum int, ofd *OpenFileDescription, cloexec bool) {
	ofd.addRef()
	t.entries[fdNum] = &FileFD{Num: fdNum, OFD: ofd, CloseOnExec: cloexec}
}

// HandleClose removes fdNum from the table, releasing its OFD reference.
// wasKnown is false when the supervisor had no record of this fd being
// open — per spec.md §4.4 invariant 1, the caller must then disable
// shortcutting for the owning process and its exec ancestors (an
// observational loss: the interceptor missed an earlier open).
func (t *Table) HandleClose(fdNum int) (ofd *OpenFileDescription, wasKnown bool) {
	f, ok := t.entries[fdNum]
	if !ok {
		return nil, false
	}
	delete(t.entries, fdNum)
	f.OFD.release()
	return f.OFD, true
}

// HandleForceClose is like HandleClose but never reports a missed-open
// condition; used internally (e.g. before installing a dup3 target) where
// an absent fd is expected, not a protocol violation.
func (t *Table) HandleForceClose(fdNum int) {
	if f, ok := t.entries[fdNum]; ok {
		delete(t.entries, fdNum)
		f.OFD.release()
	}
}

// HandleDup3 implements dup3(oldFd, newFd, flags). Per spec.md §4.4
// invariant 2: a no-op if oldFd is unknown (fails silently, matching the
// kernel's own dup3(EBADF) outcome being surfaced to the process, not the
// supervisor); a no-op if oldFd == newFd; otherwise newFd is
// force-closed and a fresh entry sharing oldFd's OFD is installed, with
// O_CLOEXEC taken from the caller-supplied flags (not copied from oldFd).
func (t *Table) HandleDup3(oldFd, newFd, flags int, cloexecRequested bool) (ok bool) {
	old, known := t.entries[oldFd]
	if !known {
		return false
	}
	if oldFd == newFd {
		return true
	}
	t.HandleForceClose(newFd)
	old.OFD.addRef()
	t.entries[newFd] = &FileFD{
		Num:         newFd,
		OFD:         old.OFD,
		CloseOnExec: cloexecRequested,
	}
	_ = flags
	return true
}

// FcntlCmd enumerates the fcntl commands the supervisor interprets.
type FcntlCmd int

const (
	FcntlDupFD FcntlCmd = iota
	FcntlDupFDCloexec
	FcntlSetFD
)

// HandleFcntl implements F_DUPFD / F_DUPFD_CLOEXEC / F_SETFD. For the dup
// variants, newFd is the lowest free descriptor >= arg chosen by the
// interceptor/kernel and reported back to us; we simply install it
// sharing oldFd's OFD. For F_SETFD, cloexec is the requested state of the
// FD_CLOEXEC bit.
func (t *Table) HandleFcntl(oldFd int, cmd FcntlCmd, newFd int, cloexec bool) (ok bool) {
	switch cmd {
	case FcntlDupFD, FcntlDupFDCloexec:
		old, known := t.entries[oldFd]
		if !known {
			return false
		}
		old.OFD.addRef()
		t.entries[newFd] = &FileFD{
			Num:         newFd,
			OFD:         old.OFD,
			CloseOnExec: cmd == FcntlDupFDCloexec,
		}
		return true
	case FcntlSetFD:
		f, known := t.entries[oldFd]
		if !known {
			return false
		}
		f.CloseOnExec = cloexec
		return true
	}
	return false
}

// IoctlCmd enumerates the ioctl commands the supervisor interprets for
// cloexec manipulation (FIOCLEX/FIONCLEX).
type IoctlCmd int

const (
	IoctlSetCloexec IoctlCmd = iota
	IoctlClearCloexec
)

// HandleIoctl implements FIOCLEX/FIONCLEX.
func (t *Table) HandleIoctl(fdNum int, cmd IoctlCmd) (ok bool) {
	f, known := t.entries[fdNum]
	if !known {
		return false
	}
	f.CloseOnExec = cmd == IoctlSetCloexec
	return true
}

// HandleClosefrom closes every tracked fd >= lowfd, per close_range(lowfd,
// ~0u, 0) / closefrom(lowfd) semantics. Lower fds are untouched. Returns
// the OFDs that were released (post-decrement) so the caller can unwind
// any writer reservation whose last reference just dropped.
func (t *Table) HandleClosefrom(lowfd int) []*OpenFileDescription {
	var released []*OpenFileDescription
	for n, f := range t.entries {
		if n >= lowfd {
			delete(t.entries, n)
			f.OFD.release()
			released = append(released, f.OFD)
		}
	}
	return released
}

// HandleClearCloexec clears CLOEXEC on every tracked fd. No message
// handler in internal/supervisor calls it.
func (t *Table) HandleClearCloexec() {
	for _, f := range t.entries {
		f.CloseOnExec = false
	}
}

// PassOnFds materializes a fresh table for a child, per spec.md §4.4
// invariant 3. When execed is true, entries whose CloseOnExec flag is set
// are dropped and CloseOnPopen is cleared on the survivors (a fresh image
// has no notion of "close before this popen returns" inherited from its
// exec parent). When execed is false (plain fork), everything is carried
// over unchanged.
func (t *Table) PassOnFds(execed bool) *Table {
	out := NewTable()
	for n, f := range t.entries {
		if execed && f.CloseOnExec {
			f.OFD.release()
			continue
		}
		f.OFD.addRef()
		nf := *f
		if execed {
			nf.CloseOnPopen = false
		}
		out.entries[n] = &nf
	}
	return out
}

// Snapshot returns the set of currently-open fd numbers, ascending, for
// fingerprint input assembly (spec.md §4.7 point 5).
func (t *Table) Snapshot() []int {
	out := make([]int, 0, len(t.entries))
	for n := range t.entries {
		out = append(out, n)
	}
	// Simple insertion sort: fd tables are small (rarely >64 entries).
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
