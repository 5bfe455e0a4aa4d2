// Package proctree models the supervised process graph: the Process base
// header shared by the ExecedProcess and ForkedProcess variants, and the
// RUNNING -> EXECED -> TERMINATED -> FINALIZED state machine that drives
// finalization propagation. Grounded on
// original_source/src/firebuild/process.cc and process_tree.h. See
// spec.md §4.6/§4.7/§9.
package proctree

import (
	"syscall"

	"github.com/firebuild-go/firebuild/internal/fbhash"
	"github.com/firebuild-go/firebuild/internal/fd"
	"github.com/firebuild-go/firebuild/internal/fileusage"
)

// Kind distinguishes the two Process variants. Rather than modeling this
// as Go interface polymorphism, the exec-only fields live in an optional
// *ExecData pointer on a single shared struct — a tagged union, matching
// spec.md §9's "Polymorphism (Process/ExecedProcess/ForkedProcess)"
// decision: two variants of a sum type with a shared header.
type Kind int

const (
	KindExeced Kind = iota
	KindForked
)

func (k Kind) String() string {
	if k == KindExeced {
		return "execed"
	}
	return "forked"
}

// State is a Process's position in the RUNNING/EXECED/TERMINATED/FINALIZED
// state machine (spec.md §4.6).
type State int

const (
	StateRunning State = iota
	StateExeced
	StateTerminated
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateExeced:
		return "execed"
	case StateTerminated:
		return "terminated"
	case StateFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// ExecData holds the fields that exist only for the ExecedProcess variant.
type ExecData struct {
	Argv       []string
	Env        map[string]string
	Executable string

	// FileUsages is keyed by canonicalized path string; it accumulates
	// usage from this process and from every ForkedProcess descendant
	// whose file effects roll up here (spec.md §4.3/§9 "Fork point").
	FileUsages map[string]*fileusage.FileUsage

	CanShortcut   bool
	DisableReason string

	Fingerprint      fbhash.Hash
	FingerprintKnown bool

	// Shortcutted is set when this exec point's result came from a cache
	// hit rather than a real run: its FileUsages/pipe output were never
	// observed, so finalizeAndFlushAcks must not let it overwrite a good
	// cache entry with an empty one (spec.md §4.7 "lookup(proc)" is a
	// terminal outcome, not a run to re-store).
	Shortcutted bool
}

// Process is the shared header for both variants; Exec is non-nil iff
// Kind == KindExeced.
type Process struct {
	FbPid     int64
	Pid       int
	Ppid      int
	ExecCount int
	Wd        string
	Kind      Kind
	State     State

	// VisitedWds accumulates every distinct working directory this
	// process has chdir'd into, in first-visit order (spec.md §4.10
	// "chdir updates wd and adds to the set of visited working
	// directories").
	VisitedWds []string

	ExitStatus int64

	// UTimeU/STimeU/AggrTime are accumulated rusage in microseconds;
	// AggrTime additionally folds in every descendant's time, computed by
	// SumRusageRecurse (mirrors Process::sum_rusage_recurse).
	UTimeU   int64
	STimeU   int64
	AggrTime int64

	Parent       *Process
	ForkChildren []*Process
	ExecChild    *Process

	BeenWaitedFor bool

	// OutgoingPipeIDs names the pipenet Pipes this process writes into,
	// by opaque id (same decoupling rationale as fd.OpenFileDescription.PipeID:
	// proctree must not import pipenet to avoid a supervisor ⇄ proctree ⇄
	// pipenet cycle).
	OutgoingPipeIDs []int64

	FDs *fd.Table

	Exec *ExecData
}

// newBase fills in the fields common to both constructors.
func newBase(fbPid int64, pid, ppid int, wd string, kind Kind, parent *Process) *Process {
	return &Process{
		FbPid:  fbPid,
		Pid:    pid,
		Ppid:   ppid,
		Wd:     wd,
		Kind:   kind,
		State:  StateRunning,
		Parent: parent,
	}
}

// NewRootExeced constructs the first ExecedProcess, the one directly
// exec'd by the supervisor itself (process.cc's parent==NULL branch:
// stdin/stdout/stderr are freshly opened, not inherited).
func NewRootExeced(fbPid int64, pid int, wd string, argv []string) *Process {
	p := newBase(fbPid, pid, 0, wd, KindExeced, nil)
	p.FDs = rootFDTable()
	p.Exec = &ExecData{
		Argv:       argv,
		Env:        map[string]string{},
		FileUsages: make(map[string]*fileusage.FileUsage),
		CanShortcut: true,
	}
	return p
}

func rootFDTable() *fd.Table {
	t := fd.NewTable()
	t.HandleOpen(0, &fd.OpenFileDescription{ID: 1, Kind: fd.KindTTY, AccessMode: syscall.O_RDONLY}, false)
	t.HandleOpen(1, &fd.OpenFileDescription{ID: 2, Kind: fd.KindTTY, AccessMode: syscall.O_WRONLY}, false)
	t.HandleOpen(2, &fd.OpenFileDescription{ID: 3, Kind: fd.KindTTY, AccessMode: syscall.O_WRONLY}, false)
	return t
}

// NewExecedChild replaces parent's image: parent transitions to EXECED,
// and a fresh ExecedProcess is created inheriting parent's fd table via
// pass_on_fds(execed=true).
func NewExecedChild(fbPid int64, parent *Process, wd string, argv []string, executable string, env map[string]string) *Process {
	child := newBase(fbPid, parent.Pid, parent.Ppid, wd, KindExeced, parent)
	child.ExecCount = parent.ExecCount + 1
	child.FDs = parent.FDs.PassOnFds(true)
	child.Exec = &ExecData{
		Argv:        argv,
		Env:         env,
		Executable:  executable,
		FileUsages:  make(map[string]*fileusage.FileUsage),
		CanShortcut: true,
	}
	parent.State = StateExeced
	parent.ExecChild = child
	return child
}

// NewForkedChild creates a ForkedProcess: its fd table is inherited
// unchanged (pass_on_fds(execed=false)), and its file-usage effects roll
// up into the nearest enclosing ExecedProcess ancestor.
func NewForkedChild(fbPid int64, parent *Process, pid int) *Process {
	child := newBase(fbPid, pid, parent.Pid, parent.Wd, KindForked, parent)
	child.FDs = parent.FDs.PassOnFds(false)
	parent.ForkChildren = append(parent.ForkChildren, child)
	return child
}

// ExecPoint returns the nearest ExecedProcess at or above p — the atomic
// unit of cacheability a ForkedProcess's effects belong to (spec.md §9
// "Exec point").
func (p *Process) ExecPoint() *Process {
	for cur := p; cur != nil; cur = cur.Parent {
		if cur.Kind == KindExeced {
			return cur
		}
	}
	return nil
}

// DisableShortcuttingBubbleUp marks p's exec point, and every exec point
// reachable by walking Parent above it, as not shortcuttable. Walking the
// raw Parent chain naturally transits through (without marking) any
// ForkedProcess ancestors, which is exactly "contagious upward through
// exec parents but not fork parents" (spec.md §4.7): fork-only ancestors
// have no CanShortcut flag to begin with, only the ExecedProcess nodes
// encountered along the way are disabled.
func (p *Process) DisableShortcuttingBubbleUp(reason string) {
	p.DisableShortcuttingUpTo(reason, nil)
}

// DisableShortcuttingUpTo behaves like DisableShortcuttingBubbleUp but
// stops walking Parent once it reaches stop, without disabling stop
// itself. Used when the triggering access is scoped to a single fd's
// opener exec point (spec.md §4.4 invariant 4 / §4.10) rather than the
// whole ancestor chain — e.g. a process reading/writing/seeking an
// inherited fd only taints shortcutting back to whichever exec point
// originally opened that fd, not every exec point above it.
func (p *Process) DisableShortcuttingUpTo(reason string, stop *Process) {
	for cur := p; cur != nil && cur != stop; cur = cur.Parent {
		if cur.Kind == KindExeced && cur.Exec.CanShortcut {
			cur.Exec.CanShortcut = false
			cur.Exec.DisableReason = reason
		}
	}
}

// RecordFileUsage merges update into the FileUsage record for path at p's
// exec point, deduplicating through dedup. A merge conflict disables
// shortcutting up through the exec chain (spec.md §4.3).
func (p *Process) RecordFileUsage(path string, update fileusage.FileUsage, dedup *fileusage.Dedup) {
	ep := p.ExecPoint()
	if ep == nil {
		return
	}
	merged := update
	ok := true
	if existing, has := ep.Exec.FileUsages[path]; has {
		merged, ok = fileusage.Merge(*existing, update)
	}
	if !ok {
		p.DisableShortcuttingBubbleUp("conflicting file usage for " + path)
		return
	}
	ep.Exec.FileUsages[path] = dedup.Get(merged)
}

// Chdir updates p's working directory and records it in VisitedWds the
// first time it's seen.
func (p *Process) Chdir(wd string) {
	p.Wd = wd
	for _, v := range p.VisitedWds {
		if v == wd {
			return
		}
	}
	p.VisitedWds = append(p.VisitedWds, wd)
}

// UpdateRusage overwrites the process's own accumulated user/system time,
// mirroring Process::update_rusage.
func (p *Process) UpdateRusage(utimeU, stimeU int64) {
	p.UTimeU = utimeU
	p.STimeU = stimeU
}

// Terminate records an exit status (kernel convention: only the low 8
// bits survive past exit()/_exit()) and moves the process to TERMINATED.
func (p *Process) Terminate(status int, utimeU, stimeU int64) {
	p.ExitStatus = int64(status) & 0xff
	p.UpdateRusage(utimeU, stimeU)
	p.State = StateTerminated
	p.releaseWriterReservations()
}

// releaseWriterReservations unwinds any pre_open writer reservation still
// held by an fd this process never explicitly closed: exit closes every
// remaining fd, so anything left open at TERMINATE must give up its
// exclusive-writer status too, or the path stays poisoned for the rest of
// the build (spec.md §4.2/§7).
func (p *Process) releaseWriterReservations() {
	for _, n := range p.FDs.Snapshot() {
		f := p.FDs.Get(n)
		if f == nil || f.OFD.WriterName == nil {
			continue
		}
		f.OFD.WriterName.EndWrite()
		f.OFD.WriterName = nil
	}
}

// CanFinalize reports whether p may transition to FINALIZED: it must be
// TERMINATED, and every descendant (fork children and, if any, the exec
// child it was replaced by) must already be FINALIZED.
func (p *Process) CanFinalize() bool {
	if p.State != StateTerminated {
		return false
	}
	for _, c := range p.ForkChildren {
		if c.State != StateFinalized {
			return false
		}
	}
	if p.ExecChild != nil && p.ExecChild.State != StateFinalized {
		return false
	}
	return true
}

// SumRusageRecurse computes AggrTime for p and its whole subtree
// (exec_child then fork children), mirroring
// Process::sum_rusage_recurse, and returns the total.
func (p *Process) SumRusageRecurse() int64 {
	total := p.UTimeU + p.STimeU
	if p.ExecChild != nil {
		total += p.ExecChild.SumRusageRecurse()
	}
	for _, c := range p.ForkChildren {
		total += c.SumRusageRecurse()
	}
	p.AggrTime = total
	return total
}
