package supervisor

import "github.com/firebuild-go/firebuild/internal/proctree"

// resolution is the outcome of applying spec.md §4.10's parent-resolution
// decision table to one scproc_query.
type resolution int

const (
	// resolvedExec: the OS pid was seen before and that process is
	// TERMINATED-eligible to be replaced by an exec — decision table row
	// 1. Parent is that process itself.
	resolvedExec resolution = iota
	// resolvedRoot: ppid is the supervisor's own pid — decision table row
	// 3. There is no parent Process; a fresh root is created.
	resolvedRoot
	// resolvedForkedFromParent: ppid was seen, has no posix_spawn pending
	// (that case is queuedBehindPosixSpawnParent), and is treated as a
	// fork boundary. The new exec is resolved from a ForkedProcess of that
	// parent: the one handlePosixSpawnParent (with its file_actions
	// replayed) or completePopen already registered under this pid, or a
	// freshly synthesized one.
	resolvedForkedFromParent
	// queuedPriorNotTerminated: decision table row 2 — the prior process
	// at this pid hasn't terminated yet; caller must queue.
	queuedPriorNotTerminated
	// queuedBehindPosixSpawnParent: decision table row "ppid seen, parent
	// has posix_spawn pending" — the calling process already sent
	// posix_spawn but its matching posix_spawn_parent (carrying the
	// child's real pid and file_actions) hasn't arrived yet; caller must
	// queue behind it rather than synthesize a ForkedProcess prematurely.
	queuedBehindPosixSpawnParent
	// rejected: decision table's final row — ppid unknown entirely.
	// dont_intercept: the child runs uninstrumented and shortcutting is
	// disabled up to the nearest exec ancestor of whichever process last
	// had this ppid, if any is still reachable.
	rejected
)

// resolveParent applies the decision table and returns the parent Process
// to pass to proctree.NewExecedChild (nil for resolvedRoot/rejected).
func (s *Server) resolveParent(q scprocQuery) (parent *proctree.Process, how resolution) {
	// Only an actual ExecedProcess reusing its own pid (row 1: a second
	// exec on the same OS pid, or the kernel recycling a terminated pid)
	// matches this row. A ForkedProcess already registered under this
	// pid is a synthesized placeholder awaiting the exec that will
	// replace it (fork/popen/posix_spawn synthesis) — it has never
	// exec'd and never will terminate on its own, so treating it as
	// "seen before" would queue this scproc_query behind a wait that
	// never resolves instead of letting the ppid-based rows below
	// resolve it from the expected child.
	if prior := s.tree.ByPid(q.Pid); prior != nil && prior.Kind == proctree.KindExeced {
		if prior.State == proctree.StateTerminated || prior.State == proctree.StateFinalized {
			return prior, resolvedExec
		}
		return nil, queuedPriorNotTerminated
	}

	if q.Ppid == s.ownPid {
		return nil, resolvedRoot
	}

	if pproc := s.tree.ByPid(q.Ppid); pproc != nil {
		if s.corr.posixSpawnPending[pproc.Pid] {
			return nil, queuedBehindPosixSpawnParent
		}
		return pproc, resolvedForkedFromParent
	}

	return nil, rejected
}

// synthesizeForkedChild creates the ForkedProcess standing in for a
// fork() the supervisor never directly observed (decision table rows
// 4/5), and registers it under the new OS pid so later messages on that
// pid resolve correctly.
func (s *Server) synthesizeForkedChild(parent *proctree.Process, pid int) *proctree.Process {
	child := proctree.NewForkedChild(s.tree.NextFbPid(), parent, pid)
	// -1: no real connection fd owns this synthetic process yet; it has
	// no socket of its own until/unless it execs and signs in itself.
	s.tree.Insert(child, -1)
	return child
}
