package supervisor

import "github.com/firebuild-go/firebuild/internal/proctree"

// pendingForkHalf is one side of a fork_child/fork_parent two-phase
// handshake, queued until its counterpart arrives. Whichever message's
// pid it's keyed by is the side still waiting (spec.md §4.10 "two-phase
// because the supervisor needs fully consistent parent state").
type pendingForkHalf struct {
	connFd int
	ackID  uint16
	msg    forkMsg
}

// pendingPopenHalf is one side of a popen/popen_parent handshake.
type pendingPopenHalf struct {
	connFd int
	ackID  uint16
	msg    popenMsg
}

// pendingAck records a deferred ACK: a reply the supervisor owes a
// connection only once some process reaches FINALIZED (spec.md §4.9 "the
// supervisor remembers (fd, ack_id) on the process and sends the ACK upon
// finalization").
type pendingAck struct {
	connFd int
	ackID  uint16
}

// correlationTables holds every per-key table the event loop consults to
// resume a handler whose counterpart hasn't arrived yet (spec.md §5
// "Suspension"). Owned exclusively by the single-threaded loop, so none
// of its methods take a lock.
type correlationTables struct {
	// posixSpawnPending: calling process's OS pid -> true between the
	// posix_spawn message (the call was made, child pid not yet known)
	// and posix_spawn_parent (child pid and file_actions now known).
	// Checked by resolveParent for decision table row "ppid seen, parent
	// has posix_spawn pending".
	posixSpawnPending map[int]bool

	// queuedForkChild / queuedForkParent: pid -> the half of a fork
	// handshake that arrived first.
	queuedForkChild  map[int]pendingForkHalf
	queuedForkParent map[int]pendingForkHalf

	// queuedPosixSpawnChild: calling process's OS pid -> the spawned
	// child's scproc_query, queued because it arrived before
	// posix_spawn_parent resolved the pending flag (spec.md §4.10
	// decision table row "ppid seen, parent has posix_spawn pending").
	// Released by handlePosixSpawnParent once file_actions replay
	// completes.
	queuedPosixSpawnChild map[int]pendingScprocQuery

	// queuedExecChild: pid -> a scproc_query that arrived while the prior
	// process at that pid was still RUNNING/EXECED (spec.md §4.10 decision
	// table row "pid seen, prior process not yet terminated").
	queuedExecChild map[int]pendingScprocQuery

	// pendingPopen: parent pid -> whichever half of a popen/popen_parent
	// handshake arrived first, waiting for the other half.
	pendingPopen map[int]pendingPopenHalf

	// onFinalizedAck: process fb_pid -> an ACK to send once that process
	// reaches FINALIZED (wait/system_ret/pclose on a not-yet-finalized
	// child, spec.md §4.10).
	onFinalizedAck map[int64][]pendingAck
}

type pendingScprocQuery struct {
	connFd int
	ackID  uint16
	msg    scprocQuery
}

func newCorrelationTables() *correlationTables {
	return &correlationTables{
		posixSpawnPending:     make(map[int]bool),
		queuedForkChild:       make(map[int]pendingForkHalf),
		queuedForkParent:      make(map[int]pendingForkHalf),
		queuedPosixSpawnChild: make(map[int]pendingScprocQuery),
		queuedExecChild:       make(map[int]pendingScprocQuery),
		pendingPopen:          make(map[int]pendingPopenHalf),
		onFinalizedAck:        make(map[int64][]pendingAck),
	}
}

// deferAck records that conn's ackID must be answered once proc finalizes
// rather than immediately.
func (c *correlationTables) deferAck(proc *proctree.Process, connFd int, ackID uint16) {
	if ackID == 0 {
		return
	}
	c.onFinalizedAck[proc.FbPid] = append(c.onFinalizedAck[proc.FbPid], pendingAck{connFd: connFd, ackID: ackID})
}

// takeFinalizedAcks returns and clears the ACKs owed once fbPid finalizes.
func (c *correlationTables) takeFinalizedAcks(fbPid int64) []pendingAck {
	acks := c.onFinalizedAck[fbPid]
	delete(c.onFinalizedAck, fbPid)
	return acks
}
