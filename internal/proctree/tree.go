package proctree

import (
	"sort"
	"sync"

	"github.com/firebuild-go/firebuild/internal/fileusage"
)

// Tree is the set of all Processes plus the three lookup maps spec.md §3
// calls for: pid->Process, fb_pid->Process, connection-fd->Process.
// Grounded on original_source/src/firebuild/process_tree.h's ProcessTree.
type Tree struct {
	mu sync.Mutex

	nextFbPid int64

	root *Process

	byFbPid map[int64]*Process
	byPid   map[int]*Process
	bySock  map[int]*Process

	Dedup *fileusage.Dedup
}

// NewTree returns an empty process tree.
func NewTree() *Tree {
	return &Tree{
		byFbPid: make(map[int64]*Process),
		byPid:   make(map[int]*Process),
		bySock:  make(map[int]*Process),
		Dedup:   fileusage.NewDedup(),
	}
}

// NextFbPid allocates the next monotonically increasing supervisor-assigned
// process id (mirrors process.cc's static fb_pid_counter).
func (t *Tree) NextFbPid() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextFbPid++
	return t.nextFbPid
}

// Insert registers p under its fb_pid and pid, and binds it to a
// connection socket fd.
func (t *Tree) Insert(p *Process, sock int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.root == nil {
		t.root = p
	}
	t.byFbPid[p.FbPid] = p
	t.byPid[p.Pid] = p
	t.bySock[sock] = p
}

// Finished drops the connection-fd -> Process binding for sock, leaving
// the process itself (and its fb_pid/pid entries) in place — mirrors
// ProcessTree::finished, called on socket EOF/close.
func (t *Tree) Finished(sock int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.bySock, sock)
}

// Root returns the supervised command's top-level ExecedProcess, or nil
// before it has signed in.
func (t *Tree) Root() *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root
}

// BySock looks up the process currently owning a connection fd.
func (t *Tree) BySock(sock int) *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bySock[sock]
}

// ByFbPid looks up a process by its supervisor-assigned id.
func (t *Tree) ByFbPid(fbPid int64) *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byFbPid[fbPid]
}

// ByPid looks up the most recently registered process for an OS pid. A
// pid may be reused across execs (same OS process, new ExecedProcess) or,
// after the kernel recycles it, by an unrelated process entirely; callers
// needing exec history should follow Process.Parent/ExecChild rather than
// relying on this map alone.
func (t *Tree) ByPid(pid int) *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byPid[pid]
}

// TryFinalize finalizes p and walks upward through Parent, finalizing
// every ancestor that becomes eligible as a result, per spec.md §4.6
// "Finalization propagation". Returns the chain of processes finalized by
// this call, root-ward, empty if p itself isn't eligible yet.
func (t *Tree) TryFinalize(p *Process) []*Process {
	var finalized []*Process
	for cur := p; cur != nil && cur.CanFinalize(); cur = cur.Parent {
		cur.State = StateFinalized
		finalized = append(finalized, cur)
	}
	return finalized
}

// SumRusage returns the total user+system microseconds across the whole
// tree, rooted at Root.
func (t *Tree) SumRusage() int64 {
	root := t.Root()
	if root == nil {
		return 0
	}
	return root.SumRusageRecurse()
}

// All returns every Process ever inserted, ordered by fb_pid ascending.
// Used by internal/report to walk the whole tree for summary/graph data;
// nothing on the hot dispatch path needs a full traversal, so this is the
// only consumer that needs map-iteration-order stability.
func (t *Tree) All() []*Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Process, 0, len(t.byFbPid))
	for _, p := range t.byFbPid {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FbPid < out[j].FbPid })
	return out
}
