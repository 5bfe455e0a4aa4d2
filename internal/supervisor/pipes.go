package supervisor

import "github.com/firebuild-go/firebuild/internal/pipenet"

// pipeRegistry is the supervisor-wide set of live Pipes, keyed by the
// opaque id that fd.OpenFileDescription.PipeID and
// proctree.Process.OutgoingPipeIDs reference (see those types' doc
// comments for why the id is opaque rather than a pointer).
type pipeRegistry struct {
	nextID int64
	pipes  map[int64]*pipenet.Pipe
}

func newPipeRegistry() *pipeRegistry {
	return &pipeRegistry{pipes: make(map[int64]*pipenet.Pipe)}
}

// Create allocates a fresh Pipe bound to readerFd and registers it.
func (r *pipeRegistry) Create(readerFd int) *pipenet.Pipe {
	r.nextID++
	p := pipenet.NewPipe(r.nextID, readerFd)
	r.pipes[p.ID] = p
	return p
}

// Get looks up a Pipe by id.
func (r *pipeRegistry) Get(id int64) *pipenet.Pipe {
	return r.pipes[id]
}

// Remove drops a Pipe once its reader has been closed.
func (r *pipeRegistry) Remove(id int64) {
	delete(r.pipes, id)
}

// All returns every live pipe, for the event loop's per-tick drain pass.
func (r *pipeRegistry) All() []*pipenet.Pipe {
	out := make([]*pipenet.Pipe, 0, len(r.pipes))
	for _, p := range r.pipes {
		out = append(out, p)
	}
	return out
}
