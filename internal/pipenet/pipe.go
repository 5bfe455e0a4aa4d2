// Package pipenet implements the supervisor-owned Pipe: an object joining
// N writer processes to 1 reader process, forwarding bytes and recording
// per-observer byte streams for future shortcut replay. See spec.md §4.5.
package pipenet

import "sync"

// WriterState is the per-writer-end state machine: active -> draining ->
// closed.
type WriterState int

const (
	WriterActive WriterState = iota
	WriterDraining
	WriterClosed
)

// WriterEnd is one writer's kernel-owned fd into a Pipe. The supervisor
// holds the true read end of this writer's own pipe and drains it,
// forwarding bytes into the shared Pipe.
type WriterEnd struct {
	FbPid int64
	Fd    int
	State WriterState
}

// PipeRecorder accumulates the exact byte sequence observed by one
// exec-point's subtree. Gains a fresh instance on every exec that inherits
// an outgoing pipe (spec.md §4.5 "Recorders"); an ancestor exec-point's
// older recorder keeps accumulating in parallel with its descendant's new
// one.
type PipeRecorder struct {
	ExecFbPid int64
	data      []byte
}

func (r *PipeRecorder) append(b []byte) {
	r.data = append(r.data, b...)
}

// Bytes returns the recorded stream so far. The returned slice must not
// be mutated by the caller.
func (r *PipeRecorder) Bytes() []byte { return r.data }

// Pipe is a single reader-side fd0 plus a set of writer-side fd1s.
type Pipe struct {
	mu sync.Mutex

	ID       int64
	ReaderFd int

	writers   map[int64]*WriterEnd
	recorders []*PipeRecorder

	// forwardBuf holds bytes written by producers but not yet flushed to
	// the real reader-side fd, because that fd was not writable
	// (EAGAIN) last time the event loop tried. Bounded only by memory,
	// per spec.md §4.5 forwarding policy: the reader's backpressure must
	// never block writers beyond what the kernel pipe itself provides.
	forwardBuf []byte
}

// NewPipe creates an empty Pipe bound to the given supervisor-owned
// reader fd.
func NewPipe(id int64, readerFd int) *Pipe {
	return &Pipe{
		ID:       id,
		ReaderFd: readerFd,
		writers:  make(map[int64]*WriterEnd),
	}
}

// AddWriter registers a new writer-side fd for the given process.
func (p *Pipe) AddWriter(fbPid int64, fd int) *WriterEnd {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := &WriterEnd{FbPid: fbPid, Fd: fd, State: WriterActive}
	p.writers[fbPid] = w
	return w
}

// AttachRecorder creates and attaches a new PipeRecorder for the given
// exec-point. Every byte forwarded from this point on is appended to it
// (in addition to any still-attached ancestor recorders), per spec.md
// §4.5 "Recorders".
func (p *Pipe) AttachRecorder(execFbPid int64) *PipeRecorder {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := &PipeRecorder{ExecFbPid: execFbPid}
	p.recorders = append(p.recorders, r)
	return r
}

// Recorders returns the currently attached recorders (test/debug use).
func (p *Pipe) Recorders() []*PipeRecorder {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*PipeRecorder, len(p.recorders))
	copy(out, p.recorders)
	return out
}

// Write forwards bytes written by writerFbPid: appended to the pending
// forward buffer (for eventual delivery to the reader fd) and to every
// attached recorder, in that write's order. Bytes from different writers
// may interleave at any byte boundary across separate Write calls,
// matching kernel pipe semantics (spec.md §5 ordering guarantee 3); within
// one Write call the bytes are atomic from the recorders' point of view.
func (p *Pipe) Write(writerFbPid int64, data []byte) {
	if len(data) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forwardBuf = append(p.forwardBuf, data...)
	for _, r := range p.recorders {
		r.append(data)
	}
}

// CloseWriter transitions a writer end to closed and removes it. Returns
// whether any writers remain.
func (p *Pipe) CloseWriter(fbPid int64) (anyWritersRemain bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.writers[fbPid]; ok {
		w.State = WriterClosed
		delete(p.writers, fbPid)
	}
	return len(p.writers) > 0
}

// PendingBytes returns bytes accumulated in the forward buffer that have
// not yet been written out to the reader fd.
func (p *Pipe) PendingBytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, len(p.forwardBuf))
	copy(out, p.forwardBuf)
	return out
}

// MarkFlushed removes n bytes from the front of the forward buffer after
// the event loop successfully wrote them to the reader-side fd.
func (p *Pipe) MarkFlushed(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n >= len(p.forwardBuf) {
		p.forwardBuf = p.forwardBuf[:0]
		return
	}
	p.forwardBuf = p.forwardBuf[n:]
}

// Drain forces any bytes currently sitting in writer-side kernel pipes to
// be pulled into the forward buffer and recorders before a shortcut
// attempt fingerprints this pipe's consumer, per spec.md §4.5 "drain()".
// pull is supplied by the event loop (reads whatever is available from
// each active writer's real fd without blocking).
func (p *Pipe) Drain(pull func(writerFd int) []byte) {
	p.mu.Lock()
	writers := make([]*WriterEnd, 0, len(p.writers))
	for _, w := range p.writers {
		if w.State == WriterActive {
			writers = append(writers, w)
		}
	}
	p.mu.Unlock()

	for _, w := range writers {
		if b := pull(w.Fd); len(b) > 0 {
			p.Write(w.FbPid, b)
		}
	}
}

// ShouldCloseReader reports whether every writer has closed and the
// forward buffer has been fully flushed — the point at which the
// supervisor should close the reader-side fd.
func (p *Pipe) ShouldCloseReader() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.writers) == 0 && len(p.forwardBuf) == 0
}
