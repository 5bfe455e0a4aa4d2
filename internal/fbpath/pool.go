// Package fbpath implements the supervisor's FileName intern pool: a
// process-wide set of canonicalized absolute paths with pointer-equality
// identity, system/ignore/writable classification, and a concurrent-writer
// race counter.
package fbpath

import (
	"strings"
	"sync"
)

// Name is an interned, canonicalized path. Two Names are the same path iff
// they are the same pointer; callers must always go through Pool.Get.
type Name struct {
	// Path is the canonicalized path string.
	Path string

	// mu guards writerCount only; the flag fields below are set once at
	// classification time and never mutated afterwards, so they need no
	// lock to read.
	mu          sync.Mutex
	writerCount int

	inSystemLocation bool
	inIgnoreLocation bool
	isWritable       bool
}

// InSystemLocation reports whether this path sits under a read-only
// prefix that need not be tracked as a detailed input (the directory's
// existence still matters, its full content does not).
func (n *Name) InSystemLocation() bool { return n.inSystemLocation }

// InIgnoreLocation reports whether usage of this path is suppressed
// entirely (never recorded as a FileUsage).
func (n *Name) InIgnoreLocation() bool { return n.inIgnoreLocation }

// IsWritableByProcess reports whether intercepted processes may write
// below this path at all (used to short-circuit obviously-read-only
// system trees).
func (n *Name) IsWritableByProcess() bool { return n.isWritable }

// BeginWrite registers the caller as a concurrent writer of this path and
// reports whether another writer was already active — a race that must
// disable shortcutting for both processes per spec.md §4.2/§7.
func (n *Name) BeginWrite() (raced bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	raced = n.writerCount > 0
	n.writerCount++
	return raced
}

// EndWrite unregisters the caller as a writer of this path.
func (n *Name) EndWrite() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.writerCount > 0 {
		n.writerCount--
	}
}

// Classifier decides the system/ignore/writable flags for a freshly
// canonicalized path. Supplied by internal/config so the pool itself
// stays policy-free.
type Classifier func(path string) (system, ignore, writable bool)

// Pool is a process-wide set of interned Names.
type Pool struct {
	mu         sync.RWMutex
	names      map[string]*Name
	classifier Classifier
}

// NewPool creates an empty Pool. A nil classifier treats every path as
// neither system nor ignored, and as writable (the permissive default
// used by tests).
func NewPool(classifier Classifier) *Pool {
	if classifier == nil {
		classifier = func(string) (bool, bool, bool) { return false, false, true }
	}
	return &Pool{
		names:      make(map[string]*Name),
		classifier: classifier,
	}
}

// Get canonicalizes path and returns its interned Name. Repeated calls
// with strings that canonicalize identically return the same pointer.
func (p *Pool) Get(path string) *Name {
	canon := Canonicalize(path)

	p.mu.RLock()
	n, ok := p.names[canon]
	p.mu.RUnlock()
	if ok {
		return n
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if n, ok := p.names[canon]; ok {
		return n
	}
	system, ignore, writable := p.classifier(canon)
	n = &Name{
		Path:             canon,
		inSystemLocation: system,
		inIgnoreLocation: ignore,
		isWritable:       writable,
	}
	p.names[canon] = n
	return n
}

// Len returns the number of distinct interned paths (for tests/metrics).
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.names)
}

// Canonicalize normalizes a path the way the supervisor's FileName pool
// does: strip "." components, collapse "//", remove a trailing slash
// (except for "/" itself). ".." is deliberately preserved since it may
// cross a symlink and so cannot be resolved lexically.
func Canonicalize(path string) string {
	if path == "" {
		return ""
	}

	absolute := strings.HasPrefix(path, "/")
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		default:
			out = append(out, part)
		}
	}

	joined := strings.Join(out, "/")
	switch {
	case absolute:
		return "/" + joined
	case joined == "":
		return "."
	default:
		return joined
	}
}
