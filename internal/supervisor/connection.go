package supervisor

import "github.com/firebuild-go/firebuild/internal/wire"

// connection is one interceptor's UNIX-domain stream socket, with its
// accumulated read buffer (spec.md §4.9 "per-connection read buffer").
type connection struct {
	fd     int
	reader wire.Reader

	// fbPid is 0 until this connection's owning process has signed in
	// with scproc_query.
	fbPid int64
}

// writeQueue holds bytes not yet flushed to a connection's fd because the
// last write attempt hit EAGAIN; the event loop arms EPOLLOUT and retries.
type writeQueue struct {
	buf []byte
}

func (w *writeQueue) push(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *writeQueue) markFlushed(n int) {
	if n >= len(w.buf) {
		w.buf = w.buf[:0]
		return
	}
	w.buf = w.buf[n:]
}

func (w *writeQueue) pending() []byte { return w.buf }
