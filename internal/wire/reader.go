package wire

// Reader accumulates bytes from one connection until complete messages
// are present, handing them out one at a time and retaining any partial
// tail — spec.md §4.9 "Per-connection read buffer".
type Reader struct {
	buf []byte
}

// Feed appends newly-read bytes to the internal buffer.
func (r *Reader) Feed(b []byte) {
	r.buf = append(r.buf, b...)
}

// Next extracts the next complete message, if one is fully buffered.
// ok is false when fewer than a full message is currently available —
// the caller should go back to epoll_wait, not block.
func (r *Reader) Next() (msg Message, ok bool, err error) {
	if len(r.buf) < HeaderSize {
		return Message{}, false, nil
	}
	h, err := DecodeHeader(r.buf)
	if err != nil {
		return Message{}, false, err
	}
	total := HeaderSize + int(h.PayloadLen)
	if len(r.buf) < total {
		return Message{}, false, nil
	}

	payload := make([]byte, h.PayloadLen)
	copy(payload, r.buf[HeaderSize:total])
	r.buf = r.buf[total:]
	return Message{Header: h, Payload: payload}, true, nil
}

// Pending reports how many bytes are buffered but not yet consumed.
func (r *Reader) Pending() int { return len(r.buf) }
