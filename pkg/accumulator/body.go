// Package accumulator collects streamed response data handed out by a
// transfer engine, chunk by chunk, into caller-owned containers.
package accumulator

import "io"

// BodyBuffer accumulates a response payload. The backing storage always
// carries one zero byte after the data so CString can expose a terminated
// view; Len is authoritative, the payload may itself contain zeros.
//
// A BodyBuffer belongs to a single transfer and must not be appended to
// from more than one goroutine at a time.
type BodyBuffer struct {
	data     []byte
	size     int
	alloc    Allocator
	log      Logger
	released bool
}

var _ io.Writer = (*BodyBuffer)(nil)

// NewBodyBuffer returns an empty buffer charging its storage to alloc
// (Unbounded when nil).
func NewBodyBuffer(alloc Allocator, log Logger) (*BodyBuffer, error) {
	alloc = ensureAllocator(alloc)
	if err := alloc.Allocate(containerBytes + 1); err != nil {
		return nil, err
	}
	return &BodyBuffer{
		data:  make([]byte, 1),
		alloc: alloc,
		log:   ensureLogger(log),
	}, nil
}

// Append copies chunk after the current content and returns len(chunk).
// When storage cannot grow it returns (0, ErrAllocation) and leaves the
// buffer exactly as it was.
func (b *BodyBuffer) Append(chunk []byte) (int, error) {
	if b == nil || b.released {
		return 0, ErrReleased
	}
	n := len(chunk)
	if n == 0 {
		return 0, nil
	}
	if err := b.alloc.Allocate(n); err != nil {
		b.log.ErrorObj("body buffer growth failed", "accumulator_error", map[string]any{
			"current_bytes": b.size,
			"chunk_bytes":   n,
			"error":         err.Error(),
		})
		return 0, err
	}

	data := append(b.data[:b.size], chunk...)
	data = append(data, 0)
	b.data = data
	b.size += n
	return n, nil
}

// Write implements io.Writer on top of Append.
func (b *BodyBuffer) Write(p []byte) (int, error) { return b.Append(p) }

// Len returns the number of payload bytes written so far.
func (b *BodyBuffer) Len() int {
	if b == nil {
		return 0
	}
	return b.size
}

// Bytes returns the accumulated payload. The slice aliases the buffer and
// is only valid until the next Append or Release.
func (b *BodyBuffer) Bytes() []byte {
	if b == nil || b.released {
		return nil
	}
	return b.data[:b.size:b.size]
}

// CString returns the payload followed by its zero terminator.
func (b *BodyBuffer) CString() []byte {
	if b == nil || b.released {
		return nil
	}
	return b.data[: b.size+1 : b.size+1]
}

// String returns a copy of the payload.
func (b *BodyBuffer) String() string { return string(b.Bytes()) }

// Release frees the storage. It is safe to call on a nil buffer and more
// than once.
func (b *BodyBuffer) Release() {
	if b == nil || b.released {
		return
	}
	b.alloc.Release(containerBytes + b.size + 1)
	b.data = nil
	b.size = 0
	b.released = true
}
