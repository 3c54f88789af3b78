package accumulator

// HeaderCollection keeps every raw header line exactly as it was handed
// over, one entry per callback invocation, in arrival order. Each entry is
// stored with a trailing zero byte.
type HeaderCollection struct {
	entries  [][]byte
	alloc    Allocator
	log      Logger
	released bool
}

// NewHeaderCollection returns an empty collection charging its storage to
// alloc (Unbounded when nil).
func NewHeaderCollection(alloc Allocator, log Logger) (*HeaderCollection, error) {
	alloc = ensureAllocator(alloc)
	if err := alloc.Allocate(containerBytes); err != nil {
		return nil, err
	}
	return &HeaderCollection{
		alloc: alloc,
		log:   ensureLogger(log),
	}, nil
}

// AppendLine stores a copy of line as a new entry and returns len(line).
// An empty line is a no-op. On failure nothing is stored and
// (0, ErrAllocation) is returned.
func (h *HeaderCollection) AppendLine(line []byte) (int, error) {
	if h == nil || h.released {
		return 0, ErrReleased
	}
	n := len(line)
	if n == 0 {
		return 0, nil
	}

	if err := h.alloc.Allocate(n + 1); err != nil {
		h.fail("header line copy failed", n, err)
		return 0, err
	}
	entry := make([]byte, n+1)
	copy(entry, line)

	if err := h.alloc.Allocate(entryBytes); err != nil {
		h.alloc.Release(n + 1)
		h.fail("header index growth failed", n, err)
		return 0, err
	}
	h.entries = append(h.entries, entry)
	return n, nil
}

func (h *HeaderCollection) fail(msg string, n int, err error) {
	h.log.ErrorObj(msg, "accumulator_error", map[string]any{
		"entries":    len(h.entries),
		"line_bytes": n,
		"error":      err.Error(),
	})
}

// Len returns the number of stored entries.
func (h *HeaderCollection) Len() int {
	if h == nil {
		return 0
	}
	return len(h.entries)
}

// Line returns entry i without its terminator.
func (h *HeaderCollection) Line(i int) string {
	if h == nil || i < 0 || i >= len(h.entries) {
		return ""
	}
	e := h.entries[i]
	return string(e[:len(e)-1])
}

// CString returns entry i with its terminator. The slice aliases the
// collection and must not be modified.
func (h *HeaderCollection) CString(i int) []byte {
	if h == nil || i < 0 || i >= len(h.entries) {
		return nil
	}
	e := h.entries[i]
	return e[:len(e):len(e)]
}

// Lines returns copies of every entry in arrival order.
func (h *HeaderCollection) Lines() []string {
	if h == nil || len(h.entries) == 0 {
		return nil
	}
	out := make([]string, len(h.entries))
	for i := range h.entries {
		out[i] = h.Line(i)
	}
	return out
}

// Release frees every entry and then the index. It is safe to call on a
// nil collection and more than once.
func (h *HeaderCollection) Release() {
	if h == nil || h.released {
		return
	}
	total := containerBytes
	for _, e := range h.entries {
		total += len(e) + entryBytes
	}
	h.alloc.Release(total)
	h.entries = nil
	h.released = true
}
