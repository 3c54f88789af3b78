package accumulator

import "errors"

var (
	// ErrAllocation reports that an Allocator refused to provide more memory.
	ErrAllocation = errors.New("accumulator: allocation failed")
	// ErrReleased is returned when appending to a container after Release.
	ErrReleased = errors.New("accumulator: container already released")
)

const (
	// containerBytes is charged once per container for its bookkeeping
	// (one storage reference plus one counter).
	containerBytes = 16
	// entryBytes is charged per header collection index slot.
	entryBytes = 8
)

// Allocator accounts for the memory held by accumulator containers.
// Allocate returns an error when n more bytes cannot be provided; Release
// hands back bytes previously allocated.
type Allocator interface {
	Allocate(n int) error
	Release(n int)
}

type unbounded struct{}

func (unbounded) Allocate(int) error { return nil }
func (unbounded) Release(int)        {}

// Unbounded never refuses an allocation.
var Unbounded Allocator = unbounded{}

// Limit caps the bytes held by every container sharing it. It is meant to
// be shared by the containers of a single transfer and is not safe for
// concurrent use.
type Limit struct {
	max  int
	used int
}

// NewLimit returns an Allocator that refuses to exceed max bytes in total.
func NewLimit(max int) *Limit {
	if max < 0 {
		max = 0
	}
	return &Limit{max: max}
}

// Allocate reserves n bytes or returns ErrAllocation without reserving anything.
func (l *Limit) Allocate(n int) error {
	if n < 0 || l.used+n > l.max || l.used+n < l.used {
		return ErrAllocation
	}
	l.used += n
	return nil
}

// Release returns n bytes to the limit.
func (l *Limit) Release(n int) {
	l.used -= n
	if l.used < 0 {
		l.used = 0
	}
}

// Used reports how many bytes are currently reserved.
func (l *Limit) Used() int { return l.used }

// Max reports the configured ceiling.
func (l *Limit) Max() int { return l.max }

func ensureAllocator(a Allocator) Allocator {
	if a == nil {
		return Unbounded
	}
	return a
}
