package ring

import (
	"errors"
	"fmt"
	"io"
)

var (
	ErrIllegal = errors.New("illegal")
	ErrFull    = errors.New("full")
)

// Buffer is a fixed-capacity byte ring buffer for one direction of one
// connection. It absorbs chunks arriving faster than the downstream
// sink can take them. Memory for the buffer is allocated lazily, on the
// first push, since buffering is only needed when the sink falls
// behind. Not safe for concurrent use; each direction has one owner.
type Buffer struct {
	// Allocated on the first successful push, nil before that.
	contents []byte
	// head counts every byte ever pushed, tail every byte ever
	// flushed. Both wrap around at the uint32 limit; only their
	// difference is meaningful. The physical offsets are the counters
	// modulo capacity, which is why capacity must be a power of two:
	// counter mod capacity stays continuous across the counter
	// overflow only when capacity divides 2^32.
	head     uint32
	tail     uint32
	capacity uint32
}

// NewBuffer returns a buffer holding up to capacity bytes. The
// capacity must be a nonzero power of two.
func NewBuffer(capacity uint32) (*Buffer, error) {
	if capacity == 0 {
		return nil, fmt.Errorf("zero capacity: %w", ErrIllegal)
	}
	if capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("capacity %d is not a power of two: %w", capacity, ErrIllegal)
	}
	return &Buffer{capacity: capacity}, nil
}

// Len returns the number of bytes pushed in but not yet flushed out.
func (b *Buffer) Len() uint32 {
	return b.head - b.tail
}

func (b *Buffer) IsEmpty() bool {
	return b.Len() == 0
}

// Push copies src onto the ring buffer. Either all of src is pushed, or
// none of it: if there isn't room for the whole slice, Push returns
// ErrFull and the buffer is unchanged.
func (b *Buffer) Push(src []byte) error {
	if uint64(b.Len())+uint64(len(src)) > uint64(b.capacity) {
		return ErrFull
	}
	if b.contents == nil {
		b.contents = make([]byte, b.capacity)
	}

	headOfs := b.head % b.capacity

	// One copy if src fits between headOfs and the end of the
	// contents slice, two if the head wraps around.
	n := copy(b.contents[headOfs:], src)
	if n < len(src) {
		copy(b.contents, src[n:])
	}

	b.head += uint32(len(src))
	return nil
}

// FlushTo writes buffered bytes to sink and returns how many the sink
// accepted, which may be less than Len if the sink takes fewer bytes
// than offered. Draining takes at most two writes: the run from the
// tail to the end of the contents slice, then, only if the first run
// was accepted in full, the run that wrapped around to the start. An
// error from the sink is returned only when no bytes at all were
// flushed in this call; once any progress has been made the call
// reports success with the byte count so far, and the caller gets the
// remainder on a later call.
func (b *Buffer) FlushTo(sink io.Writer) (int, error) {
	if b.IsEmpty() {
		return 0, nil
	}

	tailOfs := b.tail % b.capacity
	run := b.capacity - tailOfs
	if used := b.Len(); used < run {
		run = used
	}

	n, err := sink.Write(b.contents[tailOfs : tailOfs+run])
	b.tail += uint32(n)
	if err != nil {
		if n == 0 {
			return 0, fmt.Errorf("flush: %w", err)
		}
		return n, nil
	}
	if uint32(n) < run {
		return n, nil
	}

	// The first run was fully accepted; if the occupied range wrapped
	// past the end of the contents slice, the remainder now starts at
	// offset zero and cannot wrap again.
	if b.IsEmpty() {
		return n, nil
	}
	m, _ := sink.Write(b.contents[:b.Len()])
	b.tail += uint32(m)
	return n + m, nil
}

// Write makes Buffer an io.Writer over Push, so upstream code can feed
// it through the same interface it writes to any sink. It accepts
// either all of p or none of it.
func (b *Buffer) Write(p []byte) (n int, err error) {
	if err := b.Push(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
