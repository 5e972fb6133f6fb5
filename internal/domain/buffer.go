package domain

// Buffer is a fixed-capacity contiguous byte region with the position/limit
// discipline spec'd for session framing and relay data: bytes accumulate at
// the tail via Free/Advance, are inspected in place via Bytes, and are
// dropped from the head via Consume once read or written out. It stands in
// for the off-heap direct ByteBuffer the design calls for; any fixed,
// contiguous byte region satisfies the same contract.
type Buffer struct {
	data []byte
	n    int // number of valid bytes at data[0:n]
}

// NewBuffer allocates a buffer with the given fixed capacity.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{data: make([]byte, capacity)}
}

// Cap returns the buffer's fixed capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Len returns the number of valid, unconsumed bytes.
func (b *Buffer) Len() int { return b.n }

// Avail returns the free space available for Free/Advance.
func (b *Buffer) Avail() int { return len(b.data) - b.n }

// Empty reports whether the buffer holds no pending bytes.
func (b *Buffer) Empty() bool { return b.n == 0 }

// Full reports whether the buffer has no free space left.
func (b *Buffer) Full() bool { return b.n == len(b.data) }

// Bytes returns a view over the valid bytes data[0:n]. The slice aliases the
// buffer's storage and is only valid until the next Advance or Consume.
func (b *Buffer) Bytes() []byte { return b.data[:b.n] }

// Free returns the writable region data[n:cap] a caller may read a socket
// into directly, avoiding any intermediate copy.
func (b *Buffer) Free() []byte { return b.data[b.n:] }

// Advance marks k additional bytes, just written into the slice returned by
// Free, as valid.
func (b *Buffer) Advance(k int) {
	b.n += k
}

// Consume drops the first k valid bytes, shifting the remainder to the
// front. This is the buffer's compaction step, run after a successful parse
// or a partial/full socket write.
func (b *Buffer) Consume(k int) {
	if k <= 0 {
		return
	}
	if k >= b.n {
		b.n = 0
		return
	}
	copy(b.data, b.data[k:b.n])
	b.n -= k
}

// Append copies p into the buffer's free space, truncating to whatever room
// remains, and returns the number of bytes actually copied.
func (b *Buffer) Append(p []byte) int {
	room := b.Avail()
	if room > len(p) {
		room = len(p)
	}
	copy(b.data[b.n:], p[:room])
	b.n += room
	return room
}

// Reset discards all valid bytes without touching capacity.
func (b *Buffer) Reset() { b.n = 0 }
