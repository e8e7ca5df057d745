// Package ring provides a fixed-capacity circular buffer of float32
// samples with explicit read and write heads. It backs the sliding
// windows of the wakeword trigger (sample, mel frame, posterior and
// phrase windows), where the reader deliberately lags the writer by a
// configurable overlap.
//
// The buffer is not safe for concurrent use; each instance is owned by
// exactly one pipeline stage.
package ring

import "fmt"

// Buffer is a circular float32 buffer with independent read/write
// positions. A slab of capacity+1 slots disambiguates full from empty:
// the buffer is empty when rpos == wpos and full when the write head is
// one slot behind the read head.
type Buffer struct {
	data []float32
	rpos int
	wpos int
}

// New creates a buffer that holds up to capacity samples.
func New(capacity int) *Buffer {
	if capacity < 0 {
		panic(fmt.Sprintf("ring: negative capacity %d", capacity))
	}
	return &Buffer{data: make([]float32, capacity+1)}
}

// Capacity returns the maximum number of samples the buffer can hold.
func (b *Buffer) Capacity() int {
	return len(b.data) - 1
}

// IsEmpty reports whether no samples are available to read.
func (b *Buffer) IsEmpty() bool {
	return b.rpos == b.wpos
}

// IsFull reports whether no space remains to write.
func (b *Buffer) IsFull() bool {
	return b.pos(b.wpos+1) == b.rpos
}

// Len returns the number of samples currently readable.
func (b *Buffer) Len() int {
	d := b.wpos - b.rpos
	if d < 0 {
		d += len(b.data)
	}
	return d
}

// Read removes and returns the oldest unread sample. Reading an empty
// buffer is a programmer error and panics.
func (b *Buffer) Read() float32 {
	if b.IsEmpty() {
		panic("ring: read from empty buffer")
	}
	v := b.data[b.rpos]
	b.rpos = b.pos(b.rpos + 1)
	return v
}

// Write appends a sample. Writing to a full buffer is a programmer
// error and panics.
func (b *Buffer) Write(v float32) {
	if b.IsFull() {
		panic("ring: write to full buffer")
	}
	b.data[b.wpos] = v
	b.wpos = b.pos(b.wpos + 1)
}

// Rewind repositions the read head at the oldest readable slot, making
// the entire capacity readable again. Valid on a buffer that has been
// filled write-only.
func (b *Buffer) Rewind() {
	b.rpos = b.pos(b.wpos + 1)
}

// Seek advances the read head by n samples. Seeking past the readable
// region, or by a negative amount, is a programmer error and panics.
func (b *Buffer) Seek(n int) {
	if n < 0 {
		panic(fmt.Sprintf("ring: negative seek %d", n))
	}
	if n > b.Len() {
		panic(fmt.Sprintf("ring: seek %d past %d readable samples", n, b.Len()))
	}
	b.rpos = b.pos(b.rpos + n)
}

// Reset marks the buffer empty without touching its contents.
func (b *Buffer) Reset() {
	b.rpos = b.wpos
}

// Fill writes v into every remaining slot until the buffer is full.
func (b *Buffer) Fill(v float32) {
	for !b.IsFull() {
		b.Write(v)
	}
}

func (b *Buffer) pos(x int) int {
	return x % len(b.data)
}
