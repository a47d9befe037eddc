package protocol

import "io"

// DefaultBufferSize is the receive buffer capacity of a connection slot.
const DefaultBufferSize = 1500

// Buffer is a fixed-capacity receive buffer. Unread bytes live in
// data[r:w]; Compact moves them to offset 0 so a new frame always starts at
// the beginning of the buffer.
type Buffer struct {
	data []byte
	r, w int
}

// NewBuffer allocates a buffer holding at most size bytes.
func NewBuffer(size int) *Buffer {
	return &Buffer{data: make([]byte, size)}
}

// Fill performs exactly one Read into the free tail of the buffer.
func (b *Buffer) Fill(r io.Reader) (int, error) {
	if b.Free() == 0 {
		return 0, ErrBufferFull
	}
	n, err := r.Read(b.data[b.w:])
	b.w += n
	return n, err
}

// Write appends p to the buffer. It fails without writing if p does not fit.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) > b.Free() {
		return 0, ErrBufferFull
	}
	n := copy(b.data[b.w:], p)
	b.w += n
	return n, nil
}

// Bytes returns the unread bytes. The slice aliases the buffer and is valid
// until the next mutating call.
func (b *Buffer) Bytes() []byte {
	return b.data[b.r:b.w]
}

// Consume marks the first n unread bytes as processed.
func (b *Buffer) Consume(n int) {
	if n > b.Len() {
		n = b.Len()
	}
	b.r += n
	if b.r == b.w {
		b.r, b.w = 0, 0
	}
}

// Compact shifts the unread bytes to the start of the buffer.
func (b *Buffer) Compact() {
	if b.r == 0 {
		return
	}
	n := copy(b.data, b.data[b.r:b.w])
	b.r, b.w = 0, n
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	return b.w - b.r
}

// Free returns the space left for the next read.
func (b *Buffer) Free() int {
	return len(b.data) - b.w
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Reset discards all buffered bytes.
func (b *Buffer) Reset() {
	b.r, b.w = 0, 0
}
