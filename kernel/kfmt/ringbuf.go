package kfmt

import "io"

// earlyBufferSize is the capacity of the buffer that holds Printf output
// produced before a console is attached. It must be a power of 2.
const earlyBufferSize = 4096

// ringBuffer is a fixed size FIFO. When full, new writes overwrite the oldest
// bytes so that the most recent output is always retained.
type ringBuffer struct {
	data  [earlyBufferSize]byte
	start int
	count int
}

// Write appends p to the buffer, discarding the oldest bytes if needed. It
// always reports that len(p) bytes were written.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.data[(rb.start+rb.count)&(earlyBufferSize-1)] = b
		if rb.count == earlyBufferSize {
			rb.start = (rb.start + 1) & (earlyBufferSize - 1)
			continue
		}
		rb.count++
	}

	return len(p), nil
}

// Read drains up to len(p) buffered bytes into p. It returns io.EOF once the
// buffer is empty.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.count == 0 {
		return 0, io.EOF
	}

	n := 0
	for n < len(p) && rb.count > 0 {
		p[n] = rb.data[rb.start]
		rb.start = (rb.start + 1) & (earlyBufferSize - 1)
		rb.count--
		n++
	}

	return n, nil
}

// Len returns the number of buffered bytes.
func (rb *ringBuffer) Len() int {
	return rb.count
}
