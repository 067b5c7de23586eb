package node

import (
	"strings"
	"sync"
)

const defaultChunkSize = 64 * 1024

// Buffer accumulates terminal output for the life of a node. It is grow-only
// and chunked, so Tail and Since stay cheap even after hours of output; the
// full contents are never copied unless explicitly requested.
type Buffer struct {
	mu        sync.RWMutex
	chunks    [][]byte
	size      int
	chunkSize int
}

// NewBuffer creates a buffer with the given chunk size. Zero or negative
// picks the default.
func NewBuffer(chunkSize int) *Buffer {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &Buffer{chunkSize: chunkSize}
}

// Append adds output to the buffer.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(p) > 0 {
		if len(b.chunks) == 0 || len(b.chunks[len(b.chunks)-1]) == b.chunkSize {
			b.chunks = append(b.chunks, make([]byte, 0, b.chunkSize))
		}
		last := b.chunks[len(b.chunks)-1]
		n := b.chunkSize - len(last)
		if n > len(p) {
			n = len(p)
		}
		b.chunks[len(b.chunks)-1] = append(last, p[:n]...)
		b.size += n
		p = p[n:]
	}
}

// Len returns the total number of bytes accumulated.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// String returns the full contents.
func (b *Buffer) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var sb strings.Builder
	sb.Grow(b.size)
	for _, c := range b.chunks {
		sb.Write(c)
	}
	return sb.String()
}

// Since returns everything appended at or after the byte offset. Used by the
// terminal node to isolate output produced after an input was sent.
func (b *Buffer) Since(offset int) string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if offset < 0 {
		offset = 0
	}
	if offset >= b.size {
		return ""
	}
	var sb strings.Builder
	sb.Grow(b.size - offset)
	pos := 0
	for _, c := range b.chunks {
		end := pos + len(c)
		if end <= offset {
			pos = end
			continue
		}
		start := 0
		if offset > pos {
			start = offset - pos
		}
		sb.Write(c[start:])
		pos = end
	}
	return sb.String()
}

// Tail returns the last n lines without materializing the whole buffer. It
// walks chunks backwards counting newlines.
func (b *Buffer) Tail(n int) string {
	if n <= 0 {
		return ""
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return ""
	}

	// Find the byte offset where the last n lines begin.
	newlines := 0
	start := -1
	for ci := len(b.chunks) - 1; ci >= 0 && start < 0; ci-- {
		c := b.chunks[ci]
		for i := len(c) - 1; i >= 0; i-- {
			if c[i] != '\n' {
				continue
			}
			// Trailing newline does not start a new line.
			if ci == len(b.chunks)-1 && i == len(c)-1 {
				continue
			}
			newlines++
			if newlines == n {
				start = b.offsetOf(ci, i) + 1
				break
			}
		}
	}
	if start < 0 {
		start = 0
	}
	return b.sinceLocked(start)
}

// offsetOf converts a (chunk, index) pair to a global byte offset. Caller
// holds the lock.
func (b *Buffer) offsetOf(chunk, idx int) int {
	off := 0
	for i := 0; i < chunk; i++ {
		off += len(b.chunks[i])
	}
	return off + idx
}

func (b *Buffer) sinceLocked(offset int) string {
	var sb strings.Builder
	sb.Grow(b.size - offset)
	pos := 0
	for _, c := range b.chunks {
		end := pos + len(c)
		if end <= offset {
			pos = end
			continue
		}
		start := 0
		if offset > pos {
			start = offset - pos
		}
		sb.Write(c[start:])
		pos = end
	}
	return sb.String()
}
