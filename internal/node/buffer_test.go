package node

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferAppendAcrossChunks(t *testing.T) {
	b := NewBuffer(8)
	b.Append([]byte("hello "))
	b.Append([]byte("world, this spans chunks"))

	assert.Equal(t, "hello world, this spans chunks", b.String())
	assert.Equal(t, 30, b.Len())
}

func TestBufferSince(t *testing.T) {
	b := NewBuffer(4)
	b.Append([]byte("before|"))
	mark := b.Len()
	b.Append([]byte("after"))

	assert.Equal(t, "after", b.Since(mark))
	assert.Equal(t, "before|after", b.Since(0))
	assert.Equal(t, "before|after", b.Since(-1))
	assert.Equal(t, "", b.Since(b.Len()))
}

func TestBufferTail(t *testing.T) {
	b := NewBuffer(16)
	b.Append([]byte("one\ntwo\nthree\nfour\n"))

	assert.Equal(t, "four\n", b.Tail(1))
	assert.Equal(t, "three\nfour\n", b.Tail(2))
	assert.Equal(t, "one\ntwo\nthree\nfour\n", b.Tail(10))
	assert.Equal(t, "", b.Tail(0))
}

func TestBufferTailNoTrailingNewline(t *testing.T) {
	b := NewBuffer(16)
	b.Append([]byte("one\ntwo\nthree"))

	assert.Equal(t, "three", b.Tail(1))
	assert.Equal(t, "two\nthree", b.Tail(2))
}

func TestBufferTailLargeInput(t *testing.T) {
	b := NewBuffer(64)
	var want []string
	for i := 0; i < 1000; i++ {
		line := strings.Repeat("x", i%40) + "\n"
		b.Append([]byte(line))
		want = append(want, line)
	}
	got := b.Tail(5)
	assert.Equal(t, strings.Join(want[995:], ""), got)
}
