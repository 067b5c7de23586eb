package history

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervehq/nerve/internal/common/logger"
)

func newWriter(t *testing.T) (*Writer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sess", "node-1.jsonl")
	w, err := NewWriter(path, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, path
}

func TestWriterSeqDenseFromOne(t *testing.T) {
	w, path := newWriter(t)

	assert.Equal(t, 1, w.LogRun("claude"))
	assert.Equal(t, 2, w.LogWrite("hello\n"))
	assert.Equal(t, 3, w.LogRead("buffer contents", 50))
	assert.Equal(t, 4, w.LogInterrupt("user requested"))
	require.NoError(t, w.Close())

	r, err := NewReader(path, logger.Default())
	require.NoError(t, err)
	entries := r.GetAll()
	require.Len(t, entries, 4)
	for i, e := range entries {
		assert.Equal(t, i+1, e.Seq)
	}
	assert.Equal(t, OpRun, entries[0].Op)
	assert.Equal(t, "claude", entries[0].Input)
	assert.Equal(t, "buffer contents", entries[2].Buffer)
	assert.Equal(t, 50, entries[2].Lines)
	assert.Equal(t, "user requested", entries[3].Reason)
}

func TestWriterSeqRecovery(t *testing.T) {
	w, path := newWriter(t)
	for i := 0; i < 100; i++ {
		require.NotZero(t, w.LogWrite("line"))
	}
	require.NoError(t, w.Close())

	w2, err := NewWriter(path, logger.Default())
	require.NoError(t, err)
	defer w2.Close()

	assert.Equal(t, 101, w2.LogWrite("after reopen"))
}

func TestWriterRecoverySkipsMalformedTail(t *testing.T) {
	w, path := newWriter(t)
	w.LogRun("bash")
	w.LogWrite("echo hi")
	require.NoError(t, w.Close())

	// Simulate a torn write from a crash.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":3,"op":"wri`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, err := NewWriter(path, logger.Default())
	require.NoError(t, err)
	defer w2.Close()
	assert.Equal(t, 3, w2.LogWrite("recovered"))
}

func TestWriterSendRoundTrip(t *testing.T) {
	w, path := newWriter(t)

	readSeq := w.LogRead("before", 10)
	start := time.Now().Add(-2 * time.Second)
	end := time.Now()
	resp := map[string]any{"raw": "output", "is_ready": true}
	seq := w.LogSend("Hello", start, end, resp, readSeq)
	assert.Equal(t, 2, seq)
	require.NoError(t, w.Close())

	r, err := NewReader(path, logger.Default())
	require.NoError(t, err)
	e := r.GetBySeq(seq)
	require.NotNil(t, e)
	assert.Equal(t, OpSend, e.Op)
	assert.Equal(t, "Hello", e.Input)
	assert.Equal(t, readSeq, e.PrecedingBufferSeq)
	assert.NotEmpty(t, e.TSStart)
	assert.NotEmpty(t, e.TSEnd)

	var got map[string]any
	require.NoError(t, json.Unmarshal(e.Response, &got))
	assert.Equal(t, "output", got["raw"])
}

func TestWriterFailSoftAfterClose(t *testing.T) {
	w, _ := newWriter(t)
	require.NoError(t, w.Close())

	assert.Equal(t, 0, w.LogWrite("dropped"))
	assert.Equal(t, 0, w.LogInterrupt("dropped"))
}

func TestReaderQueries(t *testing.T) {
	w, path := newWriter(t)
	w.LogRun("claude")
	w.LogRead("buf", 5)
	w.LogWrite("raw bytes")
	w.LogSendStream("prompt", "tail of buffer", "claude", 2)
	w.LogDelete("shutdown")
	require.NoError(t, w.Close())

	r, err := NewReader(path, logger.Default())
	require.NoError(t, err)

	last := r.GetLast(2)
	require.Len(t, last, 2)
	assert.Equal(t, OpSendStream, last[0].Op)
	assert.Equal(t, OpDelete, last[1].Op)

	reads := r.GetByOp(OpRead)
	require.Len(t, reads, 1)
	assert.Equal(t, 2, reads[0].Seq)

	inputs := r.GetInputsOnly()
	require.Len(t, inputs, 3)
	assert.Equal(t, OpRun, inputs[0].Op)
	assert.Equal(t, OpWrite, inputs[1].Op)
	assert.Equal(t, OpSendStream, inputs[2].Op)

	assert.Nil(t, r.GetBySeq(99))
	assert.Empty(t, r.GetLast(0))
	assert.Len(t, r.GetLast(100), 5)
}

func TestReaderMissingFile(t *testing.T) {
	r, err := NewReader(filepath.Join(t.TempDir(), "absent.jsonl"), logger.Default())
	require.NoError(t, err)
	assert.Empty(t, r.GetAll())
}
