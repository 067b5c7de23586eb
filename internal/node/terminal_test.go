package node

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervehq/nerve/internal/common/errors"
	"github.com/nervehq/nerve/internal/common/logger"
	"github.com/nervehq/nerve/internal/history"
)

// fakeBackend is a scriptable Backend: writes are recorded and may trigger
// canned output appended to the buffer.
type fakeBackend struct {
	mu      sync.Mutex
	buf     *Buffer
	done    chan struct{}
	writes  []string
	onWrite func(input string)
	closed  bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{buf: NewBuffer(0), done: make(chan struct{})}
}

func (f *fakeBackend) Start(ctx context.Context) error { return nil }

func (f *fakeBackend) Write(p []byte) error {
	f.mu.Lock()
	f.writes = append(f.writes, string(p))
	cb := f.onWrite
	f.mu.Unlock()
	if cb != nil {
		cb(string(p))
	}
	return nil
}

func (f *fakeBackend) Buffer() *Buffer         { return f.buf }
func (f *fakeBackend) Done() <-chan struct{}   { return f.done }
func (f *fakeBackend) Alive() bool             { return !f.closed }
func (f *fakeBackend) Signal(os.Signal) error  { return nil }
func (f *fakeBackend) Resize(_, _ uint16) error { return nil }

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	return nil
}

func (f *fakeBackend) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func fastOptions(parserName string) TerminalOptions {
	return TerminalOptions{
		DefaultParser:  parserName,
		ExecTimeout:    5 * time.Second,
		PollInterval:   10 * time.Millisecond,
		ReadyDebounce:  2,
		PostReadyGrace: 10 * time.Millisecond,
	}
}

func TestTerminalExecuteParsesSuffix(t *testing.T) {
	fb := newFakeBackend()
	fb.buf.Append([]byte("old scrollback that must not leak\n"))

	fb.onWrite = func(input string) {
		if strings.HasSuffix(input, "\n") {
			fb.buf.Append([]byte("the answer is 4\n│ > \n"))
		}
	}

	term := NewTerminal("t", fb, fastOptions("claude"), nil, logger.Default())
	require.NoError(t, term.Start(context.Background()))

	res, err := term.Execute(context.Background(), &ExecContext{
		Input:  "what is 2+2?",
		Parser: "none",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, StateReady, term.State())

	// The submit for the none parser is input plus newline.
	writes := fb.written()
	require.NotEmpty(t, writes)
	assert.Equal(t, "what is 2+2?\n", writes[0])
}

func TestTerminalExecuteClaudeSubmitSequence(t *testing.T) {
	fb := newFakeBackend()
	var once sync.Once
	fb.onWrite = func(input string) {
		if input == "\r" {
			once.Do(func() {
				fb.buf.Append([]byte("∴ Thinking\nworking it out\n\ndone\n│ > \n"))
			})
		}
	}

	term := NewTerminal("t", fb, fastOptions("claude"), nil, logger.Default())
	require.NoError(t, term.Start(context.Background()))

	res, err := term.Execute(context.Background(), &ExecContext{Input: "hello"})
	require.NoError(t, err)
	assert.True(t, res.Success)

	writes := fb.written()
	require.Len(t, writes, 4)
	assert.Equal(t, "i", writes[0])
	assert.Equal(t, "hello", writes[1])
	assert.Equal(t, "\x1b", writes[2])
	assert.Equal(t, "\r", writes[3])
}

func TestTerminalExecuteTimeoutLeavesBusy(t *testing.T) {
	fb := newFakeBackend()
	term := NewTerminal("t", fb, fastOptions("none"), nil, logger.Default())
	require.NoError(t, term.Start(context.Background()))

	_, err := term.Execute(context.Background(), &ExecContext{
		Input:   "never answered",
		Parser:  "claude",
		Timeout: 100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Equal(t, errors.CodeTimeout, errors.Code(err))
	assert.Equal(t, StateBusy, term.State())
}

func TestTerminalExecuteBusyContention(t *testing.T) {
	fb := newFakeBackend()
	term := NewTerminal("t", fb, fastOptions("none"), nil, logger.Default())
	require.NoError(t, term.Start(context.Background()))

	go term.Execute(context.Background(), &ExecContext{
		Input:  "long",
		Parser: "claude",
	})
	assert.Eventually(t, func() bool { return term.State() == StateBusy }, time.Second, 5*time.Millisecond)

	_, err := term.Execute(context.Background(), &ExecContext{Input: "contender"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeNodeBusy, errors.Code(err))

	require.NoError(t, term.Stop())
}

func TestTerminalExecuteCancelled(t *testing.T) {
	fb := newFakeBackend()
	term := NewTerminal("t", fb, fastOptions("none"), nil, logger.Default())
	require.NoError(t, term.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := term.Execute(ctx, &ExecContext{Input: "x", Parser: "claude"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeCancelled, errors.Code(err))
}

func TestTerminalStopDuringExecute(t *testing.T) {
	fb := newFakeBackend()
	term := NewTerminal("t", fb, fastOptions("claude"), nil, logger.Default())
	require.NoError(t, term.Start(context.Background()))

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = term.Stop()
	}()

	// The claude parser never reports ready without a prompt, so the execute
	// is still polling when the stop lands.
	_, err := term.Execute(context.Background(), &ExecContext{Input: "x"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeCancelled, errors.Code(err))
	assert.Equal(t, StateStopped, term.State())
}

func TestTerminalChildExitDuringExecute(t *testing.T) {
	fb := newFakeBackend()
	term := NewTerminal("t", fb, fastOptions("none"), nil, logger.Default())
	require.NoError(t, term.Start(context.Background()))

	go func() {
		time.Sleep(50 * time.Millisecond)
		fb.mu.Lock()
		fb.closed = true
		close(fb.done)
		fb.mu.Unlock()
	}()

	_, err := term.Execute(context.Background(), &ExecContext{Input: "x", Parser: "claude"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeNodeError, errors.Code(err))
	assert.Equal(t, StateError, term.State())
}

func TestTerminalRunAndDeferredCapture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.jsonl")
	hist, err := history.NewWriter(path, logger.Default())
	require.NoError(t, err)

	fb := newFakeBackend()
	fb.onWrite = func(input string) {
		fb.buf.Append([]byte("$ " + input))
	}
	term := NewTerminal("t", fb, fastOptions("none"), hist, logger.Default())
	require.NoError(t, term.Start(context.Background()))

	require.NoError(t, term.Run("claude"))
	assert.Contains(t, fb.written(), "claude\n")

	// The next operation snapshots the buffer before acting.
	tail := term.ReadTail(10)
	assert.Contains(t, tail, "claude")
	require.NoError(t, term.Stop())

	r, err := history.NewReader(path, logger.Default())
	require.NoError(t, err)
	entries := r.GetAll()
	require.GreaterOrEqual(t, len(entries), 3)
	assert.Equal(t, history.OpRun, entries[0].Op)
	assert.Equal(t, "claude", entries[0].Input)
	assert.Equal(t, history.OpRead, entries[1].Op)
}

func TestTerminalWriteRawReadTailRoundTrip(t *testing.T) {
	fb := newFakeBackend()
	fb.onWrite = func(input string) {
		fb.buf.Append([]byte(input))
	}
	term := NewTerminal("t", fb, fastOptions("none"), nil, logger.Default())
	require.NoError(t, term.Start(context.Background()))

	require.NoError(t, term.WriteRaw("marker-xyz\n"))
	tail := term.ReadTail(5)
	assert.Contains(t, tail, "marker-xyz")
}

func TestTerminalStopIdempotent(t *testing.T) {
	fb := newFakeBackend()
	term := NewTerminal("t", fb, fastOptions("none"), nil, logger.Default())
	require.NoError(t, term.Start(context.Background()))

	require.NoError(t, term.Stop())
	require.NoError(t, term.Stop())
	assert.Equal(t, StateStopped, term.State())

	_, err := term.Execute(context.Background(), &ExecContext{Input: "x"})
	assert.Equal(t, errors.CodeNodeStopped, errors.Code(err))
}

func TestTerminalScreenRendersEmulatedView(t *testing.T) {
	fb := newFakeBackend()
	term := NewTerminal("t", fb, fastOptions("none"), nil, logger.Default())
	require.NoError(t, term.Start(context.Background()))

	// Carriage-return overwrite: the raw buffer keeps both, the screen only
	// the second.
	fb.buf.Append([]byte("progress 10%\rprogress 99%\r\n"))

	screen := term.Screen(80, 24)
	assert.Contains(t, screen, "progress 99%")
	assert.NotContains(t, screen, "progress 10%")
}
