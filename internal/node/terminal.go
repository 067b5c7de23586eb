package node

import (
	"context"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nervehq/nerve/internal/common/errors"
	"github.com/nervehq/nerve/internal/common/logger"
	"github.com/nervehq/nerve/internal/history"
	"github.com/nervehq/nerve/internal/parser"
)

// readSnapshotLines is how many trailing lines a deferred or preceding read
// snapshot captures.
const readSnapshotLines = 50

// TerminalOptions tune the readiness polling loop.
type TerminalOptions struct {
	// DefaultParser applies when a call does not override it.
	DefaultParser string

	// ExecTimeout bounds Execute when the call carries no timeout.
	ExecTimeout time.Duration

	// PollInterval is the readiness sampling period.
	PollInterval time.Duration

	// ReadyDebounce is how many consecutive ready polls are required.
	ReadyDebounce int

	// PostReadyGrace is the settle delay after the debounce passes, so a
	// trailing repaint does not truncate the parsed response.
	PostReadyGrace time.Duration
}

func (o *TerminalOptions) defaults() {
	if o.ExecTimeout <= 0 {
		o.ExecTimeout = 1800 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 300 * time.Millisecond
	}
	if o.ReadyDebounce <= 0 {
		o.ReadyDebounce = 2
	}
	if o.PostReadyGrace <= 0 {
		o.PostReadyGrace = 500 * time.Millisecond
	}
}

// Terminal is a persistent node around one interactive child on a PTY or
// WezTerm pane. The buffer grows for the node's whole life; Execute isolates
// one exchange by remembering the buffer length before writing and parsing
// only the suffix.
type Terminal struct {
	base
	backend Backend
	opts    TerminalOptions

	opMu         sync.Mutex
	lastReadSeq  int
	needsCapture bool
}

// NewTerminal creates a terminal node. Call Start before executing.
func NewTerminal(id string, backend Backend, opts TerminalOptions, hist *history.Writer, log *logger.Logger) *Terminal {
	opts.defaults()
	t := &Terminal{
		base:    newBase(id, KindTerminal, true, StateCreated, log, hist),
		backend: backend,
		opts:    opts,
	}
	t.SetMetadata("parser", opts.DefaultParser)
	return t
}

// Start launches the backend and begins watching for child exit.
func (t *Terminal) Start(ctx context.Context) error {
	t.setState(StateStarting)
	if err := t.backend.Start(ctx); err != nil {
		t.setState(StateError)
		return errors.NodeFailed(t.id, err.Error())
	}
	t.setState(StateReady)

	go func() {
		<-t.backend.Done()
		t.mu.Lock()
		if t.state != StateStopped {
			t.state = StateError
			t.logger.Warn("terminal child exited unexpectedly")
		}
		t.mu.Unlock()
	}()
	return nil
}

// Execute sends input and waits until the parser reports the CLI ready on
// two consecutive polls, then parses the suffix produced since the write.
// On timeout the node stays Busy pending an Interrupt.
func (t *Terminal) Execute(ctx context.Context, ec *ExecContext) (*Result, error) {
	input, ok := ec.Input.(string)
	if !ok {
		return nil, errors.InvalidParams("terminal input must be a string")
	}

	parserName := ec.Parser
	if parserName == "" {
		parserName = t.opts.DefaultParser
	}
	p, err := parser.Get(parserName)
	if err != nil {
		return nil, errors.InvalidParams(err.Error())
	}

	if err := t.begin(); err != nil {
		return nil, err
	}

	t.captureDeferredRead()
	precedingSeq := t.precedingReadSeq()

	mark := t.backend.Buffer().Len()
	tsStart := time.Now()

	if err := t.submit(input, p.Name()); err != nil {
		t.setState(StateError)
		return nil, errors.NodeFailed(t.id, err.Error())
	}

	timeout := ec.Timeout
	if timeout <= 0 {
		timeout = t.opts.ExecTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()

	consecutive := 0
	for {
		select {
		case <-ctx.Done():
			t.finish()
			return nil, errors.Cancelled("execute on node " + t.id)
		case <-t.backend.Done():
			// Stop closes the backend after flipping the state, so a Done
			// during execute on a Stopped node is a deliberate shutdown, not
			// a crashed child.
			if t.State() == StateStopped {
				return nil, errors.Cancelled("execute on node " + t.id)
			}
			t.setState(StateError)
			return nil, errors.NodeFailed(t.id, "child process exited during execute")
		case <-deadline.C:
			// Busy is deliberate: the CLI may still be generating, and an
			// interrupt is the caller's call.
			return nil, errors.Timeout("execute on node " + t.id)
		case <-ticker.C:
		}

		window := t.backend.Buffer().Since(mark)
		if !p.IsReady(window) {
			consecutive = 0
			continue
		}
		consecutive++
		if consecutive < t.opts.ReadyDebounce {
			continue
		}

		time.Sleep(t.opts.PostReadyGrace)
		resp := p.Parse(t.backend.Buffer().Since(mark))
		t.finish()

		if t.hist != nil {
			t.hist.LogSend(input, tsStart, time.Now(), resp, precedingSeq)
		}
		return &Result{
			Success: true,
			Output:  resp,
			Attributes: map[string]any{
				"parser": p.Name(),
				"tokens": resp.Tokens,
			},
		}, nil
	}
}

// submit writes the input with the dialect's submit sequence. Sigil CLIs in
// vim-style input mode need the insert/escape dance; everything else gets a
// plain newline.
func (t *Terminal) submit(input, parserName string) error {
	switch parserName {
	case "claude", "gemini":
		if err := t.backend.Write([]byte("i")); err != nil {
			return err
		}
		time.Sleep(200 * time.Millisecond)
		if err := t.backend.Write([]byte(input)); err != nil {
			return err
		}
		time.Sleep(500 * time.Millisecond)
		if err := t.backend.Write([]byte{0x1b}); err != nil {
			return err
		}
		time.Sleep(500 * time.Millisecond)
		return t.backend.Write([]byte("\r"))
	default:
		return t.backend.Write([]byte(input + "\n"))
	}
}

// Run starts a program inside the terminal without waiting for output.
func (t *Terminal) Run(command string) error {
	if err := t.begin(); err != nil {
		return err
	}
	defer t.finish()

	if err := t.backend.Write([]byte(command + "\n")); err != nil {
		t.setState(StateError)
		return errors.NodeFailed(t.id, err.Error())
	}
	if t.hist != nil {
		t.hist.LogRun(command)
	}
	t.markCaptureNeeded()
	return nil
}

// WriteRaw sends bytes verbatim, no submit sequence.
func (t *Terminal) WriteRaw(data string) error {
	if err := t.begin(); err != nil {
		return err
	}
	defer t.finish()

	if err := t.backend.Write([]byte(data)); err != nil {
		t.setState(StateError)
		return errors.NodeFailed(t.id, err.Error())
	}
	if t.hist != nil {
		t.hist.LogWrite(data)
	}
	t.markCaptureNeeded()
	return nil
}

// ReadBuffer snapshots the full accumulated output.
func (t *Terminal) ReadBuffer() string {
	text := t.backend.Buffer().String()
	t.logRead(text, strings.Count(text, "\n")+1)
	return text
}

// ReadTail snapshots the last n lines without copying the whole buffer.
func (t *Terminal) ReadTail(n int) string {
	text := t.backend.Buffer().Tail(n)
	t.logRead(text, n)
	return text
}

// Interrupt asks the child to stop generating: escape for sigil CLIs, ^C for
// plain shells. Safe while an Execute is polling; the execute observes the
// resulting readiness or exit.
func (t *Terminal) Interrupt() error {
	var err error
	switch t.opts.DefaultParser {
	case "claude", "gemini":
		err = t.backend.Write([]byte{0x1b})
	default:
		err = t.backend.Write([]byte{0x03})
	}
	if t.hist != nil {
		t.hist.LogInterrupt("interrupt requested")
	}
	return err
}

// Stop terminates the child and closes the history file. Idempotent.
func (t *Terminal) Stop() error {
	t.mu.Lock()
	if t.state == StateStopped {
		t.mu.Unlock()
		return nil
	}
	t.state = StateStopped
	t.mu.Unlock()

	if t.hist != nil {
		t.hist.LogDelete("node stopped")
	}
	err := t.backend.Close()
	t.closeHistory()
	t.logger.Info("terminal node stopped", zap.Error(err))
	return err
}

// Signal forwards a signal to the child process group.
func (t *Terminal) Signal(sig syscall.Signal) error {
	return t.backend.Signal(sig)
}

// markCaptureNeeded flags that the next operation should snapshot the buffer
// first, so fire-and-forget writes still get their output recorded.
func (t *Terminal) markCaptureNeeded() {
	t.opMu.Lock()
	t.needsCapture = true
	t.opMu.Unlock()
}

func (t *Terminal) captureDeferredRead() {
	t.opMu.Lock()
	needed := t.needsCapture
	t.needsCapture = false
	t.opMu.Unlock()
	if !needed {
		return
	}
	text := t.backend.Buffer().Tail(readSnapshotLines)
	t.logRead(text, readSnapshotLines)
}

func (t *Terminal) logRead(text string, lines int) {
	if t.hist == nil {
		return
	}
	if seq := t.hist.LogRead(text, lines); seq > 0 {
		t.opMu.Lock()
		t.lastReadSeq = seq
		t.opMu.Unlock()
	}
}

func (t *Terminal) precedingReadSeq() int {
	t.opMu.Lock()
	defer t.opMu.Unlock()
	return t.lastReadSeq
}
