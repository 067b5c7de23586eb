package node

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/nervehq/nerve/internal/common/logger"
)

// Backend owns the low-level terminal a terminal node drives: a child
// process on a PTY, or an attached external multiplexer pane. A reader task
// drains output into the node's buffer continuously.
type Backend interface {
	// Start launches the child and the reader task.
	Start(ctx context.Context) error

	// Write sends bytes to the terminal's input.
	Write(p []byte) error

	// Buffer returns the grow-only output accumulator.
	Buffer() *Buffer

	// Alive reports whether the child is still running.
	Alive() bool

	// Done is closed when the child exits or the backend is closed.
	Done() <-chan struct{}

	// Signal delivers a signal to the child process group.
	Signal(sig os.Signal) error

	// Resize adjusts the terminal dimensions.
	Resize(rows, cols uint16) error

	// Close terminates the child and releases the PTY. Idempotent.
	Close() error
}

// BackendConfig is the common launch configuration.
type BackendConfig struct {
	Command string
	Args    []string
	Cwd     string
	Env     []string
	Rows    uint16
	Cols    uint16

	// BufferChunkSize tunes the output accumulator.
	BufferChunkSize int
}

func (c *BackendConfig) defaults() {
	if c.Command == "" {
		c.Command = "bash"
	}
	if c.Rows == 0 {
		c.Rows = 40
	}
	if c.Cols == 0 {
		c.Cols = 120
	}
}

// ptyBackend runs the child attached to a local pseudo-terminal.
type ptyBackend struct {
	cfg    BackendConfig
	logger *logger.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	file   *os.File
	buf    *Buffer
	done   chan struct{}
	closed bool
}

// NewPTYBackend creates a PTY-hosted backend.
func NewPTYBackend(cfg BackendConfig, log *logger.Logger) Backend {
	cfg.defaults()
	return &ptyBackend{
		cfg:    cfg,
		logger: log,
		buf:    NewBuffer(cfg.BufferChunkSize),
		done:   make(chan struct{}),
	}
}

func (b *ptyBackend) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cmd := exec.Command(b.cfg.Command, b.cfg.Args...)
	cmd.Dir = b.cfg.Cwd
	if len(b.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), b.cfg.Env...)
	}
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")

	file, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: b.cfg.Rows, Cols: b.cfg.Cols})
	if err != nil {
		return err
	}
	b.cmd = cmd
	b.file = file

	go b.readLoop(file)
	go func() {
		// Reap the child so a dead process does not linger as a zombie.
		_ = cmd.Wait()
	}()

	b.logger.Info("pty backend started",
		zap.String("command", b.cfg.Command),
		zap.Int("pid", cmd.Process.Pid))
	return nil
}

// readLoop drains the PTY into the buffer until the child exits.
func (b *ptyBackend) readLoop(file *os.File) {
	defer close(b.done)

	chunk := make([]byte, 4096)
	for {
		n, err := file.Read(chunk)
		if n > 0 {
			b.buf.Append(chunk[:n])
		}
		if err != nil {
			// EIO is the normal PTY close signal on Linux.
			b.logger.Debug("pty reader finished", zap.Error(err))
			return
		}
	}
}

func (b *ptyBackend) Write(p []byte) error {
	b.mu.Lock()
	file := b.file
	b.mu.Unlock()
	if file == nil {
		return os.ErrClosed
	}
	_, err := file.Write(p)
	return err
}

func (b *ptyBackend) Buffer() *Buffer { return b.buf }

func (b *ptyBackend) Done() <-chan struct{} { return b.done }

func (b *ptyBackend) Alive() bool {
	select {
	case <-b.done:
		return false
	default:
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cmd != nil && b.cmd.Process != nil
}

func (b *ptyBackend) Signal(sig os.Signal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cmd == nil || b.cmd.Process == nil {
		return nil
	}
	return b.cmd.Process.Signal(sig)
}

func (b *ptyBackend) Resize(rows, cols uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file == nil {
		return os.ErrClosed
	}
	return pty.Setsize(b.file, &pty.Winsize{Rows: rows, Cols: cols})
}

func (b *ptyBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	if b.cmd != nil && b.cmd.Process != nil {
		_ = b.cmd.Process.Signal(syscall.SIGTERM)
	}
	if b.file != nil {
		_ = b.file.Close()
		b.file = nil
	}
	return nil
}
