package node

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nervehq/nerve/internal/common/logger"
)

// weztermPollInterval is how often the attached pane's text is sampled.
const weztermPollInterval = 250 * time.Millisecond

// weztermBackend drives a pane in an external WezTerm multiplexer via its
// control CLI. Same Backend contract as the PTY: output is sampled by
// polling pane text and only the new suffix is appended, keeping the buffer
// grow-only.
type weztermBackend struct {
	cfg    BackendConfig
	logger *logger.Logger

	mu       sync.Mutex
	paneID   string
	buf      *Buffer
	done     chan struct{}
	stop     chan struct{}
	lastText string
	closed   bool
}

// NewWezTermBackend creates a backend attached to a new WezTerm pane running
// the configured command.
func NewWezTermBackend(cfg BackendConfig, log *logger.Logger) Backend {
	cfg.defaults()
	return &weztermBackend{
		cfg:    cfg,
		logger: log,
		buf:    NewBuffer(cfg.BufferChunkSize),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
}

func (b *weztermBackend) Start(ctx context.Context) error {
	args := []string{"cli", "spawn"}
	if b.cfg.Cwd != "" {
		args = append(args, "--cwd", b.cfg.Cwd)
	}
	args = append(args, "--", b.cfg.Command)
	args = append(args, b.cfg.Args...)

	out, err := b.run(ctx, args...)
	if err != nil {
		return fmt.Errorf("wezterm spawn: %w", err)
	}
	paneID := strings.TrimSpace(out)
	if _, err := strconv.Atoi(paneID); err != nil {
		return fmt.Errorf("wezterm spawn: unexpected pane id %q", paneID)
	}

	b.mu.Lock()
	b.paneID = paneID
	b.mu.Unlock()

	go b.pollLoop()

	b.logger.Info("wezterm backend started",
		zap.String("pane_id", paneID),
		zap.String("command", b.cfg.Command))
	return nil
}

// pollLoop samples the pane text and appends only what changed since the
// previous sample.
func (b *weztermBackend) pollLoop() {
	defer close(b.done)

	ticker := time.NewTicker(weztermPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
		}

		b.mu.Lock()
		paneID := b.paneID
		b.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		text, err := b.run(ctx, "cli", "get-text", "--pane-id", paneID)
		cancel()
		if err != nil {
			// Pane gone means the child exited.
			b.logger.Debug("wezterm pane poll failed", zap.Error(err))
			return
		}
		b.appendDelta(text)
	}
}

// appendDelta appends the part of the sampled text that extends the previous
// sample. When the pane scrolled past the overlap, the full sample is
// appended rather than losing it.
func (b *weztermBackend) appendDelta(text string) {
	b.mu.Lock()
	prev := b.lastText
	b.lastText = text
	b.mu.Unlock()

	if text == prev {
		return
	}
	if prev != "" && strings.HasPrefix(text, prev) {
		b.buf.Append([]byte(text[len(prev):]))
		return
	}
	// Try to realign on the tail of the previous sample.
	if prev != "" {
		tail := prev
		if len(tail) > 512 {
			tail = tail[len(tail)-512:]
		}
		if idx := strings.LastIndex(text, tail); idx >= 0 {
			b.buf.Append([]byte(text[idx+len(tail):]))
			return
		}
	}
	b.buf.Append([]byte(text))
}

func (b *weztermBackend) Write(p []byte) error {
	b.mu.Lock()
	paneID := b.paneID
	closed := b.closed
	b.mu.Unlock()
	if closed || paneID == "" {
		return os.ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "wezterm", "cli", "send-text", "--pane-id", paneID, "--no-paste")
	cmd.Stdin = bytes.NewReader(p)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("wezterm send-text: %w: %s", err, stderr.String())
	}
	return nil
}

func (b *weztermBackend) Buffer() *Buffer { return b.buf }

func (b *weztermBackend) Done() <-chan struct{} { return b.done }

func (b *weztermBackend) Alive() bool {
	select {
	case <-b.done:
		return false
	default:
		return true
	}
}

// Signal is approximated by sending the control character for SIGINT; the
// multiplexer owns the real process.
func (b *weztermBackend) Signal(sig os.Signal) error {
	return b.Write([]byte{0x03})
}

// Resize is owned by the multiplexer UI, not this backend.
func (b *weztermBackend) Resize(rows, cols uint16) error { return nil }

func (b *weztermBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	paneID := b.paneID
	close(b.stop)
	b.mu.Unlock()

	if paneID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := b.run(ctx, "cli", "kill-pane", "--pane-id", paneID)
	return err
}

func (b *weztermBackend) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "wezterm", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %s", err, stderr.String())
	}
	return stdout.String(), nil
}
