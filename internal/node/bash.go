package node

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/nervehq/nerve/internal/common/errors"
	"github.com/nervehq/nerve/internal/common/logger"
	"github.com/nervehq/nerve/internal/history"
)

// Bash is an ephemeral node that runs each input as a one-shot shell
// command. Execution failures never surface as errors; they populate the
// result so graph steps can inspect exit codes.
type Bash struct {
	base
	cwd     string
	env     []string
	timeout time.Duration

	procMu sync.Mutex
	proc   *os.Process

	interrupted bool
}

// NewBash creates a bash node. Environment entries are KEY=VALUE strings
// appended to the daemon's own environment.
func NewBash(id, cwd string, env []string, timeout time.Duration, hist *history.Writer, log *logger.Logger) *Bash {
	if timeout <= 0 {
		timeout = 1800 * time.Second
	}
	return &Bash{
		base:    newBase(id, KindBash, false, StateReady, log, hist),
		cwd:     cwd,
		env:     env,
		timeout: timeout,
	}
}

// Start is a no-op; bash nodes hold nothing across calls.
func (b *Bash) Start(ctx context.Context) error { return nil }

// Execute runs the input as a shell command, capturing stdout and stderr.
// The returned error is non-nil only for state or parameter problems; the
// command's own failure is reported in the result.
func (b *Bash) Execute(ctx context.Context, ec *ExecContext) (*Result, error) {
	command, ok := ec.Input.(string)
	if !ok {
		return nil, errors.InvalidParams("bash input must be a string")
	}

	if err := b.begin(); err != nil {
		return nil, err
	}
	defer b.finish()

	timeout := ec.Timeout
	if timeout <= 0 {
		timeout = b.timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b.procMu.Lock()
	b.interrupted = false
	b.procMu.Unlock()

	cmd := exec.CommandContext(runCtx, "bash", "-c", command)
	cmd.Dir = b.cwd
	if len(b.env) > 0 {
		cmd.Env = append(os.Environ(), b.env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Orphaned grandchildren holding the output pipes must not block Wait.
	cmd.WaitDelay = 5 * time.Second

	tsStart := time.Now()
	err := cmd.Start()
	if err == nil {
		b.procMu.Lock()
		b.proc = cmd.Process
		b.procMu.Unlock()

		err = cmd.Wait()

		b.procMu.Lock()
		b.proc = nil
		b.procMu.Unlock()
	}

	b.procMu.Lock()
	interrupted := b.interrupted
	b.procMu.Unlock()

	exitCode := 0
	errMsg := ""
	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		exitCode = -1
		errMsg = "command timed out"
	case err != nil:
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			errMsg = err.Error()
		}
	}

	result := &Result{
		Success: err == nil && !interrupted,
		Output:  stdout.String(),
		Error:   errMsg,
		Attributes: map[string]any{
			"stdout":      stdout.String(),
			"stderr":      stderr.String(),
			"exit_code":   exitCode,
			"interrupted": interrupted,
			"command":     command,
		},
	}
	if b.hist != nil {
		b.hist.LogSend(command, tsStart, time.Now(), result, 0)
	}
	return result, nil
}

// Interrupt sends SIGINT to the running child. Safe when none exists.
func (b *Bash) Interrupt() error {
	b.procMu.Lock()
	defer b.procMu.Unlock()
	if b.proc == nil {
		return nil
	}
	b.interrupted = true
	if b.hist != nil {
		b.hist.LogInterrupt("interrupt requested")
	}
	return b.proc.Signal(syscall.SIGINT)
}

// Stop marks the node stopped. Any running child is interrupted first.
func (b *Bash) Stop() error {
	_ = b.Interrupt()
	b.setState(StateStopped)
	if b.hist != nil {
		b.hist.LogDelete("node stopped")
	}
	b.closeHistory()
	return nil
}
