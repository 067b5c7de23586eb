package node

import (
	"context"
	"fmt"

	"github.com/nervehq/nerve/internal/common/logger"
)

// Func is the callable a function node wraps.
type Func func(ctx context.Context, input any) (any, error)

// Function is an ephemeral node around an in-process callable, provided for
// composition in graphs.
type Function struct {
	base
	fn Func
}

// NewFunction creates a function node.
func NewFunction(id string, fn Func, log *logger.Logger) *Function {
	return &Function{
		base: newBase(id, KindFunction, false, StateReady, log, nil),
		fn:   fn,
	}
}

// Start is a no-op.
func (f *Function) Start(ctx context.Context) error { return nil }

// Execute invokes the callable. A returned error becomes a failed result
// rather than propagating, matching the bash node's behavior.
func (f *Function) Execute(ctx context.Context, ec *ExecContext) (*Result, error) {
	if err := f.begin(); err != nil {
		return nil, err
	}
	defer f.finish()

	runCtx := ctx
	if ec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, ec.Timeout)
		defer cancel()
	}

	out, err := f.fn(runCtx, ec.Input)
	if err != nil {
		return &Result{Success: false, Error: fmt.Sprint(err)}, nil
	}
	return &Result{Success: true, Output: out}, nil
}

// Interrupt has nothing to signal.
func (f *Function) Interrupt() error { return nil }

// Stop marks the node stopped.
func (f *Function) Stop() error {
	f.setState(StateStopped)
	return nil
}
