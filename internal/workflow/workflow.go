// Package workflow implements imperative orchestrations over session nodes
// and graphs. A workflow is a user-supplied function that can pause at gates
// for external input without blocking the daemon, and can compose other
// workflows as child runs.
package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nervehq/nerve/internal/common/logger"
	"github.com/nervehq/nerve/internal/node"
)

// Event types emitted on a run's stream.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCancelled = "workflow_cancelled"
	EventGateWaiting       = "gate_waiting"
	EventGateAnswered      = "gate_answered"
	EventGateTimeout       = "gate_timeout"
	EventGateCancelled     = "gate_cancelled"
	EventNodeStarted       = "node_started"
	EventNodeCompleted     = "node_completed"
	EventNodeTimeout       = "node_timeout"
	EventNodeError         = "node_error"

	// NestedPrefix namespaces child-run events forwarded onto a parent's
	// stream.
	NestedPrefix = "nested:"
)

// Func is the user-supplied body of a workflow.
type Func func(ctx *Context) (any, error)

// Target is what a workflow needs from its owning session: entity resolution
// and the active-run registry. Defined here so the session package can depend
// on workflows without a cycle.
type Target interface {
	ResolveNode(id string) (node.Node, error)
	ResolveGraph(id string) (node.Node, error)
	ResolveWorkflow(id string) (*Workflow, error)
	RegisterRun(r *Run)
	UnregisterRun(runID string)
}

// Workflow is a named, registered orchestration.
type Workflow struct {
	id     string
	fn     Func
	logger *logger.Logger
}

// New registers a workflow body under an id.
func New(id string, fn Func, log *logger.Logger) *Workflow {
	return &Workflow{id: id, fn: fn, logger: log}
}

// ID returns the workflow's identifier.
func (w *Workflow) ID() string { return w.id }

// Start launches one run of the workflow and returns its handle immediately.
// The callback, when set, receives every event fire-and-forget.
func (w *Workflow) Start(parent context.Context, target Target, input any, params map[string]any, callback func(Event)) *Run {
	runCtx, cancel := context.WithCancel(parent)
	r := &Run{
		id:         uuid.NewString(),
		workflowID: w.id,
		state:      RunPending,
		startedAt:  time.Now(),
		callback:   callback,
		cancel:     cancel,
		done:       make(chan struct{}),
		logger:     w.logger,
	}
	target.RegisterRun(r)

	ctx := &Context{
		ctx:     runCtx,
		run:     r,
		Session: target,
		Input:   input,
		Params:  params,
		State:   make(map[string]any),
	}

	go func() {
		defer target.UnregisterRun(r.id)
		defer cancel()

		r.setState(RunRunning)
		r.emit(EventWorkflowStarted, map[string]any{"input": input})

		result, err := w.fn(ctx)

		switch {
		case runCtx.Err() != nil:
			r.complete(RunCancelled, nil, runCtx.Err())
			r.emit(EventWorkflowCancelled, nil)
		case err != nil:
			r.complete(RunFailed, nil, err)
			r.emit(EventWorkflowFailed, map[string]any{"error": err.Error()})
			w.logger.Warn("workflow run failed",
				zap.String("workflow_id", w.id),
				zap.String("run_id", r.id),
				zap.Error(err))
		default:
			r.complete(RunCompleted, result, nil)
			r.emit(EventWorkflowCompleted, map[string]any{"result": result})
		}
		close(r.done)
	}()
	return r
}
