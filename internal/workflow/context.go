package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nervehq/nerve/internal/common/errors"
	"github.com/nervehq/nerve/internal/node"
)

// Context is the API handed to a workflow body. State persists across the
// run's iterations; Input and Params are the run's launch arguments.
type Context struct {
	ctx context.Context
	run *Run

	// Session resolves the nodes, graphs, and workflows this run composes.
	Session Target

	Input  any
	Params map[string]any
	State  map[string]any
}

// Ctx exposes the run's cancellation context for user code that makes its
// own blocking calls.
func (c *Context) Ctx() context.Context { return c.ctx }

// RunID identifies this run.
func (c *Context) RunID() string { return c.run.id }

// Run dispatches one node and returns its result.
func (c *Context) Run(nodeID string, input any, timeout time.Duration) (*node.Result, error) {
	n, err := c.Session.ResolveNode(nodeID)
	if err != nil {
		return nil, err
	}
	return c.dispatch(nodeID, n, input, timeout)
}

// RunGraph executes one registered graph and returns its aggregate result.
func (c *Context) RunGraph(graphID string, input any, timeout time.Duration) (*node.Result, error) {
	g, err := c.Session.ResolveGraph(graphID)
	if err != nil {
		return nil, err
	}
	return c.dispatch(graphID, g, input, timeout)
}

func (c *Context) dispatch(id string, n node.Node, input any, timeout time.Duration) (*node.Result, error) {
	c.run.emit(EventNodeStarted, map[string]any{"node_id": id})

	res, err := n.Execute(c.ctx, &node.ExecContext{
		Input:   input,
		Timeout: timeout,
		Nodes:   c.Session,
		ExecID:  c.run.id,
	})
	switch {
	case err != nil && errors.Is(err, errors.CodeTimeout):
		c.run.emit(EventNodeTimeout, map[string]any{"node_id": id})
		return nil, err
	case err != nil:
		c.run.emit(EventNodeError, map[string]any{"node_id": id, "error": err.Error()})
		return nil, err
	default:
		c.run.emit(EventNodeCompleted, map[string]any{"node_id": id, "result": res})
		return res, nil
	}
}

// RunWorkflow composes another workflow as a child run. Child events are
// forwarded onto this run's stream under nested:<type>; cancellation
// propagates parent to child through the shared context.
func (c *Context) RunWorkflow(workflowID string, input any, timeout time.Duration, params map[string]any) (any, error) {
	w, err := c.Session.ResolveWorkflow(workflowID)
	if err != nil {
		return nil, err
	}

	child := w.Start(c.ctx, c.Session, input, params, func(ev Event) {
		c.run.emit(NestedPrefix+ev.EventType, map[string]any{
			"run_id":      ev.RunID,
			"workflow_id": ev.WorkflowID,
			"data":        ev.Data,
		})
	})

	waitCtx := c.ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(c.ctx, timeout)
		defer cancel()
	}
	result, err := child.Wait(waitCtx)
	if err != nil && waitCtx.Err() == context.DeadlineExceeded {
		child.Cancel()
		return nil, errors.Timeout("child workflow " + workflowID)
	}
	return result, err
}

// Gate suspends the run until an external answer arrives. The run is Waiting
// while suspended; a timeout or run cancellation unregisters the gate.
func (c *Context) Gate(prompt string, timeout time.Duration, choices []string) (any, error) {
	gate := &Gate{
		ID:      uuid.NewString(),
		Prompt:  prompt,
		Choices: choices,
		answer:  make(chan any, 1),
	}

	c.run.mu.Lock()
	c.run.pendingGate = gate
	c.run.state = RunWaiting
	c.run.mu.Unlock()

	c.run.emit(EventGateWaiting, map[string]any{
		"gate_id": gate.ID,
		"prompt":  prompt,
		"choices": choices,
	})

	// retireGate unregisters the gate and drains an answer that was accepted
	// in the same instant, all under the run mutex. AnswerGate sends under
	// the same mutex, so after this returns no accepted answer can be lost.
	retireGate := func() (any, bool) {
		c.run.mu.Lock()
		defer c.run.mu.Unlock()
		c.run.pendingGate = nil
		if c.run.state == RunWaiting {
			c.run.state = RunRunning
		}
		select {
		case late := <-gate.answer:
			return late, true
		default:
			return nil, false
		}
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case answer := <-gate.answer:
		retireGate()
		c.run.emit(EventGateAnswered, map[string]any{"gate_id": gate.ID, "answer": answer})
		return answer, nil
	case <-timeoutCh:
		if answer, ok := retireGate(); ok {
			c.run.emit(EventGateAnswered, map[string]any{"gate_id": gate.ID, "answer": answer})
			return answer, nil
		}
		c.run.emit(EventGateTimeout, map[string]any{"gate_id": gate.ID})
		return nil, errors.Timeout("gate " + gate.ID)
	case <-c.ctx.Done():
		retireGate()
		c.run.emit(EventGateCancelled, map[string]any{"gate_id": gate.ID})
		return nil, errors.Cancelled("gate " + gate.ID)
	}
}

// Emit adds a custom event to the run's log and callback stream.
func (c *Context) Emit(eventType string, data map[string]any) {
	c.run.emit(eventType, data)
}
