package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervehq/nerve/internal/common/errors"
	"github.com/nervehq/nerve/internal/common/logger"
	"github.com/nervehq/nerve/internal/node"
)

type fakeTarget struct {
	mu        sync.Mutex
	nodes     map[string]node.Node
	graphs    map[string]node.Node
	workflows map[string]*Workflow
	runs      map[string]*Run
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		nodes:     make(map[string]node.Node),
		graphs:    make(map[string]node.Node),
		workflows: make(map[string]*Workflow),
		runs:      make(map[string]*Run),
	}
}

func (t *fakeTarget) ResolveNode(id string) (node.Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.nodes[id]; ok {
		return n, nil
	}
	return nil, errors.NotFound("node", id)
}

func (t *fakeTarget) ResolveGraph(id string) (node.Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if g, ok := t.graphs[id]; ok {
		return g, nil
	}
	return nil, errors.NotFound("graph", id)
}

func (t *fakeTarget) ResolveWorkflow(id string) (*Workflow, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok := t.workflows[id]; ok {
		return w, nil
	}
	return nil, errors.NotFound("workflow", id)
}

func (t *fakeTarget) RegisterRun(r *Run) {
	t.mu.Lock()
	t.runs[r.ID()] = r
	t.mu.Unlock()
}

func (t *fakeTarget) UnregisterRun(runID string) {
	t.mu.Lock()
	delete(t.runs, runID)
	t.mu.Unlock()
}

func waitForEvent(t *testing.T, r *Run, eventType string) Event {
	t.Helper()
	var found Event
	require.Eventually(t, func() bool {
		for _, ev := range r.Events() {
			if ev.EventType == eventType {
				found = ev
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "event %s never appeared", eventType)
	return found
}

func TestWorkflowGateAnswer(t *testing.T) {
	target := newFakeTarget()
	w := New("confirm", func(ctx *Context) (any, error) {
		return ctx.Gate("continue?", 0, []string{"y", "n"})
	}, logger.Default())

	run := w.Start(context.Background(), target, nil, nil, nil)

	ev := waitForEvent(t, run, EventGateWaiting)
	assert.Equal(t, "continue?", ev.Data["prompt"])
	assert.Equal(t, []string{"y", "n"}, ev.Data["choices"])
	assert.Equal(t, RunWaiting, run.State())
	require.NotNil(t, run.PendingGate())

	// Answers outside the choice set are rejected and leave the gate open.
	err := run.AnswerGate("", "maybe")
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidParams, errors.Code(err))
	assert.Equal(t, RunWaiting, run.State())

	require.NoError(t, run.AnswerGate("", "n"))
	result, err := run.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "n", result)
	assert.Equal(t, RunCompleted, run.State())
	assert.Nil(t, run.PendingGate())

	waitForEvent(t, run, EventGateAnswered)
	done := waitForEvent(t, run, EventWorkflowCompleted)
	assert.Equal(t, "n", done.Data["result"])
}

func TestWorkflowGateByID(t *testing.T) {
	target := newFakeTarget()
	w := New("confirm", func(ctx *Context) (any, error) {
		return ctx.Gate("go?", 0, nil)
	}, logger.Default())
	run := w.Start(context.Background(), target, nil, nil, nil)

	ev := waitForEvent(t, run, EventGateWaiting)
	gateID := ev.Data["gate_id"].(string)

	err := run.AnswerGate("wrong-id", "x")
	assert.Equal(t, errors.CodeNotFound, errors.Code(err))

	require.NoError(t, run.AnswerGate(gateID, "go"))
	result, err := run.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "go", result)
}

func TestWorkflowGateTimeout(t *testing.T) {
	target := newFakeTarget()
	w := New("confirm", func(ctx *Context) (any, error) {
		return ctx.Gate("anyone?", 50*time.Millisecond, nil)
	}, logger.Default())
	run := w.Start(context.Background(), target, nil, nil, nil)

	_, err := run.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.CodeTimeout, errors.Code(err))
	assert.Equal(t, RunFailed, run.State())
	assert.Nil(t, run.PendingGate())
	waitForEvent(t, run, EventGateTimeout)
}

func TestWorkflowGateAnswerNearTimeoutNeverLost(t *testing.T) {
	target := newFakeTarget()
	for i := 0; i < 30; i++ {
		w := New("race", func(ctx *Context) (any, error) {
			return ctx.Gate("quick", 2*time.Millisecond, nil)
		}, logger.Default())
		run := w.Start(context.Background(), target, nil, nil, nil)

		// Race the answer against the gate timer. An accepted answer must
		// reach the run even when both fire in the same instant.
		answered := false
		for !answered {
			if run.AnswerGate("", "yes") == nil {
				answered = true
				break
			}
			select {
			case <-run.Done():
			default:
				continue
			}
			break
		}

		result, err := run.Wait(context.Background())
		if answered {
			require.NoError(t, err, "iteration %d: accepted answer was dropped", i)
			assert.Equal(t, "yes", result)
			assert.Equal(t, RunCompleted, run.State())
		} else {
			require.Error(t, err)
			assert.Equal(t, errors.CodeTimeout, errors.Code(err))
		}
	}
}

func TestWorkflowCancelDuringGate(t *testing.T) {
	target := newFakeTarget()
	w := New("confirm", func(ctx *Context) (any, error) {
		return ctx.Gate("stuck", 0, nil)
	}, logger.Default())
	run := w.Start(context.Background(), target, nil, nil, nil)

	waitForEvent(t, run, EventGateWaiting)
	run.Cancel()

	_, err := run.Wait(context.Background())
	assert.Equal(t, errors.CodeCancelled, errors.Code(err))
	assert.Equal(t, RunCancelled, run.State())
	assert.Nil(t, run.PendingGate())
	waitForEvent(t, run, EventGateCancelled)
	waitForEvent(t, run, EventWorkflowCancelled)
}

func TestWorkflowAnswerWithoutPendingGate(t *testing.T) {
	target := newFakeTarget()
	w := New("plain", func(ctx *Context) (any, error) { return "ok", nil }, logger.Default())
	run := w.Start(context.Background(), target, nil, nil, nil)
	_, err := run.Wait(context.Background())
	require.NoError(t, err)

	err = run.AnswerGate("", "x")
	assert.Equal(t, errors.CodeNotFound, errors.Code(err))
}

func TestWorkflowRunNodeEmitsEvents(t *testing.T) {
	target := newFakeTarget()
	target.nodes["echo"] = node.NewFunction("echo", func(ctx context.Context, input any) (any, error) {
		return input, nil
	}, logger.Default())

	w := New("use-node", func(ctx *Context) (any, error) {
		res, err := ctx.Run("echo", "payload", 0)
		if err != nil {
			return nil, err
		}
		return res.Output, nil
	}, logger.Default())
	run := w.Start(context.Background(), target, nil, nil, nil)

	result, err := run.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "payload", result)

	started := waitForEvent(t, run, EventNodeStarted)
	assert.Equal(t, "echo", started.Data["node_id"])
	waitForEvent(t, run, EventNodeCompleted)
}

func TestWorkflowRunUnknownNode(t *testing.T) {
	target := newFakeTarget()
	w := New("missing", func(ctx *Context) (any, error) {
		return ctx.Run("ghost", nil, 0)
	}, logger.Default())
	run := w.Start(context.Background(), target, nil, nil, nil)

	_, err := run.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.CodeNotFound, errors.Code(err))
	assert.Equal(t, RunFailed, run.State())
}

func TestWorkflowNestedRunForwardsEvents(t *testing.T) {
	target := newFakeTarget()
	target.workflows["child"] = New("child", func(ctx *Context) (any, error) {
		ctx.Emit("child_progress", map[string]any{"pct": 50})
		return "child-result", nil
	}, logger.Default())

	w := New("parent", func(ctx *Context) (any, error) {
		return ctx.RunWorkflow("child", nil, time.Second, nil)
	}, logger.Default())
	run := w.Start(context.Background(), target, nil, nil, nil)

	result, err := run.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "child-result", result)

	waitForEvent(t, run, NestedPrefix+EventWorkflowStarted)
	waitForEvent(t, run, NestedPrefix+"child_progress")
	waitForEvent(t, run, NestedPrefix+EventWorkflowCompleted)

	// Child runs unregister from the registry when they finish.
	assert.Eventually(t, func() bool {
		target.mu.Lock()
		defer target.mu.Unlock()
		return len(target.runs) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestWorkflowCancelNoOpOnCompletedRun(t *testing.T) {
	target := newFakeTarget()
	w := New("quick", func(ctx *Context) (any, error) { return 1, nil }, logger.Default())
	run := w.Start(context.Background(), target, nil, nil, nil)

	result, err := run.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result)

	run.Cancel()
	assert.Equal(t, RunCompleted, run.State())
}

func TestWorkflowCancelPropagatesToChild(t *testing.T) {
	target := newFakeTarget()
	childStarted := make(chan struct{})
	target.workflows["child"] = New("child", func(ctx *Context) (any, error) {
		close(childStarted)
		<-ctx.Ctx().Done()
		return nil, ctx.Ctx().Err()
	}, logger.Default())

	w := New("parent", func(ctx *Context) (any, error) {
		return ctx.RunWorkflow("child", nil, 0, nil)
	}, logger.Default())
	run := w.Start(context.Background(), target, nil, nil, nil)

	<-childStarted
	run.Cancel()

	_, err := run.Wait(context.Background())
	assert.Equal(t, errors.CodeCancelled, errors.Code(err))
}

func TestWorkflowStateAndParams(t *testing.T) {
	target := newFakeTarget()
	w := New("counter", func(ctx *Context) (any, error) {
		start := ctx.Params["start"].(int)
		for i := 0; i < 3; i++ {
			ctx.State["count"] = start + i
		}
		return ctx.State["count"], nil
	}, logger.Default())
	run := w.Start(context.Background(), target, "ignored", map[string]any{"start": 10}, nil)

	result, err := run.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, result)
}

func TestWorkflowCallbackReceivesEvents(t *testing.T) {
	target := newFakeTarget()
	var mu sync.Mutex
	var got []string
	cb := func(ev Event) {
		mu.Lock()
		got = append(got, ev.EventType)
		mu.Unlock()
	}

	w := New("emitter", func(ctx *Context) (any, error) {
		ctx.Emit("custom", map[string]any{"k": "v"})
		return nil, nil
	}, logger.Default())
	run := w.Start(context.Background(), target, nil, nil, cb)
	_, err := run.Wait(context.Background())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, typ := range got {
			if typ == "custom" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}
