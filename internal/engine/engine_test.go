package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervehq/nerve/internal/common/config"
	"github.com/nervehq/nerve/internal/common/logger"
	"github.com/nervehq/nerve/internal/events"
	"github.com/nervehq/nerve/internal/events/bus"
	"github.com/nervehq/nerve/internal/session"
	"github.com/nervehq/nerve/internal/workflow"
	"github.com/nervehq/nerve/pkg/protocol"
)

func testEngine(t *testing.T) (*Engine, *bus.MemoryEventBus) {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{Name: "test"},
		Node: config.NodeConfig{
			ExecTimeout:     30,
			PollInterval:    10,
			ReadyDebounce:   2,
			PostReadyGrace:  10,
			BufferChunkSize: 4096,
		},
		Proxy: config.ProxyConfig{StartRetries: 3, HealthTimeout: 2, StopTimeout: 1},
		History: config.HistoryConfig{
			Enabled: true,
			BaseDir: t.TempDir(),
		},
	}
	b := bus.NewMemoryEventBus(logger.Default())
	reg := session.NewRegistry(session.Options{
		ServerName:     cfg.Server.Name,
		HistoryEnabled: cfg.History.Enabled,
		HistoryBaseDir: cfg.History.BaseDir,
	}, logger.Default())
	e := New(cfg, b, reg, logger.Default())
	t.Cleanup(func() {
		e.Close(context.Background())
		b.Close()
	})
	return e, b
}

func dispatch(t *testing.T, e *Engine, cmdType protocol.CommandType, params any) *protocol.Result {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		var err error
		raw, err = json.Marshal(params)
		require.NoError(t, err)
	}
	return e.Dispatch(context.Background(), &protocol.Command{
		Type:        protocol.MessageTypeCommand,
		CommandType: cmdType,
		Params:      raw,
		RequestID:   "req-1",
	})
}

// collectEvents subscribes to every engine event and records event types.
func collectEvents(t *testing.T, b *bus.MemoryEventBus) func() []string {
	t.Helper()
	var mu sync.Mutex
	var got []string
	_, err := b.Subscribe(events.WildcardSubject(), func(ctx context.Context, ev *bus.Event) error {
		mu.Lock()
		got = append(got, ev.Type)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), got...)
	}
}

func hasEvent(types []string, want string) bool {
	for _, typ := range types {
		if typ == want {
			return true
		}
	}
	return false
}

func TestDispatchSessionLifecycle(t *testing.T) {
	e, b := testEngine(t)
	snapshot := collectEvents(t, b)

	res := dispatch(t, e, protocol.CommandCreateSession, map[string]any{
		"session_id": "work", "description": "scratch",
	})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "req-1", res.RequestID)

	res = dispatch(t, e, protocol.CommandCreateSession, map[string]any{"session_id": "work"})
	require.False(t, res.Success)
	data := res.Data.(map[string]any)
	assert.Equal(t, "DUPLICATE_ID", data["error_type"])

	res = dispatch(t, e, protocol.CommandListSessions, nil)
	require.True(t, res.Success)

	res = dispatch(t, e, protocol.CommandGetSession, map[string]any{"session_id": "work"})
	require.True(t, res.Success)

	res = dispatch(t, e, protocol.CommandDeleteSession, map[string]any{"session_id": "work"})
	require.True(t, res.Success)

	assert.Eventually(t, func() bool {
		types := snapshot()
		return hasEvent(types, protocol.EventSessionCreated) && hasEvent(types, protocol.EventSessionDeleted)
	}, time.Second, 5*time.Millisecond)
}

func TestDispatchUnknownCommand(t *testing.T) {
	e, _ := testEngine(t)
	res := dispatch(t, e, protocol.CommandType("NO_SUCH_COMMAND"), nil)
	require.False(t, res.Success)
	data := res.Data.(map[string]any)
	assert.Equal(t, "INVALID_PARAMS", data["error_type"])
}

func TestDispatchMalformedParams(t *testing.T) {
	e, _ := testEngine(t)
	res := e.Dispatch(context.Background(), &protocol.Command{
		Type:        protocol.MessageTypeCommand,
		CommandType: protocol.CommandCreateSession,
		Params:      json.RawMessage(`{"session_id": 42`),
		RequestID:   "req-2",
	})
	require.False(t, res.Success)
	assert.Equal(t, "req-2", res.RequestID)
}

func TestDispatchBashNodeRoundTrip(t *testing.T) {
	e, b := testEngine(t)
	snapshot := collectEvents(t, b)

	res := dispatch(t, e, protocol.CommandCreateNode, map[string]any{
		"node_id": "sh", "kind": "bash",
	})
	require.True(t, res.Success, res.Error)

	res = dispatch(t, e, protocol.CommandExecuteInput, map[string]any{
		"node_id": "sh", "input": "echo engine-test",
	})
	require.True(t, res.Success, res.Error)

	res = dispatch(t, e, protocol.CommandGetNode, map[string]any{"node_id": "sh"})
	require.True(t, res.Success)

	res = dispatch(t, e, protocol.CommandListNodes, nil)
	require.True(t, res.Success)

	// History recorded the exchange in the default session's file.
	res = dispatch(t, e, protocol.CommandGetHistory, map[string]any{"node_id": "sh"})
	require.True(t, res.Success, res.Error)
	hist := res.Data.(map[string]any)
	assert.Greater(t, hist["count"], 0)

	res = dispatch(t, e, protocol.CommandDeleteNode, map[string]any{"node_id": "sh"})
	require.True(t, res.Success, res.Error)

	assert.Eventually(t, func() bool {
		types := snapshot()
		return hasEvent(types, protocol.EventNodeCreated) && hasEvent(types, protocol.EventNodeDeleted)
	}, time.Second, 5*time.Millisecond)
}

func TestDispatchRejectsUnknownNodeKind(t *testing.T) {
	e, _ := testEngine(t)
	res := dispatch(t, e, protocol.CommandCreateNode, map[string]any{
		"node_id": "x", "kind": "teleporter",
	})
	require.False(t, res.Success)
	data := res.Data.(map[string]any)
	assert.Equal(t, "INVALID_PARAMS", data["error_type"])
}

func TestDispatchTerminalOnlyCommands(t *testing.T) {
	e, _ := testEngine(t)
	res := dispatch(t, e, protocol.CommandCreateNode, map[string]any{
		"node_id": "sh", "kind": "bash",
	})
	require.True(t, res.Success, res.Error)

	for _, cmdType := range []protocol.CommandType{
		protocol.CommandReadBuffer,
		protocol.CommandReadTail,
		protocol.CommandReadScreen,
		protocol.CommandWriteRaw,
		protocol.CommandRunCommand,
	} {
		res := dispatch(t, e, cmdType, map[string]any{"node_id": "sh"})
		require.False(t, res.Success, string(cmdType))
		data := res.Data.(map[string]any)
		assert.Equal(t, "INVALID_PARAMS", data["error_type"], string(cmdType))
	}
}

func TestDispatchGraphLifecycle(t *testing.T) {
	e, b := testEngine(t)
	snapshot := collectEvents(t, b)

	res := dispatch(t, e, protocol.CommandCreateNode, map[string]any{
		"node_id": "sh", "kind": "bash",
	})
	require.True(t, res.Success, res.Error)

	res = dispatch(t, e, protocol.CommandCreateGraph, map[string]any{
		"graph_id": "pipeline",
		"steps": []map[string]any{
			{"id": "a", "node": "sh", "input": "echo first"},
			{"id": "b", "node": "sh", "input": "echo got {a}", "depends_on": []string{"a"}},
		},
	})
	require.True(t, res.Success, res.Error)

	res = dispatch(t, e, protocol.CommandRunGraph, map[string]any{"graph_id": "pipeline"})
	require.True(t, res.Success, res.Error)

	res = dispatch(t, e, protocol.CommandListGraphs, nil)
	require.True(t, res.Success)
	res = dispatch(t, e, protocol.CommandGetGraph, map[string]any{"graph_id": "pipeline"})
	require.True(t, res.Success)

	res = dispatch(t, e, protocol.CommandDeleteGraph, map[string]any{"graph_id": "pipeline"})
	require.True(t, res.Success)

	assert.Eventually(t, func() bool {
		types := snapshot()
		return hasEvent(types, protocol.EventGraphStarted) &&
			hasEvent(types, protocol.EventStepStarted) &&
			hasEvent(types, protocol.EventStepCompleted) &&
			hasEvent(types, protocol.EventGraphCompleted)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDispatchExecuteGraphInline(t *testing.T) {
	e, _ := testEngine(t)
	res := dispatch(t, e, protocol.CommandCreateNode, map[string]any{
		"node_id": "sh", "kind": "bash",
	})
	require.True(t, res.Success, res.Error)

	res = dispatch(t, e, protocol.CommandExecuteGraph, map[string]any{
		"steps": []map[string]any{
			{"id": "only", "node": "sh", "input": "echo inline"},
		},
	})
	require.True(t, res.Success, res.Error)

	// Ad-hoc graphs are not registered.
	res = dispatch(t, e, protocol.CommandListGraphs, nil)
	require.True(t, res.Success)
	graphs := res.Data.(map[string]any)["graphs"]
	assert.Empty(t, graphs)
}

func TestDispatchGraphValidationFailure(t *testing.T) {
	e, _ := testEngine(t)
	res := dispatch(t, e, protocol.CommandCreateGraph, map[string]any{
		"graph_id": "bad",
		"steps": []map[string]any{
			{"id": "a", "node": "sh", "depends_on": []string{"b"}},
			{"id": "b", "node": "sh", "depends_on": []string{"a"}},
		},
	})
	require.False(t, res.Success)
	data := res.Data.(map[string]any)
	assert.Equal(t, "GRAPH_VALIDATION", data["error_type"])
}

func TestDispatchWorkflowWithGate(t *testing.T) {
	e, b := testEngine(t)
	snapshot := collectEvents(t, b)

	e.RegisterWorkflowFunc("confirm", func(ctx *workflow.Context) (any, error) {
		return ctx.Gate("proceed?", 0, []string{"yes", "no"})
	})

	res := dispatch(t, e, protocol.CommandRegisterWorkflow, map[string]any{
		"workflow_id": "confirm",
	})
	require.True(t, res.Success, res.Error)

	res = dispatch(t, e, protocol.CommandRunWorkflow, map[string]any{
		"workflow_id": "confirm",
	})
	require.True(t, res.Success, res.Error)
	runID := res.Data.(map[string]any)["run_id"].(string)
	require.NotEmpty(t, runID)

	require.Eventually(t, func() bool {
		return hasEvent(snapshot(), protocol.EventGateWaiting)
	}, 2*time.Second, 5*time.Millisecond)

	res = dispatch(t, e, protocol.CommandAnswerGate, map[string]any{
		"run_id": runID, "answer": "yes",
	})
	require.True(t, res.Success, res.Error)

	require.Eventually(t, func() bool {
		return hasEvent(snapshot(), protocol.EventWorkflowCompleted)
	}, 2*time.Second, 5*time.Millisecond)

	res = dispatch(t, e, protocol.CommandListWorkflows, nil)
	require.True(t, res.Success)
}

func TestDispatchRegisterWorkflowUnknownFunc(t *testing.T) {
	e, _ := testEngine(t)
	res := dispatch(t, e, protocol.CommandRegisterWorkflow, map[string]any{
		"workflow_id": "ghost",
	})
	require.False(t, res.Success)
	data := res.Data.(map[string]any)
	assert.Equal(t, "NOT_FOUND", data["error_type"])
}

func TestDispatchCancelWorkflow(t *testing.T) {
	e, _ := testEngine(t)
	e.RegisterWorkflowFunc("stuck", func(ctx *workflow.Context) (any, error) {
		return ctx.Gate("never answered", 0, nil)
	})
	res := dispatch(t, e, protocol.CommandRegisterWorkflow, map[string]any{"workflow_id": "stuck"})
	require.True(t, res.Success, res.Error)
	res = dispatch(t, e, protocol.CommandRunWorkflow, map[string]any{"workflow_id": "stuck"})
	require.True(t, res.Success, res.Error)
	runID := res.Data.(map[string]any)["run_id"].(string)

	require.Eventually(t, func() bool {
		res := dispatch(t, e, protocol.CommandGetWorkflowRun, map[string]any{"run_id": runID})
		if !res.Success {
			return false
		}
		return res.Data.(workflow.RunInfo).State == "waiting"
	}, 2*time.Second, 5*time.Millisecond)

	res = dispatch(t, e, protocol.CommandCancelWorkflow, map[string]any{"run_id": runID})
	require.True(t, res.Success, res.Error)
}

func TestDispatchShutdown(t *testing.T) {
	e, _ := testEngine(t)
	select {
	case <-e.ShutdownRequested():
		t.Fatal("shutdown channel closed before command")
	default:
	}

	res := dispatch(t, e, protocol.CommandShutdown, nil)
	require.True(t, res.Success)

	select {
	case <-e.ShutdownRequested():
	case <-time.After(time.Second):
		t.Fatal("shutdown channel never closed")
	}

	// A second shutdown is a no-op, not a panic.
	res = dispatch(t, e, protocol.CommandShutdown, nil)
	require.True(t, res.Success)
}
