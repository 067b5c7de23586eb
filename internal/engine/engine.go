// Package engine dispatches wire-protocol commands to sessions, nodes,
// graphs, and workflows, and publishes lifecycle events onto the bus.
package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nervehq/nerve/internal/common/config"
	"github.com/nervehq/nerve/internal/common/errors"
	"github.com/nervehq/nerve/internal/common/logger"
	"github.com/nervehq/nerve/internal/events"
	"github.com/nervehq/nerve/internal/events/bus"
	"github.com/nervehq/nerve/internal/proxy"
	"github.com/nervehq/nerve/internal/session"
	"github.com/nervehq/nerve/internal/workflow"
	"github.com/nervehq/nerve/pkg/protocol"
)

// monitorInterval is how often node monitors sample state for transitions.
const monitorInterval = 250 * time.Millisecond

// Engine routes commands and owns the node state monitors and proxy manager.
type Engine struct {
	cfg      *config.Config
	logger   *logger.Logger
	bus      bus.EventBus
	sessions *session.Registry
	proxies  *proxy.Manager
	tracer   trace.Tracer

	libMu   sync.Mutex
	library map[string]workflow.Func

	monMu    sync.Mutex
	monitors map[string]context.CancelFunc

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New creates an engine over the given bus and session registry.
func New(cfg *config.Config, b bus.EventBus, sessions *session.Registry, log *logger.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		logger:   log,
		bus:      b,
		sessions: sessions,
		proxies: proxy.NewManager(proxy.Options{
			StartRetries:  cfg.Proxy.StartRetries,
			HealthTimeout: cfg.Proxy.HealthTimeoutDuration(),
			StopTimeout:   cfg.Proxy.StopTimeoutDuration(),
		}, log),
		tracer:     otel.Tracer("nerve/engine"),
		library:    make(map[string]workflow.Func),
		monitors:   make(map[string]context.CancelFunc),
		shutdownCh: make(chan struct{}),
	}
}

// RegisterWorkflowFunc adds a named workflow function to the library so the
// register_workflow command can bind it into sessions.
func (e *Engine) RegisterWorkflowFunc(name string, fn workflow.Func) {
	e.libMu.Lock()
	e.library[name] = fn
	e.libMu.Unlock()
}

// ShutdownRequested is closed once a shutdown command arrives.
func (e *Engine) ShutdownRequested() <-chan struct{} { return e.shutdownCh }

// Dispatch executes one command and always returns a result, never panics
// outward. Errors carry their taxonomy code in data.error_type.
func (e *Engine) Dispatch(ctx context.Context, cmd *protocol.Command) *protocol.Result {
	ctx, span := e.tracer.Start(ctx, "engine.dispatch",
		trace.WithAttributes(attribute.String("command_type", string(cmd.CommandType))))
	defer span.End()

	data, err := e.route(ctx, cmd)
	if err != nil {
		code := errors.Code(err)
		span.SetAttributes(attribute.String("error_type", code))
		e.logger.Warn("command failed",
			zap.String("command_type", string(cmd.CommandType)),
			zap.String("error_type", code),
			zap.Error(err))
		res := protocol.NewErrorResult(cmd.RequestID, err.Error())
		res.Data = map[string]any{"error_type": code}
		return res
	}
	return protocol.NewResult(cmd.RequestID, data)
}

func (e *Engine) route(ctx context.Context, cmd *protocol.Command) (any, error) {
	switch cmd.CommandType {
	case protocol.CommandCreateSession:
		return e.handleCreateSession(cmd.Params)
	case protocol.CommandDeleteSession:
		return e.handleDeleteSession(ctx, cmd.Params)
	case protocol.CommandListSessions:
		return e.handleListSessions()
	case protocol.CommandGetSession:
		return e.handleGetSession(cmd.Params)

	case protocol.CommandCreateNode:
		return e.handleCreateNode(ctx, cmd.Params)
	case protocol.CommandDeleteNode:
		return e.handleDeleteNode(cmd.Params)
	case protocol.CommandListNodes:
		return e.handleListNodes(cmd.Params)
	case protocol.CommandGetNode:
		return e.handleGetNode(cmd.Params)
	case protocol.CommandInterruptNode:
		return e.handleInterruptNode(cmd.Params)

	case protocol.CommandExecuteInput:
		return e.handleExecuteInput(ctx, cmd.Params)
	case protocol.CommandWriteRaw:
		return e.handleWriteRaw(cmd.Params)
	case protocol.CommandRunCommand:
		return e.handleRunCommand(cmd.Params)
	case protocol.CommandReadBuffer:
		return e.handleReadBuffer(cmd.Params)
	case protocol.CommandReadTail:
		return e.handleReadTail(cmd.Params)
	case protocol.CommandReadScreen:
		return e.handleReadScreen(cmd.Params)

	case protocol.CommandCreateGraph:
		return e.handleCreateGraph(cmd.Params)
	case protocol.CommandDeleteGraph:
		return e.handleDeleteGraph(cmd.Params)
	case protocol.CommandListGraphs:
		return e.handleListGraphs(cmd.Params)
	case protocol.CommandGetGraph:
		return e.handleGetGraph(cmd.Params)
	case protocol.CommandExecuteGraph:
		return e.handleExecuteGraph(ctx, cmd.Params)
	case protocol.CommandRunGraph:
		return e.handleRunGraph(ctx, cmd.Params)
	case protocol.CommandCancelGraph:
		return e.handleCancelGraph(cmd.Params)

	case protocol.CommandRegisterWorkflow:
		return e.handleRegisterWorkflow(cmd.Params)
	case protocol.CommandListWorkflows:
		return e.handleListWorkflows(cmd.Params)
	case protocol.CommandGetWorkflow:
		return e.handleGetWorkflow(cmd.Params)
	case protocol.CommandRunWorkflow:
		return e.handleRunWorkflow(cmd.Params)
	case protocol.CommandListWorkflowRuns:
		return e.handleListWorkflowRuns(cmd.Params)
	case protocol.CommandGetWorkflowRun:
		return e.handleGetWorkflowRun(cmd.Params)
	case protocol.CommandAnswerGate:
		return e.handleAnswerGate(cmd.Params)
	case protocol.CommandCancelWorkflow:
		return e.handleCancelWorkflow(cmd.Params)

	case protocol.CommandGetHistory:
		return e.handleGetHistory(cmd.Params)

	case protocol.CommandShutdown:
		e.shutdownOnce.Do(func() { close(e.shutdownCh) })
		return map[string]any{"status": "shutting_down"}, nil
	}
	return nil, errors.InvalidParams("unknown command type " + string(cmd.CommandType))
}

// Close tears down monitors, proxies, and every session.
func (e *Engine) Close(ctx context.Context) {
	e.monMu.Lock()
	for _, cancel := range e.monitors {
		cancel()
	}
	e.monitors = make(map[string]context.CancelFunc)
	e.monMu.Unlock()

	e.proxies.StopAll()
	e.sessions.StopAll(ctx)
}

// session resolves the optional session_id parameter, defaulting when empty.
func (e *Engine) session(id string) (*session.Session, error) {
	return e.sessions.Get(id)
}

// publish sends one event to the bus. Publish failures are logged and
// swallowed so command handling never depends on bus availability.
func (e *Engine) publish(eventType, nodeID string, data map[string]any) {
	if data == nil {
		data = make(map[string]any)
	}
	if nodeID != "" {
		data["node_id"] = nodeID
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.bus.Publish(ctx, events.BuildEventSubject(eventType), bus.NewEvent(eventType, "engine", data)); err != nil {
		e.logger.Warn("event publish failed",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// decode unmarshals command params into a typed struct. Absent params decode
// to the zero value so commands without parameters stay valid.
func decode[T any](raw json.RawMessage) (*T, error) {
	var p T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, errors.InvalidParams("malformed params: " + err.Error())
		}
	}
	return &p, nil
}
