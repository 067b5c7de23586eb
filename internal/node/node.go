// Package node implements the executor variants a session can own: terminal
// (PTY or WezTerm pane), bash, LLM, MCP, and function nodes. All variants
// share one state machine and one execution contract; the graph scheduler and
// the engine consume only the Node interface.
package node

import (
	"context"
	"sync"
	"time"

	"github.com/nervehq/nerve/internal/common/errors"
	"github.com/nervehq/nerve/internal/common/logger"
	"github.com/nervehq/nerve/internal/history"
)

// State is the node lifecycle state.
type State string

const (
	StateCreated  State = "created"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateBusy     State = "busy"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

// Kind tags the node variant in listings and events.
type Kind string

const (
	KindTerminal Kind = "terminal"
	KindBash     Kind = "bash"
	KindLLM      Kind = "llm"
	KindMCP      Kind = "mcp"
	KindFunction Kind = "function"
	KindGraph    Kind = "graph"
)

// Result is the outcome of one Execute call. Output carries the kind-specific
// payload (parsed response for terminals, stdout for bash, completion text
// for LLM); Attributes carries the rest (exit codes, step results, usage).
type Result struct {
	Success    bool           `json:"success"`
	Output     any            `json:"output"`
	Error      string         `json:"error,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Resolver looks up a node by id at execution time. Sessions implement it;
// graphs use it to resolve node_ref steps.
type Resolver interface {
	ResolveNode(id string) (Node, error)
}

// ExecContext is the per-call bundle passed into Execute. It is immutable
// within one call.
type ExecContext struct {
	// Input is the node-kind-specific payload: text for terminals, a shell
	// command for bash, messages for LLM, a tool call for MCP.
	Input any

	// Timeout bounds the call. Zero means the node's default.
	Timeout time.Duration

	// Parser overrides the terminal node's default parser for this call.
	Parser string

	// Upstream maps completed dependency step ids to their results. Populated
	// by the graph scheduler.
	Upstream map[string]*Result

	// Nodes resolves node_ref steps. Populated by the session.
	Nodes Resolver

	// ExecID correlates log lines and events for one call.
	ExecID string
}

// Info is the listing snapshot of a node.
type Info struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	State      string         `json:"state"`
	Persistent bool           `json:"persistent"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Node is the common executor contract.
type Node interface {
	ID() string
	Kind() Kind
	State() State
	Persistent() bool

	// Start brings a persistent node to Ready. Ephemeral nodes are Ready
	// from construction and Start is a no-op.
	Start(ctx context.Context) error

	// Execute runs one operation. Serialized per node: the state must be
	// Ready on entry and returns to Ready on completion; contending callers
	// receive NodeBusy.
	Execute(ctx context.Context, ec *ExecContext) (*Result, error)

	// Stop releases resources and transitions to Stopped. Idempotent.
	Stop() error

	// Interrupt best-effort cancels an in-flight operation.
	Interrupt() error

	Info() Info
}

// base carries the shared state machine and the pieces every variant needs.
type base struct {
	id         string
	kind       Kind
	persistent bool

	mu       sync.Mutex
	state    State
	metadata map[string]any

	logger *logger.Logger
	hist   *history.Writer
}

func newBase(id string, kind Kind, persistent bool, state State, log *logger.Logger, hist *history.Writer) base {
	return base{
		id:         id,
		kind:       kind,
		persistent: persistent,
		state:      state,
		metadata:   make(map[string]any),
		logger:     log.WithNodeID(id),
		hist:       hist,
	}
}

func (b *base) ID() string       { return b.id }
func (b *base) Kind() Kind       { return b.kind }
func (b *base) Persistent() bool { return b.persistent }

func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *base) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// begin asserts Ready and flips to Busy. Callers hitting a non-Ready node get
// the state-specific error.
func (b *base) begin() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateReady:
		b.state = StateBusy
		return nil
	case StateBusy:
		return errors.NodeBusy(b.id)
	case StateError:
		return errors.NodeFailed(b.id, "node is in error state, delete and recreate it")
	default:
		return errors.NodeStopped(b.id)
	}
}

// finish returns Busy to Ready. A node that moved to Stopped or Error while
// executing keeps that state.
func (b *base) finish() {
	b.mu.Lock()
	if b.state == StateBusy {
		b.state = StateReady
	}
	b.mu.Unlock()
}

func (b *base) Info() Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	meta := make(map[string]any, len(b.metadata))
	for k, v := range b.metadata {
		meta[k] = v
	}
	return Info{
		ID:         b.id,
		Kind:       string(b.kind),
		State:      string(b.state),
		Persistent: b.persistent,
		Metadata:   meta,
	}
}

// SetMetadata records a free-form key on the node.
func (b *base) SetMetadata(key string, value any) {
	b.mu.Lock()
	b.metadata[key] = value
	b.mu.Unlock()
}

// History returns the node's history writer, which may be nil when history is
// disabled for the session.
func (b *base) History() *history.Writer { return b.hist }

func (b *base) closeHistory() {
	if b.hist != nil {
		b.hist.Close()
	}
}
