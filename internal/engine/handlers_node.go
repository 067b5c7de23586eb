package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nervehq/nerve/internal/common/errors"
	"github.com/nervehq/nerve/internal/node"
	"github.com/nervehq/nerve/internal/proxy"
	"github.com/nervehq/nerve/pkg/protocol"
)

type createNodeParams struct {
	SessionID string `json:"session_id,omitempty"`
	NodeID    string `json:"node_id"`
	Kind      string `json:"kind"`

	// Terminal and MCP nodes
	Backend string   `json:"backend,omitempty"` // pty (default) or wezterm
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Cwd     string   `json:"cwd,omitempty"`
	Env     []string `json:"env,omitempty"`
	Rows    uint16   `json:"rows,omitempty"`
	Cols    uint16   `json:"cols,omitempty"`
	Parser  string   `json:"parser,omitempty"`

	// LLM nodes
	BaseURL string `json:"base_url,omitempty"`
	APIKey  string `json:"api_key,omitempty"`
	Model   string `json:"model,omitempty"`

	// Provider starts a local proxy in front of the upstream; the node is
	// pointed at the proxy instead of the provider directly.
	Provider *proxy.Config `json:"provider,omitempty"`

	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

type nodeParams struct {
	SessionID string `json:"session_id,omitempty"`
	NodeID    string `json:"node_id"`
}

func (e *Engine) handleCreateNode(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[createNodeParams](raw)
	if err != nil {
		return nil, err
	}
	s, err := e.session(p.SessionID)
	if err != nil {
		return nil, err
	}

	hist, err := s.HistoryWriter(p.NodeID)
	if err != nil {
		return nil, err
	}
	cleanup := func() {
		if hist != nil {
			_ = hist.Close()
		}
	}

	var proxied *proxy.Instance
	if p.Provider != nil {
		proxied, err = e.proxies.StartProxy(ctx, p.NodeID, *p.Provider)
		if err != nil {
			cleanup()
			return nil, err
		}
	}
	fail := func(err error) (any, error) {
		if proxied != nil {
			_ = e.proxies.StopProxy(p.NodeID)
		}
		cleanup()
		return nil, err
	}

	var n node.Node
	switch p.Kind {
	case "terminal":
		env := p.Env
		if proxied != nil {
			env = append(append([]string(nil), env...),
				"OPENAI_BASE_URL="+proxied.URL(),
				"ANTHROPIC_BASE_URL="+proxied.URL())
		}
		bc := node.BackendConfig{
			Command:         p.Command,
			Args:            p.Args,
			Cwd:             p.Cwd,
			Env:             env,
			Rows:            p.Rows,
			Cols:            p.Cols,
			BufferChunkSize: e.cfg.Node.BufferChunkSize,
		}
		var backend node.Backend
		if p.Backend == "wezterm" {
			backend = node.NewWezTermBackend(bc, e.logger)
		} else {
			backend = node.NewPTYBackend(bc, e.logger)
		}
		term := node.NewTerminal(p.NodeID, backend, node.TerminalOptions{
			DefaultParser:  p.Parser,
			ExecTimeout:    e.execTimeout(p.TimeoutSeconds),
			PollInterval:   e.cfg.Node.PollIntervalDuration(),
			ReadyDebounce:  e.cfg.Node.ReadyDebounce,
			PostReadyGrace: e.cfg.Node.PostReadyGraceDuration(),
		}, hist, e.logger)
		if err := term.Start(ctx); err != nil {
			return fail(err)
		}
		n = term

	case "bash":
		n = node.NewBash(p.NodeID, p.Cwd, p.Env, e.execTimeout(p.TimeoutSeconds), hist, e.logger)

	case "llm":
		cfg := node.LLMConfig{
			BaseURL: p.BaseURL,
			APIKey:  p.APIKey,
			Model:   p.Model,
			Timeout: e.execTimeout(p.TimeoutSeconds),
		}
		if proxied != nil {
			cfg.BaseURL = proxied.URL()
		}
		if cfg.BaseURL == "" {
			return fail(errors.InvalidParams("llm node requires base_url or provider"))
		}
		n = node.NewLLM(p.NodeID, cfg, hist, e.logger)

	case "mcp":
		if p.Command == "" {
			return fail(errors.InvalidParams("mcp node requires command"))
		}
		mcp := node.NewMCP(p.NodeID, node.MCPConfig{
			Command: p.Command,
			Args:    p.Args,
			Env:     p.Env,
		}, hist, e.logger)
		if err := mcp.Start(ctx); err != nil {
			return fail(err)
		}
		n = mcp

	default:
		return fail(errors.InvalidParams("unknown node kind " + p.Kind))
	}

	if err := s.AddNode(n); err != nil {
		_ = n.Stop()
		if proxied != nil {
			_ = e.proxies.StopProxy(p.NodeID)
		}
		return nil, err
	}

	e.watchNode(s.ID(), n)
	e.publish(protocol.EventNodeCreated, n.ID(), map[string]any{
		"session_id": s.ID(),
		"kind":       string(n.Kind()),
	})
	return n.Info(), nil
}

func (e *Engine) handleDeleteNode(raw json.RawMessage) (any, error) {
	p, err := decode[nodeParams](raw)
	if err != nil {
		return nil, err
	}
	s, err := e.session(p.SessionID)
	if err != nil {
		return nil, err
	}
	if err := s.DeleteNode(p.NodeID); err != nil {
		return nil, err
	}
	if _, ok := e.proxies.Get(p.NodeID); ok {
		_ = e.proxies.StopProxy(p.NodeID)
	}
	e.stopMonitor(s.ID(), p.NodeID)
	e.publish(protocol.EventNodeDeleted, p.NodeID, map[string]any{"session_id": s.ID()})
	return map[string]any{"node_id": p.NodeID, "deleted": true}, nil
}

func (e *Engine) handleListNodes(raw json.RawMessage) (any, error) {
	p, err := decode[nodeParams](raw)
	if err != nil {
		return nil, err
	}
	s, err := e.session(p.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"nodes": s.ListNodes()}, nil
}

func (e *Engine) handleGetNode(raw json.RawMessage) (any, error) {
	n, err := e.resolveNode(raw)
	if err != nil {
		return nil, err
	}
	return n.Info(), nil
}

func (e *Engine) handleInterruptNode(raw json.RawMessage) (any, error) {
	n, err := e.resolveNode(raw)
	if err != nil {
		return nil, err
	}
	if err := n.Interrupt(); err != nil {
		return nil, err
	}
	return map[string]any{"node_id": n.ID(), "interrupted": true}, nil
}

type executeParams struct {
	SessionID      string `json:"session_id,omitempty"`
	NodeID         string `json:"node_id"`
	Input          any    `json:"input"`
	Parser         string `json:"parser,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

func (e *Engine) handleExecuteInput(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[executeParams](raw)
	if err != nil {
		return nil, err
	}
	s, err := e.session(p.SessionID)
	if err != nil {
		return nil, err
	}
	n, err := s.ResolveNode(p.NodeID)
	if err != nil {
		return nil, err
	}
	return n.Execute(ctx, &node.ExecContext{
		Input:   p.Input,
		Timeout: time.Duration(p.TimeoutSeconds) * time.Second,
		Parser:  p.Parser,
		Nodes:   s,
	})
}

type rawWriteParams struct {
	SessionID string `json:"session_id,omitempty"`
	NodeID    string `json:"node_id"`
	Data      string `json:"data,omitempty"`
	Command   string `json:"command,omitempty"`
	Lines     int    `json:"lines,omitempty"`
	Rows      int    `json:"rows,omitempty"`
	Cols      int    `json:"cols,omitempty"`
}

func (e *Engine) handleWriteRaw(raw json.RawMessage) (any, error) {
	p, t, err := e.terminal(raw)
	if err != nil {
		return nil, err
	}
	if err := t.WriteRaw(p.Data); err != nil {
		return nil, err
	}
	return map[string]any{"node_id": p.NodeID, "written": len(p.Data)}, nil
}

func (e *Engine) handleRunCommand(raw json.RawMessage) (any, error) {
	p, t, err := e.terminal(raw)
	if err != nil {
		return nil, err
	}
	if err := t.Run(p.Command); err != nil {
		return nil, err
	}
	return map[string]any{"node_id": p.NodeID, "submitted": true}, nil
}

func (e *Engine) handleReadBuffer(raw json.RawMessage) (any, error) {
	p, t, err := e.terminal(raw)
	if err != nil {
		return nil, err
	}
	buf := t.ReadBuffer()
	return map[string]any{"node_id": p.NodeID, "buffer": buf, "length": len(buf)}, nil
}

func (e *Engine) handleReadTail(raw json.RawMessage) (any, error) {
	p, t, err := e.terminal(raw)
	if err != nil {
		return nil, err
	}
	lines := p.Lines
	if lines <= 0 {
		lines = 50
	}
	return map[string]any{"node_id": p.NodeID, "tail": t.ReadTail(lines)}, nil
}

func (e *Engine) handleReadScreen(raw json.RawMessage) (any, error) {
	p, t, err := e.terminal(raw)
	if err != nil {
		return nil, err
	}
	cols, rows := p.Cols, p.Rows
	if cols <= 0 {
		cols = 120
	}
	if rows <= 0 {
		rows = 40
	}
	return map[string]any{"node_id": p.NodeID, "screen": t.Screen(cols, rows)}, nil
}

// terminal resolves a node and requires it to be a terminal.
func (e *Engine) terminal(raw json.RawMessage) (*rawWriteParams, *node.Terminal, error) {
	p, err := decode[rawWriteParams](raw)
	if err != nil {
		return nil, nil, err
	}
	s, err := e.session(p.SessionID)
	if err != nil {
		return nil, nil, err
	}
	n, err := s.Node(p.NodeID)
	if err != nil {
		return nil, nil, err
	}
	t, ok := n.(*node.Terminal)
	if !ok {
		return nil, nil, errors.InvalidParams("node " + p.NodeID + " is not a terminal node")
	}
	return p, t, nil
}

func (e *Engine) resolveNode(raw json.RawMessage) (node.Node, error) {
	p, err := decode[nodeParams](raw)
	if err != nil {
		return nil, err
	}
	s, err := e.session(p.SessionID)
	if err != nil {
		return nil, err
	}
	return s.ResolveNode(p.NodeID)
}

func (e *Engine) execTimeout(seconds int) time.Duration {
	if seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return e.cfg.Node.ExecTimeoutDuration()
}

// watchNode samples the node's state and publishes transitions until the
// node stops or its monitor is cancelled.
func (e *Engine) watchNode(sessionID string, n node.Node) {
	ctx, cancel := context.WithCancel(context.Background())
	key := sessionID + "/" + n.ID()
	e.monMu.Lock()
	if old, ok := e.monitors[key]; ok {
		old()
	}
	e.monitors[key] = cancel
	e.monMu.Unlock()

	go func() {
		defer e.stopMonitor(sessionID, n.ID())
		ticker := time.NewTicker(monitorInterval)
		defer ticker.Stop()
		last := n.State()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			state := n.State()
			if state == last {
				continue
			}
			last = state
			if ev := stateEvent(state); ev != "" {
				e.publish(ev, n.ID(), map[string]any{
					"session_id": sessionID,
					"state":      string(state),
				})
			}
			if state == node.StateStopped {
				return
			}
		}
	}()
}

func (e *Engine) stopMonitor(sessionID, nodeID string) {
	key := sessionID + "/" + nodeID
	e.monMu.Lock()
	if cancel, ok := e.monitors[key]; ok {
		cancel()
		delete(e.monitors, key)
	}
	e.monMu.Unlock()
}

func stateEvent(s node.State) string {
	switch s {
	case node.StateReady:
		return protocol.EventNodeReady
	case node.StateBusy:
		return protocol.EventNodeBusy
	case node.StateStopped:
		return protocol.EventNodeStopped
	case node.StateError:
		return protocol.EventNodeError
	}
	return ""
}
