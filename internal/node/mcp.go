package node

import (
	"context"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/nervehq/nerve/internal/common/errors"
	"github.com/nervehq/nerve/internal/common/logger"
	"github.com/nervehq/nerve/internal/history"
)

// MCPConfig configures the tool-server child an MCP node connects to.
type MCPConfig struct {
	Command string
	Args    []string
	Env     []string
}

// MCP is a persistent node speaking the Model Context Protocol to a tool
// server over stdio. The tool catalog is discovered at Start; any connection
// failure flips the node to Error and it refuses further calls until deleted.
type MCP struct {
	base
	cfg    MCPConfig
	client *client.Client
	tools  map[string]mcp.Tool
}

// NewMCP creates an MCP node. Call Start before executing.
func NewMCP(id string, cfg MCPConfig, hist *history.Writer, log *logger.Logger) *MCP {
	return &MCP{
		base:  newBase(id, KindMCP, true, StateCreated, log, hist),
		cfg:   cfg,
		tools: make(map[string]mcp.Tool),
	}
}

// Start spawns the tool server, initializes the protocol, and discovers the
// tool catalog.
func (m *MCP) Start(ctx context.Context) error {
	m.setState(StateStarting)

	mcpClient, err := client.NewStdioMCPClient(m.cfg.Command, m.cfg.Env, m.cfg.Args...)
	if err != nil {
		return m.fail("create client", err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		mcpClient.Close()
		return m.fail("start client", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "nerve", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return m.fail("initialize", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return m.fail("list tools", err)
	}
	for _, t := range listResp.Tools {
		m.tools[t.Name] = t
	}

	m.client = mcpClient
	names := make([]string, 0, len(m.tools))
	for name := range m.tools {
		names = append(names, name)
	}
	m.SetMetadata("tools", names)
	m.setState(StateReady)

	m.logger.Info("mcp node connected",
		zap.String("command", m.cfg.Command),
		zap.Int("tools", len(m.tools)))
	return nil
}

func (m *MCP) fail(what string, err error) error {
	m.setState(StateError)
	m.SetMetadata("error", what+": "+err.Error())
	return errors.NodeFailed(m.id, what+": "+err.Error())
}

// Execute routes one named tool call. Input is either a tool name string
// (no arguments) or a map {tool, arguments}. The tool's text content is
// returned as the output.
func (m *MCP) Execute(ctx context.Context, ec *ExecContext) (*Result, error) {
	toolName, args, err := m.parseInput(ec.Input)
	if err != nil {
		return nil, err
	}

	if err := m.begin(); err != nil {
		return nil, err
	}
	defer m.finish()

	if _, known := m.tools[toolName]; !known {
		return nil, errors.NotFound("tool", toolName)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = args

	resp, err := m.client.CallTool(ctx, req)
	if err != nil {
		// A transport failure means the child is gone.
		m.setState(StateError)
		return nil, errors.NodeFailed(m.id, "tool call failed: "+err.Error())
	}

	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	output := strings.Join(texts, "\n")

	result := &Result{
		Success: !resp.IsError,
		Output:  output,
		Attributes: map[string]any{
			"tool": toolName,
		},
	}
	if resp.IsError {
		result.Error = output
	}
	return result, nil
}

func (m *MCP) parseInput(input any) (string, map[string]any, error) {
	switch v := input.(type) {
	case string:
		return v, nil, nil
	case map[string]any:
		name, _ := v["tool"].(string)
		if name == "" {
			return "", nil, errors.InvalidParams("mcp input map must contain tool")
		}
		args, _ := v["arguments"].(map[string]any)
		return name, args, nil
	default:
		return "", nil, errors.InvalidParams("mcp input must be a tool name or {tool, arguments} map")
	}
}

// Interrupt has no per-call handle to cancel; in-flight calls are cancelled
// through their context.
func (m *MCP) Interrupt() error { return nil }

// Stop closes the connection and terminates the tool server. Idempotent.
func (m *MCP) Stop() error {
	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return nil
	}
	m.state = StateStopped
	m.mu.Unlock()

	var err error
	if m.client != nil {
		err = m.client.Close()
	}
	if m.hist != nil {
		m.hist.LogDelete("node stopped")
	}
	m.closeHistory()
	return err
}
