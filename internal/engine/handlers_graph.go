package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/nervehq/nerve/internal/common/errors"
	"github.com/nervehq/nerve/internal/graph"
	"github.com/nervehq/nerve/internal/node"
	"github.com/nervehq/nerve/internal/session"
	"github.com/nervehq/nerve/pkg/protocol"
)

type stepSpec struct {
	ID             string   `json:"id"`
	Node           string   `json:"node"`
	Input          any      `json:"input,omitempty"`
	DependsOn      []string `json:"depends_on,omitempty"`
	ErrorPolicy    string   `json:"error_policy,omitempty"`
	Parser         string   `json:"parser,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

type graphParams struct {
	SessionID      string     `json:"session_id,omitempty"`
	GraphID        string     `json:"graph_id,omitempty"`
	Steps          []stepSpec `json:"steps,omitempty"`
	Input          any        `json:"input,omitempty"`
	TimeoutSeconds int        `json:"timeout_seconds,omitempty"`
}

// buildGraph assembles and validates a graph from wire step specs.
func (e *Engine) buildGraph(id string, steps []stepSpec) (*graph.Graph, error) {
	g := graph.New(id, e.logger)
	for _, spec := range steps {
		err := g.AddStep(graph.Step{
			ID:          spec.ID,
			NodeRef:     spec.Node,
			Input:       spec.Input,
			DependsOn:   spec.DependsOn,
			ErrorPolicy: spec.ErrorPolicy,
			Parser:      spec.Parser,
			Timeout:     time.Duration(spec.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
	}
	if problems := g.Validate(); len(problems) > 0 {
		return nil, errors.GraphValidation(problems)
	}
	return g, nil
}

func (e *Engine) handleCreateGraph(raw json.RawMessage) (any, error) {
	p, err := decode[graphParams](raw)
	if err != nil {
		return nil, err
	}
	s, err := e.session(p.SessionID)
	if err != nil {
		return nil, err
	}
	g, err := e.buildGraph(p.GraphID, p.Steps)
	if err != nil {
		return nil, err
	}
	if err := s.AddGraph(g); err != nil {
		return nil, err
	}
	e.publish(protocol.EventGraphCreated, "", map[string]any{
		"session_id": s.ID(),
		"graph_id":   g.ID(),
	})
	return map[string]any{"graph_id": g.ID(), "steps": g.Steps()}, nil
}

func (e *Engine) handleDeleteGraph(raw json.RawMessage) (any, error) {
	p, err := decode[graphParams](raw)
	if err != nil {
		return nil, err
	}
	s, err := e.session(p.SessionID)
	if err != nil {
		return nil, err
	}
	if err := s.DeleteGraph(p.GraphID); err != nil {
		return nil, err
	}
	e.publish(protocol.EventGraphDeleted, "", map[string]any{
		"session_id": s.ID(),
		"graph_id":   p.GraphID,
	})
	return map[string]any{"graph_id": p.GraphID, "deleted": true}, nil
}

func (e *Engine) handleListGraphs(raw json.RawMessage) (any, error) {
	p, err := decode[graphParams](raw)
	if err != nil {
		return nil, err
	}
	s, err := e.session(p.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"graphs": s.ListGraphs()}, nil
}

func (e *Engine) handleGetGraph(raw json.RawMessage) (any, error) {
	p, err := decode[graphParams](raw)
	if err != nil {
		return nil, err
	}
	s, err := e.session(p.SessionID)
	if err != nil {
		return nil, err
	}
	g, err := s.Graph(p.GraphID)
	if err != nil {
		return nil, err
	}
	info := g.Info()
	return map[string]any{
		"graph_id": g.ID(),
		"state":    info.State,
		"steps":    g.Steps(),
	}, nil
}

// handleExecuteGraph runs an ad-hoc graph assembled from inline steps. The
// graph is never registered; it exists for this one execution.
func (e *Engine) handleExecuteGraph(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[graphParams](raw)
	if err != nil {
		return nil, err
	}
	s, err := e.session(p.SessionID)
	if err != nil {
		return nil, err
	}
	g, err := e.buildGraph("adhoc-"+uuid.New().String(), p.Steps)
	if err != nil {
		return nil, err
	}
	return e.runGraph(ctx, s, g, p.Input, p.TimeoutSeconds)
}

// handleRunGraph executes a pre-registered graph, streaming step events onto
// the bus.
func (e *Engine) handleRunGraph(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[graphParams](raw)
	if err != nil {
		return nil, err
	}
	s, err := e.session(p.SessionID)
	if err != nil {
		return nil, err
	}
	g, err := s.Graph(p.GraphID)
	if err != nil {
		return nil, err
	}
	e.publish(protocol.EventGraphStarted, "", map[string]any{
		"session_id": s.ID(),
		"graph_id":   g.ID(),
	})
	return e.runGraph(ctx, s, g, p.Input, p.TimeoutSeconds)
}

func (e *Engine) runGraph(ctx context.Context, s *session.Session, g *graph.Graph, input any, timeoutSeconds int) (any, error) {
	execID := uuid.New().String()
	evCh, resCh, err := g.ExecuteStream(ctx, &node.ExecContext{
		Input:   input,
		Timeout: time.Duration(timeoutSeconds) * time.Second,
		Nodes:   s,
		ExecID:  execID,
	})
	if err != nil {
		return nil, err
	}
	for ev := range evCh {
		e.publish(stepEventType(ev.Type), ev.NodeID, map[string]any{
			"graph_id": g.ID(),
			"exec_id":  execID,
			"step_id":  ev.StepID,
			"data":     ev.Data,
		})
	}
	res := <-resCh

	outcome := protocol.EventGraphCompleted
	if res == nil || !res.Success {
		outcome = protocol.EventGraphFailed
	}
	e.publish(outcome, "", map[string]any{
		"graph_id": g.ID(),
		"exec_id":  execID,
	})
	return res, nil
}

func (e *Engine) handleCancelGraph(raw json.RawMessage) (any, error) {
	p, err := decode[graphParams](raw)
	if err != nil {
		return nil, err
	}
	s, err := e.session(p.SessionID)
	if err != nil {
		return nil, err
	}
	g, err := s.Graph(p.GraphID)
	if err != nil {
		return nil, err
	}
	if err := g.Interrupt(); err != nil {
		return nil, err
	}
	return map[string]any{"graph_id": p.GraphID, "cancelled": true}, nil
}

func stepEventType(t string) string {
	switch t {
	case graph.EventStepStart:
		return protocol.EventStepStarted
	case graph.EventStepComplete:
		return protocol.EventStepCompleted
	case graph.EventStepError:
		return protocol.EventStepFailed
	}
	return t
}
