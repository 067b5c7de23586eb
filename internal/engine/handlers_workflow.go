package engine

import (
	"context"
	"encoding/json"

	"github.com/nervehq/nerve/internal/common/errors"
	"github.com/nervehq/nerve/internal/workflow"
)

type workflowParams struct {
	SessionID  string         `json:"session_id,omitempty"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	Func       string         `json:"func,omitempty"`
	RunID      string         `json:"run_id,omitempty"`
	GateID     string         `json:"gate_id,omitempty"`
	Answer     any            `json:"answer,omitempty"`
	Input      any            `json:"input,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
}

// handleRegisterWorkflow binds a library function into a session under an id.
// Workflow bodies are Go functions registered on the engine at startup; the
// wire command only names which one to use.
func (e *Engine) handleRegisterWorkflow(raw json.RawMessage) (any, error) {
	p, err := decode[workflowParams](raw)
	if err != nil {
		return nil, err
	}
	s, err := e.session(p.SessionID)
	if err != nil {
		return nil, err
	}

	name := p.Func
	if name == "" {
		name = p.WorkflowID
	}
	e.libMu.Lock()
	fn, ok := e.library[name]
	e.libMu.Unlock()
	if !ok {
		return nil, errors.NotFound("workflow function", name)
	}

	if err := s.AddWorkflow(workflow.New(p.WorkflowID, fn, e.logger)); err != nil {
		return nil, err
	}
	return map[string]any{"workflow_id": p.WorkflowID, "func": name}, nil
}

func (e *Engine) handleListWorkflows(raw json.RawMessage) (any, error) {
	p, err := decode[workflowParams](raw)
	if err != nil {
		return nil, err
	}
	s, err := e.session(p.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"workflows": s.ListWorkflows()}, nil
}

func (e *Engine) handleGetWorkflow(raw json.RawMessage) (any, error) {
	p, err := decode[workflowParams](raw)
	if err != nil {
		return nil, err
	}
	s, err := e.session(p.SessionID)
	if err != nil {
		return nil, err
	}
	w, err := s.Workflow(p.WorkflowID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"workflow_id": w.ID()}, nil
}

// handleRunWorkflow starts a run and returns immediately with its id. Run
// events reach clients through the bus.
func (e *Engine) handleRunWorkflow(raw json.RawMessage) (any, error) {
	p, err := decode[workflowParams](raw)
	if err != nil {
		return nil, err
	}
	s, err := e.session(p.SessionID)
	if err != nil {
		return nil, err
	}
	w, err := s.Workflow(p.WorkflowID)
	if err != nil {
		return nil, err
	}

	run := w.Start(context.Background(), s, p.Input, p.Params, func(ev workflow.Event) {
		e.publish(ev.EventType, "", map[string]any{
			"run_id":      ev.RunID,
			"workflow_id": ev.WorkflowID,
			"data":        ev.Data,
		})
	})
	return map[string]any{"run_id": run.ID(), "workflow_id": w.ID()}, nil
}

func (e *Engine) handleListWorkflowRuns(raw json.RawMessage) (any, error) {
	p, err := decode[workflowParams](raw)
	if err != nil {
		return nil, err
	}
	s, err := e.session(p.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"runs": s.ListRuns()}, nil
}

func (e *Engine) handleGetWorkflowRun(raw json.RawMessage) (any, error) {
	run, err := e.resolveRun(raw)
	if err != nil {
		return nil, err
	}
	return run.Info(), nil
}

func (e *Engine) handleAnswerGate(raw json.RawMessage) (any, error) {
	p, err := decode[workflowParams](raw)
	if err != nil {
		return nil, err
	}
	s, err := e.session(p.SessionID)
	if err != nil {
		return nil, err
	}
	run, err := s.Run(p.RunID)
	if err != nil {
		return nil, err
	}
	if err := run.AnswerGate(p.GateID, p.Answer); err != nil {
		return nil, err
	}
	return map[string]any{"run_id": run.ID(), "answered": true}, nil
}

func (e *Engine) handleCancelWorkflow(raw json.RawMessage) (any, error) {
	run, err := e.resolveRun(raw)
	if err != nil {
		return nil, err
	}
	run.Cancel()
	return map[string]any{"run_id": run.ID(), "cancelled": true}, nil
}

func (e *Engine) resolveRun(raw json.RawMessage) (*workflow.Run, error) {
	p, err := decode[workflowParams](raw)
	if err != nil {
		return nil, err
	}
	s, err := e.session(p.SessionID)
	if err != nil {
		return nil, err
	}
	return s.Run(p.RunID)
}
