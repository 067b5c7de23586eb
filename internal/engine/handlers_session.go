package engine

import (
	"context"
	"encoding/json"

	"github.com/nervehq/nerve/internal/history"
	"github.com/nervehq/nerve/pkg/protocol"
)

type sessionParams struct {
	SessionID   string   `json:"session_id"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

func (e *Engine) handleCreateSession(raw json.RawMessage) (any, error) {
	p, err := decode[sessionParams](raw)
	if err != nil {
		return nil, err
	}
	s, err := e.sessions.Create(p.SessionID, p.Description, p.Tags)
	if err != nil {
		return nil, err
	}
	e.publish(protocol.EventSessionCreated, "", map[string]any{"session_id": s.ID()})
	return s.Info(), nil
}

func (e *Engine) handleDeleteSession(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[sessionParams](raw)
	if err != nil {
		return nil, err
	}
	if err := e.sessions.Delete(ctx, p.SessionID); err != nil {
		return nil, err
	}
	e.publish(protocol.EventSessionDeleted, "", map[string]any{"session_id": p.SessionID})
	return map[string]any{"session_id": p.SessionID, "deleted": true}, nil
}

func (e *Engine) handleListSessions() (any, error) {
	return map[string]any{"sessions": e.sessions.List()}, nil
}

func (e *Engine) handleGetSession(raw json.RawMessage) (any, error) {
	p, err := decode[sessionParams](raw)
	if err != nil {
		return nil, err
	}
	s, err := e.session(p.SessionID)
	if err != nil {
		return nil, err
	}
	return s.Info(), nil
}

type historyParams struct {
	SessionID  string `json:"session_id,omitempty"`
	NodeID     string `json:"node_id"`
	LastN      int    `json:"last_n,omitempty"`
	Op         string `json:"op,omitempty"`
	InputsOnly bool   `json:"inputs_only,omitempty"`
}

func (e *Engine) handleGetHistory(raw json.RawMessage) (any, error) {
	p, err := decode[historyParams](raw)
	if err != nil {
		return nil, err
	}
	s, err := e.session(p.SessionID)
	if err != nil {
		return nil, err
	}
	r, err := history.NewReader(s.HistoryPath(p.NodeID), e.logger)
	if err != nil {
		return nil, err
	}

	var entries []history.Entry
	switch {
	case p.InputsOnly:
		entries = r.GetInputsOnly()
	case p.Op != "":
		entries = r.GetByOp(p.Op)
	case p.LastN > 0:
		entries = r.GetLast(p.LastN)
	default:
		entries = r.GetAll()
	}
	return map[string]any{"entries": entries, "count": len(entries)}, nil
}
