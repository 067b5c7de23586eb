package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/nervehq/nerve/internal/common/errors"
	"github.com/nervehq/nerve/internal/common/logger"
)

// RunState is the lifecycle state of one workflow run.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunWaiting   RunState = "waiting"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// Event is one entry of a run's append-only event log.
type Event struct {
	RunID      string         `json:"run_id"`
	WorkflowID string         `json:"workflow_id"`
	EventType  string         `json:"event_type"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  float64        `json:"timestamp"`
}

// Gate is a named suspension point awaiting one external answer.
type Gate struct {
	ID      string   `json:"gate_id"`
	Prompt  string   `json:"prompt"`
	Choices []string `json:"choices,omitempty"`

	answer chan any
}

// RunInfo is the listing snapshot of a run.
type RunInfo struct {
	RunID       string `json:"run_id"`
	WorkflowID  string `json:"workflow_id"`
	State       string `json:"state"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
	Result      any    `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
	PendingGate *Gate  `json:"pending_gate,omitempty"`
	EventCount  int    `json:"event_count"`
}

// Run is one execution instance of a workflow. At most one gate is pending
// at any time; the run is Waiting exactly while one is.
type Run struct {
	id         string
	workflowID string

	mu          sync.Mutex
	state       RunState
	startedAt   time.Time
	completedAt time.Time
	result      any
	err         error
	pendingGate *Gate
	events      []Event

	callback func(Event)
	cancel   context.CancelFunc
	done     chan struct{}
	logger   *logger.Logger
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// WorkflowID returns the owning workflow's id.
func (r *Run) WorkflowID() string { return r.workflowID }

// State returns the current run state.
func (r *Run) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Run) setState(s RunState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Run) complete(s RunState, result any, err error) {
	r.mu.Lock()
	r.state = s
	r.result = result
	r.err = err
	r.completedAt = time.Now()
	r.mu.Unlock()
}

// Wait blocks until the run finishes and returns its result. A failed run
// returns its original error; a cancelled run returns Cancelled.
func (r *Run) Wait(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, errors.Cancelled("wait on run " + r.id)
	case <-r.done:
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == RunCancelled {
		return nil, errors.Cancelled("run " + r.id)
	}
	return r.result, r.err
}

// Done is closed when the run finishes.
func (r *Run) Done() <-chan struct{} { return r.done }

// Cancel cooperatively cancels the run. A pending gate is cancelled with it.
// No-op on a finished run.
func (r *Run) Cancel() {
	r.mu.Lock()
	finished := r.state == RunCompleted || r.state == RunFailed || r.state == RunCancelled
	r.mu.Unlock()
	if finished {
		return
	}
	r.cancel()
}

// AnswerGate completes the pending gate. The answer is validated against the
// gate's choices when they were supplied. gateID may be empty to target
// whatever gate is pending.
//
// The send happens under the run mutex so it is ordered against the gate
// being retired: an accepted answer is always observed by the waiting run.
func (r *Run) AnswerGate(gateID string, answer any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	gate := r.pendingGate
	if gate == nil {
		return errors.NotFound("pending gate", gateID)
	}
	if gateID != "" && gateID != gate.ID {
		return errors.NotFound("gate", gateID)
	}
	if len(gate.Choices) > 0 {
		text, _ := answer.(string)
		valid := false
		for _, c := range gate.Choices {
			if c == text {
				valid = true
				break
			}
		}
		if !valid {
			return errors.InvalidParams("answer must be one of the gate's choices")
		}
	}

	select {
	case gate.answer <- answer:
		return nil
	default:
		return errors.InvalidParams("gate already answered")
	}
}

// PendingGate returns the gate the run is waiting on, or nil.
func (r *Run) PendingGate() *Gate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingGate
}

// Events returns a copy of the run's event log.
func (r *Run) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Info snapshots the run for listing.
func (r *Run) Info() RunInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := RunInfo{
		RunID:       r.id,
		WorkflowID:  r.workflowID,
		State:       string(r.state),
		StartedAt:   r.startedAt.UTC().Format(time.RFC3339),
		PendingGate: r.pendingGate,
		EventCount:  len(r.events),
		Result:      r.result,
	}
	if !r.completedAt.IsZero() {
		info.CompletedAt = r.completedAt.UTC().Format(time.RFC3339)
	}
	if r.err != nil {
		info.Error = r.err.Error()
	}
	return info
}

// emit appends an event to the log and hands it to the callback without
// letting a slow or failing consumer affect the run.
func (r *Run) emit(eventType string, data map[string]any) {
	ev := Event{
		RunID:      r.id,
		WorkflowID: r.workflowID,
		EventType:  eventType,
		Data:       data,
		Timestamp:  float64(time.Now().UnixNano()) / 1e9,
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	cb := r.callback
	r.mu.Unlock()

	if cb == nil {
		return
	}
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Warn("workflow event callback panicked")
			}
		}()
		cb(ev)
	}()
}
