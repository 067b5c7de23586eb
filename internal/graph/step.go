package graph

import (
	"time"

	"github.com/nervehq/nerve/internal/node"
)

// Error policies for a step's failure.
const (
	// PolicyFailFast cancels the rest of the graph when the step fails.
	PolicyFailFast = "fail_fast"

	// PolicyContinue keeps independent steps running; the failed step's
	// dependents are skipped.
	PolicyContinue = "continue"
)

// Step is one unit of a graph. Exactly one of Node and NodeRef must be set,
// and at most one of Input and InputFn.
type Step struct {
	// ID names the step within its graph.
	ID string

	// Node is a direct reference to the executor.
	Node node.Node

	// NodeRef is an identifier resolved against the session at execution
	// time, so graphs can be registered before their nodes exist.
	NodeRef string

	// Input is the static input. Strings may carry {step_id} placeholders
	// substituted from upstream results.
	Input any

	// InputFn computes the input from the upstream results at dispatch.
	InputFn func(upstream map[string]*node.Result) any

	// DependsOn lists step ids that must complete first.
	DependsOn []string

	// ErrorPolicy selects what a failure of this step does to the rest of
	// the graph. Empty means fail fast.
	ErrorPolicy string

	// Parser overrides the terminal parser for this step.
	Parser string

	// Timeout bounds this step's execute.
	Timeout time.Duration
}

// Step event types.
const (
	EventStepStart    = "step_start"
	EventStepComplete = "step_complete"
	EventStepError    = "step_error"
)

// StepEvent is one item of an execute_stream sequence.
type StepEvent struct {
	Type      string  `json:"type"`
	StepID    string  `json:"step_id"`
	NodeID    string  `json:"node_id,omitempty"`
	Data      any     `json:"data,omitempty"`
	Timestamp float64 `json:"timestamp"`
}
