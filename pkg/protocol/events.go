package protocol

// Event types for node lifecycle, emitted by the engine's node monitors.
const (
	EventNodeCreated = "NODE_CREATED"
	EventNodeReady   = "NODE_READY"
	EventNodeBusy    = "NODE_BUSY"
	EventNodeStopped = "NODE_STOPPED"
	EventNodeDeleted = "NODE_DELETED"
	EventNodeError   = "NODE_ERROR"
)

// Event types for graph execution.
const (
	EventGraphCreated   = "GRAPH_CREATED"
	EventGraphStarted   = "GRAPH_STARTED"
	EventStepStarted    = "STEP_STARTED"
	EventStepCompleted  = "STEP_COMPLETED"
	EventStepFailed     = "STEP_FAILED"
	EventGraphCompleted = "GRAPH_COMPLETED"
	EventGraphFailed    = "GRAPH_FAILED"
	EventGraphDeleted   = "GRAPH_DELETED"
)

// Event types for sessions.
const (
	EventSessionCreated = "SESSION_CREATED"
	EventSessionDeleted = "SESSION_DELETED"
)

// Event types for workflow runs. These mirror the run-level event log, so they
// use the same lowercase names that appear in WorkflowRun.Events.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCancelled = "workflow_cancelled"
	EventGateWaiting       = "gate_waiting"
	EventGateAnswered      = "gate_answered"
	EventGateTimeout       = "gate_timeout"
	EventGateCancelled     = "gate_cancelled"
	EventRunNodeStarted    = "node_started"
	EventRunNodeCompleted  = "node_completed"
	EventRunNodeTimeout    = "node_timeout"
	EventRunNodeError      = "node_error"
)

// NestedEventPrefix namespaces a child run's events when they are forwarded
// onto the parent run's stream by run_workflow.
const NestedEventPrefix = "nested:"
