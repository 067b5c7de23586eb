package protocol

// CommandType enumerates the commands recognized by the engine dispatcher.
type CommandType string

const (
	// Sessions
	CommandCreateSession CommandType = "CREATE_SESSION"
	CommandDeleteSession CommandType = "DELETE_SESSION"
	CommandListSessions  CommandType = "LIST_SESSIONS"
	CommandGetSession    CommandType = "GET_SESSION"

	// Node lifecycle
	CommandCreateNode    CommandType = "CREATE_NODE"
	CommandDeleteNode    CommandType = "DELETE_NODE"
	CommandListNodes     CommandType = "LIST_NODES"
	CommandGetNode       CommandType = "GET_NODE"
	CommandInterruptNode CommandType = "INTERRUPT_NODE"

	// Node interaction
	CommandExecuteInput CommandType = "EXECUTE_INPUT"
	CommandWriteRaw     CommandType = "WRITE_RAW"
	CommandRunCommand   CommandType = "RUN_COMMAND"
	CommandReadBuffer   CommandType = "READ_BUFFER"
	CommandReadTail     CommandType = "READ_TAIL"
	CommandReadScreen   CommandType = "READ_SCREEN"

	// Graphs
	CommandCreateGraph  CommandType = "CREATE_GRAPH"
	CommandDeleteGraph  CommandType = "DELETE_GRAPH"
	CommandListGraphs   CommandType = "LIST_GRAPHS"
	CommandGetGraph     CommandType = "GET_GRAPH"
	CommandExecuteGraph CommandType = "EXECUTE_GRAPH"
	CommandRunGraph     CommandType = "RUN_GRAPH"
	CommandCancelGraph  CommandType = "CANCEL_GRAPH"

	// Workflows
	CommandRegisterWorkflow CommandType = "REGISTER_WORKFLOW"
	CommandListWorkflows    CommandType = "LIST_WORKFLOWS"
	CommandGetWorkflow      CommandType = "GET_WORKFLOW"
	CommandRunWorkflow      CommandType = "RUN_WORKFLOW"
	CommandListWorkflowRuns CommandType = "LIST_WORKFLOW_RUNS"
	CommandGetWorkflowRun   CommandType = "GET_WORKFLOW_RUN"
	CommandAnswerGate       CommandType = "ANSWER_GATE"
	CommandCancelWorkflow   CommandType = "CANCEL_WORKFLOW"

	// History
	CommandGetHistory CommandType = "GET_HISTORY"

	// Server
	CommandShutdown CommandType = "SHUTDOWN"
)
