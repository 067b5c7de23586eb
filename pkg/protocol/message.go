// Package protocol defines the wire protocol spoken over the nerve IPC socket
// and the WebSocket gateway: newline-delimited UTF-8 JSON objects.
package protocol

import (
	"encoding/json"
	"time"
)

// MaxLineBytes is the maximum length of a single framed JSON line. Buffer
// snapshots of long-running terminal nodes can be large, so the limit is
// generous.
const MaxLineBytes = 16 * 1024 * 1024

// MessageType discriminates the top-level objects on the wire.
type MessageType string

const (
	MessageTypeCommand MessageType = "command"
	MessageTypeResult  MessageType = "result"
	MessageTypeEvent   MessageType = "event"
	MessageTypeError   MessageType = "error"
)

// Envelope is the minimal shape peeked at before full decoding.
type Envelope struct {
	Type MessageType `json:"type"`
}

// Command is a client request. RequestID is echoed back in the Result; clients
// generate a UUID when the caller does not supply one.
type Command struct {
	Type        MessageType     `json:"type"`
	CommandType CommandType     `json:"command_type"`
	Params      json.RawMessage `json:"params,omitempty"`
	RequestID   string          `json:"request_id"`
}

// Result is the server's reply to one Command.
type Result struct {
	Type      MessageType `json:"type"`
	Success   bool        `json:"success"`
	Data      any         `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	RequestID string      `json:"request_id"`
}

// Event is a server broadcast, fanned out to every connected client.
type Event struct {
	Type      MessageType `json:"type"`
	EventType string      `json:"event_type"`
	NodeID    string      `json:"node_id,omitempty"`
	Data      any         `json:"data,omitempty"`
	Timestamp float64     `json:"timestamp"`
}

// ErrorMessage is returned for frames that are not commands.
type ErrorMessage struct {
	Type  MessageType `json:"type"`
	Error string      `json:"error"`
}

// NewResult builds a successful result for a request.
func NewResult(requestID string, data any) *Result {
	return &Result{Type: MessageTypeResult, Success: true, Data: data, RequestID: requestID}
}

// NewErrorResult builds a failed result for a request.
func NewErrorResult(requestID string, errMsg string) *Result {
	return &Result{Type: MessageTypeResult, Success: false, Error: errMsg, RequestID: requestID}
}

// NewEvent builds a broadcast event stamped with the current time.
func NewEvent(eventType, nodeID string, data any) *Event {
	return &Event{
		Type:      MessageTypeEvent,
		EventType: eventType,
		NodeID:    nodeID,
		Data:      data,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	}
}
