// Package nerveapi defines the wire types shared between the nerve daemon's
// command plane and every transport (unix socket, TCP, HTTP/WebSocket) and
// client.
package nerveapi

import "encoding/json"

// ProtocolVersion is the command envelope's current wire version.
const ProtocolVersion = 1

// CommandType enumerates the daemon's command plane operations.
type CommandType string

const (
	CreateSession   CommandType = "CREATE_SESSION"
	DeleteSession   CommandType = "DELETE_SESSION"
	ListSessions    CommandType = "LIST_SESSIONS"
	CreateNode      CommandType = "CREATE_NODE"
	DeleteNode      CommandType = "DELETE_NODE"
	RunGraph        CommandType = "RUN_GRAPH"
	InterruptGraph  CommandType = "INTERRUPT_GRAPH"
	ExecuteWorkflow CommandType = "EXECUTE_WORKFLOW"
	AnswerGate      CommandType = "ANSWER_GATE"
	GetStatus       CommandType = "GET_STATUS"
	Shutdown        CommandType = "SHUTDOWN"
)

// Request is one command sent to the daemon over any transport.
type Request struct {
	Version int             `json:"version"`
	ID      string          `json:"id"`
	Type    CommandType     `json:"type"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Error is the structured error a failed Reply carries.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Reply is the daemon's response to a Request, or an asynchronous event
// pushed on a streaming transport (Event set, ID empty).
type Reply struct {
	Version int    `json:"version"`
	ID      string `json:"id,omitempty"`
	Event   string `json:"event,omitempty"`
	OK      *bool  `json:"ok,omitempty"`
	Payload any    `json:"payload,omitempty"`
	Error   *Error `json:"error,omitempty"`
	Seq     *int64 `json:"seq,omitempty"`
}

// OKReply builds a successful Reply to request id carrying payload.
func OKReply(id string, payload any) Reply {
	ok := true
	return Reply{Version: ProtocolVersion, ID: id, OK: &ok, Payload: payload}
}

// ErrReply builds a failed Reply to request id.
func ErrReply(id, code, message string) Reply {
	ok := false
	return Reply{Version: ProtocolVersion, ID: id, OK: &ok, Error: &Error{Code: code, Message: message}}
}

// EventReply builds an asynchronous push (a StepEvent or workflow Event)
// with no corresponding request id.
func EventReply(event string, payload any, seq int64) Reply {
	return Reply{Version: ProtocolVersion, Event: event, Payload: payload, Seq: &seq}
}

// CreateSessionParams is the Params payload for CREATE_SESSION.
type CreateSessionParams struct {
	WorkspaceRoot string `json:"workspace_root"`
}

// CreateSessionResult is the Payload for a successful CREATE_SESSION reply.
type CreateSessionResult struct {
	SessionID string `json:"session_id"`
}

// RunGraphParams is the Params payload for RUN_GRAPH.
type RunGraphParams struct {
	SessionID string `json:"session_id"`
	GraphID   string `json:"graph_id"`
	Input     any    `json:"input"`
	Stream    bool   `json:"stream"`
}

// ExecuteWorkflowParams is the Params payload for EXECUTE_WORKFLOW.
type ExecuteWorkflowParams struct {
	SessionID  string `json:"session_id"`
	WorkflowID string `json:"workflow_id"`
	Input      any    `json:"input"`
}

// AnswerGateParams is the Params payload for ANSWER_GATE.
type AnswerGateParams struct {
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
	GateID    string `json:"gate_id"`
	Value     any    `json:"value"`
}

// StatusResult is the Payload for a successful GET_STATUS reply.
type StatusResult struct {
	Sessions []string `json:"sessions"`
	Uptime   string   `json:"uptime"`
	Version  string   `json:"version"`
}
