// Package permission implements the local channel agents consult before effectful actions.
//
// The wire format is newline-delimited JSON over a unix socket. Each request line
// carries the session id, the tool name and the tool input; the server answers with
// exactly one response line. Any failure on either side resolves to deny.
package permission

import "encoding/json"

// Decision is the answer to a permission request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
)

// Request asks whether an agent may use a tool.
type Request struct {
	SessionID string          `json:"sessionId"`
	ToolName  string          `json:"toolName"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// Response is the server's decision.
type Response struct {
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason,omitempty"`
}

// Approved reports whether the response allows the action.
func (r Response) Approved() bool {
	return r.Decision == DecisionApprove
}

func deny(reason string) Response {
	return Response{Decision: DecisionDeny, Reason: reason}
}
