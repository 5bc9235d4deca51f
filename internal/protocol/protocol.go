// Package protocol defines the typed JSON frame shapes exchanged over the
// gateway's WebSocket endpoint.
package protocol

import "encoding/json"

// Inbound message type tags.
const (
	TypeStartSession = "start_session"
	TypeEndSession   = "end_session"
	TypeSSHCommand   = "ssh_command"
	TypeSCPTransfer  = "scp_transfer"
)

// Outbound message type tags.
const (
	TypeWelcome        = "welcome"
	TypeOutput         = "output"
	TypeComplete       = "complete"
	TypeError          = "error"
	TypeSessionStarted = "session_started"
	TypeSessionEnded   = "session_ended"
	TypeServerHealth   = "server_health"
	TypeLockStatus     = "lock_status"
)

// Inbound is the envelope every inbound frame is parsed into before its
// type-specific Data payload is unmarshalled.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SSHCommandData is the payload of an ssh_command frame.
type SSHCommandData struct {
	ServerName string `json:"server_name"`
	Command    string `json:"command"`
	StopPhrase string `json:"stop_phrase"`
}

// SCPTransferData is the payload of a scp_transfer frame.
type SCPTransferData struct {
	TransferName string `json:"transfer_name"`
}

// LockStatus describes the session lock for welcome/broadcast frames.
type LockStatus struct {
	Locked    bool   `json:"locked"`
	LockOwner string `json:"lock_owner,omitempty"`
}

// SessionStatus describes the caller's own session relationship.
type SessionStatus struct {
	Active bool   `json:"active"`
	Owner  string `json:"owner,omitempty"`
}

// HealthSnapshot mirrors healthmon.HealthSnapshot for wire transport.
type HealthSnapshot struct {
	ServerName           string `json:"server_name"`
	Host                 string `json:"host"`
	IsHealthy            bool   `json:"is_healthy"`
	LastChecked          string `json:"last_checked"`
	ConsecutiveFailures  int    `json:"consecutive_failures"`
	ConsecutiveSuccesses int    `json:"consecutive_successes"`
}

// HealthEvent mirrors healthmon.Event for the diagnostics HTTP surface; it
// never travels over the WebSocket itself.
type HealthEvent struct {
	ServerName string `json:"server_name"`
	WasHealthy bool   `json:"was_healthy"`
	IsHealthy  bool   `json:"is_healthy"`
	At         string `json:"at"`
}

// Welcome is sent once, immediately after accept, before any other frame.
type Welcome struct {
	Type          string                    `json:"type"`
	ConnectionID  string                    `json:"connection_id"`
	LockStatus    LockStatus                `json:"lock_status"`
	SessionStatus SessionStatus             `json:"session_status"`
	ServerHealth  map[string]HealthSnapshot `json:"server_health"`
}

// Output is a streamed shell/scp output batch.
type Output struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// Complete is a task's successful terminal frame.
type Complete struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorDetail is the structured body of an Error frame.
type ErrorDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Error is an error terminal/protocol frame. Success is always false; it
// is present because the original wire contract includes it explicitly.
type Error struct {
	Type    string      `json:"type"`
	Success bool        `json:"success"`
	Error   ErrorDetail `json:"error"`
}

// SessionStarted acknowledges a successful start_session.
type SessionStarted struct {
	Type         string `json:"type"`
	Message      string `json:"message"`
	SessionOwner string `json:"session_owner"`
}

// SessionEnded acknowledges a successful end_session.
type SessionEnded struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// LockStatusMsg is broadcast to every live connection on every session
// lock transition, letting UIs enable/disable controls independent of the
// direct session_started/session_ended reply to the acting connection.
type LockStatusMsg struct {
	Type      string `json:"type"`
	Locked    bool   `json:"locked"`
	LockOwner string `json:"lock_owner,omitempty"`
}

// ServerHealth is broadcast on every health monitor transition.
type ServerHealth struct {
	Type       string         `json:"type"`
	ServerName string         `json:"server_name"`
	IsHealthy  bool           `json:"is_healthy"`
	Status     HealthSnapshot `json:"status"`
}

func NewOutput(data string) Output { return Output{Type: TypeOutput, Data: data} }

func NewComplete(message string) Complete { return Complete{Type: TypeComplete, Message: message} }

func NewError(code int, message, detail string) Error {
	return Error{Type: TypeError, Success: false, Error: ErrorDetail{Code: code, Message: message, Detail: detail}}
}

func NewSessionStarted(owner string) SessionStarted {
	return SessionStarted{Type: TypeSessionStarted, Message: "Session started", SessionOwner: owner}
}

func NewSessionEnded() SessionEnded {
	return SessionEnded{Type: TypeSessionEnded, Message: "Session ended"}
}
