// Package gwerrors defines the 5-digit error code taxonomy used on outbound
// WebSocket error frames and in structured logs.
//
// Codes are grouped by class the way the distilled protocol does: transport
// errors (ssh-*, scp-*) in the 20000s, protocol errors (ws-*) in the 30000s,
// session/lock/task errors in the 50000s.
package gwerrors

import "fmt"

// Code is a 5-digit error code sent to clients on an error frame.
type Code int

const (
	SSHConnectFailed  Code = 20000
	SSHConnectTimeout Code = 20001
	SSHAuthFailed     Code = 21000
	SSHCommandFailed  Code = 22000
	SCPFailed         Code = 24000
	HealthCheckFailed Code = 25000

	WSConnectFailed Code = 30000
	WSInvalid       Code = 31000
	WSHandlerNotFound Code = 32000

	SessionAlreadyActive Code = 50004
	NoActiveSession      Code = 50005
	NotSessionOwner      Code = 50006
	ResourceLocked       Code = 50008
	TaskAlreadyRunning   Code = 50010
	TaskNotFound         Code = 50011
	TaskCancelTimeout    Code = 50012
	TaskCancelFailed     Code = 50013
	TaskCleanupFailed    Code = 50014
)

var messages = map[Code]string{
	SSHConnectFailed:  "ssh connect failed",
	SSHConnectTimeout: "ssh connect timeout",
	SSHAuthFailed:     "ssh authentication failed",
	SSHCommandFailed:  "ssh command failed",
	SCPFailed:         "scp transfer failed",
	HealthCheckFailed: "health check failed",

	WSConnectFailed:   "websocket connect failed",
	WSInvalid:         "invalid websocket message",
	WSHandlerNotFound: "no handler for message type",

	SessionAlreadyActive: "session already active",
	NoActiveSession:      "no active session",
	NotSessionOwner:      "not session owner",
	ResourceLocked:       "resource is locked",
	TaskAlreadyRunning:   "task already running",
	TaskNotFound:         "task not found",
	TaskCancelTimeout:    "task cancel timed out",
	TaskCancelFailed:     "task cancel failed",
	TaskCleanupFailed:    "task cleanup failed",
}

// Error is a typed error carrying a wire-visible code, a human message and
// optional structured detail (e.g. the current lock owner). It wraps an
// underlying cause when one exists so %w-chains stay intact for logs.
type Error struct {
	Code    Code
	Message string
	Detail  string
	Cause   error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Message, e.Detail, codeLabel(e.Code))
	}
	return fmt.Sprintf("%s (%s)", e.Message, codeLabel(e.Code))
}

func (e *Error) Unwrap() error { return e.Cause }

func codeLabel(c Code) string {
	return fmt.Sprintf("%d", int(c))
}

// New builds an Error with the canonical message for code.
func New(code Code, detail string) *Error {
	return &Error{Code: code, Message: messages[code], Detail: detail}
}

// Wrap builds an Error around an existing cause, keeping it unwrappable.
func Wrap(code Code, detail string, cause error) *Error {
	return &Error{Code: code, Message: messages[code], Detail: detail, Cause: cause}
}

// As extracts a *Error from err if present.
func As(err error) (*Error, bool) {
	ge, ok := err.(*Error)
	return ge, ok
}
