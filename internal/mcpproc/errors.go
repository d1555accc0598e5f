package mcpproc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrTimeout is returned when a call deadline expires while the child is
// still alive. The request is abandoned: a late reply is discarded.
var ErrTimeout = errors.New("request timed out")

// ErrHandleClosed is returned when a call is attempted on a handle that has
// already been shut down.
var ErrHandleClosed = errors.New("process handle closed")

// SpawnError reports a failure to launch the child process at all
// (executable missing, permission denied, etc).
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ProtocolError is a JSON-RPC error object returned by the child in
// response to a request. It is a normal, non-fatal outcome of a call.
type ProtocolError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ChildGoneError reports that the child process exited while requests were
// in flight. All pending calls fail with this error; no retry is attempted.
type ChildGoneError struct {
	ExitCode   int
	StderrTail string
}

func (e *ChildGoneError) Error() string {
	if e.StderrTail != "" {
		return fmt.Sprintf("child process exited with code %d: %s", e.ExitCode, e.StderrTail)
	}
	return fmt.Sprintf("child process exited with code %d", e.ExitCode)
}

// IsChildGone reports whether err wraps a ChildGoneError
func IsChildGone(err error) bool {
	var cg *ChildGoneError
	return errors.As(err, &cg)
}
