package supervisor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/getsimpletool/mcpo-simple-server/internal/mcpclient"
	"github.com/getsimpletool/mcpo-simple-server/internal/mcpproc"
	"github.com/getsimpletool/mcpo-simple-server/internal/store"
)

var (
	ErrServerNotFound   = errors.New("mcp server not found")
	ErrServerNotRunning = errors.New("mcp server is not running")
	ErrServerDisabled   = errors.New("mcp server is disabled")
	ErrToolNotFound     = errors.New("tool not found")
)

// HandshakeError reports a child that spawned but never completed the
// MCP initialization sequence. It is a server-side failure of the
// originating start, regardless of what broke the handshake underneath.
type HandshakeError struct {
	Err error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed: %v", e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Status is the lifecycle state of a managed MCP server instance
type Status int

const (
	StatusPending Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusStopped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ServerKey identifies one instance: servers are namespaced per user, so
// two users each running "time" are two independent children.
type ServerKey struct {
	Username string
	Name     string
}

// Instance is one supervised MCP server. All mutable state is guarded by
// mu; lifecycle operations hold mu for their full duration so at most one
// transition runs at a time per instance.
type Instance struct {
	Key  ServerKey
	Spec store.ServerSpec

	mu        sync.Mutex
	status    Status
	handle    *mcpproc.Handle
	client    *mcpclient.Client
	startedAt time.Time
	lastErr   error
}

// Snapshot is a point-in-time view of an instance for status reporting
type Snapshot struct {
	Name          string   `json:"name"`
	Status        string   `json:"status"`
	PID           int      `json:"pid,omitempty"`
	UptimeSeconds float64  `json:"uptime_seconds,omitempty"`
	ToolCount     int      `json:"tool_count"`
	Tools         []string `json:"tools,omitempty"`
	LastError     string   `json:"last_error,omitempty"`
}

// snapshotLocked builds a Snapshot; caller holds i.mu
func (i *Instance) snapshotLocked() Snapshot {
	snap := Snapshot{
		Name:   i.Key.Name,
		Status: i.status.String(),
	}
	if i.status == StatusRunning && i.handle != nil {
		snap.PID = i.handle.PID()
		snap.UptimeSeconds = time.Since(i.startedAt).Seconds()
	}
	if i.client != nil {
		tools := i.client.Tools()
		snap.ToolCount = len(tools)
		for _, t := range tools {
			snap.Tools = append(snap.Tools, t.Name)
		}
	}
	if i.lastErr != nil {
		snap.LastError = i.lastErr.Error()
	}
	return snap
}

// Snapshot returns a point-in-time view of the instance
func (i *Instance) Snapshot() Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.snapshotLocked()
}

// Status returns the current lifecycle state
func (i *Instance) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}
