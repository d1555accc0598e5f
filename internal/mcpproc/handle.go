// Package mcpproc manages a single MCP server child process: spawning,
// line-delimited JSON-RPC over stdin/stdout, request/response correlation,
// stderr capture and orderly shutdown.
package mcpproc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/getsimpletool/mcpo-simple-server/internal/logger"
)

const (
	// Large tool results are common; a plain 64KB scanner line limit is
	// not enough.
	maxLineBytes = 1024 * 1024

	stderrTailBytes = 64 * 1024
)

// Request is an outgoing JSON-RPC request or notification. ID is assigned
// by the handle; callers set only Method and Params.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// incoming is any message read from the child's stdout: a response to one
// of our requests, or a request/notification initiated by the child.
type incoming struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *ProtocolError  `json:"error"`
}

// Notification is a server-initiated message delivered to the handle's
// notification callback.
type Notification struct {
	Method string
	Params json.RawMessage
}

type pendingCall struct {
	ch chan callResult
}

type callResult struct {
	result json.RawMessage
	err    error
}

// Options configures a spawned child process
type Options struct {
	Command string
	Args    []string
	Env     []string // full environment, already merged
	Dir     string

	// ShutdownGrace is how long Shutdown waits after closing stdin and
	// again after SIGTERM before escalating. Zero means a 5s default.
	ShutdownGrace time.Duration

	// MaxInflight bounds concurrent outstanding requests to the child.
	// Zero means unbounded.
	MaxInflight int

	// OnNotification, if set, is invoked (on the reader goroutine) for
	// each server-initiated notification or request.
	OnNotification func(Notification)

	// OnExit, if set, is invoked once when the child process exits for
	// any reason other than an orderly Shutdown.
	OnExit func(err *ChildGoneError)
}

// Handle owns one child process and its stdio plumbing
type Handle struct {
	cmd   *exec.Cmd
	opts  Options
	stdin io.WriteCloser

	nextID  atomic.Int64
	writeCh chan []byte

	mu       sync.Mutex
	pending  map[int64]*pendingCall
	closed   bool
	exitErr  *ChildGoneError
	shutdown bool // set by Shutdown before killing, suppresses OnExit

	sem chan struct{} // nil when unbounded

	stderr *ringBuffer
	done   chan struct{} // closed when the exit watcher finishes

	readerDone chan struct{}
	stderrDone chan struct{}
}

// Spawn launches the child and starts the stdio goroutines. The returned
// handle is ready for Call immediately; the MCP handshake is the caller's
// responsibility.
func Spawn(opts Options) (*Handle, error) {
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 5 * time.Second
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Env = opts.Env
	cmd.Dir = opts.Dir
	// Own process group so Kill does not take the supervisor down with it
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Command: opts.Command, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Command: opts.Command, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Command: opts.Command, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Command: opts.Command, Err: err}
	}

	h := &Handle{
		cmd:        cmd,
		opts:       opts,
		stdin:      stdin,
		writeCh:    make(chan []byte, 64),
		pending:    make(map[int64]*pendingCall),
		stderr:     newRingBuffer(stderrTailBytes),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
		stderrDone: make(chan struct{}),
	}
	if opts.MaxInflight > 0 {
		h.sem = make(chan struct{}, opts.MaxInflight)
	}

	go h.writeLoop()
	go h.readLoop(stdout)
	go h.drainStderr(stderr)
	go h.watchExit()

	return h, nil
}

// PID returns the child's process id
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Alive reports whether the child process has not yet exited
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// StderrTail returns the most recent stderr output of the child
func (h *Handle) StderrTail() string {
	return h.stderr.String()
}

// Call sends a JSON-RPC request and blocks until the matching response
// arrives, ctx expires, or the child dies. A ctx deadline abandons the
// request: its id stays burned and any late reply is dropped.
func (h *Handle) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if h.sem != nil {
		select {
		case h.sem <- struct{}{}:
			defer func() { <-h.sem }()
		case <-ctx.Done():
			return nil, ErrTimeout
		}
	}

	id := h.nextID.Add(1)
	call := &pendingCall{ch: make(chan callResult, 1)}

	h.mu.Lock()
	if h.closed {
		exitErr := h.exitErr
		h.mu.Unlock()
		if exitErr != nil {
			return nil, exitErr
		}
		return nil, ErrHandleClosed
	}
	h.pending[id] = call
	h.mu.Unlock()

	payload, err := json.Marshal(request{JSONRPC: "2.0", ID: &id, Method: method, Params: params})
	if err != nil {
		h.forget(id)
		return nil, err
	}

	if err := h.enqueue(ctx, payload); err != nil {
		h.forget(id)
		return nil, err
	}

	select {
	case res := <-call.ch:
		return res.result, res.err
	case <-ctx.Done():
		h.forget(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// Notify sends a JSON-RPC notification (no id, no reply expected)
func (h *Handle) Notify(ctx context.Context, method string, params any) error {
	payload, err := json.Marshal(request{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return err
	}
	return h.enqueue(ctx, payload)
}

func (h *Handle) enqueue(ctx context.Context, payload []byte) error {
	h.mu.Lock()
	if h.closed {
		exitErr := h.exitErr
		h.mu.Unlock()
		if exitErr != nil {
			return exitErr
		}
		return ErrHandleClosed
	}
	h.mu.Unlock()

	select {
	case h.writeCh <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		h.mu.Lock()
		exitErr := h.exitErr
		h.mu.Unlock()
		if exitErr != nil {
			return exitErr
		}
		return ErrHandleClosed
	}
}

func (h *Handle) forget(id int64) {
	h.mu.Lock()
	delete(h.pending, id)
	h.mu.Unlock()
}

// writeLoop is the single goroutine allowed to touch stdin, so concurrent
// callers never interleave partial lines.
func (h *Handle) writeLoop() {
	for {
		select {
		case payload := <-h.writeCh:
			if _, err := h.stdin.Write(append(payload, '\n')); err != nil {
				logger.Slog().Debug("stdin write failed", "pid", h.PID(), "error", err)
				return
			}
		case <-h.done:
			return
		}
	}
}

func (h *Handle) readLoop(stdout io.Reader) {
	defer close(h.readerDone)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg incoming
		if err := json.Unmarshal(line, &msg); err != nil {
			// Non-JSON noise on stdout is ignored, not fatal
			logger.Slog().Warn("discarding malformed stdout line", "pid", h.PID(), "error", err)
			continue
		}

		// A message carrying a method is a server-initiated request or
		// notification, never a response to one of ours.
		if msg.Method != "" {
			if h.opts.OnNotification != nil {
				h.opts.OnNotification(Notification{Method: msg.Method, Params: msg.Params})
			}
			continue
		}

		if msg.ID == nil {
			continue
		}

		h.mu.Lock()
		call, ok := h.pending[*msg.ID]
		if ok {
			delete(h.pending, *msg.ID)
		}
		h.mu.Unlock()
		if !ok {
			// Unknown or abandoned id; drop it
			continue
		}

		if msg.Error != nil {
			call.ch <- callResult{err: msg.Error}
		} else {
			call.ch <- callResult{result: msg.Result}
		}
	}
}

func (h *Handle) drainStderr(stderr io.Reader) {
	defer close(h.stderrDone)
	_, _ = io.Copy(h.stderr, stderr)
}

func (h *Handle) watchExit() {
	// Wait closes the stdio pipes, so the readers must hit EOF first
	<-h.readerDone
	<-h.stderrDone
	err := h.cmd.Wait()

	exitCode := 0
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			exitCode = ee.ExitCode()
		} else {
			exitCode = -1
		}
	}
	gone := &ChildGoneError{ExitCode: exitCode, StderrTail: h.stderr.String()}

	h.mu.Lock()
	h.closed = true
	h.exitErr = gone
	pending := h.pending
	h.pending = make(map[int64]*pendingCall)
	wasShutdown := h.shutdown
	h.mu.Unlock()

	close(h.done)

	for _, call := range pending {
		call.ch <- callResult{err: gone}
	}

	if !wasShutdown {
		logger.Slog().Warn("child process exited", "pid", h.PID(), "exit_code", exitCode)
		if h.opts.OnExit != nil {
			h.opts.OnExit(gone)
		}
	}
}

// Shutdown stops the child with escalation: close stdin, wait for a
// voluntary exit, SIGTERM, wait again, then SIGKILL. Safe to call more
// than once.
func (h *Handle) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		<-h.done
		return nil
	}
	h.shutdown = true
	h.mu.Unlock()

	grace := h.opts.ShutdownGrace

	_ = h.stdin.Close()
	if h.waitExit(ctx, grace) {
		return nil
	}

	h.signal(syscall.SIGTERM)
	if h.waitExit(ctx, grace) {
		return nil
	}

	logger.Slog().Warn("child ignored SIGTERM, killing", "pid", h.PID())
	h.signal(syscall.SIGKILL)
	<-h.done
	return nil
}

// signal delivers sig to the child's whole process group so grandchildren
// holding the stdio pipes open go down too.
func (h *Handle) signal(sig syscall.Signal) {
	if h.cmd.Process == nil {
		return
	}
	pid := h.cmd.Process.Pid
	if err := syscall.Kill(-pid, sig); err != nil {
		_ = h.cmd.Process.Signal(sig)
	}
}

func (h *Handle) waitExit(ctx context.Context, grace time.Duration) bool {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
