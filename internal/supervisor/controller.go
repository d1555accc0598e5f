// Package supervisor owns the lifecycle of MCP server child processes:
// create, start, stop, restart, delete, crash handling and tool-call
// routing. Instances are keyed per user, so identically named servers of
// different users never share a process.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/getsimpletool/mcpo-simple-server/internal/config"
	"github.com/getsimpletool/mcpo-simple-server/internal/logger"
	"github.com/getsimpletool/mcpo-simple-server/internal/mcpclient"
	"github.com/getsimpletool/mcpo-simple-server/internal/mcpproc"
	"github.com/getsimpletool/mcpo-simple-server/internal/metrics"
	"github.com/getsimpletool/mcpo-simple-server/internal/store"
	"github.com/getsimpletool/mcpo-simple-server/internal/validation"
)

// Controller manages all MCP server instances against the persisted
// per-user configuration.
type Controller struct {
	cfg *config.Config
	st  *store.Store
	reg *registry
}

// New creates a controller. No children are started; call Reconcile to
// bring persisted specs up.
func New(cfg *config.Config, st *store.Store) *Controller {
	return &Controller{cfg: cfg, st: st, reg: newRegistry()}
}

// ValidateSpec checks a server definition before it is accepted
func ValidateSpec(name string, spec store.ServerSpec) error {
	if err := validation.ValidateServerName(name); err != nil {
		return err
	}
	if err := validation.ValidateCommand(spec.Command); err != nil {
		return err
	}
	for key := range spec.Env {
		if err := validation.ValidateEnvKey(key); err != nil {
			return err
		}
	}
	return nil
}

// Add creates or replaces a server definition for a user, persists it,
// and starts the new instance unless the spec is disabled. A replaced
// instance's child is stopped first; the config write and the process
// swap happen in that order so a crash mid-way leaves the persisted
// config authoritative.
func (c *Controller) Add(ctx context.Context, username, name string, spec store.ServerSpec) (Snapshot, error) {
	if err := ValidateSpec(name, spec); err != nil {
		return Snapshot{}, err
	}

	if err := c.st.PutServerSpec(username, name, spec); err != nil {
		return Snapshot{}, err
	}

	key := ServerKey{Username: username, Name: name}
	inst := &Instance{Key: key, Spec: spec, status: initialStatus(spec)}
	if prev := c.reg.put(key, inst); prev != nil {
		if err := c.stopInstance(ctx, prev); err != nil {
			logger.Slog().Warn("failed to stop replaced server", "user", username, "server", name, "error", err)
		}
	}

	if spec.Disabled {
		return inst.Snapshot(), nil
	}
	if err := c.startInstance(ctx, inst); err != nil {
		// Definition is persisted; the failed instance stays visible
		return inst.Snapshot(), err
	}
	return inst.Snapshot(), nil
}

// instanceFor resolves a registry instance, materializing one from the
// persisted spec when the server is configured but has never run.
func (c *Controller) instanceFor(username, name string) (*Instance, error) {
	key := ServerKey{Username: username, Name: name}
	if inst, ok := c.reg.get(key); ok {
		return inst, nil
	}
	spec, err := c.st.GetServerSpec(username, name)
	if err != nil {
		return nil, ErrServerNotFound
	}
	inst := &Instance{Key: key, Spec: *spec, status: initialStatus(*spec)}
	return c.reg.getOrPut(key, inst), nil
}

// initialStatus is the state of an instance that has never been started.
// Disabled specs sit in stopped rather than pending: they are complete
// definitions that will not run until re-enabled.
func initialStatus(spec store.ServerSpec) Status {
	if spec.Disabled {
		return StatusStopped
	}
	return StatusPending
}

// Start launches a configured server's child process and runs the MCP
// handshake. Starting a running server is a no-op.
func (c *Controller) Start(ctx context.Context, username, name string) (Snapshot, error) {
	inst, err := c.instanceFor(username, name)
	if err != nil {
		return Snapshot{}, err
	}
	if err := c.startInstance(ctx, inst); err != nil {
		return inst.Snapshot(), err
	}
	return inst.Snapshot(), nil
}

// Stop shuts down a server's child process. Stopping a server that is
// not running is a no-op, not an error.
func (c *Controller) Stop(ctx context.Context, username, name string) (Snapshot, error) {
	inst, err := c.instanceFor(username, name)
	if err != nil {
		return Snapshot{}, err
	}
	if err := c.stopInstance(ctx, inst); err != nil {
		return inst.Snapshot(), err
	}
	return inst.Snapshot(), nil
}

// Restart stops then starts the server. The instance lock inside the
// two phases guarantees no concurrent transition interleaves.
func (c *Controller) Restart(ctx context.Context, username, name string) (Snapshot, error) {
	inst, err := c.instanceFor(username, name)
	if err != nil {
		return Snapshot{}, err
	}
	if err := c.stopInstance(ctx, inst); err != nil {
		return inst.Snapshot(), err
	}
	if err := c.startInstance(ctx, inst); err != nil {
		return inst.Snapshot(), err
	}
	return inst.Snapshot(), nil
}

// Delete stops the server and removes it from both the registry and the
// persisted configuration.
func (c *Controller) Delete(ctx context.Context, username, name string) error {
	key := ServerKey{Username: username, Name: name}

	inst, hadInstance := c.reg.get(key)
	if hadInstance {
		if err := c.stopInstance(ctx, inst); err != nil {
			logger.Slog().Warn("failed to stop server during delete", "user", username, "server", name, "error", err)
		}
		c.reg.remove(key)
	}

	err := c.st.DeleteServerSpec(username, name)
	if err == store.ErrSpecNotFound {
		if hadInstance {
			return nil
		}
		return ErrServerNotFound
	}
	return err
}

// StatusOf reports one server's current state
func (c *Controller) StatusOf(username, name string) (Snapshot, error) {
	inst, err := c.instanceFor(username, name)
	if err != nil {
		return Snapshot{}, err
	}
	return inst.Snapshot(), nil
}

// List reports all of a user's servers, configured-but-never-started
// ones included.
func (c *Controller) List(username string) ([]Snapshot, error) {
	specs, err := c.st.ListServerSpecs(username)
	if err != nil {
		return nil, err
	}
	// Materialize registry entries so persisted-only servers show up
	for name := range specs {
		if _, err := c.instanceFor(username, name); err != nil {
			return nil, err
		}
	}

	insts := c.reg.byUser(username)
	out := make([]Snapshot, 0, len(insts))
	for _, inst := range insts {
		out = append(out, inst.Snapshot())
	}
	return out, nil
}

// ListAll reports every user's servers, keyed by username. Meant for
// operators; per-user surfaces go through List.
func (c *Controller) ListAll() (map[string][]Snapshot, error) {
	usernames, err := c.st.ListUsernames()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]Snapshot, len(usernames))
	for _, username := range usernames {
		snaps, err := c.List(username)
		if err != nil {
			return nil, err
		}
		if len(snaps) > 0 {
			out[username] = snaps
		}
	}
	return out, nil
}

// Config returns the persisted server definitions for a user
func (c *Controller) Config(username string) (map[string]store.ServerSpec, error) {
	return c.st.ListServerSpecs(username)
}

// Tools returns the cached tool list of one running server
func (c *Controller) Tools(username, name string) ([]mcpclient.Tool, error) {
	client, err := c.runningClient(username, name)
	if err != nil {
		return nil, err
	}
	return client.Tools(), nil
}

// CallTool proxies a tool invocation to the named server. The server
// must be running; crashed servers are never restarted implicitly.
func (c *Controller) CallTool(ctx context.Context, username, server, tool string, args map[string]any) (*mcpclient.ToolResult, error) {
	client, err := c.runningClient(username, server)
	if err != nil {
		return nil, err
	}
	if _, ok := client.Tool(tool); !ok {
		return nil, ErrToolNotFound
	}

	cctx, cancel := context.WithTimeout(ctx, c.cfg.ToolCallTimeout)
	defer cancel()

	start := time.Now()
	result, err := client.CallTool(cctx, tool, args)
	status := "ok"
	if err != nil {
		status = "error"
	} else if result.IsError {
		status = "tool_error"
	}
	metrics.RecordToolCall(server, status, time.Since(start))
	return result, err
}

func (c *Controller) runningClient(username, name string) (*mcpclient.Client, error) {
	inst, ok := c.reg.get(ServerKey{Username: username, Name: name})
	if !ok {
		// Distinguish "no such server" from "configured but not running"
		if _, err := c.st.GetServerSpec(username, name); err == nil {
			return nil, ErrServerNotRunning
		}
		return nil, ErrServerNotFound
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.status != StatusRunning || inst.client == nil {
		return nil, ErrServerNotRunning
	}
	return inst.client, nil
}

// UpdateServerEnv mutates a server spec's env map in persisted config and
// in the registry. The running child keeps its old environment until an
// explicit restart; env changes never bounce a process by themselves.
// A nil mutate result clears the map.
func (c *Controller) UpdateServerEnv(username, name string, mutate func(env map[string]string) (map[string]string, error)) error {
	inst, err := c.instanceFor(username, name)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	env := make(map[string]string, len(inst.Spec.Env))
	for k, v := range inst.Spec.Env {
		env[k] = v
	}
	next, err := mutate(env)
	if err != nil {
		return err
	}
	for key := range next {
		if err := validation.ValidateEnvKey(key); err != nil {
			return err
		}
	}

	spec := inst.Spec
	spec.Env = next
	if err := c.st.PutServerSpec(username, name, spec); err != nil {
		return err
	}
	inst.Spec = spec
	return nil
}

// Reconcile starts every enabled persisted server across all users.
// Individual failures are logged and skipped; one broken spec must not
// block the rest of the fleet at boot.
func (c *Controller) Reconcile(ctx context.Context) {
	usernames, err := c.st.ListUsernames()
	if err != nil {
		logger.Slog().Error("reconcile: cannot list users", "error", err)
		return
	}
	for _, username := range usernames {
		specs, err := c.st.ListServerSpecs(username)
		if err != nil {
			logger.Slog().Error("reconcile: cannot list specs", "user", username, "error", err)
			continue
		}
		for name, spec := range specs {
			if spec.Disabled {
				continue
			}
			if _, err := c.Start(ctx, username, name); err != nil {
				logger.Slog().Warn("reconcile: server failed to start", "user", username, "server", name, "error", err)
			}
		}
	}
}

// Shutdown stops all children in parallel
func (c *Controller) Shutdown(ctx context.Context) {
	var wg sync.WaitGroup
	for _, inst := range c.reg.all() {
		wg.Add(1)
		go func(inst *Instance) {
			defer wg.Done()
			if err := c.stopInstance(ctx, inst); err != nil {
				logger.Slog().Warn("shutdown: failed to stop server",
					"user", inst.Key.Username, "server", inst.Key.Name, "error", err)
			}
		}(inst)
	}
	wg.Wait()
}

// startInstance runs the full start transition under the instance lock:
// pending/stopped/failed -> starting -> running, or -> failed.
func (c *Controller) startInstance(ctx context.Context, inst *Instance) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.status == StatusRunning || inst.status == StatusStarting {
		return nil
	}
	// Spec reads happen under the lock: UpdateServerEnv rewrites it
	if inst.Spec.Disabled {
		return ErrServerDisabled
	}
	inst.status = StatusStarting
	inst.lastErr = nil

	userEnv, err := c.st.GetUserEnv(inst.Key.Username)
	if err != nil && err != store.ErrUserNotFound {
		inst.status = StatusFailed
		inst.lastErr = err
		return err
	}

	handle, err := mcpproc.Spawn(mcpproc.Options{
		Command:       inst.Spec.Command,
		Args:          inst.Spec.Args,
		Env:           effectiveEnv(c.cfg.EnvAllowlist, userEnv, inst.Spec.Env),
		ShutdownGrace: c.cfg.ShutdownGrace,
		MaxInflight:   c.cfg.MaxInflightPerChild,
		OnNotification: func(n mcpproc.Notification) {
			if n.Method == "notifications/tools/list_changed" {
				go c.refreshTools(inst)
			}
		},
		OnExit: func(gone *mcpproc.ChildGoneError) {
			c.onChildExit(inst, gone)
		},
	})
	if err != nil {
		inst.status = StatusFailed
		inst.lastErr = err
		return err
	}

	client := mcpclient.New(handle)
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	info, tools, err := client.Handshake(hctx)
	if err != nil {
		metrics.RecordHandshakeFailure()
		inst.status = StatusFailed
		inst.lastErr = &HandshakeError{Err: err}
		// The child may still be alive and half-initialized; take it down
		go func() {
			sctx, scancel := context.WithTimeout(context.Background(), c.cfg.ShutdownGrace*3)
			defer scancel()
			_ = handle.Shutdown(sctx)
		}()
		return inst.lastErr
	}

	inst.handle = handle
	inst.client = client
	inst.startedAt = time.Now()
	inst.status = StatusRunning
	metrics.ServersRunning.Inc()

	logger.Slog().Info("mcp server started",
		"user", inst.Key.Username, "server", inst.Key.Name,
		"pid", handle.PID(), "impl", info.Name, "tools", len(tools))
	return nil
}

// stopInstance runs the stop transition. Already-stopped states are a
// successful no-op.
func (c *Controller) stopInstance(ctx context.Context, inst *Instance) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	switch inst.status {
	case StatusPending, StatusStopped:
		return nil
	case StatusFailed:
		inst.status = StatusStopped
		inst.handle = nil
		inst.client = nil
		return nil
	case StatusStopping:
		return nil
	}

	inst.status = StatusStopping
	handle := inst.handle

	var err error
	if handle != nil {
		err = handle.Shutdown(ctx)
	}
	inst.status = StatusStopped
	inst.handle = nil
	inst.client = nil
	metrics.ServersRunning.Dec()

	logger.Slog().Info("mcp server stopped", "user", inst.Key.Username, "server", inst.Key.Name)
	return err
}

// onChildExit marks a crashed instance failed and fails nothing else:
// recovery is explicit via Start or Restart.
func (c *Controller) onChildExit(inst *Instance, gone *mcpproc.ChildGoneError) {
	inst.mu.Lock()
	wasRunning := inst.status == StatusRunning
	if wasRunning {
		inst.status = StatusFailed
		inst.lastErr = gone
		inst.handle = nil
		inst.client = nil
	}
	inst.mu.Unlock()

	if wasRunning {
		metrics.RecordChildExit()
		metrics.ServersRunning.Dec()
		logger.Slog().Warn("mcp server crashed",
			"user", inst.Key.Username, "server", inst.Key.Name,
			"exit_code", gone.ExitCode, "stderr_tail", gone.StderrTail)
	}
}

// refreshTools re-runs tool discovery after the server announced a
// changed tool list.
func (c *Controller) refreshTools(inst *Instance) {
	inst.mu.Lock()
	client := inst.client
	running := inst.status == StatusRunning
	inst.mu.Unlock()
	if !running || client == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	defer cancel()
	tools, err := client.RefreshTools(ctx)
	if err != nil {
		logger.Slog().Warn("tool rediscovery failed",
			"user", inst.Key.Username, "server", inst.Key.Name, "error", err)
		return
	}
	logger.Slog().Info("tool list refreshed",
		"user", inst.Key.Username, "server", inst.Key.Name, "tools", len(tools))
}
