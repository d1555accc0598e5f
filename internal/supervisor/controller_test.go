package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/getsimpletool/mcpo-simple-server/internal/config"
	"github.com/getsimpletool/mcpo-simple-server/internal/mcpproc"
	"github.com/getsimpletool/mcpo-simple-server/internal/store"
)

// fakeServerScript speaks just enough MCP over stdio for the handshake
// and answers every later request with a fixed text result. Request ids
// are deterministic: 1 is initialize, 2 is the first tools/list.
const fakeServerScript = `
read line
printf '%s\n' '{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2025-03-26","serverInfo":{"name":"fake-server","version":"1.0"}}}'
read notif
read line
printf '%s\n' '{"jsonrpc":"2.0","id":2,"result":{"tools":[{"name":"get_time","description":"Current time"}]}}'
while read line; do
  id=${line#*\"id\":}
  id=${id%%,*}
  id=${id%%\}*}
  printf '{"jsonrpc":"2.0","id":%s,"result":{"content":[{"type":"text","text":"14:32"}]}}\n' "$id"
done
`

// crashingServerScript completes the handshake, then dies on the first
// tool call.
const crashingServerScript = `
read line
printf '%s\n' '{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2025-03-26","serverInfo":{"name":"crasher","version":"1.0"}}}'
read notif
read line
printf '%s\n' '{"jsonrpc":"2.0","id":2,"result":{"tools":[{"name":"boom"}]}}'
read line
exit 5
`

func testConfig() *config.Config {
	return &config.Config{
		HandshakeTimeout:    5 * time.Second,
		ToolCallTimeout:     5 * time.Second,
		ShutdownGrace:       200 * time.Millisecond,
		MonitorInterval:     time.Second,
		EnvAllowlist:        []string{"PATH"},
		MaxInflightPerChild: 0,
	}
}

func newTestController(t *testing.T) *Controller {
	t.Helper()
	st, err := store.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctrl := New(testConfig(), st)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ctrl.Shutdown(ctx)
	})
	return ctrl
}

func shSpec(script string) store.ServerSpec {
	return store.ServerSpec{Command: "sh", Args: []string{"-c", script}}
}

// waitStatus polls until the server reaches the wanted state
func waitStatus(t *testing.T, ctrl *Controller, username, name, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := ctrl.StatusOf(username, name)
		if err != nil {
			t.Fatalf("StatusOf() error = %v", err)
		}
		if snap.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	snap, _ := ctrl.StatusOf(username, name)
	t.Fatalf("server never reached %q, last status %q", want, snap.Status)
}

func TestAddAndCallTool(t *testing.T) {
	ctrl := newTestController(t)
	ctx := context.Background()

	snap, err := ctrl.Add(ctx, "donald", "time", shSpec(fakeServerScript))
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if snap.Status != "running" {
		t.Fatalf("status = %v, want running", snap.Status)
	}
	if snap.PID == 0 {
		t.Error("running server should report a pid")
	}
	if snap.ToolCount != 1 || len(snap.Tools) != 1 || snap.Tools[0] != "get_time" {
		t.Errorf("tools = %v, want [get_time]", snap.Tools)
	}

	result, err := ctrl.CallTool(ctx, "donald", "time", "get_time", nil)
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "14:32" {
		t.Errorf("content = %+v, want single text block 14:32", result.Content)
	}

	// Unknown tool on a running server
	if _, err := ctrl.CallTool(ctx, "donald", "time", "no_such_tool", nil); !errors.Is(err, ErrToolNotFound) {
		t.Errorf("CallTool(no_such_tool) error = %v, want ErrToolNotFound", err)
	}
}

func TestAdd_InvalidSpec(t *testing.T) {
	ctrl := newTestController(t)
	ctx := context.Background()

	cases := []struct {
		name string
		spec store.ServerSpec
	}{
		{"bad__delimiter", shSpec(fakeServerScript)},
		{"bad name", shSpec(fakeServerScript)},
		{"time", store.ServerSpec{Command: "  "}},
		{"time2", store.ServerSpec{Command: "sh", Env: map[string]string{"1BAD": "x"}}},
	}
	for _, tc := range cases {
		if _, err := ctrl.Add(ctx, "donald", tc.name, tc.spec); err == nil {
			t.Errorf("Add(%q, %+v) succeeded, want validation error", tc.name, tc.spec)
		}
	}
}

func TestAdd_SpawnFailureRetainsInstance(t *testing.T) {
	ctrl := newTestController(t)
	ctx := context.Background()

	_, err := ctrl.Add(ctx, "donald", "broken", store.ServerSpec{Command: "/nonexistent/mcp-server"})
	var se *mcpproc.SpawnError
	if !errors.As(err, &se) {
		t.Fatalf("Add() error = %v, want SpawnError", err)
	}

	// The failed instance stays visible with its error until deleted
	snap, err := ctrl.StatusOf("donald", "broken")
	if err != nil {
		t.Fatalf("StatusOf() error = %v", err)
	}
	if snap.Status != "failed" {
		t.Errorf("status = %v, want failed", snap.Status)
	}
	if snap.LastError == "" {
		t.Error("failed instance should expose its error")
	}

	list, err := ctrl.List("donald")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 1 || list[0].Status != "failed" {
		t.Errorf("List() = %+v, want one failed entry", list)
	}
}

func TestAdd_HandshakeFailure(t *testing.T) {
	ctrl := newTestController(t)
	ctx := context.Background()

	// Child answers initialize with a JSON-RPC error
	script := `
read line
printf '%s\n' '{"jsonrpc":"2.0","id":1,"error":{"code":-32600,"message":"unsupported"}}'
read wait_for_eof`
	_, err := ctrl.Add(ctx, "donald", "refuser", shSpec(script))
	if err == nil {
		t.Fatal("Add() succeeded, want handshake error")
	}
	snap, _ := ctrl.StatusOf("donald", "refuser")
	if snap.Status != "failed" {
		t.Errorf("status = %v, want failed", snap.Status)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	ctrl := newTestController(t)
	ctx := context.Background()

	if _, err := ctrl.Add(ctx, "donald", "time", shSpec(fakeServerScript)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	snap, err := ctrl.Stop(ctx, "donald", "time")
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if snap.Status != "stopped" {
		t.Errorf("status = %v, want stopped", snap.Status)
	}

	// Second stop is a no-op success
	if _, err := ctrl.Stop(ctx, "donald", "time"); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}

	if _, err := ctrl.CallTool(ctx, "donald", "time", "get_time", nil); !errors.Is(err, ErrServerNotRunning) {
		t.Errorf("CallTool() on stopped server error = %v, want ErrServerNotRunning", err)
	}
}

func TestRestart(t *testing.T) {
	ctrl := newTestController(t)
	ctx := context.Background()

	first, err := ctrl.Add(ctx, "donald", "time", shSpec(fakeServerScript))
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	second, err := ctrl.Restart(ctx, "donald", "time")
	if err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	if second.Status != "running" {
		t.Fatalf("status after restart = %v, want running", second.Status)
	}
	if second.PID == first.PID {
		t.Errorf("restart kept pid %v, want a fresh child", second.PID)
	}

	if _, err := ctrl.CallTool(ctx, "donald", "time", "get_time", nil); err != nil {
		t.Errorf("CallTool() after restart error = %v", err)
	}
}

func TestCrashAndExplicitRecovery(t *testing.T) {
	ctrl := newTestController(t)
	ctx := context.Background()

	if _, err := ctrl.Add(ctx, "donald", "crasher", shSpec(crashingServerScript)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	_, err := ctrl.CallTool(ctx, "donald", "crasher", "boom", nil)
	if !mcpproc.IsChildGone(err) {
		t.Fatalf("CallTool() error = %v, want ChildGoneError", err)
	}

	// Exit watcher marks the instance failed; no implicit restart
	waitStatus(t, ctrl, "donald", "crasher", "failed")

	if _, err := ctrl.CallTool(ctx, "donald", "crasher", "boom", nil); !errors.Is(err, ErrServerNotRunning) {
		t.Errorf("CallTool() on crashed server error = %v, want ErrServerNotRunning", err)
	}

	// Explicit start brings up a fresh child
	snap, err := ctrl.Start(ctx, "donald", "crasher")
	if err != nil {
		t.Fatalf("Start() after crash error = %v", err)
	}
	if snap.Status != "running" {
		t.Errorf("status = %v, want running", snap.Status)
	}
}

func TestDelete_PerUserIsolation(t *testing.T) {
	ctrl := newTestController(t)
	ctx := context.Background()

	// donald runs time and calculator; admin runs their own time
	for _, name := range []string{"time", "calculator"} {
		if _, err := ctrl.Add(ctx, "donald", name, shSpec(fakeServerScript)); err != nil {
			t.Fatalf("Add(donald, %s) error = %v", name, err)
		}
	}
	if _, err := ctrl.Add(ctx, "admin", "time", shSpec(fakeServerScript)); err != nil {
		t.Fatalf("Add(admin, time) error = %v", err)
	}

	donaldSnap, _ := ctrl.StatusOf("donald", "time")
	adminSnap, _ := ctrl.StatusOf("admin", "time")
	if donaldSnap.PID == adminSnap.PID {
		t.Error("same-named servers of different users must be separate processes")
	}

	if err := ctrl.Delete(ctx, "admin", "time"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	// admin's server is gone from config and registry
	if _, err := ctrl.StatusOf("admin", "time"); !errors.Is(err, ErrServerNotFound) {
		t.Errorf("StatusOf() after delete error = %v, want ErrServerNotFound", err)
	}
	if err := ctrl.Delete(ctx, "admin", "time"); !errors.Is(err, ErrServerNotFound) {
		t.Errorf("second Delete() error = %v, want ErrServerNotFound", err)
	}

	// donald is untouched
	if _, err := ctrl.CallTool(ctx, "donald", "time", "get_time", nil); err != nil {
		t.Errorf("donald's time server broken after admin delete: %v", err)
	}
	list, err := ctrl.List("donald")
	if err != nil {
		t.Fatalf("List(donald) error = %v", err)
	}
	if len(list) != 2 {
		t.Errorf("List(donald) = %d entries, want 2", len(list))
	}
}

func TestDisabledSpec(t *testing.T) {
	ctrl := newTestController(t)
	ctx := context.Background()

	spec := shSpec(fakeServerScript)
	spec.Disabled = true

	snap, err := ctrl.Add(ctx, "donald", "time", spec)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if snap.Status != "stopped" {
		t.Errorf("status = %v, want stopped", snap.Status)
	}

	if _, err := ctrl.Start(ctx, "donald", "time"); !errors.Is(err, ErrServerDisabled) {
		t.Errorf("Start() on disabled server error = %v, want ErrServerDisabled", err)
	}
	if _, err := ctrl.Restart(ctx, "donald", "time"); !errors.Is(err, ErrServerDisabled) {
		t.Errorf("Restart() on disabled server error = %v, want ErrServerDisabled", err)
	}
}

func TestCallTool_UnknownServer(t *testing.T) {
	ctrl := newTestController(t)

	_, err := ctrl.CallTool(context.Background(), "donald", "nope", "tool", nil)
	if !errors.Is(err, ErrServerNotFound) {
		t.Errorf("CallTool() error = %v, want ErrServerNotFound", err)
	}
}

func TestReconcile(t *testing.T) {
	ctrl := newTestController(t)
	ctx := context.Background()

	// Persisted config from a previous run: two users, one disabled spec
	if err := ctrl.st.CreateUser("donald", "x", store.GroupUser); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if err := ctrl.st.CreateUser("admin", "x", store.GroupAdmin); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if err := ctrl.st.PutServerSpec("donald", "time", shSpec(fakeServerScript)); err != nil {
		t.Fatalf("PutServerSpec() error = %v", err)
	}
	disabled := shSpec(fakeServerScript)
	disabled.Disabled = true
	if err := ctrl.st.PutServerSpec("donald", "off", disabled); err != nil {
		t.Fatalf("PutServerSpec() error = %v", err)
	}
	if err := ctrl.st.PutServerSpec("admin", "time", shSpec(fakeServerScript)); err != nil {
		t.Fatalf("PutServerSpec() error = %v", err)
	}

	ctrl.Reconcile(ctx)

	for _, key := range []ServerKey{{"donald", "time"}, {"admin", "time"}} {
		snap, err := ctrl.StatusOf(key.Username, key.Name)
		if err != nil {
			t.Fatalf("StatusOf(%v) error = %v", key, err)
		}
		if snap.Status != "running" {
			t.Errorf("%v status = %v, want running", key, snap.Status)
		}
	}
	snap, err := ctrl.StatusOf("donald", "off")
	if err != nil {
		t.Fatalf("StatusOf(off) error = %v", err)
	}
	if snap.Status != "stopped" {
		t.Errorf("disabled spec status = %v, want stopped", snap.Status)
	}
}

func TestConcurrentEnvUpdateAndLifecycle(t *testing.T) {
	ctrl := newTestController(t)
	ctx := context.Background()

	if _, err := ctrl.Add(ctx, "donald", "time", shSpec(fakeServerScript)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	// Env rewrites race against lifecycle transitions; the spec reads in
	// the start path must happen under the instance lock.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			err := ctrl.UpdateServerEnv("donald", "time", func(env map[string]string) (map[string]string, error) {
				env["TZ"] = "UTC"
				return env, nil
			})
			if err != nil {
				t.Errorf("UpdateServerEnv() error = %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := ctrl.Restart(ctx, "donald", "time"); err != nil {
				t.Errorf("Restart() error = %v", err)
			}
		}()
	}
	wg.Wait()

	// Every restart ends with a start, so the server is running again
	if _, err := ctrl.CallTool(ctx, "donald", "time", "get_time", nil); err != nil {
		t.Errorf("CallTool() after concurrent churn error = %v", err)
	}
}

func TestListAll(t *testing.T) {
	ctrl := newTestController(t)
	ctx := context.Background()

	for _, user := range []string{"donald", "admin"} {
		if err := ctrl.st.CreateUser(user, "x", store.GroupUser); err != nil {
			t.Fatalf("CreateUser(%s) error = %v", user, err)
		}
		if _, err := ctrl.Add(ctx, user, "time", shSpec(fakeServerScript)); err != nil {
			t.Fatalf("Add(%s) error = %v", user, err)
		}
	}

	all, err := ctrl.ListAll()
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("ListAll() = %d users, want 2", len(all))
	}
	for _, user := range []string{"donald", "admin"} {
		snaps := all[user]
		if len(snaps) != 1 || snaps[0].Name != "time" || snaps[0].Status != "running" {
			t.Errorf("ListAll()[%s] = %+v, want one running time server", user, snaps)
		}
	}
}

func TestAdd_ReplacesRunningInstance(t *testing.T) {
	ctrl := newTestController(t)
	ctx := context.Background()

	first, err := ctrl.Add(ctx, "donald", "time", shSpec(fakeServerScript))
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	second, err := ctrl.Add(ctx, "donald", "time", shSpec(fakeServerScript))
	if err != nil {
		t.Fatalf("second Add() error = %v", err)
	}
	if second.PID == first.PID {
		t.Error("replacing a server must spawn a fresh child")
	}

	// Only one instance remains registered
	list, err := ctrl.List("donald")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 1 {
		t.Errorf("List() = %d entries, want 1", len(list))
	}
}
