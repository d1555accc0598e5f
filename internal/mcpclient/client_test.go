package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type fakeTransport struct {
	handler  func(method string, params any) (json.RawMessage, error)
	calls    []string
	notifies []string
}

func (f *fakeTransport) Call(_ context.Context, method string, params any) (json.RawMessage, error) {
	f.calls = append(f.calls, method)
	return f.handler(method, params)
}

func (f *fakeTransport) Notify(_ context.Context, method string, _ any) error {
	f.notifies = append(f.notifies, method)
	return nil
}

func initResult() json.RawMessage {
	return json.RawMessage(`{"protocolVersion":"2025-03-26","serverInfo":{"name":"time-server","version":"0.3.1"}}`)
}

func TestHandshake(t *testing.T) {
	ft := &fakeTransport{
		handler: func(method string, params any) (json.RawMessage, error) {
			switch method {
			case "initialize":
				return initResult(), nil
			case "tools/list":
				return json.RawMessage(`{"tools":[{"name":"get_time","description":"Current time"}]}`), nil
			}
			return nil, errors.New("unexpected method " + method)
		},
	}

	c := New(ft)
	info, tools, err := c.Handshake(context.Background())
	if err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}
	if info.Name != "time-server" {
		t.Errorf("server name = %v, want time-server", info.Name)
	}
	if len(tools) != 1 || tools[0].Name != "get_time" {
		t.Errorf("tools = %+v, want [get_time]", tools)
	}

	// initialized notification must land between initialize and tools/list
	if len(ft.notifies) != 1 || ft.notifies[0] != "notifications/initialized" {
		t.Errorf("notifies = %v, want [notifications/initialized]", ft.notifies)
	}
	want := []string{"initialize", "tools/list"}
	if len(ft.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", ft.calls, want)
	}
	for i := range want {
		if ft.calls[i] != want[i] {
			t.Errorf("calls[%d] = %v, want %v", i, ft.calls[i], want[i])
		}
	}
}

func TestHandshake_Paginated(t *testing.T) {
	page := 0
	ft := &fakeTransport{
		handler: func(method string, params any) (json.RawMessage, error) {
			switch method {
			case "initialize":
				return initResult(), nil
			case "tools/list":
				page++
				if page == 1 {
					return json.RawMessage(`{"tools":[{"name":"a"}],"nextCursor":"p2"}`), nil
				}
				return json.RawMessage(`{"tools":[{"name":"b"}]}`), nil
			}
			return nil, errors.New("unexpected method " + method)
		},
	}

	c := New(ft)
	_, tools, err := c.Handshake(context.Background())
	if err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}
	if len(tools) != 2 || tools[0].Name != "a" || tools[1].Name != "b" {
		t.Errorf("tools = %+v, want [a b]", tools)
	}
	if page != 2 {
		t.Errorf("tools/list pages fetched = %v, want 2", page)
	}
}

func TestHandshake_InitializeFails(t *testing.T) {
	wantErr := errors.New("boom")
	ft := &fakeTransport{
		handler: func(method string, params any) (json.RawMessage, error) {
			return nil, wantErr
		},
	}

	c := New(ft)
	if _, _, err := c.Handshake(context.Background()); !errors.Is(err, wantErr) {
		t.Fatalf("Handshake() error = %v, want wrapped boom", err)
	}
	if len(ft.notifies) != 0 {
		t.Error("initialized must not be sent after a failed initialize")
	}
}

func handshakeWithSchema(t *testing.T, schema string) (*Client, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	ft.handler = func(method string, params any) (json.RawMessage, error) {
		switch method {
		case "initialize":
			return initResult(), nil
		case "tools/list":
			tool := map[string]any{"name": "get_time"}
			if schema != "" {
				tool["inputSchema"] = json.RawMessage(schema)
			}
			res, _ := json.Marshal(map[string]any{"tools": []any{tool}})
			return res, nil
		case "tools/call":
			return json.RawMessage(`{"content":[{"type":"text","text":"14:32"}]}`), nil
		}
		return nil, errors.New("unexpected method " + method)
	}

	c := New(ft)
	if _, _, err := c.Handshake(context.Background()); err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}
	return c, ft
}

func TestCallTool(t *testing.T) {
	c, _ := handshakeWithSchema(t, "")

	res, err := c.CallTool(context.Background(), "get_time", map[string]any{"timezone": "UTC"})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if res.IsError {
		t.Error("IsError = true, want false")
	}
	if len(res.Content) != 1 || res.Content[0].Text != "14:32" {
		t.Errorf("content = %+v, want single text block", res.Content)
	}
}

func TestCallTool_SchemaRejectsArguments(t *testing.T) {
	c, ft := handshakeWithSchema(t, `{
		"type": "object",
		"properties": {"timezone": {"type": "string"}},
		"required": ["timezone"]
	}`)

	callsBefore := len(ft.calls)
	_, err := c.CallTool(context.Background(), "get_time", map[string]any{"timezone": 42})
	var ae *ArgumentError
	if !errors.As(err, &ae) {
		t.Fatalf("CallTool() error = %v, want ArgumentError", err)
	}
	if len(ft.calls) != callsBefore {
		t.Error("invalid arguments must never reach the child")
	}

	// Missing required property is also rejected locally
	if _, err := c.CallTool(context.Background(), "get_time", nil); !errors.As(err, &ae) {
		t.Errorf("CallTool() with missing required arg error = %v, want ArgumentError", err)
	}
}

func TestCallTool_SchemaAcceptsArguments(t *testing.T) {
	c, _ := handshakeWithSchema(t, `{
		"type": "object",
		"properties": {"timezone": {"type": "string"}},
		"required": ["timezone"]
	}`)

	if _, err := c.CallTool(context.Background(), "get_time", map[string]any{"timezone": "UTC"}); err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
}

func TestRefreshTools(t *testing.T) {
	listing := `{"tools":[{"name":"get_time"}]}`
	ft := &fakeTransport{}
	ft.handler = func(method string, params any) (json.RawMessage, error) {
		switch method {
		case "initialize":
			return initResult(), nil
		case "tools/list":
			return json.RawMessage(listing), nil
		}
		return nil, errors.New("unexpected method " + method)
	}

	c := New(ft)
	if _, _, err := c.Handshake(context.Background()); err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}

	listing = `{"tools":[{"name":"get_time"},{"name":"convert_time"}]}`
	tools, err := c.RefreshTools(context.Background())
	if err != nil {
		t.Fatalf("RefreshTools() error = %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("tools after refresh = %+v, want 2 entries", tools)
	}
	if _, ok := c.Tool("convert_time"); !ok {
		t.Error("Tool(convert_time) not found after refresh")
	}
}
