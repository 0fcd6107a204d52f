package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/Bigsy/mcpgate/internal/oauth"
)

// scriptedTransport implements Transport in memory. Each Send is parsed and
// answered by the handler; responses queue up for Receive.
type scriptedTransport struct {
	handler func(method string, id int64, params json.RawMessage) []byte
	queue   chan []byte
	closed  bool

	// sent records every method sent, including notifications.
	sent []string
}

func newScriptedTransport(handler func(method string, id int64, params json.RawMessage) []byte) *scriptedTransport {
	return &scriptedTransport{
		handler: handler,
		queue:   make(chan []byte, 10),
	}
}

func (t *scriptedTransport) Send(ctx context.Context, msg []byte) error {
	if t.closed {
		return errors.New("transport closed")
	}

	var req struct {
		ID     int64           `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(msg, &req); err != nil {
		return err
	}
	t.sent = append(t.sent, req.Method)

	if req.ID == 0 {
		// Notification, no response
		return nil
	}

	if resp := t.handler(req.Method, req.ID, req.Params); resp != nil {
		t.queue <- resp
	}
	return nil
}

func (t *scriptedTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-t.queue:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *scriptedTransport) Close() error {
	t.closed = true
	return nil
}

func okResult(id int64, result any) []byte {
	data, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	})
	return data
}

func errResult(id int64, code int, message string) []byte {
	data, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": code, "message": message},
	})
	return data
}

func initHandler(t *testing.T, acceptVersion string) func(string, int64, json.RawMessage) []byte {
	return func(method string, id int64, params json.RawMessage) []byte {
		switch method {
		case "initialize":
			var p struct {
				ProtocolVersion string `json:"protocolVersion"`
			}
			_ = json.Unmarshal(params, &p)
			if acceptVersion != "" && p.ProtocolVersion != acceptVersion {
				return errResult(id, -32602, "unsupported version: "+p.ProtocolVersion)
			}
			return okResult(id, map[string]any{
				"protocolVersion": p.ProtocolVersion,
				"capabilities":    map[string]any{},
				"serverInfo":      map[string]any{"name": "fake-server", "version": "1.2.3"},
			})
		case "tools/list":
			return okResult(id, map[string]any{
				"tools": []map[string]any{
					{"name": "ask_question", "description": "Ask about a repo"},
				},
			})
		case "tools/call":
			return okResult(id, map[string]any{
				"content": []map[string]any{{"type": "text", "text": "the answer"}},
			})
		default:
			return errResult(id, -32601, "method not found")
		}
	}
}

func TestClient_Initialize(t *testing.T) {
	tr := newScriptedTransport(initHandler(t, ""))
	client := NewClient(tr)
	defer client.Close()

	if err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	name, version := client.ServerInfo()
	if name != "fake-server" || version != "1.2.3" {
		t.Errorf("ServerInfo: got %q/%q", name, version)
	}

	// A permissive server accepts the first, newest version
	if client.ProtocolVersion() != SupportedProtocolVersions[0] {
		t.Errorf("ProtocolVersion: got %q, want %q", client.ProtocolVersion(), SupportedProtocolVersions[0])
	}

	// The handshake ends with the initialized notification
	last := tr.sent[len(tr.sent)-1]
	if last != "notifications/initialized" {
		t.Errorf("last sent method: got %q", last)
	}
}

func TestClient_Initialize_VersionFallback(t *testing.T) {
	legacy := SupportedProtocolVersions[len(SupportedProtocolVersions)-1]
	tr := newScriptedTransport(initHandler(t, legacy))
	client := NewClient(tr)
	defer client.Close()

	if err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if client.ProtocolVersion() != legacy {
		t.Errorf("ProtocolVersion: got %q, want %q", client.ProtocolVersion(), legacy)
	}
}

func TestClient_ListTools(t *testing.T) {
	tr := newScriptedTransport(initHandler(t, ""))
	client := NewClient(tr)
	defer client.Close()

	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}

	if len(tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(tools))
	}
	if tools[0].Name != "ask_question" {
		t.Errorf("tool name: got %q", tools[0].Name)
	}
}

func TestClient_CallTool(t *testing.T) {
	tr := newScriptedTransport(initHandler(t, ""))
	client := NewClient(tr)
	defer client.Close()

	result, err := client.CallTool(context.Background(), "ask_question", json.RawMessage(`{"question":"what is this?"}`))
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}

	if len(result.Content) != 1 {
		t.Fatalf("expected 1 content block, got %d", len(result.Content))
	}
	text, ok := result.Content[0].Text()
	if !ok {
		t.Fatal("content block is not text")
	}
	if text != "the answer" {
		t.Errorf("text: got %q", text)
	}
}

func TestClient_CallTool_RPCError(t *testing.T) {
	tr := newScriptedTransport(func(method string, id int64, params json.RawMessage) []byte {
		return errResult(id, -32602, "unknown tool")
	})
	client := NewClient(tr)
	defer client.Close()

	_, err := client.CallTool(context.Background(), "missing", nil)
	if err == nil {
		t.Fatal("expected error from RPC error response")
	}

	var rpcErr *rpcError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected rpcError, got %T: %v", err, err)
	}
	if rpcErr.Code != -32602 {
		t.Errorf("code: got %d", rpcErr.Code)
	}
}

func TestClient_SkipsNotifications(t *testing.T) {
	tr := newScriptedTransport(func(method string, id int64, params json.RawMessage) []byte {
		return okResult(id, map[string]any{"tools": []any{}})
	})
	// A server-initiated notification arrives before our response
	tr.queue <- []byte(`{"jsonrpc":"2.0","method":"notifications/progress","params":{}}`)

	client := NewClient(tr)
	defer client.Close()

	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(tools) != 0 {
		t.Errorf("expected no tools, got %d", len(tools))
	}
}

func TestClient_CallAfterClose(t *testing.T) {
	tr := newScriptedTransport(initHandler(t, ""))
	client := NewClient(tr)

	if err := client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Close is idempotent
	if err := client.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if _, err := client.ListTools(context.Background()); err == nil {
		t.Error("ListTools on closed client should fail")
	}
}

func TestContentBlock_Text(t *testing.T) {
	text := ContentBlock(`{"type":"text","text":"hello"}`)
	got, ok := text.Text()
	if !ok || got != "hello" {
		t.Errorf("Text() = %q, %v", got, ok)
	}

	image := ContentBlock(`{"type":"image","data":"...","mimeType":"image/png"}`)
	if _, ok := image.Text(); ok {
		t.Error("image block should not report text")
	}

	invalid := ContentBlock(`not json`)
	if _, ok := invalid.Text(); ok {
		t.Error("invalid block should not report text")
	}
}

func TestSupportedVersions_HeadMatchesOAuthAdvertisement(t *testing.T) {
	if len(SupportedProtocolVersions) == 0 {
		t.Fatal("no supported protocol versions")
	}
	if SupportedProtocolVersions[0] != oauth.MCPProtocolVersion {
		t.Errorf("preferred version %q differs from the version advertised during oauth discovery %q",
			SupportedProtocolVersions[0], oauth.MCPProtocolVersion)
	}
}
