// Package mcptest provides a fake MCP gateway for client testing. It serves
// both the streamable HTTP endpoint and the legacy HTTP+SSE endpoint pair,
// with optional credential enforcement, and records the headers it saw so
// tests can assert on what the client actually sent.
package mcptest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// Tool describes a tool the fake gateway advertises.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// Config controls the fake gateway's behavior.
type Config struct {
	// ServerName and ServerVersion appear in the initialize result.
	ServerName    string
	ServerVersion string

	// ProtocolVersions restricts which protocol versions initialize accepts.
	// Empty means accept whatever the client proposes.
	ProtocolVersions []string

	// Tools is what tools/list returns.
	Tools []Tool

	// ToolText maps tool name to the text content tools/call returns.
	ToolText map[string]string

	// APIKeyHeader/APIKeyValue, when both set, make every endpoint demand
	// that header with that exact value and answer 401 otherwise.
	APIKeyHeader string
	APIKeyValue  string

	// RequireBearer, when set, makes every endpoint demand
	// "Authorization: Bearer <RequireBearer>".
	RequireBearer string

	// ResourceMetadataURL is advertised in the 401 WWW-Authenticate
	// challenge when set.
	ResourceMetadataURL string

	// SessionID is returned in the Mcp-Session-Id header on initialize.
	SessionID string

	// StreamResponses makes the streamable endpoint answer POSTs with an
	// SSE body instead of plain JSON.
	StreamResponses bool
}

// Gateway is a fake MCP gateway running on an httptest server.
type Gateway struct {
	cfg Config
	srv *httptest.Server

	mu      sync.Mutex
	hosts   []string
	headers []http.Header
	sseOut  chan []byte
}

// NewGateway starts a fake gateway. It is shut down via t.Cleanup.
func NewGateway(t *testing.T, cfg Config) *Gateway {
	t.Helper()

	if cfg.ServerName == "" {
		cfg.ServerName = "fake-gateway"
	}
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "0.0.1"
	}

	g := &Gateway{
		cfg:    cfg,
		sseOut: make(chan []byte, 100),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", g.handleStreamable)
	mux.HandleFunc("/sse", g.handleSSEStream)
	mux.HandleFunc("/messages", g.handleSSEMessage)

	g.srv = httptest.NewServer(mux)
	t.Cleanup(g.srv.Close)
	return g
}

// StreamURL is the streamable HTTP endpoint.
func (g *Gateway) StreamURL() string { return g.srv.URL + "/mcp" }

// SSEURL is the legacy SSE stream endpoint.
func (g *Gateway) SSEURL() string { return g.srv.URL + "/sse" }

// BaseURL is the server root.
func (g *Gateway) BaseURL() string { return g.srv.URL }

// Hosts returns the Host header of every request seen, in order.
func (g *Gateway) Hosts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.hosts))
	copy(out, g.hosts)
	return out
}

// Headers returns a copy of the headers of every request seen, in order.
func (g *Gateway) Headers() []http.Header {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]http.Header, len(g.headers))
	copy(out, g.headers)
	return out
}

// LastHeaders returns the headers of the most recent request, or nil.
func (g *Gateway) LastHeaders() http.Header {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.headers) == 0 {
		return nil
	}
	return g.headers[len(g.headers)-1]
}

func (g *Gateway) record(r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hosts = append(g.hosts, r.Host)
	g.headers = append(g.headers, r.Header.Clone())
}

// authorize enforces the configured credentials. Returns false after writing
// a 401 when the request does not carry them.
func (g *Gateway) authorize(w http.ResponseWriter, r *http.Request) bool {
	authorized := true
	if g.cfg.APIKeyHeader != "" && g.cfg.APIKeyValue != "" {
		if r.Header.Get(g.cfg.APIKeyHeader) != g.cfg.APIKeyValue {
			authorized = false
		}
	}
	if g.cfg.RequireBearer != "" {
		if r.Header.Get("Authorization") != "Bearer "+g.cfg.RequireBearer {
			authorized = false
		}
	}
	if authorized {
		return true
	}

	challenge := "Bearer"
	if g.cfg.ResourceMetadataURL != "" {
		challenge = fmt.Sprintf("Bearer resource_metadata=%q", g.cfg.ResourceMetadataURL)
	}
	w.Header().Set("WWW-Authenticate", challenge)
	w.WriteHeader(http.StatusUnauthorized)
	return false
}

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// handleRPC produces the JSON-RPC response bytes for a request, or nil for
// notifications. A non-nil error means the whole HTTP request should be
// rejected with 400 and the error text as body.
func (g *Gateway) handleRPC(body []byte) ([]byte, error) {
	var msg rpcMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("parse error: %v", err)
	}

	if msg.ID == nil {
		// Notification
		return nil, nil
	}

	switch msg.Method {
	case "initialize":
		var params struct {
			ProtocolVersion string `json:"protocolVersion"`
		}
		_ = json.Unmarshal(msg.Params, &params)
		if len(g.cfg.ProtocolVersions) > 0 && !contains(g.cfg.ProtocolVersions, params.ProtocolVersion) {
			return nil, fmt.Errorf("Unsupported MCP-Protocol-Version: %s", params.ProtocolVersion)
		}
		return rpcResult(*msg.ID, map[string]any{
			"protocolVersion": params.ProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo": map[string]any{
				"name":    g.cfg.ServerName,
				"version": g.cfg.ServerVersion,
			},
		}), nil

	case "tools/list":
		tools := g.cfg.Tools
		if tools == nil {
			tools = []Tool{}
		}
		return rpcResult(*msg.ID, map[string]any{"tools": tools}), nil

	case "tools/call":
		var params struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(msg.Params, &params)
		text, ok := g.cfg.ToolText[params.Name]
		if !ok {
			return rpcError(*msg.ID, -32602, "unknown tool: "+params.Name), nil
		}
		return rpcResult(*msg.ID, map[string]any{
			"content": []map[string]any{{"type": "text", "text": text}},
		}), nil

	default:
		return rpcError(*msg.ID, -32601, "method not found: "+msg.Method), nil
	}
}

func (g *Gateway) handleStreamable(w http.ResponseWriter, r *http.Request) {
	g.record(r)
	if !g.authorize(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, _ := io.ReadAll(r.Body)

	resp, err := g.handleRPC(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, err.Error())
		return
	}

	if g.cfg.SessionID != "" {
		w.Header().Set("Mcp-Session-Id", g.cfg.SessionID)
	}

	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if g.cfg.StreamResponses {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", resp)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(resp)
}

func (g *Gateway) handleSSEStream(w http.ResponseWriter, r *http.Request) {
	g.record(r)
	if !g.authorize(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "event: endpoint\ndata: /messages?sessionId=fake\n\n")
	flusher.Flush()

	for {
		select {
		case msg := <-g.sseOut:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (g *Gateway) handleSSEMessage(w http.ResponseWriter, r *http.Request) {
	g.record(r)
	if !g.authorize(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, _ := io.ReadAll(r.Body)

	resp, err := g.handleRPC(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, err.Error())
		return
	}

	if resp != nil {
		g.sseOut <- resp
	}
	w.WriteHeader(http.StatusAccepted)
}

func rpcResult(id int64, result any) []byte {
	data, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	})
	return data
}

func rpcError(id int64, code int, message string) []byte {
	data, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": code, "message": message},
	})
	return data
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
