package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// Handshake identity reported in initialize.
const (
	clientName    = "mcpgate"
	clientVersion = "0.1.0"
)

// Client drives JSON-RPC 2.0 over a Transport. Calls are serialized
// under a mutex: one request in flight at a time, which is all the
// interactive session needs.
type Client struct {
	transport Transport
	nextID    atomic.Int64

	mu     sync.Mutex
	closed bool

	serverName      string
	serverVersion   string
	protocolVersion string
}

func NewClient(transport Transport) *Client {
	return &Client{transport: transport}
}

// rpcEnvelope is the outgoing wire shape for requests and notifications.
// ID zero marks a notification and is omitted from the payload.
type rpcEnvelope struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcReply struct {
	ID     int64           `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Initialize runs the MCP handshake. Versions are proposed newest first;
// when a server rejects one by RPC error the next is offered. The HTTP
// transport independently renegotiates the wire-level version header, so
// both layers converge on something the server accepts.
func (c *Client) Initialize(ctx context.Context) error {
	var lastErr error
	for _, version := range SupportedProtocolVersions {
		res, err := c.handshake(ctx, version)
		if err != nil {
			if isVersionRejected(err) {
				lastErr = err
				continue
			}
			return fmt.Errorf("initialize: %w", err)
		}

		c.serverName = res.ServerInfo.Name
		c.serverVersion = res.ServerInfo.Version
		c.protocolVersion = version

		if err := c.notify(ctx, "notifications/initialized", nil); err != nil {
			return fmt.Errorf("initialized notification: %w", err)
		}
		return nil
	}

	if lastErr == nil {
		return fmt.Errorf("initialize: no protocol versions to try")
	}
	return fmt.Errorf("all protocol versions rejected: %w", lastErr)
}

type handshakeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

func (c *Client) handshake(ctx context.Context, version string) (*handshakeResult, error) {
	params := map[string]any{
		"protocolVersion": version,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]string{
			"name":    clientName,
			"version": clientVersion,
		},
	}
	var res handshakeResult
	if err := c.call(ctx, "initialize", params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// isVersionRejected matches the error text servers use to turn down a
// protocolVersion offer. There is no structured error code for it in
// the wild.
func isVersionRejected(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	if strings.Contains(msg, "protocolVersion") || strings.Contains(msg, "unsupported version") {
		return true
	}
	return strings.Contains(msg, "protocol") && strings.Contains(msg, "version")
}

// ProtocolVersion returns the negotiated protocol version.
func (c *Client) ProtocolVersion() string {
	return c.protocolVersion
}

// ServerInfo returns the connected server's reported name and version.
func (c *Client) ServerInfo() (name, version string) {
	return c.serverName, c.serverVersion
}

// ListTools fetches the server's tool inventory.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var res struct {
		Tools []Tool `json:"tools"`
	}
	if err := c.call(ctx, "tools/list", nil, &res); err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}
	return res.Tools, nil
}

// CallTool invokes one tool with raw JSON arguments.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*ToolResult, error) {
	params := struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}{Name: name, Arguments: arguments}

	var res ToolResult
	if err := c.call(ctx, "tools/call", params, &res); err != nil {
		return nil, fmt.Errorf("tools/call: %w", err)
	}
	return &res, nil
}

// ToolResult is the outcome of a tool call.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock is a raw content block from a tool result. Raw JSON is
// kept so non-text content types (images, resources) survive
// round-tripping.
type ContentBlock json.RawMessage

// MarshalJSON implements json.Marshaler.
func (c ContentBlock) MarshalJSON() ([]byte, error) {
	return json.RawMessage(c), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *ContentBlock) UnmarshalJSON(data []byte) error {
	*c = ContentBlock(data)
	return nil
}

// Text extracts the text field from a content block of type "text".
// Returns false for any other content type.
func (c ContentBlock) Text() (string, bool) {
	var block struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(c, &block); err != nil {
		return "", false
	}
	if block.Type != "text" {
		return "", false
	}
	return block.Text, true
}

// Close closes the underlying transport. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.transport.Close()
}

// call sends one request and reads the stream until its response
// arrives. Interleaved server notifications are discarded.
func (c *Client) call(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("client closed")
	}

	id := c.nextID.Add(1)
	if err := c.send(ctx, rpcEnvelope{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return err
	}

	reply, err := c.awaitReply(ctx, id)
	if err != nil {
		return err
	}
	if reply.Error != nil {
		return reply.Error
	}
	if result != nil && reply.Result != nil {
		if err := json.Unmarshal(reply.Result, result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return nil
}

func (c *Client) send(ctx context.Context, env rpcEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if err := c.transport.Send(ctx, data); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (c *Client) awaitReply(ctx context.Context, id int64) (*rpcReply, error) {
	for {
		data, err := c.transport.Receive(ctx)
		if err != nil {
			return nil, fmt.Errorf("receive: %w", err)
		}

		var reply rpcReply
		if err := json.Unmarshal(data, &reply); err != nil {
			return nil, fmt.Errorf("unmarshal response: %w", err)
		}

		// ID zero is a server notification; any other mismatch belongs
		// to a request this sequential client never made. Skip both.
		if reply.ID != id {
			continue
		}
		return &reply, nil
	}
}

// notify sends a one-way notification.
func (c *Client) notify(ctx context.Context, method string, params any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("client closed")
	}

	data, err := json.Marshal(rpcEnvelope{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return c.transport.Send(ctx, data)
}
