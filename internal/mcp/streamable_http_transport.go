package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Bigsy/mcpgate/internal/oauth"
)

// DefaultConnectTimeout is the timeout for initial HTTP connections.
const DefaultConnectTimeout = 30 * time.Second

// SupportedProtocolVersions lists the MCP protocol versions we support,
// in order of preference (newest first). During connection, we try each
// version until one is accepted by the server. The head of the list is
// the version the oauth package advertises, so discovery and the real
// handshake always offer the same revision.
var SupportedProtocolVersions = []string{
	oauth.MCPProtocolVersion,
	"2025-06-18",
	"2025-03-26",
	"2024-11-05", // legacy fallback
}

// StreamableHTTPConfig holds configuration for the streamable HTTP transport.
type StreamableHTTPConfig struct {
	// URL is the base URL of the MCP server (e.g., "https://localhost:8081/mcp").
	URL string

	// Host overrides the HTTP Host header on every request. Used for private
	// gateways that route by logical hostname rather than the dial address.
	Host string

	// Headers are static headers to include in all requests. This is where
	// API key credentials are injected.
	Headers map[string]string

	// TokenProvider resolves a bearer token for each request (optional).
	// Used for OAuth sessions where the token may be refreshed mid-session.
	TokenProvider func(context.Context) (string, error)

	// Client is the HTTP client to use. If nil, http.DefaultClient is used.
	Client *http.Client
}

// StreamableHTTPTransport implements Transport over HTTP. JSON-RPC requests
// go out as POSTs; responses come back either as direct JSON or as an SSE
// stream on the POST response body.
type StreamableHTTPTransport struct {
	config    StreamableHTTPConfig
	rpcClient *http.Client

	// Session state
	sessionID         string
	lastEventID       string
	negotiatedVersion string // Protocol version negotiated with server

	// Message queue for received messages
	msgQueue chan []byte

	// Shutdown coordination
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

// NewStreamableHTTPTransport creates a new streamable HTTP transport.
func NewStreamableHTTPTransport(config StreamableHTTPConfig) *StreamableHTTPTransport {
	baseClient := config.Client
	if baseClient == nil {
		baseClient = http.DefaultClient
	}

	return &StreamableHTTPTransport{
		config:    config,
		rpcClient: cloneHTTPClient(baseClient),
		msgQueue:  make(chan []byte, 100),
		done:      make(chan struct{}),
	}
}

// Send sends a JSON-RPC message via HTTP POST.
// On version rejection (400 with "Unsupported MCP-Protocol-Version"), it
// automatically retries with the next supported version until one is accepted.
func (t *StreamableHTTPTransport) Send(ctx context.Context, msg []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("transport closed")
	}
	sessionID := t.sessionID
	negotiatedVersion := t.negotiatedVersion
	t.mu.Unlock()

	if DebugLogging {
		log.Printf("HTTP Send: %s", string(msg))
	}

	// Determine which versions to try
	versionsToTry := SupportedProtocolVersions
	if negotiatedVersion != "" {
		// Already negotiated - start from that version but allow fallback if rejected
		for i, v := range SupportedProtocolVersions {
			if v == negotiatedVersion {
				versionsToTry = SupportedProtocolVersions[i:]
				break
			}
		}
	}

	var lastErr error
	for i, version := range versionsToTry {
		req, err := http.NewRequestWithContext(ctx, "POST", t.config.URL, bytes.NewReader(msg))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		if err := t.setCommonHeaders(ctx, req, version); err != nil {
			return fmt.Errorf("set headers: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json, text/event-stream")

		if sessionID != "" {
			req.Header.Set("Mcp-Session-Id", sessionID)
		}

		resp, err := t.rpcClient.Do(req)
		if err != nil {
			return fmt.Errorf("send request: %w", err)
		}

		// Check for version rejection. Some servers are lenient on the first
		// request but strict on subsequent ones, so renegotiation is allowed
		// even after a version was agreed.
		if resp.StatusCode == http.StatusBadRequest {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			_ = resp.Body.Close()
			bodyStr := string(body)

			if isVersionRejection(bodyStr) {
				log.Printf("HTTP version %s rejected by server, trying next version", version)
				lastErr = fmt.Errorf("version %s rejected: %s", version, bodyStr)

				if negotiatedVersion != "" {
					t.mu.Lock()
					t.negotiatedVersion = ""
					t.mu.Unlock()
					negotiatedVersion = ""
				}

				if i < len(versionsToTry)-1 {
					continue
				}
				return fmt.Errorf("all protocol versions rejected by server: %w", lastErr)
			}

			return fmt.Errorf("request failed: %s - %s", resp.Status, bodyStr)
		}

		// Capture session ID from response
		if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
			t.mu.Lock()
			t.sessionID = sid
			t.mu.Unlock()
		}

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusUnauthorized {
				// Parse WWW-Authenticate headers for OAuth discovery (RFC 9728)
				challenge := oauth.ParseBearerChallenge(resp.Header)
				return &UnauthorizedError{Challenge: challenge}
			}
			return fmt.Errorf("request failed: %s - %s", resp.Status, string(body))
		}

		if negotiatedVersion == "" || negotiatedVersion != version {
			t.mu.Lock()
			t.negotiatedVersion = version
			t.mu.Unlock()
		}

		// Handle response based on content type
		contentType := resp.Header.Get("Content-Type")
		if strings.HasPrefix(contentType, "text/event-stream") {
			// Response is streamed via SSE - read inline events
			err = t.handleSSEResponse(ctx, resp.Body)
			_ = resp.Body.Close()
			return err
		} else if strings.HasPrefix(contentType, "application/json") {
			err = t.handleJSONResponse(ctx, resp.Body)
			_ = resp.Body.Close()
			return err
		}

		_ = resp.Body.Close()
		return nil
	}

	if lastErr != nil {
		return lastErr
	}
	return errors.New("no protocol versions to try")
}

// isVersionRejection checks if an error response indicates a protocol version rejection.
func isVersionRejection(body string) bool {
	bodyLower := strings.ToLower(body)
	return strings.Contains(bodyLower, "unsupported") && strings.Contains(bodyLower, "version") ||
		strings.Contains(bodyLower, "protocol-version") ||
		strings.Contains(bodyLower, "protocolversion")
}

// handleSSEResponse processes an SSE stream response.
func (t *StreamableHTTPTransport) handleSSEResponse(ctx context.Context, body io.Reader) error {
	scanner := newSSEScanner(body, MaxSSEEventSize)
	for {
		event, err := scanner.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read SSE response: %w", err)
		}
		if event.ID != "" {
			t.mu.Lock()
			t.lastEventID = event.ID
			t.mu.Unlock()
		}
		if len(event.Data) > 0 && (event.Event == "" || event.Event == "message") {
			select {
			case <-t.done:
				return errors.New("transport closed")
			case t.msgQueue <- event.Data:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// handleJSONResponse processes a JSON response.
func (t *StreamableHTTPTransport) handleJSONResponse(ctx context.Context, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if len(data) > 0 {
		if DebugLogging {
			log.Printf("HTTP Recv: %s", string(data))
		}
		select {
		case <-t.done:
			return errors.New("transport closed")
		case t.msgQueue <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Receive reads the next JSON-RPC message queued from a POST response.
func (t *StreamableHTTPTransport) Receive(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.New("transport closed")
	}
	t.mu.Unlock()

	select {
	case msg, ok := <-t.msgQueue:
		if !ok {
			return nil, errors.New("transport closed")
		}
		return msg, nil
	case <-t.done:
		return nil, errors.New("transport closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the transport.
// Session termination is deliberately skipped: some gateways do not handle
// DELETE over TLS gracefully during shutdown.
func (t *StreamableHTTPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	close(t.done)
	return nil
}

// SessionID returns the current session ID, if any.
func (t *StreamableHTTPTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// NegotiatedVersion returns the protocol version negotiated with the server.
// Returns empty string if no version has been negotiated yet.
func (t *StreamableHTTPTransport) NegotiatedVersion() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.negotiatedVersion
}

// setCommonHeaders sets headers common to all requests.
func (t *StreamableHTTPTransport) setCommonHeaders(ctx context.Context, req *http.Request, version string) error {
	req.Header.Set("MCP-Protocol-Version", version)

	if t.config.Host != "" {
		req.Host = t.config.Host
	}

	if t.config.TokenProvider != nil {
		token, err := t.config.TokenProvider(ctx)
		if err != nil {
			return fmt.Errorf("resolve bearer token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}

	return nil
}

// UnauthorizedError is returned on HTTP 401 responses.
// It preserves the WWW-Authenticate challenge info so callers can use
// errors.As() to extract challenge info for OAuth discovery.
type UnauthorizedError struct {
	Challenge *oauth.BearerChallenge
}

func (e *UnauthorizedError) Error() string {
	return "unauthorized - authentication required"
}

func cloneHTTPClient(base *http.Client) *http.Client {
	c := &http.Client{}
	if base != nil {
		*c = *base
	}
	// No whole-request timeout: SSE response bodies are long-lived. Deadlines
	// come from contexts and transport-level timeouts instead.
	c.Timeout = 0

	if c.Transport == nil {
		c.Transport = defaultHTTPTransport()
		return c
	}
	if t, ok := c.Transport.(*http.Transport); ok {
		tt := t.Clone()
		if tt.ResponseHeaderTimeout == 0 {
			tt.ResponseHeaderTimeout = DefaultConnectTimeout
		}
		if tt.TLSHandshakeTimeout == 0 {
			tt.TLSHandshakeTimeout = DefaultConnectTimeout
		}
		if tt.DialContext == nil {
			tt.DialContext = (&net.Dialer{
				Timeout:   DefaultConnectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext
		}
		c.Transport = tt
	}
	return c
}

func defaultHTTPTransport() *http.Transport {
	// Start from Go's defaults and add a header timeout so requests that never
	// respond don't hang indefinitely, without imposing a hard deadline for
	// long-lived response bodies like SSE.
	if dt, ok := http.DefaultTransport.(*http.Transport); ok {
		t := dt.Clone()
		t.ResponseHeaderTimeout = DefaultConnectTimeout
		if t.TLSHandshakeTimeout == 0 {
			t.TLSHandshakeTimeout = DefaultConnectTimeout
		}
		return t
	}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   DefaultConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   DefaultConnectTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: DefaultConnectTimeout,
	}
}
