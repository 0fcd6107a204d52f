package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/Bigsy/mcpgate/internal/oauth"
)

// SSEConfig holds configuration for the legacy HTTP+SSE transport.
type SSEConfig struct {
	// URL is the SSE stream URL (e.g., "https://localhost:8081/sse").
	URL string

	// Host overrides the HTTP Host header on every request.
	Host string

	// Headers are static headers to include in all requests.
	Headers map[string]string

	// TokenProvider resolves a bearer token for each request (optional).
	TokenProvider func(context.Context) (string, error)

	// Client is the HTTP client to use. If nil, http.DefaultClient is used.
	Client *http.Client
}

// SSETransport implements Transport using the legacy HTTP+SSE protocol:
// a long-lived GET carries server-to-client messages, and the server's
// first "endpoint" event names the URL that client messages are POSTed to.
type SSETransport struct {
	config       SSEConfig
	streamClient *http.Client // long-lived GET, no timeout
	postClient   *http.Client

	// postURL is the message endpoint advertised by the server.
	postURL string

	// Ready signal - closed when the endpoint event arrives.
	readyChan chan struct{}
	readyOnce sync.Once

	msgQueue chan []byte
	errChan  chan error

	streamCancel context.CancelFunc
	streamBody   io.ReadCloser

	done   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewSSETransport creates a new legacy HTTP+SSE transport.
func NewSSETransport(config SSEConfig) *SSETransport {
	baseClient := config.Client
	if baseClient == nil {
		baseClient = http.DefaultClient
	}

	return &SSETransport{
		config:       config,
		streamClient: cloneHTTPClient(baseClient),
		postClient:   cloneHTTPClient(baseClient),
		readyChan:    make(chan struct{}),
		msgQueue:     make(chan []byte, 100),
		errChan:      make(chan error, 1),
		done:         make(chan struct{}),
	}
}

// Connect opens the SSE stream and waits for the server to advertise its
// message endpoint.
func (t *SSETransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("transport closed")
	}
	t.mu.Unlock()

	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, "GET", t.config.URL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("create stream request: %w", err)
	}
	if err := t.setCommonHeaders(ctx, req); err != nil {
		cancel()
		return fmt.Errorf("set headers: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.streamClient.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("open SSE stream: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		challenge := oauth.ParseBearerChallenge(resp.Header)
		_ = resp.Body.Close()
		cancel()
		return &UnauthorizedError{Challenge: challenge}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
		cancel()
		return fmt.Errorf("open SSE stream: %s - %s", resp.Status, string(body))
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		_ = resp.Body.Close()
		cancel()
		return fmt.Errorf("open SSE stream: unexpected content type %q", ct)
	}

	t.mu.Lock()
	t.streamCancel = cancel
	t.streamBody = resp.Body
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readStream(resp.Body)

	// Wait for the endpoint event before reporting success
	select {
	case <-t.readyChan:
		return nil
	case err := <-t.errChan:
		return fmt.Errorf("waiting for endpoint: %w", err)
	case <-t.done:
		return errors.New("transport closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readStream consumes events from the SSE stream until it ends.
func (t *SSETransport) readStream(body io.ReadCloser) {
	defer t.wg.Done()

	scanner := newSSEScanner(body, MaxSSEEventSize)
	for {
		event, err := scanner.Next()
		if err != nil {
			t.reportError(err)
			return
		}

		switch event.Event {
		case "endpoint":
			t.setEndpoint(string(event.Data))
		case "", "message":
			if len(event.Data) == 0 {
				continue
			}
			if DebugLogging {
				log.Printf("SSE Recv: %s", string(event.Data))
			}
			select {
			case t.msgQueue <- event.Data:
			case <-t.done:
				return
			}
		}
	}
}

// setEndpoint resolves the advertised endpoint against the stream URL and
// signals readiness. Servers send either an absolute URL or a path like
// "/messages?sessionId=xxx".
func (t *SSETransport) setEndpoint(endpoint string) {
	resolved := endpoint
	if baseURL, err := url.Parse(t.config.URL); err == nil {
		if epURL, err := url.Parse(endpoint); err == nil {
			resolved = baseURL.ResolveReference(epURL).String()
		}
	}

	t.mu.Lock()
	t.postURL = resolved
	t.mu.Unlock()

	t.readyOnce.Do(func() {
		close(t.readyChan)
	})
}

func (t *SSETransport) reportError(err error) {
	if err == io.EOF {
		err = errors.New("SSE stream closed by server")
	}
	select {
	case t.errChan <- err:
	default:
	}
}

// Send POSTs a JSON-RPC message to the advertised endpoint.
func (t *SSETransport) Send(ctx context.Context, msg []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("transport closed")
	}
	postURL := t.postURL
	t.mu.Unlock()

	if postURL == "" {
		return errors.New("no message endpoint: transport not connected")
	}

	if DebugLogging {
		log.Printf("SSE Send: %s", string(msg))
	}

	req, err := http.NewRequestWithContext(ctx, "POST", postURL, bytes.NewReader(msg))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if err := t.setCommonHeaders(ctx, req); err != nil {
		return fmt.Errorf("set headers: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.postClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		challenge := oauth.ParseBearerChallenge(resp.Header)
		return &UnauthorizedError{Challenge: challenge}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("request failed: %s - %s", resp.Status, string(body))
	}

	return nil
}

// Receive reads the next JSON-RPC message from the SSE stream.
func (t *SSETransport) Receive(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.New("transport closed")
	}
	t.mu.Unlock()

	select {
	case msg := <-t.msgQueue:
		return msg, nil
	case err := <-t.errChan:
		return nil, err
	case <-t.done:
		return nil, errors.New("transport closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the stream and all connections.
func (t *SSETransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	streamCancel := t.streamCancel
	streamBody := t.streamBody
	t.mu.Unlock()

	close(t.done)

	if streamCancel != nil {
		streamCancel()
	}
	if streamBody != nil {
		_ = streamBody.Close()
	}

	t.wg.Wait()
	return nil
}

// setCommonHeaders sets headers common to all requests.
func (t *SSETransport) setCommonHeaders(ctx context.Context, req *http.Request) error {
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
