package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// fakeSSEServer serves the legacy HTTP+SSE pair: a GET stream that advertises
// a message endpoint, and a POST endpoint whose responses flow back on the
// stream.
func fakeSSEServer(t *testing.T) (*httptest.Server, chan []byte) {
	t.Helper()

	responses := make(chan []byte, 10)
	mux := http.NewServeMux()

	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "event: endpoint\ndata: /messages?sessionId=test\n\n")
		flusher.Flush()

		for {
			select {
			case msg := <-responses:
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})

	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), `"id"`) {
			responses <- []byte(`{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`)
		}
		w.WriteHeader(http.StatusAccepted)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, responses
}

func TestSSETransport_ConnectAndRoundTrip(t *testing.T) {
	server, _ := fakeSSEServer(t)

	tr := NewSSETransport(SSEConfig{URL: server.URL + "/sse"})
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := tr.Send(ctx, []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	msg, err := tr.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if !strings.Contains(string(msg), `"ok":true`) {
		t.Errorf("unexpected message: %s", msg)
	}
}

func TestSSETransport_EndpointResolution(t *testing.T) {
	server, _ := fakeSSEServer(t)

	tr := NewSSETransport(SSEConfig{URL: server.URL + "/sse"})
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	tr.mu.Lock()
	postURL := tr.postURL
	tr.mu.Unlock()

	want := server.URL + "/messages?sessionId=test"
	if postURL != want {
		t.Errorf("postURL: got %q, want %q", postURL, want)
	}
}

func TestSSETransport_SendBeforeConnect(t *testing.T) {
	tr := NewSSETransport(SSEConfig{URL: "http://localhost:1/sse"})
	defer tr.Close()

	err := tr.Send(context.Background(), []byte(`{}`))
	if err == nil || !strings.Contains(err.Error(), "not connected") {
		t.Errorf("expected not-connected error, got %v", err)
	}
}

func TestSSETransport_ConnectUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", `Bearer resource_metadata="https://example.com/meta"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	tr := NewSSETransport(SSEConfig{URL: server.URL})
	defer tr.Close()

	err := tr.Connect(context.Background())
	if err == nil {
		t.Fatal("expected error for 401 stream response")
	}

	var unauthErr *UnauthorizedError
	if !errors.As(err, &unauthErr) {
		t.Fatalf("expected UnauthorizedError, got %T: %v", err, err)
	}
	if unauthErr.Challenge == nil || unauthErr.Challenge.ResourceMetadata != "https://example.com/meta" {
		t.Errorf("challenge: %+v", unauthErr.Challenge)
	}
}

func TestSSETransport_ConnectWrongContentType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html></html>")
	}))
	defer server.Close()

	tr := NewSSETransport(SSEConfig{URL: server.URL})
	defer tr.Close()

	err := tr.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "content type") {
		t.Errorf("expected content type error, got %v", err)
	}
}

func TestSSETransport_HeadersOnStreamAndPost(t *testing.T) {
	var streamKey, postKey, streamHost string

	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		streamKey = r.Header.Get("X-API-Key")
		streamHost = r.Host
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "event: endpoint\ndata: /messages\n\n")
		flusher.Flush()
		<-r.Context().Done()
	})
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		postKey = r.Header.Get("X-API-Key")
		w.WriteHeader(http.StatusAccepted)
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	tr := NewSSETransport(SSEConfig{
		URL:     server.URL + "/sse",
		Host:    "mcp.internal.example",
		Headers: map[string]string{"X-API-Key": "secret-key"},
	})
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := tr.Send(ctx, []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if streamKey != "secret-key" {
		t.Errorf("stream X-API-Key: got %q", streamKey)
	}
	if postKey != "secret-key" {
		t.Errorf("post X-API-Key: got %q", postKey)
	}
	if streamHost != "mcp.internal.example" {
		t.Errorf("stream Host: got %q", streamHost)
	}
}
