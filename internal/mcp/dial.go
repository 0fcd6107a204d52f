package mcp

import (
	"context"
	"crypto/tls"
	"net/http"

	"github.com/Bigsy/mcpgate/internal/plan"
)

// DialOptions carries the collaborators a transport may need beyond the plan.
type DialOptions struct {
	// TokenProvider supplies bearer tokens for OAuth sessions. Ignored for
	// other auth kinds.
	TokenProvider func(context.Context) (string, error)

	// Client overrides the HTTP client (used in tests). When nil a client
	// is built from the plan, including its SNI override.
	Client *http.Client
}

// NewTransport builds the transport described by a connection plan. The plan
// stays untouched: credentials become static headers or a token provider,
// and the SNI hostname is applied to the TLS config and Host header without
// rewriting the base URL.
func NewTransport(p plan.Plan, opts DialOptions) Transport {
	client := opts.Client
	if client == nil {
		client = GatewayHTTPClient(p.SNIHostname)
	}

	var headers map[string]string
	if p.Auth.Kind == plan.AuthAPIKey {
		headers = map[string]string{p.Auth.HeaderName: p.Auth.Value}
	}

	var tokenProvider func(context.Context) (string, error)
	if p.Auth.Kind == plan.AuthOAuth {
		tokenProvider = opts.TokenProvider
	}

	if p.Transport == plan.TransportSSE {
		return NewSSETransport(SSEConfig{
			URL:           p.BaseURL,
			Host:          p.SNIHostname,
			Headers:       headers,
			TokenProvider: tokenProvider,
			Client:        client,
		})
	}

	return NewStreamableHTTPTransport(StreamableHTTPConfig{
		URL:           p.BaseURL,
		Host:          p.SNIHostname,
		Headers:       headers,
		TokenProvider: tokenProvider,
		Client:        client,
	})
}

// Connect prepares a transport for use. Transports without a connection
// phase (streamable HTTP) are ready immediately.
func Connect(ctx context.Context, t Transport) error {
	if c, ok := t.(interface{ Connect(context.Context) error }); ok {
		return c.Connect(ctx)
	}
	return nil
}

// GatewayHTTPClient builds an HTTP client whose TLS handshake presents the
// given SNI hostname while still dialing the URL's address. Certificate
// verification runs against the SNI name, which is what the gateway's
// certificate carries. The OAuth flow uses the same client for requests it
// sends to the gateway outside the transport.
func GatewayHTTPClient(sniHostname string) *http.Client {
	transport := defaultHTTPTransport()
	if sniHostname != "" {
		transport.TLSClientConfig = &tls.Config{
			ServerName: sniHostname,
		}
	}
	return &http.Client{Transport: transport}
}
