package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// MCPProtocolVersion is the newest protocol revision this client speaks.
// The transport layer lists it first when negotiating, so discovery and
// the real handshake always advertise the same version.
const MCPProtocolVersion = "2025-11-25"

// DiscoveryTimeout bounds each metadata fetch.
const DiscoveryTimeout = 5 * time.Second

// AuthorizationServerMetadata is the slice of RFC 8414 metadata the flow
// acts on. Servers advertise more; fields nothing here consumes stay
// unparsed.
type AuthorizationServerMetadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RegistrationEndpoint          string   `json:"registration_endpoint,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethods      []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// SupportsS256 reports whether the server advertises the S256 PKCE
// transform.
func (m *AuthorizationServerMetadata) SupportsS256() bool {
	for _, method := range m.CodeChallengeMethodsSupported {
		if method == "S256" {
			return true
		}
	}
	return false
}

// DiscoverResult pairs discovered metadata with the URL it came from.
type DiscoverResult struct {
	Metadata *AuthorizationServerMetadata
	URL      string
}

// Discover locates authorization server metadata for serverURL by
// trying the RFC 8414 well-known locations in order.
func Discover(ctx context.Context, serverURL string) (*DiscoverResult, error) {
	return DiscoverVia(ctx, nil, "", serverURL)
}

// DiscoverVia is Discover through a caller-supplied HTTP client with an
// optional Host override. Servers behind an SNI-routing gateway are only
// reachable this way; a nil client and empty host fall back to a plain
// client.
func DiscoverVia(ctx context.Context, client *http.Client, host, serverURL string) (*DiscoverResult, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server URL: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: DiscoveryTimeout}
	}

	var lastErr error
	for _, candidate := range buildDiscoveryPaths(parsed) {
		var metadata AuthorizationServerMetadata
		if err := getJSON(ctx, client, host, candidate, &metadata); err != nil {
			lastErr = err
			continue
		}
		if metadata.AuthorizationEndpoint == "" || metadata.TokenEndpoint == "" {
			lastErr = fmt.Errorf("%s: metadata missing required endpoints", candidate)
			continue
		}
		return &DiscoverResult{Metadata: &metadata, URL: candidate}, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no metadata locations to try")
	}
	return nil, fmt.Errorf("oauth discovery failed: %w", lastErr)
}

// buildDiscoveryPaths lists the metadata URLs to try, most specific
// first: well-known with the path appended, well-known under the path,
// then the bare root document.
func buildDiscoveryPaths(serverURL *url.URL) []string {
	const wellKnown = "/.well-known/oauth-authorization-server"
	origin := serverURL.Scheme + "://" + serverURL.Host

	var out []string
	if p := strings.TrimSuffix(serverURL.Path, "/"); p != "" && p != "/" {
		out = append(out, origin+wellKnown+p, origin+p+wellKnown)
	}
	return append(out, origin+wellKnown)
}

// ResourceMetadata is RFC 9728 protected resource metadata, served at
// the resource_metadata URL a Bearer challenge points to.
type ResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
}

// DiscoverFromChallenge walks from a 401 Bearer challenge to usable
// metadata: fetch the protected resource document, then run standard
// discovery against each advertised authorization server until one
// answers.
func DiscoverFromChallenge(ctx context.Context, challenge *BearerChallenge) (*DiscoverResult, error) {
	if challenge == nil || challenge.ResourceMetadata == "" {
		return nil, errors.New("challenge carries no resource_metadata")
	}

	client := &http.Client{Timeout: DiscoveryTimeout}
	var resource ResourceMetadata
	if err := getJSON(ctx, client, "", challenge.ResourceMetadata, &resource); err != nil {
		return nil, fmt.Errorf("fetch resource metadata: %w", err)
	}
	if len(resource.AuthorizationServers) == 0 {
		return nil, errors.New("resource metadata lists no authorization servers")
	}

	var lastErr error
	for _, authServer := range resource.AuthorizationServers {
		result, err := Discover(ctx, authServer)
		if err != nil {
			lastErr = err
			continue
		}
		return result, nil
	}
	return nil, fmt.Errorf("no authorization server answered discovery: %w", lastErr)
}

// getJSON fetches a metadata document into out. Bodies are capped at
// 1 MiB.
func getJSON(ctx context.Context, client *http.Client, host, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("MCP-Protocol-Version", MCPProtocolVersion)
	if host != "" {
		req.Host = host
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: HTTP %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read metadata: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse metadata: %w", err)
	}
	return nil
}
