package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// DefaultClientID is used when a server supports neither dynamic registration
// nor a pre-configured client.
const DefaultClientID = "mcpgate"

// FlowConfig holds configuration for an OAuth flow.
type FlowConfig struct {
	// ServerURL is the MCP server URL.
	ServerURL string

	// ServerName is the user-facing name of the server.
	ServerName string

	// Scopes are the OAuth scopes to request.
	Scopes []string

	// CallbackPort is the port for the callback server (nil = random).
	CallbackPort *int

	// Store is the credential store for saving tokens.
	Store CredentialStore

	// ClientID is a pre-registered OAuth client ID (for servers without
	// dynamic registration). If empty, dynamic registration is attempted,
	// falling back to DefaultClientID.
	ClientID string

	// ClientMetadataURL is a URL-based client identifier. Authorization
	// servers that support URL client IDs fetch the client metadata document
	// from it, so no registration is needed. Takes precedence over ClientID.
	ClientMetadataURL string

	// Challenge is a Bearer challenge already captured from a 401 response.
	// When set, RFC 9728 discovery starts from it directly instead of
	// probing the server for a fresh challenge.
	Challenge *BearerChallenge

	// HTTPClient is used for requests aimed at the MCP server itself: the
	// challenge request and standard discovery. Gateways that route on TLS
	// SNI need a client configured with the right ServerName here. Requests
	// to the authorization server use plain clients.
	HTTPClient *http.Client

	// Host overrides the Host header on requests sent through HTTPClient,
	// matching the SNI identity the gateway expects.
	Host string
}

// Flow orchestrates an OAuth 2.1 authorization flow.
type Flow struct {
	config       FlowConfig
	metadata     *AuthorizationServerMetadata
	clientID     string
	clientSecret string // From dynamic registration, may be empty for public clients
	pkce         *PKCE
	state        string
	callback     *CallbackServer
}

// TokenResponse is the response from the token endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// NewFlow creates a new OAuth flow.
func NewFlow(config FlowConfig) *Flow {
	return &Flow{config: config}
}

// Run executes the full OAuth flow:
// 1. Discover OAuth metadata (via standard discovery or RFC 9728 challenge)
// 2. Start callback server
// 3. Pick a client identity (metadata URL, configured ID, or registration)
// 4. Open browser for authorization
// 5. Wait for callback
// 6. Exchange code for tokens
// 7. Store credentials
func (f *Flow) Run(ctx context.Context) error {
	// Step 1: Discover OAuth metadata. A captured challenge short-circuits
	// straight to RFC 9728; otherwise standard discovery runs first.
	var result *DiscoverResult
	var err error
	if f.config.Challenge != nil {
		result, err = DiscoverFromChallenge(ctx, f.config.Challenge)
		if err != nil {
			return fmt.Errorf("oauth discovery from challenge: %w", err)
		}
	} else {
		result, err = DiscoverVia(ctx, f.config.HTTPClient, f.config.Host, f.config.ServerURL)
		if err != nil {
			log.Printf("Standard OAuth discovery failed, trying challenge-based discovery: %v", err)
			result, err = f.discoverViaChallenge(ctx)
			if err != nil {
				return fmt.Errorf("oauth discovery failed (tried standard and challenge-based): %w", err)
			}
		}
	}
	f.metadata = result.Metadata

	// Step 2: Start callback server
	f.callback, err = NewCallbackServer(f.config.CallbackPort)
	if err != nil {
		return fmt.Errorf("start callback server: %w", err)
	}
	if err := f.callback.Start(); err != nil {
		return fmt.Errorf("start callback server: %w", err)
	}
	defer func() { _ = f.callback.Stop() }()

	redirectURI := f.callback.RedirectURI()

	// Step 3: Pick client identity.
	// Priority: metadata URL, configured client ID, dynamic registration,
	// then DefaultClientID.
	switch {
	case f.config.ClientMetadataURL != "":
		// URL-based client ID. The authorization server fetches the client
		// metadata document itself; no registration round-trip.
		f.clientID = f.config.ClientMetadataURL
	case f.config.ClientID != "":
		f.clientID = f.config.ClientID
		log.Printf("Using configured OAuth client ID: %s", f.clientID)
	case f.metadata.RegistrationEndpoint != "":
		// Some servers advertise registration but don't support it (return
		// 403/401), so registration failure is non-fatal.
		reg, err := RegisterClient(ctx, f.metadata.RegistrationEndpoint, redirectURI, f.config.Scopes)
		if err != nil {
			log.Printf("Client registration failed (falling back to default client ID): %v", err)
			f.clientID = DefaultClientID
		} else {
			f.clientID = reg.ClientID
			f.clientSecret = reg.ClientSecret // May be empty for public clients
		}
	default:
		f.clientID = DefaultClientID
	}

	// Step 4: Generate PKCE and state
	f.pkce, err = NewPKCE()
	if err != nil {
		return fmt.Errorf("generate PKCE: %w", err)
	}

	f.state, err = GenerateState()
	if err != nil {
		return fmt.Errorf("generate state: %w", err)
	}

	// Step 5: Build and open authorization URL
	authURL := f.buildAuthorizationURL(redirectURI)
	if err := openBrowser(authURL); err != nil {
		return fmt.Errorf("open browser: %w (URL: %s)", err, authURL)
	}

	// Step 6: Wait for callback
	callbackCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	callbackResult, err := f.callback.Wait(callbackCtx)
	if err != nil {
		return fmt.Errorf("waiting for callback: %w", err)
	}

	if callbackResult.Error != "" {
		return fmt.Errorf("authorization error: %s - %s", callbackResult.Error, callbackResult.ErrorDescription)
	}

	if callbackResult.State != f.state {
		return fmt.Errorf("state mismatch: possible CSRF attack")
	}

	if callbackResult.Code == "" {
		return fmt.Errorf("no authorization code received")
	}

	// Step 7: Exchange code for tokens
	tokens, err := f.exchangeCode(ctx, callbackResult.Code, redirectURI)
	if err != nil {
		return fmt.Errorf("token exchange: %w", err)
	}

	// Step 8: Store credentials
	scopes := f.config.Scopes
	if tokens.Scope != "" {
		scopes = strings.Split(tokens.Scope, " ")
	}

	expiresAt := time.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second)
	cred, err := NewCredential(
		f.config.ServerName,
		f.config.ServerURL,
		f.clientID,
		f.clientSecret,
		tokens.AccessToken,
		tokens.RefreshToken,
		expiresAt,
		scopes,
	)
	if err != nil {
		return fmt.Errorf("create credential: %w", err)
	}

	if err := f.config.Store.Put(cred); err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}

	return nil
}

// discoverViaChallenge triggers a 401 response from the MCP server to get
// the WWW-Authenticate header, then uses RFC 9728 Protected Resource Metadata
// to discover the OAuth server.
func (f *Flow) discoverViaChallenge(ctx context.Context) (*DiscoverResult, error) {
	client := f.config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DiscoveryTimeout}
	}

	// Send a proper MCP initialize request shape so servers return the expected 401
	req, err := http.NewRequestWithContext(ctx, "POST", f.config.ServerURL, strings.NewReader(`{"jsonrpc":"2.0","method":"initialize","id":1,"params":{"protocolVersion":"`+MCPProtocolVersion+`","clientInfo":{"name":"mcpgate","version":"1.0.0"},"capabilities":{}}}`))
	if err != nil {
		return nil, fmt.Errorf("create challenge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("MCP-Protocol-Version", MCPProtocolVersion)
	if f.config.Host != "" {
		req.Host = f.config.Host
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("challenge request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusUnauthorized {
		return nil, fmt.Errorf("expected 401, got %d", resp.StatusCode)
	}

	challenge := ParseBearerChallenge(resp.Header)
	if challenge == nil {
		return nil, fmt.Errorf("no Bearer challenge in WWW-Authenticate header")
	}

	if challenge.ResourceMetadata == "" {
		return nil, fmt.Errorf("no resource_metadata in WWW-Authenticate Bearer challenge")
	}

	return DiscoverFromChallenge(ctx, challenge)
}

// buildAuthorizationURL constructs the OAuth authorization URL.
func (f *Flow) buildAuthorizationURL(redirectURI string) string {
	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {f.clientID},
		"redirect_uri":          {redirectURI},
		"state":                 {f.state},
		"code_challenge":        {f.pkce.Challenge},
		"code_challenge_method": {f.pkce.Method},
	}

	if len(f.config.Scopes) > 0 {
		params.Set("scope", strings.Join(f.config.Scopes, " "))
	}

	return f.metadata.AuthorizationEndpoint + "?" + params.Encode()
}

// TokenAuthMethod specifies how to authenticate to the token endpoint.
type TokenAuthMethod string

const (
	// TokenAuthNone is for public clients (no authentication).
	TokenAuthNone TokenAuthMethod = "none"
	// TokenAuthSecretPost sends client_id and client_secret in POST body.
	TokenAuthSecretPost TokenAuthMethod = "client_secret_post"
	// TokenAuthSecretBasic uses HTTP Basic authentication.
	TokenAuthSecretBasic TokenAuthMethod = "client_secret_basic"
)

// TokenRequestConfig holds configuration for token endpoint requests.
type TokenRequestConfig struct {
	Endpoint     string
	Params       url.Values
	ClientID     string
	ClientSecret string
	AuthMethod   TokenAuthMethod
}

// doTokenRequest performs a token endpoint request with the given config.
// Common HTTP request/response handling shared by exchangeCode and RefreshToken.
func doTokenRequest(ctx context.Context, cfg TokenRequestConfig) (*TokenResponse, error) {
	params := cfg.Params

	switch cfg.AuthMethod {
	case TokenAuthSecretPost:
		params.Set("client_id", cfg.ClientID)
		if cfg.ClientSecret != "" {
			params.Set("client_secret", cfg.ClientSecret)
		}
	case TokenAuthSecretBasic:
		// Authorization header is set below. Some servers still want
		// client_id in the body.
		params.Set("client_id", cfg.ClientID)
	default:
		// Public client
		params.Set("client_id", cfg.ClientID)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", cfg.Endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("MCP-Protocol-Version", MCPProtocolVersion)

	if cfg.AuthMethod == TokenAuthSecretBasic && cfg.ClientSecret != "" {
		req.SetBasicAuth(cfg.ClientID, cfg.ClientSecret)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned HTTP %d: %s", resp.StatusCode, string(body))
	}

	var tokens TokenResponse
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("response missing access_token")
	}

	return &tokens, nil
}

// determineAuthMethod picks the best auth method based on server metadata and client credentials.
func determineAuthMethod(metadata *AuthorizationServerMetadata, clientSecret string) TokenAuthMethod {
	if clientSecret == "" {
		return TokenAuthNone
	}

	supportedMethods := metadata.TokenEndpointAuthMethods
	if len(supportedMethods) == 0 {
		// Default per RFC: client_secret_basic
		return TokenAuthSecretBasic
	}

	// Prefer client_secret_post (simpler), fall back to client_secret_basic
	for _, method := range supportedMethods {
		if method == "client_secret_post" {
			return TokenAuthSecretPost
		}
	}
	for _, method := range supportedMethods {
		if method == "client_secret_basic" {
			return TokenAuthSecretBasic
		}
	}

	// Server doesn't support our methods, try post anyway
	return TokenAuthSecretPost
}

// exchangeCode exchanges the authorization code for tokens.
func (f *Flow) exchangeCode(ctx context.Context, code, redirectURI string) (*TokenResponse, error) {
	params := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"code_verifier": {f.pkce.Verifier},
	}

	authMethod := determineAuthMethod(f.metadata, f.clientSecret)
	return doTokenRequest(ctx, TokenRequestConfig{
		Endpoint:     f.metadata.TokenEndpoint,
		Params:       params,
		ClientID:     f.clientID,
		ClientSecret: f.clientSecret,
		AuthMethod:   authMethod,
	})
}

// RefreshToken refreshes an access token using a refresh token.
// Pass empty clientSecret for public clients.
func RefreshToken(ctx context.Context, tokenEndpoint, clientID, clientSecret, refreshToken string, metadata *AuthorizationServerMetadata) (*TokenResponse, error) {
	params := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}

	authMethod := TokenAuthNone
	if metadata != nil {
		authMethod = determineAuthMethod(metadata, clientSecret)
	} else if clientSecret != "" {
		authMethod = TokenAuthSecretPost
	}

	return doTokenRequest(ctx, TokenRequestConfig{
		Endpoint:     tokenEndpoint,
		Params:       params,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		AuthMethod:   authMethod,
	})
}

// openBrowser opens the default browser to a URL.
func openBrowser(url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", url)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	return cmd.Start()
}

// WarningHandler is called when a non-fatal error occurs that should be surfaced to the user.
type WarningHandler func(serverURL string, warning error)

// TokenManager handles automatic token refresh.
type TokenManager struct {
	store     CredentialStore
	metadata  map[string]*AuthorizationServerMetadata // cached by server URL
	onWarning WarningHandler

	// Gateway-facing HTTP settings for metadata discovery, see
	// SetGatewayClient.
	httpClient *http.Client
	host       string
}

// NewTokenManager creates a new token manager.
func NewTokenManager(store CredentialStore) *TokenManager {
	return &TokenManager{
		store:    store,
		metadata: make(map[string]*AuthorizationServerMetadata),
	}
}

// SetWarningHandler sets a callback for non-fatal warnings (e.g., token storage failures).
func (m *TokenManager) SetWarningHandler(handler WarningHandler) {
	m.onWarning = handler
}

// SetGatewayClient routes metadata discovery through the given client and
// Host override, for MCP servers reachable only via an SNI gateway.
func (m *TokenManager) SetGatewayClient(client *http.Client, host string) {
	m.httpClient = client
	m.host = host
}

// GetAccessToken returns a valid access token for a server, refreshing if needed.
func (m *TokenManager) GetAccessToken(ctx context.Context, serverURL string) (string, error) {
	cred, err := m.store.Get(serverURL)
	if err != nil {
		return "", fmt.Errorf("get credential: %w", err)
	}
	if cred == nil {
		return "", fmt.Errorf("no credentials for %s", serverURL)
	}

	if !cred.NeedsRefresh() {
		return cred.AccessToken, nil
	}

	if cred.RefreshToken == "" {
		return "", fmt.Errorf("token expired and no refresh token available")
	}

	// Get or discover metadata for the token endpoint
	metadata, ok := m.metadata[serverURL]
	if !ok {
		result, err := DiscoverVia(ctx, m.httpClient, m.host, serverURL)
		if err != nil {
			return "", fmt.Errorf("discover metadata: %w", err)
		}
		metadata = result.Metadata
		m.metadata[serverURL] = metadata
	}

	tokens, err := RefreshToken(ctx, metadata.TokenEndpoint, cred.ClientID, cred.ClientSecret, cred.RefreshToken, metadata)
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}

	cred.AccessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		cred.RefreshToken = tokens.RefreshToken
	}
	cred.ExpiresAt = time.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second).UnixMilli()
	if tokens.Scope != "" {
		cred.Scopes = strings.Split(tokens.Scope, " ")
	}

	if err := m.store.Put(cred); err != nil {
		// We have the token in memory, so the operation still succeeds
		log.Printf("Warning: failed to store refreshed token: %v", err)
		if m.onWarning != nil {
			m.onWarning(serverURL, fmt.Errorf("failed to save refreshed token (re-login required on restart): %w", err))
		}
	}

	return cred.AccessToken, nil
}

// Logout removes credentials for a server.
func Logout(ctx context.Context, store CredentialStore, serverURL string) error {
	return store.Delete(serverURL)
}
