package oauth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestDetermineAuthMethod(t *testing.T) {
	tests := []struct {
		name    string
		methods []string
		secret  string
		want    TokenAuthMethod
	}{
		{
			name:    "no secret means public client",
			methods: []string{"client_secret_post", "client_secret_basic"},
			secret:  "",
			want:    TokenAuthNone,
		},
		{
			name:    "prefers post",
			methods: []string{"client_secret_basic", "client_secret_post"},
			secret:  "secret123",
			want:    TokenAuthSecretPost,
		},
		{
			name:    "falls back to basic",
			methods: []string{"client_secret_basic"},
			secret:  "secret123",
			want:    TokenAuthSecretBasic,
		},
		{
			// No supported methods specified, RFC default is basic
			name:    "defaults to basic",
			methods: nil,
			secret:  "secret123",
			want:    TokenAuthSecretBasic,
		},
		{
			// Only methods we don't implement, like private_key_jwt
			name:    "unsupported methods fall back to post",
			methods: []string{"private_key_jwt"},
			secret:  "secret123",
			want:    TokenAuthSecretPost,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metadata := &AuthorizationServerMetadata{
				TokenEndpointAuthMethods: tt.methods,
			}
			if got := determineAuthMethod(metadata, tt.secret); got != tt.want {
				t.Errorf("determineAuthMethod() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFlow_BuildAuthorizationURL(t *testing.T) {
	f := &Flow{
		config: FlowConfig{
			Scopes: []string{"read", "write"},
		},
		metadata: &AuthorizationServerMetadata{
			AuthorizationEndpoint: "https://auth.example/authorize",
		},
		clientID: "client-123",
		pkce: &PKCE{
			Verifier:  "verifier",
			Challenge: "challenge-abc",
			Method:    "S256",
		},
		state: "state-xyz",
	}

	authURL := f.buildAuthorizationURL("http://127.0.0.1:9999/callback")

	for _, want := range []string{
		"https://auth.example/authorize?",
		"response_type=code",
		"client_id=client-123",
		"code_challenge=challenge-abc",
		"code_challenge_method=S256",
		"state=state-xyz",
		"scope=read+write",
	} {
		if !strings.Contains(authURL, want) {
			t.Errorf("authorization URL missing %q: %s", want, authURL)
		}
	}
}

func TestDoTokenRequest_PublicClient(t *testing.T) {
	var gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		json.NewEncoder(w).Encode(TokenResponse{
			AccessToken: "new-access",
			TokenType:   "Bearer",
			ExpiresIn:   3600,
		})
	}))
	defer server.Close()

	tokens, err := doTokenRequest(context.Background(), TokenRequestConfig{
		Endpoint: server.URL,
		Params: map[string][]string{
			"grant_type": {"authorization_code"},
			"code":       {"abc"},
		},
		ClientID:   "client-123",
		AuthMethod: TokenAuthNone,
	})
	if err != nil {
		t.Fatalf("doTokenRequest failed: %v", err)
	}

	if tokens.AccessToken != "new-access" {
		t.Errorf("AccessToken: got %q", tokens.AccessToken)
	}
	if !strings.Contains(gotBody, "client_id=client-123") {
		t.Errorf("request body missing client_id: %s", gotBody)
	}
	if strings.Contains(gotBody, "client_secret") {
		t.Errorf("public client request must not carry a secret: %s", gotBody)
	}
}

func TestDoTokenRequest_MissingAccessToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"token_type": "Bearer"})
	}))
	defer server.Close()

	_, err := doTokenRequest(context.Background(), TokenRequestConfig{
		Endpoint:   server.URL,
		Params:     map[string][]string{},
		ClientID:   "client-123",
		AuthMethod: TokenAuthNone,
	})
	if err == nil || !strings.Contains(err.Error(), "access_token") {
		t.Fatalf("expected missing access_token error, got %v", err)
	}
}

func TestRefreshToken_BasicAuth(t *testing.T) {
	var gotUser, gotPass string
	var gotGrant string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
		r.ParseForm()
		gotGrant = r.PostForm.Get("grant_type")
		json.NewEncoder(w).Encode(TokenResponse{
			AccessToken: "refreshed",
			ExpiresIn:   3600,
		})
	}))
	defer server.Close()

	metadata := &AuthorizationServerMetadata{
		TokenEndpointAuthMethods: []string{"client_secret_basic"},
	}

	tokens, err := RefreshToken(context.Background(), server.URL, "client-123", "secret-456", "refresh-token", metadata)
	if err != nil {
		t.Fatalf("RefreshToken failed: %v", err)
	}

	if tokens.AccessToken != "refreshed" {
		t.Errorf("AccessToken: got %q", tokens.AccessToken)
	}
	if gotGrant != "refresh_token" {
		t.Errorf("grant_type: got %q", gotGrant)
	}
	if gotUser != "client-123" || gotPass != "secret-456" {
		t.Errorf("basic auth: got %q/%q", gotUser, gotPass)
	}
}

func TestTokenManager_RefreshTokenFailure_ReturnsError(t *testing.T) {
	var tokenEndpointURL string

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server/mcp", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 "https://issuer.example",
			"authorization_endpoint": "https://auth.example/authorize",
			"token_endpoint":         tokenEndpointURL,
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("invalid_grant"))
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	tokenEndpointURL = server.URL + "/token"
	serverURL := server.URL + "/mcp"

	store := NewMemoryStore()
	cred := &Credential{
		ServerName:   "test",
		ServerURL:    serverURL,
		ClientID:     "client-123",
		AccessToken:  "expired-token",
		RefreshToken: "refresh-token",
		ExpiresAt:    time.Now().Add(-time.Hour).UnixMilli(),
	}
	if err := store.Put(cred); err != nil {
		t.Fatalf("failed to store credential: %v", err)
	}

	manager := NewTokenManager(store)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := manager.GetAccessToken(ctx, serverURL)
	if err == nil {
		t.Fatal("expected error from refresh failure")
	}
	if !strings.Contains(err.Error(), "refresh token") {
		t.Errorf("expected error to contain %q, got: %v", "refresh token", err)
	}
	if !strings.Contains(err.Error(), "HTTP 400") {
		t.Errorf("expected error to contain %q, got: %v", "HTTP 400", err)
	}

	// A failed refresh must not mutate the stored credential
	stored, err := store.Get(serverURL)
	if err != nil {
		t.Fatalf("failed to re-read credential: %v", err)
	}
	if stored.AccessToken != "expired-token" {
		t.Fatalf("AccessToken mutated on refresh failure: got %q, want %q", stored.AccessToken, "expired-token")
	}
}

func TestTokenManager_ValidTokenReturnedWithoutRefresh(t *testing.T) {
	store := NewMemoryStore()
	cred := testCred("https://mcp.example.com/mcp", "still-valid")
	if err := store.Put(cred); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	manager := NewTokenManager(store)

	token, err := manager.GetAccessToken(context.Background(), cred.ServerURL)
	if err != nil {
		t.Fatalf("GetAccessToken failed: %v", err)
	}
	if token != "still-valid" {
		t.Errorf("token: got %q", token)
	}
}

func TestTokenManager_NoCredentials(t *testing.T) {
	manager := NewTokenManager(NewMemoryStore())

	if _, err := manager.GetAccessToken(context.Background(), "https://unknown.example/mcp"); err == nil {
		t.Fatal("expected error for unknown server")
	}
}

func TestFlow_ChallengeRequestCarriesGatewayIdentity(t *testing.T) {
	var gotHost, gotVersion string

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotVersion = r.Header.Get("MCP-Protocol-Version")
		w.Header().Set("WWW-Authenticate",
			`Bearer resource_metadata="`+server.URL+`/.well-known/oauth-protected-resource"`)
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/.well-known/oauth-protected-resource", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ResourceMetadata{
			Resource:             server.URL,
			AuthorizationServers: []string{server.URL},
		})
	})
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":                 server.URL,
			"authorization_endpoint": server.URL + "/authorize",
			"token_endpoint":         server.URL + "/token",
		})
	})

	f := NewFlow(FlowConfig{
		ServerURL:  server.URL + "/mcp",
		HTTPClient: server.Client(),
		Host:       "mcp.internal.example",
	})

	result, err := f.discoverViaChallenge(context.Background())
	if err != nil {
		t.Fatalf("discoverViaChallenge failed: %v", err)
	}

	if gotHost != "mcp.internal.example" {
		t.Errorf("challenge request Host = %q, want the configured gateway identity", gotHost)
	}
	if gotVersion != MCPProtocolVersion {
		t.Errorf("challenge request version = %q, want %q", gotVersion, MCPProtocolVersion)
	}
	if result.Metadata.TokenEndpoint != server.URL+"/token" {
		t.Errorf("TokenEndpoint = %q", result.Metadata.TokenEndpoint)
	}
}
