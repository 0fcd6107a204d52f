package oauth

import (
	"strings"
	"testing"
	"time"
)

func validCredential() *Credential {
	return &Credential{
		ServerURL:   "https://example.com/mcp",
		ClientID:    "client-123",
		AccessToken: "token-abc",
		ExpiresAt:   time.Now().Add(time.Hour).UnixMilli(),
	}
}

func TestCredential_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Credential)
		wantErr string
	}{
		{
			name:    "valid credential",
			mutate:  func(c *Credential) {},
			wantErr: "",
		},
		{
			name:    "missing ServerURL",
			mutate:  func(c *Credential) { c.ServerURL = "" },
			wantErr: "ServerURL is required",
		},
		{
			name:    "missing ClientID",
			mutate:  func(c *Credential) { c.ClientID = "" },
			wantErr: "ClientID is required",
		},
		{
			name:    "missing AccessToken",
			mutate:  func(c *Credential) { c.AccessToken = "" },
			wantErr: "AccessToken is required",
		},
		{
			name:    "zero ExpiresAt",
			mutate:  func(c *Credential) { c.ExpiresAt = 0 },
			wantErr: "ExpiresAt must be a positive timestamp",
		},
		{
			name:    "negative ExpiresAt",
			mutate:  func(c *Credential) { c.ExpiresAt = -1 },
			wantErr: "ExpiresAt must be a positive timestamp",
		},
		{
			name:    "ServerName is optional",
			mutate:  func(c *Credential) { c.ServerName = "" },
			wantErr: "",
		},
		{
			name:    "RefreshToken is optional",
			mutate:  func(c *Credential) { c.RefreshToken = "" },
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred := validCredential()
			tt.mutate(cred)

			err := cred.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Errorf("Validate() error = nil, want error containing %q", tt.wantErr)
			} else if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestNewCredential(t *testing.T) {
	expiresAt := time.Now().Add(time.Hour)

	cred, err := NewCredential("my-server", "https://example.com/mcp", "client-123", "secret-456",
		"token-abc", "refresh-xyz", expiresAt, []string{"read", "write"})
	if err != nil {
		t.Fatalf("NewCredential() error = %v", err)
	}

	if cred.ServerName != "my-server" {
		t.Errorf("ServerName = %q", cred.ServerName)
	}
	if cred.ClientSecret != "secret-456" {
		t.Errorf("ClientSecret = %q", cred.ClientSecret)
	}
	if cred.RefreshToken != "refresh-xyz" {
		t.Errorf("RefreshToken = %q", cred.RefreshToken)
	}
	if cred.ExpiresAt != expiresAt.UnixMilli() {
		t.Errorf("ExpiresAt = %d, want %d", cred.ExpiresAt, expiresAt.UnixMilli())
	}
}

func TestNewCredential_Invalid(t *testing.T) {
	// Zero expiry is the invalid case a caller is most likely to hit
	cred, err := NewCredential("my-server", "https://example.com/mcp", "client-123", "",
		"token-abc", "", time.Time{}, nil)
	if err == nil {
		t.Fatal("NewCredential() with zero expiry should fail")
	}
	if cred != nil {
		t.Error("NewCredential() returned non-nil credential with error")
	}

	if _, err := NewCredential("", "", "client-123", "", "token-abc", "", time.Now().Add(time.Hour), nil); err == nil {
		t.Error("NewCredential() without ServerURL should fail")
	}
}

func TestCredential_Expiry(t *testing.T) {
	fresh := validCredential()
	if fresh.IsExpired() {
		t.Error("credential expiring in an hour reported expired")
	}
	if fresh.NeedsRefresh() {
		t.Error("credential expiring in an hour reported needing refresh")
	}

	// Inside the 30s refresh window but not yet expired
	closeToExpiry := validCredential()
	closeToExpiry.ExpiresAt = time.Now().Add(10 * time.Second).UnixMilli()
	if closeToExpiry.IsExpired() {
		t.Error("credential expiring in 10s reported expired")
	}
	if !closeToExpiry.NeedsRefresh() {
		t.Error("credential expiring in 10s should need refresh")
	}

	expired := validCredential()
	expired.ExpiresAt = time.Now().Add(-time.Minute).UnixMilli()
	if !expired.IsExpired() {
		t.Error("expired credential not reported expired")
	}
	if !expired.NeedsRefresh() {
		t.Error("expired credential should need refresh")
	}
}

func TestNewCredentialStore(t *testing.T) {
	store, err := NewCredentialStore(StoreModeMemory)
	if err != nil {
		t.Fatalf("NewCredentialStore(memory) error = %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Errorf("memory mode returned %T", store)
	}

	// Empty mode defaults to memory
	store, err = NewCredentialStore("")
	if err != nil {
		t.Fatalf("NewCredentialStore(\"\") error = %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Errorf("default mode returned %T", store)
	}

	if _, err := NewCredentialStore("vault"); err == nil {
		t.Error("unknown store mode should fail")
	}
}
