package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Verifier entropy in bytes. Encodes to 64 characters, inside the
// 43..128 range RFC 7636 allows.
const verifierBytes = 48

// PKCE holds one authorization attempt's proof-key pair. Only the S256
// transform is produced.
type PKCE struct {
	Verifier  string
	Challenge string
	Method    string
}

// NewPKCE draws a fresh verifier and derives its S256 challenge,
// BASE64URL(SHA256(verifier)) without padding.
func NewPKCE() (*PKCE, error) {
	verifier, err := randomToken(verifierBytes)
	if err != nil {
		return nil, fmt.Errorf("generate code verifier: %w", err)
	}
	sum := sha256.Sum256([]byte(verifier))
	return &PKCE{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(sum[:]),
		Method:    "S256",
	}, nil
}

// GenerateState returns the CSRF state parameter for an authorization
// request.
func GenerateState() (string, error) {
	state, err := randomToken(16)
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return state, nil
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
