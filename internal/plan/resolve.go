package plan

import (
	"fmt"
	"strconv"
	"strings"
)

// ConfigError reports missing or contradictory required input. Configuration
// is not a transient operation: these errors surface immediately to the
// caller and are never retried.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func configErrorf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ParseTransport maps a free-form transport answer to a TransportKind.
// Empty input selects streamable HTTP.
func ParseTransport(s string) (TransportKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(TransportStreamableHTTP):
		return TransportStreamableHTTP, nil
	case string(TransportSSE):
		return TransportSSE, nil
	default:
		return "", configErrorf("transport", "unknown transport %q (want %s or %s)", s, TransportStreamableHTTP, TransportSSE)
	}
}

// ParseAuthChoice maps a free-form auth answer to an AuthKind.
// Empty input selects no authentication.
func ParseAuthChoice(s string) (AuthKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(AuthNone):
		return AuthNone, nil
	case string(AuthAPIKey), "api-key":
		return AuthAPIKey, nil
	case string(AuthOAuth):
		return AuthOAuth, nil
	default:
		return "", configErrorf("auth", "unknown auth choice %q (want none, apikey, or oauth)", s)
	}
}

// ParseKeyFormat maps a free-form format answer to a KeyFormat.
// Empty input selects Bearer.
func ParseKeyFormat(s string) (KeyFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(KeyFormatBearer):
		return KeyFormatBearer, nil
	case string(KeyFormatDirectHeader), "direct-header", "header":
		return KeyFormatDirectHeader, nil
	default:
		return "", configErrorf("api-key-format", "unknown key format %q (want bearer or direct)", s)
	}
}

// ResolveURL produces the base URL the transport will dial.
//
// A non-empty explicitURL wins verbatim, regardless of the other fields.
// Otherwise the URL is composed as protocol://host:port plus the transport's
// path suffix. The gateway is dialed by address, so host defaults to
// localhost; the logical hostname travels separately as the SNI override and
// never enters the composed URL.
func ResolveURL(explicitURL, protocol, host, port string, kind TransportKind) (string, error) {
	if u := strings.TrimSpace(explicitURL); u != "" {
		return u, nil
	}

	protocol = strings.TrimSpace(protocol)
	port = strings.TrimSpace(port)
	host = strings.TrimSpace(host)
	if protocol == "" {
		protocol = DefaultProtocol
	}
	if port == "" {
		port = DefaultPort
	}
	if host == "" {
		host = DefaultConnectHost
	}

	if protocol != "http" && protocol != "https" {
		return "", configErrorf("protocol", "unsupported protocol %q", protocol)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return "", configErrorf("port", "invalid port %q", port)
	}

	return fmt.Sprintf("%s://%s:%s%s", protocol, host, port, kind.pathSuffix()), nil
}

// ResolveAuth validates and normalizes the auth answer into an Auth value.
//
// For API key auth the key is required. Bearer format pins the header to
// "Authorization" and prefixes the value; direct format uses the given
// header name, falling back to the documented default when empty.
func ResolveAuth(choice AuthKind, key string, format KeyFormat, headerName, clientMetadataURL string) (Auth, error) {
	switch choice {
	case AuthNone:
		return Auth{Kind: AuthNone}, nil

	case AuthAPIKey:
		key = strings.TrimSpace(key)
		if key == "" {
			return Auth{}, configErrorf("api-key", "API key is required for API key authentication")
		}
		switch format {
		case KeyFormatBearer:
			return Auth{
				Kind:       AuthAPIKey,
				Format:     KeyFormatBearer,
				HeaderName: "Authorization",
				Value:      "Bearer " + key,
			}, nil
		case KeyFormatDirectHeader:
			headerName = strings.TrimSpace(headerName)
			if headerName == "" {
				headerName = DefaultAPIKeyHeader
			}
			return Auth{
				Kind:       AuthAPIKey,
				Format:     KeyFormatDirectHeader,
				HeaderName: headerName,
				Value:      key,
			}, nil
		default:
			return Auth{}, configErrorf("api-key-format", "unknown key format %q", format)
		}

	case AuthOAuth:
		return Auth{
			Kind:              AuthOAuth,
			ClientMetadataURL: strings.TrimSpace(clientMetadataURL),
		}, nil

	default:
		return Auth{}, configErrorf("auth", "unknown auth kind %q", choice)
	}
}

// Build resolves a full set of answers into a Plan. It is deterministic and
// side-effect free: identical answers always produce structurally equal
// plans, and the input is never mutated.
func Build(a Answers) (Plan, error) {
	kind, err := ParseTransport(a.Transport)
	if err != nil {
		return Plan{}, err
	}

	baseURL, err := ResolveURL(a.URL, a.Protocol, "", a.Port, kind)
	if err != nil {
		return Plan{}, err
	}

	choice, err := ParseAuthChoice(a.Auth)
	if err != nil {
		return Plan{}, err
	}
	format, err := ParseKeyFormat(a.APIKeyFormat)
	if err != nil {
		return Plan{}, err
	}
	auth, err := ResolveAuth(choice, a.APIKey, format, a.APIKeyHeader, a.ClientMetadataURL)
	if err != nil {
		return Plan{}, err
	}

	// The SNI default only applies when the URL was composed for a local
	// gateway. An explicit URL is assumed to carry its own TLS identity
	// unless the caller asked for an override.
	sni := strings.TrimSpace(a.Hostname)
	if sni == "" && strings.TrimSpace(a.URL) == "" {
		sni = DefaultSNIHostname
	}

	return Plan{
		Transport:   kind,
		BaseURL:     baseURL,
		SNIHostname: sni,
		Auth:        auth,
	}, nil
}
