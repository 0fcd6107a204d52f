// Package plan resolves raw connection answers into an immutable connection
// plan for the MCP private gateway client. Resolution is pure: the prompting
// and I/O live in the CLI layer, and the transport layer consumes the result.
package plan

// TransportKind selects the wire transport used to reach the MCP server.
type TransportKind string

const (
	TransportStreamableHTTP TransportKind = "streamable-http"
	TransportSSE            TransportKind = "sse"
)

// pathSuffix is the conventional URL path for each transport when the URL is
// composed from parts. Streamable HTTP servers serve /mcp, SSE servers /sse.
func (k TransportKind) pathSuffix() string {
	if k == TransportSSE {
		return "/sse"
	}
	return "/mcp"
}

// AuthKind selects the credential injection strategy.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthAPIKey AuthKind = "apikey"
	AuthOAuth  AuthKind = "oauth"
)

// KeyFormat controls how an API key is placed into a request header.
type KeyFormat string

const (
	// KeyFormatBearer sends the key as "Authorization: Bearer <key>".
	KeyFormatBearer KeyFormat = "bearer"

	// KeyFormatDirectHeader sends the raw key in a custom header.
	KeyFormatDirectHeader KeyFormat = "direct"
)

// Defaults applied during resolution. These mirror the interactive prompts'
// bracketed defaults.
const (
	DefaultPort         = "8081"
	DefaultProtocol     = "https"
	DefaultConnectHost  = "localhost"
	DefaultSNIHostname  = "mcp.deepwiki.com"
	DefaultAPIKeyHeader = "X-API-Key"
)

// Auth is a tagged value describing the credential strategy for a session.
// Only the fields for the active Kind are populated.
type Auth struct {
	Kind AuthKind

	// HeaderName and Value carry the resolved API key header. For
	// KeyFormatBearer the header is always "Authorization" and the value is
	// prefixed with "Bearer ".
	HeaderName string
	Value      string
	Format     KeyFormat

	// ClientMetadataURL optionally points at hosted OAuth client metadata.
	// Empty means built-in discovery and dynamic registration.
	ClientMetadataURL string
}

// Plan is the fully resolved connection descriptor handed to the transport
// factory. It is a value object: built once per session, read-only after,
// and owns no sockets or other resources.
type Plan struct {
	Transport TransportKind

	// BaseURL is the absolute URL the transport dials.
	BaseURL string

	// SNIHostname overrides the TLS server name (and Host header) without
	// touching BaseURL's host. It routes through private gateways that
	// terminate TLS under one name while the logical service identifies as
	// another. Empty means no override.
	SNIHostname string

	Auth Auth
}

// Answers is the raw, free-form input gathered by the CLI layer (flags or
// interactive prompts). Empty strings mean "use the documented default".
type Answers struct {
	// URL is an explicit server URL. When non-empty it is used verbatim and
	// Protocol/Port are ignored.
	URL string

	Protocol string
	Port     string

	// Hostname is the gateway SNI hostname, not the dial address.
	Hostname string

	Transport string
	Auth      string

	// API key auth fields.
	APIKey       string
	APIKeyFormat string
	APIKeyHeader string

	// OAuth fields.
	ClientMetadataURL string
}
