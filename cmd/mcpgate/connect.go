package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/huh/spinner"
	"github.com/spf13/cobra"

	"github.com/Bigsy/mcpgate/internal/mcp"
	"github.com/Bigsy/mcpgate/internal/oauth"
	"github.com/Bigsy/mcpgate/internal/plan"
)

var connectFlags struct {
	url               string
	protocol          string
	port              string
	hostname          string
	transport         string
	auth              string
	apiKey            string
	keyFormat         string
	apiKeyHeader      string
	clientMetadataURL string
	store             string
	interactive       bool
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to an MCP server and start an interactive session",
	Long: `Connect to an MCP server and start an interactive tool session.

Connection settings come from flags, or from interactive prompts when
--interactive is given (or no flags at all). An explicit --url is used
verbatim; otherwise the endpoint is composed from --protocol, localhost
and --port, with the path picked by the transport.

Examples:
  mcpgate connect
  mcpgate connect --url https://localhost:8081/mcp --hostname mcp.deepwiki.com
  mcpgate connect --port 9000 --auth apikey --api-key secret
  mcpgate connect --auth oauth --credential-store file`,
	Args: cobra.NoArgs,
	RunE: runConnect,
}

func init() {
	f := connectCmd.Flags()
	f.StringVar(&connectFlags.url, "url", "", "Full MCP endpoint URL (overrides --protocol and --port)")
	f.StringVar(&connectFlags.protocol, "protocol", "", "Gateway protocol, http or https (default https)")
	f.StringVar(&connectFlags.port, "port", "", "Gateway port (default "+plan.DefaultPort+")")
	f.StringVar(&connectFlags.hostname, "hostname", "", "TLS SNI hostname presented to the gateway (default "+plan.DefaultSNIHostname+")")
	f.StringVar(&connectFlags.transport, "transport", "", "Transport, streamable-http or sse (default streamable-http)")
	f.StringVar(&connectFlags.auth, "auth", "", "Authentication, none, apikey or oauth (default none)")
	f.StringVar(&connectFlags.apiKey, "api-key", "", "API key (required with --auth apikey)")
	f.StringVar(&connectFlags.keyFormat, "key-format", "", "API key format, bearer or direct (default bearer)")
	f.StringVar(&connectFlags.apiKeyHeader, "api-key-header", "", "Header name for --key-format direct (default "+plan.DefaultAPIKeyHeader+")")
	f.StringVar(&connectFlags.clientMetadataURL, "client-metadata-url", "", "URL-based OAuth client identifier (skips dynamic registration)")
	f.StringVar(&connectFlags.store, "credential-store", "", "OAuth credential store, memory or file (default memory)")
	f.BoolVar(&connectFlags.interactive, "interactive", false, "Gather connection settings interactively")

	rootCmd.AddCommand(connectCmd)
}

func runConnect(cmd *cobra.Command, args []string) error {
	answers := answersFromFlags()

	// No flags at all means the user wants to be asked
	if connectFlags.interactive || cmd.Flags().NFlag() == 0 {
		if err := promptAnswers(&answers); err != nil {
			return err
		}
	}

	p, err := plan.Build(answers)
	if err != nil {
		return err
	}

	store, err := oauth.NewCredentialStore(oauth.StoreMode(connectFlags.store))
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	client, err := dialGateway(ctx, p, store)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	name, serverVersion := client.ServerInfo()
	fmt.Fprintln(cmd.OutOrStdout(), headerStyle.Render(fmt.Sprintf("Connected to %s %s", name, serverVersion))+
		dimStyle.Render(fmt.Sprintf("  (protocol %s)", client.ProtocolVersion())))

	return runREPL(ctx, client, cmd.InOrStdin(), cmd.OutOrStdout())
}

func answersFromFlags() plan.Answers {
	return plan.Answers{
		URL:               connectFlags.url,
		Protocol:          connectFlags.protocol,
		Port:              connectFlags.port,
		Hostname:          connectFlags.hostname,
		Transport:         connectFlags.transport,
		Auth:              connectFlags.auth,
		APIKey:            connectFlags.apiKey,
		APIKeyFormat:      connectFlags.keyFormat,
		APIKeyHeader:      connectFlags.apiKeyHeader,
		ClientMetadataURL: connectFlags.clientMetadataURL,
	}
}

// promptAnswers fills in answers via interactive forms. Flag values seed the
// fields, so a partially flagged invocation only asks for the rest. The forms
// gather raw strings; resolution and validation stay in the plan package.
func promptAnswers(a *plan.Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Server URL").
				Description("Full MCP endpoint URL. Leave empty to compose one from the fields below.").
				Value(&a.URL),
			huh.NewSelect[string]().
				Title("Transport").
				Options(
					huh.NewOption("Streamable HTTP", string(plan.TransportStreamableHTTP)),
					huh.NewOption("HTTP+SSE (legacy)", string(plan.TransportSSE)),
				).
				Value(&a.Transport),
			huh.NewInput().
				Title("Protocol").
				Description("http or https ["+plan.DefaultProtocol+"]").
				Value(&a.Protocol),
			huh.NewInput().
				Title("Port").
				Description("Gateway port ["+plan.DefaultPort+"]").
				Value(&a.Port),
			huh.NewInput().
				Title("Gateway hostname").
				Description("TLS SNI hostname presented to the gateway ["+plan.DefaultSNIHostname+"]").
				Value(&a.Hostname),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Authentication").
				Options(
					huh.NewOption("None", string(plan.AuthNone)),
					huh.NewOption("API key", string(plan.AuthAPIKey)),
					huh.NewOption("OAuth", string(plan.AuthOAuth)),
				).
				Value(&a.Auth),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	switch plan.AuthKind(a.Auth) {
	case plan.AuthAPIKey:
		keyForm := huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title("API key").
				EchoMode(huh.EchoModePassword).
				Value(&a.APIKey).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("API key must not be empty")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("Key format").
				Options(
					huh.NewOption("Authorization: Bearer <key>", string(plan.KeyFormatBearer)),
					huh.NewOption("Raw key in a custom header", string(plan.KeyFormatDirectHeader)),
				).
				Value(&a.APIKeyFormat),
			huh.NewInput().
				Title("Header name").
				Description("Header carrying the raw key ["+plan.DefaultAPIKeyHeader+"]; ignored for the Bearer format").
				Value(&a.APIKeyHeader),
		))
		return keyForm.Run()
	case plan.AuthOAuth:
		oauthForm := huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title("Client metadata URL").
				Description("URL-based OAuth client identifier; leave empty for dynamic registration").
				Value(&a.ClientMetadataURL),
		))
		return oauthForm.Run()
	}
	return nil
}

// dialGateway builds the transport described by the plan and performs the MCP
// handshake. A 401 on an OAuth plan triggers the browser authorization flow,
// then the handshake runs once more with the fresh credentials.
func dialGateway(ctx context.Context, p plan.Plan, store oauth.CredentialStore) (*mcp.Client, error) {
	manager := oauth.NewTokenManager(store)
	manager.SetWarningHandler(func(serverURL string, warning error) {
		fmt.Fprintf(os.Stderr, "warning: %v\n", warning)
	})
	manager.SetGatewayClient(mcp.GatewayHTTPClient(p.SNIHostname), p.SNIHostname)

	var opts mcp.DialOptions
	if p.Auth.Kind == plan.AuthOAuth {
		opts.TokenProvider = func(ctx context.Context) (string, error) {
			return manager.GetAccessToken(ctx, p.BaseURL)
		}
	}

	client, err := handshake(ctx, p, opts)
	if err == nil {
		return client, nil
	}

	var unauthErr *mcp.UnauthorizedError
	if p.Auth.Kind != plan.AuthOAuth || !errors.As(err, &unauthErr) {
		return nil, err
	}

	fmt.Println("Authorization required. Your browser will open to log in.")

	flowCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	flow := oauth.NewFlow(oauth.FlowConfig{
		ServerURL:         p.BaseURL,
		ServerName:        serverDisplayName(p),
		Store:             store,
		ClientMetadataURL: p.Auth.ClientMetadataURL,
		Challenge:         unauthErr.Challenge,
		HTTPClient:        mcp.GatewayHTTPClient(p.SNIHostname),
		Host:              p.SNIHostname,
	})
	if err := flow.Run(flowCtx); err != nil {
		return nil, fmt.Errorf("oauth login: %w", err)
	}

	return handshake(ctx, p, opts)
}

// handshake connects the transport and runs Initialize under a spinner.
func handshake(ctx context.Context, p plan.Plan, opts mcp.DialOptions) (*mcp.Client, error) {
	tr := mcp.NewTransport(p, opts)
	client := mcp.NewClient(tr)

	err := spinner.New().
		Title("Connecting to " + p.BaseURL).
		Context(ctx).
		ActionWithErr(func(ctx context.Context) error {
			if err := mcp.Connect(ctx, tr); err != nil {
				return err
			}
			return client.Initialize(ctx)
		}).
		Run()
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// serverDisplayName picks a user-facing name for stored credentials. The SNI
// hostname identifies the logical service better than the dial address.
func serverDisplayName(p plan.Plan) string {
	if p.SNIHostname != "" {
		return p.SNIHostname
	}
	if u, err := url.Parse(p.BaseURL); err == nil && u.Host != "" {
		return u.Host
	}
	return p.BaseURL
}
