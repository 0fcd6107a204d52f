package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Bigsy/mcpgate/internal/mcp"
)

// Version information (set at build time via ldflags)
var (
	version = "dev"
	commit  = "unknown"
)

var debugLogging bool

var rootCmd = &cobra.Command{
	Use:   "mcpgate",
	Short: "Interactive client for MCP servers behind private gateways",
	Long: `mcpgate connects to remote MCP servers, including ones that sit behind
private gateways which route on the TLS SNI hostname.

It gathers the connection settings (URL or protocol/port, gateway hostname,
transport, credentials), resolves them into a connection plan, performs the
MCP handshake and drops into an interactive tool session.

Run 'mcpgate connect' with no flags for interactive configuration.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		mcp.DebugLogging = debugLogging
	},
}

func init() {
	// Disable automatic completion command
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	// Suppress errors from being printed twice
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	rootCmd.PersistentFlags().BoolVar(&debugLogging, "debug", false, "Enable debug logging of MCP traffic")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
