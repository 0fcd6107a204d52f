package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/Bigsy/mcpgate/internal/mcp"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	toolStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

const replHelp = "Commands: list, call <tool> [json-args], help, quit"

// runREPL reads commands from in and runs them against the client until quit
// or EOF. Command errors are printed and the loop continues; only a read
// failure ends the session with an error.
func runREPL(ctx context.Context, client *mcp.Client, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, dimStyle.Render(replHelp))

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		cmd, rest := splitCommand(line)
		switch cmd {
		case "quit", "exit":
			return nil
		case "help":
			fmt.Fprintln(out, dimStyle.Render(replHelp))
		case "list":
			if err := printTools(ctx, client, out); err != nil {
				fmt.Fprintln(out, errorStyle.Render("error: "+err.Error()))
			}
		case "call":
			if err := callTool(ctx, client, rest, out); err != nil {
				fmt.Fprintln(out, errorStyle.Render("error: "+err.Error()))
			}
		default:
			fmt.Fprintln(out, errorStyle.Render(fmt.Sprintf("unknown command %q (try: list, call, quit)", cmd)))
		}
	}
}

// splitCommand splits a line into its first word and the trimmed remainder.
func splitCommand(line string) (cmd, rest string) {
	parts := strings.SplitN(line, " ", 2)
	cmd = parts[0]
	if len(parts) == 2 {
		rest = strings.TrimSpace(parts[1])
	}
	return cmd, rest
}

func printTools(ctx context.Context, client *mcp.Client, out io.Writer) error {
	tools, err := client.ListTools(ctx)
	if err != nil {
		return err
	}

	if len(tools) == 0 {
		fmt.Fprintln(out, "No tools available")
		return nil
	}

	fmt.Fprintln(out, headerStyle.Render("Available tools"))
	for _, tool := range tools {
		if tool.Description != "" {
			fmt.Fprintf(out, "  %s  %s\n", toolStyle.Render(tool.Name), dimStyle.Render(tool.Description))
		} else {
			fmt.Fprintf(out, "  %s\n", toolStyle.Render(tool.Name))
		}
	}
	return nil
}

// parseToolArgs validates the optional JSON argument text of a call command.
// Nothing is sent to the server when the arguments do not parse.
func parseToolArgs(argsText string) (json.RawMessage, error) {
	if argsText == "" {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid([]byte(argsText)) {
		return nil, fmt.Errorf("arguments must be valid JSON: %s", argsText)
	}
	return json.RawMessage(argsText), nil
}

func callTool(ctx context.Context, client *mcp.Client, rest string, out io.Writer) error {
	name, argsText := splitCommand(rest)
	if name == "" {
		return fmt.Errorf("usage: call <tool> [json-args]")
	}

	args, err := parseToolArgs(argsText)
	if err != nil {
		return err
	}

	result, err := client.CallTool(ctx, name, args)
	if err != nil {
		return err
	}

	for _, block := range result.Content {
		if text, ok := block.Text(); ok {
			fmt.Fprintln(out, text)
			continue
		}
		// Non-text content is shown raw
		raw, err := json.MarshalIndent(block, "", "  ")
		if err != nil {
			raw = []byte(block)
		}
		fmt.Fprintln(out, string(raw))
	}

	if result.IsError {
		fmt.Fprintln(out, errorStyle.Render("tool reported an error"))
	}
	return nil
}
