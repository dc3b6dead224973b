// Package actuator executes pointer gestures on the user's device through an
// MCP server.
//
// The device side exposes its input control as MCP tools; [Client] connects
// over stdio or streamable HTTP using the official MCP Go SDK
// (github.com/modelcontextprotocol/go-sdk) and invokes a single gesture tool
// per action. The tool reports whether the gesture landed and how far the
// user's own input ended up from the suggested position, which feeds the
// behavioral reward loop.
//
// Typical usage:
//
//	c, err := actuator.Dial(ctx, actuator.Config{
//	    Transport: actuator.TransportStdio,
//	    Command:   "/usr/local/bin/device-gestures",
//	})
//	if err != nil { ... }
//	defer c.Close()
//
//	out, err := c.Perform(ctx, actuator.Gesture{
//	    ActionID: "act_42",
//	    Start:    frame.Position{X: 100, Y: 200},
//	    End:      frame.Position{X: 450, Y: 200},
//	})
package actuator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/perkell/syrinx/internal/frame"
)

// DefaultTool is the gesture tool invoked when [Config.Tool] is empty.
const DefaultTool = "perform_gesture"

// Transport selects how the client reaches the MCP server.
type Transport string

const (
	// TransportStdio launches the server as a subprocess and speaks MCP over
	// its stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportHTTP connects to a server over streamable HTTP.
	TransportHTTP Transport = "http"
)

// IsValid reports whether t is a known transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportHTTP
}

// Config describes the MCP server hosting the gesture tool.
type Config struct {
	// Transport selects stdio or streamable HTTP.
	Transport Transport

	// Command is the executable plus space-separated arguments for stdio
	// servers.
	Command string

	// URL is the endpoint address for streamable-HTTP servers.
	URL string

	// Env holds additional environment variables for stdio servers.
	Env map[string]string

	// Tool overrides the gesture tool name. Default: [DefaultTool].
	Tool string
}

// Gesture is one pointer movement to execute on the device.
type Gesture struct {
	// ActionID correlates the outcome with the action that requested it.
	ActionID string

	Start frame.Position
	End   frame.Position
}

// Outcome is the device's report of an executed gesture.
type Outcome struct {
	// Success is true when the device performed the gesture and the user
	// accepted the suggestion.
	Success bool `json:"success"`

	// UserDelta is the distance in pixels between the suggested position and
	// where the user actually interacted.
	UserDelta float64 `json:"user_delta"`
}

// Client invokes the gesture tool on one MCP server. Safe for concurrent
// use; the underlying SDK session multiplexes calls.
type Client struct {
	tool    string
	session *mcpsdk.ClientSession
}

// Dial connects to the MCP server described by cfg and verifies that it
// exposes the gesture tool.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if !cfg.Transport.IsValid() {
		return nil, fmt.Errorf("actuator: unknown transport %q", cfg.Transport)
	}
	tool := cfg.Tool
	if tool == "" {
		tool = DefaultTool
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return nil, fmt.Errorf("actuator: stdio transport requires a non-empty command")
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("actuator: http transport requires a non-empty URL")
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "syrinx-actuator", Version: "1.0.0"},
		nil,
	)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("actuator: connect: %w", err)
	}

	found := false
	for t, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("actuator: list tools: %w", err)
		}
		if t.Name == tool {
			found = true
			break
		}
	}
	if !found {
		_ = session.Close()
		return nil, fmt.Errorf("actuator: server does not expose tool %q", tool)
	}

	return &Client{tool: tool, session: session}, nil
}

// Perform executes one gesture and returns the device's outcome report. A
// non-nil error means the gesture did not run or its outcome is unknown.
func (c *Client) Perform(ctx context.Context, g Gesture) (Outcome, error) {
	result, err := c.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      c.tool,
		Arguments: gestureArgs(g),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("actuator: call %s: %w", c.tool, err)
	}

	content := textContent(result)
	if result.IsError {
		return Outcome{}, fmt.Errorf("actuator: tool %s reported error: %s", c.tool, content)
	}
	return parseOutcome(content)
}

// Close shuts down the session. The client must not be used afterwards.
func (c *Client) Close() error {
	return c.session.Close()
}

// gestureArgs flattens a gesture into the tool's argument object.
func gestureArgs(g Gesture) map[string]any {
	return map[string]any{
		"action_id": g.ActionID,
		"start_x":   g.Start.X,
		"start_y":   g.Start.Y,
		"end_x":     g.End.X,
		"end_y":     g.End.Y,
	}
}

// parseOutcome decodes the tool's JSON outcome report.
func parseOutcome(content string) (Outcome, error) {
	var out Outcome
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return Outcome{}, fmt.Errorf("actuator: decode outcome %q: %w", content, err)
	}
	return out, nil
}

// textContent concatenates the text blocks of a tool result.
func textContent(result *mcpsdk.CallToolResult) string {
	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

// splitCommand splits a command string into executable and arguments.
// e.g. "/bin/foo --bar baz" → ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
