// Package upstreamtest runs in-process MCP servers over HTTP for tests.
package upstreamtest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-hub-go/pkg/hubconfig"
)

// ProgressTool is a tool name that reports one progress step before
// replying, when the caller asked for progress.
const ProgressTool = "progress"

// Args are accepted by every tool the server registers.
type Args struct {
	Text string `json:"text,omitempty"`
}

// Server is an upstream MCP server whose tools reply with
// "<server>:<tool>[:<text>]".
type Server struct {
	*httptest.Server
	Name  string
	MCP   *mcp.Server
	Kind  hubconfig.TransportKind
	calls atomic.Int64
}

// New starts a streamable HTTP server exposing tools.
func New(t testing.TB, name string, tools ...string) *Server {
	t.Helper()
	s := newServer(name, tools)
	s.Kind = hubconfig.TransportStreamableHTTP
	s.Server = httptest.NewServer(mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.MCP }, nil))
	t.Cleanup(s.Close)
	return s
}

// NewSSE starts an SSE server exposing tools.
func NewSSE(t testing.TB, name string, tools ...string) *Server {
	t.Helper()
	s := newServer(name, tools)
	s.Kind = hubconfig.TransportSSE
	s.Server = httptest.NewServer(mcp.NewSSEHandler(func(*http.Request) *mcp.Server { return s.MCP }, nil))
	t.Cleanup(s.Close)
	return s
}

func newServer(name string, tools []string) *Server {
	s := &Server{Name: name, MCP: mcp.NewServer(&mcp.Implementation{Name: name, Version: "test"}, nil)}
	for _, tool := range tools {
		s.AddTool(tool)
	}
	return s
}

// AddTool registers another tool; connected clients are notified.
func (s *Server) AddTool(tool string) {
	mcp.AddTool(s.MCP, &mcp.Tool{
		Name:        tool,
		Description: fmt.Sprintf("%s tool served by %s", tool, s.Name),
	}, func(ctx context.Context, req *mcp.CallToolRequest, in Args) (*mcp.CallToolResult, any, error) {
		s.calls.Add(1)
		if tool == ProgressTool {
			if token := req.Params.GetProgressToken(); token != nil {
				_ = req.Session.NotifyProgress(ctx, &mcp.ProgressNotificationParams{
					ProgressToken: token,
					Progress:      1,
					Total:         2,
					Message:       "halfway",
				})
			}
		}
		text := s.Name + ":" + tool
		if in.Text != "" {
			text += ":" + in.Text
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}, nil, nil
	})
}

// Calls reports how many tool calls the server has handled.
func (s *Server) Calls() int64 { return s.calls.Load() }

// SessionCount reports the number of open server sessions.
func (s *Server) SessionCount() int {
	n := 0
	for range s.MCP.Sessions() {
		n++
	}
	return n
}

// Descriptor returns a server descriptor pointing at s under name.
func (s *Server) Descriptor(name string) hubconfig.ServerDescriptor {
	endpoint := s.URL
	if s.Kind == hubconfig.TransportSSE {
		endpoint += "/sse"
	}
	return hubconfig.ServerDescriptor{Name: name, Type: s.Kind, URL: endpoint}
}

// Text returns the first text content of res.
func Text(res *mcp.CallToolResult) string {
	if res == nil {
		return ""
	}
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}
