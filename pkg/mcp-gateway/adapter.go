package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-hub-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-hub-go/pkg/router"
)

const (
	methodListTools             = "tools/list"
	methodCallTool              = "tools/call"
	notificationToolListChanged = "notifications/tools/list_changed"
)

var errNotConnected = errors.New("mcpgateway: session transport not connected")

// newSessionServer builds the protocol server bound to one session. Its tool
// handlers are answered by the router for scope on every request, so the
// server itself never holds a tool registry.
func (h *Hub) newSessionServer(scope router.Scope) *mcp.Server {
	server := mcp.NewServer(h.opts.Implementation, &mcp.ServerOptions{
		HasTools:  true,
		KeepAlive: h.opts.KeepAlive,
	})
	server.AddReceivingMiddleware(h.scopeMiddleware(scope))
	return server
}

func (h *Hub) scopeMiddleware(scope router.Scope) mcp.Middleware {
	return func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			switch method {
			case methodListTools:
				tools := h.router.ListTools(scope)
				if tools == nil {
					tools = []*mcp.Tool{}
				}
				return &mcp.ListToolsResult{Tools: tools}, nil
			case methodCallTool:
				call, ok := req.(*mcp.CallToolRequest)
				if !ok || call.Params == nil {
					return next(ctx, method, req)
				}
				var sink mcpmgr.ProgressSink
				if call.Session != nil {
					sink = call.Session
				}
				return h.router.CallTool(ctx, scope, router.CallRequest{
					Name:          call.Params.Name,
					Arguments:     call.Params.Arguments,
					ProgressToken: call.Params.GetProgressToken(),
					Progress:      sink,
				}), nil
			}
			return next(ctx, method, req)
		}
	}
}

// notifyingTransport keeps the connection it hands to the protocol server so
// the hub can push notifications the server has no API for.
type notifyingTransport struct {
	mcp.Transport

	mu   sync.Mutex
	conn mcp.Connection
}

func (t *notifyingTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.Transport.Connect(ctx)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return conn, nil
}

func (t *notifyingTransport) toolsChanged(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	return conn.Write(ctx, &jsonrpc.Request{
		Method: notificationToolListChanged,
		Params: json.RawMessage(`{}`),
	})
}
