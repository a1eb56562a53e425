// Package router resolves a session's routing scope into the tools it may
// see, applies per-tool overrides, and dispatches calls to the upstream
// server that owns each tool. The $smart scope replaces the aggregate list
// with a search_tools/call_tool pair backed by the similarity index.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-hub-go/pkg/hubconfig"
	"github.com/vikashloomba/mcp-hub-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-hub-go/pkg/toolsearch"
)

var (
	ErrToolNotFound = errors.New("router: tool not found")
	ErrToolDisabled = errors.New("router: tool disabled")
	ErrUnknownGroup = errors.New("router: unknown group")
	ErrNoSearch     = errors.New("router: smart routing is not configured")
)

// Upstreams is the part of *mcpmgr.Manager the router reads and calls.
type Upstreams interface {
	ListServerStates() []mcpmgr.ServerState
	ServerState(name string) (mcpmgr.ServerState, bool)
	Lookup(qualified string) (mcpmgr.Target, bool)
	CallTool(ctx context.Context, call mcpmgr.ToolCall) (*mcp.CallToolResult, error)
}

// Searcher ranks indexed tools for a query. *toolsearch.Index satisfies it.
type Searcher interface {
	Search(ctx context.Context, q toolsearch.Query) ([]toolsearch.Match, error)
}

// SettingsFunc returns the current settings snapshot; it is consulted for
// group membership on every request.
type SettingsFunc func() *hubconfig.Settings

// Options tune a Router.
type Options struct {
	Logger *slog.Logger
	// Threshold replaces SearchThreshold.
	Threshold func(query string) float64
}

// Router is safe for concurrent use; it holds no mutable state of its own.
type Router struct {
	upstreams  Upstreams
	settings   SettingsFunc
	search     Searcher
	logger     *slog.Logger
	threshold  func(string) float64
	smartTools []*mcp.Tool
}

// New builds a Router. search may be nil, in which case search_tools reports
// that smart routing is unavailable.
func New(upstreams Upstreams, settings SettingsFunc, search Searcher, opts *Options) *Router {
	r := &Router{
		upstreams:  upstreams,
		settings:   settings,
		search:     search,
		logger:     slog.Default(),
		threshold:  SearchThreshold,
		smartTools: smartTools(),
	}
	if opts != nil {
		if opts.Logger != nil {
			r.logger = opts.Logger
		}
		if opts.Threshold != nil {
			r.threshold = opts.Threshold
		}
	}
	if r.settings == nil {
		r.settings = func() *hubconfig.Settings { return &hubconfig.Settings{} }
	}
	return r
}

// CallRequest is one inbound tools/call.
type CallRequest struct {
	Name          string
	Arguments     json.RawMessage
	ProgressToken any
	Progress      mcpmgr.ProgressSink
}

// member pairs a server state with its group membership, nil outside groups.
type member struct {
	state  mcpmgr.ServerState
	filter *hubconfig.GroupMember
}

// ListTools returns the tools visible to scope, with overrides applied. The
// returned tools are copies.
func (r *Router) ListTools(scope Scope) []*mcp.Tool {
	if scope.Kind == ScopeSmart {
		out := make([]*mcp.Tool, len(r.smartTools))
		for i, t := range r.smartTools {
			cp := *t
			out[i] = &cp
		}
		return out
	}
	var tools []*mcp.Tool
	for _, m := range r.members(scope) {
		if m.state.Status != mcpmgr.StatusConnected || !m.state.Enabled {
			continue
		}
		for _, t := range m.state.Tools {
			if m.filter != nil && !m.filter.AllowsTool(t.RawName) {
				continue
			}
			if tool, ok := present(m.state.Descriptor, t); ok {
				tools = append(tools, tool)
			}
		}
	}
	return tools
}

func (r *Router) members(scope Scope) []member {
	switch scope.Kind {
	case ScopeGlobal:
		states := r.upstreams.ListServerStates()
		out := make([]member, 0, len(states))
		for _, st := range states {
			out = append(out, member{state: st})
		}
		return out
	case ScopeGroup:
		g, ok := r.settings().ResolveGroup(scope.Name)
		if !ok {
			return nil
		}
		out := make([]member, 0, len(g.Servers))
		for i := range g.Servers {
			if st, ok := r.upstreams.ServerState(g.Servers[i].Name); ok {
				out = append(out, member{state: st, filter: &g.Servers[i]})
			}
		}
		return out
	case ScopeServer:
		if st, ok := r.upstreams.ServerState(scope.Name); ok {
			return []member{{state: st}}
		}
	}
	return nil
}

// present applies the descriptor's override for t to a copy of the upstream
// record. ok is false when the override disables the tool.
func present(desc hubconfig.ServerDescriptor, t mcpmgr.Target) (*mcp.Tool, bool) {
	o, has := desc.Override(t.RawName)
	if has && !o.IsEnabled() {
		return nil, false
	}
	cp := *t.Tool
	if has && o.Description != "" {
		cp.Description = o.Description
	}
	return &cp, true
}

// CallTool dispatches req for a session bound to scope. It never returns a
// protocol error: every failure, including a panic during dispatch, comes
// back as a result marked IsError.
func (r *Router) CallTool(ctx context.Context, scope Scope, req CallRequest) (res *mcp.CallToolResult) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool call panicked", "tool", req.Name, "scope", scope.String(), "panic", p)
			res = errorResult(fmt.Errorf("router: call %q failed: %v", req.Name, p))
		}
	}()
	if scope.Kind == ScopeSmart {
		switch req.Name {
		case SearchToolName:
			return r.searchTool(ctx, scope, req.Arguments)
		case CallToolName:
			return r.callTool(ctx, scope, req)
		default:
			return errorResult(fmt.Errorf("%w: %q; smart sessions call tools through %s", ErrToolNotFound, req.Name, CallToolName))
		}
	}
	res, err := r.dispatch(ctx, scope, req)
	if err != nil {
		r.logger.Debug("tool call failed", "tool", req.Name, "scope", scope.String(), "error", err)
		return errorResult(err)
	}
	return res
}

func (r *Router) dispatch(ctx context.Context, scope Scope, req CallRequest) (*mcp.CallToolResult, error) {
	target, err := r.resolve(scope, req.Name)
	if err != nil {
		return nil, err
	}
	st, ok := r.upstreams.ServerState(target.Server)
	if !ok || !st.Enabled || st.Status != mcpmgr.StatusConnected {
		return nil, fmt.Errorf("%w: server %q is not connected", ErrToolNotFound, target.Server)
	}
	if o, has := st.Descriptor.Override(target.RawName); has && !o.IsEnabled() {
		return nil, fmt.Errorf("%w: %q", ErrToolDisabled, req.Name)
	}
	res, err := r.upstreams.CallTool(ctx, mcpmgr.ToolCall{
		Server:        target.Server,
		RawName:       target.RawName,
		Arguments:     arguments(req.Arguments),
		ProgressToken: req.ProgressToken,
		Progress:      req.Progress,
	})
	if err != nil {
		return nil, fmt.Errorf("router: call %q: %w", req.Name, err)
	}
	if res == nil {
		res = &mcp.CallToolResult{}
	}
	return res, nil
}

// resolve maps a requested name to its upstream tool. A server-scoped
// session targets its own server and the "server/" qualifier is stripped at
// most once; other scopes go through the manager's dispatch table. A group
// (or a group-restricted smart scope) only reaches tools it would list.
func (r *Router) resolve(scope Scope, name string) (mcpmgr.Target, error) {
	if scope.Kind != ScopeServer {
		t, ok := r.upstreams.Lookup(name)
		if !ok {
			return mcpmgr.Target{}, fmt.Errorf("%w: %q", ErrToolNotFound, name)
		}
		if scope.Name != "" && !r.groupAllows(scope.Name, t) {
			return mcpmgr.Target{}, fmt.Errorf("%w: %q in group %q", ErrToolNotFound, name, scope.Name)
		}
		return t, nil
	}
	st, ok := r.upstreams.ServerState(scope.Name)
	if !ok || !st.Enabled || st.Status != mcpmgr.StatusConnected {
		return mcpmgr.Target{}, fmt.Errorf("%w: server %q is not connected", ErrToolNotFound, scope.Name)
	}
	raw, stripped := strings.CutPrefix(name, scope.Name+mcpmgr.QualifiedSeparator)
	candidates := []string{raw}
	if stripped {
		candidates = append(candidates, name)
	}
	for _, want := range candidates {
		for _, t := range st.Tools {
			if t.RawName == want {
				return t, nil
			}
		}
	}
	return mcpmgr.Target{}, fmt.Errorf("%w: %q on server %q", ErrToolNotFound, name, scope.Name)
}

func (r *Router) groupAllows(group string, t mcpmgr.Target) bool {
	for _, m := range r.members(Scope{Kind: ScopeGroup, Name: group}) {
		if m.state.Name == t.Server {
			return m.filter == nil || m.filter.AllowsTool(t.RawName)
		}
	}
	return false
}

func arguments(raw json.RawMessage) any {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return json.RawMessage(trimmed)
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
	}
}
