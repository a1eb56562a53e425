package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-hub-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-hub-go/pkg/toolsearch"
)

const (
	SearchToolName = "search_tools"
	CallToolName   = "call_tool"

	DefaultSearchLimit = 10
	MaxSearchLimit     = 100
)

// SearchToolsArgs are the arguments of search_tools.
type SearchToolsArgs struct {
	Query string `json:"query" jsonschema:"what you want to do, in plain words"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of tools to return, 10 when omitted, at most 100"`
}

// CallToolArgs are the arguments of call_tool.
type CallToolArgs struct {
	ToolName  string         `json:"toolName" jsonschema:"qualified tool name returned by search_tools"`
	Arguments map[string]any `json:"arguments,omitempty" jsonschema:"arguments matching the tool's inputSchema"`
}

// callToolArgs keeps the forwarded arguments undecoded.
type callToolArgs struct {
	ToolName  string          `json:"toolName"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// FoundTool is one search_tools hit.
type FoundTool struct {
	Name        string  `json:"name"`
	ServerName  string  `json:"serverName"`
	Description string  `json:"description,omitempty"`
	InputSchema any     `json:"inputSchema,omitempty"`
	Score       float64 `json:"score"`
}

// SearchMetadata is advisory information returned alongside the hits.
type SearchMetadata struct {
	Query        string  `json:"query"`
	Threshold    float64 `json:"threshold"`
	TotalResults int     `json:"totalResults"`
	Guideline    string  `json:"guideline"`
	NextSteps    string  `json:"nextSteps"`
}

// SearchResult is the search_tools payload.
type SearchResult struct {
	Tools    []FoundTool    `json:"tools"`
	Metadata SearchMetadata `json:"metadata"`
}

// SearchThreshold picks a similarity cutoff from the query's shape: short,
// generic queries favor recall and long or explicitly specific ones favor
// precision.
func SearchThreshold(query string) float64 {
	q := strings.TrimSpace(query)
	lower := strings.ToLower(q)
	switch {
	case len(strings.Fields(q)) <= 2 || len(q) < 10:
		return 0.2
	case len(q) > 30 || strings.Contains(lower, "specific") || strings.Contains(lower, "exact"):
		return 0.4
	default:
		return 0.3
	}
}

func smartTools() []*mcp.Tool {
	return []*mcp.Tool{
		{
			Name: SearchToolName,
			Description: "Find tools across every connected server by describing the task. " +
				"Returns matching tools with their input schemas; nothing is executed. " +
				"Invoke a result with " + CallToolName + ".",
			InputSchema: mustSchema[SearchToolsArgs](),
		},
		{
			Name: CallToolName,
			Description: "Call a tool found with " + SearchToolName + ", passing its qualified name as toolName " +
				"and arguments matching its inputSchema.",
			InputSchema: mustSchema[CallToolArgs](),
		},
	}
}

func mustSchema[T any]() *jsonschema.Schema {
	s, err := jsonschema.For[T](nil)
	if err != nil {
		panic(fmt.Sprintf("router: schema for %T: %v", *new(T), err))
	}
	return s
}

// SearchTools runs a similarity search for the smart scope. Hits are checked
// against the live server states and dropped when their server is no longer
// connected or the tool is disabled or filtered out of the scope's group.
func (r *Router) SearchTools(ctx context.Context, scope Scope, query string, limit int) (*SearchResult, error) {
	if r.search == nil {
		return nil, ErrNoSearch
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("router: query is required")
	}
	switch {
	case limit <= 0:
		limit = DefaultSearchLimit
	case limit > MaxSearchLimit:
		limit = MaxSearchLimit
	}

	var groupMembers []member
	var servers []string
	if scope.Name != "" {
		g, ok := r.settings().ResolveGroup(scope.Name)
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownGroup, scope.Name)
		}
		groupMembers = r.members(Scope{Kind: ScopeGroup, Name: scope.Name})
		servers = g.MemberNames()
		if len(servers) == 0 {
			// No server is named "", so an empty group matches nothing.
			servers = []string{""}
		}
	}

	threshold := r.threshold(query)
	matches, err := r.search.Search(ctx, toolsearch.Query{Text: query, Threshold: threshold, Servers: servers})
	if err != nil {
		return nil, err
	}

	live := make(map[string]member)
	if groupMembers != nil {
		for _, m := range groupMembers {
			live[m.state.Name] = m
		}
	} else {
		for _, st := range r.upstreams.ListServerStates() {
			live[st.Name] = member{state: st}
		}
	}

	found := make([]FoundTool, 0, min(limit, len(matches)))
	for _, match := range matches {
		if len(found) == limit {
			break
		}
		if tool, ok := liveTool(live, match); ok {
			found = append(found, FoundTool{
				Name:        tool.Name,
				ServerName:  match.ServerName,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
				Score:       match.Score,
			})
		}
	}

	meta := SearchMetadata{Query: query, Threshold: threshold, TotalResults: len(found)}
	if len(found) == 0 {
		meta.Guideline = "No connected tool matched the query."
		meta.NextSteps = "Retry " + SearchToolName + " with fewer or more general words."
	} else {
		meta.Guideline = "Pick the tool whose description fits the task best; higher scores are closer matches."
		meta.NextSteps = "Invoke it with " + CallToolName + ", passing name as toolName and arguments matching inputSchema."
	}
	return &SearchResult{Tools: found, Metadata: meta}, nil
}

func liveTool(live map[string]member, match toolsearch.Match) (*mcp.Tool, bool) {
	m, ok := live[match.ServerName]
	if !ok || !m.state.Enabled || m.state.Status != mcpmgr.StatusConnected {
		return nil, false
	}
	if m.filter != nil && !m.filter.AllowsTool(match.ToolName) {
		return nil, false
	}
	for _, t := range m.state.Tools {
		if t.RawName == match.ToolName {
			return present(m.state.Descriptor, t)
		}
	}
	return nil, false
}

func (r *Router) searchTool(ctx context.Context, scope Scope, raw json.RawMessage) *mcp.CallToolResult {
	var args SearchToolsArgs
	if len(raw) > 0 {
		if err := sonic.Unmarshal(raw, &args); err != nil {
			return errorResult(fmt.Errorf("router: invalid %s arguments: %w", SearchToolName, err))
		}
	}
	result, err := r.SearchTools(ctx, scope, args.Query, args.Limit)
	if err != nil {
		return errorResult(err)
	}
	payload, err := sonic.Marshal(result)
	if err != nil {
		return errorResult(err)
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(payload)}}}
}

func (r *Router) callTool(ctx context.Context, scope Scope, req CallRequest) *mcp.CallToolResult {
	var args callToolArgs
	if len(req.Arguments) > 0 {
		if err := sonic.Unmarshal(req.Arguments, &args); err != nil {
			return errorResult(fmt.Errorf("router: invalid %s arguments: %w", CallToolName, err))
		}
	}
	if args.ToolName == "" {
		return errorResult(fmt.Errorf("router: %s requires toolName", CallToolName))
	}
	res, err := r.dispatch(ctx, scope, CallRequest{
		Name:          args.ToolName,
		Arguments:     args.Arguments,
		ProgressToken: req.ProgressToken,
		Progress:      req.Progress,
	})
	if err != nil {
		return errorResult(err)
	}
	return res
}
