package router

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-hub-go/pkg/hubconfig"
	"github.com/vikashloomba/mcp-hub-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-hub-go/pkg/toolsearch"
)

type fakeUpstreams struct {
	mu      sync.Mutex
	states  []mcpmgr.ServerState
	calls   []mcpmgr.ToolCall
	callErr error
}

func (f *fakeUpstreams) ListServerStates() []mcpmgr.ServerState {
	return append([]mcpmgr.ServerState(nil), f.states...)
}

func (f *fakeUpstreams) ServerState(name string) (mcpmgr.ServerState, bool) {
	for _, st := range f.states {
		if st.Name == name {
			return st, true
		}
	}
	return mcpmgr.ServerState{}, false
}

func (f *fakeUpstreams) Lookup(qualified string) (mcpmgr.Target, bool) {
	for _, st := range f.states {
		if st.Status != mcpmgr.StatusConnected || !st.Enabled {
			continue
		}
		for _, t := range st.Tools {
			if t.Tool.Name == qualified {
				return t, true
			}
		}
	}
	return mcpmgr.Target{}, false
}

func (f *fakeUpstreams) CallTool(_ context.Context, call mcpmgr.ToolCall) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	if f.callErr != nil {
		return nil, f.callErr
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: call.Server + ":" + call.RawName}}}, nil
}

func (f *fakeUpstreams) lastCall(t *testing.T) mcpmgr.ToolCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatalf("no upstream call recorded")
	}
	return f.calls[len(f.calls)-1]
}

func connected(name string, tools ...string) mcpmgr.ServerState {
	st := mcpmgr.ServerState{
		Name:       name,
		Status:     mcpmgr.StatusConnected,
		Enabled:    true,
		Descriptor: hubconfig.ServerDescriptor{Name: name, URL: "http://" + name},
	}
	for _, raw := range tools {
		st.Tools = append(st.Tools, mcpmgr.Target{
			Server:  name,
			RawName: raw,
			Tool: &mcp.Tool{
				Name:        mcpmgr.QualifiedName(name, raw),
				Description: "Replies with pong",
				InputSchema: map[string]any{"type": "object"},
			},
		})
	}
	return st
}

func toolNames(tools []*mcp.Tool) []string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return names
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatalf("empty result")
	}
	tc, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("unexpected content %T", res.Content[0])
	}
	return tc.Text
}

var testSettings = &hubconfig.Settings{
	Groups: []hubconfig.Group{
		{ID: "g1", Name: "research", Servers: []hubconfig.GroupMember{{Name: "alpha"}}},
		{ID: "g2", Servers: []hubconfig.GroupMember{{Name: "beta", Tools: []string{"search_*"}}}},
	},
}

func newTestRouter(up *fakeUpstreams, search Searcher) *Router {
	return New(up, func() *hubconfig.Settings { return testSettings }, search, nil)
}

func TestGlobalScopeQualifiesEveryServer(t *testing.T) {
	t.Parallel()
	up := &fakeUpstreams{states: []mcpmgr.ServerState{connected("alpha", "ping"), connected("beta", "ping")}}
	r := newTestRouter(up, nil)

	got := toolNames(r.ListTools(Global))
	if !slices.Equal(got, []string{"alpha/ping", "beta/ping"}) {
		t.Fatalf("global tools = %v", got)
	}
}

func TestGroupScopeSeesOnlyMembers(t *testing.T) {
	t.Parallel()
	up := &fakeUpstreams{states: []mcpmgr.ServerState{
		connected("alpha", "ping"),
		connected("beta", "ping", "search_docs", "delete_docs"),
	}}
	r := newTestRouter(up, nil)

	if got := toolNames(r.ListTools(Scope{Kind: ScopeGroup, Name: "g1"})); !slices.Equal(got, []string{"alpha/ping"}) {
		t.Fatalf("g1 tools = %v", got)
	}
	if got := toolNames(r.ListTools(Scope{Kind: ScopeGroup, Name: "g2"})); !slices.Equal(got, []string{"beta/search_docs"}) {
		t.Fatalf("g2 tools = %v", got)
	}
	if got := r.ListTools(Scope{Kind: ScopeGroup, Name: "deleted"}); len(got) != 0 {
		t.Fatalf("unknown group should list nothing, got %v", toolNames(got))
	}
	if got := toolNames(r.ListTools(Scope{Kind: ScopeServer, Name: "beta"})); len(got) != 3 {
		t.Fatalf("server scope tools = %v", got)
	}
}

func TestListToolsAppliesOverridesToCopies(t *testing.T) {
	t.Parallel()
	alpha := connected("alpha", "ping", "echo")
	off := false
	alpha.Descriptor.Tools = map[string]hubconfig.ToolOverride{
		"ping": {Enabled: &off},
		"echo": {Description: "Echo it back"},
	}
	down := connected("beta", "ping")
	down.Status = mcpmgr.StatusDisconnected
	disabledServer := connected("gamma", "ping")
	disabledServer.Enabled = false
	up := &fakeUpstreams{states: []mcpmgr.ServerState{alpha, down, disabledServer}}
	r := newTestRouter(up, nil)

	tools := r.ListTools(Global)
	if got := toolNames(tools); !slices.Equal(got, []string{"alpha/echo"}) {
		t.Fatalf("visible tools = %v", got)
	}
	if tools[0].Description != "Echo it back" {
		t.Fatalf("description override not applied: %q", tools[0].Description)
	}
	if alpha.Tools[1].Tool.Description != "Replies with pong" {
		t.Fatalf("canonical upstream record mutated")
	}

	res := r.CallTool(context.Background(), Global, CallRequest{Name: "alpha/ping"})
	if !res.IsError || !strings.Contains(resultText(t, res), "disabled") {
		t.Fatalf("calling a disabled tool should fail softly, got %+v", res)
	}
}

func TestSmartScopeAlwaysExposesTwoTools(t *testing.T) {
	t.Parallel()
	var tools []string
	for i := 0; i < 50; i++ {
		tools = append(tools, "tool"+strings.Repeat("x", i))
	}
	up := &fakeUpstreams{states: []mcpmgr.ServerState{connected("alpha", tools...), connected("beta", tools...)}}
	r := newTestRouter(up, toolsearch.NewIndex(nil))

	for _, scope := range []Scope{{Kind: ScopeSmart}, {Kind: ScopeSmart, Name: "g1"}} {
		got := toolNames(r.ListTools(scope))
		if !slices.Equal(got, []string{SearchToolName, CallToolName}) {
			t.Fatalf("%s tools = %v", scope, got)
		}
	}
	for _, tool := range r.ListTools(Scope{Kind: ScopeSmart}) {
		if tool.InputSchema == nil {
			t.Fatalf("%s has no input schema", tool.Name)
		}
	}
}

func TestServerScopeStripsQualifierOnce(t *testing.T) {
	t.Parallel()
	up := &fakeUpstreams{states: []mcpmgr.ServerState{connected("alpha", "fs/read", "ping")}}
	r := newTestRouter(up, nil)
	ctx := context.Background()
	scope := Scope{Kind: ScopeServer, Name: "alpha"}

	res := r.CallTool(ctx, scope, CallRequest{Name: "alpha/fs/read"})
	if res.IsError {
		t.Fatalf("call failed: %s", resultText(t, res))
	}
	if call := up.lastCall(t); call.Server != "alpha" || call.RawName != "fs/read" {
		t.Fatalf("forwarded %+v", call)
	}

	res = r.CallTool(ctx, scope, CallRequest{Name: "ping"})
	if res.IsError || up.lastCall(t).RawName != "ping" {
		t.Fatalf("raw name should resolve within the server scope: %+v", res)
	}

	res = r.CallTool(ctx, Global, CallRequest{Name: "alpha/fs/read", Arguments: json.RawMessage(` {"path":"/tmp"} `)})
	if res.IsError {
		t.Fatalf("global call failed: %s", resultText(t, res))
	}
	call := up.lastCall(t)
	if call.RawName != "fs/read" || string(call.Arguments.(json.RawMessage)) != `{"path":"/tmp"}` {
		t.Fatalf("forwarded %+v", call)
	}
}

func TestCallToolFailuresBecomeErrorContent(t *testing.T) {
	t.Parallel()
	up := &fakeUpstreams{states: []mcpmgr.ServerState{connected("alpha", "ping")}}
	r := newTestRouter(up, nil)
	ctx := context.Background()

	res := r.CallTool(ctx, Global, CallRequest{Name: "alpha/missing"})
	if !res.IsError || !strings.Contains(resultText(t, res), "not found") {
		t.Fatalf("unknown tool: %+v", res)
	}

	res = r.CallTool(ctx, Scope{Kind: ScopeServer, Name: "nobody"}, CallRequest{Name: "ping"})
	if !res.IsError {
		t.Fatalf("unknown server scope should fail softly")
	}

	up.callErr = errors.New("upstream exploded")
	res = r.CallTool(ctx, Global, CallRequest{Name: "alpha/ping"})
	if !res.IsError || !strings.Contains(resultText(t, res), "upstream exploded") {
		t.Fatalf("upstream failure: %+v", res)
	}

	panicky := New(panicUpstreams{up}, nil, nil, nil)
	res = panicky.CallTool(ctx, Global, CallRequest{Name: "alpha/ping"})
	if !res.IsError || !strings.Contains(resultText(t, res), "boom") {
		t.Fatalf("panic should become error content: %+v", res)
	}
}

type panicUpstreams struct{ *fakeUpstreams }

func (panicUpstreams) CallTool(context.Context, mcpmgr.ToolCall) (*mcp.CallToolResult, error) {
	panic("boom")
}

func TestSmartSearchThenCall(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	index := toolsearch.NewIndex(nil)
	for _, server := range []string{"alpha", "beta", "gamma"} {
		if err := index.IndexServer(ctx, server, []toolsearch.Document{{ToolName: "ping", Description: "Replies with pong"}}); err != nil {
			t.Fatalf("index: %v", err)
		}
	}
	gamma := connected("gamma", "ping")
	gamma.Status = mcpmgr.StatusDisconnected
	up := &fakeUpstreams{states: []mcpmgr.ServerState{connected("alpha", "ping"), connected("beta", "ping"), gamma}}
	r := newTestRouter(up, index)
	smart := Scope{Kind: ScopeSmart}

	res := r.CallTool(ctx, smart, CallRequest{Name: SearchToolName, Arguments: json.RawMessage(`{"query":"ping"}`)})
	if res.IsError {
		t.Fatalf("search failed: %s", resultText(t, res))
	}
	var payload SearchResult
	if err := json.Unmarshal([]byte(resultText(t, res)), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	var names []string
	for _, tool := range payload.Tools {
		names = append(names, tool.Name)
		if tool.InputSchema == nil {
			t.Fatalf("hit %s lacks an input schema", tool.Name)
		}
	}
	slices.Sort(names)
	if !slices.Equal(names, []string{"alpha/ping", "beta/ping"}) {
		t.Fatalf("search hits = %v (stale gamma must be dropped)", names)
	}
	if payload.Metadata.TotalResults != 2 || payload.Metadata.Threshold != 0.2 || payload.Metadata.NextSteps == "" {
		t.Fatalf("metadata = %+v", payload.Metadata)
	}

	res = r.CallTool(ctx, smart, CallRequest{
		Name:          CallToolName,
		Arguments:     json.RawMessage(`{"toolName":"alpha/ping","arguments":{"text":"x"}}`),
		ProgressToken: "tok",
	})
	if res.IsError || resultText(t, res) != "alpha:ping" {
		t.Fatalf("call_tool result = %+v", res)
	}
	call := up.lastCall(t)
	if string(call.Arguments.(json.RawMessage)) != `{"text":"x"}` || call.ProgressToken != "tok" {
		t.Fatalf("forwarded %+v", call)
	}

	scoped, err := r.SearchTools(ctx, Scope{Kind: ScopeSmart, Name: "g1"}, "ping", 0)
	if err != nil {
		t.Fatalf("SearchTools: %v", err)
	}
	if len(scoped.Tools) != 1 || scoped.Tools[0].ServerName != "alpha" {
		t.Fatalf("group-restricted search = %+v", scoped.Tools)
	}

	res = r.CallTool(ctx, smart, CallRequest{Name: CallToolName, Arguments: json.RawMessage(`{}`)})
	if !res.IsError {
		t.Fatalf("call_tool without toolName should fail softly")
	}
}

func TestSearchToolsWithoutIndex(t *testing.T) {
	t.Parallel()
	r := newTestRouter(&fakeUpstreams{}, nil)
	if _, err := r.SearchTools(context.Background(), Scope{Kind: ScopeSmart}, "ping", 5); !errors.Is(err, ErrNoSearch) {
		t.Fatalf("expected ErrNoSearch, got %v", err)
	}
}

func TestSearchThreshold(t *testing.T) {
	t.Parallel()
	cases := []struct {
		query string
		want  float64
	}{
		{"ping", 0.2},
		{"list files", 0.2},
		{"list files in repo", 0.3},
		{"need the exact file reader", 0.4},
		{"find the tool that lists open pull requests for a repository", 0.4},
	}
	for _, tc := range cases {
		if got := SearchThreshold(tc.query); got != tc.want {
			t.Fatalf("SearchThreshold(%q) = %v, want %v", tc.query, got, tc.want)
		}
	}
}

func TestParseScope(t *testing.T) {
	t.Parallel()
	cases := []struct {
		segment string
		want    Scope
	}{
		{"", Global},
		{"/", Global},
		{"$smart", Scope{Kind: ScopeSmart}},
		{"$smart/research", Scope{Kind: ScopeSmart, Name: "g1"}},
		{"g1", Scope{Kind: ScopeGroup, Name: "g1"}},
		{"research", Scope{Kind: ScopeGroup, Name: "g1"}},
		{"alpha", Scope{Kind: ScopeServer, Name: "alpha"}},
	}
	for _, tc := range cases {
		got, err := ParseScope(tc.segment, testSettings)
		if err != nil || got != tc.want {
			t.Fatalf("ParseScope(%q) = %+v, %v; want %+v", tc.segment, got, err, tc.want)
		}
	}
	if _, err := ParseScope("$smart/missing", testSettings); !errors.Is(err, ErrUnknownGroup) {
		t.Fatalf("expected ErrUnknownGroup, got %v", err)
	}
}

func TestScopedCallsReachOnlyListedTools(t *testing.T) {
	t.Parallel()
	up := &fakeUpstreams{states: []mcpmgr.ServerState{
		connected("alpha", "ping"),
		connected("beta", "search_docs", "delete_docs"),
	}}
	r := newTestRouter(up, nil)
	ctx := context.Background()
	g2 := Scope{Kind: ScopeGroup, Name: "g2"}

	if res := r.CallTool(ctx, g2, CallRequest{Name: "beta/search_docs"}); res.IsError {
		t.Fatalf("listed group tool failed: %s", resultText(t, res))
	}
	for _, name := range []string{"beta/delete_docs", "alpha/ping"} {
		res := r.CallTool(ctx, g2, CallRequest{Name: name})
		if !res.IsError || !strings.Contains(resultText(t, res), "not found") {
			t.Fatalf("g2 call %s: %+v", name, res)
		}
	}

	smart := Scope{Kind: ScopeSmart}
	res := r.CallTool(ctx, smart, CallRequest{Name: "alpha/ping"})
	if !res.IsError || !strings.Contains(resultText(t, res), CallToolName) {
		t.Fatalf("direct call from smart scope: %+v", res)
	}

	smartG2 := Scope{Kind: ScopeSmart, Name: "g2"}
	res = r.CallTool(ctx, smartG2, CallRequest{Name: CallToolName, Arguments: json.RawMessage(`{"toolName":"beta/delete_docs"}`)})
	if !res.IsError {
		t.Fatalf("call_tool reached a tool filtered out of g2")
	}
	res = r.CallTool(ctx, smartG2, CallRequest{Name: CallToolName, Arguments: json.RawMessage(`{"toolName":"beta/search_docs"}`)})
	if res.IsError || resultText(t, res) != "beta:search_docs" {
		t.Fatalf("call_tool within g2 = %+v", res)
	}
}
