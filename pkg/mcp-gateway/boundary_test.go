package mcpgateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"

	"github.com/vikashloomba/mcp-hub-go/internal/upstreamtest"
	"github.com/vikashloomba/mcp-hub-go/pkg/hubconfig"
)

const (
	initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"raw","version":"1"}}}`
	listToolsBody  = `{"jsonrpc":"2.0","id":2,"method":"tools/list","params":{}}`
)

type headerRoundTripper struct {
	header string
	value  string
	next   http.RoundTripper
}

func (rt headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set(rt.header, rt.value)
	return rt.next.RoundTrip(clone)
}

func postStreamable(t *testing.T, h *testHub, path, sessionID, body string) (*http.Response, rpcErrorBody) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(sessionIDHeader, sessionID)
	}
	res, err := h.server.Client().Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer res.Body.Close()
	var payload rpcErrorBody
	if res.StatusCode >= 400 {
		data, _ := io.ReadAll(res.Body)
		_ = json.Unmarshal(data, &payload)
	}
	return res, payload
}

func TestStreamableRejectsUnknownSessionWithoutMutation(t *testing.T) {
	t.Parallel()
	h := newTestHub(t, &hubconfig.Settings{}, hubConfig{})

	res, payload := postStreamable(t, h, "/mcp", "no-such-session", listToolsBody)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session status = %d, want 404", res.StatusCode)
	}
	if payload.JSONRPC != "2.0" || payload.Error.Message == "" {
		t.Fatalf("unknown session body = %+v, want a JSON-RPC error", payload)
	}

	res, payload = postStreamable(t, h, "/mcp", "", listToolsBody)
	if res.StatusCode != http.StatusBadRequest || payload.Error.Code != codeSessionError {
		t.Fatalf("missing session id: status %d body %+v", res.StatusCode, payload)
	}
	if got := h.Registry().Count(); got != 0 {
		t.Fatalf("registry count = %d, want 0", got)
	}
}

func TestSSEMessagesRejectUnknownSession(t *testing.T) {
	t.Parallel()
	h := newTestHub(t, &hubconfig.Settings{}, hubConfig{})

	res, err := h.server.Client().Post(h.server.URL+"/messages?sessionId=nope", "application/json", strings.NewReader(listToolsBody))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", res.StatusCode)
	}
}

func TestGlobalRouteDisabledRejectsBeforeRegistering(t *testing.T) {
	t.Parallel()
	alpha := upstreamtest.New(t, "alpha", "ping")
	off := false
	h := newTestHub(t, &hubconfig.Settings{
		Servers: hubconfig.ServerList{alpha.Descriptor("alpha")},
		Groups:  []hubconfig.Group{{ID: "g1", Servers: []hubconfig.GroupMember{{Name: "alpha"}}}},
		Routing: hubconfig.Routing{EnableGlobalRoute: &off},
	}, hubConfig{})

	res, err := h.server.Client().Get(h.server.URL + "/sse")
	if err != nil {
		t.Fatalf("GET /sse: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("GET /sse status = %d, want 403", res.StatusCode)
	}

	post, _ := postStreamable(t, h, "/mcp", "", initializeBody)
	if post.StatusCode != http.StatusForbidden {
		t.Fatalf("POST /mcp status = %d, want 403", post.StatusCode)
	}
	if got := h.Registry().Count(); got != 0 {
		t.Fatalf("registry count = %d, want 0", got)
	}

	session := connectSSE(t, h, "/sse/g1", nil)
	if got := toolNames(t, session); len(got) != 1 || got[0] != "alpha/ping" {
		t.Fatalf("group session tools = %v", got)
	}
}

func TestUnknownSmartGroupIsRejected(t *testing.T) {
	t.Parallel()
	h := newTestHub(t, &hubconfig.Settings{}, hubConfig{})

	res, payload := postStreamable(t, h, "/mcp/$smart/nope", "", initializeBody)
	if res.StatusCode != http.StatusNotFound || payload.Error.Message == "" {
		t.Fatalf("status %d body %+v, want 404 with JSON-RPC error", res.StatusCode, payload)
	}
	if got := h.Registry().Count(); got != 0 {
		t.Fatalf("registry count = %d, want 0", got)
	}
}

func TestBearerAuthRejectsBeforeRouting(t *testing.T) {
	t.Parallel()
	alpha := upstreamtest.New(t, "alpha", "ping")
	h := newTestHub(t, &hubconfig.Settings{
		Servers: hubconfig.ServerList{alpha.Descriptor("alpha")},
		Routing: hubconfig.Routing{EnableBearerAuth: true, BearerAuthKey: "secret"},
	}, hubConfig{})

	for _, auth := range []string{"", "Bearer wrong", "Basic secret"} {
		req, err := http.NewRequest(http.MethodGet, h.server.URL+"/sse", nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		res, err := h.server.Client().Do(req)
		if err != nil {
			t.Fatalf("GET /sse: %v", err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusUnauthorized {
			t.Fatalf("Authorization %q: status %d, want 401", auth, res.StatusCode)
		}
	}
	if got := h.Registry().Count(); got != 0 {
		t.Fatalf("registry count = %d after rejected opens, want 0", got)
	}

	client := &http.Client{Transport: headerRoundTripper{
		header: "Authorization",
		value:  "Bearer secret",
		next:   h.server.Client().Transport,
	}}
	session := connect(t, &mcp.StreamableClientTransport{Endpoint: h.server.URL + "/mcp", HTTPClient: client}, nil)
	if got := toolNames(t, session); len(got) != 1 || got[0] != "alpha/ping" {
		t.Fatalf("tools = %v", got)
	}
}

func TestCORSPreflightAnswered(t *testing.T) {
	t.Parallel()
	h := newTestHub(t, &hubconfig.Settings{
		Routing: hubconfig.Routing{EnableBearerAuth: true, BearerAuthKey: "secret"},
	}, hubConfig{opts: &Options{CORS: &cors.Options{AllowedOrigins: []string{"*"}}}})

	req, err := http.NewRequest(http.MethodOptions, h.server.URL+"/mcp", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "https://client.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	res, err := h.server.Client().Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusUnauthorized {
		t.Fatalf("preflight was subjected to bearer auth")
	}
	if got := res.Header.Get("Access-Control-Allow-Origin"); got == "" {
		t.Fatalf("missing Access-Control-Allow-Origin on preflight")
	}
}
