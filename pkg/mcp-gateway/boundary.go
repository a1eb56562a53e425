package mcpgateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/modelcontextprotocol/go-sdk/auth"

	"github.com/vikashloomba/mcp-hub-go/pkg/router"
)

// JSON-RPC error codes used on boundary rejections.
const (
	codeInvalidRequest = -32600
	codeSessionError   = -32000
	codeForbidden      = -32001
)

type rpcErrorBody struct {
	JSONRPC string   `json:"jsonrpc"`
	Error   rpcError `json:"error"`
	ID      any      `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// writeRPCError rejects a request with a JSON-RPC shaped body so protocol
// clients can surface the message.
func writeRPCError(w http.ResponseWriter, status, code int, msg string) {
	body, err := sonic.Marshal(rpcErrorBody{
		JSONRPC: "2.0",
		Error:   rpcError{Code: code, Message: msg},
	})
	if err != nil {
		http.Error(w, msg, status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// requireBearer checks the shared bearer key before any routing runs. The key
// and the enable flag are read from the settings in effect per request.
func (h *Hub) requireBearer(next http.Handler) http.Handler {
	guarded := auth.RequireBearerToken(h.verifyBearer, nil)(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.Settings().Routing.EnableBearerAuth {
			next.ServeHTTP(w, r)
			return
		}
		guarded.ServeHTTP(w, r)
	})
}

func (h *Hub) verifyBearer(_ context.Context, token string, _ *http.Request) (*auth.TokenInfo, error) {
	key := h.Settings().Routing.BearerAuthKey
	if key == "" || subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
		return nil, auth.ErrInvalidToken
	}
	// The shared key does not expire; the verifier insists on an expiration.
	return &auth.TokenInfo{Expiration: time.Now().Add(time.Hour)}, nil
}

// resolveScope parses the routing segment of r and enforces the global-route
// flag. On failure the response has been written and no session exists.
func (h *Hub) resolveScope(w http.ResponseWriter, r *http.Request) (router.Scope, bool) {
	settings := h.Settings()
	scope, err := router.ParseScope(r.PathValue("scope"), settings)
	if err != nil {
		writeRPCError(w, http.StatusNotFound, codeInvalidRequest, err.Error())
		return router.Scope{}, false
	}
	if scope.Kind == router.ScopeGlobal && !settings.Routing.GlobalRouteEnabled() {
		writeRPCError(w, http.StatusForbidden, codeForbidden, "global routing is disabled; connect with a group or server path")
		return router.Scope{}, false
	}
	return scope, true
}
