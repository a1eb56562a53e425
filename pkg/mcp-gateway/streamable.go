package mcpgateway

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	sessionIDHeader  = "Mcp-Session-Id"
	methodInitialize = "initialize"

	maxInitializeBody = 4 << 20
)

// serveStreamable handles the streaming-request wire style. A known session
// id resumes its transport; a request without an id must be an initialize
// message and creates a new session; anything else is rejected without
// touching the registry.
func (h *Hub) serveStreamable(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodPost, http.MethodDelete:
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		writeRPCError(w, http.StatusMethodNotAllowed, codeInvalidRequest, "method not allowed")
		return
	}
	if r.Method != http.MethodDelete {
		if msg := checkAccept(r); msg != "" {
			writeRPCError(w, http.StatusBadRequest, codeInvalidRequest, msg)
			return
		}
	}

	if id := r.Header.Get(sessionIDHeader); id != "" {
		sess, ok := h.registry.Get(id)
		if !ok || sess.streamable == nil {
			writeRPCError(w, http.StatusNotFound, codeSessionError, "session not found")
			return
		}
		if r.Method == http.MethodDelete {
			h.drop(sess)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		sess.streamable.ServeHTTP(w, r)
		return
	}

	if r.Method != http.MethodPost {
		writeRPCError(w, http.StatusBadRequest, codeSessionError, "Bad Request: "+sessionIDHeader+" header is required")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInitializeBody))
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, codeInvalidRequest, "failed to read body")
		return
	}
	if !isInitialize(body) {
		writeRPCError(w, http.StatusBadRequest, codeSessionError, "Bad Request: no valid session id provided")
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	scope, ok := h.resolveScope(w, r)
	if !ok {
		return
	}
	transport := &mcp.StreamableServerTransport{SessionID: uuid.NewString()}
	if _, err := h.open(r.Context(), transport.SessionID, scope, WireStreamable, transport); err != nil {
		h.logError("open streamable session", err, "scope", scope.String())
		writeRPCError(w, http.StatusInternalServerError, codeSessionError, "failed to open session")
		return
	}
	transport.ServeHTTP(w, r)
}

func isInitialize(body []byte) bool {
	msg, err := jsonrpc.DecodeMessage(bytes.TrimSpace(body))
	if err != nil {
		return false
	}
	req, ok := msg.(*jsonrpc.Request)
	return ok && req.Method == methodInitialize
}

// checkAccept mirrors the Accept requirements of the streamable wire style.
func checkAccept(r *http.Request) string {
	var jsonOK, streamOK bool
	for _, c := range strings.Split(strings.Join(r.Header.Values("Accept"), ","), ",") {
		switch strings.TrimSpace(c) {
		case "application/json", "application/*":
			jsonOK = true
		case "text/event-stream", "text/*":
			streamOK = true
		case "*/*":
			jsonOK, streamOK = true, true
		}
	}
	if r.Method == http.MethodGet {
		if !streamOK {
			return "Accept must contain 'text/event-stream' for GET requests"
		}
		return ""
	}
	if !jsonOK || !streamOK {
		return "Accept must contain both 'application/json' and 'text/event-stream'"
	}
	return ""
}
