package mcpgateway

import (
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const sessionIDParam = "sessionId"

// serveSSE opens an event-stream session and holds the response open until
// the client goes away or the session ends.
func (h *Hub) serveSSE(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.resolveScope(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id := uuid.NewString()
	transport := &mcp.SSEServerTransport{Endpoint: h.messagesEndpoint(id), Response: w}
	sess, err := h.open(r.Context(), id, scope, WireSSE, transport)
	if err != nil {
		h.logError("open sse session", err, "scope", scope.String())
		writeRPCError(w, http.StatusInternalServerError, codeSessionError, "failed to open session")
		return
	}
	defer h.drop(sess)

	select {
	case <-r.Context().Done():
	case <-sess.done:
	}
}

// serveMessages delivers one client message to an open event-stream session.
func (h *Hub) serveMessages(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get(sessionIDParam)
	if id == "" {
		writeRPCError(w, http.StatusBadRequest, codeSessionError, "sessionId query parameter is required")
		return
	}
	sess, ok := h.registry.Get(id)
	if !ok || sess.sse == nil {
		writeRPCError(w, http.StatusNotFound, codeSessionError, "session not found")
		return
	}
	sess.sse.ServeHTTP(w, r)
}

func (h *Hub) messagesEndpoint(id string) string {
	return h.opts.route(h.opts.MessagesPath) + "?" + url.Values{sessionIDParam: {id}}.Encode()
}
