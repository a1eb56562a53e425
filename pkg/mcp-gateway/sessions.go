package mcpgateway

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/vikashloomba/mcp-hub-go/pkg/router"
)

// open registers a session, binds a protocol server for scope and connects it
// over transport. The entry is dropped as soon as the connection ends.
func (h *Hub) open(ctx context.Context, id string, scope router.Scope, wire WireStyle, transport mcp.Transport) (*Session, error) {
	sess := &Session{
		ID:        id,
		Scope:     scope,
		Wire:      wire,
		CreatedAt: time.Now(),
		notifier:  &notifyingTransport{Transport: transport},
		done:      make(chan struct{}),
	}
	switch t := transport.(type) {
	case *mcp.SSEServerTransport:
		sess.sse = t
	case *mcp.StreamableServerTransport:
		sess.streamable = t
	}
	// Registered before connecting: an event-stream client may post to its
	// endpoint as soon as the connect handshake writes it.
	if err := h.registry.Add(sess); err != nil {
		return nil, err
	}
	ss, err := h.newSessionServer(scope).Connect(ctx, sess.notifier, nil)
	if err != nil {
		h.registry.Remove(id)
		close(sess.done)
		return nil, fmt.Errorf("mcpgateway: connect session: %w", err)
	}
	sess.bind(ss)
	h.opts.Logger.Debug("session opened", "session", id, "wire", string(wire), "scope", scope.String())

	go func() {
		_ = ss.Wait()
		h.drop(sess)
		close(sess.done)
	}()
	return sess, nil
}

// drop removes sess from the registry and closes it. Only the first call for
// a session has any effect.
func (h *Hub) drop(sess *Session) {
	current, ok := h.registry.Get(sess.ID)
	if !ok || current != sess {
		return
	}
	if _, ok := h.registry.Remove(sess.ID); !ok {
		return
	}
	if err := sess.Close(); err != nil {
		h.opts.Logger.Debug("close session", "session", sess.ID, "error", err)
	}
	h.opts.Logger.Debug("session closed", "session", sess.ID, "wire", string(sess.Wire))
}

// notifyToolsChanged pushes tools/list_changed to every open session. Write
// failures are logged and never stop the fan-out.
func (h *Hub) notifyToolsChanged(ctx context.Context) {
	sessions := h.registry.Sessions()
	if len(sessions) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(8)
	for _, sess := range sessions {
		g.Go(func() error {
			nctx, cancel := context.WithTimeout(ctx, h.opts.NotifyTimeout)
			defer cancel()
			if err := sess.notifier.toolsChanged(nctx); err != nil {
				h.opts.Logger.Debug("notify tools changed", "session", sess.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// closeSessions drops every open session concurrently.
func (h *Hub) closeSessions() {
	var g errgroup.Group
	for _, sess := range h.registry.Sessions() {
		g.Go(func() error {
			h.drop(sess)
			return nil
		})
	}
	_ = g.Wait()
}
