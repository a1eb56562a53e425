package mcpgateway

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-hub-go/pkg/router"
)

var ErrSessionExists = errors.New("mcpgateway: session already registered")

// WireStyle names the inbound transport a session arrived on.
type WireStyle string

const (
	WireSSE        WireStyle = "sse"
	WireStreamable WireStyle = "streamable-http"
)

// Session is one open downstream connection. Its scope is fixed at creation.
type Session struct {
	ID        string
	Scope     router.Scope
	Wire      WireStyle
	CreatedAt time.Time

	notifier   *notifyingTransport
	sse        *mcp.SSEServerTransport
	streamable *mcp.StreamableServerTransport
	done       chan struct{}

	mu      sync.Mutex
	session *mcp.ServerSession
}

func (s *Session) bind(ss *mcp.ServerSession) {
	s.mu.Lock()
	s.session = ss
	s.mu.Unlock()
}

// Close ends the protocol session. It is safe to call more than once.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	ss := s.session
	s.mu.Unlock()
	if ss == nil {
		return nil
	}
	return ss.Close()
}

// Registry tracks open sessions by id. Operations pass through a single-slot
// queue: one runs at a time and waiters are admitted in arrival order, so a
// read never observes a half-applied add or remove.
type Registry struct {
	turn     chan struct{}
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		turn:     make(chan struct{}, 1),
		sessions: make(map[string]*Session),
	}
}

func (r *Registry) do(op func()) {
	r.turn <- struct{}{}
	defer func() { <-r.turn }()
	op()
}

// Add registers s under s.ID.
func (r *Registry) Add(s *Session) error {
	if s == nil || s.ID == "" {
		return errors.New("mcpgateway: session id is required")
	}
	var err error
	r.do(func() {
		if _, dup := r.sessions[s.ID]; dup {
			err = fmt.Errorf("%w: %q", ErrSessionExists, s.ID)
			return
		}
		r.sessions[s.ID] = s
	})
	return err
}

// Remove drops the session with id and returns it. Removing an unknown id is
// a no-op.
func (r *Registry) Remove(id string) (*Session, bool) {
	var (
		s  *Session
		ok bool
	)
	r.do(func() {
		s, ok = r.sessions[id]
		delete(r.sessions, id)
	})
	return s, ok
}

// Get returns the session with id.
func (r *Registry) Get(id string) (*Session, bool) {
	var (
		s  *Session
		ok bool
	)
	r.do(func() {
		s, ok = r.sessions[id]
	})
	return s, ok
}

// Scope returns the routing scope of the session with id.
func (r *Registry) Scope(id string) (router.Scope, bool) {
	s, ok := r.Get(id)
	if !ok {
		return router.Scope{}, false
	}
	return s.Scope, true
}

// Count returns the number of open sessions.
func (r *Registry) Count() int {
	var n int
	r.do(func() {
		n = len(r.sessions)
	})
	return n
}

// Sessions returns a snapshot of every open session.
func (r *Registry) Sessions() []*Session {
	var out []*Session
	r.do(func() {
		out = make([]*Session, 0, len(r.sessions))
		for _, s := range r.sessions {
			out = append(out, s)
		}
	})
	return out
}
