package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/vikashloomba/mcp-hub-go/pkg/hubconfig"
	"github.com/vikashloomba/mcp-hub-go/pkg/toolsearch"
)

// ConnectionStatus represents the lifecycle of a managed connection.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
)

var (
	ErrUnknownServer = errors.New("mcpmgr: unknown server")
	ErrNotConnected  = errors.New("mcpmgr: server not connected")
)

// Target identifies one upstream tool. Tool is the canonical upstream
// record with its name qualified; callers must copy it before changing it.
type Target struct {
	Server  string
	RawName string
	Tool    *mcp.Tool
}

// ServerState is a point-in-time snapshot of one configured server.
type ServerState struct {
	Name       string
	Status     ConnectionStatus
	LastError  string
	Enabled    bool
	Tools      []Target
	CreatedAt  time.Time
	Descriptor hubconfig.ServerDescriptor
}

// ToolCall describes one invocation forwarded to an upstream server.
type ToolCall struct {
	Server    string
	RawName   string
	Arguments any
	// ProgressToken is the token the downstream caller attached to its
	// request, if any. Progress receives the relayed notifications.
	ProgressToken any
	Progress      ProgressSink
}

// Manager owns one upstream MCP client per enabled server descriptor and
// the table of tools they expose.
type Manager struct {
	options  ManagerOptions
	progress *progressTracker

	baseCtx    context.Context
	cancelBase context.CancelFunc

	// passMu serializes reconciliation passes.
	passMu sync.Mutex

	mu       sync.RWMutex
	states   map[string]*managedState
	order    []string
	table    map[string]Target
	closed   bool
	handlers []func(string)
}

type managedState struct {
	desc      hubconfig.ServerDescriptor
	status    ConnectionStatus
	lastError string
	createdAt time.Time
	tools     []Target

	session *mcp.ClientSession
	stop    context.CancelFunc
}

func (s *managedState) snapshot() ServerState {
	return ServerState{
		Name:       s.desc.Name,
		Status:     s.status,
		LastError:  s.lastError,
		Enabled:    s.desc.IsEnabled(),
		Tools:      append([]Target(nil), s.tools...),
		CreatedAt:  s.createdAt,
		Descriptor: s.desc.Clone(),
	}
}

// release closes the client session and then cancels the transport
// lifetime, which also reaps a spawned subprocess.
func (s *managedState) release() error {
	var err error
	if s.session != nil {
		err = s.session.Close()
	}
	if s.stop != nil {
		s.stop()
	}
	return err
}

// NewManager constructs a Manager. No connection is made until Reconcile.
func NewManager(opts *ManagerOptions) *Manager {
	options := opts.normalized()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		options:    options,
		progress:   newProgressTracker(options.Logger),
		baseCtx:    ctx,
		cancelBase: cancel,
		states:     make(map[string]*managedState),
		table:      make(map[string]Target),
	}
}

// OnStateChange registers a handler invoked when a server's tools change
// outside a reconciliation pass: an upstream fault, or an upstream
// tools/list_changed notification.
func (m *Manager) OnStateChange(handler func(server string)) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	m.handlers = append(m.handlers, handler)
	m.mu.Unlock()
}

func (m *Manager) fireStateChange(server string) {
	m.mu.RLock()
	handlers := append([]func(string){}, m.handlers...)
	m.mu.RUnlock()
	for _, h := range handlers {
		h(server)
	}
}

// Reconcile brings the managed servers in line with servers. Each server is
// rebuilt independently and concurrently; a failure is recorded in that
// server's state and never affects the others. Servers missing from servers
// are closed and dropped. boot selects the longer startup timeout.
//
// A server that is connected and whose connection settings are unchanged is
// carried over without reconnecting. There is no retry within a pass.
func (m *Manager) Reconcile(ctx context.Context, servers []hubconfig.ServerDescriptor, boot bool) {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	seen := make(map[string]struct{}, len(servers))
	wanted := make([]hubconfig.ServerDescriptor, 0, len(servers))
	for _, desc := range servers {
		if _, dup := seen[desc.Name]; dup {
			continue
		}
		seen[desc.Name] = struct{}{}
		wanted = append(wanted, desc)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	removed := make(map[string]*managedState)
	for name, st := range m.states {
		if _, ok := seen[name]; !ok {
			st.status = StatusDisconnected
			removed[name] = st
		}
	}
	order := make([]string, 0, len(wanted))
	for _, desc := range wanted {
		order = append(order, desc.Name)
	}
	m.order = order
	m.rebuildTableLocked()
	m.mu.Unlock()

	for name, st := range removed {
		if err := st.release(); err != nil {
			m.options.Logger.Warn("close removed server", "server", name, "error", err)
		}
		m.unindex(name)
		m.mu.Lock()
		if m.states[name] == st {
			delete(m.states, name)
		}
		m.mu.Unlock()
	}

	var g errgroup.Group
	for _, desc := range wanted {
		g.Go(func() error {
			m.rebuild(ctx, desc, boot)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) rebuild(ctx context.Context, desc hubconfig.ServerDescriptor, boot bool) {
	name := desc.Name
	m.mu.RLock()
	prev := m.states[name]
	m.mu.RUnlock()

	if !desc.IsEnabled() {
		m.replace(name, prev, &managedState{desc: desc, status: StatusDisconnected, createdAt: time.Now()})
		return
	}
	if prev != nil && prev.status == StatusConnected && prev.session != nil && prev.desc.SameConnection(desc) {
		m.mu.Lock()
		prev.desc = desc
		m.mu.Unlock()
		return
	}

	next := &managedState{desc: desc, status: StatusConnecting, createdAt: time.Now()}
	m.replace(name, prev, next)
	if err := desc.Validate(); err != nil {
		m.fail(next, err)
		return
	}

	timeout := m.timeoutFor(desc, boot)
	session, stop, err := m.connect(ctx, desc, timeout)
	if err != nil {
		m.fail(next, err)
		return
	}
	tools, err := m.listTools(ctx, session, name, timeout)
	if err != nil {
		_ = session.Close()
		stop()
		m.fail(next, err)
		return
	}

	m.mu.Lock()
	if m.closed || m.states[name] != next {
		m.mu.Unlock()
		_ = session.Close()
		stop()
		return
	}
	next.status = StatusConnected
	next.session = session
	next.stop = stop
	next.tools = tools
	next.lastError = ""
	m.rebuildTableLocked()
	m.mu.Unlock()

	m.options.Logger.Info("upstream connected", "server", name, "transport", desc.Kind(), "tools", len(tools))
	m.index(ctx, desc, tools)
	go m.monitorSession(name, next, session)
}

// replace publishes next for name, prunes the dispatch table and only then
// closes prev, so no caller observes a connected state with closed handles.
func (m *Manager) replace(name string, prev, next *managedState) {
	m.mu.Lock()
	m.states[name] = next
	m.rebuildTableLocked()
	m.mu.Unlock()
	if prev != nil {
		if err := prev.release(); err != nil {
			m.options.Logger.Warn("close previous session", "server", name, "error", err)
		}
	}
	m.unindex(name)
}

func (m *Manager) fail(st *managedState, err error) {
	name := st.desc.Name
	m.mu.Lock()
	if m.states[name] == st {
		st.status = StatusDisconnected
		st.lastError = err.Error()
		m.rebuildTableLocked()
	}
	m.mu.Unlock()
	m.options.Logger.Warn("upstream unavailable", "server", name, "error", err)
}

func (m *Manager) timeoutFor(desc hubconfig.ServerDescriptor, boot bool) time.Duration {
	timeout := m.options.PassTimeout
	if desc.Timeout > 0 {
		timeout = desc.Timeout
	}
	if boot && timeout < m.options.BootTimeout {
		timeout = m.options.BootTimeout
	}
	return timeout
}

// connect dials desc. The transports are bound to a lifetime context that
// outlives the handshake; timeout and ctx only abort the handshake itself.
// The returned func ends the lifetime and must be called after the session
// is closed.
func (m *Manager) connect(ctx context.Context, desc hubconfig.ServerDescriptor, timeout time.Duration) (*mcp.ClientSession, context.CancelFunc, error) {
	lifetime, stop := context.WithCancel(m.baseCtx)
	transports, err := m.transportsFor(lifetime, desc)
	if err != nil {
		stop()
		return nil, nil, err
	}
	deadline := time.AfterFunc(timeout, stop)
	unhook := context.AfterFunc(ctx, stop)
	defer unhook()

	logger := m.resolveLogger(desc)
	var errs []error
	for _, transport := range transports {
		if logger != nil {
			transport = &loggingTransport{serverID: desc.Name, delegate: transport, logger: logger}
		}
		session, err := m.newClient(desc.Name).Connect(lifetime, transport, nil)
		if err == nil {
			if !deadline.Stop() || !unhook() {
				stop()
				_ = session.Close()
				break
			}
			return session, stop, nil
		}
		errs = append(errs, err)
		if lifetime.Err() != nil {
			break
		}
	}
	expired := lifetime.Err() != nil
	deadline.Stop()
	stop()
	switch {
	case ctx.Err() != nil:
		return nil, nil, fmt.Errorf("mcpmgr: connect %q: %w", desc.Name, ctx.Err())
	case expired:
		return nil, nil, fmt.Errorf("mcpmgr: connect %q: timed out after %s", desc.Name, timeout)
	default:
		return nil, nil, fmt.Errorf("mcpmgr: connect %q: %w", desc.Name, errors.Join(errs...))
	}
}

func (m *Manager) newClient(server string) *mcp.Client {
	impl := &mcp.Implementation{Name: m.options.ClientName, Version: m.options.ClientVersion}
	return mcp.NewClient(impl, &mcp.ClientOptions{
		KeepAlive: m.options.KeepAlive,
		ToolListChangedHandler: func(_ context.Context, req *mcp.ToolListChangedRequest) {
			go m.refreshTools(server, req.Session)
		},
		ProgressNotificationHandler: func(ctx context.Context, req *mcp.ProgressNotificationClientRequest) {
			m.progress.forward(ctx, server, req.Params)
		},
	})
}

func (m *Manager) listTools(ctx context.Context, session *mcp.ClientSession, server string, timeout time.Duration) ([]Target, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	var tools []Target
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			if isMethodUnavailableError(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("mcpmgr: list tools for %q: %w", server, err)
		}
		qualified := *tool
		qualified.Name = QualifiedName(server, tool.Name)
		tools = append(tools, Target{Server: server, RawName: tool.Name, Tool: &qualified})
	}
	return tools, nil
}

// refreshTools re-lists tools after an upstream tools/list_changed
// notification. A failed refresh keeps the previous inventory.
func (m *Manager) refreshTools(server string, session *mcp.ClientSession) {
	m.mu.RLock()
	st := m.states[server]
	current := st != nil && st.session == session && st.status == StatusConnected
	m.mu.RUnlock()
	if !current {
		return
	}
	tools, err := m.listTools(m.baseCtx, session, server, m.options.PassTimeout)
	if err != nil {
		m.options.Logger.Warn("refresh tools failed", "server", server, "error", err)
		return
	}
	m.mu.Lock()
	if m.states[server] != st || st.session != session {
		m.mu.Unlock()
		return
	}
	st.tools = tools
	desc := st.desc
	m.rebuildTableLocked()
	m.mu.Unlock()
	m.index(m.baseCtx, desc, tools)
	m.fireStateChange(server)
}

func (m *Manager) monitorSession(server string, st *managedState, session *mcp.ClientSession) {
	waitErr := session.Wait()
	m.mu.Lock()
	if m.states[server] != st || st.session != session || st.status != StatusConnected {
		m.mu.Unlock()
		return
	}
	st.status = StatusDisconnected
	st.lastError = "session closed"
	if waitErr != nil {
		st.lastError = waitErr.Error()
	}
	st.session = nil
	stop := st.stop
	st.stop = nil
	m.rebuildTableLocked()
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	m.unindex(server)
	m.options.Logger.Warn("upstream session ended", "server", server, "error", waitErr)
	m.fireStateChange(server)
}

func (m *Manager) index(ctx context.Context, desc hubconfig.ServerDescriptor, tools []Target) {
	if m.options.Index == nil {
		return
	}
	docs := make([]toolsearch.Document, 0, len(tools))
	for _, t := range tools {
		description := t.Tool.Description
		if o, ok := desc.Override(t.RawName); ok && o.Description != "" {
			description = o.Description
		}
		docs = append(docs, toolsearch.Document{
			ServerName:  desc.Name,
			ToolName:    t.RawName,
			Description: description,
			InputSchema: t.Tool.InputSchema,
		})
	}
	if err := m.options.Index.IndexServer(ctx, desc.Name, docs); err != nil {
		m.options.Logger.Warn("index tools failed", "server", desc.Name, "error", err)
	}
}

func (m *Manager) unindex(server string) {
	if m.options.Index != nil {
		m.options.Index.RemoveServer(server)
	}
}

// rebuildTableLocked recomputes the qualified-name dispatch table from the
// enabled, connected servers. Callers hold m.mu.
func (m *Manager) rebuildTableLocked() {
	table := make(map[string]Target)
	for _, name := range m.order {
		st, ok := m.states[name]
		if !ok || st.status != StatusConnected || st.session == nil || !st.desc.IsEnabled() {
			continue
		}
		for _, t := range st.tools {
			table[t.Tool.Name] = t
		}
	}
	m.table = table
}

// ListServerStates returns snapshots in configuration order.
func (m *Manager) ListServerStates() []ServerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ServerState, 0, len(m.order))
	for _, name := range m.order {
		if st, ok := m.states[name]; ok {
			out = append(out, st.snapshot())
		}
	}
	return out
}

// ServerState returns the snapshot for name.
func (m *Manager) ServerState(name string) (ServerState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[name]
	if !ok {
		return ServerState{}, false
	}
	return st.snapshot(), true
}

// ServerTools returns the tools of name when it is enabled and connected.
func (m *Manager) ServerTools(name string) []Target {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[name]
	if !ok || st.status != StatusConnected || !st.desc.IsEnabled() {
		return nil
	}
	return append([]Target(nil), st.tools...)
}

// Lookup resolves a qualified tool name through the dispatch table.
func (m *Manager) Lookup(qualified string) (Target, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.table[qualified]
	return t, ok
}

// CallTool forwards a call to the named server and returns its result
// verbatim. There is no hub-imposed timeout; ctx governs the call.
func (m *Manager) CallTool(ctx context.Context, call ToolCall) (*mcp.CallToolResult, error) {
	m.mu.RLock()
	st, ok := m.states[call.Server]
	var session *mcp.ClientSession
	if ok && st.status == StatusConnected {
		session = st.session
	}
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownServer, call.Server)
	}
	if session == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotConnected, call.Server)
	}
	params := &mcp.CallToolParams{Name: call.RawName, Arguments: call.Arguments}
	release := m.progress.track(call.Server, call.Progress, call.ProgressToken, params)
	defer release()
	return session.CallTool(ctx, params)
}

// DisconnectServer closes the session for name and marks it disconnected.
// The server stays configured; the next pass reconnects it.
func (m *Manager) DisconnectServer(ctx context.Context, name string) error {
	m.mu.Lock()
	st, ok := m.states[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w %q", ErrUnknownServer, name)
	}
	detached := &managedState{session: st.session, stop: st.stop}
	st.status = StatusDisconnected
	st.session = nil
	st.stop = nil
	m.rebuildTableLocked()
	m.mu.Unlock()
	m.unindex(name)

	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan struct{})
	var closeErr error
	go func() {
		closeErr = detached.release()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return closeErr
	}
}

// Close disconnects every server. The manager cannot be reused.
func (m *Manager) Close() error {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	states := m.states
	m.states = make(map[string]*managedState)
	m.order = nil
	m.table = make(map[string]Target)
	m.mu.Unlock()

	var errs []error
	for name, st := range states {
		if err := st.release(); err != nil {
			errs = append(errs, fmt.Errorf("mcpmgr: close %q: %w", name, err))
		}
		m.unindex(name)
	}
	m.cancelBase()
	return errors.Join(errs...)
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// isMethodUnavailableError reports whether a server rejected tools/list
// because it has no tools capability.
func isMethodUnavailableError(err error) bool {
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "method not found") ||
		strings.Contains(lower, "not implemented") ||
		strings.Contains(lower, "unsupported method")
}
