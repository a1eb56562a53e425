package mcpgateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"

	"github.com/rs/cors"

	"github.com/vikashloomba/mcp-hub-go/pkg/hubconfig"
	"github.com/vikashloomba/mcp-hub-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-hub-go/pkg/router"
)

// Hub terminates downstream sessions over both wire styles and routes their
// tool traffic to the upstream servers held by an mcpmgr.Manager.
type Hub struct {
	manager  *mcpmgr.Manager
	router   *router.Router
	source   hubconfig.Source
	snapshot *hubconfig.Snapshot
	opts     Options

	registry *Registry
	mux      *http.ServeMux
	handler  http.Handler

	baseCtx    context.Context
	cancelBase context.CancelFunc
	startOnce  sync.Once

	// adminMu serializes load-modify-save cycles of the admin operations.
	adminMu sync.Mutex

	httpServerMu sync.Mutex
	httpServer   *http.Server
}

// NewHub wires a Hub. No upstream connection is made until Start.
func NewHub(mgr *mcpmgr.Manager, rt *router.Router, source hubconfig.Source, opts *Options) (*Hub, error) {
	if mgr == nil {
		return nil, fmt.Errorf("mcpgateway: manager is required")
	}
	if rt == nil {
		return nil, fmt.Errorf("mcpgateway: router is required")
	}
	if source == nil {
		return nil, fmt.Errorf("mcpgateway: settings source is required")
	}
	options := opts.withDefaults()
	if _, err := sweepParser.Parse(options.ReconnectSchedule); options.ReconnectSchedule != "" && err != nil {
		return nil, fmt.Errorf("mcpgateway: invalid reconnect schedule %q: %w", options.ReconnectSchedule, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		manager:    mgr,
		router:     rt,
		source:     source,
		snapshot:   options.Snapshot,
		opts:       options,
		registry:   NewRegistry(),
		baseCtx:    ctx,
		cancelBase: cancel,
	}
	h.mux = h.routes()
	h.handler = h.requireBearer(h.mux)
	if options.CORS != nil {
		h.handler = cors.New(*options.CORS).Handler(h.handler)
	}
	return h, nil
}

func (h *Hub) routes() *http.ServeMux {
	mux := http.NewServeMux()
	sse := h.opts.route(h.opts.SSEPath)
	stream := h.opts.route(h.opts.StreamablePath)
	mux.HandleFunc("GET "+sse, h.serveSSE)
	mux.HandleFunc("GET "+sse+"/{scope...}", h.serveSSE)
	mux.HandleFunc("POST "+h.opts.route(h.opts.MessagesPath), h.serveMessages)
	mux.HandleFunc(stream, h.serveStreamable)
	mux.HandleFunc(stream+"/{scope...}", h.serveStreamable)
	return mux
}

// Handler exposes the HTTP handler serving both wire styles, wrapped in
// bearer authentication and, when configured, CORS.
func (h *Hub) Handler() http.Handler {
	return h.handler
}

// ServeMux exposes the underlying mux so callers can mount extra routes.
// Routes added here sit behind the same authentication as the hub's own.
func (h *Hub) ServeMux() *http.ServeMux {
	return h.mux
}

// Registry exposes the session registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Settings returns the settings in effect. The result must not be modified.
func (h *Hub) Settings() *hubconfig.Settings {
	return h.snapshot.Current()
}

// Start runs the boot reconciliation pass and subscribes to upstream changes
// so open sessions hear about them. It returns once every server has either
// connected or failed; per-server failures are recorded in their states.
func (h *Hub) Start(ctx context.Context) error {
	h.startOnce.Do(func() {
		h.manager.OnStateChange(func(server string) {
			h.opts.Logger.Debug("upstream tools changed", "server", server)
			h.notifyToolsChanged(h.baseCtx)
		})
	})
	return h.reload(ctx, true)
}

// NotifyConfigChanged reloads the settings, runs a reconciliation pass and
// pushes tools/list_changed to every open session.
func (h *Hub) NotifyConfigChanged(ctx context.Context) error {
	return h.reload(ctx, false)
}

func (h *Hub) reload(ctx context.Context, boot bool) error {
	settings, err := h.source.Load()
	if err != nil {
		return fmt.Errorf("mcpgateway: load settings: %w", err)
	}
	if err := settings.Validate(); err != nil {
		// Server problems surface per server; keep going.
		h.opts.Logger.Warn("settings have problems", "error", err)
	}
	expanded := settings.ExpandEnv()
	h.snapshot.Set(expanded)
	h.manager.Reconcile(ctx, expanded.Servers, boot)
	h.notifyToolsChanged(ctx)
	return nil
}

// ListServerStates reports every configured server in declaration order.
func (h *Hub) ListServerStates() []mcpmgr.ServerState {
	return h.manager.ListServerStates()
}

// AddServer persists a new server and reconciles.
func (h *Hub) AddServer(ctx context.Context, desc hubconfig.ServerDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	return h.update(ctx, func(s *hubconfig.Settings) error {
		if _, ok := s.Server(desc.Name); ok {
			return fmt.Errorf("%w: %q", hubconfig.ErrServerExists, desc.Name)
		}
		s.Servers = append(s.Servers, desc.Clone())
		return nil
	})
}

// UpdateServer replaces the descriptor of an existing server and reconciles.
// The server keeps its position in the declaration order.
func (h *Hub) UpdateServer(ctx context.Context, desc hubconfig.ServerDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	return h.update(ctx, func(s *hubconfig.Settings) error {
		i := serverIndex(s, desc.Name)
		if i < 0 {
			return fmt.Errorf("%w: %q", hubconfig.ErrServerNotFound, desc.Name)
		}
		s.Servers[i] = desc.Clone()
		return nil
	})
}

// RemoveServer deletes a server, drops it from every group and reconciles.
func (h *Hub) RemoveServer(ctx context.Context, name string) error {
	return h.update(ctx, func(s *hubconfig.Settings) error {
		i := serverIndex(s, name)
		if i < 0 {
			return fmt.Errorf("%w: %q", hubconfig.ErrServerNotFound, name)
		}
		s.Servers = slices.Delete(s.Servers, i, i+1)
		for gi := range s.Groups {
			s.Groups[gi].Servers = slices.DeleteFunc(s.Groups[gi].Servers, func(m hubconfig.GroupMember) bool {
				return m.Name == name
			})
		}
		return nil
	})
}

// ToggleServer enables or disables a server and reconciles. Disabling closes
// the server's connection during the pass.
func (h *Hub) ToggleServer(ctx context.Context, name string, enabled bool) error {
	return h.update(ctx, func(s *hubconfig.Settings) error {
		i := serverIndex(s, name)
		if i < 0 {
			return fmt.Errorf("%w: %q", hubconfig.ErrServerNotFound, name)
		}
		s.Servers[i].Enabled = &enabled
		return nil
	})
}

func (h *Hub) update(ctx context.Context, mutate func(*hubconfig.Settings) error) error {
	h.adminMu.Lock()
	defer h.adminMu.Unlock()
	settings, err := h.source.Load()
	if err != nil {
		return fmt.Errorf("mcpgateway: load settings: %w", err)
	}
	if err := mutate(settings); err != nil {
		return err
	}
	if err := h.source.Save(settings); err != nil {
		return fmt.Errorf("mcpgateway: save settings: %w", err)
	}
	return h.NotifyConfigChanged(ctx)
}

func serverIndex(s *hubconfig.Settings, name string) int {
	return slices.IndexFunc(s.Servers, func(d hubconfig.ServerDescriptor) bool { return d.Name == name })
}

// ListenAndServe runs an HTTP server until the provided context is cancelled or
// the server stops.
func (h *Hub) ListenAndServe(ctx context.Context) error {
	h.httpServerMu.Lock()
	if h.httpServer != nil {
		serv := h.httpServer
		h.httpServerMu.Unlock()
		return fmt.Errorf("mcpgateway: server already running on %s", serv.Addr)
	}
	srv := &http.Server{Addr: h.opts.Addr, Handler: h.Handler()}
	h.httpServer = srv
	h.httpServerMu.Unlock()
	defer func() {
		h.httpServerMu.Lock()
		if h.httpServer == srv {
			h.httpServer = nil
		}
		h.httpServerMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		h.opts.Logger.Info("hub listening", "addr", h.opts.Addr, "base", h.opts.BasePath)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.opts.ShutdownTimeout)
		defer cancel()
		h.closeSessions()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown closes every open session, stops the embedded HTTP server if it is
// running and releases the upstream subscriptions.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.cancelBase()
	h.closeSessions()
	h.httpServerMu.Lock()
	srv := h.httpServer
	h.httpServer = nil
	h.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return srv.Shutdown(ctx)
}

func (h *Hub) logError(msg string, err error, args ...any) {
	if err == nil {
		return
	}
	attrs := append([]any{"error", err}, args...)
	h.opts.Logger.Error(msg, attrs...)
}
