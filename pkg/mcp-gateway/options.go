package mcpgateway

import (
	"log/slog"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"

	"github.com/vikashloomba/mcp-hub-go/pkg/hubconfig"
)

// Options configure a Hub instance.
type Options struct {
	// Implementation identifies the hub to downstream clients.
	Implementation *mcp.Implementation
	// Addr controls the listen address used by ListenAndServe. Defaults to ":8700".
	Addr string
	// BasePath prefixes every route. Empty mounts the routes at the root.
	BasePath string
	// SSEPath opens event-stream sessions. Defaults to "/sse"; an optional
	// trailing segment selects the routing scope.
	SSEPath string
	// MessagesPath receives client messages for event-stream sessions.
	// Defaults to "/messages".
	MessagesPath string
	// StreamablePath serves streaming-request sessions. Defaults to "/mcp";
	// an optional trailing segment selects the routing scope.
	StreamablePath string
	// KeepAlive pings idle downstream sessions when positive.
	KeepAlive time.Duration
	// CORS wraps the handler when non-nil.
	CORS *cors.Options
	// Logger receives structured diagnostics.
	Logger *slog.Logger
	// ShutdownTimeout bounds the graceful stop in ListenAndServe. Defaults to 5s.
	ShutdownTimeout time.Duration
	// ReconnectSchedule is a cron spec ("@every 5m") for the reconnect sweep.
	// Empty disables the sweep.
	ReconnectSchedule string
	// Snapshot receives the settings on every reload. Pass the holder the
	// router reads group membership from. Defaults to a private holder.
	Snapshot *hubconfig.Snapshot
	// NotifyTimeout bounds each tools/list_changed write. Defaults to 5s.
	NotifyTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{
			Name:    "mcphub",
			Title:   "MCP Hub",
			Version: "1.0.0",
		}
	} else {
		impl := *opts.Implementation
		opts.Implementation = &impl
	}
	if opts.Addr == "" {
		opts.Addr = ":8700"
	}
	opts.BasePath = strings.TrimSuffix(cleanPath(opts.BasePath), "/")
	if opts.SSEPath == "" {
		opts.SSEPath = "/sse"
	}
	if opts.MessagesPath == "" {
		opts.MessagesPath = "/messages"
	}
	if opts.StreamablePath == "" {
		opts.StreamablePath = "/mcp"
	}
	opts.SSEPath = cleanPath(opts.SSEPath)
	opts.MessagesPath = cleanPath(opts.MessagesPath)
	opts.StreamablePath = cleanPath(opts.StreamablePath)
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.Snapshot == nil {
		opts.Snapshot = &hubconfig.Snapshot{}
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 5 * time.Second
	}
	return opts
}

func cleanPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "/" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimSuffix(p, "/")
}

func (o Options) route(p string) string {
	return o.BasePath + p
}
