// Package container wires the hub's services using go.uber.org/dig.
package container

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.uber.org/dig"

	"github.com/vikashloomba/mcp-hub-go/pkg/hubconfig"
	mcpgateway "github.com/vikashloomba/mcp-hub-go/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-hub-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-hub-go/pkg/router"
	"github.com/vikashloomba/mcp-hub-go/pkg/toolsearch"
)

// Config is what the command line decides before anything is built.
type Config struct {
	SettingsPath      string
	Addr              string
	BasePath          string
	ReconnectSchedule string
	LogLevel          string
	LogFormat         string
	LogJSONRPC        bool
	KeepAlive         time.Duration
	// Source replaces the settings file when set.
	Source hubconfig.Source
}

// Container holds the resolved singletons. Callers use the typed getters and
// never import dig.
type Container struct {
	logger   *slog.Logger
	source   hubconfig.Source
	settings *hubconfig.Settings
	manager  *mcpmgr.Manager
	router   *router.Router
	hub      *mcpgateway.Hub
}

func (c *Container) Logger() *slog.Logger     { return c.logger }
func (c *Container) Source() hubconfig.Source { return c.source }
func (c *Container) Manager() *mcpmgr.Manager { return c.manager }
func (c *Container) Router() *router.Router   { return c.router }
func (c *Container) Hub() *mcpgateway.Hub     { return c.hub }

// InitialSettings are the expanded settings read at startup.
func (c *Container) InitialSettings() *hubconfig.Settings { return c.settings }

// New builds and wires every service from cfg. Smart routing is decided here,
// from the settings on disk at startup.
func New(cfg Config) (*Container, error) {
	d := dig.New()
	providers := []any{
		func() Config { return cfg },
		newLogger,
		newSource,
		loadInitial,
		func() *hubconfig.Snapshot { return &hubconfig.Snapshot{} },
		newIndex,
		newManager,
		newRouter,
		newHub,
	}
	for _, p := range providers {
		if err := d.Provide(p); err != nil {
			return nil, err
		}
	}

	var result *Container
	err := d.Invoke(func(
		logger *slog.Logger,
		source hubconfig.Source,
		settings *hubconfig.Settings,
		manager *mcpmgr.Manager,
		rt *router.Router,
		hub *mcpgateway.Hub,
	) {
		result = &Container{
			logger:   logger,
			source:   source,
			settings: settings,
			manager:  manager,
			router:   rt,
			hub:      hub,
		}
	})
	if err != nil {
		return nil, dig.RootCause(err)
	}
	return result, nil
}

func newLogger(cfg Config) (*slog.Logger, error) {
	var level slog.Level
	if cfg.LogLevel != "" {
		if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
			return nil, fmt.Errorf("invalid log level %q", cfg.LogLevel)
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.LogFormat) {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (want text or json)", cfg.LogFormat)
	}
}

func newSource(cfg Config) (hubconfig.Source, error) {
	if cfg.Source != nil {
		return cfg.Source, nil
	}
	if cfg.SettingsPath == "" {
		return nil, fmt.Errorf("a settings file is required")
	}
	return hubconfig.NewFileStore(cfg.SettingsPath), nil
}

func loadInitial(source hubconfig.Source) (*hubconfig.Settings, error) {
	settings, err := source.Load()
	if err != nil {
		return nil, err
	}
	return settings.ExpandEnv(), nil
}

// searchIndex is nil when smart routing is off.
type searchIndex struct{ *toolsearch.Index }

func newIndex(settings *hubconfig.Settings) (searchIndex, error) {
	smart := settings.SmartRouting
	if !smart.Enabled {
		return searchIndex{}, nil
	}
	var embedder toolsearch.Embedder
	switch strings.ToLower(smart.Embedder) {
	case "", "hash":
		embedder = toolsearch.NewHashEmbedder(0)
	case "openai":
		oe, err := toolsearch.NewOpenAIEmbedder(toolsearch.OpenAIOptions{
			APIKey:  smart.OpenAIAPIKey,
			BaseURL: smart.OpenAIBaseURL,
			Model:   smart.EmbeddingModel,
		})
		if err != nil {
			return searchIndex{}, err
		}
		embedder = oe
	default:
		return searchIndex{}, fmt.Errorf("unknown embedder %q", smart.Embedder)
	}
	return searchIndex{toolsearch.NewIndex(embedder)}, nil
}

func newManager(cfg Config, logger *slog.Logger, index searchIndex) *mcpmgr.Manager {
	opts := &mcpmgr.ManagerOptions{
		ClientName: "mcphub",
		KeepAlive:  cfg.KeepAlive,
		LogJSONRPC: cfg.LogJSONRPC,
		Logger:     logger,
	}
	if index.Index != nil {
		opts.Index = index.Index
	}
	return mcpmgr.NewManager(opts)
}

func newRouter(manager *mcpmgr.Manager, snapshot *hubconfig.Snapshot, index searchIndex, logger *slog.Logger) *router.Router {
	var search router.Searcher
	if index.Index != nil {
		search = index.Index
	}
	return router.New(manager, snapshot.Current, search, &router.Options{Logger: logger})
}

func newHub(
	cfg Config,
	manager *mcpmgr.Manager,
	rt *router.Router,
	source hubconfig.Source,
	snapshot *hubconfig.Snapshot,
	logger *slog.Logger,
) (*mcpgateway.Hub, error) {
	return mcpgateway.NewHub(manager, rt, source, &mcpgateway.Options{
		Addr:              cfg.Addr,
		BasePath:          cfg.BasePath,
		KeepAlive:         cfg.KeepAlive,
		Logger:            logger,
		ReconnectSchedule: cfg.ReconnectSchedule,
		Snapshot:          snapshot,
	})
}
