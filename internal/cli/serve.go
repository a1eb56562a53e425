package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vikashloomba/mcp-hub-go/pkg/hubconfig"
)

var watchSettings bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect the configured servers and serve downstream sessions",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVarP(&flags.Addr, "addr", "a", ":8700", "Listen address")
	f.StringVar(&flags.BasePath, "base-path", "", "Prefix for every route")
	f.BoolVarP(&watchSettings, "watch", "w", false, "Reload when the settings file changes")
	f.StringVar(&flags.ReconnectSchedule, "reconnect-schedule", "", `Cron spec for retrying disconnected servers, e.g. "@every 5m"`)
}

func runServe(cmd *cobra.Command, _ []string) error {
	c, err := build()
	if err != nil {
		return err
	}
	logger := c.Logger()
	hub := c.Hub()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := hub.Start(ctx); err != nil {
		return err
	}
	for _, st := range hub.ListServerStates() {
		logger.Info("server", "name", st.Name, "status", st.Status, "tools", len(st.Tools), "error", st.LastError)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.ListenAndServe(gctx) })
	g.Go(func() error { return hub.StartSweep(gctx) })
	if watchSettings && flags.SettingsPath != "" {
		g.Go(func() error {
			return hubconfig.Watch(gctx, flags.SettingsPath, logger, func() {
				logger.Info("settings changed, reloading", "path", flags.SettingsPath)
				if err := hub.NotifyConfigChanged(gctx); err != nil {
					logger.Error("reload settings", "error", err)
				}
			})
		})
	}

	err = g.Wait()
	_ = hub.Shutdown(context.Background())
	closeManager(c, cmd.ErrOrStderr())
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
