// Package cli implements the mcphub command line using cobra.
package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcp-hub-go/internal/container"
)

const version = "1.0.0"

var flags container.Config

var rootCmd = &cobra.Command{
	Use:           "mcphub",
	Short:         "Aggregate MCP servers behind one endpoint",
	Long:          "mcphub connects to many MCP servers and serves their tools to downstream clients over SSE and streamable HTTP.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = version

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.SettingsPath, "config", "c", defaultSettingsPath(), "Settings file")
	pf.StringVar(&flags.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&flags.LogFormat, "log-format", "text", "Log format (text or json)")
	pf.BoolVar(&flags.LogJSONRPC, "log-rpc", false, "Log JSON-RPC traffic for every upstream server")
	pf.DurationVar(&flags.KeepAlive, "keepalive", 0, "Ping interval for upstream and downstream sessions (0 disables)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(serversCmd)
	rootCmd.AddCommand(groupsCmd)
	rootCmd.AddCommand(searchCmd)
}

func defaultSettingsPath() string {
	if p := os.Getenv("MCPHUB_SETTINGS"); p != "" {
		return p
	}
	return "mcp_settings.yaml"
}

func build() (*container.Container, error) {
	return container.New(flags)
}

func closeManager(c *container.Container, w io.Writer) {
	if err := c.Manager().Close(); err != nil {
		fmt.Fprintf(w, "close upstreams: %v\n", err)
	}
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String()
}
