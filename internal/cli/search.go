package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcp-hub-go/pkg/hubconfig"
	"github.com/vikashloomba/mcp-hub-go/pkg/router"
)

var (
	searchLimit int
	searchGroup string
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Run a smart-routing search against the connected servers",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "Maximum number of hits")
	searchCmd.Flags().StringVarP(&searchGroup, "group", "g", "", "Restrict the search to a group id or name")
}

func runSearch(cmd *cobra.Command, args []string) error {
	c, err := build()
	if err != nil {
		return err
	}
	defer closeManager(c, cmd.ErrOrStderr())
	if !c.InitialSettings().SmartRouting.Enabled {
		return fmt.Errorf("smart routing is disabled in %s", flags.SettingsPath)
	}
	ctx := context.Background()
	if err := c.Hub().Start(ctx); err != nil {
		return err
	}

	segment := hubconfig.SmartGroup
	if searchGroup != "" {
		segment += "/" + searchGroup
	}
	scope, err := router.ParseScope(segment, c.Hub().Settings())
	if err != nil {
		return err
	}
	result, err := c.Router().SearchTools(ctx, scope, strings.Join(args, " "), searchLimit)
	if err != nil {
		return err
	}
	data, err := sonic.ConfigStd.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
