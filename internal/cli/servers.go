package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcp-hub-go/pkg/mcpmgr"
)

var verboseServers bool

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "Connect every configured server once and report its state",
	Args:  cobra.NoArgs,
	RunE:  runServers,
}

func init() {
	serversCmd.Flags().BoolVarP(&verboseServers, "tools", "t", false, "List each server's tools")
}

func runServers(cmd *cobra.Command, _ []string) error {
	c, err := build()
	if err != nil {
		return err
	}
	defer closeManager(c, cmd.ErrOrStderr())
	if err := c.Hub().Start(context.Background()); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	states := c.Hub().ListServerStates()
	if len(states) == 0 {
		fmt.Fprintln(out, "No servers configured.")
		return nil
	}
	for _, st := range states {
		mark := "✗"
		switch {
		case !st.Enabled:
			mark = "-"
		case st.Status == mcpmgr.StatusConnected:
			mark = "✓"
		}
		fmt.Fprintf(out, "%s %-24s %-10s %-16s tools=%d up=%s\n",
			mark, st.Name, st.Descriptor.Kind(), st.Status, len(st.Tools), since(st.CreatedAt))
		if st.LastError != "" {
			fmt.Fprintf(out, "  error: %s\n", st.LastError)
		}
		if verboseServers {
			for _, t := range st.Tools {
				fmt.Fprintf(out, "  %s\n", t.Tool.Name)
			}
		}
	}
	return nil
}
