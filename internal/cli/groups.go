package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List the configured groups and their members",
	Args:  cobra.NoArgs,
	RunE:  runGroups,
}

func runGroups(cmd *cobra.Command, _ []string) error {
	c, err := build()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	settings := c.InitialSettings()
	if len(settings.Groups) == 0 {
		fmt.Fprintln(out, "No groups configured.")
		return nil
	}
	for _, g := range settings.Groups {
		fmt.Fprintf(out, "%-20s %-24s %s\n", g.ID, g.Name, strings.Join(g.MemberNames(), ", "))
		for _, m := range g.Servers {
			if len(m.Tools) > 0 {
				fmt.Fprintf(out, "  %s: %s\n", m.Name, strings.Join(m.Tools, ", "))
			}
		}
	}
	return nil
}
