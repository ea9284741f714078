package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				projects, err := a.runner.List(cmd.Context())
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(w, projects)
				}

				fmt.Fprintf(w, "%-24s %-12s %-16s %-10s %s\n", "NAME", "STATUS", "TYPE", "COST", "BUCKET")
				for _, p := range projects {
					typeID := "-"
					if p.Selection != nil {
						typeID = p.Selection.Candidate.TypeID
					}
					fmt.Fprintf(w, "%-24s %-12s %-16s $%-9.4f %s\n", p.Name, p.Status, typeID, p.RunningCostUSD, p.Bucket)
				}
				return nil
			})
		},
	}
	return cmd
}
