package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <project>",
		Short: "Show a project and its instances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				report, err := a.runner.Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(w, report)
				}

				if err := printProject(w, report.Project); err != nil {
					return err
				}
				fmt.Fprintf(w, "Cost:      $%.4f\n", report.CostUSD)

				if len(report.Instances) > 0 {
					fmt.Fprintln(w, "\nInstances:")
					for _, inst := range report.Instances {
						fmt.Fprintf(w, "  %-14s %-20s %-12s %-16s %s\n", inst.ID, inst.ProviderID, inst.State, inst.TypeID, inst.Address)
					}
				}
				if len(report.Remote) > 0 {
					fmt.Fprintln(w, "\nProvider:")
					for _, ri := range report.Remote {
						fmt.Fprintf(w, "  %-20s %-14s %-16s %s\n", ri.ProviderID, ri.State, ri.TypeID, ri.Address)
					}
				}
				return nil
			})
		},
	}
	return cmd
}
