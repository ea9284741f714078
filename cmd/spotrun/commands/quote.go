package commands

import (
	"fmt"

	"spot-runner/core/spec"

	"github.com/spf13/cobra"
)

func newQuoteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quote <project-file>",
		Short: "Show the instance a project would run on and what it would cost",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := spec.LoadFile(args[0])
			if err != nil {
				return err
			}

			return withApp(cmd, func(a *app) error {
				quote, err := a.runner.Quote(cmd.Context(), project)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(w, quote)
				}

				sel := quote.Selection
				fmt.Fprintf(w, "Selected:  %s in %s (%s) at $%.4f/h\n", sel.Candidate.TypeID, sel.Candidate.Zone, sel.Market, sel.Price)
				fmt.Fprintf(w, "Instances: %d\n", quote.Plan.NInstances)
				if quote.Plan.Duration > 0 {
					fmt.Fprintf(w, "Duration:  %s\n", quote.Plan.Duration)
				}
				if quote.Plan.Budget > 0 {
					fmt.Fprintf(w, "Budget:    $%.2f\n", quote.Plan.Budget)
				}
				fmt.Fprintf(w, "Hourly:    $%.4f\n", quote.Plan.HourlyCost())
				if len(quote.Alternatives) > 0 {
					fmt.Fprintln(w, "\nAlternatives:")
					for _, alt := range quote.Alternatives {
						fmt.Fprintf(w, "  %-16s %-12s %-10s $%.4f/h\n", alt.Candidate.TypeID, alt.Candidate.Zone, alt.Market, alt.Price)
					}
				}
				return nil
			})
		},
	}
	return cmd
}
