package commands

import (
	"context"
	"fmt"
	"io"

	"spot-runner/core/models"
	"spot-runner/core/spec"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newStartCommand() *cobra.Command {
	var detach bool

	cmd := &cobra.Command{
		Use:   "start <project-file>",
		Short: "Start a project on the cheapest matching instances",
		Long: `Start selects the cheapest instance type satisfying the project's resource
requirement, uploads its data, launches the instances and deploys the program.

Without --detach the command stays attached: it replaces reclaimed spot
instances, ends the run once its duration or budget is used up and terminates
every instance on interrupt.`,
		Example: `  # Run and supervise until the duration elapses
  spotrun start project.yaml

  # Deploy and return, terminate later with 'spotrun terminate'
  spotrun start project.hcl --detach`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := spec.LoadFile(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			return withApp(cmd, func(a *app) error {
				if err := a.runner.Run(ctx, project); err != nil {
					return err
				}
				if err := printProject(cmd.OutOrStdout(), project); err != nil {
					return err
				}
				if detach {
					if project.Duration > 0 || project.Budget > 0 {
						log.Warn().Msg("detached runs are not stopped at their duration or budget")
					}
					return nil
				}

				run, ok := a.runner.Active(project.Name)
				if !ok {
					return fmt.Errorf("run of %s is not tracked", project.Name)
				}
				sup := a.runner.Supervise(ctx, run)
				select {
				case <-sup.Done():
					if ctx.Err() == nil {
						return nil
					}
				case <-ctx.Done():
				}
				log.Info().Str("project", project.Name).Msg("interrupted, terminating project")
				return a.runner.Terminate(context.WithoutCancel(ctx), project.Name)
			})
		},
	}

	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "return once deployed and leave instances running")
	return cmd
}

func printProject(w io.Writer, project *models.Project) error {
	if jsonOutput {
		return printJSON(w, project)
	}
	fmt.Fprintf(w, "Project:   %s\n", project.Name)
	fmt.Fprintf(w, "Status:    %s\n", project.Status)
	fmt.Fprintf(w, "Run:       %s\n", project.RunID)
	fmt.Fprintf(w, "Region:    %s\n", project.Region)
	fmt.Fprintf(w, "Bucket:    %s\n", project.Bucket)
	if sel := project.Selection; sel != nil {
		fmt.Fprintf(w, "Instance:  %d x %s (%s, %s) at $%.4f/h\n",
			project.NInstances, sel.Candidate.TypeID, sel.Candidate.Zone, sel.Market, sel.Price)
	}
	if project.Duration > 0 {
		fmt.Fprintf(w, "Duration:  %s\n", project.Duration)
	}
	if project.Budget > 0 {
		fmt.Fprintf(w, "Budget:    $%.2f\n", project.Budget)
	}
	return nil
}

