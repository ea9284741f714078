package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newTerminateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "terminate <project>",
		Short: "Terminate every instance of a project",
		Long: `Terminate releases every instance tagged with the project, including
instances started by another spotrun process. Running it again is harmless.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				if err := a.runner.Terminate(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Project %s terminated\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

func newDestroyCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "destroy <project>",
		Short: "Terminate a project and delete its bucket and access resources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("destroy deletes the bucket of %s with its data and outputs, rerun with --yes", args[0])
			}
			return withApp(cmd, func(a *app) error {
				if err := a.runner.Destroy(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Project %s destroyed\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm deletion of the project bucket")
	return cmd
}
