package commands

import (
	"fmt"
	"path/filepath"

	"spot-runner/core/spec"
	"spot-runner/storage"

	"github.com/spf13/cobra"
)

func newUploadDataCommand() *cobra.Command {
	var skipExisting bool

	cmd := &cobra.Command{
		Use:   "upload-data <project-file>",
		Short: "Upload the data entries of a project without starting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := spec.LoadFile(args[0])
			if err != nil {
				return err
			}

			return withApp(cmd, func(a *app) error {
				report, err := a.runner.UploadData(cmd.Context(), project, storage.UploadOptions{SkipExisting: skipExisting})
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(w, report)
				}
				fmt.Fprintf(w, "Uploaded %d entries (%d bytes), skipped %d\n", len(report.Uploaded), report.Bytes, len(report.Skipped))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&skipExisting, "skip-existing", false, "leave entries already in the bucket untouched")
	return cmd
}

func newOutputsCommand() *cobra.Command {
	var (
		download []string
		dest     string
	)

	cmd := &cobra.Command{
		Use:   "outputs <project>",
		Short: "List or download the outputs a project saved",
		Example: `  spotrun outputs demo
  spotrun outputs demo --download metrics.json --dest ./results`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				outputs := a.runner.Outputs(args[0])
				w := cmd.OutOrStdout()

				if len(download) > 0 {
					for _, key := range download {
						path, err := outputs.Download(cmd.Context(), key, dest)
						if err != nil {
							return err
						}
						fmt.Fprintln(w, filepath.Clean(path))
					}
					return nil
				}

				records, err := outputs.List(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(w, records)
				}
				for _, rec := range records {
					fmt.Fprintf(w, "%-40s %-8s %10d  %s\n", rec.Key, rec.Kind, rec.Size, rec.Location)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVar(&download, "download", nil, "output keys to download")
	cmd.Flags().StringVar(&dest, "dest", ".", "directory downloads are written to")
	return cmd
}
