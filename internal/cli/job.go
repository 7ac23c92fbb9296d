package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage jobs on the orchestration engine",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create <scope>",
		Short: "Register a job; scope is the connection id the job belongs to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := engineClient().CreateJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %d created (scope %s)\n", job.ID, job.Scope)
			return nil
		},
	})
	return cmd
}
