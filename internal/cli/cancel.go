package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/attemptrun/pkg/model"
)

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id> <attempt-number>",
		Short: "Request cancellation of a running attempt",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, n, err := parseIdentity(args)
			if err != nil {
				return err
			}
			id := model.JobRunIdentity{JobID: jobID, AttemptNumber: n}
			rec, err := engineClient().RequestCancel(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("cancel attempt: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Attempt %s: %s, cancellation requested\n", id, rec.State)
			return nil
		},
	}
}
