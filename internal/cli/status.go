package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/attemptrun/pkg/model"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id> [attempt-number]",
		Short: "Show one attempt, or every attempt of a job",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, n, err := parseIdentity(args)
			if err != nil {
				return err
			}
			ec := engineClient()
			out := cmd.OutOrStdout()

			if len(args) == 2 {
				rec, err := ec.GetAttempt(cmd.Context(), model.JobRunIdentity{JobID: jobID, AttemptNumber: n})
				if err != nil {
					return err
				}
				printAttempt(out, rec)
				return nil
			}

			recs, err := ec.ListAttempts(cmd.Context(), jobID)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Fprintf(out, "No attempts found for job %d.\n", jobID)
				return nil
			}
			fmt.Fprintf(out, "%-8s  %-10s  %-8s  %-10s  %s\n", "ATTEMPT", "STATE", "BACKEND", "HEARTBEAT", "STARTED")
			fmt.Fprintf(out, "%-8s  %-10s  %-8s  %-10s  %s\n", "-------", "-----", "-------", "---------", "-------")
			for _, rec := range recs {
				fmt.Fprintf(out, "%-8d  %-10s  %-8s  %-10s  %s\n",
					rec.AttemptNumber, rec.State, orDash(string(rec.Backend)),
					lastSeen(rec.LastHeartbeat), humanize.Time(rec.StartedAt))
			}
			return nil
		},
	}
}

func printAttempt(out io.Writer, rec *model.AttemptRecord) {
	fmt.Fprintf(out, "Attempt: %s\n", rec.Identity())
	fmt.Fprintf(out, "  State:      %s\n", rec.State)
	fmt.Fprintf(out, "  Backend:    %s\n", orDash(string(rec.Backend)))
	fmt.Fprintf(out, "  Heartbeats: %d (last %s)\n", rec.Heartbeats, lastSeen(rec.LastHeartbeat))
	if rec.CancelRequested {
		fmt.Fprintln(out, "  Cancel:     requested")
	}
	if rec.ExitCode != nil {
		fmt.Fprintf(out, "  Exit code:  %d\n", *rec.ExitCode)
	}
	if rec.Error != "" {
		fmt.Fprintf(out, "  Error:      [%s] %s\n", rec.ErrorKind, rec.Error)
	}
	fmt.Fprintf(out, "  Started:    %s\n", rec.StartedAt.Format(time.RFC3339))
	if rec.CompletedAt != nil {
		fmt.Fprintf(out, "  Completed:  %s (took %s)\n", rec.CompletedAt.Format(time.RFC3339),
			rec.CompletedAt.Sub(rec.StartedAt).Round(time.Millisecond))
	}
}

func lastSeen(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return humanize.Time(*t)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
