package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/me/attemptrun/internal/attempt"
	"github.com/me/attemptrun/internal/backend"
	"github.com/me/attemptrun/internal/logstore"
	"github.com/me/attemptrun/internal/secrets"
	"github.com/me/attemptrun/internal/store"
	"github.com/me/attemptrun/internal/validate"
	"github.com/me/attemptrun/pkg/model"
)

// SecretEnvPrefix prefixes environment variables consulted for secrets
// before the store.
const SecretEnvPrefix = "ATTEMPTRUN_SECRET_"

// runRequest is the on-disk form of an attempt request.
type runRequest struct {
	JobID         int64                      `json:"job_id"`
	AttemptNumber int                        `json:"attempt_number"`
	Launch        model.LaunchDescriptor     `json:"launch"`
	Resources     model.ResourceRequirements `json:"resources"`
	Input         model.AttemptInput         `json:"input"`
}

func (r runRequest) toRequest() attempt.Request {
	return attempt.Request{
		ID:        model.JobRunIdentity{JobID: r.JobID, AttemptNumber: r.AttemptNumber},
		Launch:    r.Launch,
		Resources: r.Resources,
		Input:     r.Input,
	}
}

// runSummary is printed on stdout once the attempt finishes.
type runSummary struct {
	JobID         int64                `json:"job_id"`
	AttemptNumber int                  `json:"attempt_number"`
	Status        string               `json:"status"`
	ErrorKind     string               `json:"error_kind,omitempty"`
	Error         string               `json:"error,omitempty"`
	Result        *model.AttemptResult `json:"result,omitempty"`
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <request-file>",
		Short: "Execute one attempt described by a JSON request file ('-' for stdin)",
		Long: `run hydrates the attempt input, validates it, builds the configured backend
and runs it while heartbeating to the orchestration engine. SIGINT or SIGTERM
cancels the attempt. A JSON summary is written to stdout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readRunRequest(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			executor, err := buildExecutor(ctx, st)
			if err != nil {
				return err
			}

			result, runErr := executor.Execute(ctx, req.toRequest())
			summary := runSummary{
				JobID:         req.JobID,
				AttemptNumber: req.AttemptNumber,
				Status:        "succeeded",
				Result:        result,
			}
			if runErr != nil {
				summary.Status = "failed"
				summary.ErrorKind = attempt.KindName(runErr)
				summary.Error = runErr.Error()
				if errors.Is(runErr, attempt.ErrCancelled) {
					summary.Status = "cancelled"
				}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(summary); err != nil {
				return fmt.Errorf("write summary: %w", err)
			}
			return runErr
		},
	}
	return cmd
}

func readRunRequest(stdin io.Reader, path string) (runRequest, error) {
	var raw []byte
	var err error
	if path == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return runRequest{}, fmt.Errorf("read request: %w", err)
	}
	var req runRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return runRequest{}, fmt.Errorf("parse request %s: %w", path, err)
	}
	return req, nil
}

func openStore(ctx context.Context) (*store.SQLStore, error) {
	st, err := store.Open(cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return st, nil
}

// buildExecutor wires the executor from cfg: environment and store secrets,
// the engine for heartbeats, cancellation, job scope and attempt records,
// and optional log shipping.
func buildExecutor(ctx context.Context, st store.Store) (*attempt.Executor, error) {
	validator, err := validate.New(logger)
	if err != nil {
		return nil, err
	}
	hydrator := secrets.NewHydrator(secrets.Chain{secrets.NewEnvPersistence(SecretEnvPrefix), st}, logger)
	ec := engineClient()

	opts := []attempt.Option{
		attempt.WithHeartbeatInterval(cfg.Heartbeat.Interval),
		attempt.WithGracePeriod(cfg.Cancellation.GracePeriod),
		attempt.WithCancelWatcher(ec),
		attempt.WithRecorder(ec),
		attempt.WithLogger(logger),
	}
	if cfg.Logs != nil {
		shipper, err := logstore.New(ctx, cfg.Logs, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, attempt.WithLogShipper(shipper), attempt.WithUploadTimeout(cfg.Logs.UploadTimeout))
	}

	deps := backend.Deps{
		Remote: cfg.Remote,
		Local:  cfg.Local,
		Jobs:   ec,
		Logger: logger,
	}
	return attempt.New(hydrator, validator, ec, deps, opts...), nil
}

// ExitCode maps a command error to a process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, attempt.ErrCancelled):
		return 130
	case errors.Is(err, attempt.ErrResolution), errors.Is(err, attempt.ErrValidation), errors.Is(err, attempt.ErrSetup):
		return 2
	default:
		return 1
	}
}
