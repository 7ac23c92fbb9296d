// Package cli implements the attemptrun command line.
package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/me/attemptrun/internal/config"
	"github.com/me/attemptrun/internal/engine"
	"github.com/me/attemptrun/internal/logging"
)

var (
	flagConfig    string
	flagEngineURL string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	cfg    config.Config
	logger *slog.Logger
)

// NewRootCmd creates the root cobra command for the attemptrun CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "attemptrun",
		Short: "attemptrun: run one attempt of a transformation job",
		Long: `attemptrun executes a single attempt of a transformation job on a local
or remote backend, keeps the orchestration engine informed with heartbeats,
and honors cancellation requests.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			applyFlags(cmd, &loaded)
			if err := loaded.Validate(); err != nil {
				return err
			}
			cfg = loaded
			logger = logging.NewLoggerWithWriter(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format, cmd.ErrOrStderr())
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to a YAML config file")
	root.PersistentFlags().StringVar(&flagEngineURL, "engine", "", "Orchestration engine URL (overrides engine.url)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(),
		newDiscoverCmd(),
		newServeCmd(),
		newJobCmd(),
		newStatusCmd(),
		newCancelCmd(),
		newSecretsCmd(),
	)

	return root
}

// applyFlags layers explicitly set flags over the file and environment.
func applyFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("engine") {
		c.Engine.URL = flagEngineURL
	}
	if flags.Changed("log-level") {
		c.Log.Level = flagLogLevel
	}
	if flags.Changed("log-format") {
		c.Log.Format = flagLogFormat
	}
	if flagDebug {
		c.Log.Level = "debug"
	}
}

func engineClient() *engine.Client {
	return engine.NewClient(cfg.Engine, logger)
}

// parseIdentity parses "<job-id> <attempt-number>" positional arguments.
func parseIdentity(args []string) (int64, int, error) {
	var jobID int64
	var attempt int
	if _, err := fmt.Sscan(args[0], &jobID); err != nil || jobID <= 0 {
		return 0, 0, fmt.Errorf("invalid job id %q", args[0])
	}
	if len(args) > 1 {
		if _, err := fmt.Sscan(args[1], &attempt); err != nil || attempt < 0 {
			return 0, 0, fmt.Errorf("invalid attempt number %q", args[1])
		}
	}
	return jobID, attempt, nil
}
