package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/FranksOps/tally/internal/config"
)

// Exit codes.
const (
	ExitOK = 0
	// ExitError is a configuration, transport setup or output failure.
	ExitError = 1
	// ExitIncomplete means at least one listing produced no output.
	ExitIncomplete = 2
)

// exitError carries a specific exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tally",
		Short:         "tally scrapes incrementally loaded listings into JSON, CSV, SQLite or Postgres.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "Config file (yaml, json or toml).")
	root.PersistentFlags().String("log-level", "", "Log level: debug, info, warn or error.")
	root.PersistentFlags().String("log-format", "", "Log format: text or json.")

	root.AddCommand(newScrapeCmd(), newQueryCmd())
	return root
}

// ExecuteContext runs the CLI with os.Args and returns the process exit code.
func ExecuteContext(ctx context.Context) int {
	return run(ctx, NewRootCmd())
}

func run(ctx context.Context, root *cobra.Command) int {
	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}
	fmt.Fprintln(root.ErrOrStderr(), err)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitError
}

// loadConfig layers defaults, the config file, .env, environment and the
// flags the user set on cmd, then installs the configured logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.Log)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(w io.Writer, cfg config.Log) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
