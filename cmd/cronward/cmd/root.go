// Package cmd holds the cronward command tree.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"cronward/internal/app"
	"cronward/internal/config"
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

type options struct {
	configPath string
	jsonOut    bool
	verbose    bool
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "cronward",
		Short: "Run recurring jobs with a locking execution ledger and self-healing scheduler",
		Long: `cronward runs recurring jobs under an execution ledger.

Every run acquires a per-task lock in the ledger, heartbeats while it works and
records a terminal status. Runs whose owner died are reclaimed after the stale
threshold. A health monitor restarts the in-process scheduler when it stops
ticking.

Common workflows:

  Run the daemon:
    cronward serve --config cronward.yaml

  Trigger one job from OS cron:
    cronward run crawl_sources

  Inspect the ledger:
    cronward history --task-type event_groups --status error
    cronward stats --days 7`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", envOr("CRONWARD_CONFIG", ""), "config file (yaml or json); defaults apply when empty")
	root.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "print JSON instead of tables")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "keep the configured log level for one-shot commands")

	root.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newHistoryCmd(opts),
		newStatsCmd(opts),
		newSchedulesCmd(opts),
		newHealthCmd(opts),
		newCleanupCmd(opts),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	root := NewRootCmd()
	err := root.Execute()
	if err == nil {
		return 0
	}
	fmt.Fprintln(root.ErrOrStderr(), "error:", err)
	if hint := errors.FlattenHints(err); hint != "" {
		fmt.Fprintln(root.ErrOrStderr(), "hint:", hint)
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

// openCore loads config and opens storage for a one-shot command. Logs are
// limited to errors unless --verbose is set.
func openCore(ctx context.Context, opts *options) (*app.Core, error) {
	cfgm, err := app.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if !opts.verbose {
		cfgm.Get().Logging.Level = "error"
	}
	return app.Open(ctx, cfgm)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseRetention accepts Go durations plus a whole-day suffix ("30d").
func parseRetention(raw string) (time.Duration, error) {
	d, err := config.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, errors.Newf("invalid retention %q", raw)
	}
	return d, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
