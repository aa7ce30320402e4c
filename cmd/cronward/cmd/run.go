package cmd

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"cronward/internal/ledger"
)

// Exit codes of "cronward run".
const (
	exitFailed  = 1
	exitSkipped = 2
)

func newRunCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run <task_type>",
		Short: "Run one job now under the ledger lock and wait for it",
		Long: `Run acquires the task's lock, runs the job body in the foreground and records
its outcome. It is the entry point for OS cron.

Exit status is 0 on success, 1 when the job failed and 2 when another run of
the same task type holds the lock.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			core, err := openCore(ctx, opts)
			if err != nil {
				return err
			}
			defer core.Close()

			taskType := args[0]
			out, err := core.Runner.RunSync(ctx, taskType, ledger.TriggerCLI)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				if err := printJSON(cmd.OutOrStdout(), map[string]any{
					"task_type":    taskType,
					"acquired":     out.Lock.Acquired,
					"execution_id": out.Lock.ExecutionID,
					"holder_id":    out.Lock.HolderID,
					"status":       out.Status,
					"error_type":   out.ErrorType,
					"duration":     out.Duration.String(),
				}); err != nil {
					return err
				}
			}

			if !out.Lock.Acquired {
				if !opts.jsonOut {
					fmt.Fprintf(cmd.OutOrStdout(), "%s skipped: execution #%d is running\n", taskType, out.Lock.HolderID)
				}
				return &exitError{code: exitSkipped, err: errors.Newf("%s already running", taskType)}
			}
			if !opts.jsonOut {
				fmt.Fprintf(cmd.OutOrStdout(), "%s #%d %s in %s\n", taskType, out.Lock.ExecutionID, out.Status, out.Duration.Round(time.Millisecond))
			}
			if out.Status != ledger.StatusSuccess {
				err := errors.Newf("%s #%d ended %s", taskType, out.Lock.ExecutionID, out.Status)
				if out.Err != nil {
					err = errors.Wrapf(out.Err, "%s #%d failed", taskType, out.Lock.ExecutionID)
				}
				return &exitError{code: exitFailed, err: err}
			}
			return nil
		},
	}
}
