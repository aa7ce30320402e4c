package cmd

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"cronward/internal/ledger"
)

func newHistoryCmd(opts *options) *cobra.Command {
	var (
		taskType string
		status   string
		limit    int
		offset   int
		since    time.Duration
		running  bool
	)
	c := &cobra.Command{
		Use:   "history [execution_id]",
		Short: "List recorded executions, newest first, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			core, err := openCore(ctx, opts)
			if err != nil {
				return err
			}
			defer core.Close()
			w := cmd.OutOrStdout()

			if len(args) == 1 {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return errors.Newf("invalid execution id %q", args[0])
				}
				e, err := core.Ledger.Get(ctx, id)
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(w, e)
				}
				printExecution(w, e)
				return nil
			}

			var rows []ledger.Execution
			if running {
				rows, err = core.Ledger.Running(ctx)
			} else {
				q := ledger.Query{TaskType: taskType, Limit: limit, Offset: offset}
				if status != "" {
					if q.Status, err = ledger.ParseStatus(status); err != nil {
						return err
					}
				}
				if since > 0 {
					q.Since = time.Now().Add(-since)
				}
				rows, err = core.Ledger.QueryHistory(ctx, q)
			}
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(w, rows)
			}
			printExecutions(w, rows)
			return nil
		},
	}
	f := c.Flags()
	f.StringVarP(&taskType, "task-type", "t", "", "only this task type")
	f.StringVarP(&status, "status", "s", "", "only this status (running, success, error, cancelled)")
	f.IntVarP(&limit, "limit", "n", 20, "maximum rows")
	f.IntVar(&offset, "offset", 0, "rows to skip")
	f.DurationVar(&since, "since", 0, "only runs started within this window (e.g. 24h)")
	f.BoolVar(&running, "running", false, "list running executions only")
	return c
}

func printExecutions(w io.Writer, rows []ledger.Execution) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "no executions")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTASK\tSTATUS\tTRIGGER\tSTARTED\tDURATION\tITEMS\tMESSAGE")
	for _, e := range rows {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			e.ID, e.TaskType, e.Status, e.Trigger,
			e.StartedAt.Local().Format(time.DateTime),
			durationOf(e), e.ItemsSuccess, e.ItemsProcessed,
			truncate(firstNonEmpty(e.ErrorMessage, e.Message), 60),
		)
	}
	_ = tw.Flush()
}

func printExecution(w io.Writer, e ledger.Execution) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	row := func(k string, v any) { fmt.Fprintf(tw, "%s:\t%v\n", k, v) }
	row("ID", e.ID)
	row("Task", e.TaskType)
	row("Status", e.Status)
	row("Trigger", e.Trigger)
	row("Started", e.StartedAt.Local().Format(time.RFC3339))
	row("Updated", e.UpdatedAt.Local().Format(time.RFC3339))
	if e.EndedAt != nil {
		row("Ended", e.EndedAt.Local().Format(time.RFC3339))
	}
	row("Duration", durationOf(e))
	if e.ProgressPercentage != nil {
		row("Progress", fmt.Sprintf("%d%%", *e.ProgressPercentage))
	}
	row("Items", fmt.Sprintf("%d processed, %d ok, %d failed", e.ItemsProcessed, e.ItemsSuccess, e.ItemsFailed))
	row("Host", fmt.Sprintf("%s (pid %d)", e.Hostname, e.ProcessID))
	if e.Message != "" {
		row("Message", e.Message)
	}
	if e.ErrorMessage != "" {
		row("Error", fmt.Sprintf("[%s] %s", e.ErrorType, e.ErrorMessage))
	}
	_ = tw.Flush()
	if e.StackTrace != "" {
		fmt.Fprintf(w, "\n%s\n", e.StackTrace)
	}
}

func durationOf(e ledger.Execution) string {
	if e.DurationSeconds != nil {
		return (time.Duration(*e.DurationSeconds) * time.Second).String()
	}
	if e.Status == ledger.StatusRunning {
		return time.Since(e.StartedAt).Round(time.Second).String() + "+"
	}
	return "-"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
