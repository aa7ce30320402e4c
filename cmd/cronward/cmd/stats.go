package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newStatsCmd(opts *options) *cobra.Command {
	var days int
	c := &cobra.Command{
		Use:   "stats",
		Short: "Summarise executions per task type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			core, err := openCore(ctx, opts)
			if err != nil {
				return err
			}
			defer core.Close()

			st, err := core.Ledger.Statistics(ctx, days)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if opts.jsonOut {
				return printJSON(w, st)
			}

			fmt.Fprintf(w, "last %d days: %d runs, %d ok, %d failed, %d running (%.2f%% success)\n\n",
				st.PeriodDays, st.Total, st.Success, st.Error, st.Running, st.SuccessRate)
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TASK\tRUNS\tOK\tFAILED\tSUCCESS\tAVG")
			for _, t := range st.ByType {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.2f%%\t%.1fs\n",
					t.TaskType, t.Total, t.Success, t.Error, t.SuccessRate, t.AvgDurationSeconds)
			}
			_ = tw.Flush()

			if len(st.RecentErrors) > 0 {
				fmt.Fprintln(w, "\nrecent errors:")
				printExecutions(w, st.RecentErrors)
			}
			return nil
		},
	}
	c.Flags().IntVarP(&days, "days", "d", 7, "window in days")
	return c
}
