package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCleanupCmd(opts *options) *cobra.Command {
	var (
		retention    string
		forceRunning string
	)
	c := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete terminal executions older than the retention",
		Long: `Cleanup deletes finished executions that started before now minus the
retention. Running rows are never deleted.

--force-running marks every running execution as error first. Use it only
when no daemon or job process is alive.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			core, err := openCore(ctx, opts)
			if err != nil {
				return err
			}
			defer core.Close()
			w := cmd.OutOrStdout()

			keep := core.Retention()
			if retention != "" {
				if keep, err = parseRetention(retention); err != nil {
					return err
				}
			}

			var forced int64
			if cmd.Flags().Changed("force-running") {
				if forced, err = core.Ledger.ForceCompleteRunning(ctx, forceRunning); err != nil {
					return err
				}
			}
			n, err := core.Ledger.Cleanup(ctx, keep)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(w, map[string]any{"deleted": n, "force_completed": forced, "retention": keep.String()})
			}
			if forced > 0 {
				fmt.Fprintf(w, "force-completed %d running executions\n", forced)
			}
			fmt.Fprintf(w, "deleted %d executions older than %s\n", n, keep)
			return nil
		},
	}
	f := c.Flags()
	f.StringVar(&retention, "retention", "", "keep this much history, e.g. 720h or 30d (default ledger.retention)")
	f.StringVar(&forceRunning, "force-running", "", "force-complete running executions with this reason")
	f.Lookup("force-running").NoOptDefVal = "manual cleanup"
	return c
}
