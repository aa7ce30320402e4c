package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"cronward/internal/schedule"
)

func newSchedulesCmd(opts *options) *cobra.Command {
	c := &cobra.Command{
		Use:     "schedules",
		Aliases: []string{"schedule"},
		Short:   "List or edit schedule entries",
	}
	c.AddCommand(newSchedulesListCmd(opts), newSchedulesSetCmd(opts))
	return c
}

func newSchedulesListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List schedule entries with their next fire time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			core, err := openCore(ctx, opts)
			if err != nil {
				return err
			}
			defer core.Close()
			if _, err := core.Seed(ctx, nil); err != nil {
				return err
			}
			entries, err := core.Schedules.List(ctx)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if opts.jsonOut {
				return printJSON(w, entries)
			}

			loc := time.UTC
			if tz := strings.TrimSpace(core.Config.Get().Scheduler.Timezone); tz != "" {
				if l, err := time.LoadLocation(tz); err == nil {
					loc = l
				}
			}
			now := time.Now()
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TASK\tCRON\tENABLED\tNEXT\tJOB\tDESCRIPTION")
			for _, e := range entries {
				next := "-"
				if sched, err := schedule.Parse(e.CronExpression, loc); err == nil && e.Enabled {
					next = sched.Next(now.In(loc)).Format(time.DateTime + " MST")
				}
				job := "yes"
				if _, ok := core.Registry.Get(e.TaskType); !ok {
					job = "missing"
				}
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\n", e.TaskType, e.CronExpression, e.Enabled, next, job, e.Description)
			}
			return tw.Flush()
		},
	}
}

func newSchedulesSetCmd(opts *options) *cobra.Command {
	var (
		cron        string
		description string
		enable      bool
		disable     bool
	)
	c := &cobra.Command{
		Use:   "set <task_type>",
		Short: "Change an entry's cron expression, enabled flag or description",
		Long: `Set updates one stored schedule entry. A running daemon picks the change up on
its next reload (POST /api/v1/schedules/reload or a config change).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if enable && disable {
				return errors.New("--enable and --disable are mutually exclusive")
			}
			var p schedule.Patch
			flags := cmd.Flags()
			if flags.Changed("cron") {
				p.CronExpression = &cron
			}
			if flags.Changed("description") {
				p.Description = &description
			}
			switch {
			case enable:
				v := true
				p.Enabled = &v
			case disable:
				v := false
				p.Enabled = &v
			}
			if p.CronExpression == nil && p.Description == nil && p.Enabled == nil {
				return errors.WithHint(errors.New("nothing to change"), "pass --cron, --description, --enable or --disable")
			}

			ctx := cmd.Context()
			core, err := openCore(ctx, opts)
			if err != nil {
				return err
			}
			defer core.Close()
			if _, err := core.Seed(ctx, nil); err != nil {
				return err
			}
			e, err := core.Schedules.Update(ctx, args[0], p)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), e)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: cron=%q enabled=%t\n", e.TaskType, e.CronExpression, e.Enabled)
			return nil
		},
	}
	f := c.Flags()
	f.StringVar(&cron, "cron", "", "five-field cron expression")
	f.StringVar(&description, "description", "", "free-form description")
	f.BoolVar(&enable, "enable", false, "enable the entry")
	f.BoolVar(&disable, "disable", false, "disable the entry")
	return c
}
