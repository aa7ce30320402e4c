package cmd

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"cronward/internal/admin"
	"cronward/internal/app"
	"cronward/internal/health"
)

func newHealthCmd(opts *options) *cobra.Command {
	var (
		url     string
		token   string
		timeout time.Duration
	)
	c := &cobra.Command{
		Use:   "health",
		Short: "Ask a running daemon for its health snapshot",
		Long: `Health fetches GET /api/v1/health from the daemon's admin API. The URL and
token default to admin.addr and admin.token from the config file.

Exit status is 0 when healthy and 1 otherwise.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgm, err := app.LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			cfg := cfgm.Get()
			if url == "" {
				addr := strings.TrimSpace(cfg.Admin.Addr)
				if addr == "" {
					addr = admin.DefaultAddr
				}
				url = "http://" + addr
			}
			if token == "" {
				token = firstNonEmpty(envOr("CRONWARD_ADMIN_TOKEN", ""), cfg.Admin.Token)
			}

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, strings.TrimRight(url, "/")+admin.BasePath+"/health", nil)
			if err != nil {
				return errors.Wrap(err, "build request")
			}
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
			resp, err := (&http.Client{Timeout: timeout}).Do(req)
			if err != nil {
				return errors.WithHint(errors.Wrap(err, "contact daemon"), "is `cronward serve` running with admin.enabled?")
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return errors.Newf("daemon answered %s", resp.Status)
			}

			var snap health.Snapshot
			if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
				return errors.Wrap(err, "decode health snapshot")
			}
			w := cmd.OutOrStdout()
			if opts.jsonOut {
				if err := printJSON(w, snap); err != nil {
					return err
				}
			} else {
				printHealth(cmd, snap)
			}
			if !snap.Healthy {
				return &exitError{code: 1, err: errors.New("scheduler unhealthy")}
			}
			return nil
		},
	}
	f := c.Flags()
	f.StringVar(&url, "url", "", "admin API base URL (default from admin.addr)")
	f.StringVar(&token, "token", "", "admin token (default $CRONWARD_ADMIN_TOKEN or admin.token)")
	f.DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return c
}

func printHealth(cmd *cobra.Command, s health.Snapshot) {
	state := "healthy"
	if !s.Healthy {
		state = "UNHEALTHY"
	}
	cmd.Printf("%s (checked %s)\n", state, s.CheckedAt.Local().Format(time.DateTime))
	for _, r := range s.Reasons {
		cmd.Printf("  - %s: %s\n", r.Code, r.Detail)
	}
	if s.SchedulerDisabled {
		cmd.Printf("scheduler disabled by config; only manual and cli runs execute\n")
	}
	cmd.Printf("driver alive: %t, generation %d\n", s.DriverAlive, s.Generation)
	cmd.Printf("heartbeat age: %s\n", s.HeartbeatAge.Round(time.Second))
	cmd.Printf("scheduled jobs: %d of %d enabled entries\n", s.ScheduledJobCount, s.EnabledEntries)
	cmd.Printf("process: pid %d, rss %.1f MiB, cpu %.1f%%, %d goroutines, up %s\n",
		s.Process.PID, float64(s.Process.RSSBytes)/(1<<20), s.Process.CPUPercent, s.Process.Goroutines,
		s.Process.Uptime.Round(time.Second))
}
