package app

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"cronward/internal/admin"
	"cronward/internal/config"
	"cronward/internal/health"
	"cronward/internal/jobrunner"
	"cronward/internal/jobs"
	"cronward/internal/ledger"
	"cronward/internal/notify"
	"cronward/internal/recovery"
	"cronward/internal/schedule"
	"cronward/internal/storage"
	"cronward/internal/task/scheduler"
	logx "cronward/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	out := storage.Config{
		Driver:       driver,
		Path:         strings.TrimSpace(sc.Path),
		DSN:          strings.TrimSpace(sc.DSN),
		BusyTimeout:  busy,
		MaxOpenConns: sc.MaxOpenConns,
	}
	if (driver == "sqlite" || driver == "sqlite3") && out.Path == "" {
		out.Path = "./data/cronward.db"
	}
	return out, nil
}

type ledgerSettings struct {
	staleAfter time.Duration
	retention  time.Duration
	hostname   string
}

func mapLedgerConfig(cfg *config.Config) (ledgerSettings, error) {
	stale, err := config.ParseDurationField("ledger.stale_after", cfg.Ledger.StaleAfter)
	if err != nil {
		return ledgerSettings{}, err
	}
	keep, err := config.ParseDurationOrDefault("ledger.retention", cfg.Ledger.Retention, jobs.DefaultRetention)
	if err != nil {
		return ledgerSettings{}, err
	}
	return ledgerSettings{staleAfter: stale, retention: keep, hostname: cfg.Ledger.Hostname}, nil
}

func mapDriverConfig(cfg *config.Config) (scheduler.Config, error) {
	tick, err := config.ParseDurationField("scheduler.tick", cfg.Scheduler.Tick)
	if err != nil {
		return scheduler.Config{}, err
	}
	grace, err := config.ParseDurationField("scheduler.misfire_grace", cfg.Scheduler.MisfireGrace)
	if err != nil {
		return scheduler.Config{}, err
	}
	out := scheduler.Config{Tick: tick, MisfireGrace: grace}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return scheduler.Config{}, errors.Wrapf(err, "scheduler.timezone: invalid %q", tz)
		}
		out.Location = loc
	}
	return out, nil
}

func mapMonitorConfig(cfg *config.Config) (health.Config, error) {
	every, err := config.ParseDurationField("monitor.interval", cfg.Monitor.Interval)
	if err != nil {
		return health.Config{}, err
	}
	hb, err := config.ParseDurationField("monitor.heartbeat_timeout", cfg.Monitor.HeartbeatTimeout)
	if err != nil {
		return health.Config{}, err
	}
	return health.Config{Interval: every, HeartbeatTimeout: hb, Watchdog: cfg.Monitor.Watchdog}, nil
}

func mapRecoveryConfig(cfg *config.Config) (recovery.Config, error) {
	window, err := config.ParseDurationField("recovery.window", cfg.Recovery.Window)
	if err != nil {
		return recovery.Config{}, err
	}
	grace, err := config.ParseDurationField("recovery.grace_period", cfg.Recovery.GracePeriod)
	if err != nil {
		return recovery.Config{}, err
	}
	return recovery.Config{MaxRestarts: cfg.Recovery.MaxRestarts, Window: window, Grace: grace}, nil
}

func mapRunnerHeartbeat(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationField("runner.heartbeat_every", cfg.Runner.HeartbeatEvery)
}

func mapNotifyConfig(cfg *config.Config) notify.Config {
	return notify.Config{PerMinute: cfg.Notify.Telegram.PerMinute}
}

func mapTelegramConfig(cfg *config.Config) (notify.TelegramConfig, error) {
	tc := cfg.Notify.Telegram
	poll, err := config.ParseDurationOrDefault("notify.telegram.poll_timeout", tc.PollTimeout, 10*time.Second)
	if err != nil {
		return notify.TelegramConfig{}, err
	}
	return notify.TelegramConfig{
		Token:        strings.TrimSpace(tc.Token),
		ChatID:       tc.ChatID,
		ThreadID:     tc.ThreadID,
		PollTimeout:  poll,
		DisableLinks: tc.DisableLinks,
	}, nil
}

func mapAdminConfig(cfg *config.Config) (admin.ServerConfig, error) {
	ac := cfg.Admin
	read, err := config.ParseDurationOrDefault("admin.read_timeout", ac.ReadTimeout, 10*time.Second)
	if err != nil {
		return admin.ServerConfig{}, err
	}
	// Long enough for /debug/pprof/profile?seconds=30.
	write, err := config.ParseDurationOrDefault("admin.write_timeout", ac.WriteTimeout, 40*time.Second)
	if err != nil {
		return admin.ServerConfig{}, err
	}
	idle, err := config.ParseDurationOrDefault("admin.idle_timeout", ac.IdleTimeout, 60*time.Second)
	if err != nil {
		return admin.ServerConfig{}, err
	}
	return admin.ServerConfig{
		Addr:          strings.TrimSpace(ac.Addr),
		Token:         strings.TrimSpace(ac.Token),
		AllowInsecure: ac.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func mapCommandJobs(cfg *config.Config) map[string]jobs.Command {
	if len(cfg.Jobs) == 0 {
		return nil
	}
	out := make(map[string]jobs.Command, len(cfg.Jobs))
	for name, j := range cfg.Jobs {
		out[strings.TrimSpace(name)] = jobs.Command{Args: j.Command, Dir: j.Dir, Env: j.Env}
	}
	return out
}

// mapScheduleDefaults falls back to the builtin set when the config lists none.
func mapScheduleDefaults(cfg *config.Config) []schedule.Default {
	src := cfg.Scheduler.Defaults
	if len(src) == 0 {
		src = config.DefaultSchedules()
	}
	out := make([]schedule.Default, 0, len(src))
	for _, d := range src {
		out = append(out, schedule.Default{
			TaskType:       strings.TrimSpace(d.TaskType),
			CronExpression: strings.TrimSpace(d.Cron),
			Enabled:        config.BoolOr(d.Enabled, true),
			Description:    d.Description,
		})
	}
	return out
}

// validate runs every mapping so a hot reload is rejected before commit.
func validate(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	ls, err := mapLedgerConfig(cfg)
	if err != nil {
		return err
	}
	dc, err := mapDriverConfig(cfg)
	if err != nil {
		return err
	}
	mc, err := mapMonitorConfig(cfg)
	if err != nil {
		return err
	}
	if _, err := mapRecoveryConfig(cfg); err != nil {
		return err
	}
	hb, err := mapRunnerHeartbeat(cfg)
	if err != nil {
		return err
	}
	if err := checkTimings(dc, mc, ls, hb); err != nil {
		return err
	}
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	ac, err := mapAdminConfig(cfg)
	if err != nil {
		return err
	}
	if cfg.Admin.Enabled {
		if err := admin.CheckBind(ac); err != nil {
			return err
		}
	}
	for _, d := range mapScheduleDefaults(cfg) {
		if err := schedule.Validate(d.CronExpression); err != nil {
			return errors.Wrapf(err, "scheduler.defaults[%s]", d.TaskType)
		}
	}
	return nil
}

// checkTimings rejects interval combinations that defeat scheduling, the
// liveness check or the zombie threshold. Unset values use package defaults.
func checkTimings(dc scheduler.Config, mc health.Config, ls ledgerSettings, heartbeatEvery time.Duration) error {
	tick := orDefault(dc.Tick, scheduler.DefaultTick)
	grace := orDefault(dc.MisfireGrace, scheduler.DefaultMisfireGrace)
	hbTimeout := orDefault(mc.HeartbeatTimeout, health.DefaultHeartbeatTimeout)
	stale := orDefault(ls.staleAfter, ledger.DefaultStaleAfter)
	every := orDefault(heartbeatEvery, jobrunner.DefaultHeartbeatEvery)

	if tick > grace {
		return errors.WithHint(
			errors.Newf("scheduler.tick (%s) exceeds scheduler.misfire_grace (%s); fires would be dropped as missed", tick, grace),
			"lower scheduler.tick or raise scheduler.misfire_grace")
	}
	if tick >= hbTimeout {
		return errors.WithHint(
			errors.Newf("scheduler.tick (%s) must be below monitor.heartbeat_timeout (%s)", tick, hbTimeout),
			"a driver beats once per tick; a longer tick looks like a stall")
	}
	if 2*every > stale {
		return errors.WithHint(
			errors.Newf("runner.heartbeat_every (%s) must be at most half of ledger.stale_after (%s)", every, stale),
			"live runs would be reclaimed as zombies")
	}
	return nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
