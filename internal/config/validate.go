package config

import (
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	logx "cronward/pkg/logx"
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Storage: StorageConfig{Driver: "sqlite", Path: "./data/cronward.db"},
	}
}

// DefaultSchedules are seeded when the config does not list its own.
func DefaultSchedules() []ScheduleDefault {
	return []ScheduleDefault{
		{TaskType: "crawl_sources", Cron: "0 */1 * * *", Description: "content ingestion"},
		{TaskType: "event_groups", Cron: "30 */1 * * *", Description: "similarity grouping"},
		{TaskType: "cache_cleanup", Cron: "0 2 * * *", Description: "ledger retention"},
	}
}

// Validate performs static checks. Cron expressions are validated by the
// schedule store, which owns the parser.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []string
	add := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		if _, ok := logx.ParseLevel(lvl); !ok {
			errs = append(errs, "logging.level: unknown level "+lvl)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite":
	case "postgres", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, "storage.dsn: required for postgres")
		}
	default:
		errs = append(errs, "storage.driver: unsupported driver "+cfg.Storage.Driver)
	}

	durs := []struct{ path, raw string }{
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"ledger.stale_after", cfg.Ledger.StaleAfter},
		{"ledger.retention", cfg.Ledger.Retention},
		{"scheduler.tick", cfg.Scheduler.Tick},
		{"scheduler.misfire_grace", cfg.Scheduler.MisfireGrace},
		{"monitor.interval", cfg.Monitor.Interval},
		{"monitor.heartbeat_timeout", cfg.Monitor.HeartbeatTimeout},
		{"recovery.window", cfg.Recovery.Window},
		{"recovery.grace_period", cfg.Recovery.GracePeriod},
		{"runner.heartbeat_every", cfg.Runner.HeartbeatEvery},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"notify.telegram.poll_timeout", cfg.Notify.Telegram.PollTimeout},
	}
	for _, d := range durs {
		_, err := ParseDurationField(d.path, d.raw)
		add(err)
	}

	if cfg.Recovery.MaxRestarts < 0 {
		errs = append(errs, "recovery.max_restarts: must be >= 0")
	}

	seen := map[string]bool{}
	for _, d := range cfg.Scheduler.Defaults {
		tt := strings.TrimSpace(d.TaskType)
		if tt == "" {
			errs = append(errs, "scheduler.defaults: task_type is required")
			continue
		}
		if seen[tt] {
			errs = append(errs, "scheduler.defaults: duplicate task_type "+tt)
		}
		seen[tt] = true
		if strings.TrimSpace(d.Cron) == "" {
			errs = append(errs, "scheduler.defaults["+tt+"]: cron is required")
		}
	}

	names := make([]string, 0, len(cfg.Jobs))
	for name := range cfg.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if j := cfg.Jobs[name]; len(j.Command) == 0 || strings.TrimSpace(j.Command[0]) == "" {
			errs = append(errs, "jobs."+name+".command: required")
		}
	}

	if cfg.Notify.Telegram.Enabled {
		if strings.TrimSpace(cfg.Notify.Telegram.Token) == "" {
			errs = append(errs, "notify.telegram.token: required when enabled")
		}
		if cfg.Notify.Telegram.ChatID == 0 {
			errs = append(errs, "notify.telegram.chat_id: required when enabled")
		}
	}

	if len(errs) > 0 {
		return errors.WithHint(
			errors.Newf("invalid config: %s", strings.Join(errs, "; ")),
			"fix the listed fields and save the file again; the previous config stays active",
		)
	}
	return nil
}
