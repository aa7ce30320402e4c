package app

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"cronward/internal/config"
	"cronward/internal/eventbus"
	"cronward/internal/jobrunner"
	"cronward/internal/jobs"
	"cronward/internal/ledger"
	"cronward/internal/schedule"
	"cronward/internal/storage"
	"cronward/internal/telemetry"
	logx "cronward/pkg/logx"
)

// Core is the part of the process every command needs: config, logging,
// storage, the ledger, the schedule store and the job runner.
type Core struct {
	Config *config.ConfigManager
	Log    logx.Logger
	Logs   *logx.Service

	DB        *storage.DB
	Ledger    *ledger.Ledger
	Schedules *schedule.Store
	Registry  *jobrunner.Registry
	Runner    *jobrunner.Runner
	Metrics   *telemetry.Metrics
	Bus       eventbus.Bus

	// Jobs are the registered task types, sorted.
	Jobs []string

	retention atomic.Int64
}

// LoadConfig reads path, or returns the defaults when path is empty.
func LoadConfig(path string) (*config.ConfigManager, error) {
	cfgm := config.NewConfigManager(path)
	if path == "" {
		cfgm.Commit(config.Default())
		return cfgm, nil
	}
	if _, err := cfgm.Load(); err != nil {
		return nil, err
	}
	return cfgm, nil
}

// Open builds the core and applies pending migrations.
func Open(ctx context.Context, cfgm *config.ConfigManager) (*Core, error) {
	cfg := cfgm.Get()
	if cfg == nil {
		return nil, errors.New("config not loaded")
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogConfig(cfg))
	c := &Core{
		Config:  cfgm,
		Logs:    logs,
		Log:     log.With(logx.String("comp", "app")),
		Metrics: telemetry.New(),
		Bus:     eventbus.New(),
	}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	sc, _ := mapStorageConfig(cfg)
	db, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, errors.WithHint(err, "check storage.driver, storage.path and storage.dsn")
	}
	c.DB = db

	ls, _ := mapLedgerConfig(cfg)
	c.retention.Store(int64(ls.retention))
	c.Ledger = ledger.New(db, log.With(logx.String("comp", "ledger")),
		ledger.WithStaleAfter(ls.staleAfter),
		ledger.WithHostname(ls.hostname),
		ledger.WithObserver(c.Metrics),
	)
	c.Schedules = schedule.NewStore(db, log.With(logx.String("comp", "schedule")))

	c.Registry = jobrunner.NewRegistry()
	names, err := jobs.Register(c.Registry, jobs.Builtins{
		Pruner:    c.Ledger,
		Retention: c.Retention,
		Commands:  mapCommandJobs(cfg),
	})
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Jobs = names

	hb, _ := mapRunnerHeartbeat(cfg)
	c.Runner = jobrunner.New(c.Ledger, c.Registry, log.With(logx.String("comp", "runner")),
		jobrunner.WithBus(c.Bus),
		jobrunner.WithHeartbeatEvery(hb),
		jobrunner.WithGauge(c.Metrics),
	)
	return c, nil
}

// Retention is the live ledger retention; it follows config reloads.
func (c *Core) Retention() time.Duration { return time.Duration(c.retention.Load()) }

// Seed inserts the schedule defaults of cfg, or of the committed config when
// cfg is nil. Rows that already exist are left as operators edited them.
func (c *Core) Seed(ctx context.Context, cfg *config.Config) (int, error) {
	if cfg == nil {
		cfg = c.Config.Get()
	}
	n, err := c.Schedules.SeedDefaults(ctx, mapScheduleDefaults(cfg))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.Log.Info("schedule defaults seeded", logx.Int("inserted", n))
	}
	return n, nil
}

// WarnUnregistered logs enabled entries that have no job body.
func (c *Core) WarnUnregistered(ctx context.Context) {
	entries, err := c.Schedules.List(ctx)
	if err != nil {
		c.Log.Warn("schedule list failed", logx.Err(err))
		return
	}
	for _, e := range entries {
		if !e.Enabled {
			continue
		}
		if _, ok := c.Registry.Get(e.TaskType); !ok {
			c.Log.Warn("enabled schedule has no registered job; triggers will fail",
				logx.TaskType(e.TaskType), logx.Strs("registered", c.Jobs))
		}
	}
}

// Close waits briefly for in-flight jobs and releases storage and log sinks.
func (c *Core) Close() {
	if c.Runner != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.Runner.Shutdown(ctx); err != nil {
			c.Log.Warn("runner shutdown incomplete", logx.Err(err))
		}
		cancel()
	}
	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			c.Log.Warn("storage close failed", logx.Err(err))
		}
	}
	if c.Logs != nil {
		_ = c.Logs.Close()
	}
}
