package config

import (
	"encoding/json"
	"hash/fnv"
)

// Config is the on-disk configuration (YAML or JSON).
//
// All durations are Go duration strings (e.g. "500ms", "120s", "2h").
// Omitted values fall back to the defaults documented on each field.
type Config struct {
	Logging   LoggingConfig        `json:"logging"`
	Storage   StorageConfig        `json:"storage"`
	Ledger    LedgerConfig         `json:"ledger"`
	Scheduler SchedulerConfig      `json:"scheduler"`
	Monitor   MonitorConfig        `json:"monitor"`
	Recovery  RecoveryConfig       `json:"recovery"`
	Runner    RunnerConfig         `json:"runner"`
	Jobs      map[string]JobConfig `json:"jobs,omitempty"`
	Admin     AdminConfig          `json:"admin"`
	Notify    NotifyConfig         `json:"notify"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	Format  string            `json:"format,omitempty"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the ledger backend.
//
// Defaults:
//   - driver: "sqlite"
//   - path: "./data/cronward.db"
//   - busy_timeout: "5s"
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// LedgerConfig controls zombie detection and retention.
//
// Defaults:
//   - stale_after: "2h"
//   - retention: "720h" (30 days)
type LedgerConfig struct {
	StaleAfter           string `json:"stale_after,omitempty"`
	Retention            string `json:"retention,omitempty"`
	ForceCompleteOnStart bool   `json:"force_complete_on_start,omitempty"`
	Hostname             string `json:"hostname,omitempty"`
}

// SchedulerConfig controls the in-process driver.
//
// Enabled is a pointer so an omitted value defaults to true.
type SchedulerConfig struct {
	Enabled      *bool             `json:"enabled,omitempty"`
	Timezone     string            `json:"timezone,omitempty"`
	Tick         string            `json:"tick,omitempty"`
	MisfireGrace string            `json:"misfire_grace,omitempty"`
	Defaults     []ScheduleDefault `json:"defaults,omitempty"`
}

// ScheduleDefault seeds a schedule entry on first startup.
// Existing rows are never overwritten.
type ScheduleDefault struct {
	TaskType    string `json:"task_type"`
	Cron        string `json:"cron"`
	Enabled     *bool  `json:"enabled,omitempty"`
	Description string `json:"description,omitempty"`
}

type MonitorConfig struct {
	Interval         string `json:"interval,omitempty"`
	HeartbeatTimeout string `json:"heartbeat_timeout,omitempty"`
	// Watchdog sends WATCHDOG=1 to systemd after each healthy check.
	Watchdog bool `json:"watchdog,omitempty"`
}

type RecoveryConfig struct {
	Enabled     *bool  `json:"enabled,omitempty"`
	MaxRestarts int    `json:"max_restarts,omitempty"`
	Window      string `json:"window,omitempty"`
	GracePeriod string `json:"grace_period,omitempty"`
}

type RunnerConfig struct {
	HeartbeatEvery string `json:"heartbeat_every,omitempty"`
}

// JobConfig binds a task type to an external command.
// Each stdout line is reported as a progress heartbeat.
type JobConfig struct {
	Command []string `json:"command"`
	Dir     string   `json:"dir,omitempty"`
	Env     []string `json:"env,omitempty"`
}

// AdminConfig controls the administrative HTTP API.
//
// Binding a non-loopback address requires token or allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	RunPerMinute  int    `json:"run_per_minute,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

type NotifyConfig struct {
	Telegram   TelegramConfig `json:"telegram"`
	OnJobError bool           `json:"on_job_error,omitempty"`
}

type TelegramConfig struct {
	Enabled      bool   `json:"enabled"`
	Token        string `json:"token,omitempty"`
	ChatID       int64  `json:"chat_id,omitempty"`
	ThreadID     int    `json:"thread_id,omitempty"`
	PerMinute    int    `json:"per_minute,omitempty"`
	PollTimeout  string `json:"poll_timeout,omitempty"`
	DisableLinks bool   `json:"disable_links,omitempty"`
}

// BoolOr returns *b or def when b is nil.
func BoolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil || len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
