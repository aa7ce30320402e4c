package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"cronward/internal/ledger"
	"cronward/internal/schedule"
)

// Config controls the driver.
//
// Defaults:
//   - Tick: 1m
//   - MisfireGrace: 5m
//   - StopGrace: 10s (used when Stop's context has no deadline)
//   - Location: UTC
type Config struct {
	Tick         time.Duration
	MisfireGrace time.Duration
	StopGrace    time.Duration
	Location     *time.Location
}

const (
	DefaultTick         = time.Minute
	DefaultMisfireGrace = 5 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.MisfireGrace <= 0 {
		c.MisfireGrace = DefaultMisfireGrace
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 10 * time.Second
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

// Triggerer starts a run of a task type. Acquired=false with a nil
// error is a skip.
type Triggerer interface {
	Trigger(ctx context.Context, taskType string, trig ledger.Trigger) (ledger.LockResult, error)
}

// Source provides the schedule entries the driver registers.
type Source interface {
	List(ctx context.Context) ([]schedule.Entry, error)
}

// EntryState is the per-entry state machine: idle -> due -> triggering -> idle.
type EntryState string

const (
	EntryIdle       EntryState = "idle"
	EntryDue        EntryState = "due"
	EntryTriggering EntryState = "triggering"
)

// Last results recorded per entry.
const (
	ResultAcquired = "acquired"
	ResultSkipped  = "skipped"
	ResultMissed   = "missed"
	ResultError    = "error"
)

type job struct {
	taskType    string
	expr        string
	description string
	enabled     bool
	sched       cron.Schedule

	state     EntryState
	lastCheck time.Time
	prev      time.Time

	lastResult string
	lastErr    string
	lastExecID int64
	lastAt     time.Time
}

// memo survives Stop so a restarted driver can still fire within the misfire grace.
type memo struct {
	expr      string
	lastCheck time.Time
	prev      time.Time
}

// EntryInfo is one row of Snapshot.
type EntryInfo struct {
	TaskType        string     `json:"task_type"`
	CronExpression  string     `json:"cron_expression"`
	Description     string     `json:"description"`
	Enabled         bool       `json:"enabled"`
	State           EntryState `json:"state"`
	Next            time.Time  `json:"next,omitempty"`
	Prev            time.Time  `json:"prev,omitempty"`
	LastResult      string     `json:"last_result,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	LastExecutionID int64      `json:"last_execution_id,omitempty"`
	LastTriggeredAt time.Time  `json:"last_triggered_at,omitempty"`
}

type Snapshot struct {
	Alive       bool          `json:"alive"`
	Generation  uint64        `json:"generation"`
	HeartbeatAt time.Time     `json:"heartbeat_at"`
	Tick        time.Duration `json:"tick"`
	Timezone    string        `json:"timezone"`
	Entries     []EntryInfo   `json:"entries"`
}
