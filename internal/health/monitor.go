// Package health watches the scheduling driver and reports why it is
// unhealthy.
package health

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/shirou/gopsutil/v3/process"

	"cronward/internal/runtime/supervisor"
	"cronward/internal/schedule"
	"cronward/internal/task/scheduler"
	logx "cronward/pkg/logx"
)

// Reason codes.
const (
	ReasonDriverDead       = "driver_dead"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonNoScheduledJobs  = "no_scheduled_jobs"
)

const (
	DefaultInterval         = 120 * time.Second
	DefaultHeartbeatTimeout = 5 * time.Minute
)

type Reason struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// Process holds stats of the running process. Zero fields mean the
// value could not be read.
type Process struct {
	PID        int32         `json:"pid"`
	RSSBytes   uint64        `json:"rss_bytes"`
	CPUPercent float64       `json:"cpu_percent"`
	Goroutines int           `json:"goroutines"`
	Uptime     time.Duration `json:"uptime"`
}

type Snapshot struct {
	CheckedAt         time.Time     `json:"checked_at"`
	Healthy           bool          `json:"healthy"`
	Reasons           []Reason      `json:"reasons"`
	DriverAlive       bool          `json:"driver_alive"`
	Generation        uint64        `json:"generation"`
	HeartbeatAt       time.Time     `json:"heartbeat_at"`
	HeartbeatAge      time.Duration `json:"heartbeat_age"`
	ScheduledJobCount int           `json:"scheduled_job_count"`
	EnabledEntries    int           `json:"enabled_entries"`
	Process           Process       `json:"process"`
	// SchedulerDisabled means the driver is off on purpose. Such a
	// snapshot is healthy and is never handed to recovery.
	SchedulerDisabled bool `json:"scheduler_disabled,omitempty"`

	Supervisor *supervisor.Snapshot `json:"supervisor,omitempty"`
}

// Config controls the monitor.
//
// Defaults:
//   - Interval: 120s
//   - HeartbeatTimeout: 5m
type Config struct {
	Interval         time.Duration
	HeartbeatTimeout time.Duration
	Watchdog         bool
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	return c
}

// EntrySource lists schedule entries so the monitor can tell an empty job
// table from an empty schedule.
type EntrySource interface {
	List(ctx context.Context) ([]schedule.Entry, error)
}

// RecoverFunc is called with the reasons of every unhealthy check.
type RecoverFunc func(ctx context.Context, reasons []Reason)

type Observer interface {
	HealthChecked(healthy bool, heartbeatAge time.Duration, scheduled int)
}

type Monitor struct {
	state *scheduler.State
	src   EntrySource
	log   logx.Logger

	recover RecoverFunc
	obs     Observer
	sup     *supervisor.Supervisor
	notify  func(state string) (bool, error)
	now     func() time.Time
	running func() bool

	mu      sync.Mutex
	cfg     Config
	last    Snapshot
	hasLast bool
	enabled int

	procMu sync.Mutex
	proc   *process.Process
}

type Option func(*Monitor)

func WithRecover(fn RecoverFunc) Option { return func(m *Monitor) { m.recover = fn } }

// WithSchedulerEnabled reports whether the driver is meant to run. Without it
// the driver is always expected alive.
func WithSchedulerEnabled(fn func() bool) Option { return func(m *Monitor) { m.running = fn } }

func WithObserver(o Observer) Option { return func(m *Monitor) { m.obs = o } }

// WithSupervisor includes the supervisor's goroutine stats in snapshots.
func WithSupervisor(s *supervisor.Supervisor) Option { return func(m *Monitor) { m.sup = s } }

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithNotifier replaces the systemd notify call used for watchdog pings.
func WithNotifier(fn func(state string) (bool, error)) Option {
	return func(m *Monitor) {
		if fn != nil {
			m.notify = fn
		}
	}
}

func New(cfg Config, state *scheduler.State, src EntrySource, log logx.Logger, opts ...Option) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Monitor{
		state:  state,
		src:    src,
		log:    log,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		notify: func(s string) (bool, error) { return daemon.SdNotify(false, s) },
	}
	for _, o := range opts {
		o(m)
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		m.proc = p
	} else {
		m.log.Debug("process stats unavailable", logx.Err(err))
	}
	return m
}

// Apply swaps the tuning. A changed interval takes effect after the
// current wait.
func (m *Monitor) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

func (m *Monitor) config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Last returns the most recent snapshot. ok is false before the first check.
func (m *Monitor) Last() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.hasLast
}

// Run checks on every interval until ctx is done. Unhealthy checks are
// handed to the recover func; healthy ones ping the systemd watchdog.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.config().Interval
	t := time.NewTicker(interval)
	defer t.Stop()

	m.log.Info("health monitor started", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}

		m.Tick(ctx)

		if next := m.config().Interval; next != interval {
			interval = next
			t.Reset(interval)
			m.log.Info("health monitor interval changed", logx.Duration("interval", interval))
		}
	}
}

// Tick performs one check and acts on it.
func (m *Monitor) Tick(ctx context.Context) Snapshot {
	snap := m.Check(ctx)
	if snap.Healthy {
		if m.config().Watchdog {
			if _, err := m.notify(daemon.SdNotifyWatchdog); err != nil {
				m.log.Debug("watchdog notify failed", logx.Err(err))
			}
		}
		return snap
	}

	m.log.Warn("scheduler unhealthy",
		logx.Any("reasons", snap.Reasons),
		logx.Bool("driver_alive", snap.DriverAlive),
		logx.Duration("heartbeat_age", snap.HeartbeatAge),
		logx.Int("scheduled_jobs", snap.ScheduledJobCount),
		logx.Int("enabled_entries", snap.EnabledEntries),
	)
	if m.recover != nil {
		m.recover(ctx, snap.Reasons)
	}
	return snap
}

// Check computes a snapshot and stores it for Last. It never fails; a
// broken entry source keeps the last known enabled count.
func (m *Monitor) Check(ctx context.Context) Snapshot {
	cfg := m.config()
	now := m.now()

	snap := Snapshot{
		CheckedAt:         now,
		DriverAlive:       m.state.Alive(),
		Generation:        m.state.Generation(),
		HeartbeatAt:       m.state.HeartbeatAt(),
		HeartbeatAge:      m.state.HeartbeatAge(now),
		ScheduledJobCount: m.state.JobCount(),
		EnabledEntries:    m.enabledEntries(ctx),
		Process:           m.processStats(ctx),
	}
	if m.sup != nil {
		s := m.sup.Snapshot()
		snap.Supervisor = &s
	}

	if m.running != nil && !m.running() {
		snap.SchedulerDisabled = true
		snap.Reasons = []Reason{}
	} else {
		snap.Reasons = evaluate(snap, cfg.HeartbeatTimeout)
	}
	snap.Healthy = len(snap.Reasons) == 0

	m.mu.Lock()
	m.last = snap
	m.hasLast = true
	m.mu.Unlock()

	if m.obs != nil {
		m.obs.HealthChecked(snap.Healthy, snap.HeartbeatAge, snap.ScheduledJobCount)
	}
	return snap
}

func evaluate(s Snapshot, timeout time.Duration) []Reason {
	reasons := []Reason{}
	if !s.DriverAlive {
		reasons = append(reasons, Reason{Code: ReasonDriverDead, Detail: "scheduler driver is not running"})
	}
	if s.HeartbeatAge > timeout {
		reasons = append(reasons, Reason{Code: ReasonHeartbeatTimeout, Detail: "heartbeat timeout"})
	}
	if s.ScheduledJobCount == 0 && s.EnabledEntries > 0 {
		reasons = append(reasons, Reason{Code: ReasonNoScheduledJobs, Detail: "no jobs registered while schedule entries are enabled"})
	}
	return reasons
}

func (m *Monitor) enabledEntries(ctx context.Context) int {
	m.mu.Lock()
	prev := m.enabled
	m.mu.Unlock()
	if m.src == nil {
		return prev
	}

	entries, err := m.src.List(ctx)
	if err != nil {
		m.log.Warn("health: list schedule entries failed", logx.Err(err))
		return prev
	}
	n := 0
	for _, e := range entries {
		if e.Enabled {
			n++
		}
	}
	m.mu.Lock()
	m.enabled = n
	m.mu.Unlock()
	return n
}

func (m *Monitor) processStats(ctx context.Context) Process {
	ps := Process{PID: int32(os.Getpid()), Goroutines: runtime.NumGoroutine()}
	if m.proc == nil {
		return ps
	}

	m.procMu.Lock()
	defer m.procMu.Unlock()
	if mi, err := m.proc.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		ps.RSSBytes = mi.RSS
	}
	// Percent with a zero interval measures since the previous call.
	if pct, err := m.proc.PercentWithContext(ctx, 0); err == nil {
		ps.CPUPercent = pct
	}
	if ct, err := m.proc.CreateTimeWithContext(ctx); err == nil && ct > 0 {
		ps.Uptime = max(m.now().Sub(time.UnixMilli(ct)), 0)
	}
	return ps
}
