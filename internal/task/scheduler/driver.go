package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"cronward/internal/ledger"
	"cronward/internal/runtime/supervisor"
	"cronward/internal/schedule"
	logx "cronward/pkg/logx"
)

var ErrNotRunning = errors.New("scheduler driver not running")

// missed fire times are collapsed by walking at most this many schedule steps.
const maxCatchUpSteps = 10_000

type loopHandle struct {
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

type Driver struct {
	state *State
	src   Source
	trig  Triggerer
	log   logx.Logger
	sup   *supervisor.Supervisor
	now   func() time.Time

	// life serializes Start and Stop, including Stop's wait for the loop.
	life sync.Mutex
	mu   sync.Mutex
	cfg  Config
	cur  *loopHandle
	memo map[string]memo

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

type Option func(*Driver)

// WithSupervisor runs loops under sup. Loop contexts derive from sup's.
func WithSupervisor(sup *supervisor.Supervisor) Option { return func(d *Driver) { d.sup = sup } }

func WithClock(now func() time.Time) Option {
	return func(d *Driver) {
		if now != nil {
			d.now = now
		}
	}
}

func New(cfg Config, state *State, src Source, trig Triggerer, log logx.Logger, opts ...Option) *Driver {
	if log.IsZero() {
		log = logx.Nop()
	}
	if state == nil {
		state = NewState()
	}
	d := &Driver{
		state:    state,
		src:      src,
		trig:     trig,
		log:      log,
		now:      time.Now,
		cfg:      cfg.withDefaults(),
		memo:     map[string]memo{},
		lastWarn: map[string]time.Time{},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Driver) State() *State { return d.state }

// Alive reports whether the current generation's loop is running.
func (d *Driver) Alive() bool { return d.state.Alive() }

// Apply replaces the configuration. Tick and location changes take effect on
// the next Start.
func (d *Driver) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	d.mu.Unlock()
}

// Start loads every schedule entry and launches a new loop generation. It is
// a no-op while a live loop exists. ctx bounds only the entry load.
func (d *Driver) Start(ctx context.Context) error {
	d.life.Lock()
	defer d.life.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cur != nil && d.state.Alive() {
		return nil
	}
	entries, err := d.src.List(ctx)
	if err != nil {
		return errors.Wrap(err, "load schedule entries")
	}
	if d.cur != nil {
		// The previous loop died on its own; release its context.
		d.cur.cancel()
		d.rememberLocked()
	}

	gen := d.state.advance()
	n := d.loadLocked(entries, d.now())

	base := context.Background()
	if d.sup != nil {
		base = d.sup.Context()
	}
	loopCtx, cancel := context.WithCancel(base)
	h := &loopHandle{gen: gen, cancel: cancel, done: make(chan struct{})}
	d.cur = h
	d.state.markLive(gen)

	run := func(context.Context) error { return d.loop(loopCtx, h) }
	if d.sup != nil {
		d.sup.Go("scheduler.loop", run)
	} else {
		go func() { _ = run(loopCtx) }()
	}
	d.log.Info("driver started",
		logx.Int64("generation", int64(gen)),
		logx.Int("entries", n),
		logx.Duration("tick", d.cfg.Tick),
		logx.String("tz", d.cfg.Location.String()),
	)
	return nil
}

// Stop cancels the loop and waits for it until ctx ends or the stop grace
// passes. The generation is abandoned either way, so a loop that did not exit
// in time is fenced off from the heartbeat and from triggering.
func (d *Driver) Stop(ctx context.Context) error {
	d.life.Lock()
	defer d.life.Unlock()
	d.mu.Lock()
	h := d.cur
	d.cur = nil
	grace := d.cfg.StopGrace
	d.mu.Unlock()
	if h == nil {
		return nil
	}

	start := time.Now()
	h.cancel()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	forced := false
	select {
	case <-h.done:
	case <-ctx.Done():
		forced = true
	case <-timer.C:
		forced = true
	}

	d.state.advance()
	d.state.markDead(h.gen)
	d.mu.Lock()
	d.clearLocked()
	d.mu.Unlock()

	if forced {
		d.log.Warn("driver loop did not exit; generation abandoned",
			logx.Int64("generation", int64(h.gen)), logx.Duration("waited", time.Since(start)))
		return nil
	}
	d.log.Info("driver stopped", logx.Int64("generation", int64(h.gen)), logx.Duration("took", time.Since(start)))
	return nil
}

// Reload rebuilds the job table from the source. Entries whose expression is
// unchanged keep their last check time.
func (d *Driver) Reload(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cur == nil {
		return 0, ErrNotRunning
	}
	entries, err := d.src.List(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "load schedule entries")
	}
	d.rememberLocked()
	n := d.loadLocked(entries, d.now())
	d.log.Info("driver reloaded", logx.Int("entries", n))
	return n, nil
}

// RunNow triggers taskType immediately through the same path as ticks.
func (d *Driver) RunNow(ctx context.Context, taskType string) (ledger.LockResult, error) {
	res, err := d.trig.Trigger(ctx, taskType, ledger.TriggerManual)
	d.record(taskType, res, err, d.now())
	return res, err
}

func (d *Driver) loadLocked(entries []schedule.Entry, now time.Time) int {
	jobs := make(map[string]*job, len(entries))
	for _, e := range entries {
		sched, err := schedule.Parse(e.CronExpression, d.cfg.Location)
		if err != nil {
			d.log.Warn("schedule entry ignored", logx.TaskType(e.TaskType), logx.String("cron", e.CronExpression), logx.Err(err))
			continue
		}
		j := &job{
			taskType:    e.TaskType,
			expr:        e.CronExpression,
			description: e.Description,
			enabled:     e.Enabled,
			sched:       sched,
			state:       EntryIdle,
			lastCheck:   now,
		}
		if m, ok := d.memo[e.TaskType]; ok && m.expr == e.CronExpression && !m.lastCheck.IsZero() {
			j.lastCheck = m.lastCheck
			j.prev = m.prev
		}
		jobs[e.TaskType] = j
	}
	d.state.mu.Lock()
	for tt, old := range d.state.jobs {
		if j, ok := jobs[tt]; ok {
			j.lastResult, j.lastErr, j.lastExecID, j.lastAt = old.lastResult, old.lastErr, old.lastExecID, old.lastAt
		}
	}
	d.state.jobs = jobs
	d.state.mu.Unlock()
	return len(jobs)
}

func (d *Driver) rememberLocked() {
	d.state.mu.RLock()
	for tt, j := range d.state.jobs {
		d.memo[tt] = memo{expr: j.expr, lastCheck: j.lastCheck, prev: j.prev}
	}
	d.state.mu.RUnlock()
}

func (d *Driver) clearLocked() {
	d.rememberLocked()
	d.state.mu.Lock()
	d.state.jobs = map[string]*job{}
	d.state.mu.Unlock()
}

func (d *Driver) loop(ctx context.Context, h *loopHandle) error {
	defer close(h.done)
	defer d.state.markDead(h.gen)

	d.mu.Lock()
	every := d.cfg.Tick
	d.mu.Unlock()
	t := time.NewTicker(every)
	defer t.Stop()

	if !d.tick(ctx, h.gen, d.now()) {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if !d.tick(ctx, h.gen, d.now()) {
				return nil
			}
		}
	}
}

// tick runs one pass for generation gen. It returns false once gen is fenced.
func (d *Driver) tick(ctx context.Context, gen uint64, now time.Time) bool {
	if !d.state.Beat(gen, now) {
		return false
	}
	d.mu.Lock()
	grace := d.cfg.MisfireGrace
	d.mu.Unlock()

	var due []string
	d.state.mu.Lock()
	for _, j := range d.state.jobs {
		last := j.lastCheck
		j.lastCheck = now
		if !j.enabled || j.state != EntryIdle {
			continue
		}
		fire, ok := latestFire(j, last, now)
		if !ok {
			continue
		}
		j.prev = fire
		if late := now.Sub(fire); late > grace {
			j.lastResult = ResultMissed
			j.lastAt = now
			d.log.Warn("fire time missed; skipping", logx.TaskType(j.taskType), logx.Time("fire", fire), logx.Duration("late", late))
			continue
		}
		j.state = EntryDue
		due = append(due, j.taskType)
	}
	d.state.mu.Unlock()

	sort.Strings(due)
	for _, tt := range due {
		if ctx.Err() != nil || d.state.Generation() != gen {
			d.setState(tt, EntryIdle)
			continue
		}
		d.setState(tt, EntryTriggering)
		res, err := d.trig.Trigger(ctx, tt, ledger.TriggerSchedule)
		d.record(tt, res, err, now)
	}
	return true
}

// latestFire returns the most recent fire time in (last, now]. Several missed
// fire times collapse into the latest.
func latestFire(j *job, last, now time.Time) (time.Time, bool) {
	fire := j.sched.Next(last)
	if fire.IsZero() || fire.After(now) {
		return time.Time{}, false
	}
	for i := 0; i < maxCatchUpSteps; i++ {
		n := j.sched.Next(fire)
		if n.IsZero() || n.After(now) {
			break
		}
		fire = n
	}
	return fire, true
}

func (d *Driver) setState(taskType string, st EntryState) {
	d.state.mu.Lock()
	if j, ok := d.state.jobs[taskType]; ok {
		j.state = st
	}
	d.state.mu.Unlock()
}

func (d *Driver) record(taskType string, res ledger.LockResult, err error, at time.Time) {
	d.state.mu.Lock()
	if j, ok := d.state.jobs[taskType]; ok {
		j.state = EntryIdle
		j.lastAt = at
		j.lastErr = ""
		switch {
		case err != nil:
			j.lastResult = ResultError
			j.lastErr = err.Error()
		case res.Acquired:
			j.lastResult = ResultAcquired
			j.lastExecID = res.ExecutionID
		default:
			j.lastResult = ResultSkipped
		}
	}
	d.state.mu.Unlock()

	switch {
	case err != nil:
		d.reportTriggerError(taskType, err)
	case !res.Acquired:
		d.log.Info("trigger skipped; run in progress", logx.TaskType(taskType), logx.Int64("holder_id", res.HolderID))
	}
}

const triggerWarnThrottle = 5 * time.Minute

// reportTriggerError logs at most once per throttle window per task type.
func (d *Driver) reportTriggerError(taskType string, err error) {
	now := time.Now()
	d.warnMu.Lock()
	last := d.lastWarn[taskType]
	if !last.IsZero() && now.Sub(last) < triggerWarnThrottle {
		d.warnMu.Unlock()
		return
	}
	d.lastWarn[taskType] = now
	d.warnMu.Unlock()
	d.log.Error("trigger failed", logx.TaskType(taskType), logx.Err(err))
}

// Snapshot describes the job table, sorted by task type.
func (d *Driver) Snapshot() Snapshot {
	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()
	now := d.now()

	snap := Snapshot{
		Alive:       d.state.Alive(),
		Generation:  d.state.Generation(),
		HeartbeatAt: d.state.HeartbeatAt(),
		Tick:        cfg.Tick,
		Timezone:    cfg.Location.String(),
		Entries:     []EntryInfo{},
	}
	d.state.mu.RLock()
	for _, j := range d.state.jobs {
		info := EntryInfo{
			TaskType:        j.taskType,
			CronExpression:  j.expr,
			Description:     j.description,
			Enabled:         j.enabled,
			State:           j.state,
			Prev:            j.prev,
			LastResult:      j.lastResult,
			LastError:       j.lastErr,
			LastExecutionID: j.lastExecID,
			LastTriggeredAt: j.lastAt,
		}
		if j.enabled {
			info.Next = j.sched.Next(now)
		}
		snap.Entries = append(snap.Entries, info)
	}
	d.state.mu.RUnlock()
	sort.Slice(snap.Entries, func(a, b int) bool { return snap.Entries[a].TaskType < snap.Entries[b].TaskType })
	return snap
}
