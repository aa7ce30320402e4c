// Package recovery restarts the scheduling driver when the health monitor
// reports it unhealthy. Restarts are bounded by a sliding window.
package recovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"cronward/internal/health"
	"cronward/internal/ledger"
	"cronward/internal/telemetry"
	logx "cronward/pkg/logx"
)

const (
	DefaultMaxRestarts = 3
	DefaultWindow      = time.Hour
	DefaultGrace       = 10 * time.Second
)

// Driver is the part of the scheduling driver recovery needs.
type Driver interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Alive() bool
}

type Auditor interface {
	Record(ctx context.Context, rec ledger.AuditRecord) (int64, error)
}

type Alerter interface {
	Notify(ctx context.Context, text string) error
}

type Observer interface {
	Recovery(outcome string)
}

// Config controls the limiter.
//
// Defaults:
//   - MaxRestarts: 3 per Window
//   - Window: 1h
//   - Grace: 10s for the graceful stop
type Config struct {
	MaxRestarts int
	Window      time.Duration
	Grace       time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = DefaultMaxRestarts
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Grace <= 0 {
		c.Grace = DefaultGrace
	}
	return c
}

type Result struct {
	Restarted bool
	Throttled bool
	// Attempt is the number of restarts inside the current window,
	// including this one.
	Attempt int
	Err     error
}

type Controller struct {
	driver Driver
	log    logx.Logger
	audit  Auditor
	alert  Alerter
	obs    Observer
	now    func() time.Time

	// mu serialises recoveries and guards the window.
	mu        sync.Mutex
	cfg       Config
	restarts  []time.Time
	alertedAt time.Time
}

type Option func(*Controller)

func WithAuditor(a Auditor) Option   { return func(c *Controller) { c.audit = a } }
func WithAlerter(a Alerter) Option   { return func(c *Controller) { c.alert = a } }
func WithObserver(o Observer) Option { return func(c *Controller) { c.obs = o } }

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

func New(cfg Config, d Driver, log logx.Logger, opts ...Option) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Controller{
		driver: d,
		log:    log,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Controller) Apply(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg.withDefaults()
	c.mu.Unlock()
}

// Recent returns the restart times inside the current window.
func (c *Controller) Recent() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(c.now())
	return append([]time.Time(nil), c.restarts...)
}

// Recover restarts the driver unless the window is exhausted. It never
// panics; failures end up in Result.Err.
func (c *Controller) Recover(ctx context.Context, reasons []health.Reason) (res Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			res = Result{Attempt: res.Attempt, Err: errors.Newf("recovery panicked: %v", p)}
			c.log.Error("scheduler recovery panicked", logx.Any("panic", p))
			c.observe(telemetry.RecoveryFailed)
		}
	}()

	now := c.now()
	c.pruneLocked(now)
	summary := describe(reasons)

	if len(c.restarts) >= c.cfg.MaxRestarts {
		c.log.Error("scheduler recovery exhausted",
			logx.Int("restarts", len(c.restarts)),
			logx.Int("max_restarts", c.cfg.MaxRestarts),
			logx.Duration("window", c.cfg.Window),
			logx.String("reasons", summary),
		)
		c.observe(telemetry.RecoveryThrottled)
		if c.alertedAt.IsZero() || now.Sub(c.alertedAt) >= c.cfg.Window {
			c.alertedAt = now
			c.sendAlert(ctx, fmt.Sprintf("cronward: scheduler recovery exhausted (%d restarts in %s); last reasons: %s",
				len(c.restarts), c.cfg.Window, summary))
		}
		return Result{Throttled: true, Attempt: len(c.restarts)}
	}

	c.restarts = append(c.restarts, now)
	attempt := len(c.restarts)
	log := c.log.With(logx.Int("attempt", attempt), logx.String("reasons", summary))
	log.Warn("restarting scheduler driver")

	err := c.restart(ctx)
	took := c.now().Sub(now)

	rec := ledger.AuditRecord{
		TaskType: ledger.SchedulerTaskType,
		Trigger:  ledger.TriggerRecovery,
		Details: map[string]any{
			"reasons": reasonCodes(reasons),
			"attempt": attempt,
			"took_ms": took.Milliseconds(),
		},
	}
	if err != nil {
		rec.Status = ledger.StatusError
		rec.Message = "scheduler restart failed: " + summary
		rec.ErrorMessage = err.Error()
		rec.ErrorType = "recovery_failed"
	} else {
		rec.Status = ledger.StatusSuccess
		rec.Message = "scheduler restarted: " + summary
	}
	c.record(ctx, rec)

	if err != nil {
		log.Error("scheduler restart failed", logx.Err(err))
		c.observe(telemetry.RecoveryFailed)
		c.sendAlert(ctx, fmt.Sprintf("cronward: scheduler restart failed (attempt %d): %v", attempt, err))
		return Result{Attempt: attempt, Err: err}
	}

	log.Info("scheduler driver restarted", logx.Duration("took", took))
	c.observe(telemetry.RecoveryRestarted)
	return Result{Restarted: true, Attempt: attempt}
}

func (c *Controller) restart(ctx context.Context) error {
	sctx, cancel := context.WithTimeout(ctx, c.cfg.Grace)
	err := c.driver.Stop(sctx)
	cancel()
	if err != nil {
		c.log.Warn("graceful stop failed; starting anyway", logx.Err(err))
	}
	if err := c.driver.Start(ctx); err != nil {
		return errors.Wrap(err, "start driver")
	}
	if !c.driver.Alive() {
		return errors.WithHint(errors.New("driver not alive after start"),
			"check the schedule store and the storage connection")
	}
	return nil
}

func (c *Controller) pruneLocked(now time.Time) {
	cut := now.Add(-c.cfg.Window)
	keep := c.restarts[:0]
	for _, t := range c.restarts {
		if t.After(cut) {
			keep = append(keep, t)
		}
	}
	c.restarts = keep
}

func (c *Controller) record(ctx context.Context, rec ledger.AuditRecord) {
	if c.audit == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := c.audit.Record(actx, rec); err != nil {
		c.log.Warn("recovery audit row not written", logx.Err(err))
	}
}

func (c *Controller) sendAlert(ctx context.Context, text string) {
	if c.alert == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.alert.Notify(actx, text); err != nil {
		c.log.Warn("recovery alert failed", logx.Err(err))
	}
}

func (c *Controller) observe(outcome string) {
	if c.obs != nil {
		c.obs.Recovery(outcome)
	}
}

func reasonCodes(rs []health.Reason) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.Code)
	}
	return out
}

func describe(rs []health.Reason) string {
	if len(rs) == 0 {
		return "unspecified"
	}
	parts := make([]string, 0, len(rs))
	for _, r := range rs {
		if r.Detail != "" {
			parts = append(parts, r.Code+": "+r.Detail)
		} else {
			parts = append(parts, r.Code)
		}
	}
	return strings.Join(parts, "; ")
}
