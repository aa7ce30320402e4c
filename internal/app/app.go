package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/coreos/go-systemd/v22/daemon"

	"cronward/internal/admin"
	"cronward/internal/config"
	"cronward/internal/eventbus"
	"cronward/internal/health"
	"cronward/internal/jobrunner"
	"cronward/internal/ledger"
	"cronward/internal/notify"
	"cronward/internal/recovery"
	"cronward/internal/runtime/supervisor"
	"cronward/internal/task/scheduler"
	logx "cronward/pkg/logx"
)

// App is the long-running daemon: driver, monitor, recovery, alerts and the
// admin API on top of Core.
type App struct {
	core *Core
	log  logx.Logger

	sup      *supervisor.Supervisor
	schedSup *supervisor.Supervisor

	driver   *scheduler.Driver
	monitor  *health.Monitor
	recovery *recovery.Controller
	notif    *notify.Service
	alerts   notify.Notifier
	admin    *admin.Server

	schedulerOn atomic.Bool
	recoveryOn  atomic.Bool
	adminOn     atomic.Bool

	sdNotify func(state string) (bool, error)
	sender   notify.Sender
}

type Option func(*App)

// WithSdNotify replaces the systemd notifier.
func WithSdNotify(fn func(state string) (bool, error)) Option {
	return func(a *App) {
		if fn != nil {
			a.sdNotify = fn
		}
	}
}

// WithSender delivers alerts through s instead of Telegram.
func WithSender(s notify.Sender) Option { return func(a *App) { a.sender = s } }

func New(core *Core, opts ...Option) *App {
	a := &App{
		core:     core,
		log:      core.Log,
		sdNotify: func(s string) (bool, error) { return daemon.SdNotify(false, s) },
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *App) Driver() *scheduler.Driver      { return a.driver }
func (a *App) Monitor() *health.Monitor       { return a.monitor }
func (a *App) Recovery() *recovery.Controller { return a.recovery }

// AdminAddr is the bound admin address, or "" when the API is off.
func (a *App) AdminAddr() string {
	if a.admin == nil {
		return ""
	}
	return a.admin.Addr()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	core := a.core
	cfg := core.Config.Get()

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	// Driver loop failures are for the monitor to handle, not fatal.
	a.schedSup = supervisor.New(a.sup.Context(),
		supervisor.WithLogger(a.log.With(logx.String("comp", "scheduler"))),
		supervisor.WithCancelOnError(false),
	)

	core.Config.SetValidator(func(_ context.Context, c *config.Config) error { return validate(c) })

	if cfg.Ledger.ForceCompleteOnStart {
		n, err := core.Ledger.ForceCompleteRunning(ctx, "process restart")
		if err != nil {
			return errors.Wrap(err, "force-complete on start")
		}
		if n > 0 {
			a.log.Warn("running executions force-completed on start", logx.Int64("count", n))
		}
	}
	if _, err := core.Seed(ctx, cfg); err != nil {
		return errors.Wrap(err, "seed schedule defaults")
	}
	core.WarnUnregistered(ctx)

	if err := a.startAlerts(cfg); err != nil {
		return err
	}

	dcfg, _ := mapDriverConfig(cfg)
	a.driver = scheduler.New(dcfg, nil, core.Schedules, core.Runner,
		a.log.With(logx.String("comp", "scheduler")),
		scheduler.WithSupervisor(a.schedSup),
	)

	rcfg, _ := mapRecoveryConfig(cfg)
	a.recovery = recovery.New(rcfg, a.driver, a.log.With(logx.String("comp", "recovery")),
		recovery.WithAuditor(core.Ledger),
		recovery.WithAlerter(a.alerts),
		recovery.WithObserver(core.Metrics),
	)
	a.recoveryOn.Store(config.BoolOr(cfg.Recovery.Enabled, true))

	mcfg, _ := mapMonitorConfig(cfg)
	a.monitor = health.New(mcfg, a.driver.State(), core.Schedules, a.log.With(logx.String("comp", "health")),
		health.WithRecover(a.recoverDriver),
		health.WithSchedulerEnabled(a.schedulerOn.Load),
		health.WithObserver(core.Metrics),
		health.WithSupervisor(a.schedSup),
		health.WithNotifier(a.sdNotify),
	)

	if config.BoolOr(cfg.Scheduler.Enabled, true) {
		if err := a.driver.Start(ctx); err != nil {
			return err
		}
		a.schedulerOn.Store(true)
	} else {
		a.log.Warn("scheduler disabled; only manual and cli triggers will run")
	}
	a.sup.Go("health.monitor", a.monitor.Run)

	acfg, _ := mapAdminConfig(cfg)
	a.admin = admin.NewServer(acfg, a.apiHandler(cfg), a.log.With(logx.String("comp", "admin")))
	if cfg.Admin.Enabled {
		if err := a.admin.Start(a.sup.Context()); err != nil {
			return errors.Wrap(err, "start admin")
		}
		a.adminOn.Store(true)
	}

	a.watchEvents()

	sub := core.Config.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	if core.Config.Path() != "" {
		a.sup.Go("config.watch", core.Config.Watch)
	}

	if _, err := a.sdNotify(daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	}
	a.log.Info("app started",
		logx.Strs("jobs", core.Jobs),
		logx.Bool("scheduler", a.schedulerOn.Load()),
		logx.Bool("admin", a.adminOn.Load()),
	)
	return nil
}

func (a *App) startAlerts(cfg *config.Config) error {
	sender := a.sender
	if sender == nil && cfg.Notify.Telegram.Enabled {
		tc, err := mapTelegramConfig(cfg)
		if err != nil {
			return err
		}
		tg, err := notify.NewTelegram(tc)
		if err != nil {
			return err
		}
		sender = tg
	}
	if sender == nil {
		a.alerts = notify.Nop{}
		return nil
	}
	a.notif = notify.New(mapNotifyConfig(cfg), sender, a.log.With(logx.String("comp", "notify")))
	a.notif.Start(a.sup.Context())
	a.alerts = a.notif
	return nil
}

func (a *App) apiHandler(cfg *config.Config) http.Handler {
	runLimit := cfg.Admin.RunPerMinute
	if runLimit <= 0 {
		runLimit = admin.DefaultRunPerMinute
	}
	api := admin.NewAPI(admin.Deps{
		Ledger:    a.core.Ledger,
		Schedules: a.core.Schedules,
		Driver:    a.driver,
		Health:    a.monitor,
		Metrics:   a.core.Metrics.Handler(),
		Rate:      a.core.Metrics,
		Retention: a.core.Retention,
	}, a.log.With(logx.String("comp", "admin")),
		admin.WithToken(cfg.Admin.Token),
		admin.WithPprof(cfg.Admin.Pprof),
		admin.WithRunLimit(runLimit),
	)
	return api.Router()
}

func (a *App) recoverDriver(ctx context.Context, reasons []health.Reason) {
	if !a.recoveryOn.Load() {
		a.log.Warn("auto-recovery disabled; leaving scheduler as is")
		return
	}
	if !a.schedulerOn.Load() {
		return
	}
	res := a.recovery.Recover(ctx, reasons)
	if res.Err != nil {
		a.log.Error("scheduler recovery failed", logx.Int("attempt", res.Attempt), logx.Err(res.Err))
	}
}

// watchEvents logs execution events and alerts on failed jobs when enabled.
func (a *App) watchEvents() {
	events, unsub := a.core.Bus.Subscribe(128)
	a.sup.Go0("eventbus.watch", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.onEvent(c, e)
			}
		}
	})
}

func (a *App) onEvent(ctx context.Context, e eventbus.Event) {
	ev, ok := e.Data.(jobrunner.Event)
	if !ok {
		return
	}
	a.log.Debug("event", logx.String("type", e.Type), logx.TaskType(ev.TaskType), logx.ExecID(ev.ExecutionID))
	if e.Type != jobrunner.EventFinished || ev.Status != ledger.StatusError {
		return
	}
	if cfg := a.core.Config.Get(); cfg == nil || !cfg.Notify.OnJobError {
		return
	}
	text := fmt.Sprintf("cronward: %s #%d failed", ev.TaskType, ev.ExecutionID)
	if ev.ErrorType != "" {
		text += " (" + ev.ErrorType + ")"
	}
	if ev.Error != "" {
		text += ": " + ev.Error
	}
	if err := a.alerts.Notify(ctx, text); err != nil {
		a.log.Debug("job error alert not queued", logx.TaskType(ev.TaskType), logx.Err(err))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := a.sdNotify(daemon.SdNotifyStopping); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- errors.Newf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("admin", 2*time.Second, func(c context.Context) error {
		if a.admin != nil {
			a.admin.Stop(c)
		}
		return nil
	})
	step("scheduler", 3*time.Second, func(c context.Context) error {
		if a.driver == nil {
			return nil
		}
		return a.driver.Stop(c)
	})
	step("jobs", 10*time.Second, a.core.Runner.Shutdown)
	step("notify", 3*time.Second, func(c context.Context) error {
		if a.notif != nil {
			a.notif.Stop(c)
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.schedSup.Wait(c); err != nil {
			return err
		}
		return a.sup.Wait(c)
	})

	a.log.Info("stopped")
	a.core.Close()
	return nil
}

// reloadLoop fans config updates out to the live components.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.core.Config.Unsubscribe(sub)
	last := a.core.Config.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections := config.ChangedSections(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	has := func(s string) bool { return config.HasSection(sections, s) }

	if has("logging") {
		a.core.Logs.Apply(mapLogConfig(next))
	}
	for _, s := range []string{"storage", "runner", "jobs"} {
		if has(s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}
	if has("ledger") {
		if ls, err := mapLedgerConfig(next); err == nil {
			a.core.retention.Store(int64(ls.retention))
		}
		if prev.Ledger.StaleAfter != next.Ledger.StaleAfter || prev.Ledger.Hostname != next.Ledger.Hostname {
			a.log.Warn("ledger stale_after/hostname changed; restart required")
		}
	}
	if has("monitor") {
		if mc, err := mapMonitorConfig(next); err == nil {
			a.monitor.Apply(mc)
		}
	}
	if has("recovery") {
		if rc, err := mapRecoveryConfig(next); err == nil {
			a.recovery.Apply(rc)
		}
		a.recoveryOn.Store(config.BoolOr(next.Recovery.Enabled, true))
	}
	if has("notify") {
		if a.notif != nil {
			a.notif.Apply(mapNotifyConfig(next))
		}
		if prev.Notify.Telegram.Enabled != next.Notify.Telegram.Enabled || prev.Notify.Telegram.Token != next.Notify.Telegram.Token {
			a.log.Warn("telegram settings changed; restart required")
		}
	}
	if has("scheduler") {
		a.applyScheduler(ctx, prev, next)
	}
	if has("admin") {
		a.applyAdmin(ctx, next)
	}

	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}

func (a *App) applyScheduler(ctx context.Context, prev, next *config.Config) {
	dc, err := mapDriverConfig(next)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		return
	}
	a.driver.Apply(dc)

	if _, err := a.core.Seed(ctx, next); err != nil {
		a.log.Warn("schedule reseed failed", logx.Err(err))
	}

	want := config.BoolOr(next.Scheduler.Enabled, true)
	restart := prev.Scheduler.Tick != next.Scheduler.Tick ||
		prev.Scheduler.Timezone != next.Scheduler.Timezone ||
		prev.Scheduler.MisfireGrace != next.Scheduler.MisfireGrace

	switch {
	case !want && a.schedulerOn.Load():
		a.schedulerOn.Store(false)
		a.log.Info("scheduler disabled via config")
		_ = a.driver.Stop(ctx)
	case want && !a.schedulerOn.Load():
		a.log.Info("scheduler enabled via config")
		if err := a.driver.Start(ctx); err != nil {
			a.log.Error("scheduler start failed", logx.Err(err))
			return
		}
		a.schedulerOn.Store(true)
	case want && restart:
		_ = a.driver.Stop(ctx)
		if err := a.driver.Start(ctx); err != nil {
			a.log.Error("scheduler restart failed", logx.Err(err))
		}
	case want:
		if _, err := a.driver.Reload(ctx); err != nil {
			a.log.Warn("scheduler reload failed", logx.Err(err))
		}
	}
}

func (a *App) applyAdmin(ctx context.Context, next *config.Config) {
	ac, err := mapAdminConfig(next)
	if err != nil {
		a.log.Warn("invalid admin config; keeping previous", logx.Err(err))
		return
	}
	switch {
	case !next.Admin.Enabled:
		if a.adminOn.Swap(false) {
			a.log.Info("admin disabled via config")
			a.admin.Stop(ctx)
		}
	case a.adminOn.Load():
		if err := a.admin.Reconfigure(a.sup.Context(), ac, a.apiHandler(next)); err != nil {
			a.log.Error("admin reconfigure failed", logx.Err(err))
			if a.admin.Addr() == "" {
				a.adminOn.Store(false)
			}
		}
	default:
		if err := a.admin.Reconfigure(a.sup.Context(), ac, a.apiHandler(next)); err != nil {
			a.log.Error("admin config rejected", logx.Err(err))
			return
		}
		if err := a.admin.Start(a.sup.Context()); err != nil {
			a.log.Error("admin start failed", logx.Err(err))
			return
		}
		a.adminOn.Store(true)
		a.log.Info("admin enabled via config")
	}
}
