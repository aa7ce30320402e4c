package jobrunner

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"cronward/internal/eventbus"
	"cronward/internal/ledger"
	logx "cronward/pkg/logx"
)

const DefaultHeartbeatEvery = 30 * time.Second

// Event kinds published on the bus as "execution.<kind>".
const (
	KindStarted  = "started"
	KindFinished = "finished"

	EventStarted  = "execution.started"
	EventFinished = "execution.finished"
)

// Event is the payload of execution events.
type Event struct {
	Kind        string         `json:"kind"`
	TaskType    string         `json:"task_type"`
	ExecutionID int64          `json:"execution_id"`
	Trigger     ledger.Trigger `json:"trigger"`
	Status      ledger.Status  `json:"status,omitempty"`
	Duration    time.Duration  `json:"duration,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorType   string         `json:"error_type,omitempty"`
}

// Outcome describes a finished run started by RunSync.
type Outcome struct {
	Lock      ledger.LockResult
	Status    ledger.Status
	Err       error
	ErrorType string
	Duration  time.Duration
}

// Ledger is what the runner needs from the execution ledger.
type Ledger interface {
	heartbeater
	Acquire(ctx context.Context, taskType string, opts ...ledger.AcquireOption) (ledger.LockResult, error)
	Complete(ctx context.Context, id int64, token string, status ledger.Status, sum ledger.Summary) error
}

// Gauge tracks job bodies in flight.
type Gauge interface {
	JobStarted()
	JobFinished()
}

type Runner struct {
	led   Ledger
	reg   *Registry
	log   logx.Logger
	bus   eventbus.Bus
	gauge Gauge
	every time.Duration

	// Job contexts derive from base, which is cancelled only by Shutdown.
	base   context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	mu       sync.Mutex
	inflight map[int64]string
	closed   atomic.Bool
}

type Option func(*Runner)

func WithBus(b eventbus.Bus) Option {
	return func(r *Runner) {
		if b != nil {
			r.bus = b
		}
	}
}

// WithHeartbeatEvery sets the auto-heartbeat interval; non-positive keeps the default.
func WithHeartbeatEvery(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.every = d
		}
	}
}

func WithGauge(g Gauge) Option { return func(r *Runner) { r.gauge = g } }

func New(led Ledger, reg *Registry, log logx.Logger, opts ...Option) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	if reg == nil {
		reg = NewRegistry()
	}
	base, cancel := context.WithCancel(context.Background())
	r := &Runner{
		led:      led,
		reg:      reg,
		log:      log,
		bus:      eventbus.Nop(),
		every:    DefaultHeartbeatEvery,
		base:     base,
		cancel:   cancel,
		inflight: map[int64]string{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Runner) Registry() *Registry { return r.reg }

// Trigger acquires the run slot for taskType and starts the job body in the
// background. A result with Acquired=false and a nil error is a skip.
func (r *Runner) Trigger(ctx context.Context, taskType string, trig ledger.Trigger) (ledger.LockResult, error) {
	if err := r.admit(); err != nil {
		return ledger.LockResult{}, err
	}
	job, res, err := r.acquire(ctx, taskType, trig)
	if err != nil || !res.Acquired {
		r.wg.Done()
		return res, err
	}
	go func() {
		defer r.wg.Done()
		r.execute(r.base, job, taskType, trig, res)
	}()
	return res, nil
}

// RunSync acquires and runs taskType in the calling goroutine. The job sees
// ctx, so cancelling it records the run as cancelled.
func (r *Runner) RunSync(ctx context.Context, taskType string, trig ledger.Trigger) (Outcome, error) {
	if err := r.admit(); err != nil {
		return Outcome{}, err
	}
	defer r.wg.Done()
	job, res, err := r.acquire(ctx, taskType, trig)
	if err != nil || !res.Acquired {
		return Outcome{Lock: res}, err
	}
	return r.execute(ctx, job, taskType, trig, res), nil
}

// admit counts a call in the wait group unless Shutdown has begun. The check
// and the Add share r.mu with Shutdown, so no Add can follow its Wait.
func (r *Runner) admit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return ErrStopped
	}
	r.wg.Add(1)
	return nil
}

func (r *Runner) acquire(ctx context.Context, taskType string, trig ledger.Trigger) (Job, ledger.LockResult, error) {
	job, ok := r.reg.Get(taskType)
	if !ok {
		return nil, ledger.LockResult{}, errors.Wrapf(ErrUnknownTask, "%q", taskType)
	}
	res, err := r.led.Acquire(ctx, taskType, ledger.WithTrigger(trig))
	if err != nil {
		return nil, res, err
	}
	if !res.Acquired {
		r.log.Info("run skipped; slot held", logx.TaskType(taskType), logx.Int64("holder_id", res.HolderID), logx.String("trigger", string(trig)))
	}
	return job, res, nil
}

func (r *Runner) execute(ctx context.Context, job Job, taskType string, trig ledger.Trigger, res ledger.LockResult) Outcome {
	h := newHandle(r.led, res, taskType, r.every, r.log)
	r.track(res.ExecutionID, taskType, true)
	defer r.track(res.ExecutionID, taskType, false)

	start := time.Now()
	r.bus.Publish(eventbus.Event{Type: EventStarted, Time: start, Data: Event{
		Kind: KindStarted, TaskType: taskType, ExecutionID: res.ExecutionID, Trigger: trig,
	}})
	h.log.Info("execution started", logx.String("trigger", string(trig)))

	go h.pump()
	sum, stack, err := safeRun(ctx, job, h)
	h.stopPump()

	out := Outcome{Lock: res, Err: err}
	switch {
	case stack != "":
		out.Status = ledger.StatusError
		out.ErrorType = "panic"
		sum.ErrorMessage = err.Error()
		sum.ErrorType = out.ErrorType
		sum.StackTrace = stack
	case err != nil && ctx.Err() != nil:
		out.Status = ledger.StatusCancelled
		out.ErrorType = "cancelled"
		if sum.Message == "" {
			sum.Message = "cancelled: " + err.Error()
		}
	case err != nil:
		out.Status = ledger.StatusError
		out.ErrorType = ErrorType(err)
		sum.ErrorMessage = err.Error()
		sum.ErrorType = out.ErrorType
	default:
		out.Status = ledger.StatusSuccess
	}
	fillCounters(&sum, h)

	// Record the outcome even when ctx is already cancelled by shutdown.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	cerr := r.led.Complete(cctx, res.ExecutionID, res.LockToken, out.Status, sum)
	cancel()
	out.Duration = time.Since(start)

	fields := []logx.Field{logx.String("status", string(out.Status)), logx.Duration("took", out.Duration)}
	switch {
	case cerr != nil:
		h.log.Error("execution outcome not recorded", append(fields, logx.Err(cerr))...)
	case out.Status == ledger.StatusError:
		h.log.Warn("execution failed", append(fields, logx.String("error_type", out.ErrorType), logx.Err(err))...)
	default:
		h.log.Info("execution finished", fields...)
	}

	ev := Event{
		Kind: KindFinished, TaskType: taskType, ExecutionID: res.ExecutionID, Trigger: trig,
		Status: out.Status, Duration: out.Duration, ErrorType: out.ErrorType,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	r.bus.Publish(eventbus.Event{Type: EventFinished, Data: ev})
	return out
}

// safeRun converts a panic into an error plus the goroutine stack.
func safeRun(ctx context.Context, job Job, h *Handle) (sum ledger.Summary, stack string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Newf("panic: %v", p)
			stack = string(debug.Stack())
			h.log.Error("job panicked", logx.String("panic", fmt.Sprint(p)))
		}
	}()
	sum, err = job.Run(ctx, h)
	return sum, "", err
}

func fillCounters(sum *ledger.Summary, h *Handle) {
	processed, success, failed := h.Counters()
	if sum.ItemsProcessed == nil && processed > 0 {
		sum.ItemsProcessed = ledger.Ptr(processed)
	}
	if sum.ItemsSuccess == nil && success > 0 {
		sum.ItemsSuccess = ledger.Ptr(success)
	}
	if sum.ItemsFailed == nil && failed > 0 {
		sum.ItemsFailed = ledger.Ptr(failed)
	}
}

func (r *Runner) track(id int64, taskType string, add bool) {
	r.mu.Lock()
	if add {
		r.inflight[id] = taskType
	} else {
		delete(r.inflight, id)
	}
	r.mu.Unlock()
	if r.gauge == nil {
		return
	}
	if add {
		r.gauge.JobStarted()
	} else {
		r.gauge.JobFinished()
	}
}

// InFlight returns execution ids of job bodies running in this process.
func (r *Runner) InFlight() map[int64]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64]string, len(r.inflight))
	for k, v := range r.inflight {
		out[k] = v
	}
	return out
}

// Wait blocks until every in-flight job has finished or ctx ends.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait for jobs")
	}
}

// Shutdown refuses new runs, cancels running job bodies and waits for them
// to record their outcome.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed.Store(true)
	r.mu.Unlock()
	r.cancel()
	return r.Wait(ctx)
}
