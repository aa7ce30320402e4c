package jobrunner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"cronward/internal/ledger"
	logx "cronward/pkg/logx"
)

// heartbeater is the slice of the ledger a handle needs.
type heartbeater interface {
	Heartbeat(ctx context.Context, id int64, token string, p ledger.Progress) error
}

// Handle is passed to a running job. Heartbeat, Progress and AddItems never
// block the caller; updates are coalesced and written by a pump goroutine.
type Handle struct {
	id       int64
	taskType string
	token    string
	log      logx.Logger
	led      heartbeater
	every    time.Duration

	mu      sync.Mutex
	pending ledger.Progress
	dirty   bool

	processed atomic.Int64
	success   atomic.Int64
	failed    atomic.Int64
	beats     atomic.Int64

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
	lost atomic.Bool
}

func newHandle(led heartbeater, res ledger.LockResult, taskType string, every time.Duration, log logx.Logger) *Handle {
	return &Handle{
		id:       res.ExecutionID,
		taskType: taskType,
		token:    res.LockToken,
		log:      log.With(logx.TaskType(taskType), logx.ExecID(res.ExecutionID)),
		led:      led,
		every:    every,
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (h *Handle) ID() int64           { return h.id }
func (h *Handle) TaskType() string    { return h.taskType }
func (h *Handle) Logger() logx.Logger { return h.log }

// Lost reports whether the ledger rejected a heartbeat because the row was
// reclaimed or completed elsewhere.
func (h *Handle) Lost() bool { return h.lost.Load() }

// Heartbeat queues p. Later non-nil fields replace earlier ones.
func (h *Handle) Heartbeat(p ledger.Progress) {
	h.mu.Lock()
	mergeProgress(&h.pending, p)
	h.dirty = true
	h.mu.Unlock()
	select {
	case h.kick <- struct{}{}:
	default:
	}
}

func (h *Handle) Progress(current, total int64, message string) {
	p := ledger.Progress{Current: ledger.Ptr(current), Total: ledger.Ptr(total)}
	if message != "" {
		p.Message = ledger.Ptr(message)
	}
	h.Heartbeat(p)
}

// AddItems adds to the success and failed counters; processed grows by both.
func (h *Handle) AddItems(success, failed int64) {
	if success < 0 || failed < 0 {
		return
	}
	h.success.Add(success)
	h.failed.Add(failed)
	h.processed.Add(success + failed)
	h.Heartbeat(ledger.Progress{})
}

// Counters returns processed, success and failed so far.
func (h *Handle) Counters() (processed, success, failed int64) {
	return h.processed.Load(), h.success.Load(), h.failed.Load()
}

func mergeProgress(dst *ledger.Progress, p ledger.Progress) {
	if p.ItemsProcessed != nil {
		dst.ItemsProcessed = p.ItemsProcessed
	}
	if p.ItemsSuccess != nil {
		dst.ItemsSuccess = p.ItemsSuccess
	}
	if p.ItemsFailed != nil {
		dst.ItemsFailed = p.ItemsFailed
	}
	if p.Current != nil {
		dst.Current = p.Current
	}
	if p.Total != nil {
		dst.Total = p.Total
	}
	if p.Message != nil {
		dst.Message = p.Message
	}
}

// pump writes heartbeats on every kick and on the auto-heartbeat ticker
// until stopped, then flushes once more.
func (h *Handle) pump() {
	defer close(h.done)
	var tick <-chan time.Time
	if h.every > 0 {
		t := time.NewTicker(h.every)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-h.stop:
			h.flush(false)
			return
		case <-h.kick:
			h.flush(false)
		case <-tick:
			h.flush(true)
		}
	}
}

func (h *Handle) stopPump() {
	close(h.stop)
	<-h.done
}

// flush sends pending progress. With force, a bare updated_at refresh is
// written even when nothing changed.
func (h *Handle) flush(force bool) {
	h.mu.Lock()
	p, dirty := h.pending, h.dirty
	h.pending, h.dirty = ledger.Progress{}, false
	h.mu.Unlock()
	if !dirty && !force {
		return
	}
	if h.lost.Load() {
		return
	}

	p.ItemsProcessed = maxPtr(p.ItemsProcessed, h.processed.Load())
	p.ItemsSuccess = maxPtr(p.ItemsSuccess, h.success.Load())
	p.ItemsFailed = maxPtr(p.ItemsFailed, h.failed.Load())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := h.led.Heartbeat(ctx, h.id, h.token, p)
	switch {
	case err == nil:
		h.beats.Add(1)
	case errors.Is(err, ledger.ErrTokenMismatch), errors.Is(err, ledger.ErrNotRunning), errors.Is(err, ledger.ErrNotFound):
		h.lost.Store(true)
		h.log.Warn("heartbeat rejected; execution no longer owned", logx.Err(err))
	default:
		h.log.Warn("heartbeat failed", logx.Err(err))
	}
}

func maxPtr(p *int64, v int64) *int64 {
	if p != nil && *p >= v {
		return p
	}
	if p == nil && v == 0 {
		return nil
	}
	return ledger.Ptr(v)
}
