// Package notify delivers operator alerts (recovery failures, exhausted
// restarts, failed jobs) through an asynchronous, rate limited queue.
//
// Delivery is best-effort. Identical texts inside the dedup window are
// suppressed, and a full queue drops the alert instead of blocking the caller.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"cronward/internal/runtime/supervisor"
	logx "cronward/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notify queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Sender is the transport that delivers one alert.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Notifier is implemented by Service and Nop.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Nop drops every alert.
type Nop struct{}

func (Nop) Notify(context.Context, string) error { return nil }

// Config controls the queue.
//
// Defaults:
//   - PerMinute: 20
//   - QueueSize: 64
//   - DedupWindow: 10m
type Config struct {
	PerMinute   int
	QueueSize   int
	DedupWindow time.Duration
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PerMinute <= 0 {
		c.PerMinute = 20
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = 10 * time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

type Service struct {
	sender Sender
	log    logx.Logger
	now    func() time.Time

	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	queue     chan string
	sup       *supervisor.Supervisor
	accepting bool
	dedup     map[string]time.Time
}

func New(cfg Config, sender Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, log: log, now: time.Now, dedup: map[string]time.Time{}}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	// Burst of a few alerts, then the per-minute rate.
	s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.PerMinute)), min(cfg.PerMinute, 5))
}

// Start launches the delivery worker. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil {
		return
	}
	s.queue = make(chan string, s.cfg.QueueSize)
	s.accepting = true
	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log.With(logx.String("comp", "notify"))),
		supervisor.WithCancelOnError(false),
	)
	q := s.queue
	s.sup.Go0("notify.worker", func(c context.Context) { s.worker(c, q) })
}

// Stop stops intake and drains queued alerts until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil || !s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	close(q)
	s.mu.Unlock()

	if err := sup.Wait(ctx); err != nil {
		s.log.Warn("notify stop timed out; queued alerts dropped", logx.Err(err))
	}
	sup.Cancel()
	s.mu.Lock()
	s.queue, s.sup = nil, nil
	s.mu.Unlock()
}

// Notify queues text for delivery. Suppressed duplicates return nil.
func (s *Service) Notify(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.accepting {
		return ErrStopped
	}
	if !s.allowLocked(text) {
		s.log.Debug("alert suppressed (duplicate)")
		return nil
	}
	select {
	case s.queue <- text:
		return nil
	default:
		s.log.Warn("alert dropped (queue full)", logx.Int("queue_size", cap(s.queue)))
		return ErrQueueFull
	}
}

func (s *Service) allowLocked(text string) bool {
	window := s.cfg.DedupWindow
	if window < 0 {
		return true
	}
	now := s.now()
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	if until, ok := s.dedup[text]; ok && now.Before(until) {
		return false
	}
	s.dedup[text] = now.Add(window)
	return true
}

func (s *Service) worker(ctx context.Context, q <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-q:
			if !ok {
				return
			}
			s.send(ctx, text)
		}
	}
}

func (s *Service) send(ctx context.Context, text string) {
	s.mu.Lock()
	lim, timeout := s.limiter, s.cfg.SendTimeout
	s.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.sender.Send(cctx, text); err != nil {
		s.log.Warn("alert send failed", logx.Err(err))
		return
	}
	s.log.Debug("alert sent")
}
