package recovery_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronward/internal/health"
	"cronward/internal/ledger"
	"cronward/internal/recovery"
	"cronward/internal/schedule"
	"cronward/internal/storage/storagetest"
	"cronward/internal/task/scheduler"
	logx "cronward/pkg/logx"
)

type fakeDriver struct {
	mu       sync.Mutex
	alive    bool
	starts   int
	stops    int
	startErr error
	stopErr  error
	panicOn  bool
}

func (d *fakeDriver) Start(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.panicOn {
		panic("boom")
	}
	d.starts++
	if d.startErr != nil {
		return d.startErr
	}
	d.alive = true
	return nil
}

func (d *fakeDriver) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	d.alive = false
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("stop without grace deadline")
	}
	return d.stopErr
}

func (d *fakeDriver) Alive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alive
}

type alerts struct {
	mu   sync.Mutex
	msgs []string
}

func (a *alerts) Notify(_ context.Context, text string) error {
	a.mu.Lock()
	a.msgs = append(a.msgs, text)
	a.mu.Unlock()
	return nil
}

func (a *alerts) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.msgs)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var timeout = []health.Reason{{Code: health.ReasonHeartbeatTimeout, Detail: "heartbeat timeout"}}

func TestRecoverIsRateLimited(t *testing.T) {
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	d := &fakeDriver{}
	al := &alerts{}
	c := recovery.New(recovery.Config{}, d, logx.Nop(), recovery.WithClock(clk.Now), recovery.WithAlerter(al))
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res := c.Recover(ctx, timeout)
		require.NoError(t, res.Err)
		assert.True(t, res.Restarted)
		assert.Equal(t, i, res.Attempt)
		clk.Advance(10 * time.Minute)
	}

	res := c.Recover(ctx, timeout)
	assert.True(t, res.Throttled)
	assert.False(t, res.Restarted)
	assert.Equal(t, 3, d.starts)
	assert.Equal(t, 1, al.count())

	// Still throttled; the alert is not repeated inside the window.
	clk.Advance(time.Minute)
	assert.True(t, c.Recover(ctx, timeout).Throttled)
	assert.Equal(t, 1, al.count())

	// The first restart leaves the window.
	clk.Advance(30 * time.Minute)
	res = c.Recover(ctx, timeout)
	assert.True(t, res.Restarted)
	assert.Equal(t, 3, res.Attempt)
	assert.Len(t, c.Recent(), 3)
}

func TestRecoverWritesAuditRows(t *testing.T) {
	led := ledger.New(storagetest.Open(t), logx.Nop())
	d := &fakeDriver{}
	c := recovery.New(recovery.Config{}, d, logx.Nop(), recovery.WithAuditor(led))
	ctx := context.Background()

	require.True(t, c.Recover(ctx, timeout).Restarted)

	d.startErr = errors.New("schedule store unavailable")
	res := c.Recover(ctx, []health.Reason{{Code: health.ReasonDriverDead}})
	require.Error(t, res.Err)
	assert.False(t, res.Restarted)

	rows, err := led.QueryHistory(ctx, ledger.Query{TaskType: ledger.SchedulerTaskType})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	failed, restarted := rows[0], rows[1]
	assert.Equal(t, ledger.StatusError, failed.Status)
	assert.Equal(t, ledger.TriggerRecovery, failed.Trigger)
	assert.Equal(t, "recovery_failed", failed.ErrorType)
	assert.Contains(t, failed.ErrorMessage, "schedule store unavailable")

	assert.Equal(t, ledger.StatusSuccess, restarted.Status)
	assert.Contains(t, restarted.Message, "heartbeat timeout")
	assert.Empty(t, restarted.ErrorType)
}

func TestRecoverSurvivesPanics(t *testing.T) {
	d := &fakeDriver{panicOn: true}
	c := recovery.New(recovery.Config{}, d, logx.Nop())
	var res recovery.Result
	require.NotPanics(t, func() { res = c.Recover(context.Background(), timeout) })
	require.Error(t, res.Err)
	assert.False(t, res.Restarted)
}

func TestRecoverStartsAfterFailedStop(t *testing.T) {
	d := &fakeDriver{stopErr: errors.New("stuck")}
	c := recovery.New(recovery.Config{Grace: 50 * time.Millisecond}, d, logx.Nop())
	res := c.Recover(context.Background(), timeout)
	require.NoError(t, res.Err)
	assert.True(t, res.Restarted)
	assert.Equal(t, 1, d.stops)
	assert.Equal(t, 1, d.starts)
}

type source struct{ es []schedule.Entry }

func (s source) List(context.Context) ([]schedule.Entry, error) { return s.es, nil }

type noopTrigger struct{}

func (noopTrigger) Trigger(context.Context, string, ledger.Trigger) (ledger.LockResult, error) {
	return ledger.LockResult{}, nil
}

// A stalled heartbeat is detected, the driver is restarted and the
// heartbeat resumes on the new loop's first tick.
func TestStaleHeartbeatTriggersRestart(t *testing.T) {
	led := ledger.New(storagetest.Open(t), logx.Nop())
	src := source{es: []schedule.Entry{{TaskType: "crawl_sources", CronExpression: "0 */1 * * *", Enabled: true}}}
	d := scheduler.New(scheduler.Config{Tick: time.Hour}, nil, src, noopTrigger{}, logx.Nop())
	ctx := context.Background()
	require.NoError(t, d.Start(ctx))
	t.Cleanup(func() { _ = d.Stop(context.Background()) })

	state := d.State()
	require.Eventually(t, func() bool { return !state.HeartbeatAt().IsZero() }, time.Second, time.Millisecond)
	before, gen := state.HeartbeatAt(), state.Generation()

	ctrl := recovery.New(recovery.Config{}, d, logx.Nop(), recovery.WithAuditor(led))
	var skew atomic.Int64
	skew.Store(int64(360 * time.Second))
	var results []recovery.Result
	mon := health.New(health.Config{}, state, src, logx.Nop(),
		health.WithClock(func() time.Time { return time.Now().Add(time.Duration(skew.Load())) }),
		health.WithRecover(func(ctx context.Context, rs []health.Reason) {
			results = append(results, ctrl.Recover(ctx, rs))
		}),
	)

	snap := mon.Tick(ctx)
	require.False(t, snap.Healthy)
	require.NotEmpty(t, snap.Reasons)
	assert.Equal(t, "heartbeat timeout", snap.Reasons[0].Detail)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.True(t, results[0].Restarted)

	assert.Greater(t, state.Generation(), gen)
	require.Eventually(t, func() bool { return state.HeartbeatAt().After(before) }, time.Second, time.Millisecond)
	assert.True(t, d.Alive())
	assert.Equal(t, 1, state.JobCount())

	skew.Store(0)
	assert.True(t, mon.Tick(ctx).Healthy)

	rows, err := led.QueryHistory(ctx, ledger.Query{TaskType: ledger.SchedulerTaskType})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, ledger.TriggerRecovery, rows[0].Trigger)
}
