package jobrunner_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronward/internal/eventbus"
	"cronward/internal/jobrunner"
	"cronward/internal/ledger"
	"cronward/internal/storage/storagetest"
	logx "cronward/pkg/logx"
)

func setup(t *testing.T, opts ...jobrunner.Option) (*jobrunner.Runner, *ledger.Ledger) {
	t.Helper()
	led := ledger.New(storagetest.Open(t), logx.Nop())
	r := jobrunner.New(led, jobrunner.NewRegistry(), logx.Nop(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r, led
}

func waitJobs(t *testing.T, r *jobrunner.Runner) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))
}

func TestTriggerRunsAndRecordsSuccess(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	r, led := setup(t, jobrunner.WithBus(bus))

	require.NoError(t, r.Registry().Register("crawl_sources", jobrunner.JobFunc(func(ctx context.Context, h *jobrunner.Handle) (ledger.Summary, error) {
		h.Progress(1, 4, "fetching")
		h.AddItems(3, 1)
		return ledger.Summary{Message: "crawled"}, nil
	})))

	res, err := r.Trigger(context.Background(), "crawl_sources", ledger.TriggerSchedule)
	require.NoError(t, err)
	require.True(t, res.Acquired)
	waitJobs(t, r)

	e, err := led.Get(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSuccess, e.Status)
	assert.Equal(t, "crawled", e.Message)
	assert.Equal(t, int64(4), e.ItemsProcessed)
	assert.Equal(t, int64(3), e.ItemsSuccess)
	assert.Equal(t, int64(1), e.ItemsFailed)

	var kinds []string
	for len(kinds) < 2 {
		select {
		case ev := <-events:
			kinds = append(kinds, ev.Type)
			if ev.Type == jobrunner.EventFinished {
				assert.Equal(t, ledger.StatusSuccess, ev.Data.(jobrunner.Event).Status)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("missing events")
		}
	}
	assert.Equal(t, []string{jobrunner.EventStarted, jobrunner.EventFinished}, kinds)
}

func TestTriggerSkipsWhileRunning(t *testing.T) {
	r, _ := setup(t)
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, r.Registry().Register("event_groups", jobrunner.JobFunc(func(ctx context.Context, h *jobrunner.Handle) (ledger.Summary, error) {
		close(started)
		<-release
		return ledger.Summary{}, nil
	})))

	first, err := r.Trigger(context.Background(), "event_groups", ledger.TriggerSchedule)
	require.NoError(t, err)
	require.True(t, first.Acquired)
	<-started

	second, err := r.Trigger(context.Background(), "event_groups", ledger.TriggerManual)
	require.NoError(t, err)
	assert.False(t, second.Acquired)
	assert.Equal(t, first.ExecutionID, second.HolderID)

	close(release)
	waitJobs(t, r)
}

func TestUnknownTask(t *testing.T) {
	r, _ := setup(t)
	_, err := r.Trigger(context.Background(), "nope", ledger.TriggerManual)
	assert.True(t, errors.Is(err, jobrunner.ErrUnknownTask))
}

type quotaError struct{}

func (quotaError) Error() string { return "quota exceeded" }

func TestRunSyncErrorTypes(t *testing.T) {
	cases := []struct {
		name     string
		job      jobrunner.JobFunc
		status   ledger.Status
		errType  string
		hasStack bool
	}{
		{
			name: "typed",
			job: func(context.Context, *jobrunner.Handle) (ledger.Summary, error) {
				return ledger.Summary{}, jobrunner.WithType(errors.New("feed down"), "upstream")
			},
			status: ledger.StatusError, errType: "upstream",
		},
		{
			name: "cause type",
			job: func(context.Context, *jobrunner.Handle) (ledger.Summary, error) {
				return ledger.Summary{}, errors.Wrap(quotaError{}, "load")
			},
			status: ledger.StatusError, errType: "jobrunner_test.quotaError",
		},
		{
			name: "panic",
			job: func(context.Context, *jobrunner.Handle) (ledger.Summary, error) {
				panic("nil map")
			},
			status: ledger.StatusError, errType: "panic", hasStack: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, led := setup(t)
			require.NoError(t, r.Registry().Register("cache_cleanup", tc.job))

			out, err := r.RunSync(context.Background(), "cache_cleanup", ledger.TriggerCLI)
			require.NoError(t, err)
			assert.Equal(t, tc.status, out.Status)
			assert.Equal(t, tc.errType, out.ErrorType)

			e, err := led.Get(context.Background(), out.Lock.ExecutionID)
			require.NoError(t, err)
			assert.Equal(t, tc.status, e.Status)
			assert.Equal(t, tc.errType, e.ErrorType)
			assert.Equal(t, ledger.TriggerCLI, e.Trigger)
			if tc.hasStack {
				assert.Contains(t, e.StackTrace, "goroutine")
			}
		})
	}
}

func TestShutdownCancelsRunningJobs(t *testing.T) {
	r, led := setup(t)
	started := make(chan struct{})
	require.NoError(t, r.Registry().Register("crawl_sources", jobrunner.JobFunc(func(ctx context.Context, h *jobrunner.Handle) (ledger.Summary, error) {
		close(started)
		<-ctx.Done()
		return ledger.Summary{}, ctx.Err()
	})))

	res, err := r.Trigger(context.Background(), "crawl_sources", ledger.TriggerSchedule)
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	e, err := led.Get(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCancelled, e.Status)

	_, err = r.Trigger(context.Background(), "crawl_sources", ledger.TriggerSchedule)
	assert.True(t, errors.Is(err, jobrunner.ErrStopped))
}

func TestShutdownWaitsForConcurrentTriggers(t *testing.T) {
	r, led := setup(t)
	const n = 16
	for i := 0; i < n; i++ {
		require.NoError(t, r.Registry().Register(fmt.Sprintf("task_%d", i), jobrunner.JobFunc(func(ctx context.Context, h *jobrunner.Handle) (ledger.Summary, error) {
			time.Sleep(5 * time.Millisecond)
			return ledger.Summary{Message: "ok"}, nil
		})))
	}

	var wg sync.WaitGroup
	release := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-release
			_, err := r.Trigger(context.Background(), fmt.Sprintf("task_%d", i), ledger.TriggerSchedule)
			if err != nil {
				assert.True(t, errors.Is(err, jobrunner.ErrStopped), "unexpected error: %v", err)
			}
		}(i)
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
	wg.Wait()

	// Every run admitted before Shutdown finished before it returned.
	running, err := led.Running(context.Background())
	require.NoError(t, err)
	assert.Empty(t, running)
}

func TestAutoHeartbeatRefreshesUpdatedAt(t *testing.T) {
	r, led := setup(t, jobrunner.WithHeartbeatEvery(20*time.Millisecond))
	stop := make(chan struct{})
	require.NoError(t, r.Registry().Register("event_groups", jobrunner.JobFunc(func(ctx context.Context, h *jobrunner.Handle) (ledger.Summary, error) {
		<-stop
		return ledger.Summary{}, nil
	})))

	res, err := r.Trigger(context.Background(), "event_groups", ledger.TriggerSchedule)
	require.NoError(t, err)
	before, err := led.Get(context.Background(), res.ExecutionID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		e, err := led.Get(context.Background(), res.ExecutionID)
		return err == nil && e.UpdatedAt.After(before.UpdatedAt)
	}, 3*time.Second, 20*time.Millisecond)

	close(stop)
	waitJobs(t, r)
}

func TestErrorType(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "", jobrunner.ErrorType(nil))
	assert.Equal(t, "timeout", jobrunner.ErrorType(errors.Wrap(context.DeadlineExceeded, "fetch")))
	assert.Equal(t, "cancelled", jobrunner.ErrorType(context.Canceled))
	assert.Equal(t, "exit", jobrunner.ErrorType(jobrunner.WithType(context.Canceled, "exit")))
}
