package notify_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronward/internal/notify"
	logx "cronward/pkg/logx"
)

type recorder struct {
	mu   sync.Mutex
	sent []string
	fail bool
}

func (r *recorder) Send(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("unreachable")
	}
	r.sent = append(r.sent, text)
	return nil
}

func (r *recorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func TestNotifyDeliversAndDedups(t *testing.T) {
	rec := &recorder{}
	s := notify.New(notify.Config{PerMinute: 600}, rec, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)

	require.NoError(t, s.Notify(ctx, "scheduler restart failed"))
	require.NoError(t, s.Notify(ctx, "scheduler restart failed"))
	require.NoError(t, s.Notify(ctx, "crawl_sources failed"))

	s.Stop(ctx)
	assert.Equal(t, []string{"scheduler restart failed", "crawl_sources failed"}, rec.texts())
	assert.ErrorIs(t, s.Notify(ctx, "late"), notify.ErrStopped)
}

func TestNotifyNegativeWindowDisablesDedup(t *testing.T) {
	rec := &recorder{}
	s := notify.New(notify.Config{PerMinute: 600, DedupWindow: -1}, rec, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Notify(ctx, "same"))
	}
	s.Stop(ctx)
	assert.Len(t, rec.texts(), 3)
}

func TestNotifyQueueFull(t *testing.T) {
	rec := &recorder{}
	s := notify.New(notify.Config{PerMinute: 1, QueueSize: 1, DedupWindow: -1}, rec, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	// The first alert uses the burst; the worker then waits on the limiter.
	var full bool
	for i := 0; i < 10; i++ {
		if errors.Is(s.Notify(context.Background(), "x"), notify.ErrQueueFull) {
			full = true
			break
		}
		time.Sleep(time.Millisecond)
	}
	assert.True(t, full)
	cancel()
	s.Stop(context.Background())
}

func TestSendFailureIsNotFatal(t *testing.T) {
	rec := &recorder{fail: true}
	s := notify.New(notify.Config{PerMinute: 600}, rec, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)
	require.NoError(t, s.Notify(ctx, "a"))
	s.Stop(ctx)
	assert.Empty(t, rec.texts())
}

func TestNopAndTelegramValidation(t *testing.T) {
	assert.NoError(t, notify.Nop{}.Notify(context.Background(), "x"))

	_, err := notify.NewTelegram(notify.TelegramConfig{})
	assert.Error(t, err)
	_, err = notify.NewTelegram(notify.TelegramConfig{Token: "123:abc"})
	assert.Error(t, err)
	tg, err := notify.NewTelegram(notify.TelegramConfig{Token: "123:abc", ChatID: 42})
	require.NoError(t, err)
	assert.NotNil(t, tg)
}
