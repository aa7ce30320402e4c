package jobs_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronward/internal/jobrunner"
	"cronward/internal/jobs"
	"cronward/internal/ledger"
	"cronward/internal/storage/storagetest"
	logx "cronward/pkg/logx"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func setup(t *testing.T, b jobs.Builtins) (*jobrunner.Runner, *ledger.Ledger, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	led := ledger.New(storagetest.Open(t), logx.Nop(), ledger.WithClock(clk.Now))
	if b.Pruner == nil {
		b.Pruner = led
	}
	reg := jobrunner.NewRegistry()
	_, err := jobs.Register(reg, b)
	require.NoError(t, err)
	r := jobrunner.New(led, reg, logx.Nop())
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	return r, led, clk
}

func TestRegisterNames(t *testing.T) {
	reg := jobrunner.NewRegistry()
	names, err := jobs.Register(reg, jobs.Builtins{
		Pruner: &ledger.Ledger{},
		Commands: map[string]jobs.Command{
			"event_groups":  {Args: []string{"true"}},
			"crawl_sources": {Args: []string{"true"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"cache_cleanup", "crawl_sources", "event_groups"}, names)
	assert.Equal(t, names, reg.Names())
}

func TestCleanupAppliesRetention(t *testing.T) {
	r, led, clk := setup(t, jobs.Builtins{Retention: func() time.Duration { return 24 * time.Hour }})
	ctx := context.Background()

	_, err := led.Record(ctx, ledger.AuditRecord{TaskType: "crawl_sources"})
	require.NoError(t, err)
	clk.t = clk.t.Add(48 * time.Hour)

	out, err := r.RunSync(ctx, jobs.CacheCleanup, ledger.TriggerCLI)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusSuccess, out.Status)

	e, err := led.Get(ctx, out.Lock.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "deleted 1 executions", e.Message)
	assert.Equal(t, int64(1), e.ItemsProcessed)
	assert.Equal(t, "24h0m0s", e.Details["retention"])

	rows, err := led.QueryHistory(ctx, ledger.Query{TaskType: "crawl_sources"})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCommandReportsOutput(t *testing.T) {
	r, led, _ := setup(t, jobs.Builtins{Commands: map[string]jobs.Command{
		"crawl_sources": {Args: []string{"sh", "-c", `echo "fetching feeds"; echo "stored 12 items for $CRONWARD_TASK_TYPE"`}},
	}})
	ctx := context.Background()

	out, err := r.RunSync(ctx, "crawl_sources", ledger.TriggerCLI)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusSuccess, out.Status)

	e, err := led.Get(ctx, out.Lock.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "stored 12 items for crawl_sources", e.Message)
	assert.EqualValues(t, 2, e.Details["output_lines"])
	assert.EqualValues(t, 0, e.Details["exit_code"])
}

func TestCommandFailureKeepsStderr(t *testing.T) {
	r, led, _ := setup(t, jobs.Builtins{Commands: map[string]jobs.Command{
		"event_groups": {Args: []string{"sh", "-c", `echo "grouping"; echo "model missing" >&2; exit 3`}},
	}})
	ctx := context.Background()

	out, err := r.RunSync(ctx, "event_groups", ledger.TriggerCLI)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusError, out.Status)
	assert.Equal(t, "exit_status", out.ErrorType)

	e, err := led.Get(ctx, out.Lock.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "exit_status", e.ErrorType)
	assert.Contains(t, e.ErrorMessage, "status 3")
	assert.Contains(t, e.ErrorMessage, "model missing")
	assert.EqualValues(t, 3, e.Details["exit_code"])
}

func TestCommandNotFound(t *testing.T) {
	r, _, _ := setup(t, jobs.Builtins{Commands: map[string]jobs.Command{
		"crawl_sources": {Args: []string{"/nonexistent/cronward-crawler"}},
	}})
	out, err := r.RunSync(context.Background(), "crawl_sources", ledger.TriggerCLI)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusError, out.Status)
	assert.Equal(t, "exec", out.ErrorType)
}
