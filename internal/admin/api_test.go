package admin_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronward/internal/admin"
	"cronward/internal/health"
	"cronward/internal/jobrunner"
	"cronward/internal/ledger"
	"cronward/internal/schedule"
	"cronward/internal/storage/storagetest"
	"cronward/internal/task/scheduler"
	"cronward/internal/telemetry"
	logx "cronward/pkg/logx"
)

const token = "s3cret"

type fixture struct {
	srv     *httptest.Server
	led     *ledger.Ledger
	store   *schedule.Store
	driver  *scheduler.Driver
	runner  *jobrunner.Runner
	release chan struct{}
}

func newFixture(t *testing.T, opts ...admin.APIOption) *fixture {
	t.Helper()
	ctx := context.Background()
	db := storagetest.Open(t)
	f := &fixture{
		led:     ledger.New(db, logx.Nop()),
		store:   schedule.NewStore(db, logx.Nop()),
		release: make(chan struct{}),
	}
	_, err := f.store.SeedDefaults(ctx, []schedule.Default{
		{TaskType: "crawl_sources", CronExpression: "0 */1 * * *", Enabled: true, Description: "content ingestion"},
		{TaskType: "event_groups", CronExpression: "30 */1 * * *", Enabled: true, Description: "similarity grouping"},
		{TaskType: "cache_cleanup", CronExpression: "0 2 * * *", Enabled: true, Description: "ledger retention"},
	})
	require.NoError(t, err)

	reg := jobrunner.NewRegistry()
	require.NoError(t, reg.Register("crawl_sources", jobrunner.JobFunc(func(ctx context.Context, _ *jobrunner.Handle) (ledger.Summary, error) {
		select {
		case <-f.release:
		case <-ctx.Done():
		}
		return ledger.Summary{Message: "done"}, nil
	})))
	f.runner = jobrunner.New(f.led, reg, logx.Nop())
	f.driver = scheduler.New(scheduler.Config{Tick: time.Hour}, nil, f.store, f.runner, logx.Nop())
	require.NoError(t, f.driver.Start(ctx))

	metrics := telemetry.New()
	api := admin.NewAPI(admin.Deps{
		Ledger:    f.led,
		Schedules: f.store,
		Driver:    f.driver,
		Health:    health.New(health.Config{}, f.driver.State(), f.store, logx.Nop()),
		Metrics:   metrics.Handler(),
		Rate:      metrics,
	}, logx.Nop(), append([]admin.APIOption{admin.WithToken(token)}, opts...)...)
	f.srv = httptest.NewServer(api.Router())

	t.Cleanup(func() {
		f.srv.Close()
		close(f.release)
		_ = f.runner.Shutdown(context.Background())
		_ = f.driver.Stop(context.Background())
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestAuth(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.srv.URL + "/api/v1/schedules")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(f.srv.URL + "/api/v1/schedules?token=" + token)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSchedulesListAndUpdate(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/api/v1/schedules", "")
	require.Equal(t, http.StatusOK, code)
	list := body["schedules"].([]any)
	require.Len(t, list, 3)
	first := list[0].(map[string]any)
	assert.Equal(t, "cache_cleanup", first["task_type"])
	assert.Equal(t, "idle", first["driver"].(map[string]any)["state"])
	assert.Equal(t, true, body["driver"].(map[string]any)["alive"])

	code, _ = f.do(t, http.MethodPut, "/api/v1/schedules/crawl_sources", `{"cron_expression":"not a cron"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodPut, "/api/v1/schedules/nope", `{"enabled":false}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodPut, "/api/v1/schedules/crawl_sources", `{"bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = f.do(t, http.MethodPut, "/api/v1/schedules/event_groups", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["reloaded"])
	assert.Equal(t, false, body["schedule"].(map[string]any)["enabled"])
	assert.Equal(t, 2, f.driver.State().JobCount())

	code, body = f.do(t, http.MethodPost, "/api/v1/schedules/reload", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 3, body["registered"])
}

func TestRunNow(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/api/v1/tasks/crawl_sources/run", "")
	require.Equal(t, http.StatusAccepted, code)
	id := body["execution_id"].(float64)
	assert.Positive(t, id)

	code, body = f.do(t, http.MethodPost, "/api/v1/tasks/crawl_sources/run", "")
	require.Equal(t, http.StatusConflict, code)
	assert.Equal(t, id, body["holder_id"])

	code, _ = f.do(t, http.MethodPost, "/api/v1/tasks/nope/run", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = f.do(t, http.MethodGet, "/api/v1/executions/running", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])
	rows := body["executions"].([]any)
	assert.Equal(t, "manual", rows[0].(map[string]any)["trigger"])
}

func TestRunNowRateLimit(t *testing.T) {
	f := newFixture(t, admin.WithRunLimit(1))

	code, _ := f.do(t, http.MethodPost, "/api/v1/tasks/event_groups/run", "")
	assert.Equal(t, http.StatusNotFound, code, "unregistered job still consumes a token")
	code, body := f.do(t, http.MethodPost, "/api/v1/tasks/event_groups/run", "")
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Contains(t, body["error"], "rate limit")

	code, _ = f.do(t, http.MethodPost, "/api/v1/tasks/crawl_sources/run", "")
	assert.Equal(t, http.StatusAccepted, code, "limits are per task type")
}

func TestExecutions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.led.Record(ctx, ledger.AuditRecord{TaskType: "event_groups", Status: ledger.StatusError, ErrorMessage: "boom", ErrorType: "upstream"})
	require.NoError(t, err)
	_, err = f.led.Record(ctx, ledger.AuditRecord{TaskType: "crawl_sources", Message: "ok"})
	require.NoError(t, err)

	code, body := f.do(t, http.MethodGet, "/api/v1/executions?task_type=event_groups", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])

	code, body = f.do(t, http.MethodGet, "/api/v1/executions?status=success&limit=10", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])

	for _, bad := range []string{"?status=weird", "?limit=-1", "?since=yesterday"} {
		code, _ = f.do(t, http.MethodGet, "/api/v1/executions"+bad, "")
		assert.Equal(t, http.StatusBadRequest, code, bad)
	}

	code, body = f.do(t, http.MethodGet, "/api/v1/executions/1", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, id, body["id"])
	assert.Equal(t, "upstream", body["error_type"])

	code, _ = f.do(t, http.MethodGet, "/api/v1/executions/999", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(t, http.MethodGet, "/api/v1/executions/abc", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = f.do(t, http.MethodGet, "/api/v1/executions/stats?days=7", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["total_executions"])
	assert.EqualValues(t, 50, body["success_rate"])

	code, body = f.do(t, http.MethodGet, "/api/v1/executions/stats/summary", "")
	require.Equal(t, http.StatusOK, code)
	for _, window := range []string{"last_24_hours", "last_7_days", "last_30_days"} {
		w, ok := body[window].(map[string]any)
		require.True(t, ok, window)
		assert.EqualValues(t, 2, w["total_executions"], window)
		assert.EqualValues(t, 50, w["success_rate"], window)
	}
	assert.EqualValues(t, 0, body["running_tasks_count"])
	assert.NotNil(t, body["running_tasks"])

	code, body = f.do(t, http.MethodPost, "/api/v1/executions/cleanup", `{"retention":"720h"}`)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["deleted"])
	code, _ = f.do(t, http.MethodPost, "/api/v1/executions/cleanup", `{"retention":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestForceComplete(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodPost, "/api/v1/tasks/crawl_sources/run", "")
	require.Equal(t, http.StatusAccepted, code)

	code, body := f.do(t, http.MethodPost, "/api/v1/executions/force-complete", `{"reason":"operator reset"}`)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["completed"])

	code, body = f.do(t, http.MethodGet, "/api/v1/executions/running", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["count"])
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["healthy"])
	assert.EqualValues(t, 3, body["scheduled_job_count"])

	require.NoError(t, f.driver.Stop(context.Background()))
	code, body = f.do(t, http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, code, "unhealthy is reported in the body")
	assert.Equal(t, false, body["healthy"])

	code, _ = f.do(t, http.MethodPost, "/api/v1/schedules/reload", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(raw), "cronward_healthy")
}
