package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronward/internal/app"
	"cronward/internal/health"
	"cronward/internal/jobrunner"
	"cronward/internal/ledger"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := `{
  "logging": {"level": "error", "console": true},
  "storage": {"driver": "sqlite", "path": "` + filepath.Join(dir, "cronward.db") + `"},
  "jobs": {
    "crawl_sources": {"command": ["sh", "-c", "echo stored 3 items"]},
    "event_groups": {"command": ["sh", "-c", "exit 4"]}
  }
}`
	path := filepath.Join(dir, "cronward.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if err != nil {
		return 1
	}
	return 0
}

func TestRootHasSubcommands(t *testing.T) {
	var names []string
	for _, c := range NewRootCmd().Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "run", "history", "stats", "schedules", "health", "cleanup"} {
		assert.Contains(t, names, want)
	}
}

func TestRunRecordsOutcome(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "-c", cfg, "run", "crawl_sources")
	require.NoError(t, err)
	assert.Contains(t, out, "crawl_sources #1 success")

	out, err = execute(t, "-c", cfg, "run", "event_groups")
	assert.Equal(t, exitFailed, exitCode(err))
	assert.Contains(t, out, "event_groups #2 error")

	_, err = execute(t, "-c", cfg, "run", "nope")
	assert.ErrorIs(t, err, jobrunner.ErrUnknownTask)

	out, err = execute(t, "-c", cfg, "--json", "history")
	require.NoError(t, err)
	var rows []ledger.Execution
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "event_groups", rows[0].TaskType)
	assert.Equal(t, ledger.TriggerCLI, rows[0].Trigger)
	assert.Equal(t, "exit_status", rows[0].ErrorType)

	out, err = execute(t, "-c", cfg, "history", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "stored 3 items")

	out, err = execute(t, "-c", cfg, "history", "--status", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "event_groups")
	assert.NotContains(t, out, "crawl_sources")

	out, err = execute(t, "-c", cfg, "--json", "stats", "--days", "1")
	require.NoError(t, err)
	var st ledger.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.EqualValues(t, 2, st.Total)
	assert.EqualValues(t, 50, st.SuccessRate)
}

func TestRunSkipsWhenLocked(t *testing.T) {
	cfg := writeConfig(t)
	ctx := context.Background()

	cfgm, err := app.LoadConfig(cfg)
	require.NoError(t, err)
	core, err := app.Open(ctx, cfgm)
	require.NoError(t, err)
	defer core.Close()
	held, err := core.Ledger.Acquire(ctx, "crawl_sources")
	require.NoError(t, err)
	require.True(t, held.Acquired)

	out, err := execute(t, "-c", cfg, "run", "crawl_sources")
	assert.Equal(t, exitSkipped, exitCode(err))
	assert.Contains(t, out, "is running")

	out, err = execute(t, "-c", cfg, "history", "--running")
	require.NoError(t, err)
	assert.Contains(t, out, "crawl_sources")

	out, err = execute(t, "-c", cfg, "cleanup", "--force-running")
	require.NoError(t, err)
	assert.Contains(t, out, "force-completed 1 running executions")
}

func TestSchedules(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "-c", cfg, "schedules", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "cache_cleanup")
	assert.Contains(t, out, "0 */1 * * *")

	out, err = execute(t, "-c", cfg, "schedules", "set", "event_groups", "--disable", "--cron", "*/15 * * * *")
	require.NoError(t, err)
	assert.Contains(t, out, `cron="*/15 * * * *" enabled=false`)

	_, err = execute(t, "-c", cfg, "schedules", "set", "event_groups", "--cron", "every day")
	assert.Error(t, err)
	_, err = execute(t, "-c", cfg, "schedules", "set", "event_groups", "--enable", "--disable")
	assert.Error(t, err)
	_, err = execute(t, "-c", cfg, "schedules", "set", "event_groups")
	assert.Error(t, err)
	_, err = execute(t, "-c", cfg, "schedules", "set", "nope", "--enable")
	assert.Error(t, err)
}

func TestCleanupRetention(t *testing.T) {
	cfg := writeConfig(t)
	out, err := execute(t, "-c", cfg, "cleanup", "--retention", "30d")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted 0 executions older than 720h0m0s")

	_, err = execute(t, "-c", cfg, "cleanup", "--retention", "soon")
	assert.Error(t, err)
}

func TestParseRetention(t *testing.T) {
	cases := map[string]time.Duration{"30d": 720 * time.Hour, "36h": 36 * time.Hour, "90m": 90 * time.Minute}
	for in, want := range cases {
		got, err := parseRetention(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "0d", "-1h", "xd"} {
		_, err := parseRetention(bad)
		assert.Error(t, err, bad)
	}
}

func TestHealthQueriesDaemon(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		ok := healthy.Load()
		snap := health.Snapshot{Healthy: ok, DriverAlive: ok, ScheduledJobCount: 3, EnabledEntries: 3}
		if !ok {
			snap.Reasons = []health.Reason{{Code: health.ReasonHeartbeatTimeout, Detail: "heartbeat timeout"}}
		}
		_ = json.NewEncoder(w).Encode(snap)
	}))
	defer srv.Close()
	cfg := writeConfig(t)

	out, err := execute(t, "-c", cfg, "health", "--url", srv.URL, "--token", "k")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "healthy"))

	healthy.Store(false)
	out, err = execute(t, "-c", cfg, "health", "--url", srv.URL, "--token", "k")
	assert.Equal(t, 1, exitCode(err))
	assert.Contains(t, out, "heartbeat_timeout: heartbeat timeout")

	_, err = execute(t, "-c", cfg, "health", "--url", srv.URL)
	assert.Error(t, err)
}
