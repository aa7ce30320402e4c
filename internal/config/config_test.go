package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data/test.db
ledger:
  stale_after: 2h
scheduler:
  tick: 1m
  defaults:
    - task_type: crawl_sources
      cron: "0 */1 * * *"
monitor:
  interval: 120s
recovery:
  max_restarts: 3
  window: 1h
jobs:
  crawl_sources:
    command: ["/usr/bin/true"]
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestParseYAML(t *testing.T) {
	m := NewConfigManager(writeFile(t, "cronward.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "2h", cfg.Ledger.StaleAfter)
	require.Len(t, cfg.Scheduler.Defaults, 1)
	assert.Equal(t, "crawl_sources", cfg.Scheduler.Defaults[0].TaskType)
	assert.Equal(t, []string{"/usr/bin/true"}, cfg.Jobs["crawl_sources"].Command)
	assert.Same(t, cfg, m.Get())
}

func TestParseRejectsUnknownFields(t *testing.T) {
	m := NewConfigManager(writeFile(t, "cronward.yaml", "logging:\n  levle: debug\n"))
	_, err := m.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "levle")
}

func TestParseJSONRejectsTrailingData(t *testing.T) {
	m := NewConfigManager(writeFile(t, "cronward.json", `{"logging":{"level":"info"}} {}`))
	_, err := m.Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		mut  func(c *Config)
		want string
	}{
		{"ok", func(c *Config) {}, ""},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "mysql" }, "storage.driver"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.dsn"},
		{"bad duration", func(c *Config) { c.Ledger.StaleAfter = "soon" }, "ledger.stale_after"},
		{"negative restarts", func(c *Config) { c.Recovery.MaxRestarts = -1 }, "recovery.max_restarts"},
		{"duplicate default", func(c *Config) {
			c.Scheduler.Defaults = []ScheduleDefault{{TaskType: "a", Cron: "* * * * *"}, {TaskType: "a", Cron: "* * * * *"}}
		}, "duplicate task_type a"},
		{"empty job command", func(c *Config) { c.Jobs = map[string]JobConfig{"x": {}} }, "jobs.x.command"},
		{"telegram without token", func(c *Config) { c.Notify.Telegram.Enabled = true }, "notify.telegram.token"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tc.mut(cfg)
			err := Validate(cfg)
			if tc.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, d)

	d, err = ParseDurationOrDefault("x", "90s", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	d, err = ParseDurationOrDefault("ledger.retention", "30d", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 720*time.Hour, d)

	_, err = ParseDurationOrDefault("x", "-1s", time.Hour)
	assert.Error(t, err)
	_, err = ParseDurationOrDefault("x", "twod", time.Hour)
	assert.ErrorContains(t, err, "x: invalid duration")
}

func TestChangedSections(t *testing.T) {
	t.Parallel()
	a := Default()
	b := Default()
	b.Logging.Level = "debug"
	b.Scheduler.Defaults = DefaultSchedules()
	assert.Equal(t, []string{"logging", "scheduler"}, ChangedSections(a, b))
	assert.True(t, HasSection(ChangedSections(a, b), "scheduler"))
	assert.Empty(t, ChangedSections(a, Default()))
}

func TestWatchPublishesChanges(t *testing.T) {
	path := writeFile(t, "cronward.yaml", sampleYAML)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML+"admin:\n  enabled: true\n"), 0o644))

	select {
	case cfg := <-sub:
		assert.True(t, cfg.Admin.Enabled)
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
	cancel()
	<-done
}

func TestReloadRejectedByValidator(t *testing.T) {
	path := writeFile(t, "cronward.yaml", sampleYAML)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return assert.AnError })

	require.NoError(t, os.WriteFile(path, []byte(sampleYAML+"admin:\n  enabled: true\n"), 0o644))
	assert.False(t, m.reload(context.Background()))
	assert.False(t, m.Get().Admin.Enabled)
}
