package telemetry_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronward/internal/ledger"
	"cronward/internal/telemetry"
)

func TestMetricsHandlerExposesCollectors(t *testing.T) {
	m := telemetry.New()
	m.AcquireOutcome("crawl_sources", ledger.OutcomeAcquired)
	m.AcquireOutcome("crawl_sources", ledger.OutcomeSkipped)
	m.ZombieReclaimed("crawl_sources")
	m.Completed("crawl_sources", ledger.StatusSuccess, 3*time.Second)
	m.Recovery(telemetry.RecoveryThrottled)
	m.HealthChecked(false, 6*time.Minute, 3)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `cronward_acquire_total{outcome="acquired",task_type="crawl_sources"} 1`)
	assert.Contains(t, text, `cronward_zombies_reclaimed_total{task_type="crawl_sources"} 1`)
	assert.Contains(t, text, `cronward_recoveries_total{outcome="throttled"} 1`)
	assert.Contains(t, text, `cronward_scheduler_heartbeat_age_seconds 360`)
	assert.Contains(t, text, `go_goroutines`)
}

func TestHealthGauge(t *testing.T) {
	m := telemetry.New()
	m.HealthChecked(true, time.Second, 2)
	mfs, err := m.Registry().Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range mfs {
		if mf.GetName() == "cronward_healthy" {
			found = true
			require.Len(t, mf.GetMetric(), 1)
			assert.Equal(t, 1.0, mf.GetMetric()[0].GetGauge().GetValue())
		}
	}
	assert.True(t, found)
}
