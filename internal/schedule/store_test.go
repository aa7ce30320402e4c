package schedule_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronward/internal/schedule"
	"cronward/internal/storage/storagetest"
	logx "cronward/pkg/logx"
)

var defaults = []schedule.Default{
	{TaskType: "crawl_sources", CronExpression: "0 */1 * * *", Enabled: true, Description: "content ingestion"},
	{TaskType: "event_groups", CronExpression: "30 */1 * * *", Enabled: true, Description: "similarity grouping"},
	{TaskType: "cache_cleanup", CronExpression: "0 2 * * *", Enabled: true, Description: "ledger retention"},
}

func TestParse(t *testing.T) {
	t.Parallel()
	cases := []struct {
		expr string
		ok   bool
	}{
		{"0 */1 * * *", true},
		{"30 */1 * * *", true},
		{"*/10 * * * * *", true},
		{"@daily", true},
		{"CRON_TZ=UTC 0 2 * * *", true},
		{"", false},
		{"61 * * * *", false},
		{"not a cron", false},
	}
	for _, tc := range cases {
		err := schedule.Validate(tc.expr)
		if tc.ok {
			assert.NoError(t, err, tc.expr)
		} else {
			assert.True(t, errors.Is(err, schedule.ErrInvalidCron), "%q: %v", tc.expr, err)
		}
	}
}

func TestParseHonoursLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("plus2", 2*3600)
	s, err := schedule.Parse("0 2 * * *", loc)
	require.NoError(t, err)
	next := s.Next(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), next.UTC())
}

func TestSeedDefaultsNeverOverwrites(t *testing.T) {
	st := schedule.NewStore(storagetest.Open(t), logx.Nop())
	ctx := context.Background()

	n, err := st.SeedDefaults(ctx, defaults)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = st.Update(ctx, "crawl_sources", schedule.Patch{CronExpression: ptr("*/15 * * * *")})
	require.NoError(t, err)

	n, err = st.SeedDefaults(ctx, defaults)
	require.NoError(t, err)
	assert.Zero(t, n)

	e, err := st.Get(ctx, "crawl_sources")
	require.NoError(t, err)
	assert.Equal(t, "*/15 * * * *", e.CronExpression)

	all, err := st.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "cache_cleanup", all[0].TaskType)
}

func TestSeedDefaultsRejectsBadCron(t *testing.T) {
	st := schedule.NewStore(storagetest.Open(t), logx.Nop())
	_, err := st.SeedDefaults(context.Background(), []schedule.Default{{TaskType: "x", CronExpression: "bogus"}})
	assert.True(t, errors.Is(err, schedule.ErrInvalidCron))
}

func TestUpdate(t *testing.T) {
	st := schedule.NewStore(storagetest.Open(t), logx.Nop())
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	st.SetClock(func() time.Time { return now })
	_, err := st.SeedDefaults(ctx, defaults)
	require.NoError(t, err)

	now = now.Add(time.Hour)
	e, err := st.Update(ctx, "event_groups", schedule.Patch{Enabled: ptr(false), Description: ptr("paused")})
	require.NoError(t, err)
	assert.False(t, e.Enabled)
	assert.Equal(t, "paused", e.Description)
	assert.Equal(t, "30 */1 * * *", e.CronExpression)
	assert.True(t, e.UpdatedAt.After(e.CreatedAt))

	_, err = st.Update(ctx, "event_groups", schedule.Patch{CronExpression: ptr("every tuesday")})
	assert.True(t, errors.Is(err, schedule.ErrInvalidCron))

	_, err = st.Update(ctx, "missing", schedule.Patch{Enabled: ptr(true)})
	assert.True(t, errors.Is(err, schedule.ErrNotFound))

	_, err = st.Get(ctx, "missing")
	assert.True(t, errors.Is(err, schedule.ErrNotFound))
}

func ptr[T any](v T) *T { return &v }
