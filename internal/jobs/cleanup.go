// Package jobs holds the builtin job bodies.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	"cronward/internal/jobrunner"
	"cronward/internal/ledger"
	logx "cronward/pkg/logx"
)

const (
	CacheCleanup = "cache_cleanup"

	DefaultRetention = 30 * 24 * time.Hour
)

// Pruner deletes terminal executions older than the retention.
type Pruner interface {
	Cleanup(ctx context.Context, retention time.Duration) (int64, error)
}

// Cleanup is the cache_cleanup job: ledger retention.
type Cleanup struct {
	pruner    Pruner
	retention func() time.Duration
}

// NewCleanup returns the retention job. retention is read on every run so a
// config reload applies to the next run; nil or non-positive values use 30 days.
func NewCleanup(p Pruner, retention func() time.Duration) *Cleanup {
	return &Cleanup{pruner: p, retention: retention}
}

func (c *Cleanup) Run(ctx context.Context, h *jobrunner.Handle) (ledger.Summary, error) {
	keep := DefaultRetention
	if c.retention != nil {
		if d := c.retention(); d > 0 {
			keep = d
		}
	}
	h.Heartbeat(ledger.Progress{Message: ledger.Ptr(fmt.Sprintf("deleting executions older than %s", keep))})

	n, err := c.pruner.Cleanup(ctx, keep)
	if err != nil {
		return ledger.Summary{}, errors.Wrap(err, "ledger retention")
	}
	h.Logger().Info("ledger retention applied", logx.Int64("deleted", n), logx.Duration("retention", keep))
	h.AddItems(n, 0)
	return ledger.Summary{
		Message: fmt.Sprintf("deleted %d executions", n),
		Details: map[string]any{"retention": keep.String(), "deleted": n},
	}, nil
}
