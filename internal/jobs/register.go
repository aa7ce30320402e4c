package jobs

import (
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"cronward/internal/jobrunner"
)

// Builtins describes the job bodies to register.
type Builtins struct {
	Pruner    Pruner
	Retention func() time.Duration
	// Commands maps task types to external programs. A command named
	// cache_cleanup replaces the builtin retention job.
	Commands map[string]Command
}

// Register binds the builtin jobs and returns the registered task types.
func Register(reg *jobrunner.Registry, b Builtins) ([]string, error) {
	var names []string
	if b.Pruner != nil {
		if err := reg.Register(CacheCleanup, NewCleanup(b.Pruner, b.Retention)); err != nil {
			return nil, err
		}
		names = append(names, CacheCleanup)
	}

	keys := make([]string, 0, len(b.Commands))
	for k := range b.Commands {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, taskType := range keys {
		if err := reg.Register(taskType, b.Commands[taskType]); err != nil {
			return nil, errors.Wrapf(err, "command job %s", taskType)
		}
		if taskType != CacheCleanup {
			names = append(names, taskType)
		}
	}
	sort.Strings(names)
	return names, nil
}
