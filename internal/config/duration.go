package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const day = 24 * time.Hour

// ParseDuration accepts Go durations plus a whole-day form ("30d"), which
// retention settings are usually written in.
func ParseDuration(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if days, ok := strings.CutSuffix(s, "d"); ok && days != "" {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, errors.Newf("invalid day count %q", days)
		}
		return time.Duration(n) * day, nil
	}
	return time.ParseDuration(s)
}

// ParseDurationField parses a config value. Empty means unset and returns 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	d, err := ParseDuration(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "%s: invalid duration %q", path, raw)
	}
	if d < 0 {
		return 0, errors.Newf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
