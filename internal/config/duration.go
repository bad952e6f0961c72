package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration fields (telegram.poll_timeout, storage.busy_timeout,
// pool.interval, delivery.send_delay, the workflow windows) are plain Go
// duration strings in the YAML. They are validated with ParseDurationField
// when the file is loaded and resolved against their defaults with
// ParseDurationOrDefault when the owning component is wired.

// ParseDurationField parses one duration field. An unset (empty) field is
// zero, not an error; negative durations are rejected. Errors carry the
// field's config path so reload logs point at the offending line.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault parses a duration field, substituting def when the
// field is unset or zero.
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
