package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string. Empty means 0; negative
// values are rejected. path names the field in error messages.
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
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for 0.
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

// durationOf reads a field Validate already accepted. Anything unparsable is 0,
// which the owning component treats as "use the default".
func durationOf(raw string) time.Duration {
	d, err := ParseDurationField("", raw)
	if err != nil {
		return 0
	}
	return d
}

func (c EngineConfig) Timeout() time.Duration { return durationOf(c.DefaultTimeout) }

func (c CheckpointConfig) JoinTimeout() time.Duration { return durationOf(c.AutoJoinTimeout) }

// RetentionAge is the janitor cutoff; 0 disables the sweep.
func (c CheckpointConfig) RetentionAge() time.Duration { return durationOf(c.MaxAge) }

func (c StorageConfig) SQLiteBusyTimeout() time.Duration { return durationOf(c.BusyTimeout) }

func (c RedisConfig) KeyTTL() time.Duration { return durationOf(c.TTL) }

func (c RecoveryConfig) Backoff() time.Duration { return durationOf(c.BackoffBase) }

func (j ScheduleJob) TimeoutDuration() time.Duration { return durationOf(j.Timeout) }
