package config

import (
	"errors"
	"fmt"
	"strings"
)

var knownDrivers = map[string]bool{"": true, "file": true, "redis": true, "sqlite": true, "sqlite3": true}

// Validate checks values the strict decoder cannot: ranges, durations and
// driver-specific requirements.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	nonNeg := func(path string, v int) {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s: must be >= 0", path))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	nonNeg("queue.max_size", cfg.Queue.MaxSize)
	nonNeg("queue.history_size", cfg.Queue.HistorySize)
	nonNeg("engine.workers", cfg.Engine.Workers)
	check("engine.default_timeout", cfg.Engine.DefaultTimeout)
	nonNeg("agents.echo_workers", cfg.Agents.EchoWorkers)

	nonNeg("checkpoint.max_per_task", cfg.Checkpoint.MaxPerTask)
	check("checkpoint.auto_join_timeout", cfg.Checkpoint.AutoJoinTimeout)
	check("checkpoint.max_age", cfg.Checkpoint.MaxAge)
	if cfg.Checkpoint.AutoWriteRate < 0 {
		errs = append(errs, errors.New("checkpoint.auto_write_rate: must be >= 0"))
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if !knownDrivers[driver] {
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	check("storage.busy_timeout", cfg.Storage.BusyTimeout)
	check("storage.redis.ttl", cfg.Storage.Redis.TTL)
	switch driver {
	case "redis":
		if strings.TrimSpace(cfg.Storage.Redis.Addr) == "" {
			errs = append(errs, errors.New("storage.redis.addr: required for redis driver"))
		}
	default:
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path: required"))
		}
	}

	for i, j := range cfg.Schedules.Jobs {
		check(fmt.Sprintf("schedules.jobs[%d].timeout", i), j.Timeout)
	}

	if r := cfg.Recovery; r != nil {
		nonNeg("recovery.max_retry_attempts", r.MaxRetryAttempts)
		check("recovery.backoff_base", r.BackoffBase)
	}
	return errors.Join(errs...)
}
