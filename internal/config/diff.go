package config

import (
	"reflect"
	"strings"

	logx "taskmesh/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like the
// redis password or the admin token).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 9)
	attrs := make([]logx.Field, 0, 20)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.max_size", newCfg.Queue.MaxSize),
			logx.Int("queue.history_size", newCfg.Queue.HistorySize),
		)
	}

	if oldCfg.Engine.Workers != newCfg.Engine.Workers ||
		strings.TrimSpace(oldCfg.Engine.DefaultTimeout) != strings.TrimSpace(newCfg.Engine.DefaultTimeout) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.String("engine.default_timeout", strings.TrimSpace(newCfg.Engine.DefaultTimeout)),
		)
	}

	if oldCfg.Agents != newCfg.Agents {
		changed = append(changed, "agents")
		attrs = append(attrs, logx.Int("agents.echo_workers", newCfg.Agents.EchoWorkers))
	}

	if oldCfg.Checkpoint != newCfg.Checkpoint {
		changed = append(changed, "checkpoint")
		attrs = append(attrs,
			logx.Int("checkpoint.max_per_task", newCfg.Checkpoint.MaxPerTask),
			logx.Float64("checkpoint.auto_write_rate", newCfg.Checkpoint.AutoWriteRate),
			logx.String("checkpoint.sweep_schedule", strings.TrimSpace(newCfg.Checkpoint.SweepSchedule)),
			logx.String("checkpoint.max_age", strings.TrimSpace(newCfg.Checkpoint.MaxAge)),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)),
			logx.String("storage.redis.addr", strings.TrimSpace(newCfg.Storage.Redis.Addr)),
			logx.Bool("storage.redis.password_set", newCfg.Storage.Redis.Password != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Schedules, newCfg.Schedules) {
		changed = append(changed, "schedules")
		attrs = append(attrs,
			logx.String("schedules.timezone", strings.TrimSpace(newCfg.Schedules.Timezone)),
			logx.Int("schedules.jobs", len(newCfg.Schedules.Jobs)),
		)
	}

	if oldCfg.Admin != newCfg.Admin {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", strings.TrimSpace(newCfg.Admin.Addr)),
			logx.Bool("admin.token_set", newCfg.Admin.Token != ""),
		)
	}

	oldR, newR := derefRecovery(oldCfg.Recovery), derefRecovery(newCfg.Recovery)
	if !reflect.DeepEqual(oldR, newR) {
		changed = append(changed, "recovery")
		attrs = append(attrs,
			logx.Bool("recovery.retry_from_checkpoint", BoolOr(newR.RetryFromCheckpoint, true)),
			logx.Int("recovery.max_retry_attempts", newR.MaxRetryAttempts),
			logx.String("recovery.backoff_base", strings.TrimSpace(newR.BackoffBase)),
			logx.Bool("recovery.preserve_failed_state", BoolOr(newR.PreserveFailedState, true)),
		)
	}

	return changed, attrs
}

// RestartRequired lists changed settings that only take effect on restart.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Queue != newCfg.Queue {
		out = append(out, "queue")
	}
	if oldCfg.Engine.Workers != newCfg.Engine.Workers {
		out = append(out, "engine.workers")
	}
	if oldCfg.Agents != newCfg.Agents {
		out = append(out, "agents")
	}
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, "storage")
	}
	if strings.TrimSpace(derefRecovery(oldCfg.Recovery).ArchiveDir) != strings.TrimSpace(derefRecovery(newCfg.Recovery).ArchiveDir) {
		out = append(out, "recovery.archive_dir")
	}
	return out
}

func derefRecovery(r *RecoveryConfig) RecoveryConfig {
	if r == nil {
		return RecoveryConfig{}
	}
	return *r
}
