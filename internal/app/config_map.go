package app

import (
	"strings"

	"taskmesh/internal/checkpoint"
	"taskmesh/internal/config"
	"taskmesh/internal/observability/admin"
	"taskmesh/internal/recovery"
	"taskmesh/internal/storage"
	"taskmesh/internal/task/engine"
	"taskmesh/internal/task/queue"
	"taskmesh/internal/task/scheduler"
	logx "taskmesh/pkg/logx"
)

// Mappers turn validated config sections into component configs. Durations
// were checked by config.Validate, so the accessors cannot fail here.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapQueue(cfg *config.Config) queue.Config {
	return queue.Config{MaxSize: cfg.Queue.MaxSize, HistorySize: cfg.Queue.HistorySize}
}

func mapEngine(cfg *config.Config) engine.Config {
	return engine.Config{Workers: cfg.Engine.Workers, DefaultTimeout: cfg.Engine.Timeout()}
}

func mapCheckpoint(cfg *config.Config) checkpoint.Config {
	return checkpoint.Config{
		MaxPerTask:      cfg.Checkpoint.MaxPerTask,
		AutoJoinTimeout: cfg.Checkpoint.JoinTimeout(),
		AutoWriteRate:   cfg.Checkpoint.AutoWriteRate,
	}
}

func mapJanitor(cfg *config.Config) checkpoint.JanitorConfig {
	return checkpoint.JanitorConfig{
		Schedule: strings.TrimSpace(cfg.Checkpoint.SweepSchedule),
		MaxAge:   cfg.Checkpoint.RetentionAge(),
	}
}

func mapStorage(cfg *config.Config) storage.Config {
	sc := cfg.Storage
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: sc.SQLiteBusyTimeout(),
		Redis: storage.RedisConfig{
			Addr:     strings.TrimSpace(sc.Redis.Addr),
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			Prefix:   strings.TrimSpace(sc.Redis.Prefix),
			TTL:      sc.Redis.KeyTTL(),
		},
	}
}

// archiveDir resolves recovery.archive_dir, falling back to the storage
// default (<base>/failed_states).
func archiveDir(cfg *config.Config) string {
	if r := cfg.Recovery; r != nil && strings.TrimSpace(r.ArchiveDir) != "" {
		return strings.TrimSpace(r.ArchiveDir)
	}
	return storage.DefaultArchiveDir(mapStorage(cfg))
}

func mapRecovery(cfg *config.Config) recovery.Options {
	opts := recovery.DefaultOptions()
	r := cfg.Recovery
	if r == nil {
		return opts
	}
	opts.RetryFromCheckpoint = config.BoolOr(r.RetryFromCheckpoint, opts.RetryFromCheckpoint)
	if r.MaxRetryAttempts > 0 {
		opts.MaxRetryAttempts = r.MaxRetryAttempts
	}
	if d := r.Backoff(); d > 0 {
		opts.BackoffBase = d
	}
	opts.RestoreWorkspace = config.BoolOr(r.RestoreWorkspace, opts.RestoreWorkspace)
	opts.NotifyOnRecovery = config.BoolOr(r.NotifyOnRecovery, opts.NotifyOnRecovery)
	opts.CleanupOnSuccess = config.BoolOr(r.CleanupOnSuccess, opts.CleanupOnSuccess)
	opts.PreserveFailedState = config.BoolOr(r.PreserveFailedState, opts.PreserveFailedState)
	return opts
}

func mapSchedules(cfg *config.Config) scheduler.Config {
	out := scheduler.Config{Timezone: strings.TrimSpace(cfg.Schedules.Timezone)}
	for _, j := range cfg.Schedules.Jobs {
		out.Jobs = append(out.Jobs, scheduler.Job{
			Name:     j.Name,
			Schedule: j.Schedule,
			TaskType: j.TaskType,
			Priority: j.Priority,
			Timeout:  j.TimeoutDuration(),
			Payload:  j.Payload,
		})
	}
	return out
}

func mapAdmin(cfg *config.Config) admin.Config {
	return admin.Config{
		Enabled:       cfg.Admin.Enabled,
		Addr:          strings.TrimSpace(cfg.Admin.Addr),
		Token:         strings.TrimSpace(cfg.Admin.Token),
		AllowInsecure: cfg.Admin.AllowInsecure,
	}
}
