package config

// Config is the daemon configuration. Durations are Go duration strings
// ("250ms", "10s", "5m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Queue      QueueConfig      `json:"queue"`
	Engine     EngineConfig     `json:"engine"`
	Agents     AgentsConfig     `json:"agents"`
	Checkpoint CheckpointConfig `json:"checkpoint"`
	Storage    StorageConfig    `json:"storage"`
	Schedules  SchedulesConfig  `json:"schedules"`
	Admin      AdminConfig      `json:"admin"`

	// Recovery may be omitted; every field then takes its default.
	Recovery *RecoveryConfig `json:"recovery,omitempty"`
}

// LoggingConfig: json switches stdout from the console writer to JSON lines.
type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// QueueConfig sizes the priority queue.
//
// Defaults: max_size 0 (unbounded), history_size 1000.
type QueueConfig struct {
	MaxSize     int `json:"max_size,omitempty"`
	HistorySize int `json:"history_size,omitempty"`
}

// EngineConfig controls dispatch.
//
// Defaults: workers 4, default_timeout "5m".
type EngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
}

// AgentsConfig sizes the built-in echo agents registered at startup.
type AgentsConfig struct {
	EchoWorkers int `json:"echo_workers,omitempty"`
}

// CheckpointConfig controls retention and auto-checkpointing.
//
// Defaults: max_per_task 10, auto_join_timeout "5s", auto_write_rate 0
// (unlimited), sweep_schedule "@every 10m", max_age "0s" (sweep disabled).
type CheckpointConfig struct {
	MaxPerTask      int     `json:"max_per_task,omitempty"`
	AutoJoinTimeout string  `json:"auto_join_timeout,omitempty"`
	AutoWriteRate   float64 `json:"auto_write_rate,omitempty"`
	SweepSchedule   string  `json:"sweep_schedule,omitempty"`
	MaxAge          string  `json:"max_age,omitempty"`
}

// StorageConfig selects the checkpoint backend: "file" (default), "redis" or
// "sqlite". Path is the base directory for file and the database file for
// sqlite.
type StorageConfig struct {
	Driver      string      `json:"driver"`
	Path        string      `json:"path"`
	BusyTimeout string      `json:"busy_timeout,omitempty"`
	Redis       RedisConfig `json:"redis"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
	TTL      string `json:"ttl,omitempty"`
}

// SchedulesConfig defines recurring task submissions. Schedules accept cron
// specs ("*/5 * * * *", "@hourly", "@every 10m"), Go durations ("55m") or
// HH:MM intervals ("01:30").
type SchedulesConfig struct {
	Timezone string        `json:"timezone,omitempty"`
	Jobs     []ScheduleJob `json:"jobs,omitempty"`
}

type ScheduleJob struct {
	Name     string         `json:"name"`
	Schedule string         `json:"schedule"`
	TaskType string         `json:"task_type"`
	Priority int            `json:"priority,omitempty"`
	Timeout  string         `json:"timeout,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// AdminConfig controls the optional local HTTP surface (health, status, task
// submission, pprof). Addr defaults to 127.0.0.1:6060; a non-loopback addr
// needs token or allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// RecoveryConfig holds recovery defaults. Booleans are pointers so an omitted
// field keeps its default.
//
// Defaults:
//   - retry_from_checkpoint: true
//   - max_retry_attempts: 3
//   - backoff_base: "1s"
//   - restore_workspace: true
//   - notify_on_recovery: true
//   - cleanup_on_success: false
//   - preserve_failed_state: true
//   - archive_dir: <storage dir>/failed_states
type RecoveryConfig struct {
	RetryFromCheckpoint *bool  `json:"retry_from_checkpoint,omitempty"`
	MaxRetryAttempts    int    `json:"max_retry_attempts,omitempty"`
	BackoffBase         string `json:"backoff_base,omitempty"`
	RestoreWorkspace    *bool  `json:"restore_workspace,omitempty"`
	NotifyOnRecovery    *bool  `json:"notify_on_recovery,omitempty"`
	CleanupOnSuccess    *bool  `json:"cleanup_on_success,omitempty"`
	PreserveFailedState *bool  `json:"preserve_failed_state,omitempty"`
	ArchiveDir          string `json:"archive_dir,omitempty"`
}

// BoolOr returns *p, or def when p is nil.
func BoolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
