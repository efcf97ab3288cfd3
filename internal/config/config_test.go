package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: info
  console: true
queue:
  max_size: 100
engine:
  workers: 2
  default_timeout: 30s
checkpoint:
  max_per_task: 5
  sweep_schedule: "@every 1h"
  max_age: 72h
storage:
  driver: sqlite
  path: ./data/checkpoints.db
  busy_timeout: 2s
recovery:
  max_retry_attempts: 4
  cleanup_on_success: true
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	m := NewConfigManager(writeConfig(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.Workers != 2 || cfg.Engine.DefaultTimeout != "30s" || cfg.Queue.MaxSize != 100 {
		t.Fatalf("engine/queue = %+v / %+v", cfg.Engine, cfg.Queue)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Checkpoint.MaxPerTask != 5 {
		t.Fatalf("storage/checkpoint = %+v / %+v", cfg.Storage, cfg.Checkpoint)
	}
	r := cfg.Recovery
	if r == nil || r.MaxRetryAttempts != 4 || !BoolOr(r.CleanupOnSuccess, false) || !BoolOr(r.RetryFromCheckpoint, true) {
		t.Fatalf("recovery = %+v", r)
	}
	if m.Get() != cfg {
		t.Fatalf("Load must commit the parsed config")
	}
}

func TestLoadJSONRejectsUnknownFields(t *testing.T) {
	m := NewConfigManager(writeConfig(t, "config.json", `{"storage":{"driver":"file","path":"x"},"telegram":{}}`))
	if _, err := m.Load(); err == nil || !strings.Contains(err.Error(), "telegram") {
		t.Fatalf("err = %v, want unknown field error", err)
	}
}

func TestLoadRejectsTrailingData(t *testing.T) {
	m := NewConfigManager(writeConfig(t, "config.json", `{"storage":{"path":"x"}} {}`))
	if _, err := m.Load(); err == nil {
		t.Fatalf("trailing data accepted")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"ok", Config{Storage: StorageConfig{Path: "data"}}, ""},
		{"bad duration", Config{Engine: EngineConfig{DefaultTimeout: "soon"}, Storage: StorageConfig{Path: "d"}}, "engine.default_timeout"},
		{"negative workers", Config{Engine: EngineConfig{Workers: -1}, Storage: StorageConfig{Path: "d"}}, "engine.workers"},
		{"unknown driver", Config{Storage: StorageConfig{Driver: "etcd", Path: "d"}}, "storage.driver"},
		{"redis needs addr", Config{Storage: StorageConfig{Driver: "redis"}}, "storage.redis.addr"},
		{"file needs path", Config{}, "storage.path"},
		{"negative rate", Config{Checkpoint: CheckpointConfig{AutoWriteRate: -1}, Storage: StorageConfig{Path: "d"}}, "auto_write_rate"},
		{"unknown log level", Config{Logging: LoggingConfig{Level: "loud"}, Storage: StorageConfig{Path: "d"}}, "logging.level"},
		{"recovery backoff", Config{Storage: StorageConfig{Path: "d"}, Recovery: &RecoveryConfig{BackoffBase: "-1s"}}, "recovery.backoff_base"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := Validate(&c.cfg)
			if c.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), c.want) {
				t.Fatalf("err = %v, want mention of %q", err, c.want)
			}
		})
	}
}

func TestSummarizeAndRestartRequired(t *testing.T) {
	tr := true
	oldCfg := &Config{Engine: EngineConfig{Workers: 2, DefaultTimeout: "1m"}, Storage: StorageConfig{Driver: "file", Path: "a"}}
	newCfg := &Config{
		Engine:   EngineConfig{Workers: 4, DefaultTimeout: "2m"},
		Storage:  StorageConfig{Driver: "redis", Redis: RedisConfig{Addr: "localhost:6379", Password: "hunter2"}},
		Recovery: &RecoveryConfig{CleanupOnSuccess: &tr},
	}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if got := strings.Join(changed, ","); got != "engine,storage,recovery" {
		t.Fatalf("changed = %s", got)
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs")
	}
	if got := strings.Join(RestartRequired(oldCfg, newCfg), ","); got != "engine.workers,storage" {
		t.Fatalf("restart required = %s", got)
	}
	if got := RestartRequired(oldCfg, oldCfg); len(got) != 0 {
		t.Fatalf("identical configs need restart: %v", got)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "3s", time.Minute); err != nil || d != 3*time.Second {
		t.Fatalf("3s = %v, %v", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "-3s", time.Minute); err == nil {
		t.Fatalf("negative accepted")
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	path := writeConfig(t, "config.json", `{"storage":{"path":"a"},"engine":{"workers":1}}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	rejected := errors.New("workers must be odd")
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Engine.Workers%2 == 0 {
			return rejected
		}
		return nil
	})
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte(`{"storage":{"path":"a"},"engine":{"workers":2}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(600 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"storage":{"path":"a"},"engine":{"workers":3}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case cfg := <-ch:
		if cfg.Engine.Workers != 3 {
			t.Fatalf("published workers = %d, want 3 (2 must be rejected)", cfg.Engine.Workers)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no config published")
	}
	if m.Get().Engine.Workers != 3 {
		t.Fatalf("committed workers = %d", m.Get().Engine.Workers)
	}
}

func TestEnvReferencesExpanded(t *testing.T) {
	t.Setenv("TASKMESH_REDIS_PASSWORD", "s3cret")
	body := `
storage:
  driver: redis
  redis:
    addr: "${TASKMESH_REDIS_ADDR:-localhost:6379}"
    password: "${TASKMESH_REDIS_PASSWORD}"
`
	m := NewConfigManager(writeConfig(t, "config.yml", body))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Redis.Addr != "localhost:6379" || cfg.Storage.Redis.Password != "s3cret" {
		t.Fatalf("redis = %+v", cfg.Storage.Redis)
	}
}

func TestEnvReferenceUnsetFails(t *testing.T) {
	m := NewConfigManager(writeConfig(t, "config.json", `{"storage":{"path":"${TASKMESH_TEST_UNSET_DIR}"}}`))
	if _, err := m.Load(); err == nil || !strings.Contains(err.Error(), "TASKMESH_TEST_UNSET_DIR") {
		t.Fatalf("err = %v, want unset variable error", err)
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := Config{
		Engine:     EngineConfig{DefaultTimeout: "90s"},
		Checkpoint: CheckpointConfig{AutoJoinTimeout: "bogus", MaxAge: "48h"},
		Storage:    StorageConfig{Redis: RedisConfig{TTL: "1h"}},
	}
	if cfg.Engine.Timeout() != 90*time.Second {
		t.Fatalf("engine timeout = %v", cfg.Engine.Timeout())
	}
	if cfg.Checkpoint.JoinTimeout() != 0 {
		t.Fatalf("malformed duration must read as 0")
	}
	if cfg.Checkpoint.RetentionAge() != 48*time.Hour || cfg.Storage.Redis.KeyTTL() != time.Hour {
		t.Fatalf("age/ttl = %v/%v", cfg.Checkpoint.RetentionAge(), cfg.Storage.Redis.KeyTTL())
	}
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := NewConfigManager(filepath.Join("..", "..", "config.example.yaml")).Load()
	if err != nil {
		t.Fatalf("Load example: %v", err)
	}
	if cfg.Storage.Redis.Addr == "" || len(cfg.Schedules.Jobs) != 1 || cfg.Admin.Enabled {
		t.Fatalf("example config = %+v", cfg)
	}
}
