package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskmesh/internal/eventbus"
	logx "taskmesh/pkg/logx"
)

const defaultSweepSchedule = "@every 10m"

type JanitorConfig struct {
	// Schedule is a cron spec (descriptors such as "@every 10m" allowed).
	Schedule string
	// MaxAge is the age after which checkpoints and failed-state artifacts are
	// removed. 0 disables the sweep.
	MaxAge time.Duration
}

// ArchivePruner removes failed-state artifacts older than a cutoff.
type ArchivePruner interface {
	Prune(ctx context.Context, olderThan time.Time) (int, error)
}

type SweepResult struct {
	Checkpoints int
	Artifacts   int
}

// Janitor periodically drops expired checkpoints and failed-state artifacts.
type Janitor struct {
	backend Backend
	archive ArchivePruner
	log     logx.Logger
	bus     eventbus.Bus
	parser  cron.Parser
	now     func() time.Time

	mu  sync.Mutex
	cfg JanitorConfig
	c   *cron.Cron
}

func NewJanitor(cfg JanitorConfig, backend Backend, archive ArchivePruner, log logx.Logger, bus eventbus.Bus) (*Janitor, error) {
	if backend == nil {
		return nil, errors.New("nil checkpoint backend")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	j := &Janitor{
		backend: backend,
		archive: archive,
		log:     log,
		bus:     bus,
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:     time.Now,
	}
	cfg = normalizeJanitor(cfg)
	if _, err := j.parser.Parse(cfg.Schedule); err != nil {
		return nil, err
	}
	j.cfg = cfg
	return j, nil
}

func normalizeJanitor(cfg JanitorConfig) JanitorConfig {
	cfg.Schedule = strings.TrimSpace(cfg.Schedule)
	if cfg.Schedule == "" {
		cfg.Schedule = defaultSweepSchedule
	}
	return cfg
}

// Start schedules the sweep. Start is idempotent.
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.c != nil {
		return nil
	}
	return j.startLocked()
}

func (j *Janitor) startLocked() error {
	c := cron.New(cron.WithParser(j.parser))
	if _, err := c.AddFunc(j.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := j.Sweep(ctx); err != nil {
			j.log.Warn("checkpoint sweep failed", logx.Err(err))
		}
	}); err != nil {
		return err
	}
	c.Start()
	j.c = c
	j.log.Info("janitor started", logx.String("schedule", j.cfg.Schedule), logx.Duration("max_age", j.cfg.MaxAge))
	return nil
}

// Validate reports whether Apply would accept cfg.
func (j *Janitor) Validate(cfg JanitorConfig) error {
	if _, err := j.parser.Parse(normalizeJanitor(cfg).Schedule); err != nil {
		return fmt.Errorf("sweep schedule: %w", err)
	}
	return nil
}

// Apply swaps the schedule and max age, restarting the cron if it runs.
func (j *Janitor) Apply(cfg JanitorConfig) error {
	if err := j.Validate(cfg); err != nil {
		return err
	}
	cfg = normalizeJanitor(cfg)
	j.mu.Lock()
	defer j.mu.Unlock()
	changed := cfg.Schedule != j.cfg.Schedule
	j.cfg = cfg
	if j.c == nil || !changed {
		return nil
	}
	<-j.c.Stop().Done()
	j.c = nil
	return j.startLocked()
}

// Stop halts scheduling and waits for a running sweep, bounded by ctx.
func (j *Janitor) Stop(ctx context.Context) {
	j.mu.Lock()
	c := j.c
	j.c = nil
	j.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Sweep runs one retention pass. Backends that do not implement Expirer keep
// their checkpoints; artifacts are pruned regardless.
func (j *Janitor) Sweep(ctx context.Context) (SweepResult, error) {
	j.mu.Lock()
	maxAge := j.cfg.MaxAge
	j.mu.Unlock()

	var res SweepResult
	if maxAge <= 0 {
		return res, nil
	}
	cutoff := j.now().Add(-maxAge)

	var errs []error
	if ex, ok := j.backend.(Expirer); ok {
		n, err := ex.DeleteOlderThan(ctx, cutoff)
		res.Checkpoints = n
		if err != nil {
			errs = append(errs, err)
		}
	}
	if j.archive != nil {
		n, err := j.archive.Prune(ctx, cutoff)
		res.Artifacts = n
		if err != nil {
			errs = append(errs, err)
		}
	}

	if res.Checkpoints > 0 || res.Artifacts > 0 {
		j.log.Info("checkpoint.sweep", logx.Int("checkpoints", res.Checkpoints), logx.Int("artifacts", res.Artifacts), logx.Time("cutoff", cutoff))
		if j.bus != nil {
			j.bus.Publish(eventbus.Event{Type: eventbus.CheckpointPruned, Data: res})
		}
	}
	return res, errors.Join(errs...)
}
