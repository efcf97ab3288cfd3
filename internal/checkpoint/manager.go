package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"taskmesh/internal/eventbus"
	"taskmesh/internal/runtime/keylock"
	rtsup "taskmesh/internal/runtime/supervisor"
	logx "taskmesh/pkg/logx"
)

const (
	defaultMaxPerTask      = 10
	defaultAutoJoinTimeout = 5 * time.Second
	warnThrottleEvery      = 5 * time.Second
)

type Config struct {
	// MaxPerTask bounds the retained checkpoints per task.
	MaxPerTask int
	// AutoJoinTimeout bounds how long DisableAutoCheckpoint waits for the loop.
	AutoJoinTimeout time.Duration
	// AutoWriteRate caps auto-checkpoint writes per second across all tasks.
	// 0 means unlimited.
	AutoWriteRate float64
}

func (c Config) withDefaults() Config {
	if c.MaxPerTask <= 0 {
		c.MaxPerTask = defaultMaxPerTask
	}
	if c.AutoJoinTimeout <= 0 {
		c.AutoJoinTimeout = defaultAutoJoinTimeout
	}
	if c.AutoWriteRate < 0 {
		c.AutoWriteRate = 0
	}
	return c
}

type autoLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager creates checkpoints, enforces per-task retention and runs
// auto-checkpoint loops.
type Manager struct {
	backend Backend
	log     logx.Logger
	bus     eventbus.Bus
	now     func() time.Time

	mu         sync.Mutex
	cfg        Config
	active     map[string][]Checkpoint // oldest first
	hydrated   map[string]bool
	autos      map[string]*autoLoop
	lastMillis int64
	closed     bool

	taskLocks keylock.Locker

	limiter *rate.Limiter
	sup     *rtsup.Supervisor

	lastSkipWarnAt time.Time
}

func NewManager(cfg Config, backend Backend, log logx.Logger, bus eventbus.Bus) (*Manager, error) {
	if backend == nil {
		return nil, errors.New("nil checkpoint backend")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	m := &Manager{
		backend:  backend,
		log:      log,
		bus:      bus,
		now:      time.Now,
		cfg:      cfg,
		active:   map[string][]Checkpoint{},
		hydrated: map[string]bool{},
		autos:    map[string]*autoLoop{},
		limiter:  rate.NewLimiter(limitFor(cfg.AutoWriteRate), burstFor(cfg.AutoWriteRate)),
	}
	m.sup = rtsup.NewSupervisor(context.Background(),
		rtsup.WithLogger(log.Component("checkpoint.sup")),
		rtsup.WithCancelOnError(false),
	)
	return m, nil
}

func limitFor(perSec float64) rate.Limit {
	if perSec <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSec)
}

func burstFor(perSec float64) int {
	if perSec < 1 {
		return 1
	}
	return int(perSec)
}

// Apply updates retention and the auto-checkpoint write budget.
func (m *Manager) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	m.limiter.SetLimit(limitFor(cfg.AutoWriteRate))
	m.limiter.SetBurst(burstFor(cfg.AutoWriteRate))
}

// Create writes a new checkpoint for taskID. On success the checkpoint is
// VALIDATED and the task's oldest checkpoints beyond MaxPerTask are pruned.
// On a storage failure the returned checkpoint is CORRUPTED and the error
// wraps ErrStorageWrite.
func (m *Manager) Create(ctx context.Context, taskID, agentID string, progress float64, payload, metadata map[string]any) (Checkpoint, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return Checkpoint{}, ErrEmptyTaskID
	}
	if progress < 0 || progress > 1 || math.IsNaN(progress) {
		return Checkpoint{}, fmt.Errorf("%w: %v", ErrInvalidProgress, progress)
	}

	unlock := m.taskLocks.Lock(taskID)
	defer unlock()

	m.hydrate(ctx, taskID)

	ts := m.stamp()
	cp := Checkpoint{
		ID:        fmt.Sprintf("%s_%d", taskID, ts.UnixMilli()),
		TaskID:    taskID,
		AgentID:   agentID,
		Timestamp: ts,
		State:     StateCreated,
		Progress:  progress,
		Payload:   payload,
		Metadata:  metadata,
	}

	if err := m.backend.Save(ctx, cp); err != nil {
		return m.corrupted(ctx, cp, false, err)
	}
	if err := m.backend.UpdateState(ctx, cp.ID, StateValidated); err != nil {
		bad, cerr := m.corrupted(ctx, cp, true, err)
		// The record is in storage, so it counts toward retention.
		m.mu.Lock()
		m.active[taskID] = append(m.active[taskID], bad)
		m.mu.Unlock()
		m.prune(ctx, taskID)
		return bad, cerr
	}
	cp.State = StateValidated

	m.mu.Lock()
	m.active[taskID] = append(m.active[taskID], cp)
	m.mu.Unlock()

	m.log.Debug("checkpoint.created", logx.String("id", cp.ID), logx.String("task", taskID), logx.Float64("progress", progress))
	m.publish(eventbus.CheckpointCreated, cp, "")

	m.prune(ctx, taskID)
	return cp, nil
}

func (m *Manager) corrupted(ctx context.Context, cp Checkpoint, written bool, cause error) (Checkpoint, error) {
	cp.State = StateCorrupted
	if written {
		if err := m.backend.UpdateState(ctx, cp.ID, StateCorrupted); err != nil {
			m.log.Debug("checkpoint corrupted state not persisted", logx.String("id", cp.ID), logx.Err(err))
		}
	}
	m.log.Error("checkpoint.corrupted", logx.String("id", cp.ID), logx.String("task", cp.TaskID), logx.Err(cause))
	m.publish(eventbus.CheckpointCorrupted, cp, cause.Error())
	return cp, fmt.Errorf("%w: %w", ErrStorageWrite, cause)
}

// prune deletes the oldest checkpoints beyond MaxPerTask. A failed delete
// leaves the entry in place for the next pass.
func (m *Manager) prune(ctx context.Context, taskID string) {
	m.mu.Lock()
	limit := m.cfg.MaxPerTask
	list := m.active[taskID]
	var excess []Checkpoint
	if len(list) > limit {
		excess = append(excess, list[:len(list)-limit]...)
	}
	m.mu.Unlock()

	removed := map[string]bool{}
	for _, cp := range excess {
		if err := m.backend.Delete(ctx, cp.ID); err != nil {
			m.log.Warn("checkpoint prune failed", logx.String("id", cp.ID), logx.Err(err))
			break
		}
		removed[cp.ID] = true
		m.publish(eventbus.CheckpointPruned, cp, "")
	}
	if len(removed) == 0 {
		return
	}

	m.mu.Lock()
	kept := m.active[taskID][:0]
	for _, cp := range m.active[taskID] {
		if !removed[cp.ID] {
			kept = append(kept, cp)
		}
	}
	m.active[taskID] = kept
	m.mu.Unlock()
	m.log.Debug("checkpoint.pruned", logx.String("task", taskID), logx.Int("removed", len(removed)), logx.Int("kept", len(kept)))
}

// hydrate loads a task's stored checkpoints into the retention list the first
// time the task is touched in this process.
func (m *Manager) hydrate(ctx context.Context, taskID string) {
	m.mu.Lock()
	done := m.hydrated[taskID]
	m.mu.Unlock()
	if done {
		return
	}

	stored, err := m.backend.List(ctx, taskID)
	if err != nil {
		m.log.Warn("checkpoint hydrate failed", logx.String("task", taskID), logx.Err(err))
		return
	}
	sortOldestFirst(stored)

	m.mu.Lock()
	m.active[taskID] = stored
	m.hydrated[taskID] = true
	m.mu.Unlock()
}

// stamp returns a millisecond timestamp strictly greater than the previous one.
func (m *Manager) stamp() time.Time {
	ms := m.now().UnixMilli()
	m.mu.Lock()
	if ms <= m.lastMillis {
		ms = m.lastMillis + 1
	}
	m.lastMillis = ms
	m.mu.Unlock()
	return time.UnixMilli(ms).UTC()
}

// Latest returns the newest VALIDATED checkpoint of a task.
func (m *Manager) Latest(ctx context.Context, taskID string) (Checkpoint, bool, error) {
	list, err := m.backend.List(ctx, taskID)
	if err != nil {
		return Checkpoint{}, false, err
	}
	sortNewestFirst(list)
	for _, cp := range list {
		if cp.State == StateValidated {
			return cp, true, nil
		}
	}
	return Checkpoint{}, false, nil
}

// History returns every stored checkpoint of a task, newest first.
func (m *Manager) History(ctx context.Context, taskID string) ([]Checkpoint, error) {
	list, err := m.backend.List(ctx, taskID)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(list)
	return list, nil
}

// Checkpoint loads a checkpoint by id.
func (m *Manager) Checkpoint(ctx context.Context, id string) (Checkpoint, error) {
	return m.backend.Load(ctx, id)
}

// MarkRestored moves a VALIDATED checkpoint to RESTORED.
func (m *Manager) MarkRestored(ctx context.Context, id string) error {
	cp, err := m.backend.Load(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(cp.State, StateRestored) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cp.State, StateRestored)
	}
	if err := m.backend.UpdateState(ctx, id, StateRestored); err != nil {
		return err
	}

	m.mu.Lock()
	list := m.active[cp.TaskID]
	for i := range list {
		if list[i].ID == id {
			list[i].State = StateRestored
		}
	}
	m.mu.Unlock()
	return nil
}

// CleanupTaskCheckpoints disables auto-checkpointing for the task and removes
// all of its checkpoints.
func (m *Manager) CleanupTaskCheckpoints(ctx context.Context, taskID string) error {
	m.DisableAutoCheckpoint(taskID)

	unlock := m.taskLocks.Lock(taskID)
	defer unlock()

	if err := m.backend.DeleteAll(ctx, taskID); err != nil {
		return fmt.Errorf("delete checkpoints of %s: %w", taskID, err)
	}
	m.mu.Lock()
	delete(m.active, taskID)
	delete(m.hydrated, taskID)
	m.mu.Unlock()
	m.log.Info("checkpoint.cleanup", logx.String("task", taskID))
	return nil
}

// Active returns the retained checkpoints the manager tracks for a task,
// oldest first.
func (m *Manager) Active(taskID string) []Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Checkpoint(nil), m.active[taskID]...)
}

// Close stops every auto-checkpoint loop, bounded by ctx.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for id, a := range m.autos {
		a.cancel()
		delete(m.autos, id)
	}
	m.mu.Unlock()

	if err := m.sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (m *Manager) publish(typ string, cp Checkpoint, errMsg string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Data: Event{
		CheckpointID: cp.ID,
		TaskID:       cp.TaskID,
		State:        cp.State,
		Progress:     cp.Progress,
		Error:        errMsg,
	}})
}

func sortNewestFirst(list []Checkpoint) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].Timestamp.Equal(list[j].Timestamp) {
			return list[i].Timestamp.After(list[j].Timestamp)
		}
		return list[i].ID > list[j].ID
	})
}

func sortOldestFirst(list []Checkpoint) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].Timestamp.Equal(list[j].Timestamp) {
			return list[i].Timestamp.Before(list[j].Timestamp)
		}
		return list[i].ID < list[j].ID
	})
}
