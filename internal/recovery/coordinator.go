package recovery

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"taskmesh/internal/checkpoint"
	"taskmesh/internal/eventbus"
	"taskmesh/internal/runtime/keylock"
	logx "taskmesh/pkg/logx"
)

// Coordinator restores checkpoints and drives handler retries. Recoveries of
// the same task are serialized.
type Coordinator struct {
	cps      Checkpoints
	restorer WorkspaceRestorer
	archive  Archive
	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	opts  Options
	locks keylock.Locker
}

// New builds a coordinator. restorer and archive may be nil: workspace
// restores and failed-state archiving are then skipped.
func New(cps Checkpoints, restorer WorkspaceRestorer, archive Archive, opts Options, log logx.Logger, bus eventbus.Bus) (*Coordinator, error) {
	if cps == nil {
		return nil, errors.New("nil checkpoint manager")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{
		cps:      cps,
		restorer: restorer,
		archive:  archive,
		log:      log,
		bus:      bus,
		now:      time.Now,
		sleep:    sleepCtx,
		opts:     opts,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Options returns the configured defaults.
func (c *Coordinator) Options() Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

// Apply replaces the configured defaults.
func (c *Coordinator) Apply(opts Options) {
	c.mu.Lock()
	c.opts = opts
	c.mu.Unlock()
}

// RestoreCheckpoint builds a recovery payload from a VALIDATED checkpoint and
// marks it RESTORED.
func (c *Coordinator) RestoreCheckpoint(ctx context.Context, checkpointID string, opts Options) (Payload, error) {
	cp, err := c.cps.Checkpoint(ctx, checkpointID)
	if err != nil {
		return Payload{}, err
	}
	p, err := c.restore(ctx, cp, opts)
	if err != nil {
		return Payload{}, err
	}
	if err := c.cps.MarkRestored(ctx, cp.ID); err != nil {
		return Payload{}, fmt.Errorf("mark restored %s: %w", cp.ID, err)
	}
	return p, nil
}

func (c *Coordinator) restore(ctx context.Context, cp checkpoint.Checkpoint, opts Options) (Payload, error) {
	if cp.State != checkpoint.StateValidated {
		return Payload{}, fmt.Errorf("%w: %s is %s", ErrCheckpointNotValidated, cp.ID, cp.State)
	}
	p := Payload{
		CheckpointID: cp.ID,
		TaskID:       cp.TaskID,
		AgentID:      cp.AgentID,
		Progress:     cp.Progress,
		Data:         cp.Payload,
		Metadata:     cp.Metadata,
		RestoredAt:   c.now(),
	}

	ref, _ := cp.Payload[WorkspaceSnapshotKey].(string)
	if opts.RestoreWorkspace && c.restorer != nil && strings.TrimSpace(ref) != "" {
		ws, err := c.restorer.Restore(ctx, ref)
		if err != nil {
			c.log.Warn("workspace restore failed", logx.String("checkpoint", cp.ID), logx.String("ref", ref), logx.Err(err))
			ws = WorkspaceResult{Restored: false, Error: err.Error()}
		}
		p.Workspace = &ws
	}
	return p, nil
}

// RecoverTask resumes a task from its latest validated checkpoint. It returns
// recovered=false with a nil error when the task has nothing to recover from.
// After every attempt failed it returns an *ExhaustedError.
//
// The checkpoint is marked RESTORED once the handler succeeds, so each retry
// restores from the same checkpoint.
func (c *Coordinator) RecoverTask(ctx context.Context, taskID string, h Handler, opts Options) (result any, recovered bool, err error) {
	if h == nil {
		return nil, false, ErrNilHandler
	}
	unlock := c.locks.Lock(taskID)
	defer unlock()

	log := c.log.With(logx.String("task", taskID))
	cp, ok, err := c.cps.Latest(ctx, taskID)
	if err != nil {
		return nil, false, fmt.Errorf("latest checkpoint of %s: %w", taskID, err)
	}
	if !ok {
		log.Info("recovery skipped: no validated checkpoint")
		return nil, false, nil
	}

	attempts := opts.attempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		p, err := c.restore(ctx, cp, opts)
		if err != nil {
			return nil, false, err
		}

		res, herr := callHandler(ctx, h, p)
		if herr == nil {
			if err := c.cps.MarkRestored(ctx, cp.ID); err != nil {
				log.Warn("mark restored failed", logx.String("checkpoint", cp.ID), logx.Err(err))
			}
			if opts.CleanupOnSuccess {
				if err := c.cps.CleanupTaskCheckpoints(ctx, taskID); err != nil {
					log.Warn("checkpoint cleanup failed", logx.Err(err))
				}
			}
			log.Info("recovery.succeeded", logx.String("checkpoint", cp.ID), logx.Int("attempt", attempt))
			c.notify(opts, eventbus.RecoverySucceeded, Event{TaskID: taskID, CheckpointID: cp.ID, Attempt: attempt})
			return res, true, nil
		}

		lastErr = herr
		var hp *handlerPanic
		if errors.As(herr, &hp) {
			log.Error("recovery handler panicked", logx.Any("panic", hp.value), logx.String("stack", hp.stack))
		}
		if attempt == attempts {
			break
		}
		delay := opts.backoff(attempt)
		log.Warn("recovery.retry", logx.String("checkpoint", cp.ID), logx.Int("attempt", attempt), logx.Duration("delay", delay), logx.Err(herr))
		c.notify(opts, eventbus.RecoveryRetry, Event{TaskID: taskID, CheckpointID: cp.ID, Attempt: attempt, Delay: delay, Error: herr.Error()})
		if err := c.sleep(ctx, delay); err != nil {
			return nil, false, fmt.Errorf("recovery of %s interrupted: %w", taskID, err)
		}
	}

	exErr := &ExhaustedError{TaskID: taskID, CheckpointID: cp.ID, Attempts: attempts, Err: lastErr}
	if opts.PreserveFailedState && c.archive != nil {
		now := c.now()
		rec := FailedState{
			TaskID:       taskID,
			CheckpointID: cp.ID,
			Error:        lastErr.Error(),
			ErrorKind:    fmt.Sprintf("%T", lastErr),
			Attempts:     attempts,
			Timestamp:    now,
			Checkpoint:   cp,
		}
		path, err := c.archive.Write(ctx, taskID, now, rec)
		if err != nil {
			log.Error("failed state not archived", logx.Err(err))
		} else {
			exErr.ArtifactPath = path
		}
	}
	log.Error("recovery.exhausted", logx.String("checkpoint", cp.ID), logx.Int("attempts", attempts), logx.String("artifact", exErr.ArtifactPath), logx.Err(lastErr))
	c.notify(opts, eventbus.RecoveryExhausted, Event{TaskID: taskID, CheckpointID: cp.ID, Attempt: attempts, Error: lastErr.Error(), ArtifactPath: exErr.ArtifactPath})
	return nil, false, exErr
}

func (c *Coordinator) notify(opts Options, typ string, e Event) {
	if !opts.NotifyOnRecovery || c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Data: e})
}

// handlerPanic wraps a recovered handler panic.
type handlerPanic struct {
	value any
	stack string
}

func (p *handlerPanic) Error() string { return fmt.Sprintf("handler panic: %v", p.value) }

func callHandler(ctx context.Context, h Handler, p Payload) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &handlerPanic{value: r, stack: string(debug.Stack())}
		}
	}()
	return h(ctx, p)
}
