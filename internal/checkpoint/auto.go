package checkpoint

import (
	"context"
	"fmt"
	"time"

	logx "taskmesh/pkg/logx"
)

// EnableAutoCheckpoint starts a periodic loop that asks provider for a
// payload every interval and writes a checkpoint when it returns data.
// Provider and write failures are logged; only DisableAutoCheckpoint,
// CleanupTaskCheckpoints or Close end the loop. Enabling an already enabled
// task is a no-op.
func (m *Manager) EnableAutoCheckpoint(taskID string, interval time.Duration, provider Provider) error {
	if taskID == "" {
		return ErrEmptyTaskID
	}
	if interval <= 0 {
		return ErrInvalidInterval
	}
	if provider == nil {
		return fmt.Errorf("nil auto-checkpoint provider for %s", taskID)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, ok := m.autos[taskID]; ok {
		m.mu.Unlock()
		m.log.Warn("auto-checkpoint already enabled", logx.String("task", taskID))
		return nil
	}
	ctx, cancel := context.WithCancel(m.sup.Context())
	loop := &autoLoop{cancel: cancel, done: make(chan struct{})}
	m.autos[taskID] = loop
	m.mu.Unlock()

	m.sup.Go0("checkpoint.auto."+taskID, func(context.Context) {
		defer close(loop.done)
		m.runAuto(ctx, taskID, interval, provider)
	})
	m.log.Info("auto-checkpoint enabled", logx.String("task", taskID), logx.Duration("interval", interval))
	return nil
}

// DisableAutoCheckpoint cancels the task's loop and waits up to
// AutoJoinTimeout for it to exit. The loop may still be finishing a tick when
// this returns. It reports whether a loop was enabled.
func (m *Manager) DisableAutoCheckpoint(taskID string) bool {
	m.mu.Lock()
	loop, ok := m.autos[taskID]
	delete(m.autos, taskID)
	join := m.cfg.AutoJoinTimeout
	m.mu.Unlock()
	if !ok {
		return false
	}

	loop.cancel()
	timer := time.NewTimer(join)
	defer timer.Stop()
	select {
	case <-loop.done:
	case <-timer.C:
		m.log.Warn("auto-checkpoint loop still running after join timeout", logx.String("task", taskID), logx.Duration("timeout", join))
	}
	m.log.Info("auto-checkpoint disabled", logx.String("task", taskID))
	return true
}

// AutoCheckpointEnabled reports whether a loop is registered for the task.
func (m *Manager) AutoCheckpointEnabled(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.autos[taskID]
	return ok
}

func (m *Manager) runAuto(ctx context.Context, taskID string, interval time.Duration, provider Provider) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		m.autoTick(ctx, taskID, provider)
	}
}

func (m *Manager) autoTick(ctx context.Context, taskID string, provider Provider) {
	data, err := callProvider(ctx, provider)
	if err != nil {
		m.log.Warn("auto-checkpoint provider failed", logx.String("task", taskID), logx.Err(err))
		return
	}
	if len(data) == 0 {
		return
	}
	if !m.limiter.Allow() {
		if m.shouldWarnSkip() {
			m.log.Warn("auto-checkpoint skipped: write budget exhausted", logx.String("task", taskID))
		}
		return
	}

	agentID, progress, payload := splitAutoPayload(data)
	if _, err := m.Create(ctx, taskID, agentID, progress, payload, map[string]any{"auto": true}); err != nil {
		m.log.Warn("auto-checkpoint write failed", logx.String("task", taskID), logx.Err(err))
	}
}

func (m *Manager) shouldWarnSkip() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if !m.lastSkipWarnAt.IsZero() && now.Sub(m.lastSkipWarnAt) < warnThrottleEvery {
		return false
	}
	m.lastSkipWarnAt = now
	return true
}

func callProvider(ctx context.Context, p Provider) (data map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider panic: %v", r)
		}
	}()
	return p(ctx)
}

// splitAutoPayload lifts agent_id and progress out of a provider map.
func splitAutoPayload(data map[string]any) (agentID string, progress float64, payload map[string]any) {
	payload = make(map[string]any, len(data))
	for k, v := range data {
		switch k {
		case "agent_id":
			if s, ok := v.(string); ok {
				agentID = s
				continue
			}
		case "progress":
			if p, ok := toFloat(v); ok {
				progress = p
				continue
			}
		}
		payload[k] = v
	}
	return agentID, progress, payload
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
