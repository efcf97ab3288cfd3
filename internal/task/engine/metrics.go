package engine

import (
	"context"
	"sync"
	"time"

	"taskmesh/internal/eventbus"
	"taskmesh/internal/task"
)

// Recorder receives every terminal result that passes through a
// MetricsRecordingExecutor.
type Recorder interface {
	Record(t task.Task, res task.Result)
}

// MetricsRecordingExecutor decorates a TaskExecutor: it delegates, records the
// outcome and publishes task.finished. Composition replaces any monitoring
// baked into the executor itself.
type MetricsRecordingExecutor struct {
	next TaskExecutor
	rec  Recorder
	bus  eventbus.Bus
}

func NewMetricsRecordingExecutor(next TaskExecutor, rec Recorder, bus eventbus.Bus) *MetricsRecordingExecutor {
	return &MetricsRecordingExecutor{next: next, rec: rec, bus: bus}
}

func (m *MetricsRecordingExecutor) Execute(ctx context.Context, t task.Task) task.Result {
	task.EnsureID(&t)
	res := m.next.Execute(ctx, t)
	if m.rec != nil {
		m.rec.Record(t, res)
	}
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.TaskFinished, Data: TaskEvent{
			ID:            t.ID,
			Type:          t.Type,
			Priority:      t.Priority,
			AgentID:       res.AgentID,
			Status:        res.Status,
			ExecutionTime: res.ExecutionTime,
			Error:         res.Error,
		}})
	}
	return res
}

// Counters is an in-memory Recorder. It is an explicitly constructed service;
// nothing reaches it through package state.
type Counters struct {
	mu       sync.Mutex
	byStatus map[task.Status]uint64
	byType   map[string]uint64
	execSum  time.Duration
	total    uint64
}

func NewCounters() *Counters {
	return &Counters{byStatus: map[task.Status]uint64{}, byType: map[string]uint64{}}
}

func (c *Counters) Record(t task.Task, res task.Result) {
	c.mu.Lock()
	c.byStatus[res.Status]++
	if t.Type != "" {
		c.byType[t.Type]++
	}
	c.execSum += res.ExecutionTime
	c.total++
	c.mu.Unlock()
}

// CountersSnapshot is a copy of the recorded totals.
type CountersSnapshot struct {
	Total            uint64
	ByStatus         map[task.Status]uint64
	ByType           map[string]uint64
	AvgExecutionTime time.Duration
}

func (c *Counters) Snapshot() CountersSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := CountersSnapshot{
		Total:    c.total,
		ByStatus: make(map[task.Status]uint64, len(c.byStatus)),
		ByType:   make(map[string]uint64, len(c.byType)),
	}
	for k, v := range c.byStatus {
		out.ByStatus[k] = v
	}
	for k, v := range c.byType {
		out.ByType[k] = v
	}
	if c.total > 0 {
		out.AvgExecutionTime = c.execSum / time.Duration(c.total)
	}
	return out
}
