package engine

import (
	"context"
	"time"

	"taskmesh/internal/task"
	"taskmesh/internal/task/queue"
)

// Config controls the execution supervisor.
type Config struct {
	// Workers bounds concurrent agent executions.
	Workers int

	// DefaultTimeout is used when Task.Timeout is 0.
	DefaultTimeout time.Duration
}

const (
	defaultWorkers = 4
	defaultTimeout = 5 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = defaultTimeout
	}
	return c
}

// Agent executes a task's domain logic. The deadline is enforced by the
// supervisor through ctx; agents should honor it but are not required to.
type Agent interface {
	ID() string
	Execute(ctx context.Context, t task.Task) (task.Result, error)
}

// AgentPool hands out idle agents.
//
// Pools that track busy agents may also implement `Release(Agent)`; the
// supervisor calls it once the agent call returns.
type AgentPool interface {
	AvailableAgent() (Agent, bool)
}

// TaskExecutor is the narrow capability the rest of the system depends on.
type TaskExecutor interface {
	Execute(ctx context.Context, t task.Task) task.Result
}

// TaskEvent is published on the event bus for task lifecycle events.
type TaskEvent struct {
	ID            string        `json:"id"`
	Type          string        `json:"type"`
	Priority      int           `json:"priority"`
	AgentID       string        `json:"agent_id,omitempty"`
	Status        task.Status   `json:"status,omitempty"`
	QueueTime     time.Duration `json:"queue_time"`
	ExecutionTime time.Duration `json:"execution_time"`
	Error         string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running        bool
	Workers        int
	InFlight       int
	Waiting        int
	DefaultTimeout time.Duration
	Queue          queue.Metrics
}
