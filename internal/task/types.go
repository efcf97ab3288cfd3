// Package task holds the data model shared by the queue and the execution engine.
package task

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the terminal outcome of a dispatched task.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
)

// Operational failure messages carried in Result.Error.
const (
	ErrMsgQueueFull     = "queue full"
	ErrMsgNoAgent       = "no available agent"
	ErrMsgTimeout       = "task timed out"
	ErrMsgEngineStopped = "engine stopped"
)

// Task is a unit of work routed to an agent.
//
// Priority: higher is more urgent. EnqueueTime and QueueTime are filled by the queue.
type Task struct {
	ID       string         `json:"task_id"`
	Type     string         `json:"task_type"`
	Priority int            `json:"priority"`
	Timeout  time.Duration  `json:"timeout"`
	Payload  map[string]any `json:"payload,omitempty"`

	EnqueueTime time.Time     `json:"enqueue_time"`
	QueueTime   time.Duration `json:"queue_time"`
}

// Result is the immutable outcome an agent (or the engine) reports for a task.
type Result struct {
	TaskID        string        `json:"task_id"`
	AgentID       string        `json:"agent_id,omitempty"`
	Status        Status        `json:"status"`
	Result        any           `json:"result,omitempty"`
	Error         string        `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
}

func (r Result) OK() bool { return r.Status == StatusSuccess }

// Failed builds a failed result with the given message.
func Failed(taskID, agentID, msg string) Result {
	return Result{TaskID: taskID, AgentID: agentID, Status: StatusFailed, Error: msg}
}

// EnsureID trims t.ID and assigns a random id when the caller did not
// provide one. The queue stores tasks under the trimmed id.
func EnsureID(t *Task) {
	t.ID = strings.TrimSpace(t.ID)
	if t.ID == "" {
		t.ID = "task-" + uuid.NewString()
	}
}
