package checkpoint

import (
	"context"
	"errors"
	"time"
)

type State string

const (
	StateCreated   State = "created"
	StateValidated State = "validated"
	StateCorrupted State = "corrupted"
	StateRestored  State = "restored"
)

// CanTransition reports whether a checkpoint may move from one state to another.
func CanTransition(from, to State) bool {
	switch from {
	case StateCreated:
		return to == StateValidated || to == StateCorrupted
	case StateValidated:
		return to == StateRestored
	}
	return false
}

var (
	ErrNotFound          = errors.New("checkpoint not found")
	ErrStorageWrite      = errors.New("checkpoint storage write failed")
	ErrInvalidProgress   = errors.New("checkpoint progress must be within [0, 1]")
	ErrInvalidTransition = errors.New("invalid checkpoint state transition")
	ErrInvalidInterval   = errors.New("auto-checkpoint interval must be positive")
	ErrEmptyTaskID       = errors.New("empty task id")
	ErrClosed            = errors.New("checkpoint manager closed")
)

// Checkpoint is a durable snapshot of a task's progress.
//
// Payload and Metadata are stored as JSON and come back from every backend
// in encoding/json's generic form: numbers as float64, arrays as []any and
// objects as map[string]any. Values already in that form round-trip exactly.
type Checkpoint struct {
	ID        string         `json:"checkpoint_id"`
	TaskID    string         `json:"task_id"`
	AgentID   string         `json:"agent_id"`
	Timestamp time.Time      `json:"timestamp"`
	State     State          `json:"state"`
	Progress  float64        `json:"progress"`
	Payload   map[string]any `json:"payload,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Backend stores checkpoints. Implementations must be safe for concurrent use.
type Backend interface {
	Save(ctx context.Context, cp Checkpoint) error
	// Load returns ErrNotFound when the id is unknown.
	Load(ctx context.Context, id string) (Checkpoint, error)
	// List returns every checkpoint of a task in no particular order.
	List(ctx context.Context, taskID string) ([]Checkpoint, error)
	// Delete is a no-op for unknown ids.
	Delete(ctx context.Context, id string) error
	DeleteAll(ctx context.Context, taskID string) error
	UpdateState(ctx context.Context, id string, st State) error
	Close() error
}

// Expirer is implemented by backends that can drop checkpoints by age.
type Expirer interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// Provider supplies the payload for an auto-checkpoint tick. Returning a nil
// or empty map skips the tick. The keys "agent_id" and "progress" fill the
// matching checkpoint fields.
type Provider func(ctx context.Context) (map[string]any, error)

// Event is published on the event bus for checkpoint lifecycle changes.
type Event struct {
	CheckpointID string  `json:"checkpoint_id"`
	TaskID       string  `json:"task_id"`
	State        State   `json:"state"`
	Progress     float64 `json:"progress"`
	Error        string  `json:"error,omitempty"`
}
