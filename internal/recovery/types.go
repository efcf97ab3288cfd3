// Package recovery restores tasks from their latest validated checkpoint and
// retries the caller's handler with exponential backoff.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskmesh/internal/checkpoint"
)

var (
	ErrCheckpointNotValidated = errors.New("checkpoint not validated")
	ErrRecoveryExhausted      = errors.New("recovery exhausted")
	ErrNilHandler             = errors.New("nil recovery handler")
)

// WorkspaceSnapshotKey is the checkpoint payload key holding a workspace
// snapshot reference.
const WorkspaceSnapshotKey = "workspace_snapshot"

type Options struct {
	RetryFromCheckpoint bool
	MaxRetryAttempts    int
	// BackoffBase scales the 2^attempt delay between attempts.
	BackoffBase         time.Duration
	RestoreWorkspace    bool
	NotifyOnRecovery    bool
	CleanupOnSuccess    bool
	PreserveFailedState bool
}

func DefaultOptions() Options {
	return Options{
		RetryFromCheckpoint: true,
		MaxRetryAttempts:    3,
		BackoffBase:         time.Second,
		RestoreWorkspace:    true,
		NotifyOnRecovery:    true,
		CleanupOnSuccess:    false,
		PreserveFailedState: true,
	}
}

func (o Options) attempts() int {
	if !o.RetryFromCheckpoint || o.MaxRetryAttempts < 1 {
		return 1
	}
	return o.MaxRetryAttempts
}

func (o Options) backoff(attempt int) time.Duration {
	base := o.BackoffBase
	if base <= 0 {
		base = time.Second
	}
	return base << uint(attempt)
}

// WorkspaceResult is the outcome of a workspace restore.
type WorkspaceResult struct {
	Restored bool     `json:"restored"`
	Files    []string `json:"files,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// WorkspaceRestorer restores a work area from an opaque snapshot reference.
type WorkspaceRestorer interface {
	Restore(ctx context.Context, ref string) (WorkspaceResult, error)
}

// Payload is what a handler receives to resume a task.
type Payload struct {
	CheckpointID string           `json:"checkpoint_id"`
	TaskID       string           `json:"task_id"`
	AgentID      string           `json:"agent_id"`
	Progress     float64          `json:"progress"`
	Data         map[string]any   `json:"data,omitempty"`
	Metadata     map[string]any   `json:"metadata,omitempty"`
	RestoredAt   time.Time        `json:"restored_at"`
	Workspace    *WorkspaceResult `json:"workspace,omitempty"`
}

// Handler resumes a task from a restored payload.
type Handler func(ctx context.Context, p Payload) (any, error)

// Checkpoints is the part of checkpoint.Manager recovery depends on.
type Checkpoints interface {
	Latest(ctx context.Context, taskID string) (checkpoint.Checkpoint, bool, error)
	Checkpoint(ctx context.Context, id string) (checkpoint.Checkpoint, error)
	MarkRestored(ctx context.Context, id string) error
	CleanupTaskCheckpoints(ctx context.Context, taskID string) error
}

// Archive persists failed-state artifacts and returns their location.
type Archive interface {
	Write(ctx context.Context, taskID string, at time.Time, record any) (string, error)
}

// FailedState is the artifact written when recovery gives up.
type FailedState struct {
	TaskID       string                `json:"task_id"`
	CheckpointID string                `json:"checkpoint_id"`
	Error        string                `json:"error"`
	ErrorKind    string                `json:"error_kind"`
	Attempts     int                   `json:"attempts"`
	Timestamp    time.Time             `json:"timestamp"`
	Checkpoint   checkpoint.Checkpoint `json:"checkpoint"`
}

// ExhaustedError is returned once every attempt failed. It matches
// ErrRecoveryExhausted and the last handler error with errors.Is.
type ExhaustedError struct {
	TaskID       string
	CheckpointID string
	Attempts     int
	Err          error
	// ArtifactPath is set when the failed state was archived.
	ArtifactPath string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("recovery of %s exhausted after %d attempt(s): %v", e.TaskID, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() []error { return []error{ErrRecoveryExhausted, e.Err} }

// Event is published on the event bus when NotifyOnRecovery is set.
type Event struct {
	TaskID       string        `json:"task_id"`
	CheckpointID string        `json:"checkpoint_id"`
	Attempt      int           `json:"attempt"`
	Delay        time.Duration `json:"delay,omitempty"`
	Error        string        `json:"error,omitempty"`
	ArtifactPath string        `json:"artifact_path,omitempty"`
}
