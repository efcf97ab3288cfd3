// Package agent provides an in-process AgentPool and function-backed agents.
//
// Real deployments plug their own agents (subprocess, RPC) into the engine
// through engine.Agent; the types here are what the daemon wires by default.
package agent

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskmesh/internal/task"
	"taskmesh/internal/task/engine"
)

// Handler runs a task's domain logic and returns its result value.
type Handler func(ctx context.Context, t task.Task) (any, error)

// Func adapts a Handler to engine.Agent.
type Func struct {
	id string
	h  Handler
}

var _ engine.Agent = (*Func)(nil)

// NewFunc returns an agent backed by h. An empty id gets a random one.
func NewFunc(id string, h Handler) *Func {
	id = strings.TrimSpace(id)
	if id == "" {
		id = "agent-" + uuid.NewString()
	}
	return &Func{id: id, h: h}
}

func (f *Func) ID() string { return f.id }

func (f *Func) Execute(ctx context.Context, t task.Task) (task.Result, error) {
	if f.h == nil {
		return task.Result{}, errors.New("agent has no handler")
	}
	start := time.Now()
	v, err := f.h(ctx, t)
	if err != nil {
		return task.Result{}, err
	}
	return task.Result{
		TaskID:        t.ID,
		AgentID:       f.id,
		Status:        task.StatusSuccess,
		Result:        v,
		ExecutionTime: time.Since(start),
	}, nil
}

// Echo returns an agent that answers with the task payload. A "delay" payload
// entry (Go duration string) makes it wait first, honoring ctx.
func Echo(id string) *Func {
	return NewFunc(id, func(ctx context.Context, t task.Task) (any, error) {
		if raw, ok := t.Payload["delay"].(string); ok && raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return nil, err
			}
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		if msg, ok := t.Payload["fail"].(string); ok && msg != "" {
			return nil, errors.New(msg)
		}
		return t.Payload, nil
	})
}
