package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"taskmesh/internal/eventbus"
	rtsup "taskmesh/internal/runtime/supervisor"
	"taskmesh/internal/task"
	logx "taskmesh/pkg/logx"
)

// dispatchLoop is the queue's single consumer. It takes a worker slot first
// and only then dequeues, so the highest-priority task at dispatch time wins.
func (s *Service) dispatchLoop(ctx context.Context, sup *rtsup.Supervisor, slots chan struct{}) {
	ready := s.q.Ready()
	for {
		select {
		case <-ctx.Done():
			return
		case slots <- struct{}{}:
		}
		if ctx.Err() != nil {
			<-slots
			return
		}

		var (
			t  task.Task
			ok bool
		)
		for {
			if t, ok = s.q.Dequeue(); ok {
				break
			}
			select {
			case <-ctx.Done():
				<-slots
				return
			case <-ready:
			}
		}

		sup.Go0("task.exec", func(c context.Context) {
			defer func() { <-slots }()
			atomic.AddInt32(&s.inFlight, 1)
			defer atomic.AddInt32(&s.inFlight, -1)
			s.execOne(c, t)
		})
	}
}

// execOne runs a dequeued task and always completes it in the queue exactly once.
func (s *Service) execOne(ctx context.Context, t task.Task) {
	start := time.Now()
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskStarted, Time: start, Data: TaskEvent{ID: t.ID, Type: t.Type, Priority: t.Priority, QueueTime: t.QueueTime}})
	}
	s.log.Debug("task.started", logx.String("task", t.ID), logx.Int("priority", t.Priority), logx.Duration("queue_time", t.QueueTime))

	var res task.Result
	agent, ok := s.pool.AvailableAgent()
	if !ok || agent == nil {
		res = task.Failed(t.ID, "", task.ErrMsgNoAgent)
	} else {
		res = s.runAgent(ctx, agent, t)
	}

	s.q.Complete(t.ID, res)
	s.deliver(t.ID, res)

	dur := time.Since(start)
	fields := []logx.Field{
		logx.String("task", t.ID),
		logx.String("agent", res.AgentID),
		logx.String("status", string(res.Status)),
		logx.Duration("queue_time", t.QueueTime),
		logx.Duration("dur", dur),
	}
	switch {
	case res.Status != task.StatusSuccess:
		s.log.Warn("task.failed", append(fields, logx.String("err", res.Error))...)
	case dur >= 750*time.Millisecond:
		s.log.Info("task.completed", fields...)
	default:
		s.log.Debug("task.completed", fields...)
	}
}

type agentOutcome struct {
	res task.Result
	err error
}

// runAgent bounds the agent call by t.Timeout. On expiry the call's context is
// canceled; the agent itself may keep running until it notices.
func (s *Service) runAgent(ctx context.Context, agent Agent, t task.Task) task.Result {
	runCtx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan agentOutcome, 1)
	go func() {
		defer s.releaseAgent(agent)
		var out agentOutcome
		func() {
			defer func() {
				if r := recover(); r != nil {
					out.err = fmt.Errorf("panic: %v", r)
					s.log.Error("agent.panic", logx.String("task", t.ID), logx.String("agent", agent.ID()), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			out.res, out.err = agent.Execute(runCtx, t)
		}()
		done <- out
	}()

	select {
	case out := <-done:
		if runCtx.Err() != nil {
			// The agent returned only after its deadline passed.
			return s.expired(ctx, agent, t, start)
		}
		if out.err != nil {
			return task.Result{
				TaskID:        t.ID,
				AgentID:       agent.ID(),
				Status:        task.StatusFailed,
				Error:         out.err.Error(),
				ExecutionTime: time.Since(start),
			}
		}
		return out.res
	case <-runCtx.Done():
		return s.expired(ctx, agent, t, start)
	}
}

func (s *Service) expired(ctx context.Context, agent Agent, t task.Task, start time.Time) task.Result {
	if ctx.Err() != nil {
		return task.Result{TaskID: t.ID, AgentID: agent.ID(), Status: task.StatusFailed, Error: task.ErrMsgEngineStopped, ExecutionTime: time.Since(start)}
	}
	return task.Result{
		TaskID:        t.ID,
		AgentID:       agent.ID(),
		Status:        task.StatusTimeout,
		Error:         task.ErrMsgTimeout,
		ExecutionTime: t.Timeout,
	}
}

func (s *Service) releaseAgent(a Agent) {
	if r, ok := s.pool.(interface{ Release(Agent) }); ok {
		r.Release(a)
	}
}
