package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"taskmesh/internal/eventbus"
	rtsup "taskmesh/internal/runtime/supervisor"
	"taskmesh/internal/task"
	"taskmesh/internal/task/queue"
	logx "taskmesh/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service is the execution supervisor: callers submit tasks into the priority
// queue, a single dispatcher dequeues whenever a worker slot is free, and each
// dispatched task runs against an agent under its own deadline.
//
// Expected operational failures (queue full, no agent, timeout) are reported
// as task.Result values, never as errors.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q    *queue.Queue
	pool AgentPool

	slots chan struct{}
	sup   *rtsup.Supervisor

	wmu     sync.Mutex
	waiters map[string]chan task.Result

	inFlight int32

	lastQueueFullWarnAt int64
}

func New(cfg Config, q *queue.Queue, pool AgentPool, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if q == nil {
		return nil, ErrNilQueue
	}
	if pool == nil {
		return nil, ErrNilPool
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		log:     log,
		bus:     bus,
		q:       q,
		pool:    pool,
		waiters: make(map[string]chan task.Result),
	}, nil
}

// Supervisor returns the dispatcher's supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Apply updates live settings. Worker count changes take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg.DefaultTimeout = cfg.DefaultTimeout
	running := s.sup != nil
	if !running {
		s.cfg.Workers = cfg.Workers
	}
	s.mu.Unlock()

	if running && prev.Workers != cfg.Workers {
		s.log.Warn("engine.workers changed; restart required", logx.Int("current", prev.Workers), logx.Int("requested", cfg.Workers))
	}
}

// Start launches the dispatcher. Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	workers := s.cfg.Workers
	s.slots = make(chan struct{}, workers)
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.Component("engine.sup")),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	slots := s.slots
	s.mu.Unlock()

	sup.GoRestart("dispatch", func(c context.Context) error {
		s.dispatchLoop(c, sup, slots)
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("dispatcher exited unexpectedly")
	}, rtsup.WithPublishFirstError(true))

	s.log.Info("engine started", logx.Int("workers", workers))
}

// Stop cancels the dispatcher, waits for in-flight executions (bounded by ctx),
// and fails every task still waiting in the queue.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}

	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("engine stop timed out", logx.Err(err))
	}

	s.wmu.Lock()
	ids := make([]string, 0, len(s.waiters))
	for id := range s.waiters {
		ids = append(ids, id)
	}
	s.wmu.Unlock()
	drained := 0
	for _, id := range ids {
		if s.q.Remove(id) {
			s.deliver(id, task.Failed(id, "", task.ErrMsgEngineStopped))
			drained++
		}
	}
	s.log.Info("engine stopped", logx.Int("drained", drained))
}

// Submit enqueues t and returns a channel that receives exactly one terminal result.
func (s *Service) Submit(t task.Task) <-chan task.Result {
	ch, _ := s.submit(t)
	return ch
}

// submit reports whether the returned channel was registered as t's waiter.
// An unregistered channel already holds its result.
func (s *Service) submit(t task.Task) (chan task.Result, bool) {
	task.EnsureID(&t)
	out := make(chan task.Result, 1)

	// s.mu is held until the task is queued so Stop cannot miss it while draining.
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Timeout <= 0 {
		t.Timeout = s.cfg.DefaultTimeout
	}
	if s.sup == nil {
		out <- task.Failed(t.ID, "", task.ErrMsgEngineStopped)
		return out, false
	}

	s.wmu.Lock()
	if _, dup := s.waiters[t.ID]; dup {
		s.wmu.Unlock()
		out <- task.Failed(t.ID, "", "duplicate task id")
		return out, false
	}
	s.waiters[t.ID] = out
	s.wmu.Unlock()

	if !s.q.Enqueue(t, t.Priority) {
		s.wmu.Lock()
		delete(s.waiters, t.ID)
		s.wmu.Unlock()
		s.onQueueFull(t)
		out <- task.Failed(t.ID, "", task.ErrMsgQueueFull)
		return out, false
	}
	return out, true
}

// Execute submits t and waits for its terminal result. If ctx ends while the
// task is still queued, the task is withdrawn and a failed result returned;
// once dispatched, the task's own deadline bounds the wait.
func (s *Service) Execute(ctx context.Context, t task.Task) task.Result {
	if ctx == nil {
		ctx = context.Background()
	}
	task.EnsureID(&t)
	ch, registered := s.submit(t)
	if !registered {
		return <-ch
	}
	select {
	case res := <-ch:
		return res
	case <-ctx.Done():
		if s.withdraw(t.ID, ch) {
			return task.Failed(t.ID, "", ctx.Err().Error())
		}
		return <-ch
	}
}

// withdraw removes a still-queued task, but only while ch is its waiter.
func (s *Service) withdraw(id string, ch chan task.Result) bool {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.waiters[id] != ch || !s.q.Remove(id) {
		return false
	}
	delete(s.waiters, id)
	return true
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	running := s.sup != nil
	s.mu.Unlock()

	s.wmu.Lock()
	waiting := len(s.waiters)
	s.wmu.Unlock()

	return Snapshot{
		Running:        running,
		Workers:        cfg.Workers,
		InFlight:       int(atomic.LoadInt32(&s.inFlight)),
		Waiting:        waiting,
		DefaultTimeout: cfg.DefaultTimeout,
		Queue:          s.q.Metrics(),
	}
}

func (s *Service) deliver(taskID string, res task.Result) {
	s.wmu.Lock()
	ch := s.waiters[taskID]
	delete(s.waiters, taskID)
	s.wmu.Unlock()
	if ch != nil {
		ch <- res
	}
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

func (s *Service) onQueueFull(t task.Task) {
	now := time.Now()
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskRejected, Time: now, Data: TaskEvent{ID: t.ID, Type: t.Type, Priority: t.Priority, Status: task.StatusFailed, Error: task.ErrMsgQueueFull}})
	}
	if s.shouldWarn(&s.lastQueueFullWarnAt, now) {
		m := s.q.Metrics()
		s.log.Warn("task rejected: queue full",
			logx.String("task", t.ID),
			logx.String("type", strings.TrimSpace(t.Type)),
			logx.Int("queued", m.Queued),
			logx.Uint64("rejected", m.Rejected),
		)
	}
}
