// Package queue implements the priority task queue that sits in front of the
// execution engine.
//
// Ordering: strictly higher priority first; equal priorities dequeue in enqueue
// order. A task id lives in exactly one of queued, processing or the bounded
// ring of recent completions.
package queue

import (
	"container/heap"
	"sort"
	"strings"
	"sync"
	"time"

	"taskmesh/internal/task"
)

const (
	defaultHistorySize = 1000
	metricsWindow      = 100
)

type Config struct {
	// MaxSize bounds the number of queued (not yet dispatched) tasks.
	// 0 means unbounded.
	MaxSize int
	// HistorySize is the capacity of the recent-completions ring.
	HistorySize int
}

// Completion is one entry of the recent-completions ring.
type Completion struct {
	Task           task.Task
	Result         task.Result
	ProcessingTime time.Duration
	CompletedAt    time.Time
}

// Metrics is derived on demand and never persisted.
type Metrics struct {
	Queued     int
	Processing int
	Completed  int

	AvgQueueTime        time.Duration
	AvgProcessingTime   time.Duration
	ThroughputPerMinute float64
	PriorityHistogram   map[int]int

	CompletedTotal uint64
	FailedTotal    uint64
	Rejected       uint64
}

type item struct {
	t     task.Task
	seq   uint64
	index int
}

type inflight struct {
	t     task.Task
	start time.Time
}

type Queue struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time

	items  itemHeap
	queued map[string]*item
	seq    uint64

	processing map[string]inflight

	ring     []Completion
	ringHead int
	ringLen  int

	completedTotal uint64
	failedTotal    uint64
	rejected       uint64

	ready chan struct{}
}

func New(cfg Config) *Queue {
	if cfg.MaxSize < 0 {
		cfg.MaxSize = 0
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	return &Queue{
		cfg:        cfg,
		now:        time.Now,
		queued:     make(map[string]*item),
		processing: make(map[string]inflight),
		ring:       make([]Completion, cfg.HistorySize),
		ready:      make(chan struct{}, 1),
	}
}

// Ready is signaled (coalesced) whenever a task is enqueued.
func (q *Queue) Ready() <-chan struct{} { return q.ready }

// Enqueue inserts t with the given priority. It returns false, leaving the
// queue unchanged, when the queue is at MaxSize or the id is already tracked
// as queued or processing.
func (q *Queue) Enqueue(t task.Task, priority int) bool {
	id := strings.TrimSpace(t.ID)
	if id == "" {
		return false
	}
	t.ID = id

	q.mu.Lock()
	if q.cfg.MaxSize > 0 && len(q.items) >= q.cfg.MaxSize {
		q.rejected++
		q.mu.Unlock()
		return false
	}
	if _, ok := q.queued[id]; ok {
		q.mu.Unlock()
		return false
	}
	if _, ok := q.processing[id]; ok {
		q.mu.Unlock()
		return false
	}

	t.Priority = priority
	t.EnqueueTime = q.now()
	t.QueueTime = 0
	q.seq++
	it := &item{t: t, seq: q.seq}
	heap.Push(&q.items, it)
	q.queued[id] = it
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// Dequeue removes the front task, stamps its queue time and moves it into the
// processing set.
func (q *Queue) Dequeue() (task.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return task.Task{}, false
	}
	it := heap.Pop(&q.items).(*item)
	delete(q.queued, it.t.ID)

	now := q.now()
	t := it.t
	t.QueueTime = now.Sub(t.EnqueueTime)
	if t.QueueTime < 0 {
		t.QueueTime = 0
	}
	q.processing[t.ID] = inflight{t: t, start: now}
	return t, true
}

// Remove withdraws a still-queued task. It returns false once the task was dequeued.
func (q *Queue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.queued[taskID]
	if !ok {
		return false
	}
	heap.Remove(&q.items, it.index)
	delete(q.queued, taskID)
	return true
}

// Complete finalizes a processing task into the completions ring.
// It returns false if the task is not in the processing set.
func (q *Queue) Complete(taskID string, res task.Result) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	in, ok := q.processing[taskID]
	if !ok {
		return false
	}
	delete(q.processing, taskID)

	now := q.now()
	c := Completion{
		Task:           in.t,
		Result:         res,
		ProcessingTime: now.Sub(in.start),
		CompletedAt:    now,
	}
	idx := (q.ringHead + q.ringLen) % len(q.ring)
	if q.ringLen == len(q.ring) {
		q.ringHead = (q.ringHead + 1) % len(q.ring)
	} else {
		q.ringLen++
	}
	q.ring[idx] = c

	q.completedTotal++
	if res.Status != task.StatusSuccess {
		q.failedTotal++
	}
	return true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Entry describes one queued task in dispatch order.
type Entry struct {
	ID       string
	Type     string
	Priority int
	Enqueued time.Time
}

// Snapshot lists queued tasks in the order they would be dequeued.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	items := make([]*item, len(q.items))
	copy(items, q.items)
	q.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return itemHeap(items).Less(i, j) })
	out := make([]Entry, 0, len(items))
	for _, it := range items {
		out = append(out, Entry{ID: it.t.ID, Type: it.t.Type, Priority: it.t.Priority, Enqueued: it.t.EnqueueTime})
	}
	return out
}

// Recent returns up to n completions, oldest first.
func (q *Queue) Recent(n int) []Completion {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.recentLocked(n)
}

func (q *Queue) recentLocked(n int) []Completion {
	if n <= 0 || n > q.ringLen {
		n = q.ringLen
	}
	out := make([]Completion, 0, n)
	for i := q.ringLen - n; i < q.ringLen; i++ {
		out = append(out, q.ring[(q.ringHead+i)%len(q.ring)])
	}
	return out
}

// Metrics derives queue metrics from the current contents and the last 100 completions.
func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	m := Metrics{
		Queued:            len(q.items),
		Processing:        len(q.processing),
		Completed:         q.ringLen,
		PriorityHistogram: map[int]int{},
		CompletedTotal:    q.completedTotal,
		FailedTotal:       q.failedTotal,
		Rejected:          q.rejected,
	}

	window := q.recentLocked(metricsWindow)
	if len(window) == 0 {
		return m
	}
	var queueSum, procSum time.Duration
	for _, c := range window {
		queueSum += c.Task.QueueTime
		procSum += c.ProcessingTime
		m.PriorityHistogram[c.Task.Priority]++
	}
	n := time.Duration(len(window))
	m.AvgQueueTime = queueSum / n
	m.AvgProcessingTime = procSum / n

	if span := window[len(window)-1].CompletedAt.Sub(window[0].CompletedAt); span > 0 {
		m.ThroughputPerMinute = float64(len(window)) / span.Minutes()
	}
	return m
}

// itemHeap orders by priority desc, then enqueue sequence asc.
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].t.Priority != h[j].t.Priority {
		return h[i].t.Priority > h[j].t.Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
