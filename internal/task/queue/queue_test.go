package queue

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"taskmesh/internal/task"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue(maxSize int) (*Queue, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	q := New(Config{MaxSize: maxSize})
	q.now = clk.now
	return q, clk
}

func TestDequeueOrderByPriority(t *testing.T) {
	q, _ := newTestQueue(0)
	for i, p := range []int{1, 5, 3} {
		if !q.Enqueue(task.Task{ID: fmt.Sprintf("t%d", i)}, p) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}

	var got []int
	for {
		tk, ok := q.Dequeue()
		if !ok {
			break
		}
		got = append(got, tk.Priority)
	}
	want := []int{5, 3, 1}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("dequeue order = %v, want %v", got, want)
	}
}

func TestEqualPrioritiesAreFIFO(t *testing.T) {
	q, _ := newTestQueue(0)
	q.Enqueue(task.Task{ID: "a"}, 2)
	q.Enqueue(task.Task{ID: "b"}, 2)
	q.Enqueue(task.Task{ID: "hi"}, 9)
	q.Enqueue(task.Task{ID: "c"}, 2)

	var ids []string
	for {
		tk, ok := q.Dequeue()
		if !ok {
			break
		}
		ids = append(ids, tk.ID)
	}
	if fmt.Sprint(ids) != "[hi a b c]" {
		t.Fatalf("order = %v", ids)
	}
}

func TestRandomSequencesDequeueHighestFirst(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 20; round++ {
		q, _ := newTestQueue(0)
		type entry struct {
			id  string
			pri int
			seq int
		}
		var entries []entry
		for i := 0; i < 50; i++ {
			e := entry{id: fmt.Sprintf("r%d-%d", round, i), pri: rng.Intn(6), seq: i}
			entries = append(entries, e)
			q.Enqueue(task.Task{ID: e.id}, e.pri)
		}
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].pri > entries[j].pri })
		for i, e := range entries {
			tk, ok := q.Dequeue()
			if !ok {
				t.Fatalf("round %d: queue drained early at %d", round, i)
			}
			if tk.ID != e.id {
				t.Fatalf("round %d pos %d: got %s (p=%d), want %s (p=%d)", round, i, tk.ID, tk.Priority, e.id, e.pri)
			}
		}
	}
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	q, _ := newTestQueue(2)
	if !q.Enqueue(task.Task{ID: "A"}, 1) || !q.Enqueue(task.Task{ID: "B"}, 1) {
		t.Fatalf("expected first two enqueues to succeed")
	}
	if q.Enqueue(task.Task{ID: "C"}, 10) {
		t.Fatalf("expected enqueue C to be rejected")
	}
	if q.Len() != 2 {
		t.Fatalf("len = %d, want 2", q.Len())
	}
	first, _ := q.Dequeue()
	if first.ID != "A" {
		t.Fatalf("front = %s, want A", first.ID)
	}
	if m := q.Metrics(); m.Rejected != 1 {
		t.Fatalf("rejected = %d, want 1", m.Rejected)
	}
}

func TestDuplicateIDRejected(t *testing.T) {
	q, _ := newTestQueue(0)
	q.Enqueue(task.Task{ID: "dup"}, 1)
	if q.Enqueue(task.Task{ID: "dup"}, 3) {
		t.Fatalf("duplicate queued id accepted")
	}
	q.Dequeue()
	if q.Enqueue(task.Task{ID: "dup"}, 3) {
		t.Fatalf("id accepted while processing")
	}
	q.Complete("dup", task.Result{TaskID: "dup", Status: task.StatusSuccess})
	if !q.Enqueue(task.Task{ID: "dup"}, 3) {
		t.Fatalf("id should be reusable after completion")
	}
}

func TestQueueTimeAndCompletion(t *testing.T) {
	q, clk := newTestQueue(0)
	q.Enqueue(task.Task{ID: "x"}, 1)
	clk.advance(3 * time.Second)

	tk, ok := q.Dequeue()
	if !ok {
		t.Fatalf("expected task")
	}
	if tk.QueueTime != 3*time.Second {
		t.Fatalf("queue time = %v, want 3s", tk.QueueTime)
	}
	m := q.Metrics()
	if m.Queued != 0 || m.Processing != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}

	clk.advance(2 * time.Second)
	if !q.Complete("x", task.Result{TaskID: "x", Status: task.StatusFailed}) {
		t.Fatalf("complete returned false")
	}
	if q.Complete("x", task.Result{}) {
		t.Fatalf("second complete should be a no-op")
	}
	recent := q.Recent(1)
	if len(recent) != 1 || recent[0].ProcessingTime != 2*time.Second {
		t.Fatalf("unexpected completion %+v", recent)
	}
	m = q.Metrics()
	if m.Processing != 0 || m.Completed != 1 || m.FailedTotal != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestRemoveQueued(t *testing.T) {
	q, _ := newTestQueue(0)
	q.Enqueue(task.Task{ID: "a"}, 1)
	q.Enqueue(task.Task{ID: "b"}, 5)
	q.Enqueue(task.Task{ID: "c"}, 3)
	if !q.Remove("c") {
		t.Fatalf("remove c failed")
	}
	if q.Remove("c") {
		t.Fatalf("remove should be idempotent")
	}
	b, _ := q.Dequeue()
	a, _ := q.Dequeue()
	if b.ID != "b" || a.ID != "a" {
		t.Fatalf("order after remove = %s,%s", b.ID, a.ID)
	}
	if q.Remove("a") {
		t.Fatalf("processing task must not be removable")
	}
}

func TestMetricsWindowAndThroughput(t *testing.T) {
	q, clk := newTestQueue(0)
	for i := 0; i < 150; i++ {
		id := fmt.Sprintf("m%d", i)
		q.Enqueue(task.Task{ID: id}, i%3)
		clk.advance(time.Second)
		q.Dequeue()
		clk.advance(time.Second)
		q.Complete(id, task.Result{TaskID: id, Status: task.StatusSuccess})
	}
	m := q.Metrics()
	if m.CompletedTotal != 150 || m.Completed != 150 {
		t.Fatalf("completed = %d/%d", m.Completed, m.CompletedTotal)
	}
	if m.AvgQueueTime != time.Second || m.AvgProcessingTime != time.Second {
		t.Fatalf("averages = %v/%v", m.AvgQueueTime, m.AvgProcessingTime)
	}
	// 100 completions, 2s apart: span = 198s.
	want := 100 / (198.0 / 60.0)
	if diff := m.ThroughputPerMinute - want; diff > 0.001 || diff < -0.001 {
		t.Fatalf("throughput = %f, want %f", m.ThroughputPerMinute, want)
	}
	total := 0
	for _, n := range m.PriorityHistogram {
		total += n
	}
	if total != 100 {
		t.Fatalf("histogram covers %d completions, want 100", total)
	}
}

func TestHistoryRingBounded(t *testing.T) {
	q := New(Config{HistorySize: 3})
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("h%d", i)
		q.Enqueue(task.Task{ID: id}, 0)
		q.Dequeue()
		q.Complete(id, task.Result{TaskID: id, Status: task.StatusSuccess})
	}
	recent := q.Recent(0)
	if len(recent) != 3 {
		t.Fatalf("ring len = %d, want 3", len(recent))
	}
	if recent[0].Task.ID != "h2" || recent[2].Task.ID != "h4" {
		t.Fatalf("ring contents = %s..%s", recent[0].Task.ID, recent[2].Task.ID)
	}
}

func TestSnapshotListsDispatchOrder(t *testing.T) {
	q, _ := newTestQueue(0)
	q.Enqueue(task.Task{ID: "low", Type: "lint"}, 1)
	q.Enqueue(task.Task{ID: "high"}, 9)
	q.Enqueue(task.Task{ID: "mid-a"}, 4)
	q.Enqueue(task.Task{ID: "mid-b"}, 4)

	var ids []string
	for _, e := range q.Snapshot() {
		ids = append(ids, e.ID)
	}
	if got, want := fmt.Sprint(ids), "[high mid-a mid-b low]"; got != want {
		t.Fatalf("snapshot = %s, want %s", got, want)
	}
	if q.Len() != 4 {
		t.Fatalf("snapshot must not consume the queue")
	}
}
