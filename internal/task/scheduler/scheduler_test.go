package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"taskmesh/internal/task"
	logx "taskmesh/pkg/logx"
)

type recordingExec struct {
	mu    sync.Mutex
	tasks []task.Task
	gate  chan struct{}
}

func (r *recordingExec) Execute(ctx context.Context, t task.Task) task.Result {
	r.mu.Lock()
	r.tasks = append(r.tasks, t)
	r.mu.Unlock()
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return task.Failed(t.ID, "", task.ErrMsgEngineStopped)
		}
	}
	return task.Result{TaskID: t.ID, AgentID: "a1", Status: task.StatusSuccess}
}

func (r *recordingExec) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@every 10s", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every prefix", raw: "every:00:05", kind: SpecInterval, source: "hhmm", duration: 5 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind || got.Source != tt.source {
				t.Fatalf("got %+v, want kind %v source %s", got, tt.kind, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "00:00", "01:75", "-5m", "cron:"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q) accepted", raw)
		}
	}
}

func TestValidateRejectsBadJobs(t *testing.T) {
	_, err := New(Config{
		Timezone: "Mars/Olympus",
		Jobs: []Job{
			{Name: "a", Schedule: "5m", TaskType: "echo"},
			{Name: "a", Schedule: "5m", TaskType: "echo"},
			{Name: "b", Schedule: "61 * * * *", TaskType: "echo"},
			{Name: "c", Schedule: "5m"},
		},
	}, &recordingExec{}, logx.Nop())
	if err == nil {
		t.Fatalf("invalid config accepted")
	}
	for _, want := range []string{"timezone", "duplicate name", "invalid cron", "task_type required"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("err %q does not mention %q", err, want)
		}
	}
}

func TestRunNowSubmitsTask(t *testing.T) {
	exec := &recordingExec{}
	s, err := New(Config{Jobs: []Job{{
		Name: "nightly", Schedule: "@daily", TaskType: "report", Priority: 7, Timeout: time.Minute,
		Payload: map[string]any{"scope": "all"},
	}}}, exec, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := s.RunNow(context.Background(), "nightly")
	if err != nil || !res.OK() {
		t.Fatalf("RunNow = %+v, %v", res, err)
	}
	got := exec.tasks[0]
	if got.Type != "report" || got.Priority != 7 || got.Timeout != time.Minute || got.ID == "" {
		t.Fatalf("task = %+v", got)
	}
	if got.Payload["scope"] != "all" || got.Payload["schedule"] != "nightly" {
		t.Fatalf("payload = %v", got.Payload)
	}
	if _, err := s.RunNow(context.Background(), "missing"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("unknown job err = %v", err)
	}
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Runs != 1 || snap[0].LastStatus != task.StatusSuccess {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRunNowNeverOverlaps(t *testing.T) {
	exec := &recordingExec{gate: make(chan struct{})}
	s, err := New(Config{Jobs: []Job{{Name: "slow", Schedule: "1h", TaskType: "echo"}}}, exec, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.RunNow(context.Background(), "slow")
	}()
	deadline := time.Now().Add(2 * time.Second)
	for exec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := s.RunNow(context.Background(), "slow"); !errors.Is(err, ErrJobRunning) {
		t.Fatalf("overlapping run err = %v", err)
	}
	close(exec.gate)
	<-done
	if snap := s.Snapshot(); snap[0].Skipped != 1 || snap[0].Runs != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestCronTriggersAndStopCancels(t *testing.T) {
	exec := &recordingExec{}
	s, err := New(Config{Jobs: []Job{{Name: "tick", Schedule: "* * * * * *", TaskType: "echo"}}}, exec, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for exec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if exec.count() == 0 {
		t.Fatalf("cron never triggered")
	}
	if snap := s.Snapshot(); snap[0].Next.IsZero() {
		t.Fatalf("next run not reported")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	n := exec.count()
	time.Sleep(1200 * time.Millisecond)
	if exec.count() != n {
		t.Fatalf("triggered after Stop")
	}
}

func TestApplyKeepsStats(t *testing.T) {
	exec := &recordingExec{}
	s, err := New(Config{Jobs: []Job{{Name: "a", Schedule: "1h", TaskType: "echo"}}}, exec, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.RunNow(context.Background(), "a"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if err := s.Apply(Config{Jobs: []Job{{Name: "b", Schedule: "2h", TaskType: "echo"}, {Name: "a", Schedule: "30m", TaskType: "echo"}}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	snap := s.Snapshot()
	if len(snap) != 2 || snap[0].Name != "b" || snap[1].Name != "a" || snap[1].Runs != 1 || snap[1].Schedule != "30m" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if err := s.Apply(Config{Jobs: []Job{{Name: "x", Schedule: "bogus", TaskType: "echo"}}}); err == nil {
		t.Fatalf("invalid Apply accepted")
	}
	if len(s.Snapshot()) != 2 {
		t.Fatalf("rejected Apply changed the job set")
	}
}
