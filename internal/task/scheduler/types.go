package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskmesh/internal/task"
	"taskmesh/internal/task/engine"
	logx "taskmesh/pkg/logx"
)

var (
	ErrUnknownJob = errors.New("scheduler: unknown job")
	ErrJobRunning = errors.New("scheduler: job still running")
)

// Job describes one recurring task submission.
type Job struct {
	Name     string
	Schedule string // cron spec, "@every 5m", "5m" or "HH:MM"
	TaskType string
	Priority int
	Timeout  time.Duration // 0 uses the engine default
	Payload  map[string]any
}

type Config struct {
	Timezone string // IANA name; empty means local time
	Jobs     []Job
}

// JobStatus is a point-in-time view of one job.
type JobStatus struct {
	Name       string
	Schedule   string
	Next       time.Time
	Spread     time.Duration // startup jitter applied to the first run
	LastRun    time.Time
	LastStatus task.Status
	LastError  string
	Runs       uint64
	Skipped    uint64
	Running    bool
}

type jobState struct {
	job     Job
	entryID cron.EntryID
	spread  time.Duration

	running bool
	lastRun time.Time
	last    task.Result
	runs    uint64
	skipped uint64
	// lastSkipWarn throttles the overlap warning.
	lastSkipWarn time.Time
}

type Service struct {
	mu sync.Mutex

	log  logx.Logger
	cfg  Config
	exec engine.TaskExecutor

	parser cron.Parser
	c      *cron.Cron
	jobs   map[string]*jobState
	order  []string
	// runCtx bounds in-flight submissions; Stop cancels it.
	runCtx    context.Context
	runCancel context.CancelFunc
}
