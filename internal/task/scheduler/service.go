package scheduler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"taskmesh/internal/task"
	"taskmesh/internal/task/engine"
	logx "taskmesh/pkg/logx"
)

const skipWarnEvery = 5 * time.Second

func New(cfg Config, exec engine.TaskExecutor, log logx.Logger) (*Service, error) {
	if exec == nil {
		return nil, errors.New("scheduler: nil executor")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:  log,
		exec: exec,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	if err := s.Validate(cfg); err != nil {
		return nil, err
	}
	s.cfg = cfg
	s.jobs = s.buildJobs(cfg, nil)
	return s, nil
}

// Validate checks names, schedules and the timezone without applying cfg.
func (s *Service) Validate(cfg Config) error {
	var errs []error
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("timezone %q: %w", tz, err))
		}
	}
	seen := map[string]bool{}
	for i, j := range cfg.Jobs {
		name := strings.TrimSpace(j.Name)
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("jobs[%d]: name required", i))
		case seen[name]:
			errs = append(errs, fmt.Errorf("jobs[%d]: duplicate name %q", i, name))
		}
		seen[name] = true
		if strings.TrimSpace(j.TaskType) == "" {
			errs = append(errs, fmt.Errorf("job %q: task_type required", name))
		}
		spec, err := ParseSchedule(j.Schedule)
		if err != nil {
			errs = append(errs, fmt.Errorf("job %q: %w", name, err))
			continue
		}
		if spec.Kind == SpecCron {
			if _, err := s.parser.Parse(spec.Cron); err != nil {
				errs = append(errs, fmt.Errorf("job %q: invalid cron %q: %w", name, spec.Cron, err))
			}
		}
	}
	return errors.Join(errs...)
}

// buildJobs keeps run statistics for jobs that survive a reload.
func (s *Service) buildJobs(cfg Config, prev map[string]*jobState) map[string]*jobState {
	out := make(map[string]*jobState, len(cfg.Jobs))
	s.order = s.order[:0]
	for _, j := range cfg.Jobs {
		j.Name = strings.TrimSpace(j.Name)
		st := prev[j.Name]
		if st == nil {
			st = &jobState{}
		}
		st.job = j
		st.entryID = 0
		out[j.Name] = st
		s.order = append(s.order, j.Name)
	}
	return out
}

// Apply swaps the job set. Running cron triggers are rebuilt; in-flight runs
// finish under the old definition.
func (s *Service) Apply(cfg Config) error {
	if err := s.Validate(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.jobs = s.buildJobs(cfg, s.jobs)
	if s.c == nil {
		return nil
	}
	old := s.c
	s.startCronLocked()
	old.Stop()
	s.log.Info("schedules reloaded", logx.Int("jobs", len(s.jobs)))
	return nil
}

// Start begins triggering. ctx bounds every submission made by the service.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.startCronLocked()
	s.log.Info("service started", logx.Int("jobs", len(s.jobs)), logx.String("tz", s.c.Location().String()))
}

func (s *Service) startCronLocked() {
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	now := time.Now().In(loc)
	for _, name := range s.order {
		st := s.jobs[name]
		spec, err := ParseSchedule(st.job.Schedule)
		if err != nil {
			continue
		}
		sch, spread, err := buildSchedule(s.parser, spec, name, now)
		if err != nil {
			s.log.Warn("schedule rejected", logx.String("job", name), logx.Err(err))
			continue
		}
		st.spread = spread
		st.entryID = s.c.Schedule(sch, cron.FuncJob(func() { s.trigger(name) }))
		s.log.Debug("job scheduled", logx.String("job", name), logx.String("schedule", st.job.Schedule), logx.Duration("spread", spread))
	}
	s.c.Start()
}

// Stop halts triggering, cancels in-flight submissions and waits for cron jobs
// to return or ctx to end.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	cancel := s.runCancel
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) trigger(name string) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	if _, err := s.RunNow(ctx, name); errors.Is(err, ErrJobRunning) {
		s.mu.Lock()
		st := s.jobs[name]
		warn := st != nil && time.Since(st.lastSkipWarn) >= skipWarnEvery
		if warn {
			st.lastSkipWarn = time.Now()
		}
		s.mu.Unlock()
		if warn {
			s.log.Warn("job skipped; previous run still in flight", logx.String("job", name))
		}
	}
}

// RunNow submits the job's task immediately and waits for its result. A job
// never overlaps itself: a second call while one is in flight returns
// ErrJobRunning.
func (s *Service) RunNow(ctx context.Context, name string) (task.Result, error) {
	s.mu.Lock()
	st := s.jobs[name]
	if st == nil {
		s.mu.Unlock()
		return task.Result{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if st.running {
		st.skipped++
		s.mu.Unlock()
		return task.Result{}, ErrJobRunning
	}
	st.running = true
	job := st.job
	s.mu.Unlock()

	t := task.Task{
		Type:     job.TaskType,
		Priority: job.Priority,
		Timeout:  job.Timeout,
		Payload:  maps.Clone(job.Payload),
	}
	if t.Payload == nil {
		t.Payload = map[string]any{}
	}
	t.Payload["schedule"] = name
	task.EnsureID(&t)

	start := time.Now()
	res := s.exec.Execute(ctx, t)

	s.mu.Lock()
	st.running = false
	st.runs++
	st.lastRun = start
	st.last = res
	s.mu.Unlock()

	fields := []logx.Field{
		logx.String("job", name),
		logx.String("task_id", t.ID),
		logx.String("status", string(res.Status)),
		logx.Duration("took", time.Since(start)),
	}
	if res.OK() {
		s.log.Debug("scheduled task finished", fields...)
	} else {
		s.log.Warn("scheduled task failed", append(fields, logx.String("error", res.Error))...)
	}
	return res, nil
}

// Snapshot lists jobs in config order.
func (s *Service) Snapshot() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.order))
	for _, name := range s.order {
		st := s.jobs[name]
		js := JobStatus{
			Name:       name,
			Schedule:   st.job.Schedule,
			Spread:     st.spread,
			LastRun:    st.lastRun,
			LastStatus: st.last.Status,
			LastError:  st.last.Error,
			Runs:       st.runs,
			Skipped:    st.skipped,
			Running:    st.running,
		}
		if s.c != nil && st.entryID != 0 {
			js.Next = s.c.Entry(st.entryID).Next
		}
		out = append(out, js)
	}
	return out
}
