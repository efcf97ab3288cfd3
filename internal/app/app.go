package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskmesh/internal/agent"
	"taskmesh/internal/checkpoint"
	"taskmesh/internal/config"
	"taskmesh/internal/eventbus"
	"taskmesh/internal/observability/admin"
	"taskmesh/internal/recovery"
	rtsup "taskmesh/internal/runtime/supervisor"
	"taskmesh/internal/storage"
	"taskmesh/internal/task/engine"
	"taskmesh/internal/task/queue"
	"taskmesh/internal/task/scheduler"
	logx "taskmesh/pkg/logx"
)

// App wires every service explicitly; there is no package-level state.
type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	backend checkpoint.Backend
	archive *storage.FileArchive
	cps     *checkpoint.Manager
	janitor *checkpoint.Janitor

	queue    *queue.Queue
	agents   *agent.Pool
	engine   *engine.Service
	counters *engine.Counters
	exec     *engine.MetricsRecordingExecutor
	sched    *scheduler.Service
	recovery *recovery.Coordinator
	admin    *admin.Service
}

// Status is the document served by the admin /status endpoint.
type Status struct {
	Engine     engine.Snapshot         `json:"engine"`
	Counters   engine.CountersSnapshot `json:"counters"`
	Agents     agent.Stats             `json:"agents"`
	Queued     []queue.Entry           `json:"queued"`
	Schedules  []scheduler.JobStatus   `json:"schedules"`
	Goroutines []rtsup.GoroutineStats  `json:"goroutines,omitempty"`
	// EventsDropped counts bus deliveries lost to slow subscribers.
	EventsDropped uint64 `json:"events_dropped"`
}

func NewApp(cfgPath string) (a *App, err error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	comp := log.Component
	bus := eventbus.New()

	sc := mapStorage(cfg)
	backend, err := storage.Open(sc, comp("storage"))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err != nil {
			_ = backend.Close()
			_ = logSvc.Close()
		}
	}()
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	archive, err := storage.NewFileArchive(archiveDir(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed-state archive: %w", err)
	}

	cps, err := checkpoint.NewManager(mapCheckpoint(cfg), backend, comp("checkpoint"), bus)
	if err != nil {
		return nil, err
	}
	janitor, err := checkpoint.NewJanitor(mapJanitor(cfg), backend, archive, comp("checkpoint"), bus)
	if err != nil {
		return nil, fmt.Errorf("checkpoint janitor: %w", err)
	}

	q := queue.New(mapQueue(cfg))
	pool := agent.NewPool()
	for i := 1; i <= cfg.Agents.EchoWorkers; i++ {
		if err := pool.Register(agent.Echo(fmt.Sprintf("echo-%d", i))); err != nil {
			return nil, err
		}
	}

	eng, err := engine.New(mapEngine(cfg), q, pool, comp("engine"), bus)
	if err != nil {
		return nil, err
	}
	counters := engine.NewCounters()
	exec := engine.NewMetricsRecordingExecutor(eng, counters, bus)

	sched, err := scheduler.New(mapSchedules(cfg), exec, comp("scheduler"))
	if err != nil {
		return nil, fmt.Errorf("schedules: %w", err)
	}

	coord, err := recovery.New(cps, nil, archive, mapRecovery(cfg), comp("recovery"), bus)
	if err != nil {
		return nil, err
	}

	a = &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      comp("app"),
		logs:     logSvc,
		bus:      bus,
		backend:  backend,
		archive:  archive,
		cps:      cps,
		janitor:  janitor,
		queue:    q,
		agents:   pool,
		engine:   eng,
		counters: counters,
		exec:     exec,
		sched:    sched,
		recovery: coord,
	}
	a.admin = admin.New(mapAdmin(cfg), exec, func() any { return a.Status() }, comp("admin"))
	return a, nil
}

func (a *App) Status() Status {
	st := Status{
		Engine:    a.engine.Snapshot(),
		Counters:  a.counters.Snapshot(),
		Agents:    a.agents.Stats(),
		Queued:    a.queue.Snapshot(),
		Schedules: a.sched.Snapshot(),

		EventsDropped: a.bus.Dropped(),
	}
	if a.sup != nil {
		st.Goroutines = a.sup.Goroutines()
	}
	return st
}

// Executor is the entry point for task execution. Results are counted and
// published as task.finished events.
func (a *App) Executor() engine.TaskExecutor { return a.exec }

func (a *App) Agents() *agent.Pool               { return a.agents }
func (a *App) Checkpoints() *checkpoint.Manager  { return a.cps }
func (a *App) Recovery() *recovery.Coordinator   { return a.recovery }
func (a *App) Scheduler() *scheduler.Service     { return a.sched }
func (a *App) Janitor() *checkpoint.Janitor      { return a.janitor }
func (a *App) Bus() eventbus.Bus                 { return a.bus }
func (a *App) Counters() engine.CountersSnapshot { return a.counters.Snapshot() }
func (a *App) Engine() engine.Snapshot           { return a.engine.Snapshot() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// validate runs on every reload before the new config is committed.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	return errors.Join(
		a.sched.Validate(mapSchedules(cfg)),
		a.janitor.Validate(mapJanitor(cfg)),
	)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.Component("config"))
	a.cfgm.SetValidator(a.validate)

	a.engine.Start(a.sup.Context())
	if err := a.janitor.Start(); err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}
	a.sched.Start(a.sup.Context())
	a.admin.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Task and checkpoint events fire per execution; recovery
				// outcomes and corrupted writes are rare and worth seeing.
				if strings.HasPrefix(e.Type, "recovery.") || e.Type == eventbus.CheckpointCorrupted {
					a.log.Info("event", logx.String("type", e.Type), logx.Any("data", e.Data))
				} else {
					a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
				}
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	// A broken watcher is rebuilt; it never takes the app down.
	a.sup.GoRestart("config.watch", a.cfgm.Watch, rtsup.WithRestartBackoff(250*time.Millisecond, 5*time.Second))

	a.log.Info("app started",
		logx.Int("agents", a.agents.Stats().Total),
		logx.Int("workers", a.engine.Snapshot().Workers),
		logx.Int("schedules", len(a.sched.Snapshot())),
	)
	return nil
}

// applyConfig pushes live-reloadable settings to every service. Settings that
// need a restart are only reported.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if restart := config.RestartRequired(oldCfg, newCfg); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("settings", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogging(newCfg))
	a.engine.Apply(mapEngine(newCfg))
	a.cps.Apply(mapCheckpoint(newCfg))
	if err := a.janitor.Apply(mapJanitor(newCfg)); err != nil {
		a.log.Warn("janitor config rejected; keeping previous", logx.Err(err))
	}
	a.recovery.Apply(mapRecovery(newCfg))
	if err := a.sched.Apply(mapSchedules(newCfg)); err != nil {
		a.log.Warn("schedules rejected; keeping previous", logx.Err(err))
	}
	a.admin.Reconfigure(a.sup.Context(), mapAdmin(newCfg))

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding immediately.
	a.sup.Cancel()

	var errs []error
	// step runs one shutdown step bounded by max so one component can't stall
	// the whole stop. The caller's deadline is never extended.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			// fn must honor stepCtx; log the leak when it finally returns.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Err(stepCtx.Err()), logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	// Reverse construction order: surfaces and triggers, execution, checkpoints, storage.
	step("admin", 2*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("engine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("janitor", time.Second, func(c context.Context) error { a.janitor.Stop(c); return nil })
	step("checkpoints", 2*time.Second, a.cps.Close)
	step("storage", time.Second, func(context.Context) error { return a.backend.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
