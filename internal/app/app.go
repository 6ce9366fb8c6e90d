// Package app is the lifecycle orchestrator: it wires the registry,
// worker pool, execution driver, controller and hub together, rebuilds
// timers at boot, applies external commands, and shuts the process down
// in order.
package app

import (
	"context"
	"errors"
	"time"

	"chronod/internal/config"
	"chronod/internal/cronspec"
	"chronod/internal/events"
	"chronod/internal/hub"
	"chronod/internal/invoke"
	"chronod/internal/model"
	"chronod/internal/pool"
	"chronod/internal/registry"
	"chronod/internal/resched"
	"chronod/internal/run"
	"chronod/internal/runtime/supervisor"
	"chronod/internal/store"
	"chronod/pkg/logx"
)

type App struct {
	cfg *config.Config
	log logx.Logger

	bus     events.Bus
	pub     *events.Publisher
	store   store.Store
	invoker *invoke.Client
	eval    *cronspec.Evaluator
	clock   cronspec.Clock

	registry   *registry.Registry
	pool       *pool.Pool
	driver     *run.Driver
	controller *resched.Controller
	hub        *hub.Hub
	sup        *supervisor.Supervisor

	grace time.Duration
}

// Option tweaks construction; tests use these to inject fakes.
type Option func(*App)

// WithClock substitutes the timer clock.
func WithClock(c cronspec.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithStore substitutes an already-open store; App will still close it.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

func New(cfg *config.Config, log logx.Logger, opts ...Option) (*App, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &App{
		cfg:   cfg,
		log:   log,
		clock: cronspec.RealClock{},
	}
	for _, o := range opts {
		o(a)
	}

	grace, err := cfg.ShutdownGrace()
	if err != nil {
		return nil, err
	}
	a.grace = grace

	if a.store == nil {
		busy, err := cfg.DatabaseBusyTimeout()
		if err != nil {
			return nil, err
		}
		st, err := store.Open(store.Config{
			Path:        cfg.Database.Path,
			BusyTimeout: busy,
			MaxConns:    cfg.Database.MaxConnections,
		}, log.With(logx.String("component", "store")))
		if err != nil {
			return nil, err
		}
		a.store = st
	}

	a.bus = events.NewBus()
	a.pub = events.NewPublisher(a.bus, log)
	a.eval = cronspec.NewEvaluator()
	a.invoker = invoke.New(invoke.Config{
		MaxSocketsPerHost: cfg.HTTP.MaxSocketsPerHost,
		MaxIdlePerHost:    cfg.HTTP.MaxIdlePerHost,
		RatePerHost:       cfg.HTTP.RatePerHost,
	}, log.With(logx.String("component", "invoker")))

	a.pool = pool.New(pool.Config{
		MaxConcurrent: cfg.Executor.MaxConcurrent,
		QueueSize:     cfg.Executor.QueueSize,
	}, log.With(logx.String("component", "pool")))

	a.driver = run.NewDriver(a.store, a.invoker, a.eval, a.pub, a.clock,
		log.With(logx.String("component", "driver")))

	a.registry = registry.New(a.eval, a.clock, a.fire,
		log.With(logx.String("component", "registry")))

	interval, err := cfg.SweepInterval()
	if err != nil {
		return nil, err
	}
	a.controller = resched.New(resched.Config{
		Enabled:   cfg.ReschedulingEnabled(),
		Interval:  interval,
		BatchSize: cfg.Rescheduling.BatchSize,
	}, a.store, a, a.eval, a.pub, log.With(logx.String("component", "resched")))

	a.hub = hub.New(a.bus, log.With(logx.String("component", "hub")))

	return a, nil
}

// Bus exposes the event stream for additional push consumers.
func (a *App) Bus() events.Bus { return a.bus }

// Start rehydrates timers from storage and launches the pool, the
// controller, and the hub.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, a.log)

	a.pool.Start(a.sup.Context())

	jobs, err := a.store.ListEnabledJobs(ctx)
	if err != nil {
		return err
	}
	registered := 0
	for _, job := range jobs {
		if err := a.registry.Register(job); err != nil {
			// A row with a broken expression stays runnable manually;
			// it just gets no timer.
			a.log.Warn("job not registered",
				logx.String("job", job.ID.String()),
				logx.String("cron", job.CronExpr),
				logx.Err(err))
			continue
		}
		registered++
	}

	a.controller.Start(a.sup.Context())
	if err := a.hub.Start(a.cfg.Hub.Listen); err != nil {
		return err
	}

	a.log.Info("scheduler started",
		logx.Int("jobs", registered),
		logx.Int("workers", a.cfg.Executor.MaxConcurrent))
	return nil
}

// WatchConfig applies live-reloadable settings from the manager: the
// rescheduling toggle and the log level.
func (a *App) WatchConfig(m *config.Manager, logSvc *logx.Service) {
	a.sup.Go("config-watch", func(ctx context.Context) error {
		updates := m.Subscribe()
		for {
			select {
			case <-ctx.Done():
				return nil
			case cfg, ok := <-updates:
				if !ok {
					return nil
				}
				a.controller.SetEnabled(cfg.ReschedulingEnabled())
				if logSvc != nil {
					if err := logSvc.Apply(logx.Config{
						Level:    cfg.Logging.Level,
						Console:  cfg.Logging.Console,
						FilePath: cfg.Logging.File,
					}); err != nil {
						a.log.Warn("log config rejected", logx.Err(err))
					}
				}
			}
		}
	})
}

// Stop shuts the scheduler down: controller first, then the pool drain
// bounded by the grace deadline, then timers and the store.
func (a *App) Stop() {
	a.log.Info("shutting down", logx.Duration("grace", a.grace))

	a.controller.Stop()

	drainCtx, cancel := context.WithTimeout(context.Background(), a.grace)
	a.pool.Stop(drainCtx)
	cancel()

	a.registry.Close()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.hub.Stop(stopCtx)
	if a.sup != nil {
		_ = a.sup.Stop(stopCtx)
	}

	a.invoker.Close()
	if err := a.store.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.log.Info("shutdown complete")
}

// fire is the registry's timer action: hand the firing to the pool and
// move on. The timer goroutine never executes jobs itself.
func (a *App) fire(job model.Job) {
	err := a.pool.Submit(pool.Task{
		Name: job.Name,
		Run: func(ctx context.Context) {
			a.runFiring(ctx, job)
		},
	})
	if err != nil && !errors.Is(err, pool.ErrQueueFull) {
		a.log.Debug("firing rejected", logx.String("job", job.ID.String()), logx.Err(err))
	}
}

func (a *App) runFiring(ctx context.Context, job model.Job) {
	_, err := a.driver.Execute(ctx, job.ID)
	switch {
	case err == nil:
	case errors.Is(err, run.ErrSkipped), errors.Is(err, store.ErrNotFound):
		// Already logged at the source.
	default:
		a.log.Warn("firing errored", logx.String("job", job.ID.String()), logx.Err(err))
	}
}
