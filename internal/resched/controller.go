// Package resched is the periodic control loop that rewrites or
// disables unhealthy schedules based on their execution history.
package resched

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"chronod/internal/cronspec"
	"chronod/internal/events"
	"chronod/internal/model"
	"chronod/internal/store"
	"chronod/pkg/logx"
)

// changeAuthor identifies controller-authored ScheduleChange rows.
const changeAuthor = "rescheduler"

// Commands is the slice of the lifecycle orchestrator the controller is
// allowed to touch. It deliberately cannot create or delete jobs.
type Commands interface {
	OnJobUpdated(ctx context.Context, job model.Job) error
	OnJobDisabled(ctx context.Context, id uuid.UUID) error
}

type Config struct {
	Enabled   bool
	Interval  time.Duration // default 1h
	BatchSize int           // parallel width per sweep; default 50
}

// Summary describes one completed sweep, for diagnostics.
type Summary struct {
	At       time.Time
	Scanned  int
	Extended int
	Disabled int
	Errors   int
}

type Controller struct {
	store store.Store
	cmds  Commands
	eval  *cronspec.Evaluator
	pub   *events.Publisher
	log   logx.Logger

	mu      sync.Mutex
	cfg     Config
	last    Summary
	stopCh  chan struct{}
	stopped sync.Once
}

func New(cfg Config, st store.Store, cmds Commands, eval *cronspec.Evaluator, pub *events.Publisher, log logx.Logger) *Controller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Controller{
		store:  st,
		cmds:   cmds,
		eval:   eval,
		pub:    pub,
		log:    log,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// SetEnabled flips the process-wide toggle; a disabled controller skips
// sweeps but keeps ticking.
func (c *Controller) SetEnabled(v bool) {
	c.mu.Lock()
	c.cfg.Enabled = v
	c.mu.Unlock()
	c.log.Info("rescheduling toggled", logx.Bool("enabled", v))
}

func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Enabled
}

// LastSweep returns the most recent sweep summary.
func (c *Controller) LastSweep() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Start ticks until ctx is cancelled or Stop is called.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	interval := c.cfg.Interval
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				if !c.Enabled() {
					continue
				}
				if err := c.Sweep(ctx); err != nil {
					c.log.Error("sweep failed", logx.Err(err))
				}
			}
		}
	}()
	c.log.Info("rescheduling controller started", logx.Duration("interval", interval))
}

func (c *Controller) Stop() {
	c.stopped.Do(func() { close(c.stopCh) })
}

// Sweep evaluates every enabled job once. Individual job failures are
// logged and do not abort the pass.
func (c *Controller) Sweep(ctx context.Context) error {
	jobs, err := c.store.ListEnabledJobs(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	batch := c.cfg.BatchSize
	c.mu.Unlock()

	sum := Summary{At: time.Now(), Scanned: len(jobs)}
	var sumMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batch)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			outcome, err := c.evaluateJob(gctx, job)
			sumMu.Lock()
			defer sumMu.Unlock()
			switch {
			case err != nil:
				sum.Errors++
				c.log.Warn("job evaluation failed",
					logx.String("job", job.ID.String()), logx.Err(err))
			case outcome == ActionExtend:
				sum.Extended++
			case outcome == ActionDisable:
				sum.Disabled++
			}
			return nil
		})
	}
	_ = g.Wait()

	c.mu.Lock()
	c.last = sum
	c.mu.Unlock()
	c.log.Info("sweep finished",
		logx.Int("scanned", sum.Scanned),
		logx.Int("extended", sum.Extended),
		logx.Int("disabled", sum.Disabled),
		logx.Int("errors", sum.Errors))
	return nil
}

// evaluateJob applies the first matching rule to one job and reports
// the action taken. ActionKeep covers both "rule 1 matched" and "no
// rule matched".
func (c *Controller) evaluateJob(ctx context.Context, job model.Job) (Action, error) {
	recent, err := c.store.RecentExecutions(ctx, job.ID, store.RecentLimit)
	if err != nil {
		return ActionKeep, err
	}
	m := ComputeMetrics(recent, job.AttemptTimeout)

	rule := Evaluate(m)
	if rule == nil || rule.Action == ActionKeep {
		return ActionKeep, nil
	}

	switch rule.Action {
	case ActionDisable:
		return ActionDisable, c.disable(ctx, job, rule)
	case ActionExtend:
		return c.extend(ctx, job, rule)
	}
	return ActionKeep, nil
}

func (c *Controller) disable(ctx context.Context, job model.Job, rule *Rule) error {
	job.Enabled = false
	if err := c.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	if err := c.cmds.OnJobDisabled(ctx, job.ID); err != nil {
		return err
	}
	c.log.Warn("job disabled by rule",
		logx.String("job", job.ID.String()),
		logx.String("rule", rule.Name))
	return nil
}

func (c *Controller) extend(ctx context.Context, job model.Job, rule *Rule) (Action, error) {
	newExpr, changed := ExtendExpression(job.CronExpr, rule.Factor)
	if !changed {
		return ActionKeep, nil
	}
	// Never commit an extension the evaluator cannot fire.
	if _, err := c.eval.Next(newExpr, job.Timezone, time.Now()); err != nil {
		return ActionKeep, err
	}

	oldExpr := job.CronExpr
	change := model.ScheduleChange{
		ID:        uuid.New(),
		JobID:     job.ID,
		OldExpr:   oldExpr,
		NewExpr:   newExpr,
		Reason:    AutoReason(rule.Name),
		Author:    changeAuthor,
		ChangedAt: time.Now(),
	}
	if err := c.store.AppendScheduleChange(ctx, change); err != nil {
		return ActionKeep, err
	}

	job.CronExpr = newExpr
	if err := c.store.UpdateJob(ctx, job); err != nil {
		return ActionKeep, err
	}
	// Re-derives the timer from the rewritten row.
	if err := c.cmds.OnJobUpdated(ctx, job); err != nil {
		return ActionExtend, err
	}

	c.pub.Publish(events.ScheduleChanged, events.Payload{
		JobID: job.ID, JobName: job.Name,
		OldExpression: oldExpr,
		NewExpression: newExpr,
	})
	c.log.Info("schedule extended",
		logx.String("job", job.ID.String()),
		logx.String("rule", rule.Name),
		logx.String("old", oldExpr),
		logx.String("new", newExpr))
	return ActionExtend, nil
}
