package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chronod/internal/events"
	"chronod/internal/model"
	"chronod/internal/pool"
	"chronod/pkg/logx"
)

// The command surface consumed by the CRUD collaborator. Every method
// persists the mutation, re-derives the registry entry from the
// post-mutation row, and returns once the registry change is visible.
// Authorization happened upstream; commands trust their inputs.

func (a *App) OnJobCreated(ctx context.Context, job model.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = model.JobPending
	}

	if err := a.store.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	a.deriveRegistration(job)
	a.pub.Publish(events.JobCreated, events.Payload{JobID: job.ID, JobName: job.Name})
	return nil
}

func (a *App) OnJobUpdated(ctx context.Context, job model.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	prev, err := a.store.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}

	if err := a.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	// Expression rewrites get an audit row, whoever authored them. The
	// controller appends its own before calling in, so prev already
	// matches and no duplicate is written here.
	if prev.CronExpr != job.CronExpr {
		change := model.ScheduleChange{
			ID:        uuid.New(),
			JobID:     job.ID,
			OldExpr:   prev.CronExpr,
			NewExpr:   job.CronExpr,
			Reason:    "update",
			Author:    job.OwnerID,
			ChangedAt: time.Now().UTC(),
		}
		if err := a.store.AppendScheduleChange(ctx, change); err != nil {
			return fmt.Errorf("append schedule change: %w", err)
		}
		a.pub.Publish(events.ScheduleChanged, events.Payload{
			JobID: job.ID, JobName: job.Name,
			OldExpression: prev.CronExpr,
			NewExpression: job.CronExpr,
		})
	}

	a.deriveRegistration(job)
	a.pub.Publish(events.JobUpdated, events.Payload{JobID: job.ID, JobName: job.Name})
	return nil
}

func (a *App) OnJobDeleted(ctx context.Context, id uuid.UUID) error {
	job, err := a.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	a.registry.Unregister(id)
	if err := a.store.DeleteJob(ctx, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	a.pub.Publish(events.JobDeleted, events.Payload{JobID: id, JobName: job.Name})
	return nil
}

func (a *App) OnJobEnabled(ctx context.Context, job model.Job) error {
	job.Enabled = true
	return a.OnJobUpdated(ctx, job)
}

func (a *App) OnJobDisabled(ctx context.Context, id uuid.UUID) error {
	job, err := a.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Enabled {
		job.Enabled = false
		if err := a.store.UpdateJob(ctx, job); err != nil {
			return fmt.Errorf("disable job: %w", err)
		}
	}
	a.registry.Unregister(id)
	a.pub.Publish(events.JobUpdated, events.Payload{JobID: id, JobName: job.Name})
	return nil
}

// TriggerManual runs the job now, ahead of scheduled firings, and
// blocks until its terminal state is known.
func (a *App) TriggerManual(ctx context.Context, id uuid.UUID) (model.Execution, error) {
	if _, err := a.store.GetJob(ctx, id); err != nil {
		return model.Execution{}, err
	}

	type outcome struct {
		ex  model.Execution
		err error
	}
	done := make(chan outcome, 1)

	err := a.pool.SubmitManual(pool.Task{
		Name: "manual:" + id.String(),
		Run: func(runCtx context.Context) {
			ex, err := a.driver.Execute(runCtx, id)
			done <- outcome{ex: ex, err: err}
		},
	})
	if err != nil {
		return model.Execution{}, err
	}

	select {
	case <-ctx.Done():
		return model.Execution{}, ctx.Err()
	case out := <-done:
		return out.ex, out.err
	}
}

// deriveRegistration makes the registry match the job row: a timer for
// an enabled, parsable job and nothing otherwise.
func (a *App) deriveRegistration(job model.Job) {
	if !job.Enabled {
		a.registry.Unregister(job.ID)
		return
	}
	if err := a.registry.Register(job); err != nil {
		a.log.Warn("job not registered",
			logx.String("job", job.ID.String()),
			logx.String("cron", job.CronExpr),
			logx.Err(err))
	}
}
