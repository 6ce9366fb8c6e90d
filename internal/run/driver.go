// Package run drives one firing of a job through HTTP invocation, the
// retry loop, and atomic persistence of the terminal state.
package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"chronod/internal/cronspec"
	"chronod/internal/events"
	"chronod/internal/invoke"
	"chronod/internal/model"
	"chronod/internal/store"
	"chronod/pkg/logx"
)

// ErrSkipped is returned when a firing is dropped because the job's
// previous run is still in flight and the job opted into skipping.
var ErrSkipped = errors.New("run: previous firing still in flight")

const cancelledMessage = "CANCELLED"

// Invoker is the single HTTP attempt the driver loops over.
type Invoker interface {
	Do(ctx context.Context, r invoke.Request) (invoke.Response, error)
}

type Driver struct {
	store   store.Store
	invoker Invoker
	eval    *cronspec.Evaluator
	pub     *events.Publisher
	clock   cronspec.Clock
	log     logx.Logger

	mu       sync.Mutex
	inflight map[uuid.UUID]int
}

func NewDriver(st store.Store, inv Invoker, eval *cronspec.Evaluator, pub *events.Publisher, clock cronspec.Clock, log logx.Logger) *Driver {
	if clock == nil {
		clock = cronspec.RealClock{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Driver{
		store:    st,
		invoker:  inv,
		eval:     eval,
		pub:      pub,
		clock:    clock,
		log:      log,
		inflight: map[uuid.UUID]int{},
	}
}

// Execute runs one firing of the job to a terminal state. The job row is
// re-read so a delete that raced the timer aborts cleanly.
func (d *Driver) Execute(ctx context.Context, jobID uuid.UUID) (model.Execution, error) {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			d.log.Info("firing for deleted job dropped", logx.String("job", jobID.String()))
		}
		return model.Execution{}, err
	}

	if job.SkipIfRunning && !d.acquire(job.ID) {
		d.log.Debug("firing skipped, previous run in flight", logx.String("job", job.ID.String()))
		return model.Execution{}, ErrSkipped
	}
	if job.SkipIfRunning {
		defer d.release(job.ID)
	}

	firedAt := d.clock.Now()
	if err := d.store.MarkJobRunning(ctx, job.ID, firedAt); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Execution{}, err
		}
		return model.Execution{}, fmt.Errorf("run: mark running: %w", err)
	}
	d.pub.Publish(events.ExecutionStarted, events.Payload{
		JobID: job.ID, JobName: job.Name, Status: string(model.ExecutionRunning), Timestamp: firedAt,
	})

	ex := model.Execution{
		ID:        uuid.New(),
		JobID:     job.ID,
		StartedAt: firedAt,
		Status:    model.ExecutionRunning,
		Attempt:   1,
	}
	if err := d.store.CreateExecution(ctx, ex); err != nil {
		return model.Execution{}, fmt.Errorf("run: create execution: %w", err)
	}

	return d.attemptLoop(ctx, job, ex, firedAt)
}

func (d *Driver) attemptLoop(ctx context.Context, job model.Job, ex model.Execution, firedAt time.Time) (model.Execution, error) {
	var lastErr string

	for attempt := 1; attempt <= job.RetryBudget; attempt++ {
		ex.Attempt = attempt

		resp, err := d.invoker.Do(ctx, invoke.Request{
			Method:  job.Method,
			URL:     job.URL,
			Headers: job.Headers,
			Query:   job.Query,
			Body:    job.Body,
			Timeout: job.AttemptTimeout,
		})

		switch {
		case err == nil && resp.StatusCode >= 200 && resp.StatusCode < 400:
			return d.complete(ctx, job, ex, firedAt, &resp, "")
		case err == nil:
			lastErr = fmt.Sprintf("http status %d", resp.StatusCode)
			ex.StatusCode = &resp.StatusCode
		default:
			lastErr = err.Error()
			ex.StatusCode = nil
		}

		if ctx.Err() != nil {
			return d.complete(ctx, job, ex, firedAt, nil, cancelledMessage)
		}
		if attempt == job.RetryBudget {
			break
		}

		d.log.Debug("attempt failed, backing off",
			logx.String("job", job.ID.String()),
			logx.Int("attempt", attempt),
			logx.String("err", lastErr))
		if !d.sleep(ctx, backoff(attempt)) {
			return d.complete(ctx, job, ex, firedAt, nil, cancelledMessage)
		}
	}

	return d.complete(ctx, job, ex, firedAt, nil, lastErr)
}

// complete writes the terminal state atomically and emits the completion
// event. resp non-nil means success; otherwise errMsg carries the last
// attempt's failure.
func (d *Driver) complete(ctx context.Context, job model.Job, ex model.Execution, firedAt time.Time, resp *invoke.Response, errMsg string) (model.Execution, error) {
	now := d.clock.Now()
	completed := now
	ex.CompletedAt = &completed
	ex.DurationMS = now.Sub(firedAt).Milliseconds()

	var jobStatus model.JobStatus
	if resp != nil {
		ex.Status = model.ExecutionSuccess
		ex.StatusCode = &resp.StatusCode
		body, filtered := sanitizeBody(resp.Body)
		if filtered {
			d.log.Warn("response body looks like HTML, dropped",
				logx.String("job", job.ID.String()),
				logx.String("execution", ex.ID.String()))
		}
		ex.ResponseBody = body
		ex.ErrorMessage = ""
		jobStatus = model.JobSuccess
	} else {
		ex.Status = model.ExecutionFailed
		ex.ResponseBody = nil
		ex.ErrorMessage = errMsg
		jobStatus = model.JobFailed
	}

	var nextFireAt *time.Time
	if next, err := d.eval.Next(job.CronExpr, job.Timezone, now); err == nil {
		nextFireAt = &next
	} else {
		d.log.Error("next firing not computable", logx.String("job", job.ID.String()), logx.Err(err))
	}

	// The terminal write must survive process shutdown; it gets its own
	// context so a cancelled firing can still persist FAILED.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := d.store.CompleteExecution(writeCtx, ex, jobStatus, nextFireAt); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			d.log.Info("job deleted mid-firing, terminal state dropped",
				logx.String("job", job.ID.String()))
			return model.Execution{}, err
		}
		// The execution row is stuck in running; the next firing
		// converges the job row. Consumers still learn the outcome.
		d.log.Error("terminal write failed", logx.String("job", job.ID.String()), logx.Err(err))
		d.pub.Publish(events.ExecutionCompleted, events.Payload{
			JobID: job.ID, JobName: job.Name,
			Status:       string(model.ExecutionFailed),
			ErrorMessage: "terminal write failed: " + err.Error(),
			Timestamp:    now,
		})
		return ex, fmt.Errorf("run: terminal write: %w", err)
	}

	d.pub.Publish(events.ExecutionCompleted, events.Payload{
		JobID: job.ID, JobName: job.Name,
		Status:       string(ex.Status),
		ErrorMessage: ex.ErrorMessage,
		Timestamp:    now,
	})
	d.log.Info("firing completed",
		logx.String("job", job.ID.String()),
		logx.String("status", string(ex.Status)),
		logx.Int("attempts", ex.Attempt),
		logx.Int64("duration_ms", ex.DurationMS))
	return ex, nil
}

// sleep blocks for d or until ctx is cancelled. Returns false on cancel.
func (d *Driver) sleep(ctx context.Context, dur time.Duration) bool {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// backoff returns the inter-attempt delay: 1s, 2s, 4s, ... capped at 60s.
func backoff(attempt int) time.Duration {
	d := time.Second << (attempt - 1)
	if d > time.Minute || d <= 0 {
		return time.Minute
	}
	return d
}

func (d *Driver) acquire(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight[id] > 0 {
		return false
	}
	d.inflight[id]++
	return true
}

func (d *Driver) release(id uuid.UUID) {
	d.mu.Lock()
	if d.inflight[id] > 0 {
		d.inflight[id]--
	}
	if d.inflight[id] == 0 {
		delete(d.inflight, id)
	}
	d.mu.Unlock()
}
