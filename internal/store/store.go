// Package store persists jobs, executions and schedule changes behind a
// narrow interface. The sqlite implementation is the reference backend;
// everything above it depends only on Store.
//
// Execution rows are the authoritative history: a job's lifecycle
// status only mirrors the most recently completed firing and may lag
// under overlap. Readers that need strict state should query executions.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"chronod/internal/model"
	"chronod/pkg/logx"
)

var ErrNotFound = errors.New("store: not found")

// RecentLimit caps RecentExecutions queries.
const RecentLimit = 100

// Config configures the backing database.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
	MaxConns    int           // 0 means default
}

// Store is the persistence API the core consumes. Every method is atomic.
type Store interface {
	// ListEnabledJobs returns all enabled jobs, used at boot to rebuild
	// the timer registry.
	ListEnabledJobs(ctx context.Context) ([]model.Job, error)

	GetJob(ctx context.Context, id uuid.UUID) (model.Job, error)
	CreateJob(ctx context.Context, j model.Job) error
	UpdateJob(ctx context.Context, j model.Job) error
	DeleteJob(ctx context.Context, id uuid.UUID) error

	// MarkJobRunning records the start of a firing on the job row.
	MarkJobRunning(ctx context.Context, id uuid.UUID, firedAt time.Time) error

	// CreateExecution inserts a new execution in the running state.
	CreateExecution(ctx context.Context, e model.Execution) error

	// CompleteExecution writes the execution's terminal fields and the
	// parent job's derived status and next fire time in one transaction.
	CompleteExecution(ctx context.Context, e model.Execution, jobStatus model.JobStatus, nextFireAt *time.Time) error

	AppendScheduleChange(ctx context.Context, c model.ScheduleChange) error

	// ListScheduleChanges returns up to n change rows for the job,
	// newest first.
	ListScheduleChanges(ctx context.Context, jobID uuid.UUID, n int) ([]model.ScheduleChange, error)

	// RecentExecutions returns up to n (max RecentLimit) executions for
	// the job, newest first.
	RecentExecutions(ctx context.Context, jobID uuid.UUID, n int) ([]model.Execution, error)

	Close() error
}

// Open initializes the sqlite store at cfg.Path.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
