package model

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle status derived from the most recently
// completed firing. It is advisory; execution rows are authoritative.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
)

type ExecutionStatus string

const (
	ExecutionRunning ExecutionStatus = "running"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// Retry and timeout bounds enforced on every job row.
const (
	MinRetryBudget = 1
	MaxRetryBudget = 10

	MinAttemptTimeout = time.Second
	MaxAttemptTimeout = 5 * time.Minute
)

var allowedMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true,
}

// Job is the scheduled unit: a cron expression plus the HTTP envelope to
// deliver on each firing.
type Job struct {
	ID          uuid.UUID
	Name        string
	Description string

	CronExpr string
	Timezone string // IANA name; empty means UTC

	URL     string
	Method  string
	Headers map[string]string
	Query   map[string]string
	Body    string // raw request body; empty means none

	Enabled bool

	// SkipIfRunning skips a firing while a previous one of the same job
	// is still in flight. Off by default; overlap is allowed.
	SkipIfRunning bool

	RetryBudget    int           // total HTTP attempts per firing
	AttemptTimeout time.Duration // deadline for one attempt

	OwnerID string

	Status      JobStatus
	LastFiredAt *time.Time
	NextFireAt  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the row-level invariants. Cron expression and timezone
// validity are the cron evaluator's concern, not the model's.
func (j *Job) Validate() error {
	if j.ID == uuid.Nil {
		return errors.New("job: id required")
	}
	if strings.TrimSpace(j.Name) == "" {
		return errors.New("job: name required")
	}
	if strings.TrimSpace(j.CronExpr) == "" {
		return errors.New("job: cron expression required")
	}
	m := strings.ToUpper(strings.TrimSpace(j.Method))
	if !allowedMethods[m] {
		return fmt.Errorf("job: unsupported method %q", j.Method)
	}
	u, err := url.Parse(j.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("job: invalid target url %q", j.URL)
	}
	if j.RetryBudget < MinRetryBudget || j.RetryBudget > MaxRetryBudget {
		return fmt.Errorf("job: retry budget %d out of range [%d,%d]", j.RetryBudget, MinRetryBudget, MaxRetryBudget)
	}
	if j.AttemptTimeout < MinAttemptTimeout || j.AttemptTimeout > MaxAttemptTimeout {
		return fmt.Errorf("job: attempt timeout %s out of range [%s,%s]", j.AttemptTimeout, MinAttemptTimeout, MaxAttemptTimeout)
	}
	return nil
}

// Execution records one firing of a job.
type Execution struct {
	ID    uuid.UUID
	JobID uuid.UUID

	StartedAt   time.Time
	CompletedAt *time.Time

	Status ExecutionStatus

	// StatusCode is set when any HTTP response was received.
	StatusCode *int

	// ResponseBody is nil when the target returned no body or when the
	// body was dropped by the HTML filter at write time.
	ResponseBody *string

	ErrorMessage string
	DurationMS   int64
	Attempt      int
}

// Terminal reports whether the execution reached a final status.
func (e *Execution) Terminal() bool {
	return e.Status == ExecutionSuccess || e.Status == ExecutionFailed
}

// AutoReasonPrefix marks ScheduleChange rows written by the rescheduling
// controller rather than a human operator.
const AutoReasonPrefix = "auto:"

// ScheduleChange is an append-only audit record of a cron rewrite.
type ScheduleChange struct {
	ID    uuid.UUID
	JobID uuid.UUID

	OldExpr string
	NewExpr string

	Reason    string
	Author    string
	ChangedAt time.Time
}

// Automatic reports whether the change was controller-originated.
func (c *ScheduleChange) Automatic() bool {
	return strings.HasPrefix(c.Reason, AutoReasonPrefix)
}
