// Package registry owns the in-memory map from job id to its live
// firing timer. All mutations go through one mutex, which is what keeps
// the "at most one timer per job" invariant.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"chronod/internal/cronspec"
	"chronod/internal/model"
	"chronod/pkg/logx"
)

// FireFunc receives each firing. It must not block; the pool's admission
// path is non-blocking by contract.
type FireFunc func(job model.Job)

// EntryInfo is a read-only view of one registered timer.
type EntryInfo struct {
	JobID    uuid.UUID
	Name     string
	CronExpr string
	Timezone string
	NextFire time.Time
}

type entry struct {
	job  model.Job
	stop chan struct{}
	done chan struct{}

	mu     sync.Mutex
	nextAt time.Time
}

func (e *entry) setNext(t time.Time) {
	e.mu.Lock()
	e.nextAt = t
	e.mu.Unlock()
}

func (e *entry) next() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextAt
}

type Registry struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*entry

	eval  *cronspec.Evaluator
	clock cronspec.Clock
	fire  FireFunc
	log   logx.Logger
}

func New(eval *cronspec.Evaluator, clock cronspec.Clock, fire FireFunc, log logx.Logger) *Registry {
	if clock == nil {
		clock = cronspec.RealClock{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		entries: map[uuid.UUID]*entry{},
		eval:    eval,
		clock:   clock,
		fire:    fire,
		log:     log,
	}
}

// Register removes any existing timer for the job, then arms a new one.
// A job whose expression or timezone no longer parses ends up with no
// timer at all, matching its unrunnable row.
func (r *Registry) Register(job model.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.unregisterLocked(job.ID)

	now := r.clock.Now()
	first, err := r.eval.Next(job.CronExpr, job.Timezone, now)
	if err != nil {
		return err
	}

	e := &entry{
		job:  job,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	e.setNext(first)
	r.entries[job.ID] = e
	// Arm the timer before releasing the lock so a Snapshot or an
	// immediately following Unregister sees a fully formed entry.
	tm := r.clock.NewTimer(first.Sub(now))
	go r.run(e, tm)

	r.log.Debug("timer registered",
		logx.String("job", job.ID.String()),
		logx.String("cron", job.CronExpr),
		logx.Time("next", first))
	return nil
}

// Unregister stops and removes the job's timer, if any.
func (r *Registry) Unregister(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(id)
}

func (r *Registry) unregisterLocked(id uuid.UUID) {
	e, ok := r.entries[id]
	if !ok {
		return
	}
	delete(r.entries, id)
	close(e.stop)
	// The timer loop never takes r.mu, so waiting here cannot deadlock.
	<-e.done
	r.log.Debug("timer unregistered", logx.String("job", id.String()))
}

func (r *Registry) Has(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// Snapshot returns a view of every live timer.
func (r *Registry) Snapshot() []EntryInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EntryInfo, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, EntryInfo{
			JobID:    e.job.ID,
			Name:     e.job.Name,
			CronExpr: e.job.CronExpr,
			Timezone: e.job.Timezone,
			NextFire: e.next(),
		})
	}
	return out
}

// Len reports the number of live timers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close stops every timer.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.entries {
		r.unregisterLocked(id)
	}
}

func (r *Registry) run(e *entry, timer cronspec.Timer) {
	defer close(e.done)
	defer timer.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-timer.C():
			r.fire(e.job)

			now := r.clock.Now()
			after, err := r.eval.Next(e.job.CronExpr, e.job.Timezone, now)
			if err != nil {
				// The expression parsed at registration; hitting this
				// means the timezone database changed underneath us.
				r.log.Error("recompute next firing failed",
					logx.String("job", e.job.ID.String()), logx.Err(err))
				return
			}
			e.setNext(after)
			timer.Reset(after.Sub(now))
		}
	}
}
