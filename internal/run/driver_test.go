package run

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"chronod/internal/cronspec"
	"chronod/internal/events"
	"chronod/internal/invoke"
	"chronod/internal/model"
	"chronod/internal/store"
	"chronod/pkg/logx"
)

// memStore is an in-memory store.Store for driver tests.
type memStore struct {
	mu         sync.Mutex
	jobs       map[uuid.UUID]model.Job
	executions map[uuid.UUID]model.Execution
	changes    []model.ScheduleChange
	completeErr error
}

func newMemStore() *memStore {
	return &memStore{
		jobs:       map[uuid.UUID]model.Job{},
		executions: map[uuid.UUID]model.Execution{},
	}
}

func (m *memStore) ListEnabledJobs(ctx context.Context) ([]model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Job
	for _, j := range m.jobs {
		if j.Enabled {
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *memStore) GetJob(ctx context.Context, id uuid.UUID) (model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return model.Job{}, store.ErrNotFound
	}
	return j, nil
}

func (m *memStore) CreateJob(ctx context.Context, j model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j
	return nil
}

func (m *memStore) UpdateJob(ctx context.Context, j model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; !ok {
		return store.ErrNotFound
	}
	m.jobs[j.ID] = j
	return nil
}

func (m *memStore) DeleteJob(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.jobs, id)
	return nil
}

func (m *memStore) MarkJobRunning(ctx context.Context, id uuid.UUID, firedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.Status = model.JobRunning
	j.LastFiredAt = &firedAt
	m.jobs[id] = j
	return nil
}

func (m *memStore) CreateExecution(ctx context.Context, e model.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[e.ID] = e
	return nil
}

func (m *memStore) CompleteExecution(ctx context.Context, e model.Execution, jobStatus model.JobStatus, nextFireAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.completeErr != nil {
		return m.completeErr
	}
	j, ok := m.jobs[e.JobID]
	if !ok {
		return store.ErrNotFound
	}
	m.executions[e.ID] = e
	j.Status = jobStatus
	j.NextFireAt = nextFireAt
	m.jobs[e.JobID] = j
	return nil
}

func (m *memStore) AppendScheduleChange(ctx context.Context, c model.ScheduleChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes = append(m.changes, c)
	return nil
}

func (m *memStore) ListScheduleChanges(ctx context.Context, jobID uuid.UUID, n int) ([]model.ScheduleChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ScheduleChange
	for _, c := range m.changes {
		if c.JobID == jobID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) RecentExecutions(ctx context.Context, jobID uuid.UUID, n int) ([]model.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Execution
	for _, e := range m.executions {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) job(t *testing.T, id uuid.UUID) model.Job {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		t.Fatalf("job %s missing", id)
	}
	return j
}

func (m *memStore) execution(t *testing.T, id uuid.UUID) model.Execution {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		t.Fatalf("execution %s missing", id)
	}
	return e
}

// scriptedInvoker returns one canned outcome per attempt.
type scriptedInvoker struct {
	mu       sync.Mutex
	outcomes []func() (invoke.Response, error)
	calls    int
}

func (s *scriptedInvoker) Do(ctx context.Context, r invoke.Request) (invoke.Response, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.mu.Unlock()
	if i >= len(s.outcomes) {
		i = len(s.outcomes) - 1
	}
	return s.outcomes[i]()
}

func ok(status int, body string) func() (invoke.Response, error) {
	return func() (invoke.Response, error) {
		return invoke.Response{StatusCode: status, Body: []byte(body)}, nil
	}
}

func noResponse() func() (invoke.Response, error) {
	return func() (invoke.Response, error) {
		return invoke.Response{}, &invoke.Error{Kind: invoke.KindNoResponse, Err: errors.New("connection refused")}
	}
}

func newTestDriver(st store.Store, inv Invoker) (*Driver, events.Bus) {
	bus := events.NewBus()
	pub := events.NewPublisher(bus, logx.Nop())
	return NewDriver(st, inv, cronspec.NewEvaluator(), pub, cronspec.RealClock{}, logx.Nop()), bus
}

func seedJob(t *testing.T, st *memStore, mutate func(*model.Job)) model.Job {
	t.Helper()
	j := model.Job{
		ID:             uuid.New(),
		Name:           "hook",
		CronExpr:       "*/5 * * * *",
		Timezone:       "UTC",
		URL:            "https://example.com/hook",
		Method:         "POST",
		Enabled:        true,
		RetryBudget:    3,
		AttemptTimeout: 10 * time.Second,
		Status:         model.JobPending,
	}
	if mutate != nil {
		mutate(&j)
	}
	if err := st.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}
	return j
}

func TestExecuteSuccessFirstAttempt(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	j := seedJob(t, st, nil)
	inv := &scriptedInvoker{outcomes: []func() (invoke.Response, error){ok(200, `{"ok":true}`)}}
	d, bus := newTestDriver(st, inv)

	ch, unsub := bus.Subscribe(8)
	defer unsub()

	ex, err := d.Execute(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if ex.Status != model.ExecutionSuccess || ex.Attempt != 1 {
		t.Fatalf("execution = %+v", ex)
	}
	if ex.StatusCode == nil || *ex.StatusCode != 200 {
		t.Fatalf("StatusCode = %v, want 200", ex.StatusCode)
	}
	if ex.ResponseBody == nil || *ex.ResponseBody != `{"ok":true}` {
		t.Fatalf("ResponseBody = %v", ex.ResponseBody)
	}
	if ex.CompletedAt == nil || ex.CompletedAt.Before(ex.StartedAt) {
		t.Fatalf("CompletedAt = %v", ex.CompletedAt)
	}

	job := st.job(t, j.ID)
	if job.Status != model.JobSuccess {
		t.Fatalf("job status = %s, want success", job.Status)
	}
	if job.NextFireAt == nil || !job.NextFireAt.After(time.Now().Add(-time.Second)) {
		t.Fatalf("NextFireAt = %v", job.NextFireAt)
	}
	if job.NextFireAt.Sub(time.Now()) > 5*time.Minute {
		t.Fatalf("NextFireAt = %v, further than one cron period away", job.NextFireAt)
	}

	kinds := drainKinds(ch, 2)
	if kinds[0] != events.ExecutionStarted || kinds[1] != events.ExecutionCompleted {
		t.Fatalf("events = %v", kinds)
	}
}

func drainKinds(ch <-chan events.Event, n int) []string {
	var kinds []string
	timeout := time.After(2 * time.Second)
	for len(kinds) < n {
		select {
		case e := <-ch:
			kinds = append(kinds, e.Kind)
		case <-timeout:
			return kinds
		}
	}
	return kinds
}

func TestExecuteRetryThenSucceed(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	j := seedJob(t, st, nil)
	inv := &scriptedInvoker{outcomes: []func() (invoke.Response, error){noResponse(), ok(200, `{}`)}}
	d, _ := newTestDriver(st, inv)

	start := time.Now()
	ex, err := d.Execute(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if ex.Status != model.ExecutionSuccess || ex.Attempt != 2 {
		t.Fatalf("execution = %+v", ex)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Fatalf("elapsed = %v, want at least 1s of backoff", elapsed)
	}
}

func TestExecuteExhaustedRetries(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	j := seedJob(t, st, func(j *model.Job) { j.RetryBudget = 2 })
	inv := &scriptedInvoker{outcomes: []func() (invoke.Response, error){noResponse()}}
	d, _ := newTestDriver(st, inv)

	ex, err := d.Execute(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if ex.Status != model.ExecutionFailed || ex.Attempt != 2 {
		t.Fatalf("execution = %+v", ex)
	}
	if ex.ErrorMessage == "" {
		t.Fatal("ErrorMessage not set on failure")
	}
	if st.job(t, j.ID).Status != model.JobFailed {
		t.Fatalf("job status = %s, want failed", st.job(t, j.ID).Status)
	}
	if inv.calls != 2 {
		t.Fatalf("calls = %d, want 2", inv.calls)
	}
}

func TestExecuteClientErrorIsFailure(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	j := seedJob(t, st, func(j *model.Job) { j.RetryBudget = 1 })
	inv := &scriptedInvoker{outcomes: []func() (invoke.Response, error){ok(404, "nope")}}
	d, _ := newTestDriver(st, inv)

	ex, err := d.Execute(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if ex.Status != model.ExecutionFailed {
		t.Fatalf("status = %s, want failed for 404 response", ex.Status)
	}
	if ex.ErrorMessage != "http status 404" {
		t.Fatalf("ErrorMessage = %q", ex.ErrorMessage)
	}
	if ex.StatusCode == nil || *ex.StatusCode != 404 {
		t.Fatalf("StatusCode = %v, want 404", ex.StatusCode)
	}
}

func TestExecuteSingleAttemptNoBackoff(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	j := seedJob(t, st, func(j *model.Job) { j.RetryBudget = 1 })
	inv := &scriptedInvoker{outcomes: []func() (invoke.Response, error){noResponse()}}
	d, _ := newTestDriver(st, inv)

	start := time.Now()
	ex, err := d.Execute(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if ex.Status != model.ExecutionFailed || ex.Attempt != 1 {
		t.Fatalf("execution = %+v", ex)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("elapsed = %v, a single-attempt job must not back off", elapsed)
	}
}

func TestExecuteHTMLBodyFiltered(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	j := seedJob(t, st, nil)
	inv := &scriptedInvoker{outcomes: []func() (invoke.Response, error){ok(200, "<!DOCTYPE html><html><body>x</body></html>")}}
	d, _ := newTestDriver(st, inv)

	ex, err := d.Execute(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if ex.Status != model.ExecutionSuccess {
		t.Fatalf("status = %s, want success", ex.Status)
	}
	if ex.StatusCode == nil || *ex.StatusCode != 200 {
		t.Fatalf("StatusCode = %v", ex.StatusCode)
	}
	if ex.ResponseBody != nil {
		t.Fatalf("ResponseBody = %q, want nil for HTML", *ex.ResponseBody)
	}
}

func TestExecuteDeletedJobAborts(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	d, _ := newTestDriver(st, &scriptedInvoker{outcomes: []func() (invoke.Response, error){ok(200, "")}})

	_, err := d.Execute(context.Background(), uuid.New())
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if len(st.executions) != 0 {
		t.Fatal("execution row written for a deleted job")
	}
}

func TestExecuteCancelledDuringBackoff(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	j := seedJob(t, st, func(j *model.Job) { j.RetryBudget = 5 })
	inv := &scriptedInvoker{outcomes: []func() (invoke.Response, error){noResponse()}}
	d, _ := newTestDriver(st, inv)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	ex, err := d.Execute(ctx, j.ID)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if ex.Status != model.ExecutionFailed {
		t.Fatalf("status = %s, want failed", ex.Status)
	}
	if ex.ErrorMessage != "CANCELLED" {
		t.Fatalf("ErrorMessage = %q, want CANCELLED", ex.ErrorMessage)
	}
	// The terminal state must be persisted despite the cancelled context.
	if st.execution(t, ex.ID).Status != model.ExecutionFailed {
		t.Fatal("terminal state not persisted after cancellation")
	}
}

func TestExecuteSkipIfRunning(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	j := seedJob(t, st, func(j *model.Job) { j.SkipIfRunning = true })

	inFirst := make(chan struct{})
	releaseFirst := make(chan struct{})
	slow := func() (invoke.Response, error) {
		close(inFirst)
		<-releaseFirst
		return invoke.Response{StatusCode: 200}, nil
	}
	inv := &scriptedInvoker{outcomes: []func() (invoke.Response, error){slow, ok(200, "")}}
	d, _ := newTestDriver(st, inv)

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		if _, err := d.Execute(context.Background(), j.ID); err != nil {
			t.Errorf("first Execute error: %v", err)
		}
	}()

	<-inFirst
	_, err := d.Execute(context.Background(), j.ID)
	if !errors.Is(err, ErrSkipped) {
		t.Fatalf("err = %v, want ErrSkipped", err)
	}
	close(releaseFirst)
	<-firstDone

	// With the first firing finished, the job runs again.
	if _, err := d.Execute(context.Background(), j.ID); err != nil {
		t.Fatalf("third Execute error: %v", err)
	}
}
