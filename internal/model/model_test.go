package model

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func validJob() Job {
	return Job{
		ID:             uuid.New(),
		Name:           "hook",
		CronExpr:       "*/5 * * * *",
		URL:            "https://example.com/hook",
		Method:         "POST",
		RetryBudget:    3,
		AttemptTimeout: 10 * time.Second,
	}
}

func TestJobValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Job)
		ok     bool
	}{
		{name: "valid", mutate: nil, ok: true},
		{name: "lowercase method", mutate: func(j *Job) { j.Method = "get" }, ok: true},
		{name: "missing id", mutate: func(j *Job) { j.ID = uuid.Nil }},
		{name: "missing name", mutate: func(j *Job) { j.Name = " " }},
		{name: "missing cron", mutate: func(j *Job) { j.CronExpr = "" }},
		{name: "bad method", mutate: func(j *Job) { j.Method = "TRACE" }},
		{name: "relative url", mutate: func(j *Job) { j.URL = "/hook" }},
		{name: "retry budget zero", mutate: func(j *Job) { j.RetryBudget = 0 }},
		{name: "retry budget too high", mutate: func(j *Job) { j.RetryBudget = 11 }},
		{name: "timeout too short", mutate: func(j *Job) { j.AttemptTimeout = 500 * time.Millisecond }},
		{name: "timeout too long", mutate: func(j *Job) { j.AttemptTimeout = 6 * time.Minute }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			j := validJob()
			if tt.mutate != nil {
				tt.mutate(&j)
			}
			err := j.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestExecutionTerminal(t *testing.T) {
	t.Parallel()
	e := Execution{Status: ExecutionRunning}
	if e.Terminal() {
		t.Fatal("running execution reported terminal")
	}
	e.Status = ExecutionSuccess
	if !e.Terminal() {
		t.Fatal("success not terminal")
	}
	e.Status = ExecutionFailed
	if !e.Terminal() {
		t.Fatal("failed not terminal")
	}
}

func TestScheduleChangeAutomatic(t *testing.T) {
	t.Parallel()
	c := ScheduleChange{Reason: "auto:failure-based-backoff"}
	if !c.Automatic() {
		t.Fatal("auto: prefix not recognized")
	}
	c.Reason = "operator request"
	if c.Automatic() {
		t.Fatal("manual reason misread as automatic")
	}
}
