package resched

import (
	"time"

	"chronod/internal/model"
)

// recentWindow is how many of the newest executions feed the streak
// counters.
const recentWindow = 10

// JobMetrics summarizes a job's last executions (up to 100, newest
// first) for rule evaluation.
type JobMetrics struct {
	TotalExecutions int

	SuccessRate float64
	FailureRate float64

	AverageExecutionTimeMS float64

	// RecentFailures counts FAILED rows among the newest recentWindow.
	RecentFailures int

	// RecentTimeouts counts rows among the newest recentWindow whose
	// duration reached the job's per-attempt timeout.
	RecentTimeouts int

	// ThresholdMS is 80% of the job's per-attempt timeout; an average
	// duration above it marks the job as slow.
	ThresholdMS float64
}

// ComputeMetrics derives JobMetrics from executions ordered newest
// first. A job with no history scores a perfect success rate so fresh
// jobs are never rescheduled.
func ComputeMetrics(execs []model.Execution, attemptTimeout time.Duration) JobMetrics {
	m := JobMetrics{
		TotalExecutions: len(execs),
		SuccessRate:     1,
		ThresholdMS:     0.8 * float64(attemptTimeout.Milliseconds()),
	}
	if len(execs) == 0 {
		return m
	}

	var succeeded, failed int
	var durationSum float64
	var durationCount int
	for _, e := range execs {
		switch e.Status {
		case model.ExecutionSuccess:
			succeeded++
		case model.ExecutionFailed:
			failed++
		}
		if e.Terminal() {
			durationSum += float64(e.DurationMS)
			durationCount++
		}
	}

	n := float64(len(execs))
	m.SuccessRate = float64(succeeded) / n
	m.FailureRate = float64(failed) / n
	if durationCount > 0 {
		m.AverageExecutionTimeMS = durationSum / float64(durationCount)
	}

	timeoutMS := attemptTimeout.Milliseconds()
	recent := execs
	if len(recent) > recentWindow {
		recent = recent[:recentWindow]
	}
	for _, e := range recent {
		if e.Status == model.ExecutionFailed {
			m.RecentFailures++
		}
		if timeoutMS > 0 && e.DurationMS >= timeoutMS {
			m.RecentTimeouts++
		}
	}
	return m
}
