package resched

import (
	"testing"
	"time"

	"chronod/internal/model"
)

func execs(statuses ...model.ExecutionStatus) []model.Execution {
	out := make([]model.Execution, len(statuses))
	now := time.Now()
	for i, s := range statuses {
		out[i] = model.Execution{
			Status:     s,
			StartedAt:  now.Add(-time.Duration(i) * time.Minute),
			DurationMS: 100,
		}
	}
	return out
}

func repeat(s model.ExecutionStatus, n int) []model.ExecutionStatus {
	out := make([]model.ExecutionStatus, n)
	for i := range out {
		out[i] = s
	}
	return out
}

func TestComputeMetricsEmptyHistory(t *testing.T) {
	t.Parallel()
	m := ComputeMetrics(nil, 10*time.Second)
	if m.TotalExecutions != 0 || m.SuccessRate != 1 || m.FailureRate != 0 {
		t.Fatalf("metrics = %+v", m)
	}
	if m.AverageExecutionTimeMS != 0 {
		t.Fatalf("avg = %v, want 0", m.AverageExecutionTimeMS)
	}
}

func TestComputeMetricsRates(t *testing.T) {
	t.Parallel()
	history := execs(append(repeat(model.ExecutionFailed, 6), repeat(model.ExecutionSuccess, 4)...)...)
	m := ComputeMetrics(history, 10*time.Second)
	if m.TotalExecutions != 10 {
		t.Fatalf("N = %d", m.TotalExecutions)
	}
	if m.FailureRate != 0.6 || m.SuccessRate != 0.4 {
		t.Fatalf("rates = %v/%v", m.SuccessRate, m.FailureRate)
	}
	if m.RecentFailures != 6 {
		t.Fatalf("RecentFailures = %d, want 6", m.RecentFailures)
	}
}

func TestComputeMetricsTimeouts(t *testing.T) {
	t.Parallel()
	history := execs(repeat(model.ExecutionSuccess, 10)...)
	for i := 0; i < 4; i++ {
		history[i].DurationMS = 10_000 // at the 10s attempt timeout
	}
	m := ComputeMetrics(history, 10*time.Second)
	if m.RecentTimeouts != 4 {
		t.Fatalf("RecentTimeouts = %d, want 4", m.RecentTimeouts)
	}
}

func TestRuleOrdering(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		m    JobMetrics
		want string
	}{
		{
			name: "healthy job keeps schedule",
			m:    JobMetrics{TotalExecutions: 50, SuccessRate: 0.98},
			want: "keep-on-success",
		},
		{
			name: "failure backoff beats disable streak",
			m:    JobMetrics{TotalExecutions: 10, FailureRate: 0.6, RecentFailures: 6},
			want: "failure-based-backoff",
		},
		{
			name: "timeout reduction",
			m:    JobMetrics{TotalExecutions: 10, SuccessRate: 1, RecentTimeouts: 3},
			want: "timeout-based-reduction",
		},
		{
			name: "slow decongestion",
			m:    JobMetrics{TotalExecutions: 10, SuccessRate: 1, AverageExecutionTimeMS: 9000, ThresholdMS: 8000},
			want: "slow-execution-decongest",
		},
		{
			name: "short history still disables on streak",
			m:    JobMetrics{TotalExecutions: 5, FailureRate: 1, RecentFailures: 5},
			want: "failure-streak-disable",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			rule := Evaluate(tt.m)
			if rule == nil {
				t.Fatal("no rule matched")
			}
			if rule.Name != tt.want {
				t.Fatalf("rule = %s, want %s", rule.Name, tt.want)
			}
		})
	}
}

func TestEvaluateNoMatch(t *testing.T) {
	t.Parallel()
	if rule := Evaluate(JobMetrics{TotalExecutions: 5, SuccessRate: 1}); rule != nil {
		t.Fatalf("rule = %s, want none", rule.Name)
	}
}

func TestExtendExpression(t *testing.T) {
	t.Parallel()
	tests := []struct {
		expr    string
		factor  float64
		want    string
		changed bool
	}{
		{"5 * * * *", 2, "10 * * * *", true},
		{"*/5 * * * *", 2, "*/10 * * * *", true},
		{"*/10 * * * *", 1.5, "*/15 * * * *", true},
		{"7 * * * *", 1.2, "8 * * * *", true},
		{"1 * * * *", 1.2, "1 * * * *", false}, // floor(1.2) = 1, no change
		{"0 * * * *", 2, "1 * * * *", true},    // clamped up to minute 1
		{"1-5 * * * *", 2, "1-5 * * * *", false},
		{"* * * * *", 2, "* * * * *", false},
		{"bad", 2, "bad", false},
	}
	for _, tt := range tests {
		got, changed := ExtendExpression(tt.expr, tt.factor)
		if got != tt.want || changed != tt.changed {
			t.Fatalf("ExtendExpression(%q, %v) = (%q, %v), want (%q, %v)",
				tt.expr, tt.factor, got, changed, tt.want, tt.changed)
		}
	}
}

func TestExtendRoundTrip(t *testing.T) {
	t.Parallel()
	// Doubling then halving a numeric minute restores the original.
	doubled, changed := ExtendExpression("6 * * * *", 2)
	if !changed || doubled != "12 * * * *" {
		t.Fatalf("doubled = %q", doubled)
	}
	back, changed := ExtendExpression(doubled, 0.5)
	if !changed || back != "6 * * * *" {
		t.Fatalf("back = %q", back)
	}
}
