package resched

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Action is what a matched rule does to the job.
type Action int

const (
	// ActionKeep leaves the schedule alone.
	ActionKeep Action = iota
	// ActionExtend stretches the cron interval by the rule's factor.
	ActionExtend
	// ActionDisable turns the job off.
	ActionDisable
)

// Rule is one entry of the ordered rule set. Lower-indexed rules win.
type Rule struct {
	Name    string
	Action  Action
	Factor  float64
	Matches func(m JobMetrics) bool
}

// The rule set, in priority order. The first match wins, so a healthy
// job is claimed by keep-on-success before any slowdown rule can see it.
var rules = []Rule{
	{
		Name:   "keep-on-success",
		Action: ActionKeep,
		Matches: func(m JobMetrics) bool {
			return m.SuccessRate >= 0.95 && m.TotalExecutions >= 20
		},
	},
	{
		Name:   "failure-based-backoff",
		Action: ActionExtend,
		Factor: 2,
		Matches: func(m JobMetrics) bool {
			return m.FailureRate > 0.50 && m.TotalExecutions >= 10
		},
	},
	{
		Name:   "timeout-based-reduction",
		Action: ActionExtend,
		Factor: 1.5,
		Matches: func(m JobMetrics) bool {
			return m.RecentTimeouts >= 3 && m.TotalExecutions >= 10
		},
	},
	{
		Name:   "slow-execution-decongest",
		Action: ActionExtend,
		Factor: 1.2,
		Matches: func(m JobMetrics) bool {
			return m.ThresholdMS > 0 && m.AverageExecutionTimeMS > m.ThresholdMS && m.TotalExecutions >= 10
		},
	},
	{
		Name:   "failure-streak-disable",
		Action: ActionDisable,
		Matches: func(m JobMetrics) bool {
			return m.RecentFailures >= 3
		},
	},
}

// Evaluate returns the first matching rule, or nil when none applies.
func Evaluate(m JobMetrics) *Rule {
	for i := range rules {
		if rules[i].Matches(m) {
			return &rules[i]
		}
	}
	return nil
}

// ExtendExpression stretches the minute field of a 5-field cron
// expression by factor. A plain numeric minute and the */step form are
// rewritten; anything else is left untouched. The second return value
// reports whether the expression actually changed.
func ExtendExpression(expr string, factor float64) (string, bool) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return expr, false
	}
	minute := fields[0]

	switch {
	case strings.HasPrefix(minute, "*/"):
		step, err := strconv.Atoi(minute[2:])
		if err != nil {
			return expr, false
		}
		fields[0] = "*/" + strconv.Itoa(scale(step, factor))
	default:
		m, err := strconv.Atoi(minute)
		if err != nil {
			return expr, false
		}
		fields[0] = strconv.Itoa(scale(m, factor))
	}

	out := strings.Join(fields, " ")
	return out, out != strings.Join(strings.Fields(expr), " ")
}

func scale(v int, factor float64) int {
	return int(math.Floor(math.Max(1, float64(v)*factor)))
}

// AutoReason builds the ScheduleChange reason for a controller rewrite.
func AutoReason(rule string) string {
	return fmt.Sprintf("auto:%s", rule)
}
