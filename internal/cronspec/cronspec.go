// Package cronspec evaluates 5-field cron expressions in a job's
// timezone. The evaluator is pure: callers pass "now" in, so scheduling
// logic can be tested against an injected clock.
package cronspec

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseError reports an invalid expression or an unknown timezone.
type ParseError struct {
	Expr   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cron %q: %s", e.Expr, e.Reason)
}

// Validation is the result of a successful Validate call. The two firing
// instants let callers sanity-check the cadence of a new expression.
type Validation struct {
	First  time.Time
	Second time.Time
}

// Evaluator parses the standard 5-field form
// {minute, hour, day-of-month, month, day-of-week}.
type Evaluator struct {
	parser cron.Parser
}

func NewEvaluator() *Evaluator {
	return &Evaluator{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Validate parses expr and returns its first two firings after now (UTC).
func (e *Evaluator) Validate(expr string, now time.Time) (Validation, error) {
	sched, err := e.parse(expr, "UTC")
	if err != nil {
		return Validation{}, err
	}
	first := sched.Next(now)
	return Validation{First: first, Second: sched.Next(first)}, nil
}

// Next returns the next firing of expr in the given IANA timezone
// strictly after the given instant. An empty tz means UTC.
func (e *Evaluator) Next(expr, tz string, after time.Time) (time.Time, error) {
	sched, err := e.parse(expr, tz)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(after)
	if next.IsZero() {
		return time.Time{}, &ParseError{Expr: expr, Reason: "expression never fires"}
	}
	return next, nil
}

func (e *Evaluator) parse(expr, tz string) (cron.Schedule, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, &ParseError{Expr: expr, Reason: "expression required"}
	}
	if len(strings.Fields(trimmed)) != 5 {
		return nil, &ParseError{Expr: expr, Reason: "expected 5 whitespace-separated fields"}
	}

	loc := strings.TrimSpace(tz)
	if loc == "" {
		loc = "UTC"
	}
	if _, err := time.LoadLocation(loc); err != nil {
		return nil, &ParseError{Expr: expr, Reason: fmt.Sprintf("unknown timezone %q", tz)}
	}

	// robfig/cron resolves the location itself when the spec carries a
	// CRON_TZ prefix, which keeps Next() correct for any input instant.
	sched, err := e.parser.Parse("CRON_TZ=" + loc + " " + trimmed)
	if err != nil {
		return nil, &ParseError{Expr: expr, Reason: err.Error()}
	}
	return sched, nil
}

// IsParseError reports whether err is a cron/timezone parse failure.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}
