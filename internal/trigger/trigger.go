package trigger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule marks a job definition whose cron fields cannot be
// parsed, or whose combination provably never fires.
var ErrInvalidSchedule = errors.New("invalid schedule")

// Fields are the six cron-style sub-expressions of a job schedule.
// Empty fields mean "*".
type Fields struct {
	Second    string
	Minute    string
	Hour      string
	Day       string
	Month     string
	DayOfWeek string
}

func (f Fields) normalized() Fields {
	def := func(s string) string {
		s = strings.TrimSpace(s)
		if s == "" {
			return "*"
		}
		return s
	}
	return Fields{
		Second:    def(f.Second),
		Minute:    def(f.Minute),
		Hour:      def(f.Hour),
		Day:       def(f.Day),
		Month:     def(f.Month),
		DayOfWeek: def(f.DayOfWeek),
	}
}

// Expr renders the fields as a six-field cron expression (seconds first).
func (f Fields) Expr() string {
	n := f.normalized()
	return strings.Join([]string{n.Second, n.Minute, n.Hour, n.Day, n.Month, n.DayOfWeek}, " ")
}

// sixFieldParser accepts literal, wildcard, range, step and list forms in
// every field. Standard cron day-of-month/day-of-week OR-combination applies
// when both fields are restricted.
var sixFieldParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Spec is an immutable, parsed trigger. Next is pure: the same (spec, after)
// pair always yields the same result, which the dispatch loop relies on for
// misfire catch-up computation.
type Spec struct {
	expr  string
	sched cron.Schedule
}

// Parse validates the six cron fields and builds a Spec evaluated in loc
// (nil means local time). It fails with ErrInvalidSchedule when any field is
// malformed or when the combination cannot fire within the evaluator's
// search horizon (e.g. day 31 in February only).
func Parse(f Fields, loc *time.Location) (*Spec, error) {
	n := f.normalized()
	for name, v := range map[string]string{
		"second": n.Second, "minute": n.Minute, "hour": n.Hour,
		"day": n.Day, "month": n.Month, "day_of_week": n.DayOfWeek,
	} {
		if strings.ContainsAny(v, " \t") {
			return nil, fmt.Errorf("%w: field %s %q contains whitespace", ErrInvalidSchedule, name, v)
		}
	}

	expr := n.Expr()
	parseExpr := expr
	if loc != nil {
		parseExpr = "CRON_TZ=" + loc.String() + " " + expr
	}
	sched, err := sixFieldParser.Parse(parseExpr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, expr, err)
	}

	s := &Spec{expr: expr, sched: sched}
	// The underlying evaluator gives up after a bounded search window and
	// returns the zero time. Surface that at construction, not at fire time.
	if s.Next(time.Now()).IsZero() {
		return nil, fmt.Errorf("%w: %q never fires", ErrInvalidSchedule, expr)
	}
	return s, nil
}

// MustParse is a test/fixture helper; it panics on invalid fields.
func MustParse(f Fields, loc *time.Location) *Spec {
	s, err := Parse(f, loc)
	if err != nil {
		panic(err)
	}
	return s
}

// Next returns the smallest fire time strictly after the given instant, or
// the zero time if none exists within the search horizon.
func (s *Spec) Next(after time.Time) time.Time {
	return s.sched.Next(after)
}

// Expr returns the normalized six-field expression, mainly for logging.
func (s *Spec) Expr() string { return s.expr }
