package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// CronSchedule computes successive activation times for a parsed cron
// expression. github.com/robfig/cron/v3's cron.Schedule already satisfies
// this shape, so a parsed expression can be returned directly.
type CronSchedule interface {
	Next(t time.Time) time.Time
}

// CronEvaluator parses cron expressions into a CronSchedule. Kept behind
// an interface per the design notes, so the scheduler never depends on
// robfig/cron/v3 directly.
type CronEvaluator interface {
	Parse(expr string) (CronSchedule, error)
}

type robfigEvaluator struct {
	parser cron.Parser
}

// NewCronEvaluator returns the production CronEvaluator, backed by
// robfig/cron/v3's standard 5-field parser (minute hour dom month dow).
func NewCronEvaluator() CronEvaluator {
	return robfigEvaluator{parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)}
}

func (r robfigEvaluator) Parse(expr string) (CronSchedule, error) {
	sched, err := r.parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidCronExpression, expr, err)
	}
	return sched, nil
}
