package scheduler

import "time"

// TriggerKind tags a Trigger's variant. Modeled as a tagged union rather
// than an open trigger interface hierarchy, per the design notes.
type TriggerKind string

const (
	TriggerCron     TriggerKind = "cron"
	TriggerInterval TriggerKind = "interval"
	TriggerEvent    TriggerKind = "event"
)

// Trigger is a polymorphic activation condition for a scheduled workflow:
// a cron expression, a fixed interval, or an event-type subscription. Only
// the field matching Kind is meaningful.
type Trigger struct {
	Kind      TriggerKind
	CronExpr  string
	Interval  time.Duration
	EventType string
}

// CronTrigger builds a Trigger that fires on a standard 5-field cron
// expression, interpreted in the scheduler's configured timezone.
func CronTrigger(expr string) Trigger { return Trigger{Kind: TriggerCron, CronExpr: expr} }

// IntervalTrigger builds a Trigger that fires every d.
func IntervalTrigger(d time.Duration) Trigger { return Trigger{Kind: TriggerInterval, Interval: d} }

// EventTrigger builds a Trigger that fires whenever TriggerEvent(eventType)
// is called.
func EventTrigger(eventType string) Trigger { return Trigger{Kind: TriggerEvent, EventType: eventType} }
