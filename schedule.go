package valet

import (
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field cron expressions, an optional
// leading seconds field, and @-descriptors (@hourly, @every 10m, ...).
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule checks that expr is a parseable cron expression.
func ValidateSchedule(expr string) error {
	if expr == "" {
		return Errorf(KindValidation, "schedule.validate", "empty cron expression")
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return WrapErr(KindValidation, "schedule.validate", "invalid cron expression "+expr, err)
	}
	return nil
}

// NextRun returns the unix-seconds timestamp of the first firing of expr
// strictly after the given time.
func NextRun(expr string, after time.Time) (int64, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0, WrapErr(KindValidation, "schedule.next", "invalid cron expression "+expr, err)
	}
	return sched.Next(after).Unix(), nil
}

// validateTask checks the structural invariants of a ScheduledTask.
func validateTask(t ScheduledTask) error {
	switch t.Type {
	case TaskToolCall:
		if t.Payload.ToolName == "" {
			return Errorf(KindValidation, "schedule.validate", "tool_call task requires payload.tool_name")
		}
	case TaskEvent:
		if t.Payload.EventTopic == "" {
			return Errorf(KindValidation, "schedule.validate", "event task requires payload.event_topic")
		}
	default:
		return Errorf(KindValidation, "schedule.validate", "unknown task type %q", t.Type)
	}
	if t.UserID == "" {
		return Errorf(KindValidation, "schedule.validate", "missing user id")
	}
	return ValidateSchedule(t.Schedule)
}
