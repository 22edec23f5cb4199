package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// MinIntervalMinutes is the shortest interval a rule may run at.
const MinIntervalMinutes = 30

// TriggerType tags the Trigger variant.
type TriggerType string

const (
	TriggerInterval TriggerType = "interval"
	TriggerCron     TriggerType = "cron"
)

// Trigger is the schedule shape of a rule: either a fixed interval in minutes
// or a 5-field cron expression (minute hour day-of-month month day-of-week).
type Trigger struct {
	Type       TriggerType `json:"type"`
	Minutes    uint32      `json:"minutes,omitempty"`
	Expression string      `json:"expression,omitempty"`
}

// Interval returns an interval trigger.
func Interval(minutes uint32) Trigger {
	return Trigger{Type: TriggerInterval, Minutes: minutes}
}

// Cron returns a cron trigger.
func Cron(expr string) Trigger {
	return Trigger{Type: TriggerCron, Expression: expr}
}

func (t *Trigger) UnmarshalJSON(data []byte) error {
	type raw Trigger
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("trigger: %w", err)
	}
	switch r.Type {
	case TriggerInterval:
		r.Expression = ""
	case TriggerCron:
		r.Minutes = 0
	default:
		return fmt.Errorf("unknown trigger type %q", r.Type)
	}
	*t = Trigger(r)
	return nil
}

// Validate checks the interval floor and the cron grammar. Six-field
// expressions (with seconds) are rejected.
func (t Trigger) Validate() error {
	switch t.Type {
	case TriggerInterval:
		if t.Minutes < MinIntervalMinutes {
			return invalid("trigger.minutes", "must be at least %d", MinIntervalMinutes)
		}
		return nil
	case TriggerCron:
		expr := strings.TrimSpace(t.Expression)
		if len(strings.Fields(expr)) != 5 {
			return invalid("trigger.expression", "expected 5-field cron expression (minute hour day-of-month month day-of-week), got %q", t.Expression)
		}
		if !gronx.IsValid(expr) {
			return invalid("trigger.expression", "invalid cron expression %q", t.Expression)
		}
		return nil
	}
	return invalid("trigger.type", "unknown trigger type %q", t.Type)
}

// Next returns the next time the trigger fires after ref. For intervals ref
// is the last completion; for cron the result is strictly after ref.
func (t Trigger) Next(ref time.Time) (time.Time, error) {
	switch t.Type {
	case TriggerInterval:
		return ref.Add(time.Duration(t.Minutes) * time.Minute), nil
	case TriggerCron:
		next, err := gronx.NextTickAfter(strings.TrimSpace(t.Expression), ref, false)
		if err != nil {
			return time.Time{}, fmt.Errorf("computing next cron tick for %q: %w", t.Expression, err)
		}
		return next, nil
	}
	return time.Time{}, fmt.Errorf("unknown trigger type %q", t.Type)
}

func (t Trigger) String() string {
	if t.Type == TriggerCron {
		return "cron(" + t.Expression + ")"
	}
	return fmt.Sprintf("every %dm", t.Minutes)
}
