// Package engine selects the items a rule applies to and carries out its action.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/darshan-rambhia/sweep/internal/downloads"
	"github.com/darshan-rambhia/sweep/internal/model"
	"github.com/darshan-rambhia/sweep/internal/secrets"
)

// errInterrupted is recorded when a run stops before acting on every item.
const errInterrupted = "run interrupted"

// Controller issues a control operation against one item.
type Controller interface {
	Control(ctx context.Context, credential string, item downloads.Item, action model.Action) error
}

// Engine evaluates rules against item snapshots. It never persists anything;
// the returned ExecutionLog is the caller's to store.
type Engine struct {
	ctrl Controller
	now  func() time.Time
}

// New creates an engine that acts through ctrl.
func New(ctrl Controller) *Engine {
	return &Engine{ctrl: ctrl, now: time.Now}
}

// Matches reports whether item satisfies every condition of rule. A rule with
// no conditions matches nothing, and a condition on an attribute the item's
// kind does not have never matches.
func Matches(rule *model.Rule, item downloads.Item, now time.Time) bool {
	if len(rule.Conditions) == 0 {
		return false
	}
	for _, c := range rule.Conditions {
		actual, ok := item.Attribute(c.Type, now)
		if !ok || !c.Operator.Apply(actual, c.Value) {
			return false
		}
	}
	return true
}

// Select returns the items rule applies to, in snapshot order.
func Select(rule *model.Rule, items []downloads.Item, now time.Time) []downloads.Item {
	var eligible []downloads.Item
	for _, item := range items {
		if Matches(rule, item, now) {
			eligible = append(eligible, item)
		}
	}
	return eligible
}

func newLog(rule *model.Rule, executionType model.ExecutionType, at time.Time) model.ExecutionLog {
	return model.ExecutionLog{
		RuleID:        rule.ID,
		RuleName:      rule.Name,
		TenantHash:    rule.TenantHash,
		ExecutionType: executionType,
		ExecutedAt:    at,
		RunID:         uuid.NewString(),
	}
}

// Execute applies rule's action to every eligible item in items, one at a
// time. A failure on one item never stops the rest; cancelling ctx does, and
// the run is then recorded as cut short. Items are selected against the start
// time; the log is stamped when the run completes.
func (e *Engine) Execute(ctx context.Context, rule *model.Rule, credential string, items []downloads.Item, executionType model.ExecutionType) model.ExecutionLog {
	now := e.now()
	log := newLog(rule, executionType, now)
	eligible := Select(rule, items, now)
	log.TotalItems = len(eligible)

	var (
		succeeded, failed int
		firstErr          string
	)
	for _, item := range eligible {
		if ctx.Err() != nil {
			break
		}
		p := model.ProcessedItem{
			ID:     item.ID(),
			Name:   item.Name(),
			Kind:   string(item.Kind()),
			Action: rule.Action.Type,
		}
		if err := e.ctrl.Control(ctx, credential, item, rule.Action); err != nil {
			p.Error = err.Error()
			failed++
			if firstErr == "" {
				firstErr = p.Error
			}
			slog.Debug("action failed", "rule_id", rule.ID, "item_id", p.ID, "kind", p.Kind, "action", p.Action, "error", err)
		} else {
			p.Success = true
			succeeded++
			slog.Debug("action applied", "rule_id", rule.ID, "item_id", p.ID, "kind", p.Kind, "action", p.Action)
		}
		log.ProcessedItems = append(log.ProcessedItems, p)
	}
	log.ItemsProcessed = len(log.ProcessedItems)
	log.ExecutedAt = e.now()

	aggregate(&log, succeeded, failed, firstErr)
	slog.Info("rule executed",
		"rule_id", rule.ID,
		"tenant", secrets.ShortHash(rule.TenantHash),
		"type", executionType,
		"eligible", log.TotalItems,
		"processed", log.ItemsProcessed,
		"success", log.Success,
		"partial", log.Partial,
	)
	return log
}

// aggregate derives the run outcome from per-item results.
func aggregate(log *model.ExecutionLog, succeeded, failed int, firstErr string) {
	total, processed := log.TotalItems, log.ItemsProcessed
	switch {
	case total == 0:
		log.Success = true
	case failed == 0 && processed == total:
		log.Success = true
	default:
		log.Partial = succeeded > 0
		log.ErrorMessage = firstErr
		if log.ErrorMessage == "" {
			log.ErrorMessage = errInterrupted
		}
	}
}

// Failure builds the log for a run that never reached the items, such as a
// credential that could not be decrypted or an item fetch that failed.
func (e *Engine) Failure(rule *model.Rule, executionType model.ExecutionType, err error) model.ExecutionLog {
	log := newLog(rule, executionType, e.now())
	log.ErrorMessage = err.Error()
	return log
}
