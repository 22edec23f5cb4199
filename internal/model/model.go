// Package model defines all shared domain types for sweep.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// maxRuleNameLen bounds rule names shown in the dashboard.
const maxRuleNameLen = 100

// ValidationError reports a rule or request field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Rule is a tenant-owned automation rule.
type Rule struct {
	ID         int64       `json:"id"`
	TenantHash string      `json:"-"`
	Name       string      `json:"name"`
	Enabled    bool        `json:"enabled"`
	Trigger    Trigger     `json:"trigger"`
	Conditions []Condition `json:"conditions"`
	Action     Action      `json:"action"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Validate checks the user-editable parts of a rule. Exactly one condition is
// accepted for now even though evaluation supports a conjunction of many.
func (r *Rule) Validate() error {
	name := strings.TrimSpace(r.Name)
	if name == "" {
		return invalid("name", "is required")
	}
	if len(name) > maxRuleNameLen {
		return invalid("name", "must be at most %d characters", maxRuleNameLen)
	}
	if err := r.Trigger.Validate(); err != nil {
		return err
	}
	if len(r.Conditions) != 1 {
		return invalid("conditions", "exactly one condition is supported, got %d", len(r.Conditions))
	}
	for i, c := range r.Conditions {
		if err := c.Validate(); err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				ve.Field = fmt.Sprintf("conditions[%d].%s", i, ve.Field)
			}
			return err
		}
	}
	return r.Action.Validate()
}

// ExecutionType records what started a rule run.
type ExecutionType string

const (
	ExecutionScheduled ExecutionType = "scheduled"
	ExecutionManual    ExecutionType = "manual"
)

// ProcessedItem is the outcome of one action attempt against one item.
type ProcessedItem struct {
	ID      int64      `json:"id"`
	Name    string     `json:"name"`
	Kind    string     `json:"kind"`
	Action  ActionType `json:"action"`
	Success bool       `json:"success"`
	Error   string     `json:"error,omitempty"`
}

// ExecutionLog is the immutable audit record of a single rule run.
type ExecutionLog struct {
	ID             int64           `json:"id"`
	RuleID         int64           `json:"rule_id"`
	RuleName       string          `json:"rule_name"`
	TenantHash     string          `json:"-"`
	ExecutionType  ExecutionType   `json:"execution_type"`
	ItemsProcessed int             `json:"items_processed"`
	TotalItems     int             `json:"total_items"`
	Success        bool            `json:"success"`
	Partial        bool            `json:"partial"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	ProcessedItems []ProcessedItem `json:"processed_items,omitempty"`
	ExecutedAt     time.Time       `json:"executed_at"`
	RunID          string          `json:"run_id,omitempty"`
}

// Succeeded counts the processed items whose action succeeded.
func (l *ExecutionLog) Succeeded() int {
	n := 0
	for _, p := range l.ProcessedItems {
		if p.Success {
			n++
		}
	}
	return n
}

// CredentialRecord is a tenant's encrypted download-service credential.
type CredentialRecord struct {
	Hash       string
	Ciphertext []byte
	Nonce      []byte
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// RuleLimit reports how many rules a tenant has against the allowed maximum.
type RuleLimit struct {
	CurrentCount int `json:"current_count"`
	MaxRules     int `json:"max_rules"`
}

// Reached reports whether another rule may not be created.
func (l RuleLimit) Reached() bool {
	return l.CurrentCount >= l.MaxRules
}
