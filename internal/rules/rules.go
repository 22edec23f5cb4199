// Package rules is the tenant-scoped rule management service behind the API.
package rules

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/darshan-rambhia/sweep/internal/model"
	"github.com/darshan-rambhia/sweep/internal/secrets"
	"github.com/darshan-rambhia/sweep/internal/store"
)

// DefaultMaxRules is the per-tenant rule cap when none is configured.
const DefaultMaxRules = 10

// Store is the persistence the rule service needs.
type Store interface {
	CreateRuleWithinLimit(rule *model.Rule, max int) (int64, error)
	SaveRule(rule *model.Rule) (int64, error)
	GetRule(id int64, hash string) (*model.Rule, error)
	GetRulesByAPIKey(hash string) ([]model.Rule, error)
	CountRules(hash string) (int, error)
	DeleteRule(id int64, hash string) (bool, error)
	GetExecutionLogs(ruleID *int64, hash string, limit int) ([]model.ExecutionLog, error)
}

// Service manages rules for tenants.
type Service struct {
	store    Store
	maxRules int
}

// NewService creates a rule service.
func NewService(s Store, maxRules int) *Service {
	if maxRules <= 0 {
		maxRules = DefaultMaxRules
	}
	return &Service{store: s, maxRules: maxRules}
}

// Validate checks a rule before it is stored.
func Validate(rule *model.Rule) error {
	rule.Name = strings.TrimSpace(rule.Name)
	return rule.Validate()
}

// Create stores a new rule for tenant. It fails with store.ErrRuleLimitExceeded
// when the tenant is at its cap; the check and insert are atomic.
func (s *Service) Create(tenant string, rule *model.Rule) (*model.Rule, error) {
	if err := Validate(rule); err != nil {
		return nil, err
	}
	rule.ID = 0
	rule.TenantHash = tenant
	rule.CreatedAt = time.Time{}
	if _, err := s.store.CreateRuleWithinLimit(rule, s.maxRules); err != nil {
		return nil, fmt.Errorf("creating rule: %w", err)
	}
	slog.Info("rule created", "rule_id", rule.ID, "tenant", secrets.ShortHash(tenant), "trigger", rule.Trigger.String())
	return rule, nil
}

// Update replaces a tenant's rule. A rule owned by another tenant is reported
// as store.ErrNotFound.
func (s *Service) Update(tenant string, id int64, rule *model.Rule) (*model.Rule, error) {
	if err := Validate(rule); err != nil {
		return nil, err
	}
	existing, err := s.store.GetRule(id, tenant)
	if err != nil {
		return nil, err
	}
	rule.ID = id
	rule.TenantHash = tenant
	rule.CreatedAt = existing.CreatedAt
	if _, err := s.store.SaveRule(rule); err != nil {
		return nil, fmt.Errorf("updating rule: %w", err)
	}
	slog.Info("rule updated", "rule_id", id, "tenant", secrets.ShortHash(tenant), "enabled", rule.Enabled)
	return rule, nil
}

// Delete removes a tenant's rule and its logs.
func (s *Service) Delete(tenant string, id int64) error {
	deleted, err := s.store.DeleteRule(id, tenant)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("rule %d: %w", id, store.ErrNotFound)
	}
	slog.Info("rule deleted", "rule_id", id, "tenant", secrets.ShortHash(tenant))
	return nil
}

// BulkDelete removes every listed rule the tenant owns and returns how many
// were deleted. IDs the tenant does not own are skipped.
func (s *Service) BulkDelete(tenant string, ids []int64) (int, error) {
	n := 0
	for _, id := range ids {
		err := s.Delete(tenant, id)
		switch {
		case err == nil:
			n++
		case errors.Is(err, store.ErrNotFound):
		default:
			return n, err
		}
	}
	return n, nil
}

// List returns a tenant's rules, newest first.
func (s *Service) List(tenant string) ([]model.Rule, error) {
	return s.store.GetRulesByAPIKey(tenant)
}

// Get returns one of a tenant's rules.
func (s *Service) Get(tenant string, id int64) (*model.Rule, error) {
	return s.store.GetRule(id, tenant)
}

// Logs returns execution logs for one of the tenant's rules.
func (s *Service) Logs(tenant string, id int64, limit int) ([]model.ExecutionLog, error) {
	if _, err := s.store.GetRule(id, tenant); err != nil {
		return nil, err
	}
	return s.store.GetExecutionLogs(&id, tenant, limit)
}

// Limit reports the tenant's rule count against the cap.
func (s *Service) Limit(tenant string) (model.RuleLimit, error) {
	n, err := s.store.CountRules(tenant)
	if err != nil {
		return model.RuleLimit{}, err
	}
	return model.RuleLimit{CurrentCount: n, MaxRules: s.maxRules}, nil
}
