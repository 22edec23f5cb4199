// Package scheduler decides when each enabled rule runs and drives runs
// through credential decryption, item fetch, the engine and the store.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/darshan-rambhia/sweep/internal/downloads"
	"github.com/darshan-rambhia/sweep/internal/engine"
	"github.com/darshan-rambhia/sweep/internal/metrics"
	"github.com/darshan-rambhia/sweep/internal/model"
	"github.com/darshan-rambhia/sweep/internal/secrets"
	"github.com/darshan-rambhia/sweep/internal/store"
)

var (
	// ErrAlreadyRunning is returned by RunNow when the rule has a run in flight.
	ErrAlreadyRunning = errors.New("rule is already running")
	// ErrShuttingDown is returned by RunNow once the scheduler has stopped
	// accepting runs.
	ErrShuttingDown = errors.New("scheduler is shutting down")
)

// State is a rule's scheduling state.
type State string

const (
	StateIdle    State = "idle"
	StateDue     State = "due"
	StateRunning State = "running"
)

// RuleStore is the persistence the scheduler needs.
type RuleStore interface {
	GetAllEnabledRules() ([]model.Rule, error)
	GetRule(id int64, hash string) (*model.Rule, error)
	LogExecution(l *model.ExecutionLog) (int64, error)
	LastExecutions() (map[int64]time.Time, error)
}

// CredentialSource decrypts a tenant's credential.
type CredentialSource interface {
	Decrypt(hash string) (string, error)
}

// ItemSource returns a tenant's current items.
type ItemSource interface {
	Items(ctx context.Context, tenantHash, credential string) ([]downloads.Item, error)
	Invalidate(tenantHash string)
}

// Config holds scheduler tuning.
type Config struct {
	TickInterval      time.Duration
	MaxConcurrentRuns int
}

type entry struct {
	rule    model.Rule
	nextRun time.Time
}

// Scheduler owns the per-rule bookkeeping. The running set and next-run map
// are only touched under mu.
type Scheduler struct {
	store   RuleStore
	creds   CredentialSource
	items   ItemSource
	engine  *engine.Engine
	metrics *metrics.Metrics

	tick time.Duration
	sem  *semaphore.Weighted
	now  func() time.Time
	wg   sync.WaitGroup

	mu       sync.Mutex
	entries  map[int64]*entry
	running  map[int64]bool
	lastRuns map[int64]time.Time
	closed   bool
}

// New creates a scheduler.
func New(cfg Config, store RuleStore, creds CredentialSource, items ItemSource, eng *engine.Engine, m *metrics.Metrics) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 1
	}
	return &Scheduler{
		store:    store,
		creds:    creds,
		items:    items,
		engine:   eng,
		metrics:  m,
		tick:     cfg.TickInterval,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentRuns)),
		now:      time.Now,
		entries:  make(map[int64]*entry),
		running:  make(map[int64]bool),
		lastRuns: make(map[int64]time.Time),
	}
}

// Run drives the scheduler until ctx is cancelled. Runs already dispatched
// keep going; call Wait to let them finish.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("scheduler started", "tick", s.tick)

	if err := s.seed(); err != nil {
		slog.Error("seeding last executions", "error", err)
	}
	s.evaluate(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.close()
			slog.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.evaluate(ctx)
		}
	}
}

// Wait blocks until every dispatched or manual run has finished. Once Run has
// returned no new run can start, so Wait after Run never races a RunNow.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// close stops new runs from starting.
func (s *Scheduler) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// seed loads the newest execution time per rule so interval rules keep their
// cadence across restarts.
func (s *Scheduler) seed() error {
	last, err := s.store.LastExecutions()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range last {
		if t.After(s.lastRuns[id]) {
			s.lastRuns[id] = t
		}
	}
	return nil
}

// evaluate is one tick: refresh bookkeeping and dispatch every due rule.
func (s *Scheduler) evaluate(ctx context.Context) {
	rules, err := s.store.GetAllEnabledRules()
	if err != nil {
		slog.Error("loading enabled rules", "error", err)
		return
	}
	for _, rule := range s.refresh(rules, s.now()) {
		s.dispatch(ctx, rule)
	}
}

// refresh reconciles entries with the enabled rule set and returns the rules
// that are due and not already running.
func (s *Scheduler) refresh(rules []model.Rule, now time.Time) []model.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int64]bool, len(rules))
	var due []model.Rule
	for _, r := range rules {
		seen[r.ID] = true
		e, ok := s.entries[r.ID]
		if !ok || !e.rule.UpdatedAt.Equal(r.UpdatedAt) || e.rule.Trigger != r.Trigger {
			next, err := s.nextRun(&r, now)
			if err != nil {
				slog.Error("computing next run", "rule_id", r.ID, "trigger", r.Trigger.String(), "error", err)
				delete(s.entries, r.ID)
				continue
			}
			e = &entry{nextRun: next}
			s.entries[r.ID] = e
		}
		e.rule = r
		if !s.running[r.ID] && !now.Before(e.nextRun) {
			due = append(due, r)
		}
	}
	for id := range s.entries {
		if !seen[id] && !s.running[id] {
			delete(s.entries, id)
		}
	}
	if s.metrics != nil {
		s.metrics.SetScheduledRules(len(s.entries))
	}
	return due
}

// nextRun must be called with mu held. Interval rules run minutes after their
// last completion, immediately if they never ran. Cron rules run at the next
// matching minute strictly after now.
func (s *Scheduler) nextRun(r *model.Rule, now time.Time) (time.Time, error) {
	if r.Trigger.Type == model.TriggerInterval {
		last, ok := s.lastRuns[r.ID]
		if !ok {
			return now, nil
		}
		return r.Trigger.Next(last)
	}
	return r.Trigger.Next(now)
}

// begin marks a rule running and adds it to wg. The closed check and wg.Add
// share mu with close, so no run is added after Run has stopped.
func (s *Scheduler) begin(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShuttingDown
	}
	if s.running[id] {
		return ErrAlreadyRunning
	}
	s.running[id] = true
	s.wg.Add(1)
	return nil
}

// finish clears the running mark, records the completion and reschedules.
func (s *Scheduler) finish(id int64, completed time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
	s.lastRuns[id] = completed
	e, ok := s.entries[id]
	if !ok {
		return
	}
	var ref time.Time
	switch e.rule.Trigger.Type {
	case model.TriggerInterval:
		ref = completed
	default:
		ref = s.now()
		if completed.After(ref) {
			ref = completed
		}
	}
	next, err := e.rule.Trigger.Next(ref)
	if err != nil {
		slog.Error("rescheduling rule", "rule_id", id, "error", err)
		delete(s.entries, id)
		return
	}
	e.nextRun = next
}

// dispatch starts a scheduled run on its own goroutine. The run is detached
// from ctx so shutdown never cuts one off half way.
func (s *Scheduler) dispatch(ctx context.Context, rule model.Rule) {
	if s.begin(rule.ID) != nil {
		return
	}
	go func() {
		defer s.wg.Done()
		if err := s.sem.Acquire(ctx, 1); err != nil {
			// Shutting down before the run got a slot; it stays due.
			s.mu.Lock()
			delete(s.running, rule.ID)
			s.mu.Unlock()
			return
		}
		defer s.sem.Release(1)
		defer func() { s.finish(rule.ID, s.now()) }()

		if _, err := s.execute(context.WithoutCancel(ctx), &rule, model.ExecutionScheduled); err != nil && !errors.Is(err, store.ErrNotFound) {
			slog.Error("scheduled run", "rule_id", rule.ID, "error", err)
		}
	}()
}

// RunNow runs a tenant's rule immediately and returns the persisted log. It
// fails with ErrAlreadyRunning, without recording anything, if the rule is
// mid-run, and with ErrShuttingDown once the scheduler has stopped. If the
// rule is deleted while it runs, the log is discarded and store.ErrNotFound
// is returned.
func (s *Scheduler) RunNow(ctx context.Context, tenantHash string, ruleID int64) (*model.ExecutionLog, error) {
	rule, err := s.store.GetRule(ruleID, tenantHash)
	if err != nil {
		return nil, err
	}
	if err := s.begin(ruleID); err != nil {
		return nil, err
	}
	defer s.wg.Done()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.mu.Lock()
		delete(s.running, ruleID)
		s.mu.Unlock()
		return nil, fmt.Errorf("waiting for a run slot: %w", err)
	}
	defer s.sem.Release(1)
	defer func() { s.finish(ruleID, s.now()) }()

	return s.execute(context.WithoutCancel(ctx), rule, model.ExecutionManual)
}

// execute is the run pipeline. Failures before the engine runs are recorded
// as failed logs rather than returned.
func (s *Scheduler) execute(ctx context.Context, rule *model.Rule, et model.ExecutionType) (*model.ExecutionLog, error) {
	start := time.Now()
	if s.metrics != nil {
		s.metrics.RunStarted()
		defer s.metrics.RunFinished()
	}

	var log model.ExecutionLog
	credential, err := s.creds.Decrypt(rule.TenantHash)
	if err != nil {
		slog.Error("decrypting credential", "rule_id", rule.ID, "tenant", secrets.ShortHash(rule.TenantHash), "error", err)
		log = s.engine.Failure(rule, et, fmt.Errorf("decrypting credential: %w", err))
	} else if items, err := s.items.Items(ctx, rule.TenantHash, credential); err != nil {
		slog.Error("fetching items", "rule_id", rule.ID, "tenant", secrets.ShortHash(rule.TenantHash), "error", err)
		log = s.engine.Failure(rule, et, fmt.Errorf("fetching items: %w", err))
	} else {
		log = s.engine.Execute(ctx, rule, credential, items, et)
	}

	if log.ItemsProcessed > 0 {
		s.items.Invalidate(rule.TenantHash)
	}
	if _, err := s.store.LogExecution(&log); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Info("rule deleted mid-run, discarding execution log", "rule_id", rule.ID, "run_id", log.RunID)
			return nil, err
		}
		return &log, fmt.Errorf("persisting execution log: %w", err)
	}
	if s.metrics != nil {
		s.metrics.ObserveRun(&log, time.Since(start))
	}
	return &log, nil
}

// Status reports a rule's state and next scheduled run. Rules the scheduler
// does not track (disabled, or not yet seen) are idle with a zero time.
func (s *Scheduler) Status(ruleID int64) (State, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[ruleID]
	switch {
	case s.running[ruleID]:
		if ok {
			return StateRunning, e.nextRun
		}
		return StateRunning, time.Time{}
	case !ok:
		return StateIdle, time.Time{}
	case !s.now().Before(e.nextRun):
		return StateDue, e.nextRun
	}
	return StateIdle, e.nextRun
}
