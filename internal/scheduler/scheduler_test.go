package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darshan-rambhia/sweep/internal/downloads"
	"github.com/darshan-rambhia/sweep/internal/engine"
	"github.com/darshan-rambhia/sweep/internal/metrics"
	"github.com/darshan-rambhia/sweep/internal/model"
	"github.com/darshan-rambhia/sweep/internal/store"
)

type fakeCreds struct{ err error }

func (f fakeCreds) Decrypt(hash string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "raw-" + hash, nil
}

type fakeItem struct{ id int64 }

func (f fakeItem) Kind() downloads.Kind { return downloads.KindTorrent }
func (f fakeItem) ID() int64            { return f.id }
func (f fakeItem) Name() string         { return "item" }
func (f fakeItem) Attribute(c model.ConditionType, _ time.Time) (float64, bool) {
	if c == model.ConditionInactive {
		return 1, true
	}
	return 0, false
}

type fakeItems struct {
	mu          sync.Mutex
	err         error
	items       []downloads.Item
	invalidated []string
}

func (f *fakeItems) Items(ctx context.Context, tenantHash, credential string) ([]downloads.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items, f.err
}

func (f *fakeItems) Invalidate(tenantHash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, tenantHash)
}

// blockingController holds every action until release is closed.
type blockingController struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingController) Control(ctx context.Context, credential string, item downloads.Item, action model.Action) error {
	b.calls.Add(1)
	if b.started != nil {
		select {
		case b.started <- struct{}{}:
		default:
		}
	}
	if b.release != nil {
		<-b.release
	}
	return nil
}

type harness struct {
	sched *Scheduler
	store *store.Store
	items *fakeItems
	ctrl  *blockingController
}

func newHarness(t *testing.T, maxRuns int) *harness {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	items := &fakeItems{items: []downloads.Item{fakeItem{1}}}
	ctrl := &blockingController{}
	s := New(Config{TickInterval: time.Minute, MaxConcurrentRuns: maxRuns},
		st, fakeCreds{}, items, engine.New(ctrl), metrics.New())
	return &harness{sched: s, store: st, items: items, ctrl: ctrl}
}

func (h *harness) addRule(t *testing.T, tenant string, trigger model.Trigger) int64 {
	t.Helper()
	id, err := h.store.SaveRule(&model.Rule{
		TenantHash: tenant,
		Name:       "rule",
		Enabled:    true,
		Trigger:    trigger,
		Conditions: []model.Condition{{Type: model.ConditionInactive, Operator: model.OperatorEqual, Value: 1}},
		Action:     model.Action{Type: model.ActionDelete},
	})
	require.NoError(t, err)
	return id
}

func TestEvaluate_TwoDueRulesOneTenant(t *testing.T) {
	h := newHarness(t, 4)
	id1 := h.addRule(t, "tenant-a", model.Interval(30))
	id2 := h.addRule(t, "tenant-a", model.Interval(60))

	h.sched.evaluate(context.Background())
	h.sched.Wait()

	logs, err := h.store.GetExecutionLogs(nil, "tenant-a", 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	ids := []int64{logs[0].RuleID, logs[1].RuleID}
	assert.ElementsMatch(t, []int64{id1, id2}, ids)
	for _, l := range logs {
		assert.True(t, l.Success)
		assert.Equal(t, model.ExecutionScheduled, l.ExecutionType)
		assert.NotEmpty(t, l.RunID)
	}
	assert.Len(t, h.items.invalidated, 2)
}

func TestEvaluate_NotDueTwice(t *testing.T) {
	h := newHarness(t, 4)
	id := h.addRule(t, "tenant-a", model.Interval(30))

	h.sched.evaluate(context.Background())
	h.sched.Wait()
	h.sched.evaluate(context.Background())
	h.sched.Wait()

	logs, err := h.store.GetExecutionLogs(&id, "tenant-a", 10)
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	state, next := h.sched.Status(id)
	assert.Equal(t, StateIdle, state)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), next, 5*time.Second)
}

func TestEvaluate_DisabledRuleNeverRuns(t *testing.T) {
	h := newHarness(t, 4)
	id, err := h.store.SaveRule(&model.Rule{
		TenantHash: "tenant-a", Name: "off", Enabled: false, Trigger: model.Interval(30),
		Conditions: []model.Condition{{Type: model.ConditionInactive, Operator: model.OperatorEqual, Value: 1}},
		Action:     model.Action{Type: model.ActionDelete},
	})
	require.NoError(t, err)

	h.sched.evaluate(context.Background())
	h.sched.Wait()

	logs, err := h.store.GetExecutionLogs(&id, "tenant-a", 10)
	require.NoError(t, err)
	assert.Empty(t, logs)
	state, _ := h.sched.Status(id)
	assert.Equal(t, StateIdle, state)
}

func TestRefresh_ForgetsDisabledRule(t *testing.T) {
	h := newHarness(t, 1)
	now := time.Unix(1_700_000_000, 0)
	rule := model.Rule{ID: 5, Trigger: model.Interval(30), UpdatedAt: now}

	h.sched.refresh([]model.Rule{rule}, now)
	assert.Contains(t, h.sched.entries, int64(5))

	h.sched.refresh(nil, now)
	assert.NotContains(t, h.sched.entries, int64(5))
}

func TestRefresh_KeepsRunningRule(t *testing.T) {
	h := newHarness(t, 1)
	now := time.Unix(1_700_000_000, 0)
	h.sched.refresh([]model.Rule{{ID: 5, Trigger: model.Interval(30), UpdatedAt: now}}, now)
	require.NoError(t, h.sched.begin(5))
	defer h.sched.wg.Done()
	assert.ErrorIs(t, h.sched.begin(5), ErrAlreadyRunning)

	due := h.sched.refresh([]model.Rule{{ID: 5, Trigger: model.Interval(30), UpdatedAt: now}}, now)
	assert.Empty(t, due, "running rules are never dispatched again")

	h.sched.refresh(nil, now)
	assert.Contains(t, h.sched.entries, int64(5))
}

func TestNextRun_Interval(t *testing.T) {
	h := newHarness(t, 1)
	now := time.Unix(1_700_000_000, 0)
	rule := model.Rule{ID: 9, Trigger: model.Interval(45), UpdatedAt: now}

	// Never ran: due immediately.
	due := h.sched.refresh([]model.Rule{rule}, now)
	assert.Len(t, due, 1)

	// Seeded from history after a restart.
	h2 := newHarness(t, 1)
	h2.sched.lastRuns[9] = now.Add(-10 * time.Minute)
	due = h2.sched.refresh([]model.Rule{rule}, now)
	assert.Empty(t, due)
	assert.Equal(t, now.Add(35*time.Minute), h2.sched.entries[9].nextRun)
}

func TestNextRun_Cron(t *testing.T) {
	h := newHarness(t, 1)
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	h.sched.now = func() time.Time { return now }
	rule := model.Rule{ID: 3, Trigger: model.Cron("0 * * * *"), UpdatedAt: now}

	due := h.sched.refresh([]model.Rule{rule}, now)
	assert.Empty(t, due, "cron fires strictly after now")
	assert.Equal(t, now.Add(time.Hour), h.sched.entries[3].nextRun)

	due = h.sched.refresh([]model.Rule{rule}, now.Add(time.Hour))
	assert.Len(t, due, 1)
}

func TestRefresh_UpdateRecomputes(t *testing.T) {
	h := newHarness(t, 1)
	now := time.Unix(1_700_000_000, 0)
	h.sched.lastRuns[4] = now.Add(-10 * time.Minute)
	h.sched.refresh([]model.Rule{{ID: 4, Trigger: model.Interval(60), UpdatedAt: now}}, now)
	assert.Equal(t, now.Add(50*time.Minute), h.sched.entries[4].nextRun)

	edited := model.Rule{ID: 4, Trigger: model.Interval(30), UpdatedAt: now.Add(time.Second)}
	h.sched.refresh([]model.Rule{edited}, now)
	assert.Equal(t, now.Add(20*time.Minute), h.sched.entries[4].nextRun)
}

func TestSeed(t *testing.T) {
	h := newHarness(t, 1)
	id := h.addRule(t, "t", model.Interval(30))
	at := time.Unix(1_700_000_000, 0)
	_, err := h.store.LogExecution(&model.ExecutionLog{RuleID: id, RuleName: "r", TenantHash: "t", ExecutionType: model.ExecutionScheduled, ExecutedAt: at})
	require.NoError(t, err)

	require.NoError(t, h.sched.seed())
	assert.Equal(t, at.Unix(), h.sched.lastRuns[id].Unix())
}

func TestRunNow_OverlapRecordsOneLog(t *testing.T) {
	h := newHarness(t, 4)
	h.ctrl.started = make(chan struct{}, 1)
	h.ctrl.release = make(chan struct{})
	id := h.addRule(t, "tenant-a", model.Interval(30))

	done := make(chan error, 1)
	go func() {
		_, err := h.sched.RunNow(context.Background(), "tenant-a", id)
		done <- err
	}()
	<-h.ctrl.started

	state, _ := h.sched.Status(id)
	assert.Equal(t, StateRunning, state)

	_, err := h.sched.RunNow(context.Background(), "tenant-a", id)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	// A scheduled tick skips it too.
	h.sched.evaluate(context.Background())

	close(h.ctrl.release)
	require.NoError(t, <-done)
	h.sched.Wait()

	logs, err := h.store.GetExecutionLogs(&id, "tenant-a", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.ExecutionManual, logs[0].ExecutionType)
	assert.Equal(t, int32(1), h.ctrl.calls.Load())
}

func TestRunNow_RuleDeletedMidRunLeavesNoLog(t *testing.T) {
	h := newHarness(t, 1)
	h.ctrl.started = make(chan struct{}, 1)
	h.ctrl.release = make(chan struct{})
	id := h.addRule(t, "tenant-a", model.Interval(30))

	done := make(chan error, 1)
	go func() {
		_, err := h.sched.RunNow(context.Background(), "tenant-a", id)
		done <- err
	}()
	<-h.ctrl.started

	deleted, err := h.store.DeleteRule(id, "tenant-a")
	require.NoError(t, err)
	require.True(t, deleted)

	close(h.ctrl.release)
	assert.ErrorIs(t, <-done, store.ErrNotFound)
	h.sched.Wait()

	logs, err := h.store.GetExecutionLogs(nil, "tenant-a", 10)
	require.NoError(t, err)
	assert.Empty(t, logs)
	last, err := h.store.LastExecutions()
	require.NoError(t, err)
	assert.NotContains(t, last, id)
	assert.Equal(t, []string{"tenant-a"}, h.items.invalidated)
}

func TestDispatch_RuleDeletedMidRunLeavesNoLog(t *testing.T) {
	h := newHarness(t, 1)
	h.ctrl.started = make(chan struct{}, 1)
	h.ctrl.release = make(chan struct{})
	id := h.addRule(t, "tenant-a", model.Interval(30))

	h.sched.evaluate(context.Background())
	<-h.ctrl.started
	deleted, err := h.store.DeleteRule(id, "tenant-a")
	require.NoError(t, err)
	require.True(t, deleted)
	close(h.ctrl.release)
	h.sched.Wait()

	logs, err := h.store.GetExecutionLogs(&id, "tenant-a", 10)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestRunNow_RefusedAfterRunStops(t *testing.T) {
	h := newHarness(t, 1)
	id := h.addRule(t, "tenant-a", model.Interval(30))
	h.ctrl.started = make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.sched.Run(ctx) }()
	<-h.ctrl.started
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	_, err := h.sched.RunNow(context.Background(), "tenant-a", id)
	assert.ErrorIs(t, err, ErrShuttingDown)
	h.sched.Wait()
	assert.Equal(t, int32(1), h.ctrl.calls.Load())

	state, _ := h.sched.Status(id)
	assert.NotEqual(t, StateRunning, state)
	h.addRule(t, "tenant-b", model.Interval(30))
	h.sched.evaluate(context.Background())
	h.sched.Wait()
	assert.Equal(t, int32(1), h.ctrl.calls.Load(), "ticks after shutdown dispatch nothing")
}

func TestRunNow_ReturnsPersistedLog(t *testing.T) {
	h := newHarness(t, 1)
	id := h.addRule(t, "tenant-a", model.Interval(30))

	log, err := h.sched.RunNow(context.Background(), "tenant-a", id)
	require.NoError(t, err)
	assert.NotZero(t, log.ID)
	assert.True(t, log.Success)
	assert.Equal(t, 1, log.ItemsProcessed)

	state, _ := h.sched.Status(id)
	assert.NotEqual(t, StateRunning, state)
}

func TestRunNow_OtherTenant(t *testing.T) {
	h := newHarness(t, 1)
	id := h.addRule(t, "tenant-a", model.Interval(30))

	_, err := h.sched.RunNow(context.Background(), "tenant-b", id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRun_CredentialFailureIsLogged(t *testing.T) {
	h := newHarness(t, 1)
	h.sched.creds = fakeCreds{err: errors.New("bad key")}
	id := h.addRule(t, "tenant-a", model.Interval(30))

	log, err := h.sched.RunNow(context.Background(), "tenant-a", id)
	require.NoError(t, err)
	assert.False(t, log.Success)
	assert.Contains(t, log.ErrorMessage, "decrypting credential")
	assert.Zero(t, h.ctrl.calls.Load())
	assert.Empty(t, h.items.invalidated)
}

func TestRun_FetchFailureIsLogged(t *testing.T) {
	h := newHarness(t, 1)
	h.items.err = errors.New("service down")
	id := h.addRule(t, "tenant-a", model.Interval(30))

	log, err := h.sched.RunNow(context.Background(), "tenant-a", id)
	require.NoError(t, err)
	assert.False(t, log.Success)
	assert.Contains(t, log.ErrorMessage, "service down")
}

func TestConcurrencyBound(t *testing.T) {
	h := newHarness(t, 1)
	h.ctrl.started = make(chan struct{}, 4)
	h.ctrl.release = make(chan struct{})
	h.addRule(t, "tenant-a", model.Interval(30))
	h.addRule(t, "tenant-b", model.Interval(30))

	h.sched.evaluate(context.Background())
	<-h.ctrl.started
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), h.ctrl.calls.Load(), "second run waits for a slot")

	close(h.ctrl.release)
	h.sched.Wait()
	assert.Equal(t, int32(2), h.ctrl.calls.Load())
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.sched.Run(ctx) }()
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	h.sched.Wait()
}
