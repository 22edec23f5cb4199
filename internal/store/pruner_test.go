package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darshan-rambhia/sweep/internal/model"
)

func TestNewPruner(t *testing.T) {
	s := newTestStore(t)
	p := NewPruner(s, 30)

	assert.NotNil(t, p)
	assert.Equal(t, s, p.store)
	assert.Equal(t, 30, p.days)
	assert.Equal(t, 1*time.Hour, p.interval)
}

func TestPrunerRun_CancelledContext(t *testing.T) {
	s := newTestStore(t)
	p := NewPruner(s, 30)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	err := p.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPrunerRun_PrunesAtStartup(t *testing.T) {
	s := newTestStore(t)
	old := time.Now().Add(-10 * 24 * time.Hour)
	rule := mustSaveRule(t, s, "tenant-a")
	for _, at := range []time.Time{old, time.Now()} {
		_, err := s.LogExecution(&model.ExecutionLog{
			RuleID: rule, RuleName: "r", TenantHash: "tenant-a",
			ExecutionType: model.ExecutionScheduled, ExecutedAt: at,
		})
		require.NoError(t, err)
	}

	p := NewPruner(s, 7)
	var pruned int64
	p.OnPrune(func(rows int64) { pruned += rows })
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = p.Run(ctx)

	logs, err := s.GetExecutionLogs(nil, "tenant-a", 10)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
	assert.Equal(t, int64(1), pruned)
}

func TestPrune_ClosedStoreLogsError(t *testing.T) {
	s := newTestStore(t)
	p := NewPruner(s, 7)
	require.NoError(t, s.Close())

	// Must not panic.
	p.prune()
}
