package store

import (
	"context"
	"log/slog"
	"time"
)

// Pruner periodically removes execution logs past their retention.
type Pruner struct {
	store    *Store
	days     int
	interval time.Duration
	observe  func(rows int64)
}

// NewPruner creates a pruner that keeps the given number of days of logs.
func NewPruner(store *Store, days int) *Pruner {
	return &Pruner{
		store:    store,
		days:     days,
		interval: 1 * time.Hour,
	}
}

// OnPrune registers a callback for the number of rows each pass removes.
func (p *Pruner) OnPrune(fn func(rows int64)) { p.observe = fn }

// Run starts the pruner loop. It blocks until the context is cancelled.
func (p *Pruner) Run(ctx context.Context) error {
	slog.Info("pruner started", "interval", p.interval, "retention_days", p.days)

	// Run once at startup
	p.prune()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("pruner stopped")
			return ctx.Err()
		case <-ticker.C:
			p.prune()
		}
	}
}

func (p *Pruner) prune() {
	n, err := p.store.CleanupOldLogs(p.days)
	if err != nil {
		slog.Error("pruning execution logs", "error", err)
		return
	}
	if p.observe != nil {
		p.observe(n)
	}
	if n > 0 {
		slog.Info("pruned old execution logs", "rows", n, "retention_days", p.days)
	}
}
