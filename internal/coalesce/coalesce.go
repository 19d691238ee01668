// Package coalesce bounds concurrent recomputation of one key using
// transaction-scoped advisory locks.
package coalesce

import (
	"context"

	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	"github.com/and161185/skyindex/internal/metrics"
	"github.com/and161185/skyindex/internal/repository"
)

// Outcome describes what Run did for a key.
type Outcome string

const (
	// Ran means the run lock was free and fn executed immediately.
	Ran Outcome = "run"
	// Waited means fn executed after the previous holder released the run lock.
	Waited Outcome = "wait"
	// Skipped means a queued waiter will observe this caller's writes.
	Skipped Outcome = "skip"
)

// Coalescer runs fn for a key with at most one execution running and one queued.
type Coalescer struct {
	log     *zap.Logger
	metrics *metrics.Collector
}

// New constructs a Coalescer.
func New(log *zap.Logger, m *metrics.Collector) *Coalescer {
	return &Coalescer{log: log, metrics: m}
}

// LockIDs returns the run and wait advisory lock ids for key.
func LockIDs(key string) (run, wait int64) {
	return int64(xxh3.HashString(key)), int64(xxh3.HashString("wait:" + key))
}

// Run must be called inside the transaction that owns locker. Locks are
// released when that transaction ends.
func (c *Coalescer) Run(ctx context.Context, locker repository.AdvisoryLocker, key string, fn func(ctx context.Context) error) (Outcome, error) {
	if err := repository.AssertTransaction(ctx); err != nil {
		return "", err
	}
	runID, waitID := LockIDs(key)

	got, err := locker.TryAdvisoryXactLock(ctx, runID)
	if err != nil {
		return "", err
	}
	if got {
		c.metrics.Coalesce(string(Ran))
		return Ran, fn(ctx)
	}

	got, err = locker.TryAdvisoryXactLock(ctx, waitID)
	if err != nil {
		return "", err
	}
	if !got {
		c.metrics.Coalesce(string(Skipped))
		c.log.Debug("coalesced recomputation", zap.String("key", key))
		return Skipped, nil
	}

	if err = locker.AdvisoryXactLock(ctx, runID); err != nil {
		return "", err
	}
	c.metrics.Coalesce(string(Waited))
	return Waited, fn(ctx)
}
