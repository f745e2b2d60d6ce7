// Package persistence stands in for the storage layer's flusher
// thread: the one real collaborator a PassiveDurabilityMonitor polls
// for "has this seqno made it to disk yet". This repo has no real
// storage engine, so Tracker exposes a settable persisted-seqno per
// partition and a ticker loop that drives notifyLocalPersistence the
// way a flush-complete callback would.
package persistence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LocalPersistenceNotifier is the subset of replication.Handler a
// Tracker needs: a way to tell one partition "persistence advanced,
// re-check your durability fences".
type LocalPersistenceNotifier interface {
	HandleLocalPersistence(vbid string) error
}

// Tracker owns the locally-persisted-seqno watermark for every
// partition on this node and periodically notifies each partition's
// durability monitor so writes blocked on PersistToMajority/
// MajorityAndPersistOnMaster fences get re-evaluated.
type Tracker struct {
	mu        sync.RWMutex
	persisted map[string]int64

	notifier LocalPersistenceNotifier
	interval time.Duration
	logger   *zap.Logger
}

// New constructs a Tracker. interval controls how often the background
// loop started by Run re-checks every partition; a caller can also call
// Advance directly (e.g. from a real flush-complete callback) for
// immediate notification.
func New(notifier LocalPersistenceNotifier, interval time.Duration, logger *zap.Logger) *Tracker {
	return &Tracker{
		persisted: make(map[string]int64),
		notifier:  notifier,
		interval:  interval,
		logger:    logger,
	}
}

// PersistedSeqnoFunc returns a closure a durability.Monitor can poll
// for vbid's current persisted seqno.
func (t *Tracker) PersistedSeqnoFunc(vbid string) func() int64 {
	return func() int64 {
		t.mu.RLock()
		defer t.mu.RUnlock()
		return t.persisted[vbid]
	}
}

// Advance records a new persisted seqno for vbid (a no-op if it would
// move the watermark backwards) and immediately notifies the partition.
func (t *Tracker) Advance(vbid string, seqno int64) {
	t.mu.Lock()
	moved := seqno > t.persisted[vbid]
	if moved {
		t.persisted[vbid] = seqno
	}
	t.mu.Unlock()

	if !moved {
		return
	}
	if err := t.notifier.HandleLocalPersistence(vbid); err != nil {
		t.logger.Warn("local persistence notification failed",
			zap.String("vbid", vbid), zap.Int64("seqno", seqno), zap.Error(err))
	}
}

// Run starts the periodic re-check loop; it blocks until ctx is
// cancelled. Every tick, every partition with a recorded watermark is
// re-notified even if the watermark hasn't moved, so a durability fence
// that was blocked transiently (e.g. a disk snapshot still filling in)
// gets re-evaluated once the monitor's own state allows it to advance.
func (t *Tracker) Run(ctx context.Context, vbids func() []string) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, vbid := range vbids() {
				if err := t.notifier.HandleLocalPersistence(vbid); err != nil {
					t.logger.Debug("periodic local persistence re-check failed",
						zap.String("vbid", vbid), zap.Error(err))
				}
			}
		case <-ctx.Done():
			t.logger.Info("persistence tracker stopped")
			return
		}
	}
}
