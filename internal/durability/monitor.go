// Package durability implements the replica-side durability state
// machine: tracked prepares, the High Prepared Seqno / High Completed
// Seqno watermarks, and the ack-dispatch protocol that follows from
// them.
package durability

import (
	"container/list"
	"sync"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/replicamon/internal/model"
)

// maxAdvanceLevel is the per-snapshot gate on how far HPS may advance:
// a prepare above this level blocks further advancement within the
// current snapshot until persistence (or a later snapshot) catches up.
func maxAdvanceLevel(snapType model.SnapshotType, fullyPersisted bool) model.Level {
	switch {
	case fullyPersisted:
		return model.LevelPersistToMajority
	case snapType == model.SnapshotTypeMemory:
		return model.LevelMajorityAndPersistOnMaster
	default: // disk, not fully persisted
		return model.LevelNone - 1 // sentinel below None: nothing may advance
	}
}

// cursor is the (iterator, lastWriteSeqno) pair described by the
// cursor-with-fallback pattern: it is the logical position is always
// truthful in lastWriteSeqno even while it (the node pointer) is
// transiently nil after the node it pointed at was erased.
type cursor struct {
	it             *Node
	lastWriteSeqno int64
}

// AckSender is the partition-level collaborator the monitor calls into
// to transmit a seqno-ack, always outside the monitor's state lock.
type AckSender interface {
	SendSeqnoAck(partitionID string, seqno int64)
}

// PersistedSeqnoFunc reports the storage layer's current persisted
// seqno. It must be monotonically non-decreasing; the monitor reads it
// at most once per advancement pass.
type PersistedSeqnoFunc func() int64

// Monitor is the PassiveDurabilityMonitor: it tracks in-flight prepares
// for one partition and advances HPS/HCS as they become locally
// satisfied.
type Monitor struct {
	partitionID string
	logger      *zap.Logger

	mu                    sync.RWMutex
	trackedWrites         *TrackedWrites
	hps                   cursor
	hcs                   cursor
	snapshotEnds          *list.List // of model.SnapshotEnd, front = oldest
	receivingDiskSnapshot bool

	totalAccepted  uint64
	totalCommitted uint64
	totalAborted   uint64

	persistedSeqno PersistedSeqnoFunc
	ackSender      AckSender

	ackMu      sync.Mutex
	seqnoToAck int64
}

// New creates an empty PassiveDurabilityMonitor for a freshly created
// partition (no outstanding prepares, watermarks at zero).
func New(partitionID string, persistedSeqno PersistedSeqnoFunc, ackSender AckSender, logger *zap.Logger) *Monitor {
	return &Monitor{
		partitionID:    partitionID,
		logger:         logger,
		trackedWrites:  NewTrackedWrites(),
		snapshotEnds:   list.New(),
		persistedSeqno: persistedSeqno,
		ackSender:      ackSender,
	}
}

// NewFromWarmup reconstructs a monitor's state after restart from the
// data the storage layer retained across the crash/restart: the last
// known HPS and HCS, and the prepares still outstanding at that point.
// outstandingPrepares must be ordered by ascending bySeqno.
func NewFromWarmup(
	partitionID string,
	highPreparedSeqno, highCompletedSeqno int64,
	outstandingPrepares []*model.SyncWrite,
	persistedSeqno PersistedSeqnoFunc,
	ackSender AckSender,
	logger *zap.Logger,
) *Monitor {
	m := New(partitionID, persistedSeqno, ackSender, logger)

	var hpsNode, hcsNode *Node
	for _, w := range outstandingPrepares {
		node := m.trackedWrites.Insert(w)
		if w.BySeqno <= highPreparedSeqno {
			hpsNode = node
		}
		if w.BySeqno <= highCompletedSeqno {
			hcsNode = node
		}
	}
	m.hps = cursor{it: hpsNode, lastWriteSeqno: highPreparedSeqno}
	m.hcs = cursor{it: hcsNode, lastWriteSeqno: highCompletedSeqno}
	return m
}

// SetReceivingDiskSnapshot records whether the partition is currently in
// the middle of receiving a disk snapshot. The owning partition calls
// this as it observes snapshot-marker flags on the wire; the monitor
// itself has no visibility into the wire protocol.
func (m *Monitor) SetReceivingDiskSnapshot(receiving bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receivingDiskSnapshot = receiving
}

// AddSyncWrite tracks a newly prepared write. If overwritingPrepareSeqno
// is non-nil, the prior tracked prepare for the same key at that exact
// seqno is removed first (the path taken when a disk snapshot delivers
// a superseding prepare for a key that is still tracked).
func (m *Monitor) AddSyncWrite(write *model.SyncWrite, overwritingPrepareSeqno *int64) error {
	if !write.Requirements.Level.Valid() || write.Requirements.Level == model.LevelNone {
		return programmerError("AddSyncWrite", "invalid durability level %v for key %q", write.Requirements.Level, write.Key)
	}
	if write.Requirements.Timeout <= 0 {
		return programmerError("AddSyncWrite", "missing explicit timeout for key %q", write.Key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if overwritingPrepareSeqno != nil {
		existing := m.trackedWrites.FindByKey(write.Key)
		if existing == nil || existing.Write.BySeqno != *overwritingPrepareSeqno {
			return programmerError("AddSyncWrite", "overwritingPrepareSeqno %d does not match tracked prepare for key %q",
				*overwritingPrepareSeqno, write.Key)
		}
		if m.hps.it == existing {
			m.hps.it = nil
		}
		if m.hcs.it == existing {
			m.hcs.it = nil
		}
		m.trackedWrites.Remove(existing)
	} else if existing := m.trackedWrites.FindByKey(write.Key); existing != nil && !existing.Write.Completed {
		return programmerError("AddSyncWrite", "duplicate uncompleted prepare for key %q", write.Key)
	}

	m.trackedWrites.Insert(write)
	m.totalAccepted++
	return nil
}

// NotifySnapshotEndReceived queues a new snapshot boundary, runs HPS
// advancement, and (outside the state lock) sends any newly latched ack.
func (m *Monitor) NotifySnapshotEndReceived(seqno int64, snapType model.SnapshotType) error {
	m.mu.Lock()
	m.snapshotEnds.PushBack(model.SnapshotEnd{Seqno: seqno, Type: snapType})
	prevHPS, newHPS, err := m.updateHighPreparedSeqnoLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.storeSeqnoAck(prevHPS, newHPS)
	m.sendSeqnoAck()
	return nil
}

// NotifyLocalPersistence is called by the persistence layer after a
// flush advances persistedSeqno. It re-runs HPS advancement, since a
// durability fence that was blocking progress may now be satisfied.
func (m *Monitor) NotifyLocalPersistence() error {
	m.mu.Lock()
	prevHPS, newHPS, err := m.updateHighPreparedSeqnoLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.storeSeqnoAck(prevHPS, newHPS)
	m.sendSeqnoAck()
	return nil
}

// CompleteSyncWrite resolves the tracked prepare for key with resolution,
// advancing HCS and pruning completed prepares that have fallen below
// the durability fence.
func (m *Monitor) CompleteSyncWrite(key string, resolution model.Resolution, prepareSeqno *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.trackedWrites.Len() == 0 {
		return programmerError("CompleteSyncWrite", "no tracked writes, cannot complete key %q", key)
	}

	enforceOrdered := !m.receivingDiskSnapshot

	var candidate *Node
	if enforceOrdered {
		candidate = m.trackedWrites.Next(m.hcs.it)
		if candidate == nil || candidate.Write.Key != key {
			return programmerError("CompleteSyncWrite", "ordered completion expected key %q at position, found different key", key)
		}
	} else {
		// Unordered scan during disk-snapshot reception stops at the
		// first key match regardless of completion state, matching the
		// ordered branch's own "found the wrong node" handling below: a
		// stale completed-but-not-yet-pruned write for this key ahead of
		// a freshly re-added prepare is reported the same way an
		// already-completed candidate always is, rather than silently
		// skipped over.
		for n := m.trackedWrites.Begin(); n != nil; n = m.trackedWrites.Next(n) {
			if n.Write.Key == key {
				candidate = n
				break
			}
		}
		if candidate == nil {
			return programmerError("CompleteSyncWrite", "no tracked prepare found for key %q", key)
		}
	}

	if prepareSeqno != nil && candidate.Write.BySeqno != *prepareSeqno {
		return programmerError("CompleteSyncWrite", "prepareSeqno %d does not match tracked prepare %d for key %q",
			*prepareSeqno, candidate.Write.BySeqno, key)
	}

	if candidate.Write.Completed {
		return programmerError("CompleteSyncWrite", "key %q at seqno %d already completed", key, candidate.Write.BySeqno)
	}

	if enforceOrdered || candidate.Write.BySeqno > m.hcs.lastWriteSeqno {
		m.hcs.lastWriteSeqno = candidate.Write.BySeqno
		m.hcs.it = candidate
	}
	candidate.Write.Completed = true

	switch resolution {
	case model.ResolutionCommit:
		m.totalCommitted++
	case model.ResolutionAbort:
		m.totalAborted++
	case model.ResolutionCompletionWasDeduped:
		// no counter change
	}

	m.checkForAndRemovePreparesLocked()
	return nil
}

// updateHighPreparedSeqnoLocked is the HPS advancement algorithm. Must
// be called with mu held for writing.
func (m *Monitor) updateHighPreparedSeqnoLocked() (prevHPS, newHPS int64, err error) {
	prevHPS = m.hps.lastWriteSeqno
	persisted := m.persistedSeqno()

	for m.snapshotEnds.Len() > 0 {
		front := m.snapshotEnds.Front()
		snap := front.Value.(model.SnapshotEnd)
		fullyPersisted := persisted >= snap.Seqno
		max := maxAdvanceLevel(snap.Type, fullyPersisted)

		for {
			nxt := m.trackedWrites.Next(m.hps.it)
			if nxt == nil || nxt.Write.BySeqno > snap.Seqno {
				break
			}
			if nxt.Write.Requirements.Level > max {
				break
			}
			if nxt.Write.BySeqno <= m.hps.lastWriteSeqno {
				return prevHPS, m.hps.lastWriteSeqno, programmerError(
					"updateHighPreparedSeqno", "monotonicity violation: next candidate seqno %d <= current HPS %d",
					nxt.Write.BySeqno, m.hps.lastWriteSeqno)
			}
			m.hps.lastWriteSeqno = nxt.Write.BySeqno
			m.hps.it = nxt
		}

		if snap.Type == model.SnapshotTypeDisk && fullyPersisted {
			// Dedup jump: the snapshot fully persisted even though no
			// tracked prepare sits at snap.Seqno (it was deduplicated
			// away). HPS.it deliberately lags lastWriteSeqno here: it stays
			// on the last prepare advanced over, and the next pass
			// continues scanning from it.
			if snap.Seqno < m.hps.lastWriteSeqno {
				return prevHPS, m.hps.lastWriteSeqno, transientStreamError(
					"updateHighPreparedSeqno", "disk snapshot dedup jump to %d would move HPS backwards from %d, stream must reset",
					snap.Seqno, m.hps.lastWriteSeqno)
			}
			m.hps.lastWriteSeqno = snap.Seqno
		}

		next := m.trackedWrites.Next(m.hps.it)
		blocked := (snap.Type == model.SnapshotTypeDisk && !fullyPersisted) ||
			(next != nil && next.Write.BySeqno <= snap.Seqno)
		if blocked {
			break
		}
		m.snapshotEnds.Remove(front)
	}

	newHPS = m.hps.lastWriteSeqno
	if newHPS > prevHPS {
		m.checkForAndRemovePreparesLocked()
	}
	return prevHPS, newHPS, nil
}

// checkForAndRemovePreparesLocked prunes completed prepares with
// bySeqno <= min(HCS, HPS).lastWriteSeqno from the head of
// trackedWrites, resetting either cursor's iterator to nil if it
// pointed at a node being erased.
func (m *Monitor) checkForAndRemovePreparesLocked() {
	fence := m.hcs.lastWriteSeqno
	if m.hps.lastWriteSeqno < fence {
		fence = m.hps.lastWriteSeqno
	}

	for n := m.trackedWrites.Begin(); n != nil; n = m.trackedWrites.Begin() {
		if n.Write.BySeqno > fence || !n.Write.Completed {
			break
		}
		if m.hps.it == n {
			m.hps.it = nil
		}
		if m.hcs.it == n {
			m.hcs.it = nil
		}
		m.trackedWrites.Remove(n)
	}
}

// storeSeqnoAck latches newHPS for sending if it advanced, holding the
// ack mutex only briefly and never the state lock.
func (m *Monitor) storeSeqnoAck(prevHPS, newHPS int64) {
	if newHPS <= prevHPS {
		return
	}
	m.ackMu.Lock()
	if m.seqnoToAck < newHPS {
		m.seqnoToAck = newHPS
	}
	m.ackMu.Unlock()
}

// sendSeqnoAck transmits the latched seqno, if any, and resets the
// latch. Holding ackMu for the duration of the send prevents a second
// concurrent caller from also observing and sending the same seqno.
func (m *Monitor) sendSeqnoAck() {
	m.ackMu.Lock()
	defer m.ackMu.Unlock()
	if m.seqnoToAck == 0 {
		return
	}
	if m.ackSender != nil {
		m.ackSender.SendSeqnoAck(m.partitionID, m.seqnoToAck)
	}
	m.seqnoToAck = 0
}

// GetHighPreparedSeqno returns the current HPS.
func (m *Monitor) GetHighPreparedSeqno() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hps.lastWriteSeqno
}

// GetHighCompletedSeqno returns the current HCS.
func (m *Monitor) GetHighCompletedSeqno() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hcs.lastWriteSeqno
}

// GetNumTracked returns the number of prepares currently tracked
// (completed or not).
func (m *Monitor) GetNumTracked() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trackedWrites.Len()
}

// GetHighestTrackedSeqno returns the seqno of the most recently added
// tracked write, or 0 if none are tracked.
func (m *Monitor) GetHighestTrackedSeqno() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last int64
	for n := m.trackedWrites.Begin(); n != nil; n = m.trackedWrites.Next(n) {
		last = n.Write.BySeqno
	}
	return last
}

// Stats is a point-in-time snapshot of counters, grounded on the
// original's addStats reporting.
type Stats struct {
	HighPreparedSeqno  int64
	HighCompletedSeqno int64
	NumTracked         int
	TotalAccepted      uint64
	TotalCommitted     uint64
	TotalAborted       uint64
}

// Stats returns a snapshot of the monitor's counters.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		HighPreparedSeqno:  m.hps.lastWriteSeqno,
		HighCompletedSeqno: m.hcs.lastWriteSeqno,
		NumTracked:         m.trackedWrites.Len(),
		TotalAccepted:      m.totalAccepted,
		TotalCommitted:     m.totalCommitted,
		TotalAborted:       m.totalAborted,
	}
}
