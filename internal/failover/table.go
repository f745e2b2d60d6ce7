// Package failover implements the per-partition failover log: a bounded,
// newest-first history of branch points used to decide whether a
// reconnecting replication stream must roll back, and to what seqno.
package failover

import (
	"container/list"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	mathrand "math/rand/v2"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/devrev/pairdb/replicamon/internal/model"
	"github.com/devrev/pairdb/replicamon/internal/util"
	"github.com/devrev/pairdb/replicamon/internal/util/workerpool"
)

// DefaultCapacity is the usual bound on table size, matching the
// original implementation's typical configuration.
const DefaultCapacity = 25

// Table is a bounded ordered list of model.FailoverEntry, newest at head.
type Table struct {
	mu                      sync.Mutex
	entries                 *list.List // of model.FailoverEntry, front = newest
	capacity                int
	erroneousEntriesErased  int
	logger                  *zap.Logger
	partitionID             string
	persistPath             string
	persistLimiter          *rate.Limiter
	persistPool             *workerpool.WorkerPool
}

// SetPersistPool routes this table's async persistence through a
// shared worker pool (typically one per ReplicaNode, sized for the
// number of partitions it hosts) instead of a one-off goroutine per
// flush. Safe to call once at construction time; nil disables pooling
// and falls back to a raw goroutine.
func (t *Table) SetPersistPool(pool *workerpool.WorkerPool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.persistPool = pool
}

// New creates an empty table seeded with a single entry at highSeqno,
// as happens when a partition is created for the first time with no
// prior history.
func New(partitionID string, capacity int, highSeqno int64, logger *zap.Logger) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	t := &Table{
		entries:        list.New(),
		capacity:       capacity,
		logger:         logger,
		partitionID:    partitionID,
		persistLimiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
	}
	t.entries.PushFront(model.FailoverEntry{VBUUID: generateUUID(), BySeqno: highSeqno})
	return t
}

// LoadOrNew loads a table from a JSON file at path, sanitizing against
// highSeqno, or creates a fresh one seeded at highSeqno if the file does
// not exist.
func LoadOrNew(partitionID, path string, capacity int, highSeqno int64, logger *zap.Logger) (*Table, error) {
	t := &Table{
		entries:        list.New(),
		capacity:       capacity,
		logger:         logger,
		partitionID:    partitionID,
		persistPath:    path,
		persistLimiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
	}
	if capacity <= 0 {
		t.capacity = DefaultCapacity
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failover: read %s: %w", path, err)
		}
		t.entries.PushFront(model.FailoverEntry{VBUUID: generateUUID(), BySeqno: highSeqno})
		return t, nil
	}

	if crcData, err := os.ReadFile(path + ".crc32"); err == nil {
		var want uint32
		if _, err := fmt.Sscanf(string(crcData), "%d", &want); err == nil {
			if !util.ValidateChecksum(data, want) {
				return nil, fmt.Errorf("failover: %s failed checksum validation (truncated or corrupted write)", path)
			}
		}
	}

	var doc failoverLogDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failover: parse %s: %w", path, err)
	}
	for _, e := range doc.Entries {
		t.entries.PushBack(model.FailoverEntry{VBUUID: e.ID, BySeqno: e.Seq})
	}
	t.sanitize(highSeqno)
	return t, nil
}

func generateUUID() uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is not something the caller can react to
		// sensibly; fall back to a weaker but always-available source
		// rather than leaving the uuid at zero.
		return mathrand.New(mathrand.NewPCG(uint64(time.Now().UnixNano()), 0)).Uint64() //nolint:gosec
	}
	return binary.BigEndian.Uint64(buf[:])
}

// sanitize drops any entry whose seqno exceeds highSeqno (called with the
// lock not yet required, since it only runs during construction) and
// reseeds the table if that empties it.
func (t *Table) sanitize(highSeqno int64) {
	for e := t.entries.Front(); e != nil; {
		entry := e.Value.(model.FailoverEntry)
		next := e.Next()
		if entry.BySeqno > highSeqno {
			t.entries.Remove(e)
			t.erroneousEntriesErased++
			if t.logger != nil {
				t.logger.Warn("dropping failover entry above partition high seqno",
					zap.String("partition", t.partitionID),
					zap.Uint64("vb_uuid", entry.VBUUID),
					zap.Int64("entry_seqno", entry.BySeqno),
					zap.Int64("high_seqno", highSeqno))
			}
		}
		e = next
	}
	if t.entries.Len() == 0 {
		t.entries.PushFront(model.FailoverEntry{VBUUID: generateUUID(), BySeqno: highSeqno})
	}
}

// GetLatestEntry returns the head (newest) entry. Fails only if the table
// is empty, which cannot happen via this package's public API - the
// table is always seeded at construction - so callers may treat a false
// return as a programmer error in the owner.
func (t *Table) GetLatestEntry() (model.FailoverEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries.Len() == 0 {
		return model.FailoverEntry{}, false
	}
	return t.entries.Front().Value.(model.FailoverEntry), true
}

// CreateEntry truncates any entries describing a future that did not
// happen (bySeqno > highSeqno) and pushes a new head entry, unless the
// head already carries exactly this seqno.
func (t *Table) CreateEntry(highSeqno int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if front := t.entries.Front(); front != nil {
		if front.Value.(model.FailoverEntry).BySeqno == highSeqno {
			return
		}
	}

	for e := t.entries.Front(); e != nil; {
		next := e.Next()
		if e.Value.(model.FailoverEntry).BySeqno > highSeqno {
			t.entries.Remove(e)
		}
		e = next
	}

	t.entries.PushFront(model.FailoverEntry{VBUUID: generateUUID(), BySeqno: highSeqno})
	for t.entries.Len() > t.capacity {
		t.entries.Remove(t.entries.Back())
	}

	if t.logger != nil {
		t.logger.Info("created failover entry",
			zap.String("partition", t.partitionID),
			zap.Int64("high_seqno", highSeqno))
	}

	t.scheduleAsyncPersist()
}

// GetLastSeqnoForUUID returns the highest seqno observed under the
// branch identified by uuid: the seqno of the entry immediately above
// it, or the table owner's current high seqno if uuid is the head.
// cur is that current high seqno, used only when uuid is the head.
func (t *Table) GetLastSeqnoForUUID(uuid uint64, cur int64) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var prev *list.Element
	for e := t.entries.Front(); e != nil; e = e.Next() {
		entry := e.Value.(model.FailoverEntry)
		if entry.VBUUID == uuid {
			if prev == nil {
				return cur, true
			}
			return prev.Value.(model.FailoverEntry).BySeqno, true
		}
		prev = e
	}
	return 0, false
}

// RollbackReason explains why needsRollback returned true.
type RollbackReason string

const (
	RollbackReasonUnknownBranch    RollbackReason = "vb_uuid not found in failover table"
	RollbackReasonOutsideBranch    RollbackReason = "start_seqno outside matching branch range"
	RollbackReasonBelowPurgeSeqno  RollbackReason = "start_seqno below purge_seqno"
	RollbackReasonSnapshotSpansBranches RollbackReason = "client snapshot range spans a branch boundary"
)

// NeedsRollback implements the branch-matching rollback decision: given
// a remote client's last-known branch and position, decide whether it
// must roll back, and to what seqno.
func (t *Table) NeedsRollback(
	startSeqno, curSeqno int64,
	vbUUID uint64,
	snapStartSeqno, snapEndSeqno int64,
	purgeSeqno int64,
	strictVBUUIDMatch bool,
	maxCollectionHighSeqno *int64,
) (needsRollback bool, reason RollbackReason, rollbackSeqno int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if startSeqno == 0 && !strictVBUUIDMatch {
		return false, "", 0
	}

	var match *list.Element
	var branchEnd int64
	for e := t.entries.Front(); e != nil; e = e.Next() {
		entry := e.Value.(model.FailoverEntry)
		if entry.VBUUID == vbUUID {
			match = e
			if e.Prev() == nil {
				branchEnd = curSeqno
			} else {
				branchEnd = e.Prev().Value.(model.FailoverEntry).BySeqno
			}
			break
		}
	}

	if match == nil {
		return true, RollbackReasonUnknownBranch, 0
	}

	entry := match.Value.(model.FailoverEntry)

	inBranch := startSeqno >= entry.BySeqno && startSeqno <= branchEnd
	snapshotInBranch := snapStartSeqno >= entry.BySeqno && snapEndSeqno <= branchEnd
	abovePurge := startSeqno >= purgeSeqno

	if inBranch && snapshotInBranch && abovePurge {
		return false, "", 0
	}

	target := branchEnd
	if snapStartSeqno < target {
		target = snapStartSeqno
	}
	if maxCollectionHighSeqno != nil && *maxCollectionHighSeqno < target {
		target = *maxCollectionHighSeqno
	}
	if target < 0 {
		target = 0
	}

	reason = RollbackReasonOutsideBranch
	if !abovePurge {
		reason = RollbackReasonBelowPurgeSeqno
	} else if !snapshotInBranch {
		reason = RollbackReasonSnapshotSpansBranches
	}
	return true, reason, target
}

// AdjustSnapshotRange clamps a client's reported snapshot range so a
// resumed stream does not trigger a spurious rollback on its next
// needsRollback check: snapStart becomes start, snapEnd becomes at
// least start.
func AdjustSnapshotRange(start int64, snapStart, snapEnd *int64) {
	*snapStart = start
	if *snapEnd < start {
		*snapEnd = start
	}
}

// PruneEntries deletes all entries with BySeqno < seqno, from the tail.
// Used after a rollback completes so the table does not retain entries
// describing a branch no longer reachable.
func (t *Table) PruneEntries(seqno int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for e := t.entries.Back(); e != nil; {
		prev := e.Prev()
		if e.Value.(model.FailoverEntry).BySeqno < seqno {
			t.entries.Remove(e)
		}
		e = prev
	}
}

// GetNumEntries returns the number of branch points currently tracked.
func (t *Table) GetNumEntries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries.Len()
}

// GetNumErroneousEntriesErased returns how many entries were dropped by
// sanitization on load.
func (t *Table) GetNumErroneousEntriesErased() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.erroneousEntriesErased
}

// GetFailoverLog returns a newest-first snapshot of the table's entries.
func (t *Table) GetFailoverLog() []model.FailoverEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.FailoverEntry, 0, t.entries.Len())
	for e := t.entries.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(model.FailoverEntry))
	}
	return out
}

// ReplaceFailoverLog overwrites the table's contents wholesale, as
// happens when a consumer receives a complete failover log from the
// active replica rather than building its own.
func (t *Table) ReplaceFailoverLog(entries []model.FailoverEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries.Init()
	for _, e := range entries {
		t.entries.PushBack(e)
	}
	t.scheduleAsyncPersist()
}

type failoverLogEntryDoc struct {
	ID  uint64 `json:"id"`
	Seq int64  `json:"seq"`
}

type failoverLogDoc struct {
	Entries []failoverLogEntryDoc `json:"failover_entries"`
}

// ToJSON renders the table as the bit-exact failover-log document.
func (t *Table) ToJSON() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	doc := failoverLogDoc{Entries: make([]failoverLogEntryDoc, 0, t.entries.Len())}
	for e := t.entries.Front(); e != nil; e = e.Next() {
		entry := e.Value.(model.FailoverEntry)
		doc.Entries = append(doc.Entries, failoverLogEntryDoc{ID: entry.VBUUID, Seq: entry.BySeqno})
	}
	return json.Marshal(doc)
}

// scheduleAsyncPersist writes the table to disk on a background
// goroutine (or the persist pool), rate-limited by persistLimiter so a
// burst of createEntry calls (e.g. during a failover storm) does not turn
// into a burst of file writes. A call the limiter denies, or whose task
// the pool rejects, writes nothing: the file then lags the in-memory
// table until a later call gets through. Must be called with t.mu held.
func (t *Table) scheduleAsyncPersist() {
	if t.persistPath == "" {
		return
	}
	if !t.persistLimiter.Allow() {
		return
	}

	persist := func(context.Context) error {
		data, err := t.ToJSON()
		if err != nil {
			if t.logger != nil {
				t.logger.Error("failed to render failover log", zap.Error(err))
			}
			return err
		}
		if err := os.WriteFile(t.persistPath, data, 0o644); err != nil {
			if t.logger != nil {
				t.logger.Error("failed to persist failover log",
					zap.String("partition", t.partitionID), zap.Error(err))
			}
			return err
		}
		// A sidecar checksum lets LoadOrNew detect a truncated write (e.g.
		// a crash mid os.WriteFile) without perturbing the bit-exact JSON
		// format the document itself must keep for compatibility.
		crc := util.ComputeChecksum(data)
		crcPath := t.persistPath + ".crc32"
		if err := os.WriteFile(crcPath, []byte(fmt.Sprintf("%d", crc)), 0o644); err != nil && t.logger != nil {
			t.logger.Warn("failed to persist failover log checksum",
				zap.String("partition", t.partitionID), zap.Error(err))
		}
		return nil
	}

	// Every caller (CreateEntry, ReplaceFailoverLog) already holds t.mu.
	pool := t.persistPool

	if pool != nil {
		task := workerpool.Task{ID: "failover-persist-" + t.partitionID, Fn: persist, Context: context.Background()}
		if !pool.TrySubmit(task) && t.logger != nil {
			t.logger.Warn("failover persist pool saturated, dropping this flush", zap.String("partition", t.partitionID))
		}
		return
	}
	go func() { _ = persist(context.Background()) }()
}
