// Package partition hosts one shard's durability state: a
// PassiveDurabilityMonitor and a FailoverTable, plus the glue that
// turns ProgrammerErrors into a dead partition instead of a process
// crash.
package partition

import (
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/replicamon/internal/durability"
	"github.com/devrev/pairdb/replicamon/internal/failover"
	"github.com/devrev/pairdb/replicamon/internal/model"
)

// ErrPartitionDead is returned by every durability operation once a
// ProgrammerError has marked the partition dead. The caller must stop
// routing replication traffic to this partition and rebuild it.
var ErrPartitionDead = errors.New("partition: dead, must be rebuilt")

// AckTransport is how a Partition transmits a seqno-ack upward, towards
// whatever owns the replication connection to the active replica.
type AckTransport interface {
	SendSeqnoAck(partitionID string, seqno int64)
}

// Config configures a single Partition.
type Config struct {
	ID                 string
	FailoverCapacity   int
	FailoverLogPath    string
	InitialHighSeqno   int64
	PersistedSeqnoFunc durability.PersistedSeqnoFunc
	AckTransport       AckTransport
}

// Partition owns the durability monitor and failover log for one shard.
type Partition struct {
	id       string
	logger   *zap.Logger
	monitor  *durability.Monitor
	failover *failover.Table

	dead atomic.Bool
}

// New constructs a fresh Partition with no prior history (the failover
// log is seeded at InitialHighSeqno, and loaded from disk if
// FailoverLogPath already has a file there).
func New(cfg Config, logger *zap.Logger) (*Partition, error) {
	p := &Partition{id: cfg.ID, logger: logger}

	var ft *failover.Table
	var err error
	if cfg.FailoverLogPath != "" {
		ft, err = failover.LoadOrNew(cfg.ID, cfg.FailoverLogPath, cfg.FailoverCapacity, cfg.InitialHighSeqno, logger)
		if err != nil {
			return nil, err
		}
	} else {
		ft = failover.New(cfg.ID, cfg.FailoverCapacity, cfg.InitialHighSeqno, logger)
	}
	p.failover = ft

	p.monitor = durability.New(cfg.ID, cfg.PersistedSeqnoFunc, ackAdapter{cfg.AckTransport}, logger)
	return p, nil
}

// NewFromWarmup constructs a Partition whose monitor state is
// reconstructed from outstanding prepares retained across a restart.
func NewFromWarmup(
	cfg Config,
	highPreparedSeqno, highCompletedSeqno int64,
	outstandingPrepares []*model.SyncWrite,
	logger *zap.Logger,
) (*Partition, error) {
	p, err := New(cfg, logger)
	if err != nil {
		return nil, err
	}
	p.monitor = durability.NewFromWarmup(
		cfg.ID, highPreparedSeqno, highCompletedSeqno, outstandingPrepares,
		cfg.PersistedSeqnoFunc, ackAdapter{cfg.AckTransport}, logger)
	return p, nil
}

type ackAdapter struct{ transport AckTransport }

func (a ackAdapter) SendSeqnoAck(partitionID string, seqno int64) {
	if a.transport != nil {
		a.transport.SendSeqnoAck(partitionID, seqno)
	}
}

// ID returns the partition identifier.
func (p *Partition) ID() string { return p.id }

// IsDead reports whether a ProgrammerError has already marked this
// partition unusable. Once dead, a partition must be torn down and
// rebuilt (typically by dropping and re-adding the shard); none of its
// durability methods should be called again.
func (p *Partition) IsDead() bool { return p.dead.Load() }

// Monitor exposes the underlying durability monitor for read-only
// queries (metrics, stats).
func (p *Partition) Monitor() *durability.Monitor { return p.monitor }

// Failover exposes the underlying failover table.
func (p *Partition) Failover() *failover.Table { return p.failover }

// markDeadOnProgrammerError marks the partition dead and logs the
// violation if err is a ProgrammerError, and returns err unchanged.
func (p *Partition) markDeadOnProgrammerError(op string, err error) error {
	if err != nil && durability.IsProgrammerError(err) {
		p.dead.Store(true)
		if p.logger != nil {
			p.logger.Error("partition marked dead by durability invariant violation",
				zap.String("partition", p.id),
				zap.String("op", op),
				zap.Error(err))
		}
	}
	return err
}

// AddSyncWrite tracks a newly prepared write.
func (p *Partition) AddSyncWrite(write *model.SyncWrite, overwritingPrepareSeqno *int64) error {
	if p.IsDead() {
		return ErrPartitionDead
	}
	return p.markDeadOnProgrammerError("AddSyncWrite", p.monitor.AddSyncWrite(write, overwritingPrepareSeqno))
}

// CompleteSyncWrite resolves a tracked prepare.
func (p *Partition) CompleteSyncWrite(key string, resolution model.Resolution, prepareSeqno *int64) error {
	if p.IsDead() {
		return ErrPartitionDead
	}
	return p.markDeadOnProgrammerError("CompleteSyncWrite", p.monitor.CompleteSyncWrite(key, resolution, prepareSeqno))
}

// SetReceivingDiskSnapshot records whether the partition is currently
// inside a disk snapshot, live for the snapshot's whole span: the
// caller drives this from both the snapshot's start marker (entering
// the window) and its end marker (confirming/leaving it), since a
// commit or abort for a tracked prepare can arrive at any point in
// between and must see the flag already set.
func (p *Partition) SetReceivingDiskSnapshot(receiving bool) {
	if p.IsDead() {
		return
	}
	p.monitor.SetReceivingDiskSnapshot(receiving)
}

// NotifySnapshotEndReceived queues a snapshot boundary and advances HPS.
func (p *Partition) NotifySnapshotEndReceived(seqno int64, snapType model.SnapshotType) error {
	if p.IsDead() {
		return ErrPartitionDead
	}
	p.monitor.SetReceivingDiskSnapshot(snapType == model.SnapshotTypeDisk)
	return p.markDeadOnProgrammerError("NotifySnapshotEndReceived", p.monitor.NotifySnapshotEndReceived(seqno, snapType))
}

// NotifyLocalPersistence re-runs HPS advancement after a flush.
func (p *Partition) NotifyLocalPersistence() error {
	if p.IsDead() {
		return ErrPartitionDead
	}
	return p.markDeadOnProgrammerError("NotifyLocalPersistence", p.monitor.NotifyLocalPersistence())
}

// RollbackDecision is the answer to "must a reconnecting stream rewind,
// and to what seqno". AdjustedSnapStartSeqno/AdjustedSnapEndSeqno only
// carry a meaningful value when NeedsRollback is false: the snapshot
// range the consumer should report on its next stream request, clamped
// so it does not itself trigger a spurious rollback.
type RollbackDecision struct {
	NeedsRollback          bool
	Reason                 failover.RollbackReason
	RollbackSeqno          int64
	AdjustedSnapStartSeqno int64
	AdjustedSnapEndSeqno   int64
}

// CheckRollback delegates to the failover table's rollback algorithm,
// then performs the bookkeeping the decision implies: pruning branches
// the rollback made unreachable, or clamping the snapshot range a
// resumed stream will report next time so it does not itself trip a
// rollback.
func (p *Partition) CheckRollback(
	startSeqno, curSeqno int64,
	vbUUID uint64,
	snapStartSeqno, snapEndSeqno int64,
	purgeSeqno int64,
	strictVBUUIDMatch bool,
	maxCollectionHighSeqno *int64,
) RollbackDecision {
	needsRollback, reason, rollbackSeqno := p.failover.NeedsRollback(
		startSeqno, curSeqno, vbUUID, snapStartSeqno, snapEndSeqno, purgeSeqno, strictVBUUIDMatch, maxCollectionHighSeqno)

	if needsRollback {
		p.failover.PruneEntries(rollbackSeqno)
		return RollbackDecision{NeedsRollback: true, Reason: reason, RollbackSeqno: rollbackSeqno}
	}

	failover.AdjustSnapshotRange(startSeqno, &snapStartSeqno, &snapEndSeqno)
	return RollbackDecision{
		AdjustedSnapStartSeqno: snapStartSeqno,
		AdjustedSnapEndSeqno:   snapEndSeqno,
	}
}
