package replication

import (
	"sync"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/replicamon/internal/errors"
	"github.com/devrev/pairdb/replicamon/internal/model"
	"github.com/devrev/pairdb/replicamon/internal/partition"
	"github.com/devrev/pairdb/replicamon/internal/validation"
)

// PartitionRegistry looks a Partition up by its vbucket id.
type PartitionRegistry interface {
	Partition(vbid string) (*partition.Partition, bool)
}

// Registry is the default in-memory PartitionRegistry, the one
// cmd/replicanode wires all of a node's shards into.
type Registry struct {
	mu         sync.RWMutex
	partitions map[string]*partition.Partition
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{partitions: make(map[string]*partition.Partition)}
}

// Add registers p under its own ID.
func (r *Registry) Add(p *partition.Partition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.partitions[p.ID()] = p
}

// Remove drops a partition from the registry (used when a dead
// partition is torn down and rebuilt).
func (r *Registry) Remove(vbid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.partitions, vbid)
}

// Partition implements PartitionRegistry.
func (r *Registry) Partition(vbid string) (*partition.Partition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.partitions[vbid]
	return p, ok
}

// All returns a snapshot of every registered partition.
func (r *Registry) All() []*partition.Partition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*partition.Partition, 0, len(r.partitions))
	for _, p := range r.partitions {
		out = append(out, p)
	}
	return out
}

// Handler is the boundary a replication transport (whatever decodes
// bytes off the wire into PrepareMessage/SnapshotMarker/etc.) is
// written against. It never sees wire bytes, only decoded structs.
type Handler struct {
	registry  PartitionRegistry
	validator *validation.Validator
	logger    *zap.Logger
}

// NewHandler constructs a Handler dispatching into registry.
func NewHandler(registry PartitionRegistry, logger *zap.Logger) *Handler {
	return &Handler{registry: registry, validator: validation.NewValidator(), logger: logger}
}

func (h *Handler) partitionFor(vbid string) (*partition.Partition, error) {
	p, ok := h.registry.Partition(vbid)
	if !ok {
		return nil, errors.UnknownPartition(vbid)
	}
	if p.IsDead() {
		return nil, errors.PartitionDead(vbid)
	}
	return p, nil
}

// logRejection logs a monitor-level rejection after routing it through
// FromDurabilityError, so the gRPC status code a caller would eventually
// see is already resolved at the point the rejection is first observed.
func (h *Handler) logRejection(msg string, vbid string, err error, fields ...zap.Field) *errors.ReplicationError {
	repErr := errors.FromDurabilityError(vbid, err)
	st := repErr.ToGRPCStatus()
	fields = append(fields,
		zap.String("vbid", vbid),
		zap.String("grpc_code", st.Code().String()),
		zap.Error(repErr),
	)
	h.logger.Error(msg, fields...)
	return repErr
}

// HandlePrepare tracks a newly prepared SyncWrite.
func (h *Handler) HandlePrepare(msg PrepareMessage) error {
	if err := h.validator.ValidateKey(msg.Key); err != nil {
		return err
	}
	requirements := model.DurabilityRequirements{Level: msg.Level, Timeout: msg.Timeout}
	if err := h.validator.ValidateRequirements(requirements); err != nil {
		return err
	}

	p, err := h.partitionFor(msg.VBID)
	if err != nil {
		return err
	}
	write := &model.SyncWrite{
		Key:          msg.Key,
		BySeqno:      msg.BySeqno,
		Requirements: requirements,
	}
	if err := p.AddSyncWrite(write, msg.OverwritingPrepareSeqno); err != nil {
		return h.logRejection("prepare rejected", msg.VBID, err,
			zap.String("key", msg.Key), zap.Int64("seqno", msg.BySeqno))
	}
	return nil
}

// HandleSnapshotMarker keeps the partition's disk-snapshot flag live
// for a snapshot's whole span and drives HPS advancement on its end
// marker. A start marker only flips the flag - a commit/abort for a
// prepare belonging to this snapshot can arrive before the end marker
// does, and must already see the flag set so CompleteSyncWrite takes
// the unordered scan a disk snapshot in flight requires.
func (h *Handler) HandleSnapshotMarker(msg SnapshotMarker) error {
	p, err := h.partitionFor(msg.VBID)
	if err != nil {
		return err
	}
	if !msg.IsEnd {
		p.SetReceivingDiskSnapshot(msg.IsDisk)
		return nil
	}
	if err := p.NotifySnapshotEndReceived(msg.Seqno, msg.Type()); err != nil {
		return h.logRejection("snapshot-end rejected", msg.VBID, err, zap.Int64("seqno", msg.Seqno))
	}
	return nil
}

// HandleCommit resolves a tracked prepare as committed.
func (h *Handler) HandleCommit(msg CommitMessage) error {
	p, err := h.partitionFor(msg.VBID)
	if err != nil {
		return err
	}
	prepareSeqno := msg.PrepareSeqno
	if err := p.CompleteSyncWrite(msg.Key, model.ResolutionCommit, &prepareSeqno); err != nil {
		return h.logRejection("commit rejected", msg.VBID, err, zap.String("key", msg.Key))
	}
	return nil
}

// HandleAbort resolves a tracked prepare as aborted.
func (h *Handler) HandleAbort(msg AbortMessage) error {
	p, err := h.partitionFor(msg.VBID)
	if err != nil {
		return err
	}
	prepareSeqno := msg.PrepareSeqno
	if err := p.CompleteSyncWrite(msg.Key, model.ResolutionAbort, &prepareSeqno); err != nil {
		return h.logRejection("abort rejected", msg.VBID, err, zap.String("key", msg.Key))
	}
	return nil
}

// HandleLocalPersistence is driven by the persistence tracker whenever
// the locally persisted seqno advances, re-running HPS advancement for
// writes that were blocked on a durability fence.
func (h *Handler) HandleLocalPersistence(vbid string) error {
	p, err := h.partitionFor(vbid)
	if err != nil {
		return err
	}
	if err := p.NotifyLocalPersistence(); err != nil {
		return h.logRejection("local persistence notification rejected", vbid, err)
	}
	return nil
}

// HandleStreamRequest answers a reconnecting consumer's rollback check.
func (h *Handler) HandleStreamRequest(req StreamRequest) (partition.RollbackDecision, error) {
	p, err := h.partitionFor(req.VBID)
	if err != nil {
		return partition.RollbackDecision{}, err
	}
	return p.CheckRollback(
		req.StartSeqno, currentSeqno(p), req.VBUUID,
		req.SnapStartSeqno, req.SnapEndSeqno, req.PurgeSeqno,
		req.StrictVBUUIDMatch, req.MaxCollectionHighSeqno,
	), nil
}

// currentSeqno approximates "the vbucket's current high seqno" from
// what the monitor tracks: the highest of HPS, HCS, and whatever is
// still in flight. Pruned, already-durable writes below both
// watermarks do not move this backwards since HPS/HCS already cover
// them.
func currentSeqno(p *partition.Partition) int64 {
	cur := p.Monitor().GetHighPreparedSeqno()
	if hcs := p.Monitor().GetHighCompletedSeqno(); hcs > cur {
		cur = hcs
	}
	if tracked := p.Monitor().GetHighestTrackedSeqno(); tracked > cur {
		cur = tracked
	}
	return cur
}
