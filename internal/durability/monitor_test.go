package durability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb/replicamon/internal/model"
)

type fakeAckSender struct {
	acked []int64
}

func (f *fakeAckSender) SendSeqnoAck(partitionID string, seqno int64) {
	f.acked = append(f.acked, seqno)
}

func newTestMonitor(persisted *int64) (*Monitor, *fakeAckSender) {
	sender := &fakeAckSender{}
	m := New("vb0", func() int64 { return *persisted }, sender, nil)
	return m, sender
}

func reqs(level model.Level) model.DurabilityRequirements {
	return model.DurabilityRequirements{Level: level, Timeout: 30 * time.Second}
}

// S1: Memory-snapshot, Majority level, one prepare.
func TestMonitor_S1_MemorySnapshotMajority(t *testing.T) {
	var persisted int64
	m, sender := newTestMonitor(&persisted)

	require.NoError(t, m.AddSyncWrite(&model.SyncWrite{Key: "k1", BySeqno: 10, Requirements: reqs(model.LevelMajority)}, nil))
	require.NoError(t, m.NotifySnapshotEndReceived(10, model.SnapshotTypeMemory))

	assert.Equal(t, int64(10), m.GetHighPreparedSeqno())
	assert.Equal(t, []int64{10}, sender.acked)
}

// S2: PersistToMajority fence.
func TestMonitor_S2_PersistToMajorityFence(t *testing.T) {
	var persisted int64
	m, sender := newTestMonitor(&persisted)

	require.NoError(t, m.AddSyncWrite(&model.SyncWrite{Key: "k1", BySeqno: 10, Requirements: reqs(model.LevelPersistToMajority)}, nil))
	require.NoError(t, m.NotifySnapshotEndReceived(10, model.SnapshotTypeMemory))

	assert.Equal(t, int64(0), m.GetHighPreparedSeqno())
	assert.Empty(t, sender.acked)

	persisted = 10
	require.NoError(t, m.NotifyLocalPersistence())

	assert.Equal(t, int64(10), m.GetHighPreparedSeqno())
	assert.Equal(t, []int64{10}, sender.acked)
}

// S3: Memory-snapshot with PersistToMajority partial advance.
func TestMonitor_S3_PartialAdvanceOnMemorySnapshot(t *testing.T) {
	var persisted int64
	m, sender := newTestMonitor(&persisted)

	require.NoError(t, m.AddSyncWrite(&model.SyncWrite{Key: "k1", BySeqno: 5, Requirements: reqs(model.LevelMajority)}, nil))
	require.NoError(t, m.AddSyncWrite(&model.SyncWrite{Key: "k2", BySeqno: 8, Requirements: reqs(model.LevelPersistToMajority)}, nil))
	require.NoError(t, m.AddSyncWrite(&model.SyncWrite{Key: "k3", BySeqno: 12, Requirements: reqs(model.LevelMajority)}, nil))

	require.NoError(t, m.NotifySnapshotEndReceived(12, model.SnapshotTypeMemory))
	assert.Equal(t, int64(5), m.GetHighPreparedSeqno())
	assert.Equal(t, []int64{5}, sender.acked)

	persisted = 12
	require.NoError(t, m.NotifyLocalPersistence())
	assert.Equal(t, int64(12), m.GetHighPreparedSeqno())
	assert.Equal(t, []int64{5, 12}, sender.acked)
}

// S4: Disk-snapshot dedup.
func TestMonitor_S4_DiskSnapshotDedupJump(t *testing.T) {
	var persisted int64 = 10
	m, sender := newTestMonitor(&persisted)
	m.SetReceivingDiskSnapshot(true)

	require.NoError(t, m.AddSyncWrite(&model.SyncWrite{Key: "k1", BySeqno: 15, Requirements: reqs(model.LevelPersistToMajority)}, nil))
	require.NoError(t, m.NotifySnapshotEndReceived(20, model.SnapshotTypeDisk))

	assert.Equal(t, int64(0), m.GetHighPreparedSeqno())
	assert.Empty(t, sender.acked)

	persisted = 20
	require.NoError(t, m.NotifyLocalPersistence())

	assert.Equal(t, int64(20), m.GetHighPreparedSeqno())
	assert.Equal(t, []int64{20}, sender.acked)
}

// TestMonitor_DiskSnapshotDedupJumpBackwards_IsTransientStreamError covers
// a disk-snapshot end marker arriving with a seqno behind a dedup jump HPS
// already made - a stream-level ordering violation the active replica
// recovers from by resetting the stream, not a monitor invariant violation.
func TestMonitor_DiskSnapshotDedupJumpBackwards_IsTransientStreamError(t *testing.T) {
	var persisted int64 = 20
	m, _ := newTestMonitor(&persisted)

	require.NoError(t, m.NotifySnapshotEndReceived(20, model.SnapshotTypeDisk))
	assert.Equal(t, int64(20), m.GetHighPreparedSeqno())

	err := m.NotifySnapshotEndReceived(10, model.SnapshotTypeDisk)
	require.Error(t, err)
	assert.True(t, IsTransientStreamError(err))
	assert.False(t, IsProgrammerError(err))
}

// S5: Out-of-order commit during disk snapshot.
func TestMonitor_S5_OutOfOrderCompletionDuringDiskSnapshot(t *testing.T) {
	var persisted int64
	m, _ := newTestMonitor(&persisted)
	m.SetReceivingDiskSnapshot(true)

	require.NoError(t, m.AddSyncWrite(&model.SyncWrite{Key: "k1", BySeqno: 10, Requirements: reqs(model.LevelMajority)}, nil))
	require.NoError(t, m.AddSyncWrite(&model.SyncWrite{Key: "k2", BySeqno: 11, Requirements: reqs(model.LevelMajority)}, nil))

	prepareSeqno11 := int64(11)
	require.NoError(t, m.CompleteSyncWrite("k2", model.ResolutionCommit, &prepareSeqno11))
	assert.Equal(t, int64(11), m.GetHighCompletedSeqno())

	k1 := m.trackedWrites.FindByKey("k1")
	require.NotNil(t, k1)
	assert.False(t, k1.Write.Completed)

	prepareSeqno10 := int64(10)
	require.NoError(t, m.CompleteSyncWrite("k1", model.ResolutionCommit, &prepareSeqno10))
	k1 = m.trackedWrites.FindByKey("k1")
	require.NotNil(t, k1)
	assert.True(t, k1.Write.Completed)
}

// TestMonitor_CompleteSyncWrite_UnorderedScanFindsStaleCompletedNodeFirst
// exercises the scenario where a completed-but-not-yet-pruned prepare for
// a key coexists with a freshly re-added uncompleted prepare for the same
// key (permitted by AddSyncWrite's duplicate check, which only rejects a
// re-add when the existing tracked write for that key is not yet
// completed). The unordered disk-snapshot scan in CompleteSyncWrite walks
// from begin() and stops at the first key match, so it finds the stale
// completed node - lower seqno, earlier in the list - ahead of the new
// one, and must report it as already completed rather than silently
// skipping past it to the newer prepare.
func TestMonitor_CompleteSyncWrite_UnorderedScanFindsStaleCompletedNodeFirst(t *testing.T) {
	var persisted int64
	m, _ := newTestMonitor(&persisted)
	m.SetReceivingDiskSnapshot(true)

	require.NoError(t, m.AddSyncWrite(&model.SyncWrite{Key: "k1", BySeqno: 10, Requirements: reqs(model.LevelMajority)}, nil))
	require.NoError(t, m.CompleteSyncWrite("k1", model.ResolutionCommit, nil))

	stale := m.trackedWrites.FindByKey("k1")
	require.NotNil(t, stale)
	assert.True(t, stale.Write.Completed)
	assert.Equal(t, int64(10), m.GetHighCompletedSeqno())

	// HPS has not advanced (no snapshot-end received yet), so the stale
	// completed write at seqno 10 is not yet prunable and stays in
	// trackedWrites alongside the new prepare below.
	require.NoError(t, m.AddSyncWrite(&model.SyncWrite{Key: "k1", BySeqno: 20, Requirements: reqs(model.LevelMajority)}, nil))
	assert.Equal(t, 2, m.GetNumTracked())

	err := m.CompleteSyncWrite("k1", model.ResolutionCommit, nil)
	require.Error(t, err)
	assert.True(t, IsProgrammerError(err))
}

func TestMonitor_AddSyncWrite_RejectsLevelNone(t *testing.T) {
	var persisted int64
	m, _ := newTestMonitor(&persisted)

	err := m.AddSyncWrite(&model.SyncWrite{Key: "k1", BySeqno: 1, Requirements: reqs(model.LevelNone)}, nil)
	require.Error(t, err)
	assert.True(t, IsProgrammerError(err))
}

func TestMonitor_AddSyncWrite_RejectsMissingTimeout(t *testing.T) {
	var persisted int64
	m, _ := newTestMonitor(&persisted)

	err := m.AddSyncWrite(&model.SyncWrite{
		Key:          "k1",
		BySeqno:      1,
		Requirements: model.DurabilityRequirements{Level: model.LevelMajority},
	}, nil)
	require.Error(t, err)
	assert.True(t, IsProgrammerError(err))
}

func TestMonitor_AddSyncWrite_OverwritingPrepareSeqno(t *testing.T) {
	var persisted int64
	m, _ := newTestMonitor(&persisted)

	require.NoError(t, m.AddSyncWrite(&model.SyncWrite{Key: "k1", BySeqno: 10, Requirements: reqs(model.LevelMajority)}, nil))

	old := int64(10)
	require.NoError(t, m.AddSyncWrite(&model.SyncWrite{Key: "k1", BySeqno: 15, Requirements: reqs(model.LevelMajority)}, &old))

	assert.Equal(t, 1, m.GetNumTracked())
	n := m.trackedWrites.FindByKey("k1")
	require.NotNil(t, n)
	assert.Equal(t, int64(15), n.Write.BySeqno)
}

func TestMonitor_CompleteSyncWrite_EmptyTrackedWritesIsProgrammerError(t *testing.T) {
	var persisted int64
	m, _ := newTestMonitor(&persisted)

	err := m.CompleteSyncWrite("k1", model.ResolutionCommit, nil)
	require.Error(t, err)
	assert.True(t, IsProgrammerError(err))
}

func TestMonitor_Stats(t *testing.T) {
	var persisted int64
	m, _ := newTestMonitor(&persisted)

	require.NoError(t, m.AddSyncWrite(&model.SyncWrite{Key: "k1", BySeqno: 10, Requirements: reqs(model.LevelMajority)}, nil))
	require.NoError(t, m.NotifySnapshotEndReceived(10, model.SnapshotTypeMemory))
	require.NoError(t, m.CompleteSyncWrite("k1", model.ResolutionCommit, nil))

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.TotalAccepted)
	assert.Equal(t, uint64(1), stats.TotalCommitted)
	assert.Equal(t, int64(10), stats.HighPreparedSeqno)
	assert.Equal(t, int64(10), stats.HighCompletedSeqno)
	assert.Equal(t, 0, stats.NumTracked) // pruned once both cursors cover it
}
