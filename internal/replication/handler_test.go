package replication_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/replicamon/internal/failover"
	"github.com/devrev/pairdb/replicamon/internal/model"
	"github.com/devrev/pairdb/replicamon/internal/partition"
	"github.com/devrev/pairdb/replicamon/internal/replication"
)

func setupHandler(t *testing.T, persisted *int64) (*replication.Handler, *replication.Registry) {
	reg := replication.NewRegistry()
	p, err := partition.New(partition.Config{
		ID:                 "vb0",
		FailoverCapacity:   failover.DefaultCapacity,
		PersistedSeqnoFunc: func() int64 { return *persisted },
	}, zap.NewNop())
	require.NoError(t, err)
	reg.Add(p)
	return replication.NewHandler(reg, zap.NewNop()), reg
}

func TestHandler_PrepareSnapshotCommitFlow(t *testing.T) {
	var persisted int64
	h, reg := setupHandler(t, &persisted)

	require.NoError(t, h.HandlePrepare(replication.PrepareMessage{
		VBID: "vb0", Key: "k1", BySeqno: 10, Level: model.LevelMajority, Timeout: 30 * time.Second,
	}))
	require.NoError(t, h.HandleSnapshotMarker(replication.SnapshotMarker{VBID: "vb0", Seqno: 10, IsEnd: true}))

	p, ok := reg.Partition("vb0")
	require.True(t, ok)
	assert.Equal(t, int64(10), p.Monitor().GetHighPreparedSeqno())

	require.NoError(t, h.HandleCommit(replication.CommitMessage{VBID: "vb0", Key: "k1", PrepareSeqno: 10, CommitSeqno: 10}))
	assert.Equal(t, int64(10), p.Monitor().GetHighCompletedSeqno())
}

func TestHandler_DiskSnapshotStartMarkerKeepsFlagLiveForEarlyCommit(t *testing.T) {
	var persisted int64
	h, reg := setupHandler(t, &persisted)

	require.NoError(t, h.HandleSnapshotMarker(replication.SnapshotMarker{VBID: "vb0", IsEnd: false, IsDisk: true}))

	require.NoError(t, h.HandlePrepare(replication.PrepareMessage{
		VBID: "vb0", Key: "k1", BySeqno: 10, Level: model.LevelMajority, Timeout: 30 * time.Second,
	}))
	require.NoError(t, h.HandlePrepare(replication.PrepareMessage{
		VBID: "vb0", Key: "k2", BySeqno: 11, Level: model.LevelMajority, Timeout: 30 * time.Second,
	}))

	// k2 commits before this snapshot's own end marker arrives - only
	// legal if the disk-snapshot flag is already live from the start
	// marker above, routing CompleteSyncWrite into the unordered scan.
	require.NoError(t, h.HandleCommit(replication.CommitMessage{VBID: "vb0", Key: "k2", PrepareSeqno: 11, CommitSeqno: 11}))

	p, ok := reg.Partition("vb0")
	require.True(t, ok)
	assert.False(t, p.IsDead())
	assert.Equal(t, int64(11), p.Monitor().GetHighCompletedSeqno())

	require.NoError(t, h.HandleSnapshotMarker(replication.SnapshotMarker{VBID: "vb0", Seqno: 11, IsEnd: true, IsDisk: true}))
}

func TestHandler_UnknownPartition(t *testing.T) {
	var persisted int64
	h, _ := setupHandler(t, &persisted)

	err := h.HandlePrepare(replication.PrepareMessage{VBID: "does-not-exist", Key: "k1", BySeqno: 1, Level: model.LevelMajority, Timeout: time.Second})
	assert.Error(t, err)
}

func TestHandler_StreamRequestRollback(t *testing.T) {
	var persisted int64
	h, reg := setupHandler(t, &persisted)

	p, ok := reg.Partition("vb0")
	require.True(t, ok)
	p.Failover().CreateEntry(100)
	entry, ok := p.Failover().GetLatestEntry()
	require.True(t, ok)

	decision, err := h.HandleStreamRequest(replication.StreamRequest{
		VBID: "vb0", StartSeqno: 40, VBUUID: 0xdeadbeef, SnapStartSeqno: 40, SnapEndSeqno: 40,
	})
	require.NoError(t, err)
	assert.True(t, decision.NeedsRollback)
	assert.Equal(t, failover.RollbackReasonUnknownBranch, decision.Reason)

	decision, err = h.HandleStreamRequest(replication.StreamRequest{
		VBID: "vb0", StartSeqno: 0, VBUUID: entry.VBUUID, SnapStartSeqno: 0, SnapEndSeqno: 0,
	})
	require.NoError(t, err)
	assert.False(t, decision.NeedsRollback)
}
