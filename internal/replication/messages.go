// Package replication holds the already-decoded message shapes a
// Partition is driven with. The wire codec that produces these values
// is an external collaborator outside this repository; this package
// only defines the boundary structs and the dispatcher that turns them
// into Partition calls.
package replication

import (
	"time"

	"github.com/devrev/pairdb/replicamon/internal/model"
)

// PrepareMessage is a decoded Prepare for a SyncWrite.
type PrepareMessage struct {
	Opaque  uint32
	VBID    string
	Key     string
	BySeqno int64
	Level   model.Level
	Timeout time.Duration
	Value   []byte

	// OverwritingPrepareSeqno is set when this prepare replaces an
	// earlier prepare for the same key that has not yet completed.
	OverwritingPrepareSeqno *int64
}

// SnapshotMarker delimits a snapshot. Only the end marker drives HPS
// advancement; the start marker only sets the partition's disk-snapshot
// flag. IsDisk distinguishes a disk snapshot (may be
// deduplicated) from a memory snapshot (preserves ordering).
type SnapshotMarker struct {
	VBID    string
	Seqno   int64
	IsEnd   bool
	IsDisk  bool
}

// CommitMessage resolves a prepare as committed.
type CommitMessage struct {
	VBID         string
	Key          string
	PrepareSeqno int64
	CommitSeqno  int64
}

// AbortMessage resolves a prepare as aborted.
type AbortMessage struct {
	VBID         string
	Key          string
	PrepareSeqno int64
}

// SeqnoAck is the PDM output sent upward to the owning stream.
type SeqnoAck struct {
	VBID          string
	PreparedSeqno int64
}

// StreamRequest is what a reconnecting consumer presents when it wants
// to resume a stream, enough to decide whether it must roll back.
type StreamRequest struct {
	VBID                   string
	StartSeqno             int64
	VBUUID                 uint64
	SnapStartSeqno         int64
	SnapEndSeqno           int64
	PurgeSeqno             int64
	StrictVBUUIDMatch      bool
	MaxCollectionHighSeqno *int64
}

// Type returns the SnapshotType a SnapshotMarker implies.
func (s SnapshotMarker) Type() model.SnapshotType {
	if s.IsDisk {
		return model.SnapshotTypeDisk
	}
	return model.SnapshotTypeMemory
}
