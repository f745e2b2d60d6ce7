package durability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb/replicamon/internal/model"
)

func write(seqno int64, key string) *model.SyncWrite {
	return &model.SyncWrite{
		Key:          key,
		BySeqno:      seqno,
		Requirements: model.DurabilityRequirements{Level: model.LevelMajority, Timeout: 1},
	}
}

func TestTrackedWrites_InsertOrder(t *testing.T) {
	tw := NewTrackedWrites()
	tw.Insert(write(5, "k1"))
	tw.Insert(write(10, "k2"))
	tw.Insert(write(15, "k3"))

	assert.Equal(t, 3, tw.Len())

	var seqnos []int64
	for n := tw.Begin(); n != nil; n = tw.Next(n) {
		seqnos = append(seqnos, n.Write.BySeqno)
	}
	assert.Equal(t, []int64{5, 10, 15}, seqnos)
}

func TestTrackedWrites_NextFallsBackToBeginAtEnd(t *testing.T) {
	tw := NewTrackedWrites()

	assert.Nil(t, tw.Next(tw.End()))

	tw.Insert(write(5, "k1"))
	assert.Equal(t, tw.Begin(), tw.Next(tw.End()))
	assert.Equal(t, tw.Begin(), tw.Next(nil))
}

func TestTrackedWrites_FindByKey(t *testing.T) {
	tw := NewTrackedWrites()
	tw.Insert(write(5, "k1"))
	tw.Insert(write(10, "k2"))

	n := tw.FindByKey("k2")
	require.NotNil(t, n)
	assert.Equal(t, int64(10), n.Write.BySeqno)

	assert.Nil(t, tw.FindByKey("missing"))
}

func TestTrackedWrites_RemoveInterior(t *testing.T) {
	tw := NewTrackedWrites()
	tw.Insert(write(5, "k1"))
	n2 := tw.Insert(write(10, "k2"))
	tw.Insert(write(15, "k3"))

	tw.Remove(n2)

	assert.Equal(t, 2, tw.Len())
	assert.Nil(t, tw.FindByKey("k2"))

	var seqnos []int64
	for n := tw.Begin(); n != nil; n = tw.Next(n) {
		seqnos = append(seqnos, n.Write.BySeqno)
	}
	assert.Equal(t, []int64{5, 15}, seqnos)
}

func TestTrackedWrites_RemoveHeadRepeatedly(t *testing.T) {
	tw := NewTrackedWrites()
	tw.Insert(write(5, "k1"))
	tw.Insert(write(10, "k2"))
	tw.Insert(write(15, "k3"))

	for tw.Begin() != nil && tw.Begin().Write.BySeqno <= 10 {
		tw.Remove(tw.Begin())
	}

	assert.Equal(t, 1, tw.Len())
	assert.Equal(t, int64(15), tw.Begin().Write.BySeqno)
}

func TestTrackedWrites_Empty(t *testing.T) {
	tw := NewTrackedWrites()
	assert.Equal(t, 0, tw.Len())
	assert.Nil(t, tw.Begin())
	assert.Nil(t, tw.FindByKey("anything"))
}
