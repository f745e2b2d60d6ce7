package failover

import (
	"container/list"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/devrev/pairdb/replicamon/internal/model"
	"github.com/devrev/pairdb/replicamon/internal/util/workerpool"
)

// tableWith builds a table with exactly the given newest-first entries,
// bypassing the uuid-generation path in CreateEntry so tests can pin
// uuids.
func tableWith(entries ...model.FailoverEntry) *Table {
	l := list.New()
	for _, e := range entries {
		l.PushBack(e)
	}
	return &Table{entries: l, capacity: DefaultCapacity}
}

func TestFailoverTable_S6_NoRollbackWithinBranch(t *testing.T) {
	tbl := tableWith(
		model.FailoverEntry{VBUUID: 7, BySeqno: 100},
		model.FailoverEntry{VBUUID: 3, BySeqno: 50},
	)

	needsRollback, _, _ := tbl.NeedsRollback(60, 100, 3, 55, 60, 0, false, nil)
	assert.False(t, needsRollback)
}

func TestFailoverTable_S6_RollbackToBranchEnd(t *testing.T) {
	tbl := tableWith(
		model.FailoverEntry{VBUUID: 7, BySeqno: 100},
		model.FailoverEntry{VBUUID: 3, BySeqno: 50},
	)

	needsRollback, _, rollbackSeqno := tbl.NeedsRollback(120, 100, 3, 120, 120, 0, false, nil)
	assert.True(t, needsRollback)
	assert.Equal(t, int64(100), rollbackSeqno)
}

func TestFailoverTable_S6_UnknownUUIDRollsBackToZero(t *testing.T) {
	tbl := tableWith(
		model.FailoverEntry{VBUUID: 7, BySeqno: 100},
		model.FailoverEntry{VBUUID: 3, BySeqno: 50},
	)

	needsRollback, reason, rollbackSeqno := tbl.NeedsRollback(40, 100, 99, 40, 40, 0, false, nil)
	assert.True(t, needsRollback)
	assert.Equal(t, RollbackReasonUnknownBranch, reason)
	assert.Equal(t, int64(0), rollbackSeqno)
}

func TestFailoverTable_StartZeroNeverRollsBack(t *testing.T) {
	tbl := tableWith(model.FailoverEntry{VBUUID: 1, BySeqno: 0})

	needsRollback, _, _ := tbl.NeedsRollback(0, 0, 999, 0, 0, 0, false, nil)
	assert.False(t, needsRollback)
}

func TestFailoverTable_CreateEntry_NoOpOnSameSeqno(t *testing.T) {
	tbl := New("vb0", DefaultCapacity, 100, nil)
	before := tbl.GetNumEntries()

	tbl.CreateEntry(100)

	assert.Equal(t, before, tbl.GetNumEntries())
}

func TestFailoverTable_CreateEntry_TruncatesFutureEntries(t *testing.T) {
	tbl := tableWith(
		model.FailoverEntry{VBUUID: 7, BySeqno: 200},
		model.FailoverEntry{VBUUID: 3, BySeqno: 50},
	)

	tbl.CreateEntry(100)

	log := tbl.GetFailoverLog()
	require.Len(t, log, 2)
	assert.Equal(t, int64(100), log[0].BySeqno)
	assert.Equal(t, int64(50), log[1].BySeqno)
}

func TestFailoverTable_CreateEntry_RespectsCapacity(t *testing.T) {
	tbl := New("vb0", 2, 0, nil)
	tbl.CreateEntry(10)
	tbl.CreateEntry(20)
	tbl.CreateEntry(30)

	assert.LessOrEqual(t, tbl.GetNumEntries(), 2)
}

func TestFailoverTable_GetLastSeqnoForUUID(t *testing.T) {
	tbl := tableWith(
		model.FailoverEntry{VBUUID: 7, BySeqno: 100},
		model.FailoverEntry{VBUUID: 3, BySeqno: 50},
	)

	seqno, ok := tbl.GetLastSeqnoForUUID(3, 100)
	require.True(t, ok)
	assert.Equal(t, int64(100), seqno)

	seqno, ok = tbl.GetLastSeqnoForUUID(7, 150)
	require.True(t, ok)
	assert.Equal(t, int64(150), seqno)

	_, ok = tbl.GetLastSeqnoForUUID(999, 100)
	assert.False(t, ok)
}

func TestFailoverTable_ToJSONRoundTrip(t *testing.T) {
	tbl := tableWith(
		model.FailoverEntry{VBUUID: 12345678901234567, BySeqno: 42},
		model.FailoverEntry{VBUUID: 1, BySeqno: 0},
	)

	data, err := tbl.ToJSON()
	require.NoError(t, err)

	roundTripped := &Table{entries: list.New(), capacity: DefaultCapacity}
	var doc failoverLogDoc
	require.NoError(t, json.Unmarshal(data, &doc))
	for _, e := range doc.Entries {
		roundTripped.entries.PushBack(model.FailoverEntry{VBUUID: e.ID, BySeqno: e.Seq})
	}

	assert.Equal(t, tbl.GetFailoverLog(), roundTripped.GetFailoverLog())
}

func TestFailoverTable_PruneEntries(t *testing.T) {
	tbl := tableWith(
		model.FailoverEntry{VBUUID: 7, BySeqno: 100},
		model.FailoverEntry{VBUUID: 3, BySeqno: 50},
		model.FailoverEntry{VBUUID: 1, BySeqno: 10},
	)

	tbl.PruneEntries(50)

	log := tbl.GetFailoverLog()
	require.Len(t, log, 2)
	assert.Equal(t, int64(100), log[0].BySeqno)
	assert.Equal(t, int64(50), log[1].BySeqno)
}

func TestFailoverTable_AsyncPersistViaWorkerPool(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/failover.json"

	tbl := New("vb0", DefaultCapacity, 0, nil)
	tbl.persistPath = path
	tbl.persistLimiter = rate.NewLimiter(rate.Inf, 1)

	pool := workerpool.NewWorkerPool(&workerpool.Config{Name: "failover-persist-test", MaxWorkers: 2, QueueSize: 4})
	defer pool.Stop(time.Second)
	tbl.SetPersistPool(pool)

	tbl.CreateEntry(10)

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, time.Second, 5*time.Millisecond)
}
