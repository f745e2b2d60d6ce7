package durability

import (
	"math/rand"

	"github.com/devrev/pairdb/replicamon/internal/model"
)

const (
	maxLevel    = 16
	probability = 0.5
)

// Node is one tracked write in the TrackedWrites list. A *Node is a
// stable position: once returned, it stays valid and pointing at the
// same SyncWrite until that exact node is removed, at which point any
// Cursor referencing it must be reset to End(). This is the Go
// equivalent of the stability a std::list<T>::iterator gives the
// original implementation, built the same way a skip list already gives
// node-pointer stability to lookups: by using real struct pointers for
// list membership instead of a slice index.
type Node struct {
	Write   *model.SyncWrite
	seqno   int64
	forward []*Node
}

// TrackedWrites holds all prepares the monitor has accepted but not yet
// removed, ordered by seqno ascending. Writes are appended in strictly
// increasing seqno order (replication streams never re-order prepares)
// with one exception: a prepare can be replaced in place when the
// active resends it under a new seqno ("overwritingPrepareSeqno"), which
// removes an interior node rather than the head.
type TrackedWrites struct {
	head  *Node
	level int
	size  int
	byKey map[string]*Node
}

// NewTrackedWrites creates an empty TrackedWrites container.
func NewTrackedWrites() *TrackedWrites {
	return &TrackedWrites{
		head:  &Node{forward: make([]*Node, maxLevel)},
		byKey: make(map[string]*Node),
	}
}

func randomLevel() int {
	level := 0
	for rand.Float64() < probability && level < maxLevel-1 {
		level++
	}
	return level
}

// Len returns the number of tracked writes.
func (tw *TrackedWrites) Len() int { return tw.size }

// Begin returns the first tracked write, or nil (End()) if empty.
func (tw *TrackedWrites) Begin() *Node { return tw.head.forward[0] }

// End is the past-the-end position. Always nil: a Cursor holding End()
// carries no node to dereference, exactly like trackedWrites.end() in
// the original.
func (tw *TrackedWrites) End() *Node { return nil }

// Next returns the tracked write immediately after n, with the
// cursor-with-fallback convention that Next(End()) == Begin(). This
// mirrors State::getIteratorNext: an iterator sitting at end() on the
// next pass over the list should start again from the front.
func (tw *TrackedWrites) Next(n *Node) *Node {
	if n == nil {
		return tw.Begin()
	}
	return n.forward[0]
}

// FindByKey returns the tracked write for key, or nil if none is
// tracked. The original scans trackedWrites linearly for this; an index
// is kept here instead so a long-running replica with many outstanding
// prepares on a hot key does not pay O(n) per incoming prepare. When
// more than one tracked write shares a key (a completed prepare not yet
// pruned plus a newer one), the index holds the most recently inserted,
// whereas a scan from Begin() finds the oldest; once that newest node is
// removed the key is unindexed even if an older write for it remains.
func (tw *TrackedWrites) FindByKey(key string) *Node {
	return tw.byKey[key]
}

// Insert adds write in its seqno-ordered position (normally the tail,
// since seqnos only increase) and returns its stable Node.
func (tw *TrackedWrites) Insert(write *model.SyncWrite) *Node {
	update := make([]*Node, maxLevel)
	current := tw.head

	for i := tw.level; i >= 0; i-- {
		for current.forward[i] != nil && current.forward[i].seqno < write.BySeqno {
			current = current.forward[i]
		}
		update[i] = current
	}

	newLevel := randomLevel()
	if newLevel > tw.level {
		for i := tw.level + 1; i <= newLevel; i++ {
			update[i] = tw.head
		}
		tw.level = newLevel
	}

	node := &Node{
		Write:   write,
		seqno:   write.BySeqno,
		forward: make([]*Node, newLevel+1),
	}

	for i := 0; i <= newLevel; i++ {
		node.forward[i] = update[i].forward[i]
		update[i].forward[i] = node
	}

	tw.size++
	tw.byKey[write.Key] = node
	return node
}

// Remove erases n from the container. Callers holding a Cursor at n must
// reset it to End() (nil) - Remove does
// not know about outstanding cursors, the same division of
// responsibility the original puts on the caller of trackedWrites.erase.
func (tw *TrackedWrites) Remove(n *Node) {
	update := make([]*Node, maxLevel)
	current := tw.head

	for i := tw.level; i >= 0; i-- {
		for current.forward[i] != nil && current.forward[i].seqno < n.seqno {
			current = current.forward[i]
		}
		update[i] = current
	}

	target := current.forward[0]
	if target != n {
		return
	}

	for i := 0; i <= tw.level; i++ {
		if update[i].forward[i] != target {
			break
		}
		update[i].forward[i] = target.forward[i]
	}

	for tw.level > 0 && tw.head.forward[tw.level] == nil {
		tw.level--
	}

	tw.size--
	if tw.byKey[target.Write.Key] == target {
		delete(tw.byKey, target.Write.Key)
	}
}
