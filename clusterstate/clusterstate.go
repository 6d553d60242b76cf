// Package clusterstate models the two cluster-level collaborators the
// sender depends on: the cluster state service (slot→owner map, metadata
// mutation) and the migration manager (cluster-wide locking of a slot
// set). Both are narrow interfaces with a concrete, in-process
// implementation grounded in cluster/membership.go's mutex-guarded map
// style — a full gossip/consensus layer is out of scope here, same as the
// storage engine is out of scope for package store.
package clusterstate

import (
	"errors"
	"sync"

	"github.com/unkn0wn-root/chunkmigrate/slotmap"
)

// NodeID identifies a cluster peer.
type NodeID string

// Node is the minimal descriptor the sender needs to reach a peer.
type Node struct {
	ID   NodeID
	Addr string
}

var (
	// ErrUnknownNode is returned by LookupNode for an id never registered.
	ErrUnknownNode = errors.New("clusterstate: unknown node")
	// ErrAlreadyLocked is returned by LockChunks when any requested slot
	// is already locked by a concurrent migration.
	ErrAlreadyLocked = errors.New("clusterstate: slots already locked")
	// ErrNotLocked is returned by UnlockChunks for slots not currently held.
	ErrNotLocked = errors.New("clusterstate: slots not locked")
)

// ClusterState exposes the slot→owner map and lets the sender flip
// ownership after a successful cut-over.
type ClusterState interface {
	// NodeBySlot returns the node currently recorded as owning slot.
	NodeBySlot(slot int) (NodeID, bool)
	// LookupNode resolves a NodeID to its full descriptor.
	LookupNode(id NodeID) (Node, bool)
	// SetSlots records dst as the new owner of every slot in slots.
	SetSlots(dst NodeID, slots *slotmap.Bitmap) error
	// AllSlotsOwnedBy reports whether every slot in slots is already
	// recorded as owned by dst — used to short-circuit the cut-over ack
	// wait when metadata converged out-of-band.
	AllSlotsOwnedBy(dst NodeID, slots *slotmap.Bitmap) bool
}

// MigrateManager provides cluster-wide locking of a slot set so the
// cut-over's final drain sees no new writes to the migrated slots.
type MigrateManager interface {
	LockChunks(slots *slotmap.Bitmap) error
	UnlockChunks(slots *slotmap.Bitmap) error
}

// Table is an in-process ClusterState: a fixed slot→owner array guarded by
// an RWMutex, the same shape membership.go uses for its peer map.
type Table struct {
	mu    sync.RWMutex
	owner [slotmap.ClusterSlots]NodeID
	nodes map[NodeID]Node
}

// NewTable returns a Table with the given nodes registered (unowned slots
// report ok=false from NodeBySlot until SetOwner or SetSlots assigns them).
func NewTable(nodes ...Node) *Table {
	t := &Table{nodes: make(map[NodeID]Node, len(nodes))}
	for _, n := range nodes {
		t.nodes[n.ID] = n
	}
	return t
}

// SetOwner seeds slot's owner directly, for test/bootstrap setup before a
// migration begins (SetSlots is the migration-time mutation path).
func (t *Table) SetOwner(slot int, id NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.owner[slot] = id
}

// NodeBySlot implements ClusterState.
func (t *Table) NodeBySlot(slot int) (NodeID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id := t.owner[slot]
	return id, id != ""
}

// LookupNode implements ClusterState.
func (t *Table) LookupNode(id NodeID) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	return n, ok
}

// SetSlots implements ClusterState.
func (t *Table) SetSlots(dst NodeID, slots *slotmap.Bitmap) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.nodes[dst]; !ok {
		return ErrUnknownNode
	}
	slots.Range(func(slot int) bool {
		t.owner[slot] = dst
		return true
	})
	return nil
}

// AllSlotsOwnedBy implements ClusterState. It walks every set bit (the
// original's checkSlotsBlongDst does the same: a single slot owned by
// someone else fails the whole check closed).
func (t *Table) AllSlotsOwnedBy(dst NodeID, slots *slotmap.Bitmap) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	all := true
	slots.Range(func(slot int) bool {
		if t.owner[slot] != dst {
			all = false
			return false
		}
		return true
	})
	return all
}

// Locker is an in-process MigrateManager: a single globally-locked bitmap
// so concurrent migrations on disjoint slot sets do not block each other,
// and overlapping migrations (a bug at the admission layer above the
// sender) are rejected rather than silently corrupting state.
type Locker struct {
	mu     sync.Mutex
	locked *slotmap.Bitmap
}

// NewLocker returns a Locker with nothing locked.
func NewLocker() *Locker {
	return &Locker{locked: slotmap.New()}
}

// LockChunks implements MigrateManager.
func (l *Locker) LockChunks(slots *slotmap.Bitmap) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	conflict := false
	slots.Range(func(s int) bool {
		if l.locked.Test(s) {
			conflict = true
			return false
		}
		return true
	})
	if conflict {
		return ErrAlreadyLocked
	}
	slots.Range(func(s int) bool {
		l.locked.Set(s)
		return true
	})
	return nil
}

// UnlockChunks implements MigrateManager.
func (l *Locker) UnlockChunks(slots *slotmap.Bitmap) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	missing := false
	slots.Range(func(s int) bool {
		if !l.locked.Test(s) {
			missing = true
			return false
		}
		return true
	})
	if missing {
		return ErrNotLocked
	}
	slots.Range(func(s int) bool {
		l.locked.Clear(s)
		return true
	})
	return nil
}
