package store

import (
	"sort"
	"sync"

	"github.com/unkn0wn-root/chunkmigrate/slotmap"
)

// BinlogEntry is one append-only write-ahead log record: a client write or
// delete that landed in a given slot, carrying the monotonically
// increasing id that orders it relative to every other entry.
type BinlogEntry struct {
	ID        uint64
	Slot      int
	Key       []byte
	Value     []byte
	Tombstone bool
}

// MemStore is an in-process, slot-sharded key-value engine with an
// append-only binlog. It is sharded by the same slot space the migration
// sender operates over (slotmap.ClusterSlots buckets guarded by one lock,
// mirroring cache.go/shard.go's per-bucket map design at a coarser grain
// since a migration Store models a single local shard, not many).
//
// Transactions issued without SetSnapshot observe live data (read-committed);
// SetSnapshot copies every slot's map at the moment of the call, approximating the original
// engine's MVCC snapshot well enough to drive and test the sender.
type MemStore struct {
	mu      sync.RWMutex
	bySlot  [slotmap.ClusterSlots]map[string][]byte
	binlog  []BinlogEntry
	highest uint64
}

// NewMemStore returns an empty store with no binlog history.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// ClientSet simulates a client write landing in the store outside of the
// migration machinery: it updates live data and appends a binlog entry.
func (m *MemStore) ClientSet(key, value []byte) uint64 {
	slot := slotmap.HashSlot(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bySlot[slot] == nil {
		m.bySlot[slot] = make(map[string][]byte)
	}
	m.bySlot[slot][string(key)] = value
	m.highest++
	id := m.highest
	m.binlog = append(m.binlog, BinlogEntry{ID: id, Slot: slot, Key: key, Value: value})
	return id
}

// ClientDelete simulates a client delete, recording a tombstone binlog entry.
func (m *MemStore) ClientDelete(key []byte) uint64 {
	slot := slotmap.HashSlot(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bySlot[slot] != nil {
		delete(m.bySlot[slot], string(key))
	}
	m.highest++
	id := m.highest
	m.binlog = append(m.binlog, BinlogEntry{ID: id, Slot: slot, Key: key, Tombstone: true})
	return id
}

// Seed inserts a key directly without advancing the binlog, for test setup
// that wants data present "before the binlog starts".
func (m *MemStore) Seed(key, value []byte) {
	slot := slotmap.HashSlot(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bySlot[slot] == nil {
		m.bySlot[slot] = make(map[string][]byte)
	}
	m.bySlot[slot][string(key)] = value
}

// HighestBinlogID implements Store.
func (m *MemStore) HighestBinlogID() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.highest
}

// BinlogRange returns entries with id in (start, end], ascending by id,
// restricted to slots where slots.Test(entry.Slot) is true. A nil slots
// bitmap matches everything.
func (m *MemStore) BinlogRange(start, end uint64, slots *slotmap.Bitmap) []BinlogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]BinlogEntry, 0)
	for _, e := range m.binlog {
		if e.ID <= start || e.ID > end {
			continue
		}
		if slots != nil && !slots.Test(e.Slot) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// delete removes key from the live store regardless of any open snapshot.
func (m *MemStore) delete(key []byte) error {
	slot := slotmap.HashSlot(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bySlot[slot] != nil {
		delete(m.bySlot[slot], string(key))
	}
	return nil
}

// snapshotCopy returns a deep-enough copy of bySlot (new maps, shared value
// slices — values are never mutated in place) plus the live highest id at
// the moment of the call. Caller holds no lock; this acquires its own.
func (m *MemStore) snapshotCopy() ([slotmap.ClusterSlots]map[string][]byte, uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var snap [slotmap.ClusterSlots]map[string][]byte
	for slot, src := range m.bySlot {
		if len(src) == 0 {
			continue
		}
		cp := make(map[string][]byte, len(src))
		for k, v := range src {
			cp[k] = v
		}
		snap[slot] = cp
	}
	return snap, m.highest
}

// CreateTransaction implements Store.
func (m *MemStore) CreateTransaction() (Txn, error) {
	return &memTxn{store: m}, nil
}

type memTxn struct {
	store       *MemStore
	hasSnapshot bool
	snapBySlot  [slotmap.ClusterSlots]map[string][]byte
	snapHighest uint64
}

// SetSnapshot implements Txn.
func (t *memTxn) SetSnapshot() {
	t.snapBySlot, t.snapHighest = t.store.snapshotCopy()
	t.hasSnapshot = true
}

// MaxBinlogID implements Txn.
func (t *memTxn) MaxBinlogID() uint64 {
	if t.hasSnapshot {
		return t.snapHighest
	}
	return t.store.HighestBinlogID()
}

// CreateSlotsCursor implements Txn.
func (t *memTxn) CreateSlotsCursor(begin, end int) SlotCursor {
	records := make([]Record, 0)
	if t.hasSnapshot {
		for s := begin; s < end; s++ {
			records = append(records, sortedRecords(t.snapBySlot[s])...)
		}
	} else {
		t.store.mu.RLock()
		for s := begin; s < end; s++ {
			records = append(records, sortedRecords(t.store.bySlot[s])...)
		}
		t.store.mu.RUnlock()
	}
	return &sliceCursor{records: records}
}

// DelKV implements Txn.
func (t *memTxn) DelKV(key []byte) error {
	return t.store.delete(key)
}

// Commit implements Txn. The in-memory store applies writes as they
// happen (DelKV is immediate), so Commit has nothing left to do.
func (t *memTxn) Commit() error {
	return nil
}

func sortedRecords(m map[string][]byte) []Record {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Record, len(keys))
	for i, k := range keys {
		out[i] = Record{Key: []byte(k), Value: m[k]}
	}
	return out
}

type sliceCursor struct {
	records []Record
	idx     int
}

func (c *sliceCursor) Next() (Record, error) {
	if c.idx >= len(c.records) {
		return Record{}, ErrExhausted
	}
	r := c.records[c.idx]
	c.idx++
	return r, nil
}
