package store

import (
	"testing"

	"github.com/unkn0wn-root/chunkmigrate/slotmap"
)

func drain(t *testing.T, c SlotCursor) []Record {
	t.Helper()
	var out []Record
	for {
		r, err := c.Next()
		if err == ErrExhausted {
			break
		}
		if err != nil {
			t.Fatalf("cursor.Next: %v", err)
		}
		out = append(out, r)
	}
	return out
}

func TestMemStoreSnapshotIsolation(t *testing.T) {
	s := NewMemStore()
	s.Seed([]byte("k1"), []byte("v1"))

	txn, err := s.CreateTransaction()
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	txn.SetSnapshot()

	// writes after the snapshot must not appear in the snapshot's cursor.
	s.ClientSet([]byte("k2"), []byte("v2"))

	slot := slotmap.HashSlot([]byte("k1"))
	cur := txn.CreateSlotsCursor(slot, slot+1)
	recs := drain(t, cur)
	for _, r := range recs {
		if string(r.Key) == "k2" {
			t.Fatal("snapshot cursor observed a write made after SetSnapshot")
		}
	}

	slot2 := slotmap.HashSlot([]byte("k2"))
	live, err := s.CreateTransaction()
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	liveRecs := drain(t, live.CreateSlotsCursor(slot2, slot2+1))
	found := false
	for _, r := range liveRecs {
		if string(r.Key) == "k2" {
			found = true
		}
	}
	if !found {
		t.Fatal("live (non-snapshot) cursor should observe post-snapshot write")
	}
}

func TestMemStoreBinlogRangeFiltersBySlot(t *testing.T) {
	s := NewMemStore()
	var inSlotKey, outSlotKey []byte
	// find two keys landing in different slots.
	for i := 0; ; i++ {
		k := []byte{byte(i)}
		if inSlotKey == nil {
			inSlotKey = k
			continue
		}
		if slotmap.HashSlot(k) != slotmap.HashSlot(inSlotKey) {
			outSlotKey = k
			break
		}
	}

	id1 := s.ClientSet(inSlotKey, []byte("a"))
	id2 := s.ClientSet(outSlotKey, []byte("b"))
	_ = id2

	bm := slotmap.New()
	bm.Set(slotmap.HashSlot(inSlotKey))

	entries := s.BinlogRange(0, s.HighestBinlogID(), bm)
	if len(entries) != 1 {
		t.Fatalf("BinlogRange returned %d entries, want 1", len(entries))
	}
	if entries[0].ID != id1 {
		t.Fatalf("BinlogRange entry id = %d, want %d", entries[0].ID, id1)
	}
}

func TestMemStoreBinlogRangeExclusiveLowerInclusiveUpper(t *testing.T) {
	s := NewMemStore()
	id1 := s.ClientSet([]byte("a"), []byte("1"))
	id2 := s.ClientSet([]byte("b"), []byte("2"))
	id3 := s.ClientSet([]byte("c"), []byte("3"))

	entries := s.BinlogRange(id1, id2, nil)
	if len(entries) != 1 || entries[0].ID != id2 {
		t.Fatalf("BinlogRange(%d,%d) = %v, want just id2", id1, id2, entries)
	}
	all := s.BinlogRange(0, id3, nil)
	if len(all) != 3 {
		t.Fatalf("BinlogRange(0,%d) returned %d entries, want 3", id3, len(all))
	}
}

func TestMemStoreDelKVRemovesLiveKeyRegardlessOfSnapshot(t *testing.T) {
	s := NewMemStore()
	key := []byte("to-delete")
	s.Seed(key, []byte("v"))

	txn, _ := s.CreateTransaction()
	txn.SetSnapshot()
	if err := txn.DelKV(key); err != nil {
		t.Fatalf("DelKV: %v", err)
	}

	live, _ := s.CreateTransaction()
	slot := slotmap.HashSlot(key)
	recs := drain(t, live.CreateSlotsCursor(slot, slot+1))
	for _, r := range recs {
		if string(r.Key) == string(key) {
			t.Fatal("DelKV did not remove key from live store")
		}
	}
}

func TestMemStoreHighestBinlogIDStartsZero(t *testing.T) {
	s := NewMemStore()
	if s.HighestBinlogID() != 0 {
		t.Fatalf("HighestBinlogID() = %d, want 0 on empty store", s.HighestBinlogID())
	}
	txn, _ := s.CreateTransaction()
	if txn.MaxBinlogID() != 0 {
		t.Fatal("MaxBinlogID on a store with no writes should be 0, not an error")
	}
}
