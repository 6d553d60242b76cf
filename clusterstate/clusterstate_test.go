package clusterstate

import (
	"errors"
	"testing"

	"github.com/unkn0wn-root/chunkmigrate/slotmap"
)

func TestTableSetSlotsAndNodeBySlot(t *testing.T) {
	tbl := NewTable(Node{ID: "src", Addr: "10.0.0.1:7000"}, Node{ID: "dst", Addr: "10.0.0.2:7000"})
	tbl.SetOwner(5, "src")

	if owner, ok := tbl.NodeBySlot(5); !ok || owner != "src" {
		t.Fatalf("NodeBySlot(5) = %q,%v want src,true", owner, ok)
	}

	slots := slotmap.New()
	slots.Set(5)
	if err := tbl.SetSlots("dst", slots); err != nil {
		t.Fatalf("SetSlots: %v", err)
	}
	if owner, ok := tbl.NodeBySlot(5); !ok || owner != "dst" {
		t.Fatalf("NodeBySlot(5) after SetSlots = %q,%v want dst,true", owner, ok)
	}
}

func TestTableSetSlotsUnknownNode(t *testing.T) {
	tbl := NewTable(Node{ID: "src", Addr: "a"})
	slots := slotmap.New()
	slots.Set(1)
	if err := tbl.SetSlots("ghost", slots); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("SetSlots with unknown node = %v, want ErrUnknownNode", err)
	}
}

func TestAllSlotsOwnedByFailsClosedOnPartialOwnership(t *testing.T) {
	tbl := NewTable(Node{ID: "dst", Addr: "a"})
	tbl.SetOwner(1, "dst")
	tbl.SetOwner(2, "someone-else")

	slots := slotmap.New()
	slots.Set(1)
	slots.Set(2)
	if tbl.AllSlotsOwnedBy("dst", slots) {
		t.Fatal("AllSlotsOwnedBy should be false when any slot is owned elsewhere")
	}

	slots2 := slotmap.New()
	slots2.Set(1)
	if !tbl.AllSlotsOwnedBy("dst", slots2) {
		t.Fatal("AllSlotsOwnedBy should be true when every requested slot is owned by dst")
	}
}

func TestLockerRejectsOverlap(t *testing.T) {
	l := NewLocker()
	a := slotmap.New()
	a.Set(1)
	a.Set(2)
	if err := l.LockChunks(a); err != nil {
		t.Fatalf("first LockChunks: %v", err)
	}

	b := slotmap.New()
	b.Set(2)
	b.Set(3)
	if err := l.LockChunks(b); !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("overlapping LockChunks = %v, want ErrAlreadyLocked", err)
	}

	c := slotmap.New()
	c.Set(3)
	if err := l.LockChunks(c); err != nil {
		t.Fatalf("disjoint LockChunks: %v", err)
	}
}

func TestLockerUnlockThenRelock(t *testing.T) {
	l := NewLocker()
	s := slotmap.New()
	s.Set(9)
	if err := l.LockChunks(s); err != nil {
		t.Fatalf("LockChunks: %v", err)
	}
	if err := l.UnlockChunks(s); err != nil {
		t.Fatalf("UnlockChunks: %v", err)
	}
	if err := l.LockChunks(s); err != nil {
		t.Fatalf("relock after unlock: %v", err)
	}
}

func TestLockerUnlockNotLocked(t *testing.T) {
	l := NewLocker()
	s := slotmap.New()
	s.Set(4)
	if err := l.UnlockChunks(s); !errors.Is(err, ErrNotLocked) {
		t.Fatalf("UnlockChunks on never-locked slots = %v, want ErrNotLocked", err)
	}
}
