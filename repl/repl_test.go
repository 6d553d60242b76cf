package repl

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/unkn0wn-root/chunkmigrate/peerconn"
	"github.com/unkn0wn-root/chunkmigrate/store"
)

func TestPullAppliesEntriesAtDestination(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	var mu sync.Mutex
	var applied []store.BinlogEntry
	go func() {
		_ = Serve(server, func(e store.BinlogEntry) error {
			mu.Lock()
			applied = append(applied, e)
			mu.Unlock()
			return nil
		})
	}()

	r := NewReplicator(peerconn.New(client))
	entries := []store.BinlogEntry{
		{ID: 1, Slot: 3, Key: []byte("a"), Value: []byte("1")},
		{ID: 2, Slot: 3, Key: []byte("b"), Value: []byte("2")},
	}
	n, err := r.Pull(entries, time.Second)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if n != 2 {
		t.Fatalf("applied = %d, want 2", n)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(applied) != 2 || string(applied[0].Key) != "a" || string(applied[1].Key) != "b" {
		t.Fatalf("unexpected applied entries: %+v", applied)
	}
}

func TestPullEmptyBatchReturnsZeroNoError(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_ = Serve(server, func(store.BinlogEntry) error { return nil })
	}()

	r := NewReplicator(peerconn.New(client))
	n, err := r.Pull(nil, time.Second)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if n != 0 {
		t.Fatalf("applied = %d, want 0", n)
	}
}

func TestPullPropagatesApplyFailureAsErr(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	boom := errors.New("disk full")
	go func() {
		_ = Serve(server, func(store.BinlogEntry) error { return boom })
	}()

	r := NewReplicator(peerconn.New(client))
	_, err := r.Pull([]store.BinlogEntry{{ID: 1, Slot: 0, Key: []byte("x")}}, time.Second)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestPullTimesOutWhenDestinationNeverResponds(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	// no Serve goroutine reading: the write itself blocks on net.Pipe
	// until a reader drains it, so a short deadline must still surface
	// as an error rather than hang the test.

	r := NewReplicator(peerconn.New(client))
	_, err := r.Pull([]store.BinlogEntry{{ID: 1, Slot: 0, Key: []byte("x")}}, 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
}
