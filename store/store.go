// Package store defines the narrow collaborator interfaces the sender uses
// to read a point-in-time view of local data and to delete reclaimed keys,
// and ships a concrete in-process implementation (MemStore) that is real
// enough to drive a migration end-to-end and to test the sender against.
//
// The storage engine itself is out of scope here: this package models it
// as the narrow capability set the sender actually calls, the way
// cluster/membership.go models cluster membership as a small mutex-guarded
// map rather than a full gossip engine.
package store

import "errors"

// ErrExhausted is returned by SlotCursor.Next once iteration is complete.
// It is distinct from any other error so callers can tell "done" from
// "failed".
var ErrExhausted = errors.New("store: cursor exhausted")

// Record is a single key-value pair as stored, already encoded. The
// sender never interprets these bytes.
type Record struct {
	Key   []byte
	Value []byte
}

// SlotCursor yields records over a half-open slot range in storage-native
// order. Next returns ErrExhausted, distinct from a fault, once done.
type SlotCursor interface {
	Next() (Record, error)
}

// Txn is a storage transaction. SetSnapshot pins a point-in-time read view;
// without it, CreateSlotsCursor and MaxBinlogID observe the live store.
type Txn interface {
	// SetSnapshot freezes the transaction's read view to the store's state
	// at the moment of the call, and pins the binlog watermark MaxBinlogID
	// will report for the lifetime of this Txn.
	SetSnapshot()

	// CreateSlotsCursor returns a cursor over [begin, end).
	CreateSlotsCursor(begin, end int) SlotCursor

	// DelKV deletes a single key from the live store (not the snapshot
	// view, even if SetSnapshot was called). Used only during reclamation.
	DelKV(key []byte) error

	// Commit finalizes any writes issued through this Txn.
	Commit() error

	// MaxBinlogID returns the highest binlog id visible to this Txn: the
	// pinned watermark if SetSnapshot was called, otherwise the store's
	// current highest id. A store with no binlog entries yet reports 0.
	MaxBinlogID() uint64
}

// Store is the local storage shard the sender migrates data out of.
type Store interface {
	// CreateTransaction opens a new transaction against the live store.
	CreateTransaction() (Txn, error)

	// HighestBinlogID returns the highest binlog id assigned so far, or 0
	// if no writes have ever been recorded.
	HighestBinlogID() uint64
}
