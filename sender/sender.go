// Package sender implements the chunk migration sender: the sending side
// of a live slot-range hand-off between two cluster nodes, grounded in
// tendisplus/cluster/migrate_sender.cpp's ChunkMigrateSender. It composes
// the store, clusterstate, wire, peerconn and repl packages into one
// pipeline: slot iteration, snapshot shipping, binlog catch-up, cut-over,
// and reclamation.
package sender

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/unkn0wn-root/chunkmigrate/clusterstate"
	"github.com/unkn0wn-root/chunkmigrate/migrateconfig"
	"github.com/unkn0wn-root/chunkmigrate/peerconn"
	"github.com/unkn0wn-root/chunkmigrate/repl"
	"github.com/unkn0wn-root/chunkmigrate/slotmap"
	"github.com/unkn0wn-root/chunkmigrate/store"
	"github.com/unkn0wn-root/chunkmigrate/wire"
)

// Sender drives one migration from construction to a terminal Status. A
// Sender is used once: discard it after SendChunk returns.
type Sender struct {
	slots *slotmap.Bitmap
	dst   peerconn.Destination

	store   store.Store
	cluster clusterstate.ClusterState
	manager clusterstate.MigrateManager
	repl    repl.BinlogReplicator
	cfg     migrateconfig.Config
	logger  *log.Logger

	mu       sync.Mutex
	status   Status
	failKind Kind
	counters Counters

	curBinlogID uint64
	endBinlogID uint64
	locked      bool
}

// New returns a Sender for one migration of slots to dst. All collaborator
// interfaces are injected for a cycle-free composition: storage, cluster
// state, the migration manager and the binlog replicator are the only
// external capabilities the sender touches.
func New(
	slots *slotmap.Bitmap,
	dst peerconn.Destination,
	st store.Store,
	cs clusterstate.ClusterState,
	mgr clusterstate.MigrateManager,
	rep repl.BinlogReplicator,
	cfg migrateconfig.Config,
	logger *log.Logger,
) *Sender {
	if logger == nil {
		logger = log.Default()
	}
	return &Sender{
		slots:   slots,
		dst:     dst,
		store:   st,
		cluster: cs,
		manager: mgr,
		repl:    rep,
		cfg:     cfg,
		logger:  logger,
	}
}

// SenderStatus returns the current status.
func (s *Sender) SenderStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Counters returns a snapshot of the audit counters. The caller has no
// guarantee of seeing the latest values before SendChunk returns; this is
// provided for post-terminal inspection and tests.
func (s *Sender) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// FailKind reports the Kind a failed migration ended with. It is KindOK
// until SendChunk records a Failed status together with its Kind. There is
// no exported status setter: only SendChunk changes the status.
func (s *Sender) FailKind() Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failKind
}

// BinlogWatermark returns the (curBinlogId, endBinlogId) pair. endBinlogId
// is set on every converged exit from the catch-up loop, not only the
// "already caught up" path.
func (s *Sender) BinlogWatermark() (cur, end uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curBinlogID, s.endBinlogID
}

func (s *Sender) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *Sender) setFailed(kind Kind) {
	s.mu.Lock()
	s.status = Failed
	s.failKind = kind
	s.mu.Unlock()
}

// SendChunk runs the migration to completion, blocking until a terminal
// status is reached. It is not safe to call twice on the same Sender.
func (s *Sender) SendChunk() (Status, error) {
	if st := s.SenderStatus(); st == MetachangeDone || st == Failed {
		return st, ErrAlreadyTerminal
	}

	snapTxn, err := s.store.CreateTransaction()
	if err != nil {
		s.setFailed(KindInternal)
		return Failed, newErr(KindInternal, "create snapshot transaction", err)
	}

	// The watermark is read from the live store before the snapshot is
	// taken, preserving migrate_sender.cpp's sendSnapshot ordering: the
	// snapshot's own view of "highest" would otherwise already be frozen
	// by the time we read it.
	s.curBinlogID = s.store.HighestBinlogID()
	snapTxn.SetSnapshot()

	if err := s.sendSnapshot(snapTxn); err != nil {
		s.setFailed(kindOf(err))
		return Failed, err
	}
	s.setStatus(SnapshotDone)

	// Catch-up and cut-over query a second, non-snapshot transaction for
	// the current binlog head: migrate_sender.cpp's getMaxBinLog reads
	// through a freshly opened txn on every call, not the frozen snapshot
	// watermark, so the loop actually tracks the live head as it moves.
	catchupTxn, err := s.store.CreateTransaction()
	if err != nil {
		s.setFailed(KindInternal)
		return Failed, newErr(KindInternal, "create catch-up transaction", err)
	}

	converged, err := s.catchupBinlog(catchupTxn)
	if err != nil {
		s.setFailed(kindOf(err))
		return Failed, err
	}
	if !converged {
		s.setFailed(KindTimeout)
		return Failed, newErr(KindTimeout, "binlog catch-up did not converge", nil)
	}
	s.setStatus(BinlogDone)

	if err := s.cutOver(catchupTxn); err != nil {
		s.setFailed(kindOf(err))
		return Failed, err
	}
	s.setStatus(MetachangeDone)

	// Reclamation runs after the flip is already durable and is treated
	// as an optimization, not a correctness step, so its failures are
	// logged, not propagated as a sender-level failure.
	if err := s.reclaim(); err != nil {
		s.logger.Printf("[warn] reclamation error after successful migration: %v", err)
	}

	return MetachangeDone, nil
}

func kindOf(err error) Kind {
	if se, ok := err.(*Error); ok {
		return se.Kind
	}
	return KindInternal
}

// sendSnapshot iterates every set slot in ascending order (via
// txn.CreateSlotsCursor), acking every BatchSize records and at every slot
// boundary, then a final end-of-snapshot ack.
func (s *Sender) sendSnapshot(txn store.Txn) error {
	for _, slot := range s.slots.Slots() {
		if err := s.sendSlot(txn, slot); err != nil {
			return err
		}
	}

	if err := s.dst.Conn.WriteTag(wire.TagSnapshotEnd, s.cfg.FinalAckTimeout); err != nil {
		return newErr(KindNetwork, "write snapshot-end tag", err)
	}
	if err := s.awaitAck(s.cfg.FinalAckTimeout); err != nil {
		return err
	}
	return nil
}

func (s *Sender) sendSlot(txn store.Txn, slot int) error {
	cursor := txn.CreateSlotsCursor(slot, slot+1)
	batch := 0
	for {
		rec, err := cursor.Next()
		if err == store.ErrExhausted {
			break
		}
		if err != nil {
			return newErr(KindInternal, fmt.Sprintf("slot cursor for slot %d", slot), err)
		}

		frame := wire.EncodeRecord(rec.Key, rec.Value)
		if err := s.dst.Conn.WriteFrame(frame, s.cfg.BatchAckTimeout); err != nil {
			return newErr(KindNetwork, "write record", err)
		}
		s.mu.Lock()
		s.counters.SnapshotKeyNum++
		s.mu.Unlock()
		batch++

		if batch >= s.cfg.BatchSize {
			if err := s.dst.Conn.WriteTag(wire.TagBatch, s.cfg.BatchAckTimeout); err != nil {
				return newErr(KindNetwork, "write batch tag", err)
			}
			if err := s.awaitAck(s.cfg.BatchAckTimeout); err != nil {
				return err
			}
			batch = 0
		}
	}

	if err := s.dst.Conn.WriteTag(wire.TagSlotEnd, s.cfg.BatchAckTimeout); err != nil {
		return newErr(KindNetwork, "write slot-end tag", err)
	}
	return s.awaitAck(s.cfg.BatchAckTimeout)
}

// awaitAck reads one line and requires it to be exactly "+OK": any other
// reply is an internal error, not a network one, mirroring the original's
// ERR_INTERNAL on a non-+OK ack.
func (s *Sender) awaitAck(timeout time.Duration) error {
	line, err := s.dst.Conn.ReadLine(timeout)
	if err != nil {
		return newErr(KindNetwork, "read ack", err)
	}
	if line != wire.AckOK {
		return newErr(KindInternal, fmt.Sprintf("ack was %q, want %q", line, wire.AckOK), nil)
	}
	return nil
}

// catchupBinlog is the convergence loop, bounded by cfg.CatchupMaxIterations.
func (s *Sender) catchupBinlog(txn store.Txn) (converged bool, err error) {
	start := s.curBinlogID
	end := s.store.HighestBinlogID()

	for iter := 0; iter < s.cfg.CatchupMaxIterations; iter++ {
		entries := s.fetchBinlogRange(txn, start, end)
		if len(entries) > 0 {
			if _, err := s.repl.Pull(entries, s.cfg.TimeoutBinlogWaitRsp); err != nil {
				return false, newErr(KindNetwork, "binlog catch-up pull", err)
			}
		}
		s.mu.Lock()
		s.counters.BinlogNum += uint64(len(entries))
		s.mu.Unlock()

		start = end
		end = s.store.HighestBinlogID()

		maxBinlogID := txn.MaxBinlogID()
		if maxBinlogID < start {
			maxBinlogID = start
		}
		if maxBinlogID-start < s.cfg.MigrateDistance {
			s.curBinlogID = start
			s.endBinlogID = maxBinlogID
			return true, nil
		}
	}
	return false, nil
}

// fetchBinlogRange is a seam the narrow store.Store/Txn interfaces don't
// expose directly; a real deployment would source this from a binlog
// cursor or the replication primitive's own range query, both external to
// this module. This module's store.MemStore exposes BinlogRange for the
// purpose; a type assertion keeps sender decoupled from that concrete
// type for any other store.Store implementation, falling back to an
// empty range.
func (s *Sender) fetchBinlogRange(txn store.Txn, start, end uint64) []store.BinlogEntry {
	type ranger interface {
		BinlogRange(start, end uint64, slots *slotmap.Bitmap) []store.BinlogEntry
	}
	if r, ok := s.store.(ranger); ok {
		return r.BinlogRange(start, end, s.slots)
	}
	return nil
}

// cutOver runs the cut-over handshake: lock, final drain, migrateend,
// ownership flip, unlock.
func (s *Sender) cutOver(txn store.Txn) error {
	if err := s.manager.LockChunks(s.slots); err != nil {
		return newErr(KindCluster, "lock chunks", err)
	}
	s.locked = true

	end := s.store.HighestBinlogID()
	if s.curBinlogID < end {
		entries := s.fetchBinlogRange(txn, s.curBinlogID, end)
		if len(entries) > 0 {
			if _, err := s.repl.Pull(entries, s.cfg.TimeoutBinlogWaitRsp); err != nil {
				s.unlockBestEffort()
				return newErr(KindNetwork, "final binlog drain", err)
			}
			s.mu.Lock()
			s.counters.BinlogNum += uint64(len(entries))
			s.mu.Unlock()
		}
		s.curBinlogID = end
	}

	if _, ok := s.cluster.LookupNode(s.dst.NodeID); !ok {
		s.unlockBestEffort()
		return newErr(KindCluster, "destination node not found in cluster state", nil)
	}

	cmd := wire.EncodeMigrateEnd(s.slots, s.dst.StoreID)
	if err := s.dst.Conn.WriteFrame(cmd, s.cfg.TimeoutBinlogWaitRsp); err != nil {
		s.unlockBestEffort()
		return newErr(KindNetwork, "write migrateend", err)
	}

	// Post-write ownership check: if cluster state already shows the
	// destination owning every migrated slot, a prior flip won the race
	// and the ack wait is skipped entirely.
	if s.cluster.AllSlotsOwnedBy(s.dst.NodeID, s.slots) {
		if err := s.unlock(); err != nil {
			return newErr(KindCluster, "unlock after out-of-band convergence", err)
		}
		return nil
	}

	line, err := s.dst.Conn.ReadLine(s.cfg.TimeoutBinlogWaitRsp)
	if err != nil {
		s.unlockBestEffort()
		return newErr(KindCluster, "missing package", err)
	}
	if line != wire.AckOK {
		s.unlockBestEffort()
		return newErr(KindNetwork, fmt.Sprintf("migrateend nacked: %q", line), nil)
	}

	if err := s.cluster.SetSlots(s.dst.NodeID, s.slots); err != nil {
		s.unlockBestEffort()
		return newErr(KindCluster, "set slots", err)
	}

	if err := s.unlock(); err != nil {
		return newErr(KindCluster, "unlock after flip", err)
	}
	return nil
}

func (s *Sender) unlock() error {
	if !s.locked {
		return nil
	}
	if err := s.manager.UnlockChunks(s.slots); err != nil {
		return err
	}
	s.locked = false
	return nil
}

// unlockBestEffort releases the slot lock on a failure path, logging (not
// returning) any unlock error itself — the original error the caller is
// already returning takes precedence. Every failure path reached after
// the lock is acquired must unlock.
func (s *Sender) unlockBestEffort() {
	if err := s.unlock(); err != nil {
		s.logger.Printf("[error] failed to unlock slots on cut-over failure path: %v", err)
	}
}

// reclaim runs per-slot delete-and-commit with a lenient delKV failure
// count, preserving the original's tolerant behavior.
func (s *Sender) reclaim() error {
	for _, slot := range s.slots.Slots() {
		if err := s.reclaimSlot(slot); err != nil {
			return err
		}
	}

	s.mu.Lock()
	consistent := s.counters.Consistent()
	c := s.counters
	s.mu.Unlock()
	if !consistent {
		s.logger.Printf("[warn] migration consistency predicate violated: delNum=%d snapshotKeyNum=%d binlogNum=%d",
			c.DelNum, c.SnapshotKeyNum, c.BinlogNum)
	}
	return nil
}

func (s *Sender) reclaimSlot(slot int) error {
	txn, err := s.store.CreateTransaction()
	if err != nil {
		return newErr(KindInternal, fmt.Sprintf("open reclaim transaction for slot %d", slot), err)
	}

	// Iterating this txn's own (non-snapshot) cursor, not the migration's
	// snapshot view: reclamation must delete everything currently in the
	// slot, including keys the binlog catch-up replicated after the
	// snapshot was taken.
	cursor := txn.CreateSlotsCursor(slot, slot+1)
	for {
		rec, err := cursor.Next()
		if err == store.ErrExhausted {
			break
		}
		if err != nil {
			return newErr(KindInternal, fmt.Sprintf("reclaim cursor for slot %d", slot), err)
		}
		if err := txn.DelKV(rec.Key); err != nil {
			s.mu.Lock()
			s.counters.DelFailures++
			s.mu.Unlock()
			s.logger.Printf("[warn] delKV failed for a key in slot %d: %v", slot, err)
			continue
		}
		s.mu.Lock()
		s.counters.DelNum++
		s.mu.Unlock()
	}

	if err := txn.Commit(); err != nil {
		return newErr(KindInternal, fmt.Sprintf("commit reclaim transaction for slot %d", slot), err)
	}
	return nil
}
