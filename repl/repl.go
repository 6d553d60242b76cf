// Package repl ships binlog catch-up batches to a migration destination.
// Its frames are CBOR behind a 1-byte tag plus a 4-byte length prefix —
// the tag lets a caller multiplex this traffic onto the same connection
// as the snapshot/cut-over protocol (see peerconn.Conn.ReadTag), since
// the wire contract is one connection end to end, not one per stream.
package repl

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	cbor "github.com/fxamacker/cbor/v2"

	"github.com/unkn0wn-root/chunkmigrate/peerconn"
	"github.com/unkn0wn-root/chunkmigrate/store"
)

// ErrNoProgress is returned by Replicator.Pull when the destination
// acknowledges the pull but reports applying zero entries from a
// non-empty batch, a signal the caller treats like a network fault rather
// than silently looping: the catch-up loop must make progress or bail
// once its iteration budget runs out.
var ErrNoProgress = errors.New("repl: destination made no progress")

// PullFrameTag is the leading byte of every pull request/response frame,
// read with peerconn.Conn.ReadTag before the length-prefixed CBOR body.
// It shares the single-byte-tag idiom the snapshot stream's record/batch/
// end tags use, chosen so it never collides with them or with the
// migrateend command's leading '*': those are '0', '1', '2', '3', '*';
// this is 'P'.
const PullFrameTag byte = 'P'

// pullMsgType tags a pull request/response frame's header, separate from
// PullFrameTag: PullFrameTag lets a multiplexed reader dispatch before
// decoding, pullMsgType is carried inside the decoded CBOR payload itself.
// It repurposes the numeric value of an otherwise-unused MTMigratePull
// tag from a cluster peer-protocol's message-type enum, so a frame built
// here stays byte-compatible with how a cluster-aware node would decode
// that tag, without linking against that package to get it.
const pullMsgType = 15

// pullHeader is the tagged-union header every pull frame carries: a
// message type byte and a correlation id, so a request and its response
// can be matched even though the catch-up loop never pipelines more than
// one pull at a time.
type pullHeader struct {
	T  uint8  `cbor:"t"`
	ID uint64 `cbor:"id"`
}

// pullRequest is the binlog catch-up batch sent to the destination.
type pullRequest struct {
	pullHeader
	Entries []wireEntry `cbor:"entries"`
}

// pullResponse is the destination's acknowledgement.
type pullResponse struct {
	pullHeader
	Applied int    `cbor:"applied"`
	Err     string `cbor:"err,omitempty"`
}

// wireEntry is store.BinlogEntry's wire shape.
type wireEntry struct {
	ID        uint64 `cbor:"i"`
	Slot      int    `cbor:"s"`
	Key       []byte `cbor:"k"`
	Value     []byte `cbor:"v"`
	Tombstone bool   `cbor:"tb"`
}

func toWire(e store.BinlogEntry) wireEntry {
	return wireEntry{ID: e.ID, Slot: e.Slot, Key: e.Key, Value: e.Value, Tombstone: e.Tombstone}
}

func fromWire(w wireEntry) store.BinlogEntry {
	return store.BinlogEntry{ID: w.ID, Slot: w.Slot, Key: w.Key, Value: w.Value, Tombstone: w.Tombstone}
}

// BinlogReplicator ships a batch of binlog entries to the migration
// destination and reports how many it applied. It is the sender's only
// collaborator for binlog catch-up; a real implementation talks to a peer
// node, a fake can just apply to an in-process store for tests.
type BinlogReplicator interface {
	Pull(entries []store.BinlogEntry, timeout time.Duration) (applied int, err error)
}

// Replicator is a BinlogReplicator that ships entries over the same
// peerconn.Conn the snapshot/cut-over stream uses, without the
// request/response multiplexing a general peer transport would need (the
// catch-up loop never has more than one pull in flight at a time, so a
// correlation id map would be unused machinery).
type Replicator struct {
	conn   *peerconn.Conn
	nextID uint64
}

// NewReplicator wraps the connection to the destination. Sharing the
// Conn with the sender's snapshot/cut-over traffic is deliberate: the
// wire contract is a single connection, and the sender's own phase
// machine already guarantees snapshot, catch-up and cut-over never
// overlap, so there is nothing to actually multiplex concurrently —
// only to tag, so each side's reader knows which framing comes next.
func NewReplicator(conn *peerconn.Conn) *Replicator {
	return &Replicator{conn: conn}
}

// Pull implements BinlogReplicator.
func (r *Replicator) Pull(entries []store.BinlogEntry, timeout time.Duration) (int, error) {
	r.nextID++
	wireEntries := make([]wireEntry, len(entries))
	for i, e := range entries {
		wireEntries[i] = toWire(e)
	}
	req := pullRequest{
		pullHeader: pullHeader{T: pullMsgType, ID: r.nextID},
		Entries:    wireEntries,
	}
	raw, err := cbor.Marshal(req)
	if err != nil {
		return 0, fmt.Errorf("repl: encode pull: %w", err)
	}

	frame := make([]byte, 0, 1+4+len(raw))
	frame = append(frame, PullFrameTag)
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(raw)))
	frame = append(frame, hdr[:]...)
	frame = append(frame, raw...)
	if err := r.conn.WriteFrame(frame, timeout); err != nil {
		return 0, fmt.Errorf("repl: send pull: %w", err)
	}

	tag, err := r.conn.ReadTag(timeout)
	if err != nil {
		return 0, fmt.Errorf("repl: read pull response tag: %w", err)
	}
	if tag != PullFrameTag {
		return 0, fmt.Errorf("repl: unexpected response tag %q, want %q", tag, PullFrameTag)
	}
	lenBytes, err := r.conn.ReadN(4, timeout)
	if err != nil {
		return 0, fmt.Errorf("repl: read pull response length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBytes)
	respRaw, err := r.conn.ReadN(int(n), timeout)
	if err != nil {
		return 0, fmt.Errorf("repl: read pull response: %w", err)
	}

	var resp pullResponse
	if err := cbor.Unmarshal(respRaw, &resp); err != nil {
		return 0, fmt.Errorf("repl: decode pull response: %w", err)
	}
	if resp.Err != "" {
		return 0, fmt.Errorf("repl: destination reported error: %s", resp.Err)
	}
	if len(entries) > 0 && resp.Applied == 0 {
		return 0, ErrNoProgress
	}
	return resp.Applied, nil
}

// ApplyFunc applies one pulled binlog entry into a destination
// store.MemStore-like target. It lets tests and the destination-side listener share one
// frame-handling loop while keeping the actual apply semantics pluggable.
type ApplyFunc func(store.BinlogEntry) error

// Serve runs the destination side of the catch-up protocol on conn until
// it is closed or apply returns a non-nil error, which Serve treats as
// fatal and returns. It is the counterpart to Replicator.Pull, provided so
// a full sender/destination pair can be exercised without a real second
// node process. It assumes the whole connection is pull traffic; a
// destination multiplexing this with the snapshot/cut-over stream on one
// connection instead dispatches on the leading tag itself and calls
// ServeFrame once it sees PullFrameTag.
func Serve(conn net.Conn, apply ApplyFunc) error {
	r := bufio.NewReaderSize(conn, 64<<10)
	w := bufio.NewWriterSize(conn, 64<<10)
	for {
		tag, err := r.ReadByte()
		if err != nil {
			return err
		}
		if tag != PullFrameTag {
			return fmt.Errorf("repl: unexpected frame tag %q", tag)
		}
		if err := ServeFrame(r, w, apply); err != nil {
			return err
		}
	}
}

// ServeFrame reads one pull request's length-prefixed CBOR body from r
// (the caller having already consumed its PullFrameTag), applies its
// entries, and writes the tagged response to w. Exported so a destination
// that multiplexes pull frames with other framing on one shared
// bufio.Reader/Writer pair — rather than owning the whole connection the
// way Serve does — can dispatch to it by tag and keep reading afterward.
func ServeFrame(r *bufio.Reader, w *bufio.Writer, apply ApplyFunc) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return err
	}

	var req pullRequest
	if err := cbor.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("repl: decode pull request: %w", err)
	}

	applied := 0
	var applyErr error
	for _, we := range req.Entries {
		if err := apply(fromWire(we)); err != nil {
			applyErr = err
			break
		}
		applied++
	}

	resp := pullResponse{pullHeader: pullHeader{T: pullMsgType, ID: req.ID}, Applied: applied}
	if applyErr != nil {
		resp.Err = applyErr.Error()
	}
	respRaw, err := cbor.Marshal(resp)
	if err != nil {
		return fmt.Errorf("repl: encode pull response: %w", err)
	}
	if _, err := w.Write([]byte{PullFrameTag}); err != nil {
		return err
	}
	var rl [4]byte
	binary.BigEndian.PutUint32(rl[:], uint32(len(respRaw)))
	if _, err := w.Write(rl[:]); err != nil {
		return err
	}
	if _, err := w.Write(respRaw); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if applyErr != nil {
		return applyErr
	}
	return nil
}
