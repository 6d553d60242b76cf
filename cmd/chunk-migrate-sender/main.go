// Command chunk-migrate-sender drives one chunk migration against a
// running destination peer: it dials the destination, builds the local
// collaborators (store, cluster state, migration manager) from flags, and
// runs sender.SendChunk to completion.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"github.com/unkn0wn-root/chunkmigrate/clusterstate"
	"github.com/unkn0wn-root/chunkmigrate/migrateconfig"
	"github.com/unkn0wn-root/chunkmigrate/peerconn"
	"github.com/unkn0wn-root/chunkmigrate/repl"
	"github.com/unkn0wn-root/chunkmigrate/sender"
	"github.com/unkn0wn-root/chunkmigrate/slotmap"
	"github.com/unkn0wn-root/chunkmigrate/store"
)

func main() {
	var (
		srcID   = flag.String("src-id", "", "this node's id, as registered with the cluster")
		dstID   = flag.String("dst-id", "", "destination node's id, as registered with the cluster")
		dstAddr = flag.String("dst-addr", "", "destination address, host:port — one connection carries the snapshot, catch-up and cut-over streams")
		dstPub  = flag.String("dst-public", "", "public address to record for the destination node (defaults to dst-addr)")
		storeID = flag.Int("dst-store-id", 0, "destination shard/store id this migration targets")

		slotBits = flag.String("slots", "", "slot bitmap as a 16384-char '0'/'1' bit string (see slotmap.FromBitString)")
		slotLo   = flag.Int("slot-begin", -1, "first slot of a contiguous range (alternative to -slots)")
		slotHi   = flag.Int("slot-end", -1, "one past the last slot of a contiguous range (alternative to -slots)")

		dialTimeout = flag.Duration("dial-timeout", 5*time.Second, "timeout dialing the destination")
		seedCount   = flag.Int("seed", 0, "seed this many demo keys into the migrated slots before sending (0 = migrate an already-populated store)")
	)
	cfg := migrateconfig.Default()
	cfg.BindFlags(flag.CommandLine)
	flag.Parse()

	slots, err := parseSlots(*slotBits, *slotLo, *slotHi)
	if err != nil {
		log.Fatalf("[error] %v", err)
	}
	if *dstAddr == "" || *dstID == "" || *srcID == "" {
		log.Fatalf("[error] -src-id, -dst-id and -dst-addr are required")
	}
	if *dstPub == "" {
		*dstPub = *dstAddr
	}

	nc, err := net.DialTimeout("tcp", *dstAddr, *dialTimeout)
	if err != nil {
		log.Fatalf("[error] dial destination %s: %v", *dstAddr, err)
	}
	defer nc.Close()
	conn := peerconn.New(nc)

	ms := store.NewMemStore()
	if *seedCount > 0 {
		seedDemoKeys(ms, slots, *seedCount)
		log.Printf("[info] seeded %d demo keys across %d slots", *seedCount, slots.PopCount())
	}

	table := clusterstate.NewTable(
		clusterstate.Node{ID: clusterstate.NodeID(*srcID), Addr: ""},
		clusterstate.Node{ID: clusterstate.NodeID(*dstID), Addr: *dstPub},
	)
	slots.Range(func(slot int) bool { table.SetOwner(slot, clusterstate.NodeID(*srcID)); return true })
	locker := clusterstate.NewLocker()

	dst := peerconn.Destination{
		NodeID:  clusterstate.NodeID(*dstID),
		StoreID: *storeID,
		Addr:    *dstAddr,
		Conn:    conn,
	}

	logger := log.New(os.Stdout, "", log.LstdFlags)
	s := sender.New(slots, dst, ms, table, locker, repl.NewReplicator(conn), cfg, logger)

	logger.Printf("[info] migrating %d slots to %s (store %d) at %s", slots.PopCount(), *dstID, *storeID, *dstAddr)
	status, err := s.SendChunk()
	c := s.Counters()
	logger.Printf("[info] done: status=%s snapshotKeyNum=%d binlogNum=%d delNum=%d delFailures=%d consistent=%v",
		status, c.SnapshotKeyNum, c.BinlogNum, c.DelNum, c.DelFailures, c.Consistent())
	if err != nil {
		logger.Fatalf("[error] migration failed: kind=%s err=%v", s.FailKind(), err)
	}
}

func parseSlots(bits string, lo, hi int) (*slotmap.Bitmap, error) {
	if bits != "" {
		return slotmap.FromBitString(bits)
	}
	if lo < 0 || hi < 0 {
		return nil, fmt.Errorf("one of -slots or -slot-begin/-slot-end must be given")
	}
	bm := slotmap.New()
	for s := lo; s < hi; s++ {
		bm.Set(s)
	}
	return bm, nil
}

// seedDemoKeys populates the store with n keys scattered across the
// migrated slots, for exercising a migration without a separately running
// write workload.
func seedDemoKeys(ms *store.MemStore, slots *slotmap.Bitmap, n int) {
	targets := slots.Slots()
	if len(targets) == 0 {
		return
	}
	i := 0
	for seeded := 0; seeded < n; seeded++ {
		slot := targets[seeded%len(targets)]
		for tries := 0; tries < 200000; tries++ {
			k := []byte(fmt.Sprintf("demo-%d", i))
			i++
			if slotmap.HashSlot(k) == slot {
				ms.Seed(k, []byte(strings.Repeat("v", 16)))
				break
			}
		}
	}
}
