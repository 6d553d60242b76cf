// Command chunk-migrate-bench drives N chunk migrations against in-process
// fake destinations under synthetic concurrent write load, and reports how
// each migration's counters and wall-clock time held up. It stands up no
// real network listener: every migration gets its own net.Pipe pair and a
// destination goroutine that always acks, so the load is purely the
// sender's own work plus lock contention between concurrent migrations.
// The destination goroutine reads the one shared connection's leading tag
// byte on every frame and dispatches between the snapshot/cut-over
// protocol and repl's binlog catch-up protocol, mirroring how a real
// destination demultiplexes both streams off the single wire connection.
package main

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/chunkmigrate/clusterstate"
	"github.com/unkn0wn-root/chunkmigrate/migrateconfig"
	"github.com/unkn0wn-root/chunkmigrate/peerconn"
	"github.com/unkn0wn-root/chunkmigrate/repl"
	"github.com/unkn0wn-root/chunkmigrate/sender"
	"github.com/unkn0wn-root/chunkmigrate/slotmap"
	"github.com/unkn0wn-root/chunkmigrate/store"
	"github.com/unkn0wn-root/chunkmigrate/wire"
)

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getenvInt(k string, d int) int {
	v, err := strconv.Atoi(getenv(k, ""))
	if err != nil {
		return d
	}
	return v
}

func percentile(vals []int64, p float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	cp := append([]int64(nil), vals...)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	rank := p * float64(len(cp)-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= len(cp) {
		return float64(cp[lo])
	}
	frac := rank - float64(lo)
	return float64(cp[lo])*(1-frac) + float64(cp[hi])*frac
}

type result struct {
	status     sender.Status
	durationUs int64
	counters   sender.Counters
	consistent bool
}

func main() {
	migrations := getenvInt("MIGRATIONS", 20)
	conc := getenvInt("CONCURRENCY", 4)
	seedKeys := getenvInt("SEED_KEYS", 500)
	writersPerMigration := getenvInt("WRITERS", 4)
	writeBurst := getenvInt("WRITE_BURST", 300)

	log.Printf("[info] running %d migrations, concurrency=%d, seedKeys=%d, writers=%d, writeBurst=%d",
		migrations, conc, seedKeys, writersPerMigration, writeBurst)

	results := make([]result, migrations)
	sem := make(chan struct{}, conc)
	var wg sync.WaitGroup
	var completed int64

	start := time.Now()
	for i := 0; i < migrations; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = runOneMigration(idx, seedKeys, writersPerMigration, writeBurst)
			n := atomic.AddInt64(&completed, 1)
			if n%10 == 0 || int(n) == migrations {
				log.Printf("[progress] %d/%d migrations done", n, migrations)
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	printSummary(results, elapsed)
}

func runOneMigration(idx, seedKeys, writers, writeBurst int) result {
	slot := idx % slotmap.ClusterSlots
	ms := store.NewMemStore()

	seeded := 0
	for i := 0; seeded < seedKeys; i++ {
		k := []byte(fmt.Sprintf("bench-%d-seed-%d", idx, i))
		if slotmap.HashSlot(k) == slot {
			ms.Seed(k, []byte("v"))
			seeded++
		}
	}

	slots := slotmap.New()
	slots.Set(slot)

	table := clusterstate.NewTable(
		clusterstate.Node{ID: "src", Addr: "bench-src"},
		clusterstate.Node{ID: "dst", Addr: "bench-dst"},
	)
	table.SetOwner(slot, "src")
	locker := clusterstate.NewLocker()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go serveMigration(server, func(_ store.BinlogEntry) error { return nil })

	conn := peerconn.New(client)
	dst := peerconn.Destination{NodeID: "dst", StoreID: idx, Addr: "bench-dst", Conn: conn}
	cfg := migrateconfig.Default()
	cfg.BatchAckTimeout = 10 * time.Second
	cfg.FinalAckTimeout = 10 * time.Second
	cfg.TimeoutBinlogWaitRsp = 10 * time.Second
	quiet := log.New(io.Discard, "", 0)
	s := sender.New(slots, dst, ms, table, locker, repl.NewReplicator(conn), cfg, quiet)

	liveKeys := make([][]byte, writeBurst)
	for i := range liveKeys {
		for j := 0; ; j++ {
			k := []byte(fmt.Sprintf("bench-%d-live-%d-%d", idx, i, j))
			if slotmap.HashSlot(k) == slot {
				liveKeys[i] = k
				break
			}
		}
	}

	stop := make(chan struct{})
	var writeWg sync.WaitGroup
	for w := 0; w < writers; w++ {
		writeWg.Add(1)
		go func(w int) {
			defer writeWg.Done()
			for i := w; i < len(liveKeys); i += writers {
				select {
				case <-stop:
					return
				default:
				}
				ms.ClientSet(liveKeys[i], []byte("v2"))
			}
		}(w)
	}

	begin := time.Now()
	status, _ := s.SendChunk()
	close(stop)
	writeWg.Wait()
	dur := time.Since(begin)

	c := s.Counters()
	return result{
		status:     status,
		durationUs: dur.Microseconds(),
		counters:   c,
		consistent: c.Consistent(),
	}
}

// serveMigration acks every batch, slot-end and snapshot-end tag and every migrateend
// unconditionally and answers every binlog catch-up pull through
// repl.ServeFrame, the least a destination can do to let a migration
// converge under load. All three protocols share conn, dispatched by
// their leading tag byte: wire's record/batch/slot-end/snapshot-end tags
// and '*' for migrateend, repl.PullFrameTag for a catch-up pull.
func serveMigration(conn net.Conn, apply repl.ApplyFunc) {
	r := bufio.NewReaderSize(conn, 64<<10)
	w := bufio.NewWriterSize(conn, 64<<10)
	for {
		tag, err := r.ReadByte()
		if err != nil {
			return
		}
		switch tag {
		case wire.TagRecord:
			if _, err := readLenPrefixed(r); err != nil {
				return
			}
			if _, err := readLenPrefixed(r); err != nil {
				return
			}
		case wire.TagBatch, wire.TagSlotEnd, wire.TagSnapshotEnd:
			if _, err := w.WriteString(wire.AckOK + "\r\n"); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		case repl.PullFrameTag:
			if err := repl.ServeFrame(r, w, apply); err != nil {
				return
			}
		case '*':
			if err := drainMigrateEnd(r); err != nil {
				return
			}
			_, _ = w.WriteString("+OK\r\n")
			_ = w.Flush()
			return
		default:
			return
		}
	}
}

func readLenPrefixed(r *bufio.Reader) ([]byte, error) {
	var lb [4]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lb[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// drainMigrateEnd consumes the RESP-style "*3\r\n$n\r\n...\r\n" migrateend
// command without validating its payload: this harness only needs to know
// the command ended so it can reply.
func drainMigrateEnd(r *bufio.Reader) error {
	if _, err := r.ReadString('\n'); err != nil { // "3\r\n"
		return err
	}
	for i := 0; i < 3; i++ {
		line, err := r.ReadString('\n')
		if err != nil {
			return err
		}
		n, err := strconv.Atoi(trimCRLF(line)[1:])
		if err != nil {
			return err
		}
		buf := make([]byte, n+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
	}
	return nil
}

func trimCRLF(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func printSummary(results []result, elapsed time.Duration) {
	var durations []int64
	done, failed, inconsistent := 0, 0, 0
	var totalSnap, totalBinlog, totalDel uint64

	for _, r := range results {
		durations = append(durations, r.durationUs)
		if r.status == sender.MetachangeDone {
			done++
		} else {
			failed++
		}
		if !r.consistent {
			inconsistent++
		}
		totalSnap += r.counters.SnapshotKeyNum
		totalBinlog += r.counters.BinlogNum
		totalDel += r.counters.DelNum
	}

	p50 := percentile(durations, 0.50) / 1000
	p95 := percentile(durations, 0.95) / 1000
	p99 := percentile(durations, 0.99) / 1000

	fmt.Println("=== Chunk Migration Bench Summary ===")
	fmt.Printf("Total migrations: %d | Completed: %d | Failed: %d | Inconsistent: %d\n", len(results), done, failed, inconsistent)
	fmt.Printf("Wall clock: %v\n", elapsed)
	fmt.Printf("Per-migration duration: p50=%.2fms p95=%.2fms p99=%.2fms\n", p50, p95, p99)
	fmt.Printf("Aggregate counters: snapshotKeyNum=%d binlogNum=%d delNum=%d\n", totalSnap, totalBinlog, totalDel)
}
