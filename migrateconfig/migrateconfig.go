// Package migrateconfig holds the tunables a chunk migration sender reads
// at construction time: a plain struct, a Default() constructor seeding
// sane values, and flag-binding for the cmd binaries.
package migrateconfig

import (
	"flag"
	"time"
)

// Config bundles the sender's two caller-tunable knobs plus the wire
// protocol's design constants. The constants are left mutable here, not
// declared as untyped consts, so tests can shrink them (a 100s batch-ack
// timeout is not something a unit test should wait out).
type Config struct {
	// MigrateDistance is D, the convergence threshold for the binlog
	// catch-up loop: once the residual lag drops below this many
	// entries, the sender takes the slot lock and cuts over.
	MigrateDistance uint64

	// TimeoutBinlogWaitRsp bounds how long the cut-over handshake waits
	// for the destination's migrateend ack.
	TimeoutBinlogWaitRsp time.Duration

	// BatchSize is the snapshot record count per batch-ack point.
	BatchSize int

	// BatchAckTimeout bounds each batch's "+OK" wait.
	BatchAckTimeout time.Duration

	// FinalAckTimeout bounds the end-of-snapshot "+OK" wait.
	FinalAckTimeout time.Duration

	// CatchupMaxIterations bounds the binlog catch-up loop.
	CatchupMaxIterations int
}

// Default returns baked-in constants with a migrate distance and ack
// timeout suitable for a lightly loaded cluster; both are expected to be
// tuned per deployment.
func Default() Config {
	return Config{
		MigrateDistance:      1000,
		TimeoutBinlogWaitRsp: 30 * time.Second,
		BatchSize:            1000,
		BatchAckTimeout:      100 * time.Second,
		FinalAckTimeout:      160 * time.Second,
		CatchupMaxIterations: 10,
	}
}

// BindFlags registers the caller-tunable knobs onto fs, a flat
// flag.FlagSet rather than a subcommand tree. The wire-protocol constants
// are deliberately not exposed as flags: they are baked into the protocol
// rather than left operator-tunable.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.Uint64Var(&c.MigrateDistance, "migrate-distance", c.MigrateDistance,
		"binlog catch-up convergence threshold D, in entries")
	fs.DurationVar(&c.TimeoutBinlogWaitRsp, "migrateend-ack-timeout", c.TimeoutBinlogWaitRsp,
		"how long to wait for the destination's migrateend ack")
}
