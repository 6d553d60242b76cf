package migrateconfig

import (
	"flag"
	"testing"
	"time"
)

func TestDefaultMatchesSpecConstants(t *testing.T) {
	c := Default()
	if c.BatchSize != 1000 {
		t.Fatalf("BatchSize = %d, want 1000", c.BatchSize)
	}
	if c.BatchAckTimeout != 100*time.Second {
		t.Fatalf("BatchAckTimeout = %v, want 100s", c.BatchAckTimeout)
	}
	if c.FinalAckTimeout != 160*time.Second {
		t.Fatalf("FinalAckTimeout = %v, want 160s", c.FinalAckTimeout)
	}
	if c.CatchupMaxIterations != 10 {
		t.Fatalf("CatchupMaxIterations = %d, want 10", c.CatchupMaxIterations)
	}
}

func TestBindFlagsOverridesDefaults(t *testing.T) {
	c := Default()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.BindFlags(fs)
	if err := fs.Parse([]string{"-migrate-distance=50", "-migrateend-ack-timeout=5s"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.MigrateDistance != 50 {
		t.Fatalf("MigrateDistance = %d, want 50", c.MigrateDistance)
	}
	if c.TimeoutBinlogWaitRsp != 5*time.Second {
		t.Fatalf("TimeoutBinlogWaitRsp = %v, want 5s", c.TimeoutBinlogWaitRsp)
	}
}
