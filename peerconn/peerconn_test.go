package peerconn

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/unkn0wn-root/chunkmigrate/wire"
)

func pipePair() (*Conn, *Conn) {
	a, b := net.Pipe()
	return New(a), New(b)
}

func TestWriteTagDeliversTagByte(t *testing.T) {
	client, server := pipePair()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := client.WriteTag(wire.TagBatch, time.Second); err != nil {
			t.Errorf("WriteTag: %v", err)
		}
	}()

	buf := make([]byte, 1)
	if _, err := server.r.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if buf[0] != wire.TagBatch {
		t.Fatalf("got tag %q, want %q", buf[0], wire.TagBatch)
	}
	<-done
}

func TestWriteFrameThenReadLineAck(t *testing.T) {
	client, server := pipePair()
	defer client.Close()
	defer server.Close()

	frame := wire.EncodeRecord([]byte("k"), []byte("v"))

	go func() {
		if err := client.WriteFrame(frame, time.Second); err != nil {
			t.Errorf("WriteFrame: %v", err)
		}
	}()

	serverSideBuf := bufio.NewReader(server.nc)
	got := make([]byte, len(frame))
	if _, err := serverSideBuf.Read(got); err != nil {
		t.Fatalf("server read: %v", err)
	}

	go func() {
		if _, err := server.nc.Write([]byte(wire.AckOK + "\r\n")); err != nil {
			t.Errorf("server ack write: %v", err)
		}
	}()

	line, err := client.ReadLine(time.Second)
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if line != wire.AckOK {
		t.Fatalf("ack = %q, want %q", line, wire.AckOK)
	}
}

func TestReadLineTimeout(t *testing.T) {
	client, server := pipePair()
	defer client.Close()
	defer server.Close()

	_, err := client.ReadLine(20 * time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	client, server := pipePair()
	defer server.Close()

	if err := client.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestOperationsAfterCloseReturnErrClosed(t *testing.T) {
	client, server := pipePair()
	defer server.Close()

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := client.WriteTag(wire.TagRecord, time.Second); err != ErrClosed {
		t.Fatalf("WriteTag after close = %v, want ErrClosed", err)
	}
	if _, err := client.ReadLine(time.Second); err != ErrClosed {
		t.Fatalf("ReadLine after close = %v, want ErrClosed", err)
	}
}
