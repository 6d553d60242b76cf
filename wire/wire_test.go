package wire

import (
	"testing"

	"github.com/unkn0wn-root/chunkmigrate/slotmap"
)

func TestRecordRoundTrip(t *testing.T) {
	key := []byte("user:42")
	val := []byte("some-value-bytes")
	framed := EncodeRecord(key, val)

	if framed[0] != TagRecord {
		t.Fatalf("first byte = %q, want TagRecord", framed[0])
	}
	gotKey, gotVal, err := DecodeRecordBody(framed[1:])
	if err != nil {
		t.Fatalf("DecodeRecordBody: %v", err)
	}
	if string(gotKey) != string(key) {
		t.Fatalf("key = %q, want %q", gotKey, key)
	}
	if string(gotVal) != string(val) {
		t.Fatalf("value = %q, want %q", gotVal, val)
	}
}

func TestRecordEmptyValue(t *testing.T) {
	framed := EncodeRecord([]byte("k"), nil)
	k, v, err := DecodeRecordBody(framed[1:])
	if err != nil {
		t.Fatalf("DecodeRecordBody: %v", err)
	}
	if string(k) != "k" || len(v) != 0 {
		t.Fatalf("got key=%q val=%q", k, v)
	}
}

func TestMigrateEndRoundTrip(t *testing.T) {
	slots := slotmap.New()
	slots.Set(3)
	slots.Set(7)
	slots.Set(16383)

	data := EncodeMigrateEnd(slots, 42)
	gotSlots, gotID, err := DecodeMigrateEnd(data)
	if err != nil {
		t.Fatalf("DecodeMigrateEnd: %v", err)
	}
	if gotID != 42 {
		t.Fatalf("dstStoreID = %d, want 42", gotID)
	}
	if !gotSlots.Equal(slots) {
		t.Fatal("decoded slot bitmap does not match original")
	}
}

func TestDecodeMigrateEndRejectsGarbage(t *testing.T) {
	if _, _, err := DecodeMigrateEnd([]byte("garbage")); err == nil {
		t.Fatal("expected error decoding non-multibulk data")
	}
}
