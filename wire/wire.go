// Package wire implements the snapshot-stream framing and the migrateend
// cut-over handshake command. It is deliberately tiny and dependency-free:
// the snapshot protocol is raw tag bytes and fixed-width integers, not a
// structured encoding, so there is nothing here for cbor or any other codec
// to do.
package wire

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/unkn0wn-root/chunkmigrate/slotmap"
)

// Snapshot stream tags. Single ASCII bytes so both ends can frame without
// a length prefix on the tag itself.
const (
	TagRecord      byte = '0' // record follows
	TagBatch       byte = '1' // batch boundary; destination must ack
	TagSlotEnd     byte = '2' // end of current slot
	TagSnapshotEnd byte = '3' // end of entire snapshot
)

// AckOK is the literal acknowledgement line the destination sends back for
// every ack-bearing tag.
const AckOK = "+OK"

// BatchSize is the number of records shipped before a '1' batch-boundary
// ack point.
const BatchSize = 1000

// Endianness for the snapshot stream's u32 length prefixes. The original
// engine wrote raw in-memory integer bytes with unspecified endianness;
// this module fixes little-endian for the lifetime of every migration.
var byteOrder = binary.LittleEndian

// EncodeRecord renders one key-value pair as the TagRecord byte followed by
// keylen:u32|key|valuelen:u32|value.
func EncodeRecord(key, value []byte) []byte {
	buf := make([]byte, 0, 1+4+len(key)+4+len(value))
	buf = append(buf, TagRecord)
	var lenbuf [4]byte
	byteOrder.PutUint32(lenbuf[:], uint32(len(key)))
	buf = append(buf, lenbuf[:]...)
	buf = append(buf, key...)
	byteOrder.PutUint32(lenbuf[:], uint32(len(value)))
	buf = append(buf, lenbuf[:]...)
	buf = append(buf, value...)
	return buf
}

// DecodeRecordBody decodes the keylen|key|valuelen|value body that follows
// a TagRecord byte already consumed by the caller.
func DecodeRecordBody(body []byte) (key, value []byte, err error) {
	if len(body) < 4 {
		return nil, nil, fmt.Errorf("wire: record body too short for keylen")
	}
	klen := byteOrder.Uint32(body)
	body = body[4:]
	if uint32(len(body)) < klen {
		return nil, nil, fmt.Errorf("wire: record body truncated in key")
	}
	key = body[:klen]
	body = body[klen:]
	if len(body) < 4 {
		return nil, nil, fmt.Errorf("wire: record body too short for vallen")
	}
	vlen := byteOrder.Uint32(body)
	body = body[4:]
	if uint32(len(body)) < vlen {
		return nil, nil, fmt.Errorf("wire: record body truncated in value")
	}
	value = body[:vlen]
	return key, value, nil
}

// migrateEndLiteral is the fixed first field of the migrateend command.
const migrateEndLiteral = "migrateend"

// EncodeMigrateEnd renders the cut-over command as a three-element
// length-prefixed bulk array: the literal "migrateend", the slot bitmap
// rendered as a fixed-length '0'/'1' string, and the decimal destination
// store id — mirroring the original's Command::fmtMultiBulkLen/fmtBulk
// framing.
func EncodeMigrateEnd(slots *slotmap.Bitmap, dstStoreID int) []byte {
	var sb strings.Builder
	fmtMultiBulkLen(&sb, 3)
	fmtBulk(&sb, migrateEndLiteral)
	fmtBulk(&sb, slots.BitString())
	fmtBulk(&sb, strconv.Itoa(dstStoreID))
	return []byte(sb.String())
}

func fmtMultiBulkLen(sb *strings.Builder, n int) {
	sb.WriteByte('*')
	sb.WriteString(strconv.Itoa(n))
	sb.WriteString("\r\n")
}

func fmtBulk(sb *strings.Builder, s string) {
	sb.WriteByte('$')
	sb.WriteString(strconv.Itoa(len(s)))
	sb.WriteString("\r\n")
	sb.WriteString(s)
	sb.WriteString("\r\n")
}

// DecodeMigrateEnd parses the command produced by EncodeMigrateEnd, for use
// by a destination-side test fake.
func DecodeMigrateEnd(data []byte) (slots *slotmap.Bitmap, dstStoreID int, err error) {
	s := string(data)
	read := func() (string, error) {
		if len(s) == 0 || s[0] != '$' {
			return "", fmt.Errorf("wire: expected bulk marker")
		}
		end := strings.Index(s, "\r\n")
		if end < 0 {
			return "", fmt.Errorf("wire: malformed bulk length")
		}
		n, err := strconv.Atoi(s[1:end])
		if err != nil {
			return "", fmt.Errorf("wire: bad bulk length: %w", err)
		}
		s = s[end+2:]
		if len(s) < n+2 {
			return "", fmt.Errorf("wire: truncated bulk payload")
		}
		val := s[:n]
		s = s[n+2:]
		return val, nil
	}

	if len(s) == 0 || s[0] != '*' {
		return nil, 0, fmt.Errorf("wire: expected multibulk marker")
	}
	end := strings.Index(s, "\r\n")
	if end < 0 {
		return nil, 0, fmt.Errorf("wire: malformed multibulk length")
	}
	count, err := strconv.Atoi(s[1:end])
	if err != nil || count != 3 {
		return nil, 0, fmt.Errorf("wire: migrateend must have 3 fields")
	}
	s = s[end+2:]

	lit, err := read()
	if err != nil {
		return nil, 0, err
	}
	if lit != migrateEndLiteral {
		return nil, 0, fmt.Errorf("wire: expected literal %q, got %q", migrateEndLiteral, lit)
	}
	bits, err := read()
	if err != nil {
		return nil, 0, err
	}
	bm, err := slotmap.FromBitString(bits)
	if err != nil {
		return nil, 0, err
	}
	idStr, err := read()
	if err != nil {
		return nil, 0, err
	}
	id, err := strconv.Atoi(idStr)
	if err != nil {
		return nil, 0, fmt.Errorf("wire: bad dst store id: %w", err)
	}
	return bm, id, nil
}
