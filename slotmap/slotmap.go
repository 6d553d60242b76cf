// Package slotmap implements the fixed-width slot bitmap that identifies
// the unit of migration: a caller-specified subset of the cluster's fixed
// slot universe.
package slotmap

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ClusterSlots is the size of the fixed hash-space the cluster protocol
// partitions keys into. 16384, matching the conventional cluster slot count.
const ClusterSlots = 16384

const wordBits = 64
const numWords = ClusterSlots / wordBits

// Bitmap is a fixed-width bitmap over [0, ClusterSlots). The zero value is
// an empty bitmap. A Bitmap passed to a migration is treated as immutable
// for the lifetime of that migration — callers that need to mutate it
// should Clone first.
type Bitmap struct {
	words [numWords]uint64
}

// New returns an empty bitmap.
func New() *Bitmap {
	return &Bitmap{}
}

func (b *Bitmap) checkRange(slot int) {
	if slot < 0 || slot >= ClusterSlots {
		panic(fmt.Sprintf("slotmap: slot %d out of range [0,%d)", slot, ClusterSlots))
	}
}

// Set marks slot as a member.
func (b *Bitmap) Set(slot int) {
	b.checkRange(slot)
	b.words[slot/wordBits] |= 1 << uint(slot%wordBits)
}

// Clear removes slot from the set.
func (b *Bitmap) Clear(slot int) {
	b.checkRange(slot)
	b.words[slot/wordBits] &^= 1 << uint(slot%wordBits)
}

// Test reports whether slot is a member.
func (b *Bitmap) Test(slot int) bool {
	b.checkRange(slot)
	return b.words[slot/wordBits]&(1<<uint(slot%wordBits)) != 0
}

// Clone returns an independent copy.
func (b *Bitmap) Clone() *Bitmap {
	out := &Bitmap{}
	out.words = b.words
	return out
}

// Equal reports whether two bitmaps have the same membership.
func (b *Bitmap) Equal(o *Bitmap) bool {
	if o == nil {
		return b.PopCount() == 0
	}
	return b.words == o.words
}

// Subset reports whether every slot set in b is also set in o.
func (b *Bitmap) Subset(o *Bitmap) bool {
	if o == nil {
		return b.PopCount() == 0
	}
	for i := range b.words {
		if b.words[i]&^o.words[i] != 0 {
			return false
		}
	}
	return true
}

// PopCount returns the number of set slots.
func (b *Bitmap) PopCount() int {
	n := 0
	for _, w := range b.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// Range calls fn for every set slot in ascending order, stopping early if
// fn returns false.
func (b *Bitmap) Range(fn func(slot int) bool) {
	for wi, w := range b.words {
		for w != 0 {
			bit := bits.TrailingZeros64(w)
			slot := wi*wordBits + bit
			if !fn(slot) {
				return
			}
			w &= w - 1
		}
	}
}

// Slots materializes the set slots in ascending order. Prefer Range for
// hot paths; this is a convenience for tests and logging.
func (b *Bitmap) Slots() []int {
	out := make([]int, 0, b.PopCount())
	b.Range(func(slot int) bool {
		out = append(out, slot)
		return true
	})
	return out
}

// BitString renders the bitmap as a fixed-length string of '0'/'1'
// characters, slot 0 first (index-ascending, not reversed). Both ends of a
// migration MUST agree on this ordering; this package fixes it once here.
func (b *Bitmap) BitString() string {
	var sb strings.Builder
	sb.Grow(ClusterSlots)
	for i := 0; i < ClusterSlots; i++ {
		if b.Test(i) {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

// FromBitString parses the wire format produced by BitString.
func FromBitString(s string) (*Bitmap, error) {
	if len(s) != ClusterSlots {
		return nil, fmt.Errorf("slotmap: bit string length %d, want %d", len(s), ClusterSlots)
	}
	b := New()
	for i := 0; i < ClusterSlots; i++ {
		switch s[i] {
		case '1':
			b.Set(i)
		case '0':
		default:
			return nil, fmt.Errorf("slotmap: invalid character %q at index %d", s[i], i)
		}
	}
	return b, nil
}

// HashSlot maps an encoded key to its slot using xxhash, the same hash the
// cluster's key codecs use for ring placement.
func HashSlot(key []byte) int {
	return int(xxhash.Sum64(key) % ClusterSlots)
}
