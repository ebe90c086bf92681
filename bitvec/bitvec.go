// Package bitvec provides an expandable set of non-negative integers backed
// by a word array.
package bitvec

import (
	"fmt"
	"io"
	"math/bits"
)

const wordBits = 32

// BitVector is a set of non-negative integers, packed one bit per element
// into 32-bit words. Words past the highest set bit are always zero, so two
// vectors with the same bits compare equal regardless of storage length.
type BitVector struct {
	storage    []uint32
	expandable bool
}

// New returns a vector able to hold at least startBits bits. If expandable is
// false, setting a bit at or beyond the initial capacity panics.
func New(startBits uint32, expandable bool) *BitVector {
	return &BitVector{
		storage:    make([]uint32, wordsFor(startBits)),
		expandable: expandable,
	}
}

// NewFromStorage wraps caller-owned storage. The vector is not expandable;
// the caller keeps ownership of the words.
func NewFromStorage(storage []uint32) *BitVector {
	return &BitVector{storage: storage}
}

func wordsFor(nbits uint32) int {
	return int((nbits + wordBits - 1) / wordBits)
}

// CapacityBits returns the number of bits addressable without expansion.
func (v *BitVector) CapacityBits() uint32 {
	return uint32(len(v.storage)) * wordBits
}

// IsBitSet reports whether bit idx is set. Bits beyond the current capacity
// read as clear.
func (v *BitVector) IsBitSet(idx uint32) bool {
	w := idx / wordBits
	return w < uint32(len(v.storage)) && v.storage[w]&(1<<(idx%wordBits)) != 0
}

// SetBit sets bit idx, expanding storage if needed. Setting a bit beyond the
// capacity of a non-expandable vector is a fatal error.
func (v *BitVector) SetBit(idx uint32) {
	w := idx / wordBits
	if w >= uint32(len(v.storage)) {
		if !v.expandable {
			panic(fmt.Sprintf("bitvec: setting bit %d in a non-expandable vector of capacity %d", idx, v.CapacityBits()))
		}
		v.expand(idx + 1)
	}
	v.storage[w] |= 1 << (idx % wordBits)
}

// ClearBit clears bit idx. Clearing beyond the capacity is a no-op since the
// bit already reads as clear.
func (v *BitVector) ClearBit(idx uint32) {
	w := idx / wordBits
	if w < uint32(len(v.storage)) {
		v.storage[w] &^= 1 << (idx % wordBits)
	}
}

// expand grows storage to hold at least nbits, doubling the current size so
// repeated sets are amortized.
func (v *BitVector) expand(nbits uint32) {
	newWords := wordsFor(nbits)
	if d := 2 * len(v.storage); d > newWords {
		newWords = d
	}
	grown := make([]uint32, newWords)
	copy(grown, v.storage)
	v.storage = grown
}

// ClearAll clears every bit without shrinking storage.
func (v *BitVector) ClearAll() {
	for i := range v.storage {
		v.storage[i] = 0
	}
}

// SetInitialBits sets bits [0, nbits).
func (v *BitVector) SetInitialBits(nbits uint32) {
	i := 0
	for ; uint32(i+1)*wordBits <= nbits; i++ {
		v.storage[i] = ^uint32(0)
	}
	if rem := nbits % wordBits; rem != 0 {
		v.storage[i] |= 1<<rem - 1
	}
}

// SameBitsSet reports whether both vectors hold exactly the same bits. The
// vectors may have different storage lengths.
func (v *BitVector) SameBitsSet(other *BitVector) bool {
	long, short := v.storage, other.storage
	if len(short) > len(long) {
		long, short = short, long
	}
	for i, w := range short {
		if w != long[i] {
			return false
		}
	}
	for _, w := range long[len(short):] {
		if w != 0 {
			return false
		}
	}
	return true
}

// Union ors other into v and reports whether v changed. Set bits in other
// beyond v's capacity expand v (or are a fatal error if v is fixed).
func (v *BitVector) Union(other *BitVector) bool {
	changed := false
	for i, w := range other.storage {
		if w == 0 {
			continue
		}
		if i >= len(v.storage) {
			if !v.expandable {
				panic("bitvec: union overflows a non-expandable vector")
			}
			v.expand(uint32(len(other.storage)) * wordBits)
		}
		if old := v.storage[i]; old|w != old {
			v.storage[i] = old | w
			changed = true
		}
	}
	return changed
}

// Intersect keeps only the bits also present in other.
func (v *BitVector) Intersect(other *BitVector) {
	for i := range v.storage {
		if i < len(other.storage) {
			v.storage[i] &= other.storage[i]
		} else {
			v.storage[i] = 0
		}
	}
}

// Subtract removes the bits present in other and reports whether v changed.
func (v *BitVector) Subtract(other *BitVector) bool {
	changed := false
	n := len(v.storage)
	if len(other.storage) < n {
		n = len(other.storage)
	}
	for i := 0; i < n; i++ {
		if old := v.storage[i]; old&^other.storage[i] != old {
			v.storage[i] = old &^ other.storage[i]
			changed = true
		}
	}
	return changed
}

// IsSubsetOf reports whether every bit of v is also set in other.
func (v *BitVector) IsSubsetOf(other *BitVector) bool {
	for i, w := range v.storage {
		var o uint32
		if i < len(other.storage) {
			o = other.storage[i]
		}
		if w&^o != 0 {
			return false
		}
	}
	return true
}

// NumSetBits returns the number of set bits.
func (v *BitVector) NumSetBits() uint32 {
	var n int
	for _, w := range v.storage {
		n += bits.OnesCount32(w)
	}
	return uint32(n)
}

// GetHighestBitSet returns the index of the highest set bit, or -1 if the
// vector is empty.
func (v *BitVector) GetHighestBitSet() int {
	for i := len(v.storage) - 1; i >= 0; i-- {
		if w := v.storage[i]; w != 0 {
			return i*wordBits + wordBits - 1 - bits.LeadingZeros32(w)
		}
	}
	return -1
}

// Copy replaces v's bits with other's. v's storage is reused when large
// enough.
func (v *BitVector) Copy(other *BitVector) {
	if len(v.storage) < len(other.storage) {
		if !v.expandable {
			panic("bitvec: copy overflows a non-expandable vector")
		}
		v.storage = make([]uint32, len(other.storage))
	}
	n := copy(v.storage, other.storage)
	for i := n; i < len(v.storage); i++ {
		v.storage[i] = 0
	}
}

// CopyTo serializes the words into dst in little-endian order. dst must hold
// at least 4*len(storage) bytes; the number of bytes written is returned.
func (v *BitVector) CopyTo(dst []byte) int {
	n := 0
	for _, w := range v.storage {
		dst[n] = byte(w)
		dst[n+1] = byte(w >> 8)
		dst[n+2] = byte(w >> 16)
		dst[n+3] = byte(w >> 24)
		n += 4
	}
	return n
}

// StorageSizeBytes returns the number of bytes CopyTo writes.
func (v *BitVector) StorageSizeBytes() int {
	return 4 * len(v.storage)
}

// ForEach calls fn with each set bit in increasing order.
func (v *BitVector) ForEach(fn func(idx uint32)) {
	for i, w := range v.storage {
		for w != 0 {
			bit := bits.TrailingZeros32(w)
			fn(uint32(i*wordBits + bit))
			w &= w - 1
		}
	}
}

// Dump writes a human-readable rendering of the set bits.
func (v *BitVector) Dump(w io.Writer, prefix string) {
	fmt.Fprintf(w, "%s(", prefix)
	first := true
	v.ForEach(func(idx uint32) {
		if !first {
			fmt.Fprint(w, ",")
		}
		first = false
		fmt.Fprintf(w, "%d", idx)
	})
	fmt.Fprintln(w, ")")
}
