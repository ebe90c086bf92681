// Package accounting holds the GC bookkeeping structures: the card table the
// store barrier writes to, the per-space object bitmaps, and the mod-union
// tables and remembered sets built from aged cards.
package accounting

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/quartz-rt/quartz/internal/mem"
)

const (
	// CardShift gives 128-byte cards.
	CardShift = 7
	CardSize  = 1 << CardShift

	CardClean = 0x00
	CardDirty = 0x70
	CardAged  = CardDirty - 1
)

// CardTable maps each card of the heap to one byte. The table is biased: the
// card byte for address A lives at biasedBegin + (A >> CardShift), and
// biasedBegin is positioned so its own low byte equals CardDirty. A store
// barrier can therefore dirty a card by storing the table base register
// itself, with no extra constant load and no bounds check.
type CardTable struct {
	mapping     *mem.Mapping
	biasedBegin uintptr
	offset      uintptr // bytes skipped at the front of the mapping for biasing
	heapBegin   uintptr
	heapLimit   uintptr
}

// NewCardTable creates a table covering [heapBegin, heapBegin+capacity).
func NewCardTable(heapBegin, capacity uintptr) (*CardTable, error) {
	// One byte of slack per possible low-byte value lets us slide the
	// biased begin until its low byte equals the dirty constant.
	size := (capacity >> CardShift) + 0x100
	m, err := mem.MapAnonymous("card table", size)
	if err != nil {
		return nil, err
	}
	biased := m.Begin() - (heapBegin >> CardShift)
	var offset uintptr
	if lowByte := biased & 0xff; lowByte != CardDirty {
		delta := int(CardDirty) - int(lowByte)
		if delta < 0 {
			delta += 0x100
		}
		offset = uintptr(delta)
		biased += offset
	}
	ct := &CardTable{
		mapping:     m,
		biasedBegin: biased,
		offset:      offset,
		heapBegin:   heapBegin,
		heapLimit:   heapBegin + capacity,
	}
	if byte(ct.biasedBegin&0xff) != CardDirty {
		panic("accounting: card table biasing failed")
	}
	return ct, nil
}

// Release unmaps the table.
func (ct *CardTable) Release() error {
	return ct.mapping.Release()
}

// cardAddr returns the address of the card byte covering addr. Out-of-range
// addresses are a fatal error: the heap is a single bounded region known at
// construction.
func (ct *CardTable) cardAddr(addr uintptr) uintptr {
	if addr < ct.heapBegin || addr >= ct.heapLimit {
		panic(fmt.Sprintf("accounting: address %#x outside heap [%#x,%#x)",
			addr, ct.heapBegin, ct.heapLimit))
	}
	return ct.biasedBegin + (addr >> CardShift)
}

// AddrFromCard returns the first heap address covered by the card byte at
// cardAddr.
func (ct *CardTable) AddrFromCard(cardAddr uintptr) uintptr {
	return (cardAddr - ct.biasedBegin) << CardShift
}

// MarkCard dirties the card covering addr. This is the store-barrier write.
func (ct *CardTable) MarkCard(addr uintptr) {
	*(*byte)(unsafe.Pointer(ct.cardAddr(addr))) = CardDirty
}

// GetCard returns the raw card byte covering addr.
func (ct *CardTable) GetCard(addr uintptr) byte {
	return *(*byte)(unsafe.Pointer(ct.cardAddr(addr)))
}

// IsDirty reports whether the card covering addr holds the dirty constant.
func (ct *CardTable) IsDirty(addr uintptr) bool {
	return ct.GetCard(addr) == CardDirty
}

// IsClean reports whether the card covering addr is clean.
func (ct *CardTable) IsClean(addr uintptr) bool {
	return ct.GetCard(addr) == CardClean
}

// ClearCardRange cleans every card covering [lo, hi). lo and hi must be
// card-aligned heap addresses. Whole pages of card bytes are returned to the
// OS; the unaligned head and tail are zeroed in place.
func (ct *CardTable) ClearCardRange(lo, hi uintptr) {
	if !mem.IsAligned(lo, CardSize) || !mem.IsAligned(hi, CardSize) {
		panic("accounting: ClearCardRange bounds not card-aligned")
	}
	if lo >= hi {
		return
	}
	if err := ct.mapping.ZeroAndRelease(ct.cardAddr(lo), ct.cardAddr(hi-1)+1); err != nil {
		panic(err)
	}
}

// ClearSpaceCards cleans every card covering [spaceBegin, spaceEnd).
func (ct *CardTable) ClearSpaceCards(spaceBegin, spaceEnd uintptr) {
	ct.ClearCardRange(mem.AlignDown(spaceBegin, CardSize), mem.AlignUp(spaceEnd, CardSize))
}

// ModifyCardsAtomic applies ageVisitor to every card covering [lo, hi),
// installing the new value with a compare-and-swap. recordVisitor, if
// non-nil, is called with the card's address and old value for every card the
// transform changed. This is how mod-union tables and remembered sets pull
// dirty cards out of the table.
func (ct *CardTable) ModifyCardsAtomic(lo, hi uintptr, ageVisitor func(byte) byte, recordVisitor func(cardAddr uintptr, old byte)) {
	if lo >= hi {
		return
	}
	cardLo := ct.cardAddr(lo)
	cardHi := ct.cardAddr(hi-1) + 1
	for card := cardLo; card < cardHi; card++ {
		for {
			old := *(*byte)(unsafe.Pointer(card))
			newVal := ageVisitor(old)
			if newVal == old {
				break
			}
			if casByte(card, old, newVal) {
				if recordVisitor != nil {
					recordVisitor(card, old)
				}
				break
			}
		}
	}
}

// Scan visits every object marked in bitmap whose address lies on a card of
// at least minAge within [lo, hi). It returns the number of cards scanned.
func (ct *CardTable) Scan(bitmap *SpaceBitmap, lo, hi uintptr, minAge byte, visitor func(addr uintptr)) int {
	scanned := 0
	for cardBegin := mem.AlignDown(lo, CardSize); cardBegin < hi; cardBegin += CardSize {
		if ct.GetCard(cardBegin) < minAge {
			continue
		}
		scanned++
		end := cardBegin + CardSize
		if end > hi {
			end = hi
		}
		start := cardBegin
		if start < lo {
			start = lo
		}
		bitmap.VisitMarkedRange(start, end, visitor)
	}
	return scanned
}

// casByte emulates a byte-wide compare-and-swap with a CAS on the containing
// 32-bit word.
func casByte(addr uintptr, old, new byte) bool {
	wordAddr := addr &^ 3
	shift := (addr & 3) * 8
	word := (*uint32)(unsafe.Pointer(wordAddr))
	cur := atomic.LoadUint32(word)
	if byte(cur>>shift) != old {
		return false
	}
	next := cur&^(0xff<<shift) | uint32(new)<<shift
	return atomic.CompareAndSwapUint32(word, cur, next)
}
