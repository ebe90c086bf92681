package accounting

import (
	"fmt"
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/quartz-rt/quartz/internal/mem"
	"github.com/quartz-rt/quartz/object"
)

const (
	bitsPerWord = 64
	// Each bit covers one object-aligned address.
	bytesPerBit = object.Alignment
	// One bitmap word covers this many heap bytes.
	bytesPerWord = bytesPerBit * bitsPerWord
)

// SpaceBitmap holds one bit per object-aligned address of a heap span. The
// backing mapping is demand-paged, so bitmaps over large reservations cost
// only the pages actually touched.
type SpaceBitmap struct {
	name      string
	mapping   *mem.Mapping
	words     []uint64
	heapBegin uintptr
	heapLimit uintptr
}

// BitmapSize returns the bitmap bytes needed to cover capacity heap bytes.
func BitmapSize(capacity uintptr) uintptr {
	return mem.AlignUp(capacity, bytesPerWord) / bytesPerWord * 8
}

// NewSpaceBitmap creates a bitmap covering [heapBegin, heapBegin+capacity).
func NewSpaceBitmap(name string, heapBegin, capacity uintptr) (*SpaceBitmap, error) {
	m, err := mem.MapAnonymous(name, BitmapSize(capacity))
	if err != nil {
		return nil, err
	}
	return &SpaceBitmap{
		name:      name,
		mapping:   m,
		words:     unsafe.Slice((*uint64)(unsafe.Pointer(m.Begin())), m.Size()/8),
		heapBegin: heapBegin,
		heapLimit: heapBegin + capacity,
	}, nil
}

// Name returns the diagnostic name.
func (b *SpaceBitmap) Name() string { return b.name }

// HeapBegin returns the first covered address.
func (b *SpaceBitmap) HeapBegin() uintptr { return b.heapBegin }

// HeapLimit returns one past the last covered address.
func (b *SpaceBitmap) HeapLimit() uintptr { return b.heapLimit }

// HasAddress reports whether addr is covered.
func (b *SpaceBitmap) HasAddress(addr uintptr) bool {
	return addr >= b.heapBegin && addr < b.heapLimit
}

// Release unmaps the bitmap.
func (b *SpaceBitmap) Release() error {
	b.words = nil
	return b.mapping.Release()
}

func (b *SpaceBitmap) index(addr uintptr) (word uintptr, mask uint64) {
	if addr < b.heapBegin || addr >= b.heapLimit {
		panic(fmt.Sprintf("accounting: address %#x outside bitmap %q [%#x,%#x)",
			addr, b.name, b.heapBegin, b.heapLimit))
	}
	offset := (addr - b.heapBegin) / bytesPerBit
	return offset / bitsPerWord, 1 << (offset % bitsPerWord)
}

func (b *SpaceBitmap) addrOf(word uintptr, bit int) uintptr {
	return b.heapBegin + (word*bitsPerWord+uintptr(bit))*bytesPerBit
}

// Set sets the bit for addr and reports whether it was already set.
func (b *SpaceBitmap) Set(addr uintptr) bool {
	w, mask := b.index(addr)
	old := b.words[w]
	b.words[w] = old | mask
	return old&mask != 0
}

// Clear clears the bit for addr.
func (b *SpaceBitmap) Clear(addr uintptr) {
	w, mask := b.index(addr)
	b.words[w] &^= mask
}

// Test reports whether the bit for addr is set.
func (b *SpaceBitmap) Test(addr uintptr) bool {
	w, mask := b.index(addr)
	return b.words[w]&mask != 0
}

// AtomicTestAndSet sets the bit with a CAS on the word and reports whether
// it was already set. Concurrent markers use this to claim objects.
func (b *SpaceBitmap) AtomicTestAndSet(addr uintptr) bool {
	w, mask := b.index(addr)
	word := &b.words[w]
	for {
		old := atomic.LoadUint64(word)
		if old&mask != 0 {
			return true
		}
		if atomic.CompareAndSwapUint64(word, old, old|mask) {
			return false
		}
	}
}

// ClearAll releases the whole bitmap back to the OS; the pages read as zero
// and are recommitted on the next set.
func (b *SpaceBitmap) ClearAll() {
	if err := b.mapping.ZeroAndRelease(b.mapping.Begin(), b.mapping.End()); err != nil {
		panic(err)
	}
}

// ClearRange clears all bits covering [lo, hi).
func (b *SpaceBitmap) ClearRange(lo, hi uintptr) {
	if lo >= hi {
		return
	}
	wLo, mLo := b.index(lo)
	wHi, mHi := b.index(hi - 1)
	if wLo == wHi {
		// All bits within one word: mask off [mLo, mHi].
		b.words[wLo] &^= (mHi - mLo) | mHi
		return
	}
	b.words[wLo] &^= ^(mLo - 1)
	for w := wLo + 1; w < wHi; w++ {
		b.words[w] = 0
	}
	b.words[wHi] &^= (mHi - 1) | mHi
}

// CopyFrom replaces this bitmap's bits with src's. Both must cover spans of
// the same size.
func (b *SpaceBitmap) CopyFrom(src *SpaceBitmap) {
	if len(b.words) != len(src.words) {
		panic("accounting: CopyFrom between differently sized bitmaps")
	}
	copy(b.words, src.words)
}

// Walk calls visitor with the address of every set bit, in address order.
func (b *SpaceBitmap) Walk(visitor func(addr uintptr)) {
	for w := range b.words {
		word := b.words[w]
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			visitor(b.addrOf(uintptr(w), bit))
			word &= word - 1
		}
	}
}

// VisitMarkedRange calls visitor with every set address in [lo, hi), in
// address order.
func (b *SpaceBitmap) VisitMarkedRange(lo, hi uintptr, visitor func(addr uintptr)) {
	if lo >= hi {
		return
	}
	wLo, mLo := b.index(lo)
	wHi, mHi := b.index(hi - 1)
	for w := wLo; w <= wHi; w++ {
		word := b.words[w]
		if w == wLo {
			word &= ^(mLo - 1)
		}
		if w == wHi {
			word &= (mHi - 1) | mHi
		}
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			visitor(b.addrOf(w, bit))
			word &= word - 1
		}
	}
}

// SweepWalk enumerates addresses set in live but clear in mark within
// [lo, hi), delivering them to the callback in batches of up to one word's
// worth of set bits. The callback owns freeing the dead objects; batching
// amortizes the free call.
func SweepWalk(live, mark *SpaceBitmap, lo, hi uintptr, callback func(dead []uintptr)) {
	if live.heapBegin != mark.heapBegin || len(live.words) != len(mark.words) {
		panic("accounting: SweepWalk bitmaps do not match")
	}
	if lo >= hi {
		return
	}
	var batch [bitsPerWord]uintptr
	wLo, mLo := live.index(lo)
	wHi, mHi := live.index(hi - 1)
	for w := wLo; w <= wHi; w++ {
		word := live.words[w] &^ mark.words[w]
		if w == wLo {
			word &= ^(mLo - 1)
		}
		if w == wHi {
			word &= (mHi - 1) | mHi
		}
		n := 0
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			batch[n] = live.addrOf(w, bit)
			n++
			word &= word - 1
		}
		if n > 0 {
			callback(batch[:n])
		}
	}
}

// InOrderWalk visits live objects in address order, recursively visiting the
// objects an object references before moving on. A scratch bitmap prevents
// revisits. Heap dumps use this to emit referents near their referrers.
func (b *SpaceBitmap) InOrderWalk(visitor func(obj object.Ref)) error {
	visited, err := NewSpaceBitmap(b.name+" in-order scratch", b.heapBegin, b.heapLimit-b.heapBegin)
	if err != nil {
		return err
	}
	defer visited.Release()

	var visit func(obj object.Ref)
	visit = func(obj object.Ref) {
		if visited.Test(uintptr(obj)) {
			return
		}
		visited.Set(uintptr(obj))
		visitor(obj)
		obj.VisitReferences(func(off uintptr) {
			child := obj.ReadRef(off)
			if !child.IsNull() && b.HasAddress(uintptr(child)) && b.Test(uintptr(child)) {
				visit(child)
			}
		})
	}
	b.Walk(func(addr uintptr) { visit(object.Ref(addr)) })
	return nil
}
