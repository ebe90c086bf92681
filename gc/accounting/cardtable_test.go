package accounting

import (
	"testing"

	"github.com/quartz-rt/quartz/internal/mem"
)

const testHeapCapacity = 1 << 20

func newTestHeap(t *testing.T) (*mem.Mapping, *CardTable) {
	t.Helper()
	heap, err := mem.MapAnonymous("test heap", testHeapCapacity)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { heap.Release() })
	ct, err := NewCardTable(heap.Begin(), testHeapCapacity)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ct.Release() })
	return heap, ct
}

func TestCardTableBiasing(t *testing.T) {
	heap, ct := newTestHeap(t)
	// The biasing invariant: the low byte of the biased begin is the dirty
	// constant, so a barrier can store the base register itself.
	if byte(ct.biasedBegin&0xff) != CardDirty {
		t.Fatalf("biased begin low byte = %#x, want %#x", ct.biasedBegin&0xff, CardDirty)
	}

	// Dirty one card and check its neighbors are unaffected.
	addr := heap.Begin() + 0x80
	ct.MarkCard(addr)
	if !ct.IsDirty(addr) {
		t.Error("marked card not dirty")
	}
	if ct.IsDirty(heap.Begin()) {
		t.Error("unmarked card reads dirty")
	}
	if !ct.IsClean(heap.Begin()) {
		t.Error("fresh card not clean")
	}
	// Addresses on the same card share the byte.
	if !ct.IsDirty(addr + CardSize - 1) {
		t.Error("address on the same card not dirty")
	}
	if ct.IsDirty(addr + CardSize) {
		t.Error("next card dirty")
	}
}

func TestCardAddrRoundTrip(t *testing.T) {
	heap, ct := newTestHeap(t)
	for _, off := range []uintptr{0, 0x80, 0x12345 &^ (CardSize - 1), testHeapCapacity - CardSize} {
		addr := heap.Begin() + off
		if got := ct.AddrFromCard(ct.cardAddr(addr)); got != addr&^(CardSize-1) {
			t.Errorf("offset %#x: round-trip gave %#x", off, got)
		}
	}
}

func TestOutOfRangeIsFatal(t *testing.T) {
	heap, ct := newTestHeap(t)
	defer func() {
		if recover() == nil {
			t.Error("out-of-range card access did not panic")
		}
	}()
	ct.MarkCard(heap.Begin() + testHeapCapacity)
}

func TestClearSpaceCards(t *testing.T) {
	heap, ct := newTestHeap(t)
	lo := heap.Begin()
	hi := heap.Begin() + 64*CardSize
	for addr := lo; addr < hi; addr += CardSize {
		ct.MarkCard(addr)
	}
	ct.MarkCard(hi) // outside the cleared range
	ct.ClearSpaceCards(lo, hi)
	for addr := lo; addr < hi; addr += CardSize {
		if ct.IsDirty(addr) {
			t.Fatalf("card for %#x still dirty after clear", addr)
		}
	}
	if !ct.IsDirty(hi) {
		t.Error("card outside cleared range was cleaned")
	}
}

func TestModifyCardsAtomic(t *testing.T) {
	heap, ct := newTestHeap(t)
	begin := heap.Begin()
	ct.MarkCard(begin)
	ct.MarkCard(begin + 2*CardSize)

	var recorded []uintptr
	ct.ModifyCardsAtomic(begin, begin+4*CardSize,
		func(card byte) byte {
			if card == CardDirty {
				return CardAged
			}
			return card
		},
		func(cardAddr uintptr, old byte) {
			if old != CardDirty {
				t.Errorf("recorded card had old value %#x", old)
			}
			recorded = append(recorded, cardAddr)
		})

	if len(recorded) != 2 {
		t.Fatalf("recorded %d cards, want 2", len(recorded))
	}
	if ct.GetCard(begin) != CardAged || ct.GetCard(begin+2*CardSize) != CardAged {
		t.Error("dirty cards not aged")
	}
	if ct.GetCard(begin+CardSize) != CardClean {
		t.Error("clean card modified")
	}
}
