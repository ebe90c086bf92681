package accounting

import (
	"fmt"
	"io"

	"github.com/quartz-rt/quartz/object"
)

// ContinuousSpace is the view of a space the accounting structures need.
type ContinuousSpace interface {
	Name() string
	Begin() uintptr
	End() uintptr
	HasAddress(addr uintptr) bool
	LiveBitmap() *SpaceBitmap
}

// ReferenceUpdater is called for every reference slot found on a recorded
// card. The implementation (a collector) may mark the target and update the
// slot for a moving collection. It returns true if the slot still holds a
// reference the table must keep tracking, which keeps the card recorded.
type ReferenceUpdater func(holder object.Ref, slot uintptr) bool

// ModUnionTable tracks which cards of an immune space hold references into
// the spaces being collected, so collections never scan the immune space
// itself.
type ModUnionTable interface {
	// ClearCards moves this space's dirty cards from the card table into
	// the table's own set, cleaning them in the card table.
	ClearCards()
	// UpdateAndMarkReferences visits every reference slot of every live
	// object on a recorded card. Cards that no longer hold a tracked
	// reference are dropped.
	UpdateAndMarkReferences(update ReferenceUpdater)
	// ContainsCardFor reports whether the card covering addr is recorded.
	ContainsCardFor(addr uintptr) bool
	// Dump writes the recorded cards for diagnostics.
	Dump(w io.Writer)
}

// ModUnionTableCardCache records only the card addresses. Every collection
// rescans the objects on the recorded cards.
type ModUnionTableCardCache struct {
	name  string
	ct    *CardTable
	space ContinuousSpace
	cards *CardSet
}

// NewModUnionTableCardCache returns a card-cache table for space.
func NewModUnionTableCardCache(name string, ct *CardTable, space ContinuousSpace) *ModUnionTableCardCache {
	return &ModUnionTableCardCache{name: name, ct: ct, space: space, cards: NewCardSet()}
}

func (t *ModUnionTableCardCache) ClearCards() {
	t.ct.ModifyCardsAtomic(t.space.Begin(), t.space.End(),
		func(card byte) byte {
			if card == CardDirty {
				return CardClean
			}
			return card
		},
		func(cardAddr uintptr, old byte) {
			t.cards.Add(cardAddr)
		})
}

func (t *ModUnionTableCardCache) UpdateAndMarkReferences(update ReferenceUpdater) {
	live := t.space.LiveBitmap()
	for _, cardAddr := range t.cards.Sorted() {
		begin := t.ct.AddrFromCard(cardAddr)
		end := begin + CardSize
		keep := false
		live.VisitMarkedRange(begin, end, func(addr uintptr) {
			obj := object.Ref(addr)
			obj.VisitReferences(func(off uintptr) {
				if update(obj, obj.SlotAddr(off)) {
					keep = true
				}
			})
		})
		if !keep {
			t.cards.Remove(cardAddr)
		}
	}
}

func (t *ModUnionTableCardCache) ContainsCardFor(addr uintptr) bool {
	return t.cards.Contains(t.ct.cardAddr(addr))
}

func (t *ModUnionTableCardCache) Dump(w io.Writer) {
	fmt.Fprintf(w, "mod-union table %s (%s): %d cards\n", t.name, t.space.Name(), t.cards.Len())
	for _, cardAddr := range t.cards.Sorted() {
		begin := t.ct.AddrFromCard(cardAddr)
		fmt.Fprintf(w, "  [%#x,%#x)\n", begin, begin+CardSize)
	}
}

// ModUnionTableReferenceCache additionally remembers the reference slots
// found on each recorded card, so repeated collections skip rescanning
// object payloads whose cards stayed clean.
type ModUnionTableReferenceCache struct {
	name  string
	ct    *CardTable
	space ContinuousSpace
	// Cards cleaned since the last update; their slots are not cached yet.
	cleanedCards *CardSet
	// Slot addresses per recorded card.
	references map[uintptr][]uintptr
}

// NewModUnionTableReferenceCache returns a reference-cache table for space.
func NewModUnionTableReferenceCache(name string, ct *CardTable, space ContinuousSpace) *ModUnionTableReferenceCache {
	return &ModUnionTableReferenceCache{
		name:         name,
		ct:           ct,
		space:        space,
		cleanedCards: NewCardSet(),
		references:   map[uintptr][]uintptr{},
	}
}

func (t *ModUnionTableReferenceCache) ClearCards() {
	t.ct.ModifyCardsAtomic(t.space.Begin(), t.space.End(),
		func(card byte) byte {
			if card == CardDirty {
				return CardClean
			}
			return card
		},
		func(cardAddr uintptr, old byte) {
			t.cleanedCards.Add(cardAddr)
		})
}

func (t *ModUnionTableReferenceCache) UpdateAndMarkReferences(update ReferenceUpdater) {
	live := t.space.LiveBitmap()

	// Newly cleaned cards: scan the objects and cache the interesting
	// slots. A card whose payload changed invalidates any older cache.
	fresh := map[uintptr]bool{}
	for _, cardAddr := range t.cleanedCards.Sorted() {
		begin := t.ct.AddrFromCard(cardAddr)
		var slots []uintptr
		live.VisitMarkedRange(begin, begin+CardSize, func(addr uintptr) {
			obj := object.Ref(addr)
			obj.VisitReferences(func(off uintptr) {
				if update(obj, obj.SlotAddr(off)) {
					slots = append(slots, obj.SlotAddr(off))
				}
			})
		})
		if len(slots) > 0 {
			t.references[cardAddr] = slots
		} else {
			delete(t.references, cardAddr)
		}
		fresh[cardAddr] = true
		t.cleanedCards.Remove(cardAddr)
	}

	// Previously cached cards: only the cached slots are revisited. The
	// holder is not recomputed for cached slots; updaters that need it
	// can read the slot directly.
	for cardAddr, slots := range t.references {
		if fresh[cardAddr] {
			continue
		}
		kept := slots[:0]
		for _, slot := range slots {
			if update(0, slot) {
				kept = append(kept, slot)
			}
		}
		if len(kept) == 0 {
			delete(t.references, cardAddr)
		} else {
			t.references[cardAddr] = kept
		}
	}
}

func (t *ModUnionTableReferenceCache) ContainsCardFor(addr uintptr) bool {
	cardAddr := t.ct.cardAddr(addr)
	if t.cleanedCards.Contains(cardAddr) {
		return true
	}
	_, ok := t.references[cardAddr]
	return ok
}

func (t *ModUnionTableReferenceCache) Dump(w io.Writer) {
	fmt.Fprintf(w, "mod-union table %s (%s): %d pending cards, %d cached cards\n",
		t.name, t.space.Name(), t.cleanedCards.Len(), len(t.references))
	for cardAddr, slots := range t.references {
		begin := t.ct.AddrFromCard(cardAddr)
		fmt.Fprintf(w, "  [%#x,%#x): %d references\n", begin, begin+CardSize, len(slots))
	}
}
