package accounting

import (
	"fmt"
	"io"

	"github.com/quartz-rt/quartz/object"
)

// RememberedSet records which cards of one collected space held stores since
// the last collection of a target space. Unlike a mod-union table the source
// space is itself collected, so cards that turn out to hold no live
// cross-space reference are dropped to avoid rescanning them forever.
type RememberedSet struct {
	name  string
	ct    *CardTable
	space ContinuousSpace
	cards *CardSet
}

// NewRememberedSet returns an empty remembered set for space.
func NewRememberedSet(name string, ct *CardTable, space ContinuousSpace) *RememberedSet {
	return &RememberedSet{name: name, ct: ct, space: space, cards: NewCardSet()}
}

// Name returns the diagnostic name.
func (rs *RememberedSet) Name() string { return rs.name }

// ClearCards moves the space's dirty cards from the card table into the set,
// cleaning them in the card table.
func (rs *RememberedSet) ClearCards() {
	rs.ct.ModifyCardsAtomic(rs.space.Begin(), rs.space.End(),
		func(card byte) byte {
			if card == CardDirty {
				return CardClean
			}
			return card
		},
		func(cardAddr uintptr, old byte) {
			rs.cards.Add(cardAddr)
		})
}

// UpdateAndMarkReferences visits every reference slot of every live object
// on a recorded card. The updater marks targets in the space being collected
// and reports whether the slot still holds a cross-space reference; cards
// with none left are removed from the set.
func (rs *RememberedSet) UpdateAndMarkReferences(update ReferenceUpdater) {
	live := rs.space.LiveBitmap()
	for _, cardAddr := range rs.cards.Sorted() {
		begin := rs.ct.AddrFromCard(cardAddr)
		containsReference := false
		live.VisitMarkedRange(begin, begin+CardSize, func(addr uintptr) {
			obj := object.Ref(addr)
			obj.VisitReferences(func(off uintptr) {
				if update(obj, obj.SlotAddr(off)) {
					containsReference = true
				}
			})
		})
		if !containsReference {
			rs.cards.Remove(cardAddr)
		}
	}
}

// ContainsCardFor reports whether the card covering addr is recorded.
func (rs *RememberedSet) ContainsCardFor(addr uintptr) bool {
	return rs.cards.Contains(rs.ct.cardAddr(addr))
}

// NumCards returns the number of recorded cards.
func (rs *RememberedSet) NumCards() int { return rs.cards.Len() }

// AssertAllDirtyCardsAreWithinSpace panics if a recorded card lies outside
// the source space.
func (rs *RememberedSet) AssertAllDirtyCardsAreWithinSpace() {
	for _, cardAddr := range rs.cards.Sorted() {
		begin := rs.ct.AddrFromCard(cardAddr)
		if begin+CardSize <= rs.space.Begin() || begin >= rs.space.End() {
			panic(fmt.Sprintf("accounting: remembered-set card [%#x,%#x) outside space %s",
				begin, begin+CardSize, rs.space.Name()))
		}
	}
}

// Dump writes the recorded cards for diagnostics.
func (rs *RememberedSet) Dump(w io.Writer) {
	fmt.Fprintf(w, "remembered set %s (%s): %d cards\n", rs.name, rs.space.Name(), rs.cards.Len())
	for _, cardAddr := range rs.cards.Sorted() {
		begin := rs.ct.AddrFromCard(cardAddr)
		fmt.Fprintf(w, "  [%#x,%#x)\n", begin, begin+CardSize)
	}
}
