package accounting

import "sort"

// CardSet is a set of card-table byte addresses, the representation both the
// mod-union tables and the remembered sets keep their recorded cards in.
type CardSet struct {
	cards map[uintptr]struct{}
}

// NewCardSet returns an empty set.
func NewCardSet() *CardSet {
	return &CardSet{cards: map[uintptr]struct{}{}}
}

// Add records a card address.
func (s *CardSet) Add(cardAddr uintptr) {
	s.cards[cardAddr] = struct{}{}
}

// Remove drops a card address.
func (s *CardSet) Remove(cardAddr uintptr) {
	delete(s.cards, cardAddr)
}

// Contains reports whether the card address is recorded.
func (s *CardSet) Contains(cardAddr uintptr) bool {
	_, ok := s.cards[cardAddr]
	return ok
}

// Len returns the number of recorded cards.
func (s *CardSet) Len() int { return len(s.cards) }

// Clear drops all recorded cards.
func (s *CardSet) Clear() {
	s.cards = map[uintptr]struct{}{}
}

// Sorted returns the recorded card addresses in increasing order. Scans use
// this so objects are visited in address order.
func (s *CardSet) Sorted() []uintptr {
	out := make([]uintptr, 0, len(s.cards))
	for c := range s.cards {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
