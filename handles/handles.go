// Package handles implements the indirect reference table: fixed-capacity
// slot arrays handing out opaque integer handles instead of raw heap
// addresses. A per-slot generation counter makes stale handles detectable
// after their slot has been reused.
package handles

import (
	"fmt"
	"io"
	"log"
	"sort"

	"github.com/quartz-rt/quartz/object"
)

// Kind occupies the low two bits of a handle.
type Kind uint8

const (
	KindHandleScope Kind = 0
	KindLocal       Kind = 1
	KindGlobal      Kind = 2
	KindWeakGlobal  Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindHandleScope:
		return "handle-scope"
	case KindLocal:
		return "local"
	case KindGlobal:
		return "global"
	case KindWeakGlobal:
		return "weak-global"
	}
	return "invalid"
}

// Handle layout: index<<18 | serial<<2 | kind.
type Handle uintptr

const (
	kindBits   = 2
	serialBits = 16

	kindMask   = 1<<kindBits - 1
	serialMask = 1<<serialBits - 1

	// Handles stay well inside the uintptr even on 32-bit targets.
	maxEntries = 1 << 14
)

func makeHandle(index uint32, serial uint16, kind Kind) Handle {
	return Handle(uintptr(index)<<(kindBits+serialBits) |
		uintptr(serial)<<kindBits | uintptr(kind))
}

// IsNull reports whether h is the null handle.
func (h Handle) IsNull() bool { return h == 0 }

// Index returns the slot index encoded in h.
func (h Handle) Index() uint32 { return uint32(h >> (kindBits + serialBits)) }

// Serial returns the generation counter encoded in h.
func (h Handle) Serial() uint16 { return uint16(h>>kindBits) & serialMask }

// Kind returns the handle kind encoded in h.
func (h Handle) Kind() Kind { return Kind(h & kindMask) }

type slot struct {
	ref    object.Ref
	serial uint16
}

// Cookie snapshots the segment state: the top index and the hole count of the
// segment being left open.
type Cookie uint64

func makeCookie(top, holes uint32) Cookie { return Cookie(top)<<32 | Cookie(holes) }
func (c Cookie) top() uint32              { return uint32(c >> 32) }
func (c Cookie) holes() uint32            { return uint32(c) }

// Table is one indirect reference table. Segment push/pop is only meaningful
// for local tables and is single-threaded per owning thread; the caller
// serializes access.
type Table struct {
	name  string
	kind  Kind
	slots []slot

	topIndex uint32
	// numHoles counts nulled slots below topIndex in the current segment.
	numHoles uint32
}

// NewTable creates a table with room for capacity entries.
func NewTable(name string, kind Kind, capacity int) (*Table, error) {
	if capacity <= 0 || capacity > maxEntries {
		return nil, fmt.Errorf("handles: capacity %d outside (0, %d]", capacity, maxEntries)
	}
	return &Table{name: name, kind: kind, slots: make([]slot, capacity)}, nil
}

// Size returns the number of live entries.
func (t *Table) Size() int { return int(t.topIndex - t.numHoles) }

// Capacity returns the fixed slot count.
func (t *Table) Capacity() int { return len(t.slots) }

// PushSegment opens a new segment and returns the cookie that closes it.
func (t *Table) PushSegment() Cookie {
	c := makeCookie(t.topIndex, t.numHoles)
	t.numHoles = 0
	return c
}

// PopSegment abandons every handle added since the matching PushSegment,
// nulling the roots so they stop reaching the heap.
func (t *Table) PopSegment(c Cookie) {
	for i := c.top(); i < t.topIndex; i++ {
		t.slots[i].ref = 0
	}
	t.topIndex = c.top()
	t.numHoles = c.holes()
}

// Add stores obj and returns its handle. Holes from earlier removals in the
// current segment are filled first. Capacity exhaustion is fatal.
func (t *Table) Add(c Cookie, obj object.Ref) Handle {
	if obj.IsNull() {
		panic("handles: adding a null reference")
	}
	var index uint32
	switch {
	case t.numHoles > 0:
		index = t.findHole(c.top())
		t.numHoles--
	case int(t.topIndex) < len(t.slots):
		index = t.topIndex
		t.topIndex++
	default:
		panic(fmt.Sprintf("handles: table %s overflow (capacity %d)", t.name, len(t.slots)))
	}
	s := &t.slots[index]
	s.serial++
	s.ref = obj
	return makeHandle(index, s.serial, t.kind)
}

func (t *Table) findHole(bottom uint32) uint32 {
	for i := t.topIndex; i > bottom; i-- {
		if t.slots[i-1].ref.IsNull() {
			return i - 1
		}
	}
	panic(fmt.Sprintf("handles: table %s lost a hole (top %d, holes %d)",
		t.name, t.topIndex, t.numHoles))
}

// Get resolves a handle. It returns false for the null handle, a kind or
// generation mismatch, or a slot that has been removed or popped.
func (t *Table) Get(h Handle) (object.Ref, bool) {
	if h.IsNull() || h.Kind() != t.kind {
		return 0, false
	}
	index := h.Index()
	if index >= t.topIndex {
		return 0, false
	}
	s := &t.slots[index]
	if s.ref.IsNull() || s.serial != h.Serial() {
		return 0, false
	}
	return s.ref, true
}

// Remove deletes the entry for h from the segment opened by c. Removing the
// topmost entry shrinks the segment and collapses any holes directly below
// it. A stale or foreign handle logs a warning and returns false.
func (t *Table) Remove(c Cookie, h Handle) bool {
	if h.IsNull() || h.Kind() != t.kind {
		log.Printf("handles: table %s: removing invalid handle %#x", t.name, uintptr(h))
		return false
	}
	index := h.Index()
	bottom := c.top()
	if index < bottom || index >= t.topIndex {
		log.Printf("handles: table %s: handle %#x outside segment [%d, %d)",
			t.name, uintptr(h), bottom, t.topIndex)
		return false
	}
	s := &t.slots[index]
	if s.serial != h.Serial() {
		log.Printf("handles: table %s: stale handle %#x (slot serial %d)",
			t.name, uintptr(h), s.serial)
		return false
	}
	if s.ref.IsNull() {
		log.Printf("handles: table %s: double remove of handle %#x", t.name, uintptr(h))
		return false
	}
	if index == t.topIndex-1 {
		s.ref = 0
		t.topIndex--
		// Holes at the new top are no longer addressable; collapse them.
		for t.topIndex > bottom && t.numHoles > 0 && t.slots[t.topIndex-1].ref.IsNull() {
			t.topIndex--
			t.numHoles--
		}
		return true
	}
	s.ref = 0
	t.numHoles++
	return true
}

// VisitRoots presents the address of every live root so a moving collector
// can update it in place.
func (t *Table) VisitRoots(visit func(root *object.Ref)) {
	for i := uint32(0); i < t.topIndex; i++ {
		if !t.slots[i].ref.IsNull() {
			visit(&t.slots[i].ref)
		}
	}
}

// Dump writes a per-class summary of the live entries.
func (t *Table) Dump(w io.Writer) {
	counts := make(map[string]int)
	for i := uint32(0); i < t.topIndex; i++ {
		if r := t.slots[i].ref; !r.IsNull() {
			desc := "<unpublished>"
			if c := r.Class(); c != nil {
				desc = c.Descriptor()
			}
			counts[desc]++
		}
	}
	fmt.Fprintf(w, "%s (%s) table: %d of %d entries live\n",
		t.name, t.kind, t.Size(), len(t.slots))
	descs := make([]string, 0, len(counts))
	for d := range counts {
		descs = append(descs, d)
	}
	sort.Strings(descs)
	for _, d := range descs {
		fmt.Fprintf(w, "  %6d %s\n", counts[d], d)
	}
}
