// Package intern implements the string intern table: two sets keyed by string
// contents, one holding strings strongly and one weakly. Weak entries are
// swept by the collector and promoted to strong on a strong intern.
package intern

import (
	"fmt"
	"io"
	"sync"

	"github.com/quartz-rt/quartz/object"
)

// Table interns string objects by contents. All operations take the table
// lock; sweeping runs with mutators suspended but still locks for the
// cheapness of it.
type Table struct {
	mu     sync.Mutex
	strong map[string]object.Ref
	weak   map[string]object.Ref
}

// NewTable returns an empty intern table.
func NewTable() *Table {
	return &Table{
		strong: make(map[string]object.Ref),
		weak:   make(map[string]object.Ref),
	}
}

// InternStrong interns s strongly. A weak entry with the same contents is
// promoted. Returns the canonical string object.
func (t *Table) InternStrong(s object.Ref) object.Ref {
	key := s.StringValue()
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.strong[key]; ok {
		return r
	}
	if r, ok := t.weak[key]; ok {
		delete(t.weak, key)
		t.strong[key] = r
		return r
	}
	t.strong[key] = s
	return s
}

// InternWeak interns s weakly. An existing entry of either strength wins.
func (t *Table) InternWeak(s object.Ref) object.Ref {
	key := s.StringValue()
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.strong[key]; ok {
		return r
	}
	if r, ok := t.weak[key]; ok {
		return r
	}
	t.weak[key] = s
	return s
}

// Lookup returns the canonical object for contents, if interned.
func (t *Table) Lookup(contents string) (object.Ref, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.strong[contents]; ok {
		return r, true
	}
	r, ok := t.weak[contents]
	return r, ok
}

// SweepWeaks applies the collector's forwarding visitor to every weak entry.
// A zero return removes the entry; a non-zero return replaces it with the
// forwarded address.
func (t *Table) SweepWeaks(forward func(object.Ref) object.Ref) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, r := range t.weak {
		if fwd := forward(r); fwd.IsNull() {
			delete(t.weak, key)
		} else {
			t.weak[key] = fwd
		}
	}
}

// VisitStrongRoots presents every strong entry to the root visitor.
func (t *Table) VisitStrongRoots(visit func(object.Ref)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.strong {
		visit(r)
	}
}

// Sizes returns the strong and weak entry counts.
func (t *Table) Sizes() (strong, weak int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.strong), len(t.weak)
}

// Dump writes the table occupancy.
func (t *Table) Dump(w io.Writer) {
	strong, weak := t.Sizes()
	fmt.Fprintf(w, "intern table: %d strong, %d weak\n", strong, weak)
}
