package object

import "sync"

// ClassTable is a per-class-loader set of classes, structured as a stack of
// frozen snapshots plus a mutable top set. Boot-image classes live in the
// oldest snapshots; classes defined at runtime go into the top set.
type ClassTable struct {
	mu   sync.Mutex
	sets []map[string]*Class
}

// NewClassTable returns a table with a single mutable set.
func NewClassTable() *ClassTable {
	return &ClassTable{sets: []map[string]*Class{{}}}
}

// Lookup searches the sets from the newest snapshot down and returns the
// first class with the given descriptor, or nil.
func (t *ClassTable) Lookup(descriptor string) *Class {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.sets) - 1; i >= 0; i-- {
		if c, ok := t.sets[i][descriptor]; ok {
			return c
		}
	}
	return nil
}

// Insert adds a class to the mutable top set. An existing class with the
// same descriptor in the top set is replaced; frozen snapshots are never
// touched.
func (t *ClassTable) Insert(c *Class) {
	t.mu.Lock()
	t.sets[len(t.sets)-1][c.descriptor] = c
	t.mu.Unlock()
}

// Contains reports whether any set holds a class with the descriptor.
func (t *ClassTable) Contains(descriptor string) bool {
	return t.Lookup(descriptor) != nil
}

// FreezeSnapshot makes the current top set immutable and pushes a fresh
// mutable set on top.
func (t *ClassTable) FreezeSnapshot() {
	t.mu.Lock()
	t.sets = append(t.sets, map[string]*Class{})
	t.mu.Unlock()
}

// NumSets returns the snapshot depth including the mutable top.
func (t *ClassTable) NumSets() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sets)
}

// Size returns the number of distinct descriptors across all sets.
func (t *ClassTable) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := map[string]struct{}{}
	for _, set := range t.sets {
		for d := range set {
			seen[d] = struct{}{}
		}
	}
	return len(seen)
}

// VisitClasses calls fn for every class in every set, newest set first.
// Returning false stops the walk.
func (t *ClassTable) VisitClasses(fn func(c *Class) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.sets) - 1; i >= 0; i-- {
		for _, c := range t.sets[i] {
			if !fn(c) {
				return
			}
		}
	}
}
