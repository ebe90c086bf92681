// Package gc holds the collection machinery built on the accounting and
// space layers: the collector interface, the mark-sweep collector, reference
// queues and the reference processor, the allocation record table, the task
// processor and the heap orchestrator.
package gc

import "github.com/quartz-rt/quartz/object"

// Collector is the small surface the reference processor and the accounting
// tables need from a tracing collector. Implementations may forward objects;
// non-moving collectors return identity from MarkObject.
type Collector interface {
	// IsMarked reports whether obj has been marked this cycle.
	IsMarked(obj object.Ref) bool

	// IsMarkedHeapReference reads the reference at slot. If the referent is
	// marked it updates the slot to the forwarded address and returns true.
	// A null slot is trivially marked.
	IsMarkedHeapReference(slot uintptr) bool

	// MarkObject marks obj, queueing it for tracing, and returns its
	// (possibly forwarded) address.
	MarkObject(obj object.Ref) object.Ref

	// MarkHeapReference marks the object the slot refers to, updating the
	// slot on forwarding.
	MarkHeapReference(slot uintptr)

	// ProcessMarkStack traces until the mark stack is empty.
	ProcessMarkStack()
}
