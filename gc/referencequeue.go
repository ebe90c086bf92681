package gc

import (
	"fmt"
	"io"
	"sync"

	"github.com/quartz-rt/quartz/object"
)

// ReferenceQueue is an intrusive queue of reference-typed objects threaded
// through their pendingNext slots. The list is circular: an empty queue is a
// nil head, a one-element queue points to itself. list always names the tail;
// the head is tail.pendingNext.
type ReferenceQueue struct {
	mu   sync.Mutex
	list object.Ref
}

// EnqueueIfNotEnqueued claims ref's pendingNext slot and splices it in. A
// reference already on some queue is left alone and false is returned, so
// each reference is processed at most once per cycle.
func (q *ReferenceQueue) EnqueueIfNotEnqueued(ref object.Ref) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	// The CAS claims the slot: a self-loop is the smallest valid cycle.
	if !ref.CasPendingNext(0, ref) {
		return false
	}
	if q.list.IsNull() {
		q.list = ref
	} else {
		head := q.list.PendingNext()
		ref.SetPendingNext(head)
		q.list.SetPendingNext(ref)
	}
	return true
}

// enqueueLocked links an already-claimed reference. Used when moving a
// reference between queues during processing, when no mutator can race.
func (q *ReferenceQueue) enqueueLocked(ref object.Ref) {
	if q.list.IsNull() {
		ref.SetPendingNext(ref)
		q.list = ref
	} else {
		head := q.list.PendingNext()
		ref.SetPendingNext(head)
		q.list.SetPendingNext(ref)
	}
}

// DequeuePendingReference unlinks and returns the head, clearing its
// pendingNext so it counts as unprocessed again. Returns 0 on an empty
// queue.
func (q *ReferenceQueue) DequeuePendingReference() object.Ref {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dequeueLocked()
}

func (q *ReferenceQueue) dequeueLocked() object.Ref {
	if q.list.IsNull() {
		return 0
	}
	ref := q.list.PendingNext()
	if ref == q.list {
		q.list = 0
	} else {
		q.list.SetPendingNext(ref.PendingNext())
	}
	ref.SetPendingNext(0)
	return ref
}

// IsEmpty reports whether the queue holds no references.
func (q *ReferenceQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.list.IsNull()
}

// Length walks the cycle and counts entries.
func (q *ReferenceQueue) Length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	q.forEachLocked(func(object.Ref) { n++ })
	return n
}

// Contains reports whether ref is on this queue.
func (q *ReferenceQueue) Contains(ref object.Ref) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	found := false
	q.forEachLocked(func(r object.Ref) {
		if r == ref {
			found = true
		}
	})
	return found
}

func (q *ReferenceQueue) forEachLocked(visit func(object.Ref)) {
	if q.list.IsNull() {
		return
	}
	r := q.list.PendingNext()
	for {
		visit(r)
		if r == q.list {
			return
		}
		r = r.PendingNext()
	}
}

// ForwardSoftReferences asks the collector to mark every referent, giving
// soft references that survive this cycle a strongly-reachable referent.
func (q *ReferenceQueue) ForwardSoftReferences(collector Collector) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.forEachLocked(func(ref object.Ref) {
		collector.MarkHeapReference(ref.SlotAddr(object.ReferentOffset))
	})
}

// ClearWhiteReferences drains the queue. References whose referent is still
// unmarked have the referent cleared and move to cleared; the rest are
// dropped from the queue untouched.
func (q *ReferenceQueue) ClearWhiteReferences(cleared *ReferenceQueue, collector Collector) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		ref := q.dequeueLocked()
		if ref.IsNull() {
			return
		}
		slot := ref.SlotAddr(object.ReferentOffset)
		if object.LoadSlot(slot).IsNull() {
			continue
		}
		if !collector.IsMarkedHeapReference(slot) {
			ref.ClearReferent()
			cleared.mu.Lock()
			cleared.enqueueLocked(ref)
			cleared.mu.Unlock()
		}
	}
}

// EnqueueFinalizerReferences drains the queue. A reference with an unmarked
// referent has the referent resurrected into the zombie slot, the referent
// cleared, and moves to cleared for finalization.
func (q *ReferenceQueue) EnqueueFinalizerReferences(cleared *ReferenceQueue, collector Collector) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		ref := q.dequeueLocked()
		if ref.IsNull() {
			return
		}
		slot := ref.SlotAddr(object.ReferentOffset)
		referent := object.LoadSlot(slot)
		if referent.IsNull() {
			continue
		}
		if !collector.IsMarkedHeapReference(slot) {
			zombie := collector.MarkObject(referent)
			ref.SetZombie(zombie)
			ref.ClearReferent()
			cleared.mu.Lock()
			cleared.enqueueLocked(ref)
			cleared.mu.Unlock()
		}
	}
}

// DrainTo dequeues everything into a slice, oldest insertion order not
// guaranteed.
func (q *ReferenceQueue) DrainTo(out []object.Ref) []object.Ref {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		ref := q.dequeueLocked()
		if ref.IsNull() {
			return out
		}
		out = append(out, ref)
	}
}

// Dump writes the queued references with their classes and referents.
func (q *ReferenceQueue) Dump(w io.Writer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := 0
	q.forEachLocked(func(r object.Ref) {
		desc := "<unpublished>"
		if c := r.Class(); c != nil {
			desc = c.Descriptor()
		}
		fmt.Fprintf(w, "  [%d] %#x %s referent=%#x\n", i, uintptr(r), desc, uintptr(r.Referent()))
		i++
	})
}
