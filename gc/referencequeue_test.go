package gc

import (
	"testing"
	"unsafe"

	"github.com/quartz-rt/quartz/object"
)

var (
	weakRefClass = object.NewReferenceClass("Ljava/lang/ref/WeakReference;", object.KindWeakReference)
	payloadClass = object.NewClass("LPayload;", 16, nil)
)

var queueKeepAlive [][]byte

func rawObj(cls *object.Class) object.Ref {
	size := cls.InstanceSize()
	buf := make([]byte, size+object.Alignment)
	queueKeepAlive = append(queueKeepAlive, buf)
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	addr = (addr + object.Alignment - 1) &^ (object.Alignment - 1)
	r := object.Ref(addr)
	r.SetClass(cls)
	return r
}

func TestEnqueueIfNotEnqueued(t *testing.T) {
	var q ReferenceQueue
	ref := rawObj(weakRefClass)

	if !q.EnqueueIfNotEnqueued(ref) {
		t.Fatal("first enqueue failed")
	}
	if !q.Contains(ref) {
		t.Error("queue does not contain the enqueued reference")
	}
	if q.EnqueueIfNotEnqueued(ref) {
		t.Error("second enqueue succeeded")
	}
	if q.Length() != 1 {
		t.Errorf("length %d, want 1", q.Length())
	}
}

func TestCircularListShape(t *testing.T) {
	var q ReferenceQueue
	a := rawObj(weakRefClass)

	q.EnqueueIfNotEnqueued(a)
	// A one-element queue is a self-loop.
	if a.PendingNext() != a {
		t.Error("single entry does not self-loop")
	}

	b := rawObj(weakRefClass)
	q.EnqueueIfNotEnqueued(b)
	// The cycle threads through both entries.
	if a.PendingNext() != b || b.PendingNext() != a {
		t.Error("two-element cycle broken")
	}

	got := q.DequeuePendingReference()
	if got.IsNull() {
		t.Fatal("dequeue from non-empty queue failed")
	}
	// Dequeued references read as unprocessed again.
	if got.PendingNext() != 0 {
		t.Error("dequeued reference still has a pendingNext")
	}
	q.DequeuePendingReference()
	if !q.IsEmpty() {
		t.Error("queue not empty after draining")
	}
	if q.DequeuePendingReference() != 0 {
		t.Error("dequeue from empty queue returned a reference")
	}
}

// alwaysCollector marks nothing or everything, for exercising the clearing
// paths without a heap.
type alwaysCollector struct {
	marked map[object.Ref]bool
	stack  []object.Ref
}

func (c *alwaysCollector) IsMarked(obj object.Ref) bool { return c.marked[obj] }
func (c *alwaysCollector) IsMarkedHeapReference(slot uintptr) bool {
	ref := object.LoadSlot(slot)
	return ref.IsNull() || c.marked[ref]
}
func (c *alwaysCollector) MarkObject(obj object.Ref) object.Ref {
	if !obj.IsNull() && !c.marked[obj] {
		c.marked[obj] = true
		c.stack = append(c.stack, obj)
	}
	return obj
}
func (c *alwaysCollector) MarkHeapReference(slot uintptr) {
	c.MarkObject(object.LoadSlot(slot))
}
func (c *alwaysCollector) ProcessMarkStack() { c.stack = nil }

func TestClearWhiteReferences(t *testing.T) {
	col := &alwaysCollector{marked: make(map[object.Ref]bool)}
	var q, cleared ReferenceQueue

	live := rawObj(payloadClass)
	dead := rawObj(payloadClass)
	col.marked[live] = true

	refLive := rawObj(weakRefClass)
	refLive.SetReferent(live)
	refDead := rawObj(weakRefClass)
	refDead.SetReferent(dead)
	q.EnqueueIfNotEnqueued(refLive)
	q.EnqueueIfNotEnqueued(refDead)

	q.ClearWhiteReferences(&cleared, col)

	if !q.IsEmpty() {
		t.Error("queue not drained")
	}
	if refLive.Referent() != live {
		t.Error("reference to a marked referent was cleared")
	}
	if refDead.Referent() != 0 {
		t.Error("reference to an unmarked referent kept its referent")
	}
	if !cleared.Contains(refDead) || cleared.Contains(refLive) {
		t.Error("cleared queue contents wrong")
	}
}

func TestForwardSoftReferences(t *testing.T) {
	col := &alwaysCollector{marked: make(map[object.Ref]bool)}
	var q ReferenceQueue

	target := rawObj(payloadClass)
	ref := rawObj(weakRefClass)
	ref.SetReferent(target)
	q.EnqueueIfNotEnqueued(ref)

	q.ForwardSoftReferences(col)
	if !col.marked[target] {
		t.Error("referent not marked by forwarding")
	}
	// Forwarding leaves the queue intact for the clearing pass.
	if q.Length() != 1 {
		t.Errorf("queue length %d after forwarding, want 1", q.Length())
	}
}

var finalizerRefClass = object.NewReferenceClass("Ljava/lang/ref/FinalizerReference;", object.KindFinalizerReference)

func TestEnqueueFinalizerReferences(t *testing.T) {
	col := &alwaysCollector{marked: make(map[object.Ref]bool)}
	var q, cleared ReferenceQueue

	doomed := rawObj(payloadClass)
	fin := rawObj(finalizerRefClass)
	fin.SetReferent(doomed)
	q.EnqueueIfNotEnqueued(fin)

	q.EnqueueFinalizerReferences(&cleared, col)

	if fin.Referent() != 0 {
		t.Error("finalizable referent not cleared")
	}
	if fin.Zombie() != doomed {
		t.Error("referent not resurrected into the zombie slot")
	}
	if !col.marked[doomed] {
		t.Error("zombie not marked")
	}
	if !cleared.Contains(fin) {
		t.Error("finalizer reference not moved to cleared")
	}
}
