package gc

import (
	"github.com/quartz-rt/quartz/gc/accounting"
	"github.com/quartz-rt/quartz/gc/space"
	"github.com/quartz-rt/quartz/object"
)

// MarkSweep is a non-moving tracing collector over the space mark bitmaps.
// Objects in immune spaces are treated as marked without tracing into their
// bitmaps; references out of them come in through mod-union tables.
type MarkSweep struct {
	heap      *Heap
	refProc   *ReferenceProcessor
	clearSoft bool

	markStack []object.Ref
	immune    []space.ContinuousSpace

	objectsMarked uint64
}

func newMarkSweep(h *Heap, refProc *ReferenceProcessor, clearSoft bool) *MarkSweep {
	ms := &MarkSweep{heap: h, refProc: refProc, clearSoft: clearSoft}
	for _, sp := range h.continuousSpaces {
		if sp.GetPolicy() != space.PolicyAlwaysCollect {
			ms.immune = append(ms.immune, sp)
		}
	}
	return ms
}

func (ms *MarkSweep) isImmune(addr uintptr) bool {
	for _, sp := range ms.immune {
		if sp.HasAddress(addr) {
			return true
		}
	}
	return false
}

func (ms *MarkSweep) markBitmapFor(addr uintptr) *accounting.SpaceBitmap {
	for _, sp := range ms.heap.continuousSpaces {
		if sp.HasAddress(addr) {
			return sp.MarkBitmap()
		}
	}
	return nil
}

// IsMarked reports whether obj needs no further marking this cycle. Objects
// outside every known space are roots pinned elsewhere and count as marked.
func (ms *MarkSweep) IsMarked(obj object.Ref) bool {
	if obj.IsNull() {
		return true
	}
	addr := uintptr(obj)
	if ms.isImmune(addr) {
		return true
	}
	bm := ms.markBitmapFor(addr)
	if bm == nil {
		return true
	}
	return bm.Test(addr)
}

// IsMarkedHeapReference implements the collector interface. The collector
// does not move objects, so the slot is never rewritten.
func (ms *MarkSweep) IsMarkedHeapReference(slot uintptr) bool {
	return ms.IsMarked(object.LoadSlot(slot))
}

// MarkObject marks obj and queues it for scanning. Identity is returned;
// this collector never forwards.
func (ms *MarkSweep) MarkObject(obj object.Ref) object.Ref {
	if obj.IsNull() {
		return obj
	}
	addr := uintptr(obj)
	if ms.isImmune(addr) {
		return obj
	}
	bm := ms.markBitmapFor(addr)
	if bm == nil {
		return obj
	}
	if !bm.AtomicTestAndSet(addr) {
		ms.objectsMarked++
		ms.markStack = append(ms.markStack, obj)
	}
	return obj
}

// MarkHeapReference marks the object the slot points to.
func (ms *MarkSweep) MarkHeapReference(slot uintptr) {
	if ref := object.LoadSlot(slot); !ref.IsNull() {
		ms.MarkObject(ref)
	}
}

// markRoot is the root-visitor shape consumed by tables and providers.
func (ms *MarkSweep) markRoot(root *object.Ref) {
	ms.MarkObject(*root)
}

// cardUpdater is the reference-updater shape consumed by mod-union tables
// and remembered sets: mark through the slot and keep the card if the slot
// still points into a collected space.
func (ms *MarkSweep) cardUpdater(holder object.Ref, slot uintptr) bool {
	ref := object.LoadSlot(slot)
	if ref.IsNull() {
		return false
	}
	if ms.isImmune(uintptr(ref)) {
		return false
	}
	ms.MarkObject(ref)
	return true
}

// ProcessMarkStack scans queued objects until the stack is empty.
// Reference-typed objects with unmarked referents are delayed to the
// reference processor instead of having their referent traced.
func (ms *MarkSweep) ProcessMarkStack() {
	for len(ms.markStack) > 0 {
		obj := ms.markStack[len(ms.markStack)-1]
		ms.markStack = ms.markStack[:len(ms.markStack)-1]
		ms.scanObject(obj)
	}
}

func (ms *MarkSweep) scanObject(obj object.Ref) {
	cls := obj.Class()
	if cls == nil {
		return
	}
	obj.VisitReferences(func(off uintptr) {
		ms.MarkHeapReference(obj.SlotAddr(off))
	})
	if cls.IsTypeOfReferenceClass() && ms.refProc != nil {
		ms.refProc.DelayReferenceReferent(cls, obj, ms)
	}
}

// forward is the weak-sweep visitor: identity for marked objects, 0 for
// dead ones.
func (ms *MarkSweep) forward(obj object.Ref) object.Ref {
	if ms.IsMarked(obj) {
		return obj
	}
	return 0
}

// sweepSpace frees everything live-but-unmarked in a free-list space and
// installs the mark bitmap as the new live bitmap.
func (ms *MarkSweep) sweepSpace(sp *space.FreeListSpace) (objects uint64, bytes uintptr) {
	live, mark := sp.LiveBitmap(), sp.MarkBitmap()
	accounting.SweepWalk(live, mark, sp.Begin(), sp.End(), func(batch []uintptr) {
		refs := make([]object.Ref, len(batch))
		for i, addr := range batch {
			refs[i] = object.Ref(addr)
		}
		objects += uint64(len(refs))
		bytes += sp.Free(refs...)
	})
	sp.SwapBitmaps()
	sp.MarkBitmap().ClearAll()
	return objects, bytes
}
