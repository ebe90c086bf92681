package gc

import (
	"testing"

	"github.com/quartz-rt/quartz/object"
	"github.com/quartz-rt/quartz/thread"
)

var (
	softRefClass = object.NewReferenceClass("Ljava/lang/ref/SoftReference;", object.KindSoftReference)
	holderClass  = object.NewClass("LHolder;", 16, []uintptr{8})
)

type testHeap struct {
	*Heap
	roots   []object.Ref
	cleared []object.Ref
}

func newTestHeap(t *testing.T, cfg HeapConfig) *testHeap {
	t.Helper()
	th := &testHeap{}
	cfg.ClearedReferenceHook = func(refs []object.Ref) {
		th.cleared = append(th.cleared, refs...)
	}
	if cfg.InitialSize == 0 {
		cfg.InitialSize = 1 << 20
	}
	if cfg.GrowthLimit == 0 {
		cfg.GrowthLimit = 8 << 20
	}
	h, err := NewHeap(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.Release)
	th.Heap = h
	h.AddRootProvider(func(visit func(root *object.Ref)) {
		for i := range th.roots {
			visit(&th.roots[i])
		}
	})
	return th
}

func TestAllocAndCollect(t *testing.T) {
	h := newTestHeap(t, HeapConfig{})

	rooted := h.AllocObject(nil, payloadClass, 16)
	garbage := h.AllocObject(nil, payloadClass, 16)
	if rooted.IsNull() || garbage.IsNull() {
		t.Fatal("allocation failed")
	}
	h.roots = append(h.roots, rooted)

	h.CollectGarbage(false)

	gcs, objects, bytes := h.Stats()
	if gcs != 1 {
		t.Errorf("gc count %d", gcs)
	}
	if objects == 0 || bytes == 0 {
		t.Error("collection freed nothing")
	}
	if cls, freed := h.allocSpace.WasRecentlyFreed(garbage); !freed || cls != payloadClass {
		t.Error("unrooted object not freed")
	}
	if _, freed := h.allocSpace.WasRecentlyFreed(rooted); freed {
		t.Error("rooted object freed")
	}
}

func TestReachabilityThroughFields(t *testing.T) {
	h := newTestHeap(t, HeapConfig{})

	holder := h.AllocObject(nil, holderClass, holderClass.InstanceSize())
	target := h.AllocObject(nil, payloadClass, 16)
	h.WriteReference(holder, 8, target)
	h.roots = append(h.roots, holder)

	h.CollectGarbage(false)
	if _, freed := h.allocSpace.WasRecentlyFreed(target); freed {
		t.Error("field-reachable object freed")
	}

	// Severing the edge kills the target on the next cycle.
	h.WriteReference(holder, 8, 0)
	h.CollectGarbage(false)
	if _, freed := h.allocSpace.WasRecentlyFreed(target); !freed {
		t.Error("unreachable object kept")
	}
}

func TestSoftReferenceClearingOrder(t *testing.T) {
	h := newTestHeap(t, HeapConfig{})

	payload := h.AllocObject(nil, payloadClass, 16)
	soft := h.AllocObject(nil, softRefClass, softRefClass.InstanceSize())
	h.WriteReference(soft, object.ReferentOffset, payload)
	h.roots = append(h.roots, soft)

	// Without clearing, the collector preserves softly-reachable objects.
	h.CollectGarbage(false)
	if got := h.GetReferent(nil, soft); got != payload {
		t.Fatalf("soft referent cleared by a preserving cycle: %#x", uintptr(got))
	}
	if len(h.cleared) != 0 {
		t.Fatal("preserving cycle produced cleared references")
	}

	// With clearing, the referent is dropped and the reference surfaces on
	// the cleared queue exactly once.
	h.CollectGarbage(true)
	h.TaskProcessor().RunUntilIdle(nil)
	if got := h.GetReferent(nil, soft); !got.IsNull() {
		t.Errorf("soft referent survived a clearing cycle: %#x", uintptr(got))
	}
	if len(h.cleared) != 1 || h.cleared[0] != soft {
		t.Errorf("cleared references %#v", h.cleared)
	}
	if _, freed := h.allocSpace.WasRecentlyFreed(payload); !freed {
		t.Error("cleared referent not swept")
	}
}

func TestFinalizerResurrection(t *testing.T) {
	h := newTestHeap(t, HeapConfig{})

	doomed := h.AllocObject(nil, payloadClass, 16)
	fin := h.AllocObject(nil, finalizerRefClass, finalizerRefClass.InstanceSize())
	h.WriteReference(fin, object.ReferentOffset, doomed)
	h.roots = append(h.roots, fin)

	h.CollectGarbage(false)
	h.TaskProcessor().RunUntilIdle(nil)

	if fin.Referent() != 0 {
		t.Error("finalizable referent not cleared")
	}
	if fin.Zombie() != doomed {
		t.Error("referent not moved to the zombie slot")
	}
	if _, freed := h.allocSpace.WasRecentlyFreed(doomed); freed {
		t.Error("resurrected object swept")
	}
	if len(h.cleared) != 1 || h.cleared[0] != fin {
		t.Errorf("cleared references %#v", h.cleared)
	}

	// The zombie edge keeps the object alive until the reference dies.
	h.CollectGarbage(false)
	if _, freed := h.allocSpace.WasRecentlyFreed(doomed); freed {
		t.Error("zombie-reachable object swept")
	}
}

func TestTLABAllocation(t *testing.T) {
	h := newTestHeap(t, HeapConfig{BumpCapacity: 1 << 20})
	self := thread.Attach("mutator")
	h.RegisterThread(self)
	defer h.UnregisterThread(self)

	a := h.AllocObject(self, payloadClass, 16)
	b := h.AllocObject(self, payloadClass, 16)
	if a.IsNull() || b.IsNull() {
		t.Fatal("TLAB allocation failed")
	}
	if !h.bumpSpace.HasAddress(uintptr(a)) || !h.bumpSpace.HasAddress(uintptr(b)) {
		t.Error("small allocations not in the bump space")
	}
	// Consecutive TLAB allocations are contiguous.
	if uintptr(b) != uintptr(a)+16 {
		t.Errorf("TLAB layout: %#x then %#x", uintptr(a), uintptr(b))
	}

	// Oversized requests bypass the TLAB path.
	big := h.AllocObject(self, payloadClass, h.tlabSize+16)
	if big.IsNull() || !h.allocSpace.HasAddress(uintptr(big)) {
		t.Error("oversized allocation not in the free-list space")
	}
}

func TestZygoteModUnion(t *testing.T) {
	h := newTestHeap(t, HeapConfig{})

	holder := h.AllocObject(nil, holderClass, holderClass.InstanceSize())
	h.roots = append(h.roots, holder)
	h.CollectGarbage(false)

	if err := h.PreZygoteFork(); err != nil {
		t.Fatal(err)
	}
	if !h.zygoteSpace.HasAddress(uintptr(holder)) {
		t.Fatal("pre-fork object not in the zygote space")
	}

	// A store from the immune zygote into the new alloc space must keep the
	// target alive through the mod-union table; nothing else reaches it.
	h.roots = nil
	target := h.AllocObject(nil, payloadClass, 16)
	if !h.allocSpace.HasAddress(uintptr(target)) {
		t.Fatal("post-fork allocation not in the new alloc space")
	}
	h.WriteReference(holder, 8, target)

	h.CollectGarbage(false)
	if _, freed := h.allocSpace.WasRecentlyFreed(target); freed {
		t.Error("mod-union-reachable object swept")
	}

	// Clearing the zygote field leaves the target unreachable.
	h.WriteReference(holder, 8, 0)
	h.cardTable.MarkCard(uintptr(holder))
	h.CollectGarbage(false)
	if _, freed := h.allocSpace.WasRecentlyFreed(target); !freed {
		t.Error("unreachable object kept alive by a stale mod-union entry")
	}
}

func TestAllocationTracking(t *testing.T) {
	h := newTestHeap(t, HeapConfig{
		EnableAllocTracking: true,
		AllocRecordMax:      64,
		RecentRecordMax:     8,
	})

	obj := h.AllocObject(nil, payloadClass, 16)
	rec, ok := h.AllocRecords().Lookup(obj)
	if !ok {
		t.Fatal("allocation not recorded")
	}
	if rec.ByteCount() != 16 {
		t.Errorf("recorded %d bytes", rec.ByteCount())
	}

	// The record root survives a cycle in which the object survives.
	h.roots = append(h.roots, obj)
	h.CollectGarbage(false)
	if _, ok := h.AllocRecords().Lookup(obj); !ok {
		t.Error("record lost for a live object")
	}
}

func TestHeapTrimTask(t *testing.T) {
	h := newTestHeap(t, HeapConfig{InitialSize: 1 << 13})

	big := h.AllocObject(nil, payloadClass, 1<<16)
	if big.IsNull() {
		t.Fatal("allocation failed")
	}
	h.CollectGarbage(false) // frees big, piles it onto the top chunk

	before := h.allocSpace.Footprint()
	h.RequestTrim(0)
	h.TaskProcessor().RunUntilIdle(nil)
	if h.allocSpace.Footprint() >= before {
		t.Errorf("footprint %d not reduced from %d", h.allocSpace.Footprint(), before)
	}
}

func TestOutOfMemoryReturnsNull(t *testing.T) {
	h := newTestHeap(t, HeapConfig{
		InitialSize: 1 << 13,
		GrowthLimit: 1 << 16,
		Capacity:    1 << 16,
	})
	if r := h.AllocObject(nil, payloadClass, 1<<17); !r.IsNull() {
		t.Error("impossible allocation succeeded")
	}
}
