package gc

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/inhies/go-bytesize"

	"github.com/quartz-rt/quartz/gc/accounting"
	"github.com/quartz-rt/quartz/gc/space"
	"github.com/quartz-rt/quartz/intern"
	"github.com/quartz-rt/quartz/internal/mem"
	"github.com/quartz-rt/quartz/object"
	"github.com/quartz-rt/quartz/thread"
)

// HeapConfig sizes the heap and its trackers.
type HeapConfig struct {
	InitialSize uintptr
	GrowthLimit uintptr
	Capacity    uintptr

	// BumpCapacity > 0 adds a bump-pointer space with TLAB allocation for
	// objects up to TLABSize.
	BumpCapacity uintptr
	TLABSize     uintptr

	EnableAllocTracking bool
	AllocRecordMax      int
	RecentRecordMax     int
	AllocStackDepth     int

	// ClearedReferenceHook is the runtime entry point that enqueues cleared
	// references on their user-visible queues.
	ClearedReferenceHook func(refs []object.Ref)
}

const defaultTLABSize = 32 << 10

// Heap owns the spaces, the card table and the collection machinery, and is
// the allocation entry point.
type Heap struct {
	// gcMu serializes collections; mutatorLock is the stop-the-world lock.
	gcMu        sync.Mutex
	mutatorLock sync.RWMutex

	cardTable        *accounting.CardTable
	continuousSpaces []space.ContinuousSpace
	allocSpace       *space.FreeListSpace
	zygoteSpace      *space.FreeListSpace
	bumpSpace        *space.BumpPointerSpace
	tlabSize         uintptr

	modUnionTables map[string]accounting.ModUnionTable
	rememberedSets map[string]*accounting.RememberedSet

	refProcessor  *ReferenceProcessor
	taskProcessor *TaskProcessor
	allocRecords  *AllocRecordTable
	internTable   *intern.Table

	threadsMu sync.Mutex
	threads   []*thread.Thread

	rootProviders []func(visit func(root *object.Ref))

	statsMu      sync.Mutex
	gcCount      uint64
	objectsFreed uint64
	bytesFreed   uintptr
}

// NewHeap builds a heap per the config.
func NewHeap(cfg HeapConfig) (*Heap, error) {
	if cfg.InitialSize == 0 {
		cfg.InitialSize = 4 << 20
	}
	if cfg.GrowthLimit == 0 {
		cfg.GrowthLimit = 64 << 20
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = cfg.GrowthLimit
	}
	if cfg.TLABSize == 0 {
		cfg.TLABSize = defaultTLABSize
	}

	h := &Heap{
		tlabSize:       cfg.TLABSize,
		modUnionTables: make(map[string]accounting.ModUnionTable),
		rememberedSets: make(map[string]*accounting.RememberedSet),
		internTable:    intern.NewTable(),
		taskProcessor:  NewTaskProcessor(),
	}
	h.refProcessor = NewReferenceProcessor(h.taskProcessor, cfg.ClearedReferenceHook)

	var err error
	h.allocSpace, err = space.NewFreeListSpace("main alloc space",
		cfg.InitialSize, cfg.GrowthLimit, cfg.Capacity)
	if err != nil {
		return nil, err
	}
	h.continuousSpaces = append(h.continuousSpaces, h.allocSpace)

	if cfg.BumpCapacity > 0 {
		h.bumpSpace, err = space.NewBumpPointerSpace("bump pointer space", cfg.BumpCapacity)
		if err != nil {
			h.allocSpace.Release()
			return nil, err
		}
		h.continuousSpaces = append(h.continuousSpaces, h.bumpSpace)
	}

	lo, hi := h.spaceSpan()
	h.cardTable, err = accounting.NewCardTable(lo, hi-lo)
	if err != nil {
		h.releaseSpaces()
		return nil, err
	}

	if h.bumpSpace != nil {
		// Cards in the non-moving space that reach into the bump space.
		rs := accounting.NewRememberedSet("alloc space remembered set", h.cardTable, h.allocSpace)
		h.rememberedSets[h.allocSpace.Name()] = rs
	}

	if cfg.EnableAllocTracking {
		h.allocRecords = NewAllocRecordTable(cfg.AllocRecordMax,
			cfg.RecentRecordMax, cfg.AllocStackDepth)
	}
	return h, nil
}

func (h *Heap) spaceSpan() (lo, hi uintptr) {
	for _, sp := range h.continuousSpaces {
		if lo == 0 || sp.Begin() < lo {
			lo = sp.Begin()
		}
		if sp.Limit() > hi {
			hi = sp.Limit()
		}
	}
	return lo, hi
}

func (h *Heap) releaseSpaces() {
	h.allocSpace.Release()
	if h.zygoteSpace != nil {
		h.zygoteSpace.Release()
	}
	if h.bumpSpace != nil {
		h.bumpSpace.Release()
	}
}

// Release unmaps everything. The heap must be idle.
func (h *Heap) Release() {
	h.taskProcessor.Stop()
	h.releaseSpaces()
	h.cardTable.Release()
}

// ReferenceProcessor returns the heap's reference processor.
func (h *Heap) ReferenceProcessor() *ReferenceProcessor { return h.refProcessor }

// TaskProcessor returns the heap's background task processor.
func (h *Heap) TaskProcessor() *TaskProcessor { return h.taskProcessor }

// InternTable returns the heap's string intern table.
func (h *Heap) InternTable() *intern.Table { return h.internTable }

// AllocRecords returns the allocation record table, nil unless tracking was
// enabled.
func (h *Heap) AllocRecords() *AllocRecordTable { return h.allocRecords }

// CardTable returns the shared card table.
func (h *Heap) CardTable() *accounting.CardTable { return h.cardTable }

// RegisterThread makes the heap aware of a mutator for buffer revocation.
func (h *Heap) RegisterThread(t *thread.Thread) {
	h.threadsMu.Lock()
	h.threads = append(h.threads, t)
	h.threadsMu.Unlock()
}

// UnregisterThread detaches a mutator, revoking its buffer.
func (h *Heap) UnregisterThread(t *thread.Thread) {
	h.threadsMu.Lock()
	for i, cur := range h.threads {
		if cur == t {
			h.threads = append(h.threads[:i], h.threads[i+1:]...)
			break
		}
	}
	h.threadsMu.Unlock()
	if h.bumpSpace != nil {
		h.bumpSpace.RevokeThreadLocalBuffers(t)
	}
}

// AddRootProvider registers a source of GC roots (handle tables, stacks,
// statics).
func (h *Heap) AddRootProvider(provider func(visit func(root *object.Ref))) {
	h.rootProviders = append(h.rootProviders, provider)
}

// AllocObject allocates storage for cls and publishes the class word. On
// exhaustion it collects, then grows, then collects with soft references
// cleared; 0 means genuinely out of memory.
func (h *Heap) AllocObject(self *thread.Thread, cls *object.Class, numBytes uintptr) object.Ref {
	size := mem.AlignUp(numBytes, object.Alignment)
	r := h.tryAlloc(self, size)
	if r.IsNull() {
		h.CollectGarbage(false)
		r = h.tryAlloc(self, size)
	}
	if r.IsNull() {
		r = h.allocWithGrowth(size)
	}
	if r.IsNull() {
		h.CollectGarbage(true)
		r = h.allocWithGrowth(size)
	}
	if r.IsNull() {
		h.allocSpace.LogFragmentationAllocFailure(log.Writer(), size)
		return 0
	}
	r.SetClass(cls)
	if h.allocRecords != nil {
		h.allocRecords.RecordAllocation(self, r, size)
	}
	return r
}

func (h *Heap) tryAlloc(self *thread.Thread, size uintptr) object.Ref {
	h.mutatorLock.RLock()
	defer h.mutatorLock.RUnlock()
	if h.bumpSpace != nil && self != nil && size <= h.tlabSize {
		if r := self.AllocTLAB(size); !r.IsNull() {
			return r
		}
		if h.bumpSpace.AllocNewTLAB(self, h.tlabSize) {
			if r := self.AllocTLAB(size); !r.IsNull() {
				return r
			}
		}
	}
	if r := h.allocSpace.Alloc(size); !r.IsNull() {
		h.allocSpace.LiveBitmap().Set(uintptr(r))
		return r
	}
	return 0
}

func (h *Heap) allocWithGrowth(size uintptr) object.Ref {
	h.mutatorLock.RLock()
	defer h.mutatorLock.RUnlock()
	if r := h.allocSpace.AllocWithGrowth(size); !r.IsNull() {
		h.allocSpace.LiveBitmap().Set(uintptr(r))
		return r
	}
	return 0
}

// WriteReference is the reference store barrier: store, then dirty the
// holder's card.
func (h *Heap) WriteReference(holder object.Ref, off uintptr, value object.Ref) {
	holder.WriteRef(off, value)
	if !value.IsNull() {
		h.cardTable.MarkCard(uintptr(holder))
	}
}

// GetReferent is the mutator entry point for Reference.get.
func (h *Heap) GetReferent(self *thread.Thread, ref object.Ref) object.Ref {
	return h.refProcessor.GetReferent(self, ref)
}

func (h *Heap) revokeAllThreadLocalBuffers() {
	if h.bumpSpace == nil {
		return
	}
	h.threadsMu.Lock()
	defer h.threadsMu.Unlock()
	for _, t := range h.threads {
		h.bumpSpace.RevokeThreadLocalBuffers(t)
	}
}

// CollectGarbage runs a stop-the-world mark-sweep over the always-collect
// spaces. clearSoft additionally clears softly-reachable objects.
func (h *Heap) CollectGarbage(clearSoft bool) {
	h.gcMu.Lock()
	defer h.gcMu.Unlock()
	h.mutatorLock.Lock()
	defer h.mutatorLock.Unlock()

	h.revokeAllThreadLocalBuffers()

	ms := newMarkSweep(h, h.refProcessor, clearSoft)
	h.refProcessor.EnableSlowPath(ms)
	if h.allocRecords != nil {
		h.allocRecords.DisallowNewRecords()
	}

	for _, sp := range h.continuousSpaces {
		if sp.GetPolicy() == space.PolicyAlwaysCollect {
			sp.MarkBitmap().ClearAll()
		}
	}

	// Transfer dirty cards before marking so stores since the last cycle
	// are visible as mod-union/remembered-set entries.
	for _, mut := range h.modUnionTables {
		mut.ClearCards()
	}
	for _, rs := range h.rememberedSets {
		rs.ClearCards()
	}

	for _, provider := range h.rootProviders {
		provider(ms.markRoot)
	}
	h.internTable.VisitStrongRoots(func(r object.Ref) { ms.MarkObject(r) })

	for _, mut := range h.modUnionTables {
		mut.UpdateAndMarkReferences(ms.cardUpdater)
	}
	for _, rs := range h.rememberedSets {
		rs.UpdateAndMarkReferences(ms.cardUpdater)
	}

	ms.ProcessMarkStack()
	h.refProcessor.ProcessReferences(clearSoft, ms)

	h.internTable.SweepWeaks(ms.forward)
	if h.allocRecords != nil {
		h.allocRecords.Sweep(ms.forward)
		h.allocRecords.AllowNewRecords()
	}

	var objects uint64
	var bytes uintptr
	for _, sp := range h.continuousSpaces {
		fls, ok := sp.(*space.FreeListSpace)
		if !ok || fls.GetPolicy() != space.PolicyAlwaysCollect {
			continue
		}
		o, b := ms.sweepSpace(fls)
		objects += o
		bytes += b
	}

	// Collected spaces start the next cycle with clean cards.
	for _, sp := range h.continuousSpaces {
		if sp.GetPolicy() == space.PolicyAlwaysCollect {
			h.cardTable.ClearSpaceCards(sp.Begin(), sp.Limit())
		}
	}

	h.statsMu.Lock()
	h.gcCount++
	h.objectsFreed += objects
	h.bytesFreed += bytes
	h.statsMu.Unlock()
}

// PreZygoteFork seals the current allocation space as the zygote space and
// opens a fresh allocation space behind it. Future collections treat the
// zygote as immune and track its outbound references in a mod-union table.
func (h *Heap) PreZygoteFork() error {
	h.gcMu.Lock()
	defer h.gcMu.Unlock()
	h.mutatorLock.Lock()
	defer h.mutatorLock.Unlock()

	if h.zygoteSpace != nil {
		return fmt.Errorf("gc: zygote space already created")
	}
	newAlloc, err := h.allocSpace.CreateZygoteSpace("main alloc space")
	if err != nil {
		return err
	}
	h.zygoteSpace = h.allocSpace
	h.allocSpace = newAlloc
	h.continuousSpaces = append(h.continuousSpaces, newAlloc)

	mut := accounting.NewModUnionTableCardCache("zygote mod-union table",
		h.cardTable, h.zygoteSpace)
	h.modUnionTables[h.zygoteSpace.Name()] = mut
	delete(h.rememberedSets, h.zygoteSpace.Name())
	return nil
}

// Trim returns unused pages to the OS and logs the reclaimed amount.
func (h *Heap) Trim() uintptr {
	released := h.allocSpace.Trim()
	if h.zygoteSpace != nil {
		released += h.zygoteSpace.Trim()
	}
	if released > 0 {
		log.Printf("gc: heap trim released %v", bytesize.New(float64(released)))
	}
	return released
}

// HeapTrimTask trims the heap from the task processor.
type HeapTrimTask struct {
	HeapTaskBase
	heap *Heap
}

// Run performs the trim.
func (t *HeapTrimTask) Run(self *thread.Thread) {
	t.heap.Trim()
}

// RequestTrim schedules a trim after delay.
func (h *Heap) RequestTrim(delay time.Duration) {
	h.taskProcessor.AddTask(&HeapTrimTask{
		HeapTaskBase: NewHeapTaskBase(time.Now().Add(delay)),
		heap:         h,
	})
}

// SpaceInfo is the read-only per-space view diagnostics consume.
type SpaceInfo interface {
	Name() string
	Begin() uintptr
	Limit() uintptr
	Footprint() uintptr
	ObjectsAllocated() uint64
	BytesAllocated() uint64
}

// Spaces returns diagnostic views of every space.
func (h *Heap) Spaces() []SpaceInfo {
	var infos []SpaceInfo
	for _, sp := range h.continuousSpaces {
		infos = append(infos, sp.(SpaceInfo))
	}
	return infos
}

// WalkObjects visits every allocated object in every space. The heap must be
// quiescent.
func (h *Heap) WalkObjects(visitor func(obj object.Ref)) {
	h.allocSpace.Walk(visitor)
	if h.zygoteSpace != nil {
		h.zygoteSpace.Walk(visitor)
	}
	if h.bumpSpace != nil {
		h.bumpSpace.Walk(visitor)
	}
}

// Stats returns collection counters.
func (h *Heap) Stats() (gcCount, objectsFreed uint64, bytesFreed uintptr) {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	return h.gcCount, h.objectsFreed, h.bytesFreed
}

// BytesAllocated sums the space counters.
func (h *Heap) BytesAllocated() uint64 {
	total := h.allocSpace.BytesAllocated()
	if h.bumpSpace != nil {
		total += h.bumpSpace.BytesAllocated()
	}
	if h.zygoteSpace != nil {
		total += h.zygoteSpace.BytesAllocated()
	}
	return total
}
