package gc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/quartz-rt/quartz/object"
	"github.com/quartz-rt/quartz/thread"
)

// ReferenceProcessor drives the ordered clearing of soft, weak, finalizer
// and phantom references after the main trace, and guards mutator referent
// reads while a cycle is deciding reachability.
type ReferenceProcessor struct {
	mu   sync.Mutex
	cond *sync.Cond

	// slowPath gates GetReferent: while set, reads may have to wait for the
	// cycle to decide the referent's fate.
	slowPath atomic.Bool
	// preserving is true while soft or finalizer referents are still being
	// marked, so even marked referents cannot be handed out yet.
	preserving bool
	collector  Collector

	soft      ReferenceQueue
	weak      ReferenceQueue
	finalizer ReferenceQueue
	phantom   ReferenceQueue
	cleared   ReferenceQueue

	taskProcessor *TaskProcessor
	// enqueueHook is the runtime's "enqueue on the user-visible reference
	// queue" entry point, invoked from the cleared-references task.
	enqueueHook func(refs []object.Ref)
}

// NewReferenceProcessor wires the processor to the task processor and the
// runtime enqueue hook. Either may be nil; cleared references are then
// handed to the hook synchronously or dropped.
func NewReferenceProcessor(tp *TaskProcessor, enqueueHook func([]object.Ref)) *ReferenceProcessor {
	p := &ReferenceProcessor{taskProcessor: tp, enqueueHook: enqueueHook}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// GetReferent is the mutator read barrier for Reference.get. On the fast
// path it is a plain load. While a cycle runs it returns the referent only
// once the collector has decided it is reachable, otherwise it blocks until
// processing completes.
func (p *ReferenceProcessor) GetReferent(self *thread.Thread, ref object.Ref) object.Ref {
	if !p.slowPath.Load() {
		return ref.Referent()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.slowPath.Load() {
		referent := ref.Referent()
		if referent.IsNull() {
			return 0
		}
		if !p.preserving && p.collector != nil &&
			p.collector.IsMarkedHeapReference(ref.SlotAddr(object.ReferentOffset)) {
			return ref.Referent()
		}
		p.cond.Wait()
	}
	return ref.Referent()
}

// EnableSlowPath must run before tracing starts, with mutators stopped.
func (p *ReferenceProcessor) EnableSlowPath(collector Collector) {
	p.mu.Lock()
	p.collector = collector
	p.slowPath.Store(true)
	p.mu.Unlock()
}

func (p *ReferenceProcessor) disableSlowPath() {
	p.mu.Lock()
	p.slowPath.Store(false)
	p.collector = nil
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *ReferenceProcessor) startPreserving() {
	p.mu.Lock()
	p.preserving = true
	p.mu.Unlock()
}

func (p *ReferenceProcessor) stopPreserving() {
	p.mu.Lock()
	p.preserving = false
	p.cond.Broadcast()
	p.mu.Unlock()
}

// DelayReferenceReferent routes a traced reference whose referent is not yet
// marked to the queue for its kind. Called by the collector when it scans a
// reference-typed object.
func (p *ReferenceProcessor) DelayReferenceReferent(cls *object.Class, ref object.Ref, collector Collector) {
	slot := ref.SlotAddr(object.ReferentOffset)
	if object.LoadSlot(slot).IsNull() {
		return
	}
	if collector.IsMarkedHeapReference(slot) {
		return
	}
	switch {
	case cls.IsSoftReferenceClass():
		p.soft.EnqueueIfNotEnqueued(ref)
	case cls.IsWeakReferenceClass():
		p.weak.EnqueueIfNotEnqueued(ref)
	case cls.IsFinalizerReferenceClass():
		p.finalizer.EnqueueIfNotEnqueued(ref)
	case cls.IsPhantomReferenceClass():
		p.phantom.EnqueueIfNotEnqueued(ref)
	}
}

// ProcessReferences runs the five phases after the main trace. clearSoft
// selects whether soft references are preserved or treated like weak ones.
func (p *ReferenceProcessor) ProcessReferences(clearSoft bool, collector Collector) {
	// Phase 1: preserve softly-reachable objects by marking through the
	// soft referents, then trace whatever that revived.
	if !clearSoft {
		p.startPreserving()
		p.soft.ForwardSoftReferences(collector)
		collector.ProcessMarkStack()
		p.stopPreserving()
	}

	// Phase 2: clear soft and weak references with unmarked referents.
	p.soft.ClearWhiteReferences(&p.cleared, collector)
	p.weak.ClearWhiteReferences(&p.cleared, collector)

	// Phase 3: resurrect finalizable referents into the zombie slot and
	// trace them; finalizers will run against the zombie.
	p.startPreserving()
	p.finalizer.EnqueueFinalizerReferences(&p.cleared, collector)
	collector.ProcessMarkStack()
	p.stopPreserving()

	// Phase 4: re-clear; finalizer marking cannot have unmarked anything,
	// so this is a cheap idempotent pass.
	p.soft.ClearWhiteReferences(&p.cleared, collector)
	p.weak.ClearWhiteReferences(&p.cleared, collector)

	// Phase 5: phantom references; their referents are never exposed, so
	// marking state is consulted but never preserved.
	p.phantom.ClearWhiteReferences(&p.cleared, collector)

	p.disableSlowPath()
	p.EnqueueClearedReferences()
}

// ClearedReferenceTask hands the cleared references to the runtime's enqueue
// entry point, off the collector's critical path.
type ClearedReferenceTask struct {
	HeapTaskBase
	refs []object.Ref
	hook func([]object.Ref)
}

// Run invokes the enqueue hook.
func (t *ClearedReferenceTask) Run(self *thread.Thread) {
	if t.hook != nil {
		t.hook(t.refs)
	}
}

// EnqueueClearedReferences posts the cleared queue to the task processor, or
// runs the hook inline when no processor is wired.
func (p *ReferenceProcessor) EnqueueClearedReferences() {
	refs := p.cleared.DrainTo(nil)
	if len(refs) == 0 {
		return
	}
	task := &ClearedReferenceTask{
		HeapTaskBase: NewHeapTaskBase(time.Now()),
		refs:         refs,
		hook:         p.enqueueHook,
	}
	if p.taskProcessor != nil {
		p.taskProcessor.AddTask(task)
		return
	}
	task.Run(nil)
}

// ClearedQueue exposes the cleared-references queue for inspection.
func (p *ReferenceProcessor) ClearedQueue() *ReferenceQueue { return &p.cleared }
