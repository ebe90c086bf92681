package gc

import (
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/quartz-rt/quartz/object"
	"github.com/quartz-rt/quartz/thread"
)

// AllocRecord remembers one tracked allocation. The object root is updated
// by the sweep so compacting collectors keep records valid; a nulled root
// with a surviving record marks a recently-freed object.
type AllocRecord struct {
	obj       object.Ref
	cls       *object.Class
	byteCount uintptr
	tid       int32
	trace     []uintptr
}

// Object returns the tracked object root, 0 once the object died.
func (r *AllocRecord) Object() object.Ref { return r.obj }

// Class returns the allocated class.
func (r *AllocRecord) Class() *object.Class { return r.cls }

// ByteCount returns the allocation size.
func (r *AllocRecord) ByteCount() uintptr { return r.byteCount }

// ThreadID returns the allocating thread.
func (r *AllocRecord) ThreadID() int32 { return r.tid }

// Trace returns the captured program counters.
func (r *AllocRecord) Trace() []uintptr { return r.trace }

// AllocRecordTable is a bounded order-preserving record of recent
// allocations, oldest first.
type AllocRecordTable struct {
	mu   sync.Mutex
	cond *sync.Cond

	entries []AllocRecord

	allocRecordMax  int
	recentRecordMax int
	maxStackDepth   int

	// allowNewRecords is cleared during the GC window in which weak-ref
	// access is disabled; recording waits it out.
	allowNewRecords bool
}

const (
	defaultAllocRecordMax  = 512 * 1024
	defaultRecentRecordMax = 64 * 1024
	defaultStackDepth      = 16
)

// NewAllocRecordTable builds a table with the given bounds; zero values pick
// the defaults.
func NewAllocRecordTable(allocRecordMax, recentRecordMax, maxStackDepth int) *AllocRecordTable {
	if allocRecordMax <= 0 {
		allocRecordMax = defaultAllocRecordMax
	}
	if recentRecordMax <= 0 || recentRecordMax > allocRecordMax {
		recentRecordMax = min(defaultRecentRecordMax, allocRecordMax)
	}
	if maxStackDepth <= 0 {
		maxStackDepth = defaultStackDepth
	}
	t := &AllocRecordTable{
		allocRecordMax:  allocRecordMax,
		recentRecordMax: recentRecordMax,
		maxStackDepth:   maxStackDepth,
		allowNewRecords: true,
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// RecordAllocation appends a record for obj, evicting the oldest entry at
// capacity. It blocks while new records are disallowed.
func (t *AllocRecordTable) RecordAllocation(self *thread.Thread, obj object.Ref, byteCount uintptr) {
	pcs := make([]uintptr, t.maxStackDepth)
	n := runtime.Callers(2, pcs)
	rec := AllocRecord{
		obj:       obj,
		cls:       obj.Class(),
		byteCount: byteCount,
		trace:     pcs[:n],
	}
	if self != nil {
		rec.tid = self.ID()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for !t.allowNewRecords {
		t.cond.Wait()
	}
	if len(t.entries) == t.allocRecordMax {
		t.entries = t.entries[1:]
	}
	t.entries = append(t.entries, rec)
}

// DisallowNewRecords blocks recording for the weak-access-disabled window.
func (t *AllocRecordTable) DisallowNewRecords() {
	t.mu.Lock()
	t.allowNewRecords = false
	t.mu.Unlock()
}

// AllowNewRecords reopens recording and wakes blocked allocators.
func (t *AllocRecordTable) AllowNewRecords() {
	t.mu.Lock()
	t.allowNewRecords = true
	t.cond.Broadcast()
	t.mu.Unlock()
}

// Sweep walks entries oldest to newest with the collector's forwarding
// visitor. Marked objects have their root updated. Unmarked ones among the
// last recentRecordMax entries keep their record with a nulled root; older
// unmarked entries are deleted.
func (t *AllocRecordTable) Sweep(forward func(object.Ref) object.Ref) {
	t.mu.Lock()
	defer t.mu.Unlock()
	recentBegin := len(t.entries) - t.recentRecordMax
	kept := t.entries[:0]
	for i := range t.entries {
		e := &t.entries[i]
		if e.obj.IsNull() {
			kept = append(kept, *e)
			continue
		}
		if fwd := forward(e.obj); !fwd.IsNull() {
			e.obj = fwd
			kept = append(kept, *e)
		} else if i >= recentBegin {
			e.obj = 0
			kept = append(kept, *e)
		}
	}
	t.entries = kept
}

// VisitRoots presents the address of every live object root.
func (t *AllocRecordTable) VisitRoots(visit func(root *object.Ref)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if !t.entries[i].obj.IsNull() {
			visit(&t.entries[i].obj)
		}
	}
}

// Size returns the number of records.
func (t *AllocRecordTable) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Lookup returns the record for obj, newest first.
func (t *AllocRecordTable) Lookup(obj object.Ref) (*AllocRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.entries) - 1; i >= 0; i-- {
		if t.entries[i].obj == obj {
			return &t.entries[i], true
		}
	}
	return nil, false
}

// Dump writes a summary with resolved top frames.
func (t *AllocRecordTable) Dump(w io.Writer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(w, "allocation records: %d entries\n", len(t.entries))
	for i := range t.entries {
		e := &t.entries[i]
		site := "<no trace>"
		if len(e.trace) > 0 {
			frames := runtime.CallersFrames(e.trace)
			if f, _ := frames.Next(); f.Function != "" {
				site = fmt.Sprintf("%s (%s:%d)", f.Function, f.File, f.Line)
			}
		}
		desc := "<null>"
		if e.cls != nil {
			desc = e.cls.Descriptor()
		}
		fmt.Fprintf(w, "  %#x %s %d bytes tid=%d at %s\n",
			uintptr(e.obj), desc, e.byteCount, e.tid, site)
	}
}
