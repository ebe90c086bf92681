// Package thread models mutator thread contexts: the per-thread allocation
// buffer cursor, thread-local allocation statistics, and the suspend-check
// flag tested at safepoints. A Thread is attached explicitly by the goroutine
// that drives it; Go gives us no implicit current-thread hook.
package thread

import (
	"sync"
	"sync/atomic"

	"github.com/quartz-rt/quartz/object"
)

var nextID atomic.Int32

// Thread is one mutator context. The TLAB fields are owned by the attached
// goroutine and need no atomics; the suspend flag is written by the collector
// and read at safepoints.
type Thread struct {
	id   int32
	name string

	// TLAB cursor. tlabPos == tlabEnd means no buffer or an exhausted one.
	tlabStart uintptr
	tlabPos   uintptr
	tlabEnd   uintptr

	// Allocation counts since the last revoke, folded into the owning
	// space's counters by RevokeThreadLocal.
	tlabObjects uint64
	tlabBytes   uint64

	suspendRequested atomic.Bool
	suspendMu        sync.Mutex
	suspendCond      *sync.Cond
}

// Attach creates a thread context for the calling goroutine.
func Attach(name string) *Thread {
	t := &Thread{id: nextID.Add(1), name: name}
	t.suspendCond = sync.NewCond(&t.suspendMu)
	return t
}

// ID returns the runtime-assigned thread id.
func (t *Thread) ID() int32 { return t.id }

// Name returns the name given at attach.
func (t *Thread) Name() string { return t.name }

// SetTLAB installs a new thread-local allocation buffer. Any remaining space
// in the old buffer is abandoned; the owning space accounts for it.
func (t *Thread) SetTLAB(begin, end uintptr) {
	t.tlabStart = begin
	t.tlabPos = begin
	t.tlabEnd = end
}

// TLABStart returns the base of the current buffer, or 0 if none.
func (t *Thread) TLABStart() uintptr { return t.tlabStart }

// TLABRemaining returns the free bytes left in the current buffer.
func (t *Thread) TLABRemaining() uintptr {
	return t.tlabEnd - t.tlabPos
}

// AllocTLAB bump-allocates from the thread's buffer without synchronization.
// It returns 0 if the buffer has fewer than size bytes left. size must be
// object-aligned.
func (t *Thread) AllocTLAB(size uintptr) object.Ref {
	if t.tlabEnd-t.tlabPos < size {
		return 0
	}
	r := object.Ref(t.tlabPos)
	t.tlabPos += size
	t.tlabObjects++
	t.tlabBytes += uint64(size)
	return r
}

// RevokeTLAB clears the buffer cursor and returns the allocation counts
// accumulated since the last revoke, so the space can fold them into its own
// counters.
func (t *Thread) RevokeTLAB() (objects, bytes uint64) {
	objects, bytes = t.tlabObjects, t.tlabBytes
	t.tlabStart, t.tlabPos, t.tlabEnd = 0, 0, 0
	t.tlabObjects, t.tlabBytes = 0, 0
	return objects, bytes
}

// RequestSuspension asks the thread to park at its next safepoint.
func (t *Thread) RequestSuspension() {
	t.suspendRequested.Store(true)
}

// Resume clears the suspend request and wakes the thread if it is parked.
func (t *Thread) Resume() {
	t.suspendMu.Lock()
	t.suspendRequested.Store(false)
	t.suspendCond.Broadcast()
	t.suspendMu.Unlock()
}

// SuspendCheck is the safepoint test: if a suspension was requested, the
// thread parks until Resume. Callers must not hold component locks across a
// safepoint.
func (t *Thread) SuspendCheck() {
	if !t.suspendRequested.Load() {
		return
	}
	t.suspendMu.Lock()
	for t.suspendRequested.Load() {
		t.suspendCond.Wait()
	}
	t.suspendMu.Unlock()
}

// IsSuspendRequested reports whether a suspension is pending, without
// parking.
func (t *Thread) IsSuspendRequested() bool {
	return t.suspendRequested.Load()
}
