// Package monitor implements the monitor pool: out-of-line lock state for
// objects whose thin lock word has been inflated. Monitors live in slabs so
// an id resolves to its monitor with two index operations and monitors never
// move.
package monitor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/quartz-rt/quartz/object"
)

// ID names a pooled monitor; 0 is invalid. The id encodes slab and offset.
type ID uint32

const monitorsPerSlab = 64

func (id ID) slab() int   { return int(id-1) / monitorsPerSlab }
func (id ID) offset() int { return int(id-1) % monitorsPerSlab }

// ErrNotOwner is returned by operations that require holding the monitor.
var ErrNotOwner = errors.New("monitor: thread does not own the monitor")

// Monitor carries the inflated lock state of one object: the owning thread,
// the recursive lock count, the object's hash code and a wait set.
type Monitor struct {
	id ID

	mu   sync.Mutex
	cond *sync.Cond

	obj       object.Ref
	ownerTID  int32
	lockCount int32
	hashCode  uint32

	waiters      int
	notifyTokens int
}

// ID returns the pool id of the monitor.
func (m *Monitor) ID() ID { return m.id }

// Object returns the object this monitor was inflated for.
func (m *Monitor) Object() object.Ref { return m.obj }

// HashCode returns the hash code displaced out of the lock word.
func (m *Monitor) HashCode() uint32 { return m.hashCode }

// Enter acquires the monitor for tid, blocking while another thread owns it.
// Reentrant acquisition bumps the lock count.
func (m *Monitor) Enter(tid int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ownerTID == tid {
		m.lockCount++
		return
	}
	for m.ownerTID != 0 {
		m.cond.Wait()
	}
	m.ownerTID = tid
	m.lockCount = 1
}

// Exit releases one level of ownership. The final release wakes a blocked
// enterer.
func (m *Monitor) Exit(tid int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ownerTID != tid {
		return ErrNotOwner
	}
	m.lockCount--
	if m.lockCount == 0 {
		m.ownerTID = 0
		m.cond.Broadcast()
	}
	return nil
}

// Wait releases the monitor entirely, parks until notified, then reacquires
// with the saved lock count.
func (m *Monitor) Wait(tid int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ownerTID != tid {
		return ErrNotOwner
	}
	saved := m.lockCount
	m.ownerTID, m.lockCount = 0, 0
	m.waiters++
	m.cond.Broadcast()
	for m.notifyTokens == 0 {
		m.cond.Wait()
	}
	m.notifyTokens--
	m.waiters--
	for m.ownerTID != 0 {
		m.cond.Wait()
	}
	m.ownerTID = tid
	m.lockCount = saved
	return nil
}

// Notify wakes one waiter, if any.
func (m *Monitor) Notify(tid int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ownerTID != tid {
		return ErrNotOwner
	}
	if m.waiters > m.notifyTokens {
		m.notifyTokens++
		m.cond.Broadcast()
	}
	return nil
}

// NotifyAll wakes every waiter.
func (m *Monitor) NotifyAll(tid int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ownerTID != tid {
		return ErrNotOwner
	}
	if m.waiters > m.notifyTokens {
		m.notifyTokens = m.waiters
		m.cond.Broadcast()
	}
	return nil
}

// HasWaiters reports whether any thread is parked in Wait.
func (m *Monitor) HasWaiters() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiters > 0
}

// Pool hands out monitors from fixed-size slabs. Released ids go on a free
// list and are reused before a new slab is grown.
type Pool struct {
	mu    sync.Mutex
	slabs [][]Monitor
	free  []ID
	// nextFresh counts slots ever handed out from fresh slab space.
	nextFresh int
	live      int
}

// NewPool returns an empty monitor pool.
func NewPool() *Pool {
	return &Pool{}
}

// Create inflates a monitor for obj, owned by tid with the displaced hash
// code, and returns it with its id.
func (p *Pool) Create(obj object.Ref, tid int32, hashCode uint32) *Monitor {
	p.mu.Lock()
	var id ID
	if n := len(p.free); n > 0 {
		id = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		if p.nextFresh == len(p.slabs)*monitorsPerSlab {
			p.slabs = append(p.slabs, make([]Monitor, monitorsPerSlab))
		}
		p.nextFresh++
		id = ID(p.nextFresh)
	}
	p.live++
	m := &p.slabs[id.slab()][id.offset()]
	p.mu.Unlock()

	m.id = id
	m.cond = sync.NewCond(&m.mu)
	m.obj = obj
	m.ownerTID = tid
	if tid != 0 {
		m.lockCount = 1
	}
	m.hashCode = hashCode
	m.waiters = 0
	m.notifyTokens = 0
	return m
}

// Lookup resolves an id in O(1). Released or never-issued ids return nil.
func (p *Pool) Lookup(id ID) *Monitor {
	if id == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if id.slab() >= len(p.slabs) {
		return nil
	}
	m := &p.slabs[id.slab()][id.offset()]
	if m.id != id {
		return nil
	}
	return m
}

// Release deflates the monitor and recycles its id.
func (p *Pool) Release(id ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id == 0 || id.slab() >= len(p.slabs) {
		panic(fmt.Sprintf("monitor: releasing unknown id %d", id))
	}
	m := &p.slabs[id.slab()][id.offset()]
	if m.id != id {
		panic(fmt.Sprintf("monitor: double release of id %d", id))
	}
	m.id = 0
	m.obj = 0
	m.ownerTID = 0
	m.lockCount = 0
	p.free = append(p.free, id)
	p.live--
}

// Live returns the number of monitors currently issued.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}
