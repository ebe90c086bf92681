// Package arena provides a two-tier bump allocator: a Pool owns reusable
// fixed-size memory blocks, an Allocator bump-allocates within the current
// block and returns its whole chain to the pool when destroyed. Compiler
// passes use one Allocator per compilation task.
package arena

import (
	"fmt"
	"io"
	"sync"

	"github.com/quartz-rt/quartz/internal/mem"
)

// DefaultSize is the default arena block size.
const DefaultSize = 128 * 1024

const allocAlignment = 8

// Kind tags allocations for per-kind statistics.
type Kind int

const (
	KindMisc Kind = iota
	KindBitVector
	KindStackMaps
	KindGrowableArray
	KindSTL
	numKinds
)

var kindNames = [numKinds]string{
	"Misc", "BitVector", "StackMaps", "GrowableArray", "STL",
}

// arena is one pooled memory block. Blocks chain through next while owned by
// an Allocator and while sitting on the pool free list.
type arena struct {
	mapping        *mem.Mapping
	bytesAllocated uintptr
	next           *arena
}

func (a *arena) begin() uintptr { return a.mapping.Begin() }
func (a *arena) size() uintptr  { return a.mapping.Size() }

// reset zeroes the used part and forgets the allocation count, making the
// block as good as freshly mapped.
func (a *arena) reset() {
	if a.bytesAllocated > 0 {
		if err := a.mapping.ZeroAndRelease(a.begin(), a.begin()+a.bytesAllocated); err != nil {
			panic(err)
		}
		a.bytesAllocated = 0
	}
}

// Pool owns free arenas. It is shared between allocators and safe for
// concurrent use.
type Pool struct {
	mu   sync.Mutex
	free *arena
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	return &Pool{}
}

// allocArena returns a zeroed arena of at least minSize bytes, reusing a
// pooled block when one is large enough. Mapping failure is fatal: the arena
// allocator has no out-of-memory path.
func (p *Pool) allocArena(minSize uintptr) *arena {
	p.mu.Lock()
	for prev, a := (**arena)(&p.free), p.free; a != nil; prev, a = &a.next, a.next {
		if a.size() >= minSize {
			*prev = a.next
			a.next = nil
			p.mu.Unlock()
			return a
		}
	}
	p.mu.Unlock()

	m, err := mem.MapAnonymous("arena", minSize)
	if err != nil {
		panic(fmt.Sprintf("arena: cannot map %d bytes: %v", minSize, err))
	}
	return &arena{mapping: m}
}

// freeArenaChain resets every arena in the chain and puts them back on the
// free list.
func (p *Pool) freeArenaChain(first *arena) {
	if first == nil {
		return
	}
	last := first
	last.reset()
	for last.next != nil {
		last = last.next
		last.reset()
	}
	p.mu.Lock()
	last.next = p.free
	p.free = first
	p.mu.Unlock()
}

// ReclaimMemory unmaps all pooled arenas.
func (p *Pool) ReclaimMemory() {
	p.mu.Lock()
	free := p.free
	p.free = nil
	p.mu.Unlock()
	for a := free; a != nil; a = a.next {
		a.mapping.Release()
	}
}

// FreeListSize returns the number of pooled arenas, for tests and stats.
func (p *Pool) FreeListSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for a := p.free; a != nil; a = a.next {
		n++
	}
	return n
}

// Allocator hands out zeroed, 8-byte-aligned regions carved from a chain of
// arenas. It is single-threaded; one allocator belongs to one task.
type Allocator struct {
	pool *Pool

	// Bump region inside the current arena. begin <= ptr <= end. All
	// arenas in the chain before the current one are full.
	cur   *arena
	begin uintptr
	ptr   uintptr
	end   uintptr

	head *arena // chain of all arenas owned by this allocator

	bytesByKind [numKinds]uintptr

	// Memory-tool mode pads every allocation with a poisoned redzone so
	// CheckRedzones can catch overflows.
	memoryTool bool
	redzones   [][]byte
}

const redzoneSize = 8
const redzoneByte = 0xfb

// NewAllocator returns an allocator drawing from pool.
func NewAllocator(pool *Pool) *Allocator {
	return &Allocator{pool: pool}
}

// NewMemoryToolAllocator returns an allocator that pads allocations with
// redzones.
func NewMemoryToolAllocator(pool *Pool) *Allocator {
	return &Allocator{pool: pool, memoryTool: true}
}

func alignUp(v uintptr) uintptr {
	return (v + allocAlignment - 1) &^ (allocAlignment - 1)
}

// Alloc returns a zeroed region of at least size bytes. The region stays
// valid until Destroy.
func (al *Allocator) Alloc(size uintptr, kind Kind) []byte {
	rounded := alignUp(size)
	if al.memoryTool {
		rounded += redzoneSize
	}
	al.bytesByKind[kind] += rounded

	if al.end-al.ptr < rounded {
		return al.allocFromNewArena(size, rounded)
	}
	b := al.grab(al.cur, al.ptr, size, rounded)
	al.ptr += rounded
	return b
}

// allocFromNewArena obtains a new arena for a request that does not fit the
// bump region. If the current arena still has more free bytes than the new
// arena would after this allocation, the new arena is spliced in behind the
// current one and bumping continues in the old arena; otherwise the new
// arena becomes the bump target.
func (al *Allocator) allocFromNewArena(size, rounded uintptr) []byte {
	minSize := rounded
	if minSize < DefaultSize {
		minSize = DefaultSize
	}
	na := al.pool.allocArena(minSize)

	if al.cur != nil && al.end-al.ptr > na.size()-rounded {
		// Keep bump-allocating from the current arena.
		na.bytesAllocated = rounded
		na.next = al.cur.next
		al.cur.next = na
		return al.grab(na, na.begin(), size, rounded)
	}

	// Retire the current bump region and move to the new arena.
	if al.cur != nil {
		al.cur.bytesAllocated = al.ptr - al.begin
	}
	na.next = al.head
	al.head = na
	al.cur = na
	al.begin = na.begin()
	al.ptr = al.begin + rounded
	al.end = al.begin + na.size()
	return al.grab(na, al.begin, size, rounded)
}

// grab slices the requested bytes out of an arena and paints the redzone.
func (al *Allocator) grab(a *arena, addr, size, rounded uintptr) []byte {
	off := addr - a.begin()
	full := a.mapping.Bytes()[off : off+rounded]
	if al.memoryTool {
		rz := full[rounded-redzoneSize : rounded]
		for i := range rz {
			rz[i] = redzoneByte
		}
		al.redzones = append(al.redzones, rz)
	}
	return full[:size:size]
}

// BytesAllocated returns the total bytes requested across all kinds,
// including alignment and redzone padding.
func (al *Allocator) BytesAllocated() uintptr {
	var total uintptr
	for _, n := range al.bytesByKind {
		total += n
	}
	return total
}

// BytesUsed returns the bytes consumed from the arena chain, including the
// not-yet-retired part of the current bump region.
func (al *Allocator) BytesUsed() uintptr {
	total := al.ptr - al.begin
	for a := al.head; a != nil; a = a.next {
		if a != al.cur {
			total += a.bytesAllocated
		}
	}
	return total
}

// CheckRedzones panics if any redzone byte has been overwritten. Only
// meaningful on a memory-tool allocator.
func (al *Allocator) CheckRedzones() {
	for i, rz := range al.redzones {
		for j, b := range rz {
			if b != redzoneByte {
				panic(fmt.Sprintf("arena: redzone of allocation %d clobbered at byte %d", i, j))
			}
		}
	}
}

// Destroy returns the whole arena chain to the pool. The allocator must not
// be used afterwards.
func (al *Allocator) Destroy() {
	if al.cur != nil {
		al.cur.bytesAllocated = al.ptr - al.begin
	}
	al.pool.freeArenaChain(al.head)
	al.head, al.cur = nil, nil
	al.begin, al.ptr, al.end = 0, 0, 0
	al.redzones = nil
}

// DumpStats writes the per-kind allocation counts.
func (al *Allocator) DumpStats(w io.Writer) {
	fmt.Fprintf(w, "arena allocator: %d bytes allocated, %d bytes used\n",
		al.BytesAllocated(), al.BytesUsed())
	for k, n := range al.bytesByKind {
		if n != 0 {
			fmt.Fprintf(w, "  %-14s %d\n", kindNames[k], n)
		}
	}
}
