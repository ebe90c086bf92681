package space

import (
	"unsafe"

	"github.com/quartz-rt/quartz/internal/mem"
)

// Boundary-tag allocator in the dlmalloc mold, serving one contiguous
// reservation. Chunks carry a 16-byte header: the previous chunk's size
// (valid only while the previous chunk is free) and a head word holding the
// chunk size plus two flag bits. Free chunks keep doubly-linked list pointers
// in their payload. The committed footprint ends at brk; the top chunk always
// runs up to it.
const (
	chunkOverhead = 16
	minChunkSize  = 32

	pinuseBit = 0x1 // previous chunk is in use
	cinuseBit = 0x2 // this chunk is in use
	flagMask  = pinuseBit | cinuseBit

	// Exact-fit bins for sizes below smallBinMax, one per 8-byte step.
	smallBinMax  = 256
	numSmallBins = smallBinMax >> 3
)

// chunk is the address of a chunk header.
type chunk uintptr

func (c chunk) prevFootPtr() *uintptr { return (*uintptr)(unsafe.Pointer(uintptr(c))) }
func (c chunk) headPtr() *uintptr     { return (*uintptr)(unsafe.Pointer(uintptr(c) + 8)) }

// Free-list links live in the payload of free chunks.
func (c chunk) fdPtr() *chunk { return (*chunk)(unsafe.Pointer(uintptr(c) + 16)) }
func (c chunk) bkPtr() *chunk { return (*chunk)(unsafe.Pointer(uintptr(c) + 24)) }

func (c chunk) size() uintptr    { return *c.headPtr() &^ flagMask }
func (c chunk) inUse() bool      { return *c.headPtr()&cinuseBit != 0 }
func (c chunk) prevInUse() bool  { return *c.headPtr()&pinuseBit != 0 }
func (c chunk) next() chunk      { return chunk(uintptr(c) + c.size()) }
func (c chunk) prev() chunk      { return chunk(uintptr(c) - *c.prevFootPtr()) }
func (c chunk) payload() uintptr { return uintptr(c) + chunkOverhead }

func chunkForPayload(p uintptr) chunk { return chunk(p - chunkOverhead) }

func pinFlag(pin bool) uintptr {
	if pin {
		return pinuseBit
	}
	return 0
}

type mspace struct {
	base  uintptr
	limit uintptr // hard end of the region the footprint may grow into
	brk   uintptr // committed footprint frontier, page-aligned

	grow   func(lo, hi uintptr) error // commit [lo, hi)
	shrink func(lo, hi uintptr) error // decommit [lo, hi)

	bins  [numSmallBins]chunk // exact-fit lists, index = size>>3
	large chunk               // size-ascending list for sizes >= smallBinMax

	// The top chunk spans [top, brk). Its head word exists only while
	// topSize > 0; topPinuse tracks the flag across a zero-size top.
	top       chunk
	topSize   uintptr
	topPinuse bool

	maxFootprint uintptr
}

// newMspace builds an allocator over [base, limit) with the first initial
// bytes already committed. All three values must be page-aligned.
func newMspace(base, limit, initial uintptr, grow, shrink func(lo, hi uintptr) error) *mspace {
	m := &mspace{
		base:         base,
		limit:        limit,
		brk:          base + initial,
		grow:         grow,
		shrink:       shrink,
		top:          chunk(base),
		topSize:      initial,
		topPinuse:    true,
		maxFootprint: initial,
	}
	*m.top.headPtr() = m.topSize | pinuseBit
	return m
}

func (m *mspace) footprint() uintptr { return m.brk - m.base }

// alloc returns the payload address of a chunk with at least n usable bytes,
// or 0 when neither the free lists nor the footprint can satisfy it.
func (m *mspace) alloc(n uintptr) uintptr {
	need := mem.AlignUp(n, 8) + chunkOverhead
	if need < minChunkSize {
		need = minChunkSize
	}
	if c := m.takeFromBins(need); c != 0 {
		return c.payload()
	}
	return m.allocFromTop(need)
}

func (m *mspace) takeFromBins(need uintptr) chunk {
	if need < smallBinMax {
		for i := need >> 3; i < numSmallBins; i++ {
			if c := m.bins[i]; c != 0 {
				m.unlink(c)
				m.carve(c, need)
				return c
			}
		}
	}
	for c := m.large; c != 0; c = *c.fdPtr() {
		if c.size() >= need {
			m.unlink(c)
			m.carve(c, need)
			return c
		}
	}
	return 0
}

// carve marks the unlinked free chunk c in use, splitting off the tail as a
// new free chunk when it is big enough to stand alone.
func (m *mspace) carve(c chunk, need uintptr) {
	size := c.size()
	pin := pinFlag(c.prevInUse())
	if size-need >= minChunkSize {
		rem := chunk(uintptr(c) + need)
		remSize := size - need
		*c.headPtr() = need | cinuseBit | pin
		*rem.headPtr() = remSize | pinuseBit
		*rem.next().prevFootPtr() = remSize
		m.insert(rem, remSize)
		return
	}
	*c.headPtr() = size | cinuseBit | pin
	// Free chunks never neighbor the top chunk, so next is a real chunk.
	*c.next().headPtr() |= pinuseBit
}

func (m *mspace) allocFromTop(need uintptr) uintptr {
	if m.topSize < need+minChunkSize {
		want := uintptr(m.top) + need + minChunkSize
		newBrk := mem.AlignUp(want, mem.PageSize())
		if newBrk > m.limit {
			newBrk = m.limit
		}
		if newBrk > m.brk {
			if err := m.grow(m.brk, newBrk); err == nil {
				m.brk = newBrk
				m.topSize = m.brk - uintptr(m.top)
				if fp := m.footprint(); fp > m.maxFootprint {
					m.maxFootprint = fp
				}
			}
		}
	}
	if m.topSize < need {
		return 0
	}
	if m.topSize-need < minChunkSize {
		// Absorb the sliver rather than leave an unlinkable remainder.
		need = m.topSize
	}
	c := m.top
	pin := pinFlag(m.topPinuse)
	m.top = chunk(uintptr(c) + need)
	m.topSize -= need
	m.topPinuse = true
	if m.topSize > 0 {
		*m.top.headPtr() = m.topSize | pinuseBit
	}
	*c.headPtr() = need | cinuseBit | pin
	return c.payload()
}

// free releases the chunk whose payload is p, coalescing with free neighbors
// and with the top chunk. Returns the chunk size made reusable.
func (m *mspace) free(p uintptr) uintptr {
	c := chunkForPayload(p)
	if !c.inUse() {
		panic("space: double free")
	}
	size := c.size()
	freed := size
	pin := c.prevInUse()
	if !pin {
		pc := c.prev()
		m.unlink(pc)
		size += pc.size()
		pin = pc.prevInUse()
		c = pc
	}
	next := c.next()
	if next == m.top {
		m.top = c
		m.topSize += size
		m.topPinuse = pin
		*c.headPtr() = m.topSize | pinFlag(pin)
		return freed
	}
	if !next.inUse() {
		m.unlink(next)
		size += next.size()
	}
	*c.headPtr() = size | pinFlag(pin)
	*c.next().prevFootPtr() = size
	*c.next().headPtr() &^= pinuseBit
	m.insert(c, size)
	return freed
}

func (m *mspace) insert(c chunk, size uintptr) {
	if size < smallBinMax {
		i := size >> 3
		head := m.bins[i]
		*c.fdPtr() = head
		*c.bkPtr() = 0
		if head != 0 {
			*head.bkPtr() = c
		}
		m.bins[i] = c
		return
	}
	var prev chunk
	cur := m.large
	for cur != 0 && cur.size() < size {
		prev, cur = cur, *cur.fdPtr()
	}
	*c.fdPtr() = cur
	*c.bkPtr() = prev
	if cur != 0 {
		*cur.bkPtr() = c
	}
	if prev != 0 {
		*prev.fdPtr() = c
	} else {
		m.large = c
	}
}

func (m *mspace) unlink(c chunk) {
	fd, bk := *c.fdPtr(), *c.bkPtr()
	if fd != 0 {
		*fd.bkPtr() = bk
	}
	if bk != 0 {
		*bk.fdPtr() = fd
		return
	}
	if size := c.size(); size < smallBinMax {
		m.bins[size>>3] = fd
	} else {
		m.large = fd
	}
}

// usableSize returns the payload capacity of the in-use chunk at p.
func (m *mspace) usableSize(p uintptr) uintptr {
	return chunkForPayload(p).size() - chunkOverhead
}

// maxFreeChunk returns the size of the largest chunk an allocation could be
// served from without growing the footprint.
func (m *mspace) maxFreeChunk() uintptr {
	max := m.topSize
	for i := numSmallBins - 1; i >= 0; i-- {
		if m.bins[i] != 0 {
			if s := uintptr(i) << 3; s > max {
				max = s
			}
			break
		}
	}
	for c := m.large; c != 0; c = *c.fdPtr() {
		if *c.fdPtr() == 0 && c.size() > max {
			max = c.size()
		}
	}
	return max
}

// trim returns whole unused pages of the top chunk to the OS and pulls the
// footprint frontier back. Returns the bytes released.
func (m *mspace) trim() uintptr {
	keep := mem.AlignUp(uintptr(m.top)+minChunkSize, mem.PageSize())
	if keep >= m.brk {
		return 0
	}
	released := m.brk - keep
	if err := m.shrink(keep, m.brk); err != nil {
		return 0
	}
	m.brk = keep
	m.topSize = keep - uintptr(m.top)
	*m.top.headPtr() = m.topSize | pinFlag(m.topPinuse)
	return released
}

// walkChunks visits every chunk below the top in address order.
func (m *mspace) walkChunks(visit func(c chunk, inUse bool)) {
	for c := chunk(m.base); c != m.top && uintptr(c) < m.brk; c = c.next() {
		visit(c, c.inUse())
	}
}
