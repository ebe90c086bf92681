package space

import (
	"fmt"
	"io"
	"sync"

	"github.com/inhies/go-bytesize"

	"github.com/quartz-rt/quartz/internal/mem"
	"github.com/quartz-rt/quartz/object"
)

// recentFreeEntries is the size of the ring remembering the last freed
// objects, for diagnosing use-after-free reports.
const recentFreeEntries = 64

type recentFree struct {
	ref object.Ref
	cls *object.Class
}

// FreeListSpace is a non-moving space served by the boundary-tag allocator.
// The footprint grows on demand up to the growth limit; the reservation
// behind it extends to a larger capacity so the limit can be lifted later.
type FreeListSpace struct {
	baseSpace

	mu sync.Mutex
	ms *mspace

	growthLimit uintptr // bytes from begin

	objectsAllocated uint64
	bytesAllocated   uint64

	recentFrees   [recentFreeEntries]recentFree
	recentFreePos int
}

// NewFreeListSpace maps a free-list space. initialSize is committed up front,
// the footprint may grow to growthLimit, and the reservation spans capacity.
func NewFreeListSpace(name string, initialSize, growthLimit, capacity uintptr) (*FreeListSpace, error) {
	ps := mem.PageSize()
	initialSize = mem.AlignUp(initialSize, ps)
	growthLimit = mem.AlignUp(growthLimit, ps)
	capacity = mem.AlignUp(capacity, ps)
	if growthLimit > capacity {
		growthLimit = capacity
	}
	if initialSize > growthLimit {
		initialSize = growthLimit
	}
	m, err := mem.MapAnonymous(name, capacity)
	if err != nil {
		return nil, err
	}
	begin := m.Begin()
	if initialSize < capacity {
		if err := m.Protect(begin+initialSize, begin+capacity, mem.ProtNone); err != nil {
			m.Release()
			return nil, err
		}
	}
	s := &FreeListSpace{
		baseSpace: baseSpace{
			name:        name,
			policy:      PolicyAlwaysCollect,
			mapping:     m,
			ownsMapping: true,
			begin:       begin,
			limit:       begin + capacity,
		},
		growthLimit: growthLimit,
	}
	s.ms = newMspace(begin, begin+growthLimit, initialSize, s.commit, s.decommit)
	if err := s.initBitmaps(capacity); err != nil {
		m.Release()
		return nil, err
	}
	return s, nil
}

func (s *FreeListSpace) commit(lo, hi uintptr) error {
	return s.mapping.Protect(lo, hi, mem.ProtReadWrite)
}

func (s *FreeListSpace) decommit(lo, hi uintptr) error {
	if err := s.mapping.DontNeed(lo, hi); err != nil {
		return err
	}
	return s.mapping.Protect(lo, hi, mem.ProtNone)
}

// End returns the committed footprint frontier.
func (s *FreeListSpace) End() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ms.brk
}

// Alloc allocates numBytes, growing the footprint within the growth limit.
// Returns 0 when the space is full.
func (s *FreeListSpace) Alloc(numBytes uintptr) object.Ref {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocLocked(numBytes)
}

func (s *FreeListSpace) allocLocked(numBytes uintptr) object.Ref {
	p := s.ms.alloc(numBytes)
	if p == 0 {
		return 0
	}
	s.objectsAllocated++
	s.bytesAllocated += uint64(s.ms.usableSize(p))
	return object.Ref(p)
}

// AllocWithGrowth retries a failed allocation with the footprint allowed past
// the growth limit, up to the full reservation. Used as the last resort
// before an out-of-memory report.
func (s *FreeListSpace) AllocWithGrowth(numBytes uintptr) object.Ref {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.ms.limit
	s.ms.limit = s.limit
	r := s.allocLocked(numBytes)
	if s.ms.brk > old {
		old = s.ms.brk
	}
	s.ms.limit = old
	return r
}

// Free releases the given objects and returns the bytes made reusable. Each
// object is remembered in the recent-free ring before its chunk is recycled.
func (s *FreeListSpace) Free(refs ...object.Ref) uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	var freed uintptr
	for _, r := range refs {
		if !s.HasAddress(uintptr(r)) {
			panic(fmt.Sprintf("space %s: freeing %#x outside the space", s.name, uintptr(r)))
		}
		s.recentFrees[s.recentFreePos] = recentFree{ref: r, cls: r.Class()}
		s.recentFreePos = (s.recentFreePos + 1) % recentFreeEntries
		freed += s.ms.free(uintptr(r))
	}
	if n := uint64(len(refs)); n <= s.objectsAllocated {
		s.objectsAllocated -= n
	} else {
		s.objectsAllocated = 0
	}
	return freed
}

// WasRecentlyFreed reports whether obj is in the recent-free ring and, if so,
// the class it had when freed.
func (s *FreeListSpace) WasRecentlyFreed(obj object.Ref) (*object.Class, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.recentFrees {
		if e.ref == obj {
			return e.cls, true
		}
	}
	return nil, false
}

// AllocationSize returns the usable bytes backing obj, which may exceed what
// was asked for.
func (s *FreeListSpace) AllocationSize(obj object.Ref) uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ms.usableSize(uintptr(obj))
}

// Walk visits every allocated object in address order. Chunks whose class
// word has not been published yet are skipped.
func (s *FreeListSpace) Walk(visitor func(obj object.Ref)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ms.walkChunks(func(c chunk, inUse bool) {
		if !inUse {
			return
		}
		obj := object.Ref(c.payload())
		if obj.ClassID() != 0 {
			visitor(obj)
		}
	})
}

// Trim returns unused footprint pages to the OS and reports the bytes
// released.
func (s *FreeListSpace) Trim() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ms.trim()
}

// Footprint returns the committed bytes.
func (s *FreeListSpace) Footprint() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ms.footprint()
}

// MaxFootprint returns the high-water committed bytes.
func (s *FreeListSpace) MaxFootprint() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ms.maxFootprint
}

// GrowthLimit returns the bytes the footprint may grow to.
func (s *FreeListSpace) GrowthLimit() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.growthLimit
}

// ClampGrowthLimit lowers the growth limit. The limit never drops below the
// current footprint.
func (s *FreeListSpace) ClampGrowthLimit(limit uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit = mem.AlignUp(limit, mem.PageSize())
	if fp := s.ms.footprint(); limit < fp {
		limit = fp
	}
	if limit < s.growthLimit {
		s.growthLimit = limit
		s.ms.limit = s.begin + limit
	}
}

// Capacity returns the size of the whole reservation.
func (s *FreeListSpace) Capacity() uintptr {
	return s.mapping.Size()
}

// ObjectsAllocated returns the live allocation count.
func (s *FreeListSpace) ObjectsAllocated() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objectsAllocated
}

// BytesAllocated returns the cumulative usable bytes handed out.
func (s *FreeListSpace) BytesAllocated() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesAllocated
}

// LogFragmentationAllocFailure writes a report for an allocation the space
// could not serve, naming the largest contiguous run still free.
func (s *FreeListSpace) LogFragmentationAllocFailure(w io.Writer, failedBytes uintptr) {
	s.mu.Lock()
	maxFree := s.ms.maxFreeChunk()
	s.mu.Unlock()
	if maxFree >= chunkOverhead {
		maxFree -= chunkOverhead
	} else {
		maxFree = 0
	}
	fmt.Fprintf(w, "%s: failed to allocate %v; largest contiguous free block is %v\n",
		s.name, bytesize.New(float64(failedBytes)), bytesize.New(float64(maxFree)))
}

// CreateZygoteSpace seals this space at its current footprint and returns a
// fresh allocation space over the rest of the reservation. The sealed space
// keeps ownership of the mapping and is collected only by full collections.
func (s *FreeListSpace) CreateZygoteSpace(allocName string) (*FreeListSpace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	boundary := s.ms.brk
	oldLimit := s.limit
	initial := mem.PageSize()
	if boundary+initial > oldLimit {
		return nil, fmt.Errorf("space %s: no room past %#x for an allocation space", s.name, boundary)
	}

	s.limit = boundary
	s.growthLimit = boundary - s.begin
	s.ms.limit = boundary
	s.policy = PolicyFullCollectOnly

	alloc := &FreeListSpace{
		baseSpace: baseSpace{
			name:        allocName,
			policy:      PolicyAlwaysCollect,
			mapping:     s.mapping,
			ownsMapping: false,
			begin:       boundary,
			limit:       oldLimit,
		},
		growthLimit: oldLimit - boundary,
	}
	if err := alloc.commit(boundary, boundary+initial); err != nil {
		return nil, err
	}
	alloc.ms = newMspace(boundary, oldLimit, initial, alloc.commit, alloc.decommit)
	if err := alloc.initBitmaps(oldLimit - boundary); err != nil {
		return nil, err
	}
	return alloc, nil
}

// Release unmaps the bitmaps and, if this space owns it, the reservation.
func (s *FreeListSpace) Release() {
	s.releaseBitmaps()
	if s.ownsMapping {
		s.mapping.Release()
	}
}
