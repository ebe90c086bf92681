package space

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/quartz-rt/quartz/internal/mem"
	"github.com/quartz-rt/quartz/object"
	"github.com/quartz-rt/quartz/thread"
)

// blockHeader sits at the base of every thread-local block and records its
// payload size, so walkers can find the block boundaries.
type blockHeader struct {
	size uintptr
}

const blockHeaderSize = unsafe.Sizeof(blockHeader{})

// BumpPointerSpace is a contiguous region with a single advancing end
// pointer. Before any thread-local block is cut, allocation CAS-advances the
// main pointer; afterwards threads allocate from private blocks with no
// atomics at all.
type BumpPointerSpace struct {
	baseSpace

	// end is the allocation frontier; advanced by CAS.
	end atomic.Uintptr

	// blockLock guards the block list and mainBlockSize.
	blockLock sync.Mutex
	// mainBlockSize is the size of the initial header-less block. Frozen
	// once the first thread-local block is cut.
	mainBlockSize   uintptr
	mainBlockFrozen bool
	numBlocks       uint64

	objectsAllocated atomic.Uint64
	bytesAllocated   atomic.Uint64
}

// NewBumpPointerSpace maps a bump-pointer space of the given capacity.
func NewBumpPointerSpace(name string, capacity uintptr) (*BumpPointerSpace, error) {
	capacity = mem.AlignUp(capacity, mem.PageSize())
	m, err := mem.MapAnonymous(name, capacity)
	if err != nil {
		return nil, err
	}
	s := &BumpPointerSpace{
		baseSpace: baseSpace{
			name:        name,
			policy:      PolicyAlwaysCollect,
			mapping:     m,
			ownsMapping: true,
			begin:       m.Begin(),
			limit:       m.End(),
		},
	}
	s.end.Store(s.begin)
	if err := s.initBitmaps(capacity); err != nil {
		m.Release()
		return nil, err
	}
	return s, nil
}

// End returns the current allocation frontier.
func (s *BumpPointerSpace) End() uintptr { return s.end.Load() }

// Footprint returns the bytes between the base and the frontier.
func (s *BumpPointerSpace) Footprint() uintptr { return s.End() - s.begin }

// Alloc bump-allocates from the main block. Returns 0 when the space is
// exhausted; the caller may collect and retry. The class word of the result
// is zero until the caller publishes it, so concurrent walkers treat a
// zero-class object as the frontier.
func (s *BumpPointerSpace) Alloc(numBytes uintptr) object.Ref {
	numBytes = mem.AlignUp(numBytes, object.Alignment)
	for {
		old := s.end.Load()
		next := old + numBytes
		if next > s.limit {
			return 0
		}
		if s.end.CompareAndSwap(old, next) {
			s.objectsAllocated.Add(1)
			s.bytesAllocated.Add(uint64(numBytes))
			return object.Ref(old)
		}
	}
}

// growLocked carves numBytes off the frontier. blockLock must be held.
func (s *BumpPointerSpace) growLocked(numBytes uintptr) uintptr {
	for {
		old := s.end.Load()
		next := old + numBytes
		if next > s.limit {
			return 0
		}
		if s.end.CompareAndSwap(old, next) {
			return old
		}
	}
}

// AllocNewTLAB cuts a thread-local block of at least bytes payload and
// installs it as t's allocation buffer. The first cut freezes the main-block
// size. Returns false when the space cannot fit the block.
func (s *BumpPointerSpace) AllocNewTLAB(t *thread.Thread, bytes uintptr) bool {
	bytes = mem.AlignUp(bytes, object.Alignment)
	s.blockLock.Lock()
	defer s.blockLock.Unlock()

	s.RevokeThreadLocalBuffers(t)

	if !s.mainBlockFrozen {
		s.mainBlockSize = s.end.Load() - s.begin
		s.mainBlockFrozen = true
	}
	start := s.growLocked(blockHeaderSize + bytes)
	if start == 0 {
		return false
	}
	hdr := (*blockHeader)(unsafe.Pointer(start))
	hdr.size = bytes
	s.numBlocks++
	t.SetTLAB(start+blockHeaderSize, start+blockHeaderSize+bytes)
	return true
}

// RevokeThreadLocalBuffers folds the thread's local allocation counters into
// the space counters and clears its buffer cursor.
func (s *BumpPointerSpace) RevokeThreadLocalBuffers(t *thread.Thread) {
	objects, bytes := t.RevokeTLAB()
	s.objectsAllocated.Add(objects)
	s.bytesAllocated.Add(bytes)
}

// Walk visits objects in allocation order: the main block first, then each
// thread-local block bounded by its recorded size. A zero class word stops
// the walk of the current block, since the object past the frontier (or one
// whose class store has not landed) must not be decoded.
func (s *BumpPointerSpace) Walk(visitor func(obj object.Ref)) {
	s.blockLock.Lock()
	mainEnd := s.begin + s.mainBlockSize
	if !s.mainBlockFrozen {
		mainEnd = s.end.Load()
	}
	frontier := s.end.Load()
	s.blockLock.Unlock()

	pos := s.begin
	walkBlock := func(pos, end uintptr) {
		for pos < end {
			obj := object.Ref(pos)
			if obj.ClassID() == 0 {
				return
			}
			visitor(obj)
			pos += mem.AlignUp(obj.SizeOf(), object.Alignment)
		}
	}
	walkBlock(pos, mainEnd)

	// Thread-local blocks follow the main block back to back.
	for pos = mainEnd; pos < frontier; {
		hdr := (*blockHeader)(unsafe.Pointer(pos))
		walkBlock(pos+blockHeaderSize, pos+blockHeaderSize+hdr.size)
		pos += blockHeaderSize + hdr.size
	}
}

// Clear releases the backing pages and resets all counters. Not safe
// against concurrent allocation.
func (s *BumpPointerSpace) Clear() {
	if err := s.mapping.ZeroAndRelease(s.begin, s.limit); err != nil {
		panic(err)
	}
	s.end.Store(s.begin)
	s.blockLock.Lock()
	s.mainBlockSize = 0
	s.mainBlockFrozen = false
	s.numBlocks = 0
	s.blockLock.Unlock()
	s.objectsAllocated.Store(0)
	s.bytesAllocated.Store(0)
}

// ObjectsAllocated returns the objects recorded by the space; thread-local
// counts join at revoke.
func (s *BumpPointerSpace) ObjectsAllocated() uint64 { return s.objectsAllocated.Load() }

// BytesAllocated returns the bytes recorded by the space; thread-local
// counts join at revoke.
func (s *BumpPointerSpace) BytesAllocated() uint64 { return s.bytesAllocated.Load() }

// Release unmaps the space and its bitmaps.
func (s *BumpPointerSpace) Release() {
	s.releaseBitmaps()
	if s.ownsMapping {
		s.mapping.Release()
	}
}
