// Package object defines the heap object model the memory-management core
// operates on: an object is a class word, a lock word and a payload laid out
// at an 8-byte-aligned address inside some space. References between objects
// are raw addresses stored in 8-byte slots, so heap memory never holds Go
// pointers and is invisible to the Go collector.
package object

import (
	"sync/atomic"
	"unsafe"
)

const (
	// Alignment is the required alignment of every object address.
	Alignment = 8

	// HeaderSize covers the class word and the lock word.
	HeaderSize = 8

	classOffset = 0
	lockOffset  = 4

	// Arrays: a length word follows the header, elements start at a fixed
	// aligned offset.
	arrayLengthOffset = 8

	// ArrayDataOffset is the offset of the first array element.
	ArrayDataOffset = 16

	// Reference-typed objects have a fixed field layout.
	ReferentOffset    = 8
	PendingNextOffset = 16
	ZombieOffset      = 24
)

// Ref is the address of an object header, or 0 for null.
type Ref uintptr

// IsNull reports whether r is the null reference.
func (r Ref) IsNull() bool { return r == 0 }

func (r Ref) word32(off uintptr) *uint32 {
	return (*uint32)(unsafe.Pointer(uintptr(r) + off))
}

func (r Ref) word64(off uintptr) *uint64 {
	return (*uint64)(unsafe.Pointer(uintptr(r) + off))
}

// ClassID returns the raw class word. A zero class word means the object has
// been address-published but its class store has not landed yet; walkers must
// treat that as the allocation frontier.
func (r Ref) ClassID() uint32 {
	return atomic.LoadUint32(r.word32(classOffset))
}

// Class returns the object's class, or nil while the class word is still
// zero.
func (r Ref) Class() *Class {
	return classByID(r.ClassID())
}

// SetClass publishes the object's class. The store is atomic but not ordered
// with respect to the address publication.
func (r Ref) SetClass(c *Class) {
	atomic.StoreUint32(r.word32(classOffset), c.id)
}

// LockWord returns the raw lock word (thin lock, hash code or monitor id).
func (r Ref) LockWord() uint32 {
	return atomic.LoadUint32(r.word32(lockOffset))
}

// SetLockWord stores the raw lock word.
func (r Ref) SetLockWord(v uint32) {
	atomic.StoreUint32(r.word32(lockOffset), v)
}

// CasLockWord atomically replaces the lock word if it still holds expect.
func (r Ref) CasLockWord(expect, v uint32) bool {
	return atomic.CompareAndSwapUint32(r.word32(lockOffset), expect, v)
}

// SizeOf returns the object's total size in bytes, including the header,
// rounded up to the object alignment.
func (r Ref) SizeOf() uintptr {
	c := r.Class()
	switch {
	case c.IsArray():
		n := uintptr(r.ArrayLength())
		return alignUp(ArrayDataOffset+n*c.elemSize, Alignment)
	case c.IsString():
		return alignUp(ArrayDataOffset+uintptr(r.stringLength()), Alignment)
	default:
		return c.instanceSize
	}
}

// ArrayLength returns the element count of an array object.
func (r Ref) ArrayLength() int32 {
	return int32(atomic.LoadUint32(r.word32(arrayLengthOffset)))
}

// SetArrayLength stores the element count of an array object.
func (r Ref) SetArrayLength(n int32) {
	atomic.StoreUint32(r.word32(arrayLengthOffset), uint32(n))
}

// ReadRef loads the reference slot at the given byte offset.
func (r Ref) ReadRef(off uintptr) Ref {
	return Ref(atomic.LoadUint64(r.word64(off)))
}

// WriteRef stores v into the reference slot at the given byte offset. The
// caller is responsible for the card-table write barrier.
func (r Ref) WriteRef(off uintptr, v Ref) {
	atomic.StoreUint64(r.word64(off), uint64(v))
}

// SlotAddr returns the address of the reference slot at off, for visitors
// that update slots in place.
func (r Ref) SlotAddr(off uintptr) uintptr {
	return uintptr(r) + off
}

// LoadSlot loads the reference stored at a raw slot address.
func LoadSlot(slot uintptr) Ref {
	return Ref(atomic.LoadUint64((*uint64)(unsafe.Pointer(slot))))
}

// StoreSlot stores a reference into a raw slot address.
func StoreSlot(slot uintptr, v Ref) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(slot)), uint64(v))
}

// VisitReferences calls visit with the byte offset of every strong reference
// slot in the object: the instance fields declared by the class, every
// element of a reference array, and the zombie field of a finalizer
// reference. The referent and pendingNext slots of reference-typed objects
// are deliberately not visited; the reference processor owns them.
func (r Ref) VisitReferences(visit func(off uintptr)) {
	c := r.Class()
	if c == nil {
		return
	}
	for _, off := range c.refOffsets {
		visit(off)
	}
	if c.IsArray() && c.elemIsRef {
		n := uintptr(r.ArrayLength())
		for i := uintptr(0); i < n; i++ {
			visit(ArrayDataOffset + i*c.elemSize)
		}
	}
	if c.kind == KindFinalizerReference {
		visit(ZombieOffset)
	}
}

// Referent returns the referent of a reference-typed object.
func (r Ref) Referent() Ref { return r.ReadRef(ReferentOffset) }

// SetReferent stores the referent of a reference-typed object.
func (r Ref) SetReferent(v Ref) { r.WriteRef(ReferentOffset, v) }

// ClearReferent nulls the referent slot.
func (r Ref) ClearReferent() { r.WriteRef(ReferentOffset, 0) }

// PendingNext returns the reference-queue chain slot.
func (r Ref) PendingNext() Ref { return r.ReadRef(PendingNextOffset) }

// SetPendingNext stores the reference-queue chain slot.
func (r Ref) SetPendingNext(v Ref) { r.WriteRef(PendingNextOffset, v) }

// CasPendingNext atomically claims the chain slot. Enqueue-if-not-enqueued
// relies on this to make sure each reference enters a queue at most once.
func (r Ref) CasPendingNext(expect, v Ref) bool {
	return atomic.CompareAndSwapUint64(r.word64(PendingNextOffset), uint64(expect), uint64(v))
}

// Zombie returns the zombie slot of a finalizer reference.
func (r Ref) Zombie() Ref { return r.ReadRef(ZombieOffset) }

// SetZombie stores the zombie slot of a finalizer reference.
func (r Ref) SetZombie(v Ref) { r.WriteRef(ZombieOffset, v) }

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}
