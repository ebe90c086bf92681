package object

import (
	"fmt"
	"sync"
)

// Kind classifies the special object layouts the core needs to know about.
type Kind uint8

const (
	KindNormal Kind = iota
	KindArray
	KindString
	KindSoftReference
	KindWeakReference
	KindFinalizerReference
	KindPhantomReference
)

// Class describes an object layout. Classes are runtime-native metadata: they
// are registered once, live for the process lifetime, and are not themselves
// heap objects.
type Class struct {
	id           uint32
	descriptor   string
	kind         Kind
	instanceSize uintptr   // total size incl. header; not meaningful for arrays/strings
	refOffsets   []uintptr // byte offsets of instance reference slots
	elemSize     uintptr   // array element size
	elemIsRef    bool      // array elements are references
}

var classRegistry struct {
	sync.Mutex
	classes []*Class // index = id-1; id 0 is the null class word
}

func register(c *Class) *Class {
	classRegistry.Lock()
	classRegistry.classes = append(classRegistry.classes, c)
	c.id = uint32(len(classRegistry.classes))
	classRegistry.Unlock()
	return c
}

func classByID(id uint32) *Class {
	if id == 0 {
		return nil
	}
	classRegistry.Lock()
	c := classRegistry.classes[id-1]
	classRegistry.Unlock()
	return c
}

// NewClass registers a plain instance class. instanceSize includes the header
// and must be a multiple of the object alignment; refOffsets lists the byte
// offsets of its reference slots.
func NewClass(descriptor string, instanceSize uintptr, refOffsets []uintptr) *Class {
	if instanceSize < HeaderSize || instanceSize%Alignment != 0 {
		panic(fmt.Sprintf("object: bad instance size %d for %s", instanceSize, descriptor))
	}
	return register(&Class{
		descriptor:   descriptor,
		kind:         KindNormal,
		instanceSize: instanceSize,
		refOffsets:   refOffsets,
	})
}

// NewArrayClass registers an array class with the given element size.
func NewArrayClass(descriptor string, elemSize uintptr, elemIsRef bool) *Class {
	if elemIsRef && elemSize != 8 {
		panic("object: reference array elements must be 8 bytes")
	}
	return register(&Class{
		descriptor: descriptor,
		kind:       KindArray,
		elemSize:   elemSize,
		elemIsRef:  elemIsRef,
	})
}

// NewReferenceClass registers one of the four java.lang.ref-like classes.
func NewReferenceClass(descriptor string, kind Kind) *Class {
	var size uintptr
	switch kind {
	case KindSoftReference, KindWeakReference, KindPhantomReference:
		size = PendingNextOffset + 8
	case KindFinalizerReference:
		size = ZombieOffset + 8
	default:
		panic("object: not a reference kind")
	}
	return register(&Class{
		descriptor:   descriptor,
		kind:         kind,
		instanceSize: size,
	})
}

var stringClass = register(&Class{
	descriptor: "Ljava/lang/String;",
	kind:       KindString,
})

// StringClass returns the canonical string class.
func StringClass() *Class { return stringClass }

// Descriptor returns the class descriptor string.
func (c *Class) Descriptor() string { return c.descriptor }

// ID returns the class word value instances of c carry.
func (c *Class) ID() uint32 { return c.id }

// InstanceSize returns the fixed instance size of a non-array class.
func (c *Class) InstanceSize() uintptr { return c.instanceSize }

// Kind returns the layout kind.
func (c *Class) Kind() Kind { return c.kind }

// IsArray reports whether instances are arrays.
func (c *Class) IsArray() bool { return c.kind == KindArray }

// IsString reports whether c is the string class.
func (c *Class) IsString() bool { return c.kind == KindString }

// IsTypeOfReferenceClass reports whether instances carry referent/pendingNext
// slots.
func (c *Class) IsTypeOfReferenceClass() bool {
	switch c.kind {
	case KindSoftReference, KindWeakReference, KindFinalizerReference, KindPhantomReference:
		return true
	}
	return false
}

// IsSoftReferenceClass reports whether c is the soft reference class.
func (c *Class) IsSoftReferenceClass() bool { return c.kind == KindSoftReference }

// IsWeakReferenceClass reports whether c is the weak reference class.
func (c *Class) IsWeakReferenceClass() bool { return c.kind == KindWeakReference }

// IsFinalizerReferenceClass reports whether c is the finalizer reference
// class.
func (c *Class) IsFinalizerReferenceClass() bool { return c.kind == KindFinalizerReference }

// IsPhantomReferenceClass reports whether c is the phantom reference class.
func (c *Class) IsPhantomReferenceClass() bool { return c.kind == KindPhantomReference }
