package object

import "unsafe"

// Strings are byte arrays with the canonical string class: a length word
// after the header and the contents from ArrayDataOffset on.

// StringAllocSize returns the allocation size for a string of n bytes.
func StringAllocSize(n int) uintptr {
	return alignUp(ArrayDataOffset+uintptr(n), Alignment)
}

// InitString fills an allocation with the string class and contents. The
// backing allocation must be at least StringAllocSize(len(s)) bytes.
func InitString(r Ref, s string) {
	r.SetArrayLength(int32(len(s)))
	dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(r)+ArrayDataOffset)), len(s))
	copy(dst, s)
	r.SetClass(stringClass)
}

func (r Ref) stringLength() int32 {
	return r.ArrayLength()
}

// StringValue copies the contents of a string object into a Go string.
func (r Ref) StringValue() string {
	n := r.stringLength()
	if n == 0 {
		return ""
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(r)+ArrayDataOffset)), n)
	return string(src)
}
