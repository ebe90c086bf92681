// Package mem provides anonymous demand-paged memory mappings for the spaces,
// bitmaps and card tables. Backing pages are only committed once touched, so
// large reservations are cheap.
package mem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

var pageSize = uintptr(unix.Getpagesize())

// PageSize returns the system page size.
func PageSize() uintptr {
	return pageSize
}

// AlignDown rounds addr down to a multiple of align, which must be a power of
// two.
func AlignDown(addr, align uintptr) uintptr {
	return addr &^ (align - 1)
}

// AlignUp rounds addr up to a multiple of align, which must be a power of two.
func AlignUp(addr, align uintptr) uintptr {
	return AlignDown(addr+align-1, align)
}

// IsAligned reports whether addr is a multiple of align.
func IsAligned(addr, align uintptr) bool {
	return addr&(align-1) == 0
}

// Mapping is an anonymous private mapping. Every mapping is owned by exactly
// one object; ownership transfers are moves of the *Mapping handle.
type Mapping struct {
	name string
	data []byte
}

// MapAnonymous creates a zeroed anonymous mapping of at least size bytes,
// rounded up to whole pages. The name is only used in diagnostics.
func MapAnonymous(name string, size uintptr) (*Mapping, error) {
	size = AlignUp(size, pageSize)
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mem: mapping %q of %d bytes: %w", name, size, err)
	}
	return &Mapping{name: name, data: data}, nil
}

// Name returns the diagnostic name given at creation.
func (m *Mapping) Name() string { return m.name }

// Begin returns the address of the first byte of the mapping.
func (m *Mapping) Begin() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(m.data)))
}

// Size returns the mapped size in bytes (always page-aligned).
func (m *Mapping) Size() uintptr { return uintptr(len(m.data)) }

// End returns the address one past the last byte of the mapping.
func (m *Mapping) End() uintptr { return m.Begin() + m.Size() }

// Bytes returns the backing bytes. The slice aliases the mapping; it becomes
// invalid after Release.
func (m *Mapping) Bytes() []byte { return m.data }

// HasAddress reports whether addr falls inside the mapping.
func (m *Mapping) HasAddress(addr uintptr) bool {
	return addr >= m.Begin() && addr < m.End()
}

// slice returns the bytes covering [lo, hi), which must lie inside the
// mapping.
func (m *Mapping) slice(lo, hi uintptr) []byte {
	begin := m.Begin()
	if lo < begin || hi > m.End() || lo > hi {
		panic(fmt.Sprintf("mem: range [%#x,%#x) outside mapping %q [%#x,%#x)",
			lo, hi, m.name, begin, m.End()))
	}
	return m.data[lo-begin : hi-begin]
}

// ZeroAndRelease returns the whole pages of [lo, hi) to the OS. The pages
// read as zero afterwards and are recommitted on the next touch. Partial
// pages at either end are zeroed in place.
func (m *Mapping) ZeroAndRelease(lo, hi uintptr) error {
	pageLo := AlignUp(lo, pageSize)
	pageHi := AlignDown(hi, pageSize)
	if pageLo >= pageHi {
		zero(m.slice(lo, hi))
		return nil
	}
	zero(m.slice(lo, pageLo))
	zero(m.slice(pageHi, hi))
	if err := unix.Madvise(m.slice(pageLo, pageHi), unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("mem: madvise on %q: %w", m.name, err)
	}
	return nil
}

// DontNeed advises the kernel that the whole pages inside [lo, hi) will not
// be needed soon. Unlike ZeroAndRelease the partial head and tail are left
// untouched.
func (m *Mapping) DontNeed(lo, hi uintptr) error {
	pageLo := AlignUp(lo, pageSize)
	pageHi := AlignDown(hi, pageSize)
	if pageLo >= pageHi {
		return nil
	}
	if err := unix.Madvise(m.slice(pageLo, pageHi), unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("mem: madvise on %q: %w", m.name, err)
	}
	return nil
}

// Protect changes the protection of the page-aligned range [lo, hi).
func (m *Mapping) Protect(lo, hi uintptr, prot int) error {
	if !IsAligned(lo, pageSize) || !IsAligned(hi, pageSize) {
		panic("mem: Protect range is not page-aligned")
	}
	if lo == hi {
		return nil
	}
	if err := unix.Mprotect(m.slice(lo, hi), prot); err != nil {
		return fmt.Errorf("mem: mprotect on %q: %w", m.name, err)
	}
	return nil
}

// Protection constants re-exported so callers do not import unix directly.
const (
	ProtNone      = unix.PROT_NONE
	ProtRead      = unix.PROT_READ
	ProtReadWrite = unix.PROT_READ | unix.PROT_WRITE
)

// Release unmaps the mapping. The mapping must not be used afterwards.
func (m *Mapping) Release() error {
	data := m.data
	m.data = nil
	if data == nil {
		return nil
	}
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("mem: munmap of %q: %w", m.name, err)
	}
	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
