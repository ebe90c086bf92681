package space

import (
	"testing"

	"github.com/quartz-rt/quartz/object"
	"github.com/quartz-rt/quartz/thread"
)

func newBumpSpace(t *testing.T) *BumpPointerSpace {
	t.Helper()
	s, err := NewBumpPointerSpace("test bump space", 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Release)
	return s
}

var (
	smallClass = object.NewClass("LSmall;", 16, nil)
	midClass   = object.NewClass("LMid;", 32, nil)
	bigClass   = object.NewClass("LBig;", 64, nil)
)

func TestBumpAllocAndWalk(t *testing.T) {
	s := newBumpSpace(t)

	classes := []*object.Class{smallClass, midClass, bigClass}
	var refs []object.Ref
	for _, c := range classes {
		r := s.Alloc(c.InstanceSize())
		if r.IsNull() {
			t.Fatal("allocation failed")
		}
		r.SetClass(c)
		refs = append(refs, r)
	}

	// Objects are laid out back to back in allocation order.
	if uintptr(refs[1]) != uintptr(refs[0])+16 || uintptr(refs[2]) != uintptr(refs[1])+32 {
		t.Fatalf("layout %#v", refs)
	}

	var walked []object.Ref
	s.Walk(func(o object.Ref) { walked = append(walked, o) })
	if len(walked) != 3 {
		t.Fatalf("walked %d objects, want 3", len(walked))
	}
	for i := range refs {
		if walked[i] != refs[i] {
			t.Fatalf("walk order %v, want %v", walked, refs)
		}
	}

	if s.ObjectsAllocated() != 3 || s.BytesAllocated() != 16+32+64 {
		t.Errorf("counters: %d objects, %d bytes", s.ObjectsAllocated(), s.BytesAllocated())
	}
}

func TestBumpWalkStopsAtFrontier(t *testing.T) {
	s := newBumpSpace(t)
	a := s.Alloc(16)
	a.SetClass(smallClass)
	// A slot was claimed but its class store has not landed yet.
	s.Alloc(16)

	var walked int
	s.Walk(func(object.Ref) { walked++ })
	if walked != 1 {
		t.Errorf("walked %d objects past an unpublished one", walked)
	}
}

func TestTLABBlocks(t *testing.T) {
	s := newBumpSpace(t)
	main := s.Alloc(32)
	main.SetClass(midClass)

	mut := thread.Attach("mutator")
	if !s.AllocNewTLAB(mut, 4096) {
		t.Fatal("TLAB allocation failed")
	}
	o1 := mut.AllocTLAB(16)
	o1.SetClass(smallClass)
	o2 := mut.AllocTLAB(64)
	o2.SetClass(bigClass)
	if o1.IsNull() || o2.IsNull() {
		t.Fatal("TLAB bump failed")
	}

	// A second thread gets its own block; the walk still sees everything.
	other := thread.Attach("other")
	if !s.AllocNewTLAB(other, 4096) {
		t.Fatal("second TLAB allocation failed")
	}
	o3 := other.AllocTLAB(16)
	o3.SetClass(smallClass)

	var walked []object.Ref
	s.Walk(func(o object.Ref) { walked = append(walked, o) })
	want := []object.Ref{main, o1, o2, o3}
	if len(walked) != len(want) {
		t.Fatalf("walked %v, want %v", walked, want)
	}
	for i := range want {
		if walked[i] != want[i] {
			t.Fatalf("walked %v, want %v", walked, want)
		}
	}

	// Thread counters surface in the space after revoke.
	before := s.ObjectsAllocated()
	s.RevokeThreadLocalBuffers(mut)
	if got := s.ObjectsAllocated() - before; got != 2 {
		t.Errorf("revoke folded %d objects, want 2", got)
	}
	if mut.TLABRemaining() != 0 {
		t.Error("revoked thread still holds a buffer")
	}
}

func TestBumpClear(t *testing.T) {
	s := newBumpSpace(t)
	r := s.Alloc(64)
	r.SetClass(bigClass)
	mut := thread.Attach("mutator")
	if !s.AllocNewTLAB(mut, 1024) {
		t.Fatal("TLAB allocation failed")
	}

	s.Clear()
	if s.End() != s.Begin() {
		t.Error("frontier not reset")
	}
	if s.ObjectsAllocated() != 0 || s.BytesAllocated() != 0 {
		t.Error("counters not reset")
	}
	var walked int
	s.Walk(func(object.Ref) { walked++ })
	if walked != 0 {
		t.Errorf("walked %d objects in a cleared space", walked)
	}
}

func TestBumpExhaustion(t *testing.T) {
	s := newBumpSpace(t)
	if r := s.Alloc(1 << 21); !r.IsNull() {
		t.Error("oversized allocation succeeded")
	}
	mut := thread.Attach("mutator")
	if s.AllocNewTLAB(mut, 1<<21) {
		t.Error("oversized TLAB succeeded")
	}
}
