package space

import (
	"strings"
	"testing"

	"github.com/quartz-rt/quartz/object"
)

func newFreeListSpace(t *testing.T, initial, growth, capacity uintptr) *FreeListSpace {
	t.Helper()
	s, err := NewFreeListSpace("test alloc space", initial, growth, capacity)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Release)
	return s
}

func TestFreeListAllocFree(t *testing.T) {
	s := newFreeListSpace(t, 1<<16, 1<<20, 1<<22)

	a := s.Alloc(48)
	b := s.Alloc(48)
	if a.IsNull() || b.IsNull() {
		t.Fatal("allocation failed")
	}
	if s.AllocationSize(a) < 48 {
		t.Errorf("usable size %d < requested", s.AllocationSize(a))
	}

	// An exact-size chunk is reused for the next allocation of that size.
	s.Free(a)
	if c := s.Alloc(48); c != a {
		t.Errorf("freed chunk at %#x not reused, got %#x", uintptr(a), uintptr(c))
	}

	if cls, ok := s.WasRecentlyFreed(a); !ok || cls != nil {
		t.Errorf("recent-free ring: ok=%v cls=%v", ok, cls)
	}
}

func TestFreeListCoalescing(t *testing.T) {
	s := newFreeListSpace(t, 1<<16, 1<<20, 1<<22)

	a := s.Alloc(48)
	b := s.Alloc(48)
	c := s.Alloc(48)
	s.Alloc(48) // keeps c away from the top chunk

	// Free the outer two, then the middle: all three coalesce.
	s.Free(a)
	s.Free(c)
	s.Free(b)

	// Three 64-byte chunks make one 192-byte chunk: 176 usable bytes.
	if big := s.Alloc(176); big != a {
		t.Errorf("coalesced chunk not reused: got %#x, want %#x", uintptr(big), uintptr(a))
	}
}

func TestFreeListWalk(t *testing.T) {
	s := newFreeListSpace(t, 1<<16, 1<<20, 1<<22)

	cls := object.NewClass("LWalkable;", 48, nil)
	var want []object.Ref
	for i := 0; i < 3; i++ {
		r := s.Alloc(48)
		r.SetClass(cls)
		want = append(want, r)
	}
	unpublished := s.Alloc(48)
	_ = unpublished // class word still zero, must be skipped

	var got []object.Ref
	s.Walk(func(o object.Ref) { got = append(got, o) })
	if len(got) != len(want) {
		t.Fatalf("walked %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("walked %v, want %v", got, want)
		}
	}
}

func TestFreeListFootprintGrowthAndTrim(t *testing.T) {
	s := newFreeListSpace(t, 1<<13, 1<<20, 1<<22)

	before := s.Footprint()
	big := s.Alloc(1 << 16)
	if big.IsNull() {
		t.Fatal("growing allocation failed")
	}
	if s.Footprint() <= before {
		t.Error("footprint did not grow")
	}

	s.Free(big)
	if released := s.Trim(); released == 0 {
		t.Error("trim released nothing")
	}
	if s.Footprint() >= s.MaxFootprint() {
		t.Error("footprint not reduced below high-water mark")
	}

	// Trimmed pages are recommitted on demand.
	if again := s.Alloc(1 << 16); again.IsNull() {
		t.Error("allocation after trim failed")
	}
}

func TestFreeListGrowthLimit(t *testing.T) {
	s := newFreeListSpace(t, 1<<13, 1<<14, 1<<20)

	if r := s.Alloc(1 << 15); !r.IsNull() {
		t.Error("allocation past the growth limit succeeded")
	}
	// The last-resort path may use the whole reservation.
	if r := s.AllocWithGrowth(1 << 15); r.IsNull() {
		t.Error("AllocWithGrowth failed within capacity")
	}
}

func TestFragmentationFailureReport(t *testing.T) {
	// Sixteen 4K chunks fill the growth limit exactly.
	s := newFreeListSpace(t, 1<<16, 1<<16, 1<<16)

	var refs []object.Ref
	for {
		r := s.Alloc(4080)
		if r.IsNull() {
			break
		}
		refs = append(refs, r)
	}
	if len(refs) < 2 {
		t.Fatalf("only %d allocations fit", len(refs))
	}

	// Punch a hole in the middle; a larger request still fails.
	s.Free(refs[len(refs)/2])
	if r := s.Alloc(8000); !r.IsNull() {
		t.Fatal("allocation larger than the hole succeeded")
	}

	var sb strings.Builder
	s.LogFragmentationAllocFailure(&sb, 8000)
	out := sb.String()
	if !strings.Contains(out, "largest contiguous") || !strings.Contains(out, s.Name()) {
		t.Errorf("report: %q", out)
	}

	// The hole itself still serves a fitting request.
	if r := s.Alloc(4000); r.IsNull() {
		t.Error("allocation fitting the hole failed")
	}
}

func TestDoubleFreePanics(t *testing.T) {
	s := newFreeListSpace(t, 1<<16, 1<<20, 1<<22)
	a := s.Alloc(48)
	s.Alloc(48)
	s.Free(a)
	defer func() {
		if recover() == nil {
			t.Error("double free did not panic")
		}
	}()
	s.Free(a)
}

func TestCreateZygoteSpace(t *testing.T) {
	s := newFreeListSpace(t, 1<<13, 1<<16, 1<<16)
	old := s.Alloc(64)
	if old.IsNull() {
		t.Fatal("allocation failed")
	}

	alloc, err := s.CreateZygoteSpace("post-fork alloc space")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(alloc.Release)

	if s.GetPolicy() != PolicyFullCollectOnly {
		t.Error("sealed space not marked full-collect-only")
	}
	if alloc.GetPolicy() != PolicyAlwaysCollect {
		t.Error("new space not marked always-collect")
	}
	if s.Limit() != alloc.Begin() {
		t.Errorf("spaces not adjacent: %#x vs %#x", s.Limit(), alloc.Begin())
	}

	// New allocations land in the new space; the sealed data is untouched.
	r := alloc.Alloc(64)
	if r.IsNull() {
		t.Fatal("allocation in the new space failed")
	}
	if !alloc.HasAddress(uintptr(r)) || alloc.HasAddress(uintptr(old)) {
		t.Error("address ownership wrong after the split")
	}
	if !s.HasAddress(uintptr(old)) {
		t.Error("sealed space lost its object")
	}
}
