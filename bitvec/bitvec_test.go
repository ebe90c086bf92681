package bitvec

import "testing"

func TestSetAndCount(t *testing.T) {
	v := New(64, false)
	for i, idx := range []uint32{0, 1, 31, 32, 63} {
		before := v.NumSetBits()
		v.SetBit(idx)
		if !v.IsBitSet(idx) {
			t.Fatalf("bit %d not set", idx)
		}
		if got := v.NumSetBits(); got != before+1 {
			t.Fatalf("after %d sets: NumSetBits = %d, want %d", i+1, got, before+1)
		}
	}
	v.SetBit(31) // setting twice must not change the count
	if got := v.NumSetBits(); got != 5 {
		t.Errorf("NumSetBits = %d after duplicate set, want 5", got)
	}
}

func TestNonExpandableOverflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("no panic on out-of-range set in non-expandable vector")
		}
	}()
	New(32, false).SetBit(32)
}

func TestExpansion(t *testing.T) {
	v := New(8, true)
	v.SetBit(1000)
	if !v.IsBitSet(1000) || v.IsBitSet(999) {
		t.Error("expansion lost or invented bits")
	}
	if v.NumSetBits() != 1 {
		t.Errorf("NumSetBits = %d, want 1", v.NumSetBits())
	}
}

func TestUnionIntersectSubtract(t *testing.T) {
	a := New(64, true)
	b := New(64, true)
	for _, i := range []uint32{1, 5, 40} {
		a.SetBit(i)
	}
	for _, i := range []uint32{5, 40, 63} {
		b.SetBit(i)
	}

	u := New(64, true)
	u.Copy(a)
	if !u.Union(b) {
		t.Error("union reported no change")
	}
	for _, i := range []uint32{1, 5, 40, 63} {
		if !u.IsBitSet(i) {
			t.Errorf("union missing bit %d", i)
		}
	}
	if u.Union(b) {
		t.Error("second union reported a change")
	}

	x := New(64, true)
	x.Copy(a)
	x.Intersect(b)
	if x.IsBitSet(1) || !x.IsBitSet(5) || !x.IsBitSet(40) || x.IsBitSet(63) {
		t.Error("intersect produced wrong bits")
	}

	s := New(64, true)
	s.Copy(a)
	if !s.Subtract(b) {
		t.Error("subtract reported no change")
	}
	if !s.IsBitSet(1) || s.IsBitSet(5) || s.IsBitSet(40) {
		t.Error("subtract produced wrong bits")
	}
}

func TestSubsetAndEquality(t *testing.T) {
	small := New(32, true)
	big := New(256, true)
	small.SetBit(3)
	big.SetBit(3)
	big.SetBit(200)
	if !small.IsSubsetOf(big) {
		t.Error("subset not detected")
	}
	if big.IsSubsetOf(small) {
		t.Error("superset reported as subset")
	}

	// Equality must ignore differing storage lengths.
	other := New(512, true)
	other.SetBit(3)
	if !small.SameBitsSet(other) {
		t.Error("equal vectors with different storage sizes not equal")
	}
	other.SetBit(400)
	if small.SameBitsSet(other) {
		t.Error("unequal vectors reported equal")
	}
}

func TestHighestBitSet(t *testing.T) {
	v := New(128, true)
	if v.GetHighestBitSet() != -1 {
		t.Error("empty vector has a highest bit")
	}
	v.SetBit(0)
	v.SetBit(77)
	if got := v.GetHighestBitSet(); got != 77 {
		t.Errorf("GetHighestBitSet = %d, want 77", got)
	}
	v.ClearBit(77)
	if got := v.GetHighestBitSet(); got != 0 {
		t.Errorf("GetHighestBitSet = %d, want 0", got)
	}
}

func TestForEachOrder(t *testing.T) {
	v := New(96, false)
	want := []uint32{2, 33, 64, 95}
	for _, i := range want {
		v.SetBit(i)
	}
	var got []uint32
	v.ForEach(func(idx uint32) { got = append(got, idx) })
	if len(got) != len(want) {
		t.Fatalf("visited %d bits, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("visit %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestCopyToRoundTrip(t *testing.T) {
	v := New(64, false)
	v.SetBit(9)
	v.SetBit(41)
	buf := make([]byte, v.StorageSizeBytes())
	if n := v.CopyTo(buf); n != len(buf) {
		t.Fatalf("CopyTo wrote %d bytes, want %d", n, len(buf))
	}
	words := []uint32{
		uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24,
		uint32(buf[4]) | uint32(buf[5])<<8 | uint32(buf[6])<<16 | uint32(buf[7])<<24,
	}
	got := NewFromStorage(words)
	if !got.SameBitsSet(v) {
		t.Error("serialized form does not round-trip")
	}
}

func TestSetInitialBits(t *testing.T) {
	v := New(64, false)
	v.SetInitialBits(40)
	if v.NumSetBits() != 40 || !v.IsBitSet(39) || v.IsBitSet(40) {
		t.Errorf("SetInitialBits(40): count=%d", v.NumSetBits())
	}
}
