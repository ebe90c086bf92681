package stackmap

import (
	"testing"

	"github.com/quartz-rt/quartz/bitvec"
)

func maskOf(bits ...uint32) *bitvec.BitVector {
	v := bitvec.New(8, true)
	for _, b := range bits {
		v.SetBit(b)
	}
	return v
}

func TestRoundTrip(t *testing.T) {
	var b Builder
	b.AddStackMap(StackMapInfo{
		NativePcOffset: 0x10,
		DexPc:          3,
		RegisterMask:   0b1010,
		StackMask:      maskOf(0, 5),
		DexRegisters: DexRegisterMap{
			{Kind: LocationInStack, Value: 16},
			{Kind: LocationInRegister, Value: 4},
		},
	})
	b.AddStackMap(StackMapInfo{
		NativePcOffset: 0x48,
		DexPc:          9,
		RegisterMask:   0b1,
	})

	ci, err := Decode(b.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if ci.NumStackMaps() != 2 {
		t.Fatalf("NumStackMaps = %d", ci.NumStackMaps())
	}

	sm, ok := ci.GetStackMapForNativePcOffset(0x10)
	if !ok {
		t.Fatal("safepoint at 0x10 not found")
	}
	if sm.DexPc() != 3 || sm.RegisterMask() != 0b1010 {
		t.Errorf("DexPc=%d RegisterMask=%#b", sm.DexPc(), sm.RegisterMask())
	}
	for i := 0; i < ci.StackMaskBits(); i++ {
		want := i == 0 || i == 5
		if sm.StackMaskBit(i) != want {
			t.Errorf("StackMaskBit(%d) = %v", i, sm.StackMaskBit(i))
		}
	}
	if !sm.HasDexRegisterMap() || sm.HasInlineInfo() {
		t.Error("presence flags wrong for first safepoint")
	}
	m, ok := ci.GetDexRegisterMapOf(sm, 2)
	if !ok {
		t.Fatal("dex register map missing")
	}
	if m[0] != (DexRegisterLocation{LocationInStack, 16}) ||
		m[1] != (DexRegisterLocation{LocationInRegister, 4}) {
		t.Errorf("dex register map %v", m)
	}

	sm2, ok := ci.GetStackMapForNativePcOffset(0x48)
	if !ok {
		t.Fatal("safepoint at 0x48 not found")
	}
	if sm2.HasDexRegisterMap() {
		t.Error("second safepoint claims a dex register map")
	}
	if _, ok := ci.GetDexRegisterMapOf(sm2, 1); ok {
		t.Error("dex register map read for a safepoint without one")
	}
	for i := 0; i < ci.StackMaskBits(); i++ {
		if sm2.StackMaskBit(i) {
			t.Errorf("second safepoint has stack mask bit %d set", i)
		}
	}

	if _, ok := ci.GetStackMapForNativePcOffset(0x44); ok {
		t.Error("lookup of an unmapped pc succeeded")
	}
}

func TestInlineChain(t *testing.T) {
	var b Builder
	innerRegs := DexRegisterMap{{Kind: LocationConstant, Value: -1}}
	b.AddStackMap(StackMapInfo{
		NativePcOffset: 0x20,
		DexPc:          1,
		InlineFrames: []InlineFrameInfo{
			{MethodIndex: 500, DexPc: 7, InvokeType: 2},
			{MethodIndex: 33, DexPc: 0, InvokeType: 1, DexRegisters: innerRegs},
		},
	})
	b.AddStackMap(StackMapInfo{
		NativePcOffset: 0x30,
		DexPc:          2,
		InlineFrames: []InlineFrameInfo{
			{MethodIndex: 7, DexPc: 4, InvokeType: 0},
		},
	})

	ci, err := Decode(b.Encode())
	if err != nil {
		t.Fatal(err)
	}

	sm, _ := ci.GetStackMapForNativePcOffset(0x20)
	if !sm.HasInlineInfo() {
		t.Fatal("inline info missing")
	}
	chain, ok := ci.GetInlineInfoOf(sm)
	if !ok || len(chain) != 2 {
		t.Fatalf("chain %v", chain)
	}
	if chain[0].MethodIndex != 500 || chain[0].DexPc != 7 || chain[0].InvokeType != 2 {
		t.Errorf("outer frame %+v", chain[0])
	}
	if chain[1].MethodIndex != 33 || !chain[1].HasDexRegisterMap() {
		t.Errorf("inner frame %+v", chain[1])
	}
	m, ok := ci.GetInlineDexRegisterMapOf(chain[1], 1)
	if !ok || m[0] != (DexRegisterLocation{LocationConstant, -1}) {
		t.Errorf("inner dex register map %v", m)
	}

	sm2, _ := ci.GetStackMapForNativePcOffset(0x30)
	chain2, ok := ci.GetInlineInfoOf(sm2)
	if !ok || len(chain2) != 1 || chain2[0].MethodIndex != 7 {
		t.Errorf("second chain %v", chain2)
	}
}

func TestDexRegisterMapDeduplication(t *testing.T) {
	regs := DexRegisterMap{{Kind: LocationInStack, Value: 8}}
	var b Builder
	for pc := uint32(0); pc < 4; pc++ {
		b.AddStackMap(StackMapInfo{NativePcOffset: pc * 4, DexRegisters: regs})
	}
	var single Builder
	single.AddStackMap(StackMapInfo{NativePcOffset: 0, DexRegisters: regs})

	// Identical maps share one encoding; four safepoints cost no more
	// register bytes than one.
	many, _ := Decode(b.Encode())
	one, _ := Decode(single.Encode())
	if len(many.dexRegisters) != len(one.dexRegisters) {
		t.Errorf("register region %d bytes for 4 identical maps, %d for 1",
			len(many.dexRegisters), len(one.dexRegisters))
	}
	for pc := uint32(0); pc < 4; pc++ {
		sm, ok := many.GetStackMapForNativePcOffset(pc * 4)
		if !ok {
			t.Fatalf("safepoint %d missing", pc)
		}
		m, ok := many.GetDexRegisterMapOf(sm, 1)
		if !ok || m[0] != regs[0] {
			t.Errorf("safepoint %d map %v", pc, m)
		}
	}
}

func TestZeroWidthFields(t *testing.T) {
	// A method with one trivial safepoint encodes most fields in zero bits.
	var b Builder
	b.AddStackMap(StackMapInfo{NativePcOffset: 0, DexPc: 0})

	ci, err := Decode(b.Encode())
	if err != nil {
		t.Fatal(err)
	}
	sm, ok := ci.GetStackMapForNativePcOffset(0)
	if !ok {
		t.Fatal("safepoint not found")
	}
	if sm.DexPc() != 0 || sm.RegisterMask() != 0 {
		t.Error("zero-width fields read nonzero")
	}
	if sm.HasDexRegisterMap() || sm.HasInlineInfo() {
		t.Error("presence flags set on a trivial safepoint")
	}
}

func TestDecodeTruncated(t *testing.T) {
	var b Builder
	b.AddStackMap(StackMapInfo{NativePcOffset: 0x1000, RegisterMask: 0xffff})
	enc := b.Encode()
	if _, err := Decode(enc[:len(enc)-1]); err == nil {
		t.Error("truncated table decoded")
	}
	if _, err := Decode(nil); err == nil {
		t.Error("empty table decoded")
	}
}

func TestStackMapForDexPc(t *testing.T) {
	var b Builder
	b.AddStackMap(StackMapInfo{NativePcOffset: 4, DexPc: 10})
	b.AddStackMap(StackMapInfo{NativePcOffset: 8, DexPc: 20})
	ci, err := Decode(b.Encode())
	if err != nil {
		t.Fatal(err)
	}
	sm, ok := ci.GetStackMapForDexPc(20)
	if !ok || sm.NativePcOffset() != 8 {
		t.Error("dex pc lookup failed")
	}
}
