// Package stackmap decodes the bit-packed method tables that map a native
// program counter inside a compiled method to its dex PC, the registers and
// stack slots holding live references, the dex-register locations and the
// inlined call chain. Field widths are chosen per method by the producer and
// recorded in the method header, so the decoder is generic over widths.
package stackmap

import (
	"fmt"

	"github.com/quartz-rt/quartz/leb128"
)

// LocationKind says where a dex register lives at a safepoint.
type LocationKind uint8

const (
	LocationNone LocationKind = iota
	LocationInStack
	LocationInRegister
	LocationInFpuRegister
	LocationConstant
)

func (k LocationKind) String() string {
	switch k {
	case LocationNone:
		return "none"
	case LocationInStack:
		return "in stack"
	case LocationInRegister:
		return "in register"
	case LocationInFpuRegister:
		return "in fpu register"
	case LocationConstant:
		return "constant"
	}
	return fmt.Sprintf("LocationKind(%d)", uint8(k))
}

// DexRegisterLocation is one dex register's location. Value is a stack offset,
// a register number or a constant depending on the kind.
type DexRegisterLocation struct {
	Kind  LocationKind
	Value int32
}

// DexRegisterMap holds the locations of the first N dex registers at a
// safepoint.
type DexRegisterMap []DexRegisterLocation

// fieldEncoding is a bit field inside a packed entry.
type fieldEncoding struct {
	start uint32
	width uint32
}

func (f fieldEncoding) load(data []byte, entryBit uint32) uint32 {
	return loadBits(data, entryBit+f.start, f.width)
}

func loadBits(data []byte, bit, width uint32) uint32 {
	if width == 0 {
		return 0
	}
	var v uint64
	byteOff := bit >> 3
	shift := bit & 7
	for i := uint32(0); i*8 < shift+width; i++ {
		v |= uint64(data[byteOff+i]) << (8 * i)
	}
	return uint32(v>>shift) & uint32((uint64(1)<<width)-1)
}

func storeBits(data []byte, bit, width uint32, v uint32) {
	for i := uint32(0); i < width; i++ {
		if v&(1<<i) != 0 {
			data[(bit+i)>>3] |= 1 << ((bit + i) & 7)
		}
	}
}

// Offset-valued fields store offset+1 so a zero means "absent" regardless of
// the field width.
const absent = 0

// stackMapEncoding gives the bit layout of one stack-map entry. Field order is
// fixed; widths come from the header.
type stackMapEncoding struct {
	nativePc    fieldEncoding
	dexPc       fieldEncoding
	dexMapOff   fieldEncoding
	inlineIndex fieldEncoding
	regMask     fieldEncoding
	stackMask   fieldEncoding // stackMask.width = bits per mask
}

func (e *stackMapEncoding) layout(widths [5]uint32, stackMaskBits uint32) uint32 {
	bit := uint32(0)
	for i, f := range []*fieldEncoding{&e.nativePc, &e.dexPc, &e.dexMapOff, &e.inlineIndex, &e.regMask} {
		f.start, f.width = bit, widths[i]
		bit += widths[i]
	}
	e.stackMask.start, e.stackMask.width = bit, stackMaskBits
	return bit + stackMaskBits
}

// inlineFrameEncoding gives the bit layout of one inline-info frame.
type inlineFrameEncoding struct {
	isLast      fieldEncoding
	methodIndex fieldEncoding
	dexPc       fieldEncoding
	invokeType  fieldEncoding
	dexMapOff   fieldEncoding
}

func (e *inlineFrameEncoding) layout(widths [4]uint32) uint32 {
	e.isLast = fieldEncoding{0, 1}
	bit := uint32(1)
	for i, f := range []*fieldEncoding{&e.methodIndex, &e.dexPc, &e.invokeType, &e.dexMapOff} {
		f.start, f.width = bit, widths[i]
		bit += widths[i]
	}
	return bit
}

// CodeInfo is the decoded per-method table. The byte slice it was built from
// must stay alive and unmodified.
type CodeInfo struct {
	numStackMaps    uint32
	numInlineFrames uint32

	enc          stackMapEncoding
	stackMapBits uint32
	inlineEnc    inlineFrameEncoding
	frameBits    uint32

	stackMaps    []byte
	inlineFrames []byte
	dexRegisters []byte
}

// StackMap is one safepoint entry. The zero StackMap is invalid.
type StackMap struct {
	ci    *CodeInfo
	bit   uint32
	valid bool
}

// Decode parses an encoded method table.
func Decode(data []byte) (*CodeInfo, error) {
	ci := &CodeInfo{}
	pos := 0
	next := func() (uint32, error) {
		if pos >= len(data) {
			return 0, fmt.Errorf("stackmap: truncated header at byte %d", pos)
		}
		v, n := leb128.DecodeUnsigned(data[pos:])
		pos += n
		return v, nil
	}

	var err error
	read := func() uint32 {
		if err != nil {
			return 0
		}
		var v uint32
		v, err = next()
		return v
	}

	ci.numStackMaps = read()
	var widths [5]uint32
	for i := range widths {
		widths[i] = read()
	}
	stackMaskBits := read()
	ci.numInlineFrames = read()
	var frameWidths [4]uint32
	for i := range frameWidths {
		frameWidths[i] = read()
	}
	dexRegistersSize := read()
	if err != nil {
		return nil, err
	}

	ci.stackMapBits = ci.enc.layout(widths, stackMaskBits)
	ci.frameBits = ci.inlineEnc.layout(frameWidths)

	stackMapsSize := int((ci.numStackMaps*ci.stackMapBits + 7) / 8)
	framesSize := int((ci.numInlineFrames*ci.frameBits + 7) / 8)
	need := pos + stackMapsSize + framesSize + int(dexRegistersSize)
	if len(data) < need {
		return nil, fmt.Errorf("stackmap: table needs %d bytes, have %d", need, len(data))
	}
	ci.stackMaps = data[pos : pos+stackMapsSize]
	pos += stackMapsSize
	ci.inlineFrames = data[pos : pos+framesSize]
	pos += framesSize
	ci.dexRegisters = data[pos : pos+int(dexRegistersSize)]
	return ci, nil
}

// NumStackMaps returns the safepoint count.
func (ci *CodeInfo) NumStackMaps() int { return int(ci.numStackMaps) }

// StackMaskBits returns the per-entry stack mask width.
func (ci *CodeInfo) StackMaskBits() int { return int(ci.enc.stackMask.width) }

// GetStackMapAt returns the i-th entry.
func (ci *CodeInfo) GetStackMapAt(i int) StackMap {
	if i < 0 || i >= int(ci.numStackMaps) {
		return StackMap{}
	}
	return StackMap{ci: ci, bit: uint32(i) * ci.stackMapBits, valid: true}
}

// GetStackMapForNativePcOffset finds the entry for a native PC offset.
func (ci *CodeInfo) GetStackMapForNativePcOffset(pc uint32) (StackMap, bool) {
	for i := 0; i < int(ci.numStackMaps); i++ {
		sm := ci.GetStackMapAt(i)
		if sm.NativePcOffset() == pc {
			return sm, true
		}
	}
	return StackMap{}, false
}

// GetStackMapForDexPc finds the first entry for a dex PC.
func (ci *CodeInfo) GetStackMapForDexPc(dexPc uint32) (StackMap, bool) {
	for i := 0; i < int(ci.numStackMaps); i++ {
		sm := ci.GetStackMapAt(i)
		if sm.DexPc() == dexPc {
			return sm, true
		}
	}
	return StackMap{}, false
}

// IsValid reports whether the entry exists.
func (sm StackMap) IsValid() bool { return sm.valid }

// NativePcOffset returns the native PC offset of the safepoint.
func (sm StackMap) NativePcOffset() uint32 {
	return sm.ci.enc.nativePc.load(sm.ci.stackMaps, sm.bit)
}

// DexPc returns the dex PC of the safepoint.
func (sm StackMap) DexPc() uint32 {
	return sm.ci.enc.dexPc.load(sm.ci.stackMaps, sm.bit)
}

// RegisterMask returns the mask of registers holding live references.
func (sm StackMap) RegisterMask() uint32 {
	return sm.ci.enc.regMask.load(sm.ci.stackMaps, sm.bit)
}

// StackMaskBit reports whether stack slot i holds a live reference.
func (sm StackMap) StackMaskBit(i int) bool {
	f := sm.ci.enc.stackMask
	if i < 0 || uint32(i) >= f.width {
		return false
	}
	return loadBits(sm.ci.stackMaps, sm.bit+f.start+uint32(i), 1) != 0
}

// HasDexRegisterMap reports whether the safepoint carries register locations.
func (sm StackMap) HasDexRegisterMap() bool {
	return sm.ci.enc.dexMapOff.load(sm.ci.stackMaps, sm.bit) != absent
}

// HasInlineInfo reports whether calls are inlined at the safepoint.
func (sm StackMap) HasInlineInfo() bool {
	return sm.ci.enc.inlineIndex.load(sm.ci.stackMaps, sm.bit) != absent
}

// GetDexRegisterMapOf reads the locations of the first numRegs dex registers
// at the safepoint.
func (ci *CodeInfo) GetDexRegisterMapOf(sm StackMap, numRegs int) (DexRegisterMap, bool) {
	off := ci.enc.dexMapOff.load(ci.stackMaps, sm.bit)
	if !sm.valid || off == absent {
		return nil, false
	}
	return ci.readDexRegisterMap(off-1, numRegs)
}

func (ci *CodeInfo) readDexRegisterMap(byteOff uint32, numRegs int) (DexRegisterMap, bool) {
	m := make(DexRegisterMap, numRegs)
	pos := int(byteOff)
	for i := 0; i < numRegs; i++ {
		if pos >= len(ci.dexRegisters) {
			return nil, false
		}
		m[i].Kind = LocationKind(ci.dexRegisters[pos])
		pos++
		if pos >= len(ci.dexRegisters) {
			return nil, false
		}
		v, n := leb128.DecodeSigned(ci.dexRegisters[pos:])
		m[i].Value = v
		pos += n
	}
	return m, true
}

// InlineFrame is one inlined call in the chain, innermost last.
type InlineFrame struct {
	MethodIndex uint32
	DexPc       uint32
	InvokeType  uint32

	dexMapOff uint32
}

// HasDexRegisterMap reports whether the frame carries its own register
// locations.
func (f InlineFrame) HasDexRegisterMap() bool { return f.dexMapOff != absent }

// GetInlineInfoOf returns the inline chain at the safepoint, outermost callee
// first.
func (ci *CodeInfo) GetInlineInfoOf(sm StackMap) ([]InlineFrame, bool) {
	idx := ci.enc.inlineIndex.load(ci.stackMaps, sm.bit)
	if !sm.valid || idx == absent {
		return nil, false
	}
	var chain []InlineFrame
	for i := idx - 1; i < ci.numInlineFrames; i++ {
		bit := i * ci.frameBits
		chain = append(chain, InlineFrame{
			MethodIndex: ci.inlineEnc.methodIndex.load(ci.inlineFrames, bit),
			DexPc:       ci.inlineEnc.dexPc.load(ci.inlineFrames, bit),
			InvokeType:  ci.inlineEnc.invokeType.load(ci.inlineFrames, bit),
			dexMapOff:   ci.inlineEnc.dexMapOff.load(ci.inlineFrames, bit),
		})
		if ci.inlineEnc.isLast.load(ci.inlineFrames, bit) != 0 {
			return chain, true
		}
	}
	// Ran off the frame array without an end marker.
	return nil, false
}

// GetInlineDexRegisterMapOf reads the register locations of one inline frame.
func (ci *CodeInfo) GetInlineDexRegisterMapOf(f InlineFrame, numRegs int) (DexRegisterMap, bool) {
	if f.dexMapOff == absent {
		return nil, false
	}
	return ci.readDexRegisterMap(f.dexMapOff-1, numRegs)
}
