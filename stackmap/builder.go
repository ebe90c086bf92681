package stackmap

import (
	"math/bits"

	"github.com/quartz-rt/quartz/bitvec"
	"github.com/quartz-rt/quartz/leb128"
)

// InlineFrameInfo describes one inlined call for the builder, outermost
// callee first.
type InlineFrameInfo struct {
	MethodIndex  uint32
	DexPc        uint32
	InvokeType   uint32
	DexRegisters DexRegisterMap
}

// StackMapInfo describes one safepoint for the builder.
type StackMapInfo struct {
	NativePcOffset uint32
	DexPc          uint32
	RegisterMask   uint32
	StackMask      *bitvec.BitVector
	DexRegisters   DexRegisterMap
	InlineFrames   []InlineFrameInfo
}

// Builder accumulates safepoints and emits the packed table. Field widths are
// the minimum that fit the collected values, so the builder must see every
// entry before Encode.
type Builder struct {
	maps []StackMapInfo
}

// AddStackMap records one safepoint.
func (b *Builder) AddStackMap(info StackMapInfo) {
	b.maps = append(b.maps, info)
}

func bitsFor(maxValue uint32) uint32 {
	return uint32(bits.Len32(maxValue))
}

// Encode emits the table in the format Decode understands.
func (b *Builder) Encode() []byte {
	// Dex register maps are deduplicated across safepoints and inline
	// frames; offsets are stored biased by one so zero reads as absent.
	var dexRegion []byte
	interned := make(map[string]uint32)
	internMap := func(m DexRegisterMap) uint32 {
		if len(m) == 0 {
			return absent
		}
		var enc []byte
		for _, loc := range m {
			enc = append(enc, byte(loc.Kind))
			enc = leb128.AppendSigned(enc, loc.Value)
		}
		if off, ok := interned[string(enc)]; ok {
			return off
		}
		off := uint32(len(dexRegion)) + 1
		dexRegion = append(dexRegion, enc...)
		interned[string(enc)] = off
		return off
	}

	type packedFrame struct {
		isLast uint32
		fields [4]uint32 // methodIndex, dexPc, invokeType, dexMapOff
	}
	type packedMap struct {
		fields [5]uint32 // nativePc, dexPc, dexMapOff, inlineIndex, regMask
		mask   *bitvec.BitVector
	}

	var frames []packedFrame
	packed := make([]packedMap, len(b.maps))
	stackMaskBits := uint32(0)
	for i, m := range b.maps {
		inlineIndex := uint32(absent)
		if len(m.InlineFrames) > 0 {
			inlineIndex = uint32(len(frames)) + 1
			for j, f := range m.InlineFrames {
				pf := packedFrame{
					fields: [4]uint32{f.MethodIndex, f.DexPc, f.InvokeType, internMap(f.DexRegisters)},
				}
				if j == len(m.InlineFrames)-1 {
					pf.isLast = 1
				}
				frames = append(frames, pf)
			}
		}
		packed[i] = packedMap{
			fields: [5]uint32{m.NativePcOffset, m.DexPc, internMap(m.DexRegisters), inlineIndex, m.RegisterMask},
			mask:   m.StackMask,
		}
		if m.StackMask != nil {
			if hi := m.StackMask.GetHighestBitSet(); hi >= 0 && uint32(hi)+1 > stackMaskBits {
				stackMaskBits = uint32(hi) + 1
			}
		}
	}

	var widths [5]uint32
	for _, p := range packed {
		for i, v := range p.fields {
			if w := bitsFor(v); w > widths[i] {
				widths[i] = w
			}
		}
	}
	var frameWidths [4]uint32
	for _, f := range frames {
		for i, v := range f.fields {
			if w := bitsFor(v); w > frameWidths[i] {
				frameWidths[i] = w
			}
		}
	}

	var enc stackMapEncoding
	stackMapBits := enc.layout(widths, stackMaskBits)
	var frameEnc inlineFrameEncoding
	frameBits := frameEnc.layout(frameWidths)

	var out []byte
	out = leb128.AppendUnsigned(out, uint32(len(packed)))
	for _, w := range widths {
		out = leb128.AppendUnsigned(out, w)
	}
	out = leb128.AppendUnsigned(out, stackMaskBits)
	out = leb128.AppendUnsigned(out, uint32(len(frames)))
	for _, w := range frameWidths {
		out = leb128.AppendUnsigned(out, w)
	}
	out = leb128.AppendUnsigned(out, uint32(len(dexRegion)))

	stackMaps := make([]byte, (uint32(len(packed))*stackMapBits+7)/8)
	fields := []fieldEncoding{enc.nativePc, enc.dexPc, enc.dexMapOff, enc.inlineIndex, enc.regMask}
	for i, p := range packed {
		bit := uint32(i) * stackMapBits
		for j, f := range fields {
			storeBits(stackMaps, bit+f.start, f.width, p.fields[j])
		}
		if p.mask != nil {
			p.mask.ForEach(func(idx uint32) {
				storeBits(stackMaps, bit+enc.stackMask.start+idx, 1, 1)
			})
		}
	}

	frameRegion := make([]byte, (uint32(len(frames))*frameBits+7)/8)
	frameFields := []fieldEncoding{frameEnc.methodIndex, frameEnc.dexPc, frameEnc.invokeType, frameEnc.dexMapOff}
	for i, f := range frames {
		bit := uint32(i) * frameBits
		storeBits(frameRegion, bit+frameEnc.isLast.start, 1, f.isLast)
		for j, fe := range frameFields {
			storeBits(frameRegion, bit+fe.start, fe.width, f.fields[j])
		}
	}

	out = append(out, stackMaps...)
	out = append(out, frameRegion...)
	out = append(out, dexRegion...)
	return out
}
