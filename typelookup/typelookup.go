// Package typelookup implements the open-addressed table that maps a type
// descriptor to its class-definition index within one class container. The
// table is built once per container and can be persisted in a raw form that
// is loaded back without rehashing.
package typelookup

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/sigurn/crc16"
)

// entry is one table slot. strOffset is the descriptor's offset in the string
// region, zero for an empty slot. packed holds the class-def index in the
// high 16 bits and the probe-chain delta to the next slot in the low 16, zero
// delta ending the chain.
type entry struct {
	strOffset uint32
	packed    uint32
}

const (
	deltaBits = 16
	deltaMask = 1<<deltaBits - 1

	// MaxClassDefs is the container size limit; both the class-def index
	// and the chain delta must fit in 16 bits.
	MaxClassDefs = 1 << 16
)

func (e entry) isEmpty() bool        { return e.strOffset == 0 }
func (e entry) classDefIdx() uint32  { return e.packed >> deltaBits }
func (e entry) nextPosDelta() uint32 { return e.packed & deltaMask }

// Table resolves descriptors to class-def indices.
type Table struct {
	mask    uint32
	entries []entry
	strings []byte // NUL-terminated descriptors; offset 0 is reserved
}

func roundUpPow2(n uint32) uint32 {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len32(n-1)
}

// hashDescriptor is the modified-UTF-8 string hash class containers use.
func hashDescriptor(s string) uint32 {
	var h uint32
	for i := 0; i < len(s); i++ {
		h = h*31 + uint32(s[i])
	}
	return h
}

// Build constructs a table over the given descriptors; the class-def index of
// a descriptor is its position in the slice.
func Build(descriptors []string) (*Table, error) {
	if len(descriptors) > MaxClassDefs {
		return nil, fmt.Errorf("typelookup: %d class defs exceed the table limit", len(descriptors))
	}
	numSlots := roundUpPow2(uint32(len(descriptors)))
	t := &Table{
		mask:    numSlots - 1,
		entries: make([]entry, numSlots),
		strings: []byte{0},
	}
	// Bucket heads are placed first so a non-empty home slot is always the
	// head of its own bucket; conflicting entries are chained in afterwards
	// from whatever slots are still free.
	type conflict struct {
		pos         uint32
		strOffset   uint32
		classDefIdx uint32
	}
	var conflicts []conflict
	for idx, desc := range descriptors {
		if desc == "" {
			return nil, fmt.Errorf("typelookup: empty descriptor at class def %d", idx)
		}
		strOffset := uint32(len(t.strings))
		t.strings = append(t.strings, desc...)
		t.strings = append(t.strings, 0)
		pos := hashDescriptor(desc) & t.mask
		if t.entries[pos].isEmpty() {
			t.entries[pos] = entry{strOffset, uint32(idx) << deltaBits}
		} else {
			conflicts = append(conflicts, conflict{pos, strOffset, uint32(idx)})
		}
	}
	for _, c := range conflicts {
		tail := c.pos
		for t.entries[tail].nextPosDelta() != 0 {
			tail = (tail + t.entries[tail].nextPosDelta()) & t.mask
		}
		free := (tail + 1) & t.mask
		for !t.entries[free].isEmpty() {
			free = (free + 1) & t.mask
		}
		t.entries[tail].packed |= (free - tail) & t.mask
		t.entries[free] = entry{c.strOffset, c.classDefIdx << deltaBits}
	}
	return t, nil
}

func (t *Table) descriptorAt(strOffset uint32) string {
	end := strOffset
	for end < uint32(len(t.strings)) && t.strings[end] != 0 {
		end++
	}
	return string(t.strings[strOffset:end])
}

// Lookup resolves a descriptor to its class-def index.
func (t *Table) Lookup(descriptor string) (uint32, bool) {
	pos := hashDescriptor(descriptor) & t.mask
	for {
		e := t.entries[pos]
		if e.isEmpty() {
			return 0, false
		}
		// Hash collisions share a chain; the stored string decides.
		if t.descriptorAt(e.strOffset) == descriptor {
			return e.classDefIdx(), true
		}
		delta := e.nextPosDelta()
		if delta == 0 {
			return 0, false
		}
		pos = (pos + delta) & t.mask
	}
}

// NumSlots returns the slot count, a power of two.
func (t *Table) NumSlots() int { return len(t.entries) }

// Raw table format: a fixed header followed by the slots and the string
// region. The checksum covers everything after the header so a truncated or
// corrupted persisted table is rejected at load time.
const (
	rawMagic   = 0x716c7474 // "qltt"
	rawVersion = 1
	headerSize = 4 + 4 + 4 + 4 + 2 + 2
)

var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// RawData serializes the table into its mmappable persisted form.
func (t *Table) RawData() []byte {
	body := make([]byte, 0, len(t.entries)*8+len(t.strings))
	for _, e := range t.entries {
		body = binary.LittleEndian.AppendUint32(body, e.strOffset)
		body = binary.LittleEndian.AppendUint32(body, e.packed)
	}
	body = append(body, t.strings...)

	out := make([]byte, headerSize, headerSize+len(body))
	binary.LittleEndian.PutUint32(out[0:], rawMagic)
	binary.LittleEndian.PutUint32(out[4:], uint32(len(t.entries)))
	binary.LittleEndian.PutUint32(out[8:], uint32(len(t.strings)))
	binary.LittleEndian.PutUint16(out[12:], rawVersion)
	binary.LittleEndian.PutUint16(out[14:], crc16.Checksum(body, crcTable))
	return append(out, body...)
}

// Open loads a table from its persisted form without rebuilding it.
func Open(data []byte) (*Table, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("typelookup: raw table of %d bytes is too short", len(data))
	}
	if binary.LittleEndian.Uint32(data[0:]) != rawMagic {
		return nil, fmt.Errorf("typelookup: bad magic")
	}
	numSlots := binary.LittleEndian.Uint32(data[4:])
	stringsSize := binary.LittleEndian.Uint32(data[8:])
	if v := binary.LittleEndian.Uint16(data[12:]); v != rawVersion {
		return nil, fmt.Errorf("typelookup: unsupported version %d", v)
	}
	if numSlots == 0 || numSlots&(numSlots-1) != 0 {
		return nil, fmt.Errorf("typelookup: slot count %d is not a power of two", numSlots)
	}
	body := data[headerSize:]
	need := int(numSlots)*8 + int(stringsSize)
	if len(body) != need {
		return nil, fmt.Errorf("typelookup: raw table body is %d bytes, want %d", len(body), need)
	}
	if sum := crc16.Checksum(body, crcTable); sum != binary.LittleEndian.Uint16(data[14:]) {
		return nil, fmt.Errorf("typelookup: checksum mismatch")
	}

	t := &Table{
		mask:    numSlots - 1,
		entries: make([]entry, numSlots),
	}
	for i := range t.entries {
		t.entries[i].strOffset = binary.LittleEndian.Uint32(body[i*8:])
		t.entries[i].packed = binary.LittleEndian.Uint32(body[i*8+4:])
	}
	t.strings = append([]byte(nil), body[numSlots*8:]...)
	return t, nil
}
