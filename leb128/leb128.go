// Package leb128 implements little-endian base-128 variable-length integers
// as used by the class-container and stack-map formats.
package leb128

// Values are capped at 32 bits, which bounds an encoding at five bytes.
const maxBytes = 5

// AppendUnsigned appends the ULEB128 encoding of v to dst and returns the
// extended slice.
func AppendUnsigned(dst []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		dst = append(dst, b)
		if v == 0 {
			return dst
		}
	}
}

// DecodeUnsigned decodes a ULEB128 value from the start of data. It returns
// the value and the number of bytes consumed. A truncated or over-long
// encoding returns n == 0.
func DecodeUnsigned(data []byte) (v uint32, n int) {
	var shift uint
	for i, b := range data {
		if i == maxBytes {
			return 0, 0
		}
		v |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, i + 1
		}
		shift += 7
	}
	return 0, 0
}

// UnsignedSize returns the number of bytes AppendUnsigned writes for v.
func UnsignedSize(v uint32) int {
	n := 1
	for v >>= 7; v != 0; v >>= 7 {
		n++
	}
	return n
}

// AppendSigned appends the SLEB128 encoding of v to dst and returns the
// extended slice.
func AppendSigned(dst []byte, v int32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7 // arithmetic shift
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}

// DecodeSigned decodes an SLEB128 value from the start of data. It returns
// the value and the number of bytes consumed, or n == 0 on a truncated or
// over-long encoding.
func DecodeSigned(data []byte) (v int32, n int) {
	var shift uint
	for i, b := range data {
		if i == maxBytes {
			return 0, 0
		}
		v |= int32(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 32 && b&0x40 != 0 {
				v |= -1 << shift // sign extend
			}
			return v, i + 1
		}
	}
	return 0, 0
}

// SignedSize returns the number of bytes AppendSigned writes for v.
func SignedSize(v int32) int {
	n := 0
	for {
		b := byte(v & 0x7f)
		v >>= 7
		n++
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return n
		}
	}
}

// UpdateUnsigned rewrites the ULEB128 encoding at the start of data with v,
// preserving the width of the existing encoding by padding with continuation
// bytes. The new value must fit in the old width. It returns the width, or 0
// if the existing encoding is invalid or the new value does not fit.
func UpdateUnsigned(data []byte, v uint32) int {
	_, width := DecodeUnsigned(data)
	if width == 0 || UnsignedSize(v) > width {
		return 0
	}
	for i := 0; i < width; i++ {
		b := byte(v & 0x7f)
		v >>= 7
		if i != width-1 {
			b |= 0x80 // pad to the old width
		}
		data[i] = b
	}
	return width
}
