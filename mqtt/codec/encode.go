// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

// Encoders append to dst and return the extended slice, so a whole variable
// header can be built in one allocation.

// VBISize returns the number of bytes EncodeVBI produces for v.
func VBISize(v uint32) int {
	switch {
	case v < 128:
		return 1
	case v < 16_384:
		return 2
	case v < 2_097_152:
		return 3
	default:
		return 4
	}
}

// AppendVBI appends the minimal Variable Byte Integer encoding of v.
// It panics if v exceeds MaxVBI; callers validate lengths first.
func AppendVBI(dst []byte, v uint32) []byte {
	if v > MaxVBI {
		panic("codec: variable byte integer out of range")
	}
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v > 0 {
			b |= 0x80
		}
		dst = append(dst, b)
		if v == 0 {
			return dst
		}
	}
}

// EncodeVBI returns the minimal Variable Byte Integer encoding of v.
func EncodeVBI(v uint32) []byte {
	return AppendVBI(make([]byte, 0, MaxVBILen), v)
}

func AppendUint16(dst []byte, v uint16) []byte {
	return append(dst, byte(v>>8), byte(v))
}

func AppendUint32(dst []byte, v uint32) []byte {
	return append(dst, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// AppendBytes appends b with a 2-byte length prefix.
func AppendBytes(dst, b []byte) []byte {
	dst = AppendUint16(dst, uint16(len(b)))
	return append(dst, b...)
}

// AppendString appends s with a 2-byte length prefix.
func AppendString(dst []byte, s string) []byte {
	dst = AppendUint16(dst, uint16(len(s)))
	return append(dst, s...)
}

// StringSize is the encoded size of a length-prefixed string or binary field.
func StringSize(n int) int {
	return 2 + n
}

func EncodeBool(b bool) byte {
	if b {
		return 1
	}
	return 0
}
