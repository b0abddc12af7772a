// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/binary"
	"io"
	"strings"
	"unicode/utf8"
)

// Reader is a cursor over a borrowed byte slice. It never reads past the end
// of the slice it was built from, so the outer packet framing bounds every read.
type Reader struct {
	data   []byte
	offset int
}

// NewReader creates a new reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Remaining returns the number of bytes remaining to be read.
func (r *Reader) Remaining() int {
	return len(r.data) - r.offset
}

// ReadByte reads a single byte.
func (r *Reader) ReadByte() (byte, error) {
	if r.offset >= len(r.data) {
		return 0, ErrBufferTooShort
	}
	b := r.data[r.offset]
	r.offset++
	return b, nil
}

// ReadUint16 reads a big-endian two byte integer.
func (r *Reader) ReadUint16() (uint16, error) {
	if r.offset+2 > len(r.data) {
		return 0, ErrBufferTooShort
	}
	v := binary.BigEndian.Uint16(r.data[r.offset:])
	r.offset += 2
	return v, nil
}

// ReadUint32 reads a big-endian four byte integer.
func (r *Reader) ReadUint32() (uint32, error) {
	if r.offset+4 > len(r.data) {
		return 0, ErrBufferTooShort
	}
	v := binary.BigEndian.Uint32(r.data[r.offset:])
	r.offset += 4
	return v, nil
}

// ReadVBI reads a Variable Byte Integer.
func (r *Reader) ReadVBI() (uint32, error) {
	v, _, err := DecodeVBI(r)
	return v, err
}

// ReadN returns the next n bytes without copying.
func (r *Reader) ReadN(n int) ([]byte, error) {
	if n < 0 || r.offset+n > len(r.data) {
		return nil, ErrBufferTooShort
	}
	b := r.data[r.offset : r.offset+n : r.offset+n]
	r.offset += n
	return b, nil
}

// ReadRemaining returns everything left without copying.
func (r *Reader) ReadRemaining() []byte {
	b := r.data[r.offset:len(r.data):len(r.data)]
	r.offset = len(r.data)
	return b
}

// ReadBytes reads a length-prefixed byte slice (2-byte length prefix).
// The returned slice points into the original data and is only valid for as
// long as the underlying buffer is.
func (r *Reader) ReadBytes() ([]byte, error) {
	length, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	if r.offset+int(length) > len(r.data) {
		return nil, ErrStringTooLong
	}
	b := r.data[r.offset : r.offset+int(length) : r.offset+int(length)]
	r.offset += int(length)
	return b, nil
}

// ReadBinary reads length-prefixed binary data and copies it out of the
// underlying buffer, so the result may outlive the receive buffer.
func (r *Reader) ReadBinary() ([]byte, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// ReadString reads a length-prefixed UTF-8 string. Zero length yields "".
// Ill-formed UTF-8 and the null character are rejected.
func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	if len(b) == 0 {
		return "", nil
	}
	if !utf8.Valid(b) {
		return "", ErrInvalidUTF8
	}
	s := string(b)
	if strings.IndexByte(s, 0) >= 0 {
		return "", ErrInvalidUTF8
	}
	return s, nil
}

// DecodeVBI reads a Variable Byte Integer from r and reports the number of
// bytes consumed. A fifth continuation byte is malformed. Read errors from r
// are returned unchanged so callers can tell a closed stream from bad input.
func DecodeVBI(r io.ByteReader) (uint32, int, error) {
	var value uint32
	var shift uint
	for i := 0; i < MaxVBILen; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, i, err
		}
		value |= uint32(b&0x7F) << shift
		if b&0x80 == 0 {
			return value, i + 1, nil
		}
		shift += 7
	}
	return 0, MaxVBILen, ErrMalformedVBI
}
