// Copyright 2024 The TinyM2M Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lwm2m

import (
	"errors"
	"math"
)

// TLVClass is the OMA-TLV type class (upper two bits of the type byte).
type TLVClass uint8

const (
	TLVObjectInstance   TLVClass = 0
	TLVResourceInstance TLVClass = 1
	TLVMultiResource    TLVClass = 2
	TLVResource         TLVClass = 3
)

// TLV is one decoded OMA-TLV node. Value aliases the input buffer.
type TLV struct {
	Class TLVClass
	ID    uint16
	Value []byte
}

var errTLVTruncated = errors.New("lwm2m: truncated TLV")

// ReadTLV decodes one TLV from in and returns it together with the
// total number of bytes it occupies (header + value).
func ReadTLV(in []byte) (TLV, int, error) {
	var t TLV
	if len(in) < 2 {
		return t, 0, errTLVTruncated
	}
	typ := in[0]
	t.Class = TLVClass(typ >> 6)
	pos := 1

	if typ&0x20 != 0 {
		if len(in) < pos+2 {
			return t, 0, errTLVTruncated
		}
		t.ID = uint16(in[pos])<<8 | uint16(in[pos+1])
		pos += 2
	} else {
		t.ID = uint16(in[pos])
		pos++
	}

	length := 0
	switch (typ >> 3) & 0x3 {
	case 0:
		length = int(typ & 0x7)
	case 1:
		if len(in) < pos+1 {
			return t, 0, errTLVTruncated
		}
		length = int(in[pos])
		pos++
	case 2:
		if len(in) < pos+2 {
			return t, 0, errTLVTruncated
		}
		length = int(in[pos])<<8 | int(in[pos+1])
		pos += 2
	case 3:
		if len(in) < pos+3 {
			return t, 0, errTLVTruncated
		}
		length = int(in[pos])<<16 | int(in[pos+1])<<8 | int(in[pos+2])
		pos += 3
	}
	if len(in) < pos+length {
		return t, 0, errTLVTruncated
	}
	t.Value = in[pos : pos+length]
	return t, pos + length, nil
}

// writeTLV encodes a TLV into out and returns the bytes written, or
// errBufferFull.
func writeTLV(out []byte, class TLVClass, id uint16, value []byte) (int, error) {
	typ := byte(class) << 6
	idLen := 1
	if id > 0xff {
		typ |= 0x20
		idLen = 2
	}
	lenLen := 0
	switch {
	case len(value) < 8:
		typ |= byte(len(value))
	case len(value) < 1<<8:
		typ |= 1 << 3
		lenLen = 1
	case len(value) < 1<<16:
		typ |= 2 << 3
		lenLen = 2
	default:
		typ |= 3 << 3
		lenLen = 3
	}
	total := 1 + idLen + lenLen + len(value)
	if len(out) < total {
		return 0, errBufferFull
	}
	pos := 0
	out[pos] = typ
	pos++
	if idLen == 2 {
		out[pos] = byte(id >> 8)
		pos++
	}
	out[pos] = byte(id)
	pos++
	for i := lenLen - 1; i >= 0; i-- {
		out[pos] = byte(len(value) >> (8 * i))
		pos++
	}
	copy(out[pos:], value)
	return total, nil
}

// tlvIntBytes encodes a signed integer in the shortest of 1, 2, 4 or 8
// big-endian bytes.
func tlvIntBytes(v int64) []byte {
	switch {
	case v >= math.MinInt8 && v <= math.MaxInt8:
		return []byte{byte(v)}
	case v >= math.MinInt16 && v <= math.MaxInt16:
		return []byte{byte(v >> 8), byte(v)}
	case v >= math.MinInt32 && v <= math.MaxInt32:
		return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		b := make([]byte, 8)
		for i := 0; i < 8; i++ {
			b[i] = byte(v >> (8 * (7 - i)))
		}
		return b
	}
}

func tlvIntValue(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	v := int64(int8(b[0]))
	for _, c := range b[1:] {
		v = v<<8 | int64(c)
	}
	return v
}

// tlvCodec reads and writes OMA-TLV resource values. The write side
// emits RESOURCE TLVs only; multi-instance reads are not wrapped in
// OBJECT_INSTANCE nodes.
type tlvCodec struct{}

var tlvFormat tlvCodec

func (tlvCodec) InitWrite(ctx *Context, out []byte) (int, error) { return 0, nil }
func (tlvCodec) EndWrite(ctx *Context, out []byte) (int, error)  { return 0, nil }

func (tlvCodec) WriteInt(ctx *Context, out []byte, value int64) (int, error) {
	return writeTLV(out, TLVResource, ctx.ResourceID, tlvIntBytes(value))
}

func (tlvCodec) WriteString(ctx *Context, out []byte, value string) (int, error) {
	return writeTLV(out, TLVResource, ctx.ResourceID, []byte(value))
}

func (tlvCodec) WriteFloat32Fix(ctx *Context, out []byte, value int32, bits int) (int, error) {
	f := float32(value) / float32(int64(1)<<uint(bits))
	b := math.Float32bits(f)
	return writeTLV(out, TLVResource, ctx.ResourceID,
		[]byte{byte(b >> 24), byte(b >> 16), byte(b >> 8), byte(b)})
}

func (tlvCodec) WriteBool(ctx *Context, out []byte, value bool) (int, error) {
	v := byte(0)
	if value {
		v = 1
	}
	return writeTLV(out, TLVResource, ctx.ResourceID, []byte{v})
}

func (tlvCodec) WriteOpaque(ctx *Context, out []byte, value []byte) (int, error) {
	return writeTLV(out, TLVResource, ctx.ResourceID, value)
}

func (tlvCodec) ReadInt(ctx *Context, in []byte) (int64, int, error) {
	t, n, err := ReadTLV(in)
	if err != nil {
		return 0, 0, err
	}
	return tlvIntValue(t.Value), n, nil
}

func (tlvCodec) ReadString(ctx *Context, in []byte) (string, int, error) {
	t, n, err := ReadTLV(in)
	if err != nil {
		return "", 0, err
	}
	return string(t.Value), n, nil
}

func (tlvCodec) ReadFloat32Fix(ctx *Context, in []byte, bits int) (int32, int, error) {
	t, n, err := ReadTLV(in)
	if err != nil {
		return 0, 0, err
	}
	switch len(t.Value) {
	case 4:
		f := math.Float32frombits(uint32(t.Value[0])<<24 | uint32(t.Value[1])<<16 |
			uint32(t.Value[2])<<8 | uint32(t.Value[3]))
		return int32(float64(f) * float64(int64(1)<<uint(bits))), n, nil
	default:
		// integral TLV written by a peer that had no fraction
		return int32(tlvIntValue(t.Value)) << uint(bits), n, nil
	}
}

func (tlvCodec) ReadOpaque(ctx *Context, in []byte) ([]byte, int, error) {
	t, n, err := ReadTLV(in)
	if err != nil {
		return nil, 0, err
	}
	return t.Value, n, nil
}

func (tlvCodec) ReadBool(ctx *Context, in []byte) (bool, int, error) {
	t, n, err := ReadTLV(in)
	if err != nil {
		return false, 0, err
	}
	return len(t.Value) > 0 && t.Value[0] != 0, n, nil
}
