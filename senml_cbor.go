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
	"github.com/fxamacker/cbor/v2"
)

// senmlRecord is one SenML record with the RFC 8428 integer labels.
// Opaque values use the Data Value label as a native byte string.
type senmlRecord struct {
	Name        string   `cbor:"0,keyasint"`
	Value       *float64 `cbor:"2,keyasint,omitempty"`
	StringValue *string  `cbor:"3,keyasint,omitempty"`
	BoolValue   *bool    `cbor:"4,keyasint,omitempty"`
	DataValue   []byte   `cbor:"8,keyasint,omitempty"`
}

// cborCodec writes SenML-CBOR (media type 112): an indefinite-length
// array of records, so the framing streams through the block2 double
// buffer without backpatching lengths.
type cborCodec struct{}

var cborFormat cborCodec

const (
	cborArrayStart = 0x9f // indefinite-length array
	cborBreak      = 0xff
)

func (cborCodec) InitWrite(ctx *Context, out []byte) (int, error) {
	if len(out) < 1 {
		return 0, errBufferFull
	}
	out[0] = cborArrayStart
	return 1, nil
}

func (cborCodec) EndWrite(ctx *Context, out []byte) (int, error) {
	if len(out) < 1 {
		return 0, errBufferFull
	}
	out[0] = cborBreak
	return 1, nil
}

func (cborCodec) writeRecord(ctx *Context, out []byte, rec senmlRecord) (int, error) {
	data, err := cbor.Marshal(rec)
	if err != nil {
		return 0, err
	}
	if len(data) > len(out) {
		return 0, errBufferFull
	}
	ctx.WriterFlags |= WriterOutputValue
	return copy(out, data), nil
}

func (c cborCodec) WriteInt(ctx *Context, out []byte, value int64) (int, error) {
	v := float64(value)
	return c.writeRecord(ctx, out, senmlRecord{Name: jsonFormat.elementName(ctx), Value: &v})
}

func (c cborCodec) WriteString(ctx *Context, out []byte, value string) (int, error) {
	return c.writeRecord(ctx, out, senmlRecord{Name: jsonFormat.elementName(ctx), StringValue: &value})
}

func (c cborCodec) WriteFloat32Fix(ctx *Context, out []byte, value int32, bits int) (int, error) {
	v := float64(value) / float64(int64(1)<<uint(bits))
	return c.writeRecord(ctx, out, senmlRecord{Name: jsonFormat.elementName(ctx), Value: &v})
}

func (c cborCodec) WriteBool(ctx *Context, out []byte, value bool) (int, error) {
	return c.writeRecord(ctx, out, senmlRecord{Name: jsonFormat.elementName(ctx), BoolValue: &value})
}

func (c cborCodec) WriteOpaque(ctx *Context, out []byte, value []byte) (int, error) {
	// a CBOR byte string carries arbitrary bytes intact; a text string
	// would not survive invalid UTF-8
	return c.writeRecord(ctx, out, senmlRecord{Name: jsonFormat.elementName(ctx), DataValue: value})
}
