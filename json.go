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
	"encoding/base64"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// jsonElement is one entry of the "e" array in the LWM2M JSON format.
// Opaque values travel base64-encoded in "ov".
type jsonElement struct {
	Name        string   `json:"n"`
	Value       *float64 `json:"v,omitempty"`
	StringValue *string  `json:"sv,omitempty"`
	BoolValue   *bool    `json:"bv,omitempty"`
	OpaqueValue *string  `json:"ov,omitempty"`
}

// jsonCodec writes the LWM2M JSON format: a {"bn": ..., "e": [...]}
// object framed by InitWrite/EndWrite with one element per resource.
type jsonCodec struct{}

var jsonFormat jsonCodec

func (jsonCodec) InitWrite(ctx *Context, out []byte) (int, error) {
	var bn string
	if ctx.Level < 2 {
		bn = fmt.Sprintf("/%d/", ctx.ObjectID)
	} else {
		bn = fmt.Sprintf("/%d/%d/", ctx.ObjectID, ctx.InstanceID)
	}
	return copyOut(out, `{"bn":"`+bn+`","e":[`)
}

func (jsonCodec) EndWrite(ctx *Context, out []byte) (int, error) {
	return copyOut(out, "]}")
}

func (jsonCodec) elementName(ctx *Context) string {
	if ctx.Level < 2 {
		return fmt.Sprintf("%d/%d", ctx.InstanceID, ctx.ResourceID)
	}
	return fmt.Sprintf("%d", ctx.ResourceID)
}

func (c jsonCodec) writeElement(ctx *Context, out []byte, el jsonElement) (int, error) {
	data, err := json.Marshal(el)
	if err != nil {
		return 0, err
	}
	sep := ""
	if ctx.WriterFlags&WriterOutputValue != 0 {
		sep = ","
	}
	n, err := copyOut(out, sep+string(data))
	if err != nil {
		return 0, err
	}
	ctx.WriterFlags |= WriterOutputValue
	return n, nil
}

func (c jsonCodec) WriteInt(ctx *Context, out []byte, value int64) (int, error) {
	v := float64(value)
	return c.writeElement(ctx, out, jsonElement{Name: c.elementName(ctx), Value: &v})
}

func (c jsonCodec) WriteString(ctx *Context, out []byte, value string) (int, error) {
	return c.writeElement(ctx, out, jsonElement{Name: c.elementName(ctx), StringValue: &value})
}

func (c jsonCodec) WriteFloat32Fix(ctx *Context, out []byte, value int32, bits int) (int, error) {
	v := float64(value) / float64(int64(1)<<uint(bits))
	return c.writeElement(ctx, out, jsonElement{Name: c.elementName(ctx), Value: &v})
}

func (c jsonCodec) WriteBool(ctx *Context, out []byte, value bool) (int, error) {
	return c.writeElement(ctx, out, jsonElement{Name: c.elementName(ctx), BoolValue: &value})
}

func (c jsonCodec) WriteOpaque(ctx *Context, out []byte, value []byte) (int, error) {
	// base64, not a raw string: json marshalling would mangle invalid
	// UTF-8 sequences into U+FFFD
	s := base64.StdEncoding.EncodeToString(value)
	return c.writeElement(ctx, out, jsonElement{Name: c.elementName(ctx), OpaqueValue: &s})
}

// ReadOpaque decodes a base64 "ov" value.
func (jsonCodec) ReadOpaque(ctx *Context, in []byte) ([]byte, int, error) {
	v, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(in)))
	if err != nil {
		return nil, 0, fmt.Errorf("lwm2m: bad base64 opaque: %w", err)
	}
	return v, len(in), nil
}
