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
	"fmt"
	"strconv"
	"strings"
)

// textCodec renders single values as ASCII. Fixed-point values print a
// bounded number of fraction digits derived from the fractional bits.
type textCodec struct{}

var textFormat textCodec

func (textCodec) InitWrite(ctx *Context, out []byte) (int, error) { return 0, nil }
func (textCodec) EndWrite(ctx *Context, out []byte) (int, error)  { return 0, nil }

func copyOut(out []byte, s string) (int, error) {
	if len(s) > len(out) {
		return 0, errBufferFull
	}
	return copy(out, s), nil
}

func (textCodec) WriteInt(ctx *Context, out []byte, value int64) (int, error) {
	return copyOut(out, strconv.FormatInt(value, 10))
}

func (textCodec) WriteString(ctx *Context, out []byte, value string) (int, error) {
	return copyOut(out, value)
}

func (textCodec) WriteFloat32Fix(ctx *Context, out []byte, value int32, bits int) (int, error) {
	return copyOut(out, formatFloat32Fix(value, bits))
}

func (textCodec) WriteBool(ctx *Context, out []byte, value bool) (int, error) {
	if value {
		return copyOut(out, "1")
	}
	return copyOut(out, "0")
}

func (textCodec) WriteOpaque(ctx *Context, out []byte, value []byte) (int, error) {
	if len(value) > len(out) {
		return 0, errBufferFull
	}
	return copy(out, value), nil
}

func (textCodec) ReadInt(ctx *Context, in []byte) (int64, int, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(string(in)), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("lwm2m: bad integer %q: %w", in, err)
	}
	return v, len(in), nil
}

func (textCodec) ReadString(ctx *Context, in []byte) (string, int, error) {
	return string(in), len(in), nil
}

func (textCodec) ReadFloat32Fix(ctx *Context, in []byte, bits int) (int32, int, error) {
	v, err := parseFloat32Fix(strings.TrimSpace(string(in)), bits)
	if err != nil {
		return 0, 0, err
	}
	return v, len(in), nil
}

func (textCodec) ReadOpaque(ctx *Context, in []byte) ([]byte, int, error) {
	return in, len(in), nil
}

func (textCodec) ReadBool(ctx *Context, in []byte) (bool, int, error) {
	switch strings.TrimSpace(string(in)) {
	case "1":
		return true, len(in), nil
	case "0":
		return false, len(in), nil
	}
	return false, 0, fmt.Errorf("lwm2m: bad boolean %q", in)
}

// formatFloat32Fix prints a signed fixed-point rational (value with
// `bits` fractional bits) in decimal with bounded digit output.
func formatFloat32Fix(value int32, bits int) string {
	var b strings.Builder
	v := int64(value)
	if v < 0 {
		b.WriteByte('-')
		v = -v
	}
	intPart := v >> uint(bits)
	frac := v - intPart<<uint(bits)
	b.WriteString(strconv.FormatInt(intPart, 10))
	if frac == 0 {
		return b.String()
	}
	b.WriteByte('.')
	// one decimal digit per round, bounded so tiny fractions terminate
	for digits := 0; frac > 0 && digits < 9; digits++ {
		frac *= 10
		b.WriteByte(byte('0' + frac>>uint(bits)))
		frac &= int64(1)<<uint(bits) - 1
	}
	return b.String()
}

// parseFloat32Fix reads a decimal number into a fixed-point integer
// with `bits` fractional bits.
func parseFloat32Fix(s string, bits int) (int32, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("lwm2m: bad number %q: %w", s, err)
	}
	return int32(f * float64(int64(1)<<uint(bits))), nil
}
