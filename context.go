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
	"fmt"

	"github.com/tinym2m/lwm2m/coap"
)

// Writer flags.
const (
	// WriterOutputValue records that a value has already been emitted
	// (drives separators in text formats).
	WriterOutputValue uint8 = 1
	// WriterHasMore marks that the output did not fit the current block
	// and a block2 continuation is expected.
	WriterHasMore uint8 = 2
)

var errPathMalformed = errors.New("lwm2m: malformed path")

// parsePath splits an "oid[/iid[/rid]]" path of decimal-only segments.
// level reports how many segments were present (0 for an empty path).
func parsePath(path string) (oid, iid, rid uint16, level int, err error) {
	if path == "" {
		return 0, 0, 0, 0, nil
	}
	pos := 0
	for level < 3 && pos < len(path) {
		val := 0
		digits := 0
		for pos < len(path) && path[pos] >= '0' && path[pos] <= '9' {
			val = val*10 + int(path[pos]-'0')
			if val > 0xffff {
				return 0, 0, 0, 0, fmt.Errorf("%w: segment overflow in %q", errPathMalformed, path)
			}
			digits++
			pos++
		}
		if digits == 0 {
			return 0, 0, 0, 0, fmt.Errorf("%w: %q", errPathMalformed, path)
		}
		switch level {
		case 0:
			oid = uint16(val)
		case 1:
			iid = uint16(val)
		case 2:
			rid = uint16(val)
		}
		level++
		if pos == len(path) {
			return oid, iid, rid, level, nil
		}
		if path[pos] != '/' {
			return 0, 0, 0, 0, fmt.Errorf("%w: %q", errPathMalformed, path)
		}
		pos++
		if pos == len(path) {
			// trailing slash
			return 0, 0, 0, 0, fmt.Errorf("%w: %q", errPathMalformed, path)
		}
	}
	if pos < len(path) {
		return 0, 0, 0, 0, fmt.Errorf("%w: too many segments in %q", errPathMalformed, path)
	}
	return oid, iid, rid, level, nil
}

// Buffer is an output buffer with an explicit fill level.
type Buffer struct {
	Data []byte
	Len  int
}

func (b *Buffer) reset()            { b.Len = 0 }
func (b *Buffer) free() []byte      { return b.Data[b.Len:] }
func (b *Buffer) advance(n int)     { b.Len += n }
func (b *Buffer) bytes() []byte     { return b.Data[:b.Len] }
func (b *Buffer) remaining() int    { return len(b.Data) - b.Len }

// InBuffer is the request payload with a read position.
type InBuffer struct {
	Data []byte
	Pos  int
}

func (b *InBuffer) rest() []byte { return b.Data[b.Pos:] }

// Context is the per-request scratch state handed to object callbacks.
// It lives for a single incoming request plus any block2 continuations
// of the same stream.
type Context struct {
	ObjectID   uint16
	InstanceID uint16
	ResourceID uint16
	Level      int
	Operation  Operation

	Request  *coap.Message
	Response *coap.Message

	ContentType uint16
	Out         *Buffer
	In          InBuffer

	// Offset is the block2 resume offset of the output stream.
	Offset int32

	LastInstance uint16
	LastValueLen int

	// Created records that this request created a fresh instance; the
	// dispatcher turns it into 2.01.
	Created bool

	WriterFlags uint8

	reader Reader
	writer Writer
	engine *Engine
}

// Writer renders typed values into one of the LWM2M output formats.
// The Write* methods write into out and return the number of bytes
// written; they fail with errBufferFull when out is too small. The
// dispatcher does not retry a failed write: the request fails.
type Writer interface {
	InitWrite(ctx *Context, out []byte) (int, error)
	EndWrite(ctx *Context, out []byte) (int, error)
	WriteInt(ctx *Context, out []byte, value int64) (int, error)
	WriteString(ctx *Context, out []byte, value string) (int, error)
	WriteFloat32Fix(ctx *Context, out []byte, value int32, bits int) (int, error)
	WriteBool(ctx *Context, out []byte, value bool) (int, error)
	WriteOpaque(ctx *Context, out []byte, value []byte) (int, error)
}

// Reader decodes typed values from an input format. Each method returns
// the decoded value and the number of bytes consumed.
type Reader interface {
	ReadInt(ctx *Context, in []byte) (int64, int, error)
	ReadString(ctx *Context, in []byte) (string, int, error)
	ReadFloat32Fix(ctx *Context, in []byte, bits int) (int32, int, error)
	ReadBool(ctx *Context, in []byte) (bool, int, error)
	ReadOpaque(ctx *Context, in []byte) ([]byte, int, error)
}

var errBufferFull = errors.New("lwm2m: output buffer full")

// WriteInt renders an integer value for the current resource.
func (c *Context) WriteInt(value int64) error {
	n, err := c.writer.WriteInt(c, c.Out.free(), value)
	if err != nil {
		return err
	}
	c.Out.advance(n)
	return nil
}

// WriteString renders a string value for the current resource.
func (c *Context) WriteString(value string) error {
	n, err := c.writer.WriteString(c, c.Out.free(), value)
	if err != nil {
		return err
	}
	c.Out.advance(n)
	return nil
}

// WriteFloat32Fix renders a fixed-point value with the given number of
// fractional bits.
func (c *Context) WriteFloat32Fix(value int32, bits int) error {
	n, err := c.writer.WriteFloat32Fix(c, c.Out.free(), value, bits)
	if err != nil {
		return err
	}
	c.Out.advance(n)
	return nil
}

// WriteBool renders a boolean value for the current resource.
func (c *Context) WriteBool(value bool) error {
	n, err := c.writer.WriteBool(c, c.Out.free(), value)
	if err != nil {
		return err
	}
	c.Out.advance(n)
	return nil
}

// WriteOpaque renders raw bytes for the current resource.
func (c *Context) WriteOpaque(value []byte) error {
	n, err := c.writer.WriteOpaque(c, c.Out.free(), value)
	if err != nil {
		return err
	}
	c.Out.advance(n)
	return nil
}

// ReadInt decodes an integer from the request payload.
func (c *Context) ReadInt() (int64, error) {
	v, n, err := c.reader.ReadInt(c, c.In.rest())
	if err != nil {
		return 0, err
	}
	c.In.Pos += n
	return v, nil
}

// ReadString decodes a string from the request payload.
func (c *Context) ReadString() (string, error) {
	v, n, err := c.reader.ReadString(c, c.In.rest())
	if err != nil {
		return "", err
	}
	c.In.Pos += n
	c.LastValueLen = len(v)
	return v, nil
}

// ReadFloat32Fix decodes a fixed-point value from the request payload.
func (c *Context) ReadFloat32Fix(bits int) (int32, error) {
	v, n, err := c.reader.ReadFloat32Fix(c, c.In.rest(), bits)
	if err != nil {
		return 0, err
	}
	c.In.Pos += n
	return v, nil
}

// ReadOpaque decodes raw bytes from the request payload. The returned
// slice may alias the request buffer; callers keeping the value must
// copy it.
func (c *Context) ReadOpaque() ([]byte, error) {
	v, n, err := c.reader.ReadOpaque(c, c.In.rest())
	if err != nil {
		return nil, err
	}
	c.In.Pos += n
	c.LastValueLen = len(v)
	return v, nil
}

// ReadBool decodes a boolean from the request payload.
func (c *Context) ReadBool() (bool, error) {
	v, n, err := c.reader.ReadBool(c, c.In.rest())
	if err != nil {
		return false, err
	}
	c.In.Pos += n
	return v, nil
}

// FinalIncoming reports whether the request payload is complete (no
// block1 continuation pending). Without a Block1 option this cannot be
// known and false is returned.
func (c *Context) FinalIncoming() bool {
	if c.Request == nil {
		return false
	}
	if _, more, _, ok := c.Request.Block1(); ok {
		return !more
	}
	return false
}

// Path returns the context address as "oid/iid/rid" up to its level.
func (c *Context) Path() string {
	switch c.Level {
	case 1:
		return fmt.Sprintf("%d", c.ObjectID)
	case 2:
		return fmt.Sprintf("%d/%d", c.ObjectID, c.InstanceID)
	default:
		return fmt.Sprintf("%d/%d/%d", c.ObjectID, c.InstanceID, c.ResourceID)
	}
}
