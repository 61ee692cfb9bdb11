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

package coap

import (
	"errors"
	"fmt"
)

const coapVersion = 1

// Payload marker separating options from payload.
const payloadMarker = 0xff

var (
	ErrMessageTooShort = errors.New("coap: message too short")
	ErrBadVersion      = errors.New("coap: unsupported version")
	ErrBadTokenLength  = errors.New("coap: bad token length")
	ErrBadOption       = errors.New("coap: malformed option")
	ErrEmptyPayload    = errors.New("coap: payload marker with empty payload")
)

// Marshal serializes the message: 4-byte fixed header, token, delta
// encoded options, payload marker, payload. Options are emitted in
// ascending numeric order; repeated options keep their append order.
func (m *Message) Marshal() ([]byte, error) {
	if len(m.Token) > 8 {
		return nil, ErrBadTokenLength
	}
	buf := make([]byte, 0, 4+len(m.Token)+len(m.Payload)+8*len(m.Options))
	buf = append(buf,
		byte(coapVersion<<6)|byte(m.Type)<<4|byte(len(m.Token)),
		byte(m.Code),
		byte(m.MID>>8), byte(m.MID))
	buf = append(buf, m.Token...)

	prev := uint16(0)
	for _, o := range m.Options {
		if o.ID < prev {
			return nil, fmt.Errorf("%w: option %d out of order", ErrBadOption, o.ID)
		}
		buf = appendOptionHeader(buf, uint32(o.ID-prev), uint32(len(o.Value)))
		buf = append(buf, o.Value...)
		prev = o.ID
	}
	if len(m.Payload) > 0 {
		buf = append(buf, payloadMarker)
		buf = append(buf, m.Payload...)
	}
	return buf, nil
}

// appendOptionHeader writes the delta/length nibble byte plus any
// extended delta/length bytes (13 and 14 escape codes, RFC 7252 §3.1).
func appendOptionHeader(buf []byte, delta, length uint32) []byte {
	dn, dext, dextlen := nibble(delta)
	ln, lext, lextlen := nibble(length)
	buf = append(buf, byte(dn<<4|ln))
	switch dextlen {
	case 1:
		buf = append(buf, byte(dext))
	case 2:
		buf = append(buf, byte(dext>>8), byte(dext))
	}
	switch lextlen {
	case 1:
		buf = append(buf, byte(lext))
	case 2:
		buf = append(buf, byte(lext>>8), byte(lext))
	}
	return buf
}

func nibble(v uint32) (n uint32, ext uint32, extlen int) {
	switch {
	case v < 13:
		return v, 0, 0
	case v < 269:
		return 13, v - 13, 1
	default:
		return 14, v - 269, 2
	}
}

// Parse decodes a datagram into a Message. The returned message aliases
// option values and payload into data.
func Parse(data []byte) (*Message, error) {
	if len(data) < 4 {
		return nil, ErrMessageTooShort
	}
	if data[0]>>6 != coapVersion {
		return nil, ErrBadVersion
	}
	m := &Message{
		Type: Type(data[0] >> 4 & 0x3),
		Code: Code(data[1]),
		MID:  uint16(data[2])<<8 | uint16(data[3]),
	}
	tkl := int(data[0] & 0xf)
	if tkl > 8 {
		return nil, ErrBadTokenLength
	}
	pos := 4
	if len(data) < pos+tkl {
		return nil, ErrMessageTooShort
	}
	if tkl > 0 {
		m.Token = data[pos : pos+tkl]
		pos += tkl
	}

	optID := uint32(0)
	for pos < len(data) {
		if data[pos] == payloadMarker {
			pos++
			if pos == len(data) {
				return nil, ErrEmptyPayload
			}
			m.Payload = data[pos:]
			return m, nil
		}
		dn := uint32(data[pos] >> 4)
		ln := uint32(data[pos] & 0xf)
		pos++
		delta, n, err := extend(data, pos, dn)
		if err != nil {
			return nil, err
		}
		pos += n
		length, n, err := extend(data, pos, ln)
		if err != nil {
			return nil, err
		}
		pos += n
		if len(data) < pos+int(length) {
			return nil, fmt.Errorf("%w: option value truncated", ErrBadOption)
		}
		optID += delta
		if optID > 0xffff {
			return nil, fmt.Errorf("%w: option number overflow", ErrBadOption)
		}
		m.Options = append(m.Options, Option{ID: uint16(optID), Value: data[pos : pos+int(length)]})
		pos += int(length)
	}
	return m, nil
}

func extend(data []byte, pos int, n uint32) (uint32, int, error) {
	switch n {
	case 13:
		if pos >= len(data) {
			return 0, 0, fmt.Errorf("%w: truncated extended value", ErrBadOption)
		}
		return uint32(data[pos]) + 13, 1, nil
	case 14:
		if pos+1 >= len(data) {
			return 0, 0, fmt.Errorf("%w: truncated extended value", ErrBadOption)
		}
		return uint32(data[pos])<<8 + uint32(data[pos+1]) + 269, 2, nil
	case 15:
		return 0, 0, fmt.Errorf("%w: reserved nibble 15", ErrBadOption)
	default:
		return n, 0, nil
	}
}
