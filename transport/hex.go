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

package transport

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tinym2m/lwm2m/coap"
)

// hexPrefix frames CoAP datagrams on a text stream.
const hexPrefix = "COAPHEX:"

// Hex tunnels datagrams as hex lines over a byte stream, typically
// stdin/stdout. Useful for driving the stack from a terminal or a test
// rig without any network.
type Hex struct {
	out  io.Writer
	in   io.Reader
	peer coap.Endpoint
	log  *logrus.Entry
}

// NewHex creates the adapter. All traffic is attributed to a single
// synthetic peer endpoint.
func NewHex(in io.Reader, out io.Writer) *Hex {
	return &Hex{
		in:   in,
		out:  out,
		peer: coap.Endpoint{Host: "hex", Port: coap.DefaultPort},
		log:  logrus.WithField("component", "transport.hex"),
	}
}

// Peer returns the synthetic endpoint inbound traffic is attributed to.
func (h *Hex) Peer() coap.Endpoint { return h.peer }

// Send writes one datagram as a COAPHEX: line.
func (h *Hex) Send(ep coap.Endpoint, data []byte) error {
	_, err := fmt.Fprintf(h.out, "%s%x\n", hexPrefix, data)
	return err
}

// Serve reads COAPHEX: lines and feeds them to the engine. Lines
// without the prefix are ignored.
func (h *Hex) Serve(ctx context.Context, e *coap.Engine) error {
	scanner := bufio.NewScanner(h.in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, hexPrefix) {
			continue
		}
		data, err := hex.DecodeString(strings.TrimPrefix(line, hexPrefix))
		if err != nil {
			h.log.WithError(err).Warn("bad hex line")
			continue
		}
		select {
		case e.Datagrams <- coap.Datagram{Src: h.peer, Data: data}:
		case <-ctx.Done():
			return nil
		}
	}
	return scanner.Err()
}
