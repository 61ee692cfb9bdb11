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

// Package transport provides datagram adapters for the coap engine:
// native UDP, a DTLS decorator and a hex-on-stdio adapter for running
// without a network.
package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/tinym2m/lwm2m/coap"
)

// maxDatagram is the receive buffer size per datagram.
const maxDatagram = 1500

// UDP is the native UDP adapter.
type UDP struct {
	conn *net.UDPConn
	log  *logrus.Entry
}

// ListenUDP opens a UDP socket on addr (e.g. ":56830").
func ListenUDP(addr string) (*UDP, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %q: %w", addr, err)
	}
	return &UDP{
		conn: conn,
		log:  logrus.WithField("component", "transport.udp"),
	}, nil
}

// Send transmits one datagram to the endpoint.
func (u *UDP) Send(ep coap.Endpoint, data []byte) error {
	addr, err := net.ResolveUDPAddr("udp", ep.Key())
	if err != nil {
		return fmt.Errorf("transport: resolve endpoint %s: %w", ep, err)
	}
	_, err = u.conn.WriteToUDP(data, addr)
	return err
}

// Serve reads datagrams and feeds them to the engine's Run loop until
// the context is canceled or the socket fails.
func (u *UDP) Serve(ctx context.Context, e *coap.Engine) error {
	go func() {
		<-ctx.Done()
		u.conn.Close()
	}()
	buf := make([]byte, maxDatagram)
	for {
		n, src, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("transport: read: %w", err)
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		ep := coap.Endpoint{Host: src.IP.String(), Port: uint16(src.Port)}
		select {
		case e.Datagrams <- coap.Datagram{Src: ep, Data: data}:
		case <-ctx.Done():
			return nil
		}
	}
}

// Close shuts the socket down.
func (u *UDP) Close() error {
	return u.conn.Close()
}
