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
	"context"
	"fmt"
	"net"
	"sync"

	piondtls "github.com/pion/dtls/v2"
	"github.com/sirupsen/logrus"

	"github.com/tinym2m/lwm2m/coap"
)

// DTLSConfig is the PSK configuration for secure endpoints. Identity
// and key are configuration, not state.
type DTLSConfig struct {
	PSKIdentity string
	PSK         []byte
}

// DTLS decorates a plain transport with client-side DTLS sessions: any
// endpoint marked Secure is routed through a handshaked session, the
// rest falls through to Plain. The RD client polls IsConnected before
// registering against a secure server.
type DTLS struct {
	// Plain handles non-secure endpoints. Optional.
	Plain coap.Transport

	cfg *piondtls.Config
	log *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*piondtls.Conn
}

// NewDTLS creates the decorator around a plain transport.
func NewDTLS(plain coap.Transport, cfg DTLSConfig) *DTLS {
	return &DTLS{
		Plain: plain,
		cfg: &piondtls.Config{
			PSK: func(hint []byte) ([]byte, error) {
				return cfg.PSK, nil
			},
			PSKIdentityHint: []byte(cfg.PSKIdentity),
			CipherSuites: []piondtls.CipherSuiteID{
				piondtls.TLS_PSK_WITH_AES_128_CCM_8,
			},
			ExtendedMasterSecret: piondtls.RequireExtendedMasterSecret,
		},
		log:      logrus.WithField("component", "transport.dtls"),
		sessions: make(map[string]*piondtls.Conn),
	}
}

// Connect performs the DTLS handshake with the endpoint and starts a
// reader goroutine that feeds decrypted datagrams to the engine.
func (d *DTLS) Connect(ctx context.Context, ep coap.Endpoint, e *coap.Engine) error {
	d.mu.Lock()
	_, exists := d.sessions[ep.Key()]
	d.mu.Unlock()
	if exists {
		return nil
	}

	addr, err := net.ResolveUDPAddr("udp", ep.Key())
	if err != nil {
		return fmt.Errorf("transport: resolve %s: %w", ep, err)
	}
	d.log.WithField("endpoint", ep.String()).Info("DTLS handshake")
	conn, err := piondtls.Dial("udp", addr, d.cfg)
	if err != nil {
		return fmt.Errorf("transport: dtls dial %s: %w", ep, err)
	}
	d.mu.Lock()
	d.sessions[ep.Key()] = conn
	d.mu.Unlock()

	go d.read(ctx, ep, conn, e)
	return nil
}

func (d *DTLS) read(ctx context.Context, ep coap.Endpoint, conn *piondtls.Conn, e *coap.Engine) {
	defer func() {
		d.mu.Lock()
		delete(d.sessions, ep.Key())
		d.mu.Unlock()
		conn.Close()
	}()
	buf := make([]byte, maxDatagram)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			d.log.WithError(err).WithField("endpoint", ep.String()).Info("DTLS session closed")
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		src := ep
		src.Secure = true
		select {
		case e.Datagrams <- coap.Datagram{Src: src, Data: data}:
		case <-ctx.Done():
			return
		}
	}
}

// IsConnected reports whether a handshaked session exists for the
// endpoint.
func (d *DTLS) IsConnected(ep coap.Endpoint) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.sessions[ep.Key()]
	return ok
}

// Send routes the datagram through the endpoint's DTLS session, or the
// plain transport for non-secure endpoints.
func (d *DTLS) Send(ep coap.Endpoint, data []byte) error {
	if !ep.Secure {
		if d.Plain == nil {
			return fmt.Errorf("transport: no plain transport for %s", ep)
		}
		return d.Plain.Send(ep, data)
	}
	d.mu.Lock()
	conn := d.sessions[ep.Key()]
	d.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport: not connected to %s", ep)
	}
	_, err := conn.Write(data)
	return err
}

