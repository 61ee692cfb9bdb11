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
	"fmt"
	"strconv"
	"strings"
)

// Default ports per RFC 7252.
const (
	DefaultPort       = 5683
	DefaultSecurePort = 5684
)

// Endpoint identifies a remote CoAP peer. Host is the textual address as
// the transport understands it (an IP literal, possibly a name). Secure
// marks the endpoint as reachable over DTLS; it is descriptive and not
// part of endpoint identity.
type Endpoint struct {
	Host   string
	Port   uint16
	Secure bool
}

// Equal reports whether two endpoints identify the same peer. Secure is
// deliberately ignored.
func (e Endpoint) Equal(other Endpoint) bool {
	return e.Host == other.Host && e.Port == other.Port
}

// Key returns the identity of the endpoint as a map key.
func (e Endpoint) Key() string {
	return joinHostPort(e.Host, e.Port)
}

func (e Endpoint) String() string {
	scheme := "coap"
	if e.Secure {
		scheme = "coaps"
	}
	return scheme + "://" + joinHostPort(e.Host, e.Port)
}

func joinHostPort(host string, port uint16) string {
	if strings.Contains(host, ":") {
		return "[" + host + "]:" + strconv.Itoa(int(port))
	}
	return host + ":" + strconv.Itoa(int(port))
}

// ParseEndpoint parses "coap://host:port", "coaps://host:port",
// "coap://[v6]:port" or a bare address. A missing port defaults to 5683,
// or 5684 for the coaps scheme.
func ParseEndpoint(text string) (Endpoint, error) {
	var ep Endpoint
	rest := text
	switch {
	case strings.HasPrefix(text, "coaps://"):
		ep.Secure = true
		rest = text[len("coaps://"):]
	case strings.HasPrefix(text, "coap://"):
		rest = text[len("coap://"):]
	case strings.Contains(text, "://"):
		return ep, fmt.Errorf("unsupported scheme in %q", text)
	}
	if rest == "" {
		return ep, fmt.Errorf("empty endpoint in %q", text)
	}
	// strip any path component
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}

	host := rest
	port := 0
	if strings.HasPrefix(rest, "[") {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return ep, fmt.Errorf("unterminated IPv6 literal in %q", text)
		}
		host = rest[1:end]
		if tail := rest[end+1:]; tail != "" {
			if !strings.HasPrefix(tail, ":") {
				return ep, fmt.Errorf("malformed endpoint %q", text)
			}
			p, err := strconv.Atoi(tail[1:])
			if err != nil {
				return ep, fmt.Errorf("bad port in %q: %w", text, err)
			}
			port = p
		}
	} else if i := strings.LastIndexByte(rest, ':'); i >= 0 && strings.Count(rest, ":") == 1 {
		host = rest[:i]
		p, err := strconv.Atoi(rest[i+1:])
		if err != nil {
			return ep, fmt.Errorf("bad port in %q: %w", text, err)
		}
		port = p
	}
	if host == "" {
		return ep, fmt.Errorf("empty host in %q", text)
	}
	if port == 0 {
		if ep.Secure {
			port = DefaultSecurePort
		} else {
			port = DefaultPort
		}
	}
	if port < 1 || port > 0xffff {
		return ep, fmt.Errorf("port out of range in %q", text)
	}
	ep.Host = host
	ep.Port = uint16(port)
	return ep, nil
}
