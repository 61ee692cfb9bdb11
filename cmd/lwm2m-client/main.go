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

// Command lwm2m-client runs an LWM2M device client: it exposes the
// standard device/server/security objects and registers with a resource
// directory, optionally after bootstrap and optionally over DTLS.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/tinym2m/lwm2m"
	"github.com/tinym2m/lwm2m/coap"
	"github.com/tinym2m/lwm2m/timer"
	"github.com/tinym2m/lwm2m/transport"
)

var (
	flagListen      string
	flagEndpoint    string
	flagServer      string
	flagBootstrap   string
	flagLifetime    uint
	flagHex         bool
	flagPSKIdentity string
	flagVerbose     bool
)

func init() {
	flag.StringVar(&flagListen, "listen", ":56830", "UDP listen address")
	flag.StringVar(&flagEndpoint, "ep", "tinym2m-client", "LWM2M endpoint name")
	flag.StringVar(&flagServer, "server", "", "Resource directory, e.g. coap://[::1]:5683")
	flag.StringVar(&flagBootstrap, "bootstrap", "", "Bootstrap server, e.g. coap://[::1]:5685")
	flag.UintVar(&flagLifetime, "lifetime", lwm2m.DefaultLifetime, "Registration lifetime in seconds")
	flag.BoolVar(&flagHex, "hex", false, "Tunnel CoAP as COAPHEX: lines on stdin/stdout instead of UDP")
	flag.StringVar(&flagPSKIdentity, "psk-identity", "", "DTLS PSK identity. The key is read from LWM2M_PSK")
	flag.BoolVar(&flagVerbose, "v", false, "Verbose logging")
}

func main() {
	flag.Parse()
	if flagVerbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if flagServer == "" && flagBootstrap == "" {
		logrus.Fatal("need -server or -bootstrap")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wheel := timer.NewWheel(nil)

	// pick the transport stack
	var (
		tr    coap.Transport
		serve func(context.Context, *coap.Engine) error
		dtls  *transport.DTLS
	)
	if flagHex {
		hexTr := transport.NewHex(os.Stdin, os.Stdout)
		tr, serve = hexTr, hexTr.Serve
	} else {
		udp, err := transport.ListenUDP(flagListen)
		if err != nil {
			logrus.WithError(err).Fatal("failed to open UDP socket")
		}
		defer udp.Close()
		tr, serve = udp, udp.Serve
		if flagPSKIdentity != "" {
			psk := os.Getenv("LWM2M_PSK")
			if psk == "" {
				logrus.Fatal("-psk-identity given but LWM2M_PSK is empty")
			}
			dtls = transport.NewDTLS(udp, transport.DTLSConfig{
				PSKIdentity: flagPSKIdentity,
				PSK:         []byte(psk),
			})
			tr = dtls
		}
	}

	engine := coap.NewEngine(tr, wheel)
	engine.Stats().Register(prometheus.DefaultRegisterer)
	lw := lwm2m.NewEngine(engine)

	lwm2m.RegisterDeviceObject(lw, lwm2m.DeviceConfig{
		Manufacturer:    "TinyM2M",
		ModelNumber:     "tinym2m-client",
		SerialNumber:    "0001",
		FirmwareVersion: "1.0",
		DeviceType:      "example",
		OnReboot: func() {
			logrus.Warn("reboot requested by server")
		},
	})
	server := lwm2m.RegisterServerObject(lw)
	security := lwm2m.RegisterSecurityObject(lw)

	cfg := lwm2m.RDConfig{
		EndpointName: flagEndpoint,
		Lifetime:     uint32(flagLifetime),
		UseBootstrap: flagBootstrap != "",
	}
	if dtls != nil {
		cfg.Connected = func(ep coap.Endpoint) bool {
			if dtls.IsConnected(ep) {
				return true
			}
			go func() {
				if err := dtls.Connect(ctx, ep, engine); err != nil {
					logrus.WithError(err).Warn("DTLS connect failed")
				}
			}()
			return false
		}
	}
	rd := lwm2m.NewRDClient(lw, cfg)

	if flagBootstrap != "" {
		ep, err := coap.ParseEndpoint(flagBootstrap)
		if err != nil {
			logrus.WithError(err).Fatal("bad -bootstrap")
		}
		security.AddInstance(0, flagBootstrap, true)
		rd.RegisterWithBootstrapServer(ep)
	}
	if flagServer != "" {
		ep, err := coap.ParseEndpoint(flagServer)
		if err != nil {
			logrus.WithError(err).Fatal("bad -server")
		}
		security.AddInstance(1, flagServer, false)
		server.AddInstance(0, 1, int64(flagLifetime))
		rd.RegisterWithServer(ep)
	}

	go func() {
		if err := serve(ctx, engine); err != nil {
			logrus.WithError(err).Error("transport stopped")
			cancel()
		}
	}()

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		logrus.Info("interrupted")
		cancel()
	}()

	logrus.WithField("ep", flagEndpoint).Info("client running")
	engine.Run(ctx)
}
