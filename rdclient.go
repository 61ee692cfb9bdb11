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
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tinym2m/lwm2m/coap"
	"github.com/tinym2m/lwm2m/timer"
)

// RDState is a state of the registration client.
type RDState int

const (
	StateInit RDState = iota
	StateWaitNetwork
	StateDoBootstrap
	StateBootstrapSent
	StateBootstrapDone
	StateDoRegistration
	StateRegistrationSent
	StateRegistrationDone
	StateUpdateSent
)

func (s RDState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateWaitNetwork:
		return "WAIT_NETWORK"
	case StateDoBootstrap:
		return "DO_BOOTSTRAP"
	case StateBootstrapSent:
		return "BOOTSTRAP_SENT"
	case StateBootstrapDone:
		return "BOOTSTRAP_DONE"
	case StateDoRegistration:
		return "DO_REGISTRATION"
	case StateRegistrationSent:
		return "REGISTRATION_SENT"
	case StateRegistrationDone:
		return "REGISTRATION_DONE"
	case StateUpdateSent:
		return "UPDATE_SENT"
	}
	return "UNKNOWN"
}

// The RD client ticks twice a second.
const rdTickInterval = 500 // ms

// How often WAIT_NETWORK re-checks for connectivity.
const networkCheckInterval = 10_000 // ms

// DefaultLifetime is the registration lifetime when none is configured.
const DefaultLifetime = 86400 // seconds

// RDConfig configures the registration client.
type RDConfig struct {
	// EndpointName is the ep= client name.
	EndpointName string
	// Lifetime is the registration lifetime in seconds.
	Lifetime uint32
	// UseBootstrap starts with the bootstrap flow instead of direct
	// registration.
	UseBootstrap bool
	// HasNetwork, when set, gates leaving WAIT_NETWORK.
	HasNetwork func() bool
	// Connected, when set, is polled before talking to a secure
	// endpoint (the DTLS session predicate).
	Connected func(ep coap.Endpoint) bool
}

// RDClient drives bootstrap, registration and periodic updates against
// the resource directory. It never reports errors upward: failures move
// the state machine.
type RDClient struct {
	engine *Engine
	cfg    RDConfig

	state RDState

	serverEP  coap.Endpoint
	bsEP      coap.Endpoint
	hasServer bool
	hasBS     bool

	bootstrapped bool
	registered   bool
	assignedPath string

	lastUpdate       uint64
	waitNetworkUntil uint64
	updateRequested  bool

	reqState coap.RequestState
	tick     timer.Timer

	log *logrus.Entry
}

// NewRDClient creates the registration client and starts its periodic
// timer on the engine's wheel.
func NewRDClient(e *Engine, cfg RDConfig) *RDClient {
	if cfg.Lifetime == 0 {
		cfg.Lifetime = DefaultLifetime
	}
	c := &RDClient{
		engine: e,
		cfg:    cfg,
		state:  StateInit,
		log:    logrus.WithField("component", "rd"),
	}
	e.onRegistryChange = c.SetUpdateRD
	c.tick.Callback = c.periodic
	e.CoAP().Wheel().Set(&c.tick, rdTickInterval)
	return c
}

// State returns the current state (for tests and diagnostics).
func (c *RDClient) State() RDState { return c.state }

// Registered reports whether the client holds a live registration.
func (c *RDClient) Registered() bool { return c.registered }

// RegisterWithServer points the client at a resource directory.
func (c *RDClient) RegisterWithServer(ep coap.Endpoint) {
	c.serverEP = ep
	c.hasServer = true
	c.registered = false
	if !c.cfg.UseBootstrap || c.bootstrapped {
		c.state = StateInit
	}
}

// RegisterWithBootstrapServer points the client at a bootstrap server.
func (c *RDClient) RegisterWithBootstrapServer(ep coap.Endpoint) {
	c.bsEP = ep
	c.hasBS = true
	c.bootstrapped = false
	c.registered = false
	if c.cfg.UseBootstrap {
		c.state = StateInit
	}
}

// SetUpdateRD requests an immediate registration update (e.g. after an
// instance was created or deleted).
func (c *RDClient) SetUpdateRD() {
	c.updateRequested = true
}

func (c *RDClient) hasNetwork() bool {
	if c.cfg.HasNetwork == nil {
		return true
	}
	return c.cfg.HasNetwork()
}

func (c *RDClient) connectedTo(ep coap.Endpoint) bool {
	if !ep.Secure || c.cfg.Connected == nil {
		return true
	}
	return c.cfg.Connected(ep)
}

func (c *RDClient) wheel() *timer.Wheel { return c.engine.CoAP().Wheel() }

func (c *RDClient) periodic(*timer.Timer) {
	c.wheel().Reset(&c.tick, rdTickInterval)
	now := c.wheel().Uptime()

	switch c.state {
	case StateInit:
		c.log.WithField("endpoint", c.cfg.EndpointName).Info("RD client started")
		c.state = StateWaitNetwork

	case StateWaitNetwork:
		if now < c.waitNetworkUntil {
			return
		}
		c.waitNetworkUntil = now + networkCheckInterval
		if !c.hasNetwork() {
			return
		}
		if c.cfg.UseBootstrap && !c.bootstrapped {
			c.state = StateDoBootstrap
		} else {
			c.state = StateDoRegistration
		}

	case StateDoBootstrap:
		if !c.hasBS || !c.connectedTo(c.bsEP) {
			return
		}
		c.sendBootstrap()
		c.state = StateBootstrapSent

	case StateBootstrapSent:
		// waiting for the bootstrap callback

	case StateBootstrapDone:
		if ep, ok := c.serverFromSecurity(); ok {
			c.RegisterWithServer(ep)
			c.state = StateDoRegistration
		} else {
			c.log.Warn("bootstrap done but no usable server URI, retrying bootstrap")
			c.state = StateDoBootstrap
		}

	case StateDoRegistration:
		if !c.hasServer || !c.connectedTo(c.serverEP) {
			return
		}
		c.sendRegistration()
		// send once, then wait for the callback
		c.state = StateRegistrationSent

	case StateRegistrationSent:
		// waiting for the registration callback

	case StateRegistrationDone:
		due := now-c.lastUpdate >= uint64(c.cfg.Lifetime)*1000/2
		if due || c.updateRequested {
			c.updateRequested = false
			c.sendUpdate()
			c.state = StateUpdateSent
		}

	case StateUpdateSent:
		// waiting for the update callback

	default:
		c.log.WithField("state", c.state).Warn("unhandled state")
	}
}

func (c *RDClient) sendBootstrap() {
	req := coap.NewMessage(coap.Confirmable, coap.POST, 0)
	req.SetPath("/bs")
	req.AddQuery("ep=" + c.cfg.EndpointName)
	c.log.WithField("server", c.bsEP.String()).Info("requesting bootstrap")
	c.engine.CoAP().SendRequest(&c.reqState, c.bsEP, req, c.bootstrapCallback)
}

func (c *RDClient) bootstrapCallback(state *coap.RequestState) {
	if state.Response == nil {
		c.log.Warn("bootstrap timed out")
		c.state = StateDoBootstrap
		return
	}
	if state.Response.Code == coap.Changed {
		c.log.Info("bootstrap request accepted")
		c.bootstrapped = true
		c.state = StateBootstrapDone
		return
	}
	c.log.WithField("code", state.Response.Code).Warn("bootstrap rejected")
	c.state = StateInit
}

// serverFromSecurity walks the security object instances through the
// normal object API and parses the first non-bootstrap server URI.
func (c *RDClient) serverFromSecurity() (coap.Endpoint, bool) {
	for _, inst := range c.engine.Registry().InstancesOf(ObjectSecurityID) {
		if isBS, ok := c.engine.ReadResourceBool(inst, SecurityBootstrapID); ok && isBS {
			continue
		}
		uri, ok := c.engine.ReadResourceString(inst, SecurityServerURIID)
		if !ok || uri == "" {
			continue
		}
		ep, err := coap.ParseEndpoint(uri)
		if err != nil {
			c.log.WithError(err).WithField("uri", uri).Warn("bad server URI in security object")
			continue
		}
		c.log.WithField("server", ep.String()).Info("found server in security object")
		return ep, true
	}
	return coap.Endpoint{}, false
}

func (c *RDClient) sendRegistration() {
	req := coap.NewMessage(coap.Confirmable, coap.POST, 0)
	req.SetPath("/rd")
	req.AddQuery("ep=" + c.cfg.EndpointName)
	req.AddQuery(fmt.Sprintf("lt=%d", c.cfg.Lifetime))
	req.SetContentFormat(coap.FormatLinkFormat)
	req.Payload = RegistrationPayload(c.engine.Registry())
	c.log.WithField("server", c.serverEP.String()).
		WithField("payload", string(req.Payload)).Info("registering")
	c.engine.CoAP().SendRequest(&c.reqState, c.serverEP, req, c.registrationCallback)
}

func (c *RDClient) registrationCallback(state *coap.RequestState) {
	if state.Response == nil {
		c.log.Warn("registration timed out")
		c.state = StateDoRegistration
		return
	}
	if state.Response.Code == coap.Created {
		c.assignedPath = strings.Trim(state.Response.LocationPath(), "/")
		if c.assignedPath == "" {
			c.assignedPath = "rd/" + c.cfg.EndpointName
		}
		c.registered = true
		c.lastUpdate = c.wheel().Uptime()
		c.state = StateRegistrationDone
		c.log.WithField("location", c.assignedPath).Info("registered")
		return
	}
	c.log.WithField("code", state.Response.Code).Warn("registration rejected")
	c.state = StateInit
}

func (c *RDClient) sendUpdate() {
	req := coap.NewMessage(coap.Confirmable, coap.POST, 0)
	req.SetPath(c.assignedPath)
	req.AddQuery(fmt.Sprintf("lt=%d", c.cfg.Lifetime))
	c.log.WithField("location", c.assignedPath).Debug("updating registration")
	c.engine.CoAP().SendRequest(&c.reqState, c.serverEP, req, c.updateCallback)
}

func (c *RDClient) updateCallback(state *coap.RequestState) {
	if state.Response == nil {
		c.log.Warn("update timed out, re-registering")
		c.registered = false
		c.state = StateDoRegistration
		return
	}
	switch state.Response.Code {
	case coap.Changed:
		c.lastUpdate = c.wheel().Uptime()
		c.state = StateRegistrationDone
	case coap.BadRequest, coap.NotFound:
		c.log.WithField("code", state.Response.Code).Warn("update rejected, re-registering")
		c.registered = false
		c.state = StateDoRegistration
	default:
		c.log.WithField("code", state.Response.Code).Warn("update failed")
		c.registered = false
		c.state = StateDoRegistration
	}
}
