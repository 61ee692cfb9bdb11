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
	"context"
	cryptorand "crypto/rand"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tinym2m/lwm2m/timer"
)

// MaxBlockSize is the largest block the engine offers. It negotiates
// down to the peer's requested size but never up.
const MaxBlockSize = 512

// MaxChunks bounds block1 reassembly: incoming payloads larger than
// MaxChunks*MaxBlockSize are rejected.
const MaxChunks = 8

type wheelTimer = timer.Timer

// Transport sends a serialized message to an endpoint. Receiving is the
// adapter's job: it feeds inbound datagrams to Engine.Receive (or the
// Datagrams channel when using Run).
type Transport interface {
	Send(ep Endpoint, data []byte) error
}

// HandlerStatus is a handler's verdict on a request.
type HandlerStatus int

const (
	// Continue lets the next handler in the chain look at the request.
	Continue HandlerStatus = iota
	// Processed stops the chain; the response is sent as-is.
	Processed
)

// Handler inspects a request and fills in the response. buf is the
// response payload working buffer, sized to the negotiated block size.
// offset carries the block2 resume offset: it enters as the byte offset
// of the requested block and must leave as the next offset when more
// data remains, or -1 when the payload is complete.
type Handler func(req, resp *Message, buf []byte, offset *int32) HandlerStatus

// Datagram is one inbound packet for the Run loop.
type Datagram struct {
	Src  Endpoint
	Data []byte
}

// Engine binds the codec, the transaction table and the observe
// registry into a receive pipeline with an insertion-ordered handler
// chain. All state is owned by a single goroutine: either the caller of
// Receive/the wheel, or the Run loop.
type Engine struct {
	transport Transport
	wheel     *timer.Wheel

	handlers []Handler

	transactions map[txKey]*Transaction
	separate     map[string]*separateEntry
	dedup        []dedupEntry
	dedupNext    int

	observers     map[observeKey]*Observer
	observerOrder []observeKey

	block1 map[string][]byte // token -> reassembly buffer

	nextMID uint16
	rand    *rand.Rand

	// Datagrams feeds the Run loop; transport adapters send into it.
	Datagrams chan Datagram

	stats *Stats
	log   *logrus.Entry
}

// NewEngine wires the codec, transaction table and observe registry on
// top of the given transport and timer wheel.
func NewEngine(transport Transport, wheel *timer.Wheel) *Engine {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Engine{
		transport:    transport,
		wheel:        wheel,
		transactions: make(map[txKey]*Transaction),
		separate:     make(map[string]*separateEntry),
		observers:    make(map[observeKey]*Observer),
		block1:       make(map[string][]byte),
		nextMID:      uint16(rng.Uint32()),
		rand:         rng,
		Datagrams:    make(chan Datagram, 16),
		stats:        newStats(),
		log:          logrus.WithField("component", "coap"),
	}
}

// Wheel returns the timer wheel driving the engine.
func (e *Engine) Wheel() *timer.Wheel { return e.wheel }

// Stats returns the engine metrics for registration.
func (e *Engine) Stats() *Stats { return e.stats }

// AddHandler appends a handler to the chain.
func (e *Engine) AddHandler(h Handler) {
	e.handlers = append(e.handlers, h)
}

// NewMID returns the next message ID (monotonic, wrapping, randomly
// seeded).
func (e *Engine) NewMID() uint16 {
	e.nextMID++
	return e.nextMID
}

// NewToken returns a fresh 8-byte random token.
func (e *Engine) NewToken() []byte {
	token := make([]byte, 8)
	if _, err := cryptorand.Read(token); err != nil {
		e.rand.Read(token)
	}
	return token
}

// SendMessage serializes and transmits a message without transaction
// tracking (NON, ACK, RST).
func (e *Engine) SendMessage(ep Endpoint, m *Message) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	e.stats.sent.Inc()
	return e.transport.Send(ep, data)
}

func (e *Engine) sendEmpty(ep Endpoint, t Type, mid uint16) {
	if err := e.SendMessage(ep, NewMessage(t, Empty, mid)); err != nil {
		e.log.WithError(err).Warn("failed to send empty message")
	}
}

// Receive is the infallible entry point for inbound datagrams.
func (e *Engine) Receive(src Endpoint, data []byte) {
	e.stats.received.Inc()
	m, err := Parse(data)
	if err != nil {
		e.stats.parseErrors.Inc()
		e.log.WithError(err).Debug("dropping unparsable datagram")
		// a malformed CON is rejected with Reset
		if len(data) >= 4 && data[0]>>6 == coapVersion && Type(data[0]>>4&0x3) == Confirmable {
			mid := uint16(data[2])<<8 | uint16(data[3])
			e.sendEmpty(src, Reset, mid)
		}
		return
	}

	switch {
	case m.Type == Acknowledgement || m.Type == Reset:
		e.handleAck(src, m)
	case m.Code.IsResponse():
		// separate response delivered as CON/NON
		if !e.handleSeparateResponse(src, m) && m.Type == Confirmable {
			e.sendEmpty(src, Reset, m.MID)
		}
	case m.Code.IsRequest():
		e.handleRequest(src, m)
	default:
		// CON ping (empty CON) gets a Reset per RFC 7252 §4.3
		if m.Type == Confirmable {
			e.sendEmpty(src, Reset, m.MID)
		}
	}
}

func (e *Engine) handleRequest(src Endpoint, req *Message) {
	if cached, dup := e.findDuplicate(src, req.MID); dup {
		e.stats.duplicates.Inc()
		e.log.WithField("mid", req.MID).Debug("duplicate request, replaying response")
		if cached != nil {
			if err := e.transport.Send(src, cached); err != nil {
				e.log.WithError(err).Warn("failed to replay cached response")
			}
			e.stats.sent.Inc()
		}
		return
	}

	resp := NewMessage(NonConfirmable, Content, e.NewMID())
	if req.Type == Confirmable {
		resp.Type = Acknowledgement
		resp.MID = req.MID
	}
	resp.Token = req.Token

	// block1: collect the request payload before running handlers
	if done := e.reassembleBlock1(src, req, resp); !done {
		e.finishResponse(src, req, resp)
		return
	}

	// negotiate the block2 size down, never up
	size := uint16(MaxBlockSize)
	num := uint32(0)
	offset := int32(0)
	hasBlock2 := false
	if bnum, _, bsize, ok := req.Block2(); ok {
		hasBlock2 = true
		num = bnum
		if bsize < size {
			size = bsize
		}
		offset = int32(num) * int32(size)
	}

	// observe registration happens around the handler chain so the
	// response to the registration GET carries the Observe option
	var registered *Observer
	if obs, ok := req.Observe(); ok && req.Code == GET {
		switch obs {
		case 0:
			registered = e.addObserver(src, req.Token, req.Path())
		case 1:
			e.removeObserver(src, req.Token)
		}
	}

	buf := make([]byte, size)
	status := e.callHandlers(req, resp, buf, &offset)
	if status != Processed {
		resp.Code = NotFound
		resp.Payload = nil
	}

	if registered != nil {
		if resp.Code == Content {
			resp.SetObserve(registered.Seq)
		} else {
			// registration refused
			e.removeObserver(src, req.Token)
		}
	}

	if status == Processed && resp.Code < BadRequest {
		if hasBlock2 || offset > 0 {
			resp.SetBlock2(num, offset > 0, size)
		}
		if num, _, bsize, ok := req.Block1(); ok {
			resp.SetBlock1(num, false, bsize)
		}
	}

	e.finishResponse(src, req, resp)
}

// reassembleBlock1 accumulates block1 request payloads keyed by token.
// It reports true when req carries the complete payload and handler
// processing should proceed.
func (e *Engine) reassembleBlock1(src Endpoint, req, resp *Message) bool {
	num, more, size, ok := req.Block1()
	if !ok {
		return true
	}
	key := src.Key() + "/" + string(req.Token)
	buf := e.block1[key]
	if num == 0 {
		buf = nil
	}
	if int(num)*int(size) != len(buf) {
		delete(e.block1, key)
		resp.Code = RequestEntityIncomplete
		return false
	}
	buf = append(buf, req.Payload...)
	if len(buf) > MaxChunks*MaxBlockSize {
		delete(e.block1, key)
		resp.Code = RequestEntityTooLarge
		return false
	}
	if more {
		e.block1[key] = buf
		resp.Code = CodeContinue
		resp.SetBlock1(num, true, size)
		return false
	}
	delete(e.block1, key)
	req.Payload = buf
	return true
}

func (e *Engine) callHandlers(req, resp *Message, buf []byte, offset *int32) HandlerStatus {
	for _, h := range e.handlers {
		if h(req, resp, buf, offset) == Processed {
			return Processed
		}
	}
	return Continue
}

func (e *Engine) finishResponse(src Endpoint, req, resp *Message) {
	// nothing to say to a NON request that produced no payload and no error
	if req.Type == NonConfirmable && resp.Code == Content && len(resp.Payload) == 0 {
		e.rememberResponse(src, req.MID, nil)
		return
	}
	data, err := resp.Marshal()
	if err != nil {
		e.log.WithError(err).Error("failed to marshal response")
		return
	}
	if err := e.transport.Send(src, data); err != nil {
		e.log.WithError(err).Warn("failed to send response")
	}
	e.stats.sent.Inc()
	e.rememberResponse(src, req.MID, data)
}

// Run drives the engine from a channel of inbound datagrams and the
// timer wheel until the context is canceled. This is the cooperative
// event loop: all engine state is mutated from here.
func (e *Engine) Run(ctx context.Context) {
	for {
		e.wheel.Run()
		delay := e.wheel.TimeToNext()
		var wait time.Duration
		if delay == timer.Forever {
			wait = time.Hour
		} else {
			wait = time.Duration(delay) * time.Millisecond
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case d := <-e.Datagrams:
			t.Stop()
			e.Receive(d.Src, d.Data)
		case <-t.C:
		}
	}
}
