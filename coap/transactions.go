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

// Retransmission parameters per RFC 7252 §4.8.
const (
	AckTimeout      = 2000 // ms
	AckRandomFactor = 1.5
	MaxRetransmit   = 4
)

// How long a token stays matchable after an empty ACK announced a
// separate response (RFC 7252 EXCHANGE_LIFETIME).
const exchangeLifetime = 247_000 // ms

type txKey struct {
	endpoint string
	mid      uint16
}

// Transaction is one outstanding confirmable message. It retransmits
// with exponential backoff until acknowledged, reset, or given up, then
// invokes Callback exactly once — with the response, or with nil on
// timeout/reset.
type Transaction struct {
	MID      uint16
	Endpoint Endpoint
	Token    []byte
	Packet   []byte

	RetransmitCounter int
	Callback          func(resp *Message)

	engine   *Engine
	interval uint64
	timer    timerEntry
}

// timerEntry avoids exporting the wheel timer on Transaction.
type timerEntry = wheelTimer

// NewTransaction allocates a transaction slot for (endpoint, mid).
// Returns nil if a transaction for that pair is already pending.
func (e *Engine) NewTransaction(mid uint16, ep Endpoint) *Transaction {
	key := txKey{ep.Key(), mid}
	if _, busy := e.transactions[key]; busy {
		e.log.WithField("mid", mid).Warn("transaction already pending for endpoint")
		return nil
	}
	t := &Transaction{MID: mid, Endpoint: ep, engine: e}
	t.timer.Callback = t.onTimeout
	e.transactions[key] = t
	return t
}

// Send transmits the serialized packet and arms the retransmission
// timer with the RFC 7252 randomized initial timeout.
func (t *Transaction) Send() {
	e := t.engine
	t.interval = uint64(float64(AckTimeout) * (1 + e.rand.Float64()*(AckRandomFactor-1)))
	t.transmit()
	e.wheel.Set(&t.timer, t.interval)
}

func (t *Transaction) transmit() {
	e := t.engine
	if err := e.transport.Send(t.Endpoint, t.Packet); err != nil {
		e.log.WithError(err).WithField("mid", t.MID).Warn("transaction send failed")
	}
	e.stats.sent.Inc()
}

func (t *Transaction) onTimeout(*wheelTimer) {
	e := t.engine
	if t.RetransmitCounter < MaxRetransmit {
		t.RetransmitCounter++
		t.interval *= 2
		e.log.WithField("mid", t.MID).WithField("attempt", t.RetransmitCounter).
			Debug("retransmitting")
		e.stats.retransmissions.Inc()
		t.transmit()
		e.wheel.Set(&t.timer, t.interval)
		return
	}
	e.log.WithField("mid", t.MID).Warn("transaction gave up")
	e.stats.timeouts.Inc()
	e.removeTransaction(t)
	if t.Callback != nil {
		t.Callback(nil)
	}
}

// Cancel removes the transaction and invokes its callback with a nil
// response.
func (t *Transaction) Cancel() {
	t.engine.removeTransaction(t)
	if t.Callback != nil {
		t.Callback(nil)
	}
}

func (e *Engine) removeTransaction(t *Transaction) {
	e.wheel.Stop(&t.timer)
	delete(e.transactions, txKey{t.Endpoint.Key(), t.MID})
}

func (e *Engine) lookupTransaction(ep Endpoint, mid uint16) *Transaction {
	return e.transactions[txKey{ep.Key(), mid}]
}

// handleAck dispatches an ACK or RST to its transaction.
func (e *Engine) handleAck(src Endpoint, m *Message) {
	t := e.lookupTransaction(src, m.MID)
	if t == nil {
		if m.Type == Reset {
			// a RST may reject an observe notification
			e.removeObserverByMID(src, m.MID)
		}
		return
	}
	e.removeTransaction(t)
	switch {
	case m.Type == Reset:
		e.removeObserverByMID(src, m.MID)
		if t.Callback != nil {
			t.Callback(nil)
		}
	case m.Code == Empty:
		// empty ACK: a separate response will follow, matched by token
		if t.Callback != nil && len(t.Token) > 0 {
			e.expectSeparate(t.Token, t.Callback)
		}
	default:
		if t.Callback != nil {
			t.Callback(m)
		}
	}
}

type separateEntry struct {
	callback func(*Message)
	timer    wheelTimer
}

func (e *Engine) expectSeparate(token []byte, cb func(*Message)) {
	key := string(token)
	entry := &separateEntry{callback: cb}
	entry.timer.Callback = func(*wheelTimer) {
		delete(e.separate, key)
		cb(nil)
	}
	e.separate[key] = entry
	e.wheel.Set(&entry.timer, exchangeLifetime)
}

// handleSeparateResponse matches a CON/NON response to a pending token.
// Returns true if consumed.
func (e *Engine) handleSeparateResponse(src Endpoint, m *Message) bool {
	entry, ok := e.separate[string(m.Token)]
	if !ok {
		return false
	}
	delete(e.separate, string(m.Token))
	e.wheel.Stop(&entry.timer)
	if m.Type == Confirmable {
		e.sendEmpty(src, Acknowledgement, m.MID)
	}
	entry.callback(m)
	return true
}

// Duplicate detection: remember recent (endpoint, mid) pairs together
// with the serialized response so a retransmitted request re-emits the
// cached bytes without re-running the handlers.
const maxDedupEntries = 16

type dedupEntry struct {
	key      txKey
	response []byte
}

func (e *Engine) findDuplicate(src Endpoint, mid uint16) ([]byte, bool) {
	key := txKey{src.Key(), mid}
	for _, d := range e.dedup {
		if d.key == key {
			return d.response, true
		}
	}
	return nil, false
}

func (e *Engine) rememberResponse(src Endpoint, mid uint16, response []byte) {
	d := dedupEntry{key: txKey{src.Key(), mid}, response: response}
	if len(e.dedup) < maxDedupEntries {
		e.dedup = append(e.dedup, d)
		return
	}
	e.dedup[e.dedupNext%maxDedupEntries] = d
	e.dedupNext++
}
