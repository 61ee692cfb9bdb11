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

import "strings"

// MaxObservers bounds the subscription table; the oldest entry is
// evicted under pressure.
const MaxObservers = 8

// Observer is one (endpoint, token, path) subscription. Notifications
// carry a monotonically increasing 24-bit sequence number.
type Observer struct {
	Endpoint Endpoint
	Token    []byte
	Path     string
	LastMID  uint16
	Seq      uint32
}

// The entry in the list of observers is keyed by the client endpoint and
// the token specified by the client in the request. If an entry with a
// matching endpoint/token pair is already present, it is replaced rather
// than added (RFC 7641 §4.1).
type observeKey struct {
	endpoint string
	token    string
}

func (e *Engine) addObserver(src Endpoint, token []byte, path string) *Observer {
	key := observeKey{src.Key(), string(token)}
	if existing, ok := e.observers[key]; ok {
		existing.Path = path
		return existing
	}
	if len(e.observerOrder) >= MaxObservers {
		oldest := e.observerOrder[0]
		e.log.WithField("path", e.observers[oldest].Path).Warn("observer table full, evicting oldest")
		e.deleteObserver(oldest)
	}
	obs := &Observer{
		Endpoint: src,
		Token:    append([]byte(nil), token...),
		Path:     path,
		Seq:      1,
	}
	e.observers[key] = obs
	e.observerOrder = append(e.observerOrder, key)
	e.stats.observers.Inc()
	e.log.WithField("path", path).WithField("count", len(e.observers)).Info("observer added")
	return obs
}

func (e *Engine) removeObserver(src Endpoint, token []byte) {
	key := observeKey{src.Key(), string(token)}
	if _, ok := e.observers[key]; ok {
		e.deleteObserver(key)
		e.log.WithField("count", len(e.observers)).Info("observer removed")
	}
}

func (e *Engine) deleteObserver(key observeKey) {
	delete(e.observers, key)
	for i, k := range e.observerOrder {
		if k == key {
			e.observerOrder = append(e.observerOrder[:i], e.observerOrder[i+1:]...)
			break
		}
	}
	e.stats.observers.Dec()
}

// removeObserverByMID drops the subscription whose last notification
// carried the given MID. A client that is no longer interested replies
// RST to a notification; the observer list is effectively garbage
// collected by the server (RFC 7641 §3.6).
func (e *Engine) removeObserverByMID(src Endpoint, mid uint16) {
	for key, obs := range e.observers {
		if obs.LastMID == mid && obs.Endpoint.Equal(src) {
			e.log.WithField("path", obs.Path).Info("observer rejected notification, removing")
			e.deleteObserver(key)
			return
		}
	}
}

// NotifyObservers re-reads every subscription whose subscribed path is a
// prefix of path and sends a confirmable notification with the
// subscription token and the next sequence number.
func (e *Engine) NotifyObservers(path string) {
	path = strings.Trim(path, "/")
	for _, key := range append([]observeKey(nil), e.observerOrder...) {
		obs, ok := e.observers[key]
		if !ok {
			continue
		}
		if !pathHasPrefix(path, obs.Path) {
			continue
		}
		e.notify(obs)
	}
}

func pathHasPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

func (e *Engine) notify(obs *Observer) {
	// regenerate the representation through the handler chain
	req := NewMessage(Confirmable, GET, 0)
	req.Token = obs.Token
	req.SetPath(obs.Path)

	resp := NewMessage(Confirmable, Content, e.NewMID())
	resp.Token = obs.Token

	buf := make([]byte, MaxBlockSize)
	offset := int32(0)
	if e.callHandlers(req, resp, buf, &offset) != Processed || resp.Code != Content {
		e.log.WithField("path", obs.Path).Warn("notify: representation unavailable")
		return
	}

	obs.Seq = (obs.Seq + 1) & 0xffffff
	resp.SetObserve(obs.Seq)

	t := e.NewTransaction(resp.MID, obs.Endpoint)
	if t == nil {
		return
	}
	t.Token = obs.Token
	data, err := resp.Marshal()
	if err != nil {
		e.log.WithError(err).Warn("notify: marshal failed")
		e.removeTransaction(t)
		return
	}
	obs.LastMID = resp.MID
	t.Packet = data
	t.Send()
	e.stats.notifications.Inc()
}
