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

// MaxAttempts bounds block2 continuation retries on inconsistent block
// numbers.
const MaxAttempts = 4

// RequestState tracks one asynchronous request. The callback fires
// exactly once: with Response set to the (block2-reassembled) response,
// or with Response nil on timeout or block transfer failure.
type RequestState struct {
	Transaction *Transaction
	Request     *Message
	Response    *Message
	Endpoint    Endpoint
	UserData    interface{}
	Callback    func(*RequestState)

	engine     *Engine
	blockNum   uint32
	blockError int
	assembled  []byte
	done       bool
}

// SendRequest sends a confirmable request asynchronously. Large
// responses carrying Block2 are fetched block by block transparently;
// the callback sees the reassembled payload.
func (e *Engine) SendRequest(state *RequestState, ep Endpoint, req *Message, callback func(*RequestState)) {
	state.engine = e
	state.Request = req
	state.Endpoint = ep
	state.Callback = callback
	state.Response = nil
	state.blockNum = 0
	state.blockError = 0
	state.assembled = nil
	state.done = false

	if len(req.Token) == 0 {
		req.Token = e.NewToken()
	}
	state.progress()
}

func (s *RequestState) progress() {
	e := s.engine
	req := s.Request
	req.MID = e.NewMID()
	req.Type = Confirmable

	if s.blockNum > 0 {
		req.SetBlock2(s.blockNum, false, MaxBlockSize)
	}

	t := e.NewTransaction(req.MID, s.Endpoint)
	if t == nil {
		s.finish(nil)
		return
	}
	t.Token = req.Token
	t.Callback = s.onResponse

	data, err := req.Marshal()
	if err != nil {
		e.log.WithError(err).Error("request marshal failed")
		e.removeTransaction(t)
		s.finish(nil)
		return
	}
	t.Packet = data
	s.Transaction = t
	t.Send()
	e.log.WithField("mid", req.MID).WithField("block", s.blockNum).Debug("request sent")
}

func (s *RequestState) onResponse(resp *Message) {
	if resp == nil {
		s.engine.log.Debug("server not responding, giving up")
		s.finish(nil)
		return
	}

	num, more, _, hasBlock2 := resp.Block2()
	if !hasBlock2 {
		s.finish(resp)
		return
	}

	if num == s.blockNum {
		s.assembled = append(s.assembled, resp.Payload...)
		s.blockNum++
	} else {
		s.engine.log.WithField("got", num).WithField("want", s.blockNum).Warn("wrong block2 number")
		s.blockError++
	}

	if !more {
		resp.Payload = s.assembled
		s.finish(resp)
		return
	}
	if s.blockError < MaxAttempts {
		s.progress()
		return
	}
	s.finish(nil)
}

func (s *RequestState) finish(resp *Message) {
	if s.done {
		return
	}
	s.done = true
	s.Response = resp
	if s.Callback != nil {
		s.Callback(s)
	}
}
