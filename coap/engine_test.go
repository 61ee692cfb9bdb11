package coap

import (
	"bytes"
	"testing"

	"github.com/tinym2m/lwm2m/timer"
)

type manualClock struct {
	now uint64
}

func (c *manualClock) Now() uint64 { return c.now }

type fakeTransport struct {
	sent []Datagram
}

func (f *fakeTransport) Send(ep Endpoint, data []byte) error {
	cp := append([]byte(nil), data...)
	f.sent = append(f.sent, Datagram{Src: ep, Data: cp})
	return nil
}

func (f *fakeTransport) last(t *testing.T) *Message {
	t.Helper()
	if len(f.sent) == 0 {
		t.Fatalf("nothing sent")
	}
	m, err := Parse(f.sent[len(f.sent)-1].Data)
	if err != nil {
		t.Fatalf("sent datagram unparsable: %s", err)
	}
	return m
}

func newTestEngine() (*Engine, *fakeTransport, *manualClock) {
	clock := &manualClock{}
	tr := &fakeTransport{}
	e := NewEngine(tr, timer.NewWheel(clock))
	return e, tr, clock
}

var peer = Endpoint{Host: "10.0.0.2", Port: 5683}

func TestRetransmissionBackoffAndGiveUp(t *testing.T) {
	e, tr, clock := newTestEngine()

	var callbacks []*Message
	req := NewMessage(Confirmable, GET, 42)
	req.MID = 42
	tx := e.NewTransaction(42, peer)
	tx.Callback = func(resp *Message) { callbacks = append(callbacks, resp) }
	data, _ := req.Marshal()
	tx.Packet = data
	tx.Send()

	if len(tr.sent) != 1 {
		t.Fatalf("initial send count %d", len(tr.sent))
	}

	// walk the backoff: each retransmission doubles the previous delay
	var delays []uint64
	for i := 0; i < MaxRetransmit+1; i++ {
		d := e.Wheel().TimeToNext()
		if d == timer.Forever {
			break
		}
		delays = append(delays, d)
		clock.now += d
		e.Wheel().Run()
	}

	// exactly 5 transmissions (1 initial + 4 retries)
	if len(tr.sent) != 5 {
		t.Fatalf("transmission count got %d want 5", len(tr.sent))
	}
	// first delay is within [AckTimeout, AckTimeout*AckRandomFactor]
	if delays[0] < AckTimeout || delays[0] > uint64(AckTimeout*AckRandomFactor) {
		t.Errorf("initial timeout %d out of range", delays[0])
	}
	for i := 1; i < len(delays)-1; i++ {
		if delays[i] != delays[i-1]*2 {
			t.Errorf("delay %d = %d, want double of %d", i, delays[i], delays[i-1])
		}
	}
	// give up invoked the callback once, with nil
	if len(callbacks) != 1 || callbacks[0] != nil {
		t.Fatalf("callbacks got %d entries", len(callbacks))
	}
	if e.lookupTransaction(peer, 42) != nil {
		t.Errorf("transaction still present after give up")
	}
}

func TestAckStopsRetransmission(t *testing.T) {
	e, tr, clock := newTestEngine()

	var callbacks []*Message
	tx := e.NewTransaction(7, peer)
	tx.Callback = func(resp *Message) { callbacks = append(callbacks, resp) }
	tx.Packet = mustMarshal(t, NewMessage(Confirmable, POST, 7))
	tx.Send()

	ack := NewMessage(Acknowledgement, Changed, 7)
	e.Receive(peer, mustMarshal(t, ack))

	if len(callbacks) != 1 || callbacks[0] == nil || callbacks[0].Code != Changed {
		t.Fatalf("callback not invoked with piggybacked response")
	}
	// no retransmission fires afterwards
	clock.now += 100_000
	e.Wheel().Run()
	if len(tr.sent) != 1 {
		t.Errorf("sent %d messages after ack, want 1", len(tr.sent))
	}
}

func TestAtMostOnePendingTransactionPerEndpointMID(t *testing.T) {
	e, _, _ := newTestEngine()
	if e.NewTransaction(5, peer) == nil {
		t.Fatalf("first NewTransaction failed")
	}
	if e.NewTransaction(5, peer) != nil {
		t.Fatalf("duplicate (endpoint, mid) transaction allowed")
	}
	if e.NewTransaction(5, Endpoint{Host: "10.0.0.3", Port: 5683}) == nil {
		t.Fatalf("same mid to different endpoint refused")
	}
}

func TestSeparateResponseMatchedByToken(t *testing.T) {
	e, tr, _ := newTestEngine()

	var got *Message
	tx := e.NewTransaction(9, peer)
	tx.Token = []byte{1, 2, 3}
	tx.Callback = func(resp *Message) { got = resp }
	tx.Packet = mustMarshal(t, NewMessage(Confirmable, GET, 9))
	tx.Send()

	// empty ACK: response follows separately
	e.Receive(peer, mustMarshal(t, NewMessage(Acknowledgement, Empty, 9)))
	if got != nil {
		t.Fatalf("callback fired on empty ack")
	}

	sep := NewMessage(Confirmable, Content, 500)
	sep.Token = []byte{1, 2, 3}
	sep.Payload = []byte("late")
	e.Receive(peer, mustMarshal(t, sep))

	if got == nil || !bytes.Equal(got.Payload, []byte("late")) {
		t.Fatalf("separate response not delivered")
	}
	// the CON response was acknowledged
	last := tr.last(t)
	if last.Type != Acknowledgement || last.Code != Empty || last.MID != 500 {
		t.Errorf("expected empty ACK for separate response, got %v %v", last.Type, last.Code)
	}
}

func TestDuplicateRequestReplaysCachedResponse(t *testing.T) {
	e, tr, _ := newTestEngine()

	handled := 0
	e.AddHandler(func(req, resp *Message, buf []byte, offset *int32) HandlerStatus {
		handled++
		n := copy(buf, "value")
		resp.Payload = buf[:n]
		*offset = -1
		return Processed
	})

	req := NewMessage(Confirmable, GET, 77)
	req.SetPath("/3/0/0")
	data := mustMarshal(t, req)

	e.Receive(peer, data)
	e.Receive(peer, data)

	if handled != 1 {
		t.Fatalf("handler ran %d times, want 1", handled)
	}
	if len(tr.sent) != 2 {
		t.Fatalf("sent %d responses, want 2", len(tr.sent))
	}
	if !bytes.Equal(tr.sent[0].Data, tr.sent[1].Data) {
		t.Errorf("replayed response differs from original")
	}
}

func TestUnhandledRequestGets404(t *testing.T) {
	e, tr, _ := newTestEngine()
	req := NewMessage(Confirmable, GET, 3)
	req.SetPath("/99")
	e.Receive(peer, mustMarshal(t, req))
	resp := tr.last(t)
	if resp.Code != NotFound || resp.Type != Acknowledgement || resp.MID != 3 {
		t.Errorf("got %v %v mid=%d, want 4.04 ACK mid=3", resp.Type, resp.Code, resp.MID)
	}
}

func TestMalformedConGetsReset(t *testing.T) {
	e, tr, _ := newTestEngine()
	// valid header, reserved option nibble
	e.Receive(peer, []byte{0x40, 0x01, 0x12, 0x34, 0xf0})
	resp := tr.last(t)
	if resp.Type != Reset || resp.MID != 0x1234 {
		t.Errorf("want RST mid=0x1234, got %v mid=%d", resp.Type, resp.MID)
	}
}

func TestObserveRegistrationAndNotify(t *testing.T) {
	e, tr, _ := newTestEngine()

	value := "13:37"
	e.AddHandler(func(req, resp *Message, buf []byte, offset *int32) HandlerStatus {
		if req.Path() != "3/0/13" {
			return Continue
		}
		n := copy(buf, value)
		resp.Payload = buf[:n]
		resp.SetContentFormat(FormatLwM2MText)
		*offset = -1
		return Processed
	})

	// GET with Observe=0 registers
	req := NewMessage(Confirmable, GET, 100)
	req.Token = []byte{9, 9}
	req.SetPath("/3/0/13")
	req.SetObserve(0)
	e.Receive(peer, mustMarshal(t, req))

	resp := tr.last(t)
	if seq, ok := resp.Observe(); !ok || seq != 1 {
		t.Fatalf("registration response observe got %d %v", seq, ok)
	}

	// a mutation triggers a CON notification with the same token, seq+1
	value = "13:38"
	e.NotifyObservers("3/0/13")
	notif := tr.last(t)
	if notif.Type != Confirmable || !bytes.Equal(notif.Token, []byte{9, 9}) {
		t.Fatalf("notification type/token wrong: %v %x", notif.Type, notif.Token)
	}
	if seq, _ := notif.Observe(); seq != 2 {
		t.Errorf("notification seq got %d want 2", seq)
	}
	if !bytes.Equal(notif.Payload, []byte("13:38")) {
		t.Errorf("notification payload %q", notif.Payload)
	}

	// monotonically increasing sequence
	e.NotifyObservers("3/0/13")
	notif2 := tr.last(t)
	s1, _ := notif.Observe()
	s2, _ := notif2.Observe()
	if s2 != s1+1 {
		t.Errorf("seq not monotonic: %d then %d", s1, s2)
	}

	// RST on a notification removes the subscription
	e.Receive(peer, mustMarshal(t, NewMessage(Reset, Empty, notif2.MID)))
	if len(e.observers) != 0 {
		t.Fatalf("observer not removed after RST")
	}
	sent := len(tr.sent)
	e.NotifyObservers("3/0/13")
	if len(tr.sent) != sent {
		t.Errorf("notification sent to removed observer")
	}

}

func TestObserveDeregister(t *testing.T) {
	e, _, _ := newTestEngine()
	e.AddHandler(func(req, resp *Message, buf []byte, offset *int32) HandlerStatus {
		resp.Payload = append(buf[:0], 'x')
		*offset = -1
		return Processed
	})
	reg := NewMessage(Confirmable, GET, 1)
	reg.Token = []byte{1}
	reg.SetPath("/3/0/13")
	reg.SetObserve(0)
	e.Receive(peer, mustMarshal(t, reg))
	if len(e.observers) != 1 {
		t.Fatalf("observer not added")
	}

	dereg := NewMessage(Confirmable, GET, 2)
	dereg.Token = []byte{1}
	dereg.SetPath("/3/0/13")
	dereg.SetObserve(1)
	e.Receive(peer, mustMarshal(t, dereg))
	if len(e.observers) != 0 {
		t.Fatalf("observer not removed on Observe=1")
	}
}

func TestBlock1Reassembly(t *testing.T) {
	e, tr, _ := newTestEngine()

	var got []byte
	e.AddHandler(func(req, resp *Message, buf []byte, offset *int32) HandlerStatus {
		got = append([]byte(nil), req.Payload...)
		resp.Code = Changed
		*offset = -1
		return Processed
	})

	full := bytes.Repeat([]byte{'a'}, 40)
	for num := 0; num < 3; num++ {
		req := NewMessage(Confirmable, PUT, uint16(200+num))
		req.Token = []byte{5}
		req.SetPath("/1/0/1")
		more := num < 2
		req.SetBlock1(uint32(num), more, 16)
		lo := num * 16
		hi := lo + 16
		if hi > len(full) {
			hi = len(full)
		}
		req.Payload = full[lo:hi]
		e.Receive(peer, mustMarshal(t, req))
		resp := tr.last(t)
		if more {
			if resp.Code != CodeContinue {
				t.Fatalf("block %d: got %v want 2.31", num, resp.Code)
			}
			if got != nil {
				t.Fatalf("handler ran before final block")
			}
		}
	}
	if !bytes.Equal(got, full) {
		t.Fatalf("reassembled %d bytes, want %d", len(got), len(full))
	}
	final := tr.last(t)
	if final.Code != Changed {
		t.Errorf("final response %v", final.Code)
	}
	if _, _, _, ok := final.Block1(); !ok {
		t.Errorf("final response missing Block1 echo")
	}
}

func TestClientBlock2Continuation(t *testing.T) {
	e, tr, _ := newTestEngine()

	full := bytes.Repeat([]byte{'z'}, 1200)

	var result *RequestState
	var state RequestState
	req := NewMessage(Confirmable, GET, 0)
	req.SetPath("/5/0/0")
	e.SendRequest(&state, peer, req, func(s *RequestState) { result = s })

	// serve blocks until the client stops asking
	for i := 0; i < 10 && result == nil; i++ {
		sent := tr.last(t)
		num, _, size, ok := sent.Block2()
		if !ok {
			num, size = 0, MaxBlockSize
		}
		lo := int(num) * int(size)
		hi := lo + int(size)
		more := true
		if hi >= len(full) {
			hi = len(full)
			more = false
		}
		resp := NewMessage(Acknowledgement, Content, sent.MID)
		resp.Token = sent.Token
		resp.SetBlock2(num, more, size)
		resp.Payload = full[lo:hi]
		e.Receive(peer, mustMarshal(t, resp))
	}

	if result == nil || result.Response == nil {
		t.Fatalf("request did not complete")
	}
	if !bytes.Equal(result.Response.Payload, full) {
		t.Fatalf("reassembled %d bytes, want %d", len(result.Response.Payload), len(full))
	}
}

func TestClientTimeoutDeliversNilExactlyOnce(t *testing.T) {
	e, _, clock := newTestEngine()

	calls := 0
	var state RequestState
	req := NewMessage(Confirmable, GET, 0)
	req.SetPath("/3")
	e.SendRequest(&state, peer, req, func(s *RequestState) {
		calls++
		if s.Response != nil {
			t.Errorf("expected nil response on timeout")
		}
	})

	for i := 0; i < 20; i++ {
		d := e.Wheel().TimeToNext()
		if d == timer.Forever {
			break
		}
		clock.now += d
		e.Wheel().Run()
	}
	if calls != 1 {
		t.Fatalf("callback invoked %d times, want exactly 1", calls)
	}
}

func mustMarshal(t *testing.T, m *Message) []byte {
	t.Helper()
	data, err := m.Marshal()
	if err != nil {
		t.Fatalf("marshal: %s", err)
	}
	return data
}
