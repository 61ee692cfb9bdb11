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
	"encoding/base64"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/tinym2m/lwm2m/coap"
)

// How long a multi-read stream may stay idle before its lock is broken.
const readLockTimeout = 1000 // ms

// readLock serializes multi-read streams over the shared double buffer.
// Continuations for the same (oid, iid, rid) from the same holder are
// honored; anything else within the idle window is turned away.
type readLock struct {
	held     bool
	oid      uint16
	iid      uint16
	rid      uint16
	holder   string
	deadline uint64
}

func (l *readLock) release() { l.held = false }

// Engine is the LWM2M request dispatcher: it parses object paths,
// negotiates formats, resolves instances through the registry and runs
// their callbacks, streaming multi-resource output through a double
// buffer sized to two CoAP blocks.
type Engine struct {
	coap *coap.Engine
	reg  Registry

	// block2 double buffer: writers fill it ahead of the flush point so
	// a full block can always be emitted
	buf  Buffer
	lock readLock

	// multi-read resume state
	haveLast   bool
	lastOID    uint16
	lastIID    uint16
	lastRscPos int

	opaqueCB     OpaqueCallback
	opaqueOffset int

	// invoked when an instance is created or deleted so the RD client
	// can fold a registration update
	onRegistryChange func()

	log *logrus.Entry
}

// NewEngine creates the dispatcher and installs it on the CoAP engine's
// handler chain.
func NewEngine(c *coap.Engine) *Engine {
	e := &Engine{
		coap: c,
		buf:  Buffer{Data: make([]byte, 2*coap.MaxBlockSize)},
		log:  logrus.WithField("component", "lwm2m"),
	}
	c.AddHandler(e.handleRequest)
	return e
}

// Registry returns the object registry.
func (e *Engine) Registry() *Registry { return &e.reg }

// CoAP returns the underlying message engine.
func (e *Engine) CoAP() *coap.Engine { return e.coap }

// Add registers an object instance or template.
func (e *Engine) Add(inst *ObjectInstance) { e.reg.Add(inst) }

// Remove unregisters an object instance.
func (e *Engine) Remove(inst *ObjectInstance) { e.reg.Remove(inst) }

// NotifyObservers pushes a notification for a resource to every
// matching subscription.
func (e *Engine) NotifyObservers(inst *ObjectInstance, rid uint16) {
	e.coap.NotifyObservers(fmt.Sprintf("%d/%d/%d", inst.ObjectID, inst.InstanceID, rid))
}

// SetOpaqueCallback arranges for cb to stream the current resource's
// opaque value block by block. Call from a read callback.
func (e *Engine) SetOpaqueCallback(ctx *Context, cb OpaqueCallback) {
	e.opaqueOffset = 0
	e.opaqueCB = cb
}

func (e *Engine) registryChanged() {
	if e.onRegistryChange != nil {
		e.onRegistryChange()
	}
}

func (e *Engine) findInstance(ctx *Context) *ObjectInstance {
	if ctx.Level < 2 {
		return e.reg.FirstForObject(ctx.ObjectID)
	}
	return e.reg.Find(ctx.ObjectID, ctx.InstanceID)
}

func (e *Engine) nextInstance(ctx *Context, after *ObjectInstance) *ObjectInstance {
	if ctx.Level >= 2 {
		return nil
	}
	return e.reg.NextForObject(ctx.ObjectID, after)
}

func (e *Engine) selectReader(ctx *Context, format uint16) bool {
	switch format {
	case coap.FormatLwM2MTLV, coap.FormatLwM2MOldTLV:
		ctx.reader = tlvFormat
	case coap.FormatTextPlain, coap.FormatLwM2MText, coap.FormatNone,
		coap.FormatJSON, coap.FormatLwM2MJSON, coap.FormatLwM2MOldJSON:
		// JSON payload values are textual; the multi-write path slices
		// them out of the document before the reader sees them
		ctx.reader = textFormat
	default:
		return false
	}
	return true
}

func (e *Engine) selectWriter(ctx *Context, accept uint16) {
	switch accept {
	case coap.FormatLwM2MTLV, coap.FormatLwM2MOldTLV:
		ctx.writer = tlvFormat
	case coap.FormatTextPlain, coap.FormatLwM2MText:
		ctx.writer = textFormat
	case coap.FormatJSON, coap.FormatLwM2MJSON, coap.FormatLwM2MOldJSON:
		ctx.writer = jsonFormat
	case coap.FormatSenMLCBOR:
		ctx.writer = cborFormat
	case coap.FormatLinkFormat:
		// discovery writes fragments directly
		ctx.writer = textFormat
	default:
		e.log.WithField("accept", accept).Debug("unknown accept, using plain text")
		ctx.writer = textFormat
		accept = coap.FormatLwM2MText
	}
	ctx.ContentType = accept
}

func (e *Engine) handleRequest(req, resp *coap.Message, buf []byte, offset *int32) coap.HandlerStatus {
	path := req.Path()

	if path == "bs" && req.Code == coap.POST {
		e.log.Info("bootstrap finished")
		resp.Code = coap.Changed
		return coap.Processed
	}

	ctx := Context{
		Request:  req,
		Response: resp,
		Out:      &Buffer{Data: buf},
		In:       InBuffer{Data: req.Payload},
		engine:   e,
	}
	if offset != nil {
		ctx.Offset = *offset
	}

	oid, iid, rid, level, err := parsePath(path)
	if err != nil {
		e.log.WithError(err).Debug("rejecting request")
		resp.Code = coap.BadRequest
		return coap.Processed
	}
	ctx.ObjectID, ctx.InstanceID, ctx.ResourceID, ctx.Level = oid, iid, rid, level

	if level == 0 {
		if req.Code == coap.DELETE {
			// bootstrap-initiated delete-all
			e.deleteAll(&ctx)
			resp.Code = coap.Deleted
			e.registryChanged()
			return coap.Processed
		}
		return coap.Continue
	}

	format := req.ContentFormat()
	accept := req.Accept()
	if accept == coap.FormatNone {
		if format == coap.FormatNone {
			accept = coap.FormatLwM2MText
		} else {
			accept = format
		}
	}

	inst := e.findInstance(&ctx)
	template := e.reg.FindTemplate(oid)
	if inst == nil && template == nil {
		return coap.Continue
	}

	if !e.selectReader(&ctx, format) {
		resp.Code = coap.UnsupportedContentFormat
		return coap.Processed
	}
	e.selectWriter(&ctx, accept)

	switch req.Code {
	case coap.PUT:
		ctx.Operation = OpWrite
		resp.Code = coap.Changed
	case coap.POST:
		if level < 2 {
			ctx.Operation = OpWrite
		} else {
			ctx.Operation = OpExecute
		}
		resp.Code = coap.Changed
	case coap.GET:
		if accept == coap.FormatLinkFormat {
			ctx.Operation = OpDiscover
		} else {
			ctx.Operation = OpRead
		}
		resp.Code = coap.Content
	case coap.DELETE:
		ctx.Operation = OpDelete
		resp.Code = coap.Deleted
	default:
		return coap.Continue
	}

	if inst == nil {
		// only a template matched: a write may create, everything else
		// has nothing to address
		if ctx.Operation != OpWrite {
			return coap.Continue
		}
		if level == 2 {
			created := false
			inst = e.getOrCreateInstance(&ctx, &created)
			if inst == nil {
				resp.Code = coap.BadRequest
				return coap.Processed
			}
		} else {
			// level 1 multi-write creates per embedded instance
			inst = template
		}
	}

	e.log.WithFields(logrus.Fields{
		"path": path, "op": ctx.Operation, "format": format, "accept": accept,
	}).Debug("dispatching")

	var status Status
	switch ctx.Operation {
	case OpDiscover, OpRead:
		status = e.multiRead(inst, &ctx)
	case OpWrite:
		status = e.write(inst, &ctx, format)
	case OpExecute:
		if _, ok := inst.resource(rid); !ok {
			status = StatusNotFound
		} else {
			status = inst.Callback(inst, &ctx)
		}
	case OpDelete:
		status = inst.Callback(inst, &ctx)
		if status == StatusOK {
			e.registryChanged()
		}
	default:
		status = StatusError
	}

	return e.finalize(&ctx, status, offset)
}

// finalize maps the callback status to the response exactly once.
func (e *Engine) finalize(ctx *Context, status Status, offset *int32) coap.HandlerStatus {
	resp := ctx.Response
	if status != StatusOK {
		e.log.WithField("status", status).WithField("path", ctx.Path()).
			Debug("request failed")
		resp.Code = status.Code()
		resp.Payload = nil
		return coap.Processed
	}
	if ctx.Created {
		resp.Code = coap.Created
	}
	if ctx.Out.Len > 0 {
		resp.Payload = ctx.Out.bytes()
		resp.SetContentFormat(ctx.ContentType)
		if offset != nil {
			if ctx.WriterFlags&WriterHasMore != 0 {
				*offset = ctx.Offset
			} else {
				*offset = -1
			}
		}
	}
	return coap.Processed
}

func (e *Engine) deleteAll(ctx *Context) {
	ctx.Operation = OpDelete
	for _, inst := range append([]*ObjectInstance(nil), e.reg.All()...) {
		if inst.Template || inst.Callback == nil {
			continue
		}
		ctx.ObjectID = inst.ObjectID
		ctx.InstanceID = inst.InstanceID
		ctx.Level = 2
		if st := inst.Callback(inst, ctx); st != StatusOK {
			e.log.WithField("status", st).WithField("oid", inst.ObjectID).
				Debug("delete-all: instance refused delete")
		}
	}
}

// acquireReadLock admits a fresh or continuing multi-read stream, or
// rejects a divergent one while the current stream is live.
func (e *Engine) acquireReadLock(ctx *Context, holder string) bool {
	now := e.coap.Wheel().Uptime()
	if e.lock.held && now < e.lock.deadline &&
		(e.lock.oid != ctx.ObjectID || e.lock.iid != ctx.InstanceID ||
			e.lock.rid != ctx.ResourceID || e.lock.holder != holder) {
		return false
	}
	e.lock = readLock{
		held: true,
		oid:  ctx.ObjectID, iid: ctx.InstanceID, rid: ctx.ResourceID,
		holder:   holder,
		deadline: now + readLockTimeout,
	}
	return true
}

// lockHolder derives the stream holder key from the request token.
func lockHolder(ctx *Context) string {
	if ctx.Request == nil {
		return ""
	}
	return string(ctx.Request.Token)
}

// multiRead emits one or more resources — and possibly several
// instances — into the block2 double buffer, flushing one block at a
// time into the caller's buffer. Discovery shares the walk but emits
// link-format fragments without init/end framing.
func (e *Engine) multiRead(instance *ObjectInstance, ctx *Context) Status {
	outbuf := ctx.Out
	size := len(outbuf.Data)
	initialized := false
	numRead := 0

	if !e.acquireReadLock(ctx, lockHolder(ctx)) {
		e.log.WithField("path", ctx.Path()).Info("multi-read busy, rejecting")
		return StatusServiceUnavailable
	}

	// writers produce into the double buffer
	ctx.Out = &e.buf

	if ctx.Offset == 0 {
		e.haveLast = instance != nil
		if instance != nil {
			e.lastOID = instance.ObjectID
			e.lastIID = instance.InstanceID
		}
		e.lastRscPos = 0
		e.opaqueCB = nil
		e.buf.reset()
	} else {
		// continuation of a stream in progress
		if !e.haveLast {
			if e.buf.Len > 0 {
				// the producers finished on an earlier pass; drain the
				// tail of the double buffer
				n := e.flushBlock(outbuf, size)
				ctx.Out = outbuf
				ctx.Offset += int32(n)
				if e.buf.Len > 0 {
					ctx.WriterFlags |= WriterHasMore
				} else {
					e.lock.release()
				}
				return StatusOK
			}
			ctx.Out = outbuf
			e.lock.release()
			return StatusNotFound
		}
		instance = e.reg.Find(e.lastOID, e.lastIID)
		if instance == nil {
			ctx.Out = outbuf
			e.lock.release()
			return StatusNotFound
		}
		initialized = true
		ctx.WriterFlags |= WriterOutputValue
	}

	for instance != nil {
		for e.lastRscPos < len(instance.Resources) {
			res := instance.Resources[e.lastRscPos]

			if ctx.Level < 3 || ctx.ResourceID == res.ID() {
				if ctx.Operation == OpDiscover {
					dim := 0
					if instance.DimCallback != nil {
						dim = instance.DimCallback(instance, res.ID())
					}
					first := ctx.Out.Len == 0 && ctx.Offset == 0
					frag := linkTriple(first, instance.ObjectID, instance.InstanceID, res.ID(), dim)
					if len(frag) > ctx.Out.remaining() {
						ctx.Out = outbuf
						e.lock.release()
						return StatusError
					}
					ctx.Out.advance(copy(ctx.Out.free(), frag))
					numRead++
					if ctx.Out.Len >= size {
						return e.yieldBlock(ctx, outbuf, size)
					}
				} else { // OpRead
					lv := ctx.Level
					if lv == 3 && !res.Readable() {
						ctx.Out = outbuf
						e.lock.release()
						return StatusOperationNotAllowed
					}
					if lv < 3 {
						ctx.ResourceID = res.ID()
					}
					if lv < 2 {
						ctx.InstanceID = instance.InstanceID
					}

					if res.Readable() {
						ctx.Level = 3
						if !initialized {
							n, err := ctx.writer.InitWrite(ctx, ctx.Out.free())
							if err != nil {
								ctx.Out = outbuf
								e.lock.release()
								return StatusError
							}
							ctx.Out.advance(n)
							initialized = true
						}

						if e.opaqueCB == nil {
							if st := instance.Callback(instance, ctx); st != StatusOK {
								if !(lv < 3 && st == StatusNotFound) {
									ctx.Out = outbuf
									e.lock.release()
									return st
								}
								// a missing resource is fine mid multi-read
							}
						}
						if e.opaqueCB != nil {
							// the callback installed an opaque streamer:
							// let it fill up to one block per round
							oldOffset := ctx.Offset
							numWrite := size - ctx.Out.Len
							ctx.Offset = int32(e.opaqueOffset)
							if st := e.opaqueCB(instance, ctx, numWrite); st != StatusOK {
								ctx.Offset = oldOffset
								ctx.Out = outbuf
								e.lock.release()
								return st
							}
							if ctx.WriterFlags&WriterHasMore == 0 {
								e.opaqueCB = nil
							} else if ctx.Out.Len < size {
								// the streamer promised more but stalled
								ctx.Offset = oldOffset
								ctx.Out = outbuf
								e.lock.release()
								return StatusError
							}
							e.opaqueOffset += numWrite
							ctx.Offset = oldOffset
						}
						numRead++
						ctx.Level = lv
					}
				}
			}

			if e.opaqueCB == nil {
				e.lastRscPos++
			}

			if ctx.Out.Len >= size {
				if ctx.Out.Len < 2*size {
					return e.yieldBlock(ctx, outbuf, size)
				}
				ctx.Out = outbuf
				e.lock.release()
				return StatusError
			}
		}

		instance = e.nextInstance(ctx, instance)
		if instance != nil {
			e.lastOID = instance.ObjectID
			e.lastIID = instance.InstanceID
		}
		e.haveLast = instance != nil

		if ctx.Operation == OpRead && initialized {
			n, err := ctx.writer.EndWrite(ctx, ctx.Out.free())
			if err != nil {
				ctx.Out = outbuf
				e.lock.release()
				return StatusError
			}
			ctx.Out.advance(n)
		}
		initialized = false
		ctx.WriterFlags &^= WriterOutputValue
		e.lastRscPos = 0
	}

	if numRead == 0 && ctx.Level == 3 {
		ctx.Out = outbuf
		e.lock.release()
		return StatusNotFound
	}

	// done producing: flush what remains
	n := e.flushBlock(outbuf, size)
	ctx.Out = outbuf
	ctx.Offset += int32(n)
	if e.buf.Len > 0 {
		ctx.WriterFlags |= WriterHasMore
	} else {
		e.lock.release()
	}
	return StatusOK
}

// yieldBlock hands one full block to the caller and keeps the stream
// (and its lock) alive for the next continuation.
func (e *Engine) yieldBlock(ctx *Context, outbuf *Buffer, size int) Status {
	e.flushBlock(outbuf, size)
	ctx.Out = outbuf
	ctx.WriterFlags |= WriterHasMore
	ctx.Offset += int32(size)
	return StatusOK
}

// flushBlock copies up to size bytes from the double buffer into the
// caller's buffer and shifts the tail down.
func (e *Engine) flushBlock(outbuf *Buffer, size int) int {
	n := size
	if e.buf.Len < n {
		n = e.buf.Len
	}
	copy(outbuf.Data, e.buf.Data[:n])
	copy(e.buf.Data, e.buf.Data[n:e.buf.Len])
	e.buf.Len -= n
	outbuf.Len = n
	return n
}

// createInstance runs the template's create callback for the instance
// addressed by ctx and resolves the freshly created instance.
func (e *Engine) createInstance(ctx *Context, template *ObjectInstance) *ObjectInstance {
	prev := ctx.Operation
	ctx.Operation = OpCreate
	status := template.Callback(template, ctx)
	ctx.Operation = prev
	if status != StatusOK {
		e.log.WithField("status", status).WithField("oid", ctx.ObjectID).
			Info("create refused")
		return nil
	}
	inst := e.reg.Find(ctx.ObjectID, ctx.InstanceID)
	if inst == nil {
		return nil
	}
	e.log.WithField("oid", ctx.ObjectID).WithField("iid", ctx.InstanceID).
		Info("instance created")
	ctx.Created = true
	ctx.Operation = OpWrite
	e.registryChanged()
	return inst
}

// getOrCreateInstance resolves the addressed instance, creating it via
// the object template when absent.
func (e *Engine) getOrCreateInstance(ctx *Context, created *bool) *ObjectInstance {
	*created = false
	if inst := e.reg.Find(ctx.ObjectID, ctx.InstanceID); inst != nil {
		return inst
	}
	template := e.reg.FindTemplate(ctx.ObjectID)
	if template == nil {
		return nil
	}
	inst := e.createInstance(ctx, template)
	*created = inst != nil
	return inst
}

// write routes a write to the multi-format path (TLV, JSON) or to a
// single plain-text callback.
func (e *Engine) write(inst *ObjectInstance, ctx *Context, format uint16) Status {
	switch format {
	case coap.FormatLwM2MTLV, coap.FormatLwM2MOldTLV:
		return e.multiWriteTLV(ctx)
	case coap.FormatJSON, coap.FormatLwM2MJSON, coap.FormatLwM2MOldJSON:
		return e.multiWriteJSON(ctx)
	}
	// single-value write
	if ctx.Level < 3 {
		return StatusBadRequest
	}
	if inst.Template {
		return StatusNotFound
	}
	if !ctx.Created && !inst.Writable(ctx.ResourceID) {
		return StatusOperationNotAllowed
	}
	return inst.Callback(inst, ctx)
}

// writeResource runs one resource write against the addressed instance,
// creating it first when the object has a template.
func (e *Engine) writeResource(ctx *Context, rid uint16, value []byte) Status {
	ctx.In = InBuffer{Data: value}
	ctx.Level = 3
	ctx.ResourceID = rid
	created := false
	inst := e.getOrCreateInstance(ctx, &created)
	if inst == nil || inst.Callback == nil {
		return StatusError
	}
	// an instance created by this request is implicitly writable
	if !created && !ctx.Created && !inst.Writable(rid) {
		return StatusOperationNotAllowed
	}
	return inst.Callback(inst, ctx)
}

// multiWriteTLV walks a TLV payload: OBJECT_INSTANCE nodes descend with
// their id as the instance id, RESOURCE nodes trigger one callback each.
func (e *Engine) multiWriteTLV(ctx *Context) Status {
	in := ctx.In.Data
	baseLevel := ctx.Level
	pos := 0
	for pos < len(in) {
		t, n, err := ReadTLV(in[pos:])
		if err != nil {
			e.log.WithError(err).Debug("bad TLV payload")
			return StatusBadRequest
		}
		switch t.Class {
		case TLVObjectInstance:
			ctx.InstanceID = t.ID
			if len(t.Value) == 0 {
				// create only, no data
				created := false
				if e.getOrCreateInstance(ctx, &created) == nil {
					return StatusError
				}
			}
			inner := 0
			for inner < len(t.Value) {
				t2, n2, err := ReadTLV(t.Value[inner:])
				if err != nil {
					return StatusBadRequest
				}
				if t2.Class == TLVResource {
					// hand the reader the enclosing TLV so it can parse it
					if st := e.writeResource(ctx, t2.ID, t.Value[inner:inner+n2]); st != StatusOK {
						return st
					}
				}
				inner += n2
			}
		case TLVResource:
			if baseLevel < 2 {
				// resources at the top level need an instance address
				return StatusBadRequest
			}
			if st := e.writeResource(ctx, t.ID, in[pos:pos+n]); st != StatusOK {
				return st
			}
		}
		pos += n
		ctx.Level = baseLevel
	}
	return StatusOK
}

// multiWriteJSON iterates the {"bn": ..., "e": [...]} document: "n"
// entries address the resource (and find-or-create the instance), the
// value entry triggers one callback.
func (e *Engine) multiWriteJSON(ctx *Context) Status {
	doc := gjson.ParseBytes(ctx.In.Data)
	elements := doc.Get("e")
	if !elements.Exists() || !elements.IsArray() {
		return StatusBadRequest
	}
	baseLevel := ctx.Level
	status := StatusOK
	elements.ForEach(func(_, el gjson.Result) bool {
		oid, iid, rid, level, err := parsePath(el.Get("n").String())
		if err != nil {
			status = StatusBadRequest
			return false
		}
		switch baseLevel {
		case 1:
			// names are "iid/rid"
			if level < 2 {
				status = StatusBadRequest
				return false
			}
			ctx.InstanceID = oid
			rid = iid
		case 2:
			// names are "rid"
			if level < 1 {
				status = StatusBadRequest
				return false
			}
			rid = oid
		default:
			rid = ctx.ResourceID
		}

		var value []byte
		switch {
		case el.Get("sv").Exists():
			value = []byte(el.Get("sv").String())
		case el.Get("bv").Exists():
			if el.Get("bv").Bool() {
				value = []byte("1")
			} else {
				value = []byte("0")
			}
		case el.Get("ov").Exists():
			raw, err := base64.StdEncoding.DecodeString(el.Get("ov").String())
			if err != nil {
				status = StatusBadRequest
				return false
			}
			value = raw
		case el.Get("v").Exists():
			value = []byte(el.Get("v").Raw)
		default:
			return true // no value entry, skip
		}

		// values arrive as text regardless of the negotiated reader
		savedReader := ctx.reader
		ctx.reader = textFormat
		status = e.writeResource(ctx, rid, value)
		ctx.reader = savedReader
		ctx.Level = baseLevel
		return status == StatusOK
	})
	return status
}

// readResource reads one resource of an instance through its callback
// into buf using the plain-text writer. Used by the RD client to pull
// server URIs out of the security object the same way a peer would.
func (e *Engine) readResource(inst *ObjectInstance, rid uint16, buf []byte) ([]byte, Status) {
	ctx := Context{
		ObjectID:    inst.ObjectID,
		InstanceID:  inst.InstanceID,
		ResourceID:  rid,
		Level:       3,
		Operation:   OpRead,
		Out:         &Buffer{Data: buf},
		ContentType: coap.FormatLwM2MText,
		reader:      textFormat,
		writer:      textFormat,
		engine:      e,
	}
	status := inst.Callback(inst, &ctx)
	return ctx.Out.bytes(), status
}

// ReadResourceString reads a string resource via the object API.
func (e *Engine) ReadResourceString(inst *ObjectInstance, rid uint16) (string, bool) {
	buf := make([]byte, 256)
	out, status := e.readResource(inst, rid, buf)
	if status != StatusOK {
		return "", false
	}
	return string(out), true
}

// ReadResourceBool reads a boolean resource via the object API.
func (e *Engine) ReadResourceBool(inst *ObjectInstance, rid uint16) (bool, bool) {
	buf := make([]byte, 8)
	out, status := e.readResource(inst, rid, buf)
	if status != StatusOK {
		return false, false
	}
	return len(out) > 0 && out[0] == '1', true
}
