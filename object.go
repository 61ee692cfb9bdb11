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

// Package lwm2m implements an OMA Lightweight M2M client: the object
// model, multi-format codecs (TLV, JSON, SenML-CBOR, plain text, link
// format), the request dispatcher and the registration (RD) client, on
// top of the coap message engine.
package lwm2m

import "github.com/tinym2m/lwm2m/coap"

// Standard LWM2M object IDs.
const (
	ObjectSecurityID               uint16 = 0
	ObjectServerID                 uint16 = 1
	ObjectAccessControlID          uint16 = 2
	ObjectDeviceID                 uint16 = 3
	ObjectConnectivityMonitoringID uint16 = 4
	ObjectFirmwareID               uint16 = 5
	ObjectLocationID               uint16 = 6
	ObjectConnectivityStatsID      uint16 = 7
)

// Security object resource IDs.
const (
	SecurityServerURIID     uint16 = 0
	SecurityBootstrapID     uint16 = 1
	SecurityModeID          uint16 = 2
	SecurityClientPKIID     uint16 = 3
	SecurityServerPKIID     uint16 = 4
	SecurityKeyID           uint16 = 5
	SecurityShortServerIDID uint16 = 10
)

// Server object resource IDs.
const (
	ServerShortServerIDID uint16 = 0
	ServerLifetimeID      uint16 = 1
)

// Device object resource IDs.
const (
	DeviceManufacturerID    uint16 = 0
	DeviceModelNumberID     uint16 = 1
	DeviceSerialNumberID    uint16 = 2
	DeviceFirmwareVersionID uint16 = 3
	DeviceRebootID          uint16 = 4
	DeviceFactoryDefaultID  uint16 = 5
	DeviceTimeID            uint16 = 13
	DeviceTypeID            uint16 = 17
)

// Security modes (resource 0/x/2).
const (
	SecurityModePSK         = 0
	SecurityModeRPK         = 1
	SecurityModeCertificate = 2
	SecurityModeNoSec       = 3
)

// Status is the object callback result; the dispatcher maps it to a
// CoAP code exactly once.
type Status uint8

const (
	StatusOK Status = iota
	StatusError
	StatusBadRequest
	StatusUnsupportedFormat
	StatusNotFound
	StatusOperationNotAllowed
	StatusServiceUnavailable
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBadRequest:
		return "bad request"
	case StatusUnsupportedFormat:
		return "unsupported format"
	case StatusNotFound:
		return "not found"
	case StatusOperationNotAllowed:
		return "operation not allowed"
	case StatusServiceUnavailable:
		return "service unavailable"
	}
	return "error"
}

// Code maps the status to its CoAP response code.
func (s Status) Code() coap.Code {
	switch s {
	case StatusOK:
		return coap.Changed
	case StatusBadRequest:
		return coap.BadRequest
	case StatusUnsupportedFormat:
		return coap.UnsupportedContentFormat
	case StatusNotFound:
		return coap.NotFound
	case StatusOperationNotAllowed:
		return coap.MethodNotAllowed
	case StatusServiceUnavailable:
		return coap.ServiceUnavailable
	}
	return coap.InternalServerError
}

// Operation is the LWM2M operation resolved from the request method.
type Operation int

const (
	OpNone Operation = iota
	OpRead
	OpDiscover
	OpWrite
	OpWriteAttr
	OpExecute
	OpCreate
	OpDelete
)

// ResourceID carries a 16-bit resource ID plus access flag bits.
type ResourceID uint32

const (
	ResourceRead    ResourceID = 1 << 16
	ResourceWrite   ResourceID = 1 << 17
	ResourceExecute ResourceID = 1 << 18
)

// ReadOnly declares a readable resource.
func ReadOnly(id uint16) ResourceID { return ResourceID(id) | ResourceRead }

// WriteOnly declares a writable resource.
func WriteOnly(id uint16) ResourceID { return ResourceID(id) | ResourceWrite }

// ReadWrite declares a readable and writable resource.
func ReadWrite(id uint16) ResourceID {
	return ResourceID(id) | ResourceRead | ResourceWrite
}

// Executable declares an executable resource.
func Executable(id uint16) ResourceID { return ResourceID(id) | ResourceExecute }

// ID returns the bare resource ID.
func (r ResourceID) ID() uint16 { return uint16(r) }

// Readable reports whether the resource can be read.
func (r ResourceID) Readable() bool { return r&ResourceRead != 0 }

// Writable reports whether the resource can be written.
func (r ResourceID) Writable() bool { return r&ResourceWrite != 0 }

// IsExecutable reports whether the resource can be executed.
func (r ResourceID) IsExecutable() bool { return r&ResourceExecute != 0 }

// Callback handles every operation on an object instance. The operation
// and addressing are in ctx; values move through the ctx read/write
// helpers.
type Callback func(inst *ObjectInstance, ctx *Context) Status

// DimCallback reports the dimension of a multi-instance resource for
// discovery output, or 0.
type DimCallback func(inst *ObjectInstance, rid uint16) int

// OpaqueCallback streams a large opaque value one block at a time. It
// must keep WriterHasMore set in ctx until the final block.
type OpaqueCallback func(inst *ObjectInstance, ctx *Context, numToWrite int) Status

// ObjectInstance is one registry entry: either a concrete instance, or
// a template entry (Template true) used for create-dispatch. A template
// receives OpCreate callbacks with the requested instance ID in ctx.
type ObjectInstance struct {
	ObjectID   uint16
	InstanceID uint16
	Template   bool

	Resources   []ResourceID
	Callback    Callback
	DimCallback DimCallback
	UserData    interface{}
}

func (o *ObjectInstance) resource(rid uint16) (ResourceID, bool) {
	for _, r := range o.Resources {
		if r.ID() == rid {
			return r, true
		}
	}
	return 0, false
}

// Writable reports whether the instance declares rid writable.
func (o *ObjectInstance) Writable(rid uint16) bool {
	r, ok := o.resource(rid)
	return ok && r.Writable()
}
