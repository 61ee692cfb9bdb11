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

// DeviceConfig carries the static identity the device object reports.
type DeviceConfig struct {
	Manufacturer    string
	ModelNumber     string
	SerialNumber    string
	FirmwareVersion string
	DeviceType      string

	// OnReboot is invoked when a server executes /3/0/4. Optional.
	OnReboot func()
}

// DeviceObject is the single-instance device object (oid 3, iid 0).
type DeviceObject struct {
	engine *Engine
	cfg    DeviceConfig
	inst   ObjectInstance

	// offset between the server-set wall time and the local uptime
	// clock, in seconds
	timeOffset int64
}

// RegisterDeviceObject installs the device object.
func RegisterDeviceObject(e *Engine, cfg DeviceConfig) *DeviceObject {
	o := &DeviceObject{engine: e, cfg: cfg}
	o.inst = ObjectInstance{
		ObjectID:   ObjectDeviceID,
		InstanceID: 0,
		Resources: []ResourceID{
			ReadOnly(DeviceManufacturerID),
			ReadOnly(DeviceModelNumberID),
			ReadOnly(DeviceSerialNumberID),
			ReadOnly(DeviceFirmwareVersionID),
			Executable(DeviceRebootID),
			ReadWrite(DeviceTimeID),
			ReadOnly(DeviceTypeID),
		},
	}
	o.inst.Callback = o.callback
	o.inst.UserData = o
	e.Add(&o.inst)
	return o
}

// Instance returns the registered object instance.
func (o *DeviceObject) Instance() *ObjectInstance { return &o.inst }

// Time returns the device's current time in seconds, as resource 13
// reports it.
func (o *DeviceObject) Time() int64 {
	return int64(o.engine.CoAP().Wheel().Seconds()) + o.timeOffset
}

// NotifyTimeChanged pushes the current time to observers of /3/0/13.
func (o *DeviceObject) NotifyTimeChanged() {
	o.engine.NotifyObservers(&o.inst, DeviceTimeID)
}

func (o *DeviceObject) callback(inst *ObjectInstance, ctx *Context) Status {
	switch ctx.Operation {
	case OpRead:
		switch ctx.ResourceID {
		case DeviceManufacturerID:
			return writeOK(ctx.WriteString(o.cfg.Manufacturer))
		case DeviceModelNumberID:
			return writeOK(ctx.WriteString(o.cfg.ModelNumber))
		case DeviceSerialNumberID:
			return writeOK(ctx.WriteString(o.cfg.SerialNumber))
		case DeviceFirmwareVersionID:
			return writeOK(ctx.WriteString(o.cfg.FirmwareVersion))
		case DeviceTimeID:
			return writeOK(ctx.WriteInt(o.Time()))
		case DeviceTypeID:
			return writeOK(ctx.WriteString(o.cfg.DeviceType))
		}
		return StatusNotFound
	case OpWrite:
		if ctx.ResourceID != DeviceTimeID {
			return StatusOperationNotAllowed
		}
		v, err := ctx.ReadInt()
		if err != nil {
			return StatusBadRequest
		}
		o.timeOffset = v - int64(o.engine.CoAP().Wheel().Seconds())
		return StatusOK
	case OpExecute:
		if ctx.ResourceID != DeviceRebootID {
			return StatusOperationNotAllowed
		}
		if o.cfg.OnReboot != nil {
			o.cfg.OnReboot()
		}
		return StatusOK
	}
	return StatusOperationNotAllowed
}
