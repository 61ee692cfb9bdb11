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

// MaxSecurityInstances bounds how many security instances a bootstrap
// server may provision.
const MaxSecurityInstances = 4

var securityResources = []ResourceID{
	ReadWrite(SecurityServerURIID),
	ReadWrite(SecurityBootstrapID),
	ReadWrite(SecurityModeID),
	ReadWrite(SecurityClientPKIID),
	ReadWrite(SecurityServerPKIID),
	ReadWrite(SecurityKeyID),
	ReadWrite(SecurityShortServerIDID),
}

// SecurityInstance is one provisioned server account (object 0).
type SecurityInstance struct {
	ObjectInstance

	ServerURI     string
	Bootstrap     bool
	SecurityMode  int64
	PublicKey     []byte
	ServerPKI     []byte
	SecretKey     []byte
	ShortServerID int64
}

// SecurityObject owns the security instances and the create template.
type SecurityObject struct {
	engine    *Engine
	instances []*SecurityInstance
	template  ObjectInstance
}

// RegisterSecurityObject installs the security object (oid 0) with a
// create template so bootstrap can provision instances.
func RegisterSecurityObject(e *Engine) *SecurityObject {
	o := &SecurityObject{engine: e}
	o.template = ObjectInstance{
		ObjectID:  ObjectSecurityID,
		Template:  true,
		Resources: securityResources,
	}
	o.template.Callback = o.templateCallback
	e.Add(&o.template)
	return o
}

// AddInstance provisions a security instance programmatically (for
// clients configured without bootstrap).
func (o *SecurityObject) AddInstance(iid uint16, serverURI string, bootstrap bool) *SecurityInstance {
	inst := o.create(iid)
	if inst == nil {
		return nil
	}
	inst.ServerURI = serverURI
	inst.Bootstrap = bootstrap
	inst.SecurityMode = SecurityModeNoSec
	return inst
}

// Instances returns the provisioned security instances.
func (o *SecurityObject) Instances() []*SecurityInstance {
	return o.instances
}

func (o *SecurityObject) create(iid uint16) *SecurityInstance {
	for _, s := range o.instances {
		if s.InstanceID == iid {
			return nil
		}
	}
	if len(o.instances) >= MaxSecurityInstances {
		return nil
	}
	inst := &SecurityInstance{}
	inst.ObjectID = ObjectSecurityID
	inst.InstanceID = iid
	inst.Resources = securityResources
	inst.Callback = o.instanceCallback
	inst.UserData = inst
	o.instances = append(o.instances, inst)
	o.engine.Add(&inst.ObjectInstance)
	return inst
}

func (o *SecurityObject) remove(s *SecurityInstance) {
	for i, other := range o.instances {
		if other == s {
			o.instances = append(o.instances[:i], o.instances[i+1:]...)
			break
		}
	}
	o.engine.Remove(&s.ObjectInstance)
}

func (o *SecurityObject) templateCallback(inst *ObjectInstance, ctx *Context) Status {
	if ctx.Operation != OpCreate {
		return StatusOperationNotAllowed
	}
	if o.create(ctx.InstanceID) == nil {
		return StatusServiceUnavailable
	}
	return StatusOK
}

func (o *SecurityObject) instanceCallback(inst *ObjectInstance, ctx *Context) Status {
	s := inst.UserData.(*SecurityInstance)
	switch ctx.Operation {
	case OpWrite:
		switch ctx.ResourceID {
		case SecurityServerURIID:
			v, err := ctx.ReadString()
			if err != nil {
				return StatusBadRequest
			}
			s.ServerURI = v
		case SecurityBootstrapID:
			v, err := ctx.ReadBool()
			if err != nil {
				return StatusBadRequest
			}
			s.Bootstrap = v
		case SecurityModeID:
			v, err := ctx.ReadInt()
			if err != nil {
				return StatusBadRequest
			}
			s.SecurityMode = v
		case SecurityClientPKIID:
			v, err := ctx.ReadOpaque()
			if err != nil {
				return StatusBadRequest
			}
			s.PublicKey = append([]byte(nil), v...)
		case SecurityServerPKIID:
			v, err := ctx.ReadOpaque()
			if err != nil {
				return StatusBadRequest
			}
			s.ServerPKI = append([]byte(nil), v...)
		case SecurityKeyID:
			v, err := ctx.ReadOpaque()
			if err != nil {
				return StatusBadRequest
			}
			s.SecretKey = append([]byte(nil), v...)
		case SecurityShortServerIDID:
			v, err := ctx.ReadInt()
			if err != nil {
				return StatusBadRequest
			}
			s.ShortServerID = v
		default:
			return StatusNotFound
		}
		return StatusOK
	case OpRead:
		switch ctx.ResourceID {
		case SecurityServerURIID:
			return writeOK(ctx.WriteString(s.ServerURI))
		case SecurityBootstrapID:
			return writeOK(ctx.WriteBool(s.Bootstrap))
		case SecurityModeID:
			return writeOK(ctx.WriteInt(s.SecurityMode))
		case SecurityClientPKIID:
			return writeOK(ctx.WriteOpaque(s.PublicKey))
		case SecurityServerPKIID:
			return writeOK(ctx.WriteOpaque(s.ServerPKI))
		case SecurityKeyID:
			return writeOK(ctx.WriteOpaque(s.SecretKey))
		case SecurityShortServerIDID:
			return writeOK(ctx.WriteInt(s.ShortServerID))
		}
		return StatusNotFound
	case OpDelete:
		o.remove(s)
		return StatusOK
	}
	return StatusOperationNotAllowed
}

func writeOK(err error) Status {
	if err != nil {
		return StatusError
	}
	return StatusOK
}
