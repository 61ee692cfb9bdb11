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

// MaxServerInstances bounds the number of server accounts.
const MaxServerInstances = 4

var serverResources = []ResourceID{
	ReadOnly(ServerShortServerIDID),
	ReadWrite(ServerLifetimeID),
}

// ServerInstance is one LWM2M server account (object 1).
type ServerInstance struct {
	ObjectInstance

	ShortServerID int64
	Lifetime      int64
}

// ServerObject owns the server instances and the create template.
type ServerObject struct {
	engine    *Engine
	instances []*ServerInstance
	template  ObjectInstance
}

// RegisterServerObject installs the server object (oid 1) with a
// create template so servers can be created by write.
func RegisterServerObject(e *Engine) *ServerObject {
	o := &ServerObject{engine: e}
	o.template = ObjectInstance{
		ObjectID:  ObjectServerID,
		Template:  true,
		Resources: serverResources,
	}
	o.template.Callback = o.templateCallback
	e.Add(&o.template)
	return o
}

// AddInstance provisions a server account programmatically.
func (o *ServerObject) AddInstance(iid uint16, shortID, lifetime int64) *ServerInstance {
	inst := o.create(iid)
	if inst == nil {
		return nil
	}
	inst.ShortServerID = shortID
	inst.Lifetime = lifetime
	return inst
}

func (o *ServerObject) create(iid uint16) *ServerInstance {
	for _, s := range o.instances {
		if s.InstanceID == iid {
			return nil
		}
	}
	if len(o.instances) >= MaxServerInstances {
		return nil
	}
	inst := &ServerInstance{}
	inst.ObjectID = ObjectServerID
	inst.InstanceID = iid
	inst.Resources = serverResources
	inst.Callback = o.instanceCallback
	inst.UserData = inst
	o.instances = append(o.instances, inst)
	o.engine.Add(&inst.ObjectInstance)
	return inst
}

func (o *ServerObject) remove(s *ServerInstance) {
	for i, other := range o.instances {
		if other == s {
			o.instances = append(o.instances[:i], o.instances[i+1:]...)
			break
		}
	}
	o.engine.Remove(&s.ObjectInstance)
}

func (o *ServerObject) templateCallback(inst *ObjectInstance, ctx *Context) Status {
	if ctx.Operation != OpCreate {
		return StatusOperationNotAllowed
	}
	if o.create(ctx.InstanceID) == nil {
		return StatusServiceUnavailable
	}
	return StatusOK
}

func (o *ServerObject) instanceCallback(inst *ObjectInstance, ctx *Context) Status {
	s := inst.UserData.(*ServerInstance)
	switch ctx.Operation {
	case OpWrite:
		switch ctx.ResourceID {
		case ServerShortServerIDID:
			v, err := ctx.ReadInt()
			if err != nil {
				return StatusBadRequest
			}
			s.ShortServerID = v
		case ServerLifetimeID:
			v, err := ctx.ReadInt()
			if err != nil {
				return StatusBadRequest
			}
			s.Lifetime = v
		default:
			return StatusNotFound
		}
		return StatusOK
	case OpRead:
		switch ctx.ResourceID {
		case ServerShortServerIDID:
			return writeOK(ctx.WriteInt(s.ShortServerID))
		case ServerLifetimeID:
			return writeOK(ctx.WriteInt(s.Lifetime))
		}
		return StatusNotFound
	case OpDelete:
		o.remove(s)
		return StatusOK
	}
	return StatusOperationNotAllowed
}
