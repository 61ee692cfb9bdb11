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

// Registry holds all registered object instances and templates in
// insertion order.
type Registry struct {
	instances []*ObjectInstance
}

// Add registers an instance or template.
func (r *Registry) Add(inst *ObjectInstance) {
	r.instances = append(r.instances, inst)
}

// Remove unregisters an instance. Returns false if it was not present.
func (r *Registry) Remove(inst *ObjectInstance) bool {
	for i, o := range r.instances {
		if o == inst {
			r.instances = append(r.instances[:i], r.instances[i+1:]...)
			return true
		}
	}
	return false
}

// Find returns the concrete instance (oid, iid), or nil.
func (r *Registry) Find(oid, iid uint16) *ObjectInstance {
	for _, o := range r.instances {
		if !o.Template && o.ObjectID == oid && o.InstanceID == iid {
			return o
		}
	}
	return nil
}

// FindTemplate returns the create-dispatch template for oid, or nil.
func (r *Registry) FindTemplate(oid uint16) *ObjectInstance {
	for _, o := range r.instances {
		if o.Template && o.ObjectID == oid {
			return o
		}
	}
	return nil
}

// FirstForObject returns the first concrete instance of oid in
// insertion order, or nil.
func (r *Registry) FirstForObject(oid uint16) *ObjectInstance {
	for _, o := range r.instances {
		if !o.Template && o.ObjectID == oid {
			return o
		}
	}
	return nil
}

// NextForObject returns the next concrete instance of oid after `after`
// in insertion order, or nil.
func (r *Registry) NextForObject(oid uint16, after *ObjectInstance) *ObjectInstance {
	seen := after == nil
	for _, o := range r.instances {
		if o == after {
			seen = true
			continue
		}
		if seen && !o.Template && o.ObjectID == oid {
			return o
		}
	}
	return nil
}

// InstancesOf returns all concrete instances of oid in insertion order.
func (r *Registry) InstancesOf(oid uint16) []*ObjectInstance {
	var out []*ObjectInstance
	for _, o := range r.instances {
		if !o.Template && o.ObjectID == oid {
			out = append(out, o)
		}
	}
	return out
}

// All returns every registry entry in insertion order. The returned
// slice must not be mutated.
func (r *Registry) All() []*ObjectInstance {
	return r.instances
}

// RecommendInstanceID picks an instance ID for a new instance of oid:
// 0 when none exist, one below the minimum while it is above zero, and
// one above the maximum otherwise. Going downward first avoids reusing
// the ID of a recently deleted instance.
func (r *Registry) RecommendInstanceID(oid uint16) uint16 {
	minID := uint16(0xffff)
	maxID := uint16(0)
	found := false
	for _, o := range r.instances {
		if o.Template || o.ObjectID != oid {
			continue
		}
		found = true
		if o.InstanceID > maxID {
			maxID = o.InstanceID
		}
		if o.InstanceID < minID {
			minID = o.InstanceID
		}
	}
	if !found {
		return 0
	}
	if minID > 0 {
		return minID - 1
	}
	return maxID + 1
}
