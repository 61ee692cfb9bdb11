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
	"fmt"
	"strings"
)

// linkTriple renders one discover fragment: "</oid/iid/rid>" with an
// optional ";dim=N" attribute and a leading comma between fragments.
func linkTriple(first bool, oid, iid, rid uint16, dim int) string {
	var b strings.Builder
	if !first {
		b.WriteByte(',')
	}
	fmt.Fprintf(&b, "</%d/%d/%d>", oid, iid, rid)
	if dim > 0 {
		fmt.Fprintf(&b, ";dim=%d", dim)
	}
	return b.String()
}

// RegistrationPayload enumerates the registry as a link-format list for
// the RD registration POST: "</oid/iid>,</oid/iid>,...". Templates
// advertise the bare object: "</oid>".
func RegistrationPayload(reg *Registry) []byte {
	var b strings.Builder
	for i, inst := range reg.All() {
		if i > 0 {
			b.WriteByte(',')
		}
		if inst.Template {
			fmt.Fprintf(&b, "</%d>", inst.ObjectID)
		} else {
			fmt.Fprintf(&b, "</%d/%d>", inst.ObjectID, inst.InstanceID)
		}
	}
	return []byte(b.String())
}
