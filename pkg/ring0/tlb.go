// Copyright 2024 The gVisor Authors.
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

package ring0

import "github.com/InfiniteCoder01/SATAN/pkg/arch"

// tlbEntry is a cached translation. Permissions are the combination of both
// levels of the walk.
type tlbEntry struct {
	frame     arch.PhysAddr
	writeable bool
	user      bool
}

// tlb maps virtual page numbers to translations. Only present translations
// are ever cached.
type tlb map[uint32]tlbEntry

func (t tlb) lookup(v arch.VirtAddr) (tlbEntry, bool) {
	e, ok := t[uint32(v)>>arch.PageShift]
	return e, ok
}

func (t tlb) insert(v arch.VirtAddr, e tlbEntry) {
	t[uint32(v)>>arch.PageShift] = e
}

func (t tlb) invalidate(v arch.VirtAddr) {
	delete(t, uint32(v)>>arch.PageShift)
}
