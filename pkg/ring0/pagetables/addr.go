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

package pagetables

import "github.com/InfiniteCoder01/SATAN/pkg/arch"

// Indices returns the directory and table indices for v. Both are always in
// [0, arch.EntriesPerTable).
func Indices(v arch.VirtAddr) (dir, table uint32) {
	dir = uint32(v) / arch.TableSpan
	table = (uint32(v) % arch.TableSpan) / arch.PageSize
	return
}

// Decompose resolves v against the directory at root. It returns the
// physical address of the directory entry and the byte offset of the leaf
// entry inside whatever table that directory entry references.
func Decompose(root arch.PhysAddr, v arch.VirtAddr) (pdeAddr arch.PhysAddr, pteOffset uint32) {
	dir, table := Indices(v)
	return root + arch.PhysAddr(dir*arch.EntrySize), table * arch.EntrySize
}

// PageOffset returns the offset of v within its page.
func PageOffset(v arch.VirtAddr) uint32 {
	return v.PageOffset()
}

// Address is either kind of address.
type Address interface {
	~uint32
}

// IsAligned returns true iff addr is a multiple of the page size.
func IsAligned[A Address](addr A) bool {
	return addr&(arch.PageSize-1) == 0
}
