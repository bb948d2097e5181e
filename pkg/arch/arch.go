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

// Package arch describes the address-space geometry of the 32-bit x86 target:
// page size, table geometry and the address types used by the paging code.
package arch

import (
	"encoding/binary"
	"fmt"
)

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the size of a page in bytes.
	PageSize = 1 << PageShift

	// EntriesPerTable is the number of entries in both the page directory
	// and each page table.
	EntriesPerTable = 1024

	// EntrySize is the size in bytes of a single directory or table entry.
	EntrySize = 4

	// TableSize is the size in bytes of a directory or a page table.
	TableSize = EntriesPerTable * EntrySize

	// TableSpan is the amount of address space covered by one page table,
	// i.e. by one directory entry.
	TableSpan = EntriesPerTable * PageSize

	// AddressSpaceSize is the amount of address space covered by one
	// translation structure.
	AddressSpaceSize = uint64(EntriesPerTable) * TableSpan
)

// ByteOrder is the byte order of the target.
var ByteOrder = binary.LittleEndian

// VirtAddr is a virtual address.
type VirtAddr uint32

// PhysAddr is a physical address.
type PhysAddr uint32

// IsPageAligned returns true if v is aligned to a page boundary.
func (v VirtAddr) IsPageAligned() bool {
	return v&(PageSize-1) == 0
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v VirtAddr) RoundDown() VirtAddr {
	return v &^ (PageSize - 1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v VirtAddr) RoundUp() (addr VirtAddr, ok bool) {
	addr = VirtAddr(v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// PageOffset returns the offset of v into its page.
func (v VirtAddr) PageOffset() uint32 {
	return uint32(v & (PageSize - 1))
}

// String implements fmt.Stringer.String.
func (v VirtAddr) String() string {
	return fmt.Sprintf("%#08x", uint32(v))
}

// IsPageAligned returns true if p is aligned to a page boundary.
func (p PhysAddr) IsPageAligned() bool {
	return p&(PageSize-1) == 0
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (p PhysAddr) RoundDown() PhysAddr {
	return p &^ (PageSize - 1)
}

// Frame returns the physical frame number containing p.
func (p PhysAddr) Frame() uint32 {
	return uint32(p) >> PageShift
}

// String implements fmt.Stringer.String.
func (p PhysAddr) String() string {
	return fmt.Sprintf("%#08x", uint32(p))
}

// AccessType specifies the kind of memory access performed.
type AccessType struct {
	// Read is read access.
	Read bool

	// Write is write access.
	Write bool

	// Execute is executable access.
	Execute bool
}

// Commonly used access types.
var (
	Read      = AccessType{Read: true}
	Write     = AccessType{Write: true}
	Execute   = AccessType{Execute: true}
	ReadWrite = AccessType{Read: true, Write: true}
)

// String implements fmt.Stringer.String.
func (a AccessType) String() string {
	bits := [3]byte{'-', '-', '-'}
	if a.Read {
		bits[0] = 'r'
	}
	if a.Write {
		bits[1] = 'w'
	}
	if a.Execute {
		bits[2] = 'x'
	}
	return string(bits[:])
}
