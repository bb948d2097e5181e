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

import (
	"fmt"
	"strings"

	"github.com/InfiniteCoder01/SATAN/pkg/arch"
)

// PTEFlags are the hardware control bits of an entry (bits 11..0).
type PTEFlags uint32

// Bits in page directory and page table entries.
const (
	present      PTEFlags = 0x001
	writable     PTEFlags = 0x002
	user         PTEFlags = 0x004
	writeThrough PTEFlags = 0x008
	cacheDisable PTEFlags = 0x010
	accessed     PTEFlags = 0x020
	dirty        PTEFlags = 0x040
	super        PTEFlags = 0x080
	optionMask   PTEFlags = 0xfff
)

// addressMask selects the page frame address of an entry.
const addressMask = 0xfffff000

// BootBits are the control bits of every entry written by New: the hardware
// minimum for a directory entry, and a supervisor read-write identity page.
const BootBits = present | writable

// PTE is a page directory or page table entry.
type PTE uint32

// MakePTE returns an entry referencing addr with the given control bits.
// addr must be page aligned.
func MakePTE(addr arch.PhysAddr, bits PTEFlags) PTE {
	return PTE(uint32(addr)&addressMask | uint32(bits&optionMask))
}

// Present returns true iff the entry is present.
func (p PTE) Present() bool {
	return PTEFlags(p)&present != 0
}

// Writeable returns true iff the entry allows writes.
func (p PTE) Writeable() bool {
	return PTEFlags(p)&writable != 0
}

// User returns true iff the entry is accessible from user mode.
func (p PTE) User() bool {
	return PTEFlags(p)&user != 0
}

// WriteThrough returns true iff the entry is write-through cached.
func (p PTE) WriteThrough() bool {
	return PTEFlags(p)&writeThrough != 0
}

// CacheDisabled returns true iff caching is disabled for the entry.
func (p PTE) CacheDisabled() bool {
	return PTEFlags(p)&cacheDisable != 0
}

// Accessed returns true iff the accessed bit is set.
func (p PTE) Accessed() bool {
	return PTEFlags(p)&accessed != 0
}

// Dirty returns true iff the dirty bit is set.
func (p PTE) Dirty() bool {
	return PTEFlags(p)&dirty != 0
}

// Super returns true iff a directory entry maps a large page.
func (p PTE) Super() bool {
	return PTEFlags(p)&super != 0
}

// Address returns the physical address referenced by the entry.
func (p PTE) Address() arch.PhysAddr {
	return arch.PhysAddr(uint32(p) & addressMask)
}

// Bits returns the control bits of the entry.
func (p PTE) Bits() PTEFlags {
	return PTEFlags(p) & optionMask
}

// Flags converts the entry back to portable flags.
func (p PTE) Flags() Flags {
	var f Flags
	if p.Present() {
		f |= Present
	}
	if p.Writeable() {
		f |= Writeable
	}
	if !p.User() {
		f |= Protected
	}
	if p.CacheDisabled() {
		f |= DisableCache
	}
	return f
}

// String implements fmt.Stringer.String.
func (p PTE) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v ", p.Address())
	for _, bit := range []struct {
		set bool
		c   byte
	}{
		{p.Super(), 'S'},
		{p.Dirty(), 'D'},
		{p.Accessed(), 'A'},
		{p.CacheDisabled(), 'C'},
		{p.WriteThrough(), 'T'},
		{p.User(), 'U'},
		{p.Writeable(), 'W'},
		{p.Present(), 'P'},
	} {
		if bit.set {
			b.WriteByte(bit.c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// PTEs is a collection of entries: a page directory or a page table.
type PTEs [arch.EntriesPerTable]PTE

// marshal encodes the entries in their in-memory layout.
func (t *PTEs) marshal(dst []byte) {
	for i, e := range t {
		arch.ByteOrder.PutUint32(dst[i*arch.EntrySize:], uint32(e))
	}
}

// unmarshal decodes entries from their in-memory layout.
func (t *PTEs) unmarshal(src []byte) {
	for i := range t {
		t[i] = PTE(arch.ByteOrder.Uint32(src[i*arch.EntrySize:]))
	}
}
