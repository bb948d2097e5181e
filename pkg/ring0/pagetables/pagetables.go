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

// Package pagetables provides a generic implementation of pagetables.
//
// The structure is the two-level i386 format: a page directory of 1024
// entries, each referencing a page table of 1024 entries, covering the whole
// 32-bit address space with 4K pages. Tables live in physical memory and are
// accessed only through the Memory interface, so the encoding seen here is
// exactly the encoding walked by the MMU.
package pagetables

import (
	"fmt"
	"time"

	"github.com/InfiniteCoder01/SATAN/pkg/arch"
	"github.com/InfiniteCoder01/SATAN/pkg/cleanup"
	"github.com/InfiniteCoder01/SATAN/pkg/errors/kerr"
	"github.com/InfiniteCoder01/SATAN/pkg/log"
	"github.com/InfiniteCoder01/SATAN/pkg/metric"
)

// Memory is physical memory.
type Memory interface {
	// Read copies len(dst) bytes from addr.
	Read(addr arch.PhysAddr, dst []byte) error

	// Write copies src to addr.
	Write(addr arch.PhysAddr, src []byte) error

	// Load32 reads the word at addr.
	Load32(addr arch.PhysAddr) (uint32, error)

	// Store32 writes the word at addr.
	Store32(addr arch.PhysAddr, v uint32) error
}

// Allocator provides the physical blocks backing a structure.
type Allocator interface {
	// Alloc returns a page aligned block of at least size bytes.
	Alloc(size uint32) (arch.PhysAddr, error)

	// Free releases a block returned by Alloc.
	Free(addr arch.PhysAddr) error
}

// Controller toggles address translation around edits.
type Controller interface {
	// DisablePaging turns translation off.
	DisablePaging()

	// EnablePaging turns translation on.
	EnablePaging()
}

var (
	mappingsSet     = metric.MustCreateNewUint64Metric("/paging/mappings_set", "Number of page table entries written by Set.")
	mappingsCleared = metric.MustCreateNewUint64Metric("/paging/mappings_cleared", "Number of page table entries cleared by Unmap.")
	mappingFails    = metric.MustCreateNewUint64Metric("/paging/mapping_failures", "Number of rejected Set and Unmap calls.",
		metric.NewField("reason", "misaligned", "invalid_flags", "not_mapped", "fault"))
)

// unenforcedWarning is rate limited since callers commonly pass Executable on
// every code page.
var unenforcedWarning = log.BasicRateLimitedLogger(time.Minute)

// PageTables is a two-level translation structure.
type PageTables struct {
	mem   Memory
	alloc Allocator
	ctl   Controller

	// root is the physical address of the page directory.
	root arch.PhysAddr
}

// New returns a new structure covering the whole address space with a
// writeable identity map.
//
// The directory and all 1024 tables are allocated from a. If any allocation
// fails the blocks already obtained are released and the allocator's error is
// returned.
func New(m Memory, a Allocator, c Controller) (*PageTables, error) {
	var cu cleanup.Cleanup
	defer cu.Clean()
	allocTable := func() (arch.PhysAddr, error) {
		addr, err := a.Alloc(arch.TableSize)
		if err != nil {
			return 0, err
		}
		cu.Add(func() {
			if err := a.Free(addr); err != nil {
				log.Warningf("pagetables: releasing %v: %v", addr, err)
			}
		})
		if !IsAligned(addr) {
			return 0, fmt.Errorf("allocator returned misaligned table %v: %w", addr, kerr.EINVAL)
		}
		return addr, nil
	}

	root, err := allocTable()
	if err != nil {
		return nil, err
	}

	var (
		dir   PTEs
		table PTEs
		buf   [arch.TableSize]byte
	)
	for d := range dir {
		addr, err := allocTable()
		if err != nil {
			return nil, err
		}
		base := arch.PhysAddr(uint32(d) * arch.TableSpan)
		for t := range table {
			table[t] = MakePTE(base+arch.PhysAddr(uint32(t)*arch.PageSize), BootBits)
		}
		table.marshal(buf[:])
		if err := m.Write(addr, buf[:]); err != nil {
			return nil, fmt.Errorf("writing table %d at %v: %w", d, addr, err)
		}
		dir[d] = MakePTE(addr, BootBits)
	}
	dir.marshal(buf[:])
	if err := m.Write(root, buf[:]); err != nil {
		return nil, fmt.Errorf("writing directory at %v: %w", root, err)
	}

	cu.Release()
	log.Debugf("pagetables: built identity map, directory at %v", root)
	return &PageTables{mem: m, alloc: a, ctl: c, root: root}, nil
}

// Attach returns a structure for an existing directory at root, as built by
// New in the same memory.
func Attach(m Memory, a Allocator, c Controller, root arch.PhysAddr) (*PageTables, error) {
	if !IsAligned(root) {
		return nil, fmt.Errorf("directory %v: %w", root, kerr.EINVAL)
	}
	if _, err := m.Load32(root); err != nil {
		return nil, fmt.Errorf("directory %v: %w", root, err)
	}
	return &PageTables{mem: m, alloc: a, ctl: c, root: root}, nil
}

// Root returns the physical address of the page directory. This is the value
// loaded into CR3 to install the structure.
func (p *PageTables) Root() arch.PhysAddr {
	return p.root
}

// Set maps the page at v to the frame at phys.
//
// Both addresses must be page aligned and f must be a subset of AllFlags;
// otherwise EINVAL is returned and neither the structure nor the controller
// is touched. The same holds, with EFAULT, when the directory entry covering v
// is not present. The entry write is bracketed by DisablePaging and
// EnablePaging.
//
// Set does not invalidate any cached translation of v. Callers that need the
// new entry to be observed must flush it themselves.
func (p *PageTables) Set(v arch.VirtAddr, phys arch.PhysAddr, f Flags) error {
	if !IsAligned(v) || !IsAligned(phys) {
		mappingFails.Increment("misaligned")
		return fmt.Errorf("mapping %v to %v: misaligned address: %w", v, phys, kerr.EINVAL)
	}
	hw, err := ConvertFlags(f)
	if err != nil {
		mappingFails.Increment("invalid_flags")
		return fmt.Errorf("mapping %v to %v: %w", v, phys, err)
	}
	if u := f.Unenforced(); u != 0 {
		unenforcedWarning.Warningf("pagetables: flags %v are not enforced, mapping %v anyway", u, v)
	}

	addr, err := p.leaf(v)
	if err != nil {
		mappingFails.Increment("fault")
		return fmt.Errorf("mapping %v to %v: %w", v, phys, err)
	}

	p.ctl.DisablePaging()
	err = p.mem.Store32(addr, uint32(MakePTE(phys, hw)))
	p.ctl.EnablePaging()

	if err != nil {
		mappingFails.Increment("fault")
		return fmt.Errorf("mapping %v to %v: %w", v, phys, err)
	}
	mappingsSet.Increment()
	return nil
}

// Unmap clears the leaf entry for the page at v.
//
// v must be page aligned, otherwise EINVAL is returned. If v is not mapped,
// EFAULT is returned. In both cases neither the structure nor the controller
// is touched. Like Set, the write is bracketed by DisablePaging and
// EnablePaging and no cached translation of v is invalidated.
func (p *PageTables) Unmap(v arch.VirtAddr) error {
	if !IsAligned(v) {
		mappingFails.Increment("misaligned")
		return fmt.Errorf("unmapping %v: misaligned address: %w", v, kerr.EINVAL)
	}
	addr, err := p.leaf(v)
	if err != nil {
		mappingFails.Increment("not_mapped")
		return fmt.Errorf("unmapping %v: %w", v, err)
	}
	e, err := p.mem.Load32(addr)
	if err != nil {
		mappingFails.Increment("fault")
		return fmt.Errorf("unmapping %v: %w", v, err)
	}
	if !PTE(e).Present() {
		mappingFails.Increment("not_mapped")
		return fmt.Errorf("unmapping %v: not mapped: %w", v, kerr.EFAULT)
	}

	p.ctl.DisablePaging()
	err = p.mem.Store32(addr, 0)
	p.ctl.EnablePaging()

	if err != nil {
		mappingFails.Increment("fault")
		return fmt.Errorf("unmapping %v: %w", v, err)
	}
	mappingsCleared.Increment()
	return nil
}

// leaf returns the physical address of the leaf entry for v. It fails with
// EFAULT if the directory entry covering v is not present.
func (p *PageTables) leaf(v arch.VirtAddr) (arch.PhysAddr, error) {
	pdeAddr, pteOffset := Decompose(p.root, v)
	pde, err := p.mem.Load32(pdeAddr)
	if err != nil {
		return 0, err
	}
	if !PTE(pde).Present() {
		return 0, fmt.Errorf("directory entry for %v not present: %w", v, kerr.EFAULT)
	}
	return PTE(pde).Address() + arch.PhysAddr(pteOffset), nil
}

// Directory returns directory entry d.
func (p *PageTables) Directory(d uint32) (PTE, error) {
	if d >= arch.EntriesPerTable {
		return 0, fmt.Errorf("directory index %d: %w", d, kerr.EINVAL)
	}
	v, err := p.mem.Load32(p.root + arch.PhysAddr(d*arch.EntrySize))
	return PTE(v), err
}

// Table returns the page table referenced by directory entry d. It fails with
// EFAULT if the directory entry is not present.
func (p *PageTables) Table(d uint32) (*PTEs, error) {
	pde, err := p.Directory(d)
	if err != nil {
		return nil, err
	}
	if !pde.Present() {
		return nil, fmt.Errorf("directory entry %d not present: %w", d, kerr.EFAULT)
	}
	var buf [arch.TableSize]byte
	if err := p.mem.Read(pde.Address(), buf[:]); err != nil {
		return nil, err
	}
	t := new(PTEs)
	t.unmarshal(buf[:])
	return t, nil
}

// Lookup returns the leaf entry for v. It fails with EFAULT if the directory
// entry covering v is not present. The leaf itself may be non-present.
func (p *PageTables) Lookup(v arch.VirtAddr) (PTE, error) {
	addr, err := p.leaf(v)
	if err != nil {
		return 0, fmt.Errorf("looking up %v: %w", v, err)
	}
	e, err := p.mem.Load32(addr)
	return PTE(e), err
}

// Translate returns the physical address mapped at v, including the page
// offset, and the leaf entry. It fails with EFAULT if v is not mapped. No
// permission checks are applied.
func (p *PageTables) Translate(v arch.VirtAddr) (arch.PhysAddr, PTE, error) {
	e, err := p.Lookup(v)
	if err != nil {
		return 0, 0, err
	}
	if !e.Present() {
		return 0, e, fmt.Errorf("translating %v: not present: %w", v, kerr.EFAULT)
	}
	return e.Address() + arch.PhysAddr(PageOffset(v)), e, nil
}

// Free releases the structure.
//
// Teardown is not supported: the kernel structure lives for the lifetime of
// the kernel, and nothing tracks which tables are still installed. Free
// always returns ENOTSUP and leaves the structure intact.
func (p *PageTables) Free() error {
	return fmt.Errorf("freeing page tables at %v: %w", p.root, kerr.ENOTSUP)
}
