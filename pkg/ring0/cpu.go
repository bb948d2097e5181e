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

// Package ring0 models the supervisor view of a 32-bit x86 processor: the
// CR0 and CR3 control registers, the privilege level, a translation
// lookaside buffer and the page walk performed by the MMU.
//
// All state is protected by a single mutex, so a CPU is one logical core.
package ring0

import (
	"fmt"
	"sync"

	"github.com/InfiniteCoder01/SATAN/pkg/arch"
	"github.com/InfiniteCoder01/SATAN/pkg/log"
	"github.com/InfiniteCoder01/SATAN/pkg/metric"
	"github.com/InfiniteCoder01/SATAN/pkg/ring0/pagetables"
)

// CR0 bits.
const (
	CR0_PE = 1 << 0
	CR0_WP = 1 << 16
	CR0_PG = 1 << 31
)

var (
	translations = metric.MustCreateNewUint64Metric("/paging/translations", "Number of hardware translations performed while paging is enabled.")
	pageFaults   = metric.MustCreateNewUint64Metric("/paging/page_faults", "Number of page faults raised by the MMU.",
		metric.NewField("reason", faultReasons...))
	tlbHits    = metric.MustCreateNewUint64Metric("/paging/tlb_hits", "Number of translations served from the TLB.")
	tlbMisses  = metric.MustCreateNewUint64Metric("/paging/tlb_misses", "Number of translations that required a page walk.")
	tlbFlushes = metric.MustCreateNewUint64Metric("/paging/tlb_flushes", "Number of full TLB flushes.")
)

// Options configures a CPU.
type Options struct {
	// FlushTLBOnPagingToggle flushes the whole TLB whenever CR0.PG changes,
	// as x86 processors do. When false, cached translations survive
	// DisablePaging/EnablePaging.
	FlushTLBOnPagingToggle bool

	// WriteProtect is the initial value of CR0.WP.
	WriteProtect bool
}

// DefaultOptions returns the options of a real processor.
func DefaultOptions() Options {
	return Options{FlushTLBOnPagingToggle: true}
}

// Registers is the architectural state of a CPU. The TLB is not part of it.
type Registers struct {
	CR0  uint32        `json:"cr0"`
	CR3  arch.PhysAddr `json:"cr3"`
	User bool          `json:"user"`
}

// CPU is a single logical processor.
type CPU struct {
	// mem is physical memory. It is immutable.
	mem pagetables.Memory

	// opts is immutable.
	opts Options

	mu   sync.Mutex
	regs Registers
	tlb  tlb
}

// NewCPU returns a CPU in protected mode with paging disabled and CR3 clear.
func NewCPU(mem pagetables.Memory, opts Options) *CPU {
	c := &CPU{
		mem:  mem,
		opts: opts,
		regs: Registers{CR0: CR0_PE},
		tlb:  make(tlb),
	}
	if opts.WriteProtect {
		c.regs.CR0 |= CR0_WP
	}
	return c
}

// Options returns the CPU options.
func (c *CPU) Options() Options {
	return c.opts
}

// Registers returns a copy of the registers.
func (c *CPU) Registers() Registers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs
}

// SetRegisters loads all registers and flushes the TLB.
func (c *CPU) SetRegisters(r Registers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs = r
	c.flushLocked()
}

// LoadCR3 installs the page directory at root and flushes the TLB.
func (c *CPU) LoadCR3(root arch.PhysAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs.CR3 = root
	c.flushLocked()
	log.Debugf("ring0: CR3 = %v", root)
}

// CR3 returns the active page directory.
func (c *CPU) CR3() arch.PhysAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs.CR3
}

// CR0 returns the CR0 register.
func (c *CPU) CR0() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs.CR0
}

// setCR0 updates CR0 and applies the TLB side effects of a change to PG.
func (c *CPU) setCR0(set, clear uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.regs.CR0
	c.regs.CR0 = (old | set) &^ clear
	if (old^c.regs.CR0)&CR0_PG != 0 && c.opts.FlushTLBOnPagingToggle {
		c.flushLocked()
	}
}

// EnablePaging sets CR0.PG.
//
// Enabling paging with an empty or bogus CR3 is not an error here. Accesses
// simply fault.
func (c *CPU) EnablePaging() {
	c.setCR0(CR0_PG, 0)
}

// DisablePaging clears CR0.PG.
func (c *CPU) DisablePaging() {
	c.setCR0(0, CR0_PG)
}

// PagingEnabled returns true iff CR0.PG is set.
func (c *CPU) PagingEnabled() bool {
	return c.CR0()&CR0_PG != 0
}

// SetWriteProtect sets or clears CR0.WP. With WP set, supervisor writes to
// read-only pages fault.
func (c *CPU) SetWriteProtect(wp bool) {
	if wp {
		c.setCR0(CR0_WP, 0)
	} else {
		c.setCR0(0, CR0_WP)
	}
}

// SetUserMode switches between CPL 3 (true) and CPL 0.
func (c *CPU) SetUserMode(user bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs.User = user
}

// Invlpg invalidates any cached translation of the page containing v.
func (c *CPU) Invlpg(v arch.VirtAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tlb.invalidate(v)
}

// FlushTLB invalidates all cached translations.
func (c *CPU) FlushTLB() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
}

// TLBEntries returns the number of cached translations.
func (c *CPU) TLBEntries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tlb)
}

// +checklocks:c.mu
func (c *CPU) flushLocked() {
	if len(c.tlb) != 0 {
		clear(c.tlb)
	}
	tlbFlushes.Increment()
}

// Translate translates v for an access of type at, as the MMU would.
//
// With paging disabled the translation is the identity. Otherwise the TLB is
// consulted first and the active structure is walked on a miss. Failures are
// returned as *PageFault.
func (c *CPU) Translate(v arch.VirtAddr, at arch.AccessType) (arch.PhysAddr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.translateLocked(v, at)
}

// +checklocks:c.mu
func (c *CPU) translateLocked(v arch.VirtAddr, at arch.AccessType) (arch.PhysAddr, error) {
	if c.regs.CR0&CR0_PG == 0 {
		return arch.PhysAddr(v), nil
	}
	translations.Increment()

	if e, ok := c.tlb.lookup(v); ok {
		tlbHits.Increment()
		if reason, ok := c.check(e, at); !ok {
			// A fault evicts the entry, so the next access walks again.
			c.tlb.invalidate(v)
			return 0, c.fault(v, at, reason)
		}
		return e.frame + arch.PhysAddr(v.PageOffset()), nil
	}
	tlbMisses.Increment()

	e, reason, err := c.walkLocked(v)
	if err != nil {
		return 0, err
	}
	if reason != "" {
		return 0, c.fault(v, at, reason)
	}
	if reason, ok := c.check(e, at); !ok {
		return 0, c.fault(v, at, reason)
	}
	c.tlb.insert(v, e)
	return e.frame + arch.PhysAddr(v.PageOffset()), nil
}

// walkLocked performs the two-level walk from CR3. A non-empty reason means
// the walk itself faulted.
//
// The walk does not set accessed or dirty bits.
//
// +checklocks:c.mu
func (c *CPU) walkLocked(v arch.VirtAddr) (tlbEntry, FaultReason, error) {
	pdeAddr, pteOffset := pagetables.Decompose(c.regs.CR3, v)
	raw, err := c.mem.Load32(pdeAddr)
	if err != nil {
		return tlbEntry{}, "", fmt.Errorf("walking %v: directory entry at %v: %w", v, pdeAddr, err)
	}
	pde := pagetables.PTE(raw)
	if !pde.Present() {
		return tlbEntry{}, NotPresent, nil
	}
	pteAddr := pde.Address() + arch.PhysAddr(pteOffset)
	raw, err = c.mem.Load32(pteAddr)
	if err != nil {
		return tlbEntry{}, "", fmt.Errorf("walking %v: table entry at %v: %w", v, pteAddr, err)
	}
	pte := pagetables.PTE(raw)
	if !pte.Present() {
		return tlbEntry{}, NotPresent, nil
	}
	return tlbEntry{
		frame:     pte.Address(),
		writeable: pde.Writeable() && pte.Writeable(),
		user:      pde.User() && pte.User(),
	}, "", nil
}

// check applies the protection rules to a translation.
//
// +checklocks:c.mu
func (c *CPU) check(e tlbEntry, at arch.AccessType) (FaultReason, bool) {
	if c.regs.User && !e.user {
		return Privilege, false
	}
	if at.Write && !e.writeable && (c.regs.User || c.regs.CR0&CR0_WP != 0) {
		return WriteProtection, false
	}
	return "", true
}

// +checklocks:c.mu
func (c *CPU) fault(v arch.VirtAddr, at arch.AccessType, reason FaultReason) error {
	pageFaults.Increment(string(reason))
	log.Debugf("ring0: page fault at %v (%v): %s", v, at, reason)
	return &PageFault{Addr: v, Access: at, Reason: reason, User: c.regs.User}
}

// CopyIn copies len(dst) bytes from virtual address addr into dst. Each page
// is translated for reading. On a fault, the bytes before the faulting page
// have been copied and their count is returned with the error.
func (c *CPU) CopyIn(addr arch.VirtAddr, dst []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.copyLocked(addr, dst, arch.Read, c.mem.Read)
}

// CopyOut copies src to virtual address addr, translating each page for
// writing. It returns the number of bytes copied.
func (c *CPU) CopyOut(addr arch.VirtAddr, src []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.copyLocked(addr, src, arch.Write, c.mem.Write)
}

// +checklocks:c.mu
func (c *CPU) copyLocked(addr arch.VirtAddr, buf []byte, at arch.AccessType, fn func(arch.PhysAddr, []byte) error) (int, error) {
	if uint64(addr)+uint64(len(buf)) > arch.AddressSpaceSize {
		return 0, c.fault(arch.VirtAddr(arch.AddressSpaceSize-1), at, NotPresent)
	}
	done := 0
	for done < len(buf) {
		v := addr + arch.VirtAddr(done)
		n := min(len(buf)-done, int(arch.PageSize-v.PageOffset()))
		phys, err := c.translateLocked(v, at)
		if err != nil {
			return done, err
		}
		if err := fn(phys, buf[done:done+n]); err != nil {
			return done, err
		}
		done += n
	}
	return done, nil
}
