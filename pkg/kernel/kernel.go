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

// Package kernel holds the machine and the kernel state built on it during
// bring-up: physical memory, the kernel heap, the boot processor and the
// kernel's own translation structure.
package kernel

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/InfiniteCoder01/SATAN/pkg/arch"
	"github.com/InfiniteCoder01/SATAN/pkg/cleanup"
	"github.com/InfiniteCoder01/SATAN/pkg/errors/kerr"
	"github.com/InfiniteCoder01/SATAN/pkg/kheap"
	"github.com/InfiniteCoder01/SATAN/pkg/log"
	"github.com/InfiniteCoder01/SATAN/pkg/physmem"
	"github.com/InfiniteCoder01/SATAN/pkg/ring0"
	"github.com/InfiniteCoder01/SATAN/pkg/ring0/pagetables"
)

// Config describes the machine.
type Config struct {
	// MemorySize is the amount of RAM in bytes.
	MemorySize uint64

	// HeapBase is the physical address of the kernel heap.
	HeapBase arch.PhysAddr

	// HeapSize is the size of the kernel heap in bytes. The kernel page
	// tables need a little over 4MB of it.
	HeapSize uint64

	// CPU configures the boot processor.
	CPU ring0.Options
}

// Kernel is the kernel context. It owns everything it references.
type Kernel struct {
	mem  *physmem.Memory
	heap *kheap.Heap
	cpu  *ring0.CPU

	// mu serializes paging operations.
	mu sync.Mutex

	// pageTables is the kernel translation structure. It is nil until
	// PagingInit succeeds and is never replaced afterwards.
	//
	// +checklocks:mu
	pageTables *pagetables.PageTables
}

// New returns a kernel on a freshly powered machine: zeroed memory, an empty
// heap and paging disabled.
func New(c Config) (*Kernel, error) {
	if c.HeapSize == 0 || uint64(c.HeapBase)+c.HeapSize > c.MemorySize {
		return nil, fmt.Errorf("heap [%v, +%#x) does not fit in %#x bytes of memory: %w", c.HeapBase, c.HeapSize, c.MemorySize, kerr.EINVAL)
	}
	mem, err := physmem.New(c.MemorySize)
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() { mem.Close() })
	defer cu.Clean()
	heap, err := kheap.New(c.HeapBase, c.HeapSize)
	if err != nil {
		return nil, err
	}
	cu.Release()
	return &Kernel{
		mem:  mem,
		heap: heap,
		cpu:  ring0.NewCPU(mem, c.CPU),
	}, nil
}

// Close releases the machine's memory.
func (k *Kernel) Close() error {
	return k.mem.Close()
}

// Memory returns physical memory.
func (k *Kernel) Memory() *physmem.Memory {
	return k.mem
}

// Heap returns the kernel heap.
func (k *Kernel) Heap() *kheap.Heap {
	return k.heap
}

// CPU returns the boot processor.
func (k *Kernel) CPU() *ring0.CPU {
	return k.cpu
}

// PagingInit builds the kernel translation structure, installs it and turns
// translation on, in that order. It may succeed only once; later calls fail
// with EBUSY. On failure paging is left disabled and nothing is installed.
func (k *Kernel) PagingInit() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.pageTables != nil {
		return fmt.Errorf("paging already initialized: %w", kerr.EBUSY)
	}
	pt, err := pagetables.New(k.mem, k.heap, k.cpu)
	if err != nil {
		return fmt.Errorf("building kernel page tables: %w", err)
	}
	k.cpu.LoadCR3(pt.Root())
	k.cpu.EnablePaging()
	k.pageTables = pt
	log.Infof("Paging enabled, kernel page directory at %v", pt.Root())
	return nil
}

// KernelPageTables returns the kernel translation structure, or nil before
// PagingInit.
func (k *Kernel) KernelPageTables() *pagetables.PageTables {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.pageTables
}

// CurrentPageTables returns the structure named by CR3. Only the kernel
// structure can be installed, so this is nil before PagingInit.
func (k *Kernel) CurrentPageTables() *pagetables.PageTables {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.pageTables == nil || k.cpu.CR3() != k.pageTables.Root() {
		return nil
	}
	return k.pageTables
}

// +checklocks:k.mu
func (k *Kernel) pageTablesLocked() (*pagetables.PageTables, error) {
	if k.pageTables == nil {
		return nil, fmt.Errorf("paging not initialized: %w", kerr.ENOENT)
	}
	return k.pageTables, nil
}

// Map maps the page at v to the frame at phys in the kernel structure. See
// pagetables.PageTables.Set.
func (k *Kernel) Map(v arch.VirtAddr, phys arch.PhysAddr, f pagetables.Flags) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	pt, err := k.pageTablesLocked()
	if err != nil {
		return err
	}
	return pt.Set(v, phys, f)
}

// Unmap clears the kernel page table entry for v.
func (k *Kernel) Unmap(v arch.VirtAddr) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	pt, err := k.pageTablesLocked()
	if err != nil {
		return err
	}
	return pt.Unmap(v)
}

// Lookup walks the kernel structure in software. Unlike Translate, it
// ignores the TLB and permissions.
func (k *Kernel) Lookup(v arch.VirtAddr) (arch.PhysAddr, pagetables.PTE, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	pt, err := k.pageTablesLocked()
	if err != nil {
		return 0, 0, err
	}
	return pt.Translate(v)
}

// Translate translates v as the processor would for an access of type at.
func (k *Kernel) Translate(v arch.VirtAddr, at arch.AccessType) (arch.PhysAddr, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cpu.Translate(v, at)
}

// Read reads n bytes at virtual address v through the processor.
func (k *Kernel) Read(v arch.VirtAddr, n int) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	buf := make([]byte, n)
	if _, err := k.cpu.CopyIn(v, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Write writes data at virtual address v through the processor.
func (k *Kernel) Write(v arch.VirtAddr, data []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, err := k.cpu.CopyOut(v, data)
	return err
}

// FreePageTables retires the kernel structure. This is not supported.
func (k *Kernel) FreePageTables() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	pt, err := k.pageTablesLocked()
	if err != nil {
		return err
	}
	return pt.Free()
}

// Deviation is a page whose leaf entry differs from the boot identity map.
type Deviation struct {
	Virt  arch.VirtAddr
	Entry pagetables.PTE
}

// CheckIdentity compares the kernel structure against the identity map built
// at bring-up and returns every page that differs, in address order. Directory
// entries are checked in parallel.
func (k *Kernel) CheckIdentity(ctx context.Context) ([]Deviation, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	pt, err := k.pageTablesLocked()
	if err != nil {
		return nil, err
	}

	perDir := make([][]Deviation, arch.EntriesPerTable)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for d := uint32(0); d < arch.EntriesPerTable; d++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			table, err := pt.Table(d)
			if err != nil {
				return fmt.Errorf("directory entry %d: %w", d, err)
			}
			for i, e := range table {
				v := arch.VirtAddr(d*arch.TableSpan + uint32(i)*arch.PageSize)
				if e != pagetables.MakePTE(arch.PhysAddr(v), pagetables.BootBits) {
					perDir[d] = append(perDir[d], Deviation{Virt: v, Entry: e})
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var devs []Deviation
	for _, d := range perDir {
		devs = append(devs, d...)
	}
	return devs, nil
}
