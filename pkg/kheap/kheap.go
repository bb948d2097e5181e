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

// Package kheap implements the kernel heap: a first-fit allocator handing out
// page-sized blocks from a fixed physical region.
//
// The heap only manages addresses; it never touches the memory it hands out,
// so callers must initialize every block they allocate.
package kheap

import (
	"fmt"
	"sync"

	"github.com/InfiniteCoder01/SATAN/pkg/arch"
	"github.com/InfiniteCoder01/SATAN/pkg/errors/kerr"
	"github.com/InfiniteCoder01/SATAN/pkg/log"
)

// BlockSize is the allocation granularity. Every allocation is aligned to it.
const BlockSize = arch.PageSize

// Block table entry bits.
const (
	// blockTaken marks a block as allocated.
	blockTaken = 1 << 0

	// blockFirst marks the first block of an allocation.
	blockFirst = 1 << 6

	// blockHasNext marks a block whose allocation continues in the next
	// block.
	blockHasNext = 1 << 7
)

// Heap is a kernel heap.
type Heap struct {
	mu sync.Mutex

	// base is the physical address of the first block.
	base arch.PhysAddr

	// table has one entry per block.
	table []byte

	// used is the number of taken blocks.
	used int
}

// New returns a heap managing size bytes starting at base. base must be block
// aligned and size must be a non-zero multiple of BlockSize that fits in the
// address space.
func New(base arch.PhysAddr, size uint64) (*Heap, error) {
	if !base.IsPageAligned() || size == 0 || size%BlockSize != 0 || uint64(base)+size > arch.AddressSpaceSize {
		return nil, fmt.Errorf("heap [%v, +%#x): %w", base, size, kerr.EINVAL)
	}
	return &Heap{
		base:  base,
		table: make([]byte, size/BlockSize),
	}, nil
}

// Restore returns a heap over base whose block table is table, as previously
// returned by Table.
func Restore(base arch.PhysAddr, table []byte) (*Heap, error) {
	h, err := New(base, uint64(len(table))*BlockSize)
	if err != nil {
		return nil, err
	}
	for i, e := range table {
		if e&^(blockTaken|blockFirst|blockHasNext) != 0 {
			return nil, fmt.Errorf("block %d has invalid entry %#x: %w", i, e, kerr.EINVAL)
		}
		if e&blockTaken != 0 {
			h.used++
		}
	}
	copy(h.table, table)
	return h, nil
}

// Table returns a copy of the block table.
func (h *Heap) Table() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]byte(nil), h.table...)
}

// Base returns the physical address of the heap's first block.
func (h *Heap) Base() arch.PhysAddr {
	return h.base
}

// Size returns the number of bytes managed by the heap.
func (h *Heap) Size() uint64 {
	return uint64(len(h.table)) * BlockSize
}

// Used returns the number of bytes currently allocated.
func (h *Heap) Used() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return uint64(h.used) * BlockSize
}

// Alloc allocates size bytes, rounded up to whole blocks, and returns the
// physical address of the first block. It fails with ENOMEM when no run of
// free blocks is long enough and with EINVAL for a zero size.
func (h *Heap) Alloc(size uint32) (arch.PhysAddr, error) {
	if size == 0 {
		return 0, fmt.Errorf("zero-sized allocation: %w", kerr.EINVAL)
	}
	n := int((uint64(size) + BlockSize - 1) / BlockSize)

	h.mu.Lock()
	defer h.mu.Unlock()

	start, run := -1, 0
	for i, e := range h.table {
		if e&blockTaken != 0 {
			start, run = -1, 0
			continue
		}
		if start < 0 {
			start = i
		}
		if run++; run == n {
			break
		}
	}
	if run < n {
		log.Debugf("kheap: no run of %d free blocks (%d of %d used)", n, h.used, len(h.table))
		return 0, fmt.Errorf("allocating %d bytes: %w", size, kerr.ENOMEM)
	}

	for i := start; i < start+n; i++ {
		e := byte(blockTaken)
		if i == start {
			e |= blockFirst
		}
		if i < start+n-1 {
			e |= blockHasNext
		}
		h.table[i] = e
	}
	h.used += n
	return h.base + arch.PhysAddr(start*BlockSize), nil
}

// Free releases the allocation starting at addr. addr must be a value
// previously returned by Alloc and not yet freed.
func (h *Heap) Free(addr arch.PhysAddr) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if addr < h.base || !addr.IsPageAligned() || uint64(addr-h.base)/BlockSize >= uint64(len(h.table)) {
		return fmt.Errorf("free of %v outside heap: %w", addr, kerr.EINVAL)
	}
	i := int(uint64(addr-h.base) / BlockSize)
	if h.table[i]&(blockTaken|blockFirst) != blockTaken|blockFirst {
		return fmt.Errorf("free of %v, which does not start an allocation: %w", addr, kerr.EINVAL)
	}
	for ; i < len(h.table); i++ {
		e := h.table[i]
		h.table[i] = 0
		h.used--
		if e&blockHasNext == 0 {
			break
		}
	}
	return nil
}
