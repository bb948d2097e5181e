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

package kernel

import (
	"fmt"

	"github.com/InfiniteCoder01/SATAN/pkg/arch"
	"github.com/InfiniteCoder01/SATAN/pkg/errors/kerr"
	"github.com/InfiniteCoder01/SATAN/pkg/kheap"
	"github.com/InfiniteCoder01/SATAN/pkg/log"
	"github.com/InfiniteCoder01/SATAN/pkg/physmem"
	"github.com/InfiniteCoder01/SATAN/pkg/ring0"
	"github.com/InfiniteCoder01/SATAN/pkg/ring0/pagetables"
)

// Frame is the contents of one physical frame.
type Frame struct {
	Number uint32 `json:"n"`
	Data   []byte `json:"data"`
}

// Snapshot is the saved state of a kernel. The TLB is not saved; a restored
// processor starts with it flushed.
type Snapshot struct {
	MemorySize uint64          `json:"memory_size"`
	HeapBase   arch.PhysAddr   `json:"heap_base"`
	HeapTable  []byte          `json:"heap_table"`
	Registers  ring0.Registers `json:"registers"`

	// PagingInitialized is set once PagingInit has succeeded, in which
	// case PageTables is the kernel page directory.
	PagingInitialized bool          `json:"paging_initialized"`
	PageTables        arch.PhysAddr `json:"page_tables"`

	// Frames holds every frame that was ever written.
	Frames []Frame `json:"frames"`
}

// Snapshot saves the kernel state.
func (k *Kernel) Snapshot() (*Snapshot, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	s := &Snapshot{
		MemorySize: k.mem.Size(),
		HeapBase:   k.heap.Base(),
		HeapTable:  k.heap.Table(),
		Registers:  k.cpu.Registers(),
	}
	if k.pageTables != nil {
		s.PagingInitialized = true
		s.PageTables = k.pageTables.Root()
	}
	for _, n := range k.mem.DirtyFrames() {
		data, err := k.mem.Frame(n)
		if err != nil {
			return nil, fmt.Errorf("saving frame %d: %w", n, err)
		}
		s.Frames = append(s.Frames, Frame{Number: n, Data: data})
	}
	return s, nil
}

// Restore returns a kernel with the state saved in s. opts configures the
// processor, which is not part of the saved state.
func Restore(s *Snapshot, opts ring0.Options) (*Kernel, error) {
	mem, err := physmem.New(s.MemorySize)
	if err != nil {
		return nil, err
	}
	k, err := restore(mem, s, opts)
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("restoring kernel: %w", err)
	}
	log.Debugf("Restored kernel: %d frames, CR0 %#x, CR3 %v", len(s.Frames), s.Registers.CR0, s.Registers.CR3)
	return k, nil
}

func restore(mem *physmem.Memory, s *Snapshot, opts ring0.Options) (*Kernel, error) {
	if uint64(s.HeapBase)+uint64(len(s.HeapTable))*kheap.BlockSize > s.MemorySize {
		return nil, fmt.Errorf("heap outside memory: %w", kerr.EINVAL)
	}
	heap, err := kheap.Restore(s.HeapBase, s.HeapTable)
	if err != nil {
		return nil, err
	}
	for _, f := range s.Frames {
		if err := mem.SetFrame(f.Number, f.Data); err != nil {
			return nil, fmt.Errorf("frame %d: %w", f.Number, err)
		}
	}

	k := &Kernel{
		mem:  mem,
		heap: heap,
		cpu:  ring0.NewCPU(mem, opts),
	}
	k.cpu.SetRegisters(s.Registers)
	if s.PagingInitialized {
		pt, err := pagetables.Attach(mem, heap, k.cpu, s.PageTables)
		if err != nil {
			return nil, err
		}
		k.pageTables = pt
	}
	return k, nil
}
