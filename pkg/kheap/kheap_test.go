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

package kheap

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/InfiniteCoder01/SATAN/pkg/arch"
	"github.com/InfiniteCoder01/SATAN/pkg/errors/kerr"
)

const heapBase = arch.PhysAddr(0x01000000)

func newHeap(t *testing.T, blocks int) *Heap {
	t.Helper()
	h, err := New(heapBase, uint64(blocks)*BlockSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func TestNewInvalid(t *testing.T) {
	for _, tc := range []struct {
		base arch.PhysAddr
		size uint64
	}{
		{base: 0x1001, size: BlockSize},
		{base: 0x1000, size: 0},
		{base: 0x1000, size: BlockSize + 1},
		{base: 0xfffff000, size: 2 * BlockSize},
	} {
		if _, err := New(tc.base, tc.size); !errors.Is(err, kerr.EINVAL) {
			t.Errorf("New(%v, %#x) = %v, want EINVAL", tc.base, tc.size, err)
		}
	}
}

func TestAllocAligned(t *testing.T) {
	h := newHeap(t, 8)
	var got []arch.PhysAddr
	for _, size := range []uint32{1, BlockSize, BlockSize + 1, 4096} {
		addr, err := h.Alloc(size)
		if err != nil {
			t.Fatalf("Alloc(%d): %v", size, err)
		}
		if !addr.IsPageAligned() {
			t.Errorf("Alloc(%d) = %v, not block aligned", size, addr)
		}
		got = append(got, addr)
	}
	want := []arch.PhysAddr{heapBase, heapBase + 0x1000, heapBase + 0x2000, heapBase + 0x4000}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("allocation addresses mismatch (-want +got):\n%s", diff)
	}
	if got, want := h.Used(), uint64(5*BlockSize); got != want {
		t.Errorf("Used() = %#x, want %#x", got, want)
	}
}

func TestAllocExhaustion(t *testing.T) {
	h := newHeap(t, 2)
	if _, err := h.Alloc(2 * BlockSize); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if _, err := h.Alloc(1); !errors.Is(err, kerr.ENOMEM) {
		t.Errorf("Alloc on a full heap = %v, want ENOMEM", err)
	}
	if _, err := h.Alloc(0); !errors.Is(err, kerr.EINVAL) {
		t.Errorf("Alloc(0) = %v, want EINVAL", err)
	}
}

func TestFreeReuse(t *testing.T) {
	h := newHeap(t, 4)
	a, _ := h.Alloc(2 * BlockSize)
	b, _ := h.Alloc(BlockSize)
	if err := h.Free(a); err != nil {
		t.Fatalf("Free(%v): %v", a, err)
	}
	if got, want := h.Used(), uint64(BlockSize); got != want {
		t.Errorf("Used() after Free = %#x, want %#x", got, want)
	}

	// Freed blocks are reused first fit.
	c, err := h.Alloc(BlockSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if c != a {
		t.Errorf("Alloc after Free = %v, want %v", c, a)
	}

	// A three block allocation does not fit in the remaining hole.
	if _, err := h.Alloc(3 * BlockSize); !errors.Is(err, kerr.ENOMEM) {
		t.Errorf("Alloc(3 blocks) = %v, want ENOMEM", err)
	}

	for _, bad := range []arch.PhysAddr{b + 1, b + BlockSize, heapBase - BlockSize, heapBase + 4*BlockSize} {
		if err := h.Free(bad); !errors.Is(err, kerr.EINVAL) {
			t.Errorf("Free(%v) = %v, want EINVAL", bad, err)
		}
	}
}

func TestTableRestore(t *testing.T) {
	h := newHeap(t, 4)
	h.Alloc(BlockSize + 1)
	h.Alloc(1)

	r, err := Restore(heapBase, h.Table())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if diff := cmp.Diff(h.Table(), r.Table()); diff != "" {
		t.Errorf("restored table mismatch (-want +got):\n%s", diff)
	}
	if r.Used() != h.Used() {
		t.Errorf("restored Used() = %#x, want %#x", r.Used(), h.Used())
	}
	if _, err := Restore(heapBase, []byte{0x2}); !errors.Is(err, kerr.EINVAL) {
		t.Errorf("Restore with a corrupt table = %v, want EINVAL", err)
	}
}
