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
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/InfiniteCoder01/SATAN/pkg/arch"
	"github.com/InfiniteCoder01/SATAN/pkg/errors/kerr"
	"github.com/InfiniteCoder01/SATAN/pkg/kheap"
	"github.com/InfiniteCoder01/SATAN/pkg/physmem"
)

const (
	memSize  = 16 << 20
	heapBase = arch.PhysAddr(8 << 20)
	heapSize = 8 << 20
)

// recorder is a Controller that records calls.
type recorder struct {
	calls []string
}

func (r *recorder) DisablePaging() { r.calls = append(r.calls, "disable") }
func (r *recorder) EnablePaging()  { r.calls = append(r.calls, "enable") }

type fixture struct {
	mem  *physmem.Memory
	heap *kheap.Heap
	ctl  *recorder
	pt   *PageTables
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem, err := physmem.New(memSize)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	heap, err := kheap.New(heapBase, heapSize)
	if err != nil {
		t.Fatalf("kheap.New: %v", err)
	}
	ctl := &recorder{}
	pt, err := New(mem, heap, ctl)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{mem: mem, heap: heap, ctl: ctl, pt: pt}
}

// image returns a copy of the whole heap, which holds every table.
func (f *fixture) image(t *testing.T) []byte {
	t.Helper()
	buf := make([]byte, heapSize)
	if err := f.mem.Read(heapBase, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	return buf
}

func TestIndices(t *testing.T) {
	for _, tc := range []struct {
		v     arch.VirtAddr
		dir   uint32
		table uint32
	}{
		{v: 0, dir: 0, table: 0},
		{v: 0x1000, dir: 0, table: 1},
		{v: 0x3ff000, dir: 0, table: 1023},
		{v: 0x400000, dir: 1, table: 0},
		{v: 0xc0100000, dir: 768, table: 256},
		{v: 0xfffff000, dir: 1023, table: 1023},
	} {
		dir, table := Indices(tc.v)
		if dir != tc.dir || table != tc.table {
			t.Errorf("Indices(%v) = (%d, %d), want (%d, %d)", tc.v, dir, table, tc.dir, tc.table)
		}
	}

	for v := uint64(0); v < arch.AddressSpaceSize; v += 0x7f000 {
		dir, table := Indices(arch.VirtAddr(v))
		if dir != uint32(v/(1024*4096)) || table != uint32((v/4096)%1024) {
			t.Fatalf("Indices(%#x) = (%d, %d)", v, dir, table)
		}
		if dir >= arch.EntriesPerTable || table >= arch.EntriesPerTable {
			t.Fatalf("Indices(%#x) = (%d, %d) out of range", v, dir, table)
		}
	}
}

func TestDecompose(t *testing.T) {
	pdeAddr, pteOffset := Decompose(0x10000, 0xc0101000)
	if want := arch.PhysAddr(0x10000 + 768*4); pdeAddr != want {
		t.Errorf("pdeAddr = %v, want %v", pdeAddr, want)
	}
	if want := uint32(257 * 4); pteOffset != want {
		t.Errorf("pteOffset = %#x, want %#x", pteOffset, want)
	}
	if got := PageOffset(0x1234); got != 0x234 {
		t.Errorf("PageOffset(0x1234) = %#x, want 0x234", got)
	}
}

func TestIsAligned(t *testing.T) {
	if !IsAligned(arch.VirtAddr(0x2000)) || !IsAligned(uint32(0)) {
		t.Errorf("aligned addresses reported misaligned")
	}
	if IsAligned(arch.PhysAddr(0x2001)) || IsAligned(uint32(0x800)) {
		t.Errorf("misaligned addresses reported aligned")
	}
}

func TestConvertFlags(t *testing.T) {
	for f := Flags(0); f <= AllFlags; f++ {
		var want PTEFlags
		if f&Present != 0 {
			want |= 0x1
		}
		if f&Writeable != 0 {
			want |= 0x2
		}
		if f&Protected == 0 {
			want |= 0x4
		}
		if f&DisableCache != 0 {
			want |= 0x10
		}
		got, err := ConvertFlags(f)
		if err != nil {
			t.Fatalf("ConvertFlags(%v): %v", f, err)
		}
		if got != want {
			t.Errorf("ConvertFlags(%v) = %#x, want %#x", f, got, want)
		}
		if again, _ := ConvertFlags(f); again != got {
			t.Errorf("ConvertFlags(%v) not deterministic: %#x then %#x", f, got, again)
		}
	}

	for _, f := range []Flags{1 << 5, AllFlags + 1, Present | 1<<31, ^Flags(0)} {
		got, err := ConvertFlags(f)
		if !errors.Is(err, kerr.EINVAL) {
			t.Errorf("ConvertFlags(%#x) error = %v, want EINVAL", uint32(f), err)
		}
		if got != 0 {
			t.Errorf("ConvertFlags(%#x) = %#x on failure, want 0", uint32(f), got)
		}
	}
}

func TestExecutableUnenforced(t *testing.T) {
	with, _ := ConvertFlags(Present | Executable)
	without, _ := ConvertFlags(Present)
	if with != without {
		t.Errorf("Executable changed the encoding: %#x vs %#x", with, without)
	}
	if got := (Present | Executable | Writeable).Unenforced(); got != Executable {
		t.Errorf("Unenforced() = %v, want %v", got, Executable)
	}
	if err := CheckEnforced(Present | Executable); !errors.Is(err, kerr.ENOTSUP) {
		t.Errorf("CheckEnforced(Executable) = %v, want ENOTSUP", err)
	}
	if err := CheckEnforced(Present | Writeable | Protected | DisableCache); err != nil {
		t.Errorf("CheckEnforced(enforced flags) = %v, want nil", err)
	}
}

func TestFlagsString(t *testing.T) {
	for _, tc := range []struct {
		f    Flags
		want string
	}{
		{0, "none"},
		{Present | Writeable, "present|writeable"},
		{AllFlags, "present|writeable|executable|protected|nocache"},
		{Present | 1<<6, "present|0x40"},
	} {
		if got := tc.f.String(); got != tc.want {
			t.Errorf("(%#x).String() = %q, want %q", uint32(tc.f), got, tc.want)
		}
	}
	for f := Flags(0); f <= AllFlags; f++ {
		got, err := ParseFlags(f.String())
		if err != nil || got != f {
			t.Errorf("ParseFlags(%q) = %v, %v, want %v", f.String(), got, err, f)
		}
	}
	if got, err := ParseFlags("Present, writeable"); err != nil || got != Present|Writeable {
		t.Errorf("ParseFlags with commas = %v, %v", got, err)
	}
	if _, err := ParseFlags("present|bogus"); !errors.Is(err, kerr.EINVAL) {
		t.Errorf("ParseFlags(bogus) = %v, want EINVAL", err)
	}
}

func TestPTEAccessors(t *testing.T) {
	e := MakePTE(0x8000, present|user|cacheDisable)
	if got, want := uint32(e), uint32(0x8015); got != want {
		t.Errorf("MakePTE = %#x, want %#x", got, want)
	}
	if !e.Present() || e.Writeable() || !e.User() || !e.CacheDisabled() || e.WriteThrough() {
		t.Errorf("accessors of %v disagree with its bits", e)
	}
	if got := e.Address(); got != 0x8000 {
		t.Errorf("Address() = %v, want 0x8000", got)
	}
	if got := e.Flags(); got != Present|DisableCache {
		t.Errorf("Flags() = %v, want %v", got, Present|DisableCache)
	}
	if got, want := e.String(), "0x00008000 ---C-U-P"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestIdentityMap(t *testing.T) {
	f := newFixture(t)
	if !IsAligned(f.pt.Root()) {
		t.Fatalf("root %v is not page aligned", f.pt.Root())
	}

	for v := uint64(0); v < arch.AddressSpaceSize; v += 0x3f000 {
		phys, e, err := f.pt.Translate(arch.VirtAddr(v))
		if err != nil {
			t.Fatalf("Translate(%#x): %v", v, err)
		}
		if uint64(phys) != v {
			t.Errorf("Translate(%#x) = %v, want identity", v, phys)
		}
		if e.Bits() != present|writable {
			t.Errorf("entry for %#x has bits %#x, want P|RW", v, e.Bits())
		}
	}

	for _, d := range []uint32{0, 1, 512, 1023} {
		pde, err := f.pt.Directory(d)
		if err != nil {
			t.Fatalf("Directory(%d): %v", d, err)
		}
		if pde.Bits() != present|writable {
			t.Errorf("directory entry %d has bits %#x, want P|RW", d, pde.Bits())
		}
		table, err := f.pt.Table(d)
		if err != nil {
			t.Fatalf("Table(%d): %v", d, err)
		}
		for i, e := range table {
			want := MakePTE(arch.PhysAddr(d*arch.TableSpan+uint32(i)*arch.PageSize), present|writable)
			if e != want {
				t.Fatalf("table %d entry %d = %v, want %v", d, i, e, want)
			}
		}
	}
	if _, err := f.pt.Directory(arch.EntriesPerTable); !errors.Is(err, kerr.EINVAL) {
		t.Errorf("Directory(1024) = %v, want EINVAL", err)
	}

	// The directory and 1024 tables are the only allocations.
	if got, want := f.heap.Used(), uint64(1025*arch.PageSize); got != want {
		t.Errorf("heap Used() = %#x, want %#x", got, want)
	}
}

// failingAllocator wraps a heap and fails after n allocations.
type failingAllocator struct {
	*kheap.Heap
	n int
}

func (a *failingAllocator) Alloc(size uint32) (arch.PhysAddr, error) {
	if a.n == 0 {
		return 0, kerr.ENOMEM
	}
	a.n--
	return a.Heap.Alloc(size)
}

func TestNewAllocFailure(t *testing.T) {
	mem, err := physmem.New(memSize)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	defer mem.Close()

	for _, n := range []int{0, 1, 500} {
		heap, _ := kheap.New(heapBase, heapSize)
		ctl := &recorder{}
		if _, err := New(mem, &failingAllocator{Heap: heap, n: n}, ctl); !errors.Is(err, kerr.ENOMEM) {
			t.Errorf("New after %d allocations = %v, want ENOMEM", n, err)
		}
		if used := heap.Used(); used != 0 {
			t.Errorf("New after %d allocations leaked %#x bytes", n, used)
		}
		if len(ctl.calls) != 0 {
			t.Errorf("New touched the controller: %v", ctl.calls)
		}
	}

	// A heap which is simply too small.
	heap, _ := kheap.New(heapBase, 64*arch.PageSize)
	if _, err := New(mem, heap, &recorder{}); !errors.Is(err, kerr.ENOMEM) {
		t.Errorf("New with a small heap = %v, want ENOMEM", err)
	}
	if used := heap.Used(); used != 0 {
		t.Errorf("New with a small heap leaked %#x bytes", used)
	}
}

// skewedAllocator returns misaligned blocks.
type skewedAllocator struct {
	freed []arch.PhysAddr
}

func (a *skewedAllocator) Alloc(uint32) (arch.PhysAddr, error) { return heapBase + 0x10, nil }
func (a *skewedAllocator) Free(addr arch.PhysAddr) error {
	a.freed = append(a.freed, addr)
	return nil
}

func TestNewMisalignedBlock(t *testing.T) {
	mem, err := physmem.New(memSize)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	defer mem.Close()

	a := &skewedAllocator{}
	if _, err := New(mem, a, &recorder{}); !errors.Is(err, kerr.EINVAL) {
		t.Errorf("New with misaligned blocks = %v, want EINVAL", err)
	}
	if diff := cmp.Diff([]arch.PhysAddr{heapBase + 0x10}, a.freed); diff != "" {
		t.Errorf("freed blocks mismatch (-want +got):\n%s", diff)
	}
}

func TestSetRejectsWithoutSideEffects(t *testing.T) {
	f := newFixture(t)
	before := f.image(t)

	for _, tc := range []struct {
		name string
		v    arch.VirtAddr
		p    arch.PhysAddr
		f    Flags
	}{
		{name: "misaligned virtual", v: 0x1001, p: 0x8000, f: Present},
		{name: "misaligned physical", v: 0x1000, p: 0x8004, f: Present},
		{name: "both misaligned", v: 0xfff, p: 0xfff, f: Present},
		{name: "invalid flags", v: 0x1000, p: 0x8000, f: Present | 1<<7},
		{name: "misaligned and invalid", v: 0x1001, p: 0x8000, f: 1 << 9},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := f.pt.Set(tc.v, tc.p, tc.f)
			if !errors.Is(err, kerr.EINVAL) {
				t.Fatalf("Set = %v, want EINVAL", err)
			}
			if got := kerr.Status(err); got != -22 {
				t.Errorf("Status = %d, want -22", got)
			}
			if !bytes.Equal(before, f.image(t)) {
				t.Errorf("structure changed after a rejected Set")
			}
			if len(f.ctl.calls) != 0 {
				t.Errorf("controller touched: %v", f.ctl.calls)
			}
		})
	}
}

func TestSet(t *testing.T) {
	f := newFixture(t)

	if err := f.pt.Set(0x1000, 0x8000, Present|Writeable); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if diff := cmp.Diff([]string{"disable", "enable"}, f.ctl.calls); diff != "" {
		t.Errorf("controller calls mismatch (-want +got):\n%s", diff)
	}
	phys, e, err := f.pt.Translate(0x1234)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if phys != 0x8234 {
		t.Errorf("Translate(0x1234) = %v, want 0x8234", phys)
	}
	if got, want := e.Bits(), present|writable|user; got != want {
		t.Errorf("entry bits = %#x, want %#x", got, want)
	}

	// Neighbours keep their identity mapping.
	for _, v := range []arch.VirtAddr{0, 0x2000} {
		if phys, _, _ := f.pt.Translate(v); phys != arch.PhysAddr(v) {
			t.Errorf("Translate(%v) = %v after unrelated Set", v, phys)
		}
	}
}

func TestSetLastWriteWins(t *testing.T) {
	f := newFixture(t)

	if err := f.pt.Set(0x400000, 0x8000, Present|Writeable|DisableCache); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := f.pt.Set(0x400000, 0x9000, Present|Protected); err != nil {
		t.Fatalf("Set: %v", err)
	}
	e, err := f.pt.Lookup(0x400000)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if want := MakePTE(0x9000, present); e != want {
		t.Errorf("Lookup = %v, want %v", e, want)
	}
}

func TestSetNotPresent(t *testing.T) {
	f := newFixture(t)
	if err := f.pt.Set(0x5000, 0, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, _, err := f.pt.Translate(0x5000); !errors.Is(err, kerr.EFAULT) {
		t.Errorf("Translate of an unmapped page = %v, want EFAULT", err)
	}
	if _, err := f.pt.Lookup(0x5000); err != nil {
		t.Errorf("Lookup of an unmapped page = %v, want nil", err)
	}
}

func TestSetExecutable(t *testing.T) {
	f := newFixture(t)
	if err := f.pt.Set(0x3000, 0x3000, Present|Executable); err != nil {
		t.Fatalf("Set with Executable: %v", err)
	}
	e, _ := f.pt.Lookup(0x3000)
	if want := MakePTE(0x3000, present|user); e != want {
		t.Errorf("Lookup = %v, want %v", e, want)
	}
}

func TestAttach(t *testing.T) {
	f := newFixture(t)
	if err := f.pt.Set(0x1000, 0x8000, Present); err != nil {
		t.Fatalf("Set: %v", err)
	}
	pt, err := Attach(f.mem, f.heap, f.ctl, f.pt.Root())
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if phys, _, err := pt.Translate(0x1000); err != nil || phys != 0x8000 {
		t.Errorf("Translate through attached tables = %v, %v", phys, err)
	}
	if _, err := Attach(f.mem, f.heap, f.ctl, f.pt.Root()+4); !errors.Is(err, kerr.EINVAL) {
		t.Errorf("Attach(misaligned) = %v, want EINVAL", err)
	}
	if _, err := Attach(f.mem, f.heap, f.ctl, 0xfffff000); !errors.Is(err, kerr.EFAULT) {
		t.Errorf("Attach(outside memory) = %v, want EFAULT", err)
	}
}

func TestFreeUnsupported(t *testing.T) {
	f := newFixture(t)
	err := f.pt.Free()
	if !errors.Is(err, kerr.ENOTSUP) {
		t.Fatalf("Free = %v, want ENOTSUP", err)
	}
	if got := kerr.Status(err); got != -95 {
		t.Errorf("Status = %d, want -95", got)
	}
	if _, _, err := f.pt.Translate(0x1000); err != nil {
		t.Errorf("Translate after Free: %v", err)
	}
}

func TestSetMissingDirectoryEntry(t *testing.T) {
	f := newFixture(t)
	if err := f.mem.Store32(f.pt.Root(), 0); err != nil {
		t.Fatalf("Store32: %v", err)
	}
	before := f.image(t)

	err := f.pt.Set(0x1000, 0x8000, Present|Writeable)
	if !errors.Is(err, kerr.EFAULT) {
		t.Fatalf("Set through a non-present directory entry = %v, want EFAULT", err)
	}
	if !bytes.Equal(before, f.image(t)) {
		t.Errorf("structure changed after a failed Set")
	}
	if len(f.ctl.calls) != 0 {
		t.Errorf("controller touched: %v", f.ctl.calls)
	}
	// The entry would have landed at frame 0 plus the table offset.
	if got, err := f.mem.Load32(4); err != nil || got != 0 {
		t.Errorf("Load32(4) = %#x, %v, want 0", got, err)
	}
	if err := f.pt.Unmap(0x1000); !errors.Is(err, kerr.EFAULT) {
		t.Errorf("Unmap through a non-present directory entry = %v, want EFAULT", err)
	}
}

func TestUnmap(t *testing.T) {
	f := newFixture(t)
	if err := f.pt.Set(0x1000, 0x8000, Present|Writeable); err != nil {
		t.Fatalf("Set: %v", err)
	}
	f.ctl.calls = nil

	if err := f.pt.Unmap(0x1000); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if diff := cmp.Diff([]string{"disable", "enable"}, f.ctl.calls); diff != "" {
		t.Errorf("controller calls mismatch (-want +got):\n%s", diff)
	}
	e, err := f.pt.Lookup(0x1000)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if e != 0 {
		t.Errorf("Lookup after Unmap = %v, want a cleared entry", e)
	}
	if _, _, err := f.pt.Translate(0x1000); !errors.Is(err, kerr.EFAULT) {
		t.Errorf("Translate after Unmap = %v, want EFAULT", err)
	}
	// Neighbours keep their identity entries.
	if phys, _, err := f.pt.Translate(0x2000); err != nil || phys != 0x2000 {
		t.Errorf("Translate(0x2000) = %v, %v, want identity", phys, err)
	}

	// A second Unmap finds nothing to clear.
	before := f.image(t)
	f.ctl.calls = nil
	if err := f.pt.Unmap(0x1000); !errors.Is(err, kerr.EFAULT) {
		t.Errorf("second Unmap = %v, want EFAULT", err)
	}
	if !bytes.Equal(before, f.image(t)) {
		t.Errorf("structure changed after a failed Unmap")
	}
	if len(f.ctl.calls) != 0 {
		t.Errorf("controller touched: %v", f.ctl.calls)
	}
}

func TestUnmapMisaligned(t *testing.T) {
	f := newFixture(t)
	before := f.image(t)
	err := f.pt.Unmap(0x1004)
	if !errors.Is(err, kerr.EINVAL) {
		t.Fatalf("Unmap(0x1004) = %v, want EINVAL", err)
	}
	if !bytes.Equal(before, f.image(t)) {
		t.Errorf("structure changed after a rejected Unmap")
	}
	if len(f.ctl.calls) != 0 {
		t.Errorf("controller touched: %v", f.ctl.calls)
	}
}
