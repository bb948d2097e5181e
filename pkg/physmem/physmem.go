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

// Package physmem implements the machine's physical memory: a flat,
// byte-addressable RAM backed by an anonymous host mapping.
//
// Frames that have ever been written are recorded in an ordered set so that
// a machine image only needs to carry the frames that differ from zero.
package physmem

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"golang.org/x/sys/unix"

	"github.com/InfiniteCoder01/SATAN/pkg/arch"
	"github.com/InfiniteCoder01/SATAN/pkg/errors/kerr"
)

// MaxSize is the largest amount of RAM addressable with 32-bit physical
// addresses.
const MaxSize = arch.AddressSpaceSize

// Memory is a physical memory.
//
// Memory is safe for concurrent use; readers share a lock.
type Memory struct {
	mu sync.RWMutex

	// data is the host mapping backing RAM. It is nil after Close.
	data []byte

	// dirty holds the frame numbers of all frames written so far.
	dirty *btree.BTreeG[uint32]

	// lastDirty caches the most recently recorded frame, since writes
	// are overwhelmingly sequential.
	lastDirty uint32
	haveLast  bool
}

// New returns a zero-filled physical memory of the given size, which must be
// a non-zero multiple of the page size no larger than MaxSize.
func New(size uint64) (*Memory, error) {
	if size == 0 || size%arch.PageSize != 0 || size > MaxSize {
		return nil, fmt.Errorf("physical memory size %#x: %w", size, kerr.EINVAL)
	}
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mapping %#x bytes of RAM: %w", size, err)
	}
	return &Memory{
		data:  data,
		dirty: btree.NewG[uint32](32, func(a, b uint32) bool { return a < b }),
	}, nil
}

// Close releases the host mapping. The memory must not be used afterwards.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// Size returns the size of RAM in bytes.
func (m *Memory) Size() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.data))
}

// rangeLocked returns the backing bytes for [addr, addr+n).
//
// Preconditions: m.mu is held.
func (m *Memory) rangeLocked(addr arch.PhysAddr, n int) ([]byte, error) {
	end := uint64(addr) + uint64(n)
	if end > uint64(len(m.data)) {
		return nil, fmt.Errorf("physical range [%v, %#x) outside RAM of %#x bytes: %w", addr, end, len(m.data), kerr.EFAULT)
	}
	return m.data[addr:end], nil
}

// markDirtyLocked records every frame overlapping [addr, addr+n).
//
// Preconditions: m.mu is held for writing.
func (m *Memory) markDirtyLocked(addr arch.PhysAddr, n int) {
	if n == 0 {
		return
	}
	first := addr.Frame()
	last := uint32((uint64(addr) + uint64(n) - 1) >> arch.PageShift)
	for f := first; ; f++ {
		if !m.haveLast || f != m.lastDirty {
			m.dirty.ReplaceOrInsert(f)
			m.lastDirty, m.haveLast = f, true
		}
		if f == last {
			break
		}
	}
}

// Read copies len(dst) bytes starting at addr into dst.
func (m *Memory) Read(addr arch.PhysAddr, dst []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src, err := m.rangeLocked(addr, len(dst))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// Write copies src into memory starting at addr.
func (m *Memory) Write(addr arch.PhysAddr, src []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dst, err := m.rangeLocked(addr, len(src))
	if err != nil {
		return err
	}
	copy(dst, src)
	m.markDirtyLocked(addr, len(src))
	return nil
}

// Load32 reads the little-endian word at addr.
func (m *Memory) Load32(addr arch.PhysAddr) (uint32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, err := m.rangeLocked(addr, 4)
	if err != nil {
		return 0, err
	}
	return arch.ByteOrder.Uint32(b), nil
}

// Store32 writes v as a little-endian word at addr.
func (m *Memory) Store32(addr arch.PhysAddr, v uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.rangeLocked(addr, 4)
	if err != nil {
		return err
	}
	arch.ByteOrder.PutUint32(b, v)
	m.markDirtyLocked(addr, 4)
	return nil
}

// DirtyFrames returns the numbers of all frames written so far, in ascending
// order.
func (m *Memory) DirtyFrames() []uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	frames := make([]uint32, 0, m.dirty.Len())
	m.dirty.Ascend(func(f uint32) bool {
		frames = append(frames, f)
		return true
	})
	return frames
}

// Frame returns a copy of the contents of frame n.
func (m *Memory) Frame(n uint32) ([]byte, error) {
	addr, err := m.frameAddr(n)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, arch.PageSize)
	if err := m.Read(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// SetFrame overwrites frame n with data, which must be exactly one page.
func (m *Memory) SetFrame(n uint32, data []byte) error {
	if len(data) != arch.PageSize {
		return fmt.Errorf("frame %d: got %d bytes, want %d: %w", n, len(data), arch.PageSize, kerr.EINVAL)
	}
	addr, err := m.frameAddr(n)
	if err != nil {
		return err
	}
	return m.Write(addr, data)
}

// frameAddr returns the address of frame n, which must lie in RAM.
func (m *Memory) frameAddr(n uint32) (arch.PhysAddr, error) {
	addr := uint64(n) << arch.PageShift
	if size := m.Size(); addr >= size {
		return 0, fmt.Errorf("frame %d outside RAM of %#x bytes: %w", n, size, kerr.EINVAL)
	}
	return arch.PhysAddr(addr), nil
}
