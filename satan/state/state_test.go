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

package state

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/InfiniteCoder01/SATAN/pkg/arch"
	"github.com/InfiniteCoder01/SATAN/pkg/kernel"
	"github.com/InfiniteCoder01/SATAN/pkg/ring0"
)

func testSnapshot() *kernel.Snapshot {
	return &kernel.Snapshot{
		MemorySize:        1 << 20,
		HeapBase:          0x80000,
		HeapTable:         []byte{0xc1, 0x41, 0},
		Registers:         ring0.Registers{CR0: 0x80000001, CR3: 0x80000},
		PagingInitialized: true,
		PageTables:        0x80000,
		Frames: []kernel.Frame{
			{Number: 8, Data: bytes.Repeat([]byte{'s'}, arch.PageSize)},
		},
	}
}

func TestEncodeDecode(t *testing.T) {
	var buf bytes.Buffer
	want := testSnapshot()
	if err := Encode(&buf, want); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// A page of repeated bytes compresses well.
	if buf.Len() >= arch.PageSize {
		t.Errorf("encoded image is %d bytes, want compression", buf.Len())
	}
	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeGarbage(t *testing.T) {
	if _, err := Decode(bytes.NewReader([]byte("not an image"))); err == nil {
		t.Errorf("Decode(garbage) succeeded")
	}
}

func TestStore(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(context.Background(), dir, time.Second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if s.Exists() {
		t.Errorf("Exists() = true on an empty directory")
	}
	if _, err := s.Load(); !errors.Is(err, ErrNoImage) {
		t.Errorf("Load() on an empty directory = %v, want ErrNoImage", err)
	}

	want := testSnapshot()
	if err := s.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !s.Exists() {
		t.Errorf("Exists() = false after Save")
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}

	if err := s.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Remove(); err != nil {
		t.Errorf("second Remove: %v", err)
	}
	if s.Exists() {
		t.Errorf("Exists() = true after Remove")
	}
}

func TestLockContention(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(context.Background(), dir, time.Second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// flock locks belong to the open file, so a second Open in the same
	// process contends with the first.
	start := time.Now()
	if _, err := Open(context.Background(), dir, 100*time.Millisecond); err == nil {
		t.Fatalf("second Open succeeded while the lock was held")
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("second Open gave up after %v, want the full timeout", elapsed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Open(ctx, dir, time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("Open with a canceled context = %v, want %v", err, context.Canceled)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	s2, err := Open(context.Background(), dir, time.Second)
	if err != nil {
		t.Fatalf("Open after Close: %v", err)
	}
	s2.Close()
}
