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

// Package state persists a machine between satan invocations.
//
// The machine lives in a root directory as a zstd compressed JSON image. A
// lock file next to it serializes processes sharing the directory.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
	"github.com/klauspost/compress/zstd"

	"github.com/InfiniteCoder01/SATAN/pkg/kernel"
	"github.com/InfiniteCoder01/SATAN/pkg/log"
)

const (
	imageFilename = "machine.img"
	lockFilename  = "machine.lock"

	// imageVersion is bumped on incompatible changes to the image layout.
	imageVersion = 1
)

// ErrNoImage is returned by Load when the root directory holds no machine.
var ErrNoImage = errors.New("no machine image, run 'satan boot' first")

// image is the on-disk layout.
type image struct {
	Version int              `json:"version"`
	Kernel  *kernel.Snapshot `json:"kernel"`
}

// Encode writes s to w.
func Encode(w io.Writer, s *kernel.Snapshot) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(zw).Encode(image{Version: imageVersion, Kernel: s}); err != nil {
		zw.Close()
		return fmt.Errorf("encoding machine image: %w", err)
	}
	return zw.Close()
}

// Decode reads a snapshot written by Encode.
func Decode(r io.Reader) (*kernel.Snapshot, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var img image
	if err := json.NewDecoder(zr).Decode(&img); err != nil {
		return nil, fmt.Errorf("decoding machine image: %w", err)
	}
	if img.Version != imageVersion {
		return nil, fmt.Errorf("machine image version %d, want %d", img.Version, imageVersion)
	}
	if img.Kernel == nil {
		return nil, fmt.Errorf("machine image has no kernel state")
	}
	return img.Kernel, nil
}

// Store is a locked root directory.
type Store struct {
	dir  string
	lock *flock.Flock
}

// Open creates dir if needed and takes its lock, retrying until timeout
// expires or ctx is done.
func Open(ctx context.Context, dir string, timeout time.Duration) (*Store, error) {
	if err := os.MkdirAll(dir, 0711); err != nil {
		return nil, fmt.Errorf("creating root directory %q: %w", dir, err)
	}
	l := flock.New(filepath.Join(dir, lockFilename))

	// Retry at a constant interval until the timeout has fully elapsed.
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = b.InitialInterval
	b.Multiplier = 1
	b.RandomizationFactor = 0
	b.MaxElapsedTime = timeout
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		ok, err := l.TryLock()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return fmt.Errorf("lock %q is held by another process", l.Path())
		}
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("acquiring lock on %q: %w", dir, err)
	}
	log.Debugf("Acquired lock on %q", l.Path())
	return &Store{dir: dir, lock: l}, nil
}

// Close releases the lock.
func (s *Store) Close() error {
	return s.lock.Unlock()
}

// Dir returns the root directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path() string {
	return filepath.Join(s.dir, imageFilename)
}

// Exists returns true iff the directory holds a machine image.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path())
	return err == nil
}

// Load reads the machine image. It returns ErrNoImage if there is none.
func (s *Store) Load() (*kernel.Snapshot, error) {
	f, err := os.Open(s.path())
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoImage
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Save replaces the machine image with snap. The new image is written to a
// temporary file first, so a failed Save leaves the old image in place.
func (s *Store) Save(snap *kernel.Snapshot) error {
	tmp, err := os.CreateTemp(s.dir, imageFilename+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := Encode(tmp, snap); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path()); err != nil {
		return err
	}
	log.Debugf("Saved machine image %q (%d frames)", s.path(), len(snap.Frames))
	return nil
}

// Remove deletes the machine image, if any.
func (s *Store) Remove() error {
	if err := os.Remove(s.path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
