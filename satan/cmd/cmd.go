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

// Package cmd holds implementations of the satan commands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/google/subcommands"

	"github.com/InfiniteCoder01/SATAN/pkg/arch"
	"github.com/InfiniteCoder01/SATAN/pkg/cleanup"
	"github.com/InfiniteCoder01/SATAN/pkg/errors/kerr"
	"github.com/InfiniteCoder01/SATAN/pkg/kernel"
	"github.com/InfiniteCoder01/SATAN/pkg/log"
	"github.com/InfiniteCoder01/SATAN/satan/config"
	"github.com/InfiniteCoder01/SATAN/satan/state"
)

// Output is where command results are written.
var Output io.Writer = os.Stdout

// ErrorLogger is where error messages are written in addition to stderr and
// the debug log, if set.
var ErrorLogger io.Writer

// Errorf logs the error to stderr, the debug log and ErrorLogger. It returns
// subcommands.ExitFailure for convenience with subcommand.Execute() methods:
//
//	return Errorf("Danger! Danger!")
func Errorf(format string, args ...any) subcommands.ExitStatus {
	log.Warningf("FATAL ERROR: "+format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	if ErrorLogger != nil {
		writeError(ErrorLogger, format, args...)
	}
	return subcommands.ExitFailure
}

// Fatalf is like Errorf, but exits the process.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	os.Exit(128)
}

// writeError writes a JSON error record, which is friendlier to tools
// scraping the log file than plain text.
func writeError(w io.Writer, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if err := json.NewEncoder(w).Encode(struct {
		Msg   string    `json:"msg"`
		Level string    `json:"level"`
		Time  time.Time `json:"time"`
	}{Msg: msg, Level: "error", Time: time.Now()}); err != nil {
		fmt.Fprintf(os.Stderr, "error writing to log file: %v\n", err)
	}
}

// statusf reports err together with its kernel status code.
func statusf(err error, format string, args ...any) subcommands.ExitStatus {
	return Errorf("%s: %v (status %d)", fmt.Sprintf(format, args...), err, kerr.Status(err))
}

// parseVirt parses a virtual address in any base accepted by strconv.
func parseVirt(s string) (arch.VirtAddr, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid virtual address %q: %w", s, kerr.EINVAL)
	}
	return arch.VirtAddr(v), nil
}

// parsePhys parses a physical address in any base accepted by strconv.
func parsePhys(s string) (arch.PhysAddr, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid physical address %q: %w", s, kerr.EINVAL)
	}
	return arch.PhysAddr(v), nil
}

// machine is a kernel restored from the root directory. The directory stays
// locked until close.
type machine struct {
	store *state.Store
	k     *kernel.Kernel
}

// openMachine locks the root directory and restores the machine in it.
func openMachine(ctx context.Context, conf *config.Config) (*machine, error) {
	s, err := state.Open(ctx, conf.RootDir, conf.LockTimeout)
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() { s.Close() })
	defer cu.Clean()
	snap, err := s.Load()
	if err != nil {
		return nil, err
	}
	k, err := kernel.Restore(snap, conf.CPU())
	if err != nil {
		return nil, err
	}
	cu.Release()
	return &machine{store: s, k: k}, nil
}

// save writes the machine back to the root directory.
func (m *machine) save() error {
	snap, err := m.k.Snapshot()
	if err != nil {
		return err
	}
	return m.store.Save(snap)
}

func (m *machine) close() {
	m.k.Close()
	if err := m.store.Close(); err != nil {
		log.Warningf("Releasing lock on %q: %v", m.store.Dir(), err)
	}
}
