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

package cmd

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/InfiniteCoder01/SATAN/pkg/kernel"
	"github.com/InfiniteCoder01/SATAN/pkg/log"
	"github.com/InfiniteCoder01/SATAN/satan/config"
	"github.com/InfiniteCoder01/SATAN/satan/state"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	// force replaces an existing machine.
	force bool

	// noPaging skips PagingInit, leaving the machine in protected mode
	// with translation off.
	noPaging bool
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "power on a new machine and enable paging"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] - create a machine in --root, build the kernel page tables, install them and enable paging.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&b.force, "force", false, "replace an existing machine.")
	f.BoolVar(&b.noPaging, "no-paging", false, "do not initialize paging.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	s, err := state.Open(ctx, conf.RootDir, conf.LockTimeout)
	if err != nil {
		return Errorf("%v", err)
	}
	defer s.Close()
	if s.Exists() && !b.force {
		return Errorf("machine already exists in %q, use --force to replace it", s.Dir())
	}

	k, err := kernel.New(conf.Kernel())
	if err != nil {
		return statusf(err, "creating machine")
	}
	defer k.Close()
	if !b.noPaging {
		if err := k.PagingInit(); err != nil {
			return statusf(err, "paging_init")
		}
	}

	snap, err := k.Snapshot()
	if err != nil {
		return Errorf("saving machine: %v", err)
	}
	if err := s.Save(snap); err != nil {
		return Errorf("saving machine: %v", err)
	}
	log.Infof("Booted machine in %q", s.Dir())

	regs := k.CPU().Registers()
	fmt.Fprintf(Output, "memory %v, heap %v+%v\n", conf.MemorySize, conf.HeapBase, conf.HeapSize)
	fmt.Fprintf(Output, "cr0 %#08x cr3 %v paging %t\n", regs.CR0, regs.CR3, k.CPU().PagingEnabled())
	return subcommands.ExitSuccess
}
