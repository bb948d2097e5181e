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

	"github.com/InfiniteCoder01/SATAN/pkg/arch"
	"github.com/InfiniteCoder01/SATAN/satan/config"
)

// Dump implements subcommands.Command for the "dump" command.
type Dump struct {
	dir int
}

// Name implements subcommands.Command.Name.
func (*Dump) Name() string {
	return "dump"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Dump) Synopsis() string {
	return "print the processor registers and kernel page tables"
}

// Usage implements subcommands.Command.Usage.
func (*Dump) Usage() string {
	return `dump [flags] - print registers, heap usage and the page directory, or one page table with --dir.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Dump) SetFlags(f *flag.FlagSet) {
	f.IntVar(&d.dir, "dir", -1, "print the page table of this directory entry instead of the directory.")
}

// Execute implements subcommands.Command.Execute.
func (d *Dump) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || d.dir >= arch.EntriesPerTable {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	mc, err := openMachine(ctx, conf)
	if err != nil {
		return Errorf("%v", err)
	}
	defer mc.close()

	regs := mc.k.CPU().Registers()
	heap := mc.k.Heap()
	fmt.Fprintf(Output, "cr0 %#08x cr3 %v user %t\n", regs.CR0, regs.CR3, regs.User)
	fmt.Fprintf(Output, "heap %v+%v, %v used\n", config.Addr(heap.Base()), config.Size(heap.Size()), config.Size(heap.Used()))

	pt := mc.k.KernelPageTables()
	if pt == nil {
		fmt.Fprintf(Output, "paging not initialized\n")
		return subcommands.ExitSuccess
	}

	if d.dir >= 0 {
		table, err := pt.Table(uint32(d.dir))
		if err != nil {
			return statusf(err, "dump")
		}
		base := arch.VirtAddr(uint32(d.dir) * arch.TableSpan)
		for i, e := range table {
			fmt.Fprintf(Output, "%v %v\n", base+arch.VirtAddr(i*arch.PageSize), e)
		}
		return subcommands.ExitSuccess
	}

	fmt.Fprintf(Output, "directory at %v\n", pt.Root())
	for i := uint32(0); i < arch.EntriesPerTable; i++ {
		e, err := pt.Directory(i)
		if err != nil {
			return statusf(err, "dump")
		}
		fmt.Fprintf(Output, "%4d %v %v\n", i, arch.VirtAddr(i*arch.TableSpan), e)
	}
	return subcommands.ExitSuccess
}

// Check implements subcommands.Command for the "check" command.
type Check struct{}

// Name implements subcommands.Command.Name.
func (*Check) Name() string {
	return "check"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Check) Synopsis() string {
	return "list pages that differ from the boot identity map"
}

// Usage implements subcommands.Command.Usage.
func (*Check) Usage() string {
	return `check - compare the kernel page tables against the identity map built at boot.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Check) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Check) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	mc, err := openMachine(ctx, conf)
	if err != nil {
		return Errorf("%v", err)
	}
	defer mc.close()

	devs, err := mc.k.CheckIdentity(ctx)
	if err != nil {
		return statusf(err, "check")
	}
	for _, d := range devs {
		fmt.Fprintf(Output, "%v -> %v (%v)\n", d.Virt, d.Entry, d.Entry.Flags())
	}
	fmt.Fprintf(Output, "%d pages differ from the identity map\n", len(devs))
	return subcommands.ExitSuccess
}

// Free implements subcommands.Command for the "free" command.
type Free struct{}

// Name implements subcommands.Command.Name.
func (*Free) Name() string {
	return "free"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Free) Synopsis() string {
	return "retire the kernel page tables (not supported)"
}

// Usage implements subcommands.Command.Usage.
func (*Free) Usage() string {
	return `free - release the kernel page tables. This always fails: teardown is not supported.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Free) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Free) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)

	mc, err := openMachine(ctx, conf)
	if err != nil {
		return Errorf("%v", err)
	}
	defer mc.close()

	if err := mc.k.FreePageTables(); err != nil {
		return statusf(err, "free")
	}
	return subcommands.ExitSuccess
}
