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
	"github.com/InfiniteCoder01/SATAN/pkg/log"
	"github.com/InfiniteCoder01/SATAN/pkg/ring0/pagetables"
	"github.com/InfiniteCoder01/SATAN/satan/config"
)

// Map implements subcommands.Command for the "map" command.
type Map struct {
	flags string
}

// Name implements subcommands.Command.Name.
func (*Map) Name() string {
	return "map"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Map) Synopsis() string {
	return "map a virtual page to a physical frame in the kernel page tables"
}

// Usage implements subcommands.Command.Usage.
func (*Map) Usage() string {
	return `map [flags] <virtual address> <physical address> - set the kernel page table entry for a page.

Both addresses must be page aligned. Flags are a '|' separated list of
present, writeable, executable, protected and nocache. Use the unmap
command to clear an entry.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Map) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.flags, "flags", "present|writeable", "page flags.")
}

// Execute implements subcommands.Command.Execute.
func (m *Map) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	v, err := parseVirt(f.Arg(0))
	if err != nil {
		return statusf(err, "map")
	}
	p, err := parsePhys(f.Arg(1))
	if err != nil {
		return statusf(err, "map")
	}
	flags, err := pagetables.ParseFlags(m.flags)
	if err != nil {
		return statusf(err, "map")
	}
	if err := pagetables.CheckEnforced(flags); err != nil {
		log.Warningf("%v", err)
	}

	mc, err := openMachine(ctx, conf)
	if err != nil {
		return Errorf("%v", err)
	}
	defer mc.close()

	if err := mc.k.Map(v, p, flags); err != nil {
		return statusf(err, "map %v -> %v (%v)", v, p, flags)
	}
	if err := mc.save(); err != nil {
		return Errorf("saving machine: %v", err)
	}
	if _, e, err := mc.k.Lookup(v); err != nil {
		fmt.Fprintf(Output, "%v: %v\n", v, err)
	} else {
		fmt.Fprintf(Output, "%v -> %v\n", v, e)
	}
	return subcommands.ExitSuccess
}

// Unmap implements subcommands.Command for the "unmap" command.
type Unmap struct{}

// Name implements subcommands.Command.Name.
func (*Unmap) Name() string {
	return "unmap"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Unmap) Synopsis() string {
	return "clear the kernel page table entry of a virtual page"
}

// Usage implements subcommands.Command.Usage.
func (*Unmap) Usage() string {
	return `unmap <virtual address>... - clear the kernel page table entry for each page.

Addresses must be page aligned and mapped.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Unmap) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Unmap) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	var addrs []arch.VirtAddr
	for _, arg := range f.Args() {
		v, err := parseVirt(arg)
		if err != nil {
			return statusf(err, "unmap")
		}
		addrs = append(addrs, v)
	}

	mc, err := openMachine(ctx, conf)
	if err != nil {
		return Errorf("%v", err)
	}
	defer mc.close()

	status := subcommands.ExitSuccess
	for _, v := range addrs {
		if err := mc.k.Unmap(v); err != nil {
			status = statusf(err, "unmap %v", v)
			continue
		}
		fmt.Fprintf(Output, "unmapped %v\n", v)
	}
	if err := mc.save(); err != nil {
		return Errorf("saving machine: %v", err)
	}
	return status
}

// Translate implements subcommands.Command for the "translate" command.
type Translate struct {
	write bool
	user  bool
}

// Name implements subcommands.Command.Name.
func (*Translate) Name() string {
	return "translate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Translate) Synopsis() string {
	return "translate a virtual address as the MMU would"
}

// Usage implements subcommands.Command.Usage.
func (*Translate) Usage() string {
	return `translate [flags] <virtual address>... - print the physical address each virtual address translates to.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (t *Translate) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&t.write, "write", false, "translate for a write access.")
	f.BoolVar(&t.user, "user", false, "translate from user mode (CPL 3).")
}

// Execute implements subcommands.Command.Execute.
func (t *Translate) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	var addrs []arch.VirtAddr
	for _, arg := range f.Args() {
		v, err := parseVirt(arg)
		if err != nil {
			return statusf(err, "translate")
		}
		addrs = append(addrs, v)
	}
	at := arch.Read
	if t.write {
		at = arch.Write
	}

	mc, err := openMachine(ctx, conf)
	if err != nil {
		return Errorf("%v", err)
	}
	defer mc.close()

	// The mode is not saved.
	mc.k.CPU().SetUserMode(t.user)
	status := subcommands.ExitSuccess
	for _, v := range addrs {
		p, err := mc.k.Translate(v, at)
		if err != nil {
			status = statusf(err, "translate %v", v)
			continue
		}
		fmt.Fprintf(Output, "%v -> %v\n", v, p)
	}
	return status
}
