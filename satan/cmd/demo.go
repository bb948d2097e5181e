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
	"bytes"
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/InfiniteCoder01/SATAN/pkg/arch"
	"github.com/InfiniteCoder01/SATAN/pkg/errors/kerr"
	"github.com/InfiniteCoder01/SATAN/pkg/kernel"
	"github.com/InfiniteCoder01/SATAN/pkg/ring0/pagetables"
	"github.com/InfiniteCoder01/SATAN/satan/config"
)

// Demo implements subcommands.Command for the "demo" command.
type Demo struct{}

// Name implements subcommands.Command.Name.
func (*Demo) Name() string {
	return "demo"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Demo) Synopsis() string {
	return "boot a throwaway machine and exercise the page tables"
}

// Usage implements subcommands.Command.Usage.
func (*Demo) Usage() string {
	return `demo - run the shared page walkthrough on a machine that is not saved.

Run with --flush-tlb-on-toggle=false to observe the stale translation left
behind by map.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Demo) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Demo) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	k, err := kernel.New(conf.Kernel())
	if err != nil {
		return statusf(err, "creating machine")
	}
	defer k.Close()
	if err := runDemo(k); err != nil {
		return Errorf("demo: %v", err)
	}
	return subcommands.ExitSuccess
}

func step(format string, args ...any) {
	fmt.Fprintf(Output, "==> "+format+"\n", args...)
}

func runDemo(k *kernel.Kernel) error {
	const rw = pagetables.Present | pagetables.Writeable

	step("paging_init")
	if err := k.PagingInit(); err != nil {
		return err
	}
	fmt.Fprintf(Output, "cr3 %v, paging %t\n", k.CPU().CR3(), k.CPU().PagingEnabled())

	step("map 0x1000 -> 0x8000 (%v) and write \"satan\\0\"", rw)
	if err := k.Map(0x1000, 0x8000, rw); err != nil {
		return err
	}
	if err := k.Write(0x1000, []byte("satan\x00")); err != nil {
		return err
	}

	step("map 0x2000 -> 0x8000 (%v) and read it back", pagetables.Present)
	if err := k.Map(0x2000, 0x8000, pagetables.Present); err != nil {
		return err
	}
	got, err := k.Read(0x2000, 6)
	if err != nil {
		return err
	}
	fmt.Fprintf(Output, "0x2000: %q\n", bytes.TrimRight(got, "\x00"))
	if !bytes.Equal(got, []byte("satan\x00")) {
		return fmt.Errorf("read %q through 0x2000, want %q", got, "satan\x00")
	}

	step("remap 0x3000 after it was translated")
	if _, err := k.Translate(0x3000, arch.Read); err != nil {
		return err
	}
	if err := k.Map(0x3000, 0x9000, rw); err != nil {
		return err
	}
	p, err := k.Translate(0x3000, arch.Read)
	if err != nil {
		return err
	}
	if p == 0x3000 {
		fmt.Fprintf(Output, "0x3000 -> %v: stale, map does not invalidate the TLB\n", p)
		k.CPU().Invlpg(0x3000)
		p, _ = k.Translate(0x3000, arch.Read)
		fmt.Fprintf(Output, "0x3000 -> %v after invlpg\n", p)
	} else {
		fmt.Fprintf(Output, "0x3000 -> %v: the paging toggle flushed the TLB\n", p)
	}

	step("write through read-only 0x2000 with CR0.WP set")
	k.CPU().SetWriteProtect(true)
	err = k.Write(0x2000, []byte("X"))
	fmt.Fprintf(Output, "%v (status %d)\n", err, kerr.Status(err))
	k.CPU().SetWriteProtect(false)

	step("rejected operations")
	for _, op := range []struct {
		name string
		fn   func() error
	}{
		{"map 0x1001 -> 0x8000", func() error { return k.Map(0x1001, 0x8000, rw) }},
		{"map 0x1000 -> 0x8000 with flag 0x80", func() error { return k.Map(0x1000, 0x8000, 0x80) }},
		{"map with executable", func() error { return pagetables.CheckEnforced(pagetables.Present | pagetables.Executable) }},
		{"paging_init again", k.PagingInit},
		{"free kernel page tables", k.FreePageTables},
	} {
		fmt.Fprintf(Output, "%-36s status %d\n", op.name, kerr.Status(op.fn()))
	}
	return nil
}
