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
	"encoding/hex"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/InfiniteCoder01/SATAN/satan/config"
)

// Read implements subcommands.Command for the "read" command.
type Read struct {
	length int
	str    bool
}

// Name implements subcommands.Command.Name.
func (*Read) Name() string {
	return "read"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Read) Synopsis() string {
	return "read memory through the MMU"
}

// Usage implements subcommands.Command.Usage.
func (*Read) Usage() string {
	return `read [flags] <virtual address> - dump memory at a virtual address.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Read) SetFlags(f *flag.FlagSet) {
	f.IntVar(&r.length, "len", 64, "number of bytes to read.")
	f.BoolVar(&r.str, "string", false, "print a NUL terminated string instead of a hex dump.")
}

// Execute implements subcommands.Command.Execute.
func (r *Read) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 || r.length < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	v, err := parseVirt(f.Arg(0))
	if err != nil {
		return statusf(err, "read")
	}

	mc, err := openMachine(ctx, conf)
	if err != nil {
		return Errorf("%v", err)
	}
	defer mc.close()

	data, err := mc.k.Read(v, r.length)
	if err != nil {
		return statusf(err, "read %v", v)
	}
	if r.str {
		if i := bytes.IndexByte(data, 0); i >= 0 {
			data = data[:i]
		}
		fmt.Fprintf(Output, "%s\n", data)
		return subcommands.ExitSuccess
	}
	fmt.Fprint(Output, hex.Dump(data))
	return subcommands.ExitSuccess
}

// Write implements subcommands.Command for the "write" command.
type Write struct {
	hex bool
	nul bool
}

// Name implements subcommands.Command.Name.
func (*Write) Name() string {
	return "write"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Write) Synopsis() string {
	return "write memory through the MMU"
}

// Usage implements subcommands.Command.Usage.
func (*Write) Usage() string {
	return `write [flags] <virtual address> <data> - write data at a virtual address.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (w *Write) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&w.hex, "hex", false, "data is hex encoded.")
	f.BoolVar(&w.nul, "nul", false, "append a NUL byte.")
}

// Execute implements subcommands.Command.Execute.
func (w *Write) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	v, err := parseVirt(f.Arg(0))
	if err != nil {
		return statusf(err, "write")
	}
	data := []byte(f.Arg(1))
	if w.hex {
		if data, err = hex.DecodeString(f.Arg(1)); err != nil {
			return Errorf("write: invalid hex data: %v", err)
		}
	}
	if w.nul {
		data = append(data, 0)
	}

	mc, err := openMachine(ctx, conf)
	if err != nil {
		return Errorf("%v", err)
	}
	defer mc.close()

	if err := mc.k.Write(v, data); err != nil {
		return statusf(err, "write %v", v)
	}
	if err := mc.save(); err != nil {
		return Errorf("saving machine: %v", err)
	}
	fmt.Fprintf(Output, "wrote %d bytes at %v\n", len(data), v)
	return subcommands.ExitSuccess
}
