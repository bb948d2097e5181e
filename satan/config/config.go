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

// Package config provides basic infrastructure to set configuration settings
// for satan. Each setting is a command line flag; a TOML file can supply
// values for flags that were not given on the command line.
package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/mohae/deepcopy"

	"github.com/InfiniteCoder01/SATAN/pkg/arch"
	"github.com/InfiniteCoder01/SATAN/pkg/kernel"
	"github.com/InfiniteCoder01/SATAN/pkg/log"
	"github.com/InfiniteCoder01/SATAN/pkg/physmem"
	"github.com/InfiniteCoder01/SATAN/pkg/ring0"
)

// Config holds configuration that is not part of the machine image.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name.
//  3. Register the flag in flags.go: RegisterFlags().
//  4. Add any validation in validate().
type Config struct {
	// RootDir is the directory holding the machine image and its lock.
	RootDir string `flag:"root"`

	// ConfigFile is the TOML file that was applied, if any.
	ConfigFile string `flag:"config"`

	// Debug enables debug logging.
	Debug bool `flag:"debug"`

	// LogFilename is the filename to log to, if not empty. See
	// log.OpenFile for the supported patterns.
	LogFilename string `flag:"log"`

	// LogFormat is the log format: "text", "json", "json-k8s" or "logrus".
	LogFormat string `flag:"log-format"`

	// AlsoLogToStderr logs to stderr in addition to LogFilename.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// MemorySize is the amount of RAM of a new machine.
	MemorySize Size `flag:"memory"`

	// HeapBase is the physical address of the kernel heap of a new machine.
	HeapBase Addr `flag:"heap-base"`

	// HeapSize is the size of the kernel heap of a new machine.
	HeapSize Size `flag:"heap-size"`

	// FlushTLBOnPagingToggle makes changes to CR0.PG flush the TLB.
	FlushTLBOnPagingToggle bool `flag:"flush-tlb-on-toggle"`

	// WriteProtect sets CR0.WP on a new machine.
	WriteProtect bool `flag:"write-protect"`

	// MetricsOut is the file to which metrics are written in Prometheus
	// text format when the command exits. "-" means stdout.
	MetricsOut string `flag:"metrics-out"`

	// LockTimeout bounds the wait for the machine image lock.
	LockTimeout time.Duration `flag:"lock-timeout"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json", "json-k8s", "logrus":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', 'json-k8s' or 'logrus'", c.LogFormat)
	}
	if c.MemorySize == 0 || uint64(c.MemorySize)%arch.PageSize != 0 || uint64(c.MemorySize) > physmem.MaxSize {
		return fmt.Errorf("--memory=%v must be a non-zero multiple of %d no larger than %v", c.MemorySize, arch.PageSize, Size(physmem.MaxSize))
	}
	if !arch.PhysAddr(c.HeapBase).IsPageAligned() {
		return fmt.Errorf("--heap-base=%v is not page aligned", c.HeapBase)
	}
	if c.HeapSize == 0 || uint64(c.HeapSize)%arch.PageSize != 0 {
		return fmt.Errorf("--heap-size=%v must be a non-zero multiple of %d", c.HeapSize, arch.PageSize)
	}
	if uint64(c.HeapBase)+uint64(c.HeapSize) > uint64(c.MemorySize) {
		return fmt.Errorf("heap [%v, +%v) does not fit in %v of memory", c.HeapBase, c.HeapSize, c.MemorySize)
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("--lock-timeout=%v must be positive", c.LockTimeout)
	}
	return nil
}

// Kernel returns the machine configuration of a new kernel.
func (c *Config) Kernel() kernel.Config {
	return kernel.Config{
		MemorySize: uint64(c.MemorySize),
		HeapBase:   arch.PhysAddr(c.HeapBase),
		HeapSize:   uint64(c.HeapSize),
		CPU:        c.CPU(),
	}
}

// CPU returns the processor options.
func (c *Config) CPU() ring0.Options {
	return ring0.Options{
		FlushTLBOnPagingToggle: c.FlushTLBOnPagingToggle,
		WriteProtect:           c.WriteProtect,
	}
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if name, ok := f.Tag.Lookup("flag"); ok {
			log.Debugf("Config.%s (--%s): %v", f.Name, name, getVal(obj.Field(i)))
		}
	}
}
