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

package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	units "github.com/docker/go-units"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("root", "", "root directory for storage of the machine image.")
	flagSet.String("config", "", "TOML file with a [flags] table of values for flags not set on the command line.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr. If it ends with '/', a file is created inside the directory with a default name. The following variables are available: %TIMESTAMP%, %COMMAND%.")
	flagSet.String("log-format", "text", "log format: text (default), json, json-k8s or logrus.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr even if --log is set.")
	flagSet.String("metrics-out", "", "file where metrics are written in Prometheus text format on exit, '-' for stdout.")

	// Machine flags. They only affect machines created by "boot"; an
	// existing image keeps its geometry.
	flagSet.Var(sizePtr(64<<20), "memory", "amount of physical memory, e.g. 64MiB.")
	flagSet.Var(addrPtr(16<<20), "heap-base", "physical address of the kernel heap.")
	flagSet.Var(sizePtr(32<<20), "heap-size", "size of the kernel heap. The kernel page tables need a little over 4MiB.")
	flagSet.Bool("write-protect", false, "set CR0.WP, making supervisor writes to read-only pages fault.")

	// Processor flags. They apply to every command.
	flagSet.Bool("flush-tlb-on-toggle", true, "flush the TLB whenever paging is enabled or disabled. When false, stale translations survive map.")

	flagSet.Duration("lock-timeout", 5*time.Second, "how long to wait for the machine image lock.")
}

// NewFromFlags creates a new Config with values coming from command line flags
// and, for flags not set on the command line, from the --config file.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	if path := flagSet.Lookup("config").Value.String(); path != "" {
		if err := ApplyFile(flagSet, path); err != nil {
			return nil, err
		}
	}

	conf := &Config{}
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}

	if len(conf.RootDir) == 0 {
		// If not set, set default root dir to something (hopefully) user-writeable.
		conf.RootDir = "/var/run/satan"
		// NOTE: empty values for XDG_RUNTIME_DIR should be ignored.
		if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
			conf.RootDir = filepath.Join(runtimeDir, "satan")
		}
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// file is the layout of a --config file.
type file struct {
	Flags map[string]string `toml:"flags"`
}

// ApplyFile sets the flags listed in the [flags] table of the TOML file at
// path, except those already set on the command line.
func ApplyFile(flagSet *flag.FlagSet, path string) error {
	var f file
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}
	set := make(map[string]bool)
	flagSet.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
	for name, value := range f.Flags {
		if name == "config" {
			return fmt.Errorf("config file %q: flag %q cannot be set from a file", path, name)
		}
		if set[name] {
			continue
		}
		if err := flagSet.Set(name, value); err != nil {
			return fmt.Errorf("config file %q: error setting flag %s=%q: %w", path, name, value, err)
		}
	}
	return nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		flag := flagSet.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == flag.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", flag.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}

// Size is a size in bytes. It accepts human readable values such as "64MiB".
type Size uint64

func sizePtr(v Size) *Size {
	return &v
}

// Set implements flag.Value.
func (s *Size) Set(v string) error {
	n, err := units.RAMInBytes(v)
	if err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("negative size %q", v)
	}
	*s = Size(n)
	return nil
}

// Get implements flag.Getter.
func (s *Size) Get() any {
	return *s
}

// String implements fmt.Stringer. Sizes that cannot be written exactly in
// binary units are rendered in bytes.
func (s Size) String() string {
	human := units.BytesSize(float64(s))
	if n, err := units.RAMInBytes(human); err == nil && n == int64(s) {
		return human
	}
	return strconv.FormatUint(uint64(s), 10)
}

// Addr is a physical address flag. It accepts any base supported by
// strconv.ParseUint with base 0.
type Addr uint32

func addrPtr(v Addr) *Addr {
	return &v
}

// Set implements flag.Value.
func (a *Addr) Set(v string) error {
	n, err := strconv.ParseUint(v, 0, 32)
	if err != nil {
		return err
	}
	*a = Addr(n)
	return nil
}

// Get implements flag.Getter.
func (a *Addr) Get() any {
	return *a
}

// String implements fmt.Stringer.
func (a Addr) String() string {
	return fmt.Sprintf("%#x", uint32(a))
}
