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

package pagetables

import (
	"fmt"
	"strings"

	"github.com/InfiniteCoder01/SATAN/pkg/errors/kerr"
)

// Flags is an architecture-neutral set of page permissions.
type Flags uint32

// Portable page flags.
const (
	// Present marks the page as mapped.
	Present Flags = 1 << iota

	// Writeable allows writes to the page.
	Writeable

	// Executable allows instruction fetches from the page. The 32-bit
	// non-PAE format has no execute-disable bit, so this flag is accepted
	// but not encoded. See Unenforced.
	Executable

	// Protected restricts the page to supervisor mode.
	Protected

	// DisableCache disables caching of the page.
	DisableCache

	// AllFlags is the set of all valid flags.
	AllFlags = Present | Writeable | Executable | Protected | DisableCache
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{Present, "present"},
	{Writeable, "writeable"},
	{Executable, "executable"},
	{Protected, "protected"},
	{DisableCache, "nocache"},
}

// Unenforced returns the subset of f that is accepted by ConvertFlags but has
// no effect on the hardware encoding.
func (f Flags) Unenforced() Flags {
	return f & Executable
}

// CheckEnforced returns ENOTSUP if any flag in f would be silently ignored by
// the hardware encoding.
func CheckEnforced(f Flags) error {
	if u := f.Unenforced(); u != 0 {
		return fmt.Errorf("flags %v are not enforced: %w", u, kerr.ENOTSUP)
	}
	return nil
}

// String implements fmt.Stringer.String.
func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			parts = append(parts, fn.name)
			f &^= fn.flag
		}
	}
	if f != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint32(f)))
	}
	return strings.Join(parts, "|")
}

// ParseFlags parses the syntax produced by Flags.String. Names may be
// separated by '|' or ','; "none" and the empty string are the empty set.
func ParseFlags(s string) (Flags, error) {
	var f Flags
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" || part == "none" {
			continue
		}
		found := false
		for _, fn := range flagNames {
			if fn.name == part {
				f |= fn.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown page flag %q: %w", part, kerr.EINVAL)
		}
	}
	return f, nil
}

// ConvertFlags converts portable flags to the hardware control bits of a page
// table entry. It fails with EINVAL, returning no bits, if f contains anything
// outside AllFlags.
func ConvertFlags(f Flags) (PTEFlags, error) {
	if f&^AllFlags != 0 {
		return 0, fmt.Errorf("page flags %#x: %w", uint32(f), kerr.EINVAL)
	}
	var hw PTEFlags
	if f&Present != 0 {
		hw |= present
	}
	if f&Writeable != 0 {
		hw |= writable
	}
	if f&Protected == 0 {
		hw |= user
	}
	if f&DisableCache != 0 {
		hw |= cacheDisable
	}
	return hw, nil
}
