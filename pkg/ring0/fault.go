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

package ring0

import (
	"fmt"

	"github.com/InfiniteCoder01/SATAN/pkg/arch"
	"github.com/InfiniteCoder01/SATAN/pkg/errors/kerr"
)

// FaultReason describes why a translation failed.
type FaultReason string

// Fault reasons.
const (
	// NotPresent is a walk that hit a non-present entry.
	NotPresent FaultReason = "not_present"

	// WriteProtection is a write to a read-only page.
	WriteProtection FaultReason = "write"

	// Privilege is a user mode access to a supervisor page.
	Privilege FaultReason = "user"
)

var faultReasons = []string{string(NotPresent), string(WriteProtection), string(Privilege)}

// PageFault is raised by the MMU. It matches kerr.EFAULT.
type PageFault struct {
	// Addr is the faulting virtual address, as reported in CR2.
	Addr arch.VirtAddr

	// Access is the attempted access.
	Access arch.AccessType

	// Reason is the cause of the fault.
	Reason FaultReason

	// User is true if the access was made from user mode.
	User bool
}

// Error implements error.Error.
func (f *PageFault) Error() string {
	mode := "supervisor"
	if f.User {
		mode = "user"
	}
	return fmt.Sprintf("page fault at %v: %s %v access: %s", f.Addr, mode, f.Access, f.Reason)
}

// Unwrap returns kerr.EFAULT.
func (f *PageFault) Unwrap() error {
	return kerr.EFAULT
}
