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

// Package kerr contains the kernel status codes exported as error interface
// pointers, plus the conversion to the numeric status convention used at the
// kernel's C-style boundaries (0 on success, a negative code otherwise).
package kerr

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	kerrors "github.com/InfiniteCoder01/SATAN/pkg/errors"
)

// OK is the universal success status.
const OK = 0

// Errors returned by the paging core and its collaborators. Each value is
// comparable with errors.Is, including through fmt.Errorf("%w") wrapping.
var (
	noError *kerrors.Error = nil

	EINVAL  = kerrors.New(unix.EINVAL, "invalid argument")
	ENOMEM  = kerrors.New(unix.ENOMEM, "out of memory")
	EFAULT  = kerrors.New(unix.EFAULT, "bad address")
	EBUSY   = kerrors.New(unix.EBUSY, "device or resource busy")
	ENOENT  = kerrors.New(unix.ENOENT, "no such file or directory")
	ENOTSUP = kerrors.New(unix.ENOTSUP, "operation not supported")
)

var all = []*kerrors.Error{EINVAL, ENOMEM, EFAULT, EBUSY, ENOENT, ENOTSUP}

// Status converts err into a status code: OK for nil, -errno for errors that
// wrap one of the values above or a unix.Errno, and -EIO for anything else.
func Status(err error) int {
	if err == nil {
		return OK
	}
	var kerr *kerrors.Error
	if errors.As(err, &kerr) && kerr != noError {
		return -int(kerr.Errno())
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return -int(errno)
	}
	return -int(unix.EIO)
}

// FromStatus is the inverse of Status. Unknown codes produce an error that
// still reports the raw errno.
func FromStatus(status int) error {
	if status == OK {
		return nil
	}
	errno := unix.Errno(-status)
	for _, e := range all {
		if e.Errno() == errno {
			return e
		}
	}
	if status > 0 {
		return fmt.Errorf("invalid status %d", status)
	}
	return errno
}

// ToUnix converts a kernel error to a unix.Errno.
func ToUnix(e *kerrors.Error) unix.Errno {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	return unixErr
}
