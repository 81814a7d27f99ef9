// Copyright 2024 Intel Corporation. All Rights Reserved.
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

// Package abi holds the user-visible numbers and layouts of the kernel: syscall
// numbers, flag values, errno and signal numbering, and struct layouts in user memory.
package abi

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Errno is a POSIX error number.
type Errno = unix.Errno

// Error numbers returned by the kernel.
const (
	EPERM     = unix.EPERM
	ENOENT    = unix.ENOENT
	ESRCH     = unix.ESRCH
	EINTR     = unix.EINTR
	E2BIG     = unix.E2BIG
	ENOEXEC   = unix.ENOEXEC
	EBADF     = unix.EBADF
	ECHILD    = unix.ECHILD
	EAGAIN    = unix.EAGAIN
	ENOMEM    = unix.ENOMEM
	EFAULT    = unix.EFAULT
	EEXIST    = unix.EEXIST
	EINVAL    = unix.EINVAL
	EMFILE    = unix.EMFILE
	EROFS     = unix.EROFS
	ENOSYS    = unix.ENOSYS
	ETIMEDOUT = unix.ETIMEDOUT
)

// ErrnoOf returns the errno at the bottom of the wrap chain of err. Errors
// without one map to EINVAL; the second return value tells if one was found.
func ErrnoOf(err error) (Errno, bool) {
	if err == nil {
		return 0, true
	}
	var errno Errno
	if errors.As(err, &errno) {
		return errno, true
	}
	if errno, ok := errors.Cause(err).(Errno); ok {
		return errno, true
	}
	return EINVAL, false
}

// Ret converts a syscall result into the value placed in the return register.
func Ret(val uint64, err error) uint64 {
	if err == nil {
		return val
	}
	errno, _ := ErrnoOf(err)
	return uint64(-int64(errno))
}

// IsError tells if a raw return register value encodes an error.
func IsError(ret uint64) bool {
	return int64(ret) < 0 && int64(ret) > -4096
}

// ErrnoFromRet extracts the errno from a raw return register value.
func ErrnoFromRet(ret uint64) Errno {
	if !IsError(ret) {
		return 0
	}
	return Errno(-int64(ret))
}
