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

package kernel

import (
	"path"

	"github.com/pkg/errors"

	"github.com/intel/kcore/pkg/kernel/abi"
)

// openat(dirfd, path, flags, mode)
func sysOpenat(k *Kernel, th *thread, args [6]uint64) (uint64, error) {
	dirfd, flags := sysint(args[0]), args[2]
	name, err := th.task.AddressSpace().ReadString(th.core.tlb, args[1], pathMax)
	if err != nil {
		return 0, err
	}
	if flags&abi.O_ACCMODE != abi.O_RDONLY {
		return 0, errors.Wrapf(abi.EROFS, "%s: read-only file system", name)
	}
	if !path.IsAbs(name) {
		if dirfd != abi.AT_FDCWD {
			return 0, errors.Wrapf(abi.EBADF, "openat relative to descriptor %d", dirfd)
		}
		name = "/" + name
	}

	f, err := k.fs.Open(path.Clean(name))
	if err != nil {
		return 0, err
	}
	fd, err := th.task.Files().Install(f, flags&abi.O_CLOEXEC != 0)
	if err != nil {
		return 0, err
	}
	return uint64(fd), nil
}

// close(fd)
func sysClose(k *Kernel, th *thread, args [6]uint64) (uint64, error) {
	return 0, th.task.Files().Close(sysint(args[0]))
}
