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
	"github.com/intel/kcore/pkg/kernel/abi"
	"github.com/intel/kcore/pkg/kernel/mm/vma"
)

// brk(addr)
func sysBrk(k *Kernel, th *thread, args [6]uint64) (uint64, error) {
	return th.task.AddressSpace().Brk(args[0]), nil
}

// mmap(addr, length, prot, flags, fd, offset)
func sysMmap(k *Kernel, th *thread, args [6]uint64) (uint64, error) {
	addr, length, prot, flags, fd, offset := args[0], args[1], args[2], args[3], sysint(args[4]), args[5]

	var file vma.File
	if flags&abi.MAP_ANONYMOUS == 0 {
		f, err := th.task.Files().Get(fd)
		if err != nil {
			return 0, err
		}
		file = f
	}
	return th.task.AddressSpace().Mmap(addr, length, prot, flags, file, offset)
}

// munmap(addr, length)
func sysMunmap(k *Kernel, th *thread, args [6]uint64) (uint64, error) {
	return 0, th.task.AddressSpace().Munmap(args[0], args[1])
}

// mprotect(addr, length, prot)
func sysMprotect(k *Kernel, th *thread, args [6]uint64) (uint64, error) {
	return 0, th.task.AddressSpace().Mprotect(args[0], args[1], args[2])
}
