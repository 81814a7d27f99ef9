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

package mm

import (
	"github.com/intel/kcore/pkg/kernel/arch"
	"github.com/intel/kcore/pkg/kernel/mm/swap"
	"github.com/intel/kcore/pkg/kernel/mm/vma"
)

// Fork creates a copy of the address space for a child process. Private
// pages are shared copy-on-write: both sides lose write access until the
// next write fault. Shared areas keep mapping the same frames.
func (as *AddressSpace) Fork() (*AddressSpace, error) {
	child, err := as.mem.NewAddressSpace()
	if err != nil {
		return nil, err
	}

	as.mu.Lock()
	child.mu.Lock()

	child.areas = as.areas.Clone()
	child.brkStart, child.brk = as.brkStart, as.brk
	child.mmapTop, child.stackTop = as.mmapTop, as.stackTop

	downgraded := false
	as.areas.ForEach(func(a *vma.Area) bool {
		as.pt.Range(a.Start, a.End, func(va uint64, e arch.Entry) bool {
			var d bool
			d, err = as.forkPage(child, a, va, e)
			downgraded = downgraded || d
			return err == nil
		})
		return err == nil
	})
	if downgraded {
		as.shootdownAll()
	}

	child.mu.Unlock()
	as.mu.Unlock()

	if err != nil {
		child.Release()
		return nil, err
	}
	return child, nil
}

// forkPage duplicates one page table entry into child. It reports whether
// the parent entry lost write access.
func (as *AddressSpace) forkPage(child *AddressSpace, a *vma.Area, va uint64, e arch.Entry) (bool, error) {
	m := as.mem

	if e.Swapped {
		if err := m.swap.Duplicate(swap.Slot(e.Slot)); err != nil {
			return false, err
		}
		if err := child.mapEntry(va, e); err != nil {
			m.swap.Free(swap.Slot(e.Slot))
			return false, err
		}
		child.swapped++
		return false, nil
	}

	m.frames.Get(e.PFN)
	downgraded := false
	if !a.Shared && (!e.COW || e.Perm&arch.PermWrite != 0) {
		e.Perm &^= arch.PermWrite
		e.COW = true
		if err := as.pt.Map(va, e); err != nil {
			m.frames.Put(e.PFN)
			return false, err
		}
		downgraded = true
	}

	ce := e
	ce.Accessed = false
	if err := child.mapEntry(va, ce); err != nil {
		m.frames.Put(e.PFN)
		return downgraded, err
	}
	child.resident++
	return downgraded, nil
}
