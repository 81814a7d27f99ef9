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
	"math"

	"github.com/pkg/errors"

	"github.com/intel/kcore/pkg/kernel/abi"
	"github.com/intel/kcore/pkg/kernel/arch"
	"github.com/intel/kcore/pkg/kernel/mm/frame"
	"github.com/intel/kcore/pkg/kernel/mm/vma"
)

// mmapFloor is the lowest address mmap hands out.
const mmapFloor = 0x10000

// ProtToPerm converts PROT_* bits to permissions.
func ProtToPerm(prot uint64) (arch.Perm, error) {
	if prot&^(abi.PROT_READ|abi.PROT_WRITE|abi.PROT_EXEC) != 0 {
		return 0, errors.Wrapf(abi.EINVAL, "invalid protection %#x", prot)
	}
	perm := arch.PermNone
	if prot&abi.PROT_READ != 0 {
		perm |= arch.PermRead
	}
	if prot&abi.PROT_WRITE != 0 {
		perm |= arch.PermWrite
	}
	if prot&abi.PROT_EXEC != 0 {
		perm |= arch.PermExec
	}
	return perm, nil
}

// Mmap maps length bytes with the given protection and flags, returning the
// start of the mapping. file is nil for anonymous mappings.
func (as *AddressSpace) Mmap(addr, length, prot, flags uint64, file vma.File, offset uint64) (uint64, error) {
	perm, err := ProtToPerm(prot)
	if err != nil {
		return 0, err
	}
	if length == 0 || pageUp(length) < length {
		return 0, errors.Wrapf(abi.EINVAL, "invalid mmap length %#x", length)
	}
	length = pageUp(length)

	var shared bool
	switch flags & abi.MAP_TYPE {
	case abi.MAP_SHARED:
		shared = true
	case abi.MAP_PRIVATE:
	default:
		return 0, errors.Wrapf(abi.EINVAL, "invalid mmap type in flags %#x", flags)
	}
	anon := flags&abi.MAP_ANONYMOUS != 0
	if anon {
		file, offset = nil, 0
	} else {
		if file == nil {
			return 0, errors.Wrap(abi.EBADF, "file mapping without a file")
		}
		if !pageAligned(offset) {
			return 0, errors.Wrapf(abi.EINVAL, "misaligned mmap offset %#x", offset)
		}
	}

	fixed := flags&(abi.MAP_FIXED|abi.MAP_FIXED_NOREPLACE) != 0
	if fixed && !pageAligned(addr) {
		return 0, errors.Wrapf(abi.EINVAL, "misaligned fixed mmap address %#x", addr)
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	top := as.pt.Layout().UserTop
	switch {
	case fixed:
		if addr+length > top || addr+length < addr || addr < frame.PageSize {
			return 0, errors.Wrapf(abi.ENOMEM, "fixed mapping %#x+%#x outside user space", addr, length)
		}
		if as.areas.Overlaps(addr, addr+length) {
			if flags&abi.MAP_FIXED_NOREPLACE != 0 {
				return 0, errors.Wrapf(abi.EEXIST, "fixed mapping %#x+%#x overlaps", addr, length)
			}
			if err := as.unmap(addr, addr+length); err != nil {
				return 0, err
			}
		}
	case addr != 0 && pageOf(addr) >= mmapFloor && pageOf(addr)+length <= as.mmapTop &&
		!as.areas.Overlaps(pageOf(addr), pageOf(addr)+length):
		addr = pageOf(addr)
	default:
		start, ok := as.areas.FindGap(length, mmapFloor, as.mmapTop)
		if !ok {
			return 0, errors.Wrapf(abi.ENOMEM, "no room for %#x bytes", length)
		}
		addr = start
	}

	area := &vma.Area{
		Start:  addr,
		End:    addr + length,
		Perm:   perm,
		Shared: shared,
		Kind:   vma.Mmap,
	}
	if anon && shared {
		file = newShmem(length)
	}
	if file != nil {
		area.File, area.Offset, area.FileLimit = file, offset, math.MaxUint64
	}
	if err := as.areas.Insert(area); err != nil {
		log.Error("internal error: insert of %s failed: %v", area, err)
		return 0, err
	}

	if flags&abi.MAP_POPULATE != 0 {
		as.prefault(addr, addr+length, perm)
	}
	return addr, nil
}

// prefault faults in [start, end), stopping at the first failure.
func (as *AddressSpace) prefault(start, end uint64, perm arch.Perm) {
	access := arch.PermRead
	if perm&arch.PermWrite != 0 {
		access = arch.PermWrite
	}
	for va := start; va < end; va += frame.PageSize {
		if _, err := as.fault(va, access); err != nil {
			log.Debug("populate of %#x stopped: %v", va, err)
			return
		}
	}
}

// Munmap removes the mappings of [addr, addr+length).
func (as *AddressSpace) Munmap(addr, length uint64) error {
	if !pageAligned(addr) || length == 0 || addr+pageUp(length) < addr {
		return errors.Wrapf(abi.EINVAL, "invalid munmap range %#x+%#x", addr, length)
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.unmap(addr, addr+pageUp(length))
}

func (as *AddressSpace) unmap(start, end uint64) error {
	if end > as.pt.Layout().UserTop {
		return errors.Wrapf(abi.EINVAL, "munmap range %#x-%#x outside user space", start, end)
	}
	removed, err := as.areas.Remove(start, end)
	if err != nil {
		return err
	}
	as.unmapRange(start, end)
	as.mem.dropShmem(removed)
	return nil
}

// Mprotect changes the protection of [addr, addr+length), which must be
// fully mapped.
func (as *AddressSpace) Mprotect(addr, length, prot uint64) error {
	perm, err := ProtToPerm(prot)
	if err != nil {
		return err
	}
	if !pageAligned(addr) || addr+pageUp(length) < addr {
		return errors.Wrapf(abi.EINVAL, "invalid mprotect range %#x+%#x", addr, length)
	}
	if length == 0 {
		return nil
	}
	end := addr + pageUp(length)

	as.mu.Lock()
	defer as.mu.Unlock()

	changes, err := as.areas.Protect(addr, end, perm)
	if err != nil {
		return err
	}
	for _, c := range changes {
		as.reprotect(c.Start, c.End, perm)
	}
	return nil
}

// reprotect applies perm to the present pages of [start, end). Shared
// copy-on-write pages stay read-only.
func (as *AddressSpace) reprotect(start, end uint64, perm arch.Perm) {
	type update struct {
		va   uint64
		perm arch.Perm
	}
	var updates []update
	as.pt.Range(start, end, func(va uint64, e arch.Entry) bool {
		if !e.Present {
			return true
		}
		p := perm
		if e.COW {
			p &^= arch.PermWrite
		}
		if p != e.Perm {
			updates = append(updates, update{va, p})
		}
		return true
	})
	for _, u := range updates {
		as.pt.Protect(u.va, u.perm)
	}
	if len(updates) > 0 {
		as.shootdown(start, end)
	}
}

// SetBrkBase sets the start of the heap, for a freshly built image.
func (as *AddressSpace) SetBrkBase(base uint64) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.brkStart, as.brk = base, base
}

// Brk moves the program break and returns the new break. On failure the
// break stays where it was and that is returned.
func (as *AddressSpace) Brk(newBrk uint64) uint64 {
	as.mu.Lock()
	defer as.mu.Unlock()

	if newBrk < as.brkStart || newBrk > as.mmapTop {
		return as.brk
	}
	oldEnd, newEnd := pageUp(as.brk), pageUp(newBrk)

	switch {
	case newEnd > oldEnd:
		// the new piece merges with the tail of the heap unless mprotect
		// has made that tail differ
		err := as.areas.Insert(&vma.Area{
			Start: oldEnd,
			End:   newEnd,
			Perm:  arch.PermRead | arch.PermWrite,
			Kind:  vma.Heap,
		})
		if err != nil {
			log.Debug("address space %d: brk to %#x failed: %v", as.asid, newBrk, err)
			return as.brk
		}
	case newEnd < oldEnd:
		if err := as.unmap(newEnd, oldEnd); err != nil {
			return as.brk
		}
	}

	as.brk = newBrk
	return as.brk
}
