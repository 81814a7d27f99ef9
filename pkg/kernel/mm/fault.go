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
	"fmt"

	"github.com/pkg/errors"

	"github.com/intel/kcore/pkg/kernel/abi"
	"github.com/intel/kcore/pkg/kernel/arch"
	"github.com/intel/kcore/pkg/kernel/mm/frame"
	"github.com/intel/kcore/pkg/kernel/mm/swap"
	"github.com/intel/kcore/pkg/kernel/mm/vma"
)

// FaultResult is the outcome of a failed page fault.
type FaultResult int

const (
	// FaultSegv means the access is not allowed: no area contains the
	// address or the area does not permit the access.
	FaultSegv FaultResult = iota
	// FaultOOM means no frame or swap slot could be found for the page.
	FaultOOM
)

func (r FaultResult) String() string {
	if r == FaultOOM {
		return "oom"
	}
	return "segv"
}

// FaultError is returned for page faults that cannot be resolved.
type FaultError struct {
	Addr   uint64
	Access arch.Perm
	Result FaultResult
	// Mapped is set if an area contains the address, ie. the access
	// violated permissions (SEGV_ACCERR) rather than hit a hole (SEGV_MAPERR).
	Mapped bool
	Err    error
}

func (e *FaultError) Error() string {
	msg := fmt.Sprintf("%s fault at %#x (%s access)", e.Result, e.Addr, e.Access)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the errno a syscall touching the faulting address fails with.
func (e *FaultError) Unwrap() error {
	if e.Result == FaultOOM {
		return abi.ENOMEM
	}
	return abi.EFAULT
}

// IsFault returns the FaultError in the wrap chain of err, if any.
func IsFault(err error) (*FaultError, bool) {
	var fe *FaultError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// HandleFault resolves a page fault at va for the given access.
func (as *AddressSpace) HandleFault(va uint64, access arch.Perm) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	_, err := as.fault(va, access)
	return err
}

// fault resolves a fault and returns the resulting page table entry. Called
// with the lock held.
func (as *AddressSpace) fault(va uint64, access arch.Perm) (arch.Entry, error) {
	m := as.mem
	m.stats.faults.Add(1)

	area, ok := as.areas.Find(va)
	if !ok {
		return arch.Entry{}, as.segv(va, access, false)
	}
	if !area.Perm.Allows(access) {
		return arch.Entry{}, as.segv(va, access, true)
	}

	page := pageOf(va)
	for {
		e, ok := as.pt.Walk(page)
		switch {
		case !ok:
			e, err := as.populate(page, area, access)
			if err != nil {
				return e, as.oom(va, access, err)
			}
			return e, nil

		case e.Swapped:
			if err := as.swapIn(page, e, area); err != nil {
				return arch.Entry{}, as.oom(va, access, err)
			}
			// retry with the page present

		case access&arch.PermWrite != 0 && !e.Perm.Allows(arch.PermWrite):
			e, retry, err := as.breakCOW(page, e, area)
			if err != nil {
				return e, as.oom(va, access, err)
			}
			if !retry {
				return e, nil
			}

		default:
			m.stats.minor.Add(1)
			perm := area.Perm
			if e.COW {
				perm &^= arch.PermWrite
			}
			return as.touch(page, e, perm, access), nil
		}
	}
}

func (as *AddressSpace) segv(va uint64, access arch.Perm, mapped bool) error {
	as.mem.stats.segv.Add(1)
	return &FaultError{Addr: va, Access: access, Result: FaultSegv, Mapped: mapped}
}

func (as *AddressSpace) oom(va uint64, access arch.Perm, err error) error {
	as.mem.stats.oom.Add(1)
	oomLog.Warn("address space %d: failed to resolve fault at %#x: %v", as.asid, va, err)
	return &FaultError{Addr: va, Access: access, Result: FaultOOM, Mapped: true, Err: err}
}

// touch sets the accessed and, for writes, dirty bits of a present entry.
func (as *AddressSpace) touch(page uint64, e arch.Entry, perm, access arch.Perm) arch.Entry {
	dirty := e.Dirty || access&arch.PermWrite != 0
	if !e.Accessed || dirty != e.Dirty || perm != e.Perm {
		e.Accessed, e.Dirty, e.Perm = true, dirty, perm
		if err := as.pt.Map(page, e); err != nil {
			log.Error("internal error: failed to update entry of %#x: %v", page, err)
		}
	}
	return e
}

// populate backs a page that was never touched.
func (as *AddressSpace) populate(page uint64, area *vma.Area, access arch.Perm) (arch.Entry, error) {
	m := as.mem
	write := access&arch.PermWrite != 0
	e := arch.Entry{
		Present:  true,
		Perm:     area.Perm,
		Accessed: true,
		Dirty:    write,
	}

	switch {
	case area.Shared && !area.Anonymous():
		pfn, err := m.cache.get(m, as, area.File, area.FileOffset(page), area.FileLimit)
		if err != nil {
			return arch.Entry{}, err
		}
		e.PFN = pfn

	case area.Anonymous() && !area.Shared && !write:
		// reads of untouched private memory share the zero page
		m.frames.Get(m.zero)
		e.PFN = m.zero
		e.Perm &^= arch.PermWrite
		e.COW = true

	default:
		pfn, err := m.allocFrame(as)
		if err != nil {
			return arch.Entry{}, err
		}
		if !area.Anonymous() {
			if err := readPage(area.File, area.FileOffset(page), area.FileLimit, m.frames.Bytes(pfn)); err != nil {
				m.frames.Put(pfn)
				return arch.Entry{}, err
			}
		}
		e.PFN = pfn
	}

	if err := as.mapEntry(page, e); err != nil {
		m.frames.Put(e.PFN)
		return arch.Entry{}, err
	}
	as.resident++
	return e, nil
}

// breakCOW gives the address space a private writable copy of a page. If
// the page changed while memory was being reclaimed, retry is set.
func (as *AddressSpace) breakCOW(page uint64, e arch.Entry, area *vma.Area) (arch.Entry, bool, error) {
	m := as.mem
	old := e.PFN

	if old != m.zero && m.frames.RefCount(old) == 1 {
		// last owner, reuse in place
		e.Perm, e.COW, e.Accessed, e.Dirty = area.Perm, false, true, true
		if err := as.pt.Map(page, e); err != nil {
			return arch.Entry{}, false, err
		}
		m.stats.cowReuses.Add(1)
		return e, false, nil
	}

	pfn, err := m.allocFrame(as)
	if err != nil {
		return arch.Entry{}, false, err
	}
	if cur, ok := as.pt.Walk(page); !ok || !cur.Present || cur.PFN != old {
		m.frames.Put(pfn)
		return arch.Entry{}, true, nil
	}

	m.frames.Copy(pfn, old)
	ne := arch.Entry{PFN: pfn, Perm: area.Perm, Present: true, Accessed: true, Dirty: true}
	if err := as.pt.Map(page, ne); err != nil {
		m.frames.Put(pfn)
		return arch.Entry{}, false, err
	}
	as.shootdown(page, page+frame.PageSize)
	m.frames.Put(old)
	m.stats.cowCopies.Add(1)

	return ne, false, nil
}

// swapIn brings a swapped out page back into a fresh frame.
func (as *AddressSpace) swapIn(page uint64, e arch.Entry, area *vma.Area) error {
	m := as.mem
	if m.swap == nil {
		return errors.Errorf("page %#x swapped out without swap", page)
	}
	pfn, err := m.allocFrame(as)
	if err != nil {
		return err
	}
	slot := swap.Slot(e.Slot)
	if err := m.swap.Load(slot, m.frames.Bytes(pfn)); err != nil {
		m.frames.Put(pfn)
		return err
	}
	ne := arch.Entry{PFN: pfn, Perm: area.Perm, Present: true, Accessed: true, Dirty: true}
	if err := as.pt.Map(page, ne); err != nil {
		m.frames.Put(pfn)
		return err
	}
	m.swap.Free(slot)
	as.swapped--
	as.resident++
	m.stats.swapIns.Add(1)
	return nil
}

func isNoMem(err error) bool {
	errno, ok := abi.ErrnoOf(err)
	return ok && errno == abi.ENOMEM
}
