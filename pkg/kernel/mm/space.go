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
	"strings"
	"sync"
	"sync/atomic"

	"github.com/intel/kcore/pkg/kernel/arch"
	"github.com/intel/kcore/pkg/kernel/mm/frame"
	"github.com/intel/kcore/pkg/kernel/mm/swap"
	"github.com/intel/kcore/pkg/kernel/mm/vma"
	"github.com/intel/kcore/pkg/utils/cpuset"
)

// AddressSpace is a page table and the set of areas mapped through it. It
// is shared by the threads of a process and torn down with its last user.
type AddressSpace struct {
	mu    sync.Mutex
	mem   *Memory
	pt    arch.PageTable
	areas *vma.Set
	asid  uint16
	users atomic.Int32

	// cores that may hold translations of this address space
	cores cpuset.CPUSet

	brkStart uint64
	brk      uint64
	mmapTop  uint64
	stackTop uint64

	resident int
	swapped  int
	sweepVA  uint64
	dead     bool
}

func newAddressSpace(m *Memory, pt arch.PageTable, asid uint16) *AddressSpace {
	top := pt.Layout().UserTop
	as := &AddressSpace{
		mem:      m,
		pt:       pt,
		areas:    vma.NewSet(),
		asid:     asid,
		cores:    cpuset.New(),
		mmapTop:  top,
		stackTop: top,
	}
	as.users.Store(1)
	return as
}

// ASID returns the address space identifier.
func (as *AddressSpace) ASID() uint16 {
	return as.asid
}

// Layout returns the layout of the underlying page table format.
func (as *AddressSpace) Layout() arch.Layout {
	return as.pt.Layout()
}

// Acquire adds an owner to the address space.
func (as *AddressSpace) Acquire() {
	as.users.Add(1)
}

// Users returns the number of owners of the address space.
func (as *AddressSpace) Users() int {
	return int(as.users.Load())
}

// Release drops an owner. The last owner tears the address space down.
func (as *AddressSpace) Release() {
	n := as.users.Add(-1)
	switch {
	case n > 0:
		return
	case n < 0:
		log.Error("internal error: address space %d released too many times", as.asid)
		return
	}
	as.destroy()
}

func (as *AddressSpace) destroy() {
	as.mu.Lock()
	areas := as.areas.Areas(0, as.pt.Layout().UserTop)
	as.unmapRange(0, as.pt.Layout().UserTop)
	as.mem.dropShmem(areas)
	as.areas = vma.NewSet()
	as.shootdownAll()
	as.pt.Release()
	as.dead = true
	as.mu.Unlock()

	as.mem.forget(as)
}

// Activate loads the address space on a core.
func (as *AddressSpace) Activate(tlb *TLB) {
	as.mu.Lock()
	as.cores = as.cores.Union(cpuset.New(tlb.core))
	as.mu.Unlock()

	tlb.Lock()
	as.pt.Activate(&tlb.mmu, as.asid)
	tlb.Unlock()
}

// CurrentBrk returns the current program break.
func (as *AddressSpace) CurrentBrk() uint64 {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.brk
}

// StackTop returns the top of the main stack.
func (as *AddressSpace) StackTop() uint64 {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.stackTop
}

// Areas returns copies of the areas intersecting [start, end).
func (as *AddressSpace) Areas(start, end uint64) []vma.Area {
	as.mu.Lock()
	defer as.mu.Unlock()
	var out []vma.Area
	for _, a := range as.areas.Areas(start, end) {
		out = append(out, *a)
	}
	return out
}

// Lookup returns the page table entry of va.
func (as *AddressSpace) Lookup(va uint64) (arch.Entry, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.pt.Walk(pageOf(va))
}

// Resident returns the number of present and swapped out pages.
func (as *AddressSpace) Resident() (present, swapped int) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.resident, as.swapped
}

// Validate checks the area set and that every mapped page lies inside an area.
func (as *AddressSpace) Validate() error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if err := as.areas.Validate(); err != nil {
		return err
	}
	var err error
	as.pt.Range(0, as.pt.Layout().UserTop, func(va uint64, e arch.Entry) bool {
		if _, ok := as.areas.Find(va); !ok {
			err = mmError("page %#x mapped outside any area", va)
			return false
		}
		return true
	})
	return err
}

// String dumps the areas of the address space.
func (as *AddressSpace) String() string {
	as.mu.Lock()
	defer as.mu.Unlock()
	var b strings.Builder
	fmt.Fprintf(&b, "asid %d (%s), %d resident, %d swapped, brk %#x\n",
		as.asid, as.pt.Name(), as.resident, as.swapped, as.brk)
	b.WriteString(as.areas.Dump())
	return b.String()
}

// shootdown drops translations of [start, end) on every core that may cache them.
func (as *AddressSpace) shootdown(start, end uint64) {
	for _, core := range as.cores.UnsortedList() {
		as.mem.tlbs[core].invalidate(as.asid, start, end)
	}
	as.mem.stats.shootdowns.Add(1)
}

func (as *AddressSpace) shootdownAll() {
	for _, core := range as.cores.UnsortedList() {
		as.mem.tlbs[core].flush(as.asid)
	}
	as.mem.stats.shootdowns.Add(1)
}

// mapEntry installs e at va, reclaiming memory if a table frame cannot be
// allocated. Called with the lock held.
func (as *AddressSpace) mapEntry(va uint64, e arch.Entry) error {
	err := as.pt.Map(va, e)
	if err != nil && isNoMem(err) {
		as.mem.reclaim(as, as.mem.config.ReclaimBatch)
		err = as.pt.Map(va, e)
	}
	return err
}

// unmapRange removes the pages of [start, end), releasing their frames and
// swap slots. Called with the lock held.
func (as *AddressSpace) unmapRange(start, end uint64) {
	var vas []uint64
	as.pt.Range(start, end, func(va uint64, _ arch.Entry) bool {
		vas = append(vas, va)
		return true
	})
	if len(vas) == 0 {
		return
	}
	removed := make([]arch.Entry, 0, len(vas))
	for _, va := range vas {
		if e, ok := as.pt.Unmap(va); ok {
			removed = append(removed, e)
		}
	}
	as.shootdown(start, end)
	for _, e := range removed {
		as.dropEntry(e)
	}
}

// dropEntry releases the backing of a removed page table entry.
func (as *AddressSpace) dropEntry(e arch.Entry) {
	switch {
	case e.Present:
		as.resident--
		as.mem.frames.Put(e.PFN)
	case e.Swapped:
		as.swapped--
		if as.mem.swap != nil {
			as.mem.swap.Free(swap.Slot(e.Slot))
		}
	}
}

func pageOf(va uint64) uint64 {
	return va &^ (frame.PageSize - 1)
}

func pageAligned(va uint64) bool {
	return va&(frame.PageSize-1) == 0
}

func pageUp(n uint64) uint64 {
	return (n + frame.PageSize - 1) &^ (frame.PageSize - 1)
}

func mmError(format string, args ...interface{}) error {
	return fmt.Errorf("mm: "+format, args...)
}
