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
	"github.com/intel/kcore/pkg/kernel/mm/frame"
	"github.com/intel/kcore/pkg/kernel/mm/vma"
)

// reclaim tries to free target frames, first from the page cache, then by
// a second-chance sweep over the address spaces. held is the address space
// locked by the caller, or nil; other address spaces are skipped if busy.
func (m *Memory) reclaim(held *AddressSpace, target int) int {
	m.stats.reclaimRuns.Add(1)

	freed := m.cache.shrink(target)
	if freed >= target {
		return freed
	}

	m.mu.Lock()
	spaces := append([]*AddressSpace(nil), m.spaces...)
	start := m.hand
	m.mu.Unlock()

	// the first pass may only clear accessed bits
	for pass := 0; pass < 2 && freed < target; pass++ {
		for i := 0; i < len(spaces) && freed < target; i++ {
			as := spaces[(start+i)%len(spaces)]
			if as != held && !as.mu.TryLock() {
				continue
			}
			if !as.dead {
				freed += as.sweep(target - freed)
			}
			if as != held {
				as.mu.Unlock()
			}
		}
	}

	m.mu.Lock()
	if n := len(m.spaces); n > 0 {
		m.hand = (start + 1) % n
	}
	m.mu.Unlock()

	if freed < target {
		log.Debug("reclaim freed %d of %d frames", freed, target)
	}
	return freed
}

// sweep continues the clock sweep of the address space, giving accessed
// pages a second chance and evicting the others until want frames are
// freed or every page was visited. Called with the lock held.
func (as *AddressSpace) sweep(want int) int {
	top := as.pt.Layout().UserTop
	freed, aged := 0, false

	visit := func(va uint64, e arch.Entry) bool {
		as.sweepVA = va + frame.PageSize
		if !e.Present {
			return true
		}
		area, ok := as.areas.Find(va)
		if !ok || area.Shared || as.mem.frames.Pinned(e.PFN) {
			return true
		}
		if e.Accessed {
			e.Accessed = false
			as.pt.Map(va, e)
			aged = true
			return true
		}
		if as.evict(va, e, area) {
			freed++
		}
		return freed < want
	}

	from := as.sweepVA
	as.pt.Range(from, top, visit)
	if freed < want && from > 0 {
		as.pt.Range(0, from, visit)
	}
	if freed < want {
		as.sweepVA = 0
	}
	if aged {
		as.shootdownAll()
	}
	return freed
}

// evict removes a page from memory. Pages identical to their backing are
// dropped, others are written to swap. Reports whether a frame was freed.
func (as *AddressSpace) evict(va uint64, e arch.Entry, area *vma.Area) bool {
	m := as.mem

	if e.PFN == m.zero || (!area.Anonymous() && !e.Dirty) {
		as.pt.Unmap(va)
		as.shootdown(va, va+frame.PageSize)
		as.resident--
		m.stats.drops.Add(1)
		return m.frames.Put(e.PFN) == 0
	}

	if m.swap == nil {
		return false
	}
	// a frame shared copy-on-write gets a private slot for this mapping only
	slot, err := m.swap.Store(m.frames.Bytes(e.PFN))
	if err != nil {
		oomLog.Warn("address space %d: failed to swap out %#x: %v", as.asid, va, err)
		return false
	}
	if err := as.pt.Map(va, arch.Entry{Swapped: true, Slot: uint64(slot)}); err != nil {
		log.Error("internal error: failed to install swap entry for %#x: %v", va, err)
		m.swap.Free(slot)
		return false
	}
	as.shootdown(va, va+frame.PageSize)
	as.resident--
	as.swapped++
	m.stats.evictions.Add(1)
	return m.frames.Put(e.PFN) == 0
}

// age clears the accessed bits of every address space not in use.
func (m *Memory) age() {
	for _, as := range m.Spaces() {
		if !as.mu.TryLock() {
			continue
		}
		if !as.dead {
			as.ageLocked()
		}
		as.mu.Unlock()
	}
}

func (as *AddressSpace) ageLocked() {
	var young []arch.Entry
	var vas []uint64
	as.pt.Range(0, as.pt.Layout().UserTop, func(va uint64, e arch.Entry) bool {
		if e.Present && e.Accessed {
			e.Accessed = false
			young = append(young, e)
			vas = append(vas, va)
		}
		return true
	})
	for i, e := range young {
		as.pt.Map(vas[i], e)
	}
	if len(young) > 0 {
		as.shootdownAll()
	}
}

// Evict forces the page at va out of memory, for testing and inspection.
func (as *AddressSpace) Evict(va uint64) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	page := pageOf(va)
	e, ok := as.pt.Walk(page)
	if !ok || !e.Present {
		return false
	}
	area, ok := as.areas.Find(page)
	if !ok || area.Shared || as.mem.frames.Pinned(e.PFN) {
		return false
	}
	as.evict(page, e, area)
	e, _ = as.pt.Walk(page)
	return !e.Present
}
