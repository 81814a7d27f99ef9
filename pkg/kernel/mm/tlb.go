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
	"sync"

	"github.com/intel/kcore/pkg/kernel/arch"
	"github.com/intel/kcore/pkg/kernel/mm/frame"
)

// tlbSize is the number of entries a TLB holds before it is flushed.
const tlbSize = 256

type tlbKey struct {
	asid uint16
	vpn  uint64
}

type tlbEntry struct {
	pfn  frame.PFN
	perm arch.Perm // write only once the entry is dirty
}

// TLB is a per-core software translation cache tagged by address space id.
// Entries are filled on page table walks and removed by shootdowns.
type TLB struct {
	sync.Mutex
	core    int
	mmu     arch.MMU
	entries map[tlbKey]tlbEntry
	hits    uint64
	misses  uint64
}

func newTLB(core int) *TLB {
	return &TLB{
		core:    core,
		entries: make(map[tlbKey]tlbEntry, tlbSize),
	}
}

// Core returns the id of the core owning the TLB.
func (t *TLB) Core() int {
	return t.core
}

// MMU returns the translation registers last loaded on the core.
func (t *TLB) MMU() arch.MMU {
	t.Lock()
	defer t.Unlock()
	return t.mmu
}

func (t *TLB) lookup(asid uint16, va uint64, access arch.Perm) (frame.PFN, bool) {
	t.Lock()
	defer t.Unlock()
	e, ok := t.entries[tlbKey{asid, va >> frame.PageShift}]
	if !ok || !e.perm.Allows(access) {
		t.misses++
		return 0, false
	}
	t.hits++
	return e.pfn, true
}

func (t *TLB) fill(asid uint16, va uint64, e arch.Entry) {
	perm := e.Perm
	if !e.Dirty {
		perm &^= arch.PermWrite
	}
	t.Lock()
	defer t.Unlock()
	if len(t.entries) >= tlbSize {
		clear(t.entries)
	}
	t.entries[tlbKey{asid, va >> frame.PageShift}] = tlbEntry{pfn: e.PFN, perm: perm}
}

// invalidate drops the translations of [start, end) for an address space.
func (t *TLB) invalidate(asid uint16, start, end uint64) {
	t.Lock()
	defer t.Unlock()
	if end-start > tlbSize*frame.PageSize {
		for k := range t.entries {
			if k.asid == asid && k.vpn >= start>>frame.PageShift && k.vpn < end>>frame.PageShift {
				delete(t.entries, k)
			}
		}
		return
	}
	for va := start; va < end; va += frame.PageSize {
		delete(t.entries, tlbKey{asid, va >> frame.PageShift})
	}
}

// flush drops every translation of an address space.
func (t *TLB) flush(asid uint16) {
	t.Lock()
	defer t.Unlock()
	for k := range t.entries {
		if k.asid == asid {
			delete(t.entries, k)
		}
	}
}

// Stats returns the hit and miss counts of the TLB.
func (t *TLB) Stats() (hits, misses uint64) {
	t.Lock()
	defer t.Unlock()
	return t.hits, t.misses
}
