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

package arch

import (
	"github.com/intel/kcore/pkg/kernel/mm/frame"
)

// RISC-V Sv39: three levels of 512 entries, 39-bit virtual addresses.
const (
	sv39V = 1 << iota
	sv39R
	sv39W
	sv39X
	sv39U
	sv39G
	sv39A
	sv39D
	sv39COW  // RSW bit 0
	sv39Swap // RSW bit 1

	sv39PPNShift = 10
	sv39PPNMask  = (1 << 44) - 1
	sv39Mode     = 8
)

type sv39 struct{}

// NewSv39 creates a RISC-V Sv39 page table.
func NewSv39(frames *frame.Allocator) (PageTable, error) {
	t, err := newTable(sv39{}, frames)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (sv39) name() string {
	return "sv39"
}

func (sv39) layout() Layout {
	return Layout{UserTop: 1 << 38, Levels: 3}
}

func (sv39) encodeLeaf(e Entry) uint64 {
	if e.Swapped {
		return sv39Swap | (e.Slot&sv39PPNMask)<<sv39PPNShift
	}

	pte := uint64(sv39V) | (uint64(e.PFN)&sv39PPNMask)<<sv39PPNShift
	if e.Perm == PermNone {
		// supervisor-only readable leaf: present, but faults on user access
		pte |= sv39R
	} else {
		pte |= sv39U
		if e.Perm&(PermRead|PermWrite) != 0 {
			pte |= sv39R
		}
		if e.Perm&PermWrite != 0 {
			pte |= sv39W
		}
		if e.Perm&PermExec != 0 {
			pte |= sv39X
		}
	}
	if e.Accessed {
		pte |= sv39A
	}
	if e.Dirty {
		pte |= sv39D
	}
	if e.COW {
		pte |= sv39COW
	}
	return pte
}

func (sv39) decodeLeaf(pte uint64) (Entry, bool) {
	if pte&sv39V == 0 {
		if pte&sv39Swap != 0 {
			return Entry{Swapped: true, Slot: (pte >> sv39PPNShift) & sv39PPNMask}, true
		}
		return Entry{}, false
	}
	if pte&(sv39R|sv39W|sv39X) == 0 {
		return Entry{}, false
	}

	e := Entry{
		PFN:      frame.PFN((pte >> sv39PPNShift) & sv39PPNMask),
		Present:  true,
		Accessed: pte&sv39A != 0,
		Dirty:    pte&sv39D != 0,
		COW:      pte&sv39COW != 0,
	}
	if pte&sv39U != 0 {
		if pte&sv39R != 0 {
			e.Perm |= PermRead
		}
		if pte&sv39W != 0 {
			e.Perm |= PermWrite
		}
		if pte&sv39X != 0 {
			e.Perm |= PermExec
		}
	}
	return e, true
}

func (sv39) encodeTable(pfn frame.PFN) uint64 {
	return sv39V | (uint64(pfn)&sv39PPNMask)<<sv39PPNShift
}

func (sv39) decodeTable(pte uint64) (frame.PFN, bool) {
	if pte&sv39V == 0 || pte&(sv39R|sv39W|sv39X) != 0 {
		return 0, false
	}
	return frame.PFN((pte >> sv39PPNShift) & sv39PPNMask), true
}

func (sv39) rootRegister(root frame.PFN, asid uint16) uint64 {
	return sv39Mode<<60 | uint64(asid)<<44 | uint64(root)
}

func init() {
	register("sv39", NewSv39)
}
