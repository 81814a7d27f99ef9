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

// LoongArch64: four levels of 512 entries, 48-bit virtual addresses. There is
// no hardware accessed bit; it is kept in software bits with COW and swap.
const (
	la64V        = 1 << 0
	la64D        = 1 << 1
	la64PLVUser  = 3 << 2
	la64MATCC    = 1 << 4
	la64P        = 1 << 7
	la64W        = 1 << 8
	la64Modified = 1 << 9
	la64ProtNone = 1 << 10
	la64A        = 1 << 58
	la64COW      = 1 << 59
	la64Swap     = 1 << 60
	la64NR       = 1 << 61
	la64NX       = 1 << 62

	la64PAShift = 12
	la64PAMask  = (1 << 36) - 1
)

type la64 struct{}

// NewLA64 creates a LoongArch64 page table.
func NewLA64(frames *frame.Allocator) (PageTable, error) {
	t, err := newTable(la64{}, frames)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (la64) name() string {
	return "la64"
}

func (la64) layout() Layout {
	return Layout{UserTop: 1 << 47, Levels: 4}
}

func (la64) encodeLeaf(e Entry) uint64 {
	if e.Swapped {
		return la64Swap | (e.Slot&la64PAMask)<<la64PAShift
	}

	pte := uint64(la64P|la64MATCC|la64PLVUser) | (uint64(e.PFN)&la64PAMask)<<la64PAShift
	if e.Perm == PermNone {
		pte |= la64ProtNone | la64NR | la64NX
	} else {
		pte |= la64V
		if e.Perm&(PermRead|PermWrite) == 0 {
			pte |= la64NR
		}
		if e.Perm&PermExec == 0 {
			pte |= la64NX
		}
		if e.Perm&PermWrite != 0 {
			pte |= la64W
			if e.Dirty {
				pte |= la64D
			}
		}
	}
	if e.Dirty {
		pte |= la64Modified
	}
	if e.Accessed {
		pte |= la64A
	}
	if e.COW {
		pte |= la64COW
	}
	return pte
}

func (la64) decodeLeaf(pte uint64) (Entry, bool) {
	if pte&la64P == 0 {
		if pte&la64Swap != 0 {
			return Entry{Swapped: true, Slot: (pte >> la64PAShift) & la64PAMask}, true
		}
		return Entry{}, false
	}

	e := Entry{
		PFN:      frame.PFN((pte >> la64PAShift) & la64PAMask),
		Present:  true,
		Accessed: pte&la64A != 0,
		Dirty:    pte&la64Modified != 0,
		COW:      pte&la64COW != 0,
	}
	if pte&la64ProtNone == 0 {
		if pte&la64NR == 0 {
			e.Perm |= PermRead
		}
		if pte&la64W != 0 {
			e.Perm |= PermWrite
		}
		if pte&la64NX == 0 {
			e.Perm |= PermExec
		}
	}
	return e, true
}

// Directory entries hold the table address with the valid bit set.
func (la64) encodeTable(pfn frame.PFN) uint64 {
	return la64V | (uint64(pfn)&la64PAMask)<<la64PAShift
}

func (la64) decodeTable(pte uint64) (frame.PFN, bool) {
	if pte&la64V == 0 {
		return 0, false
	}
	return frame.PFN((pte >> la64PAShift) & la64PAMask), true
}

// rootRegister returns the PGDL value; the ASID lives in its own CSR.
func (la64) rootRegister(root frame.PFN, _ uint16) uint64 {
	return root.Addr()
}

func init() {
	register("la64", NewLA64)
}
