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

// Package arch implements the per-architecture multi-level page table formats.
// Tables live in physical frames and are reached through the PageTable interface;
// the rest of the kernel never looks at raw entries.
package arch

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/intel/kcore/pkg/kernel/abi"
	"github.com/intel/kcore/pkg/kernel/mm/frame"
)

// Perm is a set of access permissions of a mapping.
type Perm uint8

const (
	// PermRead allows loads.
	PermRead Perm = 1 << iota
	// PermWrite allows stores.
	PermWrite
	// PermExec allows instruction fetches.
	PermExec
)

// PermNone allows nothing.
const PermNone Perm = 0

// Allows tells if p permits every access in q.
func (p Perm) Allows(q Perm) bool {
	return p&q == q
}

func (p Perm) String() string {
	s := []byte("---")
	if p&PermRead != 0 {
		s[0] = 'r'
	}
	if p&PermWrite != 0 {
		s[1] = 'w'
	}
	if p&PermExec != 0 {
		s[2] = 'x'
	}
	return string(s)
}

// Entry is the decoded form of a leaf page table entry. A present entry maps
// a frame; a swapped entry refers to a swap slot. Never both.
type Entry struct {
	PFN      frame.PFN
	Perm     Perm
	Present  bool
	Swapped  bool
	Slot     uint64
	Accessed bool
	Dirty    bool
	COW      bool
}

// Layout describes the user part of a virtual address space.
type Layout struct {
	// UserTop is the first address above user space.
	UserTop uint64
	// Levels is the number of translation levels.
	Levels int
}

// PageTable is a multi-level virtual to physical translation structure.
type PageTable interface {
	// Name returns the name of the page table format.
	Name() string
	// Layout returns the address space layout of the format.
	Layout() Layout
	// Map installs or replaces the leaf entry for the page at va.
	Map(va uint64, e Entry) error
	// Unmap removes the leaf entry for va, returning the removed entry.
	Unmap(va uint64) (Entry, bool)
	// Protect changes the permissions of the present entry at va.
	Protect(va uint64, perm Perm) bool
	// Walk looks up the leaf entry for va.
	Walk(va uint64) (Entry, bool)
	// Range calls fn for each leaf entry in [start, end) in ascending order
	// until fn returns false.
	Range(start, end uint64, fn func(va uint64, e Entry) bool)
	// Activate loads the table into the translation registers of an MMU.
	Activate(mmu *MMU, asid uint16)
	// Root returns the frame of the root table.
	Root() frame.PFN
	// Release frees every table frame. Leaf frames are not touched.
	Release()
}

// MMU is the per-core translation register state.
type MMU struct {
	// Root is the raw value of the root translation register (satp, PGDL).
	Root uint64
	// ASID is the active address space identifier.
	ASID uint16
}

// format is the encoding of one page table flavor.
type format interface {
	name() string
	layout() Layout
	encodeLeaf(e Entry) uint64
	decodeLeaf(pte uint64) (Entry, bool)
	encodeTable(pfn frame.PFN) uint64
	decodeTable(pte uint64) (frame.PFN, bool)
	rootRegister(root frame.PFN, asid uint16) uint64
}

const (
	entryBits    = 9
	entriesPerPT = 1 << entryBits
	pteSize      = 8
)

// table is a radix tree of page table frames parameterized by format.
type table struct {
	f      format
	frames *frame.Allocator
	root   frame.PFN
	levels int
	top    uint64
	owned  []frame.PFN
}

func newTable(f format, frames *frame.Allocator) (*table, error) {
	root, err := frames.Alloc()
	if err != nil {
		return nil, errors.Wrap(err, "failed to allocate page table root")
	}
	l := f.layout()
	return &table{
		f:      f,
		frames: frames,
		root:   root,
		levels: l.Levels,
		top:    l.UserTop,
		owned:  []frame.PFN{root},
	}, nil
}

func (t *table) Name() string {
	return t.f.name()
}

func (t *table) Layout() Layout {
	return t.f.layout()
}

func (t *table) Root() frame.PFN {
	return t.root
}

func (t *table) Activate(mmu *MMU, asid uint16) {
	mmu.Root = t.f.rootRegister(t.root, asid)
	mmu.ASID = asid
}

func index(va uint64, level int) int {
	return int(va>>(frame.PageShift+entryBits*level)) & (entriesPerPT - 1)
}

func (t *table) load(pfn frame.PFN, idx int) uint64 {
	return binary.LittleEndian.Uint64(t.frames.Bytes(pfn)[idx*pteSize:])
}

func (t *table) store(pfn frame.PFN, idx int, pte uint64) {
	binary.LittleEndian.PutUint64(t.frames.Bytes(pfn)[idx*pteSize:], pte)
}

// leaf returns the last-level table frame holding the entry for va, allocating
// intermediate tables if create is set.
func (t *table) leaf(va uint64, create bool) (frame.PFN, bool, error) {
	if va >= t.top {
		return 0, false, errors.Wrapf(abi.EFAULT, "address %#x outside user space", va)
	}
	pt := t.root
	for level := t.levels - 1; level > 0; level-- {
		idx := index(va, level)
		next, ok := t.f.decodeTable(t.load(pt, idx))
		if !ok {
			if !create {
				return 0, false, nil
			}
			pfn, err := t.frames.Alloc()
			if err != nil {
				return 0, false, errors.Wrap(err, "failed to allocate page table")
			}
			t.owned = append(t.owned, pfn)
			t.store(pt, idx, t.f.encodeTable(pfn))
			next = pfn
		}
		pt = next
	}
	return pt, true, nil
}

func (t *table) Map(va uint64, e Entry) error {
	if e.Present == e.Swapped {
		return errors.Wrapf(abi.EINVAL, "entry for %#x must be either present or swapped", va)
	}
	pt, _, err := t.leaf(va, true)
	if err != nil {
		return err
	}
	t.store(pt, index(va, 0), t.f.encodeLeaf(e))
	return nil
}

func (t *table) Unmap(va uint64) (Entry, bool) {
	pt, ok, _ := t.leaf(va, false)
	if !ok {
		return Entry{}, false
	}
	idx := index(va, 0)
	e, ok := t.f.decodeLeaf(t.load(pt, idx))
	if ok {
		t.store(pt, idx, 0)
	}
	return e, ok
}

func (t *table) Protect(va uint64, perm Perm) bool {
	pt, ok, _ := t.leaf(va, false)
	if !ok {
		return false
	}
	idx := index(va, 0)
	e, ok := t.f.decodeLeaf(t.load(pt, idx))
	if !ok || !e.Present {
		return false
	}
	e.Perm = perm
	t.store(pt, idx, t.f.encodeLeaf(e))
	return true
}

func (t *table) Walk(va uint64) (Entry, bool) {
	pt, ok, _ := t.leaf(va, false)
	if !ok {
		return Entry{}, false
	}
	return t.f.decodeLeaf(t.load(pt, index(va, 0)))
}

func (t *table) Range(start, end uint64, fn func(uint64, Entry) bool) {
	if end > t.top {
		end = t.top
	}
	if start >= end {
		return
	}
	t.rangeLevel(t.root, t.levels-1, 0, start, end, fn)
}

// rangeLevel walks the table pt at level covering addresses from base.
func (t *table) rangeLevel(pt frame.PFN, level int, base, start, end uint64, fn func(uint64, Entry) bool) bool {
	span := uint64(1) << (frame.PageShift + entryBits*level)
	for idx := 0; idx < entriesPerPT; idx++ {
		lo := base + uint64(idx)*span
		hi := lo + span
		if hi <= start {
			continue
		}
		if lo >= end {
			return true
		}
		pte := t.load(pt, idx)
		if level == 0 {
			if e, ok := t.f.decodeLeaf(pte); ok {
				if !fn(lo, e) {
					return false
				}
			}
			continue
		}
		if next, ok := t.f.decodeTable(pte); ok {
			if !t.rangeLevel(next, level-1, lo, start, end, fn) {
				return false
			}
		}
	}
	return true
}

func (t *table) Release() {
	for _, pfn := range t.owned {
		t.frames.Put(pfn)
	}
	t.owned = nil
}

// Constructor creates a page table using the given allocator for table frames.
type Constructor func(frames *frame.Allocator) (PageTable, error)

var formats = map[string]Constructor{}

// register makes a page table format available by name.
func register(name string, c Constructor) {
	formats[name] = c
}

// Lookup returns the constructor of the named page table format.
func Lookup(name string) (Constructor, error) {
	if name == "" {
		return New, nil
	}
	if c, ok := formats[name]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("arch: unknown page table format %q", name)
}
