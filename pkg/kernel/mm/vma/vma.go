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

// Package vma implements the ordered, non-overlapping set of virtual memory
// areas of an address space.
package vma

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/intel/kcore/pkg/kernel/abi"
	"github.com/intel/kcore/pkg/kernel/arch"
	"github.com/intel/kcore/pkg/kernel/mm/frame"
)

// Kind labels what an area is used for.
type Kind int

const (
	// Mmap is an area created by mmap.
	Mmap Kind = iota
	// Image is a loaded executable segment.
	Image
	// Heap is the brk area.
	Heap
	// Stack is the main thread stack.
	Stack
)

func (k Kind) String() string {
	switch k {
	case Image:
		return "image"
	case Heap:
		return "heap"
	case Stack:
		return "stack"
	}
	return "mmap"
}

// File is the backing file of a file-backed area.
type File interface {
	io.ReaderAt
	// Name returns the path of the file.
	Name() string
	// Size returns the size of the file in bytes.
	Size() int64
}

// Area is a contiguous, page aligned virtual range with uniform permissions and backing.
type Area struct {
	Start  uint64
	End    uint64
	Perm   arch.Perm
	Shared bool
	Kind   Kind
	// File, if set, backs the area from file offset Offset. File content
	// beyond FileLimit reads as zeros.
	File      File
	Offset    uint64
	FileLimit uint64
}

// Len returns the length of the area in bytes.
func (a *Area) Len() uint64 {
	return a.End - a.Start
}

// Pages returns the number of pages in the area.
func (a *Area) Pages() uint64 {
	return a.Len() / frame.PageSize
}

// Contains tells if addr falls within the area.
func (a *Area) Contains(addr uint64) bool {
	return a.Start <= addr && addr < a.End
}

// Anonymous tells if the area has no backing file.
func (a *Area) Anonymous() bool {
	return a.File == nil
}

// COW tells if private copies are made of the area's pages on write.
func (a *Area) COW() bool {
	return !a.Shared
}

// FileOffset returns the file offset backing addr.
func (a *Area) FileOffset(addr uint64) uint64 {
	return a.Offset + (addr - a.Start)
}

// Copy returns a copy of the area.
func (a *Area) Copy() *Area {
	c := *a
	return &c
}

func (a *Area) String() string {
	s := "p"
	if a.Shared {
		s = "s"
	}
	backing := "anon"
	if a.File != nil {
		backing = fmt.Sprintf("%s@%#x", a.File.Name(), a.Offset)
	}
	return fmt.Sprintf("%#x-%#x %s%s %s %s", a.Start, a.End, a.Perm, s, a.Kind, backing)
}

// mergeable tells if b can be appended to a into a single area.
func (a *Area) mergeable(b *Area) bool {
	if a.End != b.Start || a.Perm != b.Perm || a.Shared != b.Shared || a.Kind != b.Kind {
		return false
	}
	if a.File == nil || b.File == nil {
		return a.File == nil && b.File == nil
	}
	return a.File == b.File && b.Offset == a.FileOffset(a.End) && a.FileLimit == b.FileLimit
}

// split cuts a at addr, shrinking a to [Start, addr) and returning [addr, End).
func (a *Area) split(addr uint64) *Area {
	b := a.Copy()
	b.Start = addr
	if b.File != nil {
		b.Offset = a.FileOffset(addr)
	}
	a.End = addr
	return b
}

// Set is a slice of areas sorted by address, never overlapping.
type Set struct {
	areas []*Area
}

// NewSet creates an empty set.
func NewSet() *Set {
	return &Set{}
}

// Len returns the number of areas.
func (s *Set) Len() int {
	return len(s.areas)
}

// Find returns the area containing addr.
func (s *Set) Find(addr uint64) (*Area, bool) {
	first, count := s.overlapping(addr, addr+1)
	if count > 0 {
		return s.areas[first], true
	}
	return nil, false
}

// Overlaps tells if any area intersects [start, end).
func (s *Set) Overlaps(start, end uint64) bool {
	_, count := s.overlapping(start, end)
	return count > 0
}

// Covered tells if [start, end) is entirely covered by areas.
func (s *Set) Covered(start, end uint64) bool {
	first, count := s.overlapping(start, end)
	next := start
	for _, a := range s.areas[first : first+count] {
		if a.Start > next {
			return false
		}
		next = a.End
	}
	return next >= end
}

// Insert adds a new area, merging it with compatible neighbours. The area
// must not overlap existing ones.
func (s *Set) Insert(a *Area) error {
	if err := checkRange(a.Start, a.End); err != nil {
		return err
	}
	first, count := s.overlapping(a.Start, a.End)
	if count > 0 {
		return errors.Wrapf(abi.EEXIST, "area %s overlaps %s", a, s.areas[first])
	}

	areas := make([]*Area, 0, len(s.areas)+1)
	areas = append(areas, s.areas[:first]...)
	areas = append(areas, a)
	areas = append(areas, s.areas[first:]...)
	s.areas = areas
	s.mergeAround(first)

	return nil
}

// Remove removes [start, end) from the set, splitting areas at the boundaries.
// It returns the removed pieces.
func (s *Set) Remove(start, end uint64) ([]*Area, error) {
	if err := checkRange(start, end); err != nil {
		return nil, err
	}
	first, count := s.isolate(start, end)
	removed := append([]*Area{}, s.areas[first:first+count]...)
	s.areas = append(s.areas[:first], s.areas[first+count:]...)
	return removed, nil
}

// Protect changes the permissions of [start, end), which must be fully covered.
// It returns the areas whose permissions were changed, with their old permissions.
func (s *Set) Protect(start, end uint64, perm arch.Perm) ([]Change, error) {
	if err := checkRange(start, end); err != nil {
		return nil, err
	}
	if !s.Covered(start, end) {
		return nil, errors.Wrapf(abi.ENOMEM, "range %#x-%#x not fully mapped", start, end)
	}
	first, count := s.isolate(start, end)
	changes := make([]Change, 0, count)
	for _, a := range s.areas[first : first+count] {
		changes = append(changes, Change{Start: a.Start, End: a.End, Old: a.Perm, Area: a})
		a.Perm = perm
	}
	for i := first + count - 1; i >= first; i-- {
		s.mergeAround(i)
	}
	return changes, nil
}

// Change records a permission change of a range.
type Change struct {
	Start, End uint64
	Old        arch.Perm
	Area       *Area
}

// FindGap finds the highest free range of length bytes ending at or below
// limit and starting at or above floor.
func (s *Set) FindGap(length, floor, limit uint64) (uint64, bool) {
	if length == 0 || limit < floor+length {
		return 0, false
	}
	hi := limit
	for i := len(s.areas) - 1; i >= 0; i-- {
		a := s.areas[i]
		if a.Start >= hi {
			continue
		}
		lo := max(a.End, floor)
		if hi >= lo && hi-lo >= length {
			return hi - length, true
		}
		hi = a.Start
		if hi <= floor {
			return 0, false
		}
	}
	if hi-floor >= length {
		return hi - length, true
	}
	return 0, false
}

// ForEach calls fn for each area in ascending address order until fn returns false.
func (s *Set) ForEach(fn func(*Area) bool) {
	for _, a := range s.areas {
		if !fn(a) {
			return
		}
	}
}

// Areas returns the areas intersecting [start, end).
func (s *Set) Areas(start, end uint64) []*Area {
	first, count := s.overlapping(start, end)
	return append([]*Area{}, s.areas[first:first+count]...)
}

// Clone returns a deep copy of the set.
func (s *Set) Clone() *Set {
	c := &Set{areas: make([]*Area, 0, len(s.areas))}
	for _, a := range s.areas {
		c.areas = append(c.areas, a.Copy())
	}
	return c
}

// Validate checks the ordering and non-overlap invariants.
func (s *Set) Validate() error {
	for i, a := range s.areas {
		if err := checkRange(a.Start, a.End); err != nil {
			return errors.Wrapf(err, "area #%d", i)
		}
		if i > 0 && s.areas[i-1].End > a.Start {
			return fmt.Errorf("vma: area %s overlaps %s", s.areas[i-1], a)
		}
	}
	return nil
}

// Dump returns a human readable listing of the set.
func (s *Set) Dump() string {
	lines := make([]string, 0, len(s.areas))
	for _, a := range s.areas {
		lines = append(lines, a.String())
	}
	return strings.Join(lines, "\n")
}

// isolate splits areas so that [start, end) falls exactly on area
// boundaries, returning the index and count of the areas inside it.
func (s *Set) isolate(start, end uint64) (int, int) {
	first, count := s.overlapping(start, end)
	if count == 0 {
		return first, 0
	}
	if a := s.areas[first]; a.Start < start {
		s.insertAt(first+1, a.split(start))
		first++
	}
	last := first + count - 1
	if a := s.areas[last]; a.End > end {
		s.insertAt(last+1, a.split(end))
	}
	return first, count
}

func (s *Set) insertAt(idx int, a *Area) {
	s.areas = append(s.areas, nil)
	copy(s.areas[idx+1:], s.areas[idx:])
	s.areas[idx] = a
}

// mergeAround merges the area at idx with its compatible neighbours.
func (s *Set) mergeAround(idx int) {
	if idx+1 < len(s.areas) && s.areas[idx].mergeable(s.areas[idx+1]) {
		s.areas[idx].End = s.areas[idx+1].End
		s.areas = append(s.areas[:idx+1], s.areas[idx+2:]...)
	}
	if idx > 0 && idx < len(s.areas) && s.areas[idx-1].mergeable(s.areas[idx]) {
		s.areas[idx-1].End = s.areas[idx].End
		s.areas = append(s.areas[:idx], s.areas[idx+1:]...)
	}
}

// overlapping returns the index of the first area intersecting [start, end)
// and the number of intersecting areas.
func (s *Set) overlapping(start, end uint64) (int, int) {
	first := sort.Search(len(s.areas), func(i int) bool { return s.areas[i].End > start })
	count := 0
	for _, a := range s.areas[first:] {
		if end <= a.Start {
			break
		}
		count++
	}
	return first, count
}

func checkRange(start, end uint64) error {
	if start%frame.PageSize != 0 || end%frame.PageSize != 0 || end <= start {
		return errors.Wrapf(abi.EINVAL, "invalid range %#x-%#x", start, end)
	}
	return nil
}
