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

package vma

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intel/kcore/pkg/kernel/arch"
	"github.com/intel/kcore/pkg/kernel/mm/frame"
)

const PS = frame.PageSize

const (
	rw = arch.PermRead | arch.PermWrite
	ro = arch.PermRead
)

type testFile struct {
	*bytes.Reader
	name string
}

func (f *testFile) Name() string { return f.name }

func anon(startPage, endPage uint64, perm arch.Perm) *Area {
	return &Area{Start: startPage * PS, End: endPage * PS, Perm: perm}
}

func TestInsertMerge(t *testing.T) {
	s := NewSet()
	expectLen := func(expected int) {
		t.Helper()
		if s.Len() != expected {
			t.Errorf("expected %d areas, got %d:\n%s", expected, s.Len(), s.Dump())
		}
	}
	expectArea := func(page uint64, startPage, endPage uint64, ok bool) {
		t.Helper()
		a, found := s.Find(page * PS)
		if found != ok {
			t.Errorf("Find(page %d): expected found == %v, got %v", page, ok, found)
			return
		}
		if ok && (a.Start != startPage*PS || a.End != endPage*PS) {
			t.Errorf("Find(page %d): expected pages %d-%d, got %s", page, startPage, endPage, a)
		}
	}

	expectLen(0)
	expectArea(0, 0, 0, false)

	require.NoError(t, s.Insert(anon(10, 20, rw)))
	expectLen(1)
	expectArea(9, 0, 0, false)
	expectArea(10, 10, 20, true)
	expectArea(19, 10, 20, true)
	expectArea(20, 0, 0, false)

	// adjacent compatible areas merge on both sides
	require.NoError(t, s.Insert(anon(20, 30, rw)))
	expectLen(1)
	require.NoError(t, s.Insert(anon(5, 10, rw)))
	expectLen(1)
	expectArea(5, 5, 30, true)

	// incompatible neighbours do not
	require.NoError(t, s.Insert(anon(30, 31, ro)))
	expectLen(2)

	require.Error(t, s.Insert(anon(25, 35, rw)), "overlap")
	require.Error(t, s.Insert(&Area{Start: 100, End: PS}), "misaligned")
	require.NoError(t, s.Validate())
}

func TestRemoveSplits(t *testing.T) {
	s := NewSet()
	require.NoError(t, s.Insert(anon(0, 100, rw)))

	removed, err := s.Remove(10*PS, 20*PS)
	require.NoError(t, err)
	require.Len(t, removed, 1)
	require.Equal(t, uint64(10*PS), removed[0].Start)
	require.Equal(t, uint64(20*PS), removed[0].End)
	require.Equal(t, 2, s.Len())
	require.False(t, s.Overlaps(10*PS, 20*PS))
	require.True(t, s.Overlaps(9*PS, 11*PS))

	// removal spanning a hole and two areas
	removed, err = s.Remove(5*PS, 25*PS)
	require.NoError(t, err)
	require.Len(t, removed, 2)
	require.Equal(t, 2, s.Len())
	require.True(t, s.Covered(0, 5*PS))
	require.True(t, s.Covered(25*PS, 100*PS))
	require.False(t, s.Covered(0, 26*PS))

	// removing nothing is fine
	removed, err = s.Remove(200*PS, 300*PS)
	require.NoError(t, err)
	require.Len(t, removed, 0)
	require.NoError(t, s.Validate())
}

func TestProtectSplitsAndMerges(t *testing.T) {
	s := NewSet()
	require.NoError(t, s.Insert(anon(0, 30, rw)))

	changes, err := s.Protect(10*PS, 20*PS, ro)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, rw, changes[0].Old)
	require.Equal(t, 3, s.Len())

	a, ok := s.Find(15 * PS)
	require.True(t, ok)
	require.Equal(t, ro, a.Perm)

	// restoring the permissions merges everything back
	_, err = s.Protect(10*PS, 20*PS, rw)
	require.NoError(t, err)
	require.Equal(t, 1, s.Len())

	_, err = s.Protect(25*PS, 40*PS, ro)
	require.Error(t, err, "range not fully mapped")
	require.Equal(t, 1, s.Len())
}

func TestFileAreaSplitOffsets(t *testing.T) {
	f := &testFile{Reader: bytes.NewReader(make([]byte, 8*PS)), name: "/bin/test"}
	s := NewSet()
	require.NoError(t, s.Insert(&Area{Start: 16 * PS, End: 24 * PS, Perm: ro, File: f, Offset: 0, FileLimit: 8 * PS}))

	_, err := s.Remove(18*PS, 19*PS)
	require.NoError(t, err)
	a, ok := s.Find(20 * PS)
	require.True(t, ok)
	require.Equal(t, uint64(3*PS), a.Offset)
	require.Equal(t, uint64(4*PS), a.FileOffset(20*PS))

	// re-inserting the hole with the matching offset merges the pieces
	require.NoError(t, s.Insert(&Area{Start: 18 * PS, End: 19 * PS, Perm: ro, File: f, Offset: 2 * PS, FileLimit: 8 * PS}))
	require.Equal(t, 1, s.Len())

	other := &testFile{Reader: bytes.NewReader(nil), name: "/bin/other"}
	require.NoError(t, s.Insert(&Area{Start: 24 * PS, End: 25 * PS, Perm: ro, File: other, FileLimit: PS}))
	require.Equal(t, 2, s.Len())
}

func TestFindGap(t *testing.T) {
	s := NewSet()
	require.NoError(t, s.Insert(anon(90, 100, rw)))
	require.NoError(t, s.Insert(anon(50, 85, rw)))

	tcases := []struct {
		length, floor, limit uint64
		expected             uint64
		ok                   bool
	}{
		{length: 5 * PS, floor: 0, limit: 100 * PS, expected: 85 * PS, ok: true},
		{length: 6 * PS, floor: 0, limit: 100 * PS, expected: 44 * PS, ok: true},
		{length: 10 * PS, floor: 0, limit: 120 * PS, expected: 110 * PS, ok: true},
		{length: 50 * PS, floor: 10 * PS, limit: 95 * PS, ok: false},
		{length: 40 * PS, floor: 10 * PS, limit: 95 * PS, expected: 10 * PS, ok: true},
		{length: PS, floor: 50 * PS, limit: 85 * PS, ok: false},
	}
	for _, tc := range tcases {
		addr, ok := s.FindGap(tc.length, tc.floor, tc.limit)
		if ok != tc.ok || (ok && addr != tc.expected) {
			t.Errorf("FindGap(%d pages, %d, %d): expected %v/%d, got %v/%d",
				tc.length/PS, tc.floor/PS, tc.limit/PS, tc.ok, tc.expected/PS, ok, addr/PS)
		}
	}
}

func TestGrowAndClone(t *testing.T) {
	s := NewSet()
	heap := &Area{Start: 10 * PS, End: 11 * PS, Perm: rw, Kind: Heap}
	require.NoError(t, s.Insert(heap))
	require.NoError(t, s.Insert(anon(20, 21, rw)))

	require.NoError(t, s.Insert(&Area{Start: 11 * PS, End: 15 * PS, Perm: rw, Kind: Heap}))
	require.Equal(t, 2, s.Len(), "heap growth must merge")
	require.Error(t, s.Insert(&Area{Start: 15 * PS, End: 25 * PS, Perm: rw, Kind: Heap}), "collision")

	c := s.Clone()
	a, _ := c.Find(10 * PS)
	a.Perm = ro
	b, _ := s.Find(10 * PS)
	require.Equal(t, rw, b.Perm, "clone must be deep")
	require.Equal(t, uint64(15*PS), b.End)
}
