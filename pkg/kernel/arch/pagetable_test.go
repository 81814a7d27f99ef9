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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/intel/kcore/pkg/kernel/mm/frame"
)

const PS = frame.PageSize

func forEachFormat(t *testing.T, fn func(t *testing.T, frames *frame.Allocator, pt PageTable)) {
	for _, name := range []string{"sv39", "la64"} {
		t.Run(name, func(t *testing.T) {
			frames, err := frame.NewAllocator(64)
			require.NoError(t, err)
			c, err := Lookup(name)
			require.NoError(t, err)
			pt, err := c(frames)
			require.NoError(t, err)
			require.Equal(t, name, pt.Name())
			fn(t, frames, pt)
		})
	}
}

func TestEntryRoundTrip(t *testing.T) {
	entries := []Entry{
		{PFN: 7, Perm: PermRead, Present: true},
		{PFN: 8, Perm: PermRead | PermWrite, Present: true, Accessed: true, Dirty: true},
		{PFN: 9, Perm: PermRead | PermExec, Present: true, Accessed: true},
		{PFN: 10, Perm: PermRead, Present: true, COW: true, Dirty: true},
		{PFN: 0, Perm: PermNone, Present: true},
		{Swapped: true, Slot: 12345},
		{Swapped: true, Slot: 0},
	}
	forEachFormat(t, func(t *testing.T, _ *frame.Allocator, pt PageTable) {
		for i, e := range entries {
			va := uint64(i+1) * 0x201000
			require.NoError(t, pt.Map(va, e))
			got, ok := pt.Walk(va)
			require.True(t, ok, "walk %#x", va)
			if diff := cmp.Diff(e, got); diff != "" {
				t.Errorf("entry %d mismatch (-want +got):\n%s", i, diff)
			}
		}
	})
}

func TestMapUnmapProtect(t *testing.T) {
	forEachFormat(t, func(t *testing.T, frames *frame.Allocator, pt PageTable) {
		free := frames.Free()
		va := uint64(0x40000000)

		_, ok := pt.Walk(va)
		require.False(t, ok)
		require.Equal(t, free, frames.Free(), "walk must not allocate tables")

		require.NoError(t, pt.Map(va, Entry{PFN: 3, Perm: PermRead | PermWrite, Present: true}))
		require.Equal(t, free-(pt.Layout().Levels-1), frames.Free(), "intermediate tables")

		require.True(t, pt.Protect(va, PermRead))
		e, ok := pt.Walk(va)
		require.True(t, ok)
		require.Equal(t, PermRead, e.Perm)
		require.Equal(t, frame.PFN(3), e.PFN)

		old, ok := pt.Unmap(va)
		require.True(t, ok)
		require.Equal(t, frame.PFN(3), old.PFN)
		_, ok = pt.Walk(va)
		require.False(t, ok)
		require.False(t, pt.Protect(va, PermRead))

		require.Error(t, pt.Map(pt.Layout().UserTop, Entry{PFN: 1, Present: true}))
		require.Error(t, pt.Map(va, Entry{PFN: 1}), "neither present nor swapped")

		pt.Release()
		require.Equal(t, frames.Total(), frames.Free())
	})
}

func TestRange(t *testing.T) {
	forEachFormat(t, func(t *testing.T, _ *frame.Allocator, pt PageTable) {
		vas := []uint64{0x1000, 0x2000, 0x200000, 0x40000000, 0x40001000}
		for i, va := range vas {
			require.NoError(t, pt.Map(va, Entry{PFN: frame.PFN(i), Perm: PermRead, Present: true}))
		}

		seen := []uint64{}
		pt.Range(0x2000, 0x40001000, func(va uint64, e Entry) bool {
			seen = append(seen, va)
			return true
		})
		require.Equal(t, []uint64{0x2000, 0x200000, 0x40000000}, seen)

		seen = seen[:0]
		pt.Range(0, pt.Layout().UserTop, func(va uint64, e Entry) bool {
			seen = append(seen, va)
			return len(seen) < 2
		})
		require.Equal(t, []uint64{0x1000, 0x2000}, seen)
	})
}

func TestActivate(t *testing.T) {
	forEachFormat(t, func(t *testing.T, _ *frame.Allocator, pt PageTable) {
		mmu := &MMU{}
		pt.Activate(mmu, 5)
		require.Equal(t, uint16(5), mmu.ASID)
		if pt.Name() == "sv39" {
			require.Equal(t, uint64(sv39Mode), mmu.Root>>60)
			require.Equal(t, uint64(pt.Root()), mmu.Root&((1<<44)-1))
		} else {
			require.Equal(t, pt.Root().Addr(), mmu.Root)
		}
	})
}

func TestPermString(t *testing.T) {
	tcases := map[Perm]string{
		PermNone:                        "---",
		PermRead:                        "r--",
		PermRead | PermWrite:            "rw-",
		PermRead | PermWrite | PermExec: "rwx",
		PermExec:                        "--x",
	}
	for perm, expected := range tcases {
		if perm.String() != expected {
			t.Errorf("expected %q, got %q", expected, perm.String())
		}
	}
	if !(PermRead | PermWrite).Allows(PermWrite) || PermRead.Allows(PermWrite) {
		t.Errorf("unexpected Allows() result")
	}
}
