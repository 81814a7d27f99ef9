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

package frame

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/intel/kcore/pkg/kernel/abi"
)

func TestNextFit(t *testing.T) {
	a, err := NewAllocator(70)
	require.NoError(t, err)

	expectAlloc := func(expected PFN) {
		t.Helper()
		pfn, err := a.Alloc()
		require.NoError(t, err)
		if pfn != expected {
			t.Errorf("expected frame %d, got %d", expected, pfn)
		}
	}

	for i := 0; i < 10; i++ {
		expectAlloc(PFN(i))
	}
	// freeing below the cursor must not move the search back
	a.Put(2)
	a.Put(3)
	expectAlloc(10)
	expectAlloc(11)

	// exhaust the tail, then the search wraps to the holes
	for i := 12; i < 70; i++ {
		expectAlloc(PFN(i))
	}
	expectAlloc(2)
	expectAlloc(3)
	require.Equal(t, 0, a.Free())

	_, err = a.Alloc()
	require.Error(t, err)
	errno, ok := abi.ErrnoOf(err)
	require.True(t, ok)
	require.Equal(t, abi.ENOMEM, errno)
	require.True(t, errors.Is(err, abi.ENOMEM))
	require.Equal(t, uint64(1), a.Stats().Failures)
}

func TestRefCounting(t *testing.T) {
	a, err := NewAllocator(4)
	require.NoError(t, err)

	pfn, err := a.Alloc()
	require.NoError(t, err)
	require.Equal(t, 1, a.RefCount(pfn))

	a.Get(pfn)
	require.Equal(t, 2, a.RefCount(pfn))
	require.Equal(t, 1, a.Put(pfn))
	require.Equal(t, 3, a.Free())
	require.Equal(t, 0, a.Put(pfn))
	require.Equal(t, 4, a.Free())
}

func TestAllocZeroFills(t *testing.T) {
	a, err := NewAllocator(1)
	require.NoError(t, err)

	pfn, err := a.Alloc()
	require.NoError(t, err)
	copy(a.Bytes(pfn), []byte("dirty"))
	a.Put(pfn)

	pfn, err = a.Alloc()
	require.NoError(t, err)
	require.Equal(t, make([]byte, PageSize), a.Bytes(pfn))
}

func TestPins(t *testing.T) {
	a, err := NewAllocator(2)
	require.NoError(t, err)

	pfn, _ := a.Alloc()
	require.False(t, a.Pinned(pfn))
	a.Pin(pfn)
	a.Pin(pfn)
	a.Unpin(pfn)
	require.True(t, a.Pinned(pfn))
	require.Equal(t, 1, a.PinnedCount())
	a.Unpin(pfn)
	require.False(t, a.Pinned(pfn))
}
