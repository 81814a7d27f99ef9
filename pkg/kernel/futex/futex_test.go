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

package futex

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intel/kcore/pkg/kernel/abi"
	"github.com/intel/kcore/pkg/kernel/arch"
	"github.com/intel/kcore/pkg/kernel/mm"
	"github.com/intel/kcore/pkg/kernel/mm/frame"
)

func setup(t *testing.T, flags uint64) (*Table, *mm.Memory, *mm.AddressSpace, uint64) {
	frames, err := frame.NewAllocator(64)
	require.NoError(t, err)
	ctor, err := arch.Lookup("sv39")
	require.NoError(t, err)
	m, err := mm.NewMemory(frames, nil, ctor, 1, mm.Config{})
	require.NoError(t, err)
	as, err := m.NewAddressSpace()
	require.NoError(t, err)
	addr, err := as.Mmap(0, frame.PageSize, abi.PROT_READ|abi.PROT_WRITE, flags|abi.MAP_ANONYMOUS, nil, 0)
	require.NoError(t, err)
	return NewTable(frames), m, as, addr
}

func woken(w *Waiter) bool {
	select {
	case <-w.Woken():
		return true
	default:
		return false
	}
}

func errno(err error) abi.Errno {
	e, _ := abi.ErrnoOf(err)
	return e
}

func TestWaitValueMismatch(t *testing.T) {
	ft, _, as, addr := setup(t, abi.MAP_PRIVATE)
	require.NoError(t, as.WriteU32(nil, addr, 1))

	w := NewWaiter(nil)
	require.Equal(t, abi.EAGAIN, errno(ft.Wait(as, nil, addr, 0, w)))
	require.Equal(t, 0, ft.Stats().Waiters)
	require.Equal(t, abi.EINVAL, errno(ft.Wait(as, nil, addr+2, 1, w)))
	require.Equal(t, abi.EFAULT, errno(ft.Wait(as, nil, 0x1000, 1, w)))
}

func TestReadOnlyWord(t *testing.T) {
	ft, _, as, addr := setup(t, abi.MAP_PRIVATE)
	require.NoError(t, as.WriteU32(nil, addr, 5))
	require.NoError(t, as.Mprotect(addr, frame.PageSize, abi.PROT_READ))

	w := NewWaiter(nil)
	require.Equal(t, abi.EAGAIN, errno(ft.Wait(as, nil, addr, 4, w)))
	require.NoError(t, ft.Wait(as, nil, addr, 5, w))
	n, err := ft.Wake(as, nil, addr, 1)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.True(t, woken(w))

	require.NoError(t, as.Mprotect(addr, frame.PageSize, abi.PROT_NONE))
	require.Equal(t, abi.EFAULT, errno(ft.Wait(as, nil, addr, 5, w)))
}

func TestWakeCount(t *testing.T) {
	ft, _, as, addr := setup(t, abi.MAP_PRIVATE)

	var waiters []*Waiter
	for i := 0; i < 3; i++ {
		w := NewWaiter(i)
		require.NoError(t, ft.Wait(as, nil, addr, 0, w))
		waiters = append(waiters, w)
	}
	key := waiters[0].Key()
	require.Equal(t, 3, ft.Waiters(key))

	n, err := ft.Wake(as, nil, addr, 2)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.True(t, woken(waiters[0]))
	require.True(t, woken(waiters[1]))
	require.False(t, woken(waiters[2]))
	require.Equal(t, 1, ft.Waiters(key))

	n, err = ft.Wake(as, nil, addr, 5)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.True(t, woken(waiters[2]))

	n, err = ft.Wake(as, nil, addr, 5)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, 0, ft.Stats().Waiters)
}

func TestWaiterPinsFrame(t *testing.T) {
	ft, m, as, addr := setup(t, abi.MAP_PRIVATE)
	frames := m.Frames()

	w := NewWaiter(nil)
	require.NoError(t, ft.Wait(as, nil, addr, 0, w))

	var pfn frame.PFN
	require.NoError(t, as.WithWord(nil, addr, false, func(word mm.Word) error {
		pfn = word.PFN
		return nil
	}))
	require.True(t, frames.Pinned(pfn))
	require.Equal(t, 2, frames.RefCount(pfn))
	require.False(t, as.Evict(addr), "pinned frame evicted")

	require.True(t, ft.Cancel(w))
	require.False(t, frames.Pinned(pfn))
	require.Equal(t, 1, frames.RefCount(pfn))

	// a woken waiter cannot be cancelled
	require.NoError(t, ft.Wait(as, nil, addr, 0, w))
	require.Equal(t, 1, ft.WakeKey(w.Key(), 1))
	require.False(t, ft.Cancel(w))
	require.Equal(t, uint64(1), ft.Stats().Cancels)
}

func TestKeyedByPhysicalAddress(t *testing.T) {
	t.Run("shared mapping", func(t *testing.T) {
		ft, _, parent, addr := setup(t, abi.MAP_SHARED)
		child, err := parent.Fork()
		require.NoError(t, err)

		w := NewWaiter(nil)
		require.NoError(t, ft.Wait(child, nil, addr, 0, w))
		n, err := ft.Wake(parent, nil, addr, 1)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.True(t, woken(w))
	})

	t.Run("private mapping", func(t *testing.T) {
		ft, _, parent, addr := setup(t, abi.MAP_PRIVATE)
		require.NoError(t, parent.WriteU32(nil, addr, 0))
		child, err := parent.Fork()
		require.NoError(t, err)

		w := NewWaiter(nil)
		require.NoError(t, ft.Wait(child, nil, addr, 0, w))
		n, err := ft.Wake(parent, nil, addr, 1)
		require.NoError(t, err)
		require.Equal(t, 0, n, "private copies must be distinct futexes")
		require.False(t, woken(w))
		require.True(t, ft.Cancel(w))
	})
}

func TestRequeue(t *testing.T) {
	ft, _, as, addr := setup(t, abi.MAP_PRIVATE)
	target := addr + 64

	var waiters []*Waiter
	for i := 0; i < 3; i++ {
		w := NewWaiter(i)
		require.NoError(t, ft.Wait(as, nil, addr, 0, w))
		waiters = append(waiters, w)
	}
	from := waiters[0].Key()

	bad := uint32(1)
	_, err := ft.Requeue(as, nil, addr, 1, 1, target, &bad)
	require.Equal(t, abi.EAGAIN, errno(err))
	require.Equal(t, 3, ft.Waiters(from))

	good := uint32(0)
	n, err := ft.Requeue(as, nil, addr, 1, 1, target, &good)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.True(t, woken(waiters[0]))

	to := waiters[1].Key()
	require.Equal(t, from+64, to)
	require.Equal(t, 1, ft.Waiters(from))
	require.Equal(t, 1, ft.Waiters(to))

	// the moved waiter wakes on the target futex
	n, err = ft.Wake(as, nil, target, 1)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.True(t, woken(waiters[1]))

	require.True(t, ft.Cancel(waiters[2]))
	require.Equal(t, 0, ft.Stats().Waiters)
}
