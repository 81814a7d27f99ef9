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
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intel/kcore/pkg/kernel/abi"
	"github.com/intel/kcore/pkg/kernel/arch"
	"github.com/intel/kcore/pkg/kernel/mm/frame"
	"github.com/intel/kcore/pkg/kernel/mm/swap"
)

type memFile struct {
	name string
	data []byte
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	return bytes.NewReader(f.data).ReadAt(p, off)
}

func (f *memFile) Name() string {
	return f.name
}

func (f *memFile) Size() int64 {
	return int64(len(f.data))
}

func newMemory(t *testing.T, format string, frames int, sm *swap.Manager) *Memory {
	fa, err := frame.NewAllocator(frames)
	require.NoError(t, err)
	ctor, err := arch.Lookup(format)
	require.NoError(t, err)
	m, err := NewMemory(fa, sm, ctor, 2, Config{ReclaimBatch: 4})
	require.NoError(t, err)
	return m
}

func forEachFormat(t *testing.T, fn func(t *testing.T, format string)) {
	for _, format := range []string{"sv39", "la64"} {
		t.Run(format, func(t *testing.T) {
			fn(t, format)
		})
	}
}

const (
	rw      = abi.PROT_READ | abi.PROT_WRITE
	private = abi.MAP_PRIVATE | abi.MAP_ANONYMOUS
	shared  = abi.MAP_SHARED | abi.MAP_ANONYMOUS
)

func mustMmap(t *testing.T, as *AddressSpace, pages int, prot, flags uint64) uint64 {
	addr, err := as.Mmap(0, uint64(pages)*frame.PageSize, prot, flags, nil, 0)
	require.NoError(t, err)
	return addr
}

func readU64(t *testing.T, as *AddressSpace, va uint64) uint64 {
	v, err := as.ReadU64(nil, va)
	require.NoError(t, err)
	return v
}

func TestZeroFillDemandAllocation(t *testing.T) {
	forEachFormat(t, func(t *testing.T, format string) {
		m := newMemory(t, format, 64, nil)
		as, err := m.NewAddressSpace()
		require.NoError(t, err)
		defer as.Release()

		addr := mustMmap(t, as, 4, rw, private)
		require.Zero(t, readU64(t, as, addr))
		free := m.Frames().Free()

		buf := make([]byte, 3*frame.PageSize)
		require.NoError(t, as.CopyIn(nil, addr+frame.PageSize, buf))
		require.Equal(t, make([]byte, len(buf)), buf)
		require.Equal(t, free, m.Frames().Free(), "reads must not allocate")

		require.NoError(t, as.WriteU64(nil, addr+8, 42))
		require.Equal(t, free-1, m.Frames().Free(), "first write must allocate")
		require.Equal(t, uint64(42), readU64(t, as, addr+8))

		e, ok := as.Lookup(addr)
		require.True(t, ok)
		require.True(t, e.Dirty)
		require.False(t, e.COW)
		require.NoError(t, as.Validate())
	})
}

func TestCowIsolation(t *testing.T) {
	forEachFormat(t, func(t *testing.T, format string) {
		m := newMemory(t, format, 128, nil)
		parent, err := m.NewAddressSpace()
		require.NoError(t, err)
		defer parent.Release()

		addr := mustMmap(t, parent, 2, rw, private)
		require.NoError(t, parent.WriteU64(nil, addr, 1))
		require.NoError(t, parent.WriteU64(nil, addr+frame.PageSize, 2))

		child, err := parent.Fork()
		require.NoError(t, err)

		e, _ := parent.Lookup(addr)
		require.True(t, e.COW)
		require.False(t, e.Perm.Allows(arch.PermWrite))
		require.Equal(t, 2, m.Frames().RefCount(e.PFN))

		require.Equal(t, uint64(1), readU64(t, child, addr))

		require.NoError(t, child.WriteU64(nil, addr, 100))
		require.Equal(t, uint64(1), readU64(t, parent, addr))
		require.Equal(t, uint64(100), readU64(t, child, addr))
		require.Equal(t, 1, m.Frames().RefCount(e.PFN))

		// the parent is now the last owner and reuses the frame
		require.NoError(t, parent.WriteU64(nil, addr, 7))
		pe, _ := parent.Lookup(addr)
		require.Equal(t, e.PFN, pe.PFN)
		require.Equal(t, uint64(1), m.Stats().CowCopies)
		require.Equal(t, uint64(1), m.Stats().CowReuses)

		// untouched pages stay shared
		require.Equal(t, uint64(2), readU64(t, child, addr+frame.PageSize))

		free := m.Frames().Free()
		child.Release()
		require.Greater(t, m.Frames().Free(), free)
		require.Equal(t, uint64(2), readU64(t, parent, addr+frame.PageSize))
	})
}

func TestSharedMappingAcrossFork(t *testing.T) {
	m := newMemory(t, "", 64, nil)
	parent, err := m.NewAddressSpace()
	require.NoError(t, err)
	defer parent.Release()

	addr := mustMmap(t, parent, 1, rw, shared)
	require.NoError(t, parent.WriteU64(nil, addr, 5))

	child, err := parent.Fork()
	require.NoError(t, err)
	defer child.Release()

	require.NoError(t, child.WriteU64(nil, addr, 6))
	require.Equal(t, uint64(6), readU64(t, parent, addr))
}

func TestSharedPagesTouchedAfterFork(t *testing.T) {
	m := newMemory(t, "", 64, nil)
	parent, err := m.NewAddressSpace()
	require.NoError(t, err)

	addr := mustMmap(t, parent, 2, rw, shared)
	child, err := parent.Fork()
	require.NoError(t, err)

	require.NoError(t, child.WriteU64(nil, addr+frame.PageSize, 11))
	require.Equal(t, uint64(11), readU64(t, parent, addr+frame.PageSize))
	require.Equal(t, 1, m.Cache().Len())

	child.Release()
	require.Equal(t, 1, m.Cache().Len())
	parent.Release()
	require.Equal(t, 0, m.Cache().Len())
}

func TestMmapMunmap(t *testing.T) {
	m := newMemory(t, "", 64, nil)
	as, err := m.NewAddressSpace()
	require.NoError(t, err)
	defer as.Release()

	addr := mustMmap(t, as, 3, rw, private)
	require.NoError(t, as.WriteU64(nil, addr+frame.PageSize, 9))
	require.NoError(t, as.Munmap(addr, 3*frame.PageSize))

	_, err = as.ReadU64(nil, addr+frame.PageSize)
	require.Error(t, err)
	fe, ok := IsFault(err)
	require.True(t, ok)
	require.Equal(t, FaultSegv, fe.Result)
	require.False(t, fe.Mapped)
	errno, _ := abi.ErrnoOf(err)
	require.Equal(t, abi.EFAULT, errno)

	present, swapped := as.Resident()
	require.Zero(t, present)
	require.Zero(t, swapped)

	_, err = as.Mmap(0, 0, rw, private, nil, 0)
	errno, _ = abi.ErrnoOf(err)
	require.Equal(t, abi.EINVAL, errno)

	_, err = as.Mmap(0, frame.PageSize, rw, abi.MAP_ANONYMOUS, nil, 0)
	errno, _ = abi.ErrnoOf(err)
	require.Equal(t, abi.EINVAL, errno)

	fixed := uint64(0x400000)
	got, err := as.Mmap(fixed, frame.PageSize, rw, private|abi.MAP_FIXED, nil, 0)
	require.NoError(t, err)
	require.Equal(t, fixed, got)
	_, err = as.Mmap(fixed, frame.PageSize, rw, private|abi.MAP_FIXED_NOREPLACE, nil, 0)
	errno, _ = abi.ErrnoOf(err)
	require.Equal(t, abi.EEXIST, errno)
}

func TestMprotect(t *testing.T) {
	m := newMemory(t, "", 64, nil)
	as, err := m.NewAddressSpace()
	require.NoError(t, err)
	defer as.Release()

	addr := mustMmap(t, as, 2, rw, private)
	require.NoError(t, as.WriteU64(nil, addr, 3))
	require.NoError(t, as.Mprotect(addr, frame.PageSize, abi.PROT_READ))

	err = as.WriteU64(nil, addr, 4)
	fe, ok := IsFault(err)
	require.True(t, ok)
	require.True(t, fe.Mapped)
	require.Equal(t, uint64(3), readU64(t, as, addr))
	require.NoError(t, as.WriteU64(nil, addr+frame.PageSize, 4))

	require.NoError(t, as.Mprotect(addr, frame.PageSize, abi.PROT_NONE))
	_, err = as.ReadU64(nil, addr)
	require.Error(t, err)

	require.NoError(t, as.Mprotect(addr, 2*frame.PageSize, rw))
	require.NoError(t, as.WriteU64(nil, addr, 4))
	require.Len(t, as.Areas(addr, addr+2*frame.PageSize), 1)

	err = as.Mprotect(addr, 3*frame.PageSize, rw)
	errno, _ := abi.ErrnoOf(err)
	require.Equal(t, abi.ENOMEM, errno)
}

func TestSwapRoundTrip(t *testing.T) {
	forEachFormat(t, func(t *testing.T, format string) {
		sm, err := swap.NewManager(64*1024, nil)
		require.NoError(t, err)
		m := newMemory(t, format, 64, sm)
		as, err := m.NewAddressSpace()
		require.NoError(t, err)
		defer as.Release()

		addr := mustMmap(t, as, 1, rw, private)
		page := make([]byte, frame.PageSize)
		rand.New(rand.NewSource(1)).Read(page)
		require.NoError(t, as.CopyOut(nil, addr, page))

		require.True(t, as.Evict(addr))
		e, ok := as.Lookup(addr)
		require.True(t, ok)
		require.True(t, e.Swapped)
		require.Equal(t, 1, sm.Stats().Compressed)

		got := make([]byte, frame.PageSize)
		require.NoError(t, as.CopyIn(nil, addr, got))
		require.True(t, bytes.Equal(page, got))
		require.Equal(t, uint64(1), m.Stats().SwapIns)
		require.Zero(t, sm.Stats().Compressed)
	})
}

func TestSwappedPagesSurviveFork(t *testing.T) {
	sm, err := swap.NewManager(64*1024, nil)
	require.NoError(t, err)
	m := newMemory(t, "", 64, sm)
	parent, err := m.NewAddressSpace()
	require.NoError(t, err)
	defer parent.Release()

	addr := mustMmap(t, parent, 1, rw, private)
	require.NoError(t, parent.WriteU64(nil, addr, 77))
	require.True(t, parent.Evict(addr))

	child, err := parent.Fork()
	require.NoError(t, err)

	require.NoError(t, child.WriteU64(nil, addr, 78))
	require.Equal(t, uint64(77), readU64(t, parent, addr))
	child.Release()
	require.Zero(t, sm.Stats().Compressed)
}

func TestOvercommit(t *testing.T) {
	const (
		frames    = 32
		swapPages = 24
		pages     = 128
	)
	sm, err := swap.NewManager(swapPages*(frame.PageSize+64), nil)
	require.NoError(t, err)
	m := newMemory(t, "", frames, sm)
	as, err := m.NewAddressSpace()
	require.NoError(t, err)
	defer as.Release()

	addr := mustMmap(t, as, pages, rw, private)
	rnd := rand.New(rand.NewSource(7))
	page := make([]byte, frame.PageSize)

	written := 0
	for ; written < pages; written++ {
		rnd.Read(page)
		if err = as.CopyOut(nil, addr+uint64(written)*frame.PageSize, page); err != nil {
			break
		}
	}
	require.Error(t, err)
	errno, _ := abi.ErrnoOf(err)
	require.Equal(t, abi.ENOMEM, errno)
	require.Greater(t, written, frames)
	require.Greater(t, m.Stats().Evictions, uint64(0))

	// the last written page is still resident and intact
	last := addr + uint64(written-1)*frame.PageSize
	require.NoError(t, as.CopyIn(nil, last, make([]byte, 8)))

	require.NoError(t, as.Munmap(addr, pages*frame.PageSize))
	require.Zero(t, sm.Stats().Compressed)
	require.Greater(t, m.Frames().Free(), frames/2)
}

func TestEvictionDropsCleanFilePages(t *testing.T) {
	m := newMemory(t, "", 64, nil)
	as, err := m.NewAddressSpace()
	require.NoError(t, err)
	defer as.Release()

	f := &memFile{name: "data", data: bytes.Repeat([]byte{0xab}, frame.PageSize)}
	addr, err := as.Mmap(0, frame.PageSize, abi.PROT_READ, abi.MAP_PRIVATE, f, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0xabababababababab), readU64(t, as, addr))

	require.True(t, as.Evict(addr))
	_, ok := as.Lookup(addr)
	require.False(t, ok)
	require.Equal(t, uint64(1), m.Stats().Drops)
	require.Equal(t, uint64(0xabababababababab), readU64(t, as, addr))
}

func TestSharedFileMapping(t *testing.T) {
	m := newMemory(t, "", 64, nil)
	a, err := m.NewAddressSpace()
	require.NoError(t, err)
	defer a.Release()
	b, err := m.NewAddressSpace()
	require.NoError(t, err)
	defer b.Release()

	f := &memFile{name: "shm", data: make([]byte, 100)}
	va, err := a.Mmap(0, frame.PageSize, rw, abi.MAP_SHARED, f, 0)
	require.NoError(t, err)
	vb, err := b.Mmap(0, frame.PageSize, rw, abi.MAP_SHARED, f, 0)
	require.NoError(t, err)

	require.NoError(t, a.WriteU64(nil, va+16, 0x1234))
	require.Equal(t, uint64(0x1234), readU64(t, b, vb+16))
	require.Equal(t, 1, m.Cache().Len())

	require.NoError(t, a.Munmap(va, frame.PageSize))
	require.NoError(t, b.Munmap(vb, frame.PageSize))
	m.Cache().Drop(f)
	require.Zero(t, m.Cache().Len())
}

func TestBrk(t *testing.T) {
	m := newMemory(t, "", 64, nil)
	as, err := m.NewAddressSpace()
	require.NoError(t, err)
	defer as.Release()

	base := uint64(0x100000)
	as.SetBrkBase(base)
	require.Equal(t, base, as.Brk(base-frame.PageSize))
	require.Equal(t, base+5000, as.Brk(base+5000))
	require.NoError(t, as.WriteU64(nil, base+4096, 1))

	require.Equal(t, base+3*frame.PageSize, as.Brk(base+3*frame.PageSize))
	require.Len(t, as.Areas(base, base+3*frame.PageSize), 1)

	require.Equal(t, base, as.Brk(base))
	_, err = as.ReadU64(nil, base)
	require.Error(t, err)
	require.Equal(t, base, as.CurrentBrk())

	// growth after mprotect has split the heap
	require.Equal(t, base+4*frame.PageSize, as.Brk(base+4*frame.PageSize))
	require.NoError(t, as.Mprotect(base, frame.PageSize, abi.PROT_READ))
	require.Equal(t, base+8*frame.PageSize, as.Brk(base+8*frame.PageSize))
	require.Equal(t, base+8*frame.PageSize, as.CurrentBrk())
	require.Len(t, as.Areas(base, base+8*frame.PageSize), 2)
	require.NoError(t, as.WriteU64(nil, base+7*frame.PageSize, 7))
	require.Error(t, as.WriteU64(nil, base, 7))
}

func TestBuildImage(t *testing.T) {
	forEachFormat(t, func(t *testing.T, format string) {
		m := newMemory(t, format, 128, nil)
		data := make([]byte, 0x1100)
		copy(data, "\x7fELF")
		for i := 0x1010; i < 0x1018; i++ {
			data[i] = 0xcc
		}
		data[0x1018] = 0xdd // beyond filesz, must read as zero
		f := &memFile{name: "/bin/test", data: data}

		as, info, err := m.BuildImage(&Image{
			File:  f,
			Entry: 0x10000,
			Segments: []Segment{
				{Vaddr: 0x10000, Memsz: 0x100, Offset: 0, Filesz: 0x100, Perm: arch.PermRead | arch.PermExec},
				{Vaddr: 0x11010, Memsz: 0x2000, Offset: 0x1010, Filesz: 8, Perm: arch.PermRead | arch.PermWrite},
			},
			Args: []string{"test", "-v"},
			Env:  []string{"HOME=/"},
		})
		require.NoError(t, err)
		defer as.Release()

		require.NoError(t, as.Fetch(nil, info.Entry))
		buf := make([]byte, 4)
		require.NoError(t, as.CopyIn(nil, 0x10000, buf))
		require.Equal(t, "\x7fELF", string(buf))
		require.Equal(t, uint64(0xcccccccccccccccc), readU64(t, as, 0x11010))
		require.Zero(t, readU64(t, as, 0x11018))
		require.Zero(t, readU64(t, as, 0x12800))
		require.Equal(t, uint64(0x14000), info.Brk)

		// text is not writable, data is not executable
		require.Error(t, as.WriteU64(nil, 0x10000, 0))
		require.Error(t, as.Fetch(nil, 0x11010))

		require.Equal(t, uint64(2), readU64(t, as, info.StackPointer))
		require.Zero(t, info.StackPointer%16)
		argv1, err := as.ReadU64(nil, info.Argv+8)
		require.NoError(t, err)
		s, err := as.ReadString(nil, argv1, 64)
		require.NoError(t, err)
		require.Equal(t, "-v", s)
		envp0, err := as.ReadU64(nil, info.Envp)
		require.NoError(t, err)
		s, err = as.ReadString(nil, envp0, 64)
		require.NoError(t, err)
		require.Equal(t, "HOME=/", s)

		// auxv follows the NULL terminating envp
		aux := make([]byte, 16)
		require.NoError(t, as.CopyIn(nil, info.Envp+16, aux))
		require.Equal(t, uint64(abi.AT_PAGESZ), binary.LittleEndian.Uint64(aux))
		require.Equal(t, uint64(frame.PageSize), binary.LittleEndian.Uint64(aux[8:]))
	})
}

func TestBuildImageFailureReleasesEverything(t *testing.T) {
	m := newMemory(t, "", 64, nil)
	free := m.Frames().Free()
	_, _, err := m.BuildImage(&Image{
		Segments: []Segment{
			{Vaddr: 0x10000, Memsz: 0x2000, Perm: arch.PermRead},
			{Vaddr: 0x11000, Memsz: 0x1000, Perm: arch.PermRead},
		},
	})
	errno, _ := abi.ErrnoOf(err)
	require.Equal(t, abi.ENOEXEC, errno)
	require.Equal(t, free, m.Frames().Free())
	require.Zero(t, m.Stats().Spaces)
}

func TestTLBShootdown(t *testing.T) {
	m := newMemory(t, "", 64, nil)
	as, err := m.NewAddressSpace()
	require.NoError(t, err)
	defer as.Release()

	tlb := m.TLB(1)
	as.Activate(tlb)
	require.Equal(t, as.ASID(), tlb.MMU().ASID)

	addr := mustMmap(t, as, 1, rw, private)
	require.NoError(t, as.WriteU64(tlb, addr, 11))
	v, err := as.ReadU64(tlb, addr)
	require.NoError(t, err)
	require.Equal(t, uint64(11), v)
	hits, _ := tlb.Stats()
	require.NotZero(t, hits)

	require.NoError(t, as.Munmap(addr, frame.PageSize))
	_, err = as.ReadU64(tlb, addr)
	require.Error(t, err)
	require.NotZero(t, m.Stats().Shootdowns)
}

func TestWithWordBreaksCow(t *testing.T) {
	m := newMemory(t, "", 64, nil)
	parent, err := m.NewAddressSpace()
	require.NoError(t, err)
	defer parent.Release()

	addr := mustMmap(t, parent, 1, rw, private)
	require.NoError(t, parent.WriteU32(nil, addr+4, 3))
	child, err := parent.Fork()
	require.NoError(t, err)
	defer child.Release()

	var pw, cw Word
	require.NoError(t, parent.WithWord(nil, addr+4, true, func(w Word) error { pw = w; return nil }))
	require.NoError(t, child.WithWord(nil, addr+4, true, func(w Word) error { cw = w; return nil }))
	require.Equal(t, uint32(3), pw.Val)
	require.Equal(t, uint32(3), cw.Val)
	require.NotEqual(t, pw.Addr, cw.Addr)

	err = parent.WithWord(nil, addr+2, false, func(Word) error { return nil })
	errno, _ := abi.ErrnoOf(err)
	require.Equal(t, abi.EINVAL, errno)
}
