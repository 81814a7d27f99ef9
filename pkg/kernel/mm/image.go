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
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/intel/kcore/pkg/kernel/abi"
	"github.com/intel/kcore/pkg/kernel/arch"
	"github.com/intel/kcore/pkg/kernel/mm/frame"
	"github.com/intel/kcore/pkg/kernel/mm/vma"
)

// Segment is a loadable part of an executable file.
type Segment struct {
	Vaddr  uint64
	Memsz  uint64
	Offset uint64
	Filesz uint64
	Perm   arch.Perm
}

// Image describes the initial content of a new address space.
type Image struct {
	File     vma.File
	Entry    uint64
	Segments []Segment
	Args     []string
	Env      []string
	// Phdr, Phent and Phnum are passed to the program in the auxiliary vector.
	Phdr  uint64
	Phent uint64
	Phnum uint64
}

// StartInfo is where a freshly built image starts running.
type StartInfo struct {
	Entry        uint64
	StackPointer uint64
	Argc         uint64
	Argv         uint64
	Envp         uint64
	Brk          uint64
}

// BuildImage creates an address space holding the segments of img, an empty
// heap after the highest segment and a stack with the arguments, environment
// and auxiliary vector on it. On failure nothing is left allocated.
func (m *Memory) BuildImage(img *Image) (*AddressSpace, StartInfo, error) {
	as, err := m.NewAddressSpace()
	if err != nil {
		return nil, StartInfo{}, err
	}
	info, err := as.build(img)
	if err != nil {
		as.Release()
		return nil, StartInfo{}, err
	}
	return as, info, nil
}

func (as *AddressSpace) build(img *Image) (StartInfo, error) {
	top := as.pt.Layout().UserTop
	stackSize := pageUp(as.mem.config.StackSize)

	as.mu.Lock()
	as.stackTop = top
	as.mmapTop = top - stackSize - frame.PageSize // guard page below the stack
	brk := uint64(0)
	for i, s := range img.Segments {
		if s.Memsz == 0 {
			continue
		}
		if s.Filesz > s.Memsz || s.Vaddr+s.Memsz < s.Vaddr || s.Vaddr+s.Memsz > as.mmapTop ||
			s.Vaddr&(frame.PageSize-1) != s.Offset&(frame.PageSize-1) {
			as.mu.Unlock()
			return StartInfo{}, errors.Wrapf(abi.ENOEXEC, "invalid segment #%d", i)
		}
		start := pageOf(s.Vaddr)
		area := &vma.Area{
			Start:     start,
			End:       pageUp(s.Vaddr + s.Memsz),
			Perm:      s.Perm,
			Kind:      vma.Image,
			File:      img.File,
			Offset:    s.Offset - (s.Vaddr - start),
			FileLimit: s.Offset + s.Filesz,
		}
		if err := as.areas.Insert(area); err != nil {
			as.mu.Unlock()
			return StartInfo{}, errors.Wrapf(abi.ENOEXEC, "segment #%d: %v", i, err)
		}
		brk = max(brk, area.End)
	}
	if brk == 0 {
		as.mu.Unlock()
		return StartInfo{}, errors.Wrap(abi.ENOEXEC, "no loadable segments")
	}
	as.brkStart, as.brk = brk, brk

	stack := &vma.Area{
		Start: top - stackSize,
		End:   top,
		Perm:  arch.PermRead | arch.PermWrite,
		Kind:  vma.Stack,
	}
	if err := as.areas.Insert(stack); err != nil {
		as.mu.Unlock()
		return StartInfo{}, errors.Wrapf(abi.ENOEXEC, "stack: %v", err)
	}
	as.mu.Unlock()

	return as.setupStack(img, stack.Start)
}

// setupStack lays out, from the top of the stack down: the argument and
// environment strings, then argc, argv, envp and the auxiliary vector.
func (as *AddressSpace) setupStack(img *Image, bottom uint64) (StartInfo, error) {
	sp := as.stackTop
	push := func(s string) (uint64, error) {
		b := append([]byte(s), 0)
		if sp-uint64(len(b)) < bottom+frame.PageSize {
			return 0, errors.Wrap(abi.E2BIG, "arguments do not fit on the stack")
		}
		sp -= uint64(len(b))
		return sp, as.CopyOut(nil, sp, b)
	}

	envp := make([]uint64, 0, len(img.Env))
	for _, s := range img.Env {
		addr, err := push(s)
		if err != nil {
			return StartInfo{}, err
		}
		envp = append(envp, addr)
	}
	argv := make([]uint64, 0, len(img.Args))
	for _, s := range img.Args {
		addr, err := push(s)
		if err != nil {
			return StartInfo{}, err
		}
		argv = append(argv, addr)
	}

	auxv := []uint64{
		abi.AT_PAGESZ, frame.PageSize,
		abi.AT_ENTRY, img.Entry,
		abi.AT_PHDR, img.Phdr,
		abi.AT_PHENT, img.Phent,
		abi.AT_PHNUM, img.Phnum,
		abi.AT_NULL, 0,
	}
	words := make([]uint64, 0, 3+len(argv)+len(envp)+len(auxv))
	words = append(words, uint64(len(argv)))
	words = append(words, argv...)
	words = append(words, 0)
	words = append(words, envp...)
	words = append(words, 0)
	words = append(words, auxv...)

	size := uint64(len(words) * 8)
	if sp-size < bottom+frame.PageSize {
		return StartInfo{}, errors.Wrap(abi.E2BIG, "arguments do not fit on the stack")
	}
	sp = (sp - size) &^ 15

	buf := make([]byte, size)
	for i, w := range words {
		binary.LittleEndian.PutUint64(buf[i*8:], w)
	}
	if err := as.CopyOut(nil, sp, buf); err != nil {
		return StartInfo{}, err
	}

	return StartInfo{
		Entry:        img.Entry,
		StackPointer: sp,
		Argc:         uint64(len(argv)),
		Argv:         sp + 8,
		Envp:         sp + 8*uint64(len(argv)+2),
		Brk:          as.CurrentBrk(),
	}, nil
}
