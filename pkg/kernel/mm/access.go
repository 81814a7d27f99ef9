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
)

// translate returns the frame backing va for an access, resolving faults as
// needed. tlb may be nil for accesses made outside of a core. Called with the
// lock held.
func (as *AddressSpace) translate(tlb *TLB, va uint64, access arch.Perm) (frame.PFN, error) {
	if as.dead {
		return 0, errors.Wrapf(abi.EFAULT, "access to %#x in torn down address space", va)
	}
	if tlb != nil {
		if pfn, ok := tlb.lookup(as.asid, va, access); ok {
			return pfn, nil
		}
	}

	page := pageOf(va)
	e, ok := as.pt.Walk(page)
	if ok && e.Present && e.Perm.Allows(access) {
		e = as.touch(page, e, e.Perm, access)
	} else {
		var err error
		if e, err = as.fault(va, access); err != nil {
			return 0, err
		}
	}
	if tlb != nil {
		tlb.fill(as.asid, page, e)
	}
	return e.PFN, nil
}

// access runs fn on each page sized piece of [va, va+n) in user memory.
func (as *AddressSpace) access(tlb *TLB, va uint64, n int, access arch.Perm, fn func(mem []byte, off int)) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	off := 0
	for off < n {
		addr := va + uint64(off)
		if addr < va {
			return errors.Wrapf(abi.EFAULT, "access at %#x wraps around", va)
		}
		pfn, err := as.translate(tlb, addr, access)
		if err != nil {
			return err
		}
		in := int(addr & (frame.PageSize - 1))
		chunk := min(frame.PageSize-in, n-off)
		fn(as.mem.frames.Bytes(pfn)[in:in+chunk], off)
		off += chunk
	}
	return nil
}

// CopyIn reads user memory at va into dst.
func (as *AddressSpace) CopyIn(tlb *TLB, va uint64, dst []byte) error {
	return as.access(tlb, va, len(dst), arch.PermRead, func(mem []byte, off int) {
		copy(dst[off:], mem)
	})
}

// CopyOut writes src to user memory at va.
func (as *AddressSpace) CopyOut(tlb *TLB, va uint64, src []byte) error {
	return as.access(tlb, va, len(src), arch.PermWrite, func(mem []byte, off int) {
		copy(mem, src[off:])
	})
}

// Fetch checks that va may be executed, faulting it in.
func (as *AddressSpace) Fetch(tlb *TLB, va uint64) error {
	return as.access(tlb, va, 1, arch.PermExec, func([]byte, int) {})
}

// ReadU64 reads a little endian 64-bit word from user memory.
func (as *AddressSpace) ReadU64(tlb *TLB, va uint64) (uint64, error) {
	var buf [8]byte
	if err := as.CopyIn(tlb, va, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteU64 writes a little endian 64-bit word to user memory.
func (as *AddressSpace) WriteU64(tlb *TLB, va, val uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	return as.CopyOut(tlb, va, buf[:])
}

// WriteU32 writes a little endian 32-bit word to user memory.
func (as *AddressSpace) WriteU32(tlb *TLB, va uint64, val uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], val)
	return as.CopyOut(tlb, va, buf[:])
}

// ReadString reads a NUL terminated string of at most limit bytes.
func (as *AddressSpace) ReadString(tlb *TLB, va uint64, limit int) (string, error) {
	var out []byte
	done := false
	for !done && len(out) < limit {
		chunk := min(frame.PageSize-int(va&(frame.PageSize-1)), limit-len(out))
		err := as.access(tlb, va, chunk, arch.PermRead, func(mem []byte, _ int) {
			for _, c := range mem {
				if c == 0 {
					done = true
					return
				}
				out = append(out, c)
			}
		})
		if err != nil {
			return "", err
		}
		va += uint64(chunk)
	}
	if !done {
		return "", errors.Wrapf(abi.EINVAL, "string at %#x longer than %d bytes", va, limit)
	}
	return string(out), nil
}

// Word is a 32-bit user memory word resolved to its physical location.
type Word struct {
	PFN  frame.PFN
	Addr uint64 // physical address
	Val  uint32
}

// WithWord resolves the 32-bit word at va, breaking copy-on-write sharing
// if write is set, and calls fn with the address space locked. The frame
// stays in place while fn runs.
func (as *AddressSpace) WithWord(tlb *TLB, va uint64, write bool, fn func(w Word) error) error {
	if va&3 != 0 {
		return errors.Wrapf(abi.EINVAL, "misaligned word address %#x", va)
	}
	access := arch.PermRead
	if write {
		access |= arch.PermWrite
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	pfn, err := as.translate(tlb, va, access)
	if err != nil {
		return err
	}
	off := va & (frame.PageSize - 1)
	w := Word{
		PFN:  pfn,
		Addr: pfn.Addr() + off,
		Val:  binary.LittleEndian.Uint32(as.mem.frames.Bytes(pfn)[off:]),
	}
	return fn(w)
}
