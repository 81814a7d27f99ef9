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

package kernel

import (
	"encoding/binary"
	"runtime"
	"time"

	"github.com/intel/kcore/pkg/kernel/abi"
)

// UserContext is what a program sees of the machine: its registers, its
// memory and the system call instruction. It is only valid on the thread
// it was handed to.
type UserContext struct {
	th *thread
}

// Regs returns the register file of the thread.
func (uc *UserContext) Regs() *abi.Regs {
	return &uc.th.regs
}

// TID returns the id of the thread, without a system call.
func (uc *UserContext) TID() int {
	return uc.th.task.TID()
}

// Syscall traps into the kernel with system call nr. Calls interrupted by
// a signal are transparently restarted unless a handler without
// SA_RESTART ran. A failed call returns the errno as the error.
func (uc *UserContext) Syscall(nr uint64, args ...uint64) (uint64, error) {
	th := uc.th
	for {
		th.regs.X[abi.RegA7] = nr
		for i := 0; i < 6; i++ {
			var arg uint64
			if i < len(args) {
				arg = args[i]
			}
			th.regs.X[abi.RegA0+i] = arg
		}
		th.returnToUser(th.k.syscallTrap(th))
		if !th.restart {
			break
		}
		th.restart = false
	}

	ret := th.regs.X[abi.RegA0]
	if abi.IsError(ret) {
		return ret, abi.ErrnoFromRet(ret)
	}
	return ret, nil
}

// Checkpoint gives the kernel a chance to preempt the thread or deliver
// its signals. Long running computations call it regularly.
func (uc *UserContext) Checkpoint() {
	uc.th.returnToUser(uc.th.pendingWork())
}

// Compute keeps the core busy for d of wall clock time.
func (uc *UserContext) Compute(d time.Duration) {
	clock := uc.th.k.clock
	start := clock.Now()
	for clock.Since(start) < d {
		uc.Checkpoint()
		runtime.Gosched()
	}
}

// trap finishes a user memory access, taking the fault of a failed one.
func (uc *UserContext) trap(err error) error {
	th := uc.th
	if err != nil {
		th.returnToUser(th.k.faultTrap(th, err))
		return err
	}
	th.returnToUser(th.pendingWork())
	return nil
}

// Load reads user memory at va into buf.
func (uc *UserContext) Load(va uint64, buf []byte) error {
	return uc.trap(uc.th.memory().CopyIn(va, buf))
}

// Store writes buf to user memory at va.
func (uc *UserContext) Store(va uint64, buf []byte) error {
	return uc.trap(uc.th.memory().CopyOut(va, buf))
}

// Fetch executes the instruction at va, as far as memory is concerned.
func (uc *UserContext) Fetch(va uint64) error {
	th := uc.th
	return uc.trap(th.task.AddressSpace().Fetch(th.core.tlb, va))
}

func (uc *UserContext) Load32(va uint64) (uint32, error) {
	var buf [4]byte
	err := uc.Load(va, buf[:])
	return binary.LittleEndian.Uint32(buf[:]), err
}

func (uc *UserContext) Store32(va uint64, val uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], val)
	return uc.Store(va, buf[:])
}

func (uc *UserContext) Load64(va uint64) (uint64, error) {
	var buf [8]byte
	err := uc.Load(va, buf[:])
	return binary.LittleEndian.Uint64(buf[:]), err
}

func (uc *UserContext) Store64(va uint64, val uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	return uc.Store(va, buf[:])
}

// ReadString reads a NUL terminated string from user memory.
func (uc *UserContext) ReadString(va uint64) (string, error) {
	th := uc.th
	s, err := th.task.AddressSpace().ReadString(th.core.tlb, va, pathMax)
	return s, uc.trap(err)
}

// Args returns the argument vector the image was started with.
func (uc *UserContext) Args() []string {
	return uc.strings(uc.th.start.Argv)
}

// Env returns the environment the image was started with.
func (uc *UserContext) Env() []string {
	return uc.strings(uc.th.start.Envp)
}

func (uc *UserContext) strings(va uint64) []string {
	th := uc.th
	strs, err := readStrings(th.task.AddressSpace(), th.core.tlb, va)
	if uc.trap(err) != nil {
		return nil
	}
	return strs
}

// Handler registers fn as a signal handler and returns the address to
// install it at with sigaction.
func (uc *UserContext) Handler(fn Handler) uint64 {
	return uc.th.handlers.add(fn)
}

// push reserves n bytes on the user stack. The returned function pops
// them; it must not be deferred across an exec.
func (uc *UserContext) push(n int) (uint64, func()) {
	regs := &uc.th.regs
	sp := regs.X[abi.RegSP]
	addr := (sp - uint64(n)) &^ 15
	regs.X[abi.RegSP] = addr
	return addr, func() { regs.X[abi.RegSP] = sp }
}
