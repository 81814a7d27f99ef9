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
	"time"

	"github.com/intel/kcore/pkg/kernel/abi"
	"github.com/intel/kcore/pkg/kernel/signal"
	"github.com/intel/kcore/pkg/utils/cpuset"
)

// This file has the thin system call wrappers programs use, in the
// manner of a C library.

// Exit exits the process. It does not return.
func (uc *UserContext) Exit(code int) {
	_, _ = uc.Syscall(abi.SysExitGroup, uint64(code))
}

// ExitThread exits the calling thread only. It does not return.
func (uc *UserContext) ExitThread(code int) {
	_, _ = uc.Syscall(abi.SysExit, uint64(code))
}

func (uc *UserContext) Getpid() int {
	pid, _ := uc.Syscall(abi.SysGetpid)
	return int(pid)
}

func (uc *UserContext) Getppid() int {
	pid, _ := uc.Syscall(abi.SysGetppid)
	return int(pid)
}

func (uc *UserContext) Gettid() int {
	tid, _ := uc.Syscall(abi.SysGettid)
	return int(tid)
}

// SetTidAddress sets the word cleared and futex-woken when the thread exits.
func (uc *UserContext) SetTidAddress(addr uint64) int {
	tid, _ := uc.Syscall(abi.SysSetTidAddress, addr)
	return int(tid)
}

// Clone creates a task running entry. The parent gets the id of the
// child; the child starts in entry with a copy of the parent's registers.
func (uc *UserContext) Clone(flags, stack, ptid, tls, ctid uint64, entry Program) (int, error) {
	uc.th.cloneEntry = entry
	tid, err := uc.Syscall(abi.SysClone, flags, stack, ptid, tls, ctid)
	uc.th.cloneEntry = nil
	return int(tid), err
}

// Fork creates a child process running child.
func (uc *UserContext) Fork(child Program) (int, error) {
	return uc.Clone(uint64(abi.SIGCHLD), 0, 0, 0, 0, child)
}

// Vfork creates a child process sharing the address space, and waits
// until the child execs or exits.
func (uc *UserContext) Vfork(child Program) (int, error) {
	return uc.Clone(abi.CLONE_VM|abi.CLONE_VFORK|uint64(abi.SIGCHLD), 0, 0, 0, 0, child)
}

// ThreadFlags are the clone flags of a thread of the calling process.
const ThreadFlags = abi.CLONE_VM | abi.CLONE_FS | abi.CLONE_FILES | abi.CLONE_SIGHAND | abi.CLONE_THREAD

// Thread starts a thread running fn on stack. If tidAddr is not zero the
// thread id is stored there, and cleared and futex-woken once the thread
// exits, so it can be joined.
func (uc *UserContext) Thread(fn Program, stack, tidAddr uint64) (int, error) {
	flags := uint64(ThreadFlags)
	if tidAddr != 0 {
		flags |= abi.CLONE_PARENT_SETTID | abi.CLONE_CHILD_CLEARTID
	}
	return uc.Clone(flags, stack, tidAddr, 0, tidAddr, fn)
}

// Execve replaces the program of the process. It only returns on failure.
func (uc *UserContext) Execve(path string, argv, envp []string) error {
	size := len(path) + 1 + (len(argv)+len(envp)+2)*8
	for _, s := range argv {
		size += len(s) + 1
	}
	for _, s := range envp {
		size += len(s) + 1
	}
	base, pop := uc.push(size)

	buf := make([]byte, size)
	off := 0
	putString := func(s string) uint64 {
		addr := base + uint64(off)
		off += copy(buf[off:], s) + 1
		return addr
	}
	pathAddr := putString(path)
	vectors := make([]uint64, 0, len(argv)+len(envp)+2)
	for _, s := range argv {
		vectors = append(vectors, putString(s))
	}
	vectors = append(vectors, 0)
	for _, s := range envp {
		vectors = append(vectors, putString(s))
	}
	vectors = append(vectors, 0)
	argvAddr := base + uint64(off)
	envpAddr := argvAddr + uint64(len(argv)+1)*8
	for _, v := range vectors {
		binary.LittleEndian.PutUint64(buf[off:], v)
		off += 8
	}

	if err := uc.Store(base, buf); err != nil {
		pop()
		return err
	}
	_, err := uc.Syscall(abi.SysExecve, pathAddr, argvAddr, envpAddr)
	pop()
	return err
}

// Wait4 waits for a child to change state, returning its pid and status.
func (uc *UserContext) Wait4(pid int, options uint64) (int, uint32, error) {
	addr, pop := uc.push(4)
	defer pop()
	child, err := uc.Syscall(abi.SysWait4, uint64(pid), addr, options)
	if err != nil || child == 0 {
		return 0, 0, err
	}
	status, err := uc.Load32(addr)
	return int(child), status, err
}

func (uc *UserContext) Kill(pid int, sig abi.Signal) error {
	_, err := uc.Syscall(abi.SysKill, uint64(pid), uint64(sig))
	return err
}

func (uc *UserContext) Tkill(tid int, sig abi.Signal) error {
	_, err := uc.Syscall(abi.SysTkill, uint64(tid), uint64(sig))
	return err
}

func (uc *UserContext) Tgkill(tgid, tid int, sig abi.Signal) error {
	_, err := uc.Syscall(abi.SysTgkill, uint64(tgid), uint64(tid), uint64(sig))
	return err
}

// Sigaction installs act for sig and returns the previous action.
func (uc *UserContext) Sigaction(sig abi.Signal, act signal.Action) (signal.Action, error) {
	addr, pop := uc.push(2 * signal.ActionSize)
	defer pop()
	oldAddr := addr + signal.ActionSize
	if err := uc.Store(addr, act.Encode()); err != nil {
		return signal.Action{}, err
	}
	if _, err := uc.Syscall(abi.SysRtSigaction, uint64(sig), addr, oldAddr, 8); err != nil {
		return signal.Action{}, err
	}
	buf := make([]byte, signal.ActionSize)
	if err := uc.Load(oldAddr, buf); err != nil {
		return signal.Action{}, err
	}
	return signal.DecodeAction(buf)
}

// Signal installs fn as the handler of sig.
func (uc *UserContext) Signal(sig abi.Signal, fn Handler, flags uint64, mask signal.Set) error {
	_, err := uc.Sigaction(sig, signal.Action{Handler: uc.Handler(fn), Flags: flags, Mask: mask})
	return err
}

// Sigprocmask changes the blocked signals and returns the previous set.
func (uc *UserContext) Sigprocmask(how int, set signal.Set) (signal.Set, error) {
	addr, pop := uc.push(16)
	defer pop()
	oldAddr := addr + 8
	if err := uc.Store64(addr, uint64(set)); err != nil {
		return 0, err
	}
	if _, err := uc.Syscall(abi.SysRtSigprocmask, uint64(how), addr, oldAddr, 8); err != nil {
		return 0, err
	}
	old, err := uc.Load64(oldAddr)
	return signal.Set(old), err
}

func (uc *UserContext) Mmap(addr, length, prot, flags uint64, fd int, offset uint64) (uint64, error) {
	return uc.Syscall(abi.SysMmap, addr, length, prot, flags, uint64(fd), offset)
}

func (uc *UserContext) Munmap(addr, length uint64) error {
	_, err := uc.Syscall(abi.SysMunmap, addr, length)
	return err
}

func (uc *UserContext) Mprotect(addr, length, prot uint64) error {
	_, err := uc.Syscall(abi.SysMprotect, addr, length, prot)
	return err
}

// Brk moves the program break and returns the new one. Zero queries it.
func (uc *UserContext) Brk(addr uint64) uint64 {
	brk, _ := uc.Syscall(abi.SysBrk, addr)
	return brk
}

// FutexWait waits on the futex at addr while it holds val. A zero timeout
// waits forever.
func (uc *UserContext) FutexWait(addr uint64, val uint32, timeout time.Duration) error {
	var ts uint64
	if timeout > 0 {
		var pop func()
		ts, pop = uc.push(16)
		defer pop()
		if err := uc.storeTimespec(ts, timeout); err != nil {
			return err
		}
	}
	_, err := uc.Syscall(abi.SysFutex, addr, abi.FUTEX_WAIT|abi.FUTEX_PRIVATE_FLAG, uint64(val), ts)
	return err
}

// FutexWake wakes up to n waiters of the futex at addr.
func (uc *UserContext) FutexWake(addr uint64, n int) (int, error) {
	woken, err := uc.Syscall(abi.SysFutex, addr, abi.FUTEX_WAKE|abi.FUTEX_PRIVATE_FLAG, uint64(n))
	return int(woken), err
}

// FutexCmpRequeue wakes nwake waiters of addr and moves up to nmove others
// to addr2, if addr still holds val.
func (uc *UserContext) FutexCmpRequeue(addr uint64, nwake, nmove int, addr2 uint64, val uint32) (int, error) {
	n, err := uc.Syscall(abi.SysFutex, addr, abi.FUTEX_CMP_REQUEUE|abi.FUTEX_PRIVATE_FLAG,
		uint64(nwake), uint64(nmove), addr2, uint64(val))
	return int(n), err
}

// Nanosleep sleeps for d. When interrupted it returns the time left.
func (uc *UserContext) Nanosleep(d time.Duration) (time.Duration, error) {
	req, pop := uc.push(32)
	defer pop()
	rem := req + 16
	if err := uc.storeTimespec(req, d); err != nil {
		return 0, err
	}
	if _, err := uc.Syscall(abi.SysNanosleep, req, rem); err != nil {
		sec, _ := uc.Load64(rem)
		nsec, _ := uc.Load64(rem + 8)
		return time.Duration(sec)*time.Second + time.Duration(nsec), err
	}
	return 0, nil
}

func (uc *UserContext) storeTimespec(va uint64, d time.Duration) error {
	if err := uc.Store64(va, uint64(d/time.Second)); err != nil {
		return err
	}
	return uc.Store64(va+8, uint64(d%time.Second))
}

func (uc *UserContext) Yield() {
	_, _ = uc.Syscall(abi.SysSchedYield)
}

func (uc *UserContext) Setpriority(who, nice int) error {
	_, err := uc.Syscall(abi.SysSetpriority, abi.PRIO_PROCESS, uint64(who), uint64(nice))
	return err
}

// Getpriority returns the nice value of a thread.
func (uc *UserContext) Getpriority(who int) (int, error) {
	prio, err := uc.Syscall(abi.SysGetpriority, abi.PRIO_PROCESS, uint64(who))
	if err != nil {
		return 0, err
	}
	return 20 - int(prio), nil
}

func (uc *UserContext) SchedSetscheduler(pid, policy, prio int) error {
	addr, pop := uc.push(4)
	defer pop()
	if err := uc.Store32(addr, uint32(prio)); err != nil {
		return err
	}
	_, err := uc.Syscall(abi.SysSchedSetscheduler, uint64(pid), uint64(policy), addr)
	return err
}

func (uc *UserContext) SchedGetscheduler(pid int) (int, error) {
	policy, err := uc.Syscall(abi.SysSchedGetscheduler, uint64(pid))
	return int(policy), err
}

func (uc *UserContext) SchedSetaffinity(pid int, set cpuset.CPUSet) error {
	addr, pop := uc.push(maskSize)
	defer pop()
	if err := uc.Store(addr, cpuset.Mask(set, maskSize)); err != nil {
		return err
	}
	_, err := uc.Syscall(abi.SysSchedSetaffinity, uint64(pid), maskSize, addr)
	return err
}

func (uc *UserContext) SchedGetaffinity(pid int) (cpuset.CPUSet, error) {
	addr, pop := uc.push(maskSize)
	defer pop()
	if _, err := uc.Syscall(abi.SysSchedGetaffinity, uint64(pid), maskSize, addr); err != nil {
		return cpuset.New(), err
	}
	mask := make([]byte, maskSize)
	if err := uc.Load(addr, mask); err != nil {
		return cpuset.New(), err
	}
	return cpuset.FromMask(mask), nil
}

// Open opens a file read-only relative to the working directory.
func (uc *UserContext) Open(path string, flags uint64) (int, error) {
	addr, pop := uc.push(len(path) + 1)
	defer pop()
	if err := uc.Store(addr, append([]byte(path), 0)); err != nil {
		return -1, err
	}
	dirfd := abi.AT_FDCWD
	fd, err := uc.Syscall(abi.SysOpenat, uint64(dirfd), addr, flags)
	if err != nil {
		return -1, err
	}
	return int(fd), nil
}

func (uc *UserContext) Close(fd int) error {
	_, err := uc.Syscall(abi.SysClose, uint64(fd))
	return err
}
