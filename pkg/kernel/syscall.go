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
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"github.com/intel/kcore/pkg/kernel/abi"
	logger "github.com/intel/kcore/pkg/log"
)

var syslog = logger.NewLogger("syscall")

// syscallFn implements a system call. It returns the value for the return
// register, or an error carrying the errno to fail with.
type syscallFn func(k *Kernel, th *thread, args [6]uint64) (uint64, error)

type syscallEntry struct {
	nr     uint64
	name   string
	fn     syscallFn
	calls  atomic.Uint64
	errors atomic.Uint64
}

func newSyscallTable() map[uint64]*syscallEntry {
	table := make(map[uint64]*syscallEntry)
	add := func(nr uint64, name string, fn syscallFn) {
		table[nr] = &syscallEntry{nr: nr, name: name, fn: fn}
	}

	add(abi.SysOpenat, "openat", sysOpenat)
	add(abi.SysClose, "close", sysClose)
	add(abi.SysExit, "exit", sysExit)
	add(abi.SysExitGroup, "exit_group", sysExitGroup)
	add(abi.SysSetTidAddress, "set_tid_address", sysSetTidAddress)
	add(abi.SysFutex, "futex", sysFutex)
	add(abi.SysNanosleep, "nanosleep", sysNanosleep)
	add(abi.SysSchedSetscheduler, "sched_setscheduler", sysSchedSetscheduler)
	add(abi.SysSchedGetscheduler, "sched_getscheduler", sysSchedGetscheduler)
	add(abi.SysSchedSetaffinity, "sched_setaffinity", sysSchedSetaffinity)
	add(abi.SysSchedGetaffinity, "sched_getaffinity", sysSchedGetaffinity)
	add(abi.SysSchedYield, "sched_yield", sysSchedYield)
	add(abi.SysKill, "kill", sysKill)
	add(abi.SysTkill, "tkill", sysTkill)
	add(abi.SysTgkill, "tgkill", sysTgkill)
	add(abi.SysRtSigaction, "rt_sigaction", sysRtSigaction)
	add(abi.SysRtSigprocmask, "rt_sigprocmask", sysRtSigprocmask)
	add(abi.SysRtSigreturn, "rt_sigreturn", sysRtSigreturn)
	add(abi.SysSetpriority, "setpriority", sysSetpriority)
	add(abi.SysGetpriority, "getpriority", sysGetpriority)
	add(abi.SysGetpid, "getpid", sysGetpid)
	add(abi.SysGetppid, "getppid", sysGetppid)
	add(abi.SysGettid, "gettid", sysGettid)
	add(abi.SysBrk, "brk", sysBrk)
	add(abi.SysMunmap, "munmap", sysMunmap)
	add(abi.SysClone, "clone", sysClone)
	add(abi.SysExecve, "execve", sysExecve)
	add(abi.SysMmap, "mmap", sysMmap)
	add(abi.SysMprotect, "mprotect", sysMprotect)
	add(abi.SysWait4, "wait4", sysWait4)

	return table
}

// SyscallName returns the name of a system call number.
func (k *Kernel) SyscallName(nr uint64) (string, bool) {
	e, ok := k.syscalls[nr]
	if !ok {
		return "", false
	}
	return e.name, true
}

// SyscallCount is the number of times a system call was made.
type SyscallCount struct {
	Name   string
	Calls  uint64
	Errors uint64
}

// SyscallCounts returns the counts of system calls made at least once,
// by name.
func (k *Kernel) SyscallCounts() []SyscallCount {
	var counts []SyscallCount
	for _, e := range k.syscalls {
		if calls := e.calls.Load(); calls > 0 {
			counts = append(counts, SyscallCount{Name: e.name, Calls: calls, Errors: e.errors.Load()})
		}
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i].Name < counts[j].Name })
	return counts
}

// dispatch runs system call nr with the arguments in the registers of th.
func (k *Kernel) dispatch(th *thread, nr uint64) (uint64, error) {
	e, ok := k.syscalls[nr]
	if !ok {
		syslog.Debug("task %s: unknown system call %d", th.task, nr)
		return 0, errors.Wrapf(abi.ENOSYS, "system call %d", nr)
	}

	_, span := trace.StartSpan(context.Background(), "syscall/"+e.name)
	defer span.End()
	span.AddAttributes(trace.Int64Attribute("tid", int64(th.task.TID())))

	var args [6]uint64
	for i := range args {
		args[i] = th.regs.Arg(i)
	}
	e.calls.Add(1)

	start := time.Now()
	ret, err := e.fn(k, th, args)
	recordSyscall(e.name, start, err)
	if err != nil {
		e.errors.Add(1)
		errno, known := abi.ErrnoOf(err)
		if !known {
			syslog.Error("task %s: %s: unexpected error: %v", th.task, e.name, err)
		} else if syslog.DebugEnabled() {
			syslog.Debug("task %s: %s: %v", th.task, e.name, err)
		}
		span.AddAttributes(trace.Int64Attribute("errno", int64(errno)))
		span.SetStatus(trace.Status{Code: trace.StatusCodeUnknown, Message: err.Error()})
		return ret, err
	}
	span.AddAttributes(trace.Int64Attribute("result", int64(ret)))
	return ret, nil
}

// sysint interprets a register as a signed 32-bit C int.
func sysint(reg uint64) int {
	return int(int32(reg))
}
