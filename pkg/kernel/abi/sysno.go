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

package abi

// Syscall numbers, asm-generic numbering shared by riscv64 and loongarch64.
const (
	SysOpenat            = 56
	SysClose             = 57
	SysExit              = 93
	SysExitGroup         = 94
	SysSetTidAddress     = 96
	SysFutex             = 98
	SysNanosleep         = 101
	SysSchedSetscheduler = 119
	SysSchedGetscheduler = 120
	SysSchedSetaffinity  = 122
	SysSchedGetaffinity  = 123
	SysSchedYield        = 124
	SysKill              = 129
	SysTkill             = 130
	SysTgkill            = 131
	SysRtSigaction       = 134
	SysRtSigprocmask     = 135
	SysRtSigreturn       = 139
	SysSetpriority       = 140
	SysGetpriority       = 141
	SysGetpid            = 172
	SysGetppid           = 173
	SysGettid            = 178
	SysBrk               = 214
	SysMunmap            = 215
	SysClone             = 220
	SysExecve            = 221
	SysMmap              = 222
	SysMprotect          = 226
	SysWait4             = 260
)
