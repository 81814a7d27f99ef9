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

import (
	"golang.org/x/sys/unix"
)

// Signal is a signal number.
type Signal = unix.Signal

// Signals with non-trivial kernel semantics.
const (
	SIGHUP    = unix.SIGHUP
	SIGINT    = unix.SIGINT
	SIGQUIT   = unix.SIGQUIT
	SIGILL    = unix.SIGILL
	SIGTRAP   = unix.SIGTRAP
	SIGABRT   = unix.SIGABRT
	SIGBUS    = unix.SIGBUS
	SIGFPE    = unix.SIGFPE
	SIGKILL   = unix.SIGKILL
	SIGUSR1   = unix.SIGUSR1
	SIGSEGV   = unix.SIGSEGV
	SIGUSR2   = unix.SIGUSR2
	SIGPIPE   = unix.SIGPIPE
	SIGALRM   = unix.SIGALRM
	SIGTERM   = unix.SIGTERM
	SIGCHLD   = unix.SIGCHLD
	SIGCONT   = unix.SIGCONT
	SIGSTOP   = unix.SIGSTOP
	SIGTSTP   = unix.SIGTSTP
	SIGTTIN   = unix.SIGTTIN
	SIGTTOU   = unix.SIGTTOU
	SIGURG    = unix.SIGURG
	SIGXCPU   = unix.SIGXCPU
	SIGXFSZ   = unix.SIGXFSZ
	SIGVTALRM = unix.SIGVTALRM
	SIGPROF   = unix.SIGPROF
	SIGWINCH  = unix.SIGWINCH
	SIGIO     = unix.SIGIO
	SIGPWR    = unix.SIGPWR
	SIGSYS    = unix.SIGSYS

	// SIGRTMIN is the first real-time signal.
	SIGRTMIN Signal = 32
	// NSIG is the highest valid signal number.
	NSIG Signal = 64
)

// wait status encoding
const (
	// WaitStopped is the low byte of the status of a stopped child.
	WaitStopped = 0x7f
	// WaitContinued is the status of a continued child.
	WaitContinued = 0xffff
)

// ExitStatus encodes the wait status of a normal exit.
func ExitStatus(code int) uint32 {
	return uint32(code&0xff) << 8
}

// SignalStatus encodes the wait status of a death by signal.
func SignalStatus(sig Signal) uint32 {
	return uint32(sig) & 0x7f
}

// StoppedStatus encodes the wait status of a stop by signal.
func StoppedStatus(sig Signal) uint32 {
	return uint32(sig)<<8 | WaitStopped
}
