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

package signal

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/intel/kcore/pkg/kernel/abi"
)

// Memory is the user memory a signal frame is written to.
type Memory interface {
	CopyIn(va uint64, data []byte) error
	CopyOut(va uint64, data []byte) error
}

// Frame is the context saved on the user stack before running a handler
// and restored by rt_sigreturn.
type Frame struct {
	Regs    abi.Regs
	Blocked Set
	Signal  abi.Signal
}

// FrameSize is the size of a frame in user memory, 16 byte aligned.
const FrameSize = (abi.RegsSize + 16 + 15) &^ 15

func (f *Frame) encode() []byte {
	buf := make([]byte, FrameSize)
	for i, x := range f.Regs.X {
		binary.LittleEndian.PutUint64(buf[i*8:], x)
	}
	binary.LittleEndian.PutUint64(buf[32*8:], f.Regs.PC)
	binary.LittleEndian.PutUint64(buf[abi.RegsSize:], uint64(f.Blocked))
	binary.LittleEndian.PutUint64(buf[abi.RegsSize+8:], uint64(f.Signal))
	return buf
}

func (f *Frame) decode(buf []byte) {
	for i := range f.Regs.X {
		f.Regs.X[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}
	f.Regs.PC = binary.LittleEndian.Uint64(buf[32*8:])
	f.Blocked = Set(binary.LittleEndian.Uint64(buf[abi.RegsSize:]))
	f.Signal = abi.Signal(binary.LittleEndian.Uint64(buf[abi.RegsSize+8:]))
}

// Push saves regs and the blocked mask in a frame below the user stack
// pointer and redirects regs to the handler of act. The handler returns
// to trampoline, which is expected to invoke rt_sigreturn.
func Push(mem Memory, regs *abi.Regs, blocked Set, sig abi.Signal, act Action, trampoline uint64) error {
	sp := regs.X[abi.RegSP]
	if sp < FrameSize {
		return errors.Wrap(abi.EFAULT, "signal: no room for frame on user stack")
	}
	sp = (sp - FrameSize) &^ 15

	f := &Frame{Regs: *regs, Blocked: blocked, Signal: sig}
	if err := mem.CopyOut(sp, f.encode()); err != nil {
		return errors.Wrapf(err, "signal: failed to push frame at %#x", sp)
	}

	regs.X[abi.RegSP] = sp
	regs.X[abi.RegRA] = trampoline
	regs.X[abi.RegA0] = uint64(sig)
	regs.X[abi.RegA1] = 0
	regs.X[abi.RegA2] = sp
	regs.PC = act.Handler
	return nil
}

// Pop restores regs from the frame at the user stack pointer, returning
// the frame.
func Pop(mem Memory, regs *abi.Regs) (*Frame, error) {
	sp := regs.X[abi.RegSP]
	buf := make([]byte, FrameSize)
	if err := mem.CopyIn(sp, buf); err != nil {
		return nil, errors.Wrapf(err, "signal: failed to pop frame at %#x", sp)
	}
	f := &Frame{}
	f.decode(buf)
	if !Valid(f.Signal) {
		return nil, signalError("corrupt frame at %#x (signal %d)", sp, f.Signal)
	}
	f.Blocked = f.Blocked.Blockable()
	*regs = f.Regs
	return f, nil
}
