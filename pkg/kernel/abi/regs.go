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

// Regs is the user register file saved on trap entry. Both supported
// targets have 32 general purpose registers; programs address them by
// calling convention role through the Reg* indices.
type Regs struct {
	X  [32]uint64
	PC uint64
}

// Register roles, numbered as on riscv64.
const (
	RegRA = 1
	RegSP = 2
	RegTP = 4
	RegA0 = 10
	RegA1 = 11
	RegA2 = 12
	RegA3 = 13
	RegA4 = 14
	RegA5 = 15
	RegA7 = 17
)

// RegsSize is the size of Regs in user memory.
const RegsSize = 33 * 8

// Arg returns syscall argument i.
func (r *Regs) Arg(i int) uint64 {
	return r.X[RegA0+i]
}

// SetRet sets the syscall return register.
func (r *Regs) SetRet(v uint64) {
	r.X[RegA0] = v
}
