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
	"time"

	"github.com/pkg/errors"

	"github.com/intel/kcore/pkg/kernel/abi"
	"github.com/intel/kcore/pkg/kernel/futex"
)

// futex(uaddr, op, val, timeout/val2, uaddr2, val3)
func sysFutex(k *Kernel, th *thread, args [6]uint64) (uint64, error) {
	addr, op, val := args[0], sysint(args[1]), uint32(args[2])
	as := th.task.AddressSpace()
	tlb := th.core.tlb

	switch op & abi.FUTEX_CMD_MASK {
	case abi.FUTEX_WAIT:
		var timeout time.Duration
		if args[3] != 0 {
			d, err := th.readTimespec(args[3])
			if err != nil {
				return 0, err
			}
			if d == 0 {
				return 0, errors.Wrap(abi.ETIMEDOUT, "futex wait with zero timeout")
			}
			timeout = d
		}
		return 0, th.futexWait(as, addr, val, timeout)

	case abi.FUTEX_WAKE:
		n, err := k.futex.Wake(as, tlb, addr, sysint(args[2]))
		return uint64(n), err

	case abi.FUTEX_REQUEUE:
		n, err := k.futex.Requeue(as, tlb, addr, sysint(args[2]), sysint(args[3]), args[4], nil)
		return uint64(n), err

	case abi.FUTEX_CMP_REQUEUE:
		cmp := uint32(args[5])
		n, err := k.futex.Requeue(as, tlb, addr, sysint(args[2]), sysint(args[3]), args[4], &cmp)
		return uint64(n), err
	}

	return 0, errors.Wrapf(abi.ENOSYS, "futex operation %d", op)
}

// futexWait blocks on the futex at addr while it holds val.
func (th *thread) futexWait(space futex.Space, addr uint64, val uint32, timeout time.Duration) error {
	k := th.k
	w := futex.NewWaiter(th)
	if err := k.futex.Wait(space, th.core.tlb, addr, val, w); err != nil {
		return err
	}

	woken := false
	err := th.sleep(func() bool {
		if !woken {
			select {
			case <-w.Woken():
				woken = true
			default:
			}
		}
		return woken
	}, timeout)
	if err == nil {
		return nil
	}
	if !k.futex.Cancel(w) {
		// woken while giving up
		return nil
	}
	if errors.Is(err, abi.ETIMEDOUT) {
		return err
	}
	return restart(err)
}
