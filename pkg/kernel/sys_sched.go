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
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/intel/kcore/pkg/kernel/abi"
	"github.com/intel/kcore/pkg/kernel/sched"
	"github.com/intel/kcore/pkg/utils/cpuset"
)

// maskSize is the size of the affinity masks exchanged with user code.
const maskSize = 8

// threadOf returns the thread with tid, or the caller for tid 0.
func (k *Kernel) threadOf(th *thread, tid int) (*thread, error) {
	if tid == 0 {
		return th, nil
	}
	if tid < 0 {
		return nil, errors.Wrapf(abi.EINVAL, "invalid thread %d", tid)
	}
	t, ok := k.tasks.Lookup(tid)
	if !ok {
		return nil, errors.Wrapf(abi.ESRCH, "no thread %d", tid)
	}
	owner, ok := t.Owner.(*thread)
	if !ok {
		return nil, errors.Wrapf(abi.ESRCH, "thread %d is not running", tid)
	}
	return owner, nil
}

// readTimespec reads a struct timespec of two 64-bit words.
func (th *thread) readTimespec(va uint64) (time.Duration, error) {
	var buf [16]byte
	if err := th.memory().CopyIn(va, buf[:]); err != nil {
		return 0, err
	}
	sec := int64(binary.LittleEndian.Uint64(buf[0:]))
	nsec := int64(binary.LittleEndian.Uint64(buf[8:]))
	if sec < 0 || nsec < 0 || nsec >= int64(time.Second) {
		return 0, errors.Wrapf(abi.EINVAL, "invalid timespec {%d, %d}", sec, nsec)
	}
	if sec >= math.MaxInt64/int64(time.Second) {
		sec = math.MaxInt64/int64(time.Second) - 1
	}
	return time.Duration(sec)*time.Second + time.Duration(nsec), nil
}

func (th *thread) writeTimespec(va uint64, d time.Duration) error {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(d/time.Second))
	binary.LittleEndian.PutUint64(buf[8:], uint64(d%time.Second))
	return th.memory().CopyOut(va, buf[:])
}

func (th *thread) readU32(va uint64) (uint32, error) {
	var buf [4]byte
	if err := th.memory().CopyIn(va, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// sched_yield()
func sysSchedYield(k *Kernel, th *thread, args [6]uint64) (uint64, error) {
	th.preempt(sched.Yielded)
	return 0, nil
}

// nanosleep(req, rem)
func sysNanosleep(k *Kernel, th *thread, args [6]uint64) (uint64, error) {
	req, rem := args[0], args[1]
	d, err := th.readTimespec(req)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return 0, nil
	}

	start := k.clock.Now()
	err = th.sleep(func() bool { return false }, d)
	switch {
	case errors.Is(err, abi.ETIMEDOUT):
		return 0, nil
	case err == nil:
		return 0, nil
	}

	if rem != 0 {
		left := d - k.clock.Since(start)
		if left < 0 {
			left = 0
		}
		if werr := th.writeTimespec(rem, left); werr != nil {
			return 0, werr
		}
	}
	return 0, err
}

// setpriority(which, who, prio)
func sysSetpriority(k *Kernel, th *thread, args [6]uint64) (uint64, error) {
	which, who, nice := sysint(args[0]), sysint(args[1]), sysint(args[2])
	if which != abi.PRIO_PROCESS {
		return 0, errors.Wrapf(abi.EINVAL, "unsupported priority target %d", which)
	}
	target, err := k.threadOf(th, who)
	if err != nil {
		return 0, err
	}
	if err := k.sched.SetNice(target.entity, nice); err != nil {
		return 0, err
	}
	k.kickResched()
	return 0, nil
}

// getpriority(which, who)
func sysGetpriority(k *Kernel, th *thread, args [6]uint64) (uint64, error) {
	which, who := sysint(args[0]), sysint(args[1])
	if which != abi.PRIO_PROCESS {
		return 0, errors.Wrapf(abi.EINVAL, "unsupported priority target %d", which)
	}
	target, err := k.threadOf(th, who)
	if err != nil {
		return 0, err
	}
	// biased to stay positive, as the raw system call does
	return uint64(20 - k.sched.Info(target.entity).Nice), nil
}

// sched_setscheduler(pid, policy, param)
func sysSchedSetscheduler(k *Kernel, th *thread, args [6]uint64) (uint64, error) {
	pid, policy, param := sysint(args[0]), sched.Policy(sysint(args[1])), args[2]
	if param == 0 {
		return 0, errors.Wrap(abi.EINVAL, "no scheduling parameters")
	}
	prio, err := th.readU32(param)
	if err != nil {
		return 0, err
	}
	target, err := k.threadOf(th, pid)
	if err != nil {
		return 0, err
	}
	if err := k.sched.SetPolicy(target.entity, policy, int(int32(prio))); err != nil {
		return 0, err
	}
	k.kickResched()
	return 0, nil
}

// sched_getscheduler(pid)
func sysSchedGetscheduler(k *Kernel, th *thread, args [6]uint64) (uint64, error) {
	target, err := k.threadOf(th, sysint(args[0]))
	if err != nil {
		return 0, err
	}
	return uint64(k.sched.Info(target.entity).Policy), nil
}

// sched_setaffinity(pid, len, mask)
func sysSchedSetaffinity(k *Kernel, th *thread, args [6]uint64) (uint64, error) {
	pid, size, addr := sysint(args[0]), int(args[1]), args[2]
	if size <= 0 {
		return 0, errors.Wrap(abi.EINVAL, "empty affinity mask")
	}
	mask := make([]byte, min(size, maskSize))
	if err := th.memory().CopyIn(addr, mask); err != nil {
		return 0, err
	}
	target, err := k.threadOf(th, pid)
	if err != nil {
		return 0, err
	}
	set := cpuset.FromMask(mask)
	if err := k.sched.SetAffinity(target.entity, set); err != nil {
		return 0, err
	}
	log.Debug("task %d: affinity set to %s", target.task.TID(), cpuset.Short(set))
	k.kickResched()
	return 0, nil
}

// sched_getaffinity(pid, len, mask)
func sysSchedGetaffinity(k *Kernel, th *thread, args [6]uint64) (uint64, error) {
	pid, size, addr := sysint(args[0]), int(args[1]), args[2]
	if size < maskSize {
		return 0, errors.Wrapf(abi.EINVAL, "affinity mask of %d bytes too small", size)
	}
	target, err := k.threadOf(th, pid)
	if err != nil {
		return 0, err
	}
	mask := cpuset.Mask(k.sched.Info(target.entity).Affinity, maskSize)
	if err := th.memory().CopyOut(addr, mask); err != nil {
		return 0, err
	}
	return maskSize, nil
}
