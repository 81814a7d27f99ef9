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

	"github.com/pkg/errors"

	"github.com/intel/kcore/pkg/kernel/abi"
	"github.com/intel/kcore/pkg/kernel/signal"
	"github.com/intel/kcore/pkg/kernel/task"
)

// rt_sigaction(sig, act, oldact, sigsetsize)
func sysRtSigaction(k *Kernel, th *thread, args [6]uint64) (uint64, error) {
	sig, actAddr, oldAddr := abi.Signal(sysint(args[0])), args[1], args[2]
	if !signal.Valid(sig) {
		return 0, errors.Wrapf(abi.EINVAL, "invalid signal %d", sig)
	}
	g := th.task.Group()
	actions := g.Actions()
	mem := th.memory()

	old := actions.Get(sig)
	if actAddr != 0 {
		buf := make([]byte, signal.ActionSize)
		if err := mem.CopyIn(actAddr, buf); err != nil {
			return 0, err
		}
		act, err := signal.DecodeAction(buf)
		if err != nil {
			return 0, err
		}
		if old, err = actions.Set(sig, act); err != nil {
			return 0, err
		}
		if act.Ignored(sig) {
			g.Discard(sig)
		}
	}
	if oldAddr != 0 {
		if err := mem.CopyOut(oldAddr, old.Encode()); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

// rt_sigprocmask(how, set, oldset, sigsetsize)
func sysRtSigprocmask(k *Kernel, th *thread, args [6]uint64) (uint64, error) {
	how, setAddr, oldAddr := sysint(args[0]), args[1], args[2]
	t := th.task
	mem := th.memory()

	old := t.Blocked()
	if setAddr != 0 {
		var buf [8]byte
		if err := mem.CopyIn(setAddr, buf[:]); err != nil {
			return 0, err
		}
		var err error
		if old, err = t.Sigprocmask(how, signal.Set(binary.LittleEndian.Uint64(buf[:]))); err != nil {
			return 0, err
		}
	}
	if oldAddr != 0 {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(old))
		if err := mem.CopyOut(oldAddr, buf[:]); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

// rt_sigreturn()
func sysRtSigreturn(k *Kernel, th *thread, args [6]uint64) (uint64, error) {
	f, err := signal.Pop(th.memory(), &th.regs)
	if err != nil {
		log.Warn("task %s: bad signal frame: %v", th.task, err)
		k.forceSignal(th.task, abi.SIGSEGV)
		return th.regs.X[abi.RegA0], nil
	}
	th.task.SetBlocked(f.Blocked)
	return th.regs.X[abi.RegA0], nil
}

// kill(pid, sig)
func sysKill(k *Kernel, th *thread, args [6]uint64) (uint64, error) {
	pid, sig := sysint(args[0]), abi.Signal(sysint(args[1]))
	if sig != 0 && !signal.Valid(sig) {
		return 0, errors.Wrapf(abi.EINVAL, "invalid signal %d", sig)
	}

	switch {
	case pid > 0:
		g, ok := k.tasks.LookupGroup(pid)
		if !ok {
			return 0, errors.Wrapf(abi.ESRCH, "no process %d", pid)
		}
		return 0, k.signalGroup(g, sig)
	case pid == 0:
		return 0, k.signalGroup(th.task.Group(), sig)
	case pid == -1:
		// everyone but init and the caller
		sent := 0
		for _, g := range k.tasks.Groups() {
			if g.TGID() == task.InitPID || g == th.task.Group() {
				continue
			}
			if err := k.signalGroup(g, sig); err == nil {
				sent++
			}
		}
		if sent == 0 {
			return 0, errors.Wrap(abi.ESRCH, "no process to signal")
		}
		return 0, nil
	default:
		g, ok := k.tasks.LookupGroup(-pid)
		if !ok {
			return 0, errors.Wrapf(abi.ESRCH, "no process group %d", -pid)
		}
		return 0, k.signalGroup(g, sig)
	}
}

// tkill(tid, sig)
func sysTkill(k *Kernel, th *thread, args [6]uint64) (uint64, error) {
	return 0, k.tkill(0, sysint(args[0]), abi.Signal(sysint(args[1])))
}

// tgkill(tgid, tid, sig)
func sysTgkill(k *Kernel, th *thread, args [6]uint64) (uint64, error) {
	tgid := sysint(args[0])
	if tgid <= 0 {
		return 0, errors.Wrapf(abi.EINVAL, "invalid thread group %d", tgid)
	}
	return 0, k.tkill(tgid, sysint(args[1]), abi.Signal(sysint(args[2])))
}

func (k *Kernel) tkill(tgid, tid int, sig abi.Signal) error {
	if tid <= 0 {
		return errors.Wrapf(abi.EINVAL, "invalid thread %d", tid)
	}
	t, ok := k.tasks.Lookup(tid)
	if !ok || (tgid != 0 && t.TGID() != tgid) {
		return errors.Wrapf(abi.ESRCH, "no thread %d", tid)
	}
	return k.signalThread(t, sig)
}
