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
	"github.com/pkg/errors"

	"github.com/intel/kcore/pkg/kernel/abi"
	"github.com/intel/kcore/pkg/kernel/mm"
	"github.com/intel/kcore/pkg/kernel/task"
)

const (
	pathMax = 4096
	argMax  = 256
)

// clone(flags, stack, parent_tid, tls, child_tid)
func sysClone(k *Kernel, th *thread, args [6]uint64) (uint64, error) {
	flags, stack, ptid, tls, ctid := args[0], args[1], args[2], args[3], args[4]

	entry := th.cloneEntry
	th.cloneEntry = nil
	if entry == nil {
		return 0, errors.Wrap(abi.EINVAL, "clone without a child entry")
	}
	if err := task.CheckCloneFlags(flags); err != nil {
		return 0, err
	}

	parent := th.task
	g := parent.Group()
	as := parent.AddressSpace()

	res := task.Resources{}
	if flags&abi.CLONE_VM != 0 {
		as.Acquire()
		res.AS = as
	} else {
		child, err := as.Fork()
		if err != nil {
			return 0, err
		}
		res.AS = child
	}
	if flags&abi.CLONE_FILES != 0 {
		res.Files = parent.Files().Share()
	} else {
		res.Files = parent.Files().Clone()
	}
	handlers := th.handlers
	if flags&abi.CLONE_SIGHAND != 0 {
		res.Actions = g.Actions()
	} else {
		res.Actions = g.Actions().Clone()
		handlers = handlers.clone()
	}

	t, err := k.tasks.Clone(parent, flags, res)
	if err != nil {
		res.Files.Release()
		res.AS.Release()
		return 0, err
	}
	tid := uint64(t.TID())

	abort := func(err error) (uint64, error) {
		k.tasks.Abort(t)
		res.AS.Release()
		return 0, err
	}
	if flags&abi.CLONE_PARENT_SETTID != 0 {
		if err := as.WriteU32(th.core.tlb, ptid, uint32(tid)); err != nil {
			return abort(err)
		}
	}
	if flags&abi.CLONE_CHILD_SETTID != 0 {
		if err := res.AS.WriteU32(nil, ctid, uint32(tid)); err != nil {
			return abort(err)
		}
	}
	if flags&abi.CLONE_CHILD_CLEARTID != 0 {
		t.SetClearTID(ctid)
	}

	child := k.newThread(t, entry, handlers)
	child.process = flags&abi.CLONE_THREAD == 0
	child.start = th.start
	child.regs = th.regs
	child.regs.SetRet(0)
	if stack != 0 {
		child.regs.X[abi.RegSP] = stack
	}
	if flags&abi.CLONE_SETTLS != 0 {
		child.regs.X[abi.RegTP] = tls
	}
	k.sched.Inherit(th.entity, child.entity)

	var vforked <-chan struct{}
	if flags&abi.CLONE_VFORK != 0 {
		child.vforkParent = parent
		vforked = t.VforkDone()
	}
	k.stats.clones.Add(1)
	k.startThread(child)

	if vforked != nil {
		// the parent only wakes up early to die
		_ = th.killableSleep(func() bool {
			select {
			case <-vforked:
				return true
			default:
				return false
			}
		})
	}
	return tid, nil
}

// execve(path, argv, envp)
func sysExecve(k *Kernel, th *thread, args [6]uint64) (uint64, error) {
	t := th.task
	g := t.Group()
	as := t.AddressSpace()
	tlb := th.core.tlb

	file, err := as.ReadString(tlb, args[0], pathMax)
	if err != nil {
		return 0, err
	}
	argv, err := readStrings(as, tlb, args[1])
	if err != nil {
		return 0, err
	}
	envp, err := readStrings(as, tlb, args[2])
	if err != nil {
		return 0, err
	}

	img, err := k.loadImage(file, argv, envp)
	if err != nil {
		return 0, err
	}

	others, err := g.BeginExec(t)
	if err != nil {
		img.as.Release()
		return 0, err
	}
	for _, o := range others {
		k.kick(o)
	}
	if len(others) > 0 {
		err := th.killableSleep(func() bool { return len(g.Threads()) == 1 })
		if err != nil {
			g.EndExec()
			img.as.Release()
			return 0, err
		}
	}

	// no way back from here on
	old := t.SetAddressSpace(img.as)
	img.as.Activate(tlb)
	old.Release()

	actions := g.Actions().Clone()
	actions.Reset()
	g.SetActions(actions)
	th.handlers = newHandlerTable()
	if closed := t.Files().CloseOnExec(); len(closed) > 0 {
		log.Debug("task %s: closed descriptors %v on exec", t, closed)
	}
	g.SetName(img.name)
	g.EndExec()
	th.releaseVfork()

	th.prog = img.prog
	th.process = true
	th.setStart(img.start)
	th.restart = false
	k.stats.execs.Add(1)
	log.Debug("process %d execs %s", g.TGID(), file)

	panic(unwindExec)
}

// readStrings reads a NULL terminated array of string pointers.
func readStrings(as *mm.AddressSpace, tlb *mm.TLB, va uint64) ([]string, error) {
	if va == 0 {
		return nil, nil
	}
	var strs []string
	for i := 0; ; i++ {
		if i >= argMax {
			return nil, errors.Wrapf(abi.E2BIG, "more than %d strings at %#x", argMax, va)
		}
		ptr, err := as.ReadU64(tlb, va+uint64(i)*8)
		if err != nil {
			return nil, err
		}
		if ptr == 0 {
			return strs, nil
		}
		s, err := as.ReadString(tlb, ptr, pathMax)
		if err != nil {
			return nil, err
		}
		strs = append(strs, s)
	}
}

// exit(code)
func sysExit(k *Kernel, th *thread, args [6]uint64) (uint64, error) {
	th.exit(abi.ExitStatus(sysint(args[0])), false)
	return 0, nil
}

// exit_group(code)
func sysExitGroup(k *Kernel, th *thread, args [6]uint64) (uint64, error) {
	th.exit(abi.ExitStatus(sysint(args[0])), true)
	return 0, nil
}

// wait4(pid, status, options, rusage)
func sysWait4(k *Kernel, th *thread, args [6]uint64) (uint64, error) {
	pid, statusAddr, options := sysint(args[0]), args[1], args[2]
	t := th.task
	g := t.Group()

	var (
		res task.WaitResult
		ok  bool
		err error
	)
	collect := func() bool {
		res, ok, err = k.tasks.Wait(t, pid, options)
		return ok || err != nil
	}

	if !collect() && options&abi.WNOHANG == 0 {
		g.ChildExit.Add(t)
		serr := th.sleep(collect, 0)
		g.ChildExit.Remove(t)
		if serr != nil && err == nil && !ok {
			return 0, restart(serr)
		}
	}
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}

	if statusAddr != 0 {
		if err := t.AddressSpace().WriteU32(th.core.tlb, statusAddr, res.Status); err != nil {
			return 0, err
		}
	}
	return uint64(res.PID), nil
}

// getpid()
func sysGetpid(k *Kernel, th *thread, args [6]uint64) (uint64, error) {
	return uint64(th.task.TGID()), nil
}

// getppid()
func sysGetppid(k *Kernel, th *thread, args [6]uint64) (uint64, error) {
	return uint64(k.tasks.Parent(th.task.Group())), nil
}

// gettid()
func sysGettid(k *Kernel, th *thread, args [6]uint64) (uint64, error) {
	return uint64(th.task.TID()), nil
}

// set_tid_address(tidptr)
func sysSetTidAddress(k *Kernel, th *thread, args [6]uint64) (uint64, error) {
	th.task.SetClearTID(args[0])
	return uint64(th.task.TID()), nil
}
