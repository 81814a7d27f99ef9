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
	"github.com/intel/kcore/pkg/kernel/sched"
	"github.com/intel/kcore/pkg/kernel/signal"
	"github.com/intel/kcore/pkg/kernel/task"
)

// Outcome tells how a thread continues after a trap.
type Outcome int

const (
	// Resume returns to user code right away.
	Resume Outcome = iota
	// Reschedule gives the core to another thread first.
	Reschedule
	// DeliverSignal acts on a pending signal first.
	DeliverSignal
	// Fatal kills the process.
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Resume:
		return "resume"
	case Reschedule:
		return "reschedule"
	case DeliverSignal:
		return "deliver-signal"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

// restartable marks the error of a system call interrupted by a signal.
// The call is restarted unless a handler without SA_RESTART runs.
type restartable struct {
	err error
}

func restart(err error) error {
	return &restartable{err: err}
}

func (r *restartable) Error() string {
	return r.err.Error()
}

func (r *restartable) Unwrap() error {
	return r.err
}

// syscallTrap runs the system call in the registers of th.
func (k *Kernel) syscallTrap(th *thread) Outcome {
	nr := th.regs.X[abi.RegA7]
	ret, err := k.dispatch(th, nr)

	var r *restartable
	if errors.As(err, &r) {
		th.restart = true
	}
	th.regs.SetRet(abi.Ret(ret, err))

	return th.pendingWork()
}

// faultTrap decides what follows a failed user memory access.
func (k *Kernel) faultTrap(th *thread, err error) Outcome {
	fe, ok := mm.IsFault(err)
	if !ok {
		return th.pendingWork()
	}
	k.stats.faults.Add(1)
	switch fe.Result {
	case mm.FaultOOM:
		log.Warn("task %s: out of memory at %#x, killing process", th.task, fe.Addr)
		th.fatal = abi.SignalStatus(abi.SIGKILL)
		return Fatal
	default:
		log.Debug("task %s: %v", th.task, fe)
		k.forceSignal(th.task, abi.SIGSEGV)
		return DeliverSignal
	}
}

// pendingWork checks what a thread about to resume user code must do
// first.
func (th *thread) pendingWork() Outcome {
	if th.task.SignalPending() {
		return DeliverSignal
	}
	if th.k.sched.NeedResched(th.core.id) {
		return Reschedule
	}
	return Resume
}

// returnToUser processes outcomes until the thread can resume user code.
// Fault resolution and system calls are never preempted, so this is the
// point where the thread yields to the scheduler and acts on signals.
func (th *thread) returnToUser(out Outcome) {
	select {
	case <-th.k.done:
		panic(unwindShutdown)
	default:
	}
	for out != Resume {
		switch out {
		case Fatal:
			th.exit(th.fatal, true)
		case DeliverSignal:
			th.handleSignal()
		case Reschedule:
			th.k.stats.preemptions.Add(1)
			th.preempt(sched.Preempted)
		}
		out = th.pendingWork()
	}
}

// exit exits the thread, or its whole process, and leaves user code.
func (th *thread) exit(status uint32, group bool) {
	th.exitTask(status, group)
	panic(unwindExit)
}

// handleSignal acts on the next signal of the thread.
func (th *thread) handleSignal() {
	k, t := th.k, th.task
	g := t.Group()

	switch {
	case g.Exiting():
		th.exit(g.Status(), false)
	case t.Zapped():
		th.exit(abi.SignalStatus(abi.SIGKILL), false)
	case t.ShouldStop():
		th.enterStopped()
		return
	}

	sig, ok := t.Dequeue()
	if !ok {
		return
	}
	k.stats.signals.Add(1)

	actions := g.Actions()
	act := actions.Get(sig)
	switch {
	case act.IsIgnore():
		return
	case act.IsDefault():
		switch signal.DefaultAction(sig) {
		case signal.Ignore, signal.Continue:
		case signal.Stop:
			th.stop(sig)
		case signal.Dump:
			th.exit(abi.SignalStatus(sig)|0x80, true)
		default:
			th.exit(abi.SignalStatus(sig), true)
		}
		return
	}
	th.runHandler(sig, actions)
}

// runHandler runs the handler of sig on a signal frame, returning once
// the handler did rt_sigreturn.
func (th *thread) runHandler(sig abi.Signal, actions *signal.Table) {
	t := th.task
	act, mask := actions.Take(sig)
	fn, ok := th.handlers.lookup(act.Handler)
	if !ok {
		log.Warn("task %s: no handler for %s at %#x", t, sig, act.Handler)
		th.exit(abi.SignalStatus(abi.SIGSEGV), true)
	}
	if act.Flags&abi.SA_RESTART == 0 {
		th.restart = false
	}

	blocked := t.Blocked()
	if err := signal.Push(th.memory(), &th.regs, blocked, sig, act, handlerBase); err != nil {
		log.Warn("task %s: failed to deliver %s: %v", t, sig, err)
		th.exit(abi.SignalStatus(abi.SIGSEGV), true)
	}
	t.SetBlocked(blocked | mask)

	restart := th.restart
	th.restart = false
	fn(th.uc, sig)
	// returning from the handler lands on the trampoline
	th.uc.Syscall(abi.SysRtSigreturn)
	th.restart = restart
}

// stop stops the process on behalf of th, for the stop signal sig.
func (th *thread) stop(sig abi.Signal) {
	k, t := th.k, th.task
	first, others := t.Stop(sig)
	if first {
		log.Debug("process %d stopped by %s", t.TGID(), sig)
		for _, o := range others {
			k.kick(o)
		}
		if p, ok := k.tasks.LookupGroup(k.tasks.Parent(t.Group())); ok {
			notify := abi.SIGCHLD
			if p.Actions().Get(abi.SIGCHLD).Flags&abi.SA_NOCLDSTOP != 0 {
				notify = 0
			}
			k.childChanged(p, notify)
		}
	}
	th.enterStopped()
}

// enterStopped parks the thread until its process is continued.
func (th *thread) enterStopped() {
	c := th.core
	if th.task.EnterStopped(func() {
		th.k.sched.Stop(c.id, th.entity, sched.Blocked)
	}) {
		th.switchOut()
	}
}

// forceSignal queues a synchronous signal the task cannot ignore or
// block: its action is reset to the default if it is ignored, and it is
// unblocked.
func (k *Kernel) forceSignal(t *task.Task, sig abi.Signal) {
	actions := t.Group().Actions()
	if act := actions.Get(sig); act.IsIgnore() || t.Blocked().Has(sig) {
		if _, err := actions.Set(sig, signal.Action{}); err != nil {
			log.Error("internal error: failed to reset action of %s: %v", sig, err)
		}
		if _, err := t.Sigprocmask(abi.SIG_UNBLOCK, signal.SetOf(sig)); err != nil {
			log.Error("internal error: failed to unblock %s: %v", sig, err)
		}
	}
	if err := k.signalThread(t, sig); err != nil {
		log.Error("internal error: failed to send %s to %s: %v", sig, t, err)
	}
}

// signalGroup sends a process-directed signal, kicking the threads that
// need to notice it.
func (k *Kernel) signalGroup(g *task.Group, sig abi.Signal) error {
	kick, err := task.SendGroup(g, sig)
	if err != nil {
		return err
	}
	for _, t := range kick {
		k.kick(t)
	}
	if sig == abi.SIGCONT {
		if p, ok := k.tasks.LookupGroup(k.tasks.Parent(g)); ok {
			k.childChanged(p, 0)
		}
	}
	return nil
}

// signalThread sends a signal to a single thread.
func (k *Kernel) signalThread(t *task.Task, sig abi.Signal) error {
	kick, err := task.SendThread(t, sig)
	if err != nil {
		return err
	}
	for _, o := range kick {
		k.kick(o)
	}
	return nil
}

// userMemory is the address space of a thread as seen from its core.
type userMemory struct {
	as  *mm.AddressSpace
	tlb *mm.TLB
}

func (m userMemory) CopyIn(va uint64, data []byte) error {
	return m.as.CopyIn(m.tlb, va, data)
}

func (m userMemory) CopyOut(va uint64, data []byte) error {
	return m.as.CopyOut(m.tlb, va, data)
}

func (th *thread) memory() userMemory {
	return userMemory{as: th.task.AddressSpace(), tlb: th.core.tlb}
}
