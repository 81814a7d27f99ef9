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
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/intel/kcore/pkg/kernel/abi"
	"github.com/intel/kcore/pkg/kernel/loader"
	"github.com/intel/kcore/pkg/kernel/mm"
	"github.com/intel/kcore/pkg/kernel/sched"
	"github.com/intel/kcore/pkg/kernel/task"
)

// Program is the code of a user program. It runs on behalf of a thread,
// only while a core has the thread dispatched. Returning from the program
// of a process exits the process, returning from a thread entry exits the
// thread.
type Program func(uc *UserContext)

// Handler is a signal handler of a user program.
type Handler func(uc *UserContext, sig abi.Signal)

// unwind is panicked with to leave user code for good.
type unwind int

const (
	// the thread exited
	unwindExit unwind = iota
	// the thread execed a new program
	unwindExec
	// the kernel is shutting down
	unwindShutdown
)

// thread is the execution context of a task: a goroutine running user
// code, handed a core at a time by the core loops.
type thread struct {
	k        *Kernel
	task     *task.Task
	entity   *sched.Entity
	prog     Program
	process  bool // prog is the main program of a process
	regs     abi.Regs
	uc       *UserContext
	handlers *handlerTable

	resume chan *core
	core   *core // written by the thread itself on dispatch

	start       mm.StartInfo // where the image of the thread started
	restart     bool         // interrupted system call to restart
	fatal       uint32       // wait status of a Fatal outcome
	cloneEntry  Program      // entry of the child of the next clone
	vforkParent *task.Task   // parent waiting for this vfork child
}

func (k *Kernel) newThread(t *task.Task, prog Program, handlers *handlerTable) *thread {
	if handlers == nil {
		handlers = newHandlerTable()
	}
	th := &thread{
		k:        k,
		task:     t,
		prog:     prog,
		process:  true,
		handlers: handlers,
		resume:   make(chan *core, 1),
	}
	th.entity = k.sched.NewEntity(t.TID(), th)
	th.uc = &UserContext{th: th}
	t.Owner = th
	return th
}

// setStart points the registers at the entry of a freshly built image.
func (th *thread) setStart(start mm.StartInfo) {
	th.start = start
	th.regs = abi.Regs{PC: start.Entry}
	th.regs.X[abi.RegSP] = start.StackPointer
	th.regs.X[abi.RegA0] = start.Argc
	th.regs.X[abi.RegA1] = start.Argv
	th.regs.X[abi.RegA2] = start.Envp
}

// startThread makes a created thread runnable for the first time.
func (k *Kernel) startThread(th *thread) {
	if err := th.task.SetState(task.Ready); err != nil {
		return
	}
	k.threads.Add(1)
	go th.main()
	if core, resched := k.sched.WakeUpNew(th.entity); resched {
		k.cores[core].kickIdle()
	}
}

func (th *thread) main() {
	defer th.k.threads.Done()
	defer func() {
		if r := recover(); r != nil && r != unwindShutdown {
			panic(r)
		}
	}()

	th.waitResume()
	for th.execute() == unwindExec {
	}
}

// execute runs the program of the thread until it exits or execs.
func (th *thread) execute() (why unwind) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if u, ok := r.(unwind); ok {
			why = u
			return
		}
		log.Error("task %s: program %s crashed: %v", th.task, th.task.Group().Name(), r)
		th.exitTask(abi.SignalStatus(abi.SIGSEGV)|0x80, true)
		why = unwindExit
	}()

	th.returnToUser(th.pendingWork())
	th.prog(th.uc)

	if th.process {
		th.exitTask(abi.ExitStatus(0), true)
	} else {
		th.exitTask(abi.ExitStatus(0), false)
	}
	return unwindExit
}

// waitResume waits until a core dispatches the thread.
func (th *thread) waitResume() {
	select {
	case c := <-th.resume:
		th.core = c
	case <-th.k.done:
		panic(unwindShutdown)
	}
}

// switchOut hands the core back and waits to be dispatched again. The
// entity must have been stopped on the core.
func (th *thread) switchOut() {
	th.core.yield <- struct{}{}
	th.waitResume()
}

// preempt takes the running thread off its core and requeues it.
func (th *thread) preempt(reason sched.StopReason) {
	if err := th.task.SetState(task.Ready); err != nil {
		return
	}
	th.k.sched.Stop(th.core.id, th.entity, reason)
	th.k.kickResched()
	th.switchOut()
}

// block takes a thread that prepared to sleep off its core, unless it was
// woken meanwhile.
func (th *thread) block() {
	c := th.core
	asleep := false
	th.task.Block(func(sleeping bool) {
		asleep = sleeping
		if sleeping {
			th.k.sched.Stop(c.id, th.entity, sched.Blocked)
		}
	})
	if !asleep {
		th.task.Unsleep()
		return
	}
	th.switchOut()
}

// sleep blocks the thread until ready reports true. It fails with EINTR
// if a signal needs handling, and with ETIMEDOUT once a positive timeout
// elapsed. ready is called with the task marked sleeping, so a wakeup
// following a change of its condition is never lost.
func (th *thread) sleep(ready func() bool, timeout time.Duration) error {
	var expired atomic.Bool
	if timeout > 0 {
		timer := th.k.clock.NewTimer(timeout)
		stop := make(chan struct{})
		defer func() {
			close(stop)
			timer.Stop()
		}()
		go func() {
			select {
			case <-timer.C():
				expired.Store(true)
				th.k.wake(th.task)
			case <-stop:
			}
		}()
	}

	for {
		if !th.task.PrepareSleep() {
			return errors.Wrap(abi.EINTR, "sleep interrupted")
		}
		if ready() {
			th.task.Unsleep()
			return nil
		}
		if expired.Load() {
			th.task.Unsleep()
			return errors.Wrapf(abi.ETIMEDOUT, "sleep timed out after %s", timeout)
		}
		th.block()
	}
}

// killableSleep blocks the thread until ready reports true, or it gets a
// fatal signal.
func (th *thread) killableSleep(ready func() bool) error {
	for {
		if !th.task.PrepareKillableSleep() {
			return errors.Wrap(abi.EINTR, "sleep killed")
		}
		if ready() {
			th.task.Unsleep()
			return nil
		}
		th.block()
	}
}

// wake makes a task in one of the given states, Sleeping by default,
// runnable, kicking its core if that needs to reschedule.
func (k *Kernel) wake(t *task.Task, from ...task.State) bool {
	th, ok := t.Owner.(*thread)
	if !ok {
		return false
	}
	var (
		core    int
		resched bool
	)
	woken := t.Wake(func() {
		core, resched = k.sched.Wake(th.entity)
	}, from...)
	if woken && resched {
		k.cores[core].kickIdle()
	}
	return woken
}

// kick interrupts a sleeping or stopped task so it notices a signal.
func (k *Kernel) kick(t *task.Task) {
	k.wake(t, task.Sleeping, task.Stopped)
}

// exitTask tears down the calling thread, and the whole process if group
// is set, and gives up its core for good.
func (th *thread) exitTask(status uint32, group bool) {
	k, t := th.k, th.task
	g := t.Group()

	if group {
		if others, first := g.BeginExit(status, t); first {
			for _, o := range others {
				k.kick(o)
			}
		}
	}

	if addr := t.ClearTID(); addr != 0 {
		if as := t.AddressSpace(); as != nil && as.Users() > 1 {
			if err := as.WriteU32(th.core.tlb, addr, 0); err == nil {
				_, _ = k.futex.Wake(as, th.core.tlb, addr, 1)
			}
		}
	}
	th.releaseVfork()
	if as := t.SetAddressSpace(nil); as != nil {
		as.Release()
	}

	res, err := k.tasks.Exit(t, status)
	if err != nil {
		log.Error("internal error: task %s failed to exit: %v", t, err)
	}
	if execer := g.Execer(); execer != nil && !res.Dead {
		k.wake(execer)
	}
	if res.Dead {
		log.Debug("process %d (%s) exited with status %#x", g.TGID(), g.Name(), g.Status())
		if res.Parent != nil {
			sig := g.ExitSignal()
			if res.Reaped {
				sig = 0
			}
			k.childChanged(res.Parent, sig)
		}
		if len(res.Orphans) > 0 {
			if init, ok := k.tasks.LookupGroup(task.InitPID); ok {
				k.childChanged(init, 0)
			}
		}
		if g.TGID() == task.InitPID {
			close(k.initDone)
		}
	}
	k.stats.exits.Add(1)

	k.sched.Stop(th.core.id, th.entity, sched.Blocked)
	th.core.yield <- struct{}{}
}

// childChanged tells the process p about a state change of a child.
func (k *Kernel) childChanged(p *task.Group, sig abi.Signal) {
	if sig != 0 {
		if err := k.signalGroup(p, sig); err != nil {
			log.Warn("failed to notify process %d: %v", p.TGID(), err)
		}
	}
	for _, w := range p.ChildExit.Waiters() {
		k.wake(w)
	}
}

// releaseVfork lets the parent of a vfork child continue.
func (th *thread) releaseVfork() {
	if th.task.VforkDone() == nil {
		return
	}
	th.task.ReleaseVfork()
	if th.vforkParent != nil {
		th.k.wake(th.vforkParent)
		th.vforkParent = nil
	}
}

// image is a loaded executable ready to run.
type image struct {
	name  string
	prog  Program
	as    *mm.AddressSpace
	start mm.StartInfo
}

// loadImage builds the address space of an executable. On failure
// nothing is left behind.
func (k *Kernel) loadImage(file string, argv, envp []string) (*image, error) {
	x, err := loader.Load(k.fs, file, k.machine)
	if err != nil {
		return nil, err
	}
	prog, ok := k.program(x.Program)
	if !ok {
		return nil, errors.Wrapf(abi.ENOEXEC, "%s: unknown program %q", file, x.Program)
	}
	x.Image.Args, x.Image.Env = argv, envp
	as, start, err := k.mem.BuildImage(x.Image)
	if err != nil {
		return nil, err
	}
	return &image{name: path.Base(file), prog: prog, as: as, start: start}, nil
}

// handlerBase is where the addresses handed out for Go signal handlers
// start, in the kernel half never mapped to user space. The first one is
// the signal return trampoline.
const handlerBase uint64 = 0xffff_ffc0_0000_0000

// handlerTable resolves handler addresses to handlers. Threads sharing
// signal handlers share their table.
type handlerTable struct {
	sync.Mutex
	next uint64
	fns  map[uint64]Handler
}

func newHandlerTable() *handlerTable {
	return &handlerTable{
		next: handlerBase + 16,
		fns:  make(map[uint64]Handler),
	}
}

// add registers fn and returns its address.
func (h *handlerTable) add(fn Handler) uint64 {
	h.Lock()
	defer h.Unlock()
	addr := h.next
	h.next += 16
	h.fns[addr] = fn
	return addr
}

func (h *handlerTable) lookup(addr uint64) (Handler, bool) {
	h.Lock()
	defer h.Unlock()
	fn, ok := h.fns[addr]
	return fn, ok
}

func (h *handlerTable) clone() *handlerTable {
	h.Lock()
	defer h.Unlock()
	c := &handlerTable{next: h.next, fns: make(map[uint64]Handler, len(h.fns))}
	for addr, fn := range h.fns {
		c.fns[addr] = fn
	}
	return c
}
