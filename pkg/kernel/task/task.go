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

package task

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/intel/kcore/pkg/kernel/abi"
	"github.com/intel/kcore/pkg/kernel/mm"
	"github.com/intel/kcore/pkg/kernel/signal"
	logger "github.com/intel/kcore/pkg/log"
)

var log = logger.NewLogger("task")

// Task is a thread of execution. Its state and signal fields are protected
// by the lock of its thread group.
type Task struct {
	tid   int
	group *Group
	state State

	pending signal.Set
	blocked signal.Set

	as       *mm.AddressSpace
	files    *FDTable
	clearTID atomic.Uint64
	vfork    chan struct{}

	// Owner is the execution context the kernel attaches to the task.
	Owner interface{}
}

// Group is a thread group, ie. a process. The process tree links groups:
// the parent is a weak reference by id, children are owned by the parent.
type Group struct {
	sync.Mutex
	tgid    int
	name    string
	leader  *Task
	threads map[int]*Task

	parent   int
	children map[int]*Group

	actions    *signal.Table
	shared     signal.Set
	exitSignal abi.Signal

	exiting bool
	status  uint32
	zombie  bool

	execer *Task

	stopped    bool
	stopSig    abi.Signal
	stopReport bool
	contReport bool

	// ChildExit holds the threads waiting for a child to change state.
	ChildExit WaitQueue
}

// TID returns the thread id of the task.
func (t *Task) TID() int {
	return t.tid
}

// TGID returns the thread group id, ie. the process id of the task.
func (t *Task) TGID() int {
	return t.group.tgid
}

// Group returns the thread group of the task.
func (t *Task) Group() *Group {
	return t.group
}

// IsLeader tells if the task is the leader of its thread group.
func (t *Task) IsLeader() bool {
	return t.group.leader == t
}

// State returns the execution state of the task.
func (t *Task) State() State {
	t.group.Lock()
	defer t.group.Unlock()
	return t.state
}

// SetState moves the task to a new state, rejecting invalid transitions.
func (t *Task) SetState(to State) error {
	t.group.Lock()
	defer t.group.Unlock()
	return t.setState(to)
}

func (t *Task) setState(to State) error {
	if t.state == to {
		return nil
	}
	if !t.state.CanBecome(to) {
		log.Error("internal error: task %d: invalid transition %s -> %s", t.tid, t.state, to)
		return errors.Wrapf(abi.EINVAL, "task %d: invalid transition %s -> %s", t.tid, t.state, to)
	}
	t.state = to
	return nil
}

// Block takes a task that prepared to sleep off the CPU. fn is called with
// the group locked and tells whether the task is still asleep, or was
// woken meanwhile and should stay runnable.
func (t *Task) Block(fn func(asleep bool)) {
	t.group.Lock()
	defer t.group.Unlock()
	fn(t.state == Sleeping)
}

// PrepareSleep marks a running task sleeping. It fails, leaving the task
// running, if the task has a signal to handle first.
func (t *Task) PrepareSleep() bool {
	t.group.Lock()
	defer t.group.Unlock()
	if t.deliverable() {
		return false
	}
	return t.setState(Sleeping) == nil
}

// PrepareKillableSleep marks a running task sleeping unless it has a
// fatal signal pending. Other signals are left for after the sleep.
func (t *Task) PrepareKillableSleep() bool {
	t.group.Lock()
	defer t.group.Unlock()
	if t.fatal() {
		return false
	}
	return t.setState(Sleeping) == nil
}

// Unsleep returns a task that prepared to sleep, or was woken before it
// blocked, to the running state.
func (t *Task) Unsleep() {
	t.group.Lock()
	defer t.group.Unlock()
	if t.state == Sleeping || t.state == Ready {
		t.state = Running
	}
}

// Wake makes a task in one of the given states ready, calling fn with the
// group locked to put it on a run queue. It tells if the task was woken.
func (t *Task) Wake(fn func(), from ...State) bool {
	t.group.Lock()
	defer t.group.Unlock()
	if len(from) == 0 {
		from = []State{Sleeping}
	}
	for _, s := range from {
		if t.state == s {
			t.state = Ready
			fn()
			return true
		}
	}
	return false
}

// AddressSpace returns the address space of the task.
func (t *Task) AddressSpace() *mm.AddressSpace {
	t.group.Lock()
	defer t.group.Unlock()
	return t.as
}

// SetAddressSpace replaces the address space of the task, returning the
// old one for the caller to release.
func (t *Task) SetAddressSpace(as *mm.AddressSpace) *mm.AddressSpace {
	t.group.Lock()
	defer t.group.Unlock()
	old := t.as
	t.as = as
	return old
}

// Files returns the descriptor table of the task.
func (t *Task) Files() *FDTable {
	return t.files
}

// ClearTID returns the child tid address cleared on exit.
func (t *Task) ClearTID() uint64 {
	return t.clearTID.Load()
}

// SetClearTID sets the child tid address cleared on exit.
func (t *Task) SetClearTID(addr uint64) {
	t.clearTID.Store(addr)
}

// VforkDone returns the channel closed once a vfork child execs or exits,
// or nil if the task was not created by vfork.
func (t *Task) VforkDone() <-chan struct{} {
	return t.vfork
}

// ReleaseVfork lets the vfork parent of the task continue.
func (t *Task) ReleaseVfork() {
	t.group.Lock()
	defer t.group.Unlock()
	if t.vfork != nil {
		close(t.vfork)
		t.vfork = nil
	}
}

func (t *Task) String() string {
	if t.IsLeader() {
		return fmt.Sprintf("%d", t.tid)
	}
	return fmt.Sprintf("%d/%d", t.group.tgid, t.tid)
}

// TGID returns the id of the group.
func (g *Group) TGID() int {
	return g.tgid
}

// Name returns the name of the program the group runs.
func (g *Group) Name() string {
	g.Lock()
	defer g.Unlock()
	return g.name
}

// SetName sets the name of the program the group runs.
func (g *Group) SetName(name string) {
	g.Lock()
	defer g.Unlock()
	g.name = name
}

// Leader returns the leader of the group.
func (g *Group) Leader() *Task {
	return g.leader
}

// Actions returns the signal handler table of the group.
func (g *Group) Actions() *signal.Table {
	g.Lock()
	defer g.Unlock()
	return g.actions
}

// SetActions replaces the handler table, for exec unsharing it.
func (g *Group) SetActions(actions *signal.Table) {
	g.Lock()
	defer g.Unlock()
	g.actions = actions
}

// ExitSignal returns the signal sent to the parent when the group dies.
func (g *Group) ExitSignal() abi.Signal {
	return g.exitSignal
}

// Threads returns the live threads of the group.
func (g *Group) Threads() []*Task {
	g.Lock()
	defer g.Unlock()
	return g.threadList()
}

func (g *Group) threadList() []*Task {
	threads := make([]*Task, 0, len(g.threads))
	for _, t := range g.threads {
		threads = append(threads, t)
	}
	sortTasks(threads)
	return threads
}

// Exiting tells if the group is being torn down.
func (g *Group) Exiting() bool {
	g.Lock()
	defer g.Unlock()
	return g.exiting
}

// BeginExit starts tearing down the group with the given wait status. It
// returns false if the group is already exiting, otherwise the other
// threads which must be made to exit.
func (g *Group) BeginExit(status uint32, self *Task) ([]*Task, bool) {
	g.Lock()
	defer g.Unlock()
	if g.exiting {
		return nil, false
	}
	g.exiting = true
	g.status = status
	g.stopped = false
	var others []*Task
	for _, t := range g.threadList() {
		if t != self {
			t.pending = t.pending.Add(abi.SIGKILL)
			others = append(others, t)
		}
	}
	return others, true
}

// BeginExec makes the other threads of the group exit so that self can
// exec, returning them to be kicked. Only the leader can exec while it
// has other threads.
func (g *Group) BeginExec(self *Task) ([]*Task, error) {
	g.Lock()
	defer g.Unlock()
	if g.exiting {
		return nil, errors.Wrap(abi.EAGAIN, "process is exiting")
	}
	if g.execer != nil {
		return nil, errors.Wrap(abi.EAGAIN, "exec already in progress")
	}
	if len(g.threads) == 1 {
		return nil, nil
	}
	if self != g.leader {
		return nil, errors.Wrapf(abi.EINVAL, "exec from non-leader thread %d with %d threads",
			self.tid, len(g.threads))
	}
	g.execer = self
	var others []*Task
	for _, t := range g.threadList() {
		if t != self {
			t.pending = t.pending.Add(abi.SIGKILL)
			others = append(others, t)
		}
	}
	return others, nil
}

// EndExec ends an exec started with BeginExec.
func (g *Group) EndExec() {
	g.Lock()
	defer g.Unlock()
	g.execer = nil
}

// Execer returns the thread waiting for the others to exit to exec.
func (g *Group) Execer() *Task {
	g.Lock()
	defer g.Unlock()
	return g.execer
}

// Zapped tells if the task is to exit to let another thread of its group
// exec.
func (t *Task) Zapped() bool {
	t.group.Lock()
	defer t.group.Unlock()
	return t.group.execer != nil && t.group.execer != t
}

// Status returns the wait status of a dead group.
func (g *Group) Status() uint32 {
	g.Lock()
	defer g.Unlock()
	return g.status
}

// WaitQueue is a set of tasks waiting for an event.
type WaitQueue struct {
	sync.Mutex
	tasks map[*Task]struct{}
}

// Add puts t on the queue.
func (q *WaitQueue) Add(t *Task) {
	q.Lock()
	defer q.Unlock()
	if q.tasks == nil {
		q.tasks = make(map[*Task]struct{})
	}
	q.tasks[t] = struct{}{}
}

// Remove takes t off the queue.
func (q *WaitQueue) Remove(t *Task) {
	q.Lock()
	defer q.Unlock()
	delete(q.tasks, t)
}

// Waiters returns the tasks on the queue.
func (q *WaitQueue) Waiters() []*Task {
	q.Lock()
	defer q.Unlock()
	tasks := make([]*Task, 0, len(q.tasks))
	for t := range q.tasks {
		tasks = append(tasks, t)
	}
	sortTasks(tasks)
	return tasks
}
