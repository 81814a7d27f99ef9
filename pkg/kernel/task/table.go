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
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/intel/kcore/pkg/kernel/abi"
	"github.com/intel/kcore/pkg/kernel/mm"
	"github.com/intel/kcore/pkg/kernel/signal"
)

const (
	// InitPID is the id of the task orphans are reparented to.
	InitPID = 1
	// PIDMax is the first id never handed out.
	PIDMax = 32768
)

// Table is the task arena: every task by thread id and every thread group
// by group id. Its lock protects the process tree and group membership.
type Table struct {
	sync.RWMutex
	max    int
	last   int
	tasks  map[int]*Task
	groups map[int]*Group
}

// NewTable creates a table holding at most max tasks.
func NewTable(max int) *Table {
	if max <= 0 || max >= PIDMax {
		max = PIDMax - 1
	}
	return &Table{
		max:    max,
		tasks:  make(map[int]*Task),
		groups: make(map[int]*Group),
	}
}

// allocID returns the next free id after the last one handed out,
// wrapping around below PIDMax.
func (tbl *Table) allocID() (int, error) {
	if len(tbl.tasks) >= tbl.max {
		return 0, errors.Wrapf(abi.ENOMEM, "task table full (%d tasks)", tbl.max)
	}
	id := tbl.last
	for i := 0; i < PIDMax; i++ {
		id++
		if id >= PIDMax {
			id = InitPID + 1
		}
		_, usedT := tbl.tasks[id]
		_, usedG := tbl.groups[id]
		if !usedT && !usedG {
			tbl.last = id
			return id, nil
		}
	}
	return 0, errors.Wrap(abi.ENOMEM, "no free task id")
}

// Resources are the resources a new task starts with.
type Resources struct {
	AS      *mm.AddressSpace
	Files   *FDTable
	Actions *signal.Table
}

// NewInit creates the init task, the root of the process tree.
func (tbl *Table) NewInit(name string, res Resources) (*Task, error) {
	tbl.Lock()
	defer tbl.Unlock()
	if _, ok := tbl.tasks[InitPID]; ok {
		return nil, errors.Wrap(abi.EEXIST, "init task already exists")
	}
	t := tbl.newGroup(InitPID, 0, name, abi.SIGCHLD, res)
	tbl.last = InitPID
	return t, nil
}

func (tbl *Table) newGroup(tid, parent int, name string, exitSignal abi.Signal, res Resources) *Task {
	if res.Actions == nil {
		res.Actions = signal.NewTable()
	}
	if res.Files == nil {
		res.Files = NewFDTable(0)
	}
	t := &Task{tid: tid, as: res.AS, files: res.Files}
	g := &Group{
		tgid:       tid,
		name:       name,
		leader:     t,
		threads:    map[int]*Task{tid: t},
		parent:     parent,
		children:   make(map[int]*Group),
		actions:    res.Actions,
		exitSignal: exitSignal,
	}
	t.group = g
	tbl.tasks[tid] = t
	tbl.groups[tid] = g
	if p, ok := tbl.groups[parent]; ok {
		p.children[tid] = g
	}
	return t
}

// CheckCloneFlags validates the sharing flags of clone.
func CheckCloneFlags(flags uint64) error {
	if flags&abi.CLONE_THREAD != 0 && flags&abi.CLONE_SIGHAND == 0 {
		return errors.Wrap(abi.EINVAL, "CLONE_THREAD requires CLONE_SIGHAND")
	}
	if flags&abi.CLONE_SIGHAND != 0 && flags&abi.CLONE_VM == 0 {
		return errors.Wrap(abi.EINVAL, "CLONE_SIGHAND requires CLONE_VM")
	}
	return nil
}

// Clone creates a task as a child of parent, in the parent's thread group
// for CLONE_THREAD and as a new process otherwise. The new task is in
// state Created until the caller makes it ready, or aborts it.
func (tbl *Table) Clone(parent *Task, flags uint64, res Resources) (*Task, error) {
	if err := CheckCloneFlags(flags); err != nil {
		return nil, err
	}

	tbl.Lock()
	defer tbl.Unlock()

	pg := parent.group
	pg.Lock()
	exiting := pg.exiting
	pg.Unlock()
	if exiting {
		return nil, errors.Wrapf(abi.EAGAIN, "task %s is exiting", parent)
	}

	tid, err := tbl.allocID()
	if err != nil {
		return nil, err
	}

	var t *Task
	if flags&abi.CLONE_THREAD != 0 {
		if res.Files == nil {
			res.Files = parent.files.Share()
		}
		t = &Task{tid: tid, group: pg, as: res.AS, files: res.Files}
		pg.Lock()
		pg.threads[tid] = t
		t.blocked = parent.blocked
		pg.Unlock()
		tbl.tasks[tid] = t
	} else {
		pp := pg.tgid
		if flags&abi.CLONE_PARENT != 0 && pg.parent != 0 {
			pp = pg.parent
		}
		exitSignal := abi.Signal(flags & abi.CSIGNAL)
		t = tbl.newGroup(tid, pp, pg.Name(), exitSignal, res)
		pg.Lock()
		t.blocked = parent.blocked
		pg.Unlock()
	}
	if flags&abi.CLONE_VFORK != 0 {
		t.vfork = make(chan struct{})
	}
	log.Debug("task %s cloned from %s (flags %#x)", t, parent, flags)
	return t, nil
}

// Abort removes a created task that never ran.
func (tbl *Table) Abort(t *Task) {
	tbl.Lock()
	defer tbl.Unlock()
	g := t.group
	g.Lock()
	if err := t.setState(Reaped); err != nil {
		g.Unlock()
		return
	}
	delete(g.threads, t.tid)
	g.Unlock()
	t.files.Release()
	delete(tbl.tasks, t.tid)
	if g.leader == t {
		delete(tbl.groups, g.tgid)
		if p, ok := tbl.groups[g.parent]; ok {
			delete(p.children, g.tgid)
		}
	}
}

// Lookup returns the task with the given thread id.
func (tbl *Table) Lookup(tid int) (*Task, bool) {
	tbl.RLock()
	defer tbl.RUnlock()
	t, ok := tbl.tasks[tid]
	return t, ok
}

// LookupGroup returns the thread group with the given id.
func (tbl *Table) LookupGroup(tgid int) (*Group, bool) {
	tbl.RLock()
	defer tbl.RUnlock()
	g, ok := tbl.groups[tgid]
	return g, ok
}

// Parent returns the id of the parent process of g.
func (tbl *Table) Parent(g *Group) int {
	tbl.RLock()
	defer tbl.RUnlock()
	return g.parent
}

// Children returns the child processes of g.
func (tbl *Table) Children(g *Group) []*Group {
	tbl.RLock()
	defer tbl.RUnlock()
	children := make([]*Group, 0, len(g.children))
	for _, c := range g.children {
		children = append(children, c)
	}
	sort.Slice(children, func(i, j int) bool { return children[i].tgid < children[j].tgid })
	return children
}

// Tasks returns every task, ordered by id.
func (tbl *Table) Tasks() []*Task {
	tbl.RLock()
	defer tbl.RUnlock()
	tasks := make([]*Task, 0, len(tbl.tasks))
	for _, t := range tbl.tasks {
		tasks = append(tasks, t)
	}
	sortTasks(tasks)
	return tasks
}

// Groups returns every thread group, ordered by id.
func (tbl *Table) Groups() []*Group {
	tbl.RLock()
	defer tbl.RUnlock()
	groups := make([]*Group, 0, len(tbl.groups))
	for _, g := range tbl.groups {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].tgid < groups[j].tgid })
	return groups
}

// Len returns the number of tasks in the table.
func (tbl *Table) Len() int {
	tbl.RLock()
	defer tbl.RUnlock()
	return len(tbl.tasks)
}

// Capacity returns the maximum number of tasks.
func (tbl *Table) Capacity() int {
	return tbl.max
}

// Counts returns the number of tasks per state.
func (tbl *Table) Counts() map[State]int {
	counts := make(map[State]int)
	for _, t := range tbl.Tasks() {
		counts[t.State()]++
	}
	return counts
}

func sortTasks(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].tid < tasks[j].tid })
}

// ExitResult tells the caller of Exit whom to notify.
type ExitResult struct {
	// Dead is set when the last thread of the group exited.
	Dead bool
	// Parent is the process to notify of the death, unless it was reaped
	// right away.
	Parent *Group
	// Reaped is set if nobody waits for the group.
	Reaped bool
	// Orphans lists the dead children handed over to init.
	Orphans []*Group
}

// Exit turns a running task into a zombie. Threads other than the leader
// are reaped right away; the leader stays until the whole group is dead
// and the parent reaps it. status is used unless the group is already
// exiting with a status of its own.
func (tbl *Table) Exit(t *Task, status uint32) (ExitResult, error) {
	tbl.Lock()
	defer tbl.Unlock()

	g := t.group
	g.Lock()
	if err := t.setState(Zombie); err != nil {
		g.Unlock()
		return ExitResult{}, err
	}
	delete(g.threads, t.tid)
	if g.leader != t {
		t.state = Reaped
		delete(tbl.tasks, t.tid)
	}
	if n := t.files.Release(); n > 0 {
		log.Debug("task %d: closed %d descriptors", t.tid, n)
	}
	dead := len(g.threads) == 0
	if dead {
		if !g.exiting {
			g.exiting = true
			g.status = status
		}
		g.zombie = true
	}
	g.Unlock()

	res := ExitResult{Dead: dead}
	if !dead {
		return res, nil
	}

	res.Orphans = tbl.reparent(g)

	parent, ok := tbl.groups[g.parent]
	if !ok {
		tbl.reap(g)
		res.Reaped = true
		return res, nil
	}
	if act := parent.Actions().Get(abi.SIGCHLD); act.IsIgnore() {
		tbl.reap(g)
		res.Reaped = true
	}
	res.Parent = parent
	return res, nil
}

// reparent hands the children of a dead group over to init, returning the
// ones already dead.
func (tbl *Table) reparent(g *Group) []*Group {
	init, ok := tbl.groups[InitPID]
	if !ok || init == g {
		if len(g.children) > 0 {
			log.Error("internal error: no init to reparent %d children of %d to", len(g.children), g.tgid)
		}
		for _, c := range g.children {
			c.parent = 0
		}
		g.children = map[int]*Group{}
		return nil
	}

	var orphans []*Group
	for tgid, c := range g.children {
		c.parent = InitPID
		init.children[tgid] = c
		c.Lock()
		if c.zombie {
			orphans = append(orphans, c)
		}
		c.Unlock()
	}
	g.children = map[int]*Group{}
	return orphans
}

// reap removes a dead group from the table.
func (tbl *Table) reap(g *Group) {
	g.Lock()
	g.leader.state = Reaped
	g.Unlock()
	delete(tbl.tasks, g.leader.tid)
	delete(tbl.groups, g.tgid)
	if p, ok := tbl.groups[g.parent]; ok {
		delete(p.children, g.tgid)
	}
	log.Debug("process %d (%s) reaped", g.tgid, g.name)
}

// WaitResult describes a child state change collected by Wait.
type WaitResult struct {
	PID    int
	Status uint32
	Reaped bool
}

const waitOptions = abi.WNOHANG | abi.WUNTRACED | abi.WCONTINUED | abi.WALL | abi.WCLONE

// Wait collects a state change of a child of the process of waiter
// matching pid: a specific child for pid > 0, any child for pid == -1 or
// 0, and the child with id -pid for pid < -1. It reports false if no
// matching child has changed state yet, and fails with ECHILD if there is
// no matching child at all.
func (tbl *Table) Wait(waiter *Task, pid int, options uint64) (WaitResult, bool, error) {
	if options&^waitOptions != 0 {
		return WaitResult{}, false, errors.Wrapf(abi.EINVAL, "invalid wait options %#x", options)
	}

	tbl.Lock()
	defer tbl.Unlock()

	parent := waiter.group
	var candidates []*Group
	for tgid, c := range parent.children {
		switch {
		case pid > 0 && tgid != pid:
		case pid < -1 && tgid != -pid:
		default:
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return WaitResult{}, false, errors.Wrapf(abi.ECHILD, "process %d has no child matching %d", parent.tgid, pid)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].tgid < candidates[j].tgid })

	for _, c := range candidates {
		c.Lock()
		switch {
		case c.zombie:
			status := c.status
			c.Unlock()
			tbl.reap(c)
			return WaitResult{PID: c.tgid, Status: status, Reaped: true}, true, nil
		case options&abi.WUNTRACED != 0 && c.stopReport:
			c.stopReport = false
			status := abi.StoppedStatus(c.stopSig)
			c.Unlock()
			return WaitResult{PID: c.tgid, Status: status}, true, nil
		case options&abi.WCONTINUED != 0 && c.contReport:
			c.contReport = false
			c.Unlock()
			return WaitResult{PID: c.tgid, Status: abi.WaitContinued}, true, nil
		}
		c.Unlock()
	}
	return WaitResult{}, false, nil
}
