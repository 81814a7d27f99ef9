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
	"github.com/pkg/errors"

	"github.com/intel/kcore/pkg/kernel/abi"
	"github.com/intel/kcore/pkg/kernel/signal"
)

// SendGroup queues a process-directed signal for g. It returns the threads
// that need a kick to notice it: sleepers to interrupt, and stopped
// threads for SIGKILL and SIGCONT.
func SendGroup(g *Group, sig abi.Signal) ([]*Task, error) {
	return send(g, nil, sig)
}

// SendThread queues a signal for the thread t only.
func SendThread(t *Task, sig abi.Signal) ([]*Task, error) {
	return send(t.group, t, sig)
}

func send(g *Group, target *Task, sig abi.Signal) ([]*Task, error) {
	if sig == 0 {
		return nil, nil
	}
	if !signal.Valid(sig) {
		return nil, errors.Wrapf(abi.EINVAL, "invalid signal %d", sig)
	}

	g.Lock()
	defer g.Unlock()

	if g.zombie || (g.exiting && sig != abi.SIGKILL) {
		return nil, nil
	}
	threads := g.threadList()

	switch {
	case sig == abi.SIGKILL:
		g.stopped = false
		g.shared = g.shared.Add(abi.SIGKILL)
		return threads, nil

	case sig == abi.SIGCONT:
		g.shared &^= signal.StopSignals
		for _, t := range threads {
			t.pending &^= signal.StopSignals
		}
		if g.stopped {
			g.stopped = false
			g.stopReport = false
			g.contReport = true
		}

	case signal.StopSignals.Has(sig):
		g.shared = g.shared.Del(abi.SIGCONT)
		for _, t := range threads {
			t.pending = t.pending.Del(abi.SIGCONT)
		}
	}

	if g.actions.Get(sig).Ignored(sig) && !blockedByAll(threads, target, sig) {
		return wakeStopped(threads, sig), nil
	}

	var kick *Task
	if target != nil {
		target.pending = target.pending.Add(sig)
		if !target.blocked.Has(sig) {
			kick = target
		}
	} else {
		g.shared = g.shared.Add(sig)
		// the leader takes it when it can, any thread not blocking it otherwise
		for _, t := range threads {
			if !t.blocked.Has(sig) {
				kick = t
				if t == g.leader {
					break
				}
			}
		}
	}

	tasks := wakeStopped(threads, sig)
	if kick != nil && kick.state == Sleeping {
		tasks = append(tasks, kick)
	}
	return tasks, nil
}

func blockedByAll(threads []*Task, target *Task, sig abi.Signal) bool {
	if target != nil {
		return target.blocked.Has(sig)
	}
	for _, t := range threads {
		if !t.blocked.Has(sig) {
			return false
		}
	}
	return len(threads) > 0
}

func wakeStopped(threads []*Task, sig abi.Signal) []*Task {
	if sig != abi.SIGCONT {
		return nil
	}
	var tasks []*Task
	for _, t := range threads {
		if t.state == Stopped {
			tasks = append(tasks, t)
		}
	}
	return tasks
}

// deliverable tells if the task has a signal to act on. The group must be
// locked.
func (t *Task) deliverable() bool {
	if t.group.exiting || t.group.stopped {
		return true
	}
	_, ok := signal.Next(t.pending|t.group.shared, t.blocked)
	return ok
}

// fatal tells if the task is to die at its next checkpoint. The group
// must be locked.
func (t *Task) fatal() bool {
	return t.group.exiting || (t.pending|t.group.shared).Has(abi.SIGKILL)
}

// SignalPending tells if the task has a signal to act on, or its group is
// exiting or stopping.
func (t *Task) SignalPending() bool {
	t.group.Lock()
	defer t.group.Unlock()
	return t.deliverable()
}

// Dequeue takes the next deliverable signal of the task, private signals
// before process-directed ones of the same number.
func (t *Task) Dequeue() (abi.Signal, bool) {
	t.group.Lock()
	defer t.group.Unlock()
	g := t.group
	sig, ok := signal.Next(t.pending|g.shared, t.blocked)
	if !ok {
		return 0, false
	}
	if t.pending.Has(sig) {
		t.pending = t.pending.Del(sig)
	} else {
		g.shared = g.shared.Del(sig)
	}
	return sig, true
}

// Pending returns the signals pending for the task, private and shared.
func (t *Task) Pending() signal.Set {
	t.group.Lock()
	defer t.group.Unlock()
	return t.pending | t.group.shared
}

// Blocked returns the blocked signals of the task.
func (t *Task) Blocked() signal.Set {
	t.group.Lock()
	defer t.group.Unlock()
	return t.blocked
}

// SetBlocked replaces the blocked set, returning the old one. The
// unblockable signals are never blocked.
func (t *Task) SetBlocked(set signal.Set) signal.Set {
	t.group.Lock()
	defer t.group.Unlock()
	old := t.blocked
	t.blocked = set.Blockable()
	return old
}

// Sigprocmask changes the blocked set as rt_sigprocmask does.
func (t *Task) Sigprocmask(how int, set signal.Set) (signal.Set, error) {
	t.group.Lock()
	defer t.group.Unlock()
	old := t.blocked
	switch how {
	case abi.SIG_BLOCK:
		t.blocked |= set
	case abi.SIG_UNBLOCK:
		t.blocked &^= set
	case abi.SIG_SETMASK:
		t.blocked = set
	default:
		return old, errors.Wrapf(abi.EINVAL, "invalid sigprocmask how %d", how)
	}
	t.blocked = t.blocked.Blockable()
	return old, nil
}

// Discard drops sig from every pending set of the group, for a signal
// whose action became SIG_IGN.
func (g *Group) Discard(sig abi.Signal) {
	g.Lock()
	defer g.Unlock()
	g.shared = g.shared.Del(sig)
	for _, t := range g.threads {
		t.pending = t.pending.Del(sig)
	}
}

// Stop puts the group in the stopped state on behalf of t handling the
// stop signal sig. It returns true if the group just stopped, in which
// case the parent is to be notified, and the other threads to kick.
func (t *Task) Stop(sig abi.Signal) (bool, []*Task) {
	g := t.group
	g.Lock()
	defer g.Unlock()
	if g.exiting {
		return false, nil
	}
	if g.stopped {
		return false, nil
	}
	g.stopped = true
	g.stopSig = sig
	g.stopReport = true
	g.contReport = false
	var others []*Task
	for _, o := range g.threadList() {
		if o != t {
			others = append(others, o)
		}
	}
	return true, others
}

// ShouldStop tells if the task is to stop at its next checkpoint.
func (t *Task) ShouldStop() bool {
	t.group.Lock()
	defer t.group.Unlock()
	return t.group.stopped && !t.group.exiting
}

// EnterStopped moves a running task of a stopped group to the Stopped
// state, reporting false if the group was continued meanwhile. fn is
// called with the group locked to take the task off the CPU.
func (t *Task) EnterStopped(fn func()) bool {
	g := t.group
	g.Lock()
	defer g.Unlock()
	if !g.stopped || g.exiting {
		return false
	}
	if t.setState(Stopped) != nil {
		return false
	}
	fn()
	return true
}
