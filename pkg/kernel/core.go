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
	"context"

	"github.com/intel/kcore/pkg/kernel/mm"
	"github.com/intel/kcore/pkg/kernel/sched"
	"github.com/intel/kcore/pkg/kernel/task"
)

// core runs the threads the scheduler picks for it, one at a time.
type core struct {
	id    int
	k     *Kernel
	tlb   *mm.TLB
	kick  chan struct{}
	yield chan struct{}
}

func newCore(k *Kernel, id int) *core {
	return &core{
		id:    id,
		k:     k,
		tlb:   k.mem.TLB(id),
		kick:  make(chan struct{}, 1),
		yield: make(chan struct{}, 1),
	}
}

// kickIdle wakes the core up if it is idling.
func (c *core) kickIdle() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// run is the scheduling loop of the core. With nothing to run the core
// halts until kicked or ticked.
func (c *core) run(ctx context.Context) error {
	k := c.k
	tick := k.config.Tick
	ticker := k.clock.NewTicker(tick)
	defer ticker.Stop()

	for {
		e := k.sched.PickNext(c.id)
		if e.IsIdle() {
			select {
			case <-ctx.Done():
				return nil
			case <-c.kick:
			case <-ticker.C():
				k.sched.Tick(c.id, tick)
			}
			continue
		}

		th := e.Owner().(*thread)
		if !c.dispatch(th) {
			continue
		}
	running:
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-c.yield:
				break running
			case <-ticker.C():
				k.sched.Tick(c.id, tick)
			}
		}
	}
}

// dispatch hands the core to th.
func (c *core) dispatch(th *thread) bool {
	if err := th.task.SetState(task.Running); err != nil {
		log.Error("internal error: core %d picked task %s in state %s", c.id, th.task, th.task.State())
		c.k.sched.Stop(c.id, th.entity, sched.Blocked)
		return false
	}
	if as := th.task.AddressSpace(); as != nil {
		as.Activate(c.tlb)
	}
	c.k.stats.dispatches.Add(1)
	th.resume <- c
	return true
}
