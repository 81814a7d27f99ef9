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

package sched

import (
	"math/bits"
	"sync"

	"github.com/VividCortex/ewma"
	"github.com/google/btree"
)

// RunQueue holds the runnable entities of one core. The running entity is
// not kept on the queue.
type RunQueue struct {
	sync.Mutex
	core int

	fair       *btree.BTreeG[*Entity]
	fairWeight uint64
	minVR      uint64

	rt     [RTPrioMax + 1][]*Entity
	rtMask [2]uint64
	nrRT   int

	curr     *Entity
	idle     *Entity
	resched  bool
	switches uint64
	load     ewma.MovingAverage
}

func newRunQueue(core int) *RunQueue {
	rq := &RunQueue{
		core: core,
		fair: btree.NewG[*Entity](8, lessFair),
		idle: &Entity{idle: true, id: -1 - core, policy: Idle, load: newLoadWeight(IdleWeight)},
		load: ewma.NewMovingAverage(),
	}
	rq.idle.core.Store(int32(core))
	rq.curr = rq.idle
	return rq
}

// nrQueued returns the number of entities waiting to run.
func (rq *RunQueue) nrQueued() int {
	return rq.fair.Len() + rq.nrRT
}

// nrRunning returns the number of runnable entities, the running one included.
func (rq *RunQueue) nrRunning() int {
	n := rq.nrQueued()
	if rq.curr != nil && !rq.curr.idle {
		n++
	}
	return n
}

// instantLoad is the sum of the weights of runnable entities. Real-time
// entities count as the heaviest nice level.
func (rq *RunQueue) instantLoad() uint64 {
	load := rq.fairWeight + uint64(rq.nrRT)*niceWeights[0]
	if c := rq.curr; c != nil && !c.idle {
		if c.policy.RealTime() {
			load += niceWeights[0]
		} else {
			load += c.load.weight
		}
	}
	return load
}

func (rq *RunQueue) enqueue(e *Entity) {
	e.core.Store(int32(rq.core))
	e.queued = true
	if e.policy.RealTime() {
		rq.rt[e.rtPrio] = append(rq.rt[e.rtPrio], e)
		rq.rtMask[e.rtPrio/64] |= 1 << (e.rtPrio % 64)
		rq.nrRT++
		return
	}
	rq.fair.ReplaceOrInsert(e)
	rq.fairWeight += e.load.weight
}

// enqueueHead queues a real-time entity in front of its priority peers.
func (rq *RunQueue) enqueueHead(e *Entity) {
	if !e.policy.RealTime() {
		rq.enqueue(e)
		return
	}
	rq.enqueue(e)
	q := rq.rt[e.rtPrio]
	copy(q[1:], q[:len(q)-1])
	q[0] = e
}

func (rq *RunQueue) dequeue(e *Entity) {
	if !e.queued {
		return
	}
	e.queued = false
	if e.policy.RealTime() {
		q := rq.rt[e.rtPrio]
		for i, o := range q {
			if o == e {
				rq.rt[e.rtPrio] = append(q[:i], q[i+1:]...)
				break
			}
		}
		if len(rq.rt[e.rtPrio]) == 0 {
			rq.rtMask[e.rtPrio/64] &^= 1 << (e.rtPrio % 64)
		}
		rq.nrRT--
		return
	}
	rq.fair.Delete(e)
	rq.fairWeight -= e.load.weight
}

// highestRT returns the highest queued real-time priority.
func (rq *RunQueue) highestRT() (int, bool) {
	if rq.rtMask[1] != 0 {
		return 127 - bits.LeadingZeros64(rq.rtMask[1]), true
	}
	if rq.rtMask[0] != 0 {
		return 63 - bits.LeadingZeros64(rq.rtMask[0]), true
	}
	return 0, false
}

// first returns the entity that should run next, without dequeuing it.
func (rq *RunQueue) first() *Entity {
	if prio, ok := rq.highestRT(); ok {
		return rq.rt[prio][0]
	}
	if e, ok := rq.fair.Min(); ok {
		return e
	}
	return nil
}

// updateMinVR moves the queue's minimum virtual runtime forward, never back.
func (rq *RunQueue) updateMinVR() {
	vr := rq.minVR
	curr := rq.curr
	hasCurr := curr != nil && !curr.idle && !curr.policy.RealTime()
	if hasCurr {
		vr = curr.vruntime
	}
	if e, ok := rq.fair.Min(); ok {
		if !hasCurr || e.vruntime < vr {
			vr = e.vruntime
		}
	}
	if vr > rq.minVR {
		rq.minVR = vr
	}
}

// maxVR returns the largest virtual runtime on the fair timeline.
func (rq *RunQueue) maxVR() uint64 {
	if e, ok := rq.fair.Max(); ok {
		return e.vruntime
	}
	return rq.minVR
}
