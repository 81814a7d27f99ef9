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
	"math"
	"sort"
)

// imbalancePct is how much busier, in percent, a queue must be than the
// idlest one before load is moved between them.
const imbalancePct = 125

// selectCore picks a core for e to run on: prev when it is allowed and
// idle, otherwise the allowed core with the fewest runnable entities.
func (s *Scheduler) selectCore(e *Entity, prev int) int {
	best, bestNr := -1, 0
	for _, core := range e.affinity.List() {
		if core >= len(s.queues) {
			continue
		}
		rq := s.queues[core]
		rq.Lock()
		nr := rq.nrRunning()
		rq.Unlock()
		if core == prev && nr == 0 {
			return core
		}
		if best < 0 || nr < bestNr || nr == bestNr && core == prev {
			best, bestNr = core, nr
		}
	}
	if best < 0 {
		// affinity outside of the machine, should not happen
		log.Warn("entity %s has no usable core in %s", e, e.affinity)
		return 0
	}
	return best
}

// lockPair locks two run queues in core order.
func lockPair(a, b *RunQueue) {
	if a.core < b.core {
		a.Lock()
		b.Lock()
	} else {
		b.Lock()
		a.Lock()
	}
}

func unlockPair(a, b *RunQueue) {
	a.Unlock()
	b.Unlock()
}

// migrate moves a queued entity from src to dst, both locked.
func migrate(e *Entity, src, dst *RunQueue) {
	src.dequeue(e)
	if !e.policy.RealTime() {
		e.vruntime = e.vruntime - min(e.vruntime, src.minVR) + dst.minVR
	}
	dst.enqueue(e)
}

// pull steals one queued entity for an empty core from the core with the
// most queued work.
func (s *Scheduler) pull(core int) bool {
	dst := s.queues[core]
	for _, src := range s.byQueued(core) {
		lockPair(src, dst)
		if dst.nrQueued() > 0 {
			unlockPair(src, dst)
			return false
		}
		e := stealable(src, core, true)
		if e != nil {
			migrate(e, src, dst)
			log.Debug("core %d: pulled %s from core %d", core, e, src.core)
		}
		unlockPair(src, dst)
		if e != nil {
			return true
		}
	}
	return false
}

// byQueued returns the other queues with queued work, busiest first.
func (s *Scheduler) byQueued(core int) []*RunQueue {
	type candidate struct {
		rq *RunQueue
		nr int
	}
	var candidates []candidate
	for _, rq := range s.queues {
		if rq.core == core {
			continue
		}
		rq.Lock()
		nr := rq.nrQueued()
		rq.Unlock()
		if nr > 0 {
			candidates = append(candidates, candidate{rq, nr})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].nr > candidates[j].nr
	})
	queues := make([]*RunQueue, 0, len(candidates))
	for _, c := range candidates {
		queues = append(queues, c.rq)
	}
	return queues
}

// stealable returns a queued entity of src allowed on core. Fair entities
// are taken from the right end of the timeline, real-time ones only when
// rt is set, lowest priority first.
func stealable(src *RunQueue, core int, rt bool) *Entity {
	var found *Entity
	src.fair.Descend(func(e *Entity) bool {
		if e.affinity.Contains(core) {
			found = e
			return false
		}
		return true
	})
	if found != nil || !rt {
		return found
	}
	for prio := 0; prio <= RTPrioMax; prio++ {
		q := src.rt[prio]
		for i := len(q) - 1; i >= 0; i-- {
			if q[i].affinity.Contains(core) {
				return q[i]
			}
		}
	}
	return nil
}

// Balance moves fair entities from the busiest to the idlest core when
// their average loads differ enough. It returns the number of entities
// moved.
func (s *Scheduler) Balance() int {
	if len(s.queues) < 2 {
		return 0
	}

	var busiest, idlest *RunQueue
	var maxLoad, minLoad float64
	for _, rq := range s.queues {
		rq.Lock()
		load := max(rq.load.Value(), float64(rq.instantLoad()))
		queued := rq.nrQueued()
		rq.Unlock()
		if queued > 0 && (busiest == nil || load > maxLoad) {
			busiest, maxLoad = rq, load
		}
		if idlest == nil || load < minLoad {
			idlest, minLoad = rq, load
		}
	}
	if busiest == nil || busiest == idlest || maxLoad*100 <= minLoad*imbalancePct {
		return 0
	}

	lockPair(busiest, idlest)
	defer unlockPair(busiest, idlest)

	// move weight for as long as it narrows the gap
	gap := maxLoad - minLoad
	moved, weight := 0, uint64(0)
	for {
		e := stealable(busiest, idlest.core, false)
		if e == nil || math.Abs(gap-2*float64(weight+e.load.weight)) >= math.Abs(gap-2*float64(weight)) {
			break
		}
		migrate(e, busiest, idlest)
		weight += e.load.weight
		moved++
	}
	if moved > 0 {
		if idlest.curr == nil || idlest.curr.idle {
			idlest.resched = true
		}
		log.Debug("balance: moved %d entities (weight %d) from core %d to core %d",
			moved, weight, busiest.core, idlest.core)
	}
	return moved
}
