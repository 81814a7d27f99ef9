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

// Package sched implements per-core run queues with a completely fair
// time-sharing class and a fixed priority real-time class on top.
package sched

import (
	"time"

	"github.com/pkg/errors"

	"github.com/intel/kcore/pkg/kernel/abi"
	logger "github.com/intel/kcore/pkg/log"
	"github.com/intel/kcore/pkg/utils/cpuset"
)

var log = logger.NewLogger("sched")

// Config holds the tunables of the scheduler.
type Config struct {
	// Latency is the period in which every runnable fair entity runs once.
	Latency time.Duration
	// MinGranularity is the shortest slice a fair entity gets.
	MinGranularity time.Duration
	// WakeupGranularity is the vruntime lead a woken entity needs to preempt.
	WakeupGranularity time.Duration
	// RRSlice is the time slice of SCHED_RR entities.
	RRSlice time.Duration
}

// DefaultConfig returns the default tunables.
func DefaultConfig() Config {
	return Config{
		Latency:           6 * time.Millisecond,
		MinGranularity:    750 * time.Microsecond,
		WakeupGranularity: time.Millisecond,
		RRSlice:           100 * time.Millisecond,
	}
}

// StopReason tells why an entity stopped running.
type StopReason int

const (
	// Preempted entities stay runnable.
	Preempted StopReason = iota
	// Yielded entities stay runnable behind their peers.
	Yielded
	// Blocked entities leave the run queue until woken.
	Blocked
)

// Scheduler distributes entities over the run queues of the cores.
type Scheduler struct {
	config Config
	queues []*RunQueue
	all    cpuset.CPUSet
}

// New creates a scheduler for the given number of cores.
func New(cores int, config Config) *Scheduler {
	def := DefaultConfig()
	if config.Latency <= 0 {
		config.Latency = def.Latency
	}
	if config.MinGranularity <= 0 {
		config.MinGranularity = def.MinGranularity
	}
	if config.WakeupGranularity <= 0 {
		config.WakeupGranularity = def.WakeupGranularity
	}
	if config.RRSlice <= 0 {
		config.RRSlice = def.RRSlice
	}
	s := &Scheduler{config: config}
	ids := make([]int, cores)
	for i := range ids {
		ids[i] = i
		s.queues = append(s.queues, newRunQueue(i))
	}
	s.all = cpuset.New(ids...)
	return s
}

// Cores returns the number of cores.
func (s *Scheduler) Cores() int {
	return len(s.queues)
}

// Config returns the tunables of the scheduler.
func (s *Scheduler) Config() Config {
	return s.config
}

// SetConfig replaces the tunables of the scheduler.
func (s *Scheduler) SetConfig(config Config) {
	for _, rq := range s.queues {
		rq.Lock()
	}
	s.config = config
	for _, rq := range s.queues {
		rq.Unlock()
	}
}

// NewEntity creates a SCHED_NORMAL, nice 0 entity runnable on every core.
func (s *Scheduler) NewEntity(id int, owner interface{}) *Entity {
	return newEntity(id, owner, s.all)
}

// Inherit copies the scheduling parameters of parent to a new child entity.
func (s *Scheduler) Inherit(parent, child *Entity) {
	rq := s.lock(parent)
	child.policy = parent.policy
	child.nice = parent.nice
	child.rtPrio = parent.rtPrio
	child.load = parent.load
	child.affinity = parent.affinity
	child.core.Store(int32(rq.core))
	rq.Unlock()
}

// lock locks the run queue e belongs to. e may migrate while we wait, so
// the queue is rechecked after locking.
func (s *Scheduler) lock(e *Entity) *RunQueue {
	for {
		rq := s.queues[e.Core()]
		rq.Lock()
		if e.Core() == rq.core {
			return rq
		}
		rq.Unlock()
	}
}

// WakeUpNew makes a newly created entity runnable. It returns the core
// chosen and whether that core should reschedule.
func (s *Scheduler) WakeUpNew(e *Entity) (int, bool) {
	core := s.selectCore(e, -1)
	rq := s.queues[core]
	rq.Lock()
	defer rq.Unlock()

	// start half a period behind the queue, so a forking loop cannot
	// starve the others
	rq.updateMinVR()
	e.vruntime = rq.minVR + uint64(s.config.Latency/2)
	e.rrLeft = s.config.RRSlice
	rq.enqueue(e)
	return core, s.checkPreempt(rq, e, true)
}

// Wake makes a blocked entity runnable again. An entity woken on another
// core keeps its lag relative to the queue it slept on.
func (s *Scheduler) Wake(e *Entity) (int, bool) {
	prev := e.Core()
	core := s.selectCore(e, prev)
	rq, prq := s.queues[core], s.queues[prev]
	if prq != rq {
		lockPair(prq, rq)
		defer unlockPair(prq, rq)
	} else {
		rq.Lock()
		defer rq.Unlock()
	}

	if e.queued || e.running || e.Core() != prev {
		return core, false
	}
	rq.updateMinVR()
	if prq != rq && !e.policy.RealTime() {
		e.vruntime = e.vruntime - min(e.vruntime, prq.minVR) + rq.minVR
	}
	// credit sleepers with at most one period of lag
	if floor := rq.minVR - min(rq.minVR, uint64(s.config.Latency)); e.vruntime < floor {
		e.vruntime = floor
	}
	rq.enqueue(e)
	return core, s.checkPreempt(rq, e, true)
}

// checkPreempt decides if e, just queued, should preempt the running entity.
func (s *Scheduler) checkPreempt(rq *RunQueue, e *Entity, wakeup bool) bool {
	curr := rq.curr
	switch {
	case curr == nil || curr.idle:
		rq.resched = true
	case e.policy.RealTime():
		if !curr.policy.RealTime() || e.rtPrio > curr.rtPrio {
			rq.resched = true
		}
	case curr.policy.RealTime():
	case !wakeup || e.policy == Batch || e.policy == Idle && curr.policy != Idle:
	case curr.policy == Idle && e.policy != Idle:
		rq.resched = true
	default:
		gran := e.load.scale(uint64(s.config.WakeupGranularity))
		if curr.vruntime > e.vruntime && curr.vruntime-e.vruntime > gran {
			rq.resched = true
		}
	}
	return rq.resched
}

// PickNext dequeues the entity core should run next, falling back to the
// idle entity. An empty queue tries to pull work from the busiest core first.
func (s *Scheduler) PickNext(core int) *Entity {
	rq := s.queues[core]
	rq.Lock()
	empty := rq.nrQueued() == 0
	rq.Unlock()
	if empty {
		s.pull(core)
	}

	rq.Lock()
	defer rq.Unlock()

	prev := rq.curr
	if prev != nil && !prev.idle && prev.running {
		// picked without being stopped: treat as preempted
		prev.running = false
		rq.enqueue(prev)
	}
	next := rq.first()
	if next == nil {
		next = rq.idle
	} else {
		rq.dequeue(next)
	}
	next.running = true
	next.sliceExec = 0
	next.core.Store(int32(core))
	rq.curr = next
	rq.resched = false
	if prev != next {
		rq.switches++
		next.switches++
	}
	rq.updateMinVR()
	return next
}

// Current returns the entity running on core.
func (s *Scheduler) Current(core int) *Entity {
	rq := s.queues[core]
	rq.Lock()
	defer rq.Unlock()
	return rq.curr
}

// Tick charges delta of runtime to the entity running on core and tells
// if the core should reschedule.
func (s *Scheduler) Tick(core int, delta time.Duration) bool {
	rq := s.queues[core]
	rq.Lock()
	defer rq.Unlock()

	rq.load.Add(float64(rq.instantLoad()))

	curr := rq.curr
	if curr == nil || curr.idle {
		if rq.nrQueued() > 0 {
			rq.resched = true
		}
		return rq.resched
	}

	curr.sumExec += delta
	curr.sliceExec += delta

	switch curr.policy {
	case FIFO:
		if prio, ok := rq.highestRT(); ok && prio > curr.rtPrio {
			rq.resched = true
		}
	case RR:
		curr.rrLeft -= delta
		if curr.rrLeft <= 0 {
			curr.rrLeft = s.config.RRSlice
			curr.expired = true
			if prio, ok := rq.highestRT(); ok && prio >= curr.rtPrio {
				rq.resched = true
			}
		}
	default:
		curr.vruntime += curr.load.scale(uint64(delta))
		rq.updateMinVR()
		if rq.nrRT > 0 {
			rq.resched = true
			break
		}
		s.checkPreemptTick(rq, curr)
	}
	return rq.resched
}

// checkPreemptTick reschedules once the running fair entity used its slice,
// or ran far enough ahead of the leftmost queued entity.
func (s *Scheduler) checkPreemptTick(rq *RunQueue, curr *Entity) {
	slice := s.slice(rq, curr)
	if curr.sliceExec >= slice {
		rq.resched = true
		return
	}
	if curr.sliceExec < s.config.MinGranularity {
		return
	}
	if first, ok := rq.fair.Min(); ok && curr.vruntime > first.vruntime &&
		curr.vruntime-first.vruntime > uint64(slice) {
		rq.resched = true
	}
}

// slice returns the wall clock slice of a fair entity: its weighted share
// of the scheduling period.
func (s *Scheduler) slice(rq *RunQueue, e *Entity) time.Duration {
	nr := rq.fair.Len() + 1
	period := s.config.Latency
	if nrLatency := int(s.config.Latency / s.config.MinGranularity); nr > nrLatency {
		period = time.Duration(nr) * s.config.MinGranularity
	}
	total := rq.fairWeight + e.load.weight
	slice := time.Duration(uint64(period) * e.load.weight / total)
	return max(slice, s.config.MinGranularity)
}

// NeedResched tells if core has a pending reschedule request.
func (s *Scheduler) NeedResched(core int) bool {
	rq := s.queues[core]
	rq.Lock()
	defer rq.Unlock()
	return rq.resched
}

// Resched requests a reschedule on core.
func (s *Scheduler) Resched(core int) {
	rq := s.queues[core]
	rq.Lock()
	rq.resched = true
	rq.Unlock()
}

// Stop takes the running entity of core off the CPU.
func (s *Scheduler) Stop(core int, e *Entity, reason StopReason) {
	rq := s.queues[core]
	rq.Lock()

	if rq.curr == e {
		rq.curr = rq.idle
	}
	e.running = false
	if e.idle || reason == Blocked {
		rq.Unlock()
		return
	}

	head := false
	switch {
	case reason == Yielded && e.policy.RealTime():
		e.rrLeft = s.config.RRSlice
	case reason == Yielded:
		if vr := rq.maxVR() + 1; vr > e.vruntime {
			e.vruntime = vr
		}
	case e.policy.RealTime():
		// preempted real-time entities keep their place, expired
		// round robin ones go behind their peers
		head = !e.expired
	}
	e.expired = false

	if e.affinity.Contains(core) {
		if head {
			rq.enqueueHead(e)
		} else {
			rq.enqueue(e)
		}
		rq.Unlock()
		return
	}
	vr := e.vruntime - min(e.vruntime, rq.minVR)
	rq.Unlock()

	// lost the right to run here while running
	target := s.selectCore(e, -1)
	trq := s.queues[target]
	trq.Lock()
	e.vruntime = vr + trq.minVR
	trq.enqueue(e)
	s.checkPreempt(trq, e, false)
	trq.Unlock()
}

// Remove takes a runnable entity off its queue, for entities exiting or
// stopping while not running.
func (s *Scheduler) Remove(e *Entity) {
	rq := s.lock(e)
	rq.dequeue(e)
	rq.Unlock()
}

// SetNice changes the nice value of a time-sharing entity.
func (s *Scheduler) SetNice(e *Entity, nice int) error {
	if nice < NiceMin || nice > NiceMax {
		nice = max(NiceMin, min(NiceMax, nice))
	}
	rq := s.lock(e)
	defer rq.Unlock()
	s.requeue(rq, e, func() {
		e.nice = nice
		if e.policy != Idle {
			e.load = weightOf(nice)
		}
	})
	return nil
}

// SetPolicy changes the policy and real-time priority of an entity.
func (s *Scheduler) SetPolicy(e *Entity, policy Policy, prio int) error {
	if !policy.Valid() {
		return errors.Wrapf(abi.EINVAL, "invalid policy %d", policy)
	}
	if policy.RealTime() != (prio > 0) || prio < 0 || prio > RTPrioMax {
		return errors.Wrapf(abi.EINVAL, "invalid priority %d for policy %s", prio, policy)
	}

	rq := s.lock(e)
	defer rq.Unlock()
	s.requeue(rq, e, func() {
		e.policy, e.rtPrio = policy, prio
		if policy == Idle {
			e.load = newLoadWeight(IdleWeight)
		} else {
			e.load = weightOf(e.nice)
		}
		e.rrLeft = s.config.RRSlice
	})
	if e.queued {
		s.checkPreempt(rq, e, true)
	} else if e.running && rq.curr == e {
		rq.resched = true
	}
	return nil
}

// requeue applies change to e with e off the queue, so keys stay consistent.
func (s *Scheduler) requeue(rq *RunQueue, e *Entity, change func()) {
	queued := e.queued
	if queued {
		rq.dequeue(e)
	}
	change()
	if queued {
		rq.enqueue(e)
	}
}

// SetAffinity restricts an entity to a set of cores. A queued entity on a
// now disallowed core is migrated right away; a running one at its next stop.
func (s *Scheduler) SetAffinity(e *Entity, set cpuset.CPUSet) error {
	set = set.Intersection(s.all)
	if set.IsEmpty() {
		return errors.Wrap(abi.EINVAL, "empty affinity")
	}

	rq := s.lock(e)
	e.affinity = set
	if set.Contains(rq.core) {
		rq.Unlock()
		return nil
	}
	if e.running {
		rq.resched = true
		rq.Unlock()
		return nil
	}
	if !e.queued {
		rq.Unlock()
		return nil
	}
	rq.dequeue(e)
	vr := e.vruntime - min(e.vruntime, rq.minVR)
	rq.Unlock()

	target := s.selectCore(e, -1)
	trq := s.queues[target]
	trq.Lock()
	e.vruntime = vr + trq.minVR
	trq.enqueue(e)
	s.checkPreempt(trq, e, false)
	trq.Unlock()
	return nil
}

// Info returns the scheduling state of an entity.
func (s *Scheduler) Info(e *Entity) Info {
	rq := s.lock(e)
	defer rq.Unlock()
	return e.info()
}

// QueueStats describe a run queue.
type QueueStats struct {
	Core     int
	Running  int
	RT       int
	Load     float64
	MinVR    uint64
	Switches uint64
	Current  int
}

// Stats returns the state of every run queue.
func (s *Scheduler) Stats() []QueueStats {
	stats := make([]QueueStats, 0, len(s.queues))
	for _, rq := range s.queues {
		rq.Lock()
		stats = append(stats, QueueStats{
			Core:     rq.core,
			Running:  rq.nrRunning(),
			RT:       rq.nrRT,
			Load:     rq.load.Value(),
			MinVR:    rq.minVR,
			Switches: rq.switches,
			Current:  rq.curr.id,
		})
		rq.Unlock()
	}
	return stats
}
