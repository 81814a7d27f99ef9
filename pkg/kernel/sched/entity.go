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
	"fmt"
	"sync/atomic"
	"time"

	"github.com/intel/kcore/pkg/utils/cpuset"
)

// Policy is a scheduling policy.
type Policy int

const (
	// Normal is the default time-sharing policy.
	Normal Policy = 0
	// FIFO is real-time first in, first out.
	FIFO Policy = 1
	// RR is real-time round robin.
	RR Policy = 2
	// Batch is time-sharing for non-interactive work, never preempting on wakeup.
	Batch Policy = 3
	// Idle is time-sharing at the lowest weight.
	Idle Policy = 5
)

func (p Policy) String() string {
	switch p {
	case Normal:
		return "normal"
	case FIFO:
		return "fifo"
	case RR:
		return "rr"
	case Batch:
		return "batch"
	case Idle:
		return "idle"
	}
	return fmt.Sprintf("policy#%d", int(p))
}

// RealTime tells if the policy belongs to the real-time class.
func (p Policy) RealTime() bool {
	return p == FIFO || p == RR
}

// Valid tells if p is a known policy.
func (p Policy) Valid() bool {
	switch p {
	case Normal, FIFO, RR, Batch, Idle:
		return true
	}
	return false
}

// Entity is the schedulable part of a task. Its fields are protected by the
// lock of the run queue it belongs to.
type Entity struct {
	id     int
	owner  interface{}
	idle   bool
	core   atomic.Int32
	policy Policy
	nice   int
	rtPrio int
	load   loadWeight

	affinity cpuset.CPUSet

	vruntime  uint64
	sumExec   time.Duration
	sliceExec time.Duration // runtime since last picked
	rrLeft    time.Duration
	queued    bool
	running   bool
	expired   bool // round robin slice used up
	switches  uint64
}

func newEntity(id int, owner interface{}, affinity cpuset.CPUSet) *Entity {
	return &Entity{
		id:       id,
		owner:    owner,
		policy:   Normal,
		load:     weightOf(0),
		affinity: affinity,
	}
}

// ID returns the id of the entity.
func (e *Entity) ID() int {
	return e.id
}

// Owner returns the object the entity schedules.
func (e *Entity) Owner() interface{} {
	return e.owner
}

// IsIdle tells if e is the idle entity of a core.
func (e *Entity) IsIdle() bool {
	return e.idle
}

// Core returns the core the entity is queued on or last ran on.
func (e *Entity) Core() int {
	return int(e.core.Load())
}

func (e *Entity) String() string {
	if e.idle {
		return fmt.Sprintf("idle/%d", e.Core())
	}
	return fmt.Sprintf("%d", e.id)
}

// Info is a snapshot of the scheduling state of an entity.
type Info struct {
	ID       int
	Core     int
	Policy   Policy
	Nice     int
	RTPrio   int
	Weight   uint64
	Vruntime uint64
	SumExec  time.Duration
	Switches uint64
	Queued   bool
	Running  bool
	Affinity cpuset.CPUSet
}

func (e *Entity) info() Info {
	return Info{
		ID:       e.id,
		Core:     e.Core(),
		Policy:   e.policy,
		Nice:     e.nice,
		RTPrio:   e.rtPrio,
		Weight:   e.load.weight,
		Vruntime: e.vruntime,
		SumExec:  e.sumExec,
		Switches: e.switches,
		Queued:   e.queued,
		Running:  e.running,
		Affinity: e.affinity,
	}
}

// lessFair orders the fair timeline by virtual runtime, then id.
func lessFair(a, b *Entity) bool {
	if a.vruntime != b.vruntime {
		return a.vruntime < b.vruntime
	}
	return a.id < b.id
}
