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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/intel/kcore/pkg/kernel/abi"
	"github.com/intel/kcore/pkg/utils/cpuset"
)

const tick = time.Millisecond

// simulate runs core for a number of ticks, switching whenever the
// scheduler asks for it, and returns the entity left running.
func simulate(s *Scheduler, core int, curr *Entity, ticks int) *Entity {
	for i := 0; i < ticks; i++ {
		if s.Tick(core, tick) {
			s.Stop(core, curr, Preempted)
			curr = s.PickNext(core)
		}
	}
	return curr
}

func spawn(s *Scheduler, ids ...int) []*Entity {
	var entities []*Entity
	for _, id := range ids {
		e := s.NewEntity(id, nil)
		s.WakeUpNew(e)
		entities = append(entities, e)
	}
	return entities
}

func TestWeights(t *testing.T) {
	require.Equal(t, uint64(1000), weightOf(0).scale(1000))
	require.InDelta(t, 1024000, float64(weightOf(5).scale(335000)), 2)
	require.InDelta(t, 1000, float64(weightOf(-20).scale(88761000/1024)), 2)
}

func TestFairShare(t *testing.T) {
	s := New(1, Config{})
	entities := spawn(s, 1, 2, 3)

	simulate(s, 0, s.PickNext(0), 3000)

	var total time.Duration
	for _, e := range entities {
		total += s.Info(e).SumExec
	}
	require.Equal(t, 3000*tick, total)
	for _, e := range entities {
		require.InDelta(t, float64(time.Second), float64(s.Info(e).SumExec), float64(10*tick),
			"entity %d got an unfair share", e.ID())
	}
}

func TestNiceShare(t *testing.T) {
	s := New(1, Config{})
	entities := spawn(s, 1, 2)
	require.NoError(t, s.SetNice(entities[1], 5))

	simulate(s, 0, s.PickNext(0), 4000)

	fast, slow := s.Info(entities[0]).SumExec, s.Info(entities[1]).SumExec
	ratio := float64(fast) / float64(slow)
	if ratio < 2.7 || ratio > 3.4 {
		t.Errorf("expected CPU time ratio about 1024/335, got %d/%d", fast, slow)
	}
}

func TestRealTimePreemptsFair(t *testing.T) {
	s := New(1, Config{})
	fair := spawn(s, 1)[0]
	require.Equal(t, fair, s.PickNext(0))

	rt := s.NewEntity(2, nil)
	require.NoError(t, s.SetPolicy(rt, FIFO, 10))
	_, resched := s.WakeUpNew(rt)
	require.True(t, resched)

	s.Stop(0, fair, Preempted)
	require.Equal(t, rt, s.PickNext(0))

	// FIFO runs until it gives up the CPU
	for i := 0; i < 1000; i++ {
		require.False(t, s.Tick(0, tick))
	}
	require.Equal(t, time.Duration(0), s.Info(fair).SumExec)

	s.Stop(0, rt, Blocked)
	require.Equal(t, fair, s.PickNext(0))
}

func TestPreemptedFIFOKeepsItsPlace(t *testing.T) {
	s := New(1, Config{})
	a, b, c := s.NewEntity(1, nil), s.NewEntity(2, nil), s.NewEntity(3, nil)
	require.NoError(t, s.SetPolicy(a, FIFO, 10))
	require.NoError(t, s.SetPolicy(b, FIFO, 10))
	require.NoError(t, s.SetPolicy(c, FIFO, 20))

	s.WakeUpNew(a)
	s.WakeUpNew(b)
	require.Equal(t, a, s.PickNext(0))

	_, resched := s.WakeUpNew(c)
	require.True(t, resched)
	s.Stop(0, a, Preempted)
	require.Equal(t, c, s.PickNext(0))
	s.Stop(0, c, Blocked)
	require.Equal(t, a, s.PickNext(0))
}

func TestRoundRobin(t *testing.T) {
	s := New(1, Config{RRSlice: 10 * tick})
	a, b := s.NewEntity(1, nil), s.NewEntity(2, nil)
	require.NoError(t, s.SetPolicy(a, RR, 5))
	require.NoError(t, s.SetPolicy(b, RR, 5))
	s.WakeUpNew(a)
	_, resched := s.WakeUpNew(b)
	require.True(t, resched) // only for leaving the idle entity

	curr := s.PickNext(0)
	require.Equal(t, a, curr)
	_, resched = s.Wake(b)
	require.False(t, resched)

	for i := 0; i < 9; i++ {
		require.False(t, s.Tick(0, tick))
	}
	require.True(t, s.Tick(0, tick))
	s.Stop(0, a, Preempted)
	require.Equal(t, b, s.PickNext(0))

	curr = simulate(s, 0, b, 100)
	require.Equal(t, b, curr)
	require.Equal(t, 60*tick, s.Info(a).SumExec)
	require.Equal(t, 50*tick, s.Info(b).SumExec)
}

func TestYield(t *testing.T) {
	s := New(1, Config{})
	spawn(s, 1, 2)
	first := s.PickNext(0)
	s.Stop(0, first, Yielded)
	next := s.PickNext(0)
	require.NotEqual(t, first, next)

	rt := s.NewEntity(3, nil)
	require.NoError(t, s.SetPolicy(rt, RR, 1))
	s.WakeUpNew(rt)
	s.Stop(0, next, Preempted)
	require.Equal(t, rt, s.PickNext(0))
	s.Stop(0, rt, Yielded)
	// alone at its priority, the yielding real-time entity runs again
	require.Equal(t, rt, s.PickNext(0))
}

func TestWakeupPlacement(t *testing.T) {
	s := New(1, Config{})
	entities := spawn(s, 1, 2)
	a, b := entities[0], entities[1]

	curr := s.PickNext(0)
	for curr != b {
		curr = simulate(s, 0, curr, 1)
	}
	s.Stop(0, b, Blocked)
	curr = s.PickNext(0)
	require.Equal(t, a, curr)
	old := s.Info(b).Vruntime

	simulate(s, 0, curr, 200)
	_, resched := s.Wake(b)
	require.True(t, resched)

	minVR := s.Stats()[0].MinVR
	floor := minVR - uint64(DefaultConfig().Latency)
	require.Greater(t, floor, old)
	require.Equal(t, floor, s.Info(b).Vruntime)
}

func TestWakeupOnOtherCore(t *testing.T) {
	s := New(2, Config{})
	pin := func(e *Entity, cores ...int) *Entity {
		require.NoError(t, s.SetAffinity(e, cpuset.New(cores...)))
		return e
	}

	// a peer with little runtime on core 1
	peer := pin(s.NewEntity(3, nil), 1)
	s.WakeUpNew(peer)
	require.Equal(t, peer, s.PickNext(1))

	// a sleeper with lots of runtime on core 0
	sleeper := pin(s.NewEntity(1, nil), 0)
	s.WakeUpNew(sleeper)
	require.Equal(t, sleeper, s.PickNext(0))
	simulate(s, 0, sleeper, 2000)
	s.Stop(0, sleeper, Blocked)
	require.Greater(t, s.Stats()[0].MinVR, s.Stats()[1].MinVR+uint64(time.Second))

	// core 0 busier than core 1
	for id := 4; id <= 5; id++ {
		s.WakeUpNew(pin(s.NewEntity(id, nil), 0))
	}
	require.False(t, s.PickNext(0).IsIdle())

	pin(sleeper, 0, 1)
	core, _ := s.Wake(sleeper)
	require.Equal(t, 1, core)
	require.LessOrEqual(t, s.Info(sleeper).Vruntime, s.Stats()[1].MinVR+uint64(tick))

	before := s.Info(sleeper).SumExec
	simulate(s, 1, s.PickNext(1), 200)
	got := s.Info(sleeper).SumExec - before
	require.InDelta(t, float64(100*tick), float64(got), float64(20*tick),
		"woken entity got %s of 200 ticks", got)
}

func TestSetPolicyErrors(t *testing.T) {
	s := New(1, Config{})
	e := s.NewEntity(1, nil)

	tcases := []struct {
		name   string
		policy Policy
		prio   int
	}{
		{name: "unknown policy", policy: 4},
		{name: "fifo without priority", policy: FIFO},
		{name: "rr above maximum", policy: RR, prio: RTPrioMax + 1},
		{name: "normal with priority", policy: Normal, prio: 1},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			err := s.SetPolicy(e, tc.policy, tc.prio)
			if errno, _ := abi.ErrnoOf(err); errno != abi.EINVAL {
				t.Errorf("expected EINVAL, got %v", err)
			}
		})
	}
	require.Equal(t, Normal, s.Info(e).Policy)
}

func TestAffinity(t *testing.T) {
	s := New(2, Config{})
	e := s.NewEntity(1, nil)
	require.NoError(t, s.SetAffinity(e, cpuset.New(1)))
	core, _ := s.WakeUpNew(e)
	require.Equal(t, 1, core)

	require.NoError(t, s.SetAffinity(e, cpuset.New(0)))
	info := s.Info(e)
	require.Equal(t, 0, info.Core)
	require.True(t, info.Queued)
	require.Equal(t, e, s.PickNext(0))

	err := s.SetAffinity(e, cpuset.New(7))
	errno, _ := abi.ErrnoOf(err)
	require.Equal(t, abi.EINVAL, errno)

	// a running entity leaves a disallowed core when it stops
	require.NoError(t, s.SetAffinity(e, cpuset.New(1)))
	require.True(t, s.NeedResched(0))
	s.Stop(0, e, Preempted)
	require.Equal(t, 1, s.Info(e).Core)
	require.Equal(t, e, s.PickNext(1))
}

func TestBalance(t *testing.T) {
	s := New(2, Config{})
	var entities []*Entity
	for id := 1; id <= 4; id++ {
		e := s.NewEntity(id, nil)
		require.NoError(t, s.SetAffinity(e, cpuset.New(0)))
		core, _ := s.WakeUpNew(e)
		require.Equal(t, 0, core)
		require.NoError(t, s.SetAffinity(e, cpuset.New(0, 1)))
		entities = append(entities, e)
	}
	pinned := s.NewEntity(5, nil)
	require.NoError(t, s.SetAffinity(pinned, cpuset.New(0)))
	s.WakeUpNew(pinned)

	curr := s.PickNext(0)
	require.Equal(t, 2, s.Balance())

	stats := s.Stats()
	require.Equal(t, 3, stats[0].Running)
	require.Equal(t, 2, stats[1].Running)
	require.Equal(t, 0, s.Info(pinned).Core)
	require.True(t, s.NeedResched(1))
	require.Equal(t, 0, s.Info(curr).Core)

	// balanced now
	require.Equal(t, 0, s.Balance())
	moved := 0
	for _, e := range entities {
		if s.Info(e).Core == 1 {
			moved++
		}
	}
	require.Equal(t, 2, moved)
}

func TestIdlePull(t *testing.T) {
	s := New(2, Config{})
	a := s.NewEntity(1, nil)
	b := s.NewEntity(2, nil)
	for _, e := range []*Entity{a, b} {
		require.NoError(t, s.SetAffinity(e, cpuset.New(0)))
		s.WakeUpNew(e)
		require.NoError(t, s.SetAffinity(e, cpuset.New(0, 1)))
	}
	first := s.PickNext(0)

	next := s.PickNext(1)
	require.False(t, next.IsIdle())
	require.NotEqual(t, first, next)
	require.Equal(t, 1, s.Info(next).Core)

	// nothing left to pull
	s.Stop(1, next, Blocked)
	require.True(t, s.PickNext(1).IsIdle())
}
