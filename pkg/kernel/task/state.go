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

// Package task keeps track of tasks and thread groups: the task arena,
// the process tree, per-task execution state, file descriptor tables and
// per-task signal state.
package task

import (
	"fmt"
	"strings"
)

// State is the execution state of a task.
type State int

const (
	// Created tasks are set up but never ran.
	Created State = iota
	// Ready tasks wait on a run queue.
	Ready
	// Running tasks own a core.
	Running
	// Sleeping tasks are blocked in the kernel.
	Sleeping
	// Stopped tasks are stopped by a signal.
	Stopped
	// Zombie tasks exited and wait to be reaped.
	Zombie
	// Reaped tasks are gone.
	Reaped
)

var stateNames = map[State]string{
	Created:  "created",
	Ready:    "ready",
	Running:  "running",
	Sleeping: "sleeping",
	Stopped:  "stopped",
	Zombie:   "zombie",
	Reaped:   "reaped",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state#%d", int(s))
}

// Letter returns the ps(1) style letter for the state.
func (s State) Letter() string {
	switch s {
	case Running, Ready, Created:
		return "R"
	case Sleeping:
		return "S"
	case Stopped:
		return "T"
	case Zombie:
		return "Z"
	}
	return "X"
}

// transitions lists the states each state may move to.
var transitions = map[State][]State{
	Created:  {Ready, Reaped},
	Ready:    {Running},
	Running:  {Ready, Sleeping, Stopped, Zombie},
	Sleeping: {Ready, Running},
	Stopped:  {Ready},
	Zombie:   {Reaped},
}

// CanBecome tells if a task in state s may move to state to.
func (s State) CanBecome(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionTable returns the state transition table in a printable form.
func TransitionTable() string {
	var b strings.Builder
	for s := Created; s <= Reaped; s++ {
		names := []string{}
		for _, next := range transitions[s] {
			names = append(names, next.String())
		}
		fmt.Fprintf(&b, "%-8s -> %s\n", s, strings.Join(names, ", "))
	}
	return b.String()
}
