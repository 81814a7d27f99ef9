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
)

const (
	// NiceMin is the highest priority nice value.
	NiceMin = -20
	// NiceMax is the lowest priority nice value.
	NiceMax = 19
	// Nice0Weight is the load weight of a nice 0 entity.
	Nice0Weight = 1024
	// IdleWeight is the load weight of SCHED_IDLE entities.
	IdleWeight = 3
	// RTPrioMax is the highest real-time priority.
	RTPrioMax = 99
)

// niceWeights maps nice -20..19 to load weights. Each step is about 10% of
// CPU time relative to a neighbouring entity.
var niceWeights = [40]uint64{
	/* -20 */ 88761, 71755, 56483, 46273, 36291,
	/* -15 */ 29154, 23254, 18705, 14949, 11916,
	/* -10 */ 9548, 7620, 6100, 4904, 3906,
	/*  -5 */ 3121, 2501, 1991, 1586, 1277,
	/*   0 */ 1024, 820, 655, 526, 423,
	/*   5 */ 335, 272, 215, 172, 137,
	/*  10 */ 110, 87, 70, 56, 45,
	/*  15 */ 36, 29, 23, 18, 15,
}

// loadWeight is a weight with its precomputed inverse 2^32/weight.
type loadWeight struct {
	weight uint64
	inv    uint64
}

func newLoadWeight(weight uint64) loadWeight {
	return loadWeight{weight: weight, inv: (1 << 32) / weight}
}

// weightOf returns the load weight of a nice value.
func weightOf(nice int) loadWeight {
	return newLoadWeight(niceWeights[nice-NiceMin])
}

// scale converts delta of runtime to virtual runtime, ie. returns
// delta * Nice0Weight / weight using the 32.32 fixed point inverse.
func (lw loadWeight) scale(delta uint64) uint64 {
	if lw.weight == Nice0Weight {
		return delta
	}
	hi, lo := bits.Mul64(delta*Nice0Weight, lw.inv)
	return hi<<32 | lo>>32
}
