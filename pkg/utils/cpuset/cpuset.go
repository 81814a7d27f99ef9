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

package cpuset

import (
	"fmt"
	"strconv"
	"strings"

	"k8s.io/utils/cpuset"
)

// CPUSet is an alias for k8s.io/utils/cpuset.CPUSet.
type CPUSet = cpuset.CPUSet

var (
	// New is an alias for cpuset.New.
	New = cpuset.New
	// Parse is an alias for cpuset.Parse.
	Parse = cpuset.Parse
)

// MustParse panics if parsing the given cpuset string fails.
func MustParse(s string) CPUSet {
	cset, err := cpuset.Parse(s)
	if err != nil {
		panic(fmt.Errorf("failed to parse CPUSet %s: %w", s, err))
	}
	return cset
}

// FromMask decodes an affinity mask, one bit per core with core 0 in
// the lowest bit of the first byte.
func FromMask(mask []byte) CPUSet {
	var ids []int
	for i, b := range mask {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				ids = append(ids, i*8+bit)
			}
		}
	}
	return cpuset.New(ids...)
}

// Mask encodes cset as an affinity mask of size bytes. Cores that do not
// fit are left out.
func Mask(cset CPUSet, size int) []byte {
	mask := make([]byte, size)
	for _, id := range cset.List() {
		if id < size*8 {
			mask[id/8] |= 1 << (id % 8)
		}
	}
	return mask
}

// Short formats cset like String, but folds runs of evenly strided cores
// into first-last:stride.
func Short(cset CPUSet) string {
	ids := cset.List()
	parts := make([]string, 0, len(ids))
	for i := 0; i < len(ids); {
		j, step := i+1, 0
		if j < len(ids) {
			step = ids[j] - ids[i]
			for j+1 < len(ids) && ids[j+1]-ids[j] == step {
				j++
			}
		}
		switch {
		case j >= len(ids) || j == i+1:
			// a single core, or a pair not worth folding
			parts = append(parts, strconv.Itoa(ids[i]))
			i++
			continue
		case step == 1:
			parts = append(parts, fmt.Sprintf("%d-%d", ids[i], ids[j]))
		default:
			parts = append(parts, fmt.Sprintf("%d-%d:%d", ids[i], ids[j], step))
		}
		i = j + 1
	}
	return strings.Join(parts, ",")
}
