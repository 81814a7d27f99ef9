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

package mm

import (
	"fmt"
	"sync/atomic"

	"github.com/intel/kcore/pkg/kernel/mm/vma"
)

var shmemID atomic.Uint64

// shmem is the zero-filled object behind a shared anonymous mapping. Its
// pages live in the page cache, so every mapping, forked ones included,
// sees the same frames even for pages first touched after the fork.
type shmem struct {
	id   uint64
	size int64
}

func newShmem(size uint64) *shmem {
	return &shmem{id: shmemID.Add(1), size: int64(size)}
}

func (s *shmem) ReadAt(p []byte, off int64) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func (s *shmem) Name() string {
	return fmt.Sprintf("anon_shared:%d", s.id)
}

func (s *shmem) Size() int64 {
	return s.size
}

// dropShmem releases the cached pages of shared anonymous objects in
// areas that are no longer mapped here. Pages still mapped elsewhere stay.
func (m *Memory) dropShmem(areas []*vma.Area) {
	for _, a := range areas {
		if s, ok := a.File.(*shmem); ok {
			m.cache.Drop(s)
		}
	}
}
