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

package task

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/intel/kcore/pkg/kernel/abi"
	"github.com/intel/kcore/pkg/kernel/loader"
)

// DefaultMaxFiles is the default size limit of a descriptor table.
const DefaultMaxFiles = 256

type fdEntry struct {
	file    loader.File
	cloexec bool
}

// FDTable maps file descriptors to open files. It is shared by tasks
// cloned with CLONE_FILES, and each of them holds a reference.
type FDTable struct {
	sync.Mutex
	max   int
	users int
	files map[int]*fdEntry
}

// NewFDTable creates an empty descriptor table.
func NewFDTable(max int) *FDTable {
	if max <= 0 {
		max = DefaultMaxFiles
	}
	return &FDTable{
		max:   max,
		users: 1,
		files: make(map[int]*fdEntry),
	}
}

// Share takes a reference to the table for another task.
func (t *FDTable) Share() *FDTable {
	t.Lock()
	defer t.Unlock()
	t.users++
	return t
}

// Release drops a reference to the table. The last one closes all
// descriptors and returns how many were closed.
func (t *FDTable) Release() int {
	t.Lock()
	defer t.Unlock()
	if t.users <= 0 {
		log.Error("internal error: release of unused descriptor table")
		return 0
	}
	t.users--
	if t.users > 0 {
		return 0
	}
	closed := len(t.files)
	t.files = make(map[int]*fdEntry)
	return closed
}

// Users returns the number of tasks sharing the table.
func (t *FDTable) Users() int {
	t.Lock()
	defer t.Unlock()
	return t.users
}

// Install puts file at the lowest free descriptor.
func (t *FDTable) Install(file loader.File, cloexec bool) (int, error) {
	t.Lock()
	defer t.Unlock()
	for fd := 0; fd < t.max; fd++ {
		if _, used := t.files[fd]; !used {
			t.files[fd] = &fdEntry{file: file, cloexec: cloexec}
			return fd, nil
		}
	}
	return -1, errors.Wrapf(abi.EMFILE, "all %d descriptors in use", t.max)
}

// Get returns the file open at fd.
func (t *FDTable) Get(fd int) (loader.File, error) {
	t.Lock()
	defer t.Unlock()
	if e, ok := t.files[fd]; ok {
		return e.file, nil
	}
	return nil, errors.Wrapf(abi.EBADF, "descriptor %d not open", fd)
}

// Close closes fd.
func (t *FDTable) Close(fd int) error {
	t.Lock()
	defer t.Unlock()
	if _, ok := t.files[fd]; !ok {
		return errors.Wrapf(abi.EBADF, "descriptor %d not open", fd)
	}
	delete(t.files, fd)
	return nil
}

// CloseOnExec closes the descriptors marked close-on-exec, returning them.
func (t *FDTable) CloseOnExec() []int {
	t.Lock()
	defer t.Unlock()
	var closed []int
	for fd, e := range t.files {
		if e.cloexec {
			delete(t.files, fd)
			closed = append(closed, fd)
		}
	}
	sort.Ints(closed)
	return closed
}

// Clone returns a copy of the table, for a fork without CLONE_FILES.
func (t *FDTable) Clone() *FDTable {
	t.Lock()
	defer t.Unlock()
	c := NewFDTable(t.max)
	for fd, e := range t.files {
		entry := *e
		c.files[fd] = &entry
	}
	return c
}

// Len returns the number of open descriptors.
func (t *FDTable) Len() int {
	t.Lock()
	defer t.Unlock()
	return len(t.files)
}

// List returns the open descriptors in order.
func (t *FDTable) List() []int {
	t.Lock()
	defer t.Unlock()
	fds := make([]int, 0, len(t.files))
	for fd := range t.files {
		fds = append(fds, fd)
	}
	sort.Ints(fds)
	return fds
}
