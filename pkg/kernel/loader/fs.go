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

// Package loader provides the file collaborator of the kernel: a read-only
// file system interface, an in-memory implementation, and loading of ELF
// executables into address space images.
package loader

import (
	"bytes"
	"path"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/intel/kcore/pkg/kernel/abi"
	logger "github.com/intel/kcore/pkg/log"
)

var log = logger.NewLogger("loader")

// File is an open, read-only file.
type File interface {
	ReadAt(p []byte, off int64) (int, error)
	Name() string
	Size() int64
}

// FS is a read-only file system.
type FS interface {
	// Open looks up the file at an absolute path.
	Open(path string) (File, error)
}

// MemFS is a file system kept in memory.
type MemFS struct {
	sync.RWMutex
	files map[string]*MemFile
}

// MemFile is a file of a MemFS.
type MemFile struct {
	name string
	data []byte
}

// NewMemFS creates an empty in-memory file system.
func NewMemFS() *MemFS {
	return &MemFS{files: make(map[string]*MemFile)}
}

// Add creates or replaces the file at path.
func (fs *MemFS) Add(p string, data []byte) *MemFile {
	f := &MemFile{name: path.Clean(p), data: data}
	fs.Lock()
	defer fs.Unlock()
	fs.files[f.name] = f
	log.Debug("added %s (%d bytes)", f.name, len(data))
	return f
}

// Remove deletes the file at path. Open files stay readable.
func (fs *MemFS) Remove(p string) {
	fs.Lock()
	defer fs.Unlock()
	delete(fs.files, path.Clean(p))
}

// Open implements FS.
func (fs *MemFS) Open(p string) (File, error) {
	if !path.IsAbs(p) {
		return nil, errors.Wrapf(abi.ENOENT, "relative path %q", p)
	}
	fs.RLock()
	defer fs.RUnlock()
	f, ok := fs.files[path.Clean(p)]
	if !ok {
		return nil, errors.Wrapf(abi.ENOENT, "no file %q", p)
	}
	return f, nil
}

// List returns the paths of all files.
func (fs *MemFS) List() []string {
	fs.RLock()
	defer fs.RUnlock()
	paths := make([]string, 0, len(fs.files))
	for p := range fs.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// ReadAt implements io.ReaderAt.
func (f *MemFile) ReadAt(p []byte, off int64) (int, error) {
	return bytes.NewReader(f.data).ReadAt(p, off)
}

// Name returns the path of the file.
func (f *MemFile) Name() string {
	return f.name
}

// Size returns the size of the file.
func (f *MemFile) Size() int64 {
	return int64(len(f.data))
}
