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

// Package blockdev defines the block device collaborator interface used by the
// swap spill path, with memory and file backed implementations.
package blockdev

import (
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/intel/kcore/pkg/kernel/abi"
)

// Device is a linear array of fixed-size blocks.
type Device interface {
	// BlockSize returns the size of a block in bytes.
	BlockSize() int
	// Blocks returns the number of blocks.
	Blocks() uint64
	// ReadBlocks reads len(buf)/BlockSize() blocks starting at block idx.
	ReadBlocks(idx uint64, buf []byte) error
	// WriteBlocks writes len(buf)/BlockSize() blocks starting at block idx.
	WriteBlocks(idx uint64, buf []byte) error
	// Close releases the device.
	Close() error
}

func checkIO(d Device, idx uint64, buf []byte) error {
	bs := d.BlockSize()
	if len(buf) == 0 || len(buf)%bs != 0 {
		return errors.Wrapf(abi.EINVAL, "I/O size %d not a multiple of block size %d", len(buf), bs)
	}
	if n := uint64(len(buf) / bs); idx >= d.Blocks() || d.Blocks()-idx < n {
		return errors.Wrapf(abi.EINVAL, "I/O of %d blocks at %d beyond device end %d", n, idx, d.Blocks())
	}
	return nil
}

// Memory is a RAM-backed device.
type Memory struct {
	sync.RWMutex
	blockSize int
	data      []byte
}

// NewMemory creates a RAM-backed device.
func NewMemory(blockSize int, blocks uint64) *Memory {
	return &Memory{
		blockSize: blockSize,
		data:      make([]byte, uint64(blockSize)*blocks),
	}
}

func (m *Memory) BlockSize() int {
	return m.blockSize
}

func (m *Memory) Blocks() uint64 {
	return uint64(len(m.data) / m.blockSize)
}

func (m *Memory) ReadBlocks(idx uint64, buf []byte) error {
	if err := checkIO(m, idx, buf); err != nil {
		return err
	}
	m.RLock()
	defer m.RUnlock()
	copy(buf, m.data[idx*uint64(m.blockSize):])
	return nil
}

func (m *Memory) WriteBlocks(idx uint64, buf []byte) error {
	if err := checkIO(m, idx, buf); err != nil {
		return err
	}
	m.Lock()
	defer m.Unlock()
	copy(m.data[idx*uint64(m.blockSize):], buf)
	return nil
}

func (m *Memory) Close() error {
	return nil
}

// File is a device backed by a regular file.
type File struct {
	f         *os.File
	blockSize int
	blocks    uint64
}

// OpenFile opens or creates path as a device of the given geometry.
func OpenFile(path string, blockSize int, blocks uint64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open block device file %s", path)
	}
	if err := f.Truncate(int64(blockSize) * int64(blocks)); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "failed to size block device file %s", path)
	}
	return &File{f: f, blockSize: blockSize, blocks: blocks}, nil
}

func (d *File) BlockSize() int {
	return d.blockSize
}

func (d *File) Blocks() uint64 {
	return d.blocks
}

func (d *File) ReadBlocks(idx uint64, buf []byte) error {
	if err := checkIO(d, idx, buf); err != nil {
		return err
	}
	_, err := d.f.ReadAt(buf, int64(idx)*int64(d.blockSize))
	return errors.Wrapf(err, "block device read at %d", idx)
}

func (d *File) WriteBlocks(idx uint64, buf []byte) error {
	if err := checkIO(d, idx, buf); err != nil {
		return err
	}
	_, err := d.f.WriteAt(buf, int64(idx)*int64(d.blockSize))
	return errors.Wrapf(err, "block device write at %d", idx)
}

func (d *File) Close() error {
	return d.f.Close()
}
