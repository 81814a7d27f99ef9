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

// Package frame manages physical memory: a byte arena of fixed-size frames with
// a next-fit allocator and per-frame reference and pin counts.
package frame

import (
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/intel/kcore/pkg/kernel/abi"
	logger "github.com/intel/kcore/pkg/log"
)

const (
	// PageShift is the log2 of PageSize.
	PageShift = 12
	// PageSize is the size of a frame and of a virtual page.
	PageSize = 1 << PageShift
)

// PFN is a physical frame number.
type PFN uint64

// Addr returns the physical address of the first byte of the frame.
func (pfn PFN) Addr() uint64 {
	return uint64(pfn) << PageShift
}

// ErrNoFrames is returned when the allocator is out of frames.
var ErrNoFrames = errors.Wrap(abi.ENOMEM, "out of physical frames")

var log = logger.NewLogger("frame")

// Allocator owns physical memory and hands out frames from it.
type Allocator struct {
	sync.Mutex
	mem    []byte
	nframe int
	used   []uint64 // allocation bitmap
	nfree  int
	cursor int          // next-fit search start
	refs   []atomic.Int32
	pins   []atomic.Int32
	stats  Stats
}

// Stats are cumulative allocator counters.
type Stats struct {
	Allocs   uint64
	Frees    uint64
	Failures uint64
}

// NewAllocator creates an allocator for the given number of frames.
func NewAllocator(frames int) (*Allocator, error) {
	if frames <= 0 {
		return nil, errors.Wrapf(abi.EINVAL, "invalid frame count %d", frames)
	}
	a := &Allocator{
		mem:    make([]byte, frames*PageSize),
		nframe: frames,
		used:   make([]uint64, (frames+63)/64),
		nfree:  frames,
		refs:   make([]atomic.Int32, frames),
		pins:   make([]atomic.Int32, frames),
	}
	// bits beyond the last frame are permanently in use
	if tail := frames % 64; tail != 0 {
		a.used[len(a.used)-1] = ^uint64(0) << tail
	}
	return a, nil
}

// Alloc allocates a zero-filled frame with a reference count of one.
func (a *Allocator) Alloc() (PFN, error) {
	a.Lock()
	idx, ok := a.nextFit()
	if !ok {
		a.stats.Failures++
		a.Unlock()
		return 0, ErrNoFrames
	}
	a.used[idx/64] |= 1 << (idx % 64)
	a.nfree--
	a.cursor = idx + 1
	if a.cursor >= a.nframe {
		a.cursor = 0
	}
	a.stats.Allocs++
	a.Unlock()

	pfn := PFN(idx)
	clear(a.Bytes(pfn))
	a.refs[idx].Store(1)

	return pfn, nil
}

// nextFit finds the first free frame at or after the cursor, wrapping around.
func (a *Allocator) nextFit() (int, bool) {
	if a.nfree == 0 {
		return 0, false
	}
	words := len(a.used)
	start := a.cursor / 64
	for i := 0; i <= words; i++ {
		w := (start + i) % words
		free := ^a.used[w]
		if i == 0 {
			// skip frames below the cursor in the first word
			free &= ^uint64(0) << (a.cursor % 64)
		}
		if free != 0 {
			return w*64 + bits.TrailingZeros64(free), true
		}
	}
	return 0, false
}

// Get takes an extra reference to an allocated frame.
func (a *Allocator) Get(pfn PFN) {
	if n := a.refs[pfn].Add(1); n <= 1 {
		log.Error("internal error: reference taken to free frame %d", pfn)
	}
}

// Put drops a reference to a frame, freeing it when the last one is gone.
// It returns the remaining reference count.
func (a *Allocator) Put(pfn PFN) int {
	n := a.refs[pfn].Add(-1)
	switch {
	case n > 0:
		return int(n)
	case n < 0:
		log.Error("internal error: reference count underflow for frame %d", pfn)
		a.refs[pfn].Store(0)
		return 0
	}

	a.Lock()
	defer a.Unlock()
	idx := int(pfn)
	if a.used[idx/64]&(1<<(idx%64)) == 0 {
		log.Error("internal error: double free of frame %d", pfn)
		return 0
	}
	a.used[idx/64] &^= 1 << (idx % 64)
	a.nfree++
	a.stats.Frees++
	return 0
}

// RefCount returns the reference count of a frame.
func (a *Allocator) RefCount(pfn PFN) int {
	return int(a.refs[pfn].Load())
}

// Pin marks a frame as not evictable, for instance while tasks wait on a futex in it.
func (a *Allocator) Pin(pfn PFN) {
	a.pins[pfn].Add(1)
}

// Unpin drops a pin of a frame.
func (a *Allocator) Unpin(pfn PFN) {
	if a.pins[pfn].Add(-1) < 0 {
		log.Error("internal error: pin count underflow for frame %d", pfn)
		a.pins[pfn].Store(0)
	}
}

// Pinned tells if a frame is pinned.
func (a *Allocator) Pinned(pfn PFN) bool {
	return a.pins[pfn].Load() > 0
}

// Bytes returns the content of a frame.
func (a *Allocator) Bytes(pfn PFN) []byte {
	off := int(pfn) * PageSize
	return a.mem[off : off+PageSize : off+PageSize]
}

// Copy copies the content of frame src to frame dst.
func (a *Allocator) Copy(dst, src PFN) {
	copy(a.Bytes(dst), a.Bytes(src))
}

// Valid tells if pfn is a frame of this allocator.
func (a *Allocator) Valid(pfn PFN) bool {
	return uint64(pfn) < uint64(a.nframe)
}

// Total returns the number of frames managed.
func (a *Allocator) Total() int {
	return a.nframe
}

// Free returns the number of free frames.
func (a *Allocator) Free() int {
	a.Lock()
	defer a.Unlock()
	return a.nfree
}

// PinnedCount returns the number of pinned frames.
func (a *Allocator) PinnedCount() int {
	n := 0
	for i := range a.pins {
		if a.pins[i].Load() > 0 {
			n++
		}
	}
	return n
}

// Stats returns a copy of the cumulative counters.
func (a *Allocator) Stats() Stats {
	a.Lock()
	defer a.Unlock()
	return a.stats
}

// String returns a short summary of the allocator state.
func (a *Allocator) String() string {
	return fmt.Sprintf("frames{total: %d, free: %d}", a.nframe, a.Free())
}
