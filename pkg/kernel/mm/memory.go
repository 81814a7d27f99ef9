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

// Package mm implements user address spaces on top of physical frames: demand
// paging, copy-on-write, swapping under memory pressure and per-core software TLBs.
package mm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/intel/kcore/pkg/kernel/abi"
	"github.com/intel/kcore/pkg/kernel/arch"
	"github.com/intel/kcore/pkg/kernel/mm/frame"
	"github.com/intel/kcore/pkg/kernel/mm/swap"
	logger "github.com/intel/kcore/pkg/log"
)

var log = logger.NewLogger("mm")

// oomLog reports allocation failures on the fault path without flooding.
var oomLog = logger.RateLimit(log, logger.Interval(time.Second))

// Config is the memory management configuration.
type Config struct {
	// LowWater is the free frame count below which reclaim starts.
	LowWater int
	// HighWater is the free frame count reclaim brings memory back up to.
	HighWater int
	// ReclaimBatch is the number of frames direct reclaim tries to free.
	ReclaimBatch int
	// SweepInterval is the period of the background sweeper.
	SweepInterval time.Duration
	// StackSize is the size of the initial user stack.
	StackSize uint64
}

// Stats are the counters of a Memory.
type Stats struct {
	Faults      uint64
	MinorFaults uint64
	CowCopies   uint64
	CowReuses   uint64
	SwapIns     uint64
	Evictions   uint64
	Drops       uint64
	SegvFaults  uint64
	OOMFaults   uint64
	Shootdowns  uint64
	ReclaimRuns uint64
	Spaces      int
}

type counters struct {
	faults      atomic.Uint64
	minor       atomic.Uint64
	cowCopies   atomic.Uint64
	cowReuses   atomic.Uint64
	swapIns     atomic.Uint64
	evictions   atomic.Uint64
	drops       atomic.Uint64
	segv        atomic.Uint64
	oom         atomic.Uint64
	shootdowns  atomic.Uint64
	reclaimRuns atomic.Uint64
}

// Memory ties physical frames, swap, the page cache and the per-core TLBs
// together, and tracks every live address space for reclaim.
type Memory struct {
	frames *frame.Allocator
	swap   *swap.Manager
	newPT  arch.Constructor
	cache  *PageCache
	tlbs   []*TLB
	clock  clock.WithTicker
	zero   frame.PFN
	config Config

	mu     sync.Mutex // protects the fields below
	spaces []*AddressSpace
	hand   int
	asids  asidPool

	kick  chan struct{}
	stats counters
}

// NewMemory creates the memory manager. The swap manager may be nil, in which
// case only clean pages can be reclaimed.
func NewMemory(frames *frame.Allocator, sm *swap.Manager, newPT arch.Constructor, cores int, config Config) (*Memory, error) {
	if newPT == nil {
		newPT = arch.New
	}
	if cores <= 0 {
		return nil, errors.Wrapf(abi.EINVAL, "invalid core count %d", cores)
	}
	if config.StackSize == 0 {
		config.StackSize = 64 * frame.PageSize
	}
	if config.ReclaimBatch <= 0 {
		config.ReclaimBatch = 32
	}
	if config.HighWater < config.LowWater {
		config.HighWater = config.LowWater
	}

	zero, err := frames.Alloc()
	if err != nil {
		return nil, errors.Wrap(err, "failed to allocate zero page")
	}

	m := &Memory{
		frames: frames,
		swap:   sm,
		newPT:  newPT,
		clock:  clock.RealClock{},
		zero:   zero,
		config: config,
		kick:   make(chan struct{}, 1),
	}
	m.cache = newPageCache(frames)
	for i := 0; i < cores; i++ {
		m.tlbs = append(m.tlbs, newTLB(i))
	}
	m.asids.init()

	return m, nil
}

// SetClock replaces the clock used by the sweeper.
func (m *Memory) SetClock(c clock.WithTicker) {
	m.clock = c
}

// Frames returns the frame allocator.
func (m *Memory) Frames() *frame.Allocator {
	return m.frames
}

// Swap returns the swap manager, or nil.
func (m *Memory) Swap() *swap.Manager {
	return m.swap
}

// Cache returns the page cache of shared file mappings.
func (m *Memory) Cache() *PageCache {
	return m.cache
}

// TLB returns the software TLB of a core.
func (m *Memory) TLB(core int) *TLB {
	return m.tlbs[core]
}

// Config returns the memory configuration.
func (m *Memory) Config() Config {
	return m.config
}

// Spaces returns a snapshot of the live address spaces.
func (m *Memory) Spaces() []*AddressSpace {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*AddressSpace(nil), m.spaces...)
}

// Stats returns a snapshot of the memory counters.
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	n := len(m.spaces)
	m.mu.Unlock()
	return Stats{
		Faults:      m.stats.faults.Load(),
		MinorFaults: m.stats.minor.Load(),
		CowCopies:   m.stats.cowCopies.Load(),
		CowReuses:   m.stats.cowReuses.Load(),
		SwapIns:     m.stats.swapIns.Load(),
		Evictions:   m.stats.evictions.Load(),
		Drops:       m.stats.drops.Load(),
		SegvFaults:  m.stats.segv.Load(),
		OOMFaults:   m.stats.oom.Load(),
		Shootdowns:  m.stats.shootdowns.Load(),
		ReclaimRuns: m.stats.reclaimRuns.Load(),
		Spaces:      n,
	}
}

// NewAddressSpace creates an empty address space with one owner.
func (m *Memory) NewAddressSpace() (*AddressSpace, error) {
	pt, err := m.newPT(m.frames)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	asid, ok := m.asids.get()
	m.mu.Unlock()
	if !ok {
		pt.Release()
		return nil, errors.Wrap(abi.ENOMEM, "out of address space identifiers")
	}

	as := newAddressSpace(m, pt, asid)
	m.mu.Lock()
	m.spaces = append(m.spaces, as)
	m.mu.Unlock()

	return as, nil
}

func (m *Memory) forget(as *AddressSpace) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.spaces {
		if s == as {
			m.spaces = append(m.spaces[:i], m.spaces[i+1:]...)
			if m.hand > i {
				m.hand--
			}
			break
		}
	}
	m.asids.put(as.asid)
}

// allocFrame allocates a frame, reclaiming memory if none is free. held is
// the address space locked by the caller, if any.
func (m *Memory) allocFrame(held *AddressSpace) (frame.PFN, error) {
	pfn, err := m.frames.Alloc()
	if err != nil {
		m.reclaim(held, m.config.ReclaimBatch)
		pfn, err = m.frames.Alloc()
		if err != nil {
			return 0, err
		}
	}
	if m.frames.Free() < m.config.LowWater {
		m.Kick()
	}
	return pfn, nil
}

// Kick wakes up the background sweeper.
func (m *Memory) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Run runs the background sweeper until ctx is done. Below the low watermark
// it reclaims up to the high watermark, otherwise it ages accessed bits.
func (m *Memory) Run(ctx context.Context) error {
	interval := m.config.SweepInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		case <-m.kick:
		}
		m.Sweep()
	}
}

// Sweep does one round of background reclaim or aging.
func (m *Memory) Sweep() {
	free := m.frames.Free()
	if free < m.config.LowWater {
		want := m.config.HighWater - free
		got := m.reclaim(nil, want)
		log.Debug("background reclaim freed %d/%d frames", got, want)
		return
	}
	m.age()
}

// asidPool hands out address space identifiers.
type asidPool struct {
	next uint16
	free []uint16
}

func (p *asidPool) init() {
	p.next = 1
}

func (p *asidPool) get() (uint16, bool) {
	if n := len(p.free); n > 0 {
		id := p.free[n-1]
		p.free = p.free[:n-1]
		return id, true
	}
	if p.next == 0 {
		return 0, false
	}
	id := p.next
	p.next++
	return id, true
}

func (p *asidPool) put(id uint16) {
	p.free = append(p.free, id)
}
