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

package swap

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/intel/kcore/pkg/kernel/abi"
	"github.com/intel/kcore/pkg/kernel/blockdev"
	"github.com/intel/kcore/pkg/kernel/mm/frame"
	logger "github.com/intel/kcore/pkg/log"
)

// Slot identifies a swapped out page. The zero Slot is never handed out.
type Slot uint64

// ErrFull is returned when neither tier has room for a page.
var ErrFull = errors.Wrap(abi.ENOMEM, "swap: compressed store and swap device full")

var log = logger.NewLogger("swap")

// Stats are the counters of a Manager.
type Stats struct {
	Stores          uint64
	Loads           uint64
	Spills          uint64
	Failures        uint64
	Compressed      int
	CompressedBytes int
	OnDevice        int
	DeviceSlots     int
}

// Manager stores pages first in a compressed in-memory tier and spills
// the oldest of them to a block device when that tier fills up.
type Manager struct {
	sync.Mutex
	next  Slot
	refs  map[Slot]int
	z     *zstore
	b     *blockstore
	stats Stats
}

// NewManager creates a swap manager with the given compressed capacity in
// bytes. dev may be nil, in which case only the compressed tier is used.
func NewManager(compressedBytes int, dev blockdev.Device) (*Manager, error) {
	m := &Manager{
		next: 1,
		refs: make(map[Slot]int),
		z:    newZstore(compressedBytes),
	}
	if dev != nil {
		b, err := newBlockstore(dev)
		if err != nil {
			return nil, err
		}
		m.b = b
	}
	return m, nil
}

// Store saves a copy of page and returns the slot referring to it.
func (m *Manager) Store(page []byte) (Slot, error) {
	if len(page) != frame.PageSize {
		return 0, errors.Errorf("swap: invalid page size %d", len(page))
	}

	m.Lock()
	defer m.Unlock()

	slot := m.next
	data := compress(page)
	for !m.z.fits(len(data)) && m.z.len() > 0 && m.canSpill() {
		if err := m.spillOne(); err != nil {
			return 0, err
		}
	}

	switch {
	case m.z.fits(len(data)):
		m.z.put(slot, data)
	case m.b != nil && !m.b.full():
		if err := m.b.put(slot, page); err != nil {
			m.stats.Failures++
			return 0, err
		}
	default:
		m.stats.Failures++
		return 0, ErrFull
	}

	m.next++
	m.refs[slot] = 1
	m.stats.Stores++
	return slot, nil
}

// Load copies the contents of slot into page. The slot stays allocated.
func (m *Manager) Load(slot Slot, page []byte) error {
	if len(page) != frame.PageSize {
		return errors.Errorf("swap: invalid page size %d", len(page))
	}

	m.Lock()
	defer m.Unlock()

	if _, ok := m.refs[slot]; !ok {
		return errors.Wrapf(abi.EFAULT, "swap: load of unknown slot %d", slot)
	}
	m.stats.Loads++
	if _, ok := m.z.entries[slot]; ok {
		return m.z.get(slot, page)
	}
	return m.b.get(slot, page)
}

// Duplicate adds a reference to slot, for a forked page table entry.
func (m *Manager) Duplicate(slot Slot) error {
	m.Lock()
	defer m.Unlock()

	n, ok := m.refs[slot]
	if !ok {
		return errors.Wrapf(abi.EFAULT, "swap: duplicate of unknown slot %d", slot)
	}
	m.refs[slot] = n + 1
	return nil
}

// Free drops a reference to slot and releases it with the last one.
func (m *Manager) Free(slot Slot) {
	m.Lock()
	defer m.Unlock()

	n, ok := m.refs[slot]
	if !ok {
		log.Error("free of unknown slot %d", slot)
		return
	}
	if n > 1 {
		m.refs[slot] = n - 1
		return
	}
	delete(m.refs, slot)
	m.z.drop(slot)
	if m.b != nil {
		m.b.drop(slot)
	}
}

// RefCount returns the number of references to slot.
func (m *Manager) RefCount(slot Slot) int {
	m.Lock()
	defer m.Unlock()
	return m.refs[slot]
}

// Spill moves at most n of the oldest compressed pages to the swap device.
func (m *Manager) Spill(n int) (int, error) {
	m.Lock()
	defer m.Unlock()

	count := 0
	for ; count < n && m.z.len() > 0 && m.canSpill(); count++ {
		if err := m.spillOne(); err != nil {
			return count, err
		}
	}
	return count, nil
}

// Usage returns the fill ratio of the compressed tier.
func (m *Manager) Usage() float64 {
	m.Lock()
	defer m.Unlock()
	if m.z.capacity == 0 {
		return 1
	}
	return float64(m.z.used) / float64(m.z.capacity)
}

// Stats returns a snapshot of the manager counters.
func (m *Manager) Stats() Stats {
	m.Lock()
	defer m.Unlock()
	s := m.stats
	s.Compressed = m.z.len()
	s.CompressedBytes = m.z.used
	if m.b != nil {
		s.OnDevice = m.b.nused
		s.DeviceSlots = m.b.nslot
	}
	return s
}

func (m *Manager) canSpill() bool {
	return m.b != nil && !m.b.full()
}

func (m *Manager) spillOne() error {
	slot, ok := m.z.oldest()
	if !ok {
		return nil
	}
	page := make([]byte, frame.PageSize)
	if err := m.z.get(slot, page); err != nil {
		return err
	}
	if err := m.b.put(slot, page); err != nil {
		return err
	}
	m.z.drop(slot)
	m.stats.Spills++
	return nil
}

func (s Stats) String() string {
	return fmt.Sprintf("stores %d, loads %d, spills %d, failures %d, compressed %d (%d bytes), on device %d/%d",
		s.Stores, s.Loads, s.Spills, s.Failures, s.Compressed, s.CompressedBytes, s.OnDevice, s.DeviceSlots)
}
