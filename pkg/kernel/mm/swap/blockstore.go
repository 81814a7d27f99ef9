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
	"math/bits"

	"github.com/pkg/errors"

	"github.com/intel/kcore/pkg/kernel/blockdev"
	"github.com/intel/kcore/pkg/kernel/mm/frame"
)

// blockstore keeps whole pages on a block device, one page per run of blocks.
type blockstore struct {
	dev       blockdev.Device
	perPage   uint64
	used      []uint64 // slot bitmap
	nslot     int
	nused     int
	locations map[Slot]int
}

func newBlockstore(dev blockdev.Device) (*blockstore, error) {
	bs := dev.BlockSize()
	if bs <= 0 || frame.PageSize%bs != 0 {
		return nil, errors.Errorf("swap: block size %d does not divide page size", bs)
	}
	perPage := uint64(frame.PageSize / bs)
	nslot := int(dev.Blocks() / perPage)
	b := &blockstore{
		dev:       dev,
		perPage:   perPage,
		used:      make([]uint64, (nslot+63)/64),
		nslot:     nslot,
		locations: make(map[Slot]int),
	}
	if tail := nslot % 64; tail != 0 {
		b.used[len(b.used)-1] = ^uint64(0) << tail
	}
	return b, nil
}

func (b *blockstore) full() bool {
	return b.nused >= b.nslot
}

func (b *blockstore) put(slot Slot, page []byte) error {
	idx := -1
	for w, word := range b.used {
		if free := ^word; free != 0 {
			idx = w*64 + bits.TrailingZeros64(free)
			break
		}
	}
	if idx < 0 {
		return errors.New("swap: block store full")
	}
	if err := b.dev.WriteBlocks(uint64(idx)*b.perPage, page); err != nil {
		return errors.Wrap(err, "swap: failed to write page")
	}
	b.used[idx/64] |= 1 << (idx % 64)
	b.nused++
	b.locations[slot] = idx
	return nil
}

func (b *blockstore) get(slot Slot, page []byte) error {
	idx, ok := b.locations[slot]
	if !ok {
		return errors.Errorf("swap: no block entry for slot %d", slot)
	}
	return errors.Wrap(b.dev.ReadBlocks(uint64(idx)*b.perPage, page), "swap: failed to read page")
}

func (b *blockstore) drop(slot Slot) {
	if idx, ok := b.locations[slot]; ok {
		b.used[idx/64] &^= 1 << (idx % 64)
		b.nused--
		delete(b.locations, slot)
	}
}
