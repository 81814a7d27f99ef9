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
	"container/list"

	"github.com/klauspost/compress/s2"
	"github.com/pkg/errors"
)

// zstore keeps compressed pages in memory, oldest first.
type zstore struct {
	capacity int
	used     int
	entries  map[Slot]*list.Element
	age      *list.List // of *zentry, oldest at front
}

type zentry struct {
	slot Slot
	data []byte
}

func newZstore(capacity int) *zstore {
	return &zstore{
		capacity: capacity,
		entries:  make(map[Slot]*list.Element),
		age:      list.New(),
	}
}

// compress returns the compressed form of page.
func compress(page []byte) []byte {
	return s2.Encode(nil, page)
}

// fits tells if n more bytes fit in the store.
func (z *zstore) fits(n int) bool {
	return z.used+n <= z.capacity
}

func (z *zstore) put(slot Slot, data []byte) {
	z.entries[slot] = z.age.PushBack(&zentry{slot: slot, data: data})
	z.used += len(data)
}

// get decompresses the entry of slot into page.
func (z *zstore) get(slot Slot, page []byte) error {
	e, ok := z.entries[slot]
	if !ok {
		return errors.Errorf("swap: no compressed entry for slot %d", slot)
	}
	out, err := s2.Decode(page[:0], e.Value.(*zentry).data)
	if err != nil {
		return errors.Wrapf(err, "swap: failed to decompress slot %d", slot)
	}
	if len(out) != len(page) {
		return errors.Errorf("swap: slot %d decompressed to %d bytes", slot, len(out))
	}
	return nil
}

func (z *zstore) drop(slot Slot) {
	if e, ok := z.entries[slot]; ok {
		z.used -= len(e.Value.(*zentry).data)
		z.age.Remove(e)
		delete(z.entries, slot)
	}
}

// oldest returns the slot of the oldest entry.
func (z *zstore) oldest() (Slot, bool) {
	if e := z.age.Front(); e != nil {
		return e.Value.(*zentry).slot, true
	}
	return 0, false
}

func (z *zstore) len() int {
	return len(z.entries)
}
