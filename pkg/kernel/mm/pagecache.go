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
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/intel/kcore/pkg/kernel/mm/frame"
	"github.com/intel/kcore/pkg/kernel/mm/vma"
)

type cacheKey struct {
	file  vma.File
	index uint64
}

// PageCache holds the frames of file pages mapped shared, so that every
// mapping of a file page sees the same frame.
type PageCache struct {
	sync.Mutex
	frames *frame.Allocator
	pages  map[cacheKey]frame.PFN
}

func newPageCache(frames *frame.Allocator) *PageCache {
	return &PageCache{
		frames: frames,
		pages:  make(map[cacheKey]frame.PFN),
	}
}

// Len returns the number of cached pages.
func (c *PageCache) Len() int {
	c.Lock()
	defer c.Unlock()
	return len(c.pages)
}

// get returns the frame caching the page of f at offset with a reference
// taken for the caller, reading it in on a miss.
func (c *PageCache) get(m *Memory, held *AddressSpace, f vma.File, offset, limit uint64) (frame.PFN, error) {
	key := cacheKey{file: f, index: offset / frame.PageSize}

	c.Lock()
	if pfn, ok := c.pages[key]; ok {
		c.frames.Get(pfn)
		c.Unlock()
		return pfn, nil
	}
	c.Unlock()

	pfn, err := m.allocFrame(held)
	if err != nil {
		return 0, err
	}
	if err := readPage(f, offset, limit, c.frames.Bytes(pfn)); err != nil {
		c.frames.Put(pfn)
		return 0, err
	}

	c.Lock()
	defer c.Unlock()
	if cached, ok := c.pages[key]; ok {
		c.frames.Put(pfn)
		pfn = cached
	} else {
		c.pages[key] = pfn
	}
	c.frames.Get(pfn)
	return pfn, nil
}

// shrink drops at most n pages not mapped anywhere.
func (c *PageCache) shrink(n int) int {
	c.Lock()
	defer c.Unlock()
	freed := 0
	for key, pfn := range c.pages {
		if freed >= n {
			break
		}
		if c.frames.RefCount(pfn) == 1 && !c.frames.Pinned(pfn) {
			delete(c.pages, key)
			c.frames.Put(pfn)
			freed++
		}
	}
	return freed
}

// Drop removes every page of a file that is not mapped anywhere.
func (c *PageCache) Drop(f vma.File) {
	c.Lock()
	defer c.Unlock()
	for key, pfn := range c.pages {
		if key.file == f && c.frames.RefCount(pfn) == 1 {
			delete(c.pages, key)
			c.frames.Put(pfn)
		}
	}
}

// readPage fills page from f at offset. Bytes past the end of the file or
// at or beyond limit read as zeros.
func readPage(f vma.File, offset, limit uint64, page []byte) error {
	end := min(uint64(f.Size()), limit)
	if offset >= end {
		return nil
	}
	n := min(end-offset, uint64(len(page)))
	if _, err := f.ReadAt(page[:n], int64(offset)); err != nil && err != io.EOF {
		return errors.Wrapf(err, "failed to read %s at %#x", f.Name(), offset)
	}
	return nil
}
