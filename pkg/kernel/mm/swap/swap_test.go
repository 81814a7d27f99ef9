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
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intel/kcore/pkg/kernel/abi"
	"github.com/intel/kcore/pkg/kernel/blockdev"
	"github.com/intel/kcore/pkg/kernel/mm/frame"
)

// noise returns an incompressible page.
func noise(seed int64) []byte {
	page := make([]byte, frame.PageSize)
	rand.New(rand.NewSource(seed)).Read(page)
	return page
}

func pattern(b byte) []byte {
	return bytes.Repeat([]byte{b, b + 1, b + 2, b + 3}, frame.PageSize/4)
}

func TestStoreLoadRoundTrip(t *testing.T) {
	m, err := NewManager(64*1024, nil)
	require.NoError(t, err)

	pages := [][]byte{
		make([]byte, frame.PageSize),
		pattern(7),
		noise(1),
		noise(2),
	}
	slots := make([]Slot, len(pages))
	for i, p := range pages {
		slots[i], err = m.Store(p)
		require.NoError(t, err)
		require.NotZero(t, slots[i])
	}
	// the stored copy is independent of the source page
	for i := range pages[3] {
		pages[3][i] = 0
	}
	pages[3] = noise(2)

	for i, p := range pages {
		got := make([]byte, frame.PageSize)
		require.NoError(t, m.Load(slots[i], got))
		require.True(t, bytes.Equal(p, got), "page %d differs after load", i)
	}

	stats := m.Stats()
	require.Equal(t, uint64(4), stats.Stores)
	require.Equal(t, uint64(4), stats.Loads)
	require.Equal(t, 4, stats.Compressed)
	require.Less(t, stats.CompressedBytes, 4*frame.PageSize+1024)
}

func TestSpillToDevice(t *testing.T) {
	dev := blockdev.NewMemory(512, 4*frame.PageSize/512)
	m, err := NewManager(2*frame.PageSize+512, dev)
	require.NoError(t, err)

	var slots []Slot
	for i := int64(0); i < 3; i++ {
		s, err := m.Store(noise(i))
		require.NoError(t, err)
		slots = append(slots, s)
	}

	stats := m.Stats()
	require.Equal(t, uint64(1), stats.Spills)
	require.Equal(t, 1, stats.OnDevice)
	require.Equal(t, 2, stats.Compressed)

	for i, s := range slots {
		got := make([]byte, frame.PageSize)
		require.NoError(t, m.Load(s, got))
		require.True(t, bytes.Equal(noise(int64(i)), got), "page %d differs after spill", i)
	}

	n, err := m.Spill(10)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 3, m.Stats().OnDevice)

	m.Free(slots[0])
	require.Equal(t, 2, m.Stats().OnDevice)
}

func TestExhaustion(t *testing.T) {
	t.Run("compressed only", func(t *testing.T) {
		m, err := NewManager(frame.PageSize+512, nil)
		require.NoError(t, err)
		_, err = m.Store(noise(1))
		require.NoError(t, err)
		_, err = m.Store(noise(2))
		require.Error(t, err)
		errno, ok := abi.ErrnoOf(err)
		require.True(t, ok)
		require.Equal(t, abi.ENOMEM, errno)
	})

	t.Run("device full", func(t *testing.T) {
		dev := blockdev.NewMemory(frame.PageSize, 1)
		m, err := NewManager(frame.PageSize+512, dev)
		require.NoError(t, err)
		_, err = m.Store(noise(1))
		require.NoError(t, err)
		_, err = m.Store(noise(2))
		require.NoError(t, err)
		_, err = m.Store(noise(3))
		require.Error(t, err)
		errno, _ := abi.ErrnoOf(err)
		require.Equal(t, abi.ENOMEM, errno)
		require.Equal(t, uint64(1), m.Stats().Failures)
	})

	t.Run("freeing makes room", func(t *testing.T) {
		m, err := NewManager(frame.PageSize+512, nil)
		require.NoError(t, err)
		s, err := m.Store(noise(1))
		require.NoError(t, err)
		m.Free(s)
		_, err = m.Store(noise(2))
		require.NoError(t, err)
	})
}

func TestDuplicateFree(t *testing.T) {
	m, err := NewManager(16*1024, nil)
	require.NoError(t, err)

	s, err := m.Store(pattern(1))
	require.NoError(t, err)
	require.NoError(t, m.Duplicate(s))
	require.Equal(t, 2, m.RefCount(s))

	m.Free(s)
	require.Equal(t, 1, m.RefCount(s))
	require.NoError(t, m.Load(s, make([]byte, frame.PageSize)))

	m.Free(s)
	require.Equal(t, 0, m.RefCount(s))
	require.Error(t, m.Load(s, make([]byte, frame.PageSize)))
	require.Error(t, m.Duplicate(s))
}

func TestSpillerRound(t *testing.T) {
	dev := blockdev.NewMemory(frame.PageSize, 8)
	m, err := NewManager(4*frame.PageSize+512, dev)
	require.NoError(t, err)
	for i := int64(0); i < 4; i++ {
		_, err := m.Store(noise(i))
		require.NoError(t, err)
	}

	s := NewSpiller(m, SpillerConfig{Bandwidth: 1000, HighWater: 0.8, LowWater: 0.3})
	n, err := s.round(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, 1, m.Stats().Compressed)

	n, err = s.round(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}
