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

// Package futex implements wait queues keyed by the physical address of a
// 32-bit user memory word.
package futex

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/intel/kcore/pkg/kernel/abi"
	"github.com/intel/kcore/pkg/kernel/mm"
	"github.com/intel/kcore/pkg/kernel/mm/frame"
	logger "github.com/intel/kcore/pkg/log"
)

var log = logger.NewLogger("futex")

// Key identifies a futex: the physical address of its word.
type Key uint64

// Space resolves user words to their physical location.
type Space interface {
	WithWord(tlb *mm.TLB, va uint64, write bool, fn func(w mm.Word) error) error
}

// Waiter is a task blocked on a futex. Its frame stays referenced and
// pinned while it is queued, so the key remains valid.
type Waiter struct {
	owner  interface{}
	key    atomic.Uint64 // written with the bucket locked
	pfn    frame.PFN
	queued bool
	woken  chan struct{}
}

// NewWaiter creates a waiter for owner.
func NewWaiter(owner interface{}) *Waiter {
	return &Waiter{
		owner: owner,
		woken: make(chan struct{}, 1),
	}
}

// Owner returns the owner of the waiter.
func (w *Waiter) Owner() interface{} {
	return w.owner
}

// Woken is signalled when the waiter is woken by a wake or requeue.
func (w *Waiter) Woken() <-chan struct{} {
	return w.woken
}

// Key returns the key the waiter is, or was last, queued on.
func (w *Waiter) Key() Key {
	return Key(w.key.Load())
}

const nbuckets = 64

type bucket struct {
	sync.Mutex
	queues map[Key][]*Waiter
}

// Stats counts futex operations.
type Stats struct {
	Waits    uint64
	Wakes    uint64
	Requeues uint64
	Cancels  uint64
	Waiters  int
}

func (s Stats) String() string {
	return fmt.Sprintf("waits %d, wakes %d, requeues %d, cancels %d, waiting %d",
		s.Waits, s.Wakes, s.Requeues, s.Cancels, s.Waiters)
}

// Table holds every futex wait queue of a kernel.
type Table struct {
	frames  *frame.Allocator
	buckets [nbuckets]bucket

	notify func(*Waiter)

	waits    atomic.Uint64
	wakes    atomic.Uint64
	requeues atomic.Uint64
	cancels  atomic.Uint64
	waiters  atomic.Int64
}

// NewTable creates a futex table pinning frames of frames.
func NewTable(frames *frame.Allocator) *Table {
	t := &Table{frames: frames}
	for i := range t.buckets {
		t.buckets[i].queues = make(map[Key][]*Waiter)
	}
	return t
}

// OnWake sets a function called for every woken waiter, with its bucket
// locked. It must be set before the table is used.
func (t *Table) OnWake(fn func(*Waiter)) {
	t.notify = fn
}

func index(k Key) int {
	return int((uint64(k>>2) * 0x9e3779b97f4a7c15) >> 58)
}

func (t *Table) bucket(k Key) *bucket {
	return &t.buckets[index(k)]
}

// lockPair locks the buckets of two keys in bucket order.
func (t *Table) lockPair(k1, k2 Key) (*bucket, *bucket) {
	i1, i2 := index(k1), index(k2)
	b1, b2 := &t.buckets[i1], &t.buckets[i2]
	switch {
	case i1 == i2:
		b1.Lock()
	case i1 < i2:
		b1.Lock()
		b2.Lock()
	default:
		b2.Lock()
		b1.Lock()
	}
	return b1, b2
}

func unlockPair(b1, b2 *bucket) {
	b1.Unlock()
	if b2 != b1 {
		b2.Unlock()
	}
}

func (t *Table) hold(pfn frame.PFN) {
	t.frames.Get(pfn)
	t.frames.Pin(pfn)
}

func (t *Table) release(pfn frame.PFN) {
	t.frames.Unpin(pfn)
	t.frames.Put(pfn)
}

func (b *bucket) enqueue(w *Waiter, key Key) {
	w.key.Store(uint64(key))
	b.queues[key] = append(b.queues[key], w)
	w.queued = true
}

func (b *bucket) remove(w *Waiter) bool {
	key := w.Key()
	q := b.queues[key]
	for i, o := range q {
		if o == w {
			q = append(q[:i], q[i+1:]...)
			if len(q) == 0 {
				delete(b.queues, key)
			} else {
				b.queues[key] = q
			}
			w.queued = false
			return true
		}
	}
	return false
}

// take dequeues up to n waiters of key.
func (b *bucket) take(key Key, n int) []*Waiter {
	q := b.queues[key]
	if n > len(q) {
		n = len(q)
	}
	taken := q[:n:n]
	if n == len(q) {
		delete(b.queues, key)
	} else {
		b.queues[key] = q[n:]
	}
	for _, w := range taken {
		w.queued = false
	}
	return taken
}

// withWord resolves the futex word at va for writing, so that a private
// copy-on-write page gets its own frame first. Words in mappings without
// write permission are resolved read-only.
func withWord(space Space, tlb *mm.TLB, va uint64, fn func(w mm.Word) error) error {
	err := space.WithWord(tlb, va, true, fn)
	if fe, ok := mm.IsFault(err); ok && fe.Result == mm.FaultSegv && fe.Mapped {
		return space.WithWord(tlb, va, false, fn)
	}
	return err
}

// Wait queues w on the futex at va if the word there still holds val,
// returning EAGAIN otherwise. The caller then blocks until w is woken or
// gives up waiting and calls Cancel.
func (t *Table) Wait(space Space, tlb *mm.TLB, va uint64, val uint32, w *Waiter) error {
	if w.queued {
		return errors.Wrap(abi.EINVAL, "futex: waiter already queued")
	}
	// drain a stale wakeup from an earlier wait
	select {
	case <-w.woken:
	default:
	}

	return withWord(space, tlb, va, func(word mm.Word) error {
		key := Key(word.Addr)
		b := t.bucket(key)
		b.Lock()
		defer b.Unlock()

		if word.Val != val {
			return errors.Wrapf(abi.EAGAIN, "futex %#x: value %d, expected %d", va, word.Val, val)
		}
		w.pfn = word.PFN
		t.hold(word.PFN)
		b.enqueue(w, key)
		t.waits.Add(1)
		t.waiters.Add(1)
		return nil
	})
}

// Cancel dequeues a waiter that stopped waiting. It returns false if the
// waiter was woken in the meantime.
func (t *Table) Cancel(w *Waiter) bool {
	var b *bucket
	for {
		key := w.Key()
		b = t.bucket(key)
		b.Lock()
		if w.Key() == key {
			break
		}
		// requeued meanwhile
		b.Unlock()
	}
	defer b.Unlock()

	if !w.queued {
		return false
	}
	if !b.remove(w) {
		log.Error("internal error: queued waiter missing from futex %#x", w.Key())
		return false
	}
	t.release(w.pfn)
	t.cancels.Add(1)
	t.waiters.Add(-1)
	return true
}

func (t *Table) wake(w *Waiter) {
	t.release(w.pfn)
	t.waiters.Add(-1)
	select {
	case w.woken <- struct{}{}:
	default:
	}
	if t.notify != nil {
		t.notify(w)
	}
}

// Wake wakes up to n waiters of the futex at va, returning the number woken.
func (t *Table) Wake(space Space, tlb *mm.TLB, va uint64, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	woken := 0
	err := withWord(space, tlb, va, func(word mm.Word) error {
		woken = t.WakeKey(Key(word.Addr), n)
		return nil
	})
	return woken, err
}

// WakeKey wakes up to n waiters of key.
func (t *Table) WakeKey(key Key, n int) int {
	b := t.bucket(key)
	b.Lock()
	defer b.Unlock()

	taken := b.take(key, n)
	for _, w := range taken {
		t.wake(w)
	}
	t.wakes.Add(uint64(len(taken)))
	return len(taken)
}

// Requeue wakes up to nwake waiters of the futex at va and moves up to
// nmove of the remaining ones to the futex at va2. If cmp is given the
// word at va must hold *cmp, or EAGAIN is returned. It returns the number
// of waiters woken and moved.
func (t *Table) Requeue(space Space, tlb *mm.TLB, va uint64, nwake, nmove int, va2 uint64, cmp *uint32) (int, error) {
	if nwake < 0 || nmove < 0 {
		return 0, errors.Wrap(abi.EINVAL, "futex: negative requeue count")
	}

	// the target word is held until the waiters moved there hold it themselves
	var key2 Key
	var pfn2 frame.PFN
	err := withWord(space, tlb, va2, func(word mm.Word) error {
		key2, pfn2 = Key(word.Addr), word.PFN
		t.hold(pfn2)
		return nil
	})
	if err != nil {
		return 0, err
	}
	defer t.release(pfn2)

	total := 0
	err = withWord(space, tlb, va, func(word mm.Word) error {
		if cmp != nil && word.Val != *cmp {
			return errors.Wrapf(abi.EAGAIN, "futex %#x: value %d, expected %d", va, word.Val, *cmp)
		}
		key := Key(word.Addr)
		b1, b2 := t.lockPair(key, key2)
		defer unlockPair(b1, b2)

		for _, w := range b1.take(key, nwake) {
			t.wake(w)
			total++
			t.wakes.Add(1)
		}
		if key == key2 {
			return nil
		}
		for _, w := range b1.take(key, nmove) {
			t.release(w.pfn)
			w.pfn = pfn2
			t.hold(pfn2)
			b2.enqueue(w, key2)
			total++
			t.requeues.Add(1)
		}
		return nil
	})
	return total, err
}

// Waiters returns the number of waiters queued on key.
func (t *Table) Waiters(key Key) int {
	b := t.bucket(key)
	b.Lock()
	defer b.Unlock()
	return len(b.queues[key])
}

// Stats returns futex statistics.
func (t *Table) Stats() Stats {
	return Stats{
		Waits:    t.waits.Load(),
		Wakes:    t.wakes.Load(),
		Requeues: t.requeues.Load(),
		Cancels:  t.cancels.Load(),
		Waiters:  int(t.waiters.Load()),
	}
}
