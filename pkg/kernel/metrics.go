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

package kernel

import (
	"strconv"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.opencensus.io/stats/view"

	"github.com/intel/kcore/pkg/metrics"
)

// counters are kernel-wide event counts.
type counters struct {
	dispatches  atomic.Uint64
	preemptions atomic.Uint64
	faults      atomic.Uint64
	signals     atomic.Uint64
	clones      atomic.Uint64
	execs       atomic.Uint64
	exits       atomic.Uint64
}

// Stats is a snapshot of the kernel-wide event counts.
type Stats struct {
	Dispatches  uint64
	Preemptions uint64
	Faults      uint64
	Signals     uint64
	Clones      uint64
	Execs       uint64
	Exits       uint64
}

// Stats returns the kernel-wide event counts.
func (k *Kernel) Stats() Stats {
	return Stats{
		Dispatches:  k.stats.dispatches.Load(),
		Preemptions: k.stats.preemptions.Load(),
		Faults:      k.stats.faults.Load(),
		Signals:     k.stats.signals.Load(),
		Clones:      k.stats.clones.Load(),
		Execs:       k.stats.execs.Load(),
		Exits:       k.stats.exits.Load(),
	}
}

const (
	framesDesc = iota
	frameOpsDesc
	faultsDesc
	reclaimDesc
	swapPagesDesc
	swapBytesDesc
	swapOpsDesc
	futexWaitersDesc
	futexOpsDesc
	tasksDesc
	runQueueDesc
	loadDesc
	switchesDesc
	syscallsDesc
	syscallErrorsDesc
	eventsDesc
	numDescriptors
)

var descriptors = [numDescriptors]*prometheus.Desc{
	framesDesc: prometheus.NewDesc(
		"kcore_frames",
		"Physical frames by state.",
		[]string{"state"}, nil,
	),
	frameOpsDesc: prometheus.NewDesc(
		"kcore_frame_operations_total",
		"Frame allocator operations.",
		[]string{"operation"}, nil,
	),
	faultsDesc: prometheus.NewDesc(
		"kcore_page_faults_total",
		"Page faults by how they were resolved.",
		[]string{"type"}, nil,
	),
	reclaimDesc: prometheus.NewDesc(
		"kcore_reclaim_total",
		"Page reclaim activity.",
		[]string{"type"}, nil,
	),
	swapPagesDesc: prometheus.NewDesc(
		"kcore_swap_pages",
		"Swapped out pages by tier.",
		[]string{"tier"}, nil,
	),
	swapBytesDesc: prometheus.NewDesc(
		"kcore_swap_compressed_bytes",
		"Memory used by the compressed swap tier.",
		nil, nil,
	),
	swapOpsDesc: prometheus.NewDesc(
		"kcore_swap_operations_total",
		"Swap operations.",
		[]string{"operation"}, nil,
	),
	futexWaitersDesc: prometheus.NewDesc(
		"kcore_futex_waiters",
		"Tasks waiting on a futex.",
		nil, nil,
	),
	futexOpsDesc: prometheus.NewDesc(
		"kcore_futex_operations_total",
		"Futex operations.",
		[]string{"operation"}, nil,
	),
	tasksDesc: prometheus.NewDesc(
		"kcore_tasks",
		"Tasks by state.",
		[]string{"state"}, nil,
	),
	runQueueDesc: prometheus.NewDesc(
		"kcore_runqueue_length",
		"Runnable tasks per core.",
		[]string{"core"}, nil,
	),
	loadDesc: prometheus.NewDesc(
		"kcore_runqueue_load",
		"Smoothed run queue load per core.",
		[]string{"core"}, nil,
	),
	switchesDesc: prometheus.NewDesc(
		"kcore_context_switches_total",
		"Context switches per core.",
		[]string{"core"}, nil,
	),
	syscallsDesc: prometheus.NewDesc(
		"kcore_syscalls_total",
		"System calls by name.",
		[]string{"name"}, nil,
	),
	syscallErrorsDesc: prometheus.NewDesc(
		"kcore_syscall_errors_total",
		"Failed system calls by name.",
		[]string{"name"}, nil,
	),
	eventsDesc: prometheus.NewDesc(
		"kcore_events_total",
		"Kernel events.",
		[]string{"event"}, nil,
	),
}

type collector struct {
	k *Kernel
}

// Collector returns a prometheus collector for the kernel.
func (k *Kernel) Collector() prometheus.Collector {
	return &collector{k: k}
}

// RegisterMetrics registers the kernel collector for metrics gathering
// and the OpenCensus views of system calls.
func (k *Kernel) RegisterMetrics() error {
	if err := view.Register(Views()...); err != nil {
		return errors.Wrap(err, "kernel: failed to register views")
	}
	return metrics.RegisterCollector("kernel", func() (prometheus.Collector, error) {
		return k.Collector(), nil
	})
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descriptors {
		ch <- d
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	k := c.k
	gauge := func(d int, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(descriptors[d], prometheus.GaugeValue, v, labels...)
	}
	counter := func(d int, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(descriptors[d], prometheus.CounterValue, float64(v), labels...)
	}

	frames := k.frames
	fs := frames.Stats()
	gauge(framesDesc, float64(frames.Free()), "free")
	gauge(framesDesc, float64(frames.Total()-frames.Free()), "used")
	gauge(framesDesc, float64(frames.PinnedCount()), "pinned")
	counter(frameOpsDesc, fs.Allocs, "alloc")
	counter(frameOpsDesc, fs.Frees, "free")
	counter(frameOpsDesc, fs.Failures, "failure")

	ms := k.mem.Stats()
	counter(faultsDesc, ms.Faults, "all")
	counter(faultsDesc, ms.MinorFaults, "minor")
	counter(faultsDesc, ms.CowCopies, "cow_copy")
	counter(faultsDesc, ms.CowReuses, "cow_reuse")
	counter(faultsDesc, ms.SwapIns, "swap_in")
	counter(faultsDesc, ms.SegvFaults, "segv")
	counter(faultsDesc, ms.OOMFaults, "oom")
	counter(reclaimDesc, ms.Evictions, "eviction")
	counter(reclaimDesc, ms.Drops, "drop")
	counter(reclaimDesc, ms.ReclaimRuns, "run")
	counter(reclaimDesc, ms.Shootdowns, "shootdown")

	ss := k.swap.Stats()
	gauge(swapPagesDesc, float64(ss.Compressed), "compressed")
	gauge(swapPagesDesc, float64(ss.OnDevice), "device")
	gauge(swapBytesDesc, float64(ss.CompressedBytes))
	counter(swapOpsDesc, ss.Stores, "store")
	counter(swapOpsDesc, ss.Loads, "load")
	counter(swapOpsDesc, ss.Spills, "spill")
	counter(swapOpsDesc, ss.Failures, "failure")

	xs := k.futex.Stats()
	gauge(futexWaitersDesc, float64(xs.Waiters))
	counter(futexOpsDesc, xs.Waits, "wait")
	counter(futexOpsDesc, xs.Wakes, "wake")
	counter(futexOpsDesc, xs.Requeues, "requeue")
	counter(futexOpsDesc, xs.Cancels, "cancel")

	for state, n := range k.tasks.Counts() {
		gauge(tasksDesc, float64(n), state.String())
	}
	for _, q := range k.sched.Stats() {
		core := strconv.Itoa(q.Core)
		gauge(runQueueDesc, float64(q.Running), core)
		gauge(loadDesc, q.Load, core)
		counter(switchesDesc, q.Switches, core)
	}
	for _, s := range k.SyscallCounts() {
		counter(syscallsDesc, s.Calls, s.Name)
		counter(syscallErrorsDesc, s.Errors, s.Name)
	}

	st := k.Stats()
	counter(eventsDesc, st.Dispatches, "dispatch")
	counter(eventsDesc, st.Preemptions, "preemption")
	counter(eventsDesc, st.Faults, "fault")
	counter(eventsDesc, st.Signals, "signal")
	counter(eventsDesc, st.Clones, "clone")
	counter(eventsDesc, st.Execs, "exec")
	counter(eventsDesc, st.Exits, "exit")
}
