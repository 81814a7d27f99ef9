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
	"context"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
	"golang.org/x/sys/unix"

	"github.com/intel/kcore/pkg/kernel/abi"
)

var (
	keySyscall = tag.MustNewKey("syscall")
	keyResult  = tag.MustNewKey("result")

	syscallLatency = stats.Float64("kcore/syscall_latency",
		"Time spent in system calls, including sleeping.", stats.UnitMilliseconds)

	// SyscallLatencyView distributes system call latencies per call and result.
	SyscallLatencyView = &view.View{
		Name:        "syscall_latency",
		Description: "Distribution of system call latencies.",
		Measure:     syscallLatency,
		TagKeys:     []tag.Key{keySyscall, keyResult},
		Aggregation: view.Distribution(0.001, 0.01, 0.1, 1, 10, 100, 1000),
	}
	// SyscallCountView counts system calls per call and result.
	SyscallCountView = &view.View{
		Name:        "syscall_count",
		Description: "Number of system calls.",
		Measure:     syscallLatency,
		TagKeys:     []tag.Key{keySyscall, keyResult},
		Aggregation: view.Count(),
	}
)

// Views returns the OpenCensus views of the kernel.
func Views() []*view.View {
	return []*view.View{SyscallLatencyView, SyscallCountView}
}

// recordSyscall records the latency of a finished system call.
func recordSyscall(name string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		if errno, ok := abi.ErrnoOf(err); ok {
			result = unix.ErrnoName(errno)
		} else {
			result = "error"
		}
	}
	ms := float64(time.Since(start)) / float64(time.Millisecond)
	err = stats.RecordWithTags(context.Background(),
		[]tag.Mutator{tag.Upsert(keySyscall, name), tag.Upsert(keyResult, result)},
		syscallLatency.M(ms))
	if err != nil {
		syslog.Error("failed to record %s latency: %v", name, err)
	}
}
