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
	"fmt"
	"sync"
	"time"

	pkgcfg "github.com/intel/kcore/pkg/config"
	"github.com/intel/kcore/pkg/kernel/arch"
	"github.com/intel/kcore/pkg/kernel/mm"
	"github.com/intel/kcore/pkg/kernel/mm/frame"
	"github.com/intel/kcore/pkg/kernel/mm/swap"
	"github.com/intel/kcore/pkg/kernel/sched"
)

const (
	kernelModule = "kernel"
	memoryModule = "memory"
	swapModule   = "swap"
	schedModule  = "scheduler"
)

// kernelOptions are the machine wide settings, used when a kernel boots.
type kernelOptions struct {
	Cores           int             `json:"cores"`
	MaxTasks        int             `json:"maxTasks"`
	Frames          int             `json:"frames"`
	Format          string          `json:"format,omitempty"`
	Tick            pkgcfg.Duration `json:"tick"`
	BalanceInterval pkgcfg.Duration `json:"balanceInterval"`
}

// memoryOptions tune reclaim, used when a kernel boots.
type memoryOptions struct {
	LowWater      int             `json:"lowWater"`
	HighWater     int             `json:"highWater"`
	ReclaimBatch  int             `json:"reclaimBatch"`
	SweepInterval pkgcfg.Duration `json:"sweepInterval"`
	StackPages    int             `json:"stackPages"`
}

// swapOptions size the compressed store and pace the spiller, which picks
// up changes at runtime.
type swapOptions struct {
	CompressedBytes int             `json:"compressedBytes"`
	SpillInterval   pkgcfg.Duration `json:"spillInterval"`
	SpillBandwidth  int             `json:"spillBandwidth"`
	SpillHighWater  float64         `json:"spillHighWater"`
	SpillLowWater   float64         `json:"spillLowWater"`
}

// schedOptions are the scheduler tunables, applied at runtime.
type schedOptions struct {
	Latency           pkgcfg.Duration `json:"latency"`
	MinGranularity    pkgcfg.Duration `json:"minGranularity"`
	WakeupGranularity pkgcfg.Duration `json:"wakeupGranularity"`
	RRSlice           pkgcfg.Duration `json:"rrSlice"`
}

var (
	kernelOpt = &kernelOptions{}
	memoryOpt = &memoryOptions{}
	swapOpt   = &swapOptions{}
	schedOpt  = &schedOptions{}

	// kernels running, for runtime reconfiguration
	liveLock sync.Mutex
	live     = map[*Kernel]struct{}{}
)

func defaultKernelOptions() interface{} {
	return &kernelOptions{
		Cores:           4,
		MaxTasks:        512,
		Frames:          16384,
		Tick:            pkgcfg.Duration(time.Millisecond),
		BalanceInterval: pkgcfg.Duration(50 * time.Millisecond),
	}
}

func defaultMemoryOptions() interface{} {
	return &memoryOptions{
		LowWater:      256,
		HighWater:     512,
		ReclaimBatch:  32,
		SweepInterval: pkgcfg.Duration(100 * time.Millisecond),
		StackPages:    64,
	}
}

func defaultSwapOptions() interface{} {
	return &swapOptions{
		CompressedBytes: 16 << 20,
		SpillInterval:   pkgcfg.Duration(100 * time.Millisecond),
		SpillBandwidth:  1024,
		SpillHighWater:  0.9,
		SpillLowWater:   0.7,
	}
}

func defaultSchedOptions() interface{} {
	d := sched.DefaultConfig()
	return &schedOptions{
		Latency:           pkgcfg.Duration(d.Latency),
		MinGranularity:    pkgcfg.Duration(d.MinGranularity),
		WakeupGranularity: pkgcfg.Duration(d.WakeupGranularity),
		RRSlice:           pkgcfg.Duration(d.RRSlice),
	}
}

func (o *kernelOptions) Validate() error {
	if o.Cores <= 0 || o.Cores > maskSize*8 {
		return fmt.Errorf("invalid core count %d, must be within 1-%d", o.Cores, maskSize*8)
	}
	if o.Frames <= 0 {
		return fmt.Errorf("invalid frame count %d", o.Frames)
	}
	if o.Format != "" {
		if _, err := arch.Lookup(o.Format); err != nil {
			return err
		}
	}
	return nil
}

func (o *memoryOptions) Validate() error {
	if o.LowWater < 0 || o.HighWater < o.LowWater {
		return fmt.Errorf("invalid watermarks %d/%d", o.LowWater, o.HighWater)
	}
	return nil
}

func (o *swapOptions) Validate() error {
	if o.CompressedBytes < 0 {
		return fmt.Errorf("invalid compressed store size %d", o.CompressedBytes)
	}
	if o.SpillLowWater > o.SpillHighWater || o.SpillHighWater > 1 {
		return fmt.Errorf("invalid spill watermarks %.2f/%.2f", o.SpillLowWater, o.SpillHighWater)
	}
	return nil
}

func (o *schedOptions) Validate() error {
	if o.MinGranularity <= 0 || o.Latency < o.MinGranularity {
		return fmt.Errorf("latency %s shorter than granularity %s", o.Latency, o.MinGranularity)
	}
	return nil
}

func (o *schedOptions) config() sched.Config {
	return sched.Config{
		Latency:           time.Duration(o.Latency),
		MinGranularity:    time.Duration(o.MinGranularity),
		WakeupGranularity: time.Duration(o.WakeupGranularity),
		RRSlice:           time.Duration(o.RRSlice),
	}
}

func (o *swapOptions) spiller() swap.SpillerConfig {
	return swap.SpillerConfig{
		Interval:  time.Duration(o.SpillInterval),
		Bandwidth: o.SpillBandwidth,
		HighWater: o.SpillHighWater,
		LowWater:  o.SpillLowWater,
	}
}

// ConfigFromOptions returns the kernel configuration of the runtime
// configuration modules.
func ConfigFromOptions() Config {
	return Config{
		Cores:           kernelOpt.Cores,
		MaxTasks:        kernelOpt.MaxTasks,
		Tick:            time.Duration(kernelOpt.Tick),
		BalanceInterval: time.Duration(kernelOpt.BalanceInterval),
		Frames:          kernelOpt.Frames,
		Format:          kernelOpt.Format,
		Memory: mm.Config{
			LowWater:      memoryOpt.LowWater,
			HighWater:     memoryOpt.HighWater,
			ReclaimBatch:  memoryOpt.ReclaimBatch,
			SweepInterval: time.Duration(memoryOpt.SweepInterval),
			StackSize:     uint64(memoryOpt.StackPages) * frame.PageSize,
		},
		Swap: SwapConfig{
			CompressedBytes: swapOpt.CompressedBytes,
			Spiller:         swapOpt.spiller(),
		},
		Sched: schedOpt.config(),
	}
}

// trackConfig makes the kernel follow runtime tunable changes while it runs.
func (k *Kernel) trackConfig() func() {
	liveLock.Lock()
	live[k] = struct{}{}
	liveLock.Unlock()
	return func() {
		liveLock.Lock()
		delete(live, k)
		liveLock.Unlock()
	}
}

func liveKernels() []*Kernel {
	liveLock.Lock()
	defer liveLock.Unlock()
	kernels := make([]*Kernel, 0, len(live))
	for k := range live {
		kernels = append(kernels, k)
	}
	return kernels
}

func schedNotify(event pkgcfg.Event, _ pkgcfg.Source) error {
	config := schedOpt.config()
	for _, k := range liveKernels() {
		k.sched.SetConfig(config)
	}
	log.Info("scheduler configuration %s: latency %s, granularity %s", event,
		config.Latency, config.MinGranularity)
	return nil
}

func swapNotify(event pkgcfg.Event, _ pkgcfg.Source) error {
	config := swapOpt.spiller()
	for _, k := range liveKernels() {
		if k.spiller != nil {
			k.spiller.SetConfig(config)
		}
	}
	log.Info("swap configuration %s", event)
	return nil
}

func bootNotify(event pkgcfg.Event, _ pkgcfg.Source) error {
	if len(liveKernels()) > 0 {
		log.Info("kernel configuration %s, takes effect at next boot", event)
	}
	return nil
}

func init() {
	pkgcfg.Register(kernelModule, "machine configuration", kernelOpt, defaultKernelOptions,
		pkgcfg.WithNotify(bootNotify))
	pkgcfg.Register(memoryModule, "memory management", memoryOpt, defaultMemoryOptions,
		pkgcfg.WithNotify(bootNotify))
	pkgcfg.Register(swapModule, "swapping", swapOpt, defaultSwapOptions,
		pkgcfg.WithNotify(swapNotify))
	pkgcfg.Register(schedModule, "task scheduling", schedOpt, defaultSchedOptions,
		pkgcfg.WithNotify(schedNotify))
}
