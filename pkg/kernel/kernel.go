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

// Package kernel ties the memory, scheduling, task, signal and futex
// subsystems together into a running kernel: cores dispatching threads of
// user programs, trap entry and the system call table.
package kernel

import (
	"context"
	"debug/elf"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/intel/kcore/pkg/kernel/abi"
	"github.com/intel/kcore/pkg/kernel/arch"
	"github.com/intel/kcore/pkg/kernel/blockdev"
	"github.com/intel/kcore/pkg/kernel/futex"
	"github.com/intel/kcore/pkg/kernel/loader"
	"github.com/intel/kcore/pkg/kernel/mm"
	"github.com/intel/kcore/pkg/kernel/mm/frame"
	"github.com/intel/kcore/pkg/kernel/mm/swap"
	"github.com/intel/kcore/pkg/kernel/sched"
	"github.com/intel/kcore/pkg/kernel/task"
	logger "github.com/intel/kcore/pkg/log"
)

var log = logger.NewLogger("kernel")

// Config is the configuration of a kernel instance.
type Config struct {
	// Cores is the number of cores.
	Cores int
	// MaxTasks bounds the number of live tasks.
	MaxTasks int
	// Tick is the period of the scheduler tick.
	Tick time.Duration
	// BalanceInterval is the period of run queue balancing.
	BalanceInterval time.Duration
	// Frames is the number of physical frames.
	Frames int
	// Format is the page table format, the build default if empty.
	Format string
	Memory mm.Config
	Swap   SwapConfig
	Sched  sched.Config
}

// SwapConfig is the configuration of swapping.
type SwapConfig struct {
	// CompressedBytes is the capacity of the compressed store.
	CompressedBytes int
	Spiller         swap.SpillerConfig
}

// Collaborators are the services a kernel uses without implementing them.
type Collaborators struct {
	// FS provides executables and files.
	FS loader.FS
	// Device is the swap device, or nil for compressed swap only.
	Device blockdev.Device
	// Clock drives ticks, timeouts and memory sweeps.
	Clock clock.WithTicker
}

// Kernel is a kernel instance.
type Kernel struct {
	config  Config
	fs      loader.FS
	clock   clock.WithTicker
	format  string
	machine elf.Machine

	frames  *frame.Allocator
	swap    *swap.Manager
	device  blockdev.Device
	spiller *swap.Spiller
	mem     *mm.Memory
	futex   *futex.Table
	tasks   *task.Table
	sched   *sched.Scheduler
	cores   []*core

	syscalls map[uint64]*syscallEntry

	mu       sync.Mutex // protects programs and init
	programs map[string]Program
	init     *thread

	initDone chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	threads  sync.WaitGroup
	stats    counters
}

// New creates a kernel: physical memory and its allocator first, then
// swap, address space management, futexes, the task table, the scheduler
// with its cores and the system call table.
func New(config Config, c Collaborators) (*Kernel, error) {
	config = config.withDefaults()
	if c.FS == nil {
		return nil, kernelError("no file system")
	}
	if c.Clock == nil {
		c.Clock = clock.RealClock{}
	}

	k := &Kernel{
		config:   config,
		fs:       c.FS,
		clock:    c.Clock,
		format:   config.Format,
		programs: make(map[string]Program),
		initDone: make(chan struct{}),
		done:     make(chan struct{}),
	}

	newPT := arch.New
	if k.format == "" {
		k.format = arch.DefaultFormat
	} else {
		var err error
		if newPT, err = arch.Lookup(k.format); err != nil {
			return nil, err
		}
	}
	machine, err := loader.MachineFor(k.format)
	if err != nil {
		return nil, err
	}
	k.machine = machine

	if k.frames, err = frame.NewAllocator(config.Frames); err != nil {
		return nil, errors.Wrap(err, "kernel: failed to set up physical memory")
	}
	if k.swap, err = swap.NewManager(config.Swap.CompressedBytes, c.Device); err != nil {
		return nil, errors.Wrap(err, "kernel: failed to set up swap")
	}
	if c.Device != nil {
		k.device = c.Device
		k.spiller = swap.NewSpiller(k.swap, config.Swap.Spiller)
	}
	if k.mem, err = mm.NewMemory(k.frames, k.swap, newPT, config.Cores, config.Memory); err != nil {
		return nil, errors.Wrap(err, "kernel: failed to set up memory management")
	}
	k.mem.SetClock(c.Clock)

	k.futex = futex.NewTable(k.frames)
	k.futex.OnWake(func(w *futex.Waiter) {
		k.wake(w.Owner().(*thread).task)
	})

	k.tasks = task.NewTable(config.MaxTasks)
	k.sched = sched.New(config.Cores, config.Sched)
	for id := 0; id < config.Cores; id++ {
		k.cores = append(k.cores, newCore(k, id))
	}
	k.syscalls = newSyscallTable()

	log.Info("kernel: %d cores, %d frames (%s), %d tasks max", config.Cores, config.Frames,
		k.format, k.tasks.Capacity())

	return k, nil
}

func (c Config) withDefaults() Config {
	if c.Cores <= 0 {
		c.Cores = 1
	}
	if c.Tick <= 0 {
		c.Tick = time.Millisecond
	}
	if c.BalanceInterval <= 0 {
		c.BalanceInterval = 50 * c.Tick
	}
	if c.Frames <= 0 {
		c.Frames = 4096
	}
	return c
}

// Register makes a program available to exec under name, the name the
// program note of an executable refers to.
func (k *Kernel) Register(name string, p Program) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.programs[name]; ok {
		return kernelError("program %q already registered", name)
	}
	k.programs[name] = p
	return nil
}

func (k *Kernel) program(name string) (Program, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.programs[name]
	return p, ok
}

// Start creates the init process running the executable at path. The
// process starts running once the kernel runs.
func (k *Kernel) Start(path string, argv, envp []string) error {
	k.mu.Lock()
	started := k.init != nil
	k.mu.Unlock()
	if started {
		return errors.Wrap(abi.EEXIST, "kernel: init already started")
	}

	img, err := k.loadImage(path, argv, envp)
	if err != nil {
		return err
	}
	t, err := k.tasks.NewInit(img.name, task.Resources{AS: img.as})
	if err != nil {
		img.as.Release()
		return err
	}
	th := k.newThread(t, img.prog, nil)
	th.setStart(img.start)

	k.mu.Lock()
	k.init = th
	k.mu.Unlock()

	k.startThread(th)
	return nil
}

// InitDone is closed once the init process exited.
func (k *Kernel) InitDone() <-chan struct{} {
	return k.initDone
}

// InitStatus returns the wait status init exited with.
func (k *Kernel) InitStatus() uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.init == nil {
		return 0
	}
	return k.init.task.Group().Status()
}

// Run runs the cores and background services until ctx is done, then
// stops every thread.
func (k *Kernel) Run(ctx context.Context) error {
	defer k.trackConfig()()
	g, ctx := errgroup.WithContext(ctx)

	for _, c := range k.cores {
		c := c
		g.Go(func() error { return c.run(ctx) })
	}
	g.Go(func() error { return k.mem.Run(ctx) })
	g.Go(func() error { return k.balance(ctx) })
	if k.spiller != nil {
		k.spiller.Start(ctx)
	}

	err := g.Wait()
	k.shutdown()
	return err
}

// balance periodically evens out the run queues, kicking idle cores that
// received work.
func (k *Kernel) balance(ctx context.Context) error {
	ticker := k.clock.NewTicker(k.config.BalanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
		if moved := k.sched.Balance(); moved > 0 {
			log.Debug("balancing moved %d tasks", moved)
			k.kickResched()
		}
	}
}

func (k *Kernel) kickResched() {
	for _, c := range k.cores {
		if k.sched.NeedResched(c.id) {
			c.kickIdle()
		}
	}
}

// shutdown unwinds every thread still around.
func (k *Kernel) shutdown() {
	k.stopOnce.Do(func() {
		close(k.done)
		if k.spiller != nil {
			k.spiller.Stop()
		}
	})
	k.threads.Wait()
}

// Close stops every thread and closes the swap device.
func (k *Kernel) Close() error {
	var result *multierror.Error
	k.shutdown()
	if k.device != nil {
		if err := k.device.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "failed to close swap device"))
		}
	}
	if n := k.tasks.Len(); n > 0 {
		log.Warn("kernel closed with %d tasks left", n)
	}
	return result.ErrorOrNil()
}

// PostEvent raises sig for the process pid on behalf of a collaborator.
func (k *Kernel) PostEvent(pid int, sig abi.Signal) error {
	g, ok := k.tasks.LookupGroup(pid)
	if !ok {
		return errors.Wrapf(abi.ESRCH, "no process %d", pid)
	}
	return k.signalGroup(g, sig)
}

// Tasks returns the task table.
func (k *Kernel) Tasks() *task.Table {
	return k.tasks
}

// Memory returns the memory manager.
func (k *Kernel) Memory() *mm.Memory {
	return k.mem
}

// Scheduler returns the scheduler.
func (k *Kernel) Scheduler() *sched.Scheduler {
	return k.sched
}

// Futexes returns the futex table.
func (k *Kernel) Futexes() *futex.Table {
	return k.futex
}

// Config returns the kernel configuration.
func (k *Kernel) Config() Config {
	return k.config
}

// Format returns the page table format in use.
func (k *Kernel) Format() string {
	return k.format
}

// SchedInfo returns the scheduling state of a task.
func (k *Kernel) SchedInfo(t *task.Task) (sched.Info, bool) {
	th, ok := t.Owner.(*thread)
	if !ok {
		return sched.Info{}, false
	}
	return k.sched.Info(th.entity), true
}

func kernelError(format string, args ...interface{}) error {
	return errors.Errorf("kernel: "+format, args...)
}
