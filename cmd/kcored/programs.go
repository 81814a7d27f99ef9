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

package main

import (
	"debug/elf"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/intel/kcore/pkg/kernel"
	"github.com/intel/kcore/pkg/kernel/abi"
	"github.com/intel/kcore/pkg/kernel/loader"
)

const (
	textBase  = 0x10000
	pageSize  = 4096
	rw        = abi.PROT_READ | abi.PROT_WRITE
	anonymous = abi.MAP_PRIVATE | abi.MAP_ANONYMOUS
)

// programs are the built-in executables, by path.
var programs = map[string]kernel.Program{
	"/sbin/init":    initProgram,
	"/bin/spin":     spinProgram,
	"/bin/memhog":   memhogProgram,
	"/bin/pingpong": pingpongProgram,
}

// install registers the built-in programs and adds their executables.
func install(k *kernel.Kernel, fs *loader.MemFS) error {
	machine, err := loader.MachineFor(k.Format())
	if err != nil {
		return err
	}
	for path, prog := range programs {
		if err := k.Register(path, prog); err != nil {
			return err
		}
		fs.Add(path, loader.BuildELF(machine, textBase, path, []loader.SegmentSpec{
			{Vaddr: textBase, Data: make([]byte, pageSize), Flags: elf.PF_R | elf.PF_X},
		}))
	}
	return nil
}

// initProgram starts the programs named by its arguments and reaps
// children until SIGTERM, which it forwards to everyone else.
func initProgram(uc *kernel.UserContext) {
	var terminating atomic.Bool
	if err := uc.Signal(abi.SIGTERM, func(uc *kernel.UserContext, sig abi.Signal) {
		terminating.Store(true)
	}, 0, 0); err != nil {
		uc.Exit(1)
	}

	env := uc.Env()
	for _, path := range uc.Args()[1:] {
		path := path
		if _, err := uc.Fork(func(uc *kernel.UserContext) {
			err := uc.Execve(path, []string{path}, env)
			log.Error("init: failed to exec %s: %v", path, err)
			uc.Exit(127)
		}); err != nil {
			log.Error("init: failed to fork for %s: %v", path, err)
		}
	}

	for {
		pid, status, err := uc.Wait4(-1, 0)
		switch {
		case err == abi.ECHILD:
			uc.Exit(0)
		case err == abi.EINTR && terminating.Load():
			log.Info("init: terminating")
			_ = uc.Kill(-1, abi.SIGTERM)
			terminating.Store(false)
		case err == nil:
			log.Info("init: process %d exited with status %#x", pid, status)
		}
	}
}

// spinProgram burns CPU in short bursts at the nice level given as its
// first argument.
func spinProgram(uc *kernel.UserContext) {
	if args := uc.Args(); len(args) > 1 {
		if nice, err := strconv.Atoi(args[1]); err == nil {
			_ = uc.Setpriority(0, nice)
		}
	}
	for {
		uc.Compute(5 * time.Millisecond)
		uc.Yield()
	}
}

// memhogProgram keeps dirtying more memory than it is likely to get,
// forcing pages out to swap.
func memhogProgram(uc *kernel.UserContext) {
	const pages = 2048
	addr, err := uc.Mmap(0, pages*pageSize, rw, anonymous, -1, 0)
	if err != nil {
		uc.Exit(1)
	}
	rnd := rand.New(rand.NewSource(int64(uc.Getpid())))
	buf := make([]byte, 256)
	for {
		page := uint64(rnd.Intn(pages))
		rnd.Read(buf)
		if err := uc.Store(addr+page*pageSize, buf); err != nil {
			uc.Exit(1)
		}
		if page%64 == 0 {
			_, _ = uc.Nanosleep(time.Millisecond)
		}
	}
}

// pingpongProgram bounces a futex word between two threads.
func pingpongProgram(uc *kernel.UserContext) {
	const stackPages = 16
	mem, err := uc.Mmap(0, (stackPages+1)*pageSize, rw, anonymous, -1, 0)
	if err != nil {
		uc.Exit(1)
	}
	word, stack := mem, mem+(stackPages+1)*pageSize

	bounce := func(uc *kernel.UserContext, mine, theirs uint32) {
		for {
			for {
				v, err := uc.Load32(word)
				if err != nil {
					uc.Exit(1)
				}
				if v == mine {
					break
				}
				_ = uc.FutexWait(word, v, 0)
			}
			_ = uc.Store32(word, theirs)
			_, _ = uc.FutexWake(word, 1)
		}
	}

	if _, err := uc.Thread(func(uc *kernel.UserContext) { bounce(uc, 1, 0) }, stack, 0); err != nil {
		uc.Exit(1)
	}
	bounce(uc, 0, 1)
}
